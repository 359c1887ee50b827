// Package api serves the health probes, the metrics endpoint and the dashboard API.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/conversation"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/synchronizer"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/utils"
)

// Conversations applies dashboard operations on the conversation's partition.
type Conversations interface {
	Messages(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
	Resolve(ctx context.Context, id string) (*model.Conversation, error)
	Archive(ctx context.Context, id string) (*model.Conversation, error)
	MarkPending(ctx context.Context, id string) (*model.Conversation, error)
	Activate(ctx context.Context, id string) (*model.Conversation, error)
	Update(ctx context.Context, id string, patch conversation.Patch) (*model.Conversation, error)
	SyncContact(ctx context.Context, phone string, limit int) (*synchronizer.IngestResult, error)
}

// Feed is the in-memory view of every conversation.
type Feed interface {
	Snapshot() []model.Conversation
	Get(id string) (model.Conversation, bool)
	Subscribe(buffer int) (<-chan model.ConversationDelta, func())
}

type Rules interface {
	ListRules(ctx context.Context, activeOnly bool) ([]model.AutomationRule, error)
	UpsertRule(ctx context.Context, rule model.AutomationRule) (*model.AutomationRule, error)
	DeleteRule(ctx context.Context, id string) error
}

type Knowledge interface {
	Save(ctx context.Context, entry model.KnowledgeEntry) (*model.KnowledgeEntry, error)
	Get(ctx context.Context, id string) (*model.KnowledgeEntry, error)
	List(ctx context.Context, activeOnly bool) ([]model.KnowledgeEntry, error)
	Delete(ctx context.Context, id string) error
	Retrieve(ctx context.Context, query string, maxResults int, minSimilarity float64) ([]model.ScoredEntry, error)
	Reindex(ctx context.Context) (int, error)
}

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

type Deps struct {
	Conversations Conversations
	Feed          Feed
	Rules         Rules
	Knowledge     Knowledge
	// Checks are run by /ready, keyed by dependency name.
	Checks map[string]ReadinessCheck
}

type Options struct {
	Port           int
	AllowedOrigins []string
	Version        string
	// Search defaults for GET /api/knowledge/search.
	MaxResults    int
	MinSimilarity float64
}

// Server represents the HTTP server
type Server struct {
	httpServer *http.Server
	router     chi.Router
	deps       Deps
	opts       Options
	logger     *zap.Logger
}

// HealthResponse is the response structure for health check endpoints
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// NewServer builds the router. The API routes are mounted only for the dependencies
// that are set.
func NewServer(opts Options, deps Deps, log *zap.Logger) *Server {
	s := &Server{deps: deps, opts: opts, logger: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	s.routes(r)

	s.router = r
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// RegisterMetricsHandler adds the /metrics endpoint handler.
// Should only be called if metrics are enabled.
func (s *Server) RegisterMetricsHandler(handler http.Handler) {
	s.logger.Info("Registering /metrics endpoint")
	s.router.Handle("/metrics", handler)
}

// Start begins the HTTP server
func (s *Server) Start() {
	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// requestLogger puts a request-scoped logger and request ID in the context.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := middleware.GetReqID(r.Context())
		ctx := tenant.WithRequestID(r.Context(), reqID)
		log := s.logger.With(zap.String("request_id", reqID), zap.String("method", r.Method), zap.String("path", r.URL.Path))
		ctx = logger.WithLogger(ctx, log)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		log.Debug("HTTP request served", zap.Int("status", ww.Status()), zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	utils.WriteJSONResponse(w, http.StatusOK, HealthResponse{
		Status:  "UP",
		Version: s.opts.Version,
	})
}

// handleReady runs every readiness check and reports 503 when one fails.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status, code := "READY", http.StatusOK
	details := map[string]string{"timestamp": utils.FormatISO8601(utils.Now())}
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			details[name] = err.Error()
			status, code = "NOT_READY", http.StatusServiceUnavailable
			continue
		}
		details[name] = "ok"
	}
	utils.WriteJSONResponse(w, code, HealthResponse{Status: status, Details: details})
}
