package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/conversation"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/validator"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/utils"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

// SyncRequest asks for a backfill of one contact's recent history.
type SyncRequest struct {
	Phone string `json:"phone" validate:"required,phone"`
	Limit int    `json:"limit" validate:"gte=0,lte=500"`
}

type SyncResponse struct {
	Conversation *model.Conversation `json:"conversation"`
	Added        int                 `json:"added"`
}

type ReindexResponse struct {
	Indexed int `json:"indexed"`
}

func (s *Server) routes(r chi.Router) {
	if s.deps.Feed != nil {
		r.Get("/ws", s.handleStream)
	}

	r.Route("/api", func(r chi.Router) {
		if s.deps.Conversations != nil && s.deps.Feed != nil {
			r.Route("/conversations", func(r chi.Router) {
				r.Get("/", s.listConversations)
				r.Post("/sync", s.syncContact)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.getConversation)
					r.Patch("/", s.updateConversation)
					r.Get("/messages", s.listMessages)
					r.Post("/resolve", s.transition(s.deps.Conversations.Resolve))
					r.Post("/archive", s.transition(s.deps.Conversations.Archive))
					r.Post("/pending", s.transition(s.deps.Conversations.MarkPending))
					r.Post("/activate", s.transition(s.deps.Conversations.Activate))
				})
			})
		}
		if s.deps.Rules != nil {
			r.Route("/rules", func(r chi.Router) {
				r.Get("/", s.listRules)
				r.Post("/", s.upsertRule)
				r.Delete("/{id}", s.deleteRule)
			})
		}
		if s.deps.Knowledge != nil {
			r.Route("/knowledge", func(r chi.Router) {
				r.Get("/", s.listKnowledge)
				r.Post("/", s.saveKnowledge)
				r.Get("/search", s.searchKnowledge)
				r.Post("/reindex", s.reindexKnowledge)
				r.Get("/{id}", s.getKnowledge)
				r.Delete("/{id}", s.deleteKnowledge)
			})
		}
	})
}

// writeError maps the error taxonomy to HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case apperrors.IsValidationError(err), apperrors.IsBadRequestError(err):
		code = http.StatusBadRequest
	case apperrors.IsNotFoundError(err):
		code = http.StatusNotFound
	case errors.Is(err, apperrors.ErrInvalidTransition), apperrors.IsConflictError(err):
		code = http.StatusConflict
	case apperrors.IsChannelUnavailable(err), errors.Is(err, apperrors.ErrRateLimited):
		code = http.StatusServiceUnavailable
	case apperrors.IsTimeoutError(err):
		code = http.StatusGatewayTimeout
	}

	log := logger.FromContextOr(r.Context(), s.logger)
	if code >= http.StatusInternalServerError {
		log.Error("Request failed", zap.Int("status", code), zap.Error(err))
	} else {
		log.Debug("Request rejected", zap.Int("status", code), zap.Error(err))
	}
	utils.WriteJSONResponse(w, code, errorResponse{Error: err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %w", apperrors.ErrBadRequest, err)
	}
	return nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", apperrors.ErrBadRequest, name)
	}
	return n, nil
}

func queryBool(r *http.Request, name string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return b
}

// listConversations serves the aggregate snapshot, most recent activity first,
// optionally filtered by status.
func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	status := model.ConversationStatus(r.URL.Query().Get("status"))
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	convs := s.deps.Feed.Snapshot()
	out := convs[:0]
	for _, c := range convs {
		if status == "" || c.Status == status {
			out = append(out, c)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	utils.WriteJSONResponse(w, http.StatusOK, out)
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conv, ok := s.deps.Feed.Get(id)
	if !ok {
		s.writeError(w, r, fmt.Errorf("%w: conversation %s", apperrors.ErrNotFound, id))
		return
	}
	utils.WriteJSONResponse(w, http.StatusOK, conv)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	msgs, err := s.deps.Conversations.Messages(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	utils.WriteJSONResponse(w, http.StatusOK, msgs)
}

func (s *Server) transition(op func(ctx context.Context, id string) (*model.Conversation, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, err := op(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		utils.WriteJSONResponse(w, http.StatusOK, conv)
	}
}

func (s *Server) updateConversation(w http.ResponseWriter, r *http.Request) {
	var patch conversation.Patch
	if err := decodeBody(w, r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validator.Validate(patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	conv, err := s.deps.Conversations.Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	utils.WriteJSONResponse(w, http.StatusOK, conv)
}

func (s *Server) syncContact(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validator.Validate(req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.deps.Conversations.SyncContact(r.Context(), req.Phone, req.Limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := SyncResponse{}
	if res != nil {
		resp.Conversation = res.Conversation
		resp.Added = len(res.Added)
	}
	utils.WriteJSONResponse(w, http.StatusOK, resp)
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.deps.Rules.ListRules(r.Context(), queryBool(r, "active"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rules == nil {
		rules = []model.AutomationRule{}
	}
	utils.WriteJSONResponse(w, http.StatusOK, rules)
}

func (s *Server) upsertRule(w http.ResponseWriter, r *http.Request) {
	var rule model.AutomationRule
	if err := decodeBody(w, r, &rule); err != nil {
		s.writeError(w, r, err)
		return
	}
	saved, err := s.deps.Rules.UpsertRule(r.Context(), rule)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	utils.WriteJSONResponse(w, http.StatusOK, saved)
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Rules.DeleteRule(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listKnowledge(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Knowledge.List(r.Context(), queryBool(r, "active"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.KnowledgeEntry{}
	}
	utils.WriteJSONResponse(w, http.StatusOK, entries)
}

func (s *Server) getKnowledge(w http.ResponseWriter, r *http.Request) {
	entry, err := s.deps.Knowledge.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	utils.WriteJSONResponse(w, http.StatusOK, entry)
}

func (s *Server) saveKnowledge(w http.ResponseWriter, r *http.Request) {
	var entry model.KnowledgeEntry
	if err := decodeBody(w, r, &entry); err != nil {
		s.writeError(w, r, err)
		return
	}
	saved, err := s.deps.Knowledge.Save(r.Context(), entry)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	utils.WriteJSONResponse(w, http.StatusOK, saved)
}

func (s *Server) deleteKnowledge(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Knowledge.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// searchKnowledge runs the retrieval the response generator uses. q is required;
// limit and min_similarity default to the configured values.
func (s *Server) searchKnowledge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		s.writeError(w, r, fmt.Errorf("%w: q is required", apperrors.ErrBadRequest))
		return
	}
	limit, err := queryInt(r, "limit", s.opts.MaxResults)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	minSim := s.opts.MinSimilarity
	if raw := r.URL.Query().Get("min_similarity"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 1 {
			s.writeError(w, r, fmt.Errorf("%w: min_similarity must be within [0,1]", apperrors.ErrBadRequest))
			return
		}
		minSim = v
	}

	hits, err := s.deps.Knowledge.Retrieve(r.Context(), q, limit, minSim)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if hits == nil {
		hits = []model.ScoredEntry{}
	}
	utils.WriteJSONResponse(w, http.StatusOK, hits)
}

func (s *Server) reindexKnowledge(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Knowledge.Reindex(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	utils.WriteJSONResponse(w, http.StatusOK, ReindexResponse{Indexed: n})
}
