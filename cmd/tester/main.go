package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/config"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/jetstream"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/logger"
)

type options struct {
	natsURL      string
	subjects     []string
	companyIDs   []string
	rate         int
	duration     time.Duration
	concurrency  int
	contacts     int
	historyCount int
	metricsPort  int
	logLevel     string
}

// task is one payload to publish.
type task struct {
	subject   string
	companyID string
	phone     string
}

func main() {
	cfg, err := config.LoadConfig("")
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	opts := options{}
	cmd := &cobra.Command{
		Use:   "tester",
		Short: "Publish fake WhatsApp events to NATS to load the conversation engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.natsURL, "url", cfg.NATS.URL, "NATS server URL")
	flags.StringSliceVar(&opts.subjects, "subjects", []string{string(model.V1MessagesUpsert), string(model.V1MessagesUpdate), string(model.V1ContactsUpsert)}, "base subjects to publish on")
	flags.StringSliceVar(&opts.companyIDs, "company-ids", []string{cfg.Company.ID}, "company IDs to spread load over")
	flags.IntVar(&opts.rate, "rate", 100, "target messages per second (total)")
	flags.DurationVar(&opts.duration, "duration", time.Minute, "load test duration")
	flags.IntVar(&opts.concurrency, "concurrency", 10, "number of concurrent publishers")
	flags.IntVar(&opts.contacts, "contacts", 200, "number of distinct contacts per company")
	flags.IntVar(&opts.historyCount, "history-count", 10, "messages per history payload")
	flags.IntVar(&opts.metricsPort, "metrics-port", 9091, "port for the Prometheus metrics endpoint")
	flags.StringVar(&opts.logLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "tester: %v\n", err)
		os.Exit(1)
	}
}

func run(parent context.Context, opts options) error {
	if opts.rate <= 0 || opts.concurrency <= 0 || opts.contacts <= 0 {
		return errors.New("rate, concurrency and contacts must be positive")
	}
	if len(opts.subjects) == 0 || len(opts.companyIDs) == 0 || opts.companyIDs[0] == "" {
		return errors.New("at least one subject and one company ID are required")
	}
	if opts.historyCount <= 0 {
		opts.historyCount = 10
	}

	if err := logger.Initialize(opts.logLevel); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()
	observer.InitMetrics(true)

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metricsServer := startMetricsServer(opts.metricsPort)
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Log.Error("Metrics server shutdown error", zap.Error(err))
		}
	}()

	natsClient, err := jetstream.NewClient(opts.natsURL, "conversation-engine-tester")
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", opts.natsURL, err)
	}
	defer natsClient.Close()

	logger.Log.Info("Starting NATS load generator",
		zap.String("nats_url", opts.natsURL),
		zap.Strings("subjects", opts.subjects),
		zap.Strings("company_ids", opts.companyIDs),
		zap.Int("rate_per_sec", opts.rate),
		zap.Duration("duration", opts.duration),
		zap.Int("concurrency", opts.concurrency),
		zap.Int("contacts", opts.contacts),
	)

	phones := fakePhones(opts.contacts)

	var wg sync.WaitGroup
	pool, err := ants.NewPoolWithFunc(opts.concurrency, func(data interface{}) {
		defer wg.Done()
		publish(natsClient, data.(task), opts.historyCount)
	})
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}
	defer pool.Release()

	loadCtx, loadCancel := context.WithTimeout(ctx, opts.duration)
	defer loadCancel()

	limiter := rate.NewLimiter(rate.Limit(opts.rate), opts.concurrency)
	sent := 0
	for {
		if err := limiter.Wait(loadCtx); err != nil {
			break
		}
		t := task{
			subject:   opts.subjects[sent%len(opts.subjects)],
			companyID: opts.companyIDs[sent%len(opts.companyIDs)],
			phone:     phones[gofakeit.Number(0, len(phones)-1)],
		}
		sent++

		wg.Add(1)
		if err := pool.Invoke(t); err != nil {
			wg.Done()
			logger.Log.Warn("Failed to invoke worker pool", zap.Error(err))
			observer.IncLoadgenPublishErrors(t.subject, t.companyID)
		}
	}

	logger.Log.Info("Load generation finished, waiting for publishers", zap.Int("submitted", sent))
	wg.Wait()
	logger.Log.Info("Load generator shutdown complete")
	return nil
}

// fakePhones builds a fixed pool so load lands on a bounded set of conversations.
func fakePhones(n int) []string {
	phones := make([]string, n)
	for i := range phones {
		phones[i] = "628" + gofakeit.Numerify("##########")
	}
	return phones
}

func publish(client jetstream.ClientInterface, t task, historyCount int) {
	payload, err := fakePayload(t, historyCount)
	if err != nil {
		logger.Log.Error("Unsupported subject for payload generation", zap.String("subject", t.subject), zap.Error(err))
		observer.IncLoadgenPublishErrors(t.subject, t.companyID)
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		logger.Log.Error("Failed to marshal payload", zap.String("subject", t.subject), zap.Error(err))
		observer.IncLoadgenPublishErrors(t.subject, t.companyID)
		return
	}

	subject := model.EventType(t.subject).ForCompany(t.companyID)
	if err := client.Publish(subject, data, nil); err != nil {
		logger.Log.Error("Failed to publish message", zap.String("subject", subject), zap.Error(err))
		observer.IncLoadgenPublishErrors(t.subject, t.companyID)
		return
	}
	observer.IncLoadgenMessagesPublished(t.subject, t.companyID)
}

func fakePayload(t task, historyCount int) (interface{}, error) {
	target := model.ConversationTarget{Phone: t.phone, Name: gofakeit.Name()}

	switch model.EventType(t.subject) {
	case model.V1MessagesUpsert:
		return model.InboundMessagesPayload{
			CompanyID: t.companyID,
			Contact:   target,
			Messages:  fakeMessages(gofakeit.Number(1, 3)),
		}, nil
	case model.V1HistoricalMessages:
		return model.InboundMessagesPayload{
			CompanyID: t.companyID,
			Contact:   target,
			Messages:  fakeMessages(historyCount),
		}, nil
	case model.V1MessagesUpdate:
		statuses := []model.MessageStatus{model.MessageStatusDelivered, model.MessageStatusRead}
		return model.MessageStatusPayload{
			CompanyID:         t.companyID,
			Phone:             t.phone,
			ProviderMessageID: "wamid." + gofakeit.LetterN(16),
			Status:            statuses[gofakeit.Number(0, len(statuses)-1)],
		}, nil
	case model.V1ContactsUpsert, model.V1ContactsUpdate:
		online := gofakeit.Bool()
		return model.ContactUpdatePayload{
			CompanyID: t.companyID,
			Phone:     t.phone,
			Name:      &target.Name,
			IsOnline:  &online,
			Tags:      []string{strings.ToLower(gofakeit.BuzzWord())},
		}, nil
	default:
		return nil, fmt.Errorf("no generator for %q", t.subject)
	}
}

func fakeMessages(n int) []model.ProviderMessage {
	msgs := make([]model.ProviderMessage, n)
	for i := range msgs {
		msgs[i] = *model.NewProviderMessage()
	}
	return msgs
}

func startMetricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("Prometheus metrics server failed", zap.Error(err))
		}
	}()
	logger.Log.Info("Prometheus metrics server started", zap.Int("port", port))
	return server
}
