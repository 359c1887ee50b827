package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/aggregate"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/api"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/automation"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/channel"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/config"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/conversation"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/dispatcher"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/dlqworker"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/engine"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/ingestion"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/ingestion/handler"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/llm"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/responder"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/scheduler"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/synchronizer"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/ticketing"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/utils"
)

const serviceName = "daisi-wa-conversation-engine"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           serviceName,
		Short:         "WhatsApp conversation engine: ingestion, automation and the agent dashboard API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "directory containing default.yaml")

	root.AddCommand(&cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the knowledge vector index from the store and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return reindex(cmd.Context(), configPath)
		},
	})

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func bootstrap(configPath string) (*config.Config, error) {
	time.Local = time.UTC

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := logger.Initialize(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	observer.InitMetrics(cfg.Metrics.Enabled)
	return cfg, nil
}

func reindex(ctx context.Context, configPath string) error {
	cfg, err := bootstrap(configPath)
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := initStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	index, vectors, err := initKnowledge(ctx, cfg.Knowledge, cfg.Completer, store, logger.Log)
	if err != nil {
		return err
	}
	defer vectors.Close()

	n, err := index.Reindex(ctx)
	if err != nil {
		return fmt.Errorf("reindex failed after %d entries: %w", n, err)
	}
	logger.Log.Info("Knowledge index rebuilt", zap.Int("entries", n))
	return nil
}

func serve(configPath string) error {
	cfg, err := bootstrap(configPath)
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Log

	log.Info("Starting Daisi WA Conversation Engine",
		zap.String("version", version),
		zap.String("environment", cfg.Environment),
		zap.String("company_id", cfg.Company.ID),
		zap.String("nats_url", cfg.NATS.URL),
		zap.String("database_driver", cfg.Database.Driver),
	)

	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	// Storage and transport
	store, err := initStore(cfg)
	if err != nil {
		log.Fatal("Failed to initialize conversation store", zap.Error(err))
	}
	jsClient, err := initJetStreamClient(cfg.NATS.URL)
	if err != nil {
		log.Fatal("Failed to initialize JetStream client", zap.Error(err))
	}
	if err := ensureTicketStream(mainCtx, jsClient, cfg); err != nil {
		log.Fatal("Failed to ensure ticket stream", zap.Error(err))
	}

	port := channel.NewNATSPort(jsClient, cfg.Company.ID, cfg.Channel, log)
	tickets := ticketing.NewJetStreamTickets(jsClient, log)

	// Conversation state
	feed := aggregate.New(log)
	if err := feed.Hydrate(mainCtx, store); err != nil {
		log.Fatal("Failed to hydrate conversation view", zap.Error(err))
	}
	conversations := conversation.NewService(store, feed, log)
	syncer := synchronizer.New(store, feed, log)

	// Automation and retrieval
	rules := automation.NewRuleEngine(store, log)
	index, vectors, err := initKnowledge(mainCtx, cfg.Knowledge, cfg.Completer, store, log)
	if err != nil {
		log.Fatal("Failed to initialize knowledge index", zap.Error(err))
	}
	if n, err := index.Reindex(mainCtx); err != nil {
		log.Warn("Knowledge reindex at startup failed", zap.Int("indexed", n), zap.Error(err))
	}
	completer, err := llm.New(mainCtx, cfg.Completer)
	if err != nil {
		log.Fatal("Failed to initialize completer", zap.Error(err))
	}
	generator := responder.New(index, completer, port, syncer, responder.Options{
		MaxResults:    cfg.Knowledge.MaxResults,
		MinSimilarity: cfg.Knowledge.MinSimilarity,
		Temperature:   cfg.Completer.Temperature,
		MaxTokens:     cfg.Completer.MaxTokens,
		Timeout:       cfg.Completer.Timeout,
		Instructions:  cfg.Completer.Instructions,
	}, log)
	executor := automation.NewExecutor(generator, conversations, tickets, automation.ExecutorOptions{
		CompanyID:         cfg.Company.ID,
		PendingOnTransfer: cfg.Automation.PendingOnTransfer,
	}, log)

	// Per-conversation serialization
	partitions, err := dispatcher.New(cfg.WorkerPools.Dispatcher, log)
	if err != nil {
		log.Fatal("Failed to initialize dispatcher", zap.Error(err))
	}

	eng := engine.New(engine.Deps{
		Store:         store,
		Ingester:      syncer,
		Rules:         rules,
		Actions:       executor,
		Responder:     generator,
		Conversations: conversations,
		Fetcher:       port,
		Partitions:    partitions,
	}, engine.Options{AutoReply: cfg.Automation.AutoReply}, log)
	port.OnInboundEvent(eng.HandleInbound)

	// Ingestion
	router := ingestion.NewRouter()
	router.RegisterHandler(handler.NewRealtimeHandler(port, eng),
		model.V1MessagesUpsert, model.V1MessagesUpdate, model.V1ContactsUpsert, model.V1ContactsUpdate)
	router.RegisterHandler(handler.NewHistoricalHandler(port), model.V1HistoricalMessages)

	consumers := ingestion.NewConsumers(
		ingestion.NewRealtimeConsumer(jsClient, router, partitions,
			consumerConfig(cfg.NATS.Realtime, cfg.Company.ID), cfg.Company.ID, cfg.NATS.DLQSubject),
		ingestion.NewHistoricalConsumer(jsClient, router, partitions,
			consumerConfig(cfg.NATS.Historical, cfg.Company.ID), cfg.Company.ID, cfg.NATS.DLQSubject),
	)

	dlqWorker, err := dlqworker.NewWorker(cfg, log, jsClient, router, partitions, store)
	if err != nil {
		log.Fatal("Failed to initialize DLQ worker", zap.Error(err))
	}

	var sweeps *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sweeps, err = scheduler.New(eng, cfg.Scheduler, cfg.Automation.TransferSLA, log)
		if err != nil {
			log.Fatal("Failed to initialize scheduler", zap.Error(err))
		}
	}

	// HTTP
	server := api.NewServer(api.Options{
		Port:           cfg.Server.Port,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Version:        version,
		MaxResults:     cfg.Knowledge.MaxResults,
		MinSimilarity:  cfg.Knowledge.MinSimilarity,
	}, api.Deps{
		Conversations: eng,
		Feed:          feed,
		Rules:         rules,
		Knowledge:     index,
		Checks: map[string]api.ReadinessCheck{
			"database": func(ctx context.Context) error {
				_, err := store.ListConversations(ctx, model.ConversationFilter{Limit: 1})
				return err
			},
			"nats": func(ctx context.Context) error {
				if !jsClient.NatsConn().IsConnected() {
					return errors.New("not connected")
				}
				return nil
			},
		},
	}, log)
	if cfg.Metrics.Enabled {
		server.RegisterMetricsHandler(promhttp.Handler())
		log.Info("Metrics endpoint enabled", zap.String("path", "/metrics"), zap.Int("port", cfg.Server.Port))
	}
	server.Start()

	if err := consumers.Start(); err != nil {
		log.Fatal("Failed to start consumers", zap.Error(err))
	}
	if sweeps != nil {
		sweeps.Start()
	}

	sigChan := make(chan os.Signal, 1)
	go func() {
		if err := dlqWorker.Start(mainCtx); err != nil {
			log.Error("DLQ worker failed, initiating shutdown", zap.Error(err))
			mainCancel()
			select {
			case sigChan <- syscall.SIGTERM:
			default:
				log.Warn("Could not send SIGTERM to signal channel immediately")
			}
		}
	}()

	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("Received termination signal", zap.String("signal", sig.String()))
	mainCancel()

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()
	log.Info("Starting graceful shutdown", zap.Duration("timeout", timeout))

	// Intake stops first so the dispatcher can drain what was already accepted.
	stopStep(log, "ingestion consumers", func() error { consumers.Stop(); return nil })

	var wg sync.WaitGroup
	shutdown := func(name string, stop func() error) {
		wg.Add(1)
		utils.SafeGo(func() {
			defer wg.Done()
			stopStep(log, name, stop)
		}, func(r interface{}, stack []byte) {
			// The deferred Done in the task has already run.
			log.Error("[shutdown] Panic while stopping "+name,
				zap.Any("panic", r),
				zap.ByteString("stack", stack),
			)
		})
	}
	shutdown("DLQ worker", func() error { dlqWorker.Stop(); return nil })
	if sweeps != nil {
		shutdown("scheduler", func() error { return sweeps.Stop(shutdownCtx) })
	}
	shutdown("API server", func() error { return server.Stop(shutdownCtx) })
	shutdown("dispatcher", func() error { partitions.Stop(); return nil })

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn("Graceful shutdown timed out, closing connections")
	}

	stopStep(log, "vector index", vectors.Close)
	stopStep(log, "conversation store", func() error { return store.Close(shutdownCtx) })
	stopStep(log, "JetStream connection", func() error { jsClient.Close(); return nil })

	log.Info("Shutdown complete")
	return nil
}

func stopStep(log *zap.Logger, name string, stop func() error) {
	log.Info("[shutdown] Stopping " + name)
	start := time.Now()
	if err := stop(); err != nil {
		log.Error("[shutdown] Error stopping "+name, zap.Error(err))
		return
	}
	log.Info("[shutdown] Stopped "+name, zap.Duration("duration", time.Since(start)))
}
