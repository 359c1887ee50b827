package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/config"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/jetstream"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/knowledge"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/storage"
)

// ticketDedupWindow bounds how long a replayed ticket ID is dropped by the stream.
const ticketDedupWindow = 10 * time.Minute

func initStore(cfg *config.Config) (storage.ConversationStore, error) {
	switch strings.ToLower(cfg.Database.Driver) {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "", "postgres":
		repo, err := storage.NewPostgresRepo(cfg.Database.PostgresDSN, cfg.Database.PostgresAutoMigrate, cfg.Company.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to create Postgres repository: %w", err)
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

func initJetStreamClient(url string) (*jetstream.Client, error) {
	client, err := jetstream.NewClient(url, serviceName)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream client: %w", err)
	}
	return client, nil
}

// ensureTicketStream declares the stream that carries ticket requests. Duplicates
// makes the deterministic ticket ID a dedup key.
func ensureTicketStream(ctx context.Context, client jetstream.ClientInterface, cfg *config.Config) error {
	return client.EnsureStream(ctx, &nats.StreamConfig{
		Name:       cfg.NATS.TicketStream,
		Subjects:   []string{string(model.V1TicketsCreate) + ".>"},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		MaxAge:     7 * 24 * time.Hour,
		Duplicates: ticketDedupWindow,
	})
}

// initKnowledge builds the retrieval index from the configured vector backend and
// embedder. The returned VectorIndex must be closed on shutdown.
func initKnowledge(ctx context.Context, cfg config.KnowledgeConfig, completer config.CompleterConfig, store storage.KnowledgeRepo, log *zap.Logger) (*knowledge.Index, knowledge.VectorIndex, error) {
	embedder, err := initEmbedder(ctx, cfg, completer)
	if err != nil {
		return nil, nil, err
	}

	var vectors knowledge.VectorIndex
	switch strings.ToLower(cfg.Backend) {
	case "", "chromem":
		vectors, err = knowledge.NewChromemIndex(cfg.Collection)
	case "qdrant":
		vectors, err = knowledge.NewQdrantIndex(ctx, knowledge.QdrantConfig{
			Host:       cfg.Qdrant.Host,
			Port:       cfg.Qdrant.Port,
			APIKey:     cfg.Qdrant.APIKey,
			UseTLS:     cfg.Qdrant.UseTLS,
			Collection: cfg.Collection,
			Dimensions: cfg.Dimensions,
		})
	default:
		return nil, nil, fmt.Errorf("unknown knowledge backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create %s vector index: %w", cfg.Backend, err)
	}

	return knowledge.NewIndex(store, vectors, embedder, log), vectors, nil
}

// initEmbedder reuses the completer credentials for hosted embedders.
func initEmbedder(ctx context.Context, cfg config.KnowledgeConfig, completer config.CompleterConfig) (knowledge.Embedder, error) {
	switch strings.ToLower(cfg.Embedder) {
	case "", "hash":
		return knowledge.NewHashEmbedder(cfg.Dimensions), nil
	case "openai":
		return knowledge.NewOpenAIEmbedder(completer.APIKey, completer.BaseURL, cfg.EmbeddingModel, cfg.Dimensions), nil
	case "gemini":
		embedder, err := knowledge.NewGeminiEmbedder(ctx, completer.APIKey, cfg.EmbeddingModel, cfg.Dimensions)
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini embedder: %w", err)
		}
		return embedder, nil
	default:
		return nil, fmt.Errorf("unknown embedder %q", cfg.Embedder)
	}
}

// consumerConfig suffixes durable and queue group names with the company so each
// tenant deployment gets its own consumers.
func consumerConfig(base config.ConsumerNatsConfig, companyID string) config.ConsumerNatsConfig {
	cfg := base
	cfg.Consumer = cfg.Consumer + "_" + companyID
	cfg.QueueGroup = cfg.QueueGroup + "_" + companyID
	return cfg
}
