package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"logLevel"`
	Server      struct {
		Port            int           `mapstructure:"port"`
		AllowedOrigins  []string      `mapstructure:"allowedOrigins"`
		ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	} `mapstructure:"server"`
	NATS struct {
		URL                 string             `mapstructure:"url"`
		Realtime            ConsumerNatsConfig `mapstructure:"realtime"`
		Historical          ConsumerNatsConfig `mapstructure:"historical"`
		TicketStream        string             `mapstructure:"ticketStream"`
		DLQStream           string             `mapstructure:"dlqStream"`
		DLQSubject          string             `mapstructure:"dlqSubject"`
		DLQWorkers          int                `mapstructure:"dlqWorkers"`
		DLQBaseDelayMinutes int                `mapstructure:"dlqBaseDelayMinutes"`
		DLQMaxDelayMinutes  int                `mapstructure:"dlqMaxDelayMinutes"`
		DLQMaxAgeDays       int                `mapstructure:"dlqMaxAgeDays"`
		DLQMaxDeliver       int                `mapstructure:"dlqMaxDeliver"`
		DLQAckWait          time.Duration      `mapstructure:"dlqAckWait"`
		DLQMaxAckPending    int                `mapstructure:"dlqMaxAckPending"`
	} `mapstructure:"nats"`
	Database struct {
		// Driver selects the ConversationStore: "postgres" or "memory".
		Driver              string `mapstructure:"driver"`
		PostgresDSN         string `mapstructure:"postgresDSN"`
		PostgresAutoMigrate bool   `mapstructure:"postgresAutoMigrate"`
	} `mapstructure:"database"`
	Company struct {
		ID string `mapstructure:"id"`
	} `mapstructure:"company"`
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"metrics"`
	WorkerPools struct {
		Dispatcher DispatcherPoolConfig `mapstructure:"dispatcher"`
	} `mapstructure:"workerPools"`
	Channel    ChannelConfig    `mapstructure:"channel"`
	Completer  CompleterConfig  `mapstructure:"completer"`
	Knowledge  KnowledgeConfig  `mapstructure:"knowledge"`
	Automation AutomationConfig `mapstructure:"automation"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
}

// DispatcherPoolConfig sizes the per-conversation worker pool.
type DispatcherPoolConfig struct {
	PoolSize   int           `mapstructure:"poolSize"`   // max conversations processed concurrently
	QueueSize  int           `mapstructure:"queueSize"`  // max queued tasks per conversation
	ExpiryTime time.Duration `mapstructure:"expiryTime"` // idle worker expiry
}

// ConsumerNatsConfig holds configuration specific to a NATS consumer
type ConsumerNatsConfig struct {
	MaxAge       int64         `mapstructure:"maxAge"` // days
	Stream       string        `mapstructure:"stream"`
	Consumer     string        `mapstructure:"consumer"` // durable name
	QueueGroup   string        `mapstructure:"group"`
	SubjectList  []string      `mapstructure:"subjectList"`
	MaxDeliver   int           `mapstructure:"maxDeliver"`
	NakBaseDelay time.Duration `mapstructure:"nakBaseDelay"`
	NakMaxDelay  time.Duration `mapstructure:"nakMaxDelay"`
}

// ChannelConfig configures the NATS request/reply bridge to the WhatsApp gateway.
type ChannelConfig struct {
	SendTimeout  time.Duration `mapstructure:"sendTimeout"`
	FetchTimeout time.Duration `mapstructure:"fetchTimeout"`
	RatePerSec   float64       `mapstructure:"ratePerSec"`
	Burst        int           `mapstructure:"burst"`
	FetchLimit   int           `mapstructure:"fetchLimit"`
}

// CompleterConfig selects and tunes the language model used for replies.
type CompleterConfig struct {
	Provider     string        `mapstructure:"provider"` // openai or gemini
	Model        string        `mapstructure:"model"`
	APIKey       string        `mapstructure:"apiKey"`
	BaseURL      string        `mapstructure:"baseURL"`
	Temperature  float32       `mapstructure:"temperature"`
	MaxTokens    int           `mapstructure:"maxTokens"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Instructions string        `mapstructure:"instructions"`
}

// KnowledgeConfig configures the vector index and embedder backing retrieval.
type KnowledgeConfig struct {
	Backend        string  `mapstructure:"backend"`  // chromem or qdrant
	Embedder       string  `mapstructure:"embedder"` // openai, gemini or hash
	EmbeddingModel string  `mapstructure:"embeddingModel"`
	Dimensions     int     `mapstructure:"dimensions"`
	Collection     string  `mapstructure:"collection"`
	MaxResults     int     `mapstructure:"maxResults"`
	MinSimilarity  float64 `mapstructure:"minSimilarity"`
	Qdrant         struct {
		Host   string `mapstructure:"host"`
		Port   int    `mapstructure:"port"`
		APIKey string `mapstructure:"apiKey"`
		UseTLS bool   `mapstructure:"useTLS"`
	} `mapstructure:"qdrant"`
}

// AutomationConfig tunes rule actions and the automatic reply.
type AutomationConfig struct {
	AutoReply         bool          `mapstructure:"autoReply"`
	PendingOnTransfer bool          `mapstructure:"pendingOnTransfer"`
	TransferSLA       time.Duration `mapstructure:"transferSLA"`
}

// SchedulerConfig holds cron specs for the periodic lifecycle sweeps.
type SchedulerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	SLASweepSpec   string        `mapstructure:"slaSweepSpec"`
	RetentionSpec  string        `mapstructure:"retentionSpec"`
	ArchiveAfter   time.Duration `mapstructure:"archiveAfter"`
	SweepBatchSize int           `mapstructure:"sweepBatchSize"`
	Concurrency    int           `mapstructure:"concurrency"`
}

// LoadConfig reads configuration from file or environment variables
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("default")
	v.SetConfigType("yaml")

	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./internal/config")
	v.AddConfigPath("$HOME/.daisi-wa-conversation-engine")
	v.AddConfigPath("/etc/daisi-wa-conversation-engine")

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine, env vars and defaults still apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, Config{})

	directEnv := map[string]string{
		"POSTGRES_DSN":   "database.postgresDSN",
		"LOG_LEVEL":      "logLevel",
		"NATS_URL":       "nats.url",
		"COMPANY_ID":     "company.id",
		"OPENAI_API_KEY": "completer.apiKey",
		"GEMINI_API_KEY": "completer.apiKey",
		"QDRANT_API_KEY": "knowledge.qdrant.apiKey",
	}
	for env, key := range directEnv {
		if val := os.Getenv(env); val != "" {
			// Provider keys only apply when they match the configured provider.
			if env == "OPENAI_API_KEY" && v.GetString("completer.provider") != "openai" {
				continue
			}
			if env == "GEMINI_API_KEY" && v.GetString("completer.provider") != "gemini" {
				continue
			}
			v.Set(key, val)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("logLevel", "info")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowedOrigins", []string{"*"})
	v.SetDefault("server.shutdownTimeout", 30*time.Second)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 2112)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.realtime.stream", "conversation_events_stream")
	v.SetDefault("nats.realtime.consumer", "conversation_engine_realtime")
	v.SetDefault("nats.realtime.group", "conversation_engine_realtime")
	v.SetDefault("nats.realtime.subjectList", []string{"v1.messages.upsert", "v1.messages.update", "v1.contacts.upsert", "v1.contacts.update"})
	v.SetDefault("nats.realtime.maxAge", 7)
	v.SetDefault("nats.realtime.maxDeliver", 5)
	v.SetDefault("nats.realtime.nakBaseDelay", time.Second)
	v.SetDefault("nats.realtime.nakMaxDelay", 30*time.Second)
	v.SetDefault("nats.historical.stream", "conversation_history_stream")
	v.SetDefault("nats.historical.consumer", "conversation_engine_history")
	v.SetDefault("nats.historical.group", "conversation_engine_history")
	v.SetDefault("nats.historical.subjectList", []string{"v1.history.messages"})
	v.SetDefault("nats.historical.maxAge", 3)
	v.SetDefault("nats.historical.maxDeliver", 3)
	v.SetDefault("nats.historical.nakBaseDelay", 2*time.Second)
	v.SetDefault("nats.historical.nakMaxDelay", time.Minute)
	v.SetDefault("nats.ticketStream", "conversation_tickets_stream")
	v.SetDefault("nats.dlqStream", "conversation_dlq_stream")
	v.SetDefault("nats.dlqSubject", "v1.dlq")
	v.SetDefault("nats.dlqWorkers", 8)
	v.SetDefault("nats.dlqBaseDelayMinutes", 1)
	v.SetDefault("nats.dlqMaxDelayMinutes", 15)
	v.SetDefault("nats.dlqMaxAgeDays", 7)
	v.SetDefault("nats.dlqMaxDeliver", 10)
	v.SetDefault("nats.dlqAckWait", 30*time.Second)
	v.SetDefault("nats.dlqMaxAckPending", 1000)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.postgresAutoMigrate", true)

	v.SetDefault("workerPools.dispatcher.poolSize", 64)
	v.SetDefault("workerPools.dispatcher.queueSize", 1000)
	v.SetDefault("workerPools.dispatcher.expiryTime", time.Minute)

	v.SetDefault("channel.sendTimeout", 10*time.Second)
	v.SetDefault("channel.fetchTimeout", 15*time.Second)
	v.SetDefault("channel.ratePerSec", 20.0)
	v.SetDefault("channel.burst", 5)
	v.SetDefault("channel.fetchLimit", 50)

	v.SetDefault("completer.provider", "openai")
	v.SetDefault("completer.model", "gpt-4o-mini")
	v.SetDefault("completer.temperature", 0.7)
	v.SetDefault("completer.maxTokens", 500)
	v.SetDefault("completer.timeout", 20*time.Second)

	v.SetDefault("knowledge.backend", "chromem")
	v.SetDefault("knowledge.embedder", "hash")
	v.SetDefault("knowledge.embeddingModel", "text-embedding-3-small")
	v.SetDefault("knowledge.dimensions", 256)
	v.SetDefault("knowledge.collection", "knowledge")
	v.SetDefault("knowledge.maxResults", 3)
	v.SetDefault("knowledge.minSimilarity", 0.7)
	v.SetDefault("knowledge.qdrant.host", "localhost")
	v.SetDefault("knowledge.qdrant.port", 6334)

	v.SetDefault("automation.autoReply", true)
	v.SetDefault("automation.pendingOnTransfer", false)
	v.SetDefault("automation.transferSLA", 15*time.Minute)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.slaSweepSpec", "@every 1m")
	v.SetDefault("scheduler.retentionSpec", "0 */30 * * * *")
	v.SetDefault("scheduler.archiveAfter", 7*24*time.Hour)
	v.SetDefault("scheduler.sweepBatchSize", 200)
	v.SetDefault("scheduler.concurrency", 8)
}

// bindEnvs recursively binds environment variables to config struct fields
func bindEnvs(v *viper.Viper, cfg interface{}, parts ...string) {
	ifv := reflect.ValueOf(cfg)
	ift := reflect.TypeOf(cfg)
	for i := 0; i < ift.NumField(); i++ {
		fieldVal := ifv.Field(i)
		fieldType := ift.Field(i)

		tag := fieldType.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}

		path := append(append([]string{}, parts...), tag)
		key := strings.Join(path, ".")

		if fieldType.Type.Kind() == reflect.Struct {
			bindEnvs(v, fieldVal.Interface(), path...)
			continue
		}

		_ = v.BindEnv(key)
	}
}
