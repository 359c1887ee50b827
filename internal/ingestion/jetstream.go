package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/config"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/jetstream"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/utils"
)

// AckNakAction represents the decision made after processing a message
type AckNakAction int

const (
	ActionAck      AckNakAction = iota // Message processed successfully, ACK it
	ActionNak                          // DLQ failure, NAK immediately
	ActionNakDelay                     // Retryable error, NAK with calculated delay
	ActionDLQ                          // Max retries reached or fatal error, publish to DLQ then ACK
)

// Partitioner queues work on the serial queue of a conversation.
type Partitioner interface {
	Submit(key string, task func()) error
}

// baseConsumer holds shared components and logic for NATS consumers
type baseConsumer struct {
	client       jetstream.ClientInterface
	router       *Router
	partitions   Partitioner
	companyID    string
	consumerType string // "realtime" or "historical"
	ctx          context.Context
	cancel       context.CancelFunc
	maxDeliver   int
	dlqSubject   string
	nakBaseDelay time.Duration
	nakMaxDelay  time.Duration
}

func newBaseConsumer(client jetstream.ClientInterface, router *Router, partitions Partitioner, companyID, consumerType string, cfg config.ConsumerNatsConfig, dlqSubject string) *baseConsumer {
	ctx, cancel := context.WithCancel(context.Background())
	ctx = logger.WithLogger(ctx, logger.Log.With(zap.String("company_id", companyID), zap.String("consumerType", consumerType)))
	ctx = tenant.WithCompanyID(ctx, companyID)

	return &baseConsumer{
		client:       client,
		router:       router,
		partitions:   partitions,
		companyID:    companyID,
		consumerType: consumerType,
		ctx:          ctx,
		cancel:       cancel,
		maxDeliver:   cfg.MaxDeliver,
		dlqSubject:   dlqSubject,
		nakBaseDelay: cfg.NakBaseDelay,
		nakMaxDelay:  cfg.NakMaxDelay,
	}
}

func modifySubjects(subjects []string, companyID string) (streamSubjects, consumerSubjects []string) {
	for _, subject := range subjects {
		streamSubjects = append(streamSubjects, fmt.Sprintf("%s.*", subject))
		consumerSubjects = append(consumerSubjects, fmt.Sprintf("%s.%s", subject, companyID))
	}
	return streamSubjects, consumerSubjects
}

// determineAckNakAction decides the fate of a message based on processing result and metadata.
// It returns the action to take (ACK, NAK_DELAY, DLQ) and the delay duration if applicable.
func determineAckNakAction(
	processingErr error,
	metadata *nats.MsgMetadata,
	maxDeliver int,
	nakBaseDelay time.Duration,
	nakMaxDelay time.Duration,
) (action AckNakAction, delay time.Duration) {
	if processingErr == nil {
		return ActionAck, 0
	}

	numDelivered := metadata.NumDelivered
	if numDelivered >= uint64(maxDeliver) || !apperrors.IsRetryable(processingErr) {
		return ActionDLQ, 0
	}

	// base * 2^(attempt-1), capped
	delay = nakBaseDelay
	if numDelivered > 1 {
		delay = nakBaseDelay * (1 << (numDelivered - 1))
	}
	if delay > nakMaxDelay {
		delay = nakMaxDelay
	}
	return ActionNakDelay, delay
}

// setup ensures the stream and the durable push consumer of cfg exist.
func (bc *baseConsumer) setup(cfg config.ConsumerNatsConfig, retention nats.RetentionPolicy, ackWait time.Duration, maxAckPending int) error {
	log := logger.FromContext(bc.ctx)
	log.Info("Setting up consumer", zap.String("stream", cfg.Stream), zap.String("consumer", cfg.Consumer))

	streamSubjects, consumerSubjects := modifySubjects(cfg.SubjectList, bc.companyID)

	streamCfg := &nats.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  streamSubjects,
		Storage:   nats.FileStorage,
		Retention: retention,
		MaxAge:    time.Duration(cfg.MaxAge*24) * time.Hour,
	}
	if err := bc.client.EnsureStream(bc.ctx, streamCfg); err != nil {
		log.Error("Failed to setup stream", zap.Error(err), zap.String("stream", cfg.Stream))
		return fmt.Errorf("failed to setup %s stream '%s': %w", bc.consumerType, cfg.Stream, err)
	}

	consumerCfg := &nats.ConsumerConfig{
		Durable:        cfg.Consumer,
		DeliverGroup:   cfg.QueueGroup,
		FilterSubjects: consumerSubjects,
		AckPolicy:      nats.AckExplicitPolicy,
		DeliverSubject: nats.NewInbox(),
		MaxDeliver:     cfg.MaxDeliver,
		AckWait:        ackWait,
		MaxAckPending:  maxAckPending,
		ReplayPolicy:   nats.ReplayInstantPolicy,
		DeliverPolicy:  nats.DeliverAllPolicy,
	}
	if err := bc.client.EnsureConsumer(bc.ctx, cfg.Stream, consumerCfg); err != nil {
		log.Error("Failed to setup consumer", zap.Error(err), zap.String("stream", cfg.Stream), zap.String("consumer", cfg.Consumer))
		return fmt.Errorf("failed to setup %s consumer '%s' for stream '%s': %w", bc.consumerType, cfg.Consumer, cfg.Stream, err)
	}

	log.Info("Consumer setup complete", zap.String("consumer", cfg.Consumer))
	return nil
}

func (bc *baseConsumer) subscribe(cfg config.ConsumerNatsConfig) (*nats.Subscription, error) {
	log := logger.FromContext(bc.ctx)
	sub, err := bc.client.SubscribePush("v1.>", cfg.Consumer, cfg.QueueGroup, cfg.Stream, bc.handleMessage)
	if err != nil {
		log.Error("Failed to subscribe consumer", zap.Error(err),
			zap.String("stream", cfg.Stream),
			zap.String("consumer", cfg.Consumer),
			zap.String("group", cfg.QueueGroup),
		)
		return nil, fmt.Errorf("failed to subscribe %s consumer '%s': %w", bc.consumerType, cfg.Consumer, err)
	}
	log.Info("Consumer subscribed", zap.String("consumer", cfg.Consumer))
	return sub, nil
}

func (bc *baseConsumer) stop(sub *nats.Subscription) {
	log := logger.FromContext(bc.ctx)
	if sub != nil {
		if err := sub.Drain(); err != nil {
			log.Error("Error draining subscription", zap.Error(err))
		}
	}
	if bc.cancel != nil {
		bc.cancel()
	}
	log.Info("Consumer stopped")
}

// handleMessage reads the delivery metadata, resolves the conversation partition of the
// event and queues its processing there. The ack decision runs after processing, on the
// partition.
func (bc *baseConsumer) handleMessage(msg *nats.Msg) {
	startTime := utils.Now()
	log := logger.FromContext(bc.ctx)

	var msgID string
	if msg.Header != nil {
		msgID = msg.Header.Get(nats.MsgIdHdr)
	}

	eventType, found := model.MapToBaseEventType(msg.Subject)
	if !found {
		log.Warn("Unknown event type", zap.String("subject", msg.Subject))
		observer.IncEventProcessingAction(string(eventType), bc.companyID, bc.consumerType, "term_unknown_type", "unknown_event_type")
		if err := msg.Term(); err != nil {
			log.Error("Failed to TERM message for unknown event type", zap.Error(err))
		}
		return
	}

	metadata, err := msg.Metadata()
	if err != nil {
		log.Error("Failed to read message metadata", zap.Error(err))
		observer.IncEventProcessingAction(string(eventType), bc.companyID, bc.consumerType, "nak_metadata_error", "metadata")
		if nakErr := msg.Nak(); nakErr != nil {
			log.Error("Failed to NAK message", zap.Error(nakErr))
		}
		return
	}
	if msgID == "" {
		msgID = fmt.Sprintf("msg-%d", metadata.Sequence.Stream)
	}

	internalMetadata := &model.MessageMetadata{
		StreamSequence:   metadata.Sequence.Stream,
		ConsumerSequence: metadata.Sequence.Consumer,
		NumDelivered:     metadata.NumDelivered,
		NumPending:       metadata.NumPending,
		Timestamp:        metadata.Timestamp,
		Stream:           metadata.Stream,
		Consumer:         metadata.Consumer,
		Domain:           metadata.Domain,
		MessageID:        msgID,
		MessageSubject:   msg.Subject,
		CompanyID:        bc.companyID,
	}
	observer.IncEventsReceived(string(eventType), bc.companyID, bc.consumerType)

	msgLog := log.With(
		zap.String("nats_message_id", msgID),
		zap.Uint64("stream_sequence", internalMetadata.StreamSequence),
		zap.String("subject", msg.Subject),
	)

	key, keyErr := bc.router.PartitionKey(msg.Subject, msg.Data)
	if keyErr != nil {
		bc.settle(logger.WithLogger(bc.ctx, msgLog), msg, eventType, metadata, msgID, startTime, keyErr)
		return
	}
	msgLog = msgLog.With(zap.String("conversation_key", key))
	msgCtx := tenant.WithConversationKey(logger.WithLogger(bc.ctx, msgLog), key)

	err = bc.partitions.Submit(key, func() {
		defer bc.recoverTask(msgCtx, msg, eventType, msgID, startTime)
		processingErr := bc.router.Route(msgCtx, internalMetadata, msg.Data)
		bc.settle(msgCtx, msg, eventType, metadata, msgID, startTime, processingErr)
	})
	if err != nil {
		// Queue full or dispatcher stopping: hand the message back for a later redelivery.
		msgLog.Warn("Could not queue message on its partition, NAKing with delay", zap.Error(err))
		observer.IncEventProcessingAction(string(eventType), bc.companyID, bc.consumerType, "nak_backpressure", "dispatcher")
		if nakErr := msg.NakWithDelay(bc.nakBaseDelay); nakErr != nil {
			msgLog.Error("Failed to NAK message", zap.Error(nakErr))
		}
	}
}

func (bc *baseConsumer) recoverTask(ctx context.Context, msg *nats.Msg, eventType model.EventType, msgID string, startTime time.Time) {
	r := recover()
	if r == nil {
		return
	}
	log := logger.FromContext(ctx)
	log.Error("[panic] Recovered from panic in message handler",
		zap.Any("panic", r),
		zap.String("nats_message_id", msgID),
		zap.Duration("duration", time.Since(startTime)),
		zap.Stack("stack"),
	)
	observer.IncEventsFailed(string(eventType), bc.companyID, bc.consumerType)
	observer.IncEventProcessingAction(string(eventType), bc.companyID, bc.consumerType, "panic_nak", "panic")
	if err := msg.Nak(); err != nil {
		log.Error("Failed to NAK message after panic", zap.Error(err))
	}
}

// settle acks, naks or dead-letters msg according to processingErr.
func (bc *baseConsumer) settle(ctx context.Context, msg *nats.Msg, eventType model.EventType, metadata *nats.MsgMetadata, msgID string, startTime time.Time, processingErr error) {
	log := logger.FromContext(ctx)
	defer func() {
		observer.ObserveEventProcessingDuration(string(eventType), bc.companyID, bc.consumerType, time.Since(startTime))
	}()

	action, nakDelay := determineAckNakAction(processingErr, metadata, bc.maxDeliver, bc.nakBaseDelay, bc.nakMaxDelay)
	errorType := SanitizeErrorType(processingErr)

	switch action {
	case ActionAck:
		log.Debug("Successfully processed message", zap.Duration("duration", time.Since(startTime)))
		observer.IncEventsProcessed(string(eventType), bc.companyID, bc.consumerType)
		observer.IncEventProcessingAction(string(eventType), bc.companyID, bc.consumerType, "ack_success", errorType)
		if err := msg.Ack(); err != nil {
			log.Error("Failed to ACK message after successful processing", zap.Error(err))
		}

	case ActionNakDelay:
		log.Info("NAKing message with delay for redelivery (retryable error)",
			zap.Error(processingErr),
			zap.Uint64("num_delivered", metadata.NumDelivered),
			zap.Int("max_deliver", bc.maxDeliver),
			zap.Duration("nak_delay", nakDelay),
		)
		observer.IncEventsFailed(string(eventType), bc.companyID, bc.consumerType)
		observer.IncEventProcessingAction(string(eventType), bc.companyID, bc.consumerType, "nak_retry", errorType)
		if err := msg.NakWithDelay(nakDelay); err != nil {
			log.Error("Failed to NAK message with delay", zap.Error(err))
		}

	case ActionDLQ:
		bc.deadLetter(log, msg, eventType, metadata, msgID, processingErr, errorType)

	case ActionNak:
		observer.IncEventsFailed(string(eventType), bc.companyID, bc.consumerType)
		if err := msg.Nak(); err != nil {
			log.Error("Failed to NAK message", zap.Error(err))
		}
	}
}

// deadLetter publishes msg to the DLQ and acks it. If the publish fails the message is
// NAKed so JetStream keeps it.
func (bc *baseConsumer) deadLetter(log *zap.Logger, msg *nats.Msg, eventType model.EventType, metadata *nats.MsgMetadata, msgID string, processingErr error, errorType string) {
	isRetryable := apperrors.IsRetryable(processingErr)
	reason := "max delivery attempts reached"
	errorTypeString := "retryable"
	if !isRetryable {
		reason = "fatal error encountered"
		errorTypeString = "fatal"
	}
	log.Warn("Sending message to DLQ: "+reason,
		zap.Error(processingErr),
		zap.Uint64("num_delivered", metadata.NumDelivered),
		zap.Int("max_deliver", bc.maxDeliver),
	)
	observer.IncEventsFailed(string(eventType), bc.companyID, bc.consumerType)

	dlqData, err := json.Marshal(model.DLQPayload{
		SourceSubject:   msg.Subject,
		Company:         bc.companyID,
		OriginalPayload: json.RawMessage(msg.Data),
		Error:           processingErr.Error(),
		ErrorType:       errorTypeString,
		RetryCount:      metadata.NumDelivered,
		MaxRetry:        bc.maxDeliver,
		Timestamp:       utils.Now(),
	})
	if err != nil {
		log.Error("Failed to marshal DLQ payload, NAKing original message", zap.Error(err))
		observer.IncEventProcessingAction(string(eventType), bc.companyID, bc.consumerType, "nak_dlq_marshal_fail", "dlq_marshal_fail")
		if nakErr := msg.Nak(); nakErr != nil {
			log.Error("Failed to NAK message after DLQ marshal error", zap.Error(nakErr))
		}
		return
	}

	headers := map[string]string{}
	if msgID != "" {
		headers["Original-Nats-Msg-Id"] = msgID
	}

	dlqFullSubject := fmt.Sprintf("%s.%s", bc.dlqSubject, bc.companyID)
	if err := bc.client.Publish(dlqFullSubject, dlqData, headers); err != nil {
		log.Error("Failed to publish message to DLQ, NAKing original message", zap.Error(err), zap.String("dlq_subject", dlqFullSubject))
		observer.IncEventProcessingAction(string(eventType), bc.companyID, bc.consumerType, "nak_dlq_publish_fail", "dlq_publish_fail")
		if nakErr := msg.Nak(); nakErr != nil {
			log.Error("Failed to NAK message after DLQ publish error", zap.Error(nakErr))
		}
		return
	}

	log.Info("Message published to DLQ", zap.String("dlq_subject", dlqFullSubject))
	observer.IncEventProcessingAction(string(eventType), bc.companyID, bc.consumerType, "dlq_published_ack_success", errorType)
	if err := msg.Ack(); err != nil {
		log.Error("Failed to ACK message after successful DLQ publish", zap.Error(err))
	}
}

// RealtimeConsumer handles the live gateway stream: messages, status and contact updates.
type RealtimeConsumer struct {
	base *baseConsumer
	cfg  config.ConsumerNatsConfig
	sub  *nats.Subscription
}

// NewRealtimeConsumer creates a consumer for the real-time stream
func NewRealtimeConsumer(client jetstream.ClientInterface, router *Router, partitions Partitioner, cfg config.ConsumerNatsConfig, companyID string, dlqSubject string) *RealtimeConsumer {
	return &RealtimeConsumer{
		base: newBaseConsumer(client, router, partitions, companyID, "realtime", cfg, dlqSubject),
		cfg:  cfg,
	}
}

// Setup configures the NATS stream and consumer for real-time events
func (c *RealtimeConsumer) Setup() error {
	return c.base.setup(c.cfg, nats.LimitsPolicy, 30*time.Second, 1000)
}

// Start subscribes to the NATS stream
func (c *RealtimeConsumer) Start() error {
	sub, err := c.base.subscribe(c.cfg)
	if err != nil {
		return err
	}
	c.sub = sub
	return nil
}

// Stop drains the subscription. Messages already queued on partitions still settle.
func (c *RealtimeConsumer) Stop() {
	c.base.stop(c.sub)
}

// HistoricalConsumer handles backfill batches.
type HistoricalConsumer struct {
	base *baseConsumer
	cfg  config.ConsumerNatsConfig
	sub  *nats.Subscription
}

// NewHistoricalConsumer creates a consumer for the historical stream
func NewHistoricalConsumer(client jetstream.ClientInterface, router *Router, partitions Partitioner, cfg config.ConsumerNatsConfig, companyID string, dlqSubject string) *HistoricalConsumer {
	return &HistoricalConsumer{
		base: newBaseConsumer(client, router, partitions, companyID, "historical", cfg, dlqSubject),
		cfg:  cfg,
	}
}

// Setup configures the NATS stream and consumer for historical events
func (c *HistoricalConsumer) Setup() error {
	return c.base.setup(c.cfg, nats.InterestPolicy, 60*time.Second, 500)
}

// Start subscribes to the NATS stream
func (c *HistoricalConsumer) Start() error {
	sub, err := c.base.subscribe(c.cfg)
	if err != nil {
		return err
	}
	c.sub = sub
	return nil
}

func (c *HistoricalConsumer) Stop() {
	c.base.stop(c.sub)
}

// SanitizeErrorType maps an error to a general category string for metrics.
func SanitizeErrorType(err error) string {
	if err == nil {
		return "none"
	}

	switch {
	case apperrors.IsDatabaseError(err), errors.Is(err, apperrors.ErrPersistence):
		return "database"
	case apperrors.IsValidationError(err), apperrors.IsBadRequestError(err):
		return "validation"
	case apperrors.IsNotFoundError(err):
		return "not_found"
	case apperrors.IsConflictError(err):
		return "conflict"
	case apperrors.IsTimeoutError(err):
		return "timeout"
	case apperrors.IsChannelUnavailable(err):
		return "channel"
	case apperrors.IsNATSError(err):
		return "nats"
	}
	return observer.SanitizeErrorType(err.Error())
}
