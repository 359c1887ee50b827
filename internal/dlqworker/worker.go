// Package dlqworker replays dead-lettered events and parks the ones that keep failing.
package dlqworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/config"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/ingestion"
	internal_js "gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/jetstream"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/logger"
)

const (
	defaultMaxReplays = 5
	defaultMsgChanCap = 100
	fetchBatchSize    = 10
	fetchMaxWait      = 5 * time.Second
	replayTimeout     = time.Minute
)

// Serializer runs fn on the partition of key and waits for it.
type Serializer interface {
	Do(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

type decision int

const (
	decisionAck decision = iota
	decisionRetry
	decisionPark
)

// outcome is the settlement of one replay attempt.
type outcome struct {
	decision decision
	delay    time.Duration
	err      error
}

// Worker pulls from the DLQ stream and replays each event through the router on the
// partition of its conversation.
type Worker struct {
	cfg        *config.Config
	logger     *zap.Logger
	js         internal_js.ClientInterface
	pool       *ants.Pool
	router     ingestion.RouterInterface
	partitions Serializer
	store      storage.ExhaustedEventRepo
	maxReplays int
	msgCh      chan *nats.Msg
	stopWg     sync.WaitGroup
	cancel     context.CancelFunc
}

func durableName(dlqSubject string) string {
	return fmt.Sprintf("%s_worker_consumer", strings.ReplaceAll(dlqSubject, ".", "_"))
}

// NewWorker ensures the DLQ stream and pull consumer and returns a worker ready to Start.
func NewWorker(cfg *config.Config, logger *zap.Logger, jsClient internal_js.ClientInterface, router ingestion.RouterInterface, partitions Serializer, exhaustedRepo storage.ExhaustedEventRepo) (*Worker, error) {
	workers := cfg.NATS.DLQWorkers
	if workers <= 0 {
		workers = 1
	}
	pool, err := ants.NewPool(workers,
		ants.WithLogger(newAntsLoggerAdapter(logger.Named("ants_pool"))),
		ants.WithPanicHandler(func(err interface{}) {
			logger.Error("Worker panic caught", zap.Any("error", err), zap.Stack("stack"))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ants pool: %w", err)
	}

	setupCtx := context.Background()
	dlqStreamName := cfg.NATS.DLQStream
	dlqSubject := cfg.NATS.DLQSubject + ".>"
	durable := durableName(cfg.NATS.DLQSubject)

	dlqStreamCfg := &nats.StreamConfig{
		Name:      dlqStreamName,
		Subjects:  []string{dlqSubject},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    time.Duration(cfg.NATS.DLQMaxAgeDays) * 24 * time.Hour,
	}
	if err := jsClient.EnsureStream(setupCtx, dlqStreamCfg); err != nil {
		pool.Release()
		return nil, fmt.Errorf("failed to setup DLQ stream '%s': %w", dlqStreamName, err)
	}
	logger.Info("DLQ Stream setup complete", zap.String("stream", dlqStreamName))

	dlqConsumerCfg := &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: dlqSubject,
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    cfg.NATS.DLQMaxDeliver,
		AckWait:       cfg.NATS.DLQAckWait,
		MaxAckPending: cfg.NATS.DLQMaxAckPending,
		DeliverPolicy: nats.DeliverAllPolicy,
		ReplayPolicy:  nats.ReplayInstantPolicy,
	}
	if err := jsClient.EnsureConsumer(setupCtx, dlqStreamName, dlqConsumerCfg); err != nil {
		pool.Release()
		return nil, fmt.Errorf("failed to setup DLQ consumer '%s' for stream '%s': %w", durable, dlqStreamName, err)
	}
	logger.Info("DLQ Consumer setup complete", zap.String("consumer", durable))

	maxReplays := cfg.NATS.DLQMaxDeliver
	if maxReplays <= 0 {
		maxReplays = defaultMaxReplays
	}

	worker := &Worker{
		cfg:        cfg,
		logger:     logger.Named("dlq_worker"),
		js:         jsClient,
		pool:       pool,
		router:     router,
		partitions: partitions,
		store:      exhaustedRepo,
		maxReplays: maxReplays,
		msgCh:      make(chan *nats.Msg, defaultMsgChanCap),
	}

	worker.logger.Info("DLQ Worker initialized", zap.Int("pool_size", workers), zap.Int("max_replays", maxReplays))
	return worker, nil
}

// Start binds the pull subscription and runs the fetch and dispatch loops until ctx
// is cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	derivedCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	durable := durableName(w.cfg.NATS.DLQSubject)
	subSubject := fmt.Sprintf("%s.>", w.cfg.NATS.DLQSubject)

	w.logger.Info("Attempting DLQ pull subscription",
		zap.String("stream", w.cfg.NATS.DLQStream),
		zap.String("subject", subSubject),
		zap.String("durable_name", durable),
	)

	sub, err := w.js.SubscribePull(w.cfg.NATS.DLQStream, subSubject, durable)
	if err != nil {
		w.logger.Error("Failed to create DLQ pull subscription", zap.Error(err))
		cancel()
		return fmt.Errorf("failed to create DLQ pull subscription: %w", err)
	}

	w.stopWg.Add(2)
	go w.fetchMessages(derivedCtx, sub)
	go w.dispatchMessages(derivedCtx)

	w.logger.Info("DLQ worker started successfully")

	<-derivedCtx.Done()
	w.logger.Info("DLQ worker context cancelled, initiating shutdown...")
	return nil
}

// Stop cancels the loops, waits for them and releases the pool.
func (w *Worker) Stop() {
	w.logger.Info("Stopping DLQ worker...")
	if w.cancel != nil {
		w.cancel()
	}
	w.stopWg.Wait()
	close(w.msgCh)
	w.pool.Release()
	w.logger.Info("DLQ worker stopped successfully")
}

func (w *Worker) fetchMessages(ctx context.Context, sub *nats.Subscription) {
	defer w.stopWg.Done()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Fetcher loop stopping due to context cancellation")
			return
		default:
		}

		observer.IncDlqFetchRequest()
		msgs, err := sub.Fetch(fetchBatchSize, nats.MaxWait(fetchMaxWait))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, nats.ErrTimeout) || errors.Is(err, nats.ErrConnectionClosed) {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			observer.IncDlqFetchError()
			w.logger.Error("Fetcher loop error retrieving messages", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, msg := range msgs {
			select {
			case w.msgCh <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (w *Worker) dispatchMessages(ctx context.Context) {
	defer w.stopWg.Done()

	for {
		observer.SetDlqQueueLength(len(w.msgCh))
		observer.SetDlqWorkersActive(w.pool.Running())

		select {
		case <-ctx.Done():
			w.logger.Info("Dispatcher loop stopping due to context cancellation")
			return
		case msg := <-w.msgCh:
			company := companyOf(msg.Data)
			err := w.pool.Submit(func() {
				taskCtx, taskCancel := context.WithTimeout(context.Background(), replayTimeout)
				defer taskCancel()
				w.handleWithRetry(taskCtx, msg)
			})
			if err != nil {
				w.logger.Error("Failed to submit task to ants pool", zap.Error(err))
				if nakErr := msg.NakWithDelay(5 * time.Second); nakErr != nil {
					w.logger.Error("Failed to NAK message after pool submission error", zap.Error(nakErr))
					observer.IncDlqAckFailure(company)
				}
				continue
			}
			observer.IncDlqTasksSubmitted(company)
		}
	}
}

func companyOf(data []byte) string {
	var p struct {
		Company string `json:"company"`
	}
	_ = json.Unmarshal(data, &p)
	return p.Company
}

// handleWithRetry replays one DLQ message and settles it.
func (w *Worker) handleWithRetry(ctx context.Context, msg *nats.Msg) {
	startTime := time.Now()
	var companyID string
	defer func() {
		observer.ObserveDlqProcessingDuration(companyID, time.Since(startTime))
	}()

	meta, err := msg.Metadata()
	if err != nil {
		w.logger.Error("Failed to get message metadata", zap.Error(err))
		if termErr := msg.Term(); termErr != nil {
			w.logger.Error("Failed to terminate message after metadata error", zap.Error(termErr))
		}
		observer.IncDlqAckFailure(companyID)
		return
	}

	var payload model.DLQPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		w.logger.Error("Failed to unmarshal DLQ payload",
			zap.Error(err),
			zap.Uint64("sequence", meta.Sequence.Stream),
			zap.String("subject", msg.Subject),
		)
		if termErr := msg.Term(); termErr != nil {
			w.logger.Error("Failed to terminate message after unmarshal error", zap.Error(termErr))
		}
		observer.IncDlqAckFailure(companyID)
		return
	}
	companyID = payload.Company

	out := w.process(ctx, payload, msg.Data, meta)
	w.settle(msg, payload, out)
}

// process replays payload and decides its settlement. A fatal error, or a failure on
// the last permitted delivery, parks the event in the exhausted store.
func (w *Worker) process(ctx context.Context, payload model.DLQPayload, raw []byte, meta *nats.MsgMetadata) outcome {
	log := w.logger.With(
		zap.String("source_subject", payload.SourceSubject),
		zap.String("dlq_company", payload.Company),
		zap.Uint64("num_delivered", meta.NumDelivered),
	)

	replayErr := w.replay(ctx, log, payload, meta)
	if replayErr == nil {
		log.Info("Successfully processed event from DLQ")
		return outcome{decision: decisionAck}
	}

	log.Warn("Failed to process event from DLQ", zap.Error(replayErr))
	if !apperrors.IsFatal(replayErr) && meta.NumDelivered < uint64(w.maxReplays) {
		return outcome{
			decision: decisionRetry,
			delay:    calculateBackoffDelay(int(meta.NumDelivered), w.cfg.NATS.DLQBaseDelayMinutes, w.cfg.NATS.DLQMaxDelayMinutes),
			err:      replayErr,
		}
	}

	exhausted := model.ExhaustedEvent{
		CompanyID:       payload.Company,
		SourceSubject:   payload.SourceSubject,
		LastError:       replayErr.Error(),
		RetryCount:      int(payload.RetryCount + meta.NumDelivered),
		EventTimestamp:  payload.Timestamp,
		DLQPayload:      datatypes.JSON(raw),
		OriginalPayload: datatypes.JSON(payload.OriginalPayload),
	}
	if saveErr := w.store.SaveExhaustedEvent(ctx, exhausted); saveErr != nil {
		log.Error("Failed to save exhausted event, terminating message anyway", zap.Error(saveErr))
		return outcome{decision: decisionPark, err: errors.Join(replayErr, saveErr)}
	}
	log.Warn("Event parked in exhausted store")
	return outcome{decision: decisionPark, err: replayErr}
}

// replay routes the original event on its conversation partition so it cannot race
// live traffic of the same contact.
func (w *Worker) replay(ctx context.Context, log *zap.Logger, payload model.DLQPayload, meta *nats.MsgMetadata) error {
	key, err := w.router.PartitionKey(payload.SourceSubject, payload.OriginalPayload)
	if err != nil {
		return err
	}

	routerMetadata := &model.MessageMetadata{
		MessageSubject:   payload.SourceSubject,
		CompanyID:        payload.Company,
		StreamSequence:   meta.Sequence.Stream,
		ConsumerSequence: meta.Sequence.Consumer,
		Timestamp:        meta.Timestamp,
		NumDelivered:     meta.NumDelivered,
	}
	ctx = tenant.WithCompanyID(ctx, payload.Company)
	ctx = tenant.WithConversationKey(ctx, key)
	ctx = logger.WithLogger(ctx, log.With(zap.String("conversation_key", key)))

	return w.partitions.Do(ctx, key, func(ctx context.Context) error {
		return w.router.Route(ctx, routerMetadata, payload.OriginalPayload)
	})
}

func (w *Worker) settle(msg *nats.Msg, payload model.DLQPayload, out outcome) {
	switch out.decision {
	case decisionAck:
		if err := msg.Ack(); err != nil {
			w.logger.Error("Failed to ACK successfully processed message", zap.Error(err))
			observer.IncDlqAckFailure(payload.Company)
			return
		}
		observer.IncDlqAckSuccess(payload.Company)

	case decisionRetry:
		if err := msg.NakWithDelay(out.delay); err != nil {
			w.logger.Error("Failed to NAK message with delay", zap.Error(err))
			observer.IncDlqAckFailure(payload.Company)
			return
		}
		observer.IncDlqTaskRetry(payload.Company)

	case decisionPark:
		if err := msg.Term(); err != nil {
			w.logger.Error("Failed to terminate exhausted message", zap.Error(err))
		}
		observer.IncDlqTasksDropped(payload.Company)
	}
}

// calculateBackoffDelay doubles the base delay per attempt, capped at the max delay.
func calculateBackoffDelay(retryCount int, baseDelayMinutes, maxDelayMinutes int) time.Duration {
	baseDelay := time.Duration(baseDelayMinutes) * time.Minute
	maxDelay := time.Duration(maxDelayMinutes) * time.Minute

	if retryCount <= 0 {
		return baseDelay
	}
	delay := baseDelay * time.Duration(1<<uint(retryCount-1))
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

type antsLoggerAdapter struct {
	logger *zap.Logger
}

func newAntsLoggerAdapter(logger *zap.Logger) *antsLoggerAdapter {
	return &antsLoggerAdapter{logger: logger}
}

func (a *antsLoggerAdapter) Printf(format string, args ...interface{}) {
	a.logger.Info(fmt.Sprintf(format, args...))
}
