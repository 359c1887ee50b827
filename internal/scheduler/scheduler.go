// Package scheduler runs the periodic conversation sweeps: transfer SLA expiry and
// archival of long-resolved conversations.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/config"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/utils"
)

const (
	jobTransferSLA = "transfer_sla"
	jobRetention   = "retention"
)

// Sweeper lists candidate conversations and applies the sweep transitions on their partitions.
type Sweeper interface {
	ListConversations(ctx context.Context, filter model.ConversationFilter) ([]model.Conversation, error)
	ExpireTransfer(ctx context.Context, id string, cutoff time.Time) (bool, error)
	ArchiveResolved(ctx context.Context, id string, cutoff time.Time) (bool, error)
}

type Scheduler struct {
	cron        *cron.Cron
	sweeper     Sweeper
	cfg         config.SchedulerConfig
	transferSLA time.Duration
	log         *zap.Logger
	now         func() time.Time
	ctx         context.Context
	cancel      context.CancelFunc
}

// New validates the cron specs and registers both sweeps. Specs accept an optional
// seconds field and descriptors such as "@every 1m".
func New(sweeper Sweeper, cfg config.SchedulerConfig, transferSLA time.Duration, log *zap.Logger) (*Scheduler, error) {
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = 200
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}

	log = log.Named("scheduler")
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	clog := cronLogger{log: log}
	s := &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithLogger(clog),
			cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
		),
		sweeper:     sweeper,
		cfg:         cfg,
		transferSLA: transferSLA,
		log:         log,
		now:         utils.Now,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if transferSLA > 0 && cfg.SLASweepSpec != "" {
		if _, err := s.cron.AddFunc(cfg.SLASweepSpec, s.job(jobTransferSLA, s.SweepTransfers)); err != nil {
			return nil, fmt.Errorf("invalid transfer SLA sweep spec %q: %w", cfg.SLASweepSpec, err)
		}
	}
	if cfg.ArchiveAfter > 0 && cfg.RetentionSpec != "" {
		if _, err := s.cron.AddFunc(cfg.RetentionSpec, s.job(jobRetention, s.SweepRetention)); err != nil {
			return nil, fmt.Errorf("invalid retention sweep spec %q: %w", cfg.RetentionSpec, err)
		}
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.log.Info("Scheduler started", zap.Int("jobs", len(s.cron.Entries())))
	s.cron.Start()
}

// Stop cancels running sweeps and waits for them to return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) job(name string, sweep func(ctx context.Context) (int, error)) func() {
	return func() {
		start := time.Now()
		n, err := sweep(s.ctx)
		if err != nil {
			s.log.Error("Sweep failed", zap.String("job", name), zap.Int("changed", n), zap.Error(err))
			return
		}
		if n > 0 {
			s.log.Info("Sweep finished", zap.String("job", name), zap.Int("changed", n), zap.Duration("took", time.Since(start)))
		}
	}
}

// SweepTransfers marks pending every active conversation whose transfer has waited
// longer than the transfer SLA without an agent reply. It returns the number changed.
func (s *Scheduler) SweepTransfers(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.transferSLA)
	return s.sweep(ctx, jobTransferSLA, model.ConversationFilter{
		Status:            model.StatusActive,
		AssignedOnly:      true,
		TransferredBefore: &cutoff,
	}, func(ctx context.Context, id string) (bool, error) {
		return s.sweeper.ExpireTransfer(ctx, id, cutoff)
	})
}

// SweepRetention archives conversations resolved before the retention window.
func (s *Scheduler) SweepRetention(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.ArchiveAfter)
	return s.sweep(ctx, jobRetention, model.ConversationFilter{
		Status:         model.StatusResolved,
		ResolvedBefore: &cutoff,
	}, func(ctx context.Context, id string) (bool, error) {
		return s.sweeper.ArchiveResolved(ctx, id, cutoff)
	})
}

// sweep pages through candidates until a batch changes nothing. The transition is
// re-checked on the conversation's partition, so a stale candidate is left alone.
func (s *Scheduler) sweep(ctx context.Context, job string, filter model.ConversationFilter, apply func(ctx context.Context, id string) (bool, error)) (int, error) {
	filter.Limit = s.cfg.SweepBatchSize
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		batch, err := s.sweeper.ListConversations(ctx, filter)
		if err != nil {
			return total, fmt.Errorf("list %s candidates: %w", job, err)
		}
		if len(batch) == 0 {
			return total, nil
		}

		var (
			mu      sync.Mutex
			changed int
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.Concurrency)
		for _, conv := range batch {
			id := conv.ID
			g.Go(func() error {
				ok, err := apply(gctx, id)
				observer.IncSchedulerTransition(job, err)
				if err != nil {
					s.log.Warn("Sweep transition failed", zap.String("job", job), zap.String("conversation_id", id), zap.Error(err))
					return nil
				}
				if ok {
					mu.Lock()
					changed++
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()

		total += changed
		if changed == 0 || len(batch) < filter.Limit {
			return total, nil
		}
	}
}

// cronLogger adapts zap to the cron.Logger interface.
type cronLogger struct {
	log *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, zap.Any("details", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}
