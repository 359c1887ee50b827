package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/config"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/validator"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/logger"
)

// Requester is the request/reply half of a NATS connection.
type Requester interface {
	Request(ctx context.Context, subject string, data []byte) (*nats.Msg, error)
}

// InboundEvent is a decoded batch of provider messages for one contact.
type InboundEvent struct {
	Target     model.ConversationTarget
	Messages   []model.ProviderMessage
	Historical bool
}

// InboundHandler consumes inbound events delivered by the transport.
type InboundHandler func(ctx context.Context, event InboundEvent) error

// ErrNoInboundHandler is returned when an event arrives before a handler is registered.
var ErrNoInboundHandler = errors.New("no inbound handler registered")

// NATSPort talks to the WhatsApp gateway over NATS request/reply.
type NATSPort struct {
	requester Requester
	companyID string
	cfg       config.ChannelConfig
	limiter   *rate.Limiter
	log       *zap.Logger

	mu      sync.RWMutex
	inbound InboundHandler
}

func NewNATSPort(requester Requester, companyID string, cfg config.ChannelConfig, log *zap.Logger) *NATSPort {
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 15 * time.Second
	}
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = 50
	}
	return &NATSPort{
		requester: requester,
		companyID: companyID,
		cfg:       cfg,
		limiter:   rate.NewLimiter(limit, burst),
		log:       log.Named("channel"),
	}
}

// Send delivers text to phone and returns the gateway acknowledgement.
func (p *NATSPort) Send(ctx context.Context, phone, text string) (model.MessageRecord, error) {
	cmd := model.SendCommand{Phone: model.NormalizePhone(phone), Text: text}
	if err := validator.Validate(cmd); err != nil {
		return model.MessageRecord{}, err
	}

	var reply model.SendReply
	err := p.request(ctx, "send", model.V1CommandsSend.ForCompany(p.companyID), p.cfg.SendTimeout, cmd, &reply)
	if err == nil && reply.Error != "" {
		err = fmt.Errorf("gateway rejected send: %s", reply.Error)
	}
	observer.IncChannelRequest("send", err)
	if err != nil {
		return model.MessageRecord{}, err
	}

	if reply.Record.Timestamp.IsZero() {
		reply.Record.Timestamp = time.Now().UTC()
	}
	return reply.Record, nil
}

// FetchRecent asks the gateway for up to limit recent messages with phone.
// limit <= 0 uses the configured default.
func (p *NATSPort) FetchRecent(ctx context.Context, phone string, limit int) ([]model.ProviderMessage, error) {
	if limit <= 0 {
		limit = p.cfg.FetchLimit
	}
	cmd := model.FetchCommand{Phone: model.NormalizePhone(phone), Limit: limit}
	if err := validator.Validate(cmd); err != nil {
		return nil, err
	}

	var reply model.FetchReply
	err := p.request(ctx, "fetch", model.V1CommandsFetch.ForCompany(p.companyID), p.cfg.FetchTimeout, cmd, &reply)
	if err == nil && reply.Error != "" {
		err = fmt.Errorf("gateway rejected fetch: %s", reply.Error)
	}
	observer.IncChannelRequest("fetch", err)
	if err != nil {
		return nil, err
	}
	return reply.Messages, nil
}

func (p *NATSPort) request(ctx context.Context, op, subject string, timeout time.Duration, cmd, reply any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.limiter.Wait(ctx); err != nil {
		return apperrors.NewChannelUnavailable(err, "%s rate limited", op)
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal %s command: %w", op, err)
	}

	msg, err := p.requester.Request(ctx, subject, data)
	if err != nil {
		if isUnavailable(err) {
			return apperrors.NewChannelUnavailable(err, "%s on %s", op, subject)
		}
		return fmt.Errorf("%s on %s: %w", op, subject, err)
	}
	if err := json.Unmarshal(msg.Data, reply); err != nil {
		return fmt.Errorf("decode %s reply: %w", op, err)
	}

	logger.FromContextOr(ctx, p.log).Debug("Channel request completed",
		zap.String("operation", op),
		zap.String("subject", subject),
	)
	return nil
}

func isUnavailable(err error) bool {
	return errors.Is(err, nats.ErrNoResponders) ||
		errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, nats.ErrConnectionDraining) ||
		errors.Is(err, context.DeadlineExceeded)
}

// OnInboundEvent registers the handler that receives inbound events. A later call replaces it.
func (p *NATSPort) OnInboundEvent(h InboundHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inbound = h
}

// DeliverInbound hands a decoded event from the transport to the registered handler.
func (p *NATSPort) DeliverInbound(ctx context.Context, event InboundEvent) error {
	p.mu.RLock()
	h := p.inbound
	p.mu.RUnlock()
	if h == nil {
		return ErrNoInboundHandler
	}
	return h(ctx, event)
}
