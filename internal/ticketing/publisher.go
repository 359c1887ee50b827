package ticketing

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/logger"
)

// Publisher is the JetStream publish half of the NATS client.
type Publisher interface {
	Publish(subject string, data []byte, headers map[string]string) error
}

// JetStreamTickets emits TicketEvents on v1.tickets.create.<company>. The ticket ID is
// sent as Nats-Msg-Id so a replayed action is dropped by the stream's dedup window.
type JetStreamTickets struct {
	pub Publisher
	log *zap.Logger
}

func NewJetStreamTickets(pub Publisher, log *zap.Logger) *JetStreamTickets {
	return &JetStreamTickets{pub: pub, log: log.Named("ticketing")}
}

func (t *JetStreamTickets) PublishTicket(ctx context.Context, event model.TicketEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return apperrors.NewFatal(err, "marshal ticket %s", event.ID)
	}

	subject := model.V1TicketsCreate.ForCompany(event.CompanyID)
	if err := t.pub.Publish(subject, data, map[string]string{nats.MsgIdHdr: event.ID}); err != nil {
		return apperrors.NewRetryable(fmt.Errorf("%w: %w", apperrors.ErrNATS, err), "publish ticket %s", event.ID)
	}

	logger.FromContextOr(ctx, t.log).Info("Ticket requested",
		zap.String("ticket_id", event.ID),
		zap.String("conversation_id", event.ConversationID),
		zap.String("rule_id", event.RuleID),
	)
	return nil
}
