package automation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/utils"
)

// Deliverer sends fixed text to the contact and records it as an outbound message.
type Deliverer interface {
	Deliver(ctx context.Context, target model.ConversationTarget, text string) (*model.Message, error)
}

// ConversationUpdater applies the conversation side effects of actions.
type ConversationUpdater interface {
	Transfer(ctx context.Context, id, agent string, markPending bool) (*model.Conversation, error)
	AddTag(ctx context.Context, id, tag string) (*model.Conversation, error)
}

// TicketPublisher hands ticket requests to the ticketing collaborator.
type TicketPublisher interface {
	PublishTicket(ctx context.Context, event model.TicketEvent) error
}

// ticketNamespace derives ticket IDs so a replayed action publishes the same ticket.
var ticketNamespace = uuid.MustParse("0b8f6c1e-5d2a-4c43-a8a4-93f1e2d7c510")

// Executor carries out the action selected by the rule engine.
type Executor struct {
	deliverer         Deliverer
	conversations     ConversationUpdater
	tickets           TicketPublisher
	companyID         string
	pendingOnTransfer bool
	log               *zap.Logger
	now               func() time.Time
}

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	CompanyID string
	// PendingOnTransfer parks the conversation as pending when transfer_agent runs.
	PendingOnTransfer bool
}

func NewExecutor(deliverer Deliverer, conversations ConversationUpdater, tickets TicketPublisher, opts ExecutorOptions, log *zap.Logger) *Executor {
	return &Executor{
		deliverer:         deliverer,
		conversations:     conversations,
		tickets:           tickets,
		companyID:         opts.CompanyID,
		pendingOnTransfer: opts.PendingOnTransfer,
		log:               log.Named("executor"),
		now:               utils.Now,
	}
}

// Execute runs action for the inbound message described by in.
func (x *Executor) Execute(ctx context.Context, action model.Action, in model.InboundContext) error {
	log := logger.FromContextOr(ctx, x.log).With(
		zap.String("rule_id", action.RuleID),
		zap.String("action", string(action.Type)),
		zap.String("conversation_id", in.Conversation.ID),
	)
	value := strings.TrimSpace(action.Value)

	switch action.Type {
	case model.ActionSendMessage:
		msg, err := x.deliverer.Deliver(ctx, in.Target, action.Value)
		if err != nil {
			log.Warn("send_message action failed", zap.Error(err))
			return err
		}
		log.Debug("send_message action delivered", zap.String("message_id", msg.ID))

	case model.ActionTransferAgent:
		if _, err := x.conversations.Transfer(ctx, in.Conversation.ID, value, x.pendingOnTransfer); err != nil {
			log.Warn("transfer_agent action failed", zap.Error(err))
			return err
		}
		log.Info("Conversation transferred", zap.String("agent", value))

	case model.ActionAddTag:
		if _, err := x.conversations.AddTag(ctx, in.Conversation.ID, value); err != nil {
			log.Warn("add_tag action failed", zap.Error(err))
			return err
		}

	case model.ActionCreateTicket:
		event := x.ticketFor(action, in)
		if err := x.tickets.PublishTicket(ctx, event); err != nil {
			log.Warn("create_ticket action failed", zap.Error(err))
			return err
		}
		log.Info("Ticket requested", zap.String("ticket_id", event.ID))

	default:
		return fmt.Errorf("unsupported action type %q", action.Type)
	}
	return nil
}

func (x *Executor) ticketFor(action model.Action, in model.InboundContext) model.TicketEvent {
	subject := strings.TrimSpace(action.Value)
	if subject == "" {
		subject = "Ticket opened by rule " + action.RuleName
	}
	return model.TicketEvent{
		ID:             uuid.NewSHA1(ticketNamespace, []byte(action.RuleID+"/"+in.Message.ID)).String(),
		CompanyID:      x.companyID,
		ConversationID: in.Conversation.ID,
		ContactPhone:   model.NormalizePhone(in.Target.Phone),
		RuleID:         action.RuleID,
		Subject:        subject,
		MessageID:      in.Message.ID,
		MessageBody:    in.Message.Body,
		CreatedAt:      x.now(),
	}
}
