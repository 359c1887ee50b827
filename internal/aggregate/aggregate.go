// Package aggregate keeps the in-memory view of all conversations. It is fed only
// by deltas published by the synchronizer and the conversation service, and
// fans them out to subscribers.
package aggregate

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/observer"
)

// Lister loads the conversations used to hydrate the view.
type Lister interface {
	ListConversations(ctx context.Context, filter model.ConversationFilter) ([]model.Conversation, error)
}

type subscriber struct {
	ch      chan model.ConversationDelta
	dropped int
}

// Aggregate is safe for concurrent use: many readers, deltas applied one at a time.
type Aggregate struct {
	log *zap.Logger

	mu            sync.RWMutex
	conversations map[string]model.Conversation

	subMu  sync.Mutex
	subs   map[int]*subscriber
	nextID int
}

// New creates an empty Aggregate.
func New(log *zap.Logger) *Aggregate {
	return &Aggregate{
		log:           log.Named("aggregate"),
		conversations: make(map[string]model.Conversation),
		subs:          make(map[int]*subscriber),
	}
}

// Hydrate replaces the view with the conversations currently in the store.
func (a *Aggregate) Hydrate(ctx context.Context, lister Lister) error {
	convs, err := lister.ListConversations(ctx, model.ConversationFilter{})
	if err != nil {
		return err
	}
	view := make(map[string]model.Conversation, len(convs))
	for _, c := range convs {
		view[c.ID] = c.Clone()
	}

	a.mu.Lock()
	a.conversations = view
	a.mu.Unlock()

	a.log.Info("Conversation view hydrated", zap.Int("conversations", len(view)))
	return nil
}

// Publish applies delta to the view and forwards it to subscribers.
// It never blocks: a subscriber whose buffer is full misses the delta.
func (a *Aggregate) Publish(delta model.ConversationDelta) {
	conv := delta.Conversation.Clone()
	if conv.ID == "" {
		return
	}

	a.mu.Lock()
	if prev, ok := a.conversations[conv.ID]; ok && conv.Contact == nil {
		conv.Contact = prev.Contact
	}
	a.conversations[conv.ID] = conv
	a.mu.Unlock()

	delta.Conversation = conv.Clone()

	a.subMu.Lock()
	defer a.subMu.Unlock()
	for id, sub := range a.subs {
		select {
		case sub.ch <- delta:
		default:
			sub.dropped++
			a.log.Warn("Subscriber too slow, delta dropped",
				zap.Int("subscriber", id),
				zap.String("conversation_id", conv.ID),
				zap.Int("dropped", sub.dropped),
			)
		}
	}
}

// Get returns one conversation from the view.
func (a *Aggregate) Get(id string) (model.Conversation, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	conv, ok := a.conversations[id]
	if !ok {
		return model.Conversation{}, false
	}
	return conv.Clone(), true
}

// Snapshot returns every conversation, most recent activity first.
func (a *Aggregate) Snapshot() []model.Conversation {
	a.mu.RLock()
	out := make([]model.Conversation, 0, len(a.conversations))
	for _, c := range a.conversations {
		out = append(out, c.Clone())
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Subscribe registers a listener with the given buffer size. The returned function
// unregisters it and closes the channel; it is safe to call more than once.
func (a *Aggregate) Subscribe(buffer int) (<-chan model.ConversationDelta, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	sub := &subscriber{ch: make(chan model.ConversationDelta, buffer)}

	a.subMu.Lock()
	id := a.nextID
	a.nextID++
	a.subs[id] = sub
	observer.SetAggregateSubscribers(len(a.subs))
	a.subMu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			a.subMu.Lock()
			delete(a.subs, id)
			observer.SetAggregateSubscribers(len(a.subs))
			a.subMu.Unlock()
			close(sub.ch)
		})
	}
}
