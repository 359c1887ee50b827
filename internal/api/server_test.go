package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/aggregate"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/api"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/conversation"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/synchronizer"
)

type conversationsMock struct{ mock.Mock }

func (m *conversationsMock) conv(args mock.Arguments) (*model.Conversation, error) {
	c, _ := args.Get(0).(*model.Conversation)
	return c, args.Error(1)
}

func (m *conversationsMock) Messages(ctx context.Context, id string, limit int) ([]model.Message, error) {
	args := m.Called(ctx, id, limit)
	msgs, _ := args.Get(0).([]model.Message)
	return msgs, args.Error(1)
}

func (m *conversationsMock) Resolve(ctx context.Context, id string) (*model.Conversation, error) {
	return m.conv(m.Called(ctx, id))
}

func (m *conversationsMock) Archive(ctx context.Context, id string) (*model.Conversation, error) {
	return m.conv(m.Called(ctx, id))
}

func (m *conversationsMock) MarkPending(ctx context.Context, id string) (*model.Conversation, error) {
	return m.conv(m.Called(ctx, id))
}

func (m *conversationsMock) Activate(ctx context.Context, id string) (*model.Conversation, error) {
	return m.conv(m.Called(ctx, id))
}

func (m *conversationsMock) Update(ctx context.Context, id string, patch conversation.Patch) (*model.Conversation, error) {
	return m.conv(m.Called(ctx, id, patch))
}

func (m *conversationsMock) SyncContact(ctx context.Context, phone string, limit int) (*synchronizer.IngestResult, error) {
	args := m.Called(ctx, phone, limit)
	res, _ := args.Get(0).(*synchronizer.IngestResult)
	return res, args.Error(1)
}

type rulesMock struct{ mock.Mock }

func (m *rulesMock) ListRules(ctx context.Context, activeOnly bool) ([]model.AutomationRule, error) {
	args := m.Called(ctx, activeOnly)
	rules, _ := args.Get(0).([]model.AutomationRule)
	return rules, args.Error(1)
}

func (m *rulesMock) UpsertRule(ctx context.Context, rule model.AutomationRule) (*model.AutomationRule, error) {
	args := m.Called(ctx, rule)
	r, _ := args.Get(0).(*model.AutomationRule)
	return r, args.Error(1)
}

func (m *rulesMock) DeleteRule(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

type knowledgeMock struct{ mock.Mock }

func (m *knowledgeMock) Save(ctx context.Context, entry model.KnowledgeEntry) (*model.KnowledgeEntry, error) {
	args := m.Called(ctx, entry)
	e, _ := args.Get(0).(*model.KnowledgeEntry)
	return e, args.Error(1)
}

func (m *knowledgeMock) Get(ctx context.Context, id string) (*model.KnowledgeEntry, error) {
	args := m.Called(ctx, id)
	e, _ := args.Get(0).(*model.KnowledgeEntry)
	return e, args.Error(1)
}

func (m *knowledgeMock) List(ctx context.Context, activeOnly bool) ([]model.KnowledgeEntry, error) {
	args := m.Called(ctx, activeOnly)
	e, _ := args.Get(0).([]model.KnowledgeEntry)
	return e, args.Error(1)
}

func (m *knowledgeMock) Delete(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *knowledgeMock) Retrieve(ctx context.Context, query string, maxResults int, minSimilarity float64) ([]model.ScoredEntry, error) {
	args := m.Called(ctx, query, maxResults, minSimilarity)
	e, _ := args.Get(0).([]model.ScoredEntry)
	return e, args.Error(1)
}

func (m *knowledgeMock) Reindex(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

type harness struct {
	server    *api.Server
	feed      *aggregate.Aggregate
	convs     *conversationsMock
	rules     *rulesMock
	knowledge *knowledgeMock
}

func newHarness(t *testing.T, checks map[string]api.ReadinessCheck) *harness {
	log := zaptest.NewLogger(t)
	h := &harness{
		feed:      aggregate.New(log),
		convs:     new(conversationsMock),
		rules:     new(rulesMock),
		knowledge: new(knowledgeMock),
	}
	h.server = api.NewServer(api.Options{Version: "test", MaxResults: 3, MinSimilarity: 0.7}, api.Deps{
		Conversations: h.convs,
		Feed:          h.feed,
		Rules:         h.rules,
		Knowledge:     h.knowledge,
		Checks:        checks,
	}, log)
	return h
}

func (h *harness) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestHealthAndReady(t *testing.T) {
	h := newHarness(t, map[string]api.ReadinessCheck{
		"store": func(context.Context) error { return nil },
		"nats":  func(context.Context) error { return errors.New("disconnected") },
	})

	rec := h.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"UP"`)

	rec = h.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp api.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "NOT_READY", resp.Status)
	assert.Equal(t, "ok", resp.Details["store"])
	assert.Equal(t, "disconnected", resp.Details["nats"])
}

func TestListConversations_FiltersSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	h.feed.Publish(model.ConversationDelta{Conversation: model.Conversation{ID: "c1", Status: model.StatusActive, LastMessageAt: t0}})
	h.feed.Publish(model.ConversationDelta{Conversation: model.Conversation{ID: "c2", Status: model.StatusResolved, LastMessageAt: t0.Add(time.Minute)}})
	h.feed.Publish(model.ConversationDelta{Conversation: model.Conversation{ID: "c3", Status: model.StatusActive, LastMessageAt: t0.Add(2 * time.Minute)}})

	rec := h.do(t, http.MethodGet, "/api/conversations?status=active", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var convs []model.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &convs))
	require.Len(t, convs, 2)
	assert.Equal(t, "c3", convs[0].ID)
	assert.Equal(t, "c1", convs[1].ID)

	rec = h.do(t, http.MethodGet, "/api/conversations?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetConversation(t *testing.T) {
	h := newHarness(t, nil)
	h.feed.Publish(model.ConversationDelta{Conversation: model.Conversation{ID: "c1", Status: model.StatusActive}})

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/conversations/c1", "").Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/conversations/nope", "").Code)
}

func TestConversationTransitions_MapErrors(t *testing.T) {
	h := newHarness(t, nil)
	h.convs.On("Resolve", mock.Anything, "c1").Return(&model.Conversation{ID: "c1", Status: model.StatusResolved}, nil).Once()
	h.convs.On("Archive", mock.Anything, "c1").Return(nil, apperrors.ErrInvalidTransition).Once()
	h.convs.On("MarkPending", mock.Anything, "missing").Return(nil, apperrors.ErrNotFound).Once()

	rec := h.do(t, http.MethodPost, "/api/conversations/c1/resolve", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"resolved"`)

	assert.Equal(t, http.StatusConflict, h.do(t, http.MethodPost, "/api/conversations/c1/archive", "").Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/api/conversations/missing/pending", "").Code)
	h.convs.AssertExpectations(t)
}

func TestUpdateConversation(t *testing.T) {
	h := newHarness(t, nil)
	urgent := model.Priority("urgent")
	h.convs.On("Update", mock.Anything, "c1", mock.MatchedBy(func(p conversation.Patch) bool {
		return p.Priority != nil && *p.Priority == urgent && p.Sentiment == nil
	})).Return(&model.Conversation{ID: "c1", Priority: urgent}, nil).Once()

	rec := h.do(t, http.MethodPatch, "/api/conversations/c1", `{"priority":"urgent"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPatch, "/api/conversations/c1", `{"priority":"whenever"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPatch, "/api/conversations/c1", `{"unknown":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	h.convs.AssertExpectations(t)
}

func TestListMessages(t *testing.T) {
	h := newHarness(t, nil)
	h.convs.On("Messages", mock.Anything, "c1", 20).Return([]model.Message{{ID: "m1", Body: "oi"}}, nil).Once()
	h.convs.On("Messages", mock.Anything, "c2", 0).Return(nil, nil).Once()

	rec := h.do(t, http.MethodGet, "/api/conversations/c1/messages?limit=20", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"m1"`)

	rec = h.do(t, http.MethodGet, "/api/conversations/c2/messages", "")
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestSyncContact(t *testing.T) {
	h := newHarness(t, nil)
	h.convs.On("SyncContact", mock.Anything, "+5511999999999", 50).Return(&synchronizer.IngestResult{
		Conversation: &model.Conversation{ID: "c1"},
		Added:        []model.Message{{ID: "m1"}, {ID: "m2"}},
	}, nil).Once()

	rec := h.do(t, http.MethodPost, "/api/conversations/sync", `{"phone":"+5511999999999","limit":50}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp api.SyncResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Added)
	assert.Equal(t, "c1", resp.Conversation.ID)

	rec = h.do(t, http.MethodPost, "/api/conversations/sync", `{"phone":"abc"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	h.convs.AssertNumberOfCalls(t, "SyncContact", 1)
}

func TestSyncContact_ChannelUnavailable(t *testing.T) {
	h := newHarness(t, nil)
	h.convs.On("SyncContact", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, apperrors.NewChannelUnavailable(errors.New("no responders"), "fetch recent")).Once()

	rec := h.do(t, http.MethodPost, "/api/conversations/sync", `{"phone":"5511999999999"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRules(t *testing.T) {
	h := newHarness(t, nil)
	rule := model.AutomationRule{ID: "r1", Name: "greeting", TriggerType: "keyword", TriggerValue: "oi,olá", ActionType: "send_message", ActionValue: "Olá!", IsActive: true}
	h.rules.On("ListRules", mock.Anything, true).Return([]model.AutomationRule{rule}, nil).Once()
	h.rules.On("UpsertRule", mock.Anything, mock.MatchedBy(func(r model.AutomationRule) bool {
		return r.Name == "greeting" && r.ID == ""
	})).Return(&rule, nil).Once()
	h.rules.On("DeleteRule", mock.Anything, "r1").Return(nil).Once()
	h.rules.On("DeleteRule", mock.Anything, "r2").Return(apperrors.ErrNotFound).Once()

	rec := h.do(t, http.MethodGet, "/api/rules?active=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"greeting"`)

	rec = h.do(t, http.MethodPost, "/api/rules", `{"name":"greeting","trigger_type":"keyword","trigger_value":"oi,olá","action_type":"send_message","action_value":"Olá!","is_active":true}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, "/api/rules/r1", "").Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodDelete, "/api/rules/r2", "").Code)
	h.rules.AssertExpectations(t)
}

func TestKnowledgeSearch(t *testing.T) {
	h := newHarness(t, nil)
	h.knowledge.On("Retrieve", mock.Anything, "horário", 3, 0.7).
		Return([]model.ScoredEntry{{Entry: model.KnowledgeEntry{ID: "k1", Title: "Horário"}, Similarity: 0.9}}, nil).Once()
	h.knowledge.On("Retrieve", mock.Anything, "preço", 1, 0.5).Return(nil, nil).Once()

	rec := h.do(t, http.MethodGet, "/api/knowledge/search?q=hor%C3%A1rio", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"k1"`)

	rec = h.do(t, http.MethodGet, "/api/knowledge/search?q=pre%C3%A7o&limit=1&min_similarity=0.5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/knowledge/search", "").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/knowledge/search?q=x&min_similarity=2", "").Code)
	h.knowledge.AssertExpectations(t)
}

func TestKnowledgeCRUD(t *testing.T) {
	h := newHarness(t, nil)
	entry := model.KnowledgeEntry{ID: "k1", Title: "Horário", Content: "Seg a sex, 9h às 18h", IsActive: true}
	h.knowledge.On("Save", mock.Anything, mock.MatchedBy(func(e model.KnowledgeEntry) bool { return e.Title == "Horário" })).Return(&entry, nil).Once()
	h.knowledge.On("Save", mock.Anything, mock.MatchedBy(func(e model.KnowledgeEntry) bool { return e.Title == "" })).
		Return(nil, apperrors.ErrValidation).Once()
	h.knowledge.On("Get", mock.Anything, "k1").Return(&entry, nil).Once()
	h.knowledge.On("List", mock.Anything, false).Return([]model.KnowledgeEntry{entry}, nil).Once()
	h.knowledge.On("Delete", mock.Anything, "k1").Return(nil).Once()
	h.knowledge.On("Reindex", mock.Anything).Return(4, nil).Once()

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/knowledge", `{"title":"Horário","content":"Seg a sex, 9h às 18h","is_active":true}`).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/api/knowledge", `{"content":"x"}`).Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/knowledge/k1", "").Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/knowledge", "").Code)
	assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, "/api/knowledge/k1", "").Code)

	rec := h.do(t, http.MethodPost, "/api/knowledge/reindex", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"indexed":4}`, rec.Body.String())
	h.knowledge.AssertExpectations(t)
}

func TestStream_SnapshotThenDeltas(t *testing.T) {
	h := newHarness(t, nil)
	h.feed.Publish(model.ConversationDelta{Conversation: model.Conversation{ID: "c1", Status: model.StatusActive}})

	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var frame api.StreamFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "snapshot", frame.Type)
	require.Len(t, frame.Snapshot, 1)
	assert.Equal(t, "c1", frame.Snapshot[0].ID)

	h.feed.Publish(model.ConversationDelta{
		Conversation:  model.Conversation{ID: "c1", Status: model.StatusPending},
		AddedMessages: []model.Message{{ID: "m1", Body: "oi"}},
	})

	frame = api.StreamFrame{}
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "delta", frame.Type)
	require.NotNil(t, frame.Delta)
	assert.Equal(t, model.StatusPending, frame.Delta.Conversation.Status)
	require.Len(t, frame.Delta.AddedMessages, 1)
	assert.Equal(t, "m1", frame.Delta.AddedMessages[0].ID)
}
