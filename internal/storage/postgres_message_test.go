package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
)

var messageColumns = []string{"id", "conversation_id", "dedup_key", "provider_message_id", "direction", "body", "type", "status", "timestamp"}

func addMessageRow(rows *sqlmock.Rows, m *model.Message) *sqlmock.Rows {
	var providerID interface{}
	if m.ProviderMessageID != nil {
		providerID = *m.ProviderMessageID
	}
	return rows.AddRow(m.ID, m.ConversationID, m.DedupKey, providerID, string(m.Direction), m.Body, string(m.Type), string(m.Status), m.Timestamp)
}

func TestPostgresRepo_InsertMessageIfAbsent(t *testing.T) {
	msg := model.NewMessage("conv-1")

	cases := []struct {
		name    string
		result  func(e *sqlmock.ExpectedExec)
		wantErr error
	}{
		{
			name:   "inserted",
			result: func(e *sqlmock.ExpectedExec) { e.WillReturnResult(sqlmock.NewResult(0, 1)) },
		},
		{
			name:    "dedup key already present",
			result:  func(e *sqlmock.ExpectedExec) { e.WillReturnResult(sqlmock.NewResult(0, 0)) },
			wantErr: apperrors.ErrDedupConflict,
		},
		{
			name:    "database failure",
			result:  func(e *sqlmock.ExpectedExec) { e.WillReturnError(errors.New("relation does not exist")) },
			wantErr: apperrors.ErrDatabase,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo, mock, ctx := newTestRepo(t)
			tc.result(mock.ExpectExec(`INSERT INTO "messages" .*ON CONFLICT \("conversation_id","dedup_key"\) DO NOTHING`))

			err := repo.InsertMessageIfAbsent(ctx, *msg)
			if tc.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestPostgresRepo_ListMessages_LimitReturnsMostRecentInOrder(t *testing.T) {
	repo, mock, ctx := newTestRepo(t)
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	older := model.NewMessage("conv-1", &model.ProviderMessage{ProviderMessageID: "a", Timestamp: base})
	newer := model.NewMessage("conv-1", &model.ProviderMessage{ProviderMessageID: "b", Timestamp: base.Add(time.Minute)})

	rows := sqlmock.NewRows(messageColumns)
	addMessageRow(rows, newer)
	addMessageRow(rows, older)
	mock.ExpectQuery(`SELECT \* FROM "messages" WHERE conversation_id = \$1 ORDER BY timestamp DESC,id DESC LIMIT`).
		WillReturnRows(rows)

	got, err := repo.ListMessages(ctx, "conv-1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, older.ID, got[0].ID)
	assert.Equal(t, newer.ID, got[1].ID)
}

func TestPostgresRepo_ListMessages_All(t *testing.T) {
	repo, mock, ctx := newTestRepo(t)
	msg := model.NewMessage("conv-1")

	mock.ExpectQuery(`SELECT \* FROM "messages" WHERE conversation_id = \$1 ORDER BY timestamp ASC,id ASC$`).
		WillReturnRows(addMessageRow(sqlmock.NewRows(messageColumns), msg))

	got, err := repo.ListMessages(ctx, "conv-1", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, msg.DedupKey, got[0].DedupKey)
}

func TestPostgresRepo_HasInbound(t *testing.T) {
	t.Run("none", func(t *testing.T) {
		repo, mock, ctx := newTestRepo(t)
		mock.ExpectQuery(`SELECT "id" FROM "messages" WHERE conversation_id = \$1 AND direction = \$2`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		found, err := repo.HasInbound(ctx, "conv-1")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("present", func(t *testing.T) {
		repo, mock, ctx := newTestRepo(t)
		mock.ExpectQuery(`SELECT "id" FROM "messages"`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("m-1"))

		found, err := repo.HasInbound(ctx, "conv-1")
		require.NoError(t, err)
		assert.True(t, found)
	})
}

func TestPostgresRepo_FindMessageByDedupKey(t *testing.T) {
	msg := model.NewMessage("conv-1", &model.ProviderMessage{ProviderMessageID: "wamid.7"})

	t.Run("found", func(t *testing.T) {
		repo, mock, ctx := newTestRepo(t)
		mock.ExpectQuery(`SELECT \* FROM "messages" WHERE conversation_id = \$1 AND dedup_key = \$2`).
			WillReturnRows(addMessageRow(sqlmock.NewRows(messageColumns), msg))

		got, err := repo.FindMessageByDedupKey(ctx, "conv-1", msg.DedupKey)
		require.NoError(t, err)
		assert.Equal(t, msg.ID, got.ID)
	})

	t.Run("missing", func(t *testing.T) {
		repo, mock, ctx := newTestRepo(t)
		mock.ExpectQuery(`SELECT \* FROM "messages"`).
			WillReturnRows(sqlmock.NewRows(messageColumns))

		_, err := repo.FindMessageByDedupKey(ctx, "conv-1", "nope")
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})
}

func TestPostgresRepo_UpdateMessageStatus_Forward(t *testing.T) {
	repo, mock, ctx := newTestRepo(t)
	msg := model.NewMessage("conv-1", &model.ProviderMessage{
		ProviderMessageID: "wamid.1",
		Direction:         model.DirectionOutbound,
		Status:            model.MessageStatusSent,
	})

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "messages" WHERE conversation_id = \$1 AND provider_message_id = \$2 .*FOR UPDATE`).
		WillReturnRows(addMessageRow(sqlmock.NewRows(messageColumns), msg))
	mock.ExpectExec(`UPDATE "messages" SET "status"=\$1,"updated_at"=\$2 WHERE id = \$3`).
		WithArgs(model.MessageStatusRead, AnyTime{}, msg.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, applied, err := repo.UpdateMessageStatus(ctx, "conv-1", "wamid.1", model.MessageStatusRead)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, model.MessageStatusRead, got.Status)
}

func TestPostgresRepo_UpdateMessageStatus_RegressionIgnored(t *testing.T) {
	repo, mock, ctx := newTestRepo(t)
	msg := model.NewMessage("conv-1", &model.ProviderMessage{
		ProviderMessageID: "wamid.2",
		Direction:         model.DirectionOutbound,
		Status:            model.MessageStatusRead,
	})

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "messages" .*FOR UPDATE`).
		WillReturnRows(addMessageRow(sqlmock.NewRows(messageColumns), msg))
	mock.ExpectCommit()

	got, applied, err := repo.UpdateMessageStatus(ctx, "conv-1", "wamid.2", model.MessageStatusDelivered)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, model.MessageStatusRead, got.Status)
}

func TestPostgresRepo_UpdateMessageStatus_UnknownMessage(t *testing.T) {
	repo, mock, ctx := newTestRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "messages"`).WillReturnRows(sqlmock.NewRows(messageColumns))
	mock.ExpectRollback()

	_, _, err := repo.UpdateMessageStatus(ctx, "conv-1", "missing", model.MessageStatusRead)
	assert.True(t, apperrors.IsNotFoundError(err))
}
