package storage

import (
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
)

var contactColumns = []string{"id", "phone", "name", "is_online", "created_at", "updated_at"}

func TestPostgresRepo_EnsureContact_Creates(t *testing.T) {
	repo, mock, ctx := newTestRepo(t)
	contact := model.NewContact()

	mock.ExpectExec(`INSERT INTO "contacts" .*ON CONFLICT \("phone"\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT \* FROM "contacts" WHERE phone = \$1`).
		WillReturnRows(sqlmock.NewRows(contactColumns).
			AddRow(contact.ID, contact.Phone, contact.Name, false, contact.CreatedAt, contact.UpdatedAt))

	got, err := repo.EnsureContact(ctx, contact.Phone, contact.Name)
	require.NoError(t, err)
	assert.Equal(t, contact.ID, got.ID)
	assert.Equal(t, contact.Phone, got.Phone)
}

func TestPostgresRepo_EnsureContact_ExistingRowWins(t *testing.T) {
	repo, mock, ctx := newTestRepo(t)
	existing := model.NewContact()

	mock.ExpectExec(`INSERT INTO "contacts" .*ON CONFLICT`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT \* FROM "contacts" WHERE phone = \$1`).
		WillReturnRows(sqlmock.NewRows(contactColumns).
			AddRow(existing.ID, existing.Phone, existing.Name, true, existing.CreatedAt, existing.UpdatedAt))

	got, err := repo.EnsureContact(ctx, existing.Phone, "someone else")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, got.ID)
	assert.Equal(t, existing.Name, got.Name)
	assert.True(t, got.IsOnline)
}

func TestPostgresRepo_EnsureContact_InsertError(t *testing.T) {
	repo, mock, ctx := newTestRepo(t)

	mock.ExpectExec(`INSERT INTO "contacts"`).WillReturnError(errors.New("permission denied"))

	_, err := repo.EnsureContact(ctx, model.FakePhone(), "")
	assert.ErrorIs(t, err, apperrors.ErrDatabase)
}

func TestPostgresRepo_FindContactByPhone_NotFound(t *testing.T) {
	repo, mock, ctx := newTestRepo(t)

	mock.ExpectQuery(`SELECT \* FROM "contacts" WHERE phone = \$1`).
		WillReturnRows(sqlmock.NewRows(contactColumns))

	_, err := repo.FindContactByPhone(ctx, "+551100000000")
	assert.True(t, apperrors.IsNotFoundError(err))
}

func TestPostgresRepo_FindContactByID_Found(t *testing.T) {
	repo, mock, ctx := newTestRepo(t)
	contact := model.NewContact()

	mock.ExpectQuery(`SELECT \* FROM "contacts" WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows(contactColumns).
			AddRow(contact.ID, contact.Phone, contact.Name, false, contact.CreatedAt, contact.UpdatedAt))

	got, err := repo.FindContactByID(ctx, contact.ID)
	require.NoError(t, err)
	assert.Equal(t, contact.Phone, got.Phone)
}

func TestPostgresRepo_SaveContact_Upsert(t *testing.T) {
	repo, mock, ctx := newTestRepo(t)
	contact := model.NewContact()

	mock.ExpectExec(`INSERT INTO "contacts" .*ON CONFLICT \("phone"\) DO UPDATE SET .*"name"="excluded"."name"`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, repo.SaveContact(ctx, *contact))
}
