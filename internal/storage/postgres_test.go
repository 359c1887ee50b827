package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/logger"
)

// Queries are matched with sqlmock.QueryMatcherRegexp. gorm adds ORDER BY and LIMIT
// clauses whose exact rendering varies between versions, so patterns pin only the
// parts each test cares about.

// AnyTime matches any time.Time argument.
type AnyTime struct{}

func (a AnyTime) Match(v driver.Value) bool {
	_, ok := v.(time.Time)
	return ok
}

// AnyJSON matches serialized JSON columns, including NULL.
type AnyJSON struct{}

func (a AnyJSON) Match(v driver.Value) bool {
	switch v.(type) {
	case []byte, string, nil:
		return true
	default:
		return false
	}
}

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 db,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormLogger.Default.LogMode(gormLogger.Silent),
	})
	require.NoError(t, err)
	teardown := func() {
		assert.NoError(t, mock.ExpectationsWereMet())
	}

	return gormDB, mock, teardown
}

// newTestRepo returns a repo over a mocked connection with the test logger installed.
func newTestRepo(t *testing.T) (*PostgresRepo, sqlmock.Sqlmock, context.Context) {
	gormDB, mock, teardown := newMockDB(t)
	t.Cleanup(teardown)

	prev := logger.Log
	logger.Log = zaptest.NewLogger(t)
	t.Cleanup(func() { logger.Log = prev })

	return &PostgresRepo{db: gormDB, companyID: "company-test"}, mock, context.Background()
}

func TestIsTransientError(t *testing.T) {
	transient := []error{
		context.DeadlineExceeded,
		fmt.Errorf("insert message: %w", context.DeadlineExceeded),
		&pgconn.PgError{Code: "08000"},
		&pgconn.PgError{Code: "53100"},
		&pgconn.PgError{Code: "40P01"},
		&pgconn.PgError{Code: "40001"},
		errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"),
		errors.New("read tcp 10.0.0.1:1234->10.0.0.2:5432: i/o timeout"),
		errors.New("write: broken pipe"),
		errors.New("pq: the database system is starting up"),
	}
	for _, err := range transient {
		assert.Truef(t, isTransientError(err), "%v should be transient", err)
	}

	permanent := []error{
		nil,
		gorm.ErrRecordNotFound,
		gorm.ErrInvalidTransaction,
		&pgconn.PgError{Code: "42601"},
		errors.New("column \"sentiment\" does not exist"),
	}
	for _, err := range permanent {
		assert.Falsef(t, isTransientError(err), "%v should not be transient", err)
	}
}

func TestPostgresRepo_Close(t *testing.T) {
	gormDB, mock, teardown := newMockDB(t)
	t.Cleanup(teardown)
	repo := &PostgresRepo{db: gormDB}

	mock.ExpectClose().WillReturnError(errors.New("db close error"))

	err := repo.Close(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to close SQL DB")
	assert.Contains(t, err.Error(), "db close error")
}

func TestCheckConstraintViolation(t *testing.T) {
	assert.NoError(t, checkConstraintViolation(nil))

	uniqueDedup := &pgconn.PgError{Code: "23505", ConstraintName: "idx_messages_dedup"}
	tests := []struct {
		in       error
		sentinel error
		fragment string
	}{
		{gorm.ErrRecordNotFound, apperrors.ErrNotFound, "record not found"},
		{fmt.Errorf("find conversation: %w", gorm.ErrRecordNotFound), apperrors.ErrNotFound, "record not found"},
		{gorm.ErrDuplicatedKey, apperrors.ErrDuplicate, "duplicated key"},
		{uniqueDedup, apperrors.ErrDuplicate, "idx_messages_dedup"},
		{fmt.Errorf("insert message: %w", uniqueDedup), apperrors.ErrDuplicate, "idx_messages_dedup"},
		{&pgconn.PgError{Code: "23503", ConstraintName: "fk_conversations_contact"}, apperrors.ErrBadRequest, "fk_conversations_contact"},
		{&pgconn.PgError{Code: "23502", ColumnName: "phone"}, apperrors.ErrBadRequest, "phone"},
		{&pgconn.PgError{Code: "23514", ConstraintName: "rules_ordinal_check"}, apperrors.ErrBadRequest, "rules_ordinal_check"},
		{&pgconn.PgError{Code: "22001", ColumnName: "title"}, apperrors.ErrBadRequest, "title"},
		{&pgconn.PgError{Code: "22P02", DataTypeName: "integer"}, apperrors.ErrBadRequest, "integer"},
		{&pgconn.PgError{Code: "40P01"}, apperrors.ErrDatabase, "40P01"},
		{&pgconn.PgError{Code: "53200"}, apperrors.ErrDatabase, "53200"},
		{&pgconn.PgError{Code: "08003"}, apperrors.ErrDatabase, "08003"},
		{&pgconn.PgError{Code: "XX000"}, apperrors.ErrDatabase, "XX000"},
		{errors.New("some generic DB error"), apperrors.ErrDatabase, "some generic DB error"},
	}
	for _, tt := range tests {
		out := checkConstraintViolation(tt.in)
		assert.ErrorIsf(t, out, tt.sentinel, "mapping %v", tt.in)
		assert.ErrorIsf(t, out, tt.in, "original of %v kept", tt.in)
		assert.ErrorContains(t, out, tt.fragment)
	}
}

func TestTenantNamer_TableName(t *testing.T) {
	namer := tenantNamer{schemaName: SchemaName("acme")}
	assert.Equal(t, `"daisi_acme".contacts`, namer.TableName("contacts"))

	var _ schema.Namer = namer
}

func TestRetryableOperation(t *testing.T) {
	ctx := context.Background()

	t.Run("Permanent error is not retried", func(t *testing.T) {
		calls := 0
		err := retryableOperation(ctx, newRetryPolicy(ctx, time.Second), "test", func() error {
			calls++
			return apperrors.ErrDedupConflict
		})
		assert.ErrorIs(t, err, apperrors.ErrDedupConflict)
		assert.Equal(t, 1, calls)
	})

	t.Run("Transient error is retried until success", func(t *testing.T) {
		calls := 0
		err := retryableOperation(ctx, newRetryPolicy(ctx, 5*time.Second), "test", func() error {
			calls++
			if calls < 3 {
				return &pgconn.PgError{Code: "08006"}
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("Unknown error is permanent", func(t *testing.T) {
		calls := 0
		err := retryableOperation(ctx, newRetryPolicy(ctx, time.Second), "test", func() error {
			calls++
			return errors.New("syntax error")
		})
		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}
