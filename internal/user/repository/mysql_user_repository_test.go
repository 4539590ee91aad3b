package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/allisson/gatekeeper/internal/errors"
	"github.com/allisson/gatekeeper/internal/user/domain"
)

func mustBinary(t *testing.T, id uuid.UUID) []byte {
	t.Helper()
	b, err := id.MarshalBinary()
	require.NoError(t, err)
	return b
}

func TestMySQLUserRepository_GetByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewMySQLUserRepository(db)
	id := uuid.Must(uuid.NewV7())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(userColumns()).AddRow(
		mustBinary(t, id), "john@example.com", false, "member", 0, nil,
		int64(0), int64(0), int64(0), false,
		false, nil, int64(0), int64(0),
		[]byte(`{}`), []byte(`{}`), []byte(`{}`), now, now,
	)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE id = ?`)).
		WithArgs(mustBinary(t, id)).
		WillReturnRows(rows)

	user, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, user.ID)
	assert.True(t, user.LastComputedTrust.IsZero())
	assert.Nil(t, user.Timeout)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLUserRepository_GetByEmail_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewMySQLUserRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE email = ?`)).
		WithArgs("nobody@example.com").
		WillReturnRows(sqlmock.NewRows(userColumns()))

	user, err := repo.GetByEmail(context.Background(), "nobody@example.com")
	assert.Nil(t, user)
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLUserRepository_Create_Duplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewMySQLUserRepository(db)
	user := &domain.User{
		ID:    uuid.Must(uuid.NewV7()),
		Email: "john@example.com",
		Role:  "member",
	}

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO users`)).
		WillReturnError(apperrors.New("Error 1062: Duplicate entry 'john@example.com' for key 'users.email'"))

	err = repo.Create(context.Background(), user)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLUserRepository_SaveTimeout(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewMySQLUserRepository(db)
	id := uuid.Must(uuid.NewV7())
	until := time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE users SET timeout_until = ?, timeout_count = ?`)).
		WithArgs(until, int64(1), mustBinary(t, id)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, repo.SaveTimeout(context.Background(), id, until, 1))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLUserRepository_AdjustItemCount(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewMySQLUserRepository(db)
	id := uuid.Must(uuid.NewV7())

	mock.ExpectExec(regexp.QuoteMeta(`SET item_counts = JSON_SET(`)).
		WithArgs("articles", "articles", int64(-1), mustBinary(t, id)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, repo.AdjustItemCount(context.Background(), id, "articles", -1))
	assert.NoError(t, mock.ExpectationsWereMet())
}
