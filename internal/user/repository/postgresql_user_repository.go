// Package repository provides data persistence implementations for user entities.
//
// The admission pipeline writes counters through narrow single-column
// updates rather than whole-row saves: writes arrive asynchronously and
// last-write-wins per column is acceptable, while whole-row saves would
// clobber concurrent counter updates.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/allisson/gatekeeper/internal/user/domain"

	apperrors "github.com/allisson/gatekeeper/internal/errors"
)

// PostgreSQLUserRepository handles user persistence for PostgreSQL
type PostgreSQLUserRepository struct {
	db *sql.DB
}

// NewPostgreSQLUserRepository creates a new PostgreSQLUserRepository
func NewPostgreSQLUserRepository(db *sql.DB) *PostgreSQLUserRepository {
	return &PostgreSQLUserRepository{
		db: db,
	}
}

const postgresUserColumns = `id, email, email_verified, role, trust, last_computed_trust,
	incident_count, error_count, high_traffic_count, captcha_requested, did_captcha,
	timeout_until, timeout_count, token_version, item_counts, command_uses,
	last_command_calls, created_at, updated_at`

// Create inserts a new user
func (r *PostgreSQLUserRepository) Create(ctx context.Context, user *domain.User) error {
	itemCounts, commandUses, lastCalls, err := marshalCounters(user)
	if err != nil {
		return err
	}

	query := `INSERT INTO users (` + postgresUserColumns + `)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NOW(), NOW())`

	_, err = r.db.ExecContext(ctx, query,
		user.ID, user.Email, user.EmailVerified, user.Role, user.Trust,
		nullTime(user.LastComputedTrust), user.IncidentCount, user.ErrorCount,
		user.HighTrafficCount, user.CaptchaRequested, user.DidCaptcha,
		user.Timeout, user.TimeoutCount, user.TokenVersion,
		itemCounts, commandUses, lastCalls,
	)
	if err != nil {
		// Check for unique constraint violation (duplicate email)
		if isPostgreSQLUniqueViolation(err) {
			return apperrors.Wrap(apperrors.ErrConflict, "user already exists")
		}
		return apperrors.Wrap(err, "failed to create user")
	}
	return nil
}

// GetByID retrieves a user by ID
func (r *PostgreSQLUserRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	query := `SELECT ` + postgresUserColumns + ` FROM users WHERE id = $1`
	return scanUser(r.db.QueryRowContext(ctx, query, id))
}

// GetByEmail retrieves a user by email
func (r *PostgreSQLUserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	query := `SELECT ` + postgresUserColumns + ` FROM users WHERE email = $1`
	return scanUser(r.db.QueryRowContext(ctx, query, email))
}

// SaveTrust stores a freshly computed trust score and its computation time.
func (r *PostgreSQLUserRepository) SaveTrust(ctx context.Context, id uuid.UUID, trust int, computedAt time.Time) error {
	query := `UPDATE users SET trust = $2, last_computed_trust = $3, updated_at = NOW() WHERE id = $1`
	return r.exec(ctx, query, "failed to save trust", id, trust, computedAt)
}

// SetCaptchaRequested flags (or clears) a pending captcha.
func (r *PostgreSQLUserRepository) SetCaptchaRequested(ctx context.Context, id uuid.UUID, requested bool) error {
	query := `UPDATE users SET captcha_requested = $2, updated_at = NOW() WHERE id = $1`
	return r.exec(ctx, query, "failed to set captcha requested", id, requested)
}

// SetDidCaptcha records a resolved captcha and clears the pending flag.
func (r *PostgreSQLUserRepository) SetDidCaptcha(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE users SET did_captcha = TRUE, captcha_requested = FALSE, updated_at = NOW() WHERE id = $1`
	return r.exec(ctx, query, "failed to set did captcha", id)
}

// SaveTimeout stores an account lockout and its escalation counter.
func (r *PostgreSQLUserRepository) SaveTimeout(ctx context.Context, id uuid.UUID, timeout time.Time, timeoutCount int64) error {
	query := `UPDATE users SET timeout_until = $2, timeout_count = $3, updated_at = NOW() WHERE id = $1`
	return r.exec(ctx, query, "failed to save timeout", id, timeout, timeoutCount)
}

// AddHighTrafficCount adds a traffic penalty to the lifetime counter.
func (r *PostgreSQLUserRepository) AddHighTrafficCount(ctx context.Context, id uuid.UUID, delta int64) error {
	query := `UPDATE users SET high_traffic_count = high_traffic_count + $2, updated_at = NOW() WHERE id = $1`
	return r.exec(ctx, query, "failed to add high traffic count", id, delta)
}

// AddIncidentCount adds to the lifetime incident counter.
func (r *PostgreSQLUserRepository) AddIncidentCount(ctx context.Context, id uuid.UUID, delta int64) error {
	query := `UPDATE users SET incident_count = incident_count + $2, updated_at = NOW() WHERE id = $1`
	return r.exec(ctx, query, "failed to add incident count", id, delta)
}

// AddErrorCount adds to the lifetime error counter.
func (r *PostgreSQLUserRepository) AddErrorCount(ctx context.Context, id uuid.UUID, delta int64) error {
	query := `UPDATE users SET error_count = error_count + $2, updated_at = NOW() WHERE id = $1`
	return r.exec(ctx, query, "failed to add error count", id, delta)
}

// AdjustItemCount moves the per-resource created-item counter by delta,
// updating the JSON column in place so concurrent writers do not clobber
// other resources' counts.
func (r *PostgreSQLUserRepository) AdjustItemCount(ctx context.Context, id uuid.UUID, resource string, delta int64) error {
	query := `UPDATE users
			  SET item_counts = jsonb_set(
				  COALESCE(item_counts, '{}'::jsonb),
				  ARRAY[$2],
				  to_jsonb(GREATEST(COALESCE((item_counts->>$2)::bigint, 0) + $3, 0))
			  ),
			  updated_at = NOW()
			  WHERE id = $1`
	return r.exec(ctx, query, "failed to adjust item count", id, resource, delta)
}

// RecordCommandUse bumps the per-command usage counter and stamps the last
// invocation time used by cooldowns.
func (r *PostgreSQLUserRepository) RecordCommandUse(ctx context.Context, id uuid.UUID, command string, at time.Time) error {
	query := `UPDATE users
			  SET command_uses = jsonb_set(
				  COALESCE(command_uses, '{}'::jsonb),
				  ARRAY[$2],
				  to_jsonb(COALESCE((command_uses->>$2)::bigint, 0) + 1)
			  ),
			  last_command_calls = jsonb_set(
				  COALESCE(last_command_calls, '{}'::jsonb),
				  ARRAY[$2],
				  to_jsonb($3::timestamptz)
			  ),
			  updated_at = NOW()
			  WHERE id = $1`
	return r.exec(ctx, query, "failed to record command use", id, command, at)
}

// BumpTokenVersion advances the revocation counter, invalidating every token
// minted before the bump.
func (r *PostgreSQLUserRepository) BumpTokenVersion(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE users SET token_version = token_version + 1, updated_at = NOW() WHERE id = $1`
	return r.exec(ctx, query, "failed to bump token version", id)
}

func (r *PostgreSQLUserRepository) exec(ctx context.Context, query, failMsg string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return apperrors.Wrap(err, failMsg)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return apperrors.Wrap(err, failMsg)
	}
	if rows == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

// scanUser reads one user row, decoding the JSON counter columns.
func scanUser(row *sql.Row) (*domain.User, error) {
	var user domain.User
	var lastComputedTrust sql.NullTime
	var timeout sql.NullTime
	var itemCounts, commandUses, lastCalls []byte

	err := row.Scan(
		&user.ID, &user.Email, &user.EmailVerified, &user.Role, &user.Trust,
		&lastComputedTrust, &user.IncidentCount, &user.ErrorCount,
		&user.HighTrafficCount, &user.CaptchaRequested, &user.DidCaptcha,
		&timeout, &user.TimeoutCount, &user.TokenVersion,
		&itemCounts, &commandUses, &lastCalls,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, apperrors.Wrap(err, "failed to get user")
	}

	if lastComputedTrust.Valid {
		user.LastComputedTrust = lastComputedTrust.Time
	}
	if timeout.Valid {
		user.Timeout = &timeout.Time
	}
	if err := unmarshalCounters(&user, itemCounts, commandUses, lastCalls); err != nil {
		return nil, err
	}
	return &user, nil
}

func marshalCounters(user *domain.User) (itemCounts, commandUses, lastCalls []byte, err error) {
	itemCounts, err = json.Marshal(orEmptyCounts(user.ItemCounts))
	if err != nil {
		return nil, nil, nil, apperrors.Wrap(err, "failed to marshal item counts")
	}
	commandUses, err = json.Marshal(orEmptyCounts(user.CommandUses))
	if err != nil {
		return nil, nil, nil, apperrors.Wrap(err, "failed to marshal command uses")
	}
	calls := user.LastCommandCall
	if calls == nil {
		calls = map[string]time.Time{}
	}
	lastCalls, err = json.Marshal(calls)
	if err != nil {
		return nil, nil, nil, apperrors.Wrap(err, "failed to marshal last command calls")
	}
	return itemCounts, commandUses, lastCalls, nil
}

func unmarshalCounters(user *domain.User, itemCounts, commandUses, lastCalls []byte) error {
	if len(itemCounts) > 0 {
		if err := json.Unmarshal(itemCounts, &user.ItemCounts); err != nil {
			return apperrors.Wrap(err, "failed to unmarshal item counts")
		}
	}
	if len(commandUses) > 0 {
		if err := json.Unmarshal(commandUses, &user.CommandUses); err != nil {
			return apperrors.Wrap(err, "failed to unmarshal command uses")
		}
	}
	if len(lastCalls) > 0 {
		if err := json.Unmarshal(lastCalls, &user.LastCommandCall); err != nil {
			return apperrors.Wrap(err, "failed to unmarshal last command calls")
		}
	}
	return nil
}

func orEmptyCounts(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// isPostgreSQLUniqueViolation checks if the error is a PostgreSQL unique constraint violation
func isPostgreSQLUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	errMsg := strings.ToLower(err.Error())
	// PostgreSQL: "duplicate key value violates unique constraint" or "pq: duplicate key"
	return strings.Contains(errMsg, "duplicate key") || strings.Contains(errMsg, "unique constraint")
}
