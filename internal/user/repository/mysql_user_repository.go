package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/allisson/gatekeeper/internal/user/domain"

	apperrors "github.com/allisson/gatekeeper/internal/errors"
)

// MySQLUserRepository handles user persistence for MySQL
type MySQLUserRepository struct {
	db *sql.DB
}

// NewMySQLUserRepository creates a new MySQLUserRepository
func NewMySQLUserRepository(db *sql.DB) *MySQLUserRepository {
	return &MySQLUserRepository{
		db: db,
	}
}

const mysqlUserColumns = `id, email, email_verified, role, trust, last_computed_trust,
	incident_count, error_count, high_traffic_count, captcha_requested, did_captcha,
	timeout_until, timeout_count, token_version, item_counts, command_uses,
	last_command_calls, created_at, updated_at`

// Create inserts a new user
func (r *MySQLUserRepository) Create(ctx context.Context, user *domain.User) error {
	itemCounts, commandUses, lastCalls, err := marshalCounters(user)
	if err != nil {
		return err
	}

	// Convert UUID to bytes for MySQL BINARY(16)
	uuidBytes, err := user.ID.MarshalBinary()
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal UUID")
	}

	query := `INSERT INTO users (` + mysqlUserColumns + `)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NOW(), NOW())`

	_, err = r.db.ExecContext(ctx, query,
		uuidBytes, user.Email, user.EmailVerified, user.Role, user.Trust,
		nullTime(user.LastComputedTrust), user.IncidentCount, user.ErrorCount,
		user.HighTrafficCount, user.CaptchaRequested, user.DidCaptcha,
		user.Timeout, user.TimeoutCount, user.TokenVersion,
		itemCounts, commandUses, lastCalls,
	)
	if err != nil {
		// Check for unique constraint violation (duplicate email)
		if isMySQLUniqueViolation(err) {
			return apperrors.Wrap(apperrors.ErrConflict, "user already exists")
		}
		return apperrors.Wrap(err, "failed to create user")
	}
	return nil
}

// GetByID retrieves a user by ID
func (r *MySQLUserRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	uuidBytes, err := id.MarshalBinary()
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to marshal UUID")
	}

	query := `SELECT ` + mysqlUserColumns + ` FROM users WHERE id = ?`
	return scanMySQLUser(r.db.QueryRowContext(ctx, query, uuidBytes))
}

// GetByEmail retrieves a user by email
func (r *MySQLUserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	query := `SELECT ` + mysqlUserColumns + ` FROM users WHERE email = ?`
	return scanMySQLUser(r.db.QueryRowContext(ctx, query, email))
}

// SaveTrust stores a freshly computed trust score and its computation time.
func (r *MySQLUserRepository) SaveTrust(ctx context.Context, id uuid.UUID, trust int, computedAt time.Time) error {
	query := `UPDATE users SET trust = ?, last_computed_trust = ?, updated_at = NOW() WHERE id = ?`
	return r.execByID(ctx, query, "failed to save trust", id, trust, computedAt)
}

// SetCaptchaRequested flags (or clears) a pending captcha.
func (r *MySQLUserRepository) SetCaptchaRequested(ctx context.Context, id uuid.UUID, requested bool) error {
	query := `UPDATE users SET captcha_requested = ?, updated_at = NOW() WHERE id = ?`
	return r.execByID(ctx, query, "failed to set captcha requested", id, requested)
}

// SetDidCaptcha records a resolved captcha and clears the pending flag.
func (r *MySQLUserRepository) SetDidCaptcha(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE users SET did_captcha = TRUE, captcha_requested = FALSE, updated_at = NOW() WHERE id = ?`
	return r.execByID(ctx, query, "failed to set did captcha", id)
}

// SaveTimeout stores an account lockout and its escalation counter.
func (r *MySQLUserRepository) SaveTimeout(ctx context.Context, id uuid.UUID, timeout time.Time, timeoutCount int64) error {
	query := `UPDATE users SET timeout_until = ?, timeout_count = ?, updated_at = NOW() WHERE id = ?`
	return r.execByID(ctx, query, "failed to save timeout", id, timeout, timeoutCount)
}

// AddHighTrafficCount adds a traffic penalty to the lifetime counter.
func (r *MySQLUserRepository) AddHighTrafficCount(ctx context.Context, id uuid.UUID, delta int64) error {
	query := `UPDATE users SET high_traffic_count = high_traffic_count + ?, updated_at = NOW() WHERE id = ?`
	return r.execByID(ctx, query, "failed to add high traffic count", id, delta)
}

// AddIncidentCount adds to the lifetime incident counter.
func (r *MySQLUserRepository) AddIncidentCount(ctx context.Context, id uuid.UUID, delta int64) error {
	query := `UPDATE users SET incident_count = incident_count + ?, updated_at = NOW() WHERE id = ?`
	return r.execByID(ctx, query, "failed to add incident count", id, delta)
}

// AddErrorCount adds to the lifetime error counter.
func (r *MySQLUserRepository) AddErrorCount(ctx context.Context, id uuid.UUID, delta int64) error {
	query := `UPDATE users SET error_count = error_count + ?, updated_at = NOW() WHERE id = ?`
	return r.execByID(ctx, query, "failed to add error count", id, delta)
}

// AdjustItemCount moves the per-resource created-item counter by delta,
// updating the JSON column in place.
func (r *MySQLUserRepository) AdjustItemCount(ctx context.Context, id uuid.UUID, resource string, delta int64) error {
	query := `UPDATE users
			  SET item_counts = JSON_SET(
				  COALESCE(item_counts, '{}'),
				  CONCAT('$.', JSON_QUOTE(?)),
				  GREATEST(COALESCE(JSON_EXTRACT(item_counts, CONCAT('$.', JSON_QUOTE(?))), 0) + ?, 0)
			  ),
			  updated_at = NOW()
			  WHERE id = ?`
	uuidBytes, err := id.MarshalBinary()
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal UUID")
	}
	return r.exec(ctx, query, "failed to adjust item count", resource, resource, delta, uuidBytes)
}

// RecordCommandUse bumps the per-command usage counter and stamps the last
// invocation time used by cooldowns.
func (r *MySQLUserRepository) RecordCommandUse(ctx context.Context, id uuid.UUID, command string, at time.Time) error {
	query := `UPDATE users
			  SET command_uses = JSON_SET(
				  COALESCE(command_uses, '{}'),
				  CONCAT('$.', JSON_QUOTE(?)),
				  COALESCE(JSON_EXTRACT(command_uses, CONCAT('$.', JSON_QUOTE(?))), 0) + 1
			  ),
			  last_command_calls = JSON_SET(
				  COALESCE(last_command_calls, '{}'),
				  CONCAT('$.', JSON_QUOTE(?)),
				  ?
			  ),
			  updated_at = NOW()
			  WHERE id = ?`
	uuidBytes, err := id.MarshalBinary()
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal UUID")
	}
	return r.exec(ctx, query, "failed to record command use",
		command, command, command, at.UTC().Format(time.RFC3339Nano), uuidBytes)
}

// BumpTokenVersion advances the revocation counter, invalidating every token
// minted before the bump.
func (r *MySQLUserRepository) BumpTokenVersion(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE users SET token_version = token_version + 1, updated_at = NOW() WHERE id = ?`
	return r.execByID(ctx, query, "failed to bump token version", id)
}

// execByID runs an update whose last parameter is the user ID.
func (r *MySQLUserRepository) execByID(ctx context.Context, query, failMsg string, id uuid.UUID, args ...any) error {
	uuidBytes, err := id.MarshalBinary()
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal UUID")
	}
	return r.exec(ctx, query, failMsg, append(args, uuidBytes)...)
}

func (r *MySQLUserRepository) exec(ctx context.Context, query, failMsg string, args ...any) error {
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

// scanMySQLUser reads one user row, converting the BINARY(16) ID and
// decoding the JSON counter columns.
func scanMySQLUser(row *sql.Row) (*domain.User, error) {
	var user domain.User
	var uuidBytes []byte
	var lastComputedTrust sql.NullTime
	var timeout sql.NullTime
	var itemCounts, commandUses, lastCalls []byte

	err := row.Scan(
		&uuidBytes, &user.Email, &user.EmailVerified, &user.Role, &user.Trust,
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

	if err := user.ID.UnmarshalBinary(uuidBytes); err != nil {
		return nil, apperrors.Wrap(err, "failed to unmarshal UUID")
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

// isMySQLUniqueViolation checks if the error is a MySQL unique constraint violation
func isMySQLUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	errMsg := strings.ToLower(err.Error())
	// MySQL: "Error 1062: Duplicate entry" or "duplicate entry"
	return strings.Contains(errMsg, "duplicate entry") || strings.Contains(errMsg, "error 1062")
}
