package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrNotFound is returned when a notification does not exist.
var ErrNotFound = errors.New("notification not found")

// ErrConflict is returned on an idempotency conflict (duplicate id).
var ErrConflict = errors.New("notification already exists")

// ErrNotCancellable is returned when a cancel request arrives post-Sent.
var ErrNotCancellable = errors.New("notification is not cancellable")

// Repository is the persistent store for notification records.
type Repository interface {
	Create(ctx context.Context, n *Notification) error
	GetByID(ctx context.Context, id uuid.UUID) (*Notification, error)

	// MarkQueued moves Pending (or Failed-Retryable, after the retry
	// sweep) into Queued.
	MarkQueued(ctx context.Context, id uuid.UUID) error

	// ClaimForSending is the worker's CAS lease: it succeeds only when the
	// record is still Pending or Queued. A worker that loses the race gets
	// false and must abandon.
	ClaimForSending(ctx context.Context, id uuid.UUID) (bool, error)

	MarkSent(ctx context.Context, id uuid.UUID) error
	MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkRead(ctx context.Context, id uuid.UUID) error

	// ScheduleRetry records the retry decision: bumped retry count,
	// failure kind, and next_retry_at, status Failed-Retryable.
	ScheduleRetry(ctx context.Context, id uuid.UUID, retryCount int, nextRetryAt time.Time, kind Kind, lastError string) error

	MarkFailedFinal(ctx context.Context, id uuid.UUID, kind Kind, lastError string) error
	Cancel(ctx context.Context, id uuid.UUID, reason string) error

	// GetDueRetries returns Failed-Retryable records with
	// next_retry_at <= now, oldest first.
	GetDueRetries(ctx context.Context, now time.Time, limit int) ([]*Notification, error)

	// ExpireStale marks every non-terminal record older than cutoff as
	// Expired and returns the ids affected.
	ExpireStale(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)

	ListByUser(ctx context.Context, userID string, channel Channel, status Status, limit, offset int) ([]*Notification, error)

	// ListByStatus returns records in one status, oldest first, with an
	// optional channel filter. Feeds the failed-final replay command.
	ListByStatus(ctx context.Context, status Status, channel Channel, limit int) ([]*Notification, error)
}

// PostgresRepository implements Repository on PostgreSQL.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a Postgres-backed notification store.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const notificationColumns = `id, user_id, type, channel, priority, subject, content,
	template_name, variables, status, digest, retry_count, max_retries, failure_kind,
	last_error, cancel_reason, next_retry_at, scheduled_at, created_at, updated_at, delivered_at`

// Create inserts a new notification record. A duplicate id maps to
// ErrConflict so that re-admission of the same id is a no-op upstream.
func (r *PostgresRepository) Create(ctx context.Context, n *Notification) error {
	query := `
		INSERT INTO notifications (` + notificationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`
	_, err := r.db.ExecContext(ctx, query,
		n.ID, n.UserID, n.Type, n.Channel, int(n.Priority), n.Subject, n.Content,
		n.TemplateName, n.Variables, n.Status, n.Digest, n.RetryCount, n.MaxRetries, n.FailureKind,
		n.LastError, n.CancelReason, n.NextRetryAt, n.ScheduledAt, n.CreatedAt, n.UpdatedAt, n.DeliveredAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// GetByID retrieves a notification by its id.
func (r *PostgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Notification, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id)
	n, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	return n, nil
}

// MarkQueued transitions into Queued ahead of worker pickup.
func (r *PostgresRepository) MarkQueued(ctx context.Context, id uuid.UUID) error {
	return r.exec(ctx, `
		UPDATE notifications
		SET status = $2, next_retry_at = NULL, updated_at = $3
		WHERE id = $1 AND status IN ('pending', 'failed_retryable', 'queued')
	`, id, StatusQueued, time.Now())
}

// ClaimForSending is the CAS lease gate for workers.
func (r *PostgresRepository) ClaimForSending(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE notifications
		SET status = $2, updated_at = $3
		WHERE id = $1 AND status IN ('pending', 'queued')
	`, id, StatusSending, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to claim notification: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// MarkSent records provider ack; delivery is not yet confirmed.
func (r *PostgresRepository) MarkSent(ctx context.Context, id uuid.UUID) error {
	return r.exec(ctx, `
		UPDATE notifications SET status = $2, updated_at = $3
		WHERE id = $1 AND status = 'sending'
	`, id, StatusSent, time.Now())
}

// MarkDelivered records a confirmed delivery receipt.
func (r *PostgresRepository) MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.exec(ctx, `
		UPDATE notifications SET status = $2, delivered_at = $3, updated_at = $4
		WHERE id = $1 AND status IN ('sending', 'sent')
	`, id, StatusDelivered, at, time.Now())
}

// MarkRead records a recipient read event.
func (r *PostgresRepository) MarkRead(ctx context.Context, id uuid.UUID) error {
	return r.exec(ctx, `
		UPDATE notifications SET status = $2, updated_at = $3
		WHERE id = $1 AND status = 'delivered'
	`, id, StatusRead, time.Now())
}

// ScheduleRetry records a retryable failure and its backoff deadline.
func (r *PostgresRepository) ScheduleRetry(ctx context.Context, id uuid.UUID, retryCount int, nextRetryAt time.Time, kind Kind, lastError string) error {
	return r.exec(ctx, `
		UPDATE notifications
		SET status = $2, retry_count = $3, next_retry_at = $4, failure_kind = $5,
			last_error = $6, updated_at = $7
		WHERE id = $1
	`, id, StatusFailedRetryable, retryCount, nextRetryAt, kind, lastError, time.Now())
}

// MarkFailedFinal terminates the record with a failure kind for diagnosis.
func (r *PostgresRepository) MarkFailedFinal(ctx context.Context, id uuid.UUID, kind Kind, lastError string) error {
	return r.exec(ctx, `
		UPDATE notifications
		SET status = $2, failure_kind = $3, last_error = $4, next_retry_at = NULL, updated_at = $5
		WHERE id = $1
	`, id, StatusFailedFinal, kind, lastError, time.Now())
}

// Cancel terminates a Pending or Queued record. Post-Sent cancellation
// returns ErrNotCancellable.
func (r *PostgresRepository) Cancel(ctx context.Context, id uuid.UUID, reason string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE notifications
		SET status = $2, cancel_reason = $3, updated_at = $4
		WHERE id = $1 AND status IN ('pending', 'queued')
	`, id, StatusCancelled, reason, time.Now())
	if err != nil {
		return fmt.Errorf("failed to cancel notification: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return getErr
		}
		return ErrNotCancellable
	}
	return nil
}

// GetDueRetries returns records whose backoff deadline has passed.
func (r *PostgresRepository) GetDueRetries(ctx context.Context, now time.Time, limit int) ([]*Notification, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE status = 'failed_retryable' AND next_retry_at <= $1
		ORDER BY next_retry_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get due retries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanNotifications(rows)
}

// ExpireStale terminates non-terminal records older than cutoff.
func (r *PostgresRepository) ExpireStale(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE notifications
		SET status = $1, updated_at = $2
		WHERE status IN ('pending', 'queued', 'sending', 'sent', 'failed_retryable')
			AND created_at < $3
		RETURNING id
	`, StatusExpired, time.Now(), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to expire stale notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating expired rows: %w", err)
	}
	return ids, nil
}

// ListByUser returns a user's notifications, newest first. Channel and
// status filters are optional (zero value skips them).
func (r *PostgresRepository) ListByUser(ctx context.Context, userID string, channel Channel, status Status, limit, offset int) ([]*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE user_id = $1`
	args := []any{userID}
	argIdx := 2

	if channel != "" {
		query += fmt.Sprintf(" AND channel = $%d", argIdx)
		args = append(args, channel)
		argIdx++
	}
	if status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, status)
		argIdx++
	}

	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanNotifications(rows)
}

// ListByStatus returns records in one status, oldest first.
func (r *PostgresRepository) ListByStatus(ctx context.Context, status Status, channel Channel, limit int) ([]*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE status = $1`
	args := []any{status}
	if channel != "" {
		query += ` AND channel = $2`
		args = append(args, channel)
	}
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" ORDER BY created_at ASC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications by status: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanNotifications(rows)
}

func (r *PostgresRepository) exec(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update notification: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (*Notification, error) {
	var n Notification
	var priority int
	var kind sql.NullString
	err := row.Scan(
		&n.ID, &n.UserID, &n.Type, &n.Channel, &priority, &n.Subject, &n.Content,
		&n.TemplateName, &n.Variables, &n.Status, &n.Digest, &n.RetryCount, &n.MaxRetries, &kind,
		&n.LastError, &n.CancelReason, &n.NextRetryAt, &n.ScheduledAt, &n.CreatedAt, &n.UpdatedAt, &n.DeliveredAt,
	)
	if err != nil {
		return nil, err
	}
	n.Priority = Priority(priority)
	if kind.Valid {
		k := Kind(kind.String)
		n.FailureKind = &k
	}
	return &n, nil
}

func scanNotifications(rows *sql.Rows) ([]*Notification, error) {
	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// isUniqueViolation checks for PostgreSQL error code 23505.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
