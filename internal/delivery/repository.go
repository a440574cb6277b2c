package delivery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/courierd/courierd/internal/notification"
)

// ErrNotFound is returned when no delivery record matches the lookup.
var ErrNotFound = errors.New("delivery record not found")

// TerminalTTL is how long terminal records are kept before cleanup.
const TerminalTTL = 7 * 24 * time.Hour

// Repository stores delivery records and their attempt logs.
type Repository interface {
	// Create inserts a new record in StatusQueued.
	Create(ctx context.Context, rec *Record) error
	// Get returns one record with its attempts, newest attempt last.
	Get(ctx context.Context, id string) (*Record, error)
	// GetByNotification returns every record for one notification.
	GetByNotification(ctx context.Context, notificationID string) ([]*Record, error)
	// GetByProviderDeliveryID resolves a provider callback to a record.
	GetByProviderDeliveryID(ctx context.Context, providerID string) (*Record, error)
	// Lease moves the record from queued to sending. Returns false when
	// another worker already holds it or the record is past queued.
	Lease(ctx context.Context, id string) (bool, error)
	// AppendAttempt writes one attempt and the resulting record state in a
	// single transaction.
	AppendAttempt(ctx context.Context, id string, att Attempt, status Status, kind *notification.Kind, providerDeliveryID *string) error
	// MarkDelivered records provider-confirmed delivery.
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	// MarkRead records the recipient opening the notification.
	MarkRead(ctx context.Context, id string, at time.Time) error
	// ScheduleRetry returns the record to queued with a retry deadline.
	ScheduleRetry(ctx context.Context, id string, nextRetryAt time.Time) error
	// ListUnconfirmed returns sent records older than age that never
	// received a delivery confirmation, for provider status polling.
	ListUnconfirmed(ctx context.Context, age time.Duration, limit int) ([]*Record, error)
	// DeleteTerminal removes terminal records older than TerminalTTL.
	DeleteTerminal(ctx context.Context, now time.Time) (int64, error)
}

const recordColumns = `id, notification_id, user_id, channel, recipient_address, status,
		provider_delivery_id, failure_kind, next_retry_at, delivered_at, read_at, created_at, updated_at`

// PostgresRepository implements Repository backed by PostgreSQL.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a PostgreSQL-backed delivery store.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.Status = StatusQueued
	query := `
		INSERT INTO delivery_records (id, notification_id, user_id, channel, recipient_address, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())`
	_, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.NotificationID, rec.UserID, rec.Channel, rec.RecipientAddress, rec.Status)
	if err != nil {
		return fmt.Errorf("failed to create delivery record: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM delivery_records WHERE id = $1`
	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}
	rec.Attempts, err = r.attempts(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *PostgresRepository) GetByNotification(ctx context.Context, notificationID string) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM delivery_records WHERE notification_id = $1 ORDER BY created_at`
	return r.queryRecords(ctx, query, notificationID)
}

func (r *PostgresRepository) GetByProviderDeliveryID(ctx context.Context, providerID string) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM delivery_records WHERE provider_delivery_id = $1`
	return scanRecord(r.db.QueryRowContext(ctx, query, providerID))
}

// Lease is the compare-and-set that keeps two workers off one record.
func (r *PostgresRepository) Lease(ctx context.Context, id string) (bool, error) {
	query := `UPDATE delivery_records SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`
	res, err := r.db.ExecContext(ctx, query, StatusSending, id, StatusQueued)
	if err != nil {
		return false, fmt.Errorf("failed to lease delivery record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read lease result: %w", err)
	}
	return n == 1, nil
}

func (r *PostgresRepository) AppendAttempt(ctx context.Context, id string, att Attempt, status Status, kind *notification.Kind, providerDeliveryID *string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if att.ID == "" {
		att.ID = uuid.New().String()
	}
	if att.Timestamp.IsZero() {
		att.Timestamp = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO delivery_attempts (id, record_id, timestamp, status, error_message, response_code, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		att.ID, id, att.Timestamp, att.Status, att.ErrorMessage, att.ResponseCode, att.DurationMS)
	if err != nil {
		return fmt.Errorf("failed to append attempt: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE delivery_records
		SET status = $1, failure_kind = $2,
		    provider_delivery_id = COALESCE($3, provider_delivery_id),
		    updated_at = NOW()
		WHERE id = $4`,
		status, kind, providerDeliveryID, id)
	if err != nil {
		return fmt.Errorf("failed to update delivery record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (r *PostgresRepository) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE delivery_records SET status = $1, delivered_at = $2, updated_at = NOW() WHERE id = $3`
	return r.exec(ctx, query, StatusDelivered, at, id)
}

func (r *PostgresRepository) MarkRead(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE delivery_records SET status = $1, read_at = $2, updated_at = NOW() WHERE id = $3`
	return r.exec(ctx, query, StatusRead, at, id)
}

func (r *PostgresRepository) ScheduleRetry(ctx context.Context, id string, nextRetryAt time.Time) error {
	query := `UPDATE delivery_records SET status = $1, next_retry_at = $2, updated_at = NOW() WHERE id = $3`
	return r.exec(ctx, query, StatusQueued, nextRetryAt, id)
}

func (r *PostgresRepository) ListUnconfirmed(ctx context.Context, age time.Duration, limit int) ([]*Record, error) {
	query := `SELECT ` + recordColumns + `
		FROM delivery_records
		WHERE status = $1 AND provider_delivery_id IS NOT NULL AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3`
	return r.queryRecords(ctx, query, StatusSent, time.Now().UTC().Add(-age), limit)
}

// DeleteTerminal prunes terminal records past their retention window.
// Attempts go with them via ON DELETE CASCADE.
func (r *PostgresRepository) DeleteTerminal(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM delivery_records WHERE status = ANY($1) AND updated_at < $2`
	res, err := r.db.ExecContext(ctx, query,
		pqStatusArray(StatusDelivered, StatusRead, StatusFailed), now.Add(-TerminalTTL))
	if err != nil {
		return 0, fmt.Errorf("failed to prune delivery records: %w", err)
	}
	return res.RowsAffected()
}

func (r *PostgresRepository) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update delivery record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) queryRecords(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec := &Record{}
		if err := rows.Scan(&rec.ID, &rec.NotificationID, &rec.UserID, &rec.Channel, &rec.RecipientAddress,
			&rec.Status, &rec.ProviderDeliveryID, &rec.FailureKind, &rec.NextRetryAt,
			&rec.DeliveredAt, &rec.ReadAt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan delivery record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) attempts(ctx context.Context, recordID string) ([]Attempt, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, record_id, timestamp, status, error_message, response_code, duration_ms
		FROM delivery_attempts WHERE record_id = $1 ORDER BY timestamp`, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.ID, &a.RecordID, &a.Timestamp, &a.Status,
			&a.ErrorMessage, &a.ResponseCode, &a.DurationMS); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanRecord(row *sql.Row) (*Record, error) {
	rec := &Record{}
	err := row.Scan(&rec.ID, &rec.NotificationID, &rec.UserID, &rec.Channel, &rec.RecipientAddress,
		&rec.Status, &rec.ProviderDeliveryID, &rec.FailureKind, &rec.NextRetryAt,
		&rec.DeliveredAt, &rec.ReadAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan delivery record: %w", err)
	}
	return rec, nil
}

func pqStatusArray(statuses ...Status) any {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return pq.Array(out)
}
