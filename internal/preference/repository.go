package preference

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/courierd/courierd/internal/notification"
)

// ErrNotFound is returned when no preference record exists for the triple.
var ErrNotFound = errors.New("preference not found")

// Repository is the persistent preference store.
type Repository interface {
	// Get returns the preference for (user, type, channel) or ErrNotFound.
	Get(ctx context.Context, userID string, t notification.Type, c notification.Channel) (*Preference, error)

	// Upsert writes the preference, replacing any existing row for the
	// same triple.
	Upsert(ctx context.Context, p Preference) error

	// ListByUser returns every preference row for a user.
	ListByUser(ctx context.Context, userID string) ([]Preference, error)

	// InitDefaults seeds the default matrix for a new user, skipping
	// triples that already exist. Returns the number of rows created.
	InitDefaults(ctx context.Context, userID string) (int, error)
}

// PostgresRepository implements Repository on PostgreSQL.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a Postgres-backed preference store.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const preferenceColumns = `user_id, type, channel, enabled, frequency, quiet_start, quiet_end, timezone, updated_at`

// Get returns one preference row.
func (r *PostgresRepository) Get(ctx context.Context, userID string, t notification.Type, c notification.Channel) (*Preference, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+preferenceColumns+`
		FROM user_preferences
		WHERE user_id = $1 AND type = $2 AND channel = $3
	`, userID, t, c)

	var p Preference
	err := row.Scan(&p.UserID, &p.Type, &p.Channel, &p.Enabled, &p.Frequency,
		&p.QuietStart, &p.QuietEnd, &p.Timezone, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get preference: %w", err)
	}
	return &p, nil
}

// Upsert writes a preference using the unique (user_id, type, channel) key.
func (r *PostgresRepository) Upsert(ctx context.Context, p Preference) error {
	if !p.Frequency.Valid() {
		return fmt.Errorf("invalid frequency %q", p.Frequency)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_preferences (`+preferenceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, type, channel) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			frequency = EXCLUDED.frequency,
			quiet_start = EXCLUDED.quiet_start,
			quiet_end = EXCLUDED.quiet_end,
			timezone = EXCLUDED.timezone,
			updated_at = EXCLUDED.updated_at
	`, p.UserID, p.Type, p.Channel, p.Enabled, p.Frequency,
		p.QuietStart, p.QuietEnd, p.Timezone, time.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert preference: %w", err)
	}
	return nil
}

// ListByUser returns every preference row for a user.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID string) ([]Preference, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+preferenceColumns+`
		FROM user_preferences
		WHERE user_id = $1
		ORDER BY type, channel
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list preferences: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Preference
	for rows.Next() {
		var p Preference
		if err := rows.Scan(&p.UserID, &p.Type, &p.Channel, &p.Enabled, &p.Frequency,
			&p.QuietStart, &p.QuietEnd, &p.Timezone, &p.UpdatedAt); err != nil {
			continue
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating preference rows: %w", err)
	}
	return out, nil
}

// InitDefaults seeds the default preference matrix for a new user.
func (r *PostgresRepository) InitDefaults(ctx context.Context, userID string) (int, error) {
	created := 0
	types := []notification.Type{
		notification.TypeWelcome, notification.TypeMessage, notification.TypeSecurity,
		notification.TypeAlert, notification.TypeReminder, notification.TypeMarketing,
		notification.TypeSystem,
	}
	for _, t := range types {
		for _, c := range notification.Channels {
			p := Default(userID, t, c)
			result, err := r.db.ExecContext(ctx, `
				INSERT INTO user_preferences (`+preferenceColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				ON CONFLICT (user_id, type, channel) DO NOTHING
			`, p.UserID, p.Type, p.Channel, p.Enabled, p.Frequency,
				p.QuietStart, p.QuietEnd, p.Timezone, time.Now())
			if err != nil {
				return created, fmt.Errorf("failed to seed preference: %w", err)
			}
			if n, err := result.RowsAffected(); err == nil && n > 0 {
				created++
			}
		}
	}
	return created, nil
}
