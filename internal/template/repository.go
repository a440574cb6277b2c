package template

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/courierd/courierd/internal/notification"
)

var (
	// ErrNotFound is returned when no template matches the lookup.
	ErrNotFound = errors.New("template not found")
	// ErrConflict is returned when a version already exists.
	ErrConflict = errors.New("template version already exists")
)

// Repository stores versioned templates.
type Repository interface {
	// GetActive returns the active template for (type, channel).
	GetActive(ctx context.Context, t notification.Type, c notification.Channel) (*Template, error)
	// GetActiveByName returns the active version of a named template.
	GetActiveByName(ctx context.Context, name string) (*Template, error)
	// Get returns one specific version by name.
	Get(ctx context.Context, name string, version int) (*Template, error)
	// List returns every version of every template, newest first.
	List(ctx context.Context) ([]*Template, error)
	// Save inserts a new template version. The version is inactive until
	// activated.
	Save(ctx context.Context, tpl *Template) error
	// Activate makes one version the active template for its (type,
	// channel), deactivating any previously active version.
	Activate(ctx context.Context, name string, version int) error
}

const templateColumns = `name, type, channel, subject, body, variable_schema, active, version, created_at`

// PostgresRepository implements Repository backed by PostgreSQL.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a PostgreSQL-backed template store.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) GetActive(ctx context.Context, t notification.Type, c notification.Channel) (*Template, error) {
	query := `SELECT ` + templateColumns + ` FROM templates WHERE type = $1 AND channel = $2 AND active = TRUE`
	return scanTemplate(r.db.QueryRowContext(ctx, query, t, c))
}

func (r *PostgresRepository) GetActiveByName(ctx context.Context, name string) (*Template, error) {
	query := `SELECT ` + templateColumns + ` FROM templates WHERE name = $1 AND active = TRUE`
	return scanTemplate(r.db.QueryRowContext(ctx, query, name))
}

func (r *PostgresRepository) Get(ctx context.Context, name string, version int) (*Template, error) {
	query := `SELECT ` + templateColumns + ` FROM templates WHERE name = $1 AND version = $2`
	return scanTemplate(r.db.QueryRowContext(ctx, query, name, version))
}

func (r *PostgresRepository) List(ctx context.Context) ([]*Template, error) {
	query := `SELECT ` + templateColumns + ` FROM templates ORDER BY name, version DESC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	var out []*Template
	for rows.Next() {
		tpl := &Template{}
		if err := rows.Scan(&tpl.Name, &tpl.Type, &tpl.Channel, &tpl.Subject, &tpl.Body,
			&tpl.Schema, &tpl.Active, &tpl.Version, &tpl.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		out = append(out, tpl)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) Save(ctx context.Context, tpl *Template) error {
	query := `
		INSERT INTO templates (name, type, channel, subject, body, variable_schema, active, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7, NOW())`
	_, err := r.db.ExecContext(ctx, query,
		tpl.Name, tpl.Type, tpl.Channel, tpl.Subject, tpl.Body, tpl.Schema, tpl.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to save template: %w", err)
	}
	return nil
}

// Activate swaps the active version inside one transaction so readers
// never observe two active templates for the same (type, channel).
func (r *PostgresRepository) Activate(ctx context.Context, name string, version int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var ntype, channel string
	err = tx.QueryRowContext(ctx,
		`SELECT type, channel FROM templates WHERE name = $1 AND version = $2`,
		name, version).Scan(&ntype, &channel)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to look up template: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE templates SET active = FALSE WHERE type = $1 AND channel = $2 AND active = TRUE`,
		ntype, channel); err != nil {
		return fmt.Errorf("failed to deactivate current template: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE templates SET active = TRUE WHERE name = $1 AND version = $2`,
		name, version); err != nil {
		return fmt.Errorf("failed to activate template: %w", err)
	}
	return tx.Commit()
}

func scanTemplate(row *sql.Row) (*Template, error) {
	tpl := &Template{}
	err := row.Scan(&tpl.Name, &tpl.Type, &tpl.Channel, &tpl.Subject, &tpl.Body,
		&tpl.Schema, &tpl.Active, &tpl.Version, &tpl.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan template: %w", err)
	}
	return tpl, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
