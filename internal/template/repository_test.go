package template

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierd/courierd/internal/notification"
)

func newMockRepo(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresRepository(db), mock
}

func templateRows(tpl *Template) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"name", "type", "channel", "subject", "body", "variable_schema", "active", "version", "created_at"}).
		AddRow(tpl.Name, string(tpl.Type), string(tpl.Channel), tpl.Subject, tpl.Body, []byte(`{"name":{"type":"string","required":true}}`), tpl.Active, tpl.Version, tpl.CreatedAt)
}

func sampleTemplate() *Template {
	subject := "Welcome {{ name }}"
	return &Template{
		Name:      "welcome_email",
		Type:      notification.TypeWelcome,
		Channel:   notification.ChannelEmail,
		Subject:   &subject,
		Body:      "Hello {{ name }}",
		Schema:    Schema{"name": {Type: VarString, Required: true}},
		Active:    true,
		Version:   2,
		CreatedAt: time.Now().UTC(),
	}
}

func TestGetActiveByName(t *testing.T) {
	repo, mock := newMockRepo(t)
	want := sampleTemplate()

	mock.ExpectQuery(`SELECT .+ FROM templates WHERE name = \$1 AND active = TRUE`).
		WithArgs("welcome_email").
		WillReturnRows(templateRows(want))

	got, err := repo.GetActiveByName(context.Background(), "welcome_email")
	require.NoError(t, err)
	assert.Equal(t, "welcome_email", got.Name)
	assert.Equal(t, 2, got.Version)
	assert.True(t, got.Schema["name"].Required)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetActiveNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT .+ FROM templates WHERE type = \$1 AND channel = \$2 AND active = TRUE`).
		WithArgs("welcome", "email").
		WillReturnRows(sqlmock.NewRows([]string{"name"}))

	_, err := repo.GetActive(context.Background(), notification.TypeWelcome, notification.ChannelEmail)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSpecificVersion(t *testing.T) {
	repo, mock := newMockRepo(t)
	want := sampleTemplate()
	want.Active = false
	want.Version = 1

	mock.ExpectQuery(`SELECT .+ FROM templates WHERE name = \$1 AND version = \$2`).
		WithArgs("welcome_email", 1).
		WillReturnRows(templateRows(want))

	got, err := repo.Get(context.Background(), "welcome_email", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.False(t, got.Active)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSave(t *testing.T) {
	repo, mock := newMockRepo(t)
	tpl := sampleTemplate()

	mock.ExpectExec(`INSERT INTO templates`).
		WithArgs(tpl.Name, string(tpl.Type), string(tpl.Channel), tpl.Subject, tpl.Body, sqlmock.AnyArg(), tpl.Version).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Save(context.Background(), tpl))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveVersionConflict(t *testing.T) {
	repo, mock := newMockRepo(t)
	tpl := sampleTemplate()

	mock.ExpectExec(`INSERT INTO templates`).
		WillReturnError(&pq.Error{Code: "23505"})

	err := repo.Save(context.Background(), tpl)
	assert.ErrorIs(t, err, ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActivateSwapsInTransaction(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT type, channel FROM templates WHERE name = \$1 AND version = \$2`).
		WithArgs("welcome_email", 3).
		WillReturnRows(sqlmock.NewRows([]string{"type", "channel"}).AddRow("welcome", "email"))
	mock.ExpectExec(`UPDATE templates SET active = FALSE`).
		WithArgs("welcome", "email").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE templates SET active = TRUE`).
		WithArgs("welcome_email", 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Activate(context.Background(), "welcome_email", 3))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActivateUnknownVersion(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT type, channel FROM templates`).
		WithArgs("welcome_email", 9).
		WillReturnRows(sqlmock.NewRows([]string{"type", "channel"}))
	mock.ExpectRollback()

	err := repo.Activate(context.Background(), "welcome_email", 9)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestList(t *testing.T) {
	repo, mock := newMockRepo(t)
	a := sampleTemplate()
	b := sampleTemplate()
	b.Version = 1
	b.Active = false

	rows := templateRows(a)
	rows.AddRow(b.Name, string(b.Type), string(b.Channel), b.Subject, b.Body, []byte(`{}`), b.Active, b.Version, b.CreatedAt)

	mock.ExpectQuery(`SELECT .+ FROM templates ORDER BY name, version DESC`).
		WillReturnRows(rows)

	got, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0].Version)
	assert.Equal(t, 1, got[1].Version)
	require.NoError(t, mock.ExpectationsWereMet())
}
