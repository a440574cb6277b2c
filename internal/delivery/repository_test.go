package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
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

var recordCols = []string{
	"id", "notification_id", "user_id", "channel", "recipient_address", "status",
	"provider_delivery_id", "failure_kind", "next_retry_at", "delivered_at", "read_at", "created_at", "updated_at",
}

func recordRow(rec *Record) *sqlmock.Rows {
	return addRecordRow(sqlmock.NewRows(recordCols), rec)
}

func addRecordRow(rows *sqlmock.Rows, rec *Record) *sqlmock.Rows {
	var kind any
	if rec.FailureKind != nil {
		kind = string(*rec.FailureKind)
	}
	return rows.AddRow(
		rec.ID, rec.NotificationID, rec.UserID, string(rec.Channel), rec.RecipientAddress, string(rec.Status),
		rec.ProviderDeliveryID, kind, rec.NextRetryAt, rec.DeliveredAt, rec.ReadAt, rec.CreatedAt, rec.UpdatedAt,
	)
}

func sampleRecord(status Status) *Record {
	now := time.Now().UTC().Truncate(time.Second)
	return &Record{
		ID:               "rec-1",
		NotificationID:   "n-1",
		UserID:           "u1",
		Channel:          notification.ChannelEmail,
		RecipientAddress: "user@example.com",
		Status:           status,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestCreateAssignsIDAndQueues(t *testing.T) {
	repo, mock := newMockRepo(t)
	rec := sampleRecord(Status(""))
	rec.ID = ""

	mock.ExpectExec(`INSERT INTO delivery_records`).
		WithArgs(sqlmock.AnyArg(), rec.NotificationID, rec.UserID, string(rec.Channel), rec.RecipientAddress, string(StatusQueued)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Create(context.Background(), rec))
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, StatusQueued, rec.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetWithAttempts(t *testing.T) {
	repo, mock := newMockRepo(t)
	rec := sampleRecord(StatusSent)

	mock.ExpectQuery(`SELECT .+ FROM delivery_records WHERE id = \$1`).
		WithArgs(rec.ID).
		WillReturnRows(recordRow(rec))
	mock.ExpectQuery(`SELECT .+ FROM delivery_attempts WHERE record_id = \$1 ORDER BY timestamp`).
		WithArgs(rec.ID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "record_id", "timestamp", "status", "error_message", "response_code", "duration_ms"}).
			AddRow("att-1", rec.ID, rec.CreatedAt, string(StatusFailed), "smtp 451", 451, int64(120)).
			AddRow("att-2", rec.ID, rec.CreatedAt.Add(time.Minute), string(StatusSent), nil, 250, int64(80)))

	got, err := repo.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Len(t, got.Attempts, 2)
	assert.Equal(t, StatusFailed, got.Attempts[0].Status)
	assert.Equal(t, StatusSent, got.Attempts[1].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByProviderDeliveryID(t *testing.T) {
	repo, mock := newMockRepo(t)
	rec := sampleRecord(StatusSent)
	rec.ProviderDeliveryID = notification.Ptr("prov-123")

	mock.ExpectQuery(`SELECT .+ FROM delivery_records WHERE provider_delivery_id = \$1`).
		WithArgs("prov-123").
		WillReturnRows(recordRow(rec))

	got, err := repo.GetByProviderDeliveryID(context.Background(), "prov-123")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)

	mock.ExpectQuery(`SELECT .+ FROM delivery_records WHERE provider_delivery_id = \$1`).
		WithArgs("prov-void").
		WillReturnRows(sqlmock.NewRows(recordCols))

	_, err = repo.GetByProviderDeliveryID(context.Background(), "prov-void")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaseCAS(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`UPDATE delivery_records SET status = \$1`).
		WithArgs(string(StatusSending), "rec-1", string(StatusQueued)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.Lease(context.Background(), "rec-1")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec(`UPDATE delivery_records SET status = \$1`).
		WithArgs(string(StatusSending), "rec-1", string(StatusQueued)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err = repo.Lease(context.Background(), "rec-1")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendAttemptTransaction(t *testing.T) {
	repo, mock := newMockRepo(t)
	kind := notification.KindServiceUnavailable

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO delivery_attempts`).
		WithArgs(sqlmock.AnyArg(), "rec-1", sqlmock.AnyArg(), string(StatusFailed), "timeout", nil, int64(5000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE delivery_records`).
		WithArgs(string(StatusQueued), string(kind), nil, "rec-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	att := Attempt{Status: StatusFailed, ErrorMessage: notification.Ptr("timeout"), DurationMS: 5000}
	require.NoError(t, repo.AppendAttempt(context.Background(), "rec-1", att, StatusQueued, &kind, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendAttemptMissingRecordRollsBack(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO delivery_attempts`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE delivery_records`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.AppendAttempt(context.Background(), "rec-gone", Attempt{Status: StatusSent}, StatusSent, nil, nil)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkDelivered(t *testing.T) {
	repo, mock := newMockRepo(t)
	at := time.Now().UTC()

	mock.ExpectExec(`UPDATE delivery_records SET status = \$1, delivered_at = \$2`).
		WithArgs(string(StatusDelivered), at, "rec-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkDelivered(context.Background(), "rec-1", at))

	mock.ExpectExec(`UPDATE delivery_records SET status = \$1, delivered_at = \$2`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, repo.MarkDelivered(context.Background(), "rec-gone", at), ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestScheduleRetryRequeues(t *testing.T) {
	repo, mock := newMockRepo(t)
	next := time.Now().Add(time.Minute)

	mock.ExpectExec(`UPDATE delivery_records SET status = \$1, next_retry_at = \$2`).
		WithArgs(string(StatusQueued), next, "rec-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.ScheduleRetry(context.Background(), "rec-1", next))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListUnconfirmed(t *testing.T) {
	repo, mock := newMockRepo(t)
	rec := sampleRecord(StatusSent)
	rec.ProviderDeliveryID = notification.Ptr("prov-9")

	mock.ExpectQuery(`SELECT .+ FROM delivery_records\s+WHERE status = \$1 AND provider_delivery_id IS NOT NULL`).
		WithArgs(string(StatusSent), sqlmock.AnyArg(), 50).
		WillReturnRows(recordRow(rec))

	got, err := repo.ListUnconfirmed(context.Background(), 10*time.Minute, 50)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "prov-9", *got[0].ProviderDeliveryID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteTerminal(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`DELETE FROM delivery_records WHERE status = ANY\(\$1\)`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.DeleteTerminal(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusDelivered.Terminal())
	assert.True(t, StatusRead.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusSending.Terminal())
	assert.False(t, StatusSent.Terminal())
}
