package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briefcast/briefcast/pkg/models"
)

func newMockLedger(t *testing.T) (*PostgresLedger, pgxmock.PgxPoolIface) {
	t.Helper()

	mockDB, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mockDB.Close)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	return NewPostgresLedger(mockDB, logger), mockDB
}

func TestPostgresLedger_CreateOperationWithBatchLinkage(t *testing.T) {
	store, mockDB := newMockLedger(t)

	batchID := uuid.New()
	op := &models.Operation{
		ID:            uuid.New(),
		Status:        models.OperationPending,
		CreativeBrief: "coffee shop morning advertisement",
		Metadata: map[string]interface{}{
			models.MetaBatchID:    batchID.String(),
			models.MetaBatchIndex: 2,
		},
		CreatedAt: time.Now().UTC(),
	}

	// The batch linkage columns are extracted from metadata so listing by
	// batch does not need a jsonb scan.
	mockDB.ExpectExec(`INSERT INTO operations`).
		WithArgs(op.ID, op.Status, op.CreativeBrief, pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), batchID, 2, op.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Create(context.Background(), op))
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestPostgresLedger_UpdateStatusTerminalGuard(t *testing.T) {
	store, mockDB := newMockLedger(t)
	opID := uuid.New()

	// First terminal update hits the row.
	mockDB.ExpectExec(`UPDATE operations SET`).
		WithArgs(opID, models.OperationCompleted, pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), terminalStatuses).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.UpdateStatus(context.Background(), opID, models.OperationCompleted, OperationUpdate{})
	require.NoError(t, err)

	// The retry matches zero rows because the status filter excludes
	// terminal rows. That is not an error.
	mockDB.ExpectExec(`UPDATE operations SET`).
		WithArgs(opID, models.OperationCompleted, pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), terminalStatuses).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.UpdateStatus(context.Background(), opID, models.OperationCompleted, OperationUpdate{})
	require.NoError(t, err)

	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestPostgresLedger_FindByIDNotFound(t *testing.T) {
	store, mockDB := newMockLedger(t)
	opID := uuid.New()

	mockDB.ExpectQuery(`SELECT .* FROM operations WHERE id`).
		WithArgs(opID).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "status", "creative_brief", "script_content", "video_urls",
			"error_message", "metadata", "created_at", "completed_at",
		}))

	_, err := store.FindByID(context.Background(), opID)

	var notFound *models.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "operation", notFound.Resource)
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestPostgresLedger_ListByBatchOrdersByIndex(t *testing.T) {
	store, mockDB := newMockLedger(t)
	batchID := uuid.New()
	now := time.Now().UTC()

	first, second := uuid.New(), uuid.New()
	rows := pgxmock.NewRows([]string{
		"id", "status", "creative_brief", "script_content", "video_urls",
		"error_message", "metadata", "created_at", "completed_at",
	}).
		AddRow(first, models.OperationCompleted, "brief a", []byte(nil), []byte(`["https://v/a.mp4"]`),
			nil, []byte(`{"batch_index":0}`), now, &now).
		AddRow(second, models.OperationPending, "brief b", []byte(nil), []byte(`[]`),
			nil, []byte(`{"batch_index":1}`), now, nil)

	mockDB.ExpectQuery(`SELECT .* FROM operations WHERE batch_id .* ORDER BY batch_index`).
		WithArgs(batchID).
		WillReturnRows(rows)

	ops, err := store.ListByBatch(context.Background(), batchID)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, first, ops[0].ID)
	assert.Equal(t, []string{"https://v/a.mp4"}, ops[0].VideoURLs)
	assert.Empty(t, ops[1].VideoURLs)
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestPostgresLedger_CountByFilter(t *testing.T) {
	store, mockDB := newMockLedger(t)
	after := time.Now().UTC().Truncate(24 * time.Hour)

	mockDB.ExpectQuery(`SELECT COUNT\(\*\) FROM operations WHERE 1=1 AND status = ANY\(\$1\) AND created_at >= \$2`).
		WithArgs([]string{models.OperationPending, models.OperationProcessing}, after).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(7))

	count, err := store.CountByFilter(context.Background(), OperationFilter{
		Statuses:     []string{models.OperationPending, models.OperationProcessing},
		CreatedAfter: &after,
	})
	require.NoError(t, err)
	assert.Equal(t, 7, count)
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestPostgresLedger_ListDueBatches(t *testing.T) {
	store, mockDB := newMockLedger(t)
	now := time.Now().UTC()
	sched := now.Add(-time.Minute)
	batchID := uuid.New()

	rows := pgxmock.NewRows([]string{
		"id", "status", "total_operations", "completed_operations", "failed_operations",
		"priority", "scheduled_for", "options", "metadata", "created_at", "started_at", "completed_at",
	}).AddRow(batchID, models.BatchPending, 3, 0, 0, 5, &sched,
		[]byte(`{"processing_strategy":"sequential","max_concurrency":3}`),
		[]byte(`{}`), now.Add(-time.Hour), nil, nil)

	mockDB.ExpectQuery(`SELECT .* FROM batches\s+WHERE status = \$1 AND scheduled_for IS NOT NULL`).
		WithArgs(models.BatchPending, now, 10).
		WillReturnRows(rows)

	due, err := store.ListDueBatches(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, batchID, due[0].ID)
	assert.Equal(t, models.StrategySequential, due[0].Options.ProcessingStrategy)
	assert.NoError(t, mockDB.ExpectationsWereMet())
}
