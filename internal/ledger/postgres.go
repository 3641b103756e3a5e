package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"github.com/briefcast/briefcast/pkg/models"
)

// DatabaseQuerier is the slice of pgxpool.Pool the ledger needs; pgxmock
// satisfies it in tests.
type DatabaseQuerier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type PostgresLedger struct {
	db     DatabaseQuerier
	logger *logrus.Logger
}

func NewPostgresLedger(db DatabaseQuerier, logger *logrus.Logger) *PostgresLedger {
	return &PostgresLedger{db: db, logger: logger}
}

// Migrate creates the ledger tables if they do not exist.
func (l *PostgresLedger) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS operations (
			id UUID PRIMARY KEY,
			status TEXT NOT NULL,
			creative_brief TEXT NOT NULL,
			script_content JSONB,
			video_urls JSONB NOT NULL DEFAULT '[]',
			error_message TEXT,
			metadata JSONB NOT NULL DEFAULT '{}',
			batch_id UUID,
			batch_index INT,
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS operations_batch_idx ON operations (batch_id, batch_index)`,
		`CREATE INDEX IF NOT EXISTS operations_status_created_idx ON operations (status, created_at)`,
		`CREATE TABLE IF NOT EXISTS batches (
			id UUID PRIMARY KEY,
			status TEXT NOT NULL,
			total_operations INT NOT NULL,
			completed_operations INT NOT NULL DEFAULT 0,
			failed_operations INT NOT NULL DEFAULT 0,
			priority INT NOT NULL DEFAULT 5,
			scheduled_for TIMESTAMPTZ,
			options JSONB NOT NULL DEFAULT '{}',
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		)`,
	}
	for _, stmt := range statements {
		if _, err := l.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ledger migration: %w", err)
		}
	}
	return nil
}

func (l *PostgresLedger) Create(ctx context.Context, op *models.Operation) error {
	scriptJSON, err := marshalNullable(op.ScriptContent)
	if err != nil {
		return fmt.Errorf("failed to marshal script content: %w", err)
	}
	urlsJSON, err := json.Marshal(emptyIfNil(op.VideoURLs))
	if err != nil {
		return fmt.Errorf("failed to marshal video urls: %w", err)
	}
	metaJSON, err := json.Marshal(emptyMapIfNil(op.Metadata))
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	batchID, batchIndex := batchLinkage(op.Metadata)

	_, err = l.db.Exec(ctx, `
		INSERT INTO operations (
			id, status, creative_brief, script_content, video_urls,
			error_message, metadata, batch_id, batch_index, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`, op.ID, op.Status, op.CreativeBrief, scriptJSON, urlsJSON,
		op.ErrorMessage, metaJSON, batchID, batchIndex, op.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert operation: %w", err)
	}
	return nil
}

func (l *PostgresLedger) FindByID(ctx context.Context, id uuid.UUID) (*models.Operation, error) {
	row := l.db.QueryRow(ctx, `
		SELECT id, status, creative_brief, script_content, video_urls,
		       error_message, metadata, created_at, completed_at
		FROM operations WHERE id = $1
	`, id)

	op, err := scanOperation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &models.NotFoundError{Resource: "operation", ID: id.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}
	return op, nil
}

// terminalStatuses guards the UPDATE below; transitions out of these are
// dropped rather than applied.
var terminalStatuses = []string{
	models.OperationCompleted, models.OperationFailed, models.OperationCancelled,
}

func (l *PostgresLedger) UpdateStatus(ctx context.Context, id uuid.UUID, status string, update OperationUpdate) error {
	var scriptJSON interface{}
	if update.ScriptContent != nil {
		data, err := json.Marshal(update.ScriptContent)
		if err != nil {
			return fmt.Errorf("failed to marshal script content: %w", err)
		}
		scriptJSON = data
	}

	var metaJSON interface{}
	if update.MetadataPatch != nil {
		data, err := json.Marshal(update.MetadataPatch)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata patch: %w", err)
		}
		metaJSON = data
	}

	completedAt := interface{}(nil)
	if models.IsTerminalOperationStatus(status) {
		now := time.Now().UTC()
		completedAt = now
	}

	tag, err := l.db.Exec(ctx, `
		UPDATE operations SET
			status = $2,
			script_content = COALESCE($3, script_content),
			video_urls = CASE WHEN $4::text IS NULL THEN video_urls
			                  ELSE video_urls || to_jsonb(ARRAY[$4::text]) END,
			error_message = COALESCE($5, error_message),
			metadata = CASE WHEN $6::jsonb IS NULL THEN metadata
			                ELSE metadata || $6::jsonb END,
			completed_at = COALESCE(completed_at, $7),
			updated_at = NOW()
		WHERE id = $1 AND status != ALL($8)
	`, id, status, scriptJSON, update.AppendVideoURL, update.ErrorMessage,
		metaJSON, completedAt, terminalStatuses)
	if err != nil {
		return fmt.Errorf("failed to update operation status: %w", err)
	}

	if tag.RowsAffected() == 0 {
		// Either unknown id or an already-terminal row. A duplicate terminal
		// update is expected under retries and is not an error.
		l.logger.WithFields(logrus.Fields{
			"operation_id": id,
			"status":       status,
		}).Debug("Operation status update skipped by terminal guard")
	}
	return nil
}

func (l *PostgresLedger) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]models.Operation, error) {
	rows, err := l.db.Query(ctx, `
		SELECT id, status, creative_brief, script_content, video_urls,
		       error_message, metadata, created_at, completed_at
		FROM operations WHERE batch_id = $1
		ORDER BY batch_index ASC
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch operations: %w", err)
	}
	defer rows.Close()

	var ops []models.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch operation: %w", err)
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

func (l *PostgresLedger) CountByFilter(ctx context.Context, filter OperationFilter) (int, error) {
	query := `SELECT COUNT(*) FROM operations WHERE 1=1`
	args := []interface{}{}
	if len(filter.Statuses) > 0 {
		args = append(args, filter.Statuses)
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	if filter.CreatedAfter != nil {
		args = append(args, *filter.CreatedAfter)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}

	var count int
	if err := l.db.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count operations: %w", err)
	}
	return count, nil
}

// Batch repository

func (l *PostgresLedger) CreateBatch(ctx context.Context, batch *models.Batch) error {
	optionsJSON, err := json.Marshal(batch.Options)
	if err != nil {
		return fmt.Errorf("failed to marshal batch options: %w", err)
	}
	metaJSON, err := json.Marshal(emptyMapIfNil(batch.Metadata))
	if err != nil {
		return fmt.Errorf("failed to marshal batch metadata: %w", err)
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO batches (
			id, status, total_operations, completed_operations, failed_operations,
			priority, scheduled_for, options, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, batch.ID, batch.Status, batch.TotalOperations, batch.CompletedOperations,
		batch.FailedOperations, batch.Priority, batch.ScheduledFor, optionsJSON,
		metaJSON, batch.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}
	return nil
}

func (l *PostgresLedger) FindBatchByID(ctx context.Context, id uuid.UUID) (*models.Batch, error) {
	row := l.db.QueryRow(ctx, `
		SELECT id, status, total_operations, completed_operations, failed_operations,
		       priority, scheduled_for, options, metadata, created_at, started_at, completed_at
		FROM batches WHERE id = $1
	`, id)

	var batch models.Batch
	var optionsJSON, metaJSON []byte
	err := row.Scan(&batch.ID, &batch.Status, &batch.TotalOperations,
		&batch.CompletedOperations, &batch.FailedOperations, &batch.Priority,
		&batch.ScheduledFor, &optionsJSON, &metaJSON, &batch.CreatedAt,
		&batch.StartedAt, &batch.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &models.NotFoundError{Resource: "batch", ID: id.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}

	if err := json.Unmarshal(optionsJSON, &batch.Options); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch options: %w", err)
	}
	if err := json.Unmarshal(metaJSON, &batch.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch metadata: %w", err)
	}
	return &batch, nil
}

func (l *PostgresLedger) UpdateBatchCounters(ctx context.Context, id uuid.UUID, status string, completed, failed int, startedAt, completedAt *time.Time) error {
	_, err := l.db.Exec(ctx, `
		UPDATE batches SET
			status = $2,
			completed_operations = $3,
			failed_operations = $4,
			started_at = COALESCE(started_at, $5),
			completed_at = COALESCE(completed_at, $6)
		WHERE id = $1
	`, id, status, completed, failed, startedAt, completedAt)
	if err != nil {
		return fmt.Errorf("failed to update batch counters: %w", err)
	}
	return nil
}

func (l *PostgresLedger) SetBatchStatus(ctx context.Context, id uuid.UUID, status string) error {
	completedAt := interface{}(nil)
	if models.IsTerminalBatchStatus(status) {
		completedAt = time.Now().UTC()
	}
	_, err := l.db.Exec(ctx, `
		UPDATE batches SET status = $2, completed_at = COALESCE(completed_at, $3) WHERE id = $1
	`, id, status, completedAt)
	if err != nil {
		return fmt.Errorf("failed to set batch status: %w", err)
	}
	return nil
}

func (l *PostgresLedger) UpdateBatchMetadata(ctx context.Context, id uuid.UUID, patch map[string]interface{}) error {
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("failed to marshal batch metadata patch: %w", err)
	}
	_, err = l.db.Exec(ctx, `
		UPDATE batches SET metadata = metadata || $2::jsonb WHERE id = $1
	`, id, patchJSON)
	if err != nil {
		return fmt.Errorf("failed to update batch metadata: %w", err)
	}
	return nil
}

func (l *PostgresLedger) ListDueBatches(ctx context.Context, now time.Time, limit int) ([]models.Batch, error) {
	rows, err := l.db.Query(ctx, `
		SELECT id, status, total_operations, completed_operations, failed_operations,
		       priority, scheduled_for, options, metadata, created_at, started_at, completed_at
		FROM batches
		WHERE status = $1 AND scheduled_for IS NOT NULL AND scheduled_for <= $2
		ORDER BY scheduled_for ASC
		LIMIT $3
	`, models.BatchPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due batches: %w", err)
	}
	defer rows.Close()

	var batches []models.Batch
	for rows.Next() {
		var batch models.Batch
		var optionsJSON, metaJSON []byte
		err := rows.Scan(&batch.ID, &batch.Status, &batch.TotalOperations,
			&batch.CompletedOperations, &batch.FailedOperations, &batch.Priority,
			&batch.ScheduledFor, &optionsJSON, &metaJSON, &batch.CreatedAt,
			&batch.StartedAt, &batch.CompletedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		if err := json.Unmarshal(optionsJSON, &batch.Options); err != nil {
			return nil, fmt.Errorf("failed to unmarshal batch options: %w", err)
		}
		if err := json.Unmarshal(metaJSON, &batch.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal batch metadata: %w", err)
		}
		batches = append(batches, batch)
	}
	return batches, rows.Err()
}

// helpers

func scanOperation(row pgx.Row) (*models.Operation, error) {
	var op models.Operation
	var scriptJSON, urlsJSON, metaJSON []byte

	err := row.Scan(&op.ID, &op.Status, &op.CreativeBrief, &scriptJSON,
		&urlsJSON, &op.ErrorMessage, &metaJSON, &op.CreatedAt, &op.CompletedAt)
	if err != nil {
		return nil, err
	}

	if len(scriptJSON) > 0 {
		var script models.ScriptContent
		if err := json.Unmarshal(scriptJSON, &script); err != nil {
			return nil, fmt.Errorf("failed to unmarshal script content: %w", err)
		}
		op.ScriptContent = &script
	}
	if len(urlsJSON) > 0 {
		if err := json.Unmarshal(urlsJSON, &op.VideoURLs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal video urls: %w", err)
		}
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &op.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &op, nil
}

func batchLinkage(metadata map[string]interface{}) (interface{}, interface{}) {
	if metadata == nil {
		return nil, nil
	}
	var batchID interface{}
	if raw, ok := metadata[models.MetaBatchID].(string); ok {
		if parsed, err := uuid.Parse(raw); err == nil {
			batchID = parsed
		}
	}
	var batchIndex interface{}
	switch v := metadata[models.MetaBatchIndex].(type) {
	case int:
		batchIndex = v
	case float64:
		batchIndex = int(v)
	}
	return batchID, batchIndex
}

func marshalNullable(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case *models.ScriptContent:
		if t == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func emptyMapIfNil(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
