// Package ledger is the durable record of generation work: one row per
// operation, one row per batch. All status writes go through a single
// UpdateStatus entry point whose terminal guard makes concurrent and
// retried updates safe to apply twice.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/briefcast/briefcast/pkg/models"
)

// OperationUpdate carries the optional fields that may accompany a status
// transition. Nil fields are left untouched.
type OperationUpdate struct {
	ScriptContent  *models.ScriptContent
	AppendVideoURL *string
	ErrorMessage   *string
	MetadataPatch  map[string]interface{}
}

// OperationFilter selects operations for counting (quota checks, stats).
type OperationFilter struct {
	Statuses     []string
	CreatedAfter *time.Time
}

// OperationRepository persists operations.
type OperationRepository interface {
	Create(ctx context.Context, op *models.Operation) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Operation, error)
	// UpdateStatus applies a status transition plus optional fields.
	// Transitions out of a terminal status are silently dropped, so a retry
	// racing a late provider callback cannot regress an operation.
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, update OperationUpdate) error
	// ListByBatch returns a batch's operations ordered by their explicit
	// batch index rather than storage order.
	ListByBatch(ctx context.Context, batchID uuid.UUID) ([]models.Operation, error)
	CountByFilter(ctx context.Context, filter OperationFilter) (int, error)
}

// BatchRepository persists batches. Counters are snapshots written by the
// orchestrator's recompute pass, never incremented in place.
type BatchRepository interface {
	CreateBatch(ctx context.Context, batch *models.Batch) error
	FindBatchByID(ctx context.Context, id uuid.UUID) (*models.Batch, error)
	UpdateBatchCounters(ctx context.Context, id uuid.UUID, status string, completed, failed int, startedAt, completedAt *time.Time) error
	SetBatchStatus(ctx context.Context, id uuid.UUID, status string) error
	UpdateBatchMetadata(ctx context.Context, id uuid.UUID, patch map[string]interface{}) error
	// ListDueBatches returns pending batches whose scheduled time has
	// arrived, oldest schedule first.
	ListDueBatches(ctx context.Context, now time.Time, limit int) ([]models.Batch, error)
}
