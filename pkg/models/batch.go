package models

import (
	"time"

	"github.com/google/uuid"
)

// Batch statuses. A batch's status is always a pure function of its
// operation counters, recomputed from the ledger rather than incremented.
const (
	BatchPending    = "pending"
	BatchProcessing = "processing"
	BatchCompleted  = "completed"
	BatchFailed     = "failed"
	BatchCancelled  = "cancelled"
	BatchPartial    = "partial"
)

// Processing strategies for batch dispatch.
const (
	StrategySequential = "sequential"
	StrategyParallel   = "parallel"
)

// Batch is a named collection of operations submitted and tracked together.
// It references operations by id only; the constituent operations are never
// embedded, and counters are recomputed on demand.
type Batch struct {
	ID                  uuid.UUID              `json:"id" db:"id"`
	Status              string                 `json:"status" db:"status"`
	TotalOperations     int                    `json:"total_operations" db:"total_operations"`
	CompletedOperations int                    `json:"completed_operations" db:"completed_operations"`
	FailedOperations    int                    `json:"failed_operations" db:"failed_operations"`
	Priority            int                    `json:"priority" db:"priority"` // 1-10, 1 = highest
	ScheduledFor        *time.Time             `json:"scheduled_for,omitempty" db:"scheduled_for"`
	Options             BatchOptions           `json:"options" db:"options"`
	Metadata            map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	CreatedAt           time.Time              `json:"created_at" db:"created_at"`
	StartedAt           *time.Time             `json:"started_at,omitempty" db:"started_at"`
	CompletedAt         *time.Time             `json:"completed_at,omitempty" db:"completed_at"`
}

// BatchOptions controls how a batch's operations are dispatched.
type BatchOptions struct {
	ProcessingStrategy string `json:"processing_strategy,omitempty" validate:"omitempty,oneof=sequential parallel"`
	MaxConcurrency     int    `json:"max_concurrency,omitempty" validate:"omitempty,min=1,max=20"`
}

// BatchCreateRequest is the batch creation payload.
type BatchCreateRequest struct {
	Requests     []GenerationRequest `json:"requests" validate:"required,min=1,max=100,dive"`
	Priority     int                 `json:"priority,omitempty" validate:"omitempty,min=1,max=10"`
	ScheduledFor *time.Time          `json:"scheduled_for,omitempty"`
	Options      BatchOptions        `json:"options,omitempty"`
}

// BatchProgress is the recomputed per-batch counter view.
type BatchProgress struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Pending    int `json:"pending"`
	Percentage int `json:"percentage"`
}

// BatchStatusResponse is returned by the batch status endpoint.
type BatchStatusResponse struct {
	BatchID    uuid.UUID     `json:"batch_id"`
	Status     string        `json:"status"`
	Progress   BatchProgress `json:"progress"`
	Operations []Operation   `json:"operations"`
}

// BatchCreateResponse acknowledges batch creation.
type BatchCreateResponse struct {
	BatchID       uuid.UUID   `json:"batch_id"`
	TotalRequests int         `json:"total_requests"`
	Status        string      `json:"status"`
	Operations    []uuid.UUID `json:"operations"`
}

// DeriveBatchStatus computes batch status from the three counters.
// completed+failed may never exceed total.
func DeriveBatchStatus(total, completed, failed int) string {
	switch {
	case total > 0 && completed == total && failed == 0:
		return BatchCompleted
	case total > 0 && completed+failed == total && completed > 0:
		return BatchPartial
	case total > 0 && completed+failed == total:
		return BatchFailed
	case completed+failed > 0:
		return BatchProcessing
	default:
		return BatchPending
	}
}

// IsTerminalBatchStatus reports whether the batch can no longer change.
func IsTerminalBatchStatus(status string) bool {
	switch status {
	case BatchCompleted, BatchFailed, BatchCancelled, BatchPartial:
		return true
	}
	return false
}
