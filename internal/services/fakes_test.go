package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/briefcast/briefcast/internal/ledger"
	"github.com/briefcast/briefcast/internal/queue"
	"github.com/briefcast/briefcast/pkg/models"
)

// fakeLedger is an in-memory stand-in for the Postgres ledger. It applies
// the same terminal guard as the real implementation so idempotency tests
// exercise the contract, not the storage engine.
type fakeLedger struct {
	mu      sync.Mutex
	ops     map[uuid.UUID]*models.Operation
	batches map[uuid.UUID]*models.Batch
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		ops:     make(map[uuid.UUID]*models.Operation),
		batches: make(map[uuid.UUID]*models.Batch),
	}
}

func (f *fakeLedger) Create(ctx context.Context, op *models.Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *op
	f.ops[op.ID] = &clone
	return nil
}

func (f *fakeLedger) FindByID(ctx context.Context, id uuid.UUID) (*models.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	op, ok := f.ops[id]
	if !ok {
		return nil, &models.NotFoundError{Resource: "operation", ID: id.String()}
	}
	clone := *op
	return &clone, nil
}

func (f *fakeLedger) UpdateStatus(ctx context.Context, id uuid.UUID, status string, update ledger.OperationUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	op, ok := f.ops[id]
	if !ok {
		return &models.NotFoundError{Resource: "operation", ID: id.String()}
	}
	if models.IsTerminalOperationStatus(op.Status) {
		return nil
	}

	op.Status = status
	if update.ScriptContent != nil {
		op.ScriptContent = update.ScriptContent
	}
	if update.AppendVideoURL != nil {
		op.VideoURLs = append(op.VideoURLs, *update.AppendVideoURL)
	}
	if update.ErrorMessage != nil {
		op.ErrorMessage = update.ErrorMessage
	}
	if len(update.MetadataPatch) > 0 {
		if op.Metadata == nil {
			op.Metadata = make(map[string]interface{})
		}
		for k, v := range update.MetadataPatch {
			op.Metadata[k] = v
		}
	}
	if models.IsTerminalOperationStatus(status) && op.CompletedAt == nil {
		now := time.Now().UTC()
		op.CompletedAt = &now
	}
	return nil
}

func (f *fakeLedger) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]models.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.Operation
	for _, op := range f.ops {
		if id, ok := op.Metadata[models.MetaBatchID].(string); ok && id == batchID.String() {
			out = append(out, *op)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return batchIndexOf(out[i]) < batchIndexOf(out[j])
	})
	return out, nil
}

func batchIndexOf(op models.Operation) int {
	switch v := op.Metadata[models.MetaBatchIndex].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func (f *fakeLedger) CountByFilter(ctx context.Context, filter ledger.OperationFilter) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	count := 0
	for _, op := range f.ops {
		if filter.CreatedAfter != nil && !op.CreatedAt.After(*filter.CreatedAfter) {
			continue
		}
		if len(filter.Statuses) > 0 {
			matched := false
			for _, s := range filter.Statuses {
				if op.Status == s {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		count++
	}
	return count, nil
}

func (f *fakeLedger) CreateBatch(ctx context.Context, batch *models.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *batch
	f.batches[batch.ID] = &clone
	return nil
}

func (f *fakeLedger) FindBatchByID(ctx context.Context, id uuid.UUID) (*models.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch, ok := f.batches[id]
	if !ok {
		return nil, &models.NotFoundError{Resource: "batch", ID: id.String()}
	}
	clone := *batch
	return &clone, nil
}

func (f *fakeLedger) UpdateBatchCounters(ctx context.Context, id uuid.UUID, status string, completed, failed int, startedAt, completedAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch, ok := f.batches[id]
	if !ok {
		return &models.NotFoundError{Resource: "batch", ID: id.String()}
	}
	batch.Status = status
	batch.CompletedOperations = completed
	batch.FailedOperations = failed
	if startedAt != nil {
		batch.StartedAt = startedAt
	}
	if completedAt != nil {
		batch.CompletedAt = completedAt
	}
	return nil
}

func (f *fakeLedger) SetBatchStatus(ctx context.Context, id uuid.UUID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch, ok := f.batches[id]
	if !ok {
		return &models.NotFoundError{Resource: "batch", ID: id.String()}
	}
	batch.Status = status
	return nil
}

func (f *fakeLedger) UpdateBatchMetadata(ctx context.Context, id uuid.UUID, patch map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch, ok := f.batches[id]
	if !ok {
		return &models.NotFoundError{Resource: "batch", ID: id.String()}
	}
	if batch.Metadata == nil {
		batch.Metadata = make(map[string]interface{})
	}
	for k, v := range patch {
		batch.Metadata[k] = v
	}
	return nil
}

func (f *fakeLedger) ListDueBatches(ctx context.Context, now time.Time, limit int) ([]models.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var due []models.Batch
	for _, batch := range f.batches {
		if batch.Status != models.BatchPending || batch.ScheduledFor == nil {
			continue
		}
		if batch.ScheduledFor.After(now) {
			continue
		}
		due = append(due, *batch)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].ScheduledFor.Before(*due[j].ScheduledFor)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// fakeJobSource serves canned queue-job statuses to the aggregator.
type fakeJobSource struct {
	mu   sync.Mutex
	jobs map[string]*queue.JobStatus
}

func newFakeJobSource() *fakeJobSource {
	return &fakeJobSource{jobs: make(map[string]*queue.JobStatus)}
}

func (f *fakeJobSource) set(jobID string, state string, progress int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[jobID] = &queue.JobStatus{JobID: jobID, State: state, Progress: progress}
}

func (f *fakeJobSource) GetStatus(ctx context.Context, jobID string) (*queue.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.jobs[jobID]
	if !ok {
		return nil, &models.NotFoundError{Resource: "queue job", ID: jobID}
	}
	clone := *status
	return &clone, nil
}
