package services

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/briefcast/briefcast/internal/ledger"
	"github.com/briefcast/briefcast/internal/queue"
	"github.com/briefcast/briefcast/internal/telemetry"
	"github.com/briefcast/briefcast/pkg/models"
)

const defaultMaxConcurrency = 3

// jobEnqueuer is the slice of the queue the orchestrator drives.
type jobEnqueuer interface {
	Enqueue(ctx context.Context, p queue.EnqueueParams) (string, error)
	Cancel(ctx context.Context, jobID string) error
}

// quotaChecker gates operation creation.
type quotaChecker interface {
	Check(ctx context.Context, additional int) error
}

// BatchOrchestrator creates batches of operations and drives their
// dispatch. Batch state is never incremented in place: every progress
// update recounts the batch's operations in the ledger and derives the
// status from the counters.
type BatchOrchestrator struct {
	operations ledger.OperationRepository
	batches    ledger.BatchRepository
	jobs       jobEnqueuer
	optimizer  *BatchOptimizer
	quota      quotaChecker
	logger     *logrus.Logger
}

func NewBatchOrchestrator(
	operations ledger.OperationRepository,
	batches ledger.BatchRepository,
	jobs jobEnqueuer,
	optimizer *BatchOptimizer,
	quota quotaChecker,
	logger *logrus.Logger,
) *BatchOrchestrator {
	return &BatchOrchestrator{
		operations: operations,
		batches:    batches,
		jobs:       jobs,
		optimizer:  optimizer,
		quota:      quota,
		logger:     logger,
	}
}

// StartOperation creates and enqueues a single standalone operation.
func (o *BatchOrchestrator) StartOperation(ctx context.Context, req models.GenerationRequest, priority int) (*models.Operation, error) {
	if err := validateRequest(req, -1); err != nil {
		return nil, err
	}
	if o.quota != nil {
		if err := o.quota.Check(ctx, 1); err != nil {
			return nil, err
		}
	}

	op := &models.Operation{
		ID:            uuid.New(),
		Status:        models.OperationPending,
		CreativeBrief: req.CreativeBrief,
		Metadata:      map[string]interface{}{},
		CreatedAt:     time.Now().UTC(),
	}
	if err := o.operations.Create(ctx, op); err != nil {
		return nil, fmt.Errorf("failed to create operation: %w", err)
	}

	if err := o.dispatchOperation(ctx, op.ID, req, priority, queue.SourceInteractive, nil); err != nil {
		return nil, err
	}
	return o.operations.FindByID(ctx, op.ID)
}

// CreateBatch validates every request up front, then creates the batch
// row and one pending operation per request. Validation is all or
// nothing: one bad request rejects the whole batch and nothing is
// persisted.
func (o *BatchOrchestrator) CreateBatch(ctx context.Context, req models.BatchCreateRequest) (*models.Batch, []models.Operation, error) {
	if len(req.Requests) == 0 {
		return nil, nil, &models.ValidationError{Field: "requests", Message: "at least one request is required"}
	}
	if len(req.Requests) > 100 {
		return nil, nil, &models.ValidationError{Field: "requests", Message: "a batch may hold at most 100 requests"}
	}
	for i, r := range req.Requests {
		if err := validateRequest(r, i); err != nil {
			return nil, nil, err
		}
	}
	if req.Priority != 0 && (req.Priority < 1 || req.Priority > 10) {
		return nil, nil, &models.ValidationError{Field: "priority", Message: "priority must be between 1 and 10"}
	}
	if o.quota != nil {
		if err := o.quota.Check(ctx, len(req.Requests)); err != nil {
			return nil, nil, err
		}
	}

	priority := req.Priority
	if priority == 0 {
		priority = 5
	}
	strategy := req.Options.ProcessingStrategy
	if strategy == "" {
		strategy = models.StrategySequential
	}
	concurrency := req.Options.MaxConcurrency
	if concurrency == 0 {
		concurrency = defaultMaxConcurrency
	}

	analysis := o.optimizer.Analyze(req.Requests)

	batch := &models.Batch{
		ID:              uuid.New(),
		Status:          models.BatchPending,
		TotalOperations: len(req.Requests),
		Priority:        priority,
		ScheduledFor:    req.ScheduledFor,
		Options: models.BatchOptions{
			ProcessingStrategy: strategy,
			MaxConcurrency:     concurrency,
		},
		Metadata: map[string]interface{}{
			"optimization": analysis,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := o.batches.CreateBatch(ctx, batch); err != nil {
		return nil, nil, fmt.Errorf("failed to create batch: %w", err)
	}

	operations := make([]models.Operation, 0, len(req.Requests))
	for i, r := range req.Requests {
		op := models.Operation{
			ID:            uuid.New(),
			Status:        models.OperationPending,
			CreativeBrief: r.CreativeBrief,
			Metadata: map[string]interface{}{
				models.MetaBatchID:    batch.ID.String(),
				models.MetaBatchIndex: i,
				metaRequest:           requestMetadata(r),
			},
			CreatedAt: time.Now().UTC(),
		}
		if err := o.operations.Create(ctx, &op); err != nil {
			return nil, nil, fmt.Errorf("failed to create operation %d: %w", i, err)
		}
		operations = append(operations, op)
	}

	telemetry.BatchesCreated.Inc()
	o.logger.WithFields(logrus.Fields{
		"batch_id":          batch.ID,
		"total_operations":  batch.TotalOperations,
		"strategy":          strategy,
		"priority":          priority,
		"estimated_savings": analysis.EstimatedCostSavings,
	}).Info("Batch created")

	return batch, operations, nil
}

// ProcessBatch dispatches a pending batch's operations to the queue
// according to its processing strategy. Individual dispatch failures mark
// that operation failed and do not stop the rest of the batch.
func (o *BatchOrchestrator) ProcessBatch(ctx context.Context, batchID uuid.UUID) error {
	batch, err := o.batches.FindBatchByID(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.Status != models.BatchPending {
		return &models.ValidationError{Field: "status", Message: fmt.Sprintf("batch is %s, only pending batches can be processed", batch.Status)}
	}
	if batch.ScheduledFor != nil && batch.ScheduledFor.After(time.Now()) {
		return &models.ValidationError{Field: "scheduled_for", Message: "batch is scheduled for a future time"}
	}

	if err := o.batches.SetBatchStatus(ctx, batchID, models.BatchProcessing); err != nil {
		return err
	}

	operations, err := o.operations.ListByBatch(ctx, batchID)
	if err != nil {
		return err
	}

	batchRef := batchID.String()
	requests := make([]models.GenerationRequest, len(operations))
	for i, op := range operations {
		requests[i] = requestFromMetadata(op)
	}

	switch batch.Options.ProcessingStrategy {
	case models.StrategyParallel:
		o.dispatchParallel(ctx, batch, operations, requests, batchRef)
	default:
		o.dispatchSequential(ctx, batch, operations, requests, batchRef)
	}

	_, _, err = o.UpdateBatchProgress(ctx, batchID)
	return err
}

func (o *BatchOrchestrator) dispatchSequential(ctx context.Context, batch *models.Batch, operations []models.Operation, requests []models.GenerationRequest, batchRef string) {
	for i, op := range operations {
		if ctx.Err() != nil {
			return
		}
		o.dispatchOrFail(ctx, op.ID, requests[i], batch.Priority, batchRef)
	}
}

func (o *BatchOrchestrator) dispatchParallel(ctx context.Context, batch *models.Batch, operations []models.Operation, requests []models.GenerationRequest, batchRef string) {
	concurrency := batch.Options.MaxConcurrency
	if concurrency <= 0 {
		concurrency = defaultMaxConcurrency
	}

	for start := 0; start < len(operations); start += concurrency {
		if ctx.Err() != nil {
			return
		}
		end := start + concurrency
		if end > len(operations) {
			end = len(operations)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				o.dispatchOrFail(ctx, operations[i].ID, requests[i], batch.Priority, batchRef)
			}(i)
		}
		wg.Wait()
	}
}

func (o *BatchOrchestrator) dispatchOrFail(ctx context.Context, opID uuid.UUID, req models.GenerationRequest, priority int, batchRef string) {
	meta := map[string]interface{}{models.MetaBatchID: batchRef}
	if err := o.dispatchOperation(ctx, opID, req, priority, queue.SourceBatch, meta); err != nil {
		msg := err.Error()
		if updateErr := o.operations.UpdateStatus(ctx, opID, models.OperationFailed, ledger.OperationUpdate{ErrorMessage: &msg}); updateErr != nil {
			o.logger.WithFields(logrus.Fields{
				"operation_id": opID,
				"error":        updateErr.Error(),
			}).Error("Failed to record dispatch failure")
		}
	}
}

// workflowSteps names the pipeline stages this request will pass
// through, recorded on the operation for status reporting.
func workflowSteps(req models.GenerationRequest) []string {
	steps := make([]string, 0, 3)
	if len(req.ImageURLs) > 0 {
		steps = append(steps, "image_analysis")
	}
	steps = append(steps, "script_generation", "video_synthesis")
	return steps
}

func (o *BatchOrchestrator) dispatchOperation(ctx context.Context, opID uuid.UUID, req models.GenerationRequest, priority int, source string, extraMeta map[string]interface{}) error {
	payload := map[string]interface{}{
		"creative_brief": req.CreativeBrief,
	}
	if len(req.ImageURLs) > 0 {
		payload["image_urls"] = req.ImageURLs
	}
	if req.CustomScript != nil {
		payload["custom_script"] = *req.CustomScript
	}
	if len(req.Options) > 0 {
		payload["options"] = req.Options
	}

	jobID, err := o.jobs.Enqueue(ctx, queue.EnqueueParams{
		OperationID: opID,
		Payload:     payload,
		Priority:    priority,
		Source:      source,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue operation %s: %w", opID, err)
	}

	telemetry.JobsEnqueued.Inc()

	patch := map[string]interface{}{
		models.MetaQueueJobID: jobID,
		models.MetaWorkflow:   workflowSteps(req),
	}
	for k, v := range extraMeta {
		patch[k] = v
	}
	return o.operations.UpdateStatus(ctx, opID, models.OperationPending, ledger.OperationUpdate{MetadataPatch: patch})
}

// UpdateBatchProgress recounts a batch's operations and persists the
// derived status. The percentage tracks completed work only; failed
// operations contribute to status derivation, not to progress.
func (o *BatchOrchestrator) UpdateBatchProgress(ctx context.Context, batchID uuid.UUID) (*models.Batch, *models.BatchProgress, error) {
	batch, err := o.batches.FindBatchByID(ctx, batchID)
	if err != nil {
		return nil, nil, err
	}

	operations, err := o.operations.ListByBatch(ctx, batchID)
	if err != nil {
		return nil, nil, err
	}

	completed, failed := 0, 0
	for _, op := range operations {
		switch op.Status {
		case models.OperationCompleted:
			completed++
		case models.OperationFailed, models.OperationCancelled:
			failed++
		}
	}

	total := batch.TotalOperations
	if total == 0 {
		total = len(operations)
	}
	progress := &models.BatchProgress{
		Total:      total,
		Completed:  completed,
		Failed:     failed,
		Pending:    total - completed - failed,
		Percentage: progressPercentage(completed, total),
	}

	// A cancelled batch keeps its status; recounting must not resurrect it.
	if batch.Status == models.BatchCancelled {
		batch.CompletedOperations = completed
		batch.FailedOperations = failed
		return batch, progress, nil
	}

	status := models.DeriveBatchStatus(total, completed, failed)
	if batch.Status == models.BatchProcessing && status == models.BatchPending {
		status = models.BatchProcessing
	}

	var startedAt, completedAt *time.Time
	now := time.Now().UTC()
	if batch.StartedAt == nil && (status == models.BatchProcessing || models.IsTerminalBatchStatus(status)) {
		startedAt = &now
	}
	if batch.CompletedAt == nil && models.IsTerminalBatchStatus(status) {
		completedAt = &now
	}

	if err := o.batches.UpdateBatchCounters(ctx, batchID, status, completed, failed, startedAt, completedAt); err != nil {
		return nil, nil, err
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
	return batch, progress, nil
}

func progressPercentage(completed, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(completed) / float64(total) * 100))
}

// GetBatchStatus returns the recomputed batch view with its operations
// ordered by batch index.
func (o *BatchOrchestrator) GetBatchStatus(ctx context.Context, batchID uuid.UUID) (*models.BatchStatusResponse, error) {
	batch, progress, err := o.UpdateBatchProgress(ctx, batchID)
	if err != nil {
		return nil, err
	}

	operations, err := o.operations.ListByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	return &models.BatchStatusResponse{
		BatchID:    batch.ID,
		Status:     batch.Status,
		Progress:   *progress,
		Operations: operations,
	}, nil
}

// CancelBatch cancels every non-terminal operation in the batch and marks
// the batch cancelled. Operations that already finished keep their
// results.
func (o *BatchOrchestrator) CancelBatch(ctx context.Context, batchID uuid.UUID) error {
	batch, err := o.batches.FindBatchByID(ctx, batchID)
	if err != nil {
		return err
	}
	if models.IsTerminalBatchStatus(batch.Status) {
		return &models.ValidationError{Field: "status", Message: fmt.Sprintf("batch is already %s", batch.Status)}
	}

	operations, err := o.operations.ListByBatch(ctx, batchID)
	if err != nil {
		return err
	}

	cancelled := 0
	for _, op := range operations {
		if models.IsTerminalOperationStatus(op.Status) {
			continue
		}

		if jobID, ok := op.Metadata[models.MetaQueueJobID].(string); ok && jobID != "" {
			if err := o.jobs.Cancel(ctx, jobID); err != nil {
				o.logger.WithFields(logrus.Fields{
					"operation_id": op.ID,
					"job_id":       jobID,
					"error":        err.Error(),
				}).Warn("Failed to cancel queue job, ledger cancellation proceeds")
			}
		}

		if err := o.operations.UpdateStatus(ctx, op.ID, models.OperationCancelled, ledger.OperationUpdate{}); err != nil {
			o.logger.WithFields(logrus.Fields{
				"operation_id": op.ID,
				"error":        err.Error(),
			}).Error("Failed to cancel operation")
			continue
		}
		cancelled++
	}

	if err := o.batches.SetBatchStatus(ctx, batchID, models.BatchCancelled); err != nil {
		return err
	}

	o.logger.WithFields(logrus.Fields{
		"batch_id":             batchID,
		"cancelled_operations": cancelled,
	}).Info("Batch cancelled")

	return nil
}

// DispatchDueBatches processes pending batches whose scheduled time has
// arrived. A batch whose dispatch fails is logged and skipped; it stays
// pending and is retried on the next sweep.
func (o *BatchOrchestrator) DispatchDueBatches(ctx context.Context, now time.Time) (int, error) {
	due, err := o.batches.ListDueBatches(ctx, now, 10)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, batch := range due {
		if ctx.Err() != nil {
			return dispatched, ctx.Err()
		}
		if err := o.ProcessBatch(ctx, batch.ID); err != nil {
			o.logger.WithFields(logrus.Fields{
				"batch_id": batch.ID,
				"error":    err.Error(),
			}).Error("Scheduled batch dispatch failed")
			continue
		}
		dispatched++
	}
	return dispatched, nil
}

// CancelOperation cancels a single non-terminal operation and its queue
// job. If the operation belongs to a batch the batch counters are
// recounted afterwards.
func (o *BatchOrchestrator) CancelOperation(ctx context.Context, operationID uuid.UUID) (*models.Operation, error) {
	op, err := o.operations.FindByID(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if models.IsTerminalOperationStatus(op.Status) {
		return nil, &models.ValidationError{Field: "status", Message: fmt.Sprintf("operation is already %s", op.Status)}
	}

	if jobID, ok := op.Metadata[models.MetaQueueJobID].(string); ok && jobID != "" {
		if err := o.jobs.Cancel(ctx, jobID); err != nil {
			o.logger.WithFields(logrus.Fields{
				"operation_id": operationID,
				"job_id":       jobID,
				"error":        err.Error(),
			}).Warn("Failed to cancel queue job, ledger cancellation proceeds")
		}
	}

	if err := o.operations.UpdateStatus(ctx, operationID, models.OperationCancelled, ledger.OperationUpdate{}); err != nil {
		return nil, err
	}

	if batchRef, ok := op.Metadata[models.MetaBatchID].(string); ok && batchRef != "" {
		if batchID, parseErr := uuid.Parse(batchRef); parseErr == nil {
			if _, _, err := o.UpdateBatchProgress(ctx, batchID); err != nil {
				o.logger.WithFields(logrus.Fields{
					"batch_id": batchID,
					"error":    err.Error(),
				}).Warn("Failed to recount batch after operation cancellation")
			}
		}
	}

	return o.operations.FindByID(ctx, operationID)
}

// AnalyzeRequests exposes the optimizer for the pre-submission endpoint.
func (o *BatchOrchestrator) AnalyzeRequests(requests []models.GenerationRequest) *models.BatchAnalysis {
	return o.optimizer.Analyze(requests)
}

// OptimizeScheduling plans when an existing batch should run and stores
// the plan on the batch for later inspection.
func (o *BatchOrchestrator) OptimizeScheduling(ctx context.Context, batchID uuid.UUID) (*models.SchedulingPlan, error) {
	batch, err := o.batches.FindBatchByID(ctx, batchID)
	if err != nil {
		return nil, err
	}

	plan := o.optimizer.OptimizeScheduling(batch, time.Now().UTC())
	if err := o.batches.UpdateBatchMetadata(ctx, batchID, map[string]interface{}{"scheduling_plan": plan}); err != nil {
		return nil, err
	}
	return &plan, nil
}

// metaRequest stores the original generation request on the operation so
// deferred dispatch does not lose image urls, custom scripts, or options.
const metaRequest = "request"

func requestMetadata(r models.GenerationRequest) map[string]interface{} {
	meta := map[string]interface{}{}
	if len(r.ImageURLs) > 0 {
		meta["image_urls"] = r.ImageURLs
	}
	if r.CustomScript != nil {
		meta["custom_script"] = *r.CustomScript
	}
	if len(r.Options) > 0 {
		meta["options"] = r.Options
	}
	return meta
}

func requestFromMetadata(op models.Operation) models.GenerationRequest {
	req := models.GenerationRequest{CreativeBrief: op.CreativeBrief}
	raw, ok := op.Metadata[metaRequest].(map[string]interface{})
	if !ok {
		return req
	}

	switch urls := raw["image_urls"].(type) {
	case []string:
		req.ImageURLs = urls
	case []interface{}:
		for _, u := range urls {
			if s, ok := u.(string); ok {
				req.ImageURLs = append(req.ImageURLs, s)
			}
		}
	}
	if script, ok := raw["custom_script"].(string); ok {
		req.CustomScript = &script
	}
	if options, ok := raw["options"].(map[string]interface{}); ok {
		req.Options = options
	}
	return req
}

func validateRequest(req models.GenerationRequest, index int) error {
	field := func(name string) string {
		if index < 0 {
			return name
		}
		return fmt.Sprintf("requests[%d].%s", index, name)
	}
	if req.CreativeBrief == "" {
		return &models.ValidationError{Field: field("creative_brief"), Message: "creative brief is required"}
	}
	if len(req.CreativeBrief) > 5000 {
		return &models.ValidationError{Field: field("creative_brief"), Message: "creative brief exceeds 5000 characters"}
	}
	if len(req.ImageURLs) > 10 {
		return &models.ValidationError{Field: field("image_urls"), Message: "at most 10 image urls are allowed"}
	}
	return nil
}
