package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/briefcast/briefcast/internal/ledger"
	"github.com/briefcast/briefcast/internal/queue"
	"github.com/briefcast/briefcast/pkg/models"
)

// jobStatusSource is the slice of the queue the aggregator reads.
type jobStatusSource interface {
	GetStatus(ctx context.Context, jobID string) (*queue.JobStatus, error)
}

// JobStatusAggregator merges ledger state with queue-job progress into a
// single client-facing status view, and runs optional per-operation
// polling loops that push updates to a callback until the operation
// reaches a terminal status.
type JobStatusAggregator struct {
	operations ledger.OperationRepository
	jobs       jobStatusSource
	logger     *logrus.Logger

	mu      sync.Mutex
	pollers map[uuid.UUID]*pollerHandle
}

type pollerHandle struct {
	cancel context.CancelFunc
}

// StatusCallback receives polled status updates. Exactly one of err and
// view is set per invocation.
type StatusCallback func(view *models.OperationStatusView, err error)

func NewJobStatusAggregator(operations ledger.OperationRepository, jobs jobStatusSource, logger *logrus.Logger) *JobStatusAggregator {
	return &JobStatusAggregator{
		operations: operations,
		jobs:       jobs,
		logger:     logger,
		pollers:    make(map[uuid.UUID]*pollerHandle),
	}
}

// GetJobStatus returns the unified status for an operation.
//
// Progress is a weighted heuristic over the generation pipeline: script
// generation accounts for 30 points, video generation for the remaining
// 70 scaled by queue-job progress. When the job has reported no progress
// yet, a flat 5 points mark the operation as at least queued. Terminal
// statuses short-circuit to 0 or 100.
func (a *JobStatusAggregator) GetJobStatus(ctx context.Context, operationID uuid.UUID) (*models.OperationStatusView, error) {
	op, err := a.operations.FindByID(ctx, operationID)
	if err != nil {
		return nil, err
	}

	view := &models.OperationStatusView{
		OperationID:  op.ID,
		Status:       op.Status,
		VideoURLs:    op.VideoURLs,
		ErrorMessage: op.ErrorMessage,
		CreatedAt:    op.CreatedAt,
		CompletedAt:  op.CompletedAt,
	}

	switch op.Status {
	case models.OperationCompleted:
		view.Stage = models.StageCompleted
		view.Progress = 100
		return view, nil
	case models.OperationFailed, models.OperationCancelled:
		view.Stage = models.StageFailed
		view.Progress = 0
		return view, nil
	case models.OperationPending:
		view.Stage = models.StageScriptGeneration
		view.Progress = 0
		return view, nil
	}

	job := a.lookupJob(ctx, op)

	progress := 0
	if op.ScriptContent != nil {
		progress += 30
	}
	if job != nil && job.Progress > 0 {
		progress += 70 * job.Progress / 100
	} else {
		progress += 5
	}
	if progress > 100 {
		progress = 100
	}
	view.Progress = progress

	switch {
	case job != nil && job.State == queue.StateActive:
		view.Stage = models.StageVideoGeneration
	case job != nil:
		view.Stage = models.StageQueued
	case op.ScriptContent == nil:
		view.Stage = models.StageScriptGeneration
	default:
		view.Stage = models.StageQueued
	}

	return view, nil
}

func (a *JobStatusAggregator) lookupJob(ctx context.Context, op *models.Operation) *queue.JobStatus {
	jobID, ok := op.Metadata[models.MetaQueueJobID].(string)
	if !ok || jobID == "" {
		return nil
	}

	status, err := a.jobs.GetStatus(ctx, jobID)
	if err != nil {
		a.logger.WithFields(logrus.Fields{
			"operation_id": op.ID,
			"job_id":       jobID,
			"error":        err.Error(),
		}).Debug("Queue job status unavailable, falling back to ledger state")
		return nil
	}
	return status
}

// StartPolling polls the operation on the given interval and pushes each
// result to the callback. The loop stops itself after delivering a
// terminal status or an error. Registering a poller for an operation that
// already has one replaces the old loop.
func (a *JobStatusAggregator) StartPolling(ctx context.Context, operationID uuid.UUID, interval time.Duration, callback StatusCallback) {
	pollCtx, cancel := context.WithCancel(ctx)
	handle := &pollerHandle{cancel: cancel}

	a.mu.Lock()
	if existing, ok := a.pollers[operationID]; ok {
		existing.cancel()
	}
	a.pollers[operationID] = handle
	a.mu.Unlock()

	go a.pollLoop(pollCtx, handle, operationID, interval, callback)
}

// StopPolling cancels the polling loop for an operation, if any.
func (a *JobStatusAggregator) StopPolling(operationID uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if handle, ok := a.pollers[operationID]; ok {
		handle.cancel()
		delete(a.pollers, operationID)
	}
}

// release removes the handle only if it still owns the registration, so a
// finished loop never tears down its replacement.
func (a *JobStatusAggregator) release(operationID uuid.UUID, handle *pollerHandle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if current, ok := a.pollers[operationID]; ok && current == handle {
		current.cancel()
		delete(a.pollers, operationID)
	}
}

// ActivePollers reports how many polling loops are registered.
func (a *JobStatusAggregator) ActivePollers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pollers)
}

func (a *JobStatusAggregator) pollLoop(ctx context.Context, handle *pollerHandle, operationID uuid.UUID, interval time.Duration, callback StatusCallback) {
	defer a.release(operationID, handle)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		view, err := a.GetJobStatus(ctx, operationID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			callback(nil, err)
			return
		}

		callback(view, nil)

		if models.IsTerminalOperationStatus(view.Status) {
			return
		}
	}
}
