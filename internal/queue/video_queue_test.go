package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briefcast/briefcast/internal/config"
)

func newTestQueue(t *testing.T) (*VideoJobQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	cfg := &config.Config{}
	cfg.Queue.PriorityLevels = 10
	cfg.Queue.VisibilityTimeout = time.Minute

	return NewVideoJobQueue(cfg, client, logger), mr
}

func TestVideoJobQueue_PriorityOrdering(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	lowFirst, err := q.Enqueue(ctx, EnqueueParams{
		OperationID: uuid.New(), Priority: 5, Source: SourceBatch,
	})
	require.NoError(t, err)
	lowSecond, err := q.Enqueue(ctx, EnqueueParams{
		OperationID: uuid.New(), Priority: 5, Source: SourceBatch,
	})
	require.NoError(t, err)
	high, err := q.Enqueue(ctx, EnqueueParams{
		OperationID: uuid.New(), Priority: 1, Source: SourceInteractive,
	})
	require.NoError(t, err)

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, high, first.ID, "priority 1 should preempt priority 5")

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, lowFirst, second.ID, "FIFO within a priority level")

	third, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.Equal(t, lowSecond, third.ID)

	empty, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestVideoJobQueue_DelayedJobs(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	runAt := time.Now().Add(time.Hour)
	jobID, err := q.Enqueue(ctx, EnqueueParams{
		OperationID: uuid.New(),
		Priority:    3,
		DelayUntil:  &runAt,
		Source:      SourceBatch,
	})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job, "delayed job must not be ready before promotion")

	status, err := q.GetStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StateScheduled, status.State)

	// Not yet due.
	promoted, err := q.PromoteScheduled(ctx, time.Now(), 100)
	require.NoError(t, err)
	assert.Zero(t, promoted)

	// Past the scheduled time.
	promoted, err = q.PromoteScheduled(ctx, runAt.Add(time.Second), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	job, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, jobID, job.ID)
}

func TestVideoJobQueue_LifecycleAndStatus(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	opID := uuid.New()
	jobID, err := q.Enqueue(ctx, EnqueueParams{
		OperationID: opID,
		Payload:     map[string]interface{}{"prompt": "coffee shop morning ad"},
		Priority:    2,
		Source:      SourceInteractive,
	})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, opID, job.OperationID)
	assert.Equal(t, "coffee shop morning ad", job.Payload["prompt"])

	require.NoError(t, q.SetProgress(ctx, jobID, 40))
	status, err := q.GetStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, status.State)
	assert.Equal(t, 40, status.Progress)
	assert.NotNil(t, status.ProcessedAt)

	require.NoError(t, q.MarkCompleted(ctx, jobID))
	status, err = q.GetStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, status.State)
	assert.Equal(t, 100, status.Progress)
	assert.NotNil(t, status.FinishedAt)
}

func TestVideoJobQueue_RetryAfterFailure(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, EnqueueParams{OperationID: uuid.New(), Priority: 4})
	require.NoError(t, err)

	_, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.MarkFailed(ctx, jobID, "provider timeout"))

	status, err := q.GetStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, status.State)
	assert.Equal(t, "provider timeout", status.FailureReason)

	require.NoError(t, q.Retry(ctx, jobID))
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, jobID, job.ID)
	assert.Equal(t, 1, job.Attempt)
	assert.Equal(t, SourceRetry, job.Source)
}

func TestVideoJobQueue_RetryRejectsNonFailedJobs(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, EnqueueParams{OperationID: uuid.New(), Priority: 4})
	require.NoError(t, err)

	err = q.Retry(ctx, jobID)
	assert.Error(t, err)
}

func TestVideoJobQueue_Cancel(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, EnqueueParams{OperationID: uuid.New(), Priority: 6})
	require.NoError(t, err)
	require.NoError(t, q.Cancel(ctx, jobID))

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job, "cancelled job must not be dequeued")

	status, err := q.GetStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, status.State)
}

func TestVideoJobQueue_RequeueExpiredLeases(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, EnqueueParams{OperationID: uuid.New(), Priority: 2})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	// Before the visibility deadline nothing is reclaimed.
	ids, err := q.RequeueExpired(ctx, time.Now(), 100)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 100)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, jobID, ids[0])

	reclaimed, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, jobID, reclaimed.ID)
}
