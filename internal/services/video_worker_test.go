package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briefcast/briefcast/internal/config"
	"github.com/briefcast/briefcast/internal/ledger"
	"github.com/briefcast/briefcast/internal/messaging"
	"github.com/briefcast/briefcast/internal/providers"
	"github.com/briefcast/briefcast/internal/queue"
	"github.com/briefcast/briefcast/internal/telemetry"
	"github.com/briefcast/briefcast/pkg/models"
)

type fakeVideoGenerator struct {
	mu        sync.Mutex
	startErr  error
	pollErr   error
	result    *providers.VideoOperation
	polls     int
	startGate chan struct{}
}

func (f *fakeVideoGenerator) Start(ctx context.Context, prompt string, params providers.VideoGenerationParams) (*providers.VideoOperation, error) {
	if f.startGate != nil {
		select {
		case <-f.startGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &providers.VideoOperation{Handle: "op-1"}, nil
}

func (f *fakeVideoGenerator) Poll(ctx context.Context, handle string) (*providers.VideoOperation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	if f.result != nil {
		return f.result, nil
	}
	return &providers.VideoOperation{Handle: handle, Done: true, VideoURL: "https://cdn.example.com/v/1.mp4"}, nil
}

func (f *fakeVideoGenerator) Download(ctx context.Context, fileHandle, path string) (string, error) {
	return "https://cdn.example.com/" + path, nil
}

type fakeScriptGenerator struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeScriptGenerator) Generate(ctx context.Context, brief string, analysis *providers.ImageAnalysis, customScript *string) (*models.ScriptContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &models.ScriptContent{Hook: "hook for " + brief, RawText: "full script for " + brief}, nil
}

type capturedEvents struct {
	mu     sync.Mutex
	events []messaging.OperationEvent
}

func (c *capturedEvents) PublishOperationEvent(ctx context.Context, event messaging.OperationEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *capturedEvents) all() []messaging.OperationEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]messaging.OperationEvent(nil), c.events...)
}

type workerFixture struct {
	pool    *VideoWorkerPool
	store   *fakeLedger
	queue   *queue.VideoJobQueue
	video   *fakeVideoGenerator
	scripts *fakeScriptGenerator
	events  *capturedEvents
	cache   *ContentCache
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	cfg := &config.Config{}
	cfg.Queue.PriorityLevels = 10
	cfg.Queue.VisibilityTimeout = 10 * time.Minute
	cfg.Workers.Count = 1
	cfg.Workers.PollInterval = 10 * time.Millisecond
	cfg.Workers.MaxAttempts = 3
	cfg.Workers.BackoffInitial = 10 * time.Millisecond
	cfg.Workers.BackoffMax = 100 * time.Millisecond
	cfg.Workers.ProviderPoll = 10 * time.Millisecond
	cfg.Workers.ProviderMaxWait = time.Second
	cfg.Cache.ScriptTTL = time.Hour
	cfg.Cache.ImageAnalysisTTL = time.Hour
	cfg.Cache.KeyPrefix = "briefcast:cache"

	store := newFakeLedger()
	q := queue.NewVideoJobQueue(cfg, client, logger)
	video := &fakeVideoGenerator{}
	scripts := &fakeScriptGenerator{}
	events := &capturedEvents{}
	cache := NewContentCache(cfg, client, logger)

	pool := NewVideoWorkerPool(cfg, q, store, video, scripts, nil, cache, events, logger)
	return &workerFixture{pool: pool, store: store, queue: q, video: video, scripts: scripts, events: events, cache: cache}
}

func (fx *workerFixture) enqueueOperation(t *testing.T, brief string) (uuid.UUID, *queue.Job) {
	t.Helper()
	ctx := context.Background()

	op := &models.Operation{
		ID:            uuid.New(),
		Status:        models.OperationPending,
		CreativeBrief: brief,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, fx.store.Create(ctx, op))

	_, err := fx.queue.Enqueue(ctx, queue.EnqueueParams{
		OperationID: op.ID,
		Payload:     map[string]interface{}{"creative_brief": brief},
		Priority:    5,
	})
	require.NoError(t, err)

	job, err := fx.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	return op.ID, job
}

func TestWorker_SuccessfulGeneration(t *testing.T) {
	fx := newWorkerFixture(t)
	ctx := context.Background()

	opID, job := fx.enqueueOperation(t, "sneaker brand launch video")
	fx.pool.processJob(ctx, 0, job)

	op, err := fx.store.FindByID(ctx, opID)
	require.NoError(t, err)
	assert.Equal(t, models.OperationCompleted, op.Status)
	require.NotNil(t, op.ScriptContent)
	assert.Equal(t, []string{"https://cdn.example.com/v/1.mp4"}, op.VideoURLs)
	assert.NotNil(t, op.CompletedAt)

	status, err := fx.queue.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateCompleted, status.State)

	events := fx.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, models.WebhookEventCompleted, events[0].Event)
	assert.Equal(t, opID, events[0].OperationID)
}

func TestWorker_ScriptCacheReusedAcrossOperations(t *testing.T) {
	fx := newWorkerFixture(t)
	ctx := context.Background()

	_, job1 := fx.enqueueOperation(t, "identical coffee brief")
	fx.pool.processJob(ctx, 0, job1)

	_, job2 := fx.enqueueOperation(t, "identical coffee brief")
	fx.pool.processJob(ctx, 0, job2)

	fx.scripts.mu.Lock()
	defer fx.scripts.mu.Unlock()
	assert.Equal(t, 1, fx.scripts.calls)
}

func TestWorker_RetryableFailureRequeues(t *testing.T) {
	fx := newWorkerFixture(t)
	ctx := context.Background()

	fx.video.startErr = &models.ProviderError{
		Provider:  "video",
		Retryable: true,
		Err:       errors.New("rate limited"),
	}

	opID, job := fx.enqueueOperation(t, "travel agency promo")
	fx.pool.processJob(ctx, 0, job)

	// The operation keeps processing; the job is scheduled for a retry.
	op, err := fx.store.FindByID(ctx, opID)
	require.NoError(t, err)
	assert.Equal(t, models.OperationProcessing, op.Status)

	status, err := fx.queue.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateScheduled, status.State)
	assert.Equal(t, 1, status.Attempt)

	assert.Empty(t, fx.events.all())
}

func TestWorker_RetriesExhaustedFailsOperation(t *testing.T) {
	fx := newWorkerFixture(t)
	ctx := context.Background()

	fx.video.startErr = &models.ProviderError{
		Provider:  "video",
		Retryable: true,
		Err:       errors.New("rate limited"),
	}

	opID, job := fx.enqueueOperation(t, "travel agency promo")
	// Simulate a job that already burned its earlier attempts.
	job.Attempt = 2

	fx.pool.processJob(ctx, 0, job)

	op, err := fx.store.FindByID(ctx, opID)
	require.NoError(t, err)
	assert.Equal(t, models.OperationFailed, op.Status)
	require.NotNil(t, op.ErrorMessage)
	assert.Contains(t, *op.ErrorMessage, "retries exhausted")

	events := fx.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, models.WebhookEventFailed, events[0].Event)
}

func TestWorker_TerminalProviderErrorFailsImmediately(t *testing.T) {
	fx := newWorkerFixture(t)
	ctx := context.Background()

	fx.video.result = &providers.VideoOperation{Handle: "op-1", Done: true, Error: "prompt rejected by safety filter"}
	fx.video.startErr = nil

	opID, job := fx.enqueueOperation(t, "questionable brief")
	fx.pool.processJob(ctx, 0, job)

	op, err := fx.store.FindByID(ctx, opID)
	require.NoError(t, err)
	assert.Equal(t, models.OperationFailed, op.Status)
	require.NotNil(t, op.ErrorMessage)
	assert.Contains(t, *op.ErrorMessage, "safety filter")

	status, err := fx.queue.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, status.State)
}

func TestWorker_TerminalOperationDropsJob(t *testing.T) {
	fx := newWorkerFixture(t)
	ctx := context.Background()

	opID, job := fx.enqueueOperation(t, "already cancelled work")
	require.NoError(t, fx.store.UpdateStatus(ctx, opID, models.OperationCancelled, ledgerUpdateNone()))

	fx.pool.processJob(ctx, 0, job)

	op, err := fx.store.FindByID(ctx, opID)
	require.NoError(t, err)
	assert.Equal(t, models.OperationCancelled, op.Status)

	status, err := fx.queue.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateCancelled, status.State)
	assert.Empty(t, fx.events.all())
}

func TestWorker_PoolRunsEndToEnd(t *testing.T) {
	fx := newWorkerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	op := &models.Operation{
		ID:            uuid.New(),
		Status:        models.OperationPending,
		CreativeBrief: "bakery grand opening",
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, fx.store.Create(ctx, op))
	_, err := fx.queue.Enqueue(ctx, queue.EnqueueParams{
		OperationID: op.ID,
		Payload:     map[string]interface{}{"creative_brief": op.CreativeBrief},
		Priority:    1,
	})
	require.NoError(t, err)

	fx.pool.Start(ctx)

	assert.Eventually(t, func() bool {
		stored, err := fx.store.FindByID(context.Background(), op.ID)
		return err == nil && stored.Status == models.OperationCompleted
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	fx.pool.Stop()
}

func TestWorker_InflightGaugeTracksActiveJobs(t *testing.T) {
	fx := newWorkerFixture(t)
	gate := make(chan struct{})
	fx.video.startGate = gate

	ctx := context.Background()
	op := &models.Operation{
		ID:            uuid.New(),
		Status:        models.OperationPending,
		CreativeBrief: "pop-up barbershop promo",
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, fx.store.Create(ctx, op))
	_, err := fx.queue.Enqueue(ctx, queue.EnqueueParams{
		OperationID: op.ID,
		Payload:     map[string]interface{}{"creative_brief": op.CreativeBrief},
		Priority:    5,
	})
	require.NoError(t, err)

	base := testutil.ToFloat64(telemetry.JobsInFlight)

	runCtx, cancel := context.WithCancel(ctx)
	fx.pool.Start(runCtx)
	defer func() {
		cancel()
		fx.pool.Stop()
	}()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(telemetry.JobsInFlight) == base+1
	}, time.Second, 10*time.Millisecond)

	close(gate)

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(telemetry.JobsInFlight) == base
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStringSliceCoercesJSONPayloadValues(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, stringSlice([]string{"a", "b"}))
	assert.Equal(t, []string{"a", "b"}, stringSlice([]interface{}{"a", "b"}))
	assert.Equal(t, []string{"a"}, stringSlice([]interface{}{"a", 7}))
	assert.Nil(t, stringSlice("a"))
	assert.Nil(t, stringSlice(nil))
}

func TestBackoffWithJitter(t *testing.T) {
	initial := 2 * time.Second
	max := 5 * time.Minute

	for attempt := 1; attempt <= 10; attempt++ {
		d := backoffWithJitter(attempt, initial, max)
		assert.GreaterOrEqual(t, d, initial)
		assert.LessOrEqual(t, d, max)
	}

	// Growth is exponential before the cap.
	assert.GreaterOrEqual(t, backoffWithJitter(3, initial, max), 8*time.Second)
}

func ledgerUpdateNone() ledger.OperationUpdate { return ledger.OperationUpdate{} }
