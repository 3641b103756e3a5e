package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briefcast/briefcast/internal/ledger"
	"github.com/briefcast/briefcast/internal/queue"
	"github.com/briefcast/briefcast/pkg/models"
)

func newTestAggregator(t *testing.T) (*JobStatusAggregator, *fakeLedger, *fakeJobSource) {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	store := newFakeLedger()
	jobs := newFakeJobSource()
	return NewJobStatusAggregator(store, jobs, logger), store, jobs
}

func seedOperation(t *testing.T, store *fakeLedger, status string, script *models.ScriptContent, jobID string) uuid.UUID {
	t.Helper()

	op := &models.Operation{
		ID:            uuid.New(),
		Status:        status,
		CreativeBrief: "coffee shop morning advertisement",
		ScriptContent: script,
		CreatedAt:     time.Now().UTC(),
		Metadata:      map[string]interface{}{},
	}
	if jobID != "" {
		op.Metadata[models.MetaQueueJobID] = jobID
	}
	require.NoError(t, store.Create(context.Background(), op))
	return op.ID
}

func TestAggregator_ProgressHeuristic(t *testing.T) {
	agg, store, jobs := newTestAggregator(t)
	ctx := context.Background()
	script := &models.ScriptContent{Hook: "Wake up to something better"}

	tests := []struct {
		name         string
		status       string
		script       *models.ScriptContent
		jobState     string
		jobProgress  int
		wantProgress int
		wantStage    string
	}{
		{"pending", models.OperationPending, nil, "", 0, 0, models.StageScriptGeneration},
		{"processing no script no job", models.OperationProcessing, nil, "", 0, 5, models.StageScriptGeneration},
		{"script done job not started", models.OperationProcessing, script, queue.StateWaiting, 0, 35, models.StageQueued},
		{"script done job halfway", models.OperationProcessing, script, queue.StateActive, 50, 65, models.StageVideoGeneration},
		{"script done job near done", models.OperationProcessing, script, queue.StateActive, 90, 93, models.StageVideoGeneration},
		{"completed", models.OperationCompleted, script, "", 0, 100, models.StageCompleted},
		{"failed", models.OperationFailed, nil, "", 0, 0, models.StageFailed},
		{"cancelled", models.OperationCancelled, nil, "", 0, 0, models.StageFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobID := ""
			if tt.jobState != "" {
				jobID = uuid.NewString()
				jobs.set(jobID, tt.jobState, tt.jobProgress)
			}
			opID := seedOperation(t, store, tt.status, tt.script, jobID)

			view, err := agg.GetJobStatus(ctx, opID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantProgress, view.Progress)
			assert.Equal(t, tt.wantStage, view.Stage)
		})
	}
}

func TestAggregator_QueueOutageFallsBackToLedger(t *testing.T) {
	agg, store, _ := newTestAggregator(t)

	// Job id points at nothing; the aggregator degrades to ledger state.
	opID := seedOperation(t, store, models.OperationProcessing, &models.ScriptContent{Hook: "h"}, uuid.NewString())

	view, err := agg.GetJobStatus(context.Background(), opID)
	require.NoError(t, err)
	assert.Equal(t, 35, view.Progress)
	assert.Equal(t, models.StageQueued, view.Stage)
}

func TestAggregator_UnknownOperation(t *testing.T) {
	agg, _, _ := newTestAggregator(t)

	_, err := agg.GetJobStatus(context.Background(), uuid.New())
	var notFound *models.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestAggregator_PollingStopsOnTerminal(t *testing.T) {
	agg, store, _ := newTestAggregator(t)
	ctx := context.Background()

	opID := seedOperation(t, store, models.OperationProcessing, nil, "")

	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})

	agg.StartPolling(ctx, opID, 10*time.Millisecond, func(view *models.OperationStatusView, err error) {
		require.NoError(t, err)
		mu.Lock()
		seen = append(seen, view.Status)
		mu.Unlock()
		if models.IsTerminalOperationStatus(view.Status) {
			close(done)
		}
	})

	time.Sleep(30 * time.Millisecond)
	url := "https://cdn.example.com/v/1.mp4"
	require.NoError(t, store.UpdateStatus(ctx, opID, models.OperationCompleted, ledger.OperationUpdate{AppendVideoURL: &url}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller never observed the terminal status")
	}

	assert.Eventually(t, func() bool { return agg.ActivePollers() == 0 }, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, models.OperationCompleted, seen[len(seen)-1])
}

func TestAggregator_ReRegisterReplacesPoller(t *testing.T) {
	agg, store, _ := newTestAggregator(t)
	ctx := context.Background()

	opID := seedOperation(t, store, models.OperationProcessing, nil, "")

	agg.StartPolling(ctx, opID, time.Hour, func(*models.OperationStatusView, error) {})
	agg.StartPolling(ctx, opID, time.Hour, func(*models.OperationStatusView, error) {})
	assert.Equal(t, 1, agg.ActivePollers())

	agg.StopPolling(opID)
	assert.Equal(t, 0, agg.ActivePollers())
}
