// Package queue implements the durable, priority-ordered video-generation
// job queue on Redis: one ready list per priority level (FIFO within a
// level), a scheduled set for delayed jobs, and an in-flight set with a
// visibility timeout so crashed workers lose their lease instead of the job.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/briefcast/briefcast/internal/config"
	"github.com/briefcast/briefcast/pkg/models"
)

// Job sources, recorded for observability and retry accounting.
const (
	SourceInteractive = "interactive"
	SourceBatch       = "batch"
	SourceRetry       = "retry"
)

// Job states tracked in the per-job meta hash.
const (
	StateWaiting   = "waiting"
	StateScheduled = "scheduled"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

const (
	readyKeyPrefix = "queue:video:ready:p"
	scheduledKey   = "queue:video:scheduled"
	inflightKey    = "queue:video:inflight"
	metaKeyPrefix  = "queue:video:job:"
	metaTTL        = 24 * time.Hour
)

// Job is one unit of queued video-generation work backing an operation.
type Job struct {
	ID          string                 `json:"id"`
	OperationID uuid.UUID              `json:"operation_id"`
	Payload     map[string]interface{} `json:"payload"`
	Priority    int                    `json:"priority"`
	Attempt     int                    `json:"attempt"`
	Source      string                 `json:"source"`
}

// JobStatus is the queue-side view of a job's lifecycle.
type JobStatus struct {
	JobID         string     `json:"job_id"`
	State         string     `json:"state"`
	Progress      int        `json:"progress"` // 0-100
	Attempt       int        `json:"attempt"`
	EnqueuedAt    *time.Time `json:"enqueued_at,omitempty"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
}

// EnqueueParams collects the inputs for a new job.
type EnqueueParams struct {
	OperationID uuid.UUID
	Payload     map[string]interface{}
	Priority    int // 1-10, 1 = highest
	DelayUntil  *time.Time
	Source      string
}

type VideoJobQueue struct {
	client         *redis.Client
	priorityLevels int
	visibility     time.Duration
	logger         *logrus.Logger
}

func NewVideoJobQueue(cfg *config.Config, client *redis.Client, logger *logrus.Logger) *VideoJobQueue {
	levels := cfg.Queue.PriorityLevels
	if levels <= 0 {
		levels = 10
	}
	visibility := cfg.Queue.VisibilityTimeout
	if visibility == 0 {
		visibility = 10 * time.Minute
	}
	return &VideoJobQueue{
		client:         client,
		priorityLevels: levels,
		visibility:     visibility,
		logger:         logger,
	}
}

func readyKey(priority int) string {
	return fmt.Sprintf("%s%02d", readyKeyPrefix, priority)
}

func metaKey(jobID string) string {
	return metaKeyPrefix + jobID
}

func (q *VideoJobQueue) clampPriority(priority int) int {
	if priority < 1 {
		return 1
	}
	if priority > q.priorityLevels {
		return q.priorityLevels
	}
	return priority
}

// Enqueue inserts a job into the ready list for its priority, or into the
// scheduled set when a delay is requested.
func (q *VideoJobQueue) Enqueue(ctx context.Context, p EnqueueParams) (string, error) {
	jobID := uuid.New().String()
	priority := q.clampPriority(p.Priority)
	if p.Source == "" {
		p.Source = SourceInteractive
	}

	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job payload: %w", err)
	}

	now := time.Now().UTC()
	state := StateWaiting
	if p.DelayUntil != nil && p.DelayUntil.After(now) {
		state = StateScheduled
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, metaKey(jobID), map[string]interface{}{
		"operation_id": p.OperationID.String(),
		"payload":      payloadJSON,
		"priority":     priority,
		"attempt":      0,
		"source":       p.Source,
		"state":        state,
		"progress":     0,
		"enqueued_at":  now.Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, metaKey(jobID), metaTTL)
	if state == StateScheduled {
		pipe.ZAdd(ctx, scheduledKey, redis.Z{
			Score:  float64(p.DelayUntil.UnixMilli()),
			Member: jobID,
		})
	} else {
		pipe.RPush(ctx, readyKey(priority), jobID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	q.logger.WithFields(logrus.Fields{
		"job_id":       jobID,
		"operation_id": p.OperationID,
		"priority":     priority,
		"source":       p.Source,
		"state":        state,
	}).Debug("Video job enqueued")

	return jobID, nil
}

// PromoteScheduled moves due jobs from the scheduled set into their ready
// lists. Returns how many were promoted.
func (q *VideoJobQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read scheduled jobs: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		priority := q.jobPriority(ctx, id)
		pipe.ZRem(ctx, scheduledKey, id)
		pipe.RPush(ctx, readyKey(priority), id)
		pipe.HSet(ctx, metaKey(id), "state", StateWaiting)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to promote scheduled jobs: %w", err)
	}
	return len(ids), nil
}

// dequeueScript pops the first job across ready lists in priority order and
// records its visibility deadline in the in-flight set, atomically.
var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i = 1, #KEYS - 1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return false
`)

// Dequeue pops the highest-priority ready job and leases it. Returns the
// empty string when no job is ready.
func (q *VideoJobQueue) Dequeue(ctx context.Context) (*Job, error) {
	keys := make([]string, 0, q.priorityLevels+1)
	for p := 1; p <= q.priorityLevels; p++ {
		keys = append(keys, readyKey(p))
	}
	keys = append(keys, inflightKey)

	deadline := time.Now().Add(q.visibility).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, keys, deadline).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}
	jobID, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected dequeue result type %T", res)
	}

	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		// Meta expired or was removed; drop the lease so the id does not
		// circulate forever.
		_ = q.client.ZRem(ctx, inflightKey, jobID).Err()
		return nil, err
	}

	now := time.Now().UTC()
	_ = q.client.HSet(ctx, metaKey(jobID), map[string]interface{}{
		"state":        StateActive,
		"processed_at": now.Format(time.RFC3339Nano),
	}).Err()

	return job, nil
}

// RequeueExpired reclaims in-flight jobs whose visibility deadline passed.
func (q *VideoJobQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, inflightKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read expired leases: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		priority := q.jobPriority(ctx, id)
		pipe.ZRem(ctx, inflightKey, id)
		pipe.RPush(ctx, readyKey(priority), id)
		pipe.HSet(ctx, metaKey(id), "state", StateWaiting)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to requeue expired jobs: %w", err)
	}

	q.logger.WithField("count", len(ids)).Warn("Requeued jobs with expired leases")
	return ids, nil
}

// ExtendLease pushes an in-flight job's visibility deadline forward. Workers
// call this while polling a slow provider operation.
func (q *VideoJobQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// SetProgress records worker-reported progress (0-100) for the job.
func (q *VideoJobQueue) SetProgress(ctx context.Context, jobID string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	return q.client.HSet(ctx, metaKey(jobID), "progress", progress).Err()
}

// MarkCompleted releases the lease and finalizes the job record.
func (q *VideoJobQueue) MarkCompleted(ctx context.Context, jobID string) error {
	return q.finish(ctx, jobID, StateCompleted, "")
}

// MarkFailed releases the lease and records the failure reason.
func (q *VideoJobQueue) MarkFailed(ctx context.Context, jobID, reason string) error {
	return q.finish(ctx, jobID, StateFailed, reason)
}

func (q *VideoJobQueue) finish(ctx context.Context, jobID, state, reason string) error {
	now := time.Now().UTC()
	fields := map[string]interface{}{
		"state":       state,
		"finished_at": now.Format(time.RFC3339Nano),
	}
	if state == StateCompleted {
		fields["progress"] = 100
	}
	if reason != "" {
		fields["failure_reason"] = reason
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey, jobID)
	pipe.HSet(ctx, metaKey(jobID), fields)
	pipe.Expire(ctx, metaKey(jobID), metaTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to finalize job: %w", err)
	}
	return nil
}

// RequeueForRetry re-enqueues a failed attempt with backoff.
func (q *VideoJobQueue) RequeueForRetry(ctx context.Context, jobID string, attempt int, runAt time.Time, reason string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey, jobID)
	pipe.HSet(ctx, metaKey(jobID), map[string]interface{}{
		"state":          StateScheduled,
		"attempt":        attempt,
		"source":         SourceRetry,
		"failure_reason": reason,
	})
	pipe.ZAdd(ctx, scheduledKey, redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: jobID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to requeue job for retry: %w", err)
	}
	return nil
}

// Retry re-enqueues a failed job immediately at its original priority.
func (q *VideoJobQueue) Retry(ctx context.Context, jobID string) error {
	status, err := q.GetStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if status.State != StateFailed {
		return &models.ValidationError{Field: "job", Message: "only failed jobs can be retried"}
	}

	priority := q.jobPriority(ctx, jobID)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, metaKey(jobID), map[string]interface{}{
		"state":          StateWaiting,
		"attempt":        status.Attempt + 1,
		"source":         SourceRetry,
		"failure_reason": "",
		"progress":       0,
	})
	pipe.RPush(ctx, readyKey(priority), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to retry job: %w", err)
	}
	return nil
}

// Cancel removes the job from every queue structure. An in-flight worker is
// not interrupted; its eventual ledger write is absorbed by the terminal
// guard.
func (q *VideoJobQueue) Cancel(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	for p := 1; p <= q.priorityLevels; p++ {
		pipe.LRem(ctx, readyKey(p), 0, jobID)
	}
	pipe.ZRem(ctx, scheduledKey, jobID)
	pipe.ZRem(ctx, inflightKey, jobID)
	pipe.HSet(ctx, metaKey(jobID), map[string]interface{}{
		"state":       StateCancelled,
		"finished_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	return nil
}

// GetStatus returns the queue-side status of a job.
func (q *VideoJobQueue) GetStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	fields, err := q.client.HGetAll(ctx, metaKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read job meta: %w", err)
	}
	if len(fields) == 0 {
		return nil, &models.NotFoundError{Resource: "job", ID: jobID}
	}

	status := &JobStatus{
		JobID:         jobID,
		State:         fields["state"],
		FailureReason: fields["failure_reason"],
	}
	status.Progress, _ = strconv.Atoi(fields["progress"])
	status.Attempt, _ = strconv.Atoi(fields["attempt"])
	status.EnqueuedAt = parseTimeField(fields["enqueued_at"])
	status.ProcessedAt = parseTimeField(fields["processed_at"])
	status.FinishedAt = parseTimeField(fields["finished_at"])
	return status, nil
}

// ReadyDepth returns the total length of all ready lists.
func (q *VideoJobQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, q.priorityLevels)
	for p := 1; p <= q.priorityLevels; p++ {
		cmds = append(cmds, pipe.LLen(ctx, readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

func (q *VideoJobQueue) loadJob(ctx context.Context, jobID string) (*Job, error) {
	fields, err := q.client.HGetAll(ctx, metaKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load job meta: %w", err)
	}
	if len(fields) == 0 {
		return nil, &models.NotFoundError{Resource: "job", ID: jobID}
	}

	opID, err := uuid.Parse(fields["operation_id"])
	if err != nil {
		return nil, fmt.Errorf("job %s has invalid operation id: %w", jobID, err)
	}

	job := &Job{
		ID:          jobID,
		OperationID: opID,
		Source:      fields["source"],
	}
	job.Priority, _ = strconv.Atoi(fields["priority"])
	job.Attempt, _ = strconv.Atoi(fields["attempt"])
	if raw := fields["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Payload); err != nil {
			return nil, fmt.Errorf("job %s has invalid payload: %w", jobID, err)
		}
	}
	return job, nil
}

func (q *VideoJobQueue) jobPriority(ctx context.Context, jobID string) int {
	raw, err := q.client.HGet(ctx, metaKey(jobID), "priority").Result()
	if err != nil {
		return q.priorityLevels // lowest priority when unknown
	}
	priority, err := strconv.Atoi(raw)
	if err != nil {
		return q.priorityLevels
	}
	return q.clampPriority(priority)
}

func parseTimeField(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil
	}
	return &t
}
