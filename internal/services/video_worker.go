package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/briefcast/briefcast/internal/config"
	"github.com/briefcast/briefcast/internal/ledger"
	"github.com/briefcast/briefcast/internal/messaging"
	"github.com/briefcast/briefcast/internal/providers"
	"github.com/briefcast/briefcast/internal/queue"
	"github.com/briefcast/briefcast/internal/telemetry"
	"github.com/briefcast/briefcast/pkg/models"
)

// eventPublisher decouples the worker from the Kafka bus in tests.
type eventPublisher interface {
	PublishOperationEvent(ctx context.Context, event messaging.OperationEvent) error
}

// VideoWorkerPool runs the generation pipeline: it leases jobs from the
// queue, drives the script and video providers, and records every
// transition in the ledger. Retryable provider failures re-enqueue the
// job with backoff; terminal failures and successes publish an event for
// the webhook notifier.
type VideoWorkerPool struct {
	cfg        *config.WorkerConfig
	queue      *queue.VideoJobQueue
	operations ledger.OperationRepository
	video      providers.VideoGenerator
	scripts    providers.ScriptGenerator
	images     providers.ImageAnalyzer
	cache      *ContentCache
	events     eventPublisher
	logger     *logrus.Logger

	wg sync.WaitGroup
}

func NewVideoWorkerPool(
	cfg *config.Config,
	q *queue.VideoJobQueue,
	operations ledger.OperationRepository,
	video providers.VideoGenerator,
	scripts providers.ScriptGenerator,
	images providers.ImageAnalyzer,
	cache *ContentCache,
	events eventPublisher,
	logger *logrus.Logger,
) *VideoWorkerPool {
	return &VideoWorkerPool{
		cfg:        &cfg.Workers,
		queue:      q,
		operations: operations,
		video:      video,
		scripts:    scripts,
		images:     images,
		cache:      cache,
		events:     events,
		logger:     logger,
	}
}

// Start launches the worker goroutines plus the queue maintenance loop.
// It returns immediately; Stop blocks until all workers drain.
func (p *VideoWorkerPool) Start(ctx context.Context) {
	count := p.cfg.Count
	if count <= 0 {
		count = 5
	}

	for i := 0; i < count; i++ {
		p.wg.Add(1)
		go func(worker int) {
			defer p.wg.Done()
			p.runWorker(ctx, worker)
		}(i)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runMaintenance(ctx)
	}()

	p.logger.WithField("workers", count).Info("Video worker pool started")
}

// Stop waits for in-flight work to finish after ctx cancellation.
func (p *VideoWorkerPool) Stop() {
	p.wg.Wait()
}

func (p *VideoWorkerPool) runWorker(ctx context.Context, worker int) {
	poll := p.cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.logger.WithFields(logrus.Fields{
				"worker": worker,
				"error":  err.Error(),
			}).Warn("Dequeue failed")
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(poll):
			}
			continue
		}

		telemetry.JobsInFlight.Inc()
		p.processJob(ctx, worker, job)
		telemetry.JobsInFlight.Dec()
	}
}

// runMaintenance promotes due scheduled jobs, requeues expired leases, and
// refreshes the queue depth gauges.
func (p *VideoWorkerPool) runMaintenance(ctx context.Context) {
	interval := 2 * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := p.queue.PromoteScheduled(ctx, now.UTC(), 100); err != nil && ctx.Err() == nil {
				p.logger.WithField("error", err.Error()).Warn("Scheduled job promotion failed")
			}
			expired, err := p.queue.RequeueExpired(ctx, now.UTC(), 100)
			if err != nil && ctx.Err() == nil {
				p.logger.WithField("error", err.Error()).Warn("Expired lease requeue failed")
			}
			for range expired {
				telemetry.JobsRetried.Inc()
			}
			if depth, err := p.queue.ReadyDepth(ctx); err == nil {
				telemetry.QueueDepth.Set(float64(depth))
			}
		}
	}
}

func (p *VideoWorkerPool) processJob(ctx context.Context, worker int, job *queue.Job) {
	log := p.logger.WithFields(logrus.Fields{
		"worker":       worker,
		"job_id":       job.ID,
		"operation_id": job.OperationID,
		"attempt":      job.Attempt,
	})

	op, err := p.operations.FindByID(ctx, job.OperationID)
	if err != nil {
		log.WithField("error", err.Error()).Error("Job references unknown operation")
		_ = p.queue.MarkFailed(ctx, job.ID, "operation not found")
		return
	}
	if models.IsTerminalOperationStatus(op.Status) {
		log.WithField("status", op.Status).Info("Operation already terminal, dropping job")
		_ = p.queue.Cancel(ctx, job.ID)
		return
	}

	if err := p.operations.UpdateStatus(ctx, job.OperationID, models.OperationProcessing, ledger.OperationUpdate{
		MetadataPatch: map[string]interface{}{models.MetaQueueJobID: job.ID},
	}); err != nil {
		log.WithField("error", err.Error()).Error("Failed to mark operation processing")
	}

	script, err := p.ensureScript(ctx, op, job)
	if err == nil {
		err = p.generateVideo(ctx, job, script)
	}

	if err == nil {
		return
	}

	if models.IsRetryableProviderError(err) {
		p.handleRetryable(ctx, job, err, log)
		return
	}
	p.failOperation(ctx, job, err, log)
}

// ensureScript produces the ad script, reusing the operation's persisted
// script on retries and the content cache across operations.
func (p *VideoWorkerPool) ensureScript(ctx context.Context, op *models.Operation, job *queue.Job) (*models.ScriptContent, error) {
	if op.ScriptContent != nil {
		return op.ScriptContent, nil
	}

	brief, _ := job.Payload["creative_brief"].(string)
	if brief == "" {
		brief = op.CreativeBrief
	}
	var customScript *string
	if s, ok := job.Payload["custom_script"].(string); ok {
		customScript = &s
	}

	analysis := p.analyzeImages(ctx, job)
	summary := ""
	if analysis != nil {
		summary = analysis.Summary
	}

	custom := ""
	if customScript != nil {
		custom = *customScript
	}
	cacheInput := CanonicalScriptInput(brief, summary, custom)

	var script models.ScriptContent
	if p.cache != nil && p.cache.GetInto(ctx, NamespaceScript, cacheInput, &script) {
		if err := p.persistScript(ctx, op, &script); err != nil {
			return nil, err
		}
		return &script, nil
	}

	generated, err := p.scripts.Generate(ctx, brief, analysis, customScript)
	if err != nil {
		return nil, err
	}

	if p.cache != nil {
		p.cache.Set(ctx, NamespaceScript, cacheInput, generated)
	}
	if err := p.persistScript(ctx, op, generated); err != nil {
		return nil, err
	}
	return generated, nil
}

func (p *VideoWorkerPool) persistScript(ctx context.Context, op *models.Operation, script *models.ScriptContent) error {
	return p.operations.UpdateStatus(ctx, op.ID, models.OperationProcessing, ledger.OperationUpdate{
		ScriptContent: script,
	})
}

// analyzeImages is best-effort: analysis failures degrade to an
// unconditioned script rather than failing the operation.
func (p *VideoWorkerPool) analyzeImages(ctx context.Context, job *queue.Job) *providers.ImageAnalysis {
	if p.images == nil {
		return nil
	}

	urls := stringSlice(job.Payload["image_urls"])
	if len(urls) == 0 {
		return nil
	}

	// Image URLs stand in for the bytes here; fetching lives in the
	// analyzer implementation.
	data := make([][]byte, 0, len(urls))
	for _, u := range urls {
		data = append(data, []byte(u))
	}

	cacheInput := CanonicalImageInput(data, nil)
	var cached providers.ImageAnalysis
	if p.cache != nil && p.cache.GetInto(ctx, NamespaceImageAnalysis, cacheInput, &cached) {
		return &cached
	}

	analysis, err := p.images.Analyze(ctx, data, nil)
	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"operation_id": job.OperationID,
			"error":        err.Error(),
		}).Warn("Image analysis failed, continuing without image context")
		return nil
	}

	if p.cache != nil && analysis != nil {
		p.cache.Set(ctx, NamespaceImageAnalysis, cacheInput, analysis)
	}
	return analysis
}

func (p *VideoWorkerPool) generateVideo(ctx context.Context, job *queue.Job, script *models.ScriptContent) error {
	prompt := script.RawText
	if prompt == "" {
		prompt, _ = job.Payload["creative_brief"].(string)
	}

	handle, err := p.video.Start(ctx, prompt, videoParams(job.Payload))
	if err != nil {
		return err
	}

	_ = p.queue.SetProgress(ctx, job.ID, 10)

	pollEvery := p.cfg.ProviderPoll
	if pollEvery <= 0 {
		pollEvery = 10 * time.Second
	}
	maxWait := p.cfg.ProviderMaxWait
	if maxWait <= 0 {
		maxWait = 6 * time.Minute
	}

	deadline := time.Now().Add(maxWait)
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	current := handle
	for !current.Done {
		if time.Now().After(deadline) {
			return &models.ProviderError{
				Provider:  "video",
				Retryable: true,
				Err:       fmt.Errorf("synthesis did not finish within %s", maxWait),
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		polled, err := p.video.Poll(ctx, handle.Handle)
		if err != nil {
			return err
		}
		current = polled

		// Lease and progress advance together so a slow synthesis is not
		// mistaken for a dead worker.
		_ = p.queue.ExtendLease(ctx, job.ID, maxWait)
		_ = p.queue.SetProgress(ctx, job.ID, pollProgress(deadline, maxWait))
	}

	if current.Error != "" {
		return &models.ProviderError{
			Provider:  "video",
			Retryable: false,
			Err:       fmt.Errorf("%s", current.Error),
		}
	}

	videoURL := current.VideoURL
	if videoURL == "" && current.FileHandle != "" {
		videoURL, err = p.video.Download(ctx, current.FileHandle, job.OperationID.String()+".mp4")
		if err != nil {
			return err
		}
	}
	if videoURL == "" {
		return &models.ProviderError{
			Provider:  "video",
			Retryable: false,
			Err:       fmt.Errorf("synthesis finished without a video artifact"),
		}
	}

	return p.completeOperation(ctx, job, videoURL)
}

func (p *VideoWorkerPool) completeOperation(ctx context.Context, job *queue.Job, videoURL string) error {
	if err := p.operations.UpdateStatus(ctx, job.OperationID, models.OperationCompleted, ledger.OperationUpdate{
		AppendVideoURL: &videoURL,
	}); err != nil {
		return fmt.Errorf("failed to record completion: %w", err)
	}

	if err := p.queue.MarkCompleted(ctx, job.ID); err != nil {
		p.logger.WithFields(logrus.Fields{
			"job_id": job.ID,
			"error":  err.Error(),
		}).Warn("Failed to mark queue job completed")
	}

	telemetry.JobsCompleted.Inc()
	p.publishEvent(ctx, job, models.WebhookEventCompleted, map[string]interface{}{
		"video_url": videoURL,
	})

	p.logger.WithFields(logrus.Fields{
		"operation_id": job.OperationID,
		"job_id":       job.ID,
		"video_url":    videoURL,
	}).Info("Video generation completed")

	return nil
}

func (p *VideoWorkerPool) handleRetryable(ctx context.Context, job *queue.Job, cause error, log *logrus.Entry) {
	maxAttempts := p.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	attempt := job.Attempt + 1
	if attempt >= maxAttempts {
		p.failOperation(ctx, job, fmt.Errorf("retries exhausted after %d attempts: %w", attempt, cause), log)
		return
	}

	delay := backoffWithJitter(attempt, p.cfg.BackoffInitial, p.cfg.BackoffMax)
	runAt := time.Now().UTC().Add(delay)
	if err := p.queue.RequeueForRetry(ctx, job.ID, attempt, runAt, cause.Error()); err != nil {
		log.WithField("error", err.Error()).Error("Failed to requeue job for retry")
		p.failOperation(ctx, job, cause, log)
		return
	}

	telemetry.JobsRetried.Inc()
	log.WithFields(logrus.Fields{
		"next_attempt": attempt,
		"delay":        delay.String(),
		"error":        cause.Error(),
	}).Warn("Retryable provider failure, job re-enqueued")
}

func (p *VideoWorkerPool) failOperation(ctx context.Context, job *queue.Job, cause error, log *logrus.Entry) {
	msg := cause.Error()
	if err := p.operations.UpdateStatus(ctx, job.OperationID, models.OperationFailed, ledger.OperationUpdate{
		ErrorMessage: &msg,
	}); err != nil {
		log.WithField("error", err.Error()).Error("Failed to record operation failure")
	}
	if err := p.queue.MarkFailed(ctx, job.ID, msg); err != nil {
		log.WithField("error", err.Error()).Warn("Failed to mark queue job failed")
	}

	telemetry.JobsFailed.Inc()
	p.publishEvent(ctx, job, models.WebhookEventFailed, map[string]interface{}{
		"error": msg,
	})

	log.WithField("error", msg).Error("Video generation failed")
}

// publishEvent is fire-and-forget: losing an event loses one webhook, not
// the operation result.
func (p *VideoWorkerPool) publishEvent(ctx context.Context, job *queue.Job, event string, data map[string]interface{}) {
	if p.events == nil {
		return
	}
	err := p.events.PublishOperationEvent(ctx, messaging.OperationEvent{
		OperationID: job.OperationID,
		Event:       event,
		Timestamp:   time.Now().UTC(),
		Data:        data,
	})
	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"operation_id": job.OperationID,
			"event":        event,
			"error":        err.Error(),
		}).Warn("Failed to publish operation event")
	}
}

// backoffWithJitter grows exponentially from initial, capped at max, with
// up to 25% random jitter to spread thundering retries.
func backoffWithJitter(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = 2 * time.Second
	}
	if max <= 0 {
		max = 5 * time.Minute
	}

	backoff := initial
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= max {
			backoff = max
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(backoff)/4 + 1))
	if backoff+jitter > max {
		return max
	}
	return backoff + jitter
}

// pollProgress maps elapsed synthesis time onto the 10-90 band.
func pollProgress(deadline time.Time, maxWait time.Duration) int {
	remaining := time.Until(deadline)
	if remaining < 0 {
		remaining = 0
	}
	elapsedFrac := 1 - float64(remaining)/float64(maxWait)
	progress := 10 + int(elapsedFrac*80)
	if progress > 90 {
		progress = 90
	}
	if progress < 10 {
		progress = 10
	}
	return progress
}

// stringSlice coerces a payload value into a string slice. Values read
// back from the queue's JSON meta arrive as []interface{}.
func stringSlice(v interface{}) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []interface{}:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func videoParams(payload map[string]interface{}) providers.VideoGenerationParams {
	params := providers.VideoGenerationParams{}
	options, ok := payload["options"].(map[string]interface{})
	if !ok {
		return params
	}
	if v, ok := options["aspect_ratio"].(string); ok {
		params.AspectRatio = v
	}
	if v, ok := options["resolution"].(string); ok {
		params.Resolution = v
	}
	switch v := options["duration_seconds"].(type) {
	case float64:
		params.DurationSeconds = int(v)
	case int:
		params.DurationSeconds = v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			params.DurationSeconds = int(n)
		}
	}
	return params
}
