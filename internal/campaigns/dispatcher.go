package campaigns

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bissquit/sms-courier/internal/domain"
)

// DispatcherConfig contains dispatcher configuration.
type DispatcherConfig struct {
	// BatchSize is the number of recipients per batch. It must not
	// exceed the gateway's bulk cap.
	BatchSize int
	// BatchDelay is the pause between batches.
	BatchDelay time.Duration
	// SendRate paces individual sends in personalized mode, in
	// messages per second.
	SendRate float64
	// PollInterval is how often the idle dispatcher checks the queue.
	PollInterval time.Duration
	// Lease is how long a claimed job is protected from redelivery. Set
	// it well above the worst-case duration of the largest supported
	// campaign, or a slow job will be claimed twice.
	Lease time.Duration
}

// DefaultDispatcherConfig returns default dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		BatchSize:    100,
		BatchDelay:   5 * time.Second,
		SendRate:     2,
		PollInterval: 2 * time.Second,
		Lease:        30 * time.Minute,
	}
}

// Dispatcher drains the campaign queue, one job at a time, one batch at
// a time. Concurrency is deliberately 1: the gateway rate limit is
// aggregate, so interleaving campaigns would only complicate pacing.
type Dispatcher struct {
	config     DispatcherConfig
	queue      Queue
	progress   ProgressStore
	gateway    Gateway
	renderer   *Renderer
	normalizer *PhoneNormalizer

	now    func() time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher creates a campaign dispatcher.
func NewDispatcher(config DispatcherConfig, queue Queue, progress ProgressStore, gw Gateway, renderer *Renderer, normalizer *PhoneNormalizer) *Dispatcher {
	return &Dispatcher{
		config:     config,
		queue:      queue,
		progress:   progress,
		gateway:    gw,
		renderer:   renderer,
		normalizer: normalizer,
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the dispatch loop.
func (d *Dispatcher) Start(ctx context.Context) {
	slog.Info("starting campaign dispatcher",
		"batch_size", d.config.BatchSize,
		"batch_delay", d.config.BatchDelay,
		"send_rate", d.config.SendRate,
		"lease", d.config.Lease,
	)

	d.wg.Add(1)
	go d.run(ctx)
}

// Stop gracefully stops the dispatcher. The in-flight batch finishes;
// the rest of the job is picked up by resume on next start.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
	slog.Info("campaign dispatcher stopped")
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			// Drain the backlog before going idle again.
			for d.processNext(ctx) {
				select {
				case <-ctx.Done():
					return
				case <-d.stopCh:
					return
				default:
				}
			}
		}
	}
}

// processNext claims and processes one job. Returns false when the
// queue was empty.
func (d *Dispatcher) processNext(ctx context.Context) bool {
	job, err := d.queue.ClaimNext(ctx, d.config.Lease)
	if err != nil {
		slog.Error("failed to claim next campaign", "error", err)
		return false
	}
	if job == nil {
		return false
	}

	summary, err := d.processJob(ctx, job)
	if err != nil {
		slog.Error("campaign failed", "job_id", job.ID, "error", err)
		if markErr := d.queue.MarkFailed(ctx, job.ID, err.Error()); markErr != nil {
			slog.Error("failed to mark campaign failed", "job_id", job.ID, "error", markErr)
		}
		recordCampaign("failed")
		return true
	}

	if markErr := d.queue.MarkCompleted(ctx, job.ID, summary); markErr != nil {
		slog.Error("failed to mark campaign completed", "job_id", job.ID, "error", markErr)
	}
	recordCampaign("completed")

	logFn := slog.Info
	if summary.Failed > 0 {
		logFn = slog.Warn
	}
	logFn("campaign finished",
		"job_id", job.ID,
		"total", summary.Total,
		"processed", summary.Processed,
		"failed", summary.Failed,
		"duration_ms", summary.DurationMs,
	)
	return true
}

// processJob runs one campaign to completion, resuming from the durable
// progress counter when the job was interrupted before. A job that
// finishes with recipient failures still completes; only configuration
// errors and internal faults make the job itself fail.
func (d *Dispatcher) processJob(ctx context.Context, job *Campaign) (domain.Summary, error) {
	start := time.Now()

	// At-least-once delivery can hand us a finished job again.
	if job.State == domain.CampaignStateCompleted {
		if job.Result != nil {
			return *job.Result, nil
		}
		return domain.Summary{}, nil
	}

	recipients := job.Payload.Recipients
	batchSize := d.config.BatchSize
	numBatches := (len(recipients) + batchSize - 1) / batchSize
	strategy := d.strategyFor(job.Payload.Template)

	t, err := newTracker(ctx, d.progress, job.ID, len(recipients), numBatches)
	if err != nil {
		return domain.Summary{}, err
	}

	// A crash between the final progress write and MarkCompleted leaves
	// the counter already at total with nothing left to send. Without
	// this guard the bulk resume arithmetic lands on the final partial
	// batch and re-sends it, pushing processed past total.
	if t.progress().Processed >= len(recipients) {
		slog.Info("campaign already fully processed, completing",
			"job_id", job.ID,
			"processed", t.progress().Processed,
		)
		return t.summary(start), nil
	}

	startBatch, skip := strategy.resumeOffset(t.progress().Processed, batchSize)
	if startBatch > 0 || skip > 0 {
		slog.Info("resuming campaign",
			"job_id", job.ID,
			"mode", strategy.name(),
			"processed", t.progress().Processed,
			"start_batch", startBatch,
			"skip", skip,
		)
	} else {
		slog.Info("campaign started",
			"job_id", job.ID,
			"mode", strategy.name(),
			"total", len(recipients),
			"batches", numBatches,
			"retry", job.Payload.IsRetry,
		)
	}

	for i := startBatch; i < numBatches; i++ {
		lo := i * batchSize
		hi := min(lo+batchSize, len(recipients))
		batch := recipients[lo:hi]

		if i == startBatch && skip > 0 {
			batch = batch[skip:]
		}

		if err := t.beginBatch(ctx, len(batch)); err != nil {
			return domain.Summary{}, err
		}

		batchStart := time.Now()
		outcome, err := strategy.sendBatch(ctx, job, batch, t)
		if err != nil {
			return domain.Summary{}, fmt.Errorf("batch %d: %w", i+1, err)
		}
		recordBatchDuration(strategy.name(), time.Since(batchStart))

		if len(outcome.failed) > 0 {
			// The batch index keeps keys unique when two failed batches
			// land in the same millisecond (batch_delay may be zero).
			fb := domain.FailedBatch{
				Key:       fmt.Sprintf("%s:%d:%d", job.ID, d.now().UnixMilli(), i+1),
				JobID:     job.ID,
				Batch:     outcome.failed,
				Error:     outcome.failed[0].Error,
				Timestamp: d.now(),
			}
			if err := d.progress.AppendFailedBatch(ctx, fb); err != nil {
				return domain.Summary{}, fmt.Errorf("record failed batch: %w", err)
			}
			slog.Warn("batch had failures",
				"job_id", job.ID,
				"batch", i+1,
				"failed", len(outcome.failed),
				"record", fb.Key,
			)
		}

		if hi < len(recipients) {
			if err := sleepCtx(ctx, d.config.BatchDelay); err != nil {
				return domain.Summary{}, err
			}
		}
	}

	return t.summary(start), nil
}

func (d *Dispatcher) strategyFor(template string) sendStrategy {
	if d.renderer.HasPlaceholders(template) {
		return &personalizedStrategy{
			gateway:    d.gateway,
			renderer:   d.renderer,
			normalizer: d.normalizer,
			limiter:    rate.NewLimiter(rate.Limit(d.config.SendRate), 1),
		}
	}
	return &bulkStrategy{
		gateway:    d.gateway,
		renderer:   d.renderer,
		normalizer: d.normalizer,
	}
}

// sleepCtx waits for d or context cancellation.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
