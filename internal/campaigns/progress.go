package campaigns

import (
	"context"
	"fmt"
	"time"

	"github.com/bissquit/sms-courier/internal/domain"
)

// tracker owns the progress record of one running job. Every mutation
// goes through applySuccess/applyFailure and is persisted as a single
// whole-record write, so readers never observe a torn record and the
// processed counter is durable at the granularity the send strategy
// commits it.
type tracker struct {
	store ProgressStore
	jobID string
	now   func() time.Time
	p     domain.Progress
}

// newTracker loads the existing progress record for the job, or seeds a
// fresh one. Total and Batches are fixed once the job starts; a record
// left behind by a crashed run keeps its counters so resume can
// recompute its position from them.
func newTracker(ctx context.Context, store ProgressStore, jobID string, total, batches int) (*tracker, error) {
	t := &tracker{store: store, jobID: jobID, now: time.Now}

	p, ok, err := store.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load progress: %w", err)
	}
	if !ok {
		p = domain.Progress{}
	}
	p.Total = total
	p.Batches = batches

	t.p = p
	if err := t.persist(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *tracker) progress() domain.Progress {
	return t.p
}

// summary converts the current counters into a job summary.
func (t *tracker) summary(start time.Time) domain.Summary {
	return domain.Summary{
		Total:      t.p.Total,
		Processed:  t.p.Processed,
		Failed:     t.p.Failed,
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// beginBatch records the size of the batch about to go in flight.
func (t *tracker) beginBatch(ctx context.Context, size int) error {
	t.p.CurrentBatch = size
	return t.persist(ctx)
}

// applySuccess advances the processed counter for n delivered recipients.
func (t *tracker) applySuccess(ctx context.Context, n int) error {
	t.p.Processed += n
	return t.persist(ctx)
}

// applyFailure records a terminal failure outcome for n recipients.
// Failed recipients count as processed: processed is the number of
// recipients with any terminal outcome.
func (t *tracker) applyFailure(ctx context.Context, n int) error {
	t.p.Processed += n
	t.p.Failed += n
	return t.persist(ctx)
}

// applyBatch records a whole batch outcome in one durable write. Bulk
// mode commits through this so the processed counter only ever lands on
// batch boundaries outside of a crash window.
func (t *tracker) applyBatch(ctx context.Context, succeeded, failed int) error {
	t.p.Processed += succeeded + failed
	t.p.Failed += failed
	return t.persist(ctx)
}

func (t *tracker) persist(ctx context.Context) error {
	t.p.LastBatchAt = t.now()
	if err := t.store.Set(ctx, t.jobID, t.p); err != nil {
		return fmt.Errorf("persist progress: %w", err)
	}
	return nil
}
