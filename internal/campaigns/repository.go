// Package campaigns implements bulk SMS campaign dispatch: submission,
// the batch dispatcher, progress tracking, and the live progress feed.
package campaigns

import (
	"context"
	"time"

	"github.com/bissquit/sms-courier/internal/domain"
)

// Queue is the job queue substrate. Exactly one dispatcher drains it;
// delivery is at-least-once via lease expiry, so ProcessJob must be
// idempotent against redelivery.
type Queue interface {
	// Enqueue inserts the campaign in waiting state. Deduplicates on id:
	// when a job with the same id already exists (in-flight or terminal),
	// the existing job is returned and no new one is created.
	Enqueue(ctx context.Context, c *Campaign) (*Campaign, error)

	// Get returns the campaign or ErrCampaignNotFound.
	Get(ctx context.Context, id string) (*Campaign, error)

	// ClaimNext atomically takes the oldest claimable job (waiting, or
	// active with an expired lease) into active state under a fresh
	// lease. Returns nil when the queue is empty.
	ClaimNext(ctx context.Context, lease time.Duration) (*Campaign, error)

	// MarkCompleted records the terminal result and releases the lease.
	MarkCompleted(ctx context.Context, id string, result domain.Summary) error

	// MarkFailed records a job-level failure (the job could not run at
	// all; partial recipient failure still completes).
	MarkFailed(ctx context.Context, id string, cause string) error

	// Stats returns job counts by state.
	Stats(ctx context.Context) (QueueStats, error)

	// PurgeTerminal deletes completed and failed jobs older than the
	// retention window, returning how many were removed.
	PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error)
}

// ProgressStore persists the per-campaign progress record and the
// failed-batch records. A Set call writes the whole record atomically:
// no reader ever observes failed > processed.
type ProgressStore interface {
	Get(ctx context.Context, jobID string) (domain.Progress, bool, error)
	Set(ctx context.Context, jobID string, p domain.Progress) error

	// AppendFailedBatch stores the record under its key and appends the
	// key to the job's failed-batch index.
	AppendFailedBatch(ctx context.Context, fb domain.FailedBatch) error

	// ListFailedBatches returns all failed-batch records for a job, in
	// append order. Records whose payload already expired are skipped.
	ListFailedBatches(ctx context.Context, jobID string) ([]domain.FailedBatch, error)

	// GetFailedBatches resolves specific records by key for the retry
	// workflow. Missing keys yield ErrFailedBatchNotFound.
	GetFailedBatches(ctx context.Context, jobID string, keys []string) ([]domain.FailedBatch, error)

	Ping(ctx context.Context) error
}

// Gateway wraps the SMS provider. SendBulk is atomic from the caller's
// perspective: the provider reports no per-recipient outcome in bulk
// mode, so a failure means the entire batch failed.
type Gateway interface {
	SendOne(ctx context.Context, phone, message string, channel domain.Channel) error
	SendBulk(ctx context.Context, phones []string, message string, channel domain.Channel) error
}
