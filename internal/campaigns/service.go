package campaigns

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bissquit/sms-courier/internal/domain"
)

// Service implements campaign submission, status reads, and the retry
// workflow on top of the queue and progress store.
type Service struct {
	queue    Queue
	progress ProgressStore
}

// NewService creates a campaigns service.
func NewService(queue Queue, progress ProgressStore) *Service {
	return &Service{queue: queue, progress: progress}
}

// Submit enqueues a new campaign. The job id is a content fingerprint
// of (source bytes, template, channel), so re-uploading the same
// campaign resolves to the same job instead of dispatching twice.
func (s *Service) Submit(ctx context.Context, source []byte, recipients []domain.Recipient, template string, channel domain.Channel) (*Campaign, error) {
	if !channel.Valid() {
		return nil, ErrInvalidChannel
	}
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	c := &Campaign{
		ID: fingerprint(source, template, channel),
		Payload: Payload{
			Recipients: recipients,
			Template:   template,
			Channel:    channel,
		},
		State: domain.CampaignStateWaiting,
	}

	job, err := s.queue.Enqueue(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("enqueue campaign: %w", err)
	}

	if job.CreatedAt.Equal(job.UpdatedAt) {
		slog.Info("campaign submitted",
			"job_id", job.ID,
			"recipients", len(recipients),
			"channel", channel,
		)
	} else {
		slog.Info("duplicate submission resolved to existing campaign", "job_id", job.ID)
	}

	return job, nil
}

// Get returns the campaign job.
func (s *Service) Get(ctx context.Context, id string) (*Campaign, error) {
	return s.queue.Get(ctx, id)
}

// Status combines queue state with the live progress record. A job
// whose progress record does not exist yet reports zeroed progress with
// the payload's recipient count as total.
func (s *Service) Status(ctx context.Context, id string) (CampaignStatus, error) {
	job, err := s.queue.Get(ctx, id)
	if err != nil {
		return CampaignStatus{}, err
	}

	p, ok, err := s.progress.Get(ctx, id)
	if err != nil {
		return CampaignStatus{}, fmt.Errorf("read progress: %w", err)
	}
	if !ok {
		p = domain.Progress{Total: len(job.Payload.Recipients)}
	}

	return CampaignStatus{
		ID:       job.ID,
		State:    job.State,
		Progress: p,
		Result:   job.Result,
	}, nil
}

// FailedBatches returns the campaign's failed-batch records.
func (s *Service) FailedBatches(ctx context.Context, id string) ([]domain.FailedBatch, error) {
	if _, err := s.queue.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.progress.ListFailedBatches(ctx, id)
}

// Retry flattens the selected failed-batch records into a brand new
// campaign. The new job has its own identity and progress; the original
// job's records stay untouched, they are history, not a work queue. An
// empty key selection retries every failed batch.
func (s *Service) Retry(ctx context.Context, id string, keys []string) (*Campaign, error) {
	original, err := s.queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var records []domain.FailedBatch
	if len(keys) == 0 {
		records, err = s.progress.ListFailedBatches(ctx, id)
	} else {
		records, err = s.progress.GetFailedBatches(ctx, id, keys)
	}
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNoFailedBatches
	}

	var recipients []domain.Recipient
	for _, fb := range records {
		for _, fr := range fb.Batch {
			recipients = append(recipients, fr.Recipient)
		}
	}

	retry := &Campaign{
		ID: uuid.NewString(),
		Payload: Payload{
			Recipients: recipients,
			Template:   original.Payload.Template,
			Channel:    original.Payload.Channel,
			IsRetry:    true,
		},
		State: domain.CampaignStateWaiting,
	}

	job, err := s.queue.Enqueue(ctx, retry)
	if err != nil {
		return nil, fmt.Errorf("enqueue retry campaign: %w", err)
	}

	// Seed progress so the feed shows totals before dispatch starts.
	seed := domain.Progress{Total: len(recipients), LastBatchAt: time.Now()}
	if err := s.progress.Set(ctx, job.ID, seed); err != nil {
		return nil, fmt.Errorf("seed retry progress: %w", err)
	}

	slog.Info("retry campaign created",
		"job_id", job.ID,
		"source_job_id", id,
		"batches", len(records),
		"recipients", len(recipients),
	)
	return job, nil
}

// fingerprint derives a deterministic job id from the campaign content.
// 128 bits of the digest is plenty at campaign scale and keeps ids
// usable in URLs.
func fingerprint(source []byte, template string, channel domain.Channel) string {
	h := sha256.New()
	h.Write(source)
	h.Write([]byte{0})
	h.Write([]byte(template))
	h.Write([]byte{0})
	h.Write([]byte(channel))
	return hex.EncodeToString(h.Sum(nil))[:32]
}
