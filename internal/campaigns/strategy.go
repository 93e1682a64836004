package campaigns

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/bissquit/sms-courier/internal/campaigns/gateway"
	"github.com/bissquit/sms-courier/internal/domain"
)

// batchOutcome is the result of sending one batch. A non-empty failed
// list triggers a failed-batch record for later selective retry.
type batchOutcome struct {
	failed []domain.FailedRecipient
}

// sendStrategy is the per-mode sending behavior. It is selected once per
// job from the template and never switched mid-job: the two modes commit
// progress at different granularities, and mixing them would corrupt the
// resume arithmetic.
type sendStrategy interface {
	name() string

	// resumeOffset computes where processing restarts from the durable
	// processed count: the starting batch index and how many recipients
	// of that batch to skip.
	resumeOffset(processed, batchSize int) (startBatch, skip int)

	// sendBatch processes one batch, committing progress through the
	// tracker. Recipient-level failures are reported in the outcome; a
	// returned error is fatal for the whole job.
	sendBatch(ctx context.Context, job *Campaign, batch []domain.Recipient, t *tracker) (batchOutcome, error)
}

// personalizedStrategy renders the template per recipient and sends one
// message at a time, committing progress after every send. The counter
// therefore identifies exactly which recipients were dispatched, and
// resume can skip them individually.
type personalizedStrategy struct {
	gateway    Gateway
	renderer   *Renderer
	normalizer *PhoneNormalizer
	limiter    *rate.Limiter
}

func (s *personalizedStrategy) name() string { return "personalized" }

func (s *personalizedStrategy) resumeOffset(processed, batchSize int) (int, int) {
	return processed / batchSize, processed % batchSize
}

func (s *personalizedStrategy) sendBatch(ctx context.Context, job *Campaign, batch []domain.Recipient, t *tracker) (batchOutcome, error) {
	var outcome batchOutcome

	for _, rec := range batch {
		raw, ok := rec.Phone()
		if !ok {
			if err := s.recordFailure(ctx, t, &outcome, rec, ErrNoPhone.Error()); err != nil {
				return outcome, err
			}
			continue
		}

		phone, err := s.normalizer.Normalize(raw)
		if err != nil {
			if err := s.recordFailure(ctx, t, &outcome, rec, ErrInvalidPhone.Error()); err != nil {
				return outcome, err
			}
			continue
		}

		message := s.renderer.Render(job.Payload.Template, rec)

		// Pacing is courtesy to the provider's aggregate rate limit,
		// not a correctness requirement.
		if err := s.limiter.Wait(ctx); err != nil {
			return outcome, err
		}

		err = s.gateway.SendOne(ctx, phone, message, job.Payload.Channel)
		if err != nil {
			var cfgErr *gateway.ConfigError
			if errors.As(err, &cfgErr) {
				return outcome, fmt.Errorf("send to recipient %d: %w", rec.OriginalIndex, err)
			}
			// A single recipient's gateway failure never aborts the batch.
			if err := s.recordFailure(ctx, t, &outcome, rec, err.Error()); err != nil {
				return outcome, err
			}
			recordRecipient(s.name(), "failed")
			continue
		}

		if err := t.applySuccess(ctx, 1); err != nil {
			return outcome, err
		}
		recordRecipient(s.name(), "sent")
	}

	return outcome, nil
}

func (s *personalizedStrategy) recordFailure(ctx context.Context, t *tracker, outcome *batchOutcome, rec domain.Recipient, cause string) error {
	outcome.failed = append(outcome.failed, domain.FailedRecipient{Recipient: rec, Error: cause})
	recordRecipient(s.name(), "failed")
	return t.applyFailure(ctx, 1)
}

// bulkStrategy sends one uniform message per batch. Bulk gateway calls
// are opaque: no per-recipient outcome, so progress commits whole
// batches, and a batch the counter left mid-way (crash between the
// gateway call and the progress write) is retried in full on resume.
// That risks a duplicate bulk send; dropping recipients would be worse,
// and the provider contract offers no idempotency key to close the gap.
type bulkStrategy struct {
	gateway    Gateway
	renderer   *Renderer
	normalizer *PhoneNormalizer
}

func (s *bulkStrategy) name() string { return "bulk" }

func (s *bulkStrategy) resumeOffset(processed, batchSize int) (int, int) {
	return processed / batchSize, 0
}

func (s *bulkStrategy) sendBatch(ctx context.Context, job *Campaign, batch []domain.Recipient, t *tracker) (batchOutcome, error) {
	var outcome batchOutcome

	valid := make([]string, 0, len(batch))
	for _, rec := range batch {
		raw, ok := rec.Phone()
		if !ok {
			outcome.failed = append(outcome.failed, domain.FailedRecipient{Recipient: rec, Error: ErrNoPhone.Error()})
			continue
		}
		phone, err := s.normalizer.Normalize(raw)
		if err != nil {
			outcome.failed = append(outcome.failed, domain.FailedRecipient{Recipient: rec, Error: ErrInvalidPhone.Error()})
			continue
		}
		valid = append(valid, phone)
	}

	if len(valid) == 0 {
		recordRecipients(s.name(), "failed", len(batch))
		return outcome, t.applyBatch(ctx, 0, len(batch))
	}

	err := s.gateway.SendBulk(ctx, valid, job.Payload.Template, job.Payload.Channel)
	if err != nil {
		var cfgErr *gateway.ConfigError
		if errors.As(err, &cfgErr) {
			return outcome, err
		}

		// The whole batch is failed, valid and invalid alike.
		outcome.failed = outcome.failed[:0]
		for _, rec := range batch {
			outcome.failed = append(outcome.failed, domain.FailedRecipient{Recipient: rec, Error: err.Error()})
		}
		recordRecipients(s.name(), "failed", len(batch))
		return outcome, t.applyBatch(ctx, 0, len(batch))
	}

	recordRecipients(s.name(), "sent", len(valid))
	recordRecipients(s.name(), "failed", len(outcome.failed))
	return outcome, t.applyBatch(ctx, len(valid), len(outcome.failed))
}
