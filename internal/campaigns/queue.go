package campaigns

import (
	"time"

	"github.com/bissquit/sms-courier/internal/domain"
)

// Campaign is a queued dispatch job. State transitions belong to the
// queue substrate; the dispatcher observes them and may short-circuit
// when a redelivered job is already completed.
type Campaign struct {
	ID         string               `json:"id"`
	Payload    Payload              `json:"payload"`
	State      domain.CampaignState `json:"state"`
	LastError  string               `json:"last_error,omitempty"`
	Result     *domain.Summary      `json:"result,omitempty"`
	LeaseUntil *time.Time           `json:"lease_until,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// CampaignStatus combines queue state with the live progress record.
// It is what status reads and the progress feed serve.
type CampaignStatus struct {
	ID       string               `json:"id"`
	State    domain.CampaignState `json:"state"`
	Progress domain.Progress      `json:"progress"`
	Result   *domain.Summary      `json:"result,omitempty"`
}

// QueueStats holds job counts by state for metrics.
type QueueStats struct {
	Waiting   int64
	Active    int64
	Completed int64
	Failed    int64
}
