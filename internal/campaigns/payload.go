package campaigns

import "github.com/bissquit/sms-courier/internal/domain"

// Payload is the unit of work stored with a queued campaign. Recipients
// are materialized at submission time: retry jobs are built from
// failed-batch records, never re-derived from raw source rows.
type Payload struct {
	Recipients []domain.Recipient `json:"recipients"`
	Template   string             `json:"template"`
	Channel    domain.Channel     `json:"channel"`
	IsRetry    bool               `json:"is_retry,omitempty"`
}
