package campaigns

import "errors"

// Recipient-level validation errors. These are recorded against the
// recipient and never abort a batch. The messages are user-facing via
// failed-batch records, hence sentence case.
var (
	ErrNoPhone      = errors.New("No phone number found")
	ErrInvalidPhone = errors.New("Invalid phone number format")
)

// Service errors.
var (
	ErrCampaignNotFound    = errors.New("campaign not found")
	ErrNoRecipients        = errors.New("recipient list is empty")
	ErrNoFailedBatches     = errors.New("no failed batches to retry")
	ErrFailedBatchNotFound = errors.New("failed batch record not found")
	ErrInvalidChannel      = errors.New("unknown delivery channel")
)
