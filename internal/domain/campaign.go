// Package domain contains core types shared across modules.
package domain

import (
	"sort"
	"strings"
	"time"
)

// CampaignState represents the lifecycle state of a campaign job.
// Transitions are owned by the queue substrate; the dispatcher only
// observes them.
type CampaignState string

// Campaign states.
const (
	CampaignStateWaiting   CampaignState = "waiting"
	CampaignStateActive    CampaignState = "active"
	CampaignStateCompleted CampaignState = "completed"
	CampaignStateFailed    CampaignState = "failed"
)

// Terminal reports whether the state is final.
func (s CampaignState) Terminal() bool {
	return s == CampaignStateCompleted || s == CampaignStateFailed
}

// Channel is the delivery route requested from the SMS gateway.
type Channel string

// Gateway channels.
const (
	ChannelGeneric  Channel = "generic"
	ChannelDND      Channel = "dnd"
	ChannelWhatsApp Channel = "whatsapp"
)

// Valid reports whether the channel is one the gateway accepts.
func (c Channel) Valid() bool {
	switch c {
	case ChannelGeneric, ChannelDND, ChannelWhatsApp:
		return true
	}
	return false
}

// Recipient is one row of a campaign's audience. Attrs carries the
// source columns verbatim; PhoneField names the attribute the ingestion
// layer resolved as phone-bearing. OriginalIndex is the position in the
// source list and is stable across resume.
type Recipient struct {
	Attrs         map[string]string `json:"attrs"`
	PhoneField    string            `json:"phone_field,omitempty"`
	OriginalIndex int               `json:"original_index"`
}

// Phone returns the raw phone value for the recipient. When the resolved
// field is absent it falls back to scanning attribute names, so rows that
// drifted from the detected column still send.
func (r Recipient) Phone() (string, bool) {
	if r.PhoneField != "" {
		if v, ok := r.Attrs[r.PhoneField]; ok && strings.TrimSpace(v) != "" {
			return v, true
		}
	}

	keys := make([]string, 0, len(r.Attrs))
	for k := range r.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if strings.Contains(strings.ToLower(k), "phone") && strings.TrimSpace(r.Attrs[k]) != "" {
			return r.Attrs[k], true
		}
	}
	return "", false
}

// FailedRecipient is a recipient annotated with the error that ended it.
type FailedRecipient struct {
	Recipient
	Error string `json:"error"`
}

// Progress is the mutable per-campaign progress record. It is written as
// a whole by the dispatcher and read by the progress feed.
// Invariant: Failed <= Processed <= Total.
type Progress struct {
	Total        int       `json:"total"`
	Processed    int       `json:"processed"`
	Failed       int       `json:"failed"`
	Batches      int       `json:"batches"`
	CurrentBatch int       `json:"current_batch"`
	LastBatchAt  time.Time `json:"last_batch_at"`
}

// FailedBatch is an immutable record of one failed batch occurrence,
// kept for selective retry. Records are historical: the retry workflow
// reads them but never deletes them.
type FailedBatch struct {
	Key       string            `json:"key"`
	JobID     string            `json:"job_id"`
	Batch     []FailedRecipient `json:"batch"`
	Error     string            `json:"error"`
	Timestamp time.Time         `json:"timestamp"`
}

// Summary is the terminal result of a campaign run.
type Summary struct {
	Total      int   `json:"total"`
	Processed  int   `json:"processed"`
	Failed     int   `json:"failed"`
	DurationMs int64 `json:"duration_ms"`
}
