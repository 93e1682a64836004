package campaigns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// FeedConfig contains progress feed configuration.
type FeedConfig struct {
	// PollInterval is how often the store is re-read per subscription.
	PollInterval time.Duration
	// HeartbeatInterval is how often a keepalive frame goes out even
	// when nothing changed, so intermediaries do not time the
	// connection out.
	HeartbeatInterval time.Duration
	// CloseGrace is how long the final snapshot is allowed to reach the
	// subscriber before the stream closes.
	CloseGrace time.Duration
}

// DefaultFeedConfig returns default feed configuration.
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		PollInterval:      500 * time.Millisecond,
		HeartbeatInterval: 30 * time.Second,
		CloseGrace:        time.Second,
	}
}

// StatusSource reads a campaign's current state and progress. The feed
// only ever reads; progress is written by the dispatcher, which has no
// channel to the feed.
type StatusSource interface {
	Status(ctx context.Context, id string) (CampaignStatus, error)
}

// Emitter receives feed frames. The transport (SSE, long-poll, ...) is
// an adapter concern of the HTTP layer, not of the feed.
type Emitter interface {
	Emit(snapshot []byte) error
	Heartbeat() error
}

// Feed streams duplicate-suppressed progress snapshots for one campaign
// to one subscriber. Each Stream call is an independent subscription:
// cancelling its context stops all polling for it and nothing else.
type Feed struct {
	config FeedConfig
	source StatusSource
}

// NewFeed creates a progress feed.
func NewFeed(config FeedConfig, source StatusSource) *Feed {
	return &Feed{config: config, source: source}
}

// Stream polls the campaign's status until it reaches a terminal state,
// emitting a snapshot whenever its serialized form differs from the
// previously emitted one. After the terminal snapshot it waits the
// grace period and returns nil. Returns the subscriber's error verbatim
// when emitting fails, and ctx.Err on cancellation.
func (f *Feed) Stream(ctx context.Context, jobID string, e Emitter) error {
	feedSubscriptions.Inc()
	defer feedSubscriptions.Dec()

	poll := time.NewTicker(f.config.PollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(f.config.HeartbeatInterval)
	defer heartbeat.Stop()

	var last []byte

	emit := func() (terminal bool, err error) {
		status, err := f.source.Status(ctx, jobID)
		if err != nil {
			return false, fmt.Errorf("read status: %w", err)
		}

		snapshot, err := json.Marshal(status)
		if err != nil {
			return false, fmt.Errorf("marshal snapshot: %w", err)
		}

		// Exact-equality suppression: an idle subscriber gets
		// heartbeats, not a flood of identical snapshots.
		if !bytes.Equal(snapshot, last) {
			if err := e.Emit(snapshot); err != nil {
				return false, err
			}
			last = snapshot
		}

		return status.State.Terminal(), nil
	}

	// First snapshot goes out immediately so subscribers are not blind
	// for a poll interval.
	terminal, err := emit()
	if err != nil {
		return err
	}
	if terminal {
		return sleepCtx(ctx, f.config.CloseGrace)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-poll.C:
			terminal, err := emit()
			if err != nil {
				return err
			}
			if terminal {
				return sleepCtx(ctx, f.config.CloseGrace)
			}
		case <-heartbeat.C:
			if err := e.Heartbeat(); err != nil {
				return err
			}
		}
	}
}
