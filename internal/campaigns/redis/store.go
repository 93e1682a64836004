// Package redis provides the Redis implementation of the campaign
// progress store.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bissquit/sms-courier/internal/campaigns"
	"github.com/bissquit/sms-courier/internal/domain"
)

// FailedBatchTTL is how long failed-batch payloads stay retryable.
const FailedBatchTTL = 7 * 24 * time.Hour

// Store implements campaigns.ProgressStore using Redis. Progress is one
// JSON blob per job written with a plain SET, which is atomic: readers
// always see a complete record, never a half-applied update.
type Store struct {
	client *redis.Client
}

// NewStore creates a progress store from a Redis URL.
func NewStore(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Store{client: redis.NewClient(opts)}, nil
}

// NewStoreWithClient creates a progress store from an existing client.
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func progressKey(jobID string) string {
	return "campaign:progress:" + jobID
}

func failedBatchKey(key string) string {
	return "campaign:failed:" + key
}

func failedIndexKey(jobID string) string {
	return "campaign:failed-index:" + jobID
}

// Get reads the progress record for a job.
func (s *Store) Get(ctx context.Context, jobID string) (domain.Progress, bool, error) {
	val, err := s.client.Get(ctx, progressKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Progress{}, false, nil
	}
	if err != nil {
		return domain.Progress{}, false, fmt.Errorf("get progress: %w", err)
	}

	var p domain.Progress
	if err := json.Unmarshal(val, &p); err != nil {
		return domain.Progress{}, false, fmt.Errorf("decode progress: %w", err)
	}
	return p, true, nil
}

// Set writes the whole progress record. Progress records have no TTL:
// they must outlive a crash so the dispatcher can resume from them.
func (s *Store) Set(ctx context.Context, jobID string, p domain.Progress) error {
	val, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	if err := s.client.Set(ctx, progressKey(jobID), val, 0).Err(); err != nil {
		return fmt.Errorf("set progress: %w", err)
	}
	return nil
}

// AppendFailedBatch stores the record payload under its key with a TTL
// and appends the key to the job's index. The index keeps append order,
// which is the order ListFailedBatches reports.
func (s *Store) AppendFailedBatch(ctx context.Context, fb domain.FailedBatch) error {
	val, err := json.Marshal(fb)
	if err != nil {
		return fmt.Errorf("encode failed batch: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, failedBatchKey(fb.Key), val, FailedBatchTTL)
	pipe.RPush(ctx, failedIndexKey(fb.JobID), fb.Key)
	pipe.Expire(ctx, failedIndexKey(fb.JobID), FailedBatchTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append failed batch: %w", err)
	}
	return nil
}

// ListFailedBatches returns all failed-batch records for a job in append
// order. Keys whose payload expired are skipped, not errors: the index
// can outlive individual payloads by a TTL refresh.
func (s *Store) ListFailedBatches(ctx context.Context, jobID string) ([]domain.FailedBatch, error) {
	keys, err := s.client.LRange(ctx, failedIndexKey(jobID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list failed batch keys: %w", err)
	}

	records := make([]domain.FailedBatch, 0, len(keys))
	for _, key := range keys {
		fb, ok, err := s.getFailedBatch(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			records = append(records, fb)
		}
	}
	return records, nil
}

// GetFailedBatches resolves specific records by key. Unlike the list
// path, a missing key here is the caller naming a record that does not
// exist, so it is an error.
func (s *Store) GetFailedBatches(ctx context.Context, jobID string, keys []string) ([]domain.FailedBatch, error) {
	records := make([]domain.FailedBatch, 0, len(keys))
	for _, key := range keys {
		fb, ok, err := s.getFailedBatch(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok || fb.JobID != jobID {
			return nil, fmt.Errorf("%w: %s", campaigns.ErrFailedBatchNotFound, key)
		}
		records = append(records, fb)
	}
	return records, nil
}

func (s *Store) getFailedBatch(ctx context.Context, key string) (domain.FailedBatch, bool, error) {
	val, err := s.client.Get(ctx, failedBatchKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.FailedBatch{}, false, nil
	}
	if err != nil {
		return domain.FailedBatch{}, false, fmt.Errorf("get failed batch: %w", err)
	}

	var fb domain.FailedBatch
	if err := json.Unmarshal(val, &fb); err != nil {
		return domain.FailedBatch{}, false, fmt.Errorf("decode failed batch: %w", err)
	}
	return fb, true, nil
}
