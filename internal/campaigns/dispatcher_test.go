package campaigns

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bissquit/sms-courier/internal/campaigns/gateway"
	"github.com/bissquit/sms-courier/internal/domain"
)

// fakeStore is an in-memory ProgressStore that records every write so
// tests can assert on counter monotonicity.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]domain.Progress
	failed  map[string][]domain.FailedBatch
	writes  map[string][]domain.Progress
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records: make(map[string]domain.Progress),
		failed:  make(map[string][]domain.FailedBatch),
		writes:  make(map[string][]domain.Progress),
	}
}

func (s *fakeStore) Get(_ context.Context, jobID string) (domain.Progress, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.records[jobID]
	return p, ok, nil
}

func (s *fakeStore) Set(_ context.Context, jobID string, p domain.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[jobID] = p
	s.writes[jobID] = append(s.writes[jobID], p)
	return nil
}

func (s *fakeStore) AppendFailedBatch(_ context.Context, fb domain.FailedBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[fb.JobID] = append(s.failed[fb.JobID], fb)
	return nil
}

func (s *fakeStore) ListFailedBatches(_ context.Context, jobID string) ([]domain.FailedBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.FailedBatch(nil), s.failed[jobID]...), nil
}

func (s *fakeStore) GetFailedBatches(_ context.Context, jobID string, keys []string) ([]domain.FailedBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.FailedBatch
	for _, key := range keys {
		found := false
		for _, fb := range s.failed[jobID] {
			if fb.Key == key {
				out = append(out, fb)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrFailedBatchNotFound, key)
		}
	}
	return out, nil
}

func (s *fakeStore) Ping(context.Context) error { return nil }

// fakeGateway records sends and fails selected phones.
type fakeGateway struct {
	mu          sync.Mutex
	singleSends []string
	messages    []string
	bulkSends   [][]string
	failPhones  map[string]error
	bulkErr     error
	configErr   bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{failPhones: make(map[string]error)}
}

func (g *fakeGateway) SendOne(_ context.Context, phone, message string, _ domain.Channel) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.configErr {
		return &gateway.ConfigError{Message: "API key is not configured"}
	}
	if err, ok := g.failPhones[phone]; ok {
		return err
	}
	g.singleSends = append(g.singleSends, phone)
	g.messages = append(g.messages, message)
	return nil
}

func (g *fakeGateway) SendBulk(_ context.Context, phones []string, message string, _ domain.Channel) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.configErr {
		return &gateway.ConfigError{Message: "API key is not configured"}
	}
	if g.bulkErr != nil {
		return g.bulkErr
	}
	g.bulkSends = append(g.bulkSends, append([]string(nil), phones...))
	g.messages = append(g.messages, message)
	return nil
}

// fakeQueue is a minimal in-memory Queue for dispatcher loop tests.
type fakeQueue struct {
	mu   sync.Mutex
	jobs map[string]*Campaign
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{jobs: make(map[string]*Campaign)}
}

func (q *fakeQueue) Enqueue(_ context.Context, c *Campaign) (*Campaign, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if existing, ok := q.jobs[c.ID]; ok {
		return existing, nil
	}
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	q.jobs[c.ID] = c
	return c, nil
}

func (q *fakeQueue) Get(_ context.Context, id string) (*Campaign, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if c, ok := q.jobs[id]; ok {
		return c, nil
	}
	return nil, ErrCampaignNotFound
}

func (q *fakeQueue) ClaimNext(_ context.Context, lease time.Duration) (*Campaign, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, c := range q.jobs {
		claimable := c.State == domain.CampaignStateWaiting ||
			(c.State == domain.CampaignStateActive && c.LeaseUntil != nil && c.LeaseUntil.Before(time.Now()))
		if claimable {
			until := time.Now().Add(lease)
			c.State = domain.CampaignStateActive
			c.LeaseUntil = &until
			return c, nil
		}
	}
	return nil, nil
}

func (q *fakeQueue) MarkCompleted(_ context.Context, id string, result domain.Summary) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.jobs[id]
	if !ok {
		return ErrCampaignNotFound
	}
	c.State = domain.CampaignStateCompleted
	c.Result = &result
	c.UpdatedAt = time.Now()
	return nil
}

func (q *fakeQueue) MarkFailed(_ context.Context, id string, cause string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.jobs[id]
	if !ok {
		return ErrCampaignNotFound
	}
	c.State = domain.CampaignStateFailed
	c.LastError = cause
	c.UpdatedAt = time.Now()
	return nil
}

func (q *fakeQueue) Stats(context.Context) (QueueStats, error) {
	return QueueStats{}, nil
}

func (q *fakeQueue) PurgeTerminal(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func testRecipients(n int) []domain.Recipient {
	recipients := make([]domain.Recipient, n)
	for i := range recipients {
		recipients[i] = domain.Recipient{
			Attrs: map[string]string{
				"phone": fmt.Sprintf("08031234%03d", i),
				"name":  fmt.Sprintf("user%d", i),
			},
			PhoneField:    "phone",
			OriginalIndex: i,
		}
	}
	return recipients
}

func testDispatcher(store *fakeStore, gw *fakeGateway, batchSize int) *Dispatcher {
	cfg := DefaultDispatcherConfig()
	cfg.BatchSize = batchSize
	cfg.BatchDelay = 0
	cfg.SendRate = 10000
	return NewDispatcher(cfg, newFakeQueue(), store, gw, NewRenderer(), NewPhoneNormalizer("234", "0"))
}

func TestProcessJob_PersonalizedComplete(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	d := testDispatcher(store, gw, 2)

	job := &Campaign{
		ID: "job-1",
		Payload: Payload{
			Recipients: testRecipients(5),
			Template:   "Hi {{name}}",
			Channel:    domain.ChannelGeneric,
		},
		State: domain.CampaignStateActive,
	}

	summary, err := d.processJob(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, 5, summary.Processed)
	assert.Equal(t, 0, summary.Failed)

	require.Len(t, gw.singleSends, 5)
	assert.Equal(t, "2348031234000", gw.singleSends[0])
	assert.Equal(t, "Hi user0", gw.messages[0])
	assert.Equal(t, "Hi user4", gw.messages[4])

	p := store.records["job-1"]
	assert.Equal(t, 5, p.Processed)
	assert.Equal(t, 3, p.Batches)
}

func TestProcessJob_BulkComplete(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	d := testDispatcher(store, gw, 2)

	job := &Campaign{
		ID: "job-bulk",
		Payload: Payload{
			Recipients: testRecipients(5),
			Template:   "Flash sale today",
			Channel:    domain.ChannelDND,
		},
		State: domain.CampaignStateActive,
	}

	summary, err := d.processJob(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Processed)
	assert.Equal(t, 0, summary.Failed)

	require.Len(t, gw.bulkSends, 3)
	assert.Len(t, gw.bulkSends[0], 2)
	assert.Len(t, gw.bulkSends[2], 1)
	assert.Empty(t, gw.singleSends)
	assert.Equal(t, "Flash sale today", gw.messages[0])
}

func TestProcessJob_InvalidRecipientsDoNotAbort(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	d := testDispatcher(store, gw, 3)

	recipients := testRecipients(4)
	recipients[1].Attrs["phone"] = "garbage"
	recipients[2].Attrs = map[string]string{"name": "nophone"}
	recipients[2].PhoneField = ""

	job := &Campaign{
		ID:      "job-invalid",
		Payload: Payload{Recipients: recipients, Template: "Hi {{name}}", Channel: domain.ChannelGeneric},
		State:   domain.CampaignStateActive,
	}

	summary, err := d.processJob(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Processed)
	assert.Equal(t, 2, summary.Failed)
	// Invalid recipients never reach the gateway.
	assert.Len(t, gw.singleSends, 2)

	records := store.failed["job-invalid"]
	require.Len(t, records, 1)
	require.Len(t, records[0].Batch, 2)
	assert.Equal(t, "Invalid phone number format", records[0].Batch[0].Error)
	assert.Equal(t, "No phone number found", records[0].Batch[1].Error)
	assert.Contains(t, records[0].Key, "job-invalid:")
}

func TestProcessJob_GatewayRejectionContinues(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	gw.failPhones["2348031234001"] = &gateway.RejectionError{Code: 400, Message: "blocked"}
	d := testDispatcher(store, gw, 2)

	job := &Campaign{
		ID:      "job-reject",
		Payload: Payload{Recipients: testRecipients(3), Template: "Hi {{name}}", Channel: domain.ChannelGeneric},
		State:   domain.CampaignStateActive,
	}

	summary, err := d.processJob(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 1, summary.Failed)

	records := store.failed["job-reject"]
	require.Len(t, records, 1)
	assert.Contains(t, records[0].Error, "blocked")
}

func TestProcessJob_ConfigErrorFailsJob(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	gw.configErr = true
	d := testDispatcher(store, gw, 2)

	t.Run("personalized", func(t *testing.T) {
		job := &Campaign{
			ID:      "job-cfg-p",
			Payload: Payload{Recipients: testRecipients(3), Template: "Hi {{name}}", Channel: domain.ChannelGeneric},
			State:   domain.CampaignStateActive,
		}
		_, err := d.processJob(context.Background(), job)
		require.Error(t, err)
		var cfgErr *gateway.ConfigError
		assert.True(t, errors.As(err, &cfgErr))
	})

	t.Run("bulk", func(t *testing.T) {
		job := &Campaign{
			ID:      "job-cfg-b",
			Payload: Payload{Recipients: testRecipients(3), Template: "no placeholders", Channel: domain.ChannelGeneric},
			State:   domain.CampaignStateActive,
		}
		_, err := d.processJob(context.Background(), job)
		require.Error(t, err)
	})
}

func TestProcessJob_BulkBatchFailureContinues(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	gw.bulkErr = &gateway.TransportError{Err: errors.New("connection refused")}
	d := testDispatcher(store, gw, 2)

	job := &Campaign{
		ID:      "job-bulk-fail",
		Payload: Payload{Recipients: testRecipients(4), Template: "bulk text", Channel: domain.ChannelGeneric},
		State:   domain.CampaignStateActive,
	}

	summary, err := d.processJob(context.Background(), job)
	require.NoError(t, err, "recipient failures complete the job, they do not fail it")

	assert.Equal(t, 4, summary.Processed)
	assert.Equal(t, 4, summary.Failed)
	assert.Len(t, store.failed["job-bulk-fail"], 2)
}

func TestProcessJob_ResumePersonalizedMidBatch(t *testing.T) {
	store := newFakeStore()
	store.records["job-resume"] = domain.Progress{Total: 5, Processed: 3, Failed: 0, Batches: 3}

	gw := newFakeGateway()
	d := testDispatcher(store, gw, 2)

	job := &Campaign{
		ID:      "job-resume",
		Payload: Payload{Recipients: testRecipients(5), Template: "Hi {{name}}", Channel: domain.ChannelGeneric},
		State:   domain.CampaignStateActive,
	}

	summary, err := d.processJob(context.Background(), job)
	require.NoError(t, err)

	// Recipients 0-2 were already processed: only 3 and 4 go out.
	require.Len(t, gw.singleSends, 2)
	assert.Equal(t, "Hi user3", gw.messages[0])
	assert.Equal(t, "Hi user4", gw.messages[1])
	assert.Equal(t, 5, summary.Processed)
}

func TestProcessJob_ResumeBulkRetriesPartialBatchInFull(t *testing.T) {
	// A bulk counter mid-batch means the crash hit between the gateway
	// call and the progress write: the batch is re-sent whole.
	store := newFakeStore()
	store.records["job-bulk-resume"] = domain.Progress{Total: 6, Processed: 3, Batches: 3}

	gw := newFakeGateway()
	d := testDispatcher(store, gw, 2)

	job := &Campaign{
		ID:      "job-bulk-resume",
		Payload: Payload{Recipients: testRecipients(6), Template: "bulk text", Channel: domain.ChannelGeneric},
		State:   domain.CampaignStateActive,
	}

	_, err := d.processJob(context.Background(), job)
	require.NoError(t, err)

	// Batch 0 (recipients 0-1) is skipped; batches 1 and 2 are sent in
	// full, including recipient 2 that may already have been reached.
	require.Len(t, gw.bulkSends, 2)
	assert.Equal(t, []string{"2348031234002", "2348031234003"}, gw.bulkSends[0])
	assert.Equal(t, []string{"2348031234004", "2348031234005"}, gw.bulkSends[1])
}

func TestProcessJob_ResumeBulkFullyProcessedDoesNotResend(t *testing.T) {
	// Crash window between the last progress write and MarkCompleted:
	// the counter is already at total. The final batch is partial, so
	// naive batch arithmetic would land on it and send it twice.
	store := newFakeStore()
	store.records["job-bulk-done"] = domain.Progress{Total: 5, Processed: 5, Batches: 3}

	gw := newFakeGateway()
	d := testDispatcher(store, gw, 2)

	job := &Campaign{
		ID:      "job-bulk-done",
		Payload: Payload{Recipients: testRecipients(5), Template: "bulk text", Channel: domain.ChannelGeneric},
		State:   domain.CampaignStateActive,
	}

	summary, err := d.processJob(context.Background(), job)
	require.NoError(t, err)

	assert.Empty(t, gw.bulkSends, "fully-processed job must not re-send")
	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, 5, summary.Processed)

	p := store.records["job-bulk-done"]
	assert.LessOrEqual(t, p.Processed, p.Total)
}

func TestProcessJob_FailedBatchKeysAreUniquePerBatch(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	gw.bulkErr = &gateway.TransportError{Err: errors.New("connection refused")}
	d := testDispatcher(store, gw, 2)

	// With zero batch delay several failed batches can land in the same
	// millisecond; pin the clock so the records must disambiguate.
	at := time.Now()
	d.now = func() time.Time { return at }

	job := &Campaign{
		ID:      "job-key-collide",
		Payload: Payload{Recipients: testRecipients(4), Template: "bulk text", Channel: domain.ChannelGeneric},
		State:   domain.CampaignStateActive,
	}

	_, err := d.processJob(context.Background(), job)
	require.NoError(t, err)

	records := store.failed["job-key-collide"]
	require.Len(t, records, 2)
	seen := make(map[string]struct{}, len(records))
	for _, fb := range records {
		_, dup := seen[fb.Key]
		assert.False(t, dup, "failed-batch key collision: %s", fb.Key)
		seen[fb.Key] = struct{}{}
	}
}

func TestProcessJob_ResumeSkipCoversWholeBatch(t *testing.T) {
	// All 3 recipients already processed in personalized mode: the job
	// completes without sending anything again.
	store := newFakeStore()
	store.records["job-edge"] = domain.Progress{Total: 3, Processed: 3, Batches: 2}

	gw := newFakeGateway()
	d := testDispatcher(store, gw, 2)

	job := &Campaign{
		ID:      "job-edge",
		Payload: Payload{Recipients: testRecipients(3), Template: "Hi {{name}}", Channel: domain.ChannelGeneric},
		State:   domain.CampaignStateActive,
	}

	summary, err := d.processJob(context.Background(), job)
	require.NoError(t, err)

	assert.Empty(t, gw.singleSends)
	assert.Equal(t, 3, summary.Processed)
}

func TestProcessJob_CompletedJobShortCircuits(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	d := testDispatcher(store, gw, 2)

	result := domain.Summary{Total: 3, Processed: 3}
	job := &Campaign{
		ID:      "job-done",
		Payload: Payload{Recipients: testRecipients(3), Template: "Hi {{name}}", Channel: domain.ChannelGeneric},
		State:   domain.CampaignStateCompleted,
		Result:  &result,
	}

	summary, err := d.processJob(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, result, summary)
	assert.Empty(t, gw.singleSends, "redelivered completed job must not send")
}

func TestProcessJob_ProgressMonotonic(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	gw.failPhones["2348031234002"] = &gateway.RejectionError{Code: 500, Message: "provider error"}
	d := testDispatcher(store, gw, 2)

	job := &Campaign{
		ID:      "job-mono",
		Payload: Payload{Recipients: testRecipients(6), Template: "Hi {{name}}", Channel: domain.ChannelGeneric},
		State:   domain.CampaignStateActive,
	}

	_, err := d.processJob(context.Background(), job)
	require.NoError(t, err)

	var prev domain.Progress
	for i, p := range store.writes["job-mono"] {
		assert.GreaterOrEqual(t, p.Processed, prev.Processed, "write %d: processed regressed", i)
		assert.GreaterOrEqual(t, p.Failed, prev.Failed, "write %d: failed regressed", i)
		assert.LessOrEqual(t, p.Failed, p.Processed, "write %d: failed > processed", i)
		assert.LessOrEqual(t, p.Processed, p.Total, "write %d: processed > total", i)
		prev = p
	}
}

func TestProcessNext_ClaimsAndCompletes(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	queue := newFakeQueue()

	cfg := DefaultDispatcherConfig()
	cfg.BatchSize = 2
	cfg.BatchDelay = 0
	cfg.SendRate = 10000
	d := NewDispatcher(cfg, queue, store, gw, NewRenderer(), NewPhoneNormalizer("234", "0"))

	_, err := queue.Enqueue(context.Background(), &Campaign{
		ID:      "job-q",
		Payload: Payload{Recipients: testRecipients(3), Template: "Hi {{name}}", Channel: domain.ChannelGeneric},
		State:   domain.CampaignStateWaiting,
	})
	require.NoError(t, err)

	require.True(t, d.processNext(context.Background()))

	job, err := queue.Get(context.Background(), "job-q")
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStateCompleted, job.State)
	require.NotNil(t, job.Result)
	assert.Equal(t, 3, job.Result.Processed)

	// Queue drained.
	assert.False(t, d.processNext(context.Background()))
}

func TestProcessNext_RedeliveredCompletedJobIsIdempotent(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	queue := newFakeQueue()

	cfg := DefaultDispatcherConfig()
	cfg.BatchSize = 2
	cfg.BatchDelay = 0
	cfg.SendRate = 10000
	d := NewDispatcher(cfg, queue, store, gw, NewRenderer(), NewPhoneNormalizer("234", "0"))

	_, err := queue.Enqueue(context.Background(), &Campaign{
		ID:      "job-redeliver",
		Payload: Payload{Recipients: testRecipients(2), Template: "Hi {{name}}", Channel: domain.ChannelGeneric},
		State:   domain.CampaignStateWaiting,
	})
	require.NoError(t, err)

	require.True(t, d.processNext(context.Background()))
	sent := len(gw.singleSends)

	// Simulate at-least-once redelivery handing the completed job back.
	job, err := queue.Get(context.Background(), "job-redeliver")
	require.NoError(t, err)

	summary, err := d.processJob(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, sent, len(gw.singleSends), "no duplicate sends on redelivery")
	assert.Equal(t, 2, summary.Processed)
}
