// Package postgres provides the PostgreSQL implementation of the
// campaign queue.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bissquit/sms-courier/internal/campaigns"
	"github.com/bissquit/sms-courier/internal/domain"
)

// Repository implements campaigns.Queue using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const campaignColumns = `id, payload, state, last_error, result, lease_until, created_at, updated_at`

// Enqueue inserts the campaign in waiting state. A job with the same id
// already in the table wins: the insert is a no-op and the existing row
// is returned, which is what makes submission idempotent.
func (r *Repository) Enqueue(ctx context.Context, c *campaigns.Campaign) (*campaigns.Campaign, error) {
	query := `
		INSERT INTO campaigns (id, payload, state)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := r.db.Exec(ctx, query, c.ID, c.Payload, c.State); err != nil {
		return nil, fmt.Errorf("enqueue campaign: %w", err)
	}
	return r.Get(ctx, c.ID)
}

// Get retrieves a campaign job by id.
func (r *Repository) Get(ctx context.Context, id string) (*campaigns.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`

	c, err := scanCampaign(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, campaigns.ErrCampaignNotFound
		}
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

// ClaimNext takes the oldest claimable job under a fresh lease. A job is
// claimable when it is waiting, or active with an expired lease (the
// dispatcher that held it died). SKIP LOCKED keeps concurrent claimers
// from blocking on each other.
func (r *Repository) ClaimNext(ctx context.Context, lease time.Duration) (*campaigns.Campaign, error) {
	query := `
		UPDATE campaigns
		SET state = $1, lease_until = NOW() + $2 * INTERVAL '1 second', updated_at = NOW()
		WHERE id = (
			SELECT id FROM campaigns
			WHERE state = $3
			   OR (state = $1 AND lease_until < NOW())
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + campaignColumns

	c, err := scanCampaign(r.db.QueryRow(ctx, query,
		domain.CampaignStateActive,
		lease.Seconds(),
		domain.CampaignStateWaiting,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim campaign: %w", err)
	}
	return c, nil
}

// MarkCompleted records the terminal result and releases the lease.
func (r *Repository) MarkCompleted(ctx context.Context, id string, result domain.Summary) error {
	query := `
		UPDATE campaigns
		SET state = $2, result = $3, last_error = '', lease_until = NULL, updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, id, domain.CampaignStateCompleted, result)
	if err != nil {
		return fmt.Errorf("mark campaign completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return campaigns.ErrCampaignNotFound
	}
	return nil
}

// MarkFailed records a job-level failure and releases the lease.
func (r *Repository) MarkFailed(ctx context.Context, id string, cause string) error {
	query := `
		UPDATE campaigns
		SET state = $2, last_error = $3, lease_until = NULL, updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, id, domain.CampaignStateFailed, cause)
	if err != nil {
		return fmt.Errorf("mark campaign failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return campaigns.ErrCampaignNotFound
	}
	return nil
}

// Stats returns job counts by state.
func (r *Repository) Stats(ctx context.Context) (campaigns.QueueStats, error) {
	query := `SELECT state, COUNT(*) FROM campaigns GROUP BY state`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return campaigns.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var stats campaigns.QueueStats
	for rows.Next() {
		var state domain.CampaignState
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return campaigns.QueueStats{}, fmt.Errorf("scan queue stats: %w", err)
		}
		switch state {
		case domain.CampaignStateWaiting:
			stats.Waiting = count
		case domain.CampaignStateActive:
			stats.Active = count
		case domain.CampaignStateCompleted:
			stats.Completed = count
		case domain.CampaignStateFailed:
			stats.Failed = count
		}
	}

	return stats, nil
}

// PurgeTerminal deletes completed and failed jobs older than the
// retention window.
func (r *Repository) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		DELETE FROM campaigns
		WHERE state IN ($1, $2) AND updated_at < NOW() - $3 * INTERVAL '1 second'
	`
	tag, err := r.db.Exec(ctx, query, domain.CampaignStateCompleted, domain.CampaignStateFailed, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("purge campaigns: %w", err)
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*campaigns.Campaign, error) {
	var c campaigns.Campaign
	err := row.Scan(
		&c.ID,
		&c.Payload,
		&c.State,
		&c.LastError,
		&c.Result,
		&c.LeaseUntil,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
