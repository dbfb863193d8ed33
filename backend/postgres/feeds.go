package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/mhpenta/ingestq/feed"
)

const feedColumns = `channel_id, feed_url, feed_type, poll_interval_minutes, is_active, consecutive_failures,
	last_error_message, last_error_at, last_polled_at, last_successful_poll_at, last_etag, last_modified,
	created_at, updated_at`

func scanFeed(row pgx.Row) (feed.State, error) {
	var st feed.State
	var feedType string
	var lastErrorMessage, lastETag, lastModified *string
	var lastErrorAt, lastPolledAt, lastSuccessAt *time.Time
	err := row.Scan(&st.ChannelID, &st.FeedURL, &feedType, &st.PollIntervalMinutes, &st.IsActive,
		&st.ConsecutiveFailures, &lastErrorMessage, &lastErrorAt, &lastPolledAt, &lastSuccessAt,
		&lastETag, &lastModified, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return feed.State{}, err
	}
	st.FeedType = feed.FeedType(feedType)
	st.LastErrorMessage = derefString(lastErrorMessage)
	st.LastErrorAt = derefTime(lastErrorAt)
	st.LastPolledAt = derefTime(lastPolledAt)
	st.LastSuccessfulPollAt = derefTime(lastSuccessAt)
	st.LastETag = derefString(lastETag)
	st.LastModified = derefString(lastModified)
	st.CreatedAt = st.CreatedAt.UTC()
	st.UpdatedAt = st.UpdatedAt.UTC()
	return st, nil
}

func (s *Store) GetFeed(ctx context.Context, channelID string) (feed.State, error) {
	st, err := scanFeed(s.pool.QueryRow(ctx, `SELECT `+feedColumns+` FROM feeds WHERE channel_id = $1`, channelID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return feed.State{}, feed.ErrFeedNotFound
		}
		return feed.State{}, fmt.Errorf("failed to get feed: %w", err)
	}
	return st, nil
}

func (s *Store) ListActiveFeeds(ctx context.Context) ([]feed.State, error) {
	return s.queryFeeds(ctx, `SELECT `+feedColumns+` FROM feeds WHERE is_active ORDER BY channel_id`)
}

func (s *Store) ListFeeds(ctx context.Context) ([]feed.State, error) {
	return s.queryFeeds(ctx, `SELECT `+feedColumns+` FROM feeds ORDER BY channel_id`)
}

func (s *Store) queryFeeds(ctx context.Context, query string) ([]feed.State, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list feeds: %w", err)
	}
	defer rows.Close()

	feeds := []feed.State{}
	for rows.Next() {
		st, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feed: %w", err)
		}
		feeds = append(feeds, st)
	}
	return feeds, rows.Err()
}

func (s *Store) UpsertFeed(ctx context.Context, st feed.State) error {
	if st.ChannelID == "" {
		return errors.New("feed: channel_id must not be empty")
	}
	if st.FeedURL == "" {
		st.FeedURL = feed.NativeFeedURL(st.ChannelID)
	}
	if st.FeedType == "" {
		st.FeedType = feed.FeedTypeNativeRSS
	}
	if st.PollIntervalMinutes <= 0 {
		st.PollIntervalMinutes = int(feed.DefaultPollInterval / time.Minute)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO feeds (channel_id, feed_url, feed_type, poll_interval_minutes, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, $5, $5)
		ON CONFLICT (channel_id) DO UPDATE SET
			feed_url = EXCLUDED.feed_url,
			feed_type = EXCLUDED.feed_type,
			poll_interval_minutes = EXCLUDED.poll_interval_minutes,
			updated_at = EXCLUDED.updated_at`,
		st.ChannelID, st.FeedURL, string(st.FeedType), st.PollIntervalMinutes, s.now())
	if err != nil {
		return fmt.Errorf("failed to upsert feed: %w", err)
	}
	return nil
}

func (s *Store) ClaimFeed(ctx context.Context, channelID, holder string, until time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE feeds
		SET poll_claimed_by = $1, poll_claim_expires_at = $2
		WHERE channel_id = $3
		  AND is_active
		  AND (poll_claimed_by IS NULL OR poll_claimed_by = $1 OR poll_claim_expires_at <= $4)`,
		holder, until.UTC(), channelID, s.now())
	if err != nil {
		return false, fmt.Errorf("failed to claim feed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ReleaseFeed(ctx context.Context, channelID, holder string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE feeds
		SET poll_claimed_by = NULL, poll_claim_expires_at = NULL
		WHERE channel_id = $1 AND poll_claimed_by = $2`,
		channelID, holder)
	if err != nil {
		return fmt.Errorf("failed to release feed: %w", err)
	}
	return nil
}

// SaveFeedState writes poll results and drops holder's claim. It never
// reactivates a disabled feed, and writes nothing once another holder has
// taken the claim.
func (s *Store) SaveFeedState(ctx context.Context, st feed.State, holder string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE feeds
		SET consecutive_failures = $1,
		    last_error_message = $2,
		    last_error_at = $3,
		    last_polled_at = $4,
		    last_successful_poll_at = $5,
		    last_etag = $6,
		    last_modified = $7,
		    is_active = is_active AND $8,
		    poll_claimed_by = NULL,
		    poll_claim_expires_at = NULL,
		    updated_at = $9
		WHERE channel_id = $10 AND poll_claimed_by = $11`,
		st.ConsecutiveFailures,
		optString(st.LastErrorMessage),
		optTime(st.LastErrorAt),
		optTime(st.LastPolledAt),
		optTime(st.LastSuccessfulPollAt),
		optString(st.LastETag),
		optString(st.LastModified),
		st.IsActive,
		s.now(),
		st.ChannelID,
		holder)
	if err != nil {
		return fmt.Errorf("failed to save feed state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.claimLost(ctx, st.ChannelID)
	}
	return nil
}

// claimLost tells a missing feed apart from one claimed by someone else.
func (s *Store) claimLost(ctx context.Context, channelID string) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM feeds WHERE channel_id = $1)`, channelID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to save feed state: %w", err)
	}
	if !exists {
		return feed.ErrFeedNotFound
	}
	return feed.ErrClaimLost
}

func (s *Store) SetFeedActive(ctx context.Context, channelID string, active bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE feeds
		SET is_active = $1,
		    consecutive_failures = CASE WHEN $1 THEN 0 ELSE consecutive_failures END,
		    updated_at = $2
		WHERE channel_id = $3`,
		active, s.now(), channelID)
	if err != nil {
		return fmt.Errorf("failed to set feed active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return feed.ErrFeedNotFound
	}
	return nil
}
