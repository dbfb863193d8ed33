package turso

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mhpenta/ingestq/feed"
)

const feedColumns = `channel_id, feed_url, feed_type, poll_interval_minutes, is_active, consecutive_failures,
	last_error_message, last_error_at, last_polled_at, last_successful_poll_at, last_etag, last_modified,
	created_at, updated_at`

func scanFeed(row scanner) (feed.State, error) {
	var st feed.State
	var feedType string
	var isActive int
	var lastErrorMessage, lastETag, lastModified sql.NullString
	var lastErrorAt, lastPolledAt, lastSuccessAt sql.NullInt64
	var createdAt, updatedAt int64
	err := row.Scan(&st.ChannelID, &st.FeedURL, &feedType, &st.PollIntervalMinutes, &isActive,
		&st.ConsecutiveFailures, &lastErrorMessage, &lastErrorAt, &lastPolledAt, &lastSuccessAt,
		&lastETag, &lastModified, &createdAt, &updatedAt)
	if err != nil {
		return feed.State{}, err
	}
	st.FeedType = feed.FeedType(feedType)
	st.IsActive = isActive != 0
	st.LastErrorMessage = lastErrorMessage.String
	st.LastErrorAt = fromNullMillis(lastErrorAt)
	st.LastPolledAt = fromNullMillis(lastPolledAt)
	st.LastSuccessfulPollAt = fromNullMillis(lastSuccessAt)
	st.LastETag = lastETag.String
	st.LastModified = lastModified.String
	st.CreatedAt = fromMillis(createdAt)
	st.UpdatedAt = fromMillis(updatedAt)
	return st, nil
}

func (s *Store) GetFeed(ctx context.Context, channelID string) (feed.State, error) {
	st, err := scanFeed(s.db.QueryRowContext(ctx, `SELECT `+feedColumns+` FROM feeds WHERE channel_id = ?`, channelID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return feed.State{}, feed.ErrFeedNotFound
		}
		return feed.State{}, fmt.Errorf("failed to get feed: %w", err)
	}
	return st, nil
}

func (s *Store) ListActiveFeeds(ctx context.Context) ([]feed.State, error) {
	return s.queryFeeds(ctx, `SELECT `+feedColumns+` FROM feeds WHERE is_active = 1 ORDER BY channel_id`)
}

func (s *Store) ListFeeds(ctx context.Context) ([]feed.State, error) {
	return s.queryFeeds(ctx, `SELECT `+feedColumns+` FROM feeds ORDER BY channel_id`)
}

func (s *Store) queryFeeds(ctx context.Context, query string, args ...any) ([]feed.State, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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

// UpsertFeed registers a feed. For an existing feed only the URL, type and
// interval change; polling state is kept.
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
	now := millis(s.now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feeds (channel_id, feed_url, feed_type, poll_interval_minutes, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (channel_id) DO UPDATE SET
			feed_url = excluded.feed_url,
			feed_type = excluded.feed_type,
			poll_interval_minutes = excluded.poll_interval_minutes,
			updated_at = excluded.updated_at`,
		st.ChannelID, st.FeedURL, string(st.FeedType), st.PollIntervalMinutes, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert feed: %w", err)
	}
	return nil
}

func (s *Store) ClaimFeed(ctx context.Context, channelID, holder string, until time.Time) (bool, error) {
	now := millis(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE feeds
		SET poll_claimed_by = ?, poll_claim_expires_at = ?
		WHERE channel_id = ?
		  AND is_active = 1
		  AND (poll_claimed_by IS NULL OR poll_claimed_by = ? OR poll_claim_expires_at <= ?)`,
		holder, millis(until), channelID, holder, now)
	if err != nil {
		return false, fmt.Errorf("failed to claim feed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim feed: %w", err)
	}
	return n == 1, nil
}

func (s *Store) ReleaseFeed(ctx context.Context, channelID, holder string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE feeds
		SET poll_claimed_by = NULL, poll_claim_expires_at = NULL
		WHERE channel_id = ? AND poll_claimed_by = ?`,
		channelID, holder)
	if err != nil {
		return fmt.Errorf("failed to release feed: %w", err)
	}
	return nil
}

// SaveFeedState writes poll results and drops holder's claim. The poller can
// only deactivate a feed, never reactivate it. Nothing is written once another
// holder has taken the claim.
func (s *Store) SaveFeedState(ctx context.Context, st feed.State, holder string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE feeds
		SET consecutive_failures = ?,
		    last_error_message = ?,
		    last_error_at = ?,
		    last_polled_at = ?,
		    last_successful_poll_at = ?,
		    last_etag = ?,
		    last_modified = ?,
		    is_active = CASE WHEN ? = 0 THEN 0 ELSE is_active END,
		    poll_claimed_by = NULL,
		    poll_claim_expires_at = NULL,
		    updated_at = ?
		WHERE channel_id = ? AND poll_claimed_by = ?`,
		st.ConsecutiveFailures,
		nullString(st.LastErrorMessage),
		nullMillis(st.LastErrorAt),
		nullMillis(st.LastPolledAt),
		nullMillis(st.LastSuccessfulPollAt),
		nullString(st.LastETag),
		nullString(st.LastModified),
		boolInt(st.IsActive),
		millis(s.now()),
		st.ChannelID, holder)
	if err != nil {
		return fmt.Errorf("failed to save feed state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save feed state: %w", err)
	}
	if n == 0 {
		return s.claimLost(ctx, st.ChannelID)
	}
	return nil
}

// claimLost tells a missing feed apart from one claimed by someone else.
func (s *Store) claimLost(ctx context.Context, channelID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM feeds WHERE channel_id = ?`, channelID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return feed.ErrFeedNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to save feed state: %w", err)
	}
	return feed.ErrClaimLost
}

func (s *Store) SetFeedActive(ctx context.Context, channelID string, active bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE feeds
		SET is_active = ?,
		    consecutive_failures = CASE WHEN ? = 1 THEN 0 ELSE consecutive_failures END,
		    updated_at = ?
		WHERE channel_id = ?`,
		boolInt(active), boolInt(active), millis(s.now()), channelID)
	if err != nil {
		return fmt.Errorf("failed to set feed active: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to set feed active: %w", err)
	}
	if n == 0 {
		return feed.ErrFeedNotFound
	}
	return nil
}
