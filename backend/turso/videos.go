package turso

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mhpenta/ingestq"
	"github.com/mhpenta/ingestq/ingest"
	"github.com/mhpenta/ingestq/ytapi"
)

func (s *Store) UpsertVideo(ctx context.Context, v ingest.Video) error {
	ingestedAt := v.IngestedAt
	if ingestedAt.IsZero() {
		ingestedAt = s.now()
	}
	updatedAt := v.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = ingestedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO videos (id, channel_id, title, description, published_at, duration, category_id, rule_id,
			view_count, like_count, comment_count, ingested_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			channel_id = excluded.channel_id,
			title = excluded.title,
			description = excluded.description,
			published_at = excluded.published_at,
			duration = excluded.duration,
			category_id = excluded.category_id,
			rule_id = excluded.rule_id,
			view_count = excluded.view_count,
			like_count = excluded.like_count,
			comment_count = excluded.comment_count,
			updated_at = excluded.updated_at`,
		v.ID, v.ChannelID, v.Title, v.Description, nullMillis(v.PublishedAt), v.Duration,
		nullString(v.CategoryID), nullString(v.RuleID),
		int64(v.ViewCount), int64(v.LikeCount), int64(v.CommentCount),
		millis(ingestedAt), millis(updatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert video: %w", err)
	}
	return nil
}

func (s *Store) GetVideo(ctx context.Context, id string) (ingest.Video, error) {
	var v ingest.Video
	var categoryID, ruleID sql.NullString
	var publishedAt sql.NullInt64
	var views, likes, comments, ingestedAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, channel_id, title, description, published_at, duration, category_id, rule_id,
			view_count, like_count, comment_count, ingested_at, updated_at
		FROM videos WHERE id = ?`, id).
		Scan(&v.ID, &v.ChannelID, &v.Title, &v.Description, &publishedAt, &v.Duration, &categoryID, &ruleID,
			&views, &likes, &comments, &ingestedAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ingest.Video{}, ingestq.ErrNotFound
		}
		return ingest.Video{}, fmt.Errorf("failed to get video: %w", err)
	}
	v.PublishedAt = fromNullMillis(publishedAt)
	v.CategoryID = categoryID.String
	v.RuleID = ruleID.String
	v.ViewCount, v.LikeCount, v.CommentCount = uint64(views), uint64(likes), uint64(comments)
	v.IngestedAt = fromMillis(ingestedAt)
	v.UpdatedAt = fromMillis(updatedAt)
	return v, nil
}

func (s *Store) VideoExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM videos WHERE id = ?)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check video: %w", err)
	}
	return exists, nil
}

// UpdateVideoStats updates counters of stored videos. Unknown ids are skipped.
func (s *Store) UpdateVideoStats(ctx context.Context, stats []ytapi.VideoStats, at time.Time) (int64, error) {
	if len(stats) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var updated int64
	for _, st := range stats {
		res, err := tx.ExecContext(ctx, `
			UPDATE videos SET view_count = ?, like_count = ?, comment_count = ?, updated_at = ?
			WHERE id = ?`,
			int64(st.ViewCount), int64(st.LikeCount), int64(st.CommentCount), millis(at), st.VideoID)
		if err != nil {
			return 0, fmt.Errorf("failed to update video stats: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to update video stats: %w", err)
		}
		updated += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit video stats: %w", err)
	}
	return updated, nil
}

func (s *Store) UpsertChannelStats(ctx context.Context, stats []ytapi.ChannelStats, at time.Time) error {
	if len(stats) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, c := range stats {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO channels (id, title, subscriber_count, hidden_subscriber_count, video_count, view_count, stats_updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				title = excluded.title,
				subscriber_count = excluded.subscriber_count,
				hidden_subscriber_count = excluded.hidden_subscriber_count,
				video_count = excluded.video_count,
				view_count = excluded.view_count,
				stats_updated_at = excluded.stats_updated_at`,
			c.ChannelID, c.Title, int64(c.SubscriberCount), boolInt(c.HiddenSubscriberCount),
			int64(c.VideoCount), int64(c.ViewCount), millis(at))
		if err != nil {
			return fmt.Errorf("failed to upsert channel stats: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit channel stats: %w", err)
	}
	return nil
}

// GetChannelStats returns the last stored statistics of a channel.
func (s *Store) GetChannelStats(ctx context.Context, channelID string) (ytapi.ChannelStats, time.Time, error) {
	var c ytapi.ChannelStats
	var hidden int
	var subs, videos, views, at int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, subscriber_count, hidden_subscriber_count, video_count, view_count, stats_updated_at
		FROM channels WHERE id = ?`, channelID).
		Scan(&c.ChannelID, &c.Title, &subs, &hidden, &videos, &views, &at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ytapi.ChannelStats{}, time.Time{}, ingestq.ErrNotFound
		}
		return ytapi.ChannelStats{}, time.Time{}, fmt.Errorf("failed to get channel stats: %w", err)
	}
	c.HiddenSubscriberCount = hidden != 0
	c.SubscriberCount, c.VideoCount, c.ViewCount = uint64(subs), uint64(videos), uint64(views)
	return c, fromMillis(at), nil
}
