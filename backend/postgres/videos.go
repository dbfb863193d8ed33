package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
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

	_, err := s.pool.Exec(ctx, `
		INSERT INTO videos (id, channel_id, title, description, published_at, duration, category_id, rule_id,
			view_count, like_count, comment_count, ingested_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			channel_id = EXCLUDED.channel_id,
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			published_at = EXCLUDED.published_at,
			duration = EXCLUDED.duration,
			category_id = EXCLUDED.category_id,
			rule_id = EXCLUDED.rule_id,
			view_count = EXCLUDED.view_count,
			like_count = EXCLUDED.like_count,
			comment_count = EXCLUDED.comment_count,
			updated_at = EXCLUDED.updated_at`,
		v.ID, v.ChannelID, v.Title, v.Description, optTime(v.PublishedAt), v.Duration,
		optString(v.CategoryID), optString(v.RuleID),
		int64(v.ViewCount), int64(v.LikeCount), int64(v.CommentCount),
		ingestedAt.UTC(), updatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert video: %w", err)
	}
	return nil
}

func (s *Store) GetVideo(ctx context.Context, id string) (ingest.Video, error) {
	var v ingest.Video
	var categoryID, ruleID *string
	var publishedAt *time.Time
	var views, likes, comments int64
	err := s.pool.QueryRow(ctx, `
		SELECT id, channel_id, title, description, published_at, duration, category_id, rule_id,
			view_count, like_count, comment_count, ingested_at, updated_at
		FROM videos WHERE id = $1`, id).
		Scan(&v.ID, &v.ChannelID, &v.Title, &v.Description, &publishedAt, &v.Duration, &categoryID, &ruleID,
			&views, &likes, &comments, &v.IngestedAt, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ingest.Video{}, ingestq.ErrNotFound
		}
		return ingest.Video{}, fmt.Errorf("failed to get video: %w", err)
	}
	v.PublishedAt = derefTime(publishedAt)
	v.CategoryID = derefString(categoryID)
	v.RuleID = derefString(ruleID)
	v.ViewCount, v.LikeCount, v.CommentCount = uint64(views), uint64(likes), uint64(comments)
	v.IngestedAt = v.IngestedAt.UTC()
	v.UpdatedAt = v.UpdatedAt.UTC()
	return v, nil
}

func (s *Store) VideoExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM videos WHERE id = $1)`, id).Scan(&exists)
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
	return withTx(ctx, s.pool, func(tx pgx.Tx) (int64, error) {
		batch := &pgx.Batch{}
		for _, st := range stats {
			batch.Queue(`
				UPDATE videos SET view_count = $1, like_count = $2, comment_count = $3, updated_at = $4
				WHERE id = $5`,
				int64(st.ViewCount), int64(st.LikeCount), int64(st.CommentCount), at.UTC(), st.VideoID)
		}
		br := tx.SendBatch(ctx, batch)
		var updated int64
		for range stats {
			tag, err := br.Exec()
			if err != nil {
				br.Close()
				return 0, fmt.Errorf("failed to update video stats: %w", err)
			}
			updated += tag.RowsAffected()
		}
		if err := br.Close(); err != nil {
			return 0, fmt.Errorf("failed to update video stats: %w", err)
		}
		return updated, nil
	})
}

func (s *Store) UpsertChannelStats(ctx context.Context, stats []ytapi.ChannelStats, at time.Time) error {
	if len(stats) == 0 {
		return nil
	}
	_, err := withTx(ctx, s.pool, func(tx pgx.Tx) (struct{}, error) {
		batch := &pgx.Batch{}
		for _, c := range stats {
			batch.Queue(`
				INSERT INTO channels (id, title, subscriber_count, hidden_subscriber_count, video_count, view_count, stats_updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (id) DO UPDATE SET
					title = EXCLUDED.title,
					subscriber_count = EXCLUDED.subscriber_count,
					hidden_subscriber_count = EXCLUDED.hidden_subscriber_count,
					video_count = EXCLUDED.video_count,
					view_count = EXCLUDED.view_count,
					stats_updated_at = EXCLUDED.stats_updated_at`,
				c.ChannelID, c.Title, int64(c.SubscriberCount), c.HiddenSubscriberCount,
				int64(c.VideoCount), int64(c.ViewCount), at.UTC())
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return struct{}{}, fmt.Errorf("failed to upsert channel stats: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

// GetChannelStats returns the last stored statistics of a channel.
func (s *Store) GetChannelStats(ctx context.Context, channelID string) (ytapi.ChannelStats, time.Time, error) {
	var c ytapi.ChannelStats
	var subs, videos, views int64
	var at time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT id, title, subscriber_count, hidden_subscriber_count, video_count, view_count, stats_updated_at
		FROM channels WHERE id = $1`, channelID).
		Scan(&c.ChannelID, &c.Title, &subs, &c.HiddenSubscriberCount, &videos, &views, &at)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ytapi.ChannelStats{}, time.Time{}, ingestq.ErrNotFound
		}
		return ytapi.ChannelStats{}, time.Time{}, fmt.Errorf("failed to get channel stats: %w", err)
	}
	c.SubscriberCount, c.VideoCount, c.ViewCount = uint64(subs), uint64(videos), uint64(views)
	return c, at.UTC(), nil
}
