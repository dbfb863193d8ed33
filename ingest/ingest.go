// Package ingest holds the job handlers that turn discovered feed items and
// periodic refresh requests into stored videos and statistics.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/mhpenta/ingestq"
	"github.com/mhpenta/ingestq/categorize"
	"github.com/mhpenta/ingestq/feed"
	"github.com/mhpenta/ingestq/ytapi"
)

// Video is an ingested video as stored.
type Video struct {
	ID          string
	ChannelID   string
	Title       string
	Description string
	PublishedAt time.Time
	Duration    string
	// CategoryID is empty when no rule matched.
	CategoryID   string
	RuleID       string
	ViewCount    uint64
	LikeCount    uint64
	CommentCount uint64
	IngestedAt   time.Time
	UpdatedAt    time.Time
}

// VideoStore persists ingestion results.
type VideoStore interface {
	UpsertVideo(ctx context.Context, v Video) error
	GetVideo(ctx context.Context, id string) (Video, error)
	VideoExists(ctx context.Context, id string) (bool, error)
	// UpdateVideoStats updates known videos and returns how many rows changed.
	UpdateVideoStats(ctx context.Context, stats []ytapi.VideoStats, at time.Time) (int64, error)
	UpsertChannelStats(ctx context.Context, stats []ytapi.ChannelStats, at time.Time) error
}

// ContentAPI is the platform lookup used by the handlers. Both calls accept
// at most ytapi.MaxBatchSize ids.
type ContentAPI interface {
	Videos(ctx context.Context, ids []string) ([]ytapi.Video, error)
	Channels(ctx context.Context, ids []string) ([]ytapi.ChannelStats, error)
}

type Categorizer interface {
	Categorize(ctx context.Context, item categorize.Item) (categorize.Result, error)
}

type VideoStatsPayload struct {
	VideoIDs []string `json:"video_ids"`
}

type ChannelStatsPayload struct {
	ChannelIDs []string `json:"channel_ids"`
}

// Enqueuer is the producer half of ingestq.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload []byte, opts ...ingestq.EnqueueOption) (string, error)
}

// SeenChecker reports a feed item as seen once its video is stored.
func SeenChecker(store VideoStore) feed.SeenChecker {
	return feed.SeenFunc(func(ctx context.Context, item feed.Item) (bool, error) {
		return store.VideoExists(ctx, item.ID)
	})
}

// EnqueueVideoStatsRefresh splits videoIDs into REFRESH_VIDEO_STATS jobs of at
// most ytapi.MaxBatchSize ids. Each job is deduplicated on its id set.
func EnqueueVideoStatsRefresh(ctx context.Context, q Enqueuer, videoIDs []string, opts ...ingestq.EnqueueOption) ([]string, error) {
	ids := slices.Clone(videoIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	var jobIDs []string
	for chunk := range slices.Chunk(ids, ytapi.MaxBatchSize) {
		payload, err := json.Marshal(VideoStatsPayload{VideoIDs: chunk})
		if err != nil {
			return jobIDs, fmt.Errorf("failed to marshal video stats payload: %w", err)
		}
		o := append([]ingestq.EnqueueOption{ingestq.WithDedupKey(batchKey("video-stats", chunk))}, opts...)
		id, err := q.Enqueue(ctx, ingestq.JobTypeRefreshVideoStats, payload, o...)
		if err != nil {
			return jobIDs, fmt.Errorf("failed to enqueue video stats refresh: %w", err)
		}
		jobIDs = append(jobIDs, id)
	}
	return jobIDs, nil
}

// ChannelStatsKey is the dedup key of a single-channel stats refresh.
func ChannelStatsKey(channelID string) string {
	return "channel-stats:" + channelID
}

// batchKey derives a stable dedup key from a sorted id set.
func batchKey(prefix string, ids []string) string {
	return fmt.Sprintf("%s:%d:%016x", prefix, len(ids), xxhash.Sum64String(strings.Join(ids, ",")))
}
