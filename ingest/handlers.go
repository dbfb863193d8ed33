package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/mhpenta/ingestq"
	"github.com/mhpenta/ingestq/categorize"
	"github.com/mhpenta/ingestq/feed"
	"github.com/mhpenta/ingestq/worker"
	"github.com/mhpenta/ingestq/ytapi"
)

var ErrVideoNotFound = errors.New("ingest: video not found")

// Registrar is satisfied by *worker.Pool.
type Registrar interface {
	Handle(jobType string, h worker.Handler)
}

type Handlers struct {
	api         ContentAPI
	store       VideoStore
	categorizer Categorizer
	logger      *slog.Logger
	clock       func() time.Time
}

type Option func(*Handlers)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handlers) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(h *Handlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

func NewHandlers(api ContentAPI, store VideoStore, categorizer Categorizer, opts ...Option) *Handlers {
	h := &Handlers{
		api:         api,
		store:       store,
		categorizer: categorizer,
		logger:      slog.Default(),
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register installs every handler on r.
func (h *Handlers) Register(r Registrar) {
	r.Handle(ingestq.JobTypeIngestVideo, h.IngestVideo)
	r.Handle(ingestq.JobTypeRefreshVideoStats, h.RefreshVideoStats)
	r.Handle(ingestq.JobTypeRefreshChannelStats, h.RefreshChannelStats)
}

// IngestVideo fetches, categorizes and stores the video named by a
// feed.ItemPayload.
func (h *Handlers) IngestVideo(ctx context.Context, job ingestq.Job) error {
	var p feed.ItemPayload
	if err := decode(job.Payload, &p); err != nil {
		return err
	}
	if p.VideoID == "" {
		return ingestq.Permanent(errors.New("payload has no video_id"))
	}

	videos, err := h.api.Videos(ctx, []string{p.VideoID})
	if err != nil {
		return apiError(err)
	}
	if len(videos) == 0 {
		return ingestq.Permanent(fmt.Errorf("%w: %s", ErrVideoNotFound, p.VideoID))
	}
	v := videos[0]

	res, err := h.categorizer.Categorize(ctx, categorize.Item{
		ChannelID:   v.ChannelID,
		Title:       v.Title,
		Description: v.Description,
	})
	if err != nil {
		return fmt.Errorf("failed to categorize video %s: %w", v.ID, err)
	}

	now := h.clock()
	rec := Video{
		ID:           v.ID,
		ChannelID:    v.ChannelID,
		Title:        v.Title,
		Description:  v.Description,
		PublishedAt:  v.PublishedAt,
		Duration:     v.Duration,
		CategoryID:   res.CategoryID,
		RuleID:       res.RuleID,
		ViewCount:    v.Stats.ViewCount,
		LikeCount:    v.Stats.LikeCount,
		CommentCount: v.Stats.CommentCount,
		IngestedAt:   now,
		UpdatedAt:    now,
	}
	if rec.ChannelID == "" {
		rec.ChannelID = p.ChannelID
	}
	if rec.PublishedAt.IsZero() {
		rec.PublishedAt = p.PublishedAt
	}

	if err := h.store.UpsertVideo(ctx, rec); err != nil {
		return fmt.Errorf("failed to store video %s: %w", v.ID, err)
	}

	h.logger.InfoContext(ctx, "video ingested",
		"job_id", job.ID,
		"video_id", v.ID,
		"channel_id", rec.ChannelID,
		"category_id", res.CategoryID,
		"matched", res.Matched)
	return nil
}

// RefreshVideoStats updates view, like and comment counts for a batch of
// stored videos.
func (h *Handlers) RefreshVideoStats(ctx context.Context, job ingestq.Job) error {
	var p VideoStatsPayload
	if err := decode(job.Payload, &p); err != nil {
		return err
	}
	if len(p.VideoIDs) == 0 {
		return ingestq.Permanent(errors.New("payload has no video_ids"))
	}

	var stats []ytapi.VideoStats
	for chunk := range slices.Chunk(p.VideoIDs, ytapi.MaxBatchSize) {
		videos, err := h.api.Videos(ctx, chunk)
		if err != nil {
			return apiError(err)
		}
		for _, v := range videos {
			stats = append(stats, v.Stats)
		}
	}

	updated, err := h.store.UpdateVideoStats(ctx, stats, h.clock())
	if err != nil {
		return fmt.Errorf("failed to update video stats: %w", err)
	}

	h.logger.InfoContext(ctx, "video stats refreshed",
		"job_id", job.ID,
		"requested", len(p.VideoIDs),
		"found", len(stats),
		"updated", updated)
	return nil
}

// RefreshChannelStats stores subscriber, video and view counts for a batch
// of channels.
func (h *Handlers) RefreshChannelStats(ctx context.Context, job ingestq.Job) error {
	var p ChannelStatsPayload
	if err := decode(job.Payload, &p); err != nil {
		return err
	}
	if len(p.ChannelIDs) == 0 {
		return ingestq.Permanent(errors.New("payload has no channel_ids"))
	}

	var stats []ytapi.ChannelStats
	for chunk := range slices.Chunk(p.ChannelIDs, ytapi.MaxBatchSize) {
		cs, err := h.api.Channels(ctx, chunk)
		if err != nil {
			return apiError(err)
		}
		stats = append(stats, cs...)
	}

	if err := h.store.UpsertChannelStats(ctx, stats, h.clock()); err != nil {
		return fmt.Errorf("failed to store channel stats: %w", err)
	}

	h.logger.InfoContext(ctx, "channel stats refreshed",
		"job_id", job.ID,
		"requested", len(p.ChannelIDs),
		"found", len(stats))
	return nil
}

// decode rejects undecodable payloads permanently; retrying cannot fix them.
func decode(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return ingestq.Permanent(fmt.Errorf("invalid payload: %w", err))
	}
	return nil
}

func apiError(err error) error {
	if ytapi.IsClientError(err) || errors.Is(err, ytapi.ErrBatchTooLarge) {
		return ingestq.Permanent(err)
	}
	return err
}
