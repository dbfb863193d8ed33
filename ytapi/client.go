// Package ytapi is a small, rate limited client for the YouTube Data API v3
// covering the lookups the ingest handlers need.
package ytapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

// MaxBatchSize is the largest number of ids accepted by one list call.
const MaxBatchSize = 50

var ErrBatchTooLarge = fmt.Errorf("ytapi: at most %d ids per request", MaxBatchSize)

// Video is the subset of a video resource used for ingestion.
type Video struct {
	ID           string
	ChannelID    string
	ChannelTitle string
	Title        string
	Description  string
	PublishedAt  time.Time
	Duration     string
	Stats        VideoStats
}

type VideoStats struct {
	VideoID      string
	ViewCount    uint64
	LikeCount    uint64
	CommentCount uint64
}

type ChannelStats struct {
	ChannelID             string
	Title                 string
	SubscriberCount       uint64
	HiddenSubscriberCount bool
	VideoCount            uint64
	ViewCount             uint64
}

// Config holds client settings. RequestsPerSecond <= 0 disables limiting.
type Config struct {
	APIKey            string
	Endpoint          string
	RequestsPerSecond float64
	Burst             int
}

type Client struct {
	svc     *youtube.Service
	limiter *rate.Limiter
}

// New builds a client. Extra options are passed to the underlying service
// and take precedence over Config.
func New(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Client, error) {
	var o []option.ClientOption
	if cfg.APIKey != "" {
		o = append(o, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.Endpoint != "" {
		o = append(o, option.WithEndpoint(cfg.Endpoint))
	}
	o = append(o, opts...)

	svc, err := youtube.NewService(ctx, o...)
	if err != nil {
		return nil, fmt.Errorf("failed to create youtube service: %w", err)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(cfg.Burst, 1))
	}
	return &Client{svc: svc, limiter: limiter}, nil
}

// Videos looks up video details and statistics. Ids that do not resolve are
// absent from the result.
func (c *Client) Videos(ctx context.Context, ids []string) ([]Video, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > MaxBatchSize {
		return nil, ErrBatchTooLarge
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.svc.Videos.List([]string{"snippet", "statistics", "contentDetails"}).
		Id(ids...).
		MaxResults(MaxBatchSize).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list videos: %w", err)
	}

	videos := make([]Video, 0, len(resp.Items))
	for _, item := range resp.Items {
		v := Video{ID: item.Id}
		if s := item.Snippet; s != nil {
			v.ChannelID = s.ChannelId
			v.ChannelTitle = s.ChannelTitle
			v.Title = s.Title
			v.Description = s.Description
			if t, err := time.Parse(time.RFC3339, s.PublishedAt); err == nil {
				v.PublishedAt = t
			}
		}
		if cd := item.ContentDetails; cd != nil {
			v.Duration = cd.Duration
		}
		v.Stats.VideoID = item.Id
		if st := item.Statistics; st != nil {
			v.Stats.ViewCount = st.ViewCount
			v.Stats.LikeCount = st.LikeCount
			v.Stats.CommentCount = st.CommentCount
		}
		videos = append(videos, v)
	}
	return videos, nil
}

// Channels looks up channel statistics.
func (c *Client) Channels(ctx context.Context, ids []string) ([]ChannelStats, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > MaxBatchSize {
		return nil, ErrBatchTooLarge
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.svc.Channels.List([]string{"snippet", "statistics"}).
		Id(ids...).
		MaxResults(MaxBatchSize).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}

	out := make([]ChannelStats, 0, len(resp.Items))
	for _, item := range resp.Items {
		cs := ChannelStats{ChannelID: item.Id}
		if s := item.Snippet; s != nil {
			cs.Title = s.Title
		}
		if st := item.Statistics; st != nil {
			cs.SubscriberCount = st.SubscriberCount
			cs.HiddenSubscriberCount = st.HiddenSubscriberCount
			cs.VideoCount = st.VideoCount
			cs.ViewCount = st.ViewCount
		}
		out = append(out, cs)
	}
	return out, nil
}

// IsClientError reports whether err is an API rejection that retrying the
// same request cannot fix.
func IsClientError(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	switch gerr.Code {
	case http.StatusBadRequest, http.StatusNotFound:
		return true
	}
	return false
}
