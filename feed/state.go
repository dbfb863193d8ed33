// Package feed tracks per-channel content feeds and turns newly discovered
// items into ingest jobs.
package feed

import (
	"context"
	"errors"
	"net/url"
	"time"
)

// FeedType distinguishes the platform's own channel feed from operator
// supplied feeds.
type FeedType string

const (
	FeedTypeNativeRSS FeedType = "native_rss"
	FeedTypeCustomRSS FeedType = "custom_rss"
)

// Phase is the scheduling state of a feed at a point in time.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseDue      Phase = "due"
	PhasePolling  Phase = "polling"
	PhaseDisabled Phase = "disabled"
)

var (
	ErrFeedNotFound = errors.New("feed: feed not found")
	// ErrClaimLost means the poll claim expired and another holder took the
	// feed before this cycle saved its results.
	ErrClaimLost = errors.New("feed: poll claim lost")
)

// State is the persisted polling state of one channel feed.
type State struct {
	ChannelID           string
	FeedURL             string
	FeedType            FeedType
	PollIntervalMinutes int
	IsActive            bool

	ConsecutiveFailures  int
	LastErrorMessage     string
	LastErrorAt          time.Time
	LastPolledAt         time.Time
	LastSuccessfulPollAt time.Time
	LastETag             string
	LastModified         string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Interval returns the nominal poll interval.
func (s State) Interval() time.Duration {
	if s.PollIntervalMinutes <= 0 {
		return DefaultPollInterval
	}
	return time.Duration(s.PollIntervalMinutes) * time.Minute
}

// BackoffFactor is the multiplier applied to the nominal interval after
// consecutive failures: 1 when healthy, then 1+failures capped at maxFactor.
func (s State) BackoffFactor(maxFactor int) int {
	if s.ConsecutiveFailures <= 0 {
		return 1
	}
	if maxFactor < 1 {
		maxFactor = 1
	}
	return min(1+s.ConsecutiveFailures, maxFactor)
}

// NextPollAt returns the earliest time the feed is eligible for another poll.
// A feed that was never polled is eligible immediately.
func (s State) NextPollAt(maxFactor int) time.Time {
	if s.LastPolledAt.IsZero() {
		return time.Time{}
	}
	return s.LastPolledAt.Add(s.Interval() * time.Duration(s.BackoffFactor(maxFactor)))
}

// PhaseAt reports whether the feed is disabled, idle or due at now.
func (s State) PhaseAt(now time.Time, maxFactor int) Phase {
	if !s.IsActive {
		return PhaseDisabled
	}
	if now.Before(s.NextPollAt(maxFactor)) {
		return PhaseIdle
	}
	return PhaseDue
}

// Store persists feed state. Each state row is written only by the poll
// cycle holding its claim, or by an operator through SetFeedActive.
type Store interface {
	GetFeed(ctx context.Context, channelID string) (State, error)
	// ListActiveFeeds returns active feeds; the poller decides which are due.
	ListActiveFeeds(ctx context.Context) ([]State, error)
	ListFeeds(ctx context.Context) ([]State, error)
	// UpsertFeed registers a feed or updates its URL, type and interval.
	UpsertFeed(ctx context.Context, s State) error
	// ClaimFeed takes the per-feed poll lock until the given time. It returns
	// false when another holder owns an unexpired claim.
	ClaimFeed(ctx context.Context, channelID, holder string, until time.Time) (bool, error)
	// ReleaseFeed drops holder's claim without touching poll state.
	ReleaseFeed(ctx context.Context, channelID, holder string) error
	// SaveFeedState writes the outcome of a poll and releases holder's claim.
	// It returns ErrClaimLost when holder no longer owns the claim.
	SaveFeedState(ctx context.Context, s State, holder string) error
	// SetFeedActive is the operator switch. Re-enabling resets the failure
	// counter.
	SetFeedActive(ctx context.Context, channelID string, active bool) error
}

// NativeFeedURL returns the platform RSS feed for a channel.
func NativeFeedURL(channelID string) string {
	return "https://www.youtube.com/feeds/videos.xml?channel_id=" + url.QueryEscape(channelID)
}
