package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mhpenta/ingestq"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPollInterval     = 15 * time.Minute
	DefaultFailureThreshold = 5
	DefaultMaxBackoffFactor = 8
	DefaultFetchTimeout     = 30 * time.Second
	DefaultTickInterval     = time.Minute
	DefaultConcurrency      = 4
)

// Config controls polling behaviour.
type Config struct {
	// FailureThreshold is the number of consecutive failures a feed may
	// accumulate; the failure that exceeds it disables the feed.
	FailureThreshold int
	MaxBackoffFactor int
	FetchTimeout     time.Duration
	TickInterval     time.Duration
	Concurrency      int

	// JobType and JobPriority describe the jobs enqueued for new items.
	JobType     string
	JobPriority int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: DefaultFailureThreshold,
		MaxBackoffFactor: DefaultMaxBackoffFactor,
		FetchTimeout:     DefaultFetchTimeout,
		TickInterval:     DefaultTickInterval,
		Concurrency:      DefaultConcurrency,
		JobType:          ingestq.JobTypeIngestVideo,
		JobPriority:      ingestq.DefaultPriority,
	}
}

// Enqueuer is the part of ingestq.Queue the poller needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload []byte, opts ...ingestq.EnqueueOption) (string, error)
}

// SeenChecker reports whether an item has already been ingested.
type SeenChecker interface {
	Seen(ctx context.Context, item Item) (bool, error)
}

// SeenFunc adapts a function to SeenChecker.
type SeenFunc func(ctx context.Context, item Item) (bool, error)

func (f SeenFunc) Seen(ctx context.Context, item Item) (bool, error) { return f(ctx, item) }

// ItemPayload is the payload of the ingest job enqueued for a new item.
type ItemPayload struct {
	VideoID     string    `json:"video_id"`
	ChannelID   string    `json:"channel_id"`
	Title       string    `json:"title"`
	Link        string    `json:"link"`
	PublishedAt time.Time `json:"published_at"`
	FeedURL     string    `json:"feed_url"`
}

// OutcomeKind is the result class of one poll.
type OutcomeKind string

const (
	OutcomeNotModified OutcomeKind = "not_modified"
	OutcomeUpdated     OutcomeKind = "updated"
	OutcomeFailed      OutcomeKind = "failed"
)

// Outcome describes one poll attempt and the state it produced.
type Outcome struct {
	Kind     OutcomeKind
	State    State
	Items    int
	Enqueued int
	Err      error
	// Disabled is set only on the poll that tripped the circuit breaker.
	Disabled bool
}

// Poller runs the per-feed polling state machine.
type Poller struct {
	store   Store
	fetcher Fetcher
	parser  Parser
	seen    SeenChecker
	queue   Enqueuer
	config  Config
	logger  *slog.Logger
	clock   func() time.Time
	holder  string
}

// Option configures a Poller.
type Option func(*Poller)

// WithClock overrides the clock used for due checks and timestamps.
func WithClock(clock func() time.Time) Option {
	return func(p *Poller) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithLogger sets the poller's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithHolder sets the identity used when claiming feeds.
func WithHolder(holder string) Option {
	return func(p *Poller) {
		if holder != "" {
			p.holder = holder
		}
	}
}

func NewPoller(store Store, fetcher Fetcher, parser Parser, seen SeenChecker, queue Enqueuer, config Config, opts ...Option) *Poller {
	def := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.MaxBackoffFactor <= 0 {
		config.MaxBackoffFactor = def.MaxBackoffFactor
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = def.FetchTimeout
	}
	if config.TickInterval <= 0 {
		config.TickInterval = def.TickInterval
	}
	if config.Concurrency <= 0 {
		config.Concurrency = def.Concurrency
	}
	if config.JobType == "" {
		config.JobType = def.JobType
	}

	p := &Poller{
		store:   store,
		fetcher: fetcher,
		parser:  parser,
		seen:    seen,
		queue:   queue,
		config:  config,
		logger:  slog.Default(),
		clock:   time.Now,
		holder:  "poller-" + uuid.NewString(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls due feeds every TickInterval until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.config.TickInterval)
	defer ticker.Stop()

	for {
		if _, err := p.Tick(ctx); err != nil && ctx.Err() == nil {
			p.logger.ErrorContext(ctx, "feed tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick polls every due feed this poller manages to claim. Per-feed failures
// are recorded on the feed and never abort other feeds; only a failure to
// list feeds is returned.
func (p *Poller) Tick(ctx context.Context) ([]Outcome, error) {
	feeds, err := p.store.ListActiveFeeds(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list feeds: %w", err)
	}

	now := p.clock()
	var due []State
	for _, st := range feeds {
		if st.PhaseAt(now, p.config.MaxBackoffFactor) == PhaseDue {
			due = append(due, st)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}

	outcomes := make([]Outcome, len(due))
	claimed := make([]bool, len(due))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.Concurrency)
	for i, st := range due {
		g.Go(func() error {
			// The whole poll runs inside the claim window; the deadline starts
			// before the claim so it always fires first.
			ttl := 2 * p.config.FetchTimeout
			pollCtx, cancel := context.WithTimeout(gctx, ttl)
			defer cancel()
			until := p.clock().Add(ttl)
			ok, err := p.store.ClaimFeed(gctx, st.ChannelID, p.holder, until)
			if err != nil {
				p.logger.ErrorContext(gctx, "failed to claim feed", "channel_id", st.ChannelID, "error", err)
				return nil
			}
			if !ok {
				return nil
			}
			// Another poller may have finished this feed between our list and
			// our claim; poll only if the fresh state is still due.
			fresh, err := p.store.GetFeed(gctx, st.ChannelID)
			if err != nil || fresh.PhaseAt(p.clock(), p.config.MaxBackoffFactor) != PhaseDue {
				if err != nil {
					p.logger.ErrorContext(gctx, "failed to reload claimed feed", "channel_id", st.ChannelID, "error", err)
				}
				if relErr := p.store.ReleaseFeed(context.WithoutCancel(gctx), st.ChannelID, p.holder); relErr != nil {
					p.logger.ErrorContext(gctx, "failed to release feed claim", "channel_id", st.ChannelID, "error", relErr)
				}
				return nil
			}
			claimed[i] = true
			outcomes[i] = p.Poll(pollCtx, fresh)
			return nil
		})
	}
	_ = g.Wait()

	var out []Outcome
	for i := range due {
		if claimed[i] {
			out = append(out, outcomes[i])
		}
	}
	return out, nil
}

// Poll performs one conditional fetch of st and persists the resulting
// state. The caller must hold the feed's claim and should bound ctx by the
// claim's expiry.
func (p *Poller) Poll(ctx context.Context, st State) Outcome {
	log := p.logger.With("channel_id", st.ChannelID)

	fetchCtx, cancel := context.WithTimeout(ctx, p.config.FetchTimeout)
	res, err := p.fetcher.Fetch(fetchCtx, st.FeedURL, st.LastETag, st.LastModified)
	cancel()

	var out Outcome
	switch {
	case err != nil:
		out = p.failed(st, err)
	case res.NotModified:
		out = p.notModified(st)
	default:
		out = p.updated(ctx, st, res)
	}

	if saveErr := p.store.SaveFeedState(context.WithoutCancel(ctx), out.State, p.holder); saveErr != nil {
		if errors.Is(saveErr, ErrClaimLost) {
			log.WarnContext(ctx, "feed claim lost before state was saved", "outcome", out.Kind)
		} else {
			log.ErrorContext(ctx, "failed to save feed state", "error", saveErr)
		}
		if out.Err == nil {
			out.Err = saveErr
		}
	}

	switch out.Kind {
	case OutcomeFailed:
		log.WarnContext(ctx, "feed poll failed",
			"consecutive_failures", out.State.ConsecutiveFailures, "error", out.Err)
		if out.Disabled {
			log.ErrorContext(ctx, "feed disabled after consecutive failures",
				"consecutive_failures", out.State.ConsecutiveFailures,
				"threshold", p.config.FailureThreshold)
		}
	case OutcomeUpdated:
		log.InfoContext(ctx, "feed polled", "items", out.Items, "enqueued", out.Enqueued)
	default:
		log.DebugContext(ctx, "feed not modified")
	}
	return out
}

func (p *Poller) notModified(st State) Outcome {
	st.LastPolledAt = p.clock()
	return Outcome{Kind: OutcomeNotModified, State: st}
}

func (p *Poller) updated(ctx context.Context, st State, res FetchResult) Outcome {
	items, err := p.parser.Parse(res.Body)
	if err != nil {
		return p.failed(st, err)
	}

	enqueued := 0
	for _, item := range items {
		if item.ChannelID == "" {
			item.ChannelID = st.ChannelID
		}
		seen, err := p.seen.Seen(ctx, item)
		if err != nil {
			return p.failedAfter(st, len(items), enqueued, fmt.Errorf("failed to check item %s: %w", item.ID, err))
		}
		if seen {
			continue
		}
		if err := p.enqueue(ctx, st, item); err != nil {
			return p.failedAfter(st, len(items), enqueued, err)
		}
		enqueued++
	}

	now := p.clock()
	st.ConsecutiveFailures = 0
	st.LastPolledAt = now
	st.LastSuccessfulPollAt = now
	st.LastETag = res.ETag
	st.LastModified = res.LastModified
	return Outcome{Kind: OutcomeUpdated, State: st, Items: len(items), Enqueued: enqueued}
}

func (p *Poller) enqueue(ctx context.Context, st State, item Item) error {
	payload, err := json.Marshal(ItemPayload{
		VideoID:     item.ID,
		ChannelID:   item.ChannelID,
		Title:       item.Title,
		Link:        item.Link,
		PublishedAt: item.PublishedAt,
		FeedURL:     st.FeedURL,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal item %s: %w", item.ID, err)
	}
	_, err = p.queue.Enqueue(ctx, p.config.JobType, payload,
		ingestq.WithPriority(p.config.JobPriority),
		ingestq.WithDedupKey(item.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue item %s: %w", item.ID, err)
	}
	return nil
}

func (p *Poller) failedAfter(st State, items, enqueued int, err error) Outcome {
	out := p.failed(st, err)
	out.Items = items
	out.Enqueued = enqueued
	return out
}

// failed records a failed attempt. Cache validators are left untouched so
// the next poll refetches the full document.
func (p *Poller) failed(st State, err error) Outcome {
	now := p.clock()
	st.ConsecutiveFailures++
	st.LastErrorMessage = err.Error()
	st.LastErrorAt = now
	st.LastPolledAt = now

	out := Outcome{Kind: OutcomeFailed, Err: err}
	if st.IsActive && st.ConsecutiveFailures > p.config.FailureThreshold {
		st.IsActive = false
		out.Disabled = true
	}
	out.State = st
	return out
}
