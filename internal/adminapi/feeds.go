package adminapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mhpenta/ingestq/feed"
)

type feedView struct {
	ChannelID           string        `json:"channel_id"`
	FeedURL             string        `json:"feed_url"`
	FeedType            feed.FeedType `json:"feed_type"`
	PollIntervalMinutes int           `json:"poll_interval_minutes"`
	IsActive            bool          `json:"is_active"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastErrorMessage    string        `json:"last_error_message,omitempty"`
	LastErrorAt         *time.Time    `json:"last_error_at,omitempty"`
	LastPolledAt        *time.Time    `json:"last_polled_at,omitempty"`
	LastSuccessAt       *time.Time    `json:"last_successful_poll_at,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

func newFeedView(st feed.State) feedView {
	return feedView{
		ChannelID:           st.ChannelID,
		FeedURL:             st.FeedURL,
		FeedType:            st.FeedType,
		PollIntervalMinutes: st.PollIntervalMinutes,
		IsActive:            st.IsActive,
		ConsecutiveFailures: st.ConsecutiveFailures,
		LastErrorMessage:    st.LastErrorMessage,
		LastErrorAt:         optTime(st.LastErrorAt),
		LastPolledAt:        optTime(st.LastPolledAt),
		LastSuccessAt:       optTime(st.LastSuccessfulPollAt),
		CreatedAt:           st.CreatedAt,
		UpdatedAt:           st.UpdatedAt,
	}
}

func (s *Server) listFeeds(w http.ResponseWriter, r *http.Request) {
	feeds, err := s.feeds.ListFeeds(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]feedView, 0, len(feeds))
	for _, f := range feeds {
		out = append(out, newFeedView(f))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getFeed(w http.ResponseWriter, r *http.Request) {
	st, err := s.feeds.GetFeed(r.Context(), chi.URLParam(r, "channelID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newFeedView(st))
}

// upsertFeedRequest leaves defaults to the store: the native feed URL and
// type, and the default poll interval.
type upsertFeedRequest struct {
	FeedURL             string        `json:"feed_url,omitempty" validate:"omitempty,url"`
	FeedType            feed.FeedType `json:"feed_type,omitempty" validate:"omitempty,oneof=native_rss custom_rss"`
	PollIntervalMinutes int           `json:"poll_interval_minutes,omitempty" validate:"gte=0,lte=10080"`
}

func (s *Server) upsertFeed(w http.ResponseWriter, r *http.Request) {
	var req upsertFeedRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	channelID := chi.URLParam(r, "channelID")
	if req.FeedType == feed.FeedTypeCustomRSS && req.FeedURL == "" {
		s.writeError(w, validationError("feed_url", "is required for custom_rss feeds"))
		return
	}

	err := s.feeds.UpsertFeed(r.Context(), feed.State{
		ChannelID:           channelID,
		FeedURL:             req.FeedURL,
		FeedType:            req.FeedType,
		PollIntervalMinutes: req.PollIntervalMinutes,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	st, err := s.feeds.GetFeed(r.Context(), channelID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("feed registered", "channel_id", channelID, "feed_type", st.FeedType)
	writeJSON(w, http.StatusOK, newFeedView(st))
}

func (s *Server) setFeedActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channelID := chi.URLParam(r, "channelID")
		if err := s.feeds.SetFeedActive(r.Context(), channelID, active); err != nil {
			s.writeError(w, err)
			return
		}
		st, err := s.feeds.GetFeed(r.Context(), channelID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.logger.Info("feed switched", "channel_id", channelID, "active", active)
		writeJSON(w, http.StatusOK, newFeedView(st))
	}
}
