package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mhpenta/ingestq"
	"github.com/mhpenta/ingestq/feed"
	"github.com/mhpenta/ingestq/scheduler"
)

// FeedLister is the part of feed.Store the planner reads.
type FeedLister interface {
	ListActiveFeeds(ctx context.Context) ([]feed.State, error)
}

// ChannelStatsPlanner plans one REFRESH_CHANNEL_STATS job per active feed,
// keyed by channel so the scheduler spaces each channel independently.
func ChannelStatsPlanner(feeds FeedLister, policy scheduler.Policy, opts ...ingestq.EnqueueOption) scheduler.Planner {
	return func(ctx context.Context) ([]scheduler.EnqueueRequest, error) {
		states, err := feeds.ListActiveFeeds(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list feeds: %w", err)
		}

		reqs := make([]scheduler.EnqueueRequest, 0, len(states))
		for _, st := range states {
			payload, err := json.Marshal(ChannelStatsPayload{ChannelIDs: []string{st.ChannelID}})
			if err != nil {
				return nil, fmt.Errorf("failed to marshal channel stats payload: %w", err)
			}
			reqs = append(reqs, scheduler.EnqueueRequest{
				JobType: ingestq.JobTypeRefreshChannelStats,
				JobKey:  ChannelStatsKey(st.ChannelID),
				Payload: payload,
				Policy:  policy,
				Options: opts,
			})
		}
		return reqs, nil
	}
}
