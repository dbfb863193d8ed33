package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhpenta/ingestq"
	"github.com/mhpenta/ingestq/feed"
	"github.com/mhpenta/ingestq/scheduler"
)

type staticFeeds struct {
	states []feed.State
	err    error
}

func (f staticFeeds) ListActiveFeeds(ctx context.Context) ([]feed.State, error) {
	return f.states, f.err
}

func TestChannelStatsPlanner(t *testing.T) {
	policy := scheduler.Policy{MinGap: 6 * time.Hour}
	plan := ChannelStatsPlanner(staticFeeds{states: []feed.State{
		{ChannelID: "UC1", IsActive: true},
		{ChannelID: "UC2", IsActive: true},
	}}, policy, ingestq.WithPriority(200))

	reqs, err := plan(context.Background())
	require.NoError(t, err)
	require.Len(t, reqs, 2)

	for i, channel := range []string{"UC1", "UC2"} {
		req := reqs[i]
		assert.Equal(t, ingestq.JobTypeRefreshChannelStats, req.JobType)
		assert.Equal(t, ChannelStatsKey(channel), req.JobKey)
		assert.Equal(t, policy, req.Policy)
		assert.Equal(t, 200, ingestq.ResolveEnqueueOptions(req.Options).Priority)

		var payload ChannelStatsPayload
		require.NoError(t, json.Unmarshal(req.Payload, &payload))
		assert.Equal(t, []string{channel}, payload.ChannelIDs)
	}
}

func TestChannelStatsPlannerListFailure(t *testing.T) {
	plan := ChannelStatsPlanner(staticFeeds{err: errors.New("db down")}, scheduler.Policy{})
	_, err := plan(context.Background())
	assert.ErrorContains(t, err, "db down")
}
