package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/mhpenta/ingestq/feed"
)

// FeedsListAction prints every registered feed with its polling phase.
var FeedsListAction = withApp(func(ctx context.Context, cmd *cli.Command, app *AppContext) error {
	feeds, err := app.Backend.ListFeeds(ctx)
	if err != nil {
		return fmt.Errorf("failed to list feeds: %w", err)
	}
	if len(feeds) == 0 {
		fmt.Println("no feeds")
		return nil
	}

	maxFactor := app.Config.Poller.MaxBackoffFactor
	now := time.Now()
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Channel", "Type", "Interval", "Phase", "Failures", "Last Polled", "Next Poll", "Last Error")
	for _, st := range feeds {
		table.Append(
			st.ChannelID,
			string(st.FeedType),
			st.Interval().String(),
			string(st.PhaseAt(now, maxFactor)),
			fmt.Sprintf("%d", st.ConsecutiveFailures),
			formatTime(st.LastPolledAt),
			formatTime(st.NextPollAt(maxFactor)),
			truncate(st.LastErrorMessage, 40),
		)
	}
	table.Render()
	return nil
})

// FeedsAddAction registers a feed, or updates its URL and interval.
var FeedsAddAction = withApp(func(ctx context.Context, cmd *cli.Command, app *AppContext) error {
	st := feed.State{
		ChannelID:           cmd.String("channel"),
		FeedURL:             cmd.String("url"),
		PollIntervalMinutes: cmd.Int("interval"),
	}
	if st.FeedURL != "" {
		st.FeedType = feed.FeedTypeCustomRSS
	}
	if err := app.Backend.UpsertFeed(ctx, st); err != nil {
		return fmt.Errorf("failed to add feed: %w", err)
	}
	fmt.Printf("feed %s registered\n", st.ChannelID)
	return nil
})

// FeedsSetActiveAction returns the action for feeds enable or feeds disable.
func FeedsSetActiveAction(active bool) cli.ActionFunc {
	return withApp(func(ctx context.Context, cmd *cli.Command, app *AppContext) error {
		channel := cmd.String("channel")
		if err := app.Backend.SetFeedActive(ctx, channel, active); err != nil {
			return fmt.Errorf("failed to update feed %s: %w", channel, err)
		}
		state := "disabled"
		if active {
			state = "enabled"
		}
		fmt.Printf("feed %s %s\n", channel, state)
		return nil
	})
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func marshalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return b, nil
}
