package turso_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mhpenta/ingestq"
	"github.com/mhpenta/ingestq/feed"
)

func TestUpsertFeedDefaults(t *testing.T) {
	store, _ := testSetup(t)
	ctx := context.Background()

	if err := store.UpsertFeed(ctx, feed.State{ChannelID: "UC1"}); err != nil {
		t.Fatalf("UpsertFeed failed: %v", err)
	}

	st, err := store.GetFeed(ctx, "UC1")
	if err != nil {
		t.Fatalf("GetFeed failed: %v", err)
	}
	if st.FeedURL != feed.NativeFeedURL("UC1") {
		t.Errorf("FeedURL = %q, want native feed", st.FeedURL)
	}
	if st.FeedType != feed.FeedTypeNativeRSS {
		t.Errorf("FeedType = %q, want %q", st.FeedType, feed.FeedTypeNativeRSS)
	}
	if st.PollIntervalMinutes != 15 {
		t.Errorf("PollIntervalMinutes = %d, want 15", st.PollIntervalMinutes)
	}
	if !st.IsActive {
		t.Error("new feed should be active")
	}

	if _, err := store.GetFeed(ctx, "missing"); !errors.Is(err, feed.ErrFeedNotFound) {
		t.Errorf("GetFeed(missing): err = %v, want ErrFeedNotFound", err)
	}
}

func TestClaimFeedIsExclusive(t *testing.T) {
	store, clock := testSetup(t)
	ctx := context.Background()

	if err := store.UpsertFeed(ctx, feed.State{ChannelID: "UC1"}); err != nil {
		t.Fatalf("UpsertFeed failed: %v", err)
	}

	until := clock.Now().Add(time.Minute)
	ok, err := store.ClaimFeed(ctx, "UC1", "p1", until)
	if err != nil || !ok {
		t.Fatalf("ClaimFeed(p1) = %v, %v; want true", ok, err)
	}
	if ok, _ := store.ClaimFeed(ctx, "UC1", "p2", until); ok {
		t.Fatal("p2 claimed a feed held by p1")
	}

	clock.Advance(time.Minute)
	if ok, _ := store.ClaimFeed(ctx, "UC1", "p2", clock.Now().Add(time.Minute)); !ok {
		t.Fatal("p2 could not claim after p1's claim expired")
	}

	if err := store.ReleaseFeed(ctx, "UC1", "p2"); err != nil {
		t.Fatalf("ReleaseFeed failed: %v", err)
	}
	if ok, _ := store.ClaimFeed(ctx, "UC1", "p1", clock.Now().Add(time.Minute)); !ok {
		t.Fatal("p1 could not claim a released feed")
	}
}

func TestSaveFeedStateReleasesClaim(t *testing.T) {
	store, clock := testSetup(t)
	ctx := context.Background()

	if err := store.UpsertFeed(ctx, feed.State{ChannelID: "UC1"}); err != nil {
		t.Fatalf("UpsertFeed failed: %v", err)
	}
	if ok, _ := store.ClaimFeed(ctx, "UC1", "p1", clock.Now().Add(time.Hour)); !ok {
		t.Fatal("ClaimFeed failed")
	}

	st, _ := store.GetFeed(ctx, "UC1")
	st.LastPolledAt = clock.Now()
	st.LastSuccessfulPollAt = clock.Now()
	st.LastETag = `"v1"`
	if err := store.SaveFeedState(ctx, st, "p1"); err != nil {
		t.Fatalf("SaveFeedState failed: %v", err)
	}

	got, _ := store.GetFeed(ctx, "UC1")
	if got.LastETag != `"v1"` || !got.LastPolledAt.Equal(clock.Now()) {
		t.Errorf("state not persisted: %+v", got)
	}
	if ok, _ := store.ClaimFeed(ctx, "UC1", "p2", clock.Now().Add(time.Hour)); !ok {
		t.Error("claim not released by SaveFeedState")
	}
}

func TestSaveFeedStateCannotReactivate(t *testing.T) {
	store, clock := testSetup(t)
	ctx := context.Background()

	if err := store.UpsertFeed(ctx, feed.State{ChannelID: "UC1"}); err != nil {
		t.Fatalf("UpsertFeed failed: %v", err)
	}
	st, _ := store.GetFeed(ctx, "UC1")

	// A poll that started before the operator disabled the feed.
	if ok, _ := store.ClaimFeed(ctx, "UC1", "p1", clock.Now().Add(time.Hour)); !ok {
		t.Fatal("ClaimFeed failed")
	}
	if err := store.SetFeedActive(ctx, "UC1", false); err != nil {
		t.Fatalf("SetFeedActive failed: %v", err)
	}
	if err := store.SaveFeedState(ctx, st, "p1"); err != nil {
		t.Fatalf("SaveFeedState failed: %v", err)
	}

	got, _ := store.GetFeed(ctx, "UC1")
	if got.IsActive {
		t.Error("SaveFeedState re-enabled a disabled feed")
	}
	active, err := store.ListActiveFeeds(ctx)
	if err != nil {
		t.Fatalf("ListActiveFeeds failed: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("len(active) = %d, want 0", len(active))
	}
}

func TestStaleSaveAfterClaimLost(t *testing.T) {
	store, clock := testSetup(t)
	ctx := context.Background()

	if err := store.UpsertFeed(ctx, feed.State{ChannelID: "UC1"}); err != nil {
		t.Fatalf("UpsertFeed failed: %v", err)
	}
	if ok, _ := store.ClaimFeed(ctx, "UC1", "A", clock.Now().Add(time.Minute)); !ok {
		t.Fatal("ClaimFeed(A) failed")
	}
	stale, _ := store.GetFeed(ctx, "UC1")

	clock.Advance(2 * time.Minute)
	if ok, _ := store.ClaimFeed(ctx, "UC1", "B", clock.Now().Add(time.Minute)); !ok {
		t.Fatal("ClaimFeed(B) failed after A's claim expired")
	}
	fresh, _ := store.GetFeed(ctx, "UC1")
	fresh.LastETag = "B-etag"
	fresh.ConsecutiveFailures = 0
	fresh.LastPolledAt = clock.Now()
	if err := store.SaveFeedState(ctx, fresh, "B"); err != nil {
		t.Fatalf("SaveFeedState(B) failed: %v", err)
	}

	stale.LastETag = "A-etag"
	stale.ConsecutiveFailures = 4
	if err := store.SaveFeedState(ctx, stale, "A"); !errors.Is(err, feed.ErrClaimLost) {
		t.Fatalf("SaveFeedState(A): err = %v, want ErrClaimLost", err)
	}
	got, _ := store.GetFeed(ctx, "UC1")
	if got.LastETag != "B-etag" || got.ConsecutiveFailures != 0 {
		t.Errorf("state = etag %q failures %d, want B-etag/0", got.LastETag, got.ConsecutiveFailures)
	}

	missing := feed.State{ChannelID: "missing"}
	if err := store.SaveFeedState(ctx, missing, "A"); !errors.Is(err, feed.ErrFeedNotFound) {
		t.Errorf("SaveFeedState(missing): err = %v, want ErrFeedNotFound", err)
	}
}

func TestSetFeedActiveResetsFailures(t *testing.T) {
	store, clock := testSetup(t)
	ctx := context.Background()

	if err := store.UpsertFeed(ctx, feed.State{ChannelID: "UC1"}); err != nil {
		t.Fatalf("UpsertFeed failed: %v", err)
	}
	if ok, _ := store.ClaimFeed(ctx, "UC1", "p1", clock.Now().Add(time.Hour)); !ok {
		t.Fatal("ClaimFeed failed")
	}
	st, _ := store.GetFeed(ctx, "UC1")
	st.ConsecutiveFailures = 6
	st.IsActive = false
	if err := store.SaveFeedState(ctx, st, "p1"); err != nil {
		t.Fatalf("SaveFeedState failed: %v", err)
	}

	if err := store.SetFeedActive(ctx, "UC1", true); err != nil {
		t.Fatalf("SetFeedActive failed: %v", err)
	}
	got, _ := store.GetFeed(ctx, "UC1")
	if !got.IsActive || got.ConsecutiveFailures != 0 {
		t.Errorf("after reset: active=%v failures=%d, want true/0", got.IsActive, got.ConsecutiveFailures)
	}

	if err := store.SetFeedActive(ctx, "missing", true); !errors.Is(err, feed.ErrFeedNotFound) {
		t.Errorf("SetFeedActive(missing): err = %v, want ErrFeedNotFound", err)
	}
}

const pollerTestFeed = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns:yt="http://www.youtube.com/xml/schemas/2015" xmlns="http://www.w3.org/2005/Atom">
 <entry>
  <id>yt:video:abc123</id>
  <yt:videoId>abc123</yt:videoId>
  <yt:channelId>UC1</yt:channelId>
  <title>Chess Tips</title>
  <link rel="alternate" href="https://www.youtube.com/watch?v=abc123"/>
  <published>2026-02-28T10:00:00+00:00</published>
 </entry>
</feed>`

func TestPollerAgainstStore(t *testing.T) {
	store, clock := testSetup(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(pollerTestFeed))
	}))
	defer srv.Close()

	if err := store.UpsertFeed(ctx, feed.State{ChannelID: "UC1", FeedURL: srv.URL}); err != nil {
		t.Fatalf("UpsertFeed failed: %v", err)
	}

	seen := feed.SeenFunc(func(ctx context.Context, item feed.Item) (bool, error) {
		return store.VideoExists(ctx, item.ID)
	})
	poller := feed.NewPoller(store, feed.NewHTTPFetcher(5*time.Second), feed.NewGofeedParser(), seen, store,
		feed.DefaultConfig(), feed.WithClock(clock.Now))

	outcomes, err := poller.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Kind != feed.OutcomeUpdated || outcomes[0].Enqueued != 1 {
		t.Fatalf("outcomes = %+v, want one update enqueuing 1 item", outcomes)
	}

	jobs := mustDequeue(t, store, "w1", 10, ingestq.JobTypeIngestVideo)
	if len(jobs) != 1 || jobs[0].DedupKey != "abc123" {
		t.Fatalf("jobs = %+v, want one INGEST_VIDEO for abc123", jobs)
	}

	// Not due yet.
	if outcomes, _ := poller.Tick(ctx); len(outcomes) != 0 {
		t.Fatalf("second tick polled %d feeds, want 0", len(outcomes))
	}

	clock.Advance(15 * time.Minute)
	outcomes, err = poller.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Kind != feed.OutcomeNotModified {
		t.Fatalf("outcomes = %+v, want not_modified", outcomes)
	}
}
