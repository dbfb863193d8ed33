package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const channelFeed = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns:yt="http://www.youtube.com/xml/schemas/2015" xmlns:media="http://search.yahoo.com/mrss/" xmlns="http://www.w3.org/2005/Atom">
 <id>yt:channel:UC1</id>
 <yt:channelId>UC1</yt:channelId>
 <title>Chess Channel</title>
 <entry>
  <id>yt:video:abc123</id>
  <yt:videoId>abc123</yt:videoId>
  <yt:channelId>UC1</yt:channelId>
  <title>Chess Tips for Beginners</title>
  <link rel="alternate" href="https://www.youtube.com/watch?v=abc123"/>
  <published>2026-02-28T10:00:00+00:00</published>
  <updated>2026-02-28T11:00:00+00:00</updated>
  <media:group>
   <media:title>Chess Tips for Beginners</media:title>
   <media:description>Learn the basics. Sponsored by a chess site.</media:description>
  </media:group>
 </entry>
 <entry>
  <id>yt:video:def456</id>
  <yt:videoId>def456</yt:videoId>
  <yt:channelId>UC1</yt:channelId>
  <title>Endgame Study</title>
  <link rel="alternate" href="https://www.youtube.com/watch?v=def456"/>
  <published>2026-02-27T10:00:00+00:00</published>
 </entry>
</feed>`

func TestHTTPFetcher_SendsValidatorsAndHandlesNotModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Last-Modified", "Sat, 28 Feb 2026 11:00:00 GMT")
		_, _ = w.Write([]byte(channelFeed))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(5 * time.Second)
	ctx := context.Background()

	first, err := f.Fetch(ctx, srv.URL, "", "")
	require.NoError(t, err)
	assert.False(t, first.NotModified)
	assert.Equal(t, http.StatusOK, first.StatusCode)
	assert.Equal(t, `"v1"`, first.ETag)
	assert.Equal(t, "Sat, 28 Feb 2026 11:00:00 GMT", first.LastModified)
	assert.NotEmpty(t, first.Body)

	second, err := f.Fetch(ctx, srv.URL, first.ETag, first.LastModified)
	require.NoError(t, err)
	assert.True(t, second.NotModified)
	assert.Empty(t, second.Body)
}

func TestHTTPFetcher_UnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	_, err := NewHTTPFetcher(5*time.Second).Fetch(context.Background(), srv.URL, "", "")

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusGone, se.StatusCode)
}

func TestGofeedParser_ChannelFeed(t *testing.T) {
	items, err := NewGofeedParser().Parse([]byte(channelFeed))
	require.NoError(t, err)
	require.Len(t, items, 2)

	first := items[0]
	assert.Equal(t, "abc123", first.ID)
	assert.Equal(t, "UC1", first.ChannelID)
	assert.Equal(t, "Chess Tips for Beginners", first.Title)
	assert.Equal(t, "https://www.youtube.com/watch?v=abc123", first.Link)
	assert.Equal(t, "Learn the basics. Sponsored by a chess site.", first.Description)
	assert.True(t, time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC).Equal(first.PublishedAt))

	assert.Equal(t, "def456", items[1].ID)
}

func TestGofeedParser_RSSFallsBackToGUID(t *testing.T) {
	rss := `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Custom</title>
<item><title>Episode 1</title><guid>ep-1</guid><link>https://example.com/ep-1</link><description>First</description></item>
<item><title>Episode 2</title><link>https://example.com/ep-2</link></item>
</channel></rss>`

	items, err := NewGofeedParser().Parse([]byte(rss))
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "ep-1", items[0].ID)
	assert.Equal(t, "First", items[0].Description)
	assert.Equal(t, "https://example.com/ep-2", items[1].ID)
}

func TestGofeedParser_Garbage(t *testing.T) {
	_, err := NewGofeedParser().Parse([]byte("not a feed"))
	assert.Error(t, err)
}
