package feed

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

// Item is one entry of a parsed feed.
type Item struct {
	ID          string
	ChannelID   string
	Title       string
	Link        string
	Description string
	PublishedAt time.Time
}

// Parser turns a feed document into items, in document order.
type Parser interface {
	Parse(body []byte) ([]Item, error)
}

// GofeedParser parses RSS and Atom documents, including the platform's
// channel feeds with their yt: extension elements.
type GofeedParser struct {
	parser *gofeed.Parser
}

func NewGofeedParser() *GofeedParser {
	return &GofeedParser{parser: gofeed.NewParser()}
}

func (p *GofeedParser) Parse(body []byte) ([]Item, error) {
	parsed, err := p.parser.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}

	items := make([]Item, 0, len(parsed.Items))
	for _, it := range parsed.Items {
		if it == nil {
			continue
		}
		id := itemID(it)
		if id == "" {
			continue
		}
		item := Item{
			ID:          id,
			ChannelID:   extensionValue(it, "yt", "channelId"),
			Title:       strings.TrimSpace(it.Title),
			Link:        it.Link,
			Description: mediaDescription(it),
		}
		switch {
		case it.PublishedParsed != nil:
			item.PublishedAt = it.PublishedParsed.UTC()
		case it.UpdatedParsed != nil:
			item.PublishedAt = it.UpdatedParsed.UTC()
		}
		items = append(items, item)
	}
	return items, nil
}

func itemID(it *gofeed.Item) string {
	if v := extensionValue(it, "yt", "videoId"); v != "" {
		return v
	}
	if it.GUID != "" {
		return strings.TrimPrefix(it.GUID, "yt:video:")
	}
	return it.Link
}

func extensionValue(it *gofeed.Item, ns, name string) string {
	exts, ok := it.Extensions[ns]
	if !ok {
		return ""
	}
	values := exts[name]
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0].Value)
}

// mediaDescription prefers media:group/media:description, which is where
// channel feeds carry the video description.
func mediaDescription(it *gofeed.Item) string {
	if media, ok := it.Extensions["media"]; ok {
		for _, group := range media["group"] {
			if desc := group.Children["description"]; len(desc) > 0 {
				return strings.TrimSpace(desc[0].Value)
			}
		}
	}
	if it.Description != "" {
		return strings.TrimSpace(it.Description)
	}
	return ""
}
