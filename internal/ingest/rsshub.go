package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/mmcdole/gofeed"

	"github.com/kosmonaut/missionpanel/internal/panel"
)

// RSSHubSubmitter fetches a single RSSHub route and turns it into
// missions: one mission per feed (RootMode) or one mission per item
// (SubitemMode). Every mission is tagged "rsshub" so a handler can claim
// by that tag alone.
type RSSHubSubmitter struct {
	client    *http.Client
	submitter *panel.Submitter
	mode      Mode
	logger    *slog.Logger
}

// Mode selects which of the two original submission strategies to run.
type Mode int

const (
	// RootMode emits one mission per feed: {"url": channel link, "latest": first item link}.
	RootMode Mode = iota
	// SubitemMode emits one mission per feed item: {"url": item link}.
	SubitemMode
)

// NewRSSHubSubmitter returns a submitter that reads route through client
// and submits missions through submitter.
func NewRSSHubSubmitter(client *http.Client, submitter *panel.Submitter, mode Mode, logger *slog.Logger) *RSSHubSubmitter {
	return &RSSHubSubmitter{client: client, submitter: submitter, mode: mode, logger: logger.With("component", "rsshub_submitter")}
}

// Run fetches routeURL, parses it as an RSS/Atom feed, and submits one or
// more missions depending on s.mode. Any single malformed item is logged
// and skipped — one bad entry never aborts the whole route.
func (s *RSSHubSubmitter) Run(ctx context.Context, routeURL string) error {
	feed, err := s.fetchFeed(ctx, routeURL)
	if err != nil {
		return fmt.Errorf("fetch rsshub route %s: %w", routeURL, err)
	}

	var contents []json.RawMessage
	switch s.mode {
	case RootMode:
		c, err := rootContent(feed)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedUpstream, err)
		}
		contents = []json.RawMessage{c}
	case SubitemMode:
		contents = subitemContents(feed)
	}

	for _, content := range contents {
		url, err := extractURL(content)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping item with no url", "error", err)
			continue
		}
		if _, err := s.submitter.CreateMission(ctx, content, []string{url}, []string{"rsshub"}); err != nil {
			s.logger.WarnContext(ctx, "create mission failed", "url", url, "error", err)
		}
	}
	return nil
}

func (s *RSSHubSubmitter) fetchFeed(ctx context.Context, routeURL string) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, routeURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return gofeed.NewParser().ParseString(string(body))
}

func rootContent(feed *gofeed.Feed) (json.RawMessage, error) {
	if feed.Link == "" || len(feed.Items) == 0 {
		return nil, fmt.Errorf("feed missing link or items")
	}
	return json.Marshal(map[string]string{
		"url":    feed.Link,
		"latest": feed.Items[0].Link,
	})
}

func subitemContents(feed *gofeed.Feed) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item.Link == "" {
			continue
		}
		raw, err := json.Marshal(map[string]string{"url": item.Link})
		if err != nil {
			continue
		}
		out = append(out, raw)
	}
	return out
}

func extractURL(content json.RawMessage) (string, error) {
	var v struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(content, &v); err != nil {
		return "", err
	}
	if v.URL == "" {
		return "", fmt.Errorf("content has no url field")
	}
	return v.URL, nil
}
