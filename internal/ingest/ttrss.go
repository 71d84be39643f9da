package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"

	"github.com/mmcdole/gofeed"

	"github.com/kosmonaut/missionpanel/internal/panel"
)

// sessionLocks is the process-wide per-URL exclusion registry: at most
// one TTRSSClient may be logged into a given base URL at a time, since
// the upstream cannot hold concurrent sessions per account.
var sessionLocks = NewKeyedMutex()

// TTRSSClient is a minimal client for a Tiny Tiny RSS instance's JSON
// RPC API. Login/Logout bracket every session.
type TTRSSClient struct {
	baseURL  string
	username string
	password string
	client   *http.Client
	logger   *slog.Logger
	sid      string
}

// NewTTRSSClient returns a client for baseURL, using httpClient for
// transport.
func NewTTRSSClient(baseURL, username, password string, httpClient *http.Client, logger *slog.Logger) *TTRSSClient {
	return &TTRSSClient{
		baseURL:  baseURL,
		username: username,
		password: password,
		client:   httpClient,
		logger:   logger.With("component", "ttrss_client", "base_url", baseURL),
	}
}

// Login acquires the per-URL session lock and authenticates. Callers must
// pair it with Logout (defer it immediately after a successful Login).
func (c *TTRSSClient) Login(ctx context.Context) error {
	sessionLocks.Lock(c.baseURL)

	resp, err := c.call(ctx, "login", map[string]any{
		"user":     c.username,
		"password": c.password,
	})
	if err != nil {
		sessionLocks.Unlock(c.baseURL)
		return fmt.Errorf("ttrss login: %w", err)
	}
	var payload struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(resp, &payload); err != nil {
		sessionLocks.Unlock(c.baseURL)
		return fmt.Errorf("%w: login response: %v", ErrMalformedUpstream, err)
	}
	c.sid = payload.SessionID
	c.logger.DebugContext(ctx, "logged in", "sid", c.sid)
	return nil
}

// Logout ends the session and releases the per-URL lock. A failure to
// log out is logged rather than returned, since there is nothing left
// for a caller to do about it.
func (c *TTRSSClient) Logout(ctx context.Context) {
	defer sessionLocks.Unlock(c.baseURL)
	if _, err := c.callWithSID(ctx, "logout", nil); err != nil {
		c.logger.WarnContext(ctx, "logout failed", "error", err)
	}
}

// TTRSSFeed is one row from getFeeds.
type TTRSSFeed struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	FeedURL     string `json:"feed_url"`
	LastUpdated int64  `json:"last_updated"`
}

// GetFeeds lists the feeds in category catID.
func (c *TTRSSClient) GetFeeds(ctx context.Context, catID int) ([]TTRSSFeed, error) {
	resp, err := c.callWithSID(ctx, "getFeeds", map[string]any{"cat_id": catID, "limit": 0})
	if err != nil {
		return nil, err
	}
	var feeds []TTRSSFeed
	if err := json.Unmarshal(resp, &feeds); err != nil {
		return nil, fmt.Errorf("%w: getFeeds response: %v", ErrMalformedUpstream, err)
	}
	return feeds, nil
}

func (c *TTRSSClient) callWithSID(ctx context.Context, op string, extra map[string]any) (json.RawMessage, error) {
	if extra == nil {
		extra = map[string]any{}
	}
	extra["sid"] = c.sid
	extra["op"] = op
	return c.post(ctx, extra)
}

func (c *TTRSSClient) call(ctx context.Context, op string, extra map[string]any) (json.RawMessage, error) {
	if extra == nil {
		extra = map[string]any{}
	}
	extra["op"] = op
	return c.post(ctx, extra)
}

func (c *TTRSSClient) post(ctx context.Context, body map[string]any) (json.RawMessage, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, fmt.Errorf("%w: rpc envelope: %v", ErrMalformedUpstream, err)
	}
	return envelope.Content, nil
}

// TTRSSSubmitter walks every feed in a TTRSS category, fetches each
// feed's own XML, and submits missions from it: one per feed (RootMode)
// or one per item (SubitemMode). Every mission is tagged "ttrss".
type TTRSSSubmitter struct {
	client    *TTRSSClient
	http      *http.Client
	submitter *panel.Submitter
	mode      Mode
	logger    *slog.Logger
}

// NewTTRSSSubmitter returns a submitter driving client, fetching each
// feed's XML with httpClient, and submitting through submitter.
func NewTTRSSSubmitter(client *TTRSSClient, httpClient *http.Client, submitter *panel.Submitter, mode Mode, logger *slog.Logger) *TTRSSSubmitter {
	return &TTRSSSubmitter{client: client, http: httpClient, submitter: submitter, mode: mode, logger: logger.With("component", "ttrss_submitter")}
}

// Run logs into the TTRSS instance, walks every feed in catID ordered
// newest-first (sequentially rather than with a goroutine pool — the
// upstream rate limit this respects is per-account, not per-feed), and
// submits missions for each. It always logs out, even on error.
func (s *TTRSSSubmitter) Run(ctx context.Context, catID int) error {
	if err := s.client.Login(ctx); err != nil {
		return err
	}
	defer s.client.Logout(ctx)

	feeds, err := s.client.GetFeeds(ctx, catID)
	if err != nil {
		return fmt.Errorf("get feeds: %w", err)
	}
	sort.Slice(feeds, func(i, j int) bool { return feeds[i].LastUpdated > feeds[j].LastUpdated })

	for _, feed := range feeds {
		if feed.FeedURL == "" {
			continue
		}
		if err := s.submitFeed(ctx, feed); err != nil {
			s.logger.WarnContext(ctx, "create mission failed", "feed_id", feed.ID, "error", err)
		}
	}
	return nil
}

func (s *TTRSSSubmitter) submitFeed(ctx context.Context, feed TTRSSFeed) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.FeedURL, nil)
	if err != nil {
		return err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedUpstream, err)
	}

	switch s.mode {
	case RootMode:
		if parsed.Link == "" || len(parsed.Items) == 0 {
			return fmt.Errorf("%w: feed missing link or items", ErrMalformedUpstream)
		}
		content, err := json.Marshal(map[string]string{
			"url":      parsed.Link,
			"latest":   parsed.Items[0].Link,
			"feed_url": feed.FeedURL,
		})
		if err != nil {
			return err
		}
		_, err = s.submitter.CreateMission(ctx, content, []string{parsed.Link}, []string{"ttrss"})
		return err
	case SubitemMode:
		for _, item := range parsed.Items {
			if item.Link == "" {
				continue
			}
			content, err := json.Marshal(map[string]string{"url": item.Link, "feed_url": feed.FeedURL})
			if err != nil {
				continue
			}
			if _, err := s.submitter.CreateMission(ctx, content, []string{item.Link}, []string{"ttrss"}); err != nil {
				s.logger.WarnContext(ctx, "create mission failed", "url", item.Link, "error", err)
			}
		}
		return nil
	}
	return nil
}
