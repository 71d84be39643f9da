package ingest

import (
	"testing"

	"github.com/mmcdole/gofeed"
)

func TestRootContent(t *testing.T) {
	feed := &gofeed.Feed{
		Link:  "https://example.com/",
		Items: []*gofeed.Item{{Link: "https://example.com/post/1"}},
	}
	content, err := rootContent(feed)
	if err != nil {
		t.Fatalf("rootContent: %v", err)
	}
	url, err := extractURL(content)
	if err != nil {
		t.Fatalf("extractURL: %v", err)
	}
	if url != "https://example.com/" {
		t.Fatalf("expected channel link as url, got %s", url)
	}
}

func TestRootContent_MissingItems(t *testing.T) {
	feed := &gofeed.Feed{Link: "https://example.com/"}
	if _, err := rootContent(feed); err == nil {
		t.Fatal("expected error for feed with no items")
	}
}

func TestSubitemContents(t *testing.T) {
	feed := &gofeed.Feed{
		Items: []*gofeed.Item{
			{Link: "https://example.com/a"},
			{Link: ""},
			{Link: "https://example.com/b"},
		},
	}
	contents := subitemContents(feed)
	if len(contents) != 2 {
		t.Fatalf("expected 2 contents (skipping the empty link), got %d", len(contents))
	}
	url, err := extractURL(contents[0])
	if err != nil {
		t.Fatalf("extractURL: %v", err)
	}
	if url != "https://example.com/a" {
		t.Fatalf("expected first item url, got %s", url)
	}
}

func TestExtractURL_MissingField(t *testing.T) {
	if _, err := extractURL([]byte(`{"name":"no url here"}`)); err == nil {
		t.Fatal("expected error for content without a url field")
	}
}
