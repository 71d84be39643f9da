package panel

import (
	"strings"
	"testing"
)

func TestBuildClaimQuery_ArgsMatchTagCount(t *testing.T) {
	tags := []string{"x", "y", "z"}
	query, args := BuildClaimQuery(tags)

	if len(args) != 2 {
		t.Fatalf("expected 2 args (tags, count), got %d", len(args))
	}
	gotTags, ok := args[0].([]string)
	if !ok || len(gotTags) != len(tags) {
		t.Fatalf("expected first arg to be the tag slice, got %#v", args[0])
	}
	count, ok := args[1].(int)
	if !ok || count != len(tags) {
		t.Fatalf("expected second arg to be len(tags)=%d, got %#v", len(tags), args[1])
	}

	for _, want := range []string{
		"JOIN missiontag", "JOIN tag", "LEFT JOIN attempt",
		"GROUP BY m.id", "HAVING COUNT(DISTINCT t.name) = $2",
		"success IS TRUE", "now()",
	} {
		if !strings.Contains(query, want) {
			t.Errorf("expected query to contain %q, got:\n%s", want, query)
		}
	}
}

func TestBuildClaimQuery_EmptyTagSet(t *testing.T) {
	query, args := BuildClaimQuery(nil)
	if args[1] != 0 {
		t.Fatalf("expected required-count arg 0 for empty tag set, got %#v", args[1])
	}
	if !strings.Contains(query, "ANY($1)") {
		t.Fatalf("expected query to still filter on tag names, got:\n%s", query)
	}
}
