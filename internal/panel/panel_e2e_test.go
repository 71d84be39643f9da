package panel_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kosmonaut/missionpanel/internal/domain"
	"github.com/kosmonaut/missionpanel/internal/infrastructure/postgres"
	"github.com/kosmonaut/missionpanel/internal/panel"
)

// These are integration tests against a real Postgres instance — the
// claim query and the FOR UPDATE locking it depends on cannot be
// meaningfully faked. Set PANEL_TEST_DATABASE_URL to run them; they are
// skipped otherwise.

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("PANEL_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("PANEL_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for _, table := range []string{"attempt", "missiontag", "matcher", "tag", "mission"} {
		if _, err := pool.Exec(ctx, "TRUNCATE TABLE "+table+" CASCADE"); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
	t.Cleanup(pool.Close)
	return pool
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// Scenario 1: overlapping pattern lists merge into one mission; last
// content wins.
func TestScenario_SubmitMergesOverlappingPatterns(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	sub := panel.NewSubmitter(pool, testLogger())

	m1, err := sub.CreateMission(ctx, json.RawMessage(`{"name":"A"}`), []string{"p1", "p2"}, nil)
	if err != nil {
		t.Fatalf("create 1: %v", err)
	}
	m2, err := sub.CreateMission(ctx, json.RawMessage(`{"name":"A'"}`), []string{"p2", "p3"}, nil)
	if err != nil {
		t.Fatalf("create 2: %v", err)
	}
	if m1.ID != m2.ID {
		t.Fatalf("expected same mission, got %d and %d", m1.ID, m2.ID)
	}

	var content string
	if err := pool.QueryRow(ctx, "SELECT content::text FROM mission WHERE id = $1", m2.ID).Scan(&content); err != nil {
		t.Fatalf("select content: %v", err)
	}
	if content != `{"name":"A'"}` {
		t.Fatalf("expected last-writer-wins content, got %s", content)
	}

	patterns := queryPatterns(t, ctx, pool, m2.ID)
	sort.Strings(patterns)
	if got := patterns; !equalStrings(got, []string{"p1", "p2", "p3"}) {
		t.Fatalf("expected patterns {p1,p2,p3}, got %v", got)
	}
}

// Scenario 2: repeated AddTags calls are idempotent and the tag set is
// the union across calls.
func TestScenario_AddTagsUnionsAndIsIdempotent(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	sub := panel.NewSubmitter(pool, testLogger())

	mission, err := sub.CreateMission(ctx, json.RawMessage(`{}`), []string{"p1", "p2", "p3"}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := sub.AddTags(ctx, []string{"p3"}, []string{"x", "y"}); err != nil {
		t.Fatalf("add tags 1: %v", err)
	}
	if err := sub.AddTags(ctx, []string{"p1"}, []string{"y", "z"}); err != nil {
		t.Fatalf("add tags 2: %v", err)
	}
	// Repeat both calls — must stay idempotent.
	if err := sub.AddTags(ctx, []string{"p3"}, []string{"x", "y"}); err != nil {
		t.Fatalf("add tags 1 repeat: %v", err)
	}
	if err := sub.AddTags(ctx, []string{"p1"}, []string{"y", "z"}); err != nil {
		t.Fatalf("add tags 2 repeat: %v", err)
	}

	var count int
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM missiontag WHERE mission_id = $1", mission.ID).Scan(&count); err != nil {
		t.Fatalf("count missiontag: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected exactly 3 missiontag rows, got %d", count)
	}
}

// Scenario 3: mutual exclusion — a second RunOnce on the same tag set
// returns none while the first attempt is still live.
func TestScenario_MutualExclusionWhileInFlight(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	sub := panel.NewSubmitter(pool, testLogger())

	if _, err := sub.CreateMission(ctx, json.RawMessage(`{}`), []string{"p1"}, []string{"x", "y"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	executing := make(chan struct{})
	release := make(chan struct{})
	runner1 := &runnerFunc{
		selectFn: panel.SelectFirst,
		executeFn: func(ctx context.Context, m *domain.Mission, a *domain.Attempt) (bool, error) {
			close(executing)
			<-release
			return true, nil
		},
	}
	h1 := panel.NewHandler(pool, "h1", time.Second, runner1, testLogger())

	done1 := make(chan *domain.Attempt, 1)
	go func() {
		attempt, err := h1.RunOnce(ctx, []string{"x", "y"})
		if err != nil {
			t.Errorf("h1 RunOnce: %v", err)
		}
		done1 <- attempt
	}()

	<-executing

	runner2 := &runnerFunc{
		selectFn:  panel.SelectFirst,
		executeFn: func(context.Context, *domain.Mission, *domain.Attempt) (bool, error) { return true, nil },
	}
	h2 := panel.NewHandler(pool, "h2", time.Second, runner2, testLogger())
	attempt2, err := h2.RunOnce(ctx, []string{"x", "y"})
	if err != nil {
		t.Fatalf("h2 RunOnce: %v", err)
	}
	if attempt2 != nil {
		t.Fatalf("expected h2 to find nothing eligible, got attempt %d", attempt2.ID)
	}

	close(release)
	attempt1 := <-done1
	if attempt1 == nil {
		t.Fatal("expected h1 to have claimed the mission")
	}

	var successCount int
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM attempt WHERE mission_id = $1 AND success = true", attempt1.MissionID).Scan(&successCount); err != nil {
		t.Fatalf("count successes: %v", err)
	}
	if successCount != 1 {
		t.Fatalf("expected exactly one successful attempt, got %d", successCount)
	}
}

// Scenario 4: a failed attempt becomes reclaimable once its heartbeat
// threshold elapses.
func TestScenario_ReclamationAfterStaleAttempt(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	sub := panel.NewSubmitter(pool, testLogger())

	if _, err := sub.CreateMission(ctx, json.RawMessage(`{}`), []string{"p1"}, []string{"x"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	failing := &runnerFunc{
		selectFn:  panel.SelectFirst,
		executeFn: func(context.Context, *domain.Mission, *domain.Attempt) (bool, error) { return false, errors.New("boom") },
	}
	h := panel.NewHandler(pool, "h", 300*time.Millisecond, failing, testLogger())

	attempt1, err := h.RunOnce(ctx, []string{"x"})
	if err != nil {
		t.Fatalf("RunOnce 1: %v", err)
	}
	if attempt1 == nil {
		t.Fatal("expected an attempt to be created")
	}
	if attempt1.Success {
		t.Fatal("expected attempt to have failed")
	}

	// Immediately after: the mission is still in-flight.
	attemptImmediate, err := h.RunOnce(ctx, []string{"x"})
	if err != nil {
		t.Fatalf("RunOnce immediate: %v", err)
	}
	if attemptImmediate != nil {
		t.Fatal("expected mission to still be in-flight immediately after failure")
	}

	time.Sleep(400 * time.Millisecond)

	attempt2, err := h.RunOnce(ctx, []string{"x"})
	if err != nil {
		t.Fatalf("RunOnce 2: %v", err)
	}
	if attempt2 == nil {
		t.Fatal("expected the same mission to be reclaimed")
	}
	if attempt2.MissionID != attempt1.MissionID {
		t.Fatalf("expected reclamation of the same mission, got %d vs %d", attempt2.MissionID, attempt1.MissionID)
	}
	if attempt2.ID == attempt1.ID {
		t.Fatal("expected a second, distinct Attempt row")
	}
}

// Scenario 5: a parallel handler with n=3 runs at most 3 concurrent
// attempts and drains 10 eligible missions to success.
func TestScenario_ParallelHandlerDrainsAllMissions(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	sub := panel.NewSubmitter(pool, testLogger())

	const total = 10
	for i := 0; i < total; i++ {
		pattern := "mission-" + time.Now().Add(time.Duration(i)*time.Nanosecond).String() + string(rune('a'+i))
		if _, err := sub.CreateMission(ctx, json.RawMessage(`{}`), []string{pattern}, []string{"t"}); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	var inFlight, maxInFlight int32
	runner := &runnerFunc{
		selectFn: panel.SelectFirst,
		executeFn: func(context.Context, *domain.Mission, *domain.Attempt) (bool, error) {
			n := atomic.AddInt32(&inFlight, 1)
			defer atomic.AddInt32(&inFlight, -1)
			for {
				cur := atomic.LoadInt32(&maxInFlight)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInFlight, cur, n) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			return true, nil
		},
	}
	h := panel.NewHandler(pool, "ph", time.Second, runner, testLogger())
	ph := panel.NewParallelHandler(h, 3)

	if err := ph.RunAll(ctx, []string{"t"}); err != nil {
		t.Fatalf("RunAll: %v", err)
	}

	if maxInFlight > 3 {
		t.Fatalf("expected at most 3 concurrent attempts, observed %d", maxInFlight)
	}

	var successCount int
	if err := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM attempt a
		JOIN missiontag mt ON mt.mission_id = a.mission_id
		WHERE mt.tag_name = 't' AND a.success = true`).Scan(&successCount); err != nil {
		t.Fatalf("count successes: %v", err)
	}
	if successCount != total {
		t.Fatalf("expected %d successful attempts, got %d", total, successCount)
	}
}

// Scenario 6: AddTags against a pattern matching no mission fails with
// MissionNotFound and writes nothing.
func TestScenario_AddTagsMissionNotFound(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	sub := panel.NewSubmitter(pool, testLogger())

	err := sub.AddTags(ctx, []string{"does-not-exist"}, []string{"z"})
	if !errors.Is(err, domain.ErrMissionNotFound) {
		t.Fatalf("expected ErrMissionNotFound, got %v", err)
	}

	var count int
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM tag WHERE name = 'z'").Scan(&count); err != nil {
		t.Fatalf("count tag: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no tag rows written, got %d", count)
	}
}

// Matcher uniqueness: concurrent CreateMission calls sharing a pattern
// converge on one mission and one matcher row per pattern string.
func TestConcurrentSubmittersShareOneMission(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	const submitters = 8
	var wg sync.WaitGroup
	ids := make([]int64, submitters)
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub := panel.NewSubmitter(pool, testLogger())
			m, err := sub.CreateMission(ctx,
				json.RawMessage(`{"n":`+string(rune('0'+i))+`}`),
				[]string{"shared", "extra-" + string(rune('a'+i))}, nil)
			if err != nil {
				t.Errorf("create %d: %v", i, err)
				return
			}
			ids[i] = m.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < submitters; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("submitter %d got mission %d, want %d", i, ids[i], ids[0])
		}
	}

	var missions, matchers int
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM mission").Scan(&missions); err != nil {
		t.Fatalf("count missions: %v", err)
	}
	if missions != 1 {
		t.Fatalf("expected 1 mission, got %d", missions)
	}
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM matcher WHERE pattern = 'shared'").Scan(&matchers); err != nil {
		t.Fatalf("count matchers: %v", err)
	}
	if matchers != 1 {
		t.Fatalf("expected exactly one matcher row for the shared pattern, got %d", matchers)
	}
}

// Heartbeat liveness: while ExecuteMission runs longer than the staleness
// threshold, last_update_time keeps advancing so the mission never
// becomes reclaimable under a live handler.
func TestHeartbeatKeepsAttemptLive(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	sub := panel.NewSubmitter(pool, testLogger())

	if _, err := sub.CreateMission(ctx, json.RawMessage(`{}`), []string{"p1"}, []string{"hb"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	const interval = 400 * time.Millisecond
	release := make(chan struct{})
	runner := &runnerFunc{
		selectFn: panel.SelectFirst,
		executeFn: func(context.Context, *domain.Mission, *domain.Attempt) (bool, error) {
			<-release
			return true, nil
		},
	}
	h := panel.NewHandler(pool, "hb", interval, runner, testLogger())

	done := make(chan *domain.Attempt, 1)
	go func() {
		attempt, err := h.RunOnce(ctx, []string{"hb"})
		if err != nil {
			t.Errorf("RunOnce: %v", err)
		}
		done <- attempt
	}()

	// Sample well past the threshold: without heartbeats the attempt
	// would have gone stale by the second sample.
	var first, second time.Time
	time.Sleep(interval)
	if err := pool.QueryRow(ctx, "SELECT last_update_time FROM attempt LIMIT 1").Scan(&first); err != nil {
		t.Fatalf("sample 1: %v", err)
	}
	time.Sleep(interval)
	if err := pool.QueryRow(ctx, "SELECT last_update_time FROM attempt LIMIT 1").Scan(&second); err != nil {
		t.Fatalf("sample 2: %v", err)
	}
	if !second.After(first) {
		t.Fatalf("expected heartbeat to advance last_update_time, got %v then %v", first, second)
	}

	close(release)
	if attempt := <-done; attempt == nil || !attempt.Success {
		t.Fatal("expected the attempt to finish successfully")
	}
}

// ---- helpers ----

type runnerFunc struct {
	selectFn  func(ctx context.Context, candidates []*domain.Mission) (*domain.Mission, error)
	executeFn func(ctx context.Context, mission *domain.Mission, attempt *domain.Attempt) (bool, error)
}

func (r *runnerFunc) SelectMission(ctx context.Context, candidates []*domain.Mission) (*domain.Mission, error) {
	return r.selectFn(ctx, candidates)
}

func (r *runnerFunc) ExecuteMission(ctx context.Context, mission *domain.Mission, attempt *domain.Attempt) (bool, error) {
	return r.executeFn(ctx, mission, attempt)
}

func queryPatterns(t *testing.T, ctx context.Context, pool *pgxpool.Pool, missionID int64) []string {
	t.Helper()
	rows, err := pool.Query(ctx, "SELECT pattern FROM matcher WHERE mission_id = $1", missionID)
	if err != nil {
		t.Fatalf("query patterns: %v", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			t.Fatalf("scan pattern: %v", err)
		}
		out = append(out, p)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

