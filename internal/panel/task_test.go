package panel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kosmonaut/missionpanel/internal/domain"
)

type stubRunner struct {
	selectFn  func(ctx context.Context, candidates []*domain.Mission) (*domain.Mission, error)
	executeFn func(ctx context.Context, mission *domain.Mission, attempt *domain.Attempt) (bool, error)
}

func (r *stubRunner) SelectMission(ctx context.Context, candidates []*domain.Mission) (*domain.Mission, error) {
	return r.selectFn(ctx, candidates)
}

func (r *stubRunner) ExecuteMission(ctx context.Context, mission *domain.Mission, attempt *domain.Attempt) (bool, error) {
	return r.executeFn(ctx, mission, attempt)
}

func TestRunMissionTask_Success(t *testing.T) {
	runner := &stubRunner{executeFn: func(context.Context, *domain.Mission, *domain.Attempt) (bool, error) {
		return true, nil
	}}
	task := runMissionTask(context.Background(), runner, &domain.Mission{ID: 1}, &domain.Attempt{ID: 1})

	deadline := time.After(time.Second)
	for {
		if r, done := task.poll(); done {
			if !r.ok || r.err != nil {
				t.Fatalf("expected ok=true err=nil, got ok=%v err=%v", r.ok, r.err)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("task never completed")
		default:
		}
	}
}

func TestRunMissionTask_Error(t *testing.T) {
	wantErr := errors.New("boom")
	runner := &stubRunner{executeFn: func(context.Context, *domain.Mission, *domain.Attempt) (bool, error) {
		return false, wantErr
	}}
	task := runMissionTask(context.Background(), runner, &domain.Mission{ID: 1}, &domain.Attempt{ID: 1})

	r := waitForResult(t, task)
	if r.ok {
		t.Fatal("expected ok=false on error")
	}
	if !errors.Is(r.err, wantErr) {
		t.Fatalf("expected wrapped wantErr, got %v", r.err)
	}
}

func TestRunMissionTask_PanicRecovered(t *testing.T) {
	runner := &stubRunner{executeFn: func(context.Context, *domain.Mission, *domain.Attempt) (bool, error) {
		panic("ExecuteMission exploded")
	}}
	task := runMissionTask(context.Background(), runner, &domain.Mission{ID: 1}, &domain.Attempt{ID: 1})

	r := waitForResult(t, task)
	if r.err == nil {
		t.Fatal("expected panic to surface as an error, got nil")
	}
}

func waitForResult(t *testing.T, task *missionTask) executionResult {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		if r, done := task.poll(); done {
			return r
		}
		select {
		case <-deadline:
			t.Fatal("task never completed")
		case <-time.After(time.Millisecond):
		}
	}
}
