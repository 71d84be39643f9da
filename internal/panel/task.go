package panel

import (
	"context"
	"fmt"

	"github.com/kosmonaut/missionpanel/internal/domain"
)

// executionResult is what a missionTask resolves to.
type executionResult struct {
	ok  bool
	err error
}

// missionTask runs ExecuteMission as a background unit of concurrency that
// can be polled for completion without joining a thread — the watchdog
// loop needs to keep heartbeating while it waits, not block on the task.
type missionTask struct {
	done chan executionResult
}

// runMissionTask launches runner.ExecuteMission(ctx, mission, attempt) in
// its own goroutine. A panic inside ExecuteMission is recovered and
// reported as an error rather than escaping — the core never panics on a
// single bad mission.
func runMissionTask(ctx context.Context, runner MissionRunner, mission *domain.Mission, attempt *domain.Attempt) *missionTask {
	t := &missionTask{done: make(chan executionResult, 1)}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				t.done <- executionResult{err: fmt.Errorf("ExecuteMission panicked: %v", r)}
			}
		}()
		ok, err := runner.ExecuteMission(ctx, mission, attempt)
		t.done <- executionResult{ok: ok, err: err}
	}()
	return t
}

// poll returns the task's result and true once it has finished, or
// (zero value, false) if it is still running. It never blocks.
func (t *missionTask) poll() (executionResult, bool) {
	select {
	case r := <-t.done:
		return r, true
	default:
		return executionResult{}, false
	}
}
