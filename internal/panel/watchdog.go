package panel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kosmonaut/missionpanel/internal/domain"
	"github.com/kosmonaut/missionpanel/internal/metrics"
)

// runWatchdog launches ExecuteMission as a background task and keeps its
// Attempt's heartbeat alive every maxTimeInterval/2 until the task
// finishes, then records the outcome. The watchdog never pipelines
// heartbeats: it waits for one write to complete before issuing the next.
// A failed heartbeat write (including one cut short by ctx) ends the
// watchdog at once with that error; no outcome is recorded for it.
//
// writeLock, when non-nil, is acquired around every heartbeat and final
// write — the parallel runtime's conservative choice to serialize all
// store writes from concurrent workers, not a performance optimum. Pass
// nil (or noopLocker{}) for the single-worker Handler, which has no
// siblings to serialize against.
func runWatchdog(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger, runner MissionRunner, mission *domain.Mission, attempt *domain.Attempt, writeLock sync.Locker) error {
	if writeLock == nil {
		writeLock = noopLocker{}
	}

	task := runMissionTask(ctx, runner, mission, attempt)

	metrics.AttemptsInFlight.Inc()
	defer metrics.AttemptsInFlight.Dec()
	start := time.Now()

	ticker := time.NewTicker(attempt.MaxTimeInterval / 2)
	defer ticker.Stop()

	var result executionResult
	for {
		// Poll for completion without blocking on it — the watchdog must
		// keep heartbeating while ExecuteMission is still running.
		if r, done := task.poll(); done {
			result = r
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
		}
		writeLock.Lock()
		err := updateHeartbeat(ctx, pool, attempt.ID)
		writeLock.Unlock()
		if err != nil {
			// No local retry: the failure propagates, the caller decides
			// whether to abort. The background task is not cancelled and
			// keeps running in its own goroutine.
			logger.ErrorContext(ctx, "heartbeat failed", "attempt_id", attempt.ID, "error", err)
			return fmt.Errorf("heartbeat attempt %d: %w", attempt.ID, err)
		}
		attempt.LastUpdateTime = time.Now()
	}

	metrics.AttemptExecutionDuration.WithLabelValues(attempt.Handler).Observe(time.Since(start).Seconds())
	if result.err != nil {
		logger.ErrorContext(ctx, "execute mission failed", "mission_id", mission.ID, "attempt_id", attempt.ID, "error", result.err)
		metrics.AttemptsCompletedTotal.WithLabelValues("error").Inc()
	} else if result.ok {
		attempt.Success = true
		metrics.AttemptsCompletedTotal.WithLabelValues("success").Inc()
	} else {
		metrics.AttemptsCompletedTotal.WithLabelValues("failure").Inc()
	}

	writeLock.Lock()
	err := finalizeAttempt(ctx, pool, attempt.ID, attempt.Success)
	writeLock.Unlock()
	if err != nil {
		return fmt.Errorf("finalize attempt %d: %w", attempt.ID, err)
	}
	attempt.LastUpdateTime = time.Now()
	return nil
}

func updateHeartbeat(ctx context.Context, pool *pgxpool.Pool, attemptID int64) error {
	_, err := pool.Exec(ctx, `UPDATE attempt SET last_update_time = now() WHERE id = $1`, attemptID)
	return err
}

func finalizeAttempt(ctx context.Context, pool *pgxpool.Pool, attemptID int64, success bool) error {
	_, err := pool.Exec(ctx,
		`UPDATE attempt SET last_update_time = now(), success = $2 WHERE id = $1`,
		attemptID, success,
	)
	return err
}
