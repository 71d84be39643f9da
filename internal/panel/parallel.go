package panel

import (
	"context"
	"fmt"
	"sync"

	"github.com/kosmonaut/missionpanel/internal/domain"
)

// ParallelHandler multiplexes up to n concurrent ExecuteMission tasks
// against the same panel. A bounded channel of worker tokens carries
// capacity; a single driver loop serializes claim-and-attempt-insert
// under a mutex so two workers never claim the same mission, because the
// second worker's claim query observes the first worker's just-committed
// Attempt as in-flight.
type ParallelHandler struct {
	h   *Handler
	n   int
	tok chan int
	mu  sync.Mutex
	wg  sync.WaitGroup
}

// NewParallelHandler wraps h to run up to n ExecuteMission tasks at once.
func NewParallelHandler(h *Handler, n int) *ParallelHandler {
	tok := make(chan int, n)
	for i := 0; i < n; i++ {
		tok <- i
	}
	return &ParallelHandler{h: h, n: n, tok: tok}
}

// RunAll drives the parallel claim loop until the claim query comes back
// empty while the serialization lock is held, or ctx is cancelled. Either
// way it awaits all outstanding tasks before returning — graceful shutdown
// means "stop taking tokens, await outstanding tasks, drain the token
// channel." Cancellation of an individual in-flight ExecuteMission is not
// modeled; that task's own code owns its cancellation.
func (p *ParallelHandler) RunAll(ctx context.Context, tags []string) error {
	defer p.drain()
	defer p.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case slot := <-p.tok:
			mission, attempt, err := p.claimAndAttempt(ctx, tags)
			if err != nil {
				p.tok <- slot
				return err
			}
			if mission == nil {
				// Nothing eligible while the lock was held: release the
				// token and exit the driver.
				p.tok <- slot
				return nil
			}

			p.wg.Add(1)
			go func(slot int, mission *domain.Mission, attempt *domain.Attempt) {
				defer p.wg.Done()
				defer func() { p.tok <- slot }()
				if err := runWatchdog(ctx, p.h.pool, p.h.logger, p.h.runner, mission, attempt, &p.mu); err != nil {
					p.h.logger.ErrorContext(ctx, "parallel watchdog failed", "mission_id", mission.ID, "attempt_id", attempt.ID, "error", err)
				}
			}(slot, mission, attempt)
		}
	}
}

// claimAndAttempt runs the claim query, SelectMission, and Attempt insert
// as one serialized unit: the lock is held from the start of the claim
// query until the Attempt row is committed.
func (p *ParallelHandler) claimAndAttempt(ctx context.Context, tags []string) (*domain.Mission, *domain.Attempt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	candidates, err := claimCandidates(ctx, p.h.pool, tags)
	if err != nil {
		return nil, nil, fmt.Errorf("claim candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil, nil
	}

	mission, err := p.h.runner.SelectMission(ctx, candidates)
	if err != nil {
		p.h.logger.ErrorContext(ctx, "select mission failed", "error", err)
		return nil, nil, nil
	}
	if mission == nil {
		return nil, nil, nil
	}

	attempt, err := createAttempt(ctx, p.h.pool, p.h.name, p.h.maxTimeInterval, mission)
	if err != nil {
		return nil, nil, fmt.Errorf("create attempt: %w", err)
	}
	return mission, attempt, nil
}

// drain empties the token channel after all outstanding tasks have
// returned their slots, completing graceful shutdown.
func (p *ParallelHandler) drain() {
	for {
		select {
		case <-p.tok:
		default:
			return
		}
	}
}
