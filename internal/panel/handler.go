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

// MissionRunner is the capability-set a handler needs: given candidates,
// choose one (or none); given a chosen mission, run it. Prefer this
// interface over inheritance — both methods may be implemented on the
// same concrete handler type or composed independently.
type MissionRunner interface {
	// SelectMission picks one mission to work on from candidates, or
	// returns (nil, nil) to mean "nothing to do this tick". Returning an
	// error is a UserError: it is logged and treated the same as
	// selecting nothing.
	SelectMission(ctx context.Context, candidates []*domain.Mission) (*domain.Mission, error)

	// ExecuteMission runs mission and reports success. A panic or error
	// is caught by the watchdog and recorded as a failed (not successful)
	// Attempt; it is never retried here — the claim query is the only
	// retry mechanism, once the Attempt's heartbeat goes stale.
	ExecuteMission(ctx context.Context, mission *domain.Mission, attempt *domain.Attempt) (bool, error)
}

// SelectFirst is the default SelectMission policy: pick the first
// candidate, or none if the list is empty.
func SelectFirst(_ context.Context, candidates []*domain.Mission) (*domain.Mission, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	return candidates[0], nil
}

// Handler runs the single-worker claim/execute/report cycle. Every store
// interaction is a blocking call honoring ctx; so is the heartbeat sleep.
type Handler struct {
	pool            *pgxpool.Pool
	name            string
	maxTimeInterval time.Duration
	runner          MissionRunner
	logger          *slog.Logger
}

// NewHandler returns a Handler named name, with heartbeat threshold
// maxTimeInterval, running the given MissionRunner's hooks.
func NewHandler(pool *pgxpool.Pool, name string, maxTimeInterval time.Duration, runner MissionRunner, logger *slog.Logger) *Handler {
	return &Handler{
		pool:            pool,
		name:            name,
		maxTimeInterval: maxTimeInterval,
		runner:          runner,
		logger:          logger.With("component", "handler", "handler_name", name),
	}
}

// RunOnce executes one claim/execute/report cycle: it runs the claim query
// for tags, invokes SelectMission, opens an Attempt, executes the mission
// under a heartbeat watchdog, and reports the outcome. It returns (nil, nil)
// if nothing was eligible or SelectMission chose nothing.
func (h *Handler) RunOnce(ctx context.Context, tags []string) (*domain.Attempt, error) {
	candidates, err := h.claimCandidates(ctx, tags)
	if err != nil {
		return nil, fmt.Errorf("claim candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	mission, err := h.runner.SelectMission(ctx, candidates)
	if err != nil {
		h.logger.ErrorContext(ctx, "select mission failed", "error", err)
		return nil, nil
	}
	if mission == nil {
		return nil, nil
	}

	attempt, err := h.createAttempt(ctx, mission)
	if err != nil {
		return nil, fmt.Errorf("create attempt: %w", err)
	}

	if err := runWatchdog(ctx, h.pool, h.logger, h.runner, mission, attempt, nil); err != nil {
		return attempt, fmt.Errorf("watchdog: %w", err)
	}
	return attempt, nil
}

// RunAll repeats RunOnce until a cycle returns no Attempt (nothing
// eligible, or SelectMission chose nothing).
func (h *Handler) RunAll(ctx context.Context, tags []string) error {
	for {
		attempt, err := h.RunOnce(ctx, tags)
		if err != nil {
			return err
		}
		if attempt == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (h *Handler) claimCandidates(ctx context.Context, tags []string) ([]*domain.Mission, error) {
	return claimCandidates(ctx, h.pool, tags)
}

func claimCandidates(ctx context.Context, pool *pgxpool.Pool, tags []string) ([]*domain.Mission, error) {
	start := time.Now()
	defer func() { metrics.MissionClaimLatency.Observe(time.Since(start).Seconds()) }()

	query, args := BuildClaimQuery(tags)
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("claim query: %w", err)
	}
	defer rows.Close()

	var missions []*domain.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		missions = append(missions, m)
	}
	return missions, rows.Err()
}

func (h *Handler) createAttempt(ctx context.Context, mission *domain.Mission) (*domain.Attempt, error) {
	return createAttempt(ctx, h.pool, h.name, h.maxTimeInterval, mission)
}

func createAttempt(ctx context.Context, pool *pgxpool.Pool, name string, maxTimeInterval time.Duration, mission *domain.Mission) (*domain.Attempt, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin create attempt: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// A mission only reaches the claim query with a prior unsuccessful
	// Attempt already on it when that Attempt's heartbeat has gone stale
	// (the claim query's HAVING clause excludes still-live ones) — so a
	// non-zero count here means this Attempt reclaims the mission from
	// an abandoned handler, not that it is the mission's first try.
	var priorUnsuccessful int
	if err := tx.QueryRow(ctx,
		`SELECT count(*) FROM attempt WHERE mission_id = $1 AND success = false`,
		mission.ID,
	).Scan(&priorUnsuccessful); err != nil {
		return nil, fmt.Errorf("count prior attempts: %w", err)
	}

	var attempt domain.Attempt
	err = tx.QueryRow(ctx,
		`INSERT INTO attempt (handler, mission_id, max_time_interval, content, success)
		 VALUES ($1, $2, $3, $4, false)
		 RETURNING id, handler, mission_id, create_time, last_update_time, max_time_interval, content, success`,
		name, mission.ID, maxTimeInterval, mission.Content,
	).Scan(
		&attempt.ID, &attempt.Handler, &attempt.MissionID,
		&attempt.CreateTime, &attempt.LastUpdateTime, &attempt.MaxTimeInterval,
		&attempt.Content, &attempt.Success,
	)
	if err != nil {
		return nil, fmt.Errorf("insert attempt: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit create attempt: %w", err)
	}

	if priorUnsuccessful > 0 {
		metrics.ReclaimedAttemptsTotal.WithLabelValues(name).Inc()
	}
	return &attempt, nil
}

// noopLocker is used where no cross-worker serialization is needed (the
// single-worker Handler never shares its pool with sibling workers).
type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}

var _ sync.Locker = noopLocker{}
