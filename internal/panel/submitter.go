package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kosmonaut/missionpanel/internal/domain"
)

// Submitter implements the submission/deduplication protocol: CreateMission,
// AddTags and MatchMission, each as a single atomic transaction. It holds
// no state of its own beyond the pool — the panel is stateless.
type Submitter struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewSubmitter returns a Submitter backed by pool.
func NewSubmitter(pool *pgxpool.Pool, logger *slog.Logger) *Submitter {
	return &Submitter{pool: pool, logger: logger.With("component", "submitter")}
}

// MatchMission locates any Mission already referenced by any of patterns.
// If found, it extends that Mission's Matcher set with any patterns it
// does not yet carry, and returns it. If nothing matched, it returns
// (nil, nil) — "none" is a valid result, not an error.
func (s *Submitter) MatchMission(ctx context.Context, patterns []string) (*domain.Mission, error) {
	if len(patterns) == 0 {
		return nil, domain.ErrNoPatterns
	}

	var mission *domain.Mission
	err := withUniqueRetry(func() error {
		var err error
		mission, err = s.matchMission(ctx, patterns)
		return err
	})
	return mission, err
}

func (s *Submitter) matchMission(ctx context.Context, patterns []string) (*domain.Mission, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin match mission: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	mission, err := matchMissionTx(ctx, tx, patterns)
	if err != nil {
		return nil, err
	}
	if mission == nil {
		return nil, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit match mission: %w", err)
	}
	return mission, nil
}

// CreateMission runs MatchMission. If nothing matched, it inserts a new
// Mission with the given content and a Matcher for every pattern. If a
// Mission matched and its content differs from content, it overwrites
// Mission.content (last-writer-wins, no causality tracking). If tags is
// non-empty, AddTags is folded into the same transaction.
func (s *Submitter) CreateMission(ctx context.Context, content json.RawMessage, patterns []string, tags []string) (*domain.Mission, error) {
	if len(patterns) == 0 {
		return nil, domain.ErrNoPatterns
	}

	var mission *domain.Mission
	err := withUniqueRetry(func() error {
		var err error
		mission, err = s.createMission(ctx, content, patterns, tags)
		return err
	})
	return mission, err
}

func (s *Submitter) createMission(ctx context.Context, content json.RawMessage, patterns []string, tags []string) (*domain.Mission, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin create mission: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	mission, err := matchMissionTx(ctx, tx, patterns)
	if err != nil {
		return nil, err
	}

	if mission == nil {
		mission, err = insertMissionTx(ctx, tx, content, patterns)
		if err != nil {
			return nil, fmt.Errorf("insert mission: %w", err)
		}
	} else if !bytes.Equal(bytes.TrimSpace(mission.Content), bytes.TrimSpace(content)) {
		if err := updateMissionContentTx(ctx, tx, mission.ID, content); err != nil {
			return nil, fmt.Errorf("update mission content: %w", err)
		}
		mission.Content = content
	}

	if len(tags) > 0 {
		if err := addTagsToMissionTx(ctx, tx, mission.ID, tags); err != nil {
			return nil, fmt.Errorf("add tags: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit create mission: %w", err)
	}
	s.logger.DebugContext(ctx, "mission submitted", "mission_id", mission.ID, "patterns", len(patterns), "tags", len(tags))
	return mission, nil
}

// AddTags runs MatchMission. It fails with domain.ErrMissionNotFound if no
// mission matches patterns. It creates any missing Tag rows, then inserts
// MissionTag rows for pairs not yet present. Idempotent: calling it
// repeatedly with the same arguments produces exactly one MissionTag per
// (mission, tag).
func (s *Submitter) AddTags(ctx context.Context, patterns []string, tags []string) error {
	if len(patterns) == 0 {
		return domain.ErrNoPatterns
	}

	return withUniqueRetry(func() error {
		return s.addTags(ctx, patterns, tags)
	})
}

func (s *Submitter) addTags(ctx context.Context, patterns []string, tags []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin add tags: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	mission, err := matchMissionTx(ctx, tx, patterns)
	if err != nil {
		return err
	}
	if mission == nil {
		return domain.ErrMissionNotFound
	}

	if err := addTagsToMissionTx(ctx, tx, mission.ID, tags); err != nil {
		return fmt.Errorf("add tags: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit add tags: %w", err)
	}
	return nil
}

// withUniqueRetry re-runs fn when it fails on a unique_violation. The
// matcher row lock only serializes submitters once the row exists; two
// submitters inserting the same brand-new pattern still collide at the
// store, and the loser's rolled-back transaction re-runs to find the
// winner's row instead. Each fn call is a whole transaction, so a retry
// never observes partial writes.
func withUniqueRetry(fn func() error) error {
	var err error
	for i := 0; i < 3; i++ {
		err = fn()
		if err == nil || !isUniqueViolation(err) {
			return err
		}
	}
	return err
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// matchMissionTx is the shared lookup used by all three public operations.
// It locks the chosen Matcher row (SELECT ... FOR UPDATE LIMIT 1) so two
// submitters racing to extend the same mission serialize, then extends the
// Matcher set with any patterns not already attached. When patterns span
// more than one existing Mission, LIMIT 1 picks one arbitrarily; the
// missions are never merged, and a pattern already owned by another
// Mission stays with that Mission.
func matchMissionTx(ctx context.Context, tx pgx.Tx, patterns []string) (*domain.Mission, error) {
	var pattern string
	var missionID int64
	err := tx.QueryRow(ctx,
		`SELECT pattern, mission_id FROM matcher WHERE pattern = ANY($1) LIMIT 1 FOR UPDATE`,
		patterns,
	).Scan(&pattern, &missionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup matcher: %w", err)
	}

	mission, err := scanMissionByIDTx(ctx, tx, missionID)
	if err != nil {
		return nil, fmt.Errorf("load mission %d: %w", missionID, err)
	}

	existing, err := existingPatternsTx(ctx, tx, missionID)
	if err != nil {
		return nil, fmt.Errorf("load existing patterns: %w", err)
	}
	existingSet := make(map[string]struct{}, len(existing))
	for _, p := range existing {
		existingSet[p] = struct{}{}
	}

	var missing []string
	for _, p := range patterns {
		if _, ok := existingSet[p]; !ok {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		if _, err := tx.Exec(ctx,
			`INSERT INTO matcher (pattern, mission_id) SELECT unnest($1::text[]), $2
			 ON CONFLICT (pattern) DO NOTHING`,
			missing, missionID,
		); err != nil {
			return nil, fmt.Errorf("extend matchers: %w", err)
		}
	}

	return mission, nil
}

func insertMissionTx(ctx context.Context, tx pgx.Tx, content json.RawMessage, patterns []string) (*domain.Mission, error) {
	if content == nil {
		content = json.RawMessage("{}")
	}

	var mission domain.Mission
	err := tx.QueryRow(ctx,
		`INSERT INTO mission (content) VALUES ($1)
		 RETURNING id, content, create_time, last_update_time`,
		content,
	).Scan(&mission.ID, &mission.Content, &mission.CreateTime, &mission.LastUpdateTime)
	if err != nil {
		return nil, fmt.Errorf("insert mission: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO matcher (pattern, mission_id) SELECT unnest($1::text[]), $2`,
		patterns, mission.ID,
	); err != nil {
		return nil, fmt.Errorf("insert matchers: %w", err)
	}

	return &mission, nil
}

func updateMissionContentTx(ctx context.Context, tx pgx.Tx, missionID int64, content json.RawMessage) error {
	_, err := tx.Exec(ctx,
		`UPDATE mission SET content = $1, last_update_time = now() WHERE id = $2`,
		content, missionID,
	)
	return err
}

func existingPatternsTx(ctx context.Context, tx pgx.Tx, missionID int64) ([]string, error) {
	rows, err := tx.Query(ctx, `SELECT pattern FROM matcher WHERE mission_id = $1`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patterns []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

// addTagsToMissionTx locks the Tag rows it reads for the duration of the
// transaction (so concurrent tag insertion does not race), creates any
// missing tags, and attaches mission to every requested tag. ON CONFLICT DO
// NOTHING backstops the case where a brand-new tag name has no existing
// row to lock — two submitters can both observe it missing and both try
// to create it; the unique constraint resolves that race idempotently
// rather than surfacing it as an error.
func addTagsToMissionTx(ctx context.Context, tx pgx.Tx, missionID int64, tags []string) error {
	if len(tags) == 0 {
		return nil
	}

	rows, err := tx.Query(ctx, `SELECT name FROM tag WHERE name = ANY($1) FOR UPDATE`, tags)
	if err != nil {
		return fmt.Errorf("lock existing tags: %w", err)
	}
	existing := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		existing[name] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	var missing []string
	for _, t := range tags {
		if _, ok := existing[t]; !ok {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		if _, err := tx.Exec(ctx,
			`INSERT INTO tag (name) SELECT unnest($1::text[]) ON CONFLICT (name) DO NOTHING`,
			missing,
		); err != nil {
			return fmt.Errorf("insert tags: %w", err)
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO missiontag (tag_name, mission_id)
		 SELECT unnest($1::text[]), $2
		 ON CONFLICT (tag_name, mission_id) DO NOTHING`,
		tags, missionID,
	); err != nil {
		return fmt.Errorf("insert missiontags: %w", err)
	}

	return nil
}
