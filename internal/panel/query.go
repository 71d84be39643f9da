package panel

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kosmonaut/missionpanel/internal/domain"
)

// ListMissions returns missions carrying tag, or every mission if tag is
// empty. It is a read-only view for operational tooling — it has no
// bearing on claim/execute semantics.
func ListMissions(ctx context.Context, pool *pgxpool.Pool, tag string, limit int) ([]*domain.Mission, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows pgx.Rows
	var err error
	if tag == "" {
		rows, err = pool.Query(ctx,
			`SELECT id, content, create_time, last_update_time FROM mission ORDER BY id DESC LIMIT $1`, limit)
	} else {
		rows, err = pool.Query(ctx,
			`SELECT m.id, m.content, m.create_time, m.last_update_time
			 FROM mission m JOIN missiontag mt ON mt.mission_id = m.id
			 WHERE mt.tag_name = $1 ORDER BY m.id DESC LIMIT $2`, tag, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list missions: %w", err)
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

// GetMission loads a single Mission by id, or domain.ErrMissionNotFound.
func GetMission(ctx context.Context, pool *pgxpool.Pool, missionID int64) (*domain.Mission, error) {
	row := pool.QueryRow(ctx,
		`SELECT id, content, create_time, last_update_time FROM mission WHERE id = $1`, missionID)
	mission, err := scanMission(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrMissionNotFound
	}
	if err != nil {
		return nil, err
	}
	return mission, nil
}

// ListAttempts returns every Attempt against missionID, most recent first.
func ListAttempts(ctx context.Context, pool *pgxpool.Pool, missionID int64) ([]*domain.Attempt, error) {
	rows, err := pool.Query(ctx,
		`SELECT id, handler, mission_id, create_time, last_update_time, max_time_interval, content, success
		 FROM attempt WHERE mission_id = $1 ORDER BY id DESC`, missionID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*domain.Attempt
	for rows.Next() {
		var a domain.Attempt
		if err := rows.Scan(&a.ID, &a.Handler, &a.MissionID, &a.CreateTime, &a.LastUpdateTime, &a.MaxTimeInterval, &a.Content, &a.Success); err != nil {
			return nil, err
		}
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}
