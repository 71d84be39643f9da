package panel

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/kosmonaut/missionpanel/internal/domain"
)

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMission(row rowScanner) (*domain.Mission, error) {
	var m domain.Mission
	if err := row.Scan(&m.ID, &m.Content, &m.CreateTime, &m.LastUpdateTime); err != nil {
		return nil, fmt.Errorf("scan mission: %w", err)
	}
	return &m, nil
}

func scanMissionByIDTx(ctx context.Context, tx pgx.Tx, missionID int64) (*domain.Mission, error) {
	row := tx.QueryRow(ctx,
		`SELECT id, content, create_time, last_update_time FROM mission WHERE id = $1`,
		missionID,
	)
	return scanMission(row)
}
