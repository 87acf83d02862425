// Package history journals settled battles to Postgres.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/park285/pet-lobby-client/internal/battle"
)

const schema = `CREATE TABLE IF NOT EXISTS battle_settlements (
    battle_id      TEXT NOT NULL,
    user_id        BIGINT NOT NULL,
    opponent_id    BIGINT NOT NULL,
    my_score       INTEGER NOT NULL,
    opponent_score INTEGER NOT NULL,
    outcome        TEXT NOT NULL,
    settled_at     TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (battle_id, user_id)
)`

type Repository struct {
	db *sql.DB
}

func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repository{db: db}, nil
}

// FromDB wraps an already opened handle.
func FromDB(db *sql.DB) *Repository { return &Repository{db: db} }

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// EnsureSchema creates the settlements table when missing.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if r == nil || r.db == nil {
		return nil
	}
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

// SaveSettlement upserts one settled battle. A nil repository records nothing.
func (r *Repository) SaveSettlement(ctx context.Context, s battle.Settlement) error {
	if r == nil || r.db == nil || strings.TrimSpace(s.BattleID) == "" {
		return nil
	}
	settledAt := s.SettledAt
	if settledAt.IsZero() {
		settledAt = time.Now()
	}

	q := `INSERT INTO battle_settlements (
        battle_id, user_id, opponent_id, my_score, opponent_score, outcome, settled_at
      ) VALUES ($1,$2,$3,$4,$5,$6,$7)
      ON CONFLICT (battle_id, user_id) DO UPDATE SET
        opponent_id=EXCLUDED.opponent_id,
        my_score=EXCLUDED.my_score,
        opponent_score=EXCLUDED.opponent_score,
        outcome=EXCLUDED.outcome,
        settled_at=EXCLUDED.settled_at`

	_, err := r.db.ExecContext(ctx, q,
		s.BattleID, s.SelfID, s.OpponentID,
		s.MyScore, s.OpponentScore, string(s.Outcome), settledAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save settlement %s: %w", s.BattleID, err)
	}
	return nil
}

// Recent returns the latest settlements of userID, newest first.
func (r *Repository) Recent(ctx context.Context, userID int64, limit int) ([]battle.Settlement, error) {
	if r == nil || r.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db.QueryContext(ctx, `SELECT battle_id, user_id, opponent_id, my_score, opponent_score, outcome, settled_at
        FROM battle_settlements WHERE user_id=$1 ORDER BY settled_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []battle.Settlement
	for rows.Next() {
		var s battle.Settlement
		var outcome string
		if err := rows.Scan(&s.BattleID, &s.SelfID, &s.OpponentID, &s.MyScore, &s.OpponentScore, &outcome, &s.SettledAt); err != nil {
			return nil, err
		}
		s.Outcome = battle.Outcome(outcome)
		out = append(out, s)
	}
	return out, rows.Err()
}

var _ battle.Journal = (*Repository)(nil)
