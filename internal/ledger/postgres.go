// Package ledger applies point deltas against the community points
// table. The ledger itself gives no idempotency guarantee; the
// settlement layer is responsible for calling it exactly once per
// challenge.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/kapu/osu-rivals-bot/internal/rival"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(databaseURL string) (*Postgres, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required for the points ledger")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// NewPostgresDB wraps an existing pool so the ledger can share the
// store's connection settings.
func NewPostgresDB(db *sql.DB) *Postgres { return &Postgres{db: db} }

func (l *Postgres) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// AddPoints applies delta to both the running and the seasonal total
// and returns the new balances.
func (l *Postgres) AddPoints(ctx context.Context, player string, delta int) (rival.Totals, error) {
	var t rival.Totals
	err := l.db.QueryRowContext(ctx,
		`UPDATE players
		    SET points = points + $2,
		        seasonal_points = seasonal_points + $2
		  WHERE player_id = $1
		  RETURNING points, seasonal_points`,
		player, delta).Scan(&t.Points, &t.SeasonalPoints)
	if err == sql.ErrNoRows {
		return t, fmt.Errorf("player %s has no ledger row", player)
	}
	if err != nil {
		return t, err
	}
	return t, nil
}
