package rivalstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/kapu/osu-rivals-bot/internal/rival"
)

// PostgresStore is the relational backend. The guarded transition is a
// single conditional UPDATE; RowsAffected is the guard verdict, so two
// concurrent actors racing on the same row resolve without any
// in-process locking. Schema lives in migrations/001_init.sql.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required for the postgres store")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const challengeColumns = `challenge_id, league, challenger, challenged, for_pp,
	challenger_initial_pp, challenged_initial_pp, challenger_stats, challenged_stats,
	issued_at, accepted_at, status, winner, announcement_ref`

func (s *PostgresStore) Insert(ctx context.Context, ch *rival.Challenge) error {
	q := `INSERT INTO rivals (
	    league, challenger, challenged, for_pp, issued_at, status
	  ) VALUES ($1,$2,$3,$4,$5,$6)
	  RETURNING challenge_id`
	var id int64
	err := s.db.QueryRowContext(ctx, q,
		string(ch.League), ch.Challenger, ch.Challenged, ch.ForPP, ch.IssuedAt, string(ch.Status),
	).Scan(&id)
	if err != nil {
		return err
	}
	ch.ID = strconv.FormatInt(id, 10)
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*rival.Challenge, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+challengeColumns+` FROM rivals WHERE challenge_id = $1`, id)
	ch, err := scanChallenge(row)
	if err == sql.ErrNoRows {
		return nil, rival.ErrNotFound
	}
	return ch, err
}

func (s *PostgresStore) Transition(ctx context.Context, id string, from, to rival.Status, set rival.TransitionSet) (bool, error) {
	if !rival.CanTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", rival.ErrInvalidTransition, from, to)
	}
	q := `UPDATE rivals SET
	    status = $3,
	    accepted_at = COALESCE($4, accepted_at),
	    challenger_initial_pp = COALESCE($5, challenger_initial_pp),
	    challenged_initial_pp = COALESCE($6, challenged_initial_pp),
	    winner = COALESCE($7, winner)
	  WHERE challenge_id = $1 AND status = $2`
	res, err := s.db.ExecContext(ctx, q, id, string(from), string(to),
		nullTime(set.AcceptedAt), nullInt(set.ChallengerInitialPP),
		nullInt(set.ChallengedInitialPP), nullString(set.Winner))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) UpdateStats(ctx context.Context, id string, challengerStats, challengedStats int) error {
	// Guarded on Unfinished so a concurrent finish freezes the stats.
	_, err := s.db.ExecContext(ctx,
		`UPDATE rivals SET challenger_stats = $2, challenged_stats = $3
		  WHERE challenge_id = $1 AND status = $4`,
		id, challengerStats, challengedStats, string(rival.StatusUnfinished))
	return err
}

func (s *PostgresStore) SetAnnouncementRef(ctx context.Context, id, ref string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE rivals SET announcement_ref = $2 WHERE challenge_id = $1`, id, ref)
	return err
}

func (s *PostgresStore) ListByStatus(ctx context.Context, st rival.Status) ([]*rival.Challenge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+challengeColumns+` FROM rivals WHERE status = $1 ORDER BY issued_at`,
		string(st))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*rival.Challenge
	for rows.Next() {
		ch, err := scanChallenge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ActiveCount(ctx context.Context, player string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rivals
		  WHERE (challenger = $1 OR challenged = $1) AND status IN ($2, $3)`,
		player, string(rival.StatusPending), string(rival.StatusUnfinished)).Scan(&n)
	return n, err
}

func (s *PostgresStore) PairHistory(ctx context.Context, a, b string) ([]rival.PairRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, issued_at FROM rivals
		  WHERE (challenger = $1 AND challenged = $2)
		     OR (challenger = $2 AND challenged = $1)
		  ORDER BY issued_at DESC`, a, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []rival.PairRecord
	for rows.Next() {
		var st string
		var issued time.Time
		if err := rows.Scan(&st, &issued); err != nil {
			return nil, err
		}
		out = append(out, rival.PairRecord{Status: rival.Status(st), IssuedAt: issued})
	}
	return out, rows.Err()
}

// LeagueOf implements rival.Directory against the players table.
func (s *PostgresStore) LeagueOf(ctx context.Context, player string) (rival.League, bool, error) {
	var league string
	err := s.db.QueryRowContext(ctx,
		`SELECT league FROM players WHERE player_id = $1`, player).Scan(&league)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return rival.League(strings.ToLower(strings.TrimSpace(league))), true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChallenge(r rowScanner) (*rival.Challenge, error) {
	var (
		id         int64
		league     string
		status     string
		acceptedAt sql.NullTime
		winner     sql.NullString
		annRef     sql.NullString
		ch         rival.Challenge
	)
	err := r.Scan(&id, &league, &ch.Challenger, &ch.Challenged, &ch.ForPP,
		&ch.ChallengerInitialPP, &ch.ChallengedInitialPP,
		&ch.ChallengerStats, &ch.ChallengedStats,
		&ch.IssuedAt, &acceptedAt, &status, &winner, &annRef)
	if err != nil {
		return nil, err
	}
	ch.ID = strconv.FormatInt(id, 10)
	ch.League = rival.League(league)
	ch.Status = rival.Status(status)
	if acceptedAt.Valid {
		t := acceptedAt.Time
		ch.AcceptedAt = &t
	}
	ch.Winner = winner.String
	ch.AnnouncementRef = annRef.String
	return &ch, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
