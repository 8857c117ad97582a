// Package rivalstore provides the persistence backends for the
// challenge engine: a Redis store using WATCH-based compare-and-swap
// and a Postgres store using conditional updates. Both enforce the
// status transition table at the boundary.
package rivalstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kapu/osu-rivals-bot/internal/rival"
)

// RedisStore keeps challenges as JSON rows with player/pair/status
// index sets. Challenge keys carry no TTL: terminal rows are history
// and are never deleted.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore { return &RedisStore{rdb: rdb} }

// NewRedisStoreURL dials REDIS_URL-style addresses (redis:// or rediss://).
func NewRedisStoreURL(ctx context.Context, rawURL string) (*RedisStore, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, fmt.Errorf("REDIS_URL is required for the redis store")
	}
	opts, err := parseRedisURL(rawURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

func (s *RedisStore) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

func keyChallenge(id string) string { return "rv:challenge:" + strings.TrimSpace(id) }
func keyPlayerIdx(p string) string { return "rv:index:player:" + strings.TrimSpace(p) }
func keyStatusIdx(st rival.Status) string { return "rv:index:status:" + string(st) }
func keyPairIdx(a, b string) string {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if b < a {
		a, b = b, a
	}
	return "rv:index:pair:" + a + "|" + b
}
func keyPlayerLeague(p string) string { return "rv:player:" + strings.TrimSpace(p) + ":league" }

func (s *RedisStore) Insert(ctx context.Context, ch *rival.Challenge) error {
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	raw, err := json.Marshal(ch)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, keyChallenge(ch.ID), raw, 0)
	pipe.SAdd(ctx, keyPlayerIdx(ch.Challenger), ch.ID)
	pipe.SAdd(ctx, keyPlayerIdx(ch.Challenged), ch.ID)
	pipe.SAdd(ctx, keyPairIdx(ch.Challenger, ch.Challenged), ch.ID)
	pipe.SAdd(ctx, keyStatusIdx(ch.Status), ch.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Get(ctx context.Context, id string) (*rival.Challenge, error) {
	raw, err := s.rdb.Get(ctx, keyChallenge(id)).Bytes()
	if err == redis.Nil {
		return nil, rival.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var ch rival.Challenge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// Transition implements the guarded status change with optimistic
// concurrency control on the challenge key. A status mismatch is a
// guard miss (false, nil); a WATCH conflict is retried a few times
// since the winner may have been an unrelated field update.
func (s *RedisStore) Transition(ctx context.Context, id string, from, to rival.Status, set rival.TransitionSet) (bool, error) {
	if !rival.CanTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", rival.ErrInvalidTransition, from, to)
	}

	key := keyChallenge(id)
	for attempt := 0; attempt < 5; attempt++ {
		var miss bool
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if err == redis.Nil {
				return rival.ErrNotFound
			}
			if err != nil {
				return err
			}
			var cur rival.Challenge
			if err := json.Unmarshal(raw, &cur); err != nil {
				return err
			}
			if cur.Status != from {
				miss = true
				return nil
			}

			cur.Status = to
			if set.AcceptedAt != nil {
				cur.AcceptedAt = set.AcceptedAt
			}
			if set.ChallengerInitialPP != nil {
				cur.ChallengerInitialPP = *set.ChallengerInitialPP
			}
			if set.ChallengedInitialPP != nil {
				cur.ChallengedInitialPP = *set.ChallengedInitialPP
			}
			if set.Winner != nil {
				cur.Winner = *set.Winner
			}

			newRaw, err := json.Marshal(&cur)
			if err != nil {
				return err
			}
			pipe := tx.TxPipeline()
			pipe.Set(ctx, key, newRaw, 0)
			pipe.SRem(ctx, keyStatusIdx(from), id)
			pipe.SAdd(ctx, keyStatusIdx(to), id)
			_, err = pipe.Exec(ctx)
			return err
		}, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return false, err
		}
		return !miss, nil
	}
	// Persistent contention on one row means someone else keeps winning
	// the race; treat it as a guard miss and let the caller re-read.
	return false, nil
}

func (s *RedisStore) UpdateStats(ctx context.Context, id string, challengerStats, challengedStats int) error {
	key := keyChallenge(id)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return rival.ErrNotFound
		}
		if err != nil {
			return err
		}
		var cur rival.Challenge
		if err := json.Unmarshal(raw, &cur); err != nil {
			return err
		}
		if cur.Status != rival.StatusUnfinished {
			// Row moved on; stats are frozen with the outcome.
			return nil
		}
		cur.ChallengerStats = challengerStats
		cur.ChallengedStats = challengedStats
		newRaw, err := json.Marshal(&cur)
		if err != nil {
			return err
		}
		pipe := tx.TxPipeline()
		pipe.Set(ctx, key, newRaw, 0)
		_, err = pipe.Exec(ctx)
		return err
	}, key)
	if err == redis.TxFailedErr {
		// A concurrent transition won; the next pass recomputes anyway.
		return nil
	}
	return err
}

func (s *RedisStore) SetAnnouncementRef(ctx context.Context, id, ref string) error {
	key := keyChallenge(id)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return rival.ErrNotFound
		}
		if err != nil {
			return err
		}
		var cur rival.Challenge
		if err := json.Unmarshal(raw, &cur); err != nil {
			return err
		}
		cur.AnnouncementRef = ref
		newRaw, err := json.Marshal(&cur)
		if err != nil {
			return err
		}
		pipe := tx.TxPipeline()
		pipe.Set(ctx, key, newRaw, 0)
		_, err = pipe.Exec(ctx)
		return err
	}, key)
	if err == redis.TxFailedErr {
		return fmt.Errorf("announcement ref update conflicted for %s", id)
	}
	return err
}

func (s *RedisStore) ListByStatus(ctx context.Context, st rival.Status) ([]*rival.Challenge, error) {
	ids, err := s.rdb.SMembers(ctx, keyStatusIdx(st)).Result()
	if err != nil {
		return nil, err
	}
	var out []*rival.Challenge
	for _, id := range ids {
		ch, err := s.Get(ctx, id)
		if err != nil || ch == nil {
			continue
		}
		// The index can trail the row briefly between the Set and the
		// SRem of a transition; trust the row.
		if ch.Status != st {
			continue
		}
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out, nil
}

func (s *RedisStore) ActiveCount(ctx context.Context, player string) (int, error) {
	ids, err := s.rdb.SMembers(ctx, keyPlayerIdx(player)).Result()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		ch, err := s.Get(ctx, id)
		if err != nil || ch == nil {
			continue
		}
		if ch.Status.Active() {
			n++
		}
	}
	return n, nil
}

func (s *RedisStore) PairHistory(ctx context.Context, a, b string) ([]rival.PairRecord, error) {
	ids, err := s.rdb.SMembers(ctx, keyPairIdx(a, b)).Result()
	if err != nil {
		return nil, err
	}
	var out []rival.PairRecord
	for _, id := range ids {
		ch, err := s.Get(ctx, id)
		if err != nil || ch == nil {
			continue
		}
		out = append(out, rival.PairRecord{Status: ch.Status, IssuedAt: ch.IssuedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	return out, nil
}

// LeagueOf implements rival.Directory against rv:player:*:league keys.
func (s *RedisStore) LeagueOf(ctx context.Context, player string) (rival.League, bool, error) {
	v, err := s.rdb.Get(ctx, keyPlayerLeague(player)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return rival.League(strings.ToLower(strings.TrimSpace(v))), true, nil
}

// SetLeague registers or moves a player's league-of-record.
func (s *RedisStore) SetLeague(ctx context.Context, player string, league rival.League) error {
	return s.rdb.Set(ctx, keyPlayerLeague(player), string(league), 0).Err()
}

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
