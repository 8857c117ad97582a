package rival

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kapu/osu-rivals-bot/internal/obslog"
	"go.uber.org/zap"
)

// Monitor is the reconciliation loop. It periodically recomputes every
// Unfinished challenge against the rating provider and drives the same
// guarded transitions that human actions use, so overlapping passes or
// a concurrent accept/revoke can never double-process a row. It also
// expires stale Pending challenges through the Revoke path when a
// timeout is configured.
type Monitor struct {
	store   Store
	rating  RatingProvider
	settler *Settler
	coord   *Coordinator

	interval time.Duration
	// promptTimeout bounds how long a Pending challenge may wait for a
	// response; zero disables expiry.
	promptTimeout time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewMonitor(store Store, rating RatingProvider, settler *Settler, coord *Coordinator, interval, promptTimeout time.Duration) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Monitor{
		store:         store,
		rating:        rating,
		settler:       settler,
		coord:         coord,
		interval:      interval,
		promptTimeout: promptTimeout,
		stopCh:        make(chan struct{}),
	}
}

// Start launches the loop; it runs until Close.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTicker(m.interval)
		defer t.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-t.C:
				ctx, cancel := context.WithTimeout(context.Background(), m.interval)
				m.Pass(ctx)
				cancel()
			}
		}
	}()
}

func (m *Monitor) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Pass runs one reconciliation sweep. A failure on one challenge never
// aborts processing of the others.
func (m *Monitor) Pass(ctx context.Context) {
	m.expirePending(ctx)

	challenges, err := m.store.ListByStatus(ctx, StatusUnfinished)
	if err != nil {
		obslog.L().Error("monitor_list_error", zap.Error(err))
		return
	}
	for _, ch := range challenges {
		if err := m.reconcile(ctx, ch); err != nil {
			obslog.L().Warn("monitor_reconcile_error",
				zap.String("challenge_id", ch.ID),
				zap.Error(err),
			)
		}
	}
}

func (m *Monitor) reconcile(ctx context.Context, ch *Challenge) error {
	challengerPP, err := m.rating.CurrentPP(ctx, ch.Challenger)
	if err != nil {
		return err
	}
	challengedPP, err := m.rating.CurrentPP(ctx, ch.Challenged)
	if err != nil {
		return err
	}

	ch.ChallengerStats = challengerPP - ch.ChallengerInitialPP
	ch.ChallengedStats = challengedPP - ch.ChallengedInitialPP
	if err := m.store.UpdateStats(ctx, ch.ID, ch.ChallengerStats, ch.ChallengedStats); err != nil {
		return err
	}

	// Challenger wins a same-pass double crossing; evaluated first on
	// purpose so the tie-break is deterministic.
	var winner string
	switch {
	case ch.ChallengerStats >= ch.ForPP:
		winner = ch.Challenger
	case ch.ChallengedStats >= ch.ForPP:
		winner = ch.Challenged
	default:
		return nil
	}

	ok, err := m.store.Transition(ctx, ch.ID, StatusUnfinished, StatusFinished, TransitionSet{Winner: &winner})
	if err != nil {
		return err
	}
	if !ok {
		// Already finished by an overlapping pass; settlement belongs to
		// whoever won the guard.
		return nil
	}

	ch.Status = StatusFinished
	ch.Winner = winner
	obslog.L().Info("challenge_finish",
		zap.String("challenge_id", ch.ID),
		zap.String("winner", winner),
		zap.Int("for_pp", ch.ForPP),
		zap.Int("challenger_stats", ch.ChallengerStats),
		zap.Int("challenged_stats", ch.ChallengedStats),
	)
	return m.settler.Settle(ctx, ch)
}

// expirePending revokes Pending challenges whose prompt went
// unanswered past the configured timeout. Expiry routes through the
// coordinator's guarded Revoke, never a bespoke state.
func (m *Monitor) expirePending(ctx context.Context) {
	if m.promptTimeout <= 0 {
		return
	}
	pending, err := m.store.ListByStatus(ctx, StatusPending)
	if err != nil {
		obslog.L().Error("monitor_list_error", zap.Error(err))
		return
	}
	cutoff := time.Now().Add(-m.promptTimeout)
	for _, ch := range pending {
		if ch.IssuedAt.After(cutoff) {
			continue
		}
		if _, err := m.coord.Revoke(ctx, ch.ID); err != nil {
			if errors.Is(err, ErrNoLongerAvailable) {
				// Answered or already revoked between the list and the guard.
				continue
			}
			obslog.L().Warn("monitor_expire_error", zap.String("challenge_id", ch.ID), zap.Error(err))
			continue
		}
		obslog.L().Info("challenge_expire", zap.String("challenge_id", ch.ID))
	}
}
