package rival_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kapu/osu-rivals-bot/internal/rival"
)

func newTestMonitor(env *testEnv, promptTimeout time.Duration) *rival.Monitor {
	return rival.NewMonitor(env.store, env.rating, env.settle, env.coord, 10*time.Second, promptTimeout)
}

func acceptedChallenge(t *testing.T, env *testEnv, challenger, challenged string, wager, challengerPP, challengedPP int) *rival.Challenge {
	t.Helper()
	ctx := context.Background()
	env.rating.set(challenger, challengerPP)
	env.rating.set(challenged, challengedPP)
	ch, err := env.coord.Create(ctx, challenger, challenged, "open", wager)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := env.coord.Accept(ctx, ch.ID); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	return ch
}

func TestMonitorPersistsStatsBelowThreshold(t *testing.T) {
	env := newTestEnv(t)
	m := newTestMonitor(env, 0)
	ctx := context.Background()

	ch := acceptedChallenge(t, env, "alice", "bob", 500, 1000, 1000)
	env.rating.set("alice", 1120)
	env.rating.set("bob", 980)

	m.Pass(ctx)

	got, err := env.store.Get(ctx, ch.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != rival.StatusUnfinished {
		t.Fatalf("status = %s, want UNFINISHED", got.Status)
	}
	if got.ChallengerStats != 120 || got.ChallengedStats != -20 {
		t.Fatalf("stats = %d/%d, want 120/-20", got.ChallengerStats, got.ChallengedStats)
	}
	if calls := env.ledger.snapshot(); len(calls) != 0 {
		t.Fatalf("ledger touched before threshold: %v", calls)
	}
}

func TestMonitorSettlesWinner(t *testing.T) {
	env := newTestEnv(t)
	m := newTestMonitor(env, 0)
	ctx := context.Background()

	ch := acceptedChallenge(t, env, "alice", "bob", 500, 1000, 1000)
	env.rating.set("bob", 1525) // +525 >= 500

	m.Pass(ctx)

	got, err := env.store.Get(ctx, ch.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != rival.StatusFinished || got.Winner != "bob" {
		t.Fatalf("status=%s winner=%s, want FINISHED/bob", got.Status, got.Winner)
	}

	calls := env.ledger.snapshot()
	if len(calls) != 2 {
		t.Fatalf("ledger calls = %d, want 2", len(calls))
	}
	if calls[0].player != "bob" || calls[0].delta != 500 {
		t.Fatalf("winner credit = %+v, want bob +500", calls[0])
	}
	if calls[1].player != "alice" || calls[1].delta != -250 {
		t.Fatalf("loser debit = %+v, want alice -250", calls[1])
	}

	if text := env.ann.text(got.AnnouncementRef); !strings.Contains(text, "bob takes the pot") {
		t.Fatalf("final announcement missing result: %q", text)
	}
}

func TestMonitorChallengerWinsDoubleCrossing(t *testing.T) {
	env := newTestEnv(t)
	m := newTestMonitor(env, 0)
	ctx := context.Background()

	ch := acceptedChallenge(t, env, "alice", "bob", 500, 1000, 1000)
	// Both crossed in the same pass; the challenger takes it.
	env.rating.set("alice", 1500)
	env.rating.set("bob", 1600)

	m.Pass(ctx)

	got, err := env.store.Get(ctx, ch.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Winner != "alice" {
		t.Fatalf("winner = %s, want alice (challenger)", got.Winner)
	}
}

func TestMonitorSettlesExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	m := newTestMonitor(env, 0)
	ctx := context.Background()

	acceptedChallenge(t, env, "alice", "bob", 500, 1000, 1000)
	env.rating.set("alice", 1700)

	m.Pass(ctx)
	m.Pass(ctx)
	m.Pass(ctx)

	if calls := env.ledger.snapshot(); len(calls) != 2 {
		t.Fatalf("ledger calls = %d after repeated passes, want 2", len(calls))
	}
}

func TestMonitorIsolatesPerItemFailures(t *testing.T) {
	env := newTestEnv(t)
	m := newTestMonitor(env, 0)
	ctx := context.Background()

	broken := acceptedChallenge(t, env, "alice", "bob", 500, 1000, 1000)
	healthy := acceptedChallenge(t, env, "carol", "bob", 300, 2000, 2000)

	env.rating.failFor("alice", errors.New("osu api down"))
	env.rating.set("carol", 2400) // +400 >= 300

	m.Pass(ctx)

	got, err := env.store.Get(ctx, healthy.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != rival.StatusFinished || got.Winner != "carol" {
		t.Fatalf("healthy challenge not settled: status=%s winner=%s", got.Status, got.Winner)
	}

	still, err := env.store.Get(ctx, broken.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if still.Status != rival.StatusUnfinished {
		t.Fatalf("failing challenge moved to %s", still.Status)
	}
}

func TestMonitorExpiresStalePending(t *testing.T) {
	env := newTestEnv(t)
	m := newTestMonitor(env, 10*time.Minute)
	ctx := context.Background()

	stale := &rival.Challenge{
		League:     "open",
		Challenger: "alice",
		Challenged: "bob",
		ForPP:      500,
		IssuedAt:   time.Now().Add(-time.Hour),
		Status:     rival.StatusPending,
	}
	if err := env.store.Insert(ctx, stale); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	fresh, err := env.coord.Create(ctx, "carol", "bob", "open", 500)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	m.Pass(ctx)

	got, err := env.store.Get(ctx, stale.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != rival.StatusRevoked {
		t.Fatalf("stale challenge = %s, want REVOKED", got.Status)
	}
	kept, err := env.store.Get(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if kept.Status != rival.StatusPending {
		t.Fatalf("fresh challenge = %s, want PENDING", kept.Status)
	}
}

func TestMonitorExpiryDisabledByZeroTimeout(t *testing.T) {
	env := newTestEnv(t)
	m := newTestMonitor(env, 0)
	ctx := context.Background()

	stale := &rival.Challenge{
		League:     "open",
		Challenger: "alice",
		Challenged: "bob",
		ForPP:      500,
		IssuedAt:   time.Now().Add(-24 * time.Hour),
		Status:     rival.StatusPending,
	}
	if err := env.store.Insert(ctx, stale); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	m.Pass(ctx)

	got, err := env.store.Get(ctx, stale.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != rival.StatusPending {
		t.Fatalf("challenge expired with timeout disabled: %s", got.Status)
	}
}

func TestSettleRefusesUnfinished(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ch := acceptedChallenge(t, env, "alice", "bob", 500, 1000, 1000)
	if err := env.settle.Settle(ctx, ch); err == nil {
		t.Fatalf("Settle accepted a non-finished challenge")
	}
	if calls := env.ledger.snapshot(); len(calls) != 0 {
		t.Fatalf("ledger touched for non-finished challenge: %v", calls)
	}
}

func TestSettleRoundsHalfToEven(t *testing.T) {
	cases := []struct {
		wager     int
		loserCost int
	}{
		{500, -250},
		{501, -250}, // 250.5 rounds to the even 250
		{503, -252}, // 251.5 rounds to the even 252
		{750, -375},
	}
	for _, tc := range cases {
		env := newTestEnv(t)
		ctx := context.Background()

		ch := &rival.Challenge{
			ID:         "settle-rounding",
			League:     "open",
			Challenger: "alice",
			Challenged: "bob",
			ForPP:      tc.wager,
			Status:     rival.StatusFinished,
			Winner:     "bob",
		}
		if err := env.settle.Settle(ctx, ch); err != nil {
			t.Fatalf("Settle(%d): %v", tc.wager, err)
		}
		calls := env.ledger.snapshot()
		if len(calls) != 2 {
			t.Fatalf("Settle(%d): %d ledger calls, want 2", tc.wager, len(calls))
		}
		if calls[0].player != "bob" || calls[0].delta != tc.wager {
			t.Fatalf("Settle(%d): winner credited %+v", tc.wager, calls[0])
		}
		if calls[1].player != "alice" || calls[1].delta != tc.loserCost {
			t.Fatalf("Settle(%d): loser debited %d, want %d", tc.wager, calls[1].delta, tc.loserCost)
		}
	}
}
