package rivalstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/kapu/osu-rivals-bot/internal/rival"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	url := fmt.Sprintf("redis://%s/0", mr.Addr())
	s, err := NewRedisStoreURL(context.Background(), url)
	if err != nil {
		t.Fatalf("NewRedisStoreURL: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newPending(t *testing.T, s *RedisStore, challenger, challenged string) *rival.Challenge {
	t.Helper()
	ch := &rival.Challenge{
		League:     "open",
		Challenger: challenger,
		Challenged: challenged,
		ForPP:      500,
		IssuedAt:   time.Now().UTC(),
		Status:     rival.StatusPending,
	}
	if err := s.Insert(context.Background(), ch); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if ch.ID == "" {
		t.Fatalf("Insert did not assign an id")
	}
	return ch
}

func TestInsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ch := newPending(t, s, "alice", "bob")
	got, err := s.Get(ctx, ch.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Challenger != "alice" || got.Challenged != "bob" || got.ForPP != 500 || got.Status != rival.StatusPending {
		t.Fatalf("unexpected challenge: %+v", got)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, rival.ErrNotFound) {
		t.Fatalf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestTransitionGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ch := newPending(t, s, "alice", "bob")

	now := time.Now().UTC()
	a, b := 4200, 3900
	ok, err := s.Transition(ctx, ch.ID, rival.StatusPending, rival.StatusUnfinished, rival.TransitionSet{
		AcceptedAt:          &now,
		ChallengerInitialPP: &a,
		ChallengedInitialPP: &b,
	})
	if err != nil || !ok {
		t.Fatalf("Transition accept: ok=%v err=%v", ok, err)
	}

	got, err := s.Get(ctx, ch.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != rival.StatusUnfinished || got.AcceptedAt == nil ||
		got.ChallengerInitialPP != 4200 || got.ChallengedInitialPP != 3900 {
		t.Fatalf("transition did not apply set: %+v", got)
	}

	// The row moved on; the same guard must now miss without error.
	ok, err = s.Transition(ctx, ch.ID, rival.StatusPending, rival.StatusDeclined, rival.TransitionSet{})
	if err != nil {
		t.Fatalf("guard miss returned error: %v", err)
	}
	if ok {
		t.Fatalf("guard miss reported as applied")
	}
	got, _ = s.Get(ctx, ch.ID)
	if got.Status != rival.StatusUnfinished {
		t.Fatalf("guard miss mutated status to %s", got.Status)
	}
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ch := newPending(t, s, "alice", "bob")

	if _, err := s.Transition(ctx, ch.ID, rival.StatusPending, rival.StatusFinished, rival.TransitionSet{}); !errors.Is(err, rival.ErrInvalidTransition) {
		t.Fatalf("Pending->Finished = %v, want ErrInvalidTransition", err)
	}
	if _, err := s.Transition(ctx, ch.ID, rival.StatusFinished, rival.StatusPending, rival.TransitionSet{}); !errors.Is(err, rival.ErrInvalidTransition) {
		t.Fatalf("Finished->Pending = %v, want ErrInvalidTransition", err)
	}
}

func TestListByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := newPending(t, s, "alice", "bob")
	second := newPending(t, s, "carol", "dave")
	third := newPending(t, s, "erin", "frank")

	winner := "carol"
	now := time.Now().UTC()
	pp := 1000
	if ok, err := s.Transition(ctx, second.ID, rival.StatusPending, rival.StatusUnfinished, rival.TransitionSet{AcceptedAt: &now, ChallengerInitialPP: &pp, ChallengedInitialPP: &pp}); err != nil || !ok {
		t.Fatalf("accept: ok=%v err=%v", ok, err)
	}
	if ok, err := s.Transition(ctx, second.ID, rival.StatusUnfinished, rival.StatusFinished, rival.TransitionSet{Winner: &winner}); err != nil || !ok {
		t.Fatalf("finish: ok=%v err=%v", ok, err)
	}

	pending, err := s.ListByStatus(ctx, rival.StatusPending)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending count = %d, want 2", len(pending))
	}
	ids := map[string]bool{pending[0].ID: true, pending[1].ID: true}
	if !ids[first.ID] || !ids[third.ID] {
		t.Fatalf("unexpected pending set: %v", ids)
	}

	finished, err := s.ListByStatus(ctx, rival.StatusFinished)
	if err != nil {
		t.Fatalf("ListByStatus finished: %v", err)
	}
	if len(finished) != 1 || finished[0].ID != second.ID || finished[0].Winner != "carol" {
		t.Fatalf("unexpected finished set: %+v", finished)
	}
}

func TestActiveCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newPending(t, s, "alice", "bob")
	newPending(t, s, "carol", "alice") // challenged role counts too

	n, err := s.ActiveCount(ctx, "alice")
	if err != nil {
		t.Fatalf("ActiveCount: %v", err)
	}
	if n != 2 {
		t.Fatalf("ActiveCount = %d, want 2", n)
	}

	// Terminal rows stop counting.
	if ok, err := s.Transition(ctx, a.ID, rival.StatusPending, rival.StatusDeclined, rival.TransitionSet{}); err != nil || !ok {
		t.Fatalf("decline: ok=%v err=%v", ok, err)
	}
	n, err = s.ActiveCount(ctx, "alice")
	if err != nil {
		t.Fatalf("ActiveCount: %v", err)
	}
	if n != 1 {
		t.Fatalf("ActiveCount after decline = %d, want 1", n)
	}
}

func TestPairHistoryIsUnordered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ch := newPending(t, s, "alice", "bob")
	if ok, err := s.Transition(ctx, ch.ID, rival.StatusPending, rival.StatusRevoked, rival.TransitionSet{}); err != nil || !ok {
		t.Fatalf("revoke: ok=%v err=%v", ok, err)
	}
	newPending(t, s, "bob", "alice")
	newPending(t, s, "alice", "carol")

	recs, err := s.PairHistory(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("PairHistory: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("PairHistory len = %d, want 2", len(recs))
	}
	statuses := map[rival.Status]int{}
	for _, r := range recs {
		statuses[r.Status]++
	}
	if statuses[rival.StatusRevoked] != 1 || statuses[rival.StatusPending] != 1 {
		t.Fatalf("unexpected statuses: %v", statuses)
	}
}

func TestUpdateStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ch := newPending(t, s, "alice", "bob")

	now := time.Now().UTC()
	pp := 1000
	if ok, err := s.Transition(ctx, ch.ID, rival.StatusPending, rival.StatusUnfinished, rival.TransitionSet{AcceptedAt: &now, ChallengerInitialPP: &pp, ChallengedInitialPP: &pp}); err != nil || !ok {
		t.Fatalf("accept: ok=%v err=%v", ok, err)
	}
	if err := s.UpdateStats(ctx, ch.ID, 120, -15); err != nil {
		t.Fatalf("UpdateStats: %v", err)
	}
	got, err := s.Get(ctx, ch.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ChallengerStats != 120 || got.ChallengedStats != -15 {
		t.Fatalf("stats = %d/%d, want 120/-15", got.ChallengerStats, got.ChallengedStats)
	}
}

func TestLeagueDirectory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.LeagueOf(ctx, "ghost"); err != nil || ok {
		t.Fatalf("LeagueOf(unlinked) = ok=%v err=%v, want miss", ok, err)
	}
	if err := s.SetLeague(ctx, "alice", "open"); err != nil {
		t.Fatalf("SetLeague: %v", err)
	}
	lg, ok, err := s.LeagueOf(ctx, "alice")
	if err != nil || !ok || lg != "open" {
		t.Fatalf("LeagueOf = %q ok=%v err=%v", lg, ok, err)
	}
}

func TestSetAnnouncementRef(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ch := newPending(t, s, "alice", "bob")

	if err := s.SetAnnouncementRef(ctx, ch.ID, "msg-42"); err != nil {
		t.Fatalf("SetAnnouncementRef: %v", err)
	}
	got, err := s.Get(ctx, ch.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AnnouncementRef != "msg-42" {
		t.Fatalf("announcement ref = %q, want msg-42", got.AnnouncementRef)
	}
}
