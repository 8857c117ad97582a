package rival

import "context"

// Store is the persistence contract for challenges. Transitions are
// compare-and-swap: they apply only when the row still holds the
// expected status, and a miss is a normal outcome, not an error.
// Rows are never deleted; terminal states are kept as history.
type Store interface {
	// Insert stores a new challenge and assigns its id.
	Insert(ctx context.Context, ch *Challenge) error
	Get(ctx context.Context, id string) (*Challenge, error)
	ListByStatus(ctx context.Context, st Status) ([]*Challenge, error)

	// Transition applies from → to together with set, guarded on the
	// row still holding from. Returns false on a guard miss. A to not
	// reachable from from in the transition table is ErrInvalidTransition.
	Transition(ctx context.Context, id string, from, to Status, set TransitionSet) (bool, error)

	// UpdateStats refreshes the running PP deltas; unguarded, stats are
	// only meaningful while the row is Unfinished.
	UpdateStats(ctx context.Context, id string, challengerStats, challengedStats int) error

	// SetAnnouncementRef binds the public message to the challenge.
	SetAnnouncementRef(ctx context.Context, id, ref string) error

	// ActiveCount counts Pending+Unfinished rows involving the player
	// in either role.
	ActiveCount(ctx context.Context, player string) (int, error)

	// PairHistory returns every challenge ever issued between the
	// unordered pair, newest first.
	PairHistory(ctx context.Context, a, b string) ([]PairRecord, error)
}

// Directory resolves a player's league-of-record. ok is false when the
// player is not linked.
type Directory interface {
	LeagueOf(ctx context.Context, player string) (league League, ok bool, err error)
}

// RatingProvider fetches a player's current performance points. Calls
// may fail transiently and are safe to retry per item.
type RatingProvider interface {
	CurrentPP(ctx context.Context, player string) (int, error)
}

// Totals is what the ledger reports back after a delta is applied.
type Totals struct {
	Points         int
	SeasonalPoints int
}

// Ledger applies point deltas to the external points ledger. The
// ledger itself is not idempotent; the settler is the idempotence
// boundary.
type Ledger interface {
	AddPoints(ctx context.Context, player string, delta int) (Totals, error)
}

// PromptSurface delivers the two-choice accept/decline prompt to one
// specific player. A delivery error means the player is unreachable.
type PromptSurface interface {
	SendPrompt(ctx context.Context, player string, ch *Challenge) error
}

// Announcer is the public announcement channel. Edit returns
// ErrMessageNotFound (wrapped or direct) when the referenced message
// is gone; callers then Send a replacement.
type Announcer interface {
	Send(ctx context.Context, text string) (ref string, err error)
	Edit(ctx context.Context, ref, text string) error
}

// ErrMessageNotFound marks an announcement ref whose message no longer
// exists; recoverable by sending a fresh message.
var ErrMessageNotFound = staticErr("announcement message not found")

// Action is a choice reported back by the interactive surface.
type Action string

const (
	ActionAccept  Action = "accept"
	ActionDecline Action = "decline"
)

// Event is the single message the interactive surface emits; both
// human responses and the monitor funnel into the same guarded
// transitions.
type Event struct {
	ChallengeID string
	Action      Action
}
