package rival

import "time"

// Status represents a challenge lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusDeclined   Status = "DECLINED"
	StatusRevoked    Status = "REVOKED"
	StatusUnfinished Status = "UNFINISHED"
	StatusFinished   Status = "FINISHED"
)

// transitions is the total transition table. Anything not listed is
// rejected at the store boundary, so status can never move backward.
var transitions = map[Status][]Status{
	StatusPending:    {StatusUnfinished, StatusDeclined, StatusRevoked},
	StatusUnfinished: {StatusFinished},
}

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Active reports whether the status counts against the per-player cap.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusUnfinished
}

// Terminal reports whether the status can never change again.
func (s Status) Terminal() bool {
	return s == StatusDeclined || s == StatusRevoked || s == StatusFinished
}

// League is the competitive bracket a wager belongs to.
type League string

// Challenge is the persisted state of a rivalry wager between two players.
// Baselines are captured at acceptance, not creation.
type Challenge struct {
	ID         string `json:"id"`
	League     League `json:"league"`
	Challenger string `json:"challenger"`
	Challenged string `json:"challenged"`
	ForPP      int    `json:"for_pp"`

	ChallengerInitialPP int `json:"challenger_initial_pp,omitempty"`
	ChallengedInitialPP int `json:"challenged_initial_pp,omitempty"`
	ChallengerStats     int `json:"challenger_stats"`
	ChallengedStats     int `json:"challenged_stats"`

	IssuedAt   time.Time  `json:"issued_at"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`

	Status Status `json:"status"`
	Winner string `json:"winner,omitempty"`

	// AnnouncementRef is the public message bound 1:1 to this challenge,
	// set once at creation and never reused across challenges.
	AnnouncementRef string `json:"announcement_ref,omitempty"`
}

// Loser returns the non-winning participant of a finished challenge.
func (c *Challenge) Loser() string {
	if c.Winner == c.Challenger {
		return c.Challenged
	}
	return c.Challenger
}

// PairRecord is the slice of a historical challenge the validator needs.
type PairRecord struct {
	Status   Status
	IssuedAt time.Time
}

// TransitionSet carries the column values a guarded transition writes
// alongside the new status. Nil fields are left untouched.
type TransitionSet struct {
	AcceptedAt          *time.Time
	ChallengerInitialPP *int
	ChallengedInitialPP *int
	Winner              *string
}

type staticErr string

func (e staticErr) Error() string { return string(e) }

var (
	// ErrNotFound means no challenge exists under the given id.
	ErrNotFound = staticErr("challenge not found")
	// ErrNoLongerAvailable is returned when a guarded transition missed:
	// a concurrent actor already resolved the challenge. Callers report
	// "no longer available" to the user and must not retry.
	ErrNoLongerAvailable = staticErr("challenge no longer available")
	// ErrUndeliverable means the challenged player could not be reached
	// with the accept/decline prompt; the challenge has been revoked.
	ErrUndeliverable = staticErr("challenge prompt could not be delivered")
	// ErrInvalidTransition is rejected at the store boundary for any
	// status change not in the transition table.
	ErrInvalidTransition = staticErr("invalid status transition")
)
