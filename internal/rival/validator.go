package rival

import "time"

// Wager bounds and the active-challenge cap, shared with the leagues'
// published rules.
const (
	MinWager           = 250
	MaxWager           = 750
	MaxActiveChalls    = 3
	PairCooldownWindow = 24 * time.Hour
)

// Reason enumerates eligibility outcomes. Anything other than
// ReasonGood is surfaced to the requesting user verbatim and never
// logged as a system error.
type Reason string

const (
	ReasonGood           Reason = "GOOD"
	ReasonSelf           Reason = "SELF"
	ReasonRange          Reason = "RANGE"
	ReasonNotLinked      Reason = "NOT_LINKED"
	ReasonLeagueMismatch Reason = "LEAGUE_MISMATCH"
	ReasonTooManyActive  Reason = "TOO_MANY_ACTIVE"
	ReasonAlreadyPending Reason = "ALREADY_PENDING"
	ReasonAlreadyOngoing Reason = "ALREADY_ONGOING"
	ReasonTooEarly       Reason = "TOO_EARLY"
)

// ValidationError wraps a non-GOOD reason so the coordinator can
// surface it without losing the enumeration.
type ValidationError struct {
	Reason Reason
}

func (e *ValidationError) Error() string { return "challenge not allowed: " + string(e.Reason) }

// CheckInput is a read-only snapshot of everything eligibility depends
// on. The coordinator assembles it; Check itself has no side effects.
type CheckInput struct {
	Challenger string
	Challenged string
	League     League
	Wager      int

	// League-of-record per player; empty means the player is not linked.
	ChallengerLeague League
	ChallengedLeague League

	// Pending+Unfinished counts across both roles.
	ChallengerActive int
	ChallengedActive int

	// Full challenge history for this unordered pair, any order.
	History []PairRecord

	Now time.Time
}

// Check evaluates the eligibility rules in order, short-circuiting on
// the first failure.
func Check(in CheckInput) Reason {
	if in.Challenger == in.Challenged {
		return ReasonSelf
	}
	if in.Wager < MinWager || in.Wager > MaxWager {
		return ReasonRange
	}
	if in.ChallengerLeague == "" || in.ChallengedLeague == "" {
		return ReasonNotLinked
	}
	if in.ChallengerLeague != in.League || in.ChallengedLeague != in.League {
		return ReasonLeagueMismatch
	}
	if in.ChallengerActive >= MaxActiveChalls || in.ChallengedActive >= MaxActiveChalls {
		return ReasonTooManyActive
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	cutoff := now.Add(-PairCooldownWindow)
	for _, rec := range in.History {
		switch rec.Status {
		case StatusPending:
			return ReasonAlreadyPending
		case StatusUnfinished:
			return ReasonAlreadyOngoing
		}
	}
	// Cooldown applies to every outcome, declined and revoked included.
	for _, rec := range in.History {
		if rec.IssuedAt.After(cutoff) {
			return ReasonTooEarly
		}
	}
	return ReasonGood
}
