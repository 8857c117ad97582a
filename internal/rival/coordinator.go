package rival

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kapu/osu-rivals-bot/internal/obslog"
	"go.uber.org/zap"
)

// TextRenderer renders user-facing message templates by key.
type TextRenderer interface {
	Render(key string, data any) (string, error)
}

// Coordinator orchestrates creation, acceptance, decline and
// revocation of challenges. All mutations go through the store's
// guarded transitions, the same primitive the monitor uses.
type Coordinator struct {
	store  Store
	dir    Directory
	rating RatingProvider
	prompt PromptSurface
	ann    Announcer
	texts  TextRenderer
}

func NewCoordinator(store Store, dir Directory, rating RatingProvider, prompt PromptSurface, ann Announcer, texts TextRenderer) *Coordinator {
	return &Coordinator{store: store, dir: dir, rating: rating, prompt: prompt, ann: ann, texts: texts}
}

// Create validates eligibility, inserts a new Pending challenge,
// delivers the accept/decline prompt and posts the public
// announcement. If the prompt cannot be delivered the challenge is
// immediately reverted to Revoked; a created-but-undeliverable
// challenge is not a valid resting state.
func (c *Coordinator) Create(ctx context.Context, challenger, challenged string, league League, wager int) (*Challenge, error) {
	challenger = strings.TrimSpace(challenger)
	challenged = strings.TrimSpace(challenged)

	in := CheckInput{
		Challenger: challenger,
		Challenged: challenged,
		League:     league,
		Wager:      wager,
		Now:        time.Now(),
	}
	// Self and range checks need no reads; skip the lookups for them.
	if r := Check(in); r == ReasonSelf || r == ReasonRange {
		return nil, &ValidationError{Reason: r}
	}

	var err error
	if in.ChallengerLeague, _, err = c.dir.LeagueOf(ctx, challenger); err != nil {
		return nil, fmt.Errorf("league lookup for %s: %w", challenger, err)
	}
	if in.ChallengedLeague, _, err = c.dir.LeagueOf(ctx, challenged); err != nil {
		return nil, fmt.Errorf("league lookup for %s: %w", challenged, err)
	}
	if in.ChallengerActive, err = c.store.ActiveCount(ctx, challenger); err != nil {
		return nil, fmt.Errorf("active count for %s: %w", challenger, err)
	}
	if in.ChallengedActive, err = c.store.ActiveCount(ctx, challenged); err != nil {
		return nil, fmt.Errorf("active count for %s: %w", challenged, err)
	}
	if in.History, err = c.store.PairHistory(ctx, challenger, challenged); err != nil {
		return nil, fmt.Errorf("pair history: %w", err)
	}

	if r := Check(in); r != ReasonGood {
		return nil, &ValidationError{Reason: r}
	}

	ch := &Challenge{
		League:     league,
		Challenger: challenger,
		Challenged: challenged,
		ForPP:      wager,
		IssuedAt:   time.Now(),
		Status:     StatusPending,
	}
	if err := c.store.Insert(ctx, ch); err != nil {
		return nil, fmt.Errorf("insert challenge: %w", err)
	}

	if err := c.prompt.SendPrompt(ctx, challenged, ch); err != nil {
		obslog.L().Warn("challenge_prompt_undeliverable",
			zap.String("challenge_id", ch.ID),
			zap.String("challenged", challenged),
			zap.Error(err),
		)
		if _, rerr := c.store.Transition(ctx, ch.ID, StatusPending, StatusRevoked, TransitionSet{}); rerr != nil {
			obslog.L().Error("challenge_revert_failed", zap.String("challenge_id", ch.ID), zap.Error(rerr))
		}
		return nil, fmt.Errorf("%w: %s", ErrUndeliverable, challenged)
	}

	// Public announcement is best-effort: the challenge stands even if
	// the channel is briefly unavailable.
	if text, terr := c.texts.Render("rivalry.pending", c.textData(ch)); terr != nil {
		obslog.L().Error("challenge_text_error", zap.String("key", "rivalry.pending"), zap.Error(terr))
	} else if ref, serr := c.ann.Send(ctx, text); serr != nil {
		obslog.L().Warn("challenge_announce_error", zap.String("challenge_id", ch.ID), zap.Error(serr))
	} else {
		ch.AnnouncementRef = ref
		if err := c.store.SetAnnouncementRef(ctx, ch.ID, ref); err != nil {
			obslog.L().Warn("challenge_announce_bind_error", zap.String("challenge_id", ch.ID), zap.Error(err))
		}
	}

	obslog.L().Info("challenge_create",
		zap.String("challenge_id", ch.ID),
		zap.String("league", string(league)),
		zap.String("challenger", challenger),
		zap.String("challenged", challenged),
		zap.Int("for_pp", wager),
	)
	return ch, nil
}

// Accept performs the guarded Pending → Unfinished transition,
// snapshotting both players' current PP as the baselines. A guard miss
// is reported as ErrNoLongerAvailable, not retried: a concurrent actor
// already resolved this challenge.
func (c *Coordinator) Accept(ctx context.Context, id string) (*Challenge, error) {
	ch, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ch.Status != StatusPending {
		return nil, ErrNoLongerAvailable
	}

	// Baselines come from the rating provider before the transition; a
	// transient rating failure aborts the accept without mutating state.
	challengerPP, err := c.rating.CurrentPP(ctx, ch.Challenger)
	if err != nil {
		return nil, fmt.Errorf("rating lookup for %s: %w", ch.Challenger, err)
	}
	challengedPP, err := c.rating.CurrentPP(ctx, ch.Challenged)
	if err != nil {
		return nil, fmt.Errorf("rating lookup for %s: %w", ch.Challenged, err)
	}

	now := time.Now()
	ok, err := c.store.Transition(ctx, id, StatusPending, StatusUnfinished, TransitionSet{
		AcceptedAt:          &now,
		ChallengerInitialPP: &challengerPP,
		ChallengedInitialPP: &challengedPP,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoLongerAvailable
	}

	ch, err = c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.updateAnnouncement(ctx, ch, "rivalry.unfinished")
	obslog.L().Info("challenge_accept",
		zap.String("challenge_id", id),
		zap.Int("challenger_initial_pp", challengerPP),
		zap.Int("challenged_initial_pp", challengedPP),
	)
	return ch, nil
}

// Decline performs the guarded Pending → Declined transition.
func (c *Coordinator) Decline(ctx context.Context, id string) (*Challenge, error) {
	return c.resolvePending(ctx, id, StatusDeclined, "rivalry.declined", "challenge_decline")
}

// Revoke performs the guarded Pending → Revoked transition. The
// issuer, an administrative action and the participant-left path all
// converge here.
func (c *Coordinator) Revoke(ctx context.Context, id string) (*Challenge, error) {
	return c.resolvePending(ctx, id, StatusRevoked, "rivalry.revoked", "challenge_revoke")
}

func (c *Coordinator) resolvePending(ctx context.Context, id string, to Status, textKey, event string) (*Challenge, error) {
	ok, err := c.store.Transition(ctx, id, StatusPending, to, TransitionSet{})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoLongerAvailable
	}
	ch, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.updateAnnouncement(ctx, ch, textKey)
	obslog.L().Info(event, zap.String("challenge_id", id))
	return ch, nil
}

// HandleEvent is the single entry point for choices reported by the
// interactive surface.
func (c *Coordinator) HandleEvent(ctx context.Context, ev Event) (*Challenge, error) {
	switch ev.Action {
	case ActionAccept:
		return c.Accept(ctx, ev.ChallengeID)
	case ActionDecline:
		return c.Decline(ctx, ev.ChallengeID)
	default:
		return nil, fmt.Errorf("unknown challenge action %q", ev.Action)
	}
}

func (c *Coordinator) updateAnnouncement(ctx context.Context, ch *Challenge, key string) {
	editOrSend(ctx, c.store, c.ann, c.texts, ch, key)
}

func (c *Coordinator) textData(ch *Challenge) map[string]any {
	return announcementData(ch)
}

// editOrSend updates the public message bound to the challenge,
// sending a replacement when the original is gone. The channel always
// ends up with some terminal message, never silence. Failures are
// logged only; notification is best-effort.
func editOrSend(ctx context.Context, store Store, ann Announcer, texts TextRenderer, ch *Challenge, key string) {
	text, err := texts.Render(key, announcementData(ch))
	if err != nil {
		obslog.L().Error("challenge_text_error", zap.String("key", key), zap.Error(err))
		return
	}
	if ch.AnnouncementRef != "" {
		err = ann.Edit(ctx, ch.AnnouncementRef, text)
		if err == nil {
			return
		}
		if !isMessageNotFound(err) {
			obslog.L().Warn("challenge_announce_edit_error",
				zap.String("challenge_id", ch.ID),
				zap.String("ref", ch.AnnouncementRef),
				zap.Error(err),
			)
			return
		}
	}
	ref, err := ann.Send(ctx, text)
	if err != nil {
		obslog.L().Warn("challenge_announce_error", zap.String("challenge_id", ch.ID), zap.Error(err))
		return
	}
	ch.AnnouncementRef = ref
	if err := store.SetAnnouncementRef(ctx, ch.ID, ref); err != nil {
		obslog.L().Warn("challenge_announce_bind_error", zap.String("challenge_id", ch.ID), zap.Error(err))
	}
}

func announcementData(ch *Challenge) map[string]any {
	return map[string]any{
		"Challenger": ch.Challenger,
		"Challenged": ch.Challenged,
		"League":     string(ch.League),
		"ForPP":      ch.ForPP,
		"Winner":     ch.Winner,
	}
}
