package rival

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/kapu/osu-rivals-bot/internal/obslog"
	"go.uber.org/zap"
)

// Settler pays out a finished challenge and updates the public
// announcement. It is invoked only after the Finished transition
// committed; the guarded transition is the idempotence boundary, so a
// given challenge is settled exactly once.
type Settler struct {
	store  Store
	ledger Ledger
	ann    Announcer
	texts  TextRenderer
}

func NewSettler(store Store, ledger Ledger, ann Announcer, texts TextRenderer) *Settler {
	return &Settler{store: store, ledger: ledger, ann: ann, texts: texts}
}

// Settle credits the winner the full wager and debits the loser half
// of it, then edits the bound announcement to the final result. Ledger
// failures are reported back for the caller to surface, but they never
// justify re-running the state transition; notification failures are
// logged only.
func (s *Settler) Settle(ctx context.Context, ch *Challenge) error {
	if ch.Status != StatusFinished || ch.Winner == "" {
		return fmt.Errorf("challenge %s not finished, refusing to settle", ch.ID)
	}

	loser := ch.Loser()
	// Half the wager, rounding halves to even so odd wagers don't
	// systematically over-debit (501 costs 250, not 251).
	loserDelta := -int(math.RoundToEven(float64(ch.ForPP) / 2))

	var errs []error
	if totals, err := s.ledger.AddPoints(ctx, ch.Winner, ch.ForPP); err != nil {
		obslog.L().Error("settle_credit_error",
			zap.String("challenge_id", ch.ID),
			zap.String("player", ch.Winner),
			zap.Int("delta", ch.ForPP),
			zap.Error(err),
		)
		errs = append(errs, fmt.Errorf("credit %s: %w", ch.Winner, err))
	} else {
		obslog.L().Info("settle_credit",
			zap.String("challenge_id", ch.ID),
			zap.String("player", ch.Winner),
			zap.Int("delta", ch.ForPP),
			zap.Int("points", totals.Points),
		)
	}
	if totals, err := s.ledger.AddPoints(ctx, loser, loserDelta); err != nil {
		obslog.L().Error("settle_debit_error",
			zap.String("challenge_id", ch.ID),
			zap.String("player", loser),
			zap.Int("delta", loserDelta),
			zap.Error(err),
		)
		errs = append(errs, fmt.Errorf("debit %s: %w", loser, err))
	} else {
		obslog.L().Info("settle_debit",
			zap.String("challenge_id", ch.ID),
			zap.String("player", loser),
			zap.Int("delta", loserDelta),
			zap.Int("points", totals.Points),
		)
	}

	editOrSend(ctx, s.store, s.ann, s.texts, ch, "rivalry.finished")

	return errors.Join(errs...)
}

func isMessageNotFound(err error) bool {
	return errors.Is(err, ErrMessageNotFound)
}
