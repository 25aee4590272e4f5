package game

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"betmoto/internal/metrics"
	"betmoto/internal/model"
	"betmoto/internal/store"
)

// SettlementEngine finalizes bets exactly once. Manual cash-outs, the
// auto-cashout monitor and the crash sweep all funnel into the store's
// compare-and-set status gate; whichever path reaches a bet first wins and
// every other path observes ErrBetNotActive.
type SettlementEngine struct {
	store  store.Store
	rounds RoundSource
	hub    *Hub
	log    *zap.SugaredLogger
}

// NewSettlementEngine wires a settlement engine. hub may be nil in tests.
func NewSettlementEngine(st store.Store, rounds RoundSource, hub *Hub, log *zap.SugaredLogger) *SettlementEngine {
	return &SettlementEngine{store: st, rounds: rounds, hub: hub, log: log}
}

// SettlementSummary aggregates one round's crash sweep.
type SettlementSummary struct {
	RoundID   string          `json:"round_id"`
	Won       int             `json:"won"`
	Lost      int             `json:"lost"`
	TotalPaid decimal.Decimal `json:"total_paid"`
}

// CashOut settles a bet at a client-observed multiplier while the round is
// still flying.
//
// The requested multiplier may not exceed the round's crash point; a value
// above it indicates a stale client or an exploit attempt. A bet that
// already left the active state (a racing crash sweep, auto cash-out or a
// duplicate request) yields ErrBetNotActive with no further side effects.
func (e *SettlementEngine) CashOut(ctx context.Context, betID string, requested decimal.Decimal) (decimal.Decimal, error) {
	if requested.LessThan(one) {
		return decimal.Zero, ErrInvalidMultiplier
	}

	snap := e.rounds.Snapshot()
	if snap == nil {
		return decimal.Zero, ErrNoActiveRound
	}

	bet, err := e.store.GetBet(ctx, betID)
	if err != nil {
		return decimal.Zero, err
	}
	if bet.Status != model.BetActive {
		return decimal.Zero, store.ErrBetNotActive
	}
	if bet.RoundID != snap.Round.ID {
		// Bet belongs to an earlier round that has since crashed.
		return decimal.Zero, ErrRoundAlreadyCrashed
	}

	switch snap.Round.Status {
	case model.RoundFlying:
	case model.RoundCrashed, model.RoundCompleted:
		return decimal.Zero, ErrRoundAlreadyCrashed
	default:
		return decimal.Zero, ErrNoActiveRound
	}

	if requested.GreaterThan(snap.Round.CrashMultiplier) {
		return decimal.Zero, ErrMultiplierExceedsCrash
	}
	if snap.StrictCashout {
		// Policy switch: never pay more than the multiplier that has
		// physically elapsed, regardless of what the client claims.
		if current := snap.CurrentMultiplier(time.Now()); requested.GreaterThan(current) {
			requested = current
		}
	}

	payout := bet.Amount.Mul(requested)
	err = e.store.SettleBet(ctx, betID, model.BetCashedOut, requested, payout, time.Now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrBetNotActive) {
			// Lost the race against another settlement path; benign.
			return decimal.Zero, err
		}
		metrics.SettlementErrors.Inc()
		return decimal.Zero, err
	}

	metrics.SettlementsTotal.WithLabelValues("manual", string(model.BetCashedOut)).Inc()
	e.log.Infow("bet cashed out",
		"bet_id", betID, "user_id", bet.UserID, "round", snap.Round.RoundNumber,
		"multiplier", requested, "payout", payout)

	if e.hub != nil {
		e.hub.Broadcast(map[string]interface{}{
			"type":       "cashout",
			"round_id":   bet.RoundID,
			"user_id":    bet.UserID,
			"multiplier": requested,
			"payout":     payout,
		})
	}
	return payout, nil
}

// settleWin resolves a bet as a win at the given multiplier via the same
// status gate as manual cash-outs. A lost race returns store.ErrBetNotActive.
func (e *SettlementEngine) settleWin(ctx context.Context, bet *model.Bet, multiplier decimal.Decimal, path string) (decimal.Decimal, error) {
	payout := bet.Amount.Mul(multiplier)
	err := e.store.SettleBet(ctx, bet.ID, model.BetWon, multiplier, payout, time.Now().UTC())
	if err != nil {
		if !errors.Is(err, store.ErrBetNotActive) {
			metrics.SettlementErrors.Inc()
		}
		return decimal.Zero, err
	}

	metrics.SettlementsTotal.WithLabelValues(path, string(model.BetWon)).Inc()
	e.log.Infow("bet won",
		"bet_id", bet.ID, "user_id", bet.UserID, "path", path,
		"multiplier", multiplier, "payout", payout)
	return payout, nil
}

// SettleRemaining resolves every bet still active when the round crashes:
// bets whose auto-cashout threshold is at or below the crash multiplier
// win at their threshold, everything else loses its stake. Invoked once
// per round by the scheduler; bets a racing manual cash-out already moved
// out of active are skipped.
func (e *SettlementEngine) SettleRemaining(ctx context.Context, roundID string, crashMultiplier decimal.Decimal) (SettlementSummary, error) {
	summary := SettlementSummary{RoundID: roundID, TotalPaid: decimal.Zero}

	bets, err := e.store.ActiveBets(ctx, roundID)
	if err != nil {
		return summary, err
	}

	for i := range bets {
		bet := &bets[i]

		if bet.AutoCashoutAt != nil && bet.AutoCashoutAt.LessThanOrEqual(crashMultiplier) {
			payout, err := e.settleWin(ctx, bet, *bet.AutoCashoutAt, "sweep")
			if err != nil {
				if errors.Is(err, store.ErrBetNotActive) {
					continue
				}
				e.log.Errorw("sweep settlement failed", "bet_id", bet.ID, "error", err)
				continue
			}
			summary.Won++
			summary.TotalPaid = summary.TotalPaid.Add(payout)
			continue
		}

		err := e.store.SettleBet(ctx, bet.ID, model.BetLost, crashMultiplier, decimal.Zero, time.Now().UTC())
		if err != nil {
			if errors.Is(err, store.ErrBetNotActive) {
				continue
			}
			metrics.SettlementErrors.Inc()
			e.log.Errorw("sweep settlement failed", "bet_id", bet.ID, "error", err)
			continue
		}
		metrics.SettlementsTotal.WithLabelValues("sweep", string(model.BetLost)).Inc()
		summary.Lost++
	}

	return summary, nil
}
