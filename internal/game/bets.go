package game

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"betmoto/internal/metrics"
	"betmoto/internal/model"
	"betmoto/internal/store"
)

// BetLedger validates and accepts stakes for the round currently in its
// betting window. The wallet debit, the bet row and the ledger entry
// commit as one unit in the store; a rejection leaves no trace.
type BetLedger struct {
	store  store.Store
	rounds RoundSource
	hub    *Hub
	log    *zap.SugaredLogger
}

// NewBetLedger wires a bet ledger. hub may be nil in tests.
func NewBetLedger(st store.Store, rounds RoundSource, hub *Hub, log *zap.SugaredLogger) *BetLedger {
	return &BetLedger{store: st, rounds: rounds, hub: hub, log: log}
}

// PlaceBet places a stake for userID in the current round.
//
// Preconditions (checked here against the round snapshot and re-checked
// atomically with the wallet debit in the store): the round is in the
// betting phase, the amount is inside the configured limits, the optional
// auto-cashout threshold exceeds 1.00, and the user has no bet in this
// round yet.
func (l *BetLedger) PlaceBet(ctx context.Context, userID string, amount decimal.Decimal, autoCashoutAt *decimal.Decimal) (*model.Bet, error) {
	snap := l.rounds.Snapshot()
	if snap == nil || snap.Round.Status != model.RoundBetting {
		metrics.BetRejections.WithLabelValues("round_not_betting").Inc()
		return nil, store.ErrRoundNotAcceptingBets
	}
	if amount.LessThan(snap.MinBet) || amount.GreaterThan(snap.MaxBet) {
		metrics.BetRejections.WithLabelValues("invalid_amount").Inc()
		return nil, ErrInvalidAmount
	}
	if autoCashoutAt != nil && autoCashoutAt.LessThanOrEqual(one) {
		metrics.BetRejections.WithLabelValues("invalid_auto_cashout").Inc()
		return nil, ErrInvalidAutoCashout
	}

	bet := &model.Bet{
		ID:            uuid.New().String(),
		RoundID:       snap.Round.ID,
		UserID:        userID,
		Amount:        amount,
		AutoCashoutAt: autoCashoutAt,
		Status:        model.BetActive,
		Payout:        decimal.Zero,
		PlacedAt:      time.Now().UTC(),
	}

	if err := l.store.PlaceBet(ctx, bet); err != nil {
		metrics.BetRejections.WithLabelValues("store").Inc()
		return nil, err
	}

	metrics.BetsTotal.Inc()
	l.log.Infow("bet placed",
		"bet_id", bet.ID, "user_id", userID, "round", snap.Round.RoundNumber,
		"amount", amount, "auto_cashout_at", autoCashoutAt)

	if l.hub != nil {
		l.hub.Broadcast(map[string]interface{}{
			"type":     "bet_placed",
			"round_id": bet.RoundID,
			"user_id":  userID,
			"amount":   amount,
		})
	}
	return bet, nil
}

// UserBet returns the user's bet in the current round, if any.
func (l *BetLedger) UserBet(ctx context.Context, userID string) (*model.Bet, error) {
	snap := l.rounds.Snapshot()
	if snap == nil {
		return nil, ErrNoActiveRound
	}
	return l.store.GetUserBet(ctx, snap.Round.ID, userID)
}
