package game

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"betmoto/internal/store"
)

// AutoCashoutMonitor scans active bets once per tick and triggers
// settlement for every bet whose threshold the multiplier has crossed.
// It can run concurrently with manual cash-outs for the same bet; the
// settlement gate guarantees only one of them takes effect.
type AutoCashoutMonitor struct {
	store  store.Store
	settle *SettlementEngine
	log    *zap.SugaredLogger
}

// NewAutoCashoutMonitor wires a monitor.
func NewAutoCashoutMonitor(st store.Store, settle *SettlementEngine, log *zap.SugaredLogger) *AutoCashoutMonitor {
	return &AutoCashoutMonitor{store: st, settle: settle, log: log}
}

// Tick settles all active bets in the round whose auto-cashout threshold
// is at or below the current multiplier (boundary inclusive). Each bet
// settles at its own threshold, not at the tick's multiplier.
func (m *AutoCashoutMonitor) Tick(ctx context.Context, roundID string, currentMultiplier decimal.Decimal) {
	due, err := m.store.AutoCashoutDue(ctx, roundID, currentMultiplier)
	if err != nil {
		m.log.Errorw("auto cashout scan failed", "round_id", roundID, "error", err)
		return
	}

	for i := range due {
		bet := &due[i]
		if _, err := m.settle.settleWin(ctx, bet, *bet.AutoCashoutAt, "auto"); err != nil {
			if errors.Is(err, store.ErrBetNotActive) {
				continue // settled by a racing manual cash-out
			}
			m.log.Errorw("auto cashout failed", "bet_id", bet.ID, "error", err)
		}
	}
}
