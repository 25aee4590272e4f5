package game

import (
	"time"

	"github.com/shopspring/decimal"

	"betmoto/internal/model"
)

// RoundSnapshot is the immutable view of the live round the scheduler
// publishes at every phase transition. Readers (handlers, settlement,
// the monitor) take one snapshot at the start of their operation and never
// observe a torn intermediate state.
type RoundSnapshot struct {
	Round          model.Round
	FlightDuration time.Duration

	// Settings frozen at round creation. Later operator updates apply to
	// the next round only.
	MinBet        decimal.Decimal
	MaxBet        decimal.Decimal
	StrictCashout bool
}

// CurrentMultiplier evaluates the multiplier clock for this snapshot at
// the given instant.
func (s *RoundSnapshot) CurrentMultiplier(now time.Time) decimal.Decimal {
	switch s.Round.Status {
	case model.RoundFlying:
		return MultiplierAt(now.Sub(s.Round.FlightStart), s.Round.CrashMultiplier, s.FlightDuration)
	case model.RoundCrashed, model.RoundCompleted:
		return s.Round.CrashMultiplier
	default:
		return one
	}
}

// RoundSource yields the current round snapshot. Implemented by the
// Scheduler; accepted as an interface so the ledgers and the settlement
// engine stay testable without a running loop.
type RoundSource interface {
	Snapshot() *RoundSnapshot
}
