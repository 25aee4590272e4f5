package game

import (
	"time"

	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// MultiplierAt maps elapsed flight time to the displayed multiplier.
//
// Returns target once elapsed reaches flightDuration; before that the value
// climbs linearly from 1.00 toward target. Pure function of its inputs, so
// the tick loop, cash-out handlers and tests can all evaluate it
// concurrently without divergence. Values are truncated to two decimals,
// which keeps the output monotonic and never above target.
func MultiplierAt(elapsed time.Duration, target decimal.Decimal, flightDuration time.Duration) decimal.Decimal {
	if flightDuration <= 0 || elapsed >= flightDuration {
		return target
	}
	if elapsed <= 0 {
		return one
	}

	progress := decimal.NewFromFloat(float64(elapsed) / float64(flightDuration))
	return one.Add(target.Sub(one).Mul(progress)).RoundDown(2)
}
