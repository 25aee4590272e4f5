package game

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	mrand "math/rand"
	"time"

	"github.com/shopspring/decimal"
)

// Multiplier bounds. A round can never crash below MinMultiplier.
const (
	MinMultiplier = 1.00
	MaxMultiplier = 100.00
)

// CrashPoint is the predetermined outcome of one round: the multiplier the
// flight ends at and how long the climb takes to get there.
type CrashPoint struct {
	Multiplier     decimal.Decimal
	FlightDuration time.Duration
}

// GenerateCrashPoint derives a round's crash multiplier and flight duration
// from the round seed and the configured house edge.
//
// The generator is seeded deterministically from the seed string, so the
// full draw sequence can be replayed for audit. The unit interval is split
// into four bands whose boundaries shift upward with the house edge,
// pushing probability mass toward low multipliers; a second draw
// interpolates within the selected band.
//
// Pure function: call it exactly once per round, before the flying phase is
// observable, and store the result on the round.
func GenerateCrashPoint(seed string, houseEdgePercent float64, maxFlight time.Duration) CrashPoint {
	rng := mrand.New(mrand.NewSource(seedToInt64(seed)))
	edge := houseEdgePercent / 100.0

	var multiplier float64
	switch r := rng.Float64(); {
	case r < 0.50+edge:
		multiplier = 1.0 + rng.Float64()*1.5 // 1.00x – 2.50x
	case r < 0.80+edge/2:
		multiplier = 2.5 + rng.Float64()*5.0 // 2.50x – 7.50x
	case r < 0.95+edge/4:
		multiplier = 7.5 + rng.Float64()*15.0 // 7.50x – 22.50x
	default:
		multiplier = 22.5 + rng.Float64()*77.5 // 22.50x – 100.00x
	}

	m := decimal.NewFromFloat(multiplier).RoundDown(2)
	if m.LessThan(decimal.NewFromFloat(MinMultiplier)) {
		m = decimal.NewFromFloat(MinMultiplier)
	}

	return CrashPoint{
		Multiplier:     m,
		FlightDuration: flightDuration(multiplier, maxFlight),
	}
}

// flightDuration maps the crash multiplier to how long the flight lasts.
// Continuous and strictly increasing in the multiplier (a bigger crash
// always flies longer), with the climb rate flattening band by band, then
// clamped so no round can stall past maxFlight.
func flightDuration(multiplier float64, maxFlight time.Duration) time.Duration {
	var seconds float64
	switch {
	case multiplier <= 2.5:
		seconds = multiplier * 0.8
	case multiplier <= 7.5:
		seconds = 2.0 + (multiplier-2.5)*0.6
	case multiplier <= 22.5:
		seconds = 5.0 + (multiplier-7.5)*0.4
	default:
		seconds = 11.0 + (multiplier-22.5)*0.3
	}

	d := time.Duration(seconds * float64(time.Second))
	if d < time.Second {
		d = time.Second
	}
	if maxFlight > 0 && d > maxFlight {
		d = maxFlight
	}
	return d
}

func seedToInt64(seed string) int64 {
	sum := sha256.Sum256([]byte(seed))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// NewSeed creates a cryptographically random round seed.
func NewSeed() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// SeedHash returns the SHA-256 commitment of a seed, stored on the round
// and revealed to players for after-the-fact verification.
func SeedHash(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}
