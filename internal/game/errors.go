package game

import "errors"

// Validation rejections returned to callers before any state changes.
// Concurrency rejections (bet already settled, round already crashed) are
// the benign "too late" results of a race, not failures of the engine.
var (
	ErrInvalidAmount          = errors.New("bet amount outside configured limits")
	ErrInvalidAutoCashout     = errors.New("auto cashout must be greater than 1.00")
	ErrInvalidMultiplier      = errors.New("multiplier must be at least 1.00")
	ErrNoActiveRound          = errors.New("no active round")
	ErrRoundAlreadyCrashed    = errors.New("round has already crashed")
	ErrMultiplierExceedsCrash = errors.New("multiplier exceeds crash point")
	ErrMaintenance            = errors.New("game is in maintenance mode")
)
