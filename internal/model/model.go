// Package model defines the core domain types shared across the round engine.
// All monetary values and multipliers use shopspring/decimal — never float64
// for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RoundStatus is the phase of a round. Transitions only move forward:
// waiting → betting → flying → crashed → completed.
type RoundStatus string

const (
	RoundWaiting   RoundStatus = "waiting"
	RoundBetting   RoundStatus = "betting"
	RoundFlying    RoundStatus = "flying"
	RoundCrashed   RoundStatus = "crashed"
	RoundCompleted RoundStatus = "completed"
)

// BetStatus is the lifecycle state of a bet. A bet leaves "active" exactly
// once; the terminal states are won, lost and cashed_out.
type BetStatus string

const (
	BetActive    BetStatus = "active"
	BetWon       BetStatus = "won"
	BetLost      BetStatus = "lost"
	BetCashedOut BetStatus = "cashed_out"
)

// TransactionKind partitions ledger entries.
type TransactionKind string

const (
	TransactionBet TransactionKind = "bet"
	TransactionWin TransactionKind = "win"
)

// Round is one betting/flight/crash cycle. CrashMultiplier is set exactly
// once, before the flying phase becomes observable, and never changes.
type Round struct {
	ID               string          `json:"id" db:"id"`
	RoundNumber      int64           `json:"round_number" db:"round_number"`
	Status           RoundStatus     `json:"status" db:"status"`
	Seed             string          `json:"-" db:"seed"` // revealed only after completion
	SeedHash         string          `json:"seed_hash" db:"seed_hash"`
	CrashMultiplier  decimal.Decimal `json:"-" db:"crash_multiplier"` // hidden until crash
	BettingWindowEnd time.Time       `json:"betting_window_end" db:"betting_window_end"`
	FlightStart      time.Time       `json:"flight_start,omitempty" db:"flight_start"`
	CrashedAt        *time.Time      `json:"crashed_at,omitempty" db:"crashed_at"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// Bet is one player's stake in one round. At most one bet per (user, round).
type Bet struct {
	ID                string           `json:"id" db:"id"`
	RoundID           string           `json:"round_id" db:"round_id"`
	UserID            string           `json:"user_id" db:"user_id"`
	Amount            decimal.Decimal  `json:"amount" db:"amount"`
	AutoCashoutAt     *decimal.Decimal `json:"auto_cashout_at,omitempty" db:"auto_cashout_at"`
	Status            BetStatus        `json:"status" db:"status"`
	SettledMultiplier *decimal.Decimal `json:"settled_multiplier,omitempty" db:"settled_multiplier"`
	Payout            decimal.Decimal  `json:"payout" db:"payout"`
	PlacedAt          time.Time        `json:"placed_at" db:"placed_at"`
	SettledAt         *time.Time       `json:"settled_at,omitempty" db:"settled_at"`
}

// Wallet is one balance record per user. Balance is never observably
// negative; every change pairs with exactly one Transaction.
type Wallet struct {
	UserID       string          `json:"user_id" db:"user_id"`
	Balance      decimal.Decimal `json:"balance" db:"balance"`
	TotalWagered decimal.Decimal `json:"total_wagered" db:"total_wagered"`
	TotalWon     decimal.Decimal `json:"total_won" db:"total_won"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Transaction is an immutable ledger entry. Reference is unique, derived
// from bet id + kind, so a settlement can never be recorded twice.
type Transaction struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Kind      TransactionKind `json:"kind" db:"kind"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Reference string          `json:"reference" db:"reference"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// RoundStatistics is the write-once aggregate row recorded when a round
// completes.
type RoundStatistics struct {
	RoundID       string          `json:"round_id" db:"round_id"`
	RoundNumber   int64           `json:"round_number" db:"round_number"`
	TotalBets     int             `json:"total_bets" db:"total_bets"`
	TotalStaked   decimal.Decimal `json:"total_staked" db:"total_staked"`
	TotalPaidOut  decimal.Decimal `json:"total_paid_out" db:"total_paid_out"`
	UniquePlayers int             `json:"unique_players" db:"unique_players"`
	MaxStake      decimal.Decimal `json:"max_stake" db:"max_stake"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// RoundSummary is the public shape of a completed round for history feeds.
// The seed is revealed here so clients can verify it against the hash
// committed when betting opened.
type RoundSummary struct {
	RoundNumber int64           `json:"round_number"`
	Multiplier  decimal.Decimal `json:"multiplier"`
	Seed        string          `json:"seed"`
	SeedHash    string          `json:"seed_hash"`
	CrashedAt   *time.Time      `json:"crashed_at,omitempty"`
}
