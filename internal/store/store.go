// Package store defines the persistence interface for the round engine.
// Implementations include PostgreSQL (source of truth) and in-memory
// (for testing and development).
//
// The engine's atomic units live here: bet placement commits the wallet
// debit, the bet row and the ledger entry as one unit, and settlement runs
// through a compare-and-set on the bet status so that exactly one
// settlement path can ever win.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"betmoto/internal/model"
)

// Rejection reasons surfaced to callers. Handlers translate these into
// machine-readable responses; the engine treats the concurrency ones
// (ErrBetNotActive in particular) as benign races.
var (
	ErrRoundNotFound         = errors.New("round not found")
	ErrBetNotFound           = errors.New("bet not found")
	ErrWalletNotFound        = errors.New("wallet not found")
	ErrDuplicateBet          = errors.New("bet already placed for this round")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrBetNotActive          = errors.New("bet already settled")
	ErrRoundNotAcceptingBets = errors.New("round is not accepting bets")
	ErrInvalidTransition     = errors.New("invalid round status transition")
	ErrStatisticsExist       = errors.New("round statistics already recorded")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// MemoryStore backs tests.
type Store interface {
	// --- Rounds ---

	// CreateRound persists a new round in the betting phase. The round
	// number is assigned by reading the current maximum and incrementing
	// inside the same atomic operation, so concurrent creation can never
	// produce duplicates.
	CreateRound(ctx context.Context, seed, seedHash string, bettingWindowEnd time.Time) (*model.Round, error)

	// GetRound retrieves a round by id.
	GetRound(ctx context.Context, id string) (*model.Round, error)

	// StartFlight advances betting→flying and stores the crash multiplier.
	// The crash multiplier is written exactly once; a second call fails
	// with ErrInvalidTransition.
	StartFlight(ctx context.Context, id string, crashMultiplier decimal.Decimal, flightStart time.Time) error

	// MarkCrashed advances flying→crashed.
	MarkCrashed(ctx context.Context, id string, crashedAt time.Time) error

	// MarkCompleted advances crashed→completed.
	MarkCompleted(ctx context.Context, id string) error

	// UnfinishedRounds returns rounds left in betting, flying or crashed,
	// oldest first. Used at startup to sweep up rounds a previous process
	// left behind. Rounds never persist in waiting (CreateRound starts
	// them at betting), so that status is not scanned.
	UnfinishedRounds(ctx context.Context) ([]model.Round, error)

	// RecentRounds returns the newest completed rounds, newest first.
	RecentRounds(ctx context.Context, limit int) ([]model.RoundSummary, error)

	// --- Bets ---

	// PlaceBet commits the wallet debit, the bet row and the `bet` ledger
	// entry as one atomic unit. Fails with ErrRoundNotAcceptingBets,
	// ErrDuplicateBet or ErrInsufficientFunds; on failure nothing is
	// written.
	PlaceBet(ctx context.Context, bet *model.Bet) error

	// GetBet retrieves a bet by id.
	GetBet(ctx context.Context, id string) (*model.Bet, error)

	// GetUserBet returns the user's bet in a round, or ErrBetNotFound.
	GetUserBet(ctx context.Context, roundID, userID string) (*model.Bet, error)

	// ActiveBets returns all bets in the round still in the active state.
	ActiveBets(ctx context.Context, roundID string) ([]model.Bet, error)

	// AutoCashoutDue returns active bets whose auto-cashout threshold is
	// at or below the given multiplier (boundary inclusive).
	AutoCashoutDue(ctx context.Context, roundID string, multiplier decimal.Decimal) ([]model.Bet, error)

	// SettleBet transitions a bet out of active exactly once
	// (compare-and-set: the update only applies while status is still
	// active). For winning statuses it credits the wallet and appends the
	// `win` ledger entry in the same atomic unit. A bet already settled
	// fails with ErrBetNotActive and writes nothing.
	SettleBet(ctx context.Context, betID string, status model.BetStatus, settledMultiplier decimal.Decimal, payout decimal.Decimal, settledAt time.Time) error

	// --- Wallets ---

	// GetWallet retrieves a user's wallet.
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)

	// SetWalletBalance creates or overwrites a wallet balance. Admin and
	// test surface only; gameplay mutations go through PlaceBet/SettleBet.
	SetWalletBalance(ctx context.Context, userID string, balance decimal.Decimal) error

	// Transactions returns a user's ledger entries, newest first.
	Transactions(ctx context.Context, userID string, limit int) ([]model.Transaction, error)

	// --- Statistics ---

	// InsertRoundStatistics computes the round aggregate (bet count, total
	// staked, total paid out, unique players, max stake) in one shot at
	// completion time and writes the write-once row. A second insert for
	// the same round fails with ErrStatisticsExist.
	InsertRoundStatistics(ctx context.Context, roundID string) (*model.RoundStatistics, error)
}

// BetReference derives the unique ledger reference for a bet debit.
func BetReference(betID string) string { return "BET_" + betID }

// WinReference derives the unique ledger reference for a win credit.
func WinReference(betID string) string { return "WIN_" + betID }
