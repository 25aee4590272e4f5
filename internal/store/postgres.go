package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"betmoto/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Concurrent settlement safety comes from conditional UPDATEs
// (status = 'active' guards) plus row-level locking inside transactions,
// so racing manual cash-outs, the auto-cashout monitor and the crash sweep
// resolve to exactly one winner per bet.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// parseNumeric converts a NUMERIC::TEXT column into a decimal. A value the
// database hands back that does not parse is a scan anomaly and must
// surface as an error, never read as zero money.
func parseNumeric(field, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %s %q: %w", field, value, err)
	}
	return d, nil
}

func (s *PostgresStore) CreateRound(ctx context.Context, seed, seedHash string, bettingWindowEnd time.Time) (*model.Round, error) {
	r := &model.Round{
		ID:               uuid.New().String(),
		Status:           model.RoundBetting,
		Seed:             seed,
		SeedHash:         seedHash,
		BettingWindowEnd: bettingWindowEnd,
		CreatedAt:        time.Now().UTC(),
	}

	// Round number assignment happens inside the INSERT itself so two
	// concurrent creations can never read the same maximum.
	err := s.pool.QueryRow(ctx,
		`INSERT INTO rounds (id, round_number, status, seed, seed_hash, betting_window_end, created_at)
		 VALUES ($1, (SELECT COALESCE(MAX(round_number), 0) + 1 FROM rounds), $2, $3, $4, $5, $6)
		 RETURNING round_number`,
		r.ID, r.Status, r.Seed, r.SeedHash, r.BettingWindowEnd, r.CreatedAt,
	).Scan(&r.RoundNumber)
	if err != nil {
		return nil, fmt.Errorf("create round: %w", err)
	}
	return r, nil
}

func scanRound(row pgx.Row) (*model.Round, error) {
	var r model.Round
	var crash *string
	var flightStart *time.Time

	err := row.Scan(&r.ID, &r.RoundNumber, &r.Status, &r.Seed, &r.SeedHash,
		&crash, &r.BettingWindowEnd, &flightStart, &r.CrashedAt, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRoundNotFound
		}
		return nil, err
	}
	if crash != nil {
		if r.CrashMultiplier, err = parseNumeric("crash_multiplier", *crash); err != nil {
			return nil, err
		}
	}
	if flightStart != nil {
		r.FlightStart = *flightStart
	}
	return &r, nil
}

const roundColumns = `id, round_number, status, seed, seed_hash,
	crash_multiplier::TEXT, betting_window_end, flight_start, crashed_at, created_at`

func (s *PostgresStore) GetRound(ctx context.Context, id string) (*model.Round, error) {
	return scanRound(s.pool.QueryRow(ctx,
		`SELECT `+roundColumns+` FROM rounds WHERE id = $1`, id))
}

func (s *PostgresStore) StartFlight(ctx context.Context, id string, crashMultiplier decimal.Decimal, flightStart time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE rounds
		 SET status = 'flying', crash_multiplier = $2::NUMERIC, flight_start = $3
		 WHERE id = $1 AND status = 'betting' AND crash_multiplier IS NULL`,
		id, crashMultiplier.String(), flightStart)
	if err != nil {
		return fmt.Errorf("start flight %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *PostgresStore) MarkCrashed(ctx context.Context, id string, crashedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE rounds SET status = 'crashed', crashed_at = $2
		 WHERE id = $1 AND status = 'flying'`, id, crashedAt)
	if err != nil {
		return fmt.Errorf("mark crashed %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE rounds SET status = 'completed'
		 WHERE id = $1 AND status = 'crashed'`, id)
	if err != nil {
		return fmt.Errorf("mark completed %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *PostgresStore) UnfinishedRounds(ctx context.Context) ([]model.Round, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+roundColumns+` FROM rounds
		 WHERE status IN ('betting', 'flying', 'crashed')
		 ORDER BY round_number`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecentRounds(ctx context.Context, limit int) ([]model.RoundSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT round_number, crash_multiplier::TEXT, seed, seed_hash, crashed_at
		 FROM rounds WHERE status = 'completed'
		 ORDER BY round_number DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RoundSummary
	for rows.Next() {
		var rs model.RoundSummary
		var mult *string
		if err := rows.Scan(&rs.RoundNumber, &mult, &rs.Seed, &rs.SeedHash, &rs.CrashedAt); err != nil {
			return nil, err
		}
		if mult != nil {
			if rs.Multiplier, err = parseNumeric("crash_multiplier", *mult); err != nil {
				return nil, err
			}
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PlaceBet(ctx context.Context, bet *model.Bet) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Re-check the phase inside the transaction. The scheduler's phase
	// update and this insert serialize on the round row.
	var status model.RoundStatus
	err = tx.QueryRow(ctx,
		`SELECT status FROM rounds WHERE id = $1 FOR SHARE`, bet.RoundID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRoundNotFound
		}
		return err
	}
	if status != model.RoundBetting {
		return ErrRoundNotAcceptingBets
	}

	// Debit only when the balance covers the stake; the WHERE guard keeps
	// the balance from ever committing negative.
	tag, err := tx.Exec(ctx,
		`UPDATE wallets
		 SET balance = balance - $2::NUMERIC,
		     total_wagered = total_wagered + $2::NUMERIC,
		     updated_at = NOW()
		 WHERE user_id = $1 AND balance >= $2::NUMERIC`,
		bet.UserID, bet.Amount.String())
	if err != nil {
		return fmt.Errorf("debit wallet %s: %w", bet.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientFunds
	}

	var auto *string
	if bet.AutoCashoutAt != nil {
		v := bet.AutoCashoutAt.String()
		auto = &v
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO bets (id, round_id, user_id, amount, auto_cashout_at, status, payout, placed_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, 0, $7)`,
		bet.ID, bet.RoundID, bet.UserID, bet.Amount.String(), auto, bet.Status, bet.PlacedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateBet
		}
		return fmt.Errorf("insert bet: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, kind, amount, reference, created_at)
		 VALUES ($1, $2, 'bet', $3::NUMERIC, $4, NOW())`,
		uuid.New().String(), bet.UserID, bet.Amount.String(), BetReference(bet.ID))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateBet
		}
		return fmt.Errorf("insert bet transaction: %w", err)
	}

	return tx.Commit(ctx)
}

func scanBet(row pgx.Row) (*model.Bet, error) {
	var b model.Bet
	var amount, payout string
	var auto, settled *string

	err := row.Scan(&b.ID, &b.RoundID, &b.UserID, &amount, &auto,
		&b.Status, &settled, &payout, &b.PlacedAt, &b.SettledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBetNotFound
		}
		return nil, err
	}
	if b.Amount, err = parseNumeric("amount", amount); err != nil {
		return nil, err
	}
	if b.Payout, err = parseNumeric("payout", payout); err != nil {
		return nil, err
	}
	if auto != nil {
		d, err := parseNumeric("auto_cashout_at", *auto)
		if err != nil {
			return nil, err
		}
		b.AutoCashoutAt = &d
	}
	if settled != nil {
		d, err := parseNumeric("settled_multiplier", *settled)
		if err != nil {
			return nil, err
		}
		b.SettledMultiplier = &d
	}
	return &b, nil
}

const betColumns = `id, round_id, user_id, amount::TEXT, auto_cashout_at::TEXT,
	status, settled_multiplier::TEXT, payout::TEXT, placed_at, settled_at`

func (s *PostgresStore) GetBet(ctx context.Context, id string) (*model.Bet, error) {
	return scanBet(s.pool.QueryRow(ctx,
		`SELECT `+betColumns+` FROM bets WHERE id = $1`, id))
}

func (s *PostgresStore) GetUserBet(ctx context.Context, roundID, userID string) (*model.Bet, error) {
	return scanBet(s.pool.QueryRow(ctx,
		`SELECT `+betColumns+` FROM bets WHERE round_id = $1 AND user_id = $2`, roundID, userID))
}

func (s *PostgresStore) queryBets(ctx context.Context, query string, args ...any) ([]model.Bet, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ActiveBets(ctx context.Context, roundID string) ([]model.Bet, error) {
	return s.queryBets(ctx,
		`SELECT `+betColumns+` FROM bets WHERE round_id = $1 AND status = 'active'`, roundID)
}

func (s *PostgresStore) AutoCashoutDue(ctx context.Context, roundID string, multiplier decimal.Decimal) ([]model.Bet, error) {
	return s.queryBets(ctx,
		`SELECT `+betColumns+` FROM bets
		 WHERE round_id = $1 AND status = 'active'
		   AND auto_cashout_at IS NOT NULL AND auto_cashout_at <= $2::NUMERIC`,
		roundID, multiplier.String())
}

func (s *PostgresStore) SettleBet(ctx context.Context, betID string, status model.BetStatus, settledMultiplier decimal.Decimal, payout decimal.Decimal, settledAt time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var settled *string
	if status != model.BetLost {
		v := settledMultiplier.String()
		settled = &v
	}

	// Compare-and-set on the status column. Only the first settlement
	// attempt sees an active row; everyone else affects zero rows.
	var userID string
	err = tx.QueryRow(ctx,
		`UPDATE bets
		 SET status = $2, settled_multiplier = $3::NUMERIC, payout = $4::NUMERIC, settled_at = $5
		 WHERE id = $1 AND status = 'active'
		 RETURNING user_id`,
		betID, status, settled, payout.String(), settledAt).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Either the bet does not exist or it already left active.
			var exists bool
			if checkErr := s.pool.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM bets WHERE id = $1)`, betID).Scan(&exists); checkErr == nil && !exists {
				return ErrBetNotFound
			}
			return ErrBetNotActive
		}
		return fmt.Errorf("settle bet %s: %w", betID, err)
	}

	if payout.IsPositive() {
		_, err = tx.Exec(ctx,
			`UPDATE wallets
			 SET balance = balance + $2::NUMERIC,
			     total_won = total_won + $2::NUMERIC,
			     updated_at = NOW()
			 WHERE user_id = $1`, userID, payout.String())
		if err != nil {
			return fmt.Errorf("credit wallet %s: %w", userID, err)
		}

		// The unique reference is defense in depth behind the status gate:
		// even if settlement were somehow invoked twice, the second ledger
		// insert cannot commit.
		_, err = tx.Exec(ctx,
			`INSERT INTO transactions (id, user_id, kind, amount, reference, created_at)
			 VALUES ($1, $2, 'win', $3::NUMERIC, $4, NOW())`,
			uuid.New().String(), userID, payout.String(), WinReference(betID))
		if err != nil {
			if isUniqueViolation(err) {
				return ErrBetNotActive
			}
			return fmt.Errorf("insert win transaction: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	var w model.Wallet
	var balance, wagered, won string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, balance::TEXT, total_wagered::TEXT, total_won::TEXT, updated_at
		 FROM wallets WHERE user_id = $1`, userID).
		Scan(&w.UserID, &balance, &wagered, &won, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("get wallet %s: %w", userID, err)
	}
	if w.Balance, err = parseNumeric("balance", balance); err != nil {
		return nil, err
	}
	if w.TotalWagered, err = parseNumeric("total_wagered", wagered); err != nil {
		return nil, err
	}
	if w.TotalWon, err = parseNumeric("total_won", won); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *PostgresStore) SetWalletBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO wallets (user_id, balance, total_wagered, total_won, updated_at)
		 VALUES ($1, $2::NUMERIC, 0, 0, NOW())
		 ON CONFLICT (user_id) DO UPDATE SET balance = EXCLUDED.balance, updated_at = NOW()`,
		userID, balance.String())
	if err != nil {
		return fmt.Errorf("set wallet balance %s: %w", userID, err)
	}
	return nil
}

func (s *PostgresStore) Transactions(ctx context.Context, userID string, limit int) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, kind, amount::TEXT, reference, created_at
		 FROM transactions WHERE user_id = $1
		 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var amount string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Kind, &amount, &t.Reference, &t.CreatedAt); err != nil {
			return nil, err
		}
		if t.Amount, err = parseNumeric("amount", amount); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertRoundStatistics(ctx context.Context, roundID string) (*model.RoundStatistics, error) {
	// One aggregate query at completion time. No incremental per-bet
	// updates, so concurrent settlement can never lose an increment.
	var stats model.RoundStatistics
	var staked, paid, maxStake string

	err := s.pool.QueryRow(ctx,
		`INSERT INTO round_statistics
		   (round_id, round_number, total_bets, total_staked, total_paid_out, unique_players, max_stake, created_at)
		 SELECT r.id, r.round_number,
		        COUNT(b.id),
		        COALESCE(SUM(b.amount), 0),
		        COALESCE(SUM(b.payout), 0),
		        COUNT(DISTINCT b.user_id),
		        COALESCE(MAX(b.amount), 0),
		        NOW()
		 FROM rounds r
		 LEFT JOIN bets b ON b.round_id = r.id
		 WHERE r.id = $1
		 GROUP BY r.id, r.round_number
		 RETURNING round_id, round_number, total_bets, total_staked::TEXT,
		           total_paid_out::TEXT, unique_players, max_stake::TEXT, created_at`,
		roundID).
		Scan(&stats.RoundID, &stats.RoundNumber, &stats.TotalBets, &staked,
			&paid, &stats.UniquePlayers, &maxStake, &stats.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRoundNotFound
		}
		if isUniqueViolation(err) {
			return nil, ErrStatisticsExist
		}
		return nil, fmt.Errorf("insert round statistics %s: %w", roundID, err)
	}
	if stats.TotalStaked, err = parseNumeric("total_staked", staked); err != nil {
		return nil, err
	}
	if stats.TotalPaidOut, err = parseNumeric("total_paid_out", paid); err != nil {
		return nil, err
	}
	if stats.MaxStake, err = parseNumeric("max_stake", maxStake); err != nil {
		return nil, err
	}
	return &stats, nil
}
