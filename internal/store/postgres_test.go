package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"betmoto/internal/database"
	"betmoto/internal/model"
)

// startPostgres boots a disposable PostgreSQL container with the schema
// applied and returns a connected pool. Skips when Docker is unavailable.
func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("SKIP_INTEGRATION") != "" {
		t.Skip("SKIP_INTEGRATION set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := postgres.Run(
		ctx,
		"postgres:latest",
		postgres.WithDatabase("betmoto_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("could not start postgres container: %v", err)
	}
	t.Cleanup(func() { container.Terminate(context.Background()) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}

	db, err := sql.Open("pgx", connStr)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if err := database.RunMigrations(db, "../../migrations"); err != nil {
		t.Fatalf("migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestParseNumeric(t *testing.T) {
	d, err := parseNumeric("amount", "12.34")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Equal(dec("12.34")) {
		t.Fatalf("parsed %s, want 12.34", d)
	}

	// A malformed column value surfaces as an error, never as zero money.
	if _, err := parseNumeric("amount", "not-a-number"); err == nil {
		t.Fatal("malformed value parsed without error")
	}
}

func TestPostgresStore_BetLifecycle(t *testing.T) {
	pool := startPostgres(t)
	st := NewPostgresStore(pool)
	ctx := context.Background()

	if err := st.SetWalletBalance(ctx, "u1", dec("100")); err != nil {
		t.Fatal(err)
	}

	round, err := st.CreateRound(ctx, "pg-seed", "pg-seed-hash", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if round.RoundNumber != 1 {
		t.Fatalf("first round number = %d, want 1", round.RoundNumber)
	}

	bet := newBet(round.ID, "u1", "20")
	if err := st.PlaceBet(ctx, bet); err != nil {
		t.Fatal(err)
	}
	if err := st.PlaceBet(ctx, newBet(round.ID, "u1", "5")); !errors.Is(err, ErrDuplicateBet) {
		t.Fatalf("duplicate: err = %v, want ErrDuplicateBet", err)
	}
	if err := st.PlaceBet(ctx, newBet(round.ID, "u2", "5")); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("no wallet: err = %v, want ErrInsufficientFunds", err)
	}

	if err := st.StartFlight(ctx, round.ID, dec("2.50"), time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := st.StartFlight(ctx, round.ID, dec("9.99"), time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second StartFlight: err = %v, want ErrInvalidTransition", err)
	}

	if err := st.SettleBet(ctx, bet.ID, model.BetCashedOut, dec("2.00"), dec("40"), time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := st.SettleBet(ctx, bet.ID, model.BetLost, dec("2.50"), decimal.Zero, time.Now()); !errors.Is(err, ErrBetNotActive) {
		t.Fatalf("second settle: err = %v, want ErrBetNotActive", err)
	}

	w, err := st.GetWallet(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !w.Balance.Equal(dec("120")) {
		t.Fatalf("balance = %s, want 120", w.Balance)
	}

	if err := st.MarkCrashed(ctx, round.ID, time.Now()); err != nil {
		t.Fatal(err)
	}
	stats, err := st.InsertRoundStatistics(ctx, round.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalBets != 1 || !stats.TotalStaked.Equal(dec("20")) || !stats.TotalPaidOut.Equal(dec("40")) {
		t.Fatalf("stats = %+v", stats)
	}
	if _, err := st.InsertRoundStatistics(ctx, round.ID); !errors.Is(err, ErrStatisticsExist) {
		t.Fatalf("second stats insert: err = %v, want ErrStatisticsExist", err)
	}
	if err := st.MarkCompleted(ctx, round.ID); err != nil {
		t.Fatal(err)
	}

	recent, err := st.RecentRounds(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 || !recent[0].Multiplier.Equal(dec("2.50")) || recent[0].Seed != "pg-seed" {
		t.Fatalf("recent = %+v", recent)
	}
}

func TestPostgresStore_ConcurrentSettlement(t *testing.T) {
	pool := startPostgres(t)
	st := NewPostgresStore(pool)
	ctx := context.Background()

	if err := st.SetWalletBalance(ctx, "u1", dec("100")); err != nil {
		t.Fatal(err)
	}
	round, err := st.CreateRound(ctx, "race-seed", "race-seed-hash", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	bet := newBet(round.ID, "u1", "20")
	if err := st.PlaceBet(ctx, bet); err != nil {
		t.Fatal(err)
	}
	if err := st.StartFlight(ctx, round.ID, dec("3.00"), time.Now()); err != nil {
		t.Fatal(err)
	}

	const attempts = 10
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- st.SettleBet(ctx, bet.ID, model.BetCashedOut, dec("2.00"), dec("40"), time.Now())
		}()
	}
	wg.Wait()
	close(results)

	var wins int
	for err := range results {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrBetNotActive) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}

	w, err := st.GetWallet(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !w.Balance.Equal(dec("120")) {
		t.Fatalf("balance = %s, want 120 (credited exactly once)", w.Balance)
	}
}
