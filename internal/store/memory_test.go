package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"betmoto/internal/model"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newRound(t *testing.T, st *MemoryStore) *model.Round {
	t.Helper()
	r, err := st.CreateRound(context.Background(), "seed", "seedhash", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func newBet(roundID, userID, amount string) *model.Bet {
	return &model.Bet{
		ID:       uuid.New().String(),
		RoundID:  roundID,
		UserID:   userID,
		Amount:   dec(amount),
		Status:   model.BetActive,
		Payout:   decimal.Zero,
		PlacedAt: time.Now().UTC(),
	}
}

func TestCreateRound_NumbersIncrement(t *testing.T) {
	st := NewMemoryStore()

	r1 := newRound(t, st)
	r2 := newRound(t, st)
	if r2.RoundNumber != r1.RoundNumber+1 {
		t.Fatalf("round numbers %d, %d: want consecutive", r1.RoundNumber, r2.RoundNumber)
	}
	if r1.Status != model.RoundBetting {
		t.Fatalf("new round status = %s, want betting", r1.Status)
	}
}

func TestRoundTransitions(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	r := newRound(t, st)

	if err := st.MarkCrashed(ctx, r.ID, time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("betting→crashed: err = %v, want ErrInvalidTransition", err)
	}

	if err := st.StartFlight(ctx, r.ID, dec("2.50"), time.Now()); err != nil {
		t.Fatal(err)
	}
	// The crash multiplier is written exactly once.
	if err := st.StartFlight(ctx, r.ID, dec("9.99"), time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second StartFlight: err = %v, want ErrInvalidTransition", err)
	}
	got, _ := st.GetRound(ctx, r.ID)
	if !got.CrashMultiplier.Equal(dec("2.50")) {
		t.Fatalf("crash multiplier changed to %s", got.CrashMultiplier)
	}

	if err := st.MarkCrashed(ctx, r.ID, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := st.MarkCompleted(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	if err := st.MarkCompleted(ctx, r.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("completed is terminal: err = %v, want ErrInvalidTransition", err)
	}
}

func TestPlaceBet_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	r := newRound(t, st)
	st.SetWalletBalance(ctx, "u1", dec("10"))

	err := st.PlaceBet(ctx, newBet(r.ID, "u1", "20"))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}

	w, _ := st.GetWallet(ctx, "u1")
	if !w.Balance.Equal(dec("10")) {
		t.Fatalf("balance = %s, want untouched 10", w.Balance)
	}
	if _, err := st.GetUserBet(ctx, r.ID, "u1"); !errors.Is(err, ErrBetNotFound) {
		t.Fatal("a rejected bet must not be recorded")
	}
	if txns, _ := st.Transactions(ctx, "u1", 10); len(txns) != 0 {
		t.Fatalf("rejected bet wrote %d ledger entries", len(txns))
	}
}

func TestPlaceBet_DebitsAndRecords(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	r := newRound(t, st)
	st.SetWalletBalance(ctx, "u1", dec("100"))

	bet := newBet(r.ID, "u1", "20")
	if err := st.PlaceBet(ctx, bet); err != nil {
		t.Fatal(err)
	}

	w, _ := st.GetWallet(ctx, "u1")
	if !w.Balance.Equal(dec("80")) || !w.TotalWagered.Equal(dec("20")) {
		t.Fatalf("wallet balance=%s wagered=%s, want 80/20", w.Balance, w.TotalWagered)
	}

	txns, _ := st.Transactions(ctx, "u1", 10)
	if len(txns) != 1 || txns[0].Reference != BetReference(bet.ID) {
		t.Fatalf("expected one bet ledger entry with reference %s, got %v", BetReference(bet.ID), txns)
	}

	// Same user, same round: rejected.
	if err := st.PlaceBet(ctx, newBet(r.ID, "u1", "5")); !errors.Is(err, ErrDuplicateBet) {
		t.Fatalf("err = %v, want ErrDuplicateBet", err)
	}

	// Closed round: rejected.
	st.StartFlight(ctx, r.ID, dec("2.00"), time.Now())
	if err := st.PlaceBet(ctx, newBet(r.ID, "u2", "5")); !errors.Is(err, ErrRoundNotAcceptingBets) {
		t.Fatalf("err = %v, want ErrRoundNotAcceptingBets", err)
	}
}

func TestSettleBet_StatusGate(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	r := newRound(t, st)
	st.SetWalletBalance(ctx, "u1", dec("100"))

	bet := newBet(r.ID, "u1", "20")
	if err := st.PlaceBet(ctx, bet); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	if err := st.SettleBet(ctx, bet.ID, model.BetCashedOut, dec("2.00"), dec("40"), now); err != nil {
		t.Fatal(err)
	}

	// Second settlement of any kind bounces off the gate.
	if err := st.SettleBet(ctx, bet.ID, model.BetLost, dec("2.00"), decimal.Zero, now); !errors.Is(err, ErrBetNotActive) {
		t.Fatalf("err = %v, want ErrBetNotActive", err)
	}

	w, _ := st.GetWallet(ctx, "u1")
	if !w.Balance.Equal(dec("120")) || !w.TotalWon.Equal(dec("40")) {
		t.Fatalf("wallet balance=%s won=%s, want 120/40", w.Balance, w.TotalWon)
	}

	if err := st.SettleBet(ctx, uuid.New().String(), model.BetLost, dec("1.00"), decimal.Zero, now); !errors.Is(err, ErrBetNotFound) {
		t.Fatalf("err = %v, want ErrBetNotFound", err)
	}
}

func TestSettleBet_LostPaysNothing(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	r := newRound(t, st)
	st.SetWalletBalance(ctx, "u1", dec("100"))

	bet := newBet(r.ID, "u1", "20")
	st.PlaceBet(ctx, bet)

	if err := st.SettleBet(ctx, bet.ID, model.BetLost, dec("2.00"), decimal.Zero, time.Now()); err != nil {
		t.Fatal(err)
	}

	got, _ := st.GetBet(ctx, bet.ID)
	if got.Status != model.BetLost || got.SettledMultiplier != nil {
		t.Fatalf("lost bet: status %s, settled multiplier %v", got.Status, got.SettledMultiplier)
	}
	w, _ := st.GetWallet(ctx, "u1")
	if !w.Balance.Equal(dec("80")) {
		t.Fatalf("balance = %s, want 80", w.Balance)
	}
	// Only the bet debit in the ledger, no win entry.
	txns, _ := st.Transactions(ctx, "u1", 10)
	if len(txns) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(txns))
	}
}

func TestAutoCashoutDue(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	r := newRound(t, st)
	st.SetWalletBalance(ctx, "u1", dec("100"))
	st.SetWalletBalance(ctx, "u2", dec("100"))
	st.SetWalletBalance(ctx, "u3", dec("100"))

	below := newBet(r.ID, "u1", "10")
	at := dec("2.00")
	below.AutoCashoutAt = &at

	above := newBet(r.ID, "u2", "10")
	high := dec("3.00")
	above.AutoCashoutAt = &high

	none := newBet(r.ID, "u3", "10")

	for _, b := range []*model.Bet{below, above, none} {
		if err := st.PlaceBet(ctx, b); err != nil {
			t.Fatal(err)
		}
	}

	due, err := st.AutoCashoutDue(ctx, r.ID, dec("2.00"))
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != below.ID {
		t.Fatalf("due = %v, want only the 2.00 threshold bet at exactly 2.00", due)
	}
}

func TestRecentRounds_NewestFirstCompletedOnly(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	finish := func(r *model.Round, crash string) {
		st.StartFlight(ctx, r.ID, dec(crash), time.Now())
		st.MarkCrashed(ctx, r.ID, time.Now())
		st.MarkCompleted(ctx, r.ID)
	}

	r1 := newRound(t, st)
	finish(r1, "1.50")
	r2 := newRound(t, st)
	finish(r2, "4.20")
	newRound(t, st) // still betting, excluded

	got, err := st.RecentRounds(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].RoundNumber != r2.RoundNumber || !got[0].Multiplier.Equal(dec("4.20")) {
		t.Fatalf("newest first violated: %+v", got[0])
	}
}

func TestInsertRoundStatistics(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	r := newRound(t, st)
	st.SetWalletBalance(ctx, "u1", dec("100"))
	st.SetWalletBalance(ctx, "u2", dec("100"))

	st.PlaceBet(ctx, newBet(r.ID, "u1", "20"))
	b2 := newBet(r.ID, "u2", "50")
	st.PlaceBet(ctx, b2)
	st.SettleBet(ctx, b2.ID, model.BetCashedOut, dec("2.00"), dec("100"), time.Now())

	stats, err := st.InsertRoundStatistics(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalBets != 2 || stats.UniquePlayers != 2 {
		t.Fatalf("bets=%d players=%d, want 2/2", stats.TotalBets, stats.UniquePlayers)
	}
	if !stats.TotalStaked.Equal(dec("70")) || !stats.TotalPaidOut.Equal(dec("100")) {
		t.Fatalf("staked=%s paid=%s, want 70/100", stats.TotalStaked, stats.TotalPaidOut)
	}
	if !stats.MaxStake.Equal(dec("50")) {
		t.Fatalf("max stake = %s, want 50", stats.MaxStake)
	}

	// The row is write-once; a repeat insert must not overwrite it.
	if _, err := st.InsertRoundStatistics(ctx, r.ID); !errors.Is(err, ErrStatisticsExist) {
		t.Fatalf("second insert: err = %v, want ErrStatisticsExist", err)
	}
}

func TestUnfinishedRounds_SkipsWaiting(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	r := newRound(t, st)

	// Inject a round stuck in the unused waiting status; the recovery
	// sweep has no transition for it and must not pick it up.
	st.rounds["waiting-round"] = &model.Round{
		ID:          "waiting-round",
		RoundNumber: 99,
		Status:      model.RoundWaiting,
	}

	got, err := st.UnfinishedRounds(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != r.ID {
		t.Fatalf("unfinished = %+v, want only the betting round", got)
	}
}
