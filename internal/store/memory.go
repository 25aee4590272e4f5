package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"betmoto/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. A single mutex guards all state, which also gives every
// operation the same all-or-nothing behavior the PostgreSQL implementation
// gets from transactions.
type MemoryStore struct {
	mu           sync.RWMutex
	rounds       map[string]*model.Round
	bets         map[string]*model.Bet
	betByUser    map[string]string // roundID+"/"+userID → betID
	wallets      map[string]*model.Wallet
	transactions []model.Transaction
	txnRefs      map[string]bool
	stats        map[string]*model.RoundStatistics
	lastRound    int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rounds:    make(map[string]*model.Round),
		bets:      make(map[string]*model.Bet),
		betByUser: make(map[string]string),
		wallets:   make(map[string]*model.Wallet),
		txnRefs:   make(map[string]bool),
		stats:     make(map[string]*model.RoundStatistics),
	}
}

func userBetKey(roundID, userID string) string { return roundID + "/" + userID }

func (s *MemoryStore) CreateRound(_ context.Context, seed, seedHash string, bettingWindowEnd time.Time) (*model.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastRound++
	r := &model.Round{
		ID:               uuid.New().String(),
		RoundNumber:      s.lastRound,
		Status:           model.RoundBetting,
		Seed:             seed,
		SeedHash:         seedHash,
		BettingWindowEnd: bettingWindowEnd,
		CreatedAt:        time.Now().UTC(),
	}
	s.rounds[r.ID] = r

	cp := *r
	return &cp, nil
}

func (s *MemoryStore) GetRound(_ context.Context, id string) (*model.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rounds[id]
	if !ok {
		return nil, ErrRoundNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) StartFlight(_ context.Context, id string, crashMultiplier decimal.Decimal, flightStart time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rounds[id]
	if !ok {
		return ErrRoundNotFound
	}
	if r.Status != model.RoundBetting || !r.CrashMultiplier.IsZero() {
		return ErrInvalidTransition
	}
	r.Status = model.RoundFlying
	r.CrashMultiplier = crashMultiplier
	r.FlightStart = flightStart
	return nil
}

func (s *MemoryStore) MarkCrashed(_ context.Context, id string, crashedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rounds[id]
	if !ok {
		return ErrRoundNotFound
	}
	if r.Status != model.RoundFlying {
		return ErrInvalidTransition
	}
	r.Status = model.RoundCrashed
	at := crashedAt
	r.CrashedAt = &at
	return nil
}

func (s *MemoryStore) MarkCompleted(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rounds[id]
	if !ok {
		return ErrRoundNotFound
	}
	if r.Status != model.RoundCrashed {
		return ErrInvalidTransition
	}
	r.Status = model.RoundCompleted
	return nil
}

func (s *MemoryStore) UnfinishedRounds(_ context.Context) ([]model.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Round
	for _, r := range s.rounds {
		switch r.Status {
		case model.RoundBetting, model.RoundFlying, model.RoundCrashed:
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoundNumber < out[j].RoundNumber })
	return out, nil
}

func (s *MemoryStore) RecentRounds(_ context.Context, limit int) ([]model.RoundSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var completed []*model.Round
	for _, r := range s.rounds {
		if r.Status == model.RoundCompleted {
			completed = append(completed, r)
		}
	}
	sort.Slice(completed, func(i, j int) bool {
		return completed[i].RoundNumber > completed[j].RoundNumber
	})
	if limit > 0 && len(completed) > limit {
		completed = completed[:limit]
	}

	out := make([]model.RoundSummary, 0, len(completed))
	for _, r := range completed {
		out = append(out, model.RoundSummary{
			RoundNumber: r.RoundNumber,
			Multiplier:  r.CrashMultiplier,
			Seed:        r.Seed,
			SeedHash:    r.SeedHash,
			CrashedAt:   r.CrashedAt,
		})
	}
	return out, nil
}

func (s *MemoryStore) PlaceBet(_ context.Context, bet *model.Bet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rounds[bet.RoundID]
	if !ok {
		return ErrRoundNotFound
	}
	if r.Status != model.RoundBetting {
		return ErrRoundNotAcceptingBets
	}
	key := userBetKey(bet.RoundID, bet.UserID)
	if _, dup := s.betByUser[key]; dup {
		return ErrDuplicateBet
	}

	w, ok := s.wallets[bet.UserID]
	if !ok || w.Balance.LessThan(bet.Amount) {
		return ErrInsufficientFunds
	}

	ref := BetReference(bet.ID)
	if s.txnRefs[ref] {
		return ErrDuplicateBet
	}

	// Point of no return: all three writes happen under the one lock.
	w.Balance = w.Balance.Sub(bet.Amount)
	w.TotalWagered = w.TotalWagered.Add(bet.Amount)
	w.UpdatedAt = time.Now().UTC()

	cp := *bet
	s.bets[bet.ID] = &cp
	s.betByUser[key] = bet.ID

	s.txnRefs[ref] = true
	s.transactions = append(s.transactions, model.Transaction{
		ID:        uuid.New().String(),
		UserID:    bet.UserID,
		Kind:      model.TransactionBet,
		Amount:    bet.Amount,
		Reference: ref,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *MemoryStore) GetBet(_ context.Context, id string) (*model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bets[id]
	if !ok {
		return nil, ErrBetNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) GetUserBet(_ context.Context, roundID, userID string) (*model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.betByUser[userBetKey(roundID, userID)]
	if !ok {
		return nil, ErrBetNotFound
	}
	cp := *s.bets[id]
	return &cp, nil
}

func (s *MemoryStore) ActiveBets(_ context.Context, roundID string) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Bet
	for _, b := range s.bets {
		if b.RoundID == roundID && b.Status == model.BetActive {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (s *MemoryStore) AutoCashoutDue(_ context.Context, roundID string, multiplier decimal.Decimal) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Bet
	for _, b := range s.bets {
		if b.RoundID != roundID || b.Status != model.BetActive || b.AutoCashoutAt == nil {
			continue
		}
		if b.AutoCashoutAt.LessThanOrEqual(multiplier) {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (s *MemoryStore) SettleBet(_ context.Context, betID string, status model.BetStatus, settledMultiplier decimal.Decimal, payout decimal.Decimal, settledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bets[betID]
	if !ok {
		return ErrBetNotFound
	}
	// The status gate. Whoever reaches this first wins; everyone else is
	// told the bet is no longer active.
	if b.Status != model.BetActive {
		return ErrBetNotActive
	}

	if payout.IsPositive() {
		ref := WinReference(betID)
		if s.txnRefs[ref] {
			return ErrBetNotActive
		}

		w, ok := s.wallets[b.UserID]
		if !ok {
			return ErrWalletNotFound
		}
		w.Balance = w.Balance.Add(payout)
		w.TotalWon = w.TotalWon.Add(payout)
		w.UpdatedAt = time.Now().UTC()

		s.txnRefs[ref] = true
		s.transactions = append(s.transactions, model.Transaction{
			ID:        uuid.New().String(),
			UserID:    b.UserID,
			Kind:      model.TransactionWin,
			Amount:    payout,
			Reference: ref,
			CreatedAt: time.Now().UTC(),
		})
	}

	b.Status = status
	if status != model.BetLost {
		m := settledMultiplier
		b.SettledMultiplier = &m
	}
	b.Payout = payout
	at := settledAt
	b.SettledAt = &at
	return nil
}

func (s *MemoryStore) GetWallet(_ context.Context, userID string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) SetWalletBalance(_ context.Context, userID string, balance decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[userID]
	if !ok {
		w = &model.Wallet{UserID: userID}
		s.wallets[userID] = w
	}
	w.Balance = balance
	w.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Transactions(_ context.Context, userID string, limit int) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Transaction
	for i := len(s.transactions) - 1; i >= 0; i-- {
		if s.transactions[i].UserID != userID {
			continue
		}
		out = append(out, s.transactions[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) InsertRoundStatistics(_ context.Context, roundID string) (*model.RoundStatistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rounds[roundID]
	if !ok {
		return nil, ErrRoundNotFound
	}
	if _, exists := s.stats[roundID]; exists {
		return nil, ErrStatisticsExist
	}

	stats := &model.RoundStatistics{
		RoundID:      roundID,
		RoundNumber:  r.RoundNumber,
		TotalStaked:  decimal.Zero,
		TotalPaidOut: decimal.Zero,
		MaxStake:     decimal.Zero,
		CreatedAt:    time.Now().UTC(),
	}
	players := make(map[string]bool)
	for _, b := range s.bets {
		if b.RoundID != roundID {
			continue
		}
		stats.TotalBets++
		stats.TotalStaked = stats.TotalStaked.Add(b.Amount)
		stats.TotalPaidOut = stats.TotalPaidOut.Add(b.Payout)
		players[b.UserID] = true
		if b.Amount.GreaterThan(stats.MaxStake) {
			stats.MaxStake = b.Amount
		}
	}
	stats.UniquePlayers = len(players)

	s.stats[roundID] = stats
	cp := *stats
	return &cp, nil
}
