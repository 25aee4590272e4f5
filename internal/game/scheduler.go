package game

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"betmoto/internal/config"
	"betmoto/internal/metrics"
	"betmoto/internal/model"
	"betmoto/internal/store"
)

// RoundStatePublisher mirrors live round state into a shared cache so that
// read replicas and reconnecting clients can catch up without hitting the
// database. Publish failures are logged, never fatal.
type RoundStatePublisher interface {
	SetLiveRound(ctx context.Context, state map[string]interface{}) error
	AppendHistory(ctx context.Context, summary model.RoundSummary) error
}

// Scheduler drives the perpetual round loop: betting window, flight,
// crash, settlement sweep, statistics, pause, next round. It is the only
// writer of round phase transitions; everything else reads through the
// atomically published snapshot.
type Scheduler struct {
	store     store.Store
	settings  *config.SettingsStore
	settle    *SettlementEngine
	monitor   *AutoCashoutMonitor
	hub       *Hub
	publisher RoundStatePublisher
	log       *zap.SugaredLogger

	current    atomic.Pointer[RoundSnapshot]
	forceCrash chan forceCrashRequest
	stop       chan struct{}
	done       chan struct{}
}

// forceCrashRequest carries the round the admin saw when issuing the
// command. The fly loop only honors it for the round it is flying, so a
// request that races a natural crash can never spill into the next round.
type forceCrashRequest struct {
	roundID string
	ack     chan struct{}
}

// NewScheduler wires the round loop. hub and publisher may be nil; settle
// and monitor are wired to this scheduler's snapshot by the caller.
func NewScheduler(st store.Store, settings *config.SettingsStore, hub *Hub, publisher RoundStatePublisher, log *zap.SugaredLogger) *Scheduler {
	s := &Scheduler{
		store:      st,
		settings:   settings,
		hub:        hub,
		publisher:  publisher,
		log:        log,
		forceCrash: make(chan forceCrashRequest, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.settle = NewSettlementEngine(st, s, hub, log)
	s.monitor = NewAutoCashoutMonitor(st, s.settle, log)
	return s
}

// Snapshot returns the current round snapshot, or nil between rounds.
func (s *Scheduler) Snapshot() *RoundSnapshot {
	return s.current.Load()
}

// Settlement exposes the settlement engine bound to this scheduler's
// snapshot, for the HTTP cash-out surface.
func (s *Scheduler) Settlement() *SettlementEngine { return s.settle }

// Start recovers rounds a previous process abandoned, then runs the round
// loop until Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.recoverUnfinished(ctx)
	go s.run(ctx)
}

// Stop halts the loop after the current phase step and waits for it to
// exit. The round in progress is left for the next process's recovery
// sweep if it has not completed.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

// ForceCrash ends the current flight at the multiplier reached so far.
// Returns ErrNoActiveRound when no round is flying. Blocks until the loop
// has acknowledged the request; if the targeted round crashes naturally in
// the meantime the request is acknowledged as a no-op.
func (s *Scheduler) ForceCrash() error {
	snap := s.current.Load()
	if snap == nil || snap.Round.Status != model.RoundFlying {
		return ErrNoActiveRound
	}
	req := forceCrashRequest{roundID: snap.Round.ID, ack: make(chan struct{})}
	select {
	case s.forceCrash <- req:
	default:
		return errors.New("force crash already pending")
	}
	select {
	case <-req.ack:
		return nil
	case <-time.After(5 * time.Second):
		return errors.New("force crash not acknowledged")
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		settings := s.settings.Snapshot()
		if settings.Maintenance {
			s.current.Store(nil)
			if !s.sleep(settings.InterRoundPause) {
				return
			}
			continue
		}

		if !s.runRound(ctx, settings) {
			return
		}

		if !s.sleep(settings.InterRoundPause) {
			return
		}
	}
}

// runRound executes one full round. Returns false when the loop should
// exit.
func (s *Scheduler) runRound(ctx context.Context, settings config.Settings) bool {
	seed := NewSeed()
	round, err := s.createRoundWithRetry(ctx, seed, settings.BettingWindow)
	if err != nil {
		s.log.Errorw("round creation failed, backing off", "error", err)
		return s.sleep(settings.InterRoundPause)
	}

	snap := &RoundSnapshot{
		Round:         *round,
		MinBet:        settings.MinBet,
		MaxBet:        settings.MaxBet,
		StrictCashout: settings.StrictCashout,
	}
	s.current.Store(snap)
	s.log.Infow("betting open",
		"round", round.RoundNumber, "round_id", round.ID,
		"seed_hash", round.SeedHash, "window_end", round.BettingWindowEnd)
	s.announce(map[string]interface{}{
		"type":               "betting_open",
		"round_id":           round.ID,
		"round_number":       round.RoundNumber,
		"seed_hash":          round.SeedHash,
		"betting_window_end": round.BettingWindowEnd,
	})
	s.publishLive(ctx, snap, one)

	if !s.sleepUntil(round.BettingWindowEnd) {
		return false
	}

	// The crash point is drawn exactly once, at flight start. It is never
	// regenerated or reread for the rest of the round.
	cp := GenerateCrashPoint(seed, settings.HouseEdgePercent, settings.MaxFlight)
	flightStart := time.Now().UTC()
	if err := s.store.StartFlight(ctx, round.ID, cp.Multiplier, flightStart); err != nil {
		s.log.Errorw("start flight failed", "round_id", round.ID, "error", err)
		s.current.Store(nil)
		return s.sleep(settings.InterRoundPause)
	}
	round.Status = model.RoundFlying
	round.CrashMultiplier = cp.Multiplier
	round.FlightStart = flightStart

	snap = &RoundSnapshot{
		Round:          *round,
		FlightDuration: cp.FlightDuration,
		MinBet:         settings.MinBet,
		MaxBet:         settings.MaxBet,
		StrictCashout:  settings.StrictCashout,
	}
	s.current.Store(snap)
	s.log.Infow("flight started",
		"round", round.RoundNumber, "crash_multiplier", cp.Multiplier,
		"flight_duration", cp.FlightDuration)
	s.announce(map[string]interface{}{
		"type":         "flight_start",
		"round_id":     round.ID,
		"round_number": round.RoundNumber,
	})

	outcome, crashedAt, sweepMultiplier := s.fly(ctx, snap, settings.TickInterval)
	if outcome == "" {
		return false // stopping mid-flight; recovery sweep picks it up
	}

	if err := s.store.MarkCrashed(ctx, round.ID, crashedAt); err != nil {
		s.log.Errorw("mark crashed failed", "round_id", round.ID, "error", err)
	}
	round.Status = model.RoundCrashed
	round.CrashedAt = &crashedAt
	snap = &RoundSnapshot{
		Round:          *round,
		FlightDuration: cp.FlightDuration,
		MinBet:         settings.MinBet,
		MaxBet:         settings.MaxBet,
		StrictCashout:  settings.StrictCashout,
	}
	s.current.Store(snap)

	metrics.RoundsTotal.WithLabelValues(outcome).Inc()
	metrics.CrashMultiplier.Observe(cp.Multiplier.InexactFloat64())
	s.log.Infow("round crashed",
		"round", round.RoundNumber, "outcome", outcome,
		"crash_multiplier", cp.Multiplier, "swept_at", sweepMultiplier)
	s.announce(map[string]interface{}{
		"type":         "crash",
		"round_id":     round.ID,
		"round_number": round.RoundNumber,
		"multiplier":   sweepMultiplier,
	})

	summary, err := s.settle.SettleRemaining(ctx, round.ID, sweepMultiplier)
	if err != nil {
		s.log.Errorw("settlement sweep failed", "round_id", round.ID, "error", err)
	}

	stats, err := s.store.InsertRoundStatistics(ctx, round.ID)
	if err != nil {
		s.log.Errorw("round statistics failed", "round_id", round.ID, "error", err)
	}

	if err := s.store.MarkCompleted(ctx, round.ID); err != nil {
		s.log.Errorw("mark completed failed", "round_id", round.ID, "error", err)
	}
	round.Status = model.RoundCompleted
	s.current.Store(nil)

	// The seed is revealed only now, so clients can verify it against the
	// hash committed when betting opened.
	complete := map[string]interface{}{
		"type":             "round_complete",
		"round_id":         round.ID,
		"round_number":     round.RoundNumber,
		"crash_multiplier": cp.Multiplier,
		"seed":             seed,
		"seed_hash":        round.SeedHash,
		"won":              summary.Won,
		"lost":             summary.Lost,
		"total_paid":       summary.TotalPaid,
	}
	if stats != nil {
		complete["total_bets"] = stats.TotalBets
		complete["total_staked"] = stats.TotalStaked
	}
	s.announce(complete)

	if s.publisher != nil {
		hist := model.RoundSummary{
			RoundNumber: round.RoundNumber,
			Multiplier:  cp.Multiplier,
			Seed:        seed,
			SeedHash:    round.SeedHash,
			CrashedAt:   &crashedAt,
		}
		if err := s.publisher.AppendHistory(ctx, hist); err != nil {
			s.log.Warnw("history publish failed", "round_id", round.ID, "error", err)
		}
	}
	return true
}

// fly runs the tick loop until the flight duration elapses or a forced
// crash arrives. Returns the outcome label, the crash instant and the
// multiplier the settlement sweep should use. An empty outcome means the
// scheduler is stopping.
func (s *Scheduler) fly(ctx context.Context, snap *RoundSnapshot, tickInterval time.Duration) (string, time.Time, decimal.Decimal) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	// A request can land between the natural-crash tick and the crashed
	// snapshot being published. Acknowledge it on the way out so the caller
	// never blocks and the next round never sees it.
	defer func() {
		select {
		case req := <-s.forceCrash:
			close(req.ack)
		default:
		}
	}()

	for {
		select {
		case <-s.stop:
			return "", time.Time{}, decimal.Zero
		case <-ctx.Done():
			return "", time.Time{}, decimal.Zero

		case req := <-s.forceCrash:
			if req.roundID != snap.Round.ID {
				// Stale request for a round that already ended.
				close(req.ack)
				continue
			}
			now := time.Now().UTC()
			current := snap.CurrentMultiplier(now)
			close(req.ack)
			return "forced", now, current

		case <-ticker.C:
			now := time.Now().UTC()
			elapsed := now.Sub(snap.Round.FlightStart)
			if elapsed >= snap.FlightDuration {
				return "crashed", now, snap.Round.CrashMultiplier
			}

			current := MultiplierAt(elapsed, snap.Round.CrashMultiplier, snap.FlightDuration)
			s.announce(map[string]interface{}{
				"type":       "tick",
				"round_id":   snap.Round.ID,
				"multiplier": current,
			})
			s.publishLive(ctx, snap, current)
			s.monitor.Tick(ctx, snap.Round.ID, current)
		}
	}
}

func (s *Scheduler) createRoundWithRetry(ctx context.Context, seed string, bettingWindow time.Duration) (*model.Round, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 && !s.sleep(time.Duration(attempt)*time.Second) {
			return nil, lastErr
		}
		round, err := s.store.CreateRound(ctx, seed, SeedHash(seed), time.Now().UTC().Add(bettingWindow))
		if err == nil {
			return round, nil
		}
		lastErr = err
		s.log.Warnw("create round attempt failed", "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

// recoverUnfinished sweeps rounds a previous process left in a
// non-terminal phase: every still-active bet is refunded at 1.00 and the
// round is walked forward to completed.
func (s *Scheduler) recoverUnfinished(ctx context.Context) {
	rounds, err := s.store.UnfinishedRounds(ctx)
	if err != nil {
		s.log.Errorw("unfinished round scan failed", "error", err)
		return
	}

	for i := range rounds {
		round := &rounds[i]
		s.log.Warnw("recovering abandoned round",
			"round", round.RoundNumber, "round_id", round.ID, "status", round.Status)

		bets, err := s.store.ActiveBets(ctx, round.ID)
		if err != nil {
			s.log.Errorw("recovery bet scan failed", "round_id", round.ID, "error", err)
			continue
		}
		for j := range bets {
			bet := &bets[j]
			// Refund: settle at 1.00 so the payout credit equals the stake.
			err := s.store.SettleBet(ctx, bet.ID, model.BetCashedOut, one, bet.Amount, time.Now().UTC())
			if err != nil && !errors.Is(err, store.ErrBetNotActive) {
				s.log.Errorw("recovery refund failed", "bet_id", bet.ID, "error", err)
			}
		}

		now := time.Now().UTC()
		if round.Status == model.RoundBetting {
			if err := s.store.StartFlight(ctx, round.ID, one, now); err != nil {
				s.log.Errorw("recovery transition failed", "round_id", round.ID, "error", err)
				continue
			}
			round.Status = model.RoundFlying
		}
		if round.Status == model.RoundFlying {
			if err := s.store.MarkCrashed(ctx, round.ID, now); err != nil {
				s.log.Errorw("recovery transition failed", "round_id", round.ID, "error", err)
				continue
			}
			round.Status = model.RoundCrashed
		}
		if round.Status == model.RoundCrashed {
			if err := s.store.MarkCompleted(ctx, round.ID); err != nil {
				s.log.Errorw("recovery transition failed", "round_id", round.ID, "error", err)
			}
		}
	}
}

func (s *Scheduler) announce(message map[string]interface{}) {
	if s.hub != nil {
		s.hub.Broadcast(message)
	}
}

func (s *Scheduler) publishLive(ctx context.Context, snap *RoundSnapshot, multiplier decimal.Decimal) {
	if s.publisher == nil {
		return
	}
	state := map[string]interface{}{
		"round_id":     snap.Round.ID,
		"round_number": snap.Round.RoundNumber,
		"status":       snap.Round.Status,
		"multiplier":   multiplier,
		"seed_hash":    snap.Round.SeedHash,
	}
	if err := s.publisher.SetLiveRound(ctx, state); err != nil {
		s.log.Warnw("live state publish failed", "error", err)
	}
}

// sleep waits d, returning false if the scheduler is stopping.
func (s *Scheduler) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.stop:
		return false
	case <-timer.C:
		return true
	}
}

func (s *Scheduler) sleepUntil(t time.Time) bool {
	d := time.Until(t)
	if d <= 0 {
		return true
	}
	return s.sleep(d)
}
