package server

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"betmoto/internal/config"
	"betmoto/internal/game"
	"betmoto/internal/model"
	"betmoto/internal/store"
)

// roundView is the public shape of the live round. The crash multiplier
// and the seed stay hidden until the round completes.
func roundView(snap *game.RoundSnapshot) fiber.Map {
	view := fiber.Map{
		"round_id":           snap.Round.ID,
		"round_number":       snap.Round.RoundNumber,
		"status":             snap.Round.Status,
		"seed_hash":          snap.Round.SeedHash,
		"betting_window_end": snap.Round.BettingWindowEnd,
		"multiplier":         snap.CurrentMultiplier(time.Now()),
		"min_bet":            snap.MinBet,
		"max_bet":            snap.MaxBet,
	}
	if !snap.Round.FlightStart.IsZero() {
		view["flight_start"] = snap.Round.FlightStart
	}
	return view
}

func errorResponse(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError

	switch {
	case errors.Is(err, game.ErrInvalidAmount),
		errors.Is(err, game.ErrInvalidAutoCashout),
		errors.Is(err, game.ErrInvalidMultiplier),
		errors.Is(err, game.ErrMultiplierExceedsCrash):
		status = fiber.StatusBadRequest

	case errors.Is(err, store.ErrInsufficientFunds):
		status = fiber.StatusPaymentRequired

	case errors.Is(err, store.ErrRoundNotFound),
		errors.Is(err, store.ErrBetNotFound),
		errors.Is(err, store.ErrWalletNotFound):
		status = fiber.StatusNotFound

	case errors.Is(err, store.ErrRoundNotAcceptingBets),
		errors.Is(err, store.ErrDuplicateBet),
		errors.Is(err, store.ErrBetNotActive),
		errors.Is(err, game.ErrNoActiveRound),
		errors.Is(err, game.ErrRoundAlreadyCrashed):
		status = fiber.StatusConflict

	case errors.Is(err, game.ErrMaintenance):
		status = fiber.StatusServiceUnavailable
	}

	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

func (s *FiberServer) currentRoundHandler(c *fiber.Ctx) error {
	snap := s.scheduler.Snapshot()
	if snap == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "no active round",
		})
	}

	view := roundView(snap)
	if userID := c.Query("user_id"); userID != "" {
		bet, err := s.store.GetUserBet(c.Context(), snap.Round.ID, userID)
		if err == nil {
			view["my_bet"] = bet
			if bet.Status == model.BetActive {
				current := snap.CurrentMultiplier(time.Now())
				view["potential_payout"] = bet.Amount.Mul(current)
			}
		}
	}
	return c.JSON(view)
}

func (s *FiberServer) roundHistoryHandler(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	if limit <= 0 || limit > 50 {
		limit = 20
	}

	// Cache first; fall back to the database when Redis is absent or cold.
	if s.cache != nil {
		if history, err := s.cache.RecentHistory(c.Context(), limit); err == nil && len(history) > 0 {
			return c.JSON(fiber.Map{"rounds": history})
		}
	}

	history, err := s.store.RecentRounds(c.Context(), limit)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"rounds": history})
}

type placeBetRequest struct {
	UserID        string           `json:"user_id"`
	Amount        decimal.Decimal  `json:"amount"`
	AutoCashoutAt *decimal.Decimal `json:"auto_cashout_at,omitempty"`
}

func (s *FiberServer) placeBetHandler(c *fiber.Ctx) error {
	var req placeBetRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if req.UserID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user_id is required",
		})
	}
	if s.settings.Snapshot().Maintenance {
		return errorResponse(c, game.ErrMaintenance)
	}

	bet, err := s.bets.PlaceBet(c.Context(), req.UserID, req.Amount, req.AutoCashoutAt)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(bet)
}

type cashoutRequest struct {
	UserID     string          `json:"user_id"`
	BetID      string          `json:"bet_id"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

func (s *FiberServer) cashoutHandler(c *fiber.Ctx) error {
	var req cashoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if req.UserID == "" || req.BetID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user_id and bet_id are required",
		})
	}

	bet, err := s.store.GetBet(c.Context(), req.BetID)
	if err != nil {
		return errorResponse(c, err)
	}
	if bet.UserID != req.UserID {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "bet belongs to another user",
		})
	}

	payout, err := s.scheduler.Settlement().CashOut(c.Context(), req.BetID, req.Multiplier)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{
		"bet_id":     req.BetID,
		"multiplier": req.Multiplier,
		"payout":     payout,
	})
}

func (s *FiberServer) getWalletHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")
	wallet, err := s.store.GetWallet(c.Context(), userID)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(wallet)
}

func (s *FiberServer) getTransactionsHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")
	limit := c.QueryInt("limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	transactions, err := s.store.Transactions(c.Context(), userID, limit)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"transactions": transactions})
}

// --- Admin surface ---

func (s *FiberServer) forceCrashHandler(c *fiber.Ctx) error {
	if err := s.scheduler.ForceCrash(); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"status": "crashed"})
}

// startEngineHandler clears maintenance mode; the scheduler starts a new
// round on its next loop iteration.
func (s *FiberServer) startEngineHandler(c *fiber.Ctx) error {
	off := false
	s.settings.Apply(config.SettingsUpdate{Maintenance: &off})
	s.log.Infow("engine started", "by", c.Locals("admin_subject"))
	return c.JSON(fiber.Map{"status": "running"})
}

// stopEngineHandler sets maintenance mode. The round in flight finishes
// normally; no new rounds start until the engine is started again.
func (s *FiberServer) stopEngineHandler(c *fiber.Ctx) error {
	on := true
	s.settings.Apply(config.SettingsUpdate{Maintenance: &on})
	s.log.Infow("engine stopped", "by", c.Locals("admin_subject"))
	return c.JSON(fiber.Map{"status": "maintenance"})
}

func (s *FiberServer) getSettingsHandler(c *fiber.Ctx) error {
	return c.JSON(s.settings.Snapshot())
}

func (s *FiberServer) updateSettingsHandler(c *fiber.Ctx) error {
	var update config.SettingsUpdate
	if err := c.BodyParser(&update); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	applied := s.settings.Apply(update)
	s.log.Infow("settings updated", "by", c.Locals("admin_subject"))
	return c.JSON(applied)
}

type setWalletRequest struct {
	Balance decimal.Decimal `json:"balance"`
}

func (s *FiberServer) setWalletHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")

	var req setWalletRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if req.Balance.IsNegative() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "balance must not be negative",
		})
	}

	if err := s.store.SetWalletBalance(c.Context(), userID, req.Balance); err != nil {
		return errorResponse(c, err)
	}

	wallet, err := s.store.GetWallet(c.Context(), userID)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(wallet)
}
