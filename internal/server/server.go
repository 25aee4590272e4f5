package server

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"betmoto/internal/cache"
	"betmoto/internal/config"
	"betmoto/internal/database"
	"betmoto/internal/game"
	"betmoto/internal/metrics"
	"betmoto/internal/store"
)

type FiberServer struct {
	*fiber.App

	db        database.Service
	cache     cache.Service
	store     store.Store
	settings  *config.SettingsStore
	hub       *game.Hub
	scheduler *game.Scheduler
	bets      *game.BetLedger
	log       *zap.SugaredLogger
}

func New(log *zap.SugaredLogger) *FiberServer {
	db := database.New()
	st := store.NewPostgresStore(db.Pool())

	// Redis is optional; without it the engine still runs, clients just
	// lose the cached live-state and history fast paths.
	redisService := cache.New()
	var publisher game.RoundStatePublisher
	if redisService != nil {
		publisher = redisService
	}

	settings := config.NewSettingsStore(config.DefaultSettings())
	hub := game.NewHub(log)
	scheduler := game.NewScheduler(st, settings, hub, publisher, log)
	bets := game.NewBetLedger(st, scheduler, hub, log)

	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:  "betmoto",
			AppName:       "betmoto",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   120 * time.Second,
			StrictRouting: false,
		}),

		db:        db,
		cache:     redisService,
		store:     st,
		settings:  settings,
		hub:       hub,
		scheduler: scheduler,
		bets:      bets,
		log:       log,
	}

	server.App.Use(recover.New())
	server.App.Use(metrics.Middleware())
	server.App.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
	}))

	go hub.Run()
	scheduler.Start(context.Background())

	log.Info("round scheduler started")

	return server
}

// Shutdown stops the round loop, then closes connections. A round caught
// mid-flight is swept by the next process's recovery pass.
func (s *FiberServer) Shutdown() error {
	s.log.Info("shutting down")

	if s.scheduler != nil {
		s.scheduler.Stop()
	}

	if s.cache != nil {
		s.cache.Close()
	}
	if s.db != nil {
		s.db.Close()
	}

	return nil
}
