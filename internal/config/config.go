// Package config carries process configuration (environment) and the
// runtime game settings the scheduler snapshots once per round.
package config

import (
	"os"
	"strconv"
	"sync"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/shopspring/decimal"
)

// Settings are the operator-tunable game parameters. The scheduler takes a
// copy at round creation, so updates take effect starting with the next
// round, never the one in flight.
type Settings struct {
	HouseEdgePercent float64         `json:"house_edge_percent"`
	BettingWindow    time.Duration   `json:"betting_window"`
	InterRoundPause  time.Duration   `json:"inter_round_pause"`
	TickInterval     time.Duration   `json:"tick_interval"`
	MaxFlight        time.Duration   `json:"max_flight"`
	MinBet           decimal.Decimal `json:"min_bet"`
	MaxBet           decimal.Decimal `json:"max_bet"`
	Maintenance      bool            `json:"maintenance"`

	// StrictCashout caps a client-supplied cash-out multiplier at the
	// server-recomputed elapsed-time multiplier instead of trusting any
	// value up to the crash point. Off unless operators opt in.
	StrictCashout bool `json:"strict_cashout"`
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		HouseEdgePercent: getEnvAsFloat("GAME_HOUSE_EDGE_PERCENT", 3.0),
		BettingWindow:    getEnvAsDuration("GAME_BETTING_WINDOW", 10*time.Second),
		InterRoundPause:  getEnvAsDuration("GAME_INTER_ROUND_PAUSE", 5*time.Second),
		TickInterval:     getEnvAsDuration("GAME_TICK_INTERVAL", 100*time.Millisecond),
		MaxFlight:        getEnvAsDuration("GAME_MAX_FLIGHT", 60*time.Second),
		MinBet:           decimal.RequireFromString(getEnv("GAME_MIN_BET", "1.00")),
		MaxBet:           decimal.RequireFromString(getEnv("GAME_MAX_BET", "10000.00")),
	}
}

// SettingsUpdate is a partial settings change. Nil fields are untouched.
type SettingsUpdate struct {
	HouseEdgePercent *float64         `json:"house_edge_percent,omitempty"`
	BettingWindowSec *int             `json:"betting_window_seconds,omitempty"`
	InterRoundSec    *int             `json:"inter_round_pause_seconds,omitempty"`
	MinBet           *decimal.Decimal `json:"min_bet,omitempty"`
	MaxBet           *decimal.Decimal `json:"max_bet,omitempty"`
	Maintenance      *bool            `json:"maintenance,omitempty"`
	StrictCashout    *bool            `json:"strict_cashout,omitempty"`
}

// SettingsStore hands out consistent snapshots of the runtime settings and
// applies operator updates. One writer (the admin surface), many readers.
type SettingsStore struct {
	mu       sync.RWMutex
	settings Settings
}

// NewSettingsStore seeds the store with the given settings.
func NewSettingsStore(s Settings) *SettingsStore {
	return &SettingsStore{settings: s}
}

// Snapshot returns a copy of the current settings.
func (s *SettingsStore) Snapshot() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Apply merges a partial update and returns the resulting settings.
func (s *SettingsStore) Apply(u SettingsUpdate) Settings {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.HouseEdgePercent != nil {
		s.settings.HouseEdgePercent = *u.HouseEdgePercent
	}
	if u.BettingWindowSec != nil {
		s.settings.BettingWindow = time.Duration(*u.BettingWindowSec) * time.Second
	}
	if u.InterRoundSec != nil {
		s.settings.InterRoundPause = time.Duration(*u.InterRoundSec) * time.Second
	}
	if u.MinBet != nil {
		s.settings.MinBet = *u.MinBet
	}
	if u.MaxBet != nil {
		s.settings.MaxBet = *u.MaxBet
	}
	if u.Maintenance != nil {
		s.settings.Maintenance = *u.Maintenance
	}
	if u.StrictCashout != nil {
		s.settings.StrictCashout = *u.StrictCashout
	}
	return s.settings
}

// --- Environment helpers ---

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
