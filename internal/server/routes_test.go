package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"betmoto/internal/config"
	"betmoto/internal/game"
	"betmoto/internal/middleware"
	"betmoto/internal/store"
)

type fakeDB struct{}

func (fakeDB) Pool() *pgxpool.Pool { return nil }
func (fakeDB) Health() map[string]string {
	return map[string]string{"status": "up", "message": "It's healthy"}
}
func (fakeDB) Close() error { return nil }

// newTestServer wires the HTTP surface over the in-memory store with no
// scheduler loop running, so there is never an active round unless a test
// creates one through the store directly.
func newTestServer(t *testing.T) (*FiberServer, *store.MemoryStore) {
	t.Helper()

	log := zap.NewNop().Sugar()
	st := store.NewMemoryStore()
	settings := config.NewSettingsStore(config.Settings{
		HouseEdgePercent: 3.0,
		BettingWindow:    10 * time.Second,
		InterRoundPause:  5 * time.Second,
		TickInterval:     100 * time.Millisecond,
		MaxFlight:        60 * time.Second,
		MinBet:           decimal.NewFromInt(1),
		MaxBet:           decimal.NewFromInt(10000),
	})
	hub := game.NewHub(log)
	scheduler := game.NewScheduler(st, settings, hub, nil, log)

	srv := &FiberServer{
		App:       fiber.New(),
		db:        fakeDB{},
		store:     st,
		settings:  settings,
		hub:       hub,
		scheduler: scheduler,
		bets:      game.NewBetLedger(st, scheduler, hub, log),
		log:       log,
	}
	srv.RegisterFiberRoutes()
	return srv, st
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body interface{}, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, path, reqBody)
	if err != nil {
		t.Fatalf("could not create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("could not perform request: %v", err)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("could not read response body: %v", err)
	}
	var result map[string]interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			t.Fatalf("could not unmarshal response %q: %v", raw, err)
		}
	}
	return resp, result
}

func TestHealthHandler(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, result := doJSON(t, srv.App, "GET", "/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status OK; got %v", resp.Status)
	}

	db, ok := result["database"].(map[string]interface{})
	if !ok || db["status"] != "up" {
		t.Fatalf("expected database up, got %v", result["database"])
	}
}

func TestCurrentRound_NoneActive(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, srv.App, "GET", "/api/v1/round/current", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", resp.Status)
	}
}

func TestPlaceBet_Validation(t *testing.T) {
	srv, _ := newTestServer(t)

	// Missing user id.
	resp, _ := doJSON(t, srv.App, "POST", "/api/v1/bets",
		map[string]interface{}{"amount": "20"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", resp.Status)
	}

	// No round accepting bets.
	resp, _ = doJSON(t, srv.App, "POST", "/api/v1/bets",
		map[string]interface{}{"user_id": "u1", "amount": "20"}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %v", resp.Status)
	}
}

func TestPlaceBet_MaintenanceMode(t *testing.T) {
	srv, _ := newTestServer(t)

	maintenance := true
	srv.settings.Apply(config.SettingsUpdate{Maintenance: &maintenance})

	resp, _ := doJSON(t, srv.App, "POST", "/api/v1/bets",
		map[string]interface{}{"user_id": "u1", "amount": "20"}, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %v", resp.Status)
	}
}

func TestCashout_Validation(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, srv.App, "POST", "/api/v1/bets/cashout",
		map[string]interface{}{"bet_id": "x"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", resp.Status)
	}

	resp, _ = doJSON(t, srv.App, "POST", "/api/v1/bets/cashout",
		map[string]interface{}{"user_id": "u1", "bet_id": "does-not-exist", "multiplier": "2.00"}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", resp.Status)
	}
}

func TestWalletEndpoints(t *testing.T) {
	srv, st := newTestServer(t)

	resp, _ := doJSON(t, srv.App, "GET", "/api/v1/wallet/u1", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown wallet: expected 404, got %v", resp.Status)
	}

	if err := st.SetWalletBalance(context.Background(), "u1", decimal.NewFromInt(100)); err != nil {
		t.Fatal(err)
	}

	resp, result := doJSON(t, srv.App, "GET", "/api/v1/wallet/u1", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %v", resp.Status)
	}
	if result["user_id"] != "u1" {
		t.Fatalf("wallet user = %v, want u1", result["user_id"])
	}

	resp, result = doJSON(t, srv.App, "GET", "/api/v1/wallet/u1/transactions", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %v", resp.Status)
	}
	if _, ok := result["transactions"]; !ok {
		t.Fatal("missing transactions field")
	}
}

func TestRoundHistory_Empty(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, srv.App, "GET", "/api/v1/round/history", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %v", resp.Status)
	}
}

func TestAdminEndpoints_RequireAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, srv.App, "POST", "/api/v1/admin/rounds/force-crash", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401, got %v", resp.Status)
	}

	resp, _ = doJSON(t, srv.App, "GET", "/api/v1/admin/settings", nil,
		map[string]string{"Authorization": "Bearer not-a-token"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %v", resp.Status)
	}
}

func TestAdminSettings_UpdateWithToken(t *testing.T) {
	srv, _ := newTestServer(t)

	token, err := middleware.NewAdminToken("ops", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	auth := map[string]string{"Authorization": "Bearer " + token}

	resp, result := doJSON(t, srv.App, "GET", "/api/v1/admin/settings", nil, auth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %v", resp.Status)
	}
	if result["house_edge_percent"] != 3.0 {
		t.Fatalf("house edge = %v, want 3", result["house_edge_percent"])
	}

	resp, result = doJSON(t, srv.App, "PATCH", "/api/v1/admin/settings",
		map[string]interface{}{"house_edge_percent": 5.0, "maintenance": true}, auth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %v", resp.Status)
	}
	if result["house_edge_percent"] != 5.0 || result["maintenance"] != true {
		t.Fatalf("settings not applied: %v", result)
	}

	// Force-crash with a valid token but no flying round conflicts.
	resp, _ = doJSON(t, srv.App, "POST", "/api/v1/admin/rounds/force-crash", nil, auth)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %v", resp.Status)
	}
}

func TestAdminEngineToggle(t *testing.T) {
	srv, _ := newTestServer(t)

	token, err := middleware.NewAdminToken("ops", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	auth := map[string]string{"Authorization": "Bearer " + token}

	resp, _ := doJSON(t, srv.App, "POST", "/api/v1/admin/engine/stop", nil, auth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %v", resp.Status)
	}
	if !srv.settings.Snapshot().Maintenance {
		t.Fatal("stop did not set maintenance mode")
	}

	resp, _ = doJSON(t, srv.App, "POST", "/api/v1/admin/engine/start", nil, auth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %v", resp.Status)
	}
	if srv.settings.Snapshot().Maintenance {
		t.Fatal("start did not clear maintenance mode")
	}
}

func TestAdminSetWallet(t *testing.T) {
	srv, _ := newTestServer(t)

	token, err := middleware.NewAdminToken("ops", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	auth := map[string]string{"Authorization": "Bearer " + token}

	resp, result := doJSON(t, srv.App, "POST", "/api/v1/admin/wallet/u9",
		map[string]interface{}{"balance": "250.00"}, auth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %v", resp.Status)
	}
	if result["user_id"] != "u9" {
		t.Fatalf("wallet user = %v, want u9", result["user_id"])
	}

	resp, _ = doJSON(t, srv.App, "POST", "/api/v1/admin/wallet/u9",
		map[string]interface{}{"balance": "-1"}, auth)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative balance: expected 400, got %v", resp.Status)
	}
}
