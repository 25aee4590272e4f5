package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/shopspring/decimal"

	"betmoto/internal/metrics"
	"betmoto/internal/middleware"
)

func (s *FiberServer) RegisterFiberRoutes() {
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH",
		AllowHeaders:     "Accept,Authorization,Content-Type",
		AllowCredentials: false, // credentials require explicit origins
		MaxAge:           300,
	}))

	s.App.Get("/health", s.healthHandler)
	s.App.Get("/metrics", metrics.Handler())

	api := s.App.Group("/api/v1")

	api.Get("/round/current", s.currentRoundHandler)
	api.Get("/round/history", s.roundHistoryHandler)
	api.Post("/bets", s.placeBetHandler)
	api.Post("/bets/cashout", s.cashoutHandler)
	api.Get("/wallet/:userId", s.getWalletHandler)
	api.Get("/wallet/:userId/transactions", s.getTransactionsHandler)

	admin := api.Group("/admin", middleware.AdminAuth())
	admin.Post("/engine/start", s.startEngineHandler)
	admin.Post("/engine/stop", s.stopEngineHandler)
	admin.Post("/rounds/force-crash", s.forceCrashHandler)
	admin.Get("/settings", s.getSettingsHandler)
	admin.Patch("/settings", s.updateSettingsHandler)
	admin.Post("/wallet/:userId", s.setWalletHandler)

	s.App.Get("/ws", websocket.New(s.gameWebSocketHandler))
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	health := fiber.Map{
		"database": s.db.Health(),
		"game": fiber.Map{
			"status":            "running",
			"connected_clients": s.hub.ClientCount(),
		},
	}
	if s.cache != nil {
		health["cache"] = s.cache.Health()
	}
	return c.JSON(health)
}

// gameWebSocketHandler streams round events to the client and accepts
// place_bet / cashout messages over the same connection.
func (s *FiberServer) gameWebSocketHandler(conn *websocket.Conn) {
	userID := conn.Query("user_id", "anonymous")

	s.log.Infow("websocket connection opened", "user_id", userID)
	s.hub.RegisterClient(conn, userID)

	if snap := s.scheduler.Snapshot(); snap != nil {
		stateJSON, _ := json.Marshal(map[string]interface{}{
			"type": "initial_state",
			"data": roundView(snap),
		})
		conn.WriteMessage(websocket.TextMessage, stateJSON)
	}

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			s.hub.UnregisterClient(conn)
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var clientMsg map[string]interface{}
		if err := json.Unmarshal(message, &clientMsg); err != nil {
			continue
		}
		msgType, ok := clientMsg["type"].(string)
		if !ok {
			continue
		}

		switch msgType {
		case "place_bet":
			amount, err := decimal.NewFromString(fmt.Sprintf("%v", clientMsg["amount"]))
			if err != nil {
				s.writeWSError(conn, "invalid amount")
				continue
			}
			var auto *decimal.Decimal
			if raw, ok := clientMsg["auto_cashout_at"]; ok && raw != nil {
				d, err := decimal.NewFromString(fmt.Sprintf("%v", raw))
				if err != nil {
					s.writeWSError(conn, "invalid auto_cashout_at")
					continue
				}
				auto = &d
			}

			bet, err := s.bets.PlaceBet(context.Background(), userID, amount, auto)
			if err != nil {
				s.writeWSError(conn, err.Error())
				continue
			}
			respJSON, _ := json.Marshal(map[string]interface{}{
				"type": "bet_accepted",
				"bet":  bet,
			})
			conn.WriteMessage(websocket.TextMessage, respJSON)

		case "cashout":
			betID := fmt.Sprintf("%v", clientMsg["bet_id"])
			multiplier, err := decimal.NewFromString(fmt.Sprintf("%v", clientMsg["multiplier"]))
			if err != nil {
				s.writeWSError(conn, "invalid multiplier")
				continue
			}

			payout, err := s.scheduler.Settlement().CashOut(context.Background(), betID, multiplier)
			if err != nil {
				s.writeWSError(conn, err.Error())
				continue
			}
			respJSON, _ := json.Marshal(map[string]interface{}{
				"type":   "cashout_accepted",
				"bet_id": betID,
				"payout": payout,
			})
			conn.WriteMessage(websocket.TextMessage, respJSON)

		case "ping":
			pongJSON, _ := json.Marshal(map[string]string{"type": "pong"})
			conn.WriteMessage(websocket.TextMessage, pongJSON)
		}
	}
}

func (s *FiberServer) writeWSError(conn *websocket.Conn, msg string) {
	errJSON, _ := json.Marshal(map[string]string{"type": "error", "error": msg})
	conn.WriteMessage(websocket.TextMessage, errJSON)
}
