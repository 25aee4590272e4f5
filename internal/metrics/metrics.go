// Package metrics provides Prometheus instrumentation for the round engine.
package metrics

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RoundsTotal counts rounds, partitioned by how they ended.
	RoundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "betmoto_rounds_total",
		Help: "Total number of rounds run",
	}, []string{"outcome"}) // "crashed" or "forced"

	// CrashMultiplier observes the distribution of crash points.
	CrashMultiplier = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "betmoto_crash_multiplier",
		Help:    "Crash multiplier per round",
		Buckets: []float64{1, 1.5, 2, 3, 5, 7.5, 10, 22.5, 50, 100},
	})

	// BetsTotal counts accepted bets.
	BetsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "betmoto_bets_total",
		Help: "Total number of bets placed",
	})

	// BetRejections counts rejected bet placements by reason.
	BetRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "betmoto_bet_rejections_total",
		Help: "Bet placements rejected, by reason",
	}, []string{"reason"})

	// SettlementsTotal counts bet settlements by path and outcome.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "betmoto_settlements_total",
		Help: "Bet settlements, by path (manual, auto, sweep) and outcome",
	}, []string{"path", "outcome"})

	// SettlementErrors counts settlement attempts that failed on a
	// resource error (not benign races).
	SettlementErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "betmoto_settlement_errors_total",
		Help: "Settlement attempts failed on resource errors",
	})

	// WebSocketClients tracks connected websocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "betmoto_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "betmoto_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "route", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "betmoto_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "route"})
)

// Handler returns the Prometheus scrape endpoint as a fiber handler.
func Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}

// Middleware records request counts and latencies per route pattern.
func Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		// Use the route pattern for the label to avoid high cardinality.
		route := c.Route().Path
		status := c.Response().StatusCode()
		if err != nil {
			if e, ok := err.(*fiber.Error); ok {
				status = e.Code
			}
		}

		HTTPRequestsTotal.WithLabelValues(c.Method(), route, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(c.Method(), route).Observe(time.Since(start).Seconds())
		return err
	}
}
