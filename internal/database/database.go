// Package database owns the PostgreSQL connection pool and schema
// migrations.
package database

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/joho/godotenv/autoload"
)

type Service interface {
	// Pool exposes the underlying pgx pool for the store layer.
	Pool() *pgxpool.Pool

	// Health reports connectivity and pool statistics.
	Health() map[string]string

	Close() error
}

type service struct {
	pool *pgxpool.Pool
}

var (
	database   = getEnv("BETMOTO_DB_DATABASE", "betmoto")
	password   = getEnv("BETMOTO_DB_PASSWORD", "postgres")
	username   = getEnv("BETMOTO_DB_USERNAME", "postgres")
	port       = getEnv("BETMOTO_DB_PORT", "5432")
	host       = getEnv("BETMOTO_DB_HOST", "localhost")
	schema     = getEnv("BETMOTO_DB_SCHEMA", "public")
	dbInstance *service
)

// ConnString builds the connection string from the environment.
func ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable&search_path=%s",
		username, password, host, port, database, schema)
}

// New connects to PostgreSQL, reusing the existing pool on repeated calls.
func New() Service {
	if dbInstance != nil {
		return dbInstance
	}

	cfg, err := pgxpool.ParseConfig(ConnString())
	if err != nil {
		log.Fatalf("invalid database config: %v", err)
	}
	cfg.MaxConns = int32(getEnvAsInt("BETMOTO_DB_MAX_CONNS", 20))
	cfg.MinConns = int32(getEnvAsInt("BETMOTO_DB_MIN_CONNS", 2))
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}

	dbInstance = &service{pool: pool}
	return dbInstance
}

func (s *service) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	if err := s.pool.Ping(ctx); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("db down: %v", err)
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "It's healthy"

	poolStats := s.pool.Stat()
	stats["total_conns"] = strconv.FormatInt(int64(poolStats.TotalConns()), 10)
	stats["idle_conns"] = strconv.FormatInt(int64(poolStats.IdleConns()), 10)
	stats["acquired_conns"] = strconv.FormatInt(int64(poolStats.AcquiredConns()), 10)
	stats["acquire_count"] = strconv.FormatInt(poolStats.AcquireCount(), 10)
	stats["empty_acquire_count"] = strconv.FormatInt(poolStats.EmptyAcquireCount(), 10)
	stats["canceled_acquire_count"] = strconv.FormatInt(poolStats.CanceledAcquireCount(), 10)

	return stats
}

func (s *service) Close() error {
	log.Printf("Disconnected from database: %s", database)
	s.pool.Close()
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
