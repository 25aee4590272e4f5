// Package cache mirrors live round state and recent history into Redis so
// that reconnecting clients and read replicas can catch up without hitting
// PostgreSQL. The game runs fine without it.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"

	"betmoto/internal/model"
)

const (
	liveRoundKey = "betmoto:round:live"
	historyKey   = "betmoto:round:history"

	// Live state expires shortly after the publisher stops refreshing it,
	// so a dead engine never serves a frozen multiplier.
	liveRoundTTL = 30 * time.Second

	historyLength = 50
)

type Service interface {
	GetClient() *redis.Client
	Health() map[string]string
	Close() error

	// SetLiveRound overwrites the live round state blob.
	SetLiveRound(ctx context.Context, state map[string]interface{}) error

	// GetLiveRound returns the live round state, or nil when none is set.
	GetLiveRound(ctx context.Context) (map[string]interface{}, error)

	// AppendHistory prepends a completed round to the capped history list.
	AppendHistory(ctx context.Context, summary model.RoundSummary) error

	// RecentHistory returns up to limit completed rounds, newest first.
	RecentHistory(ctx context.Context, limit int) ([]model.RoundSummary, error)
}

type service struct {
	client *redis.Client
}

var (
	redisAddr     = getEnv("REDIS_URL", "localhost:6379")
	redisPassword = getEnv("REDIS_PASSWORD", "")
	redisDB       = getEnvAsInt("REDIS_DB", 0)
	cacheInstance *service
)

// New connects to Redis. Returns nil when Redis is unreachable; callers
// treat a nil service as "no cache".
func New() Service {
	if cacheInstance != nil {
		return cacheInstance
	}

	client := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		Password:     redisPassword,
		DB:           redisDB,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		log.Printf("[CACHE] Redis connection failed: %v", err)
		log.Println("[CACHE] Running without Redis cache")
		return nil
	}

	log.Println("[CACHE] Redis connected successfully")

	cacheInstance = &service{
		client: client,
	}

	return cacheInstance
}

func (s *service) GetClient() *redis.Client {
	return s.client
}

func (s *service) SetLiveRound(ctx context.Context, state map[string]interface{}) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, liveRoundKey, data, liveRoundTTL).Err()
}

func (s *service) GetLiveRound(ctx context.Context) (map[string]interface{}, error) {
	data, err := s.client.Get(ctx, liveRoundKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state map[string]interface{}
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *service) AppendHistory(ctx context.Context, summary model.RoundSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, historyKey, data)
	pipe.LTrim(ctx, historyKey, 0, historyLength-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *service) RecentHistory(ctx context.Context, limit int) ([]model.RoundSummary, error) {
	if limit <= 0 || limit > historyLength {
		limit = historyLength
	}
	items, err := s.client.LRange(ctx, historyKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.RoundSummary, 0, len(items))
	for _, item := range items {
		var rs model.RoundSummary
		if err := json.Unmarshal([]byte(item), &rs); err != nil {
			continue
		}
		out = append(out, rs)
	}
	return out, nil
}

func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	_, err := s.client.Ping(ctx).Result()
	if err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("redis down: %v", err)
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "Redis is healthy"

	poolStats := s.client.PoolStats()
	stats["hits"] = strconv.FormatUint(uint64(poolStats.Hits), 10)
	stats["misses"] = strconv.FormatUint(uint64(poolStats.Misses), 10)
	stats["timeouts"] = strconv.FormatUint(uint64(poolStats.Timeouts), 10)
	stats["total_conns"] = strconv.FormatUint(uint64(poolStats.TotalConns), 10)
	stats["idle_conns"] = strconv.FormatUint(uint64(poolStats.IdleConns), 10)
	stats["stale_conns"] = strconv.FormatUint(uint64(poolStats.StaleConns), 10)

	return stats
}

func (s *service) Close() error {
	log.Println("[CACHE] Disconnecting from Redis")
	return s.client.Close()
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
