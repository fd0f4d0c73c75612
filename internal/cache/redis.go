// internal/cache/redis.go
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coffeederby/derby/internal/gameflow"
)

// DefaultQueueName is the Redis list game results are queued on for the
// historian.
const DefaultQueueName = "derby_results"

// Results is a ResultPublisher backed by a Redis list.
type Results struct {
	rdb   *redis.Client
	queue string
}

// ConnectRedis builds a Results publisher from environment variables:
//   - REDIS_ADDR (default "localhost:6379")
//   - REDIS_DB (optional, default 0)
//   - RESULTS_QUEUE_NAME (optional)
func ConnectRedis() (*Results, error) {
	addr := getEnv("REDIS_ADDR", "localhost:6379")
	dbIdx := getEnvInt("REDIS_DB", 0)

	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   dbIdx,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return &Results{
		rdb:   rdb,
		queue: getEnv("RESULTS_QUEUE_NAME", DefaultQueueName),
	}, nil
}

// PublishResult serializes the record and pushes it onto the queue. Quick
// network send only; the historian drains the list asynchronously.
func (r *Results) PublishResult(ctx context.Context, rec gameflow.ResultRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal ResultRecord: %w", err)
	}
	if err := r.rdb.RPush(ctx, r.queue, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list %q: %w", r.queue, err)
	}
	return nil
}

// Queue returns the configured queue name.
func (r *Results) Queue() string { return r.queue }

// Client exposes the underlying redis client for the historian.
func (r *Results) Client() *redis.Client { return r.rdb }

// Close releases the redis connection.
func (r *Results) Close() error { return r.rdb.Close() }

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
