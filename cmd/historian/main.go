// cmd/historian/main.go is an asynchronous service that pops game results
// from the Redis queue and persists them to PostgreSQL.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"

	"github.com/coffeederby/derby/internal/database"
	"github.com/coffeederby/derby/internal/gameflow"
)

// Historian drains the results queue into postgres in small batches.
type Historian struct {
	rdb        *redis.Client
	queue      string
	batchSize  int
	flushDelay time.Duration

	batchMu sync.Mutex
	batch   []gameflow.ResultRecord

	ctx      context.Context
	cancelFn context.CancelFunc
}

// NewHistorian constructs a Historian from environment variables or
// defaults.
func NewHistorian() *Historian {
	rdb := redis.NewClient(&redis.Options{
		Addr: getEnv("REDIS_ADDR", "localhost:6379"),
	})
	ctx, cancel := context.WithCancel(context.Background())
	return &Historian{
		rdb:        rdb,
		queue:      getEnv("RESULTS_QUEUE_NAME", "derby_results"),
		batchSize:  getEnvInt("HISTORIAN_BATCH_SIZE", 20),
		flushDelay: time.Duration(getEnvInt("HISTORIAN_FLUSH_MS", 500)) * time.Millisecond,
		batch:      make([]gameflow.ResultRecord, 0, 20),
		ctx:        ctx,
		cancelFn:   cancel,
	}
}

// Run reads from the queue until the context is cancelled, flushing to the
// database on size or time thresholds.
func (h *Historian) Run() error {
	pool, err := database.Connect(h.ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := database.EnsureSchema(h.ctx, pool); err != nil {
		return err
	}

	ticker := time.NewTicker(h.flushDelay)
	defer ticker.Stop()

	log.Println("derby-historian started")
	for {
		select {
		case <-h.ctx.Done():
			h.flush(pool)
			log.Println("derby-historian shutting down")
			return nil

		case <-ticker.C:
			h.flush(pool)

		default:
			// BLPop with a short timeout so cancellation is noticed.
			res, err := h.rdb.BLPop(h.ctx, 3*time.Second, h.queue).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
					continue
				}
				log.Printf("[ERROR] BLPop: %v", err)
				continue
			}
			if len(res) < 2 {
				continue
			}

			var rec gameflow.ResultRecord
			if err := json.Unmarshal([]byte(res[1]), &rec); err != nil {
				log.Printf("invalid result record: %v", err)
				continue
			}

			h.batchMu.Lock()
			h.batch = append(h.batch, rec)
			full := len(h.batch) >= h.batchSize
			h.batchMu.Unlock()
			if full {
				h.flush(pool)
			}
		}
	}
}

// flush writes the accumulated batch to the database. Failed batches are
// put back at the front so a transient DB outage loses nothing.
func (h *Historian) flush(pool *pgxpool.Pool) {
	h.batchMu.Lock()
	if len(h.batch) == 0 {
		h.batchMu.Unlock()
		return
	}
	batch := h.batch
	h.batch = make([]gameflow.ResultRecord, 0, h.batchSize)
	h.batchMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := database.InsertResults(ctx, pool, batch); err != nil {
		log.Printf("[ERROR] flush %d records: %v", len(batch), err)
		h.batchMu.Lock()
		h.batch = append(batch, h.batch...)
		h.batchMu.Unlock()
	}
}

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

func main() {
	h := NewHistorian()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		h.cancelFn()
	}()

	if err := h.Run(); err != nil {
		log.Fatalf("historian exited: %v", err)
	}
}
