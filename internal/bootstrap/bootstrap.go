// Package bootstrap builds the delivery pipeline from configuration for the
// commands under cmd/.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/inkbrow/capi-relay/internal/capi"
	"github.com/inkbrow/capi-relay/internal/config"
	"github.com/inkbrow/capi-relay/internal/dispatch"
	"github.com/inkbrow/capi-relay/internal/pkg/distlock"
	"github.com/inkbrow/capi-relay/internal/pkg/logger"
	"github.com/inkbrow/capi-relay/internal/repository/postgres"
	"github.com/inkbrow/capi-relay/internal/tracking"
	"github.com/inkbrow/capi-relay/internal/worker"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

// Pipeline is the wired server-side channel.
type Pipeline struct {
	Config     *config.Config
	Dispatcher *dispatch.Dispatcher
	Recorder   *dispatch.MemoryRecorder
	Retry      *worker.DeliveryRetryWorker
	Redis      *redis.Client
	DB         *sql.DB
	// Ledger is set when a database is configured.
	Ledger *postgres.TransitionRepo
	// DeadLetters is set when an SQS dead-letter queue is configured.
	DeadLetters *tracking.DeadLetterPublisher
	SQS         tracking.SQSReceiver
}

// ConfigureLogger applies the logging section.
func ConfigureLogger(cfg config.LoggingConfig) {
	logger.SetLevel(logger.ParseLevel(cfg.Level))
	logger.SetRedactPII(cfg.Redact())
}

// Build connects the optional backends and wires the dispatcher. Missing
// Redis, Postgres or SQS settings fall back to in-process equivalents.
func Build(ctx context.Context, cfg *config.Config) (*Pipeline, error) {
	p := &Pipeline{Config: cfg, Recorder: dispatch.NewMemoryRecorder(500)}

	var queue dispatch.RetryQueue
	if cfg.Redis.Enabled() {
		client, err := newRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		p.Redis = client
		queue = dispatch.NewRedisRetryQueue(client, cfg.Redis.QueueKey)
		log.Printf("Retry queue: redis (%s)", cfg.Redis.QueueKey)
	} else {
		queue = dispatch.NewMemoryRetryQueue()
		log.Println("Retry queue: in-memory (REDIS_URL not set)")
	}

	recorders := dispatch.Recorders{p.Recorder}
	if cfg.Database.URL != "" {
		db, err := newDB(ctx, cfg.Database.URL)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.DB = db
		p.Ledger = postgres.NewTransitionRepo(db)
		recorders = append(recorders, p.Ledger)
		log.Println("Delivery ledger: postgres")
	}

	p.Dispatcher = dispatch.NewDispatcher(capi.NewClient(cfg.Meta), queue, dispatch.ConfigFrom(cfg.Delivery))
	p.Dispatcher.SetRecorder(recorders)

	if cfg.DeadLetter.SQSQueueURL != "" {
		client, err := tracking.NewSQSClient(ctx, cfg.DeadLetter)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.SQS = client
		p.DeadLetters = tracking.NewDeadLetterPublisher(client, cfg.DeadLetter.SQSQueueURL)
		p.Dispatcher.AddDeadLetterSink(p.DeadLetters)
		log.Println("Dead-letter queue: sqs")
	}

	lock := distlock.NewLock(p.Redis, p.DB, cfg.Redis.LockKey, worker.RetryLockTTL)
	p.Retry = worker.NewDeliveryRetryWorker(p.Dispatcher, lock, cfg.Delivery.PollInterval(), cfg.Delivery.ClaimBatch)
	return p, nil
}

// Close releases backend connections. Call after the dispatcher shut down.
func (p *Pipeline) Close() {
	if p.Redis != nil {
		p.Redis.Close()
	}
	if p.DB != nil {
		p.DB.Close()
	}
}

func newRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func newDB(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}
