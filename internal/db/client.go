// Package db persists orchestration runs, their step results and lifecycle
// events to PostgreSQL or SQLite.
package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/orchestra/internal/circuitbreaker"
)

// ErrClosed is returned for writes queued after Close.
var ErrClosed = errors.New("database client closed")

// Config holds database configuration
type Config struct {
	// Driver is "postgres" or "sqlite3".
	Driver          string
	DSN             string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
	Workers         int
	QueueSize       int
}

func (c Config) withDefaults() Config {
	if c.Driver == "" {
		c.Driver = "postgres"
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 25
	}
	if c.IdleConnections == 0 {
		c.IdleConnections = 5
	}
	if c.MaxLifetime == 0 {
		c.MaxLifetime = 5 * time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	return c
}

// Client manages database connections and operations
type Client struct {
	db      *sqlx.DB
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger

	// Write queue for async operations
	writeQueue chan WriteRequest
	workers    int
	stopCh     chan struct{}
	workerWg   sync.WaitGroup
	closeMu    sync.RWMutex
	closed     bool
}

// WriteRequest represents an async write operation
type WriteRequest struct {
	Type     WriteType
	Data     interface{}
	Callback func(error)
}

type WriteType int

const (
	WriteTypeRun WriteType = iota
	WriteTypeEventLog
)

// String returns the string representation of WriteType
func (wt WriteType) String() string {
	switch wt {
	case WriteTypeRun:
		return "Run"
	case WriteTypeEventLog:
		return "EventLog"
	default:
		return "Unknown"
	}
}

// Open connects to the configured database and verifies the connection.
func Open(ctx context.Context, config Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.withDefaults()
	if config.DSN == "" {
		return nil, fmt.Errorf("database dsn is empty")
	}

	db, err := sqlx.Open(config.Driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.IdleConnections)
	db.SetConnMaxLifetime(config.MaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	client := NewClient(db, config, logger)
	logger.Info("Database client initialized",
		zap.String("driver", config.Driver),
		zap.Int("max_connections", config.MaxConnections),
		zap.Int("workers", client.workers),
	)
	return client, nil
}

// NewClient wraps an open connection and starts the write workers.
func NewClient(db *sqlx.DB, config Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.withDefaults()
	c := &Client{
		db:         db,
		breaker:    circuitbreaker.New("database", circuitbreaker.DefaultConfig(), logger),
		logger:     logger,
		writeQueue: make(chan WriteRequest, config.QueueSize),
		workers:    config.Workers,
		stopCh:     make(chan struct{}),
	}
	c.startWorkers()
	return c
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS orchestration_runs (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		request TEXT NOT NULL,
		pattern TEXT,
		mode TEXT,
		ambiguous BOOLEAN NOT NULL DEFAULT FALSE,
		success BOOLEAN NOT NULL,
		summary TEXT,
		succeeded INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		outcome JSONB,
		started_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS step_executions (
		run_id TEXT NOT NULL REFERENCES orchestration_runs(id),
		step_id TEXT NOT NULL,
		capability TEXT,
		agent TEXT,
		success BOOLEAN NOT NULL,
		skipped BOOLEAN NOT NULL DEFAULT FALSE,
		failure TEXT,
		error_message TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		execution_time_ms BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (run_id, step_id)
	)`,
	`CREATE TABLE IF NOT EXISTS event_logs (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		type TEXT NOT NULL,
		step_id TEXT,
		agent_id TEXT,
		message TEXT,
		payload JSONB,
		timestamp TIMESTAMPTZ NOT NULL,
		seq BIGINT,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_event_logs_workflow ON event_logs (workflow_id, seq)`,
}

var sqliteTypes = strings.NewReplacer("JSONB", "TEXT", "TIMESTAMPTZ", "TIMESTAMP")

// Migrate creates the tables if they do not exist.
func (c *Client) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if c.db.DriverName() == "sqlite3" {
			stmt = sqliteTypes.Replace(stmt)
		}
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
	}
	return nil
}

// startWorkers initializes the worker pool for async writes
func (c *Client) startWorkers() {
	for i := 0; i < c.workers; i++ {
		c.workerWg.Add(1)
		go c.writeWorker(i)
	}
}

// writeWorker processes write requests from the queue
func (c *Client) writeWorker(id int) {
	defer c.workerWg.Done()
	c.logger.Debug("Write worker started", zap.Int("worker_id", id))

	for {
		select {
		case <-c.stopCh:
			c.drainQueue()
			c.logger.Debug("Write worker stopped", zap.Int("worker_id", id))
			return
		case req := <-c.writeQueue:
			c.processWrite(req)
		}
	}
}

// processWrite handles a single write request
func (c *Client) processWrite(req WriteRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	switch req.Type {
	case WriteTypeRun:
		if w, ok := req.Data.(runWrite); ok {
			err = c.SaveRun(ctx, w.run, w.steps)
		}
	case WriteTypeEventLog:
		if e, ok := req.Data.(*EventLog); ok {
			err = c.SaveEventLog(ctx, e)
		}
	default:
		err = fmt.Errorf("unknown write type %d", req.Type)
	}

	if req.Callback != nil {
		req.Callback(err)
	}
	if err != nil {
		c.logger.Error("Failed to process write request",
			zap.String("type", req.Type.String()),
			zap.Error(err),
		)
	}
}

// drainQueue processes remaining requests during shutdown
func (c *Client) drainQueue() {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case req := <-c.writeQueue:
			c.processWrite(req)
		case <-timeout:
			c.logger.Warn("Timeout draining write queue")
			return
		default:
			return
		}
	}
}

// QueueWrite adds a write request to the async queue. A full queue falls
// back to a synchronous write rather than dropping it.
func (c *Client) QueueWrite(writeType WriteType, data interface{}, callback func(error)) error {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if c.closed {
		return ErrClosed
	}

	req := WriteRequest{Type: writeType, Data: data, Callback: callback}
	select {
	case c.writeQueue <- req:
		return nil
	default:
		c.logger.Warn("Write queue is full, falling back to synchronous write",
			zap.String("type", writeType.String()))
		c.processWrite(req)
		return nil
	}
}

// Close drains queued writes and closes the connection.
func (c *Client) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stopCh)
	c.closeMu.Unlock()

	c.workerWg.Wait()
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	c.logger.Info("Database client closed")
	return nil
}

// Ping reports whether the database is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}
