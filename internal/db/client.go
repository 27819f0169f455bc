package db

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/consistency-engine/internal/circuitbreaker"
	"github.com/Kocoro-lab/consistency-engine/internal/metrics"
	"github.com/Kocoro-lab/consistency-engine/internal/models"
)

// Supported drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Config holds database configuration
type Config struct {
	Driver string
	// DSN is used as-is when set; otherwise a postgres DSN is built from the fields below.
	DSN             string
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration

	// Workers is the number of async write workers; QueueSize bounds each one's queue.
	Workers   int
	QueueSize int
}

func (c *Config) withDefaults() {
	if c.Driver == "" {
		c.Driver = DriverPostgres
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
	if c.SSLMode == "" {
		c.SSLMode = "require"
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.QueueSize == 0 {
		c.QueueSize = 256
	}
	if c.Driver == DriverSQLite {
		// one writer; an in-memory database also lives on a single connection
		c.MaxConnections = 1
		c.IdleConnections = 1
	}
}

func (c *Config) dsn() string {
	if c.DSN != "" {
		return c.DSN
	}
	if c.Driver == DriverSQLite {
		return "file:consistency.db?_busy_timeout=5000&_foreign_keys=on"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Client manages the connection pool, the SQL store and the async write queue.
type Client struct {
	db     *circuitbreaker.DatabaseWrapper
	store  *Store
	logger *zap.Logger
	config *Config

	// one queue per worker; writes with the same key always land on the same
	// worker so they are applied in order
	queues   []chan WriteRequest
	stopCh   chan struct{}
	stopOnce sync.Once
	workerWg sync.WaitGroup
}

// WriteRequest represents an async write operation
type WriteRequest struct {
	Type     WriteType
	Key      string
	Data     interface{}
	Callback func(error)
}

type WriteType int

const (
	WriteTypeProgress WriteType = iota

	writeTypeFlush WriteType = -1
)

// String returns the string representation of WriteType
func (wt WriteType) String() string {
	switch wt {
	case WriteTypeProgress:
		return "Progress"
	default:
		return "Unknown"
	}
}

// NewClient opens the database, applies pending migrations and starts the
// write workers.
func NewClient(config *Config, logger *zap.Logger) (*Client, error) {
	config.withDefaults()

	rawDB, err := sqlx.Open(config.Driver, config.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	rawDB.SetMaxOpenConns(config.MaxConnections)
	rawDB.SetMaxIdleConns(config.IdleConnections)
	rawDB.SetConnMaxLifetime(config.MaxLifetime)

	client := newClient(rawDB, config, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := client.db.PingContext(ctx); err != nil {
		rawDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := client.Migrate(ctx); err != nil {
		rawDB.Close()
		return nil, err
	}

	client.startWorkers()
	go client.healthCheck()

	logger.Info("Database client initialized",
		zap.String("driver", config.Driver),
		zap.String("host", config.Host),
		zap.Int("max_connections", config.MaxConnections),
		zap.Int("workers", config.Workers),
	)
	return client, nil
}

// NewClientWithDB wraps an already opened pool. Migrations are not applied.
func NewClientWithDB(rawDB *sqlx.DB, config *Config, logger *zap.Logger) *Client {
	if config == nil {
		config = &Config{Driver: rawDB.DriverName()}
	}
	config.withDefaults()
	client := newClient(rawDB, config, logger)
	client.startWorkers()
	return client
}

func newClient(rawDB *sqlx.DB, config *Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	wrapper := circuitbreaker.NewDatabaseWrapper(rawDB, logger, IsBenign)
	c := &Client{
		db:     wrapper,
		store:  NewStore(wrapper, logger),
		logger: logger,
		config: config,
		queues: make([]chan WriteRequest, config.Workers),
		stopCh: make(chan struct{}),
	}
	for i := range c.queues {
		c.queues[i] = make(chan WriteRequest, config.QueueSize)
	}
	return c
}

// Store returns the SQL store.
func (c *Client) Store() *Store { return c.store }

// startWorkers initializes the worker pool for async writes
func (c *Client) startWorkers() {
	for i := range c.queues {
		c.workerWg.Add(1)
		go c.writeWorker(i)
	}
}

// writeWorker processes write requests from its queue. Whatever is already
// waiting is taken as one batch.
func (c *Client) writeWorker(id int) {
	defer c.workerWg.Done()
	c.logger.Debug("Write worker started", zap.Int("worker_id", id))
	queue := c.queues[id]

	for {
		select {
		case <-c.stopCh:
			c.drainQueue(queue)
			c.logger.Debug("Write worker stopped", zap.Int("worker_id", id))
			return
		case req := <-queue:
			batch := []WriteRequest{req}
		collect:
			for len(batch) < 100 {
				select {
				case next := <-queue:
					batch = append(batch, next)
				default:
					break collect
				}
			}
			c.processBatch(batch)
		}
	}
}

// processBatch applies a batch in one transaction. Only the newest progress
// record per project is written.
func (c *Client) processBatch(batch []WriteRequest) {
	if len(batch) == 0 {
		return
	}
	latest := make(map[string]int)
	work := 0
	for i, req := range batch {
		if req.Type == WriteTypeProgress {
			latest[req.Key] = i
			work++
		}
	}
	if work == 0 {
		for _, req := range batch {
			if req.Callback != nil {
				req.Callback(nil)
			}
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := c.store.withTx(ctx, func(tx *sqlTx) error {
		for i, req := range batch {
			if req.Type != WriteTypeProgress || latest[req.Key] != i {
				continue
			}
			p, ok := req.Data.(*models.AnalysisProgress)
			if !ok {
				return fmt.Errorf("progress write carries %T", req.Data)
			}
			if err := tx.SaveProgress(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.logger.Error("Failed to process write batch",
			zap.Int("count", len(batch)),
			zap.Error(err),
		)
	}
	for _, req := range batch {
		if req.Callback != nil {
			req.Callback(err)
		}
	}
}

// drainQueue processes remaining requests during shutdown
func (c *Client) drainQueue(queue chan WriteRequest) {
	timeout := time.After(10 * time.Second)
	var batch []WriteRequest
	for {
		select {
		case req := <-queue:
			batch = append(batch, req)
		case <-timeout:
			c.logger.Warn("Timeout draining write queue", zap.Int("pending", len(queue)))
			c.processBatch(batch)
			return
		default:
			c.processBatch(batch)
			return
		}
	}
}

func (c *Client) shard(key string) chan WriteRequest {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.queues[h.Sum32()%uint32(len(c.queues))]
}

// QueueWrite adds a write request to the async queue. A full queue or a
// stopped client falls back to a synchronous write.
func (c *Client) QueueWrite(writeType WriteType, key string, data interface{}, callback func(error)) error {
	req := WriteRequest{Type: writeType, Key: key, Data: data, Callback: callback}
	select {
	case <-c.stopCh:
		c.processBatch([]WriteRequest{req})
		return nil
	default:
	}
	select {
	case c.shard(key) <- req:
		return nil
	default:
		c.logger.Warn("Write queue is full, falling back to synchronous write",
			zap.String("type", writeType.String()),
			zap.String("key", key))
		metrics.WriteQueueFallbacks.WithLabelValues(writeType.String()).Inc()
		c.processBatch([]WriteRequest{req})
		return nil
	}
}

// SaveProgress persists a progress snapshot asynchronously.
func (c *Client) SaveProgress(_ context.Context, p *models.AnalysisProgress) error {
	snapshot := p.Clone()
	return c.QueueWrite(WriteTypeProgress, p.ProjectID, &snapshot, nil)
}

// Flush blocks until every write queued before the call has been applied.
func (c *Client) Flush(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, q := range c.queues {
		wg.Add(1)
		select {
		case q <- WriteRequest{Type: writeTypeFlush, Callback: func(error) { wg.Done() }}:
		case <-ctx.Done():
			wg.Done()
		}
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// healthCheck periodically checks database connectivity
func (c *Client) healthCheck() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.db.PingContext(ctx); err != nil {
				c.logger.Error("Database health check failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Close drains the write queues and closes the pool.
func (c *Client) Close() error {
	var err error
	c.stopOnce.Do(func() {
		c.logger.Info("Shutting down database client")
		close(c.stopCh)
		c.workerWg.Wait()
		if cerr := c.db.Close(); cerr != nil {
			err = fmt.Errorf("failed to close database: %w", cerr)
		}
	})
	return err
}

// Wrapper returns the underlying DatabaseWrapper for health checks and monitoring
func (c *Client) Wrapper() *circuitbreaker.DatabaseWrapper {
	return c.db
}

// IsBenign reports errors that say nothing about database health.
func IsBenign(err error) bool {
	var de *dbError
	return !errors.As(err, &de)
}
