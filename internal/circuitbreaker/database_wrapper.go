package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const (
	databaseBreakerName    = "database"
	databaseBreakerService = "store"
)

// DatabaseWrapper runs store operations through a breaker. Errors the
// benign classifier accepts (missing rows, cancelled contexts, domain
// conflicts) are returned to the caller without counting as failures.
type DatabaseWrapper struct {
	db     *sqlx.DB
	cb     *CircuitBreaker
	logger *zap.Logger
	benign func(error) bool
}

// NewDatabaseWrapper wraps db. Extra benign classifiers extend the defaults.
func NewDatabaseWrapper(db *sqlx.DB, logger *zap.Logger, benign ...func(error) bool) *DatabaseWrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := NewCircuitBreaker(databaseBreakerName, GetDatabaseConfig().ToConfig(), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker(databaseBreakerName, databaseBreakerService, cb)

	classify := func(err error) bool {
		if errors.Is(err, sql.ErrNoRows) || errors.Is(err, context.Canceled) {
			return true
		}
		for _, fn := range benign {
			if fn(err) {
				return true
			}
		}
		return false
	}
	return &DatabaseWrapper{db: db, cb: cb, logger: logger, benign: classify}
}

// Execute runs fn against the pool.
func (dw *DatabaseWrapper) Execute(ctx context.Context, fn func(db *sqlx.DB) error) error {
	var inner error
	cbErr := dw.cb.Execute(ctx, func() error {
		inner = fn(dw.db)
		if inner != nil && dw.benign(inner) {
			return nil
		}
		return inner
	})
	GlobalMetricsCollector.RecordRequest(databaseBreakerName, databaseBreakerService, dw.cb.State(), cbErr == nil)
	if inner != nil {
		return inner
	}
	return cbErr
}

// PingContext pings the database through the breaker.
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	return dw.Execute(ctx, func(db *sqlx.DB) error { return db.PingContext(ctx) })
}

// DB returns the wrapped pool for callers that manage their own protection.
func (dw *DatabaseWrapper) DB() *sqlx.DB { return dw.db }

// State returns the breaker state.
func (dw *DatabaseWrapper) State() State { return dw.cb.State() }

// IsCircuitBreakerOpen reports whether queries are currently rejected.
func (dw *DatabaseWrapper) IsCircuitBreakerOpen() bool { return dw.cb.State() == StateOpen }

// Stats returns pool statistics.
func (dw *DatabaseWrapper) Stats() sql.DBStats { return dw.db.Stats() }

func (dw *DatabaseWrapper) Close() error { return dw.db.Close() }
