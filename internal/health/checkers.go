package health

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/consistency-engine/internal/circuitbreaker"
)

const slowThreshold = 100 * time.Millisecond

// RedisHealthChecker pings the Redis instance behind the progress stream
// and the embedding cache.
type RedisHealthChecker struct {
	client  redis.UniversalClient
	breaker Breaker
	logger  *zap.Logger
	timeout time.Duration
}

// NewRedisHealthChecker creates a Redis health checker. breaker may be nil.
func NewRedisHealthChecker(client redis.UniversalClient, breaker Breaker, logger *zap.Logger) *RedisHealthChecker {
	return &RedisHealthChecker{
		client:  client,
		breaker: breaker,
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

func (r *RedisHealthChecker) Name() string           { return "redis" }
func (r *RedisHealthChecker) IsCritical() bool       { return false }
func (r *RedisHealthChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: "redis", Timestamp: start}

	if r.breaker != nil && r.breaker.IsCircuitBreakerOpen() {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = "Redis circuit breaker is open"
		return result
	}

	err := r.client.Ping(ctx).Err()
	result.Duration = time.Since(start)
	result.Details = map[string]interface{}{"latency_ms": result.Duration.Milliseconds()}
	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Redis ping failed"
	case result.Duration > slowThreshold:
		result.Status = StatusDegraded
		result.Message = "Redis responding but with high latency"
	default:
		result.Status = StatusHealthy
		result.Message = "Redis healthy"
	}
	return result
}

// DatabaseHealthChecker checks the SQL pool through its breaker.
type DatabaseHealthChecker struct {
	db      *circuitbreaker.DatabaseWrapper
	logger  *zap.Logger
	timeout time.Duration
}

// NewDatabaseHealthChecker creates a database health checker
func NewDatabaseHealthChecker(db *circuitbreaker.DatabaseWrapper, logger *zap.Logger) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{db: db, logger: logger, timeout: 5 * time.Second}
}

func (d *DatabaseHealthChecker) Name() string           { return "database" }
func (d *DatabaseHealthChecker) IsCritical() bool       { return true }
func (d *DatabaseHealthChecker) Timeout() time.Duration { return d.timeout }

func (d *DatabaseHealthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: "database", Critical: true, Timestamp: start}

	if d.db.IsCircuitBreakerOpen() {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = "Database circuit breaker is open"
		return result
	}

	err := d.db.PingContext(ctx)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Database ping failed"
		return result
	}

	stats := d.db.DB().Stats()
	switch {
	case stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections:
		result.Status = StatusDegraded
		result.Message = "Database connection pool exhausted"
	case result.Duration > slowThreshold:
		result.Status = StatusDegraded
		result.Message = "Database responding but with high latency"
	default:
		result.Status = StatusHealthy
		result.Message = "Database healthy"
	}
	result.Details = map[string]interface{}{
		"driver":               d.db.DB().DriverName(),
		"latency_ms":           result.Duration.Milliseconds(),
		"open_connections":     stats.OpenConnections,
		"max_open_connections": stats.MaxOpenConnections,
		"in_use_connections":   stats.InUse,
	}
	return result
}

// BreakerHealthChecker reports an outbound dependency (extractor, signal
// providers) as unhealthy while its breaker is open.
type BreakerHealthChecker struct {
	name     string
	breaker  Breaker
	critical bool
}

// NewBreakerHealthChecker creates a checker for one guarded dependency.
func NewBreakerHealthChecker(name string, breaker Breaker, critical bool) *BreakerHealthChecker {
	return &BreakerHealthChecker{name: name, breaker: breaker, critical: critical}
}

func (b *BreakerHealthChecker) Name() string           { return b.name }
func (b *BreakerHealthChecker) IsCritical() bool       { return b.critical }
func (b *BreakerHealthChecker) Timeout() time.Duration { return time.Second }

func (b *BreakerHealthChecker) Check(context.Context) CheckResult {
	open := b.breaker.IsCircuitBreakerOpen()
	result := CheckResult{
		Component: b.name,
		Critical:  b.critical,
		Timestamp: time.Now(),
		Details:   map[string]interface{}{"circuit_breaker_open": open},
	}
	if open {
		result.Status = StatusUnhealthy
		result.Message = b.name + " circuit breaker is open"
		return result
	}
	result.Status = StatusHealthy
	result.Message = b.name + " reachable"
	return result
}

// HeavyStats exposes the tier2 slot pool.
type HeavyStats interface {
	HeavyStats() (inUse, waiting int)
}

// HeavyQueueHealthChecker reports degraded when more projects wait for a
// heavy slot than maxWaiting.
type HeavyQueueHealthChecker struct {
	stats      HeavyStats
	maxWaiting int
}

// NewHeavyQueueHealthChecker creates the checker. maxWaiting <= 0 means 10.
func NewHeavyQueueHealthChecker(stats HeavyStats, maxWaiting int) *HeavyQueueHealthChecker {
	if maxWaiting <= 0 {
		maxWaiting = 10
	}
	return &HeavyQueueHealthChecker{stats: stats, maxWaiting: maxWaiting}
}

func (h *HeavyQueueHealthChecker) Name() string           { return "heavy_queue" }
func (h *HeavyQueueHealthChecker) IsCritical() bool       { return false }
func (h *HeavyQueueHealthChecker) Timeout() time.Duration { return time.Second }

func (h *HeavyQueueHealthChecker) Check(context.Context) CheckResult {
	inUse, waiting := h.stats.HeavyStats()
	result := CheckResult{
		Component: "heavy_queue",
		Timestamp: time.Now(),
		Status:    StatusHealthy,
		Message:   "Heavy queue within limits",
		Details:   map[string]interface{}{"in_use": inUse, "waiting": waiting},
	}
	if waiting > h.maxWaiting {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d projects waiting for a heavy slot", waiting)
	}
	return result
}

// CustomHealthChecker allows for custom health check logic
type CustomHealthChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

// NewCustomHealthChecker creates a custom health checker
func NewCustomHealthChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) CheckResult) *CustomHealthChecker {
	return &CustomHealthChecker{name: name, critical: critical, timeout: timeout, checkFn: checkFn}
}

func (c *CustomHealthChecker) Name() string           { return c.name }
func (c *CustomHealthChecker) IsCritical() bool       { return c.critical }
func (c *CustomHealthChecker) Timeout() time.Duration { return c.timeout }

func (c *CustomHealthChecker) Check(ctx context.Context) CheckResult { return c.checkFn(ctx) }
