package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/consistency-engine/internal/circuitbreaker"
)

type fixedChecker struct {
	name     string
	status   CheckStatus
	critical bool
}

func (f fixedChecker) Name() string           { return f.name }
func (f fixedChecker) IsCritical() bool       { return f.critical }
func (f fixedChecker) Timeout() time.Duration { return time.Second }
func (f fixedChecker) Check(context.Context) CheckResult {
	return CheckResult{Status: f.status}
}

type openBreaker bool

func (b openBreaker) IsCircuitBreakerOpen() bool { return bool(b) }

type heavy struct{ inUse, waiting int }

func (h heavy) HeavyStats() (int, int) { return h.inUse, h.waiting }

func TestOverallStatus(t *testing.T) {
	cases := []struct {
		name     string
		checkers []Checker
		status   CheckStatus
		ready    bool
	}{
		{"empty", nil, StatusUnknown, false},
		{"healthy", []Checker{fixedChecker{"db", StatusHealthy, true}}, StatusHealthy, true},
		{"critical down", []Checker{
			fixedChecker{"db", StatusUnhealthy, true},
			fixedChecker{"llm", StatusHealthy, false},
		}, StatusUnhealthy, false},
		{"optional down", []Checker{
			fixedChecker{"db", StatusHealthy, true},
			fixedChecker{"llm", StatusUnhealthy, false},
		}, StatusDegraded, true},
		{"degraded", []Checker{fixedChecker{"db", StatusDegraded, true}}, StatusDegraded, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewManager(zap.NewNop())
			for _, c := range tc.checkers {
				require.NoError(t, m.RegisterChecker(c))
			}
			d := m.GetDetailedHealth(context.Background())
			assert.Equal(t, tc.status, d.Overall.Status)
			assert.Equal(t, tc.ready, d.Overall.Ready)
			assert.Len(t, d.Components, len(tc.checkers))
			assert.Len(t, m.GetLastResults(), len(tc.checkers))
		})
	}
}

func TestRegisterChecker(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.RegisterChecker(fixedChecker{name: "db"}))
	assert.Error(t, m.RegisterChecker(fixedChecker{name: "db"}))
	assert.Error(t, m.RegisterChecker(fixedChecker{}))
	require.NoError(t, m.UnregisterChecker("db"))
	assert.Error(t, m.UnregisterChecker("db"))
}

func TestCheckTimeoutApplies(t *testing.T) {
	m := NewManager(nil)
	slow := NewCustomHealthChecker("slow", true, 20*time.Millisecond, func(ctx context.Context) CheckResult {
		<-ctx.Done()
		return CheckResult{Status: StatusUnhealthy, Error: ctx.Err().Error()}
	})
	require.NoError(t, m.RegisterChecker(slow))

	d := m.GetDetailedHealth(context.Background())
	r := d.Components["slow"]
	assert.Equal(t, StatusUnhealthy, r.Status)
	assert.True(t, r.Critical)
	assert.Contains(t, r.Error, "deadline")
}

func TestRedisHealthChecker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c := NewRedisHealthChecker(client, nil, zap.NewNop())
	assert.NotEqual(t, StatusUnhealthy, c.Check(context.Background()).Status)

	tripped := NewRedisHealthChecker(client, openBreaker(true), zap.NewNop())
	assert.Equal(t, StatusUnhealthy, tripped.Check(context.Background()).Status)

	mr.Close()
	r := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, r.Status)
	assert.NotEmpty(t, r.Error)
}

func TestDatabaseHealthChecker(t *testing.T) {
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer mockDB.Close()
	wrapper := circuitbreaker.NewDatabaseWrapper(sqlx.NewDb(mockDB, "postgres"), zap.NewNop())
	c := NewDatabaseHealthChecker(wrapper, zap.NewNop())

	mock.ExpectPing()
	r := c.Check(context.Background())
	assert.NotEqual(t, StatusUnhealthy, r.Status)
	assert.Equal(t, "postgres", r.Details["driver"])

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	r = c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, r.Status)
	assert.Contains(t, r.Error, "connection refused")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBreakerAndHeavyQueueCheckers(t *testing.T) {
	ok := NewBreakerHealthChecker("extractor", openBreaker(false), true)
	assert.Equal(t, StatusHealthy, ok.Check(context.Background()).Status)
	down := NewBreakerHealthChecker("llm_signal", openBreaker(true), false)
	assert.Equal(t, StatusUnhealthy, down.Check(context.Background()).Status)
	assert.False(t, down.IsCritical())

	q := NewHeavyQueueHealthChecker(heavy{1, 2}, 3)
	r := q.Check(context.Background())
	assert.Equal(t, StatusHealthy, r.Status)
	assert.Equal(t, 2, r.Details["waiting"])

	busy := NewHeavyQueueHealthChecker(heavy{1, 12}, 0)
	assert.Equal(t, StatusDegraded, busy.Check(context.Background()).Status)
}

func TestHTTPHandlers(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.RegisterChecker(fixedChecker{"db", StatusUnhealthy, true}))
	mux := http.NewServeMux()
	NewHTTPHandler(m, nil).RegisterRoutes(mux)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unhealthy", body["status"])

	assert.Equal(t, http.StatusServiceUnavailable, get("/health/ready").Code)
	assert.Equal(t, http.StatusOK, get("/health/live").Code)

	rec = get("/health/detailed?cached=true")
	var detailed struct {
		Overall    struct{ Status string }
		Components map[string]struct{ Status string }
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detailed))
	assert.Equal(t, "unhealthy", detailed.Overall.Status)
	assert.Equal(t, "unhealthy", detailed.Components["db"].Status)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
