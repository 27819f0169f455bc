package ratecontrol

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelayFor(t *testing.T) {
	limit := RateLimit{RPM: 30, TPM: 60000}
	d := DelayFor(limit, 1000)
	if d != 2*time.Second {
		t.Fatalf("expected 2s delay, got %v", d)
	}
	if DelayFor(RateLimit{}, 1000) != 0 {
		t.Fatalf("expected no delay without limits")
	}
}

func TestCombineLimits(t *testing.T) {
	combined := CombineLimits(RateLimit{RPM: 30, TPM: 50000}, RateLimit{RPM: 20, TPM: 0})
	if combined.RPM != 20 {
		t.Fatalf("expected RPM 20, got %d", combined.RPM)
	}
	if combined.TPM != 50000 {
		t.Fatalf("expected TPM 50000, got %d", combined.TPM)
	}
}

func TestUnlimitedLimiterNeverBlocks(t *testing.T) {
	l := NewLimiter("test", RateLimit{})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	for i := 0; i < 100; i++ {
		if err := l.Wait(ctx); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
}

func TestLimiterHonoursContext(t *testing.T) {
	l := NewLimiter("test", RateLimit{RPM: 1})
	if !l.Allow() {
		t.Fatalf("first request should pass")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Wait(ctx); err == nil {
		t.Fatalf("expected error from cancelled context")
	}
}

func TestLimiterDeadlineIsTimeout(t *testing.T) {
	l := NewLimiter("test", RateLimit{RPM: 1})
	if !l.Allow() {
		t.Fatalf("first request should pass")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
