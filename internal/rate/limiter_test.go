package rate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newLimiterTest(t *testing.T, cfg Config) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return New(rdb, cfg), mr
}

func defaultLimiterConfig() Config {
	return Config{
		MaxLoginAttempts:      5,
		LoginCooldownDuration: 15 * time.Minute,
	}
}

func TestCheckLoginPassesBelowBudget(t *testing.T) {
	limiter, _ := newLimiterTest(t, defaultLimiterConfig())
	ctx := context.Background()

	if err := limiter.CheckLogin(ctx, "a@example.com", ""); err != nil {
		t.Fatalf("check with no attempts: %v", err)
	}

	for i := 0; i < 4; i++ {
		if err := limiter.IncrementLogin(ctx, "a@example.com", ""); err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
	}
	if err := limiter.CheckLogin(ctx, "a@example.com", ""); err != nil {
		t.Fatalf("check at 4 of 5 attempts: %v", err)
	}
}

func TestCheckLoginBlocksAtBudget(t *testing.T) {
	limiter, _ := newLimiterTest(t, defaultLimiterConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := limiter.IncrementLogin(ctx, "a@example.com", ""); err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
	}

	if err := limiter.CheckLogin(ctx, "a@example.com", ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited at full budget, got %v", err)
	}
}

func TestIncrementLoginFlagsOverBudget(t *testing.T) {
	limiter, _ := newLimiterTest(t, defaultLimiterConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := limiter.IncrementLogin(ctx, "a@example.com", ""); err != nil {
			t.Fatalf("increment %d within budget: %v", i, err)
		}
	}

	if err := limiter.IncrementLogin(ctx, "a@example.com", ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited past budget, got %v", err)
	}
}

func TestResetLoginClearsBudget(t *testing.T) {
	limiter, _ := newLimiterTest(t, defaultLimiterConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := limiter.IncrementLogin(ctx, "a@example.com", ""); err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
	}
	if err := limiter.ResetLogin(ctx, "a@example.com", ""); err != nil {
		t.Fatalf("reset: %v", err)
	}

	if err := limiter.CheckLogin(ctx, "a@example.com", ""); err != nil {
		t.Fatalf("check after reset: %v", err)
	}
	attempts, err := limiter.GetLoginAttempts(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("get attempts: %v", err)
	}
	if attempts != 0 {
		t.Fatalf("expected zero attempts after reset, got %d", attempts)
	}
}

func TestLoginWindowExpires(t *testing.T) {
	limiter, mr := newLimiterTest(t, defaultLimiterConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := limiter.IncrementLogin(ctx, "a@example.com", ""); err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
	}
	if err := limiter.CheckLogin(ctx, "a@example.com", ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected limited before window expiry, got %v", err)
	}

	mr.FastForward(16 * time.Minute)

	if err := limiter.CheckLogin(ctx, "a@example.com", ""); err != nil {
		t.Fatalf("window expiry should clear the counter: %v", err)
	}
	attempts, err := limiter.GetLoginAttempts(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("get attempts: %v", err)
	}
	if attempts != 0 {
		t.Fatalf("expected zero attempts after expiry, got %d", attempts)
	}
}

func TestFixedWindowKeepsOriginalDeadline(t *testing.T) {
	limiter, mr := newLimiterTest(t, defaultLimiterConfig())
	ctx := context.Background()

	if err := limiter.IncrementLogin(ctx, "a@example.com", ""); err != nil {
		t.Fatalf("first increment: %v", err)
	}

	// Later attempts in the same window must not push the deadline out.
	mr.FastForward(10 * time.Minute)
	if err := limiter.IncrementLogin(ctx, "a@example.com", ""); err != nil {
		t.Fatalf("second increment: %v", err)
	}

	mr.FastForward(6 * time.Minute)
	attempts, err := limiter.GetLoginAttempts(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("get attempts: %v", err)
	}
	if attempts != 0 {
		t.Fatalf("window should expire on the original deadline, got %d attempts", attempts)
	}
}

func TestLimitersAreScopedPerEmail(t *testing.T) {
	limiter, _ := newLimiterTest(t, defaultLimiterConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := limiter.IncrementLogin(ctx, "a@example.com", ""); err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
	}

	if err := limiter.CheckLogin(ctx, "b@example.com", ""); err != nil {
		t.Fatalf("other email must not be limited: %v", err)
	}
}

func TestIPThrottleSharedAcrossEmails(t *testing.T) {
	cfg := defaultLimiterConfig()
	cfg.EnableIPThrottle = true
	limiter, _ := newLimiterTest(t, cfg)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := limiter.IncrementLogin(ctx, "a@example.com", "203.0.113.9"); err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
	}

	// Same IP, different email: blocked by the IP counter.
	if err := limiter.CheckLogin(ctx, "b@example.com", "203.0.113.9"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected IP throttle to apply, got %v", err)
	}
	// Different IP: only the email counter applies.
	if err := limiter.CheckLogin(ctx, "b@example.com", "198.51.100.7"); err != nil {
		t.Fatalf("unrelated pair must pass: %v", err)
	}
}

func TestIPThrottleIgnoredWhenDisabled(t *testing.T) {
	limiter, _ := newLimiterTest(t, defaultLimiterConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := limiter.IncrementLogin(ctx, "a@example.com", "203.0.113.9"); err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
	}

	if err := limiter.CheckLogin(ctx, "b@example.com", "203.0.113.9"); err != nil {
		t.Fatalf("ip must be ignored when throttle is off: %v", err)
	}
}

func TestGetLoginAttemptsUnknownEmail(t *testing.T) {
	limiter, _ := newLimiterTest(t, defaultLimiterConfig())

	attempts, err := limiter.GetLoginAttempts(context.Background(), "nobody@example.com")
	if err != nil {
		t.Fatalf("get attempts: %v", err)
	}
	if attempts != 0 {
		t.Fatalf("unknown email should report zero attempts, got %d", attempts)
	}
}
