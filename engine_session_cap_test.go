package flashauth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSessionCapEvictsOldestSession(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	up := &mockUserProvider{}
	seedUser(t, up, "alice@example.com", "correct-password-123", true)
	engine := newTestEngine(t, rdb, up, &recordingOTPSender{}, func(cfg *Config) {
		cfg.Metrics.Enabled = true
	})

	pairs := make([]*TokenPair, 0, 4)
	for i := 0; i < 4; i++ {
		pair, err := engine.Login(ctx, "alice@example.com", "correct-password-123")
		if err != nil {
			t.Fatalf("login %d failed: %v", i+1, err)
		}
		pairs = append(pairs, pair)
		time.Sleep(2 * time.Millisecond)
	}

	claims, err := engine.ValidateAccess(ctx, pairs[3].AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccess failed: %v", err)
	}

	sessions, err := engine.ActiveSessions(ctx, claims.UserID)
	if err != nil {
		t.Fatalf("ActiveSessions failed: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("expected 3 sessions after cap, got %d", len(sessions))
	}

	// Oldest session was replaced; its refresh token is dead.
	if _, err := engine.Refresh(ctx, pairs[0].RefreshToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected evicted session token to fail, got %v", err)
	}

	// The three newest survive.
	for i := 1; i < 4; i++ {
		if _, err := engine.Refresh(ctx, pairs[i].RefreshToken); err != nil {
			t.Fatalf("session %d should survive cap, refresh failed: %v", i+1, err)
		}
	}

	snap := engine.MetricsSnapshot()
	if snap.Counters[MetricSessionEvicted] != 1 {
		t.Fatalf("expected MetricSessionEvicted=1, got %d", snap.Counters[MetricSessionEvicted])
	}
	if snap.Counters[MetricSessionCreated] != 4 {
		t.Fatalf("expected MetricSessionCreated=4, got %d", snap.Counters[MetricSessionCreated])
	}
}

func TestSessionCapHonorsConfiguredLimit(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	up := &mockUserProvider{}
	seedUser(t, up, "alice@example.com", "correct-password-123", true)
	engine := newTestEngine(t, rdb, up, &recordingOTPSender{}, func(cfg *Config) {
		cfg.Session.MaxSessionsPerUser = 1
	})

	first, err := engine.Login(ctx, "alice@example.com", "correct-password-123")
	if err != nil {
		t.Fatalf("login 1 failed: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	second, err := engine.Login(ctx, "alice@example.com", "correct-password-123")
	if err != nil {
		t.Fatalf("login 2 failed: %v", err)
	}

	if _, err := engine.Refresh(ctx, first.RefreshToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected first session to be evicted, got %v", err)
	}
	if _, err := engine.Refresh(ctx, second.RefreshToken); err != nil {
		t.Fatalf("expected second session to survive: %v", err)
	}
}

func TestLogoutFreesCapSlot(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	up := &mockUserProvider{}
	seedUser(t, up, "alice@example.com", "correct-password-123", true)
	engine := newTestEngine(t, rdb, up, &recordingOTPSender{}, nil)

	pairs := make([]*TokenPair, 0, 3)
	for i := 0; i < 3; i++ {
		pair, err := engine.Login(ctx, "alice@example.com", "correct-password-123")
		if err != nil {
			t.Fatalf("login %d failed: %v", i+1, err)
		}
		pairs = append(pairs, pair)
		time.Sleep(2 * time.Millisecond)
	}

	if err := engine.Logout(ctx, pairs[0].RefreshToken); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}

	// A fourth login now fits without evicting the remaining two.
	if _, err := engine.Login(ctx, "alice@example.com", "correct-password-123"); err != nil {
		t.Fatalf("login after logout failed: %v", err)
	}
	for i := 1; i < 3; i++ {
		if _, err := engine.Refresh(ctx, pairs[i].RefreshToken); err != nil {
			t.Fatalf("session %d should survive, refresh failed: %v", i+1, err)
		}
	}
}

func TestConcurrentLoginsNeverExceedSessionCap(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	up := &mockUserProvider{}
	seedUser(t, up, "alice@example.com", "correct-password-123", true)
	engine := newTestEngine(t, rdb, up, &recordingOTPSender{}, func(cfg *Config) {
		cfg.Metrics.Enabled = true
	})

	// A burst of simultaneous logins lands many saves in the same
	// millisecond, so the eviction scripts race on tied index scores.
	const logins = 8
	pairs := make([]*TokenPair, logins)
	errs := make([]error, logins)
	var wg sync.WaitGroup
	for i := 0; i < logins; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pairs[i], errs[i] = engine.Login(ctx, "alice@example.com", "correct-password-123")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("login %d failed: %v", i+1, err)
		}
	}

	claims, err := engine.ValidateAccess(ctx, pairs[0].AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccess failed: %v", err)
	}
	sessions, err := engine.ActiveSessions(ctx, claims.UserID)
	if err != nil {
		t.Fatalf("ActiveSessions failed: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("expected exactly 3 live sessions after burst, got %d", len(sessions))
	}

	// Exactly 3 refresh tokens still work; the other 5 died with their
	// evicted sessions.
	survivors := 0
	for i := 0; i < logins; i++ {
		_, err := engine.Refresh(ctx, pairs[i].RefreshToken)
		switch {
		case err == nil:
			survivors++
		case errors.Is(err, ErrTokenInvalid):
		default:
			t.Fatalf("refresh %d: unexpected error %v", i+1, err)
		}
	}
	if survivors != 3 {
		t.Fatalf("expected 3 surviving refresh tokens, got %d", survivors)
	}

	snap := engine.MetricsSnapshot()
	if snap.Counters[MetricSessionCreated] != logins {
		t.Fatalf("expected MetricSessionCreated=%d, got %d", logins, snap.Counters[MetricSessionCreated])
	}
	if snap.Counters[MetricSessionEvicted] != logins-3 {
		t.Fatalf("expected MetricSessionEvicted=%d, got %d", logins-3, snap.Counters[MetricSessionEvicted])
	}
}
