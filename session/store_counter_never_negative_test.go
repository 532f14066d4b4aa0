package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestSessionIndexConsistentUnderConcurrentOps(t *testing.T) {
	store, _, done := newSessionStoreTest(t, 64)
	defer done()

	ctx := context.Background()
	const (
		userID    = "u-1"
		sessionsN = 24
		workers   = 16
		rounds    = 50
	)

	for i := 0; i < sessionsN; i++ {
		sess := testSession(fmt.Sprintf("sid-%d", i))
		sess.RefreshHash = [32]byte{byte(i + 1)}
		if _, err := store.Save(ctx, sess, time.Hour); err != nil {
			t.Fatalf("seed save %d: %v", i, err)
		}
	}

	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				sid := fmt.Sprintf("sid-%d", (worker+r)%sessionsN)
				if worker%2 == 0 {
					if err := store.Delete(ctx, sid); err != nil {
						errCh <- fmt.Errorf("delete %s: %w", sid, err)
						return
					}
				} else {
					if _, err := store.ActiveSessionCount(ctx, userID); err != nil {
						errCh <- fmt.Errorf("count: %w", err)
						return
					}
				}
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}

	count, err := store.ActiveSessionCount(ctx, userID)
	if err != nil {
		t.Fatalf("final count: %v", err)
	}
	if count < 0 {
		t.Fatalf("session count must never be negative, got %d", count)
	}

	ids, err := store.ActiveSessionIDs(ctx, userID)
	if err != nil {
		t.Fatalf("active ids: %v", err)
	}
	if len(ids) != count {
		t.Fatalf("index count %d disagrees with listed ids %d", count, len(ids))
	}
	for _, sid := range ids {
		active, err := store.IsActive(ctx, sid)
		if err != nil {
			t.Fatalf("is active %s: %v", sid, err)
		}
		if !active {
			t.Fatalf("indexed session %s has no backing key", sid)
		}
	}
}
