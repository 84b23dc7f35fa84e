package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitForWaiters polls until n waiter channels are registered for key.
func waitForWaiters(t *testing.T, c *Coalescing[string, string], key string, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.lru.mu.Lock()
		got := len(c.inflight[key])
		c.lru.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d waiters on %q", n, key)
}

func TestCoalescing_HitResolvesImmediately(t *testing.T) {
	var calls atomic.Int32
	c := NewCoalescing(func(ctx context.Context, key string, extra ...any) (*string, error) {
		calls.Add(1)
		v := "val-" + key
		return &v, nil
	}, 5, testLogger())

	v1, err := c.Get(context.Background(), "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	v2, err := c.Get(context.Background(), "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v1 != v2 {
		t.Errorf("hit returned a different object")
	}
	if calls.Load() != 1 {
		t.Errorf("miss fn called %d times, want 1", calls.Load())
	}
}

func TestCoalescing_ConcurrentGetsShareOneFetch(t *testing.T) {
	const waiters = 5

	var calls atomic.Int32
	gate := make(chan struct{})
	c := NewCoalescing(func(ctx context.Context, key string, extra ...any) (*string, error) {
		calls.Add(1)
		<-gate
		v := "val-" + key
		return &v, nil
	}, 5, testLogger())

	results := make(chan *string, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Get(context.Background(), "k")
			if err != nil {
				t.Errorf("get: %v", err)
			}
			results <- v
		}()
	}

	waitForWaiters(t, c, "k", waiters)
	close(gate)
	wg.Wait()
	close(results)

	if calls.Load() != 1 {
		t.Errorf("miss fn called %d times, want 1", calls.Load())
	}
	var first *string
	for v := range results {
		if first == nil {
			first = v
		}
		if v != first {
			t.Errorf("waiters received different objects")
		}
	}

	st := c.Stats()
	if st.Misses != 1 {
		t.Errorf("misses = %d, want 1", st.Misses)
	}
	if st.Hits != waiters-1 {
		t.Errorf("hits = %d, want %d (coalesced joins count as hits)", st.Hits, waiters-1)
	}

	// A coalesced fetch records exactly one recency reference.
	c.lru.mu.Lock()
	qlen := len(c.lru.queue)
	c.lru.mu.Unlock()
	if qlen != 1 {
		t.Errorf("queue len = %d, want 1", qlen)
	}
	if err := c.lru.checkInvariants(); err != nil {
		t.Error(err)
	}
}

func TestCoalescing_FailureFansOutAndIsNotCached(t *testing.T) {
	const waiters = 3
	boom := errors.New("fetch broke")

	var calls atomic.Int32
	gate := make(chan struct{})
	c := NewCoalescing(func(ctx context.Context, key string, extra ...any) (*string, error) {
		if calls.Add(1) == 1 {
			<-gate
			return nil, boom
		}
		v := "recovered"
		return &v, nil
	}, 5, testLogger())

	errs := make(chan error, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(context.Background(), "k")
			errs <- err
		}()
	}

	waitForWaiters(t, c, "k", waiters)
	close(gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if !errors.Is(err, boom) {
			t.Errorf("waiter err = %v, want %v", err, boom)
		}
	}
	if st := c.Stats(); st.Len != 0 {
		t.Errorf("failed fetch left %d cached entries", st.Len)
	}

	// The failure was not cached as a negative result: a later Get
	// re-invokes the miss fn and succeeds.
	v, err := c.Get(context.Background(), "k")
	if err != nil {
		t.Fatalf("get after failure: %v", err)
	}
	if *v != "recovered" {
		t.Errorf("got %q, want recovered", *v)
	}
	if calls.Load() != 2 {
		t.Errorf("miss fn called %d times, want 2", calls.Load())
	}
}

func TestCoalescing_NilResultNotCached(t *testing.T) {
	var calls atomic.Int32
	c := NewCoalescing(func(ctx context.Context, key string, extra ...any) (*string, error) {
		calls.Add(1)
		return nil, nil
	}, 5, testLogger())

	for i := 0; i < 2; i++ {
		v, err := c.Get(context.Background(), "absent")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if v != nil {
			t.Errorf("got %v, want nil", v)
		}
	}
	if calls.Load() != 2 {
		t.Errorf("miss fn called %d times, want 2", calls.Load())
	}
}

func TestCoalescing_DistinctKeysFetchIndependently(t *testing.T) {
	var calls atomic.Int32
	c := NewCoalescing(func(ctx context.Context, key string, extra ...any) (*string, error) {
		calls.Add(1)
		v := "val-" + key
		return &v, nil
	}, 5, testLogger())

	var wg sync.WaitGroup
	for _, key := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			if _, err := c.Get(context.Background(), k); err != nil {
				t.Errorf("get %s: %v", k, err)
			}
		}(key)
	}
	wg.Wait()

	if calls.Load() != 3 {
		t.Errorf("miss fn called %d times, want 3", calls.Load())
	}
	if st := c.Stats(); st.Len != 3 {
		t.Errorf("len = %d, want 3", st.Len)
	}
}

func TestCoalescing_RefHitAfterEviction(t *testing.T) {
	var calls atomic.Int32
	c := NewCoalescing(func(ctx context.Context, key string, extra ...any) (*string, error) {
		calls.Add(1)
		v := "val-" + key
		return &v, nil
	}, 1, testLogger())

	a, err := c.Get(context.Background(), "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := c.Get(context.Background(), "b"); err != nil {
		t.Fatalf("get: %v", err)
	}

	again, err := c.Get(context.Background(), "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if again != a {
		t.Errorf("ref-hit returned a different object")
	}
	if calls.Load() != 2 {
		t.Errorf("miss fn called %d times, want 2", calls.Load())
	}
	if st := c.Stats(); st.RefHits != 1 {
		t.Errorf("refhits = %d, want 1", st.RefHits)
	}
}
