package coalesce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDoSharesConcurrentCalls(t *testing.T) {
	g := New(100 * time.Millisecond)

	var calls atomic.Int64
	started := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]interface{}, 5)
	shared := make([]bool, 5)

	wg.Add(1)
	go func() {
		defer wg.Done()
		v, _, s := g.Do(context.Background(), "k", func() (interface{}, error) {
			calls.Add(1)
			close(started)
			<-release
			return "result", nil
		})
		results[0] = v
		shared[0] = s
	}()

	<-started
	for i := 1; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, s := g.Do(context.Background(), "k", func() (interface{}, error) {
				calls.Add(1)
				return "result", nil
			})
			results[i] = v
			shared[i] = s
		}(i)
	}

	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("expected 1 execution, got %d", calls.Load())
	}
	for i, v := range results {
		if v != "result" {
			t.Errorf("caller %d got %v", i, v)
		}
	}
	if shared[0] {
		t.Error("owner reported shared")
	}
	for i := 1; i < 5; i++ {
		if !shared[i] {
			t.Errorf("joiner %d did not report shared", i)
		}
	}
}

func TestDoWindowMeasuredFromIssuance(t *testing.T) {
	g := New(50 * time.Millisecond)

	current := time.Now()
	var mu sync.Mutex
	g.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	v, _, shared := g.Do(context.Background(), "k", func() (interface{}, error) {
		return 1, nil
	})
	if shared || v != 1 {
		t.Fatalf("first call: v=%v shared=%v", v, shared)
	}

	// Inside the window a duplicate joins the completed call.
	v, _, shared = g.Do(context.Background(), "k", func() (interface{}, error) {
		return 2, nil
	})
	if !shared || v != 1 {
		t.Errorf("inside window: v=%v shared=%v, want shared result 1", v, shared)
	}

	// Past the window a duplicate executes fresh.
	mu.Lock()
	current = current.Add(60 * time.Millisecond)
	mu.Unlock()
	v, _, shared = g.Do(context.Background(), "k", func() (interface{}, error) {
		return 3, nil
	})
	if shared || v != 3 {
		t.Errorf("past window: v=%v shared=%v, want fresh result 3", v, shared)
	}
}

func TestDoDistinctKeysDoNotShare(t *testing.T) {
	g := New(100 * time.Millisecond)

	var calls atomic.Int64
	for _, key := range []string{"a", "b"} {
		_, _, shared := g.Do(context.Background(), key, func() (interface{}, error) {
			calls.Add(1)
			return nil, nil
		})
		if shared {
			t.Errorf("key %q reported shared", key)
		}
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 executions, got %d", calls.Load())
	}
}

func TestDoPropagatesError(t *testing.T) {
	g := New(100 * time.Millisecond)
	wantErr := errors.New("boom")

	started := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	var ownerErr error
	go func() {
		defer wg.Done()
		_, ownerErr, _ = g.Do(context.Background(), "k", func() (interface{}, error) {
			close(started)
			<-release
			return nil, wantErr
		})
	}()

	<-started
	done := make(chan error, 1)
	go func() {
		_, err, _ := g.Do(context.Background(), "k", func() (interface{}, error) {
			return nil, nil
		})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	if !errors.Is(ownerErr, wantErr) {
		t.Errorf("owner error = %v, want %v", ownerErr, wantErr)
	}
	if err := <-done; !errors.Is(err, wantErr) {
		t.Errorf("joiner error = %v, want %v", err, wantErr)
	}
}

func TestDoJoinerRespectsContext(t *testing.T) {
	g := New(time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	go func() {
		g.Do(context.Background(), "k", func() (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()

	<-started
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err, shared := g.Do(ctx, "k", func() (interface{}, error) {
		return nil, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("joiner error = %v, want context.Canceled", err)
	}
	if !shared {
		t.Error("cancelled joiner should still report shared")
	}
}

func TestForget(t *testing.T) {
	g := New(time.Second)

	var calls atomic.Int64
	fn := func() (interface{}, error) {
		calls.Add(1)
		return nil, nil
	}

	g.Do(context.Background(), "k", fn)
	g.Forget("k")
	_, _, shared := g.Do(context.Background(), "k", fn)

	if shared {
		t.Error("call after Forget reported shared")
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 executions, got %d", calls.Load())
	}
}

func TestReset(t *testing.T) {
	g := New(time.Second)

	g.Do(context.Background(), "a", func() (interface{}, error) { return nil, nil })
	g.Do(context.Background(), "b", func() (interface{}, error) { return nil, nil })
	g.Reset()

	var calls atomic.Int64
	for _, key := range []string{"a", "b"} {
		g.Do(context.Background(), key, func() (interface{}, error) {
			calls.Add(1)
			return nil, nil
		})
	}
	if calls.Load() != 2 {
		t.Errorf("expected fresh executions after Reset, got %d", calls.Load())
	}
}
