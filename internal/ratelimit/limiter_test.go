package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestExecute_sameKeyWithinTTLCallsOnce(t *testing.T) {
	l := New(time.Millisecond, nil)
	var calls atomic.Int32
	fn := func(ctx context.Context) (string, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return "status:live", nil
	}

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := Execute(context.Background(), l, "lifecycle:abc", 10*time.Second, fn)
			if err != nil {
				t.Error(err)
			}
			results[i] = v
		}(i)
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("apiCall invoked %d times, want 1", calls.Load())
	}
	if results[0] != "status:live" || results[1] != results[0] {
		t.Errorf("results = %v", results)
	}

	if _, err := Execute(context.Background(), l, "lifecycle:abc", 10*time.Second, fn); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Error("cached value not reused")
	}

	l.Invalidate("lifecycle:abc")
	Execute(context.Background(), l, "lifecycle:abc", 10*time.Second, fn)
	if calls.Load() != 2 {
		t.Error("Invalidate did not drop the cache")
	}
}

func TestExecute_cancelledCallerDoesNotFailOthers(t *testing.T) {
	l := New(time.Millisecond, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	var calls atomic.Int32
	fn := func(ctx context.Context) (string, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		select {
		case <-release:
			return "live", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := Execute(first, l, "lifecycle:abc", time.Minute, fn)
		firstErr <- err
	}()
	<-started

	second := make(chan string, 1)
	go func() {
		v, err := Execute(context.Background(), l, "lifecycle:abc", time.Minute, fn)
		if err != nil {
			t.Errorf("second caller: %v", err)
		}
		second <- v
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("first caller err = %v, want context.Canceled", err)
	}
	close(release)
	select {
	case v := <-second:
		if v != "live" {
			t.Errorf("second caller got %q", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second caller never returned")
	}
	if calls.Load() != 1 {
		t.Errorf("apiCall invoked %d times, want 1", calls.Load())
	}
}

func TestExecute_ttlExpiry(t *testing.T) {
	l := New(time.Millisecond, nil)
	now := time.Now()
	l.now = func() time.Time { return now }
	var calls int
	fn := func(context.Context) (int, error) { calls++; return calls, nil }

	Execute(context.Background(), l, "k", time.Second, fn)
	now = now.Add(2 * time.Second)
	v, _ := Execute(context.Background(), l, "k", time.Second, fn)
	if v != 2 || calls != 2 {
		t.Errorf("expired entry reused: v=%d calls=%d", v, calls)
	}
}

func TestExecute_errorsNotCached(t *testing.T) {
	l := New(time.Millisecond, nil)
	calls := 0
	boom := errors.New("quota")
	fn := func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, boom
		}
		return 7, nil
	}
	if _, err := Execute(context.Background(), l, "k", time.Minute, fn); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if v, err := Execute(context.Background(), l, "k", time.Minute, fn); err != nil || v != 7 {
		t.Errorf("second call = %d, %v", v, err)
	}
}

func TestWait_spacesCallsInOrder(t *testing.T) {
	l := New(40*time.Millisecond, nil)
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("three calls took %v, want >= 80ms", elapsed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l.Wait(context.Background())
	if err := l.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait on cancelled ctx = %v", err)
	}
}

func TestPollUntil(t *testing.T) {
	l := New(time.Millisecond, nil)
	n := 0
	fetch := func(context.Context) (string, error) {
		n++
		if n < 3 {
			return "ready", nil
		}
		return "active", nil
	}
	v, ok, err := PollUntil(context.Background(), l, fetch, func(s string) bool { return s == "active" }, time.Second, 5*time.Millisecond)
	if err != nil || !ok || v != "active" || n != 3 {
		t.Errorf("PollUntil = %q %v %v after %d fetches", v, ok, err, n)
	}

	never := func(context.Context) (string, error) { return "inactive", nil }
	v, ok, err = PollUntil(context.Background(), l, never, func(s string) bool { return s == "active" }, 30*time.Millisecond, 5*time.Millisecond)
	if ok || err != nil || v != "inactive" {
		t.Errorf("timed-out PollUntil = %q %v %v", v, ok, err)
	}
}
