package dedup

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDoSharesOneExecution(t *testing.T) {
	g := NewGroup[int]()
	var executions atomic.Int32
	release := make(chan struct{})
	entered := make(chan struct{})

	fn := func() (int, error) {
		executions.Add(1)
		close(entered)
		<-release
		return 42, nil
	}

	var wg sync.WaitGroup
	results := make([]int, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = g.Do("key", 0, fn)
	}()
	<-entered
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], _ = g.Do("key", 0, func() (int, error) {
			executions.Add(1)
			return -1, nil
		})
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := executions.Load(); n != 1 {
		t.Fatalf("executions = %d, want 1", n)
	}
	if results[0] != 42 || results[1] != 42 {
		t.Fatalf("waiters must share the producer's value, got %v", results)
	}
}

func TestDoPropagatesErrorToWaiters(t *testing.T) {
	g := NewGroup[string]()
	boom := errors.New("boom")
	entered := make(chan struct{})
	release := make(chan struct{})

	errs := make(chan error, 2)
	go func() {
		_, err := g.Do("key", 0, func() (string, error) {
			close(entered)
			<-release
			return "", boom
		})
		errs <- err
	}()
	<-entered
	go func() {
		_, err := g.Do("key", 0, func() (string, error) { return "unused", nil })
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	for i := 0; i < 2; i++ {
		if err := <-errs; !errors.Is(err, boom) {
			t.Fatalf("waiter %d error = %v, want boom", i, err)
		}
	}
}

func TestDoRunsAgainAfterSettle(t *testing.T) {
	g := NewGroup[int]()
	var executions atomic.Int32
	fn := func() (int, error) {
		executions.Add(1)
		return 1, nil
	}
	if _, err := g.Do("key", 0, fn); err != nil {
		t.Fatalf("first do: %v", err)
	}
	if _, err := g.Do("key", 0, fn); err != nil {
		t.Fatalf("second do: %v", err)
	}
	if n := executions.Load(); n != 2 {
		t.Fatalf("sequential calls must each execute, got %d", n)
	}
	if g.PendingKeys() != 0 {
		t.Fatalf("settled registrations must be removed")
	}
}

func TestDoIndependentKeys(t *testing.T) {
	g := NewGroup[int]()
	a, _ := g.Do("a", 0, func() (int, error) { return 1, nil })
	b, _ := g.Do("b", 0, func() (int, error) { return 2, nil })
	if a != 1 || b != 2 {
		t.Fatalf("keys must not share results: a=%d b=%d", a, b)
	}
}

func TestTTLExpiresStuckRegistration(t *testing.T) {
	g := NewGroup[int]()
	release := make(chan struct{})
	entered := make(chan struct{})

	go func() {
		_, _ = g.Do("key", 10*time.Millisecond, func() (int, error) {
			close(entered)
			<-release
			return 0, nil
		})
	}()
	<-entered
	// Wait past the TTL; the registration should be reaped even though the
	// execution has not returned.
	deadline := time.Now().Add(time.Second)
	for g.PendingKeys() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("ttl did not reap the stuck registration")
		}
		time.Sleep(5 * time.Millisecond)
	}

	var ran atomic.Bool
	done := make(chan struct{})
	go func() {
		_, _ = g.Do("key", 0, func() (int, error) {
			ran.Store(true)
			return 0, nil
		})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("new call after ttl expiry should not block on the stuck one")
	}
	if !ran.Load() {
		t.Fatalf("new call should execute its own fn")
	}
	close(release)
}
