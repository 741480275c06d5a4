package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewPool(t *testing.T) {
	if _, err := NewPool(0, nil); err == nil {
		t.Error("Expected error for zero pool size")
	}

	p, err := NewPool(3, nil)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	if p.Size() != 3 {
		t.Errorf("Expected size 3, got %d", p.Size())
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p, _ := NewPool(2, nil)

	var running, peak atomic.Int32
	var wg sync.WaitGroup

	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Run(context.Background(), p, func(ctx context.Context) (int32, error) {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				return running.Add(-1), nil
			})
			if err != nil {
				t.Errorf("Run failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if peak.Load() > 2 {
		t.Errorf("Expected at most 2 concurrent tasks, saw %d", peak.Load())
	}
	if p.InFlight() != 0 {
		t.Errorf("Expected no tasks in flight, got %d", p.InFlight())
	}
}

func TestRunReturnsValue(t *testing.T) {
	p, _ := NewPool(1, nil)

	v, err := Run(context.Background(), p, func(ctx context.Context) (string, error) {
		return "hello", nil
	})
	if err != nil || v != "hello" {
		t.Errorf("Expected hello, got %q (%v)", v, err)
	}

	errBoom := errors.New("boom")
	_, err = Run(context.Background(), p, func(ctx context.Context) (int, error) {
		return 0, errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Errorf("Expected task error, got %v", err)
	}
}

func TestRunStopsWaitingOnCancel(t *testing.T) {
	p, _ := NewPool(1, nil)

	release := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := Run(ctx, p, func(context.Context) (string, error) {
			<-release // ignores its context
			return "late", nil
		})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	// The slot stays held until the abandoned task finishes
	if p.InFlight() != 1 {
		t.Errorf("Expected abandoned task to hold its slot, got %d in flight", p.InFlight())
	}
	close(release)

	deadline := time.Now().Add(time.Second)
	for p.InFlight() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if p.InFlight() != 0 {
		t.Error("Expected slot to be released after the task finished")
	}
}

func TestRunWaitsForSlot(t *testing.T) {
	p, _ := NewPool(1, nil)

	hold := make(chan struct{})
	go Run(context.Background(), p, func(context.Context) (bool, error) {
		<-hold
		return true, nil
	})
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Run(ctx, p, func(context.Context) (bool, error) {
		t.Error("Task must not run while the pool is full")
		return false, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context.DeadlineExceeded, got %v", err)
	}
	close(hold)
}
