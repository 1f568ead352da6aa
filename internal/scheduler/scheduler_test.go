package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/browsergate/browsergate/internal/types"
)

func newTestScheduler(concurrency, perClient int) *Scheduler {
	return New(Config{Concurrency: concurrency, PerClient: perClient})
}

func TestSubmitRuns(t *testing.T) {
	s := newTestScheduler(2, 2)
	defer s.Close()

	res, err := s.Submit(context.Background(), "c1", PriorityNormal, func(ctx context.Context) (any, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Value != 42 {
		t.Errorf("value = %v, want 42", res.Value)
	}
	if res.QueueWait < 0 || res.Exec < 0 {
		t.Error("timings must be non-negative")
	}
}

func TestConcurrencyBound(t *testing.T) {
	s := newTestScheduler(2, 2)
	defer s.Close()

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Submit(context.Background(), "c1", PriorityNormal, func(ctx context.Context) (any, error) {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				running.Add(-1)
				return nil, nil
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestPerClientCap(t *testing.T) {
	s := newTestScheduler(4, 1)
	defer s.Close()

	var c1Running, c1Peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Submit(context.Background(), "c1", PriorityNormal, func(ctx context.Context) (any, error) {
				n := c1Running.Add(1)
				for {
					p := c1Peak.Load()
					if n <= p || c1Peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				c1Running.Add(-1)
				return nil, nil
			})
		}()
	}
	wg.Wait()

	if c1Peak.Load() > 1 {
		t.Errorf("client peak = %d, want 1", c1Peak.Load())
	}
}

func TestPriorityOrder(t *testing.T) {
	s := newTestScheduler(1, 1)
	defer s.Close()

	release := make(chan struct{})
	blockerStarted := make(chan struct{})
	var wg sync.WaitGroup

	// Occupy the single slot so later submissions queue up.
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = s.Submit(context.Background(), "blocker", PriorityNormal, func(ctx context.Context) (any, error) {
			close(blockerStarted)
			<-release
			return nil, nil
		})
	}()
	<-blockerStarted

	var mu sync.Mutex
	var order []string
	submit := func(name string, prio int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Submit(context.Background(), name, prio, func(ctx context.Context) (any, error) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return nil, nil
			})
		}()
	}

	submit("low", PriorityLow)
	time.Sleep(10 * time.Millisecond)
	submit("high", PriorityHigh)
	time.Sleep(10 * time.Millisecond)

	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "high" {
		t.Errorf("order = %v, want high before low", order)
	}
}

func TestQueuedDeadline(t *testing.T) {
	s := newTestScheduler(1, 1)
	defer s.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = s.Submit(context.Background(), "blocker", PriorityNormal, func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Submit(ctx, "c1", PriorityNormal, func(ctx context.Context) (any, error) {
		return nil, nil
	})

	var ge *types.Error
	if !errors.As(err, &ge) || ge.Code != types.CodeTimeout {
		t.Errorf("err = %v, want TIMEOUT", err)
	}

	close(release)
	wg.Wait()
}

func TestCancelClientDropsQueued(t *testing.T) {
	s := newTestScheduler(1, 1)
	defer s.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = s.Submit(context.Background(), "other", PriorityNormal, func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	errCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := s.Submit(context.Background(), "victim", PriorityNormal, func(ctx context.Context) (any, error) {
			return nil, nil
		})
		errCh <- err
	}()

	// Wait for the victim to be queued.
	for i := 0; i < 100 && s.QueueDepth() == 0; i++ {
		time.Sleep(time.Millisecond)
	}

	if n := s.CancelClient("victim"); n != 1 {
		t.Errorf("canceled = %d, want 1", n)
	}
	if err := <-errCh; !errors.Is(err, types.ErrTaskCanceled) {
		t.Errorf("err = %v, want ErrTaskCanceled", err)
	}

	close(release)
	wg.Wait()
}

func TestCancelClientCancelsInFlight(t *testing.T) {
	s := newTestScheduler(1, 1)
	defer s.Close()

	started := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Submit(context.Background(), "c1", PriorityNormal, func(ctx context.Context) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		errCh <- err
	}()
	<-started

	s.CancelClient("c1")
	select {
	case err := <-errCh:
		if err == nil {
			t.Error("in-flight task should observe cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight task did not return after cancel")
	}
}

func TestSubmitAfterClose(t *testing.T) {
	s := newTestScheduler(1, 1)
	s.Close()

	_, err := s.Submit(context.Background(), "c1", PriorityNormal, func(ctx context.Context) (any, error) {
		return nil, nil
	})
	if !errors.Is(err, types.ErrSchedulerClosed) {
		t.Errorf("err = %v, want ErrSchedulerClosed", err)
	}
}
