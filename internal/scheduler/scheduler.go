// Package scheduler bounds browser concurrency. Operations queue behind a
// fixed number of execution slots with a per-client fairness cap; within the
// queue, higher priority runs first and equal priority runs in FIFO order.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/browsergate/browsergate/internal/types"
)

// Priority levels. Interactive operations preempt queued bulk work.
const (
	PriorityLow    = 0
	PriorityNormal = 5
	PriorityHigh   = 10
)

// Config sizes the scheduler.
type Config struct {
	Concurrency    int // global execution slots
	PerClient      int // max in-flight operations per client
	DefaultTimeout time.Duration
}

// Result carries a task's outcome plus its timing breakdown.
type Result struct {
	Value     any
	QueueWait time.Duration
	Exec      time.Duration
}

type task struct {
	seq      uint64
	priority int
	client   string
	enqueued time.Time

	ctx    context.Context
	cancel context.CancelFunc
	fn     func(context.Context) (any, error)

	done   chan struct{}
	result Result
	err    error

	index int
}

// taskQueue is a max-heap on priority with FIFO tie-break via seq.
type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }
func (q taskQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}
func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *taskQueue) Push(x any) {
	t := x.(*task)
	t.index = len(*q)
	*q = append(*q, t)
}
func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

// Scheduler runs queued tasks through a bounded worker set.
type Scheduler struct {
	mu        sync.Mutex
	cond      *sync.Cond
	queue     taskQueue
	running   map[string]int // in-flight per client
	inflight  map[*task]struct{}
	seq       uint64
	closed    bool
	cfg       Config
	sem       *semaphore.Weighted
	dispatchW sync.WaitGroup
	taskW     sync.WaitGroup
}

// New builds the scheduler and starts its dispatch loop.
func New(cfg Config) *Scheduler {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PerClient < 1 || cfg.PerClient > cfg.Concurrency {
		cfg.PerClient = cfg.Concurrency
	}
	s := &Scheduler{
		running:  make(map[string]int),
		inflight: make(map[*task]struct{}),
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
	}
	s.cond = sync.NewCond(&s.mu)

	s.dispatchW.Add(1)
	go func() {
		defer s.dispatchW.Done()
		s.dispatch()
	}()

	log.Info().
		Int("concurrency", cfg.Concurrency).
		Int("per_client", cfg.PerClient).
		Msg("Scheduler started")
	return s
}

// Submit enqueues fn and blocks until it completes, is canceled, or its
// deadline passes while queued. The returned Result carries queue-wait and
// execution durations for the caller's timing fields.
func (s *Scheduler) Submit(ctx context.Context, clientID string, priority int, fn func(context.Context) (any, error)) (Result, error) {
	if s.cfg.DefaultTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.DefaultTimeout)
			defer cancel()
		}
	}

	taskCtx, cancel := context.WithCancel(ctx)
	t := &task{
		priority: priority,
		client:   clientID,
		enqueued: time.Now(),
		ctx:      taskCtx,
		cancel:   cancel,
		fn:       fn,
		done:     make(chan struct{}),
		index:    -1,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return Result{}, types.ErrSchedulerClosed
	}
	s.seq++
	t.seq = s.seq
	heap.Push(&s.queue, t)
	s.cond.Signal()
	s.mu.Unlock()

	select {
	case <-t.done:
		return t.result, t.err
	case <-taskCtx.Done():
		// Still queued or already running; the dispatcher resolves the
		// race. Wait for the task to settle either way.
		s.abandon(t)
		<-t.done
		return t.result, t.err
	}
}

// abandon removes a task from the queue if it has not started. Running
// tasks are left to their (already canceled) context.
func (s *Scheduler) abandon(t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.index >= 0 {
		heap.Remove(&s.queue, t.index)
		s.settleLocked(t, Result{QueueWait: time.Since(t.enqueued)}, queueError(t.ctx.Err()))
	}
}

func queueError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.SystemError(types.CodeTimeout, "operation timed out while queued")
	}
	return types.ErrTaskCanceled
}

// settleLocked completes a task that never ran.
func (s *Scheduler) settleLocked(t *task, r Result, err error) {
	t.result = r
	t.err = err
	close(t.done)
}

// dispatch moves runnable tasks from the queue onto execution slots.
func (s *Scheduler) dispatch() {
	for {
		s.mu.Lock()
		t := s.nextRunnableLocked()
		for t == nil && !s.closed {
			s.cond.Wait()
			t = s.nextRunnableLocked()
		}
		if t == nil && s.closed {
			s.drainLocked()
			s.mu.Unlock()
			return
		}
		s.running[t.client]++
		s.inflight[t] = struct{}{}
		s.mu.Unlock()

		// Slots are bounded by Concurrency; this never blocks for long
		// because nextRunnableLocked only fires when a slot is free.
		if err := s.sem.Acquire(context.Background(), 1); err != nil {
			s.finish(t, Result{}, err)
			continue
		}

		s.taskW.Add(1)
		go func(t *task) {
			defer s.taskW.Done()
			defer s.sem.Release(1)
			s.run(t)
		}(t)
	}
}

// nextRunnableLocked pops the best task whose client is under its cap and
// for which a global slot is free. Blocked tasks are pushed back untouched.
func (s *Scheduler) nextRunnableLocked() *task {
	if !s.sem.TryAcquire(1) {
		return nil
	}
	s.sem.Release(1)

	var blocked []*task
	var picked *task
	for s.queue.Len() > 0 {
		t := heap.Pop(&s.queue).(*task)
		if t.ctx.Err() != nil {
			s.settleLocked(t, Result{QueueWait: time.Since(t.enqueued)}, queueError(t.ctx.Err()))
			continue
		}
		if s.running[t.client] >= s.cfg.PerClient {
			blocked = append(blocked, t)
			continue
		}
		picked = t
		break
	}
	for _, t := range blocked {
		heap.Push(&s.queue, t)
	}
	return picked
}

func (s *Scheduler) run(t *task) {
	queueWait := time.Since(t.enqueued)
	start := time.Now()

	var value any
	var err error
	if ctxErr := t.ctx.Err(); ctxErr != nil {
		err = queueError(ctxErr)
	} else {
		value, err = t.fn(t.ctx)
	}

	s.finish(t, Result{
		Value:     value,
		QueueWait: queueWait,
		Exec:      time.Since(start),
	}, err)
}

func (s *Scheduler) finish(t *task, r Result, err error) {
	s.mu.Lock()
	s.running[t.client]--
	if s.running[t.client] <= 0 {
		delete(s.running, t.client)
	}
	delete(s.inflight, t)
	t.result = r
	t.err = err
	close(t.done)
	s.cond.Signal()
	s.mu.Unlock()
	t.cancel()
}

// CancelClient drops the client's queued tasks and cancels the contexts of
// its in-flight ones. Used when a transport connection goes away.
func (s *Scheduler) CancelClient(clientID string) int {
	s.mu.Lock()
	n := 0
	for i := 0; i < s.queue.Len(); {
		if s.queue[i].client == clientID {
			t := heap.Remove(&s.queue, i).(*task)
			s.settleLocked(t, Result{QueueWait: time.Since(t.enqueued)}, types.ErrTaskCanceled)
			n++
			continue
		}
		i++
	}
	for t := range s.inflight {
		if t.client == clientID {
			t.cancel()
			n++
		}
	}
	s.mu.Unlock()

	if n > 0 {
		log.Debug().Str("client_id", clientID).Int("count", n).Msg("Client tasks canceled")
	}
	return n
}

// QueueDepth returns the number of queued (not yet running) tasks.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// InFlight returns the number of running tasks.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// drainLocked fails every queued task. Called once during close.
func (s *Scheduler) drainLocked() {
	for s.queue.Len() > 0 {
		t := heap.Pop(&s.queue).(*task)
		s.settleLocked(t, Result{QueueWait: time.Since(t.enqueued)}, types.ErrSchedulerClosed)
	}
}

// Close rejects new work, fails the queue, and waits for in-flight tasks.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	s.dispatchW.Wait()
	s.taskW.Wait()
	log.Info().Msg("Scheduler stopped")
}
