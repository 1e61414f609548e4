package knk

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Scheduler executes backend operations off the main thread.
//
// Operations are queued per EntityKey. Queues are served FIFO by a fixed pool
// of workers, and at most one operation per key is in flight at any time.
// Results are posted to the Bridge before the key's queue advances, so the
// main thread observes same-key completions in execution order.
type Scheduler struct {
	transport Transport
	bridge    *Bridge
	log       *slog.Logger
	workers   int

	// Queue state; never held across a network call.
	mu       sync.Mutex
	cond     *sync.Cond
	queues   map[EntityKey]*keyQueue
	ready    []EntityKey
	stopping bool

	// Execution state
	running  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	workerWG sync.WaitGroup
	doneCh   chan struct{}
}

// keyQueue holds the pending operations of one key.
type keyQueue struct {
	ops  []*Operation
	busy bool
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithWorkers sets the size of the worker pool.
func WithWorkers(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.log = l
	}
}

// NewScheduler creates a scheduler that sends requests through t and posts
// completions to b.
func NewScheduler(t Transport, b *Bridge, opts ...SchedulerOption) *Scheduler {
	workers := runtime.GOMAXPROCS(0)
	if workers < 1 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		transport: t,
		bridge:    b,
		log:       slog.Default(),
		workers:   workers,
		queues:    make(map[EntityKey]*keyQueue),
		ctx:       ctx,
		cancel:    cancel,
		doneCh:    make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the worker pool.
func (s *Scheduler) Start() {
	if s.running.Swap(true) {
		return // Already running
	}

	for i := 0; i < s.workers; i++ {
		s.workerWG.Add(1)
		go s.worker()
	}

	go func() {
		s.workerWG.Wait()
		close(s.doneCh)
	}()
}

// Stop refuses new operations and waits for queued ones to finish.
// When ctx ends first, in-flight requests are cancelled and the remaining
// operations fail fast; Stop still waits for their completions to be posted.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.cond.Broadcast()
	s.mu.Unlock()

	if !s.running.Load() {
		s.cancel()
		return nil
	}

	select {
	case <-s.doneCh:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-s.doneCh
		return fmt.Errorf("knk: scheduler stop: %w", ctx.Err())
	}
}

// Submit queues an operation behind every earlier operation of the same key.
func (s *Scheduler) Submit(op *Operation) error {
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping || !s.running.Load() {
		return ErrClosed
	}

	q, ok := s.queues[op.Key]
	if !ok {
		q = &keyQueue{}
		s.queues[op.Key] = q
	}
	q.ops = append(q.ops, op)
	if !q.busy && len(q.ops) == 1 {
		s.ready = append(s.ready, op.Key)
		s.cond.Signal()
	}
	SchedulerQueued.WithLabelValues(op.Key.Namespace).Inc()
	return nil
}

// Pending returns the number of queued and in-flight operations for key.
func (s *Scheduler) Pending(key EntityKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[key]
	if !ok {
		return 0
	}
	n := len(q.ops)
	if q.busy {
		n++
	}
	return n
}

// worker serves ready keys until the scheduler stops and no work is left.
func (s *Scheduler) worker() {
	defer s.workerWG.Done()
	for {
		op, ok := s.next()
		if !ok {
			return
		}
		s.execute(op)
		s.advance(op.Key)
	}
}

// next pops the head of the oldest ready key, marking the key busy.
func (s *Scheduler) next() (*Operation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.ready) == 0 && !s.stopping {
		s.cond.Wait()
	}
	if len(s.ready) == 0 {
		return nil, false
	}

	key := s.ready[0]
	s.ready[0] = EntityKey{}
	s.ready = s.ready[1:]

	q := s.queues[key]
	op := q.ops[0]
	q.ops[0] = nil
	q.ops = q.ops[1:]
	q.busy = true
	SchedulerQueued.WithLabelValues(key.Namespace).Dec()
	return op, true
}

// advance releases the key after its operation's completion was posted.
func (s *Scheduler) advance(key EntityKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[key]
	q.busy = false
	if len(q.ops) == 0 {
		delete(s.queues, key)
		return
	}
	s.ready = append(s.ready, key)
	s.cond.Signal()
}

// execute runs one operation and posts its result to the bridge.
func (s *Scheduler) execute(op *Operation) {
	SchedulerInFlight.Inc()
	defer SchedulerInFlight.Dec()

	op.Attempt++
	res := s.send(op)
	SchedulerResults.WithLabelValues(op.Key.Namespace, op.Kind.String(), res.Outcome.String()).Inc()

	if op.Done == nil {
		return
	}
	done := op.Done
	if !s.bridge.Post(func() { done(res) }) {
		s.log.Warn("knk: dropped completion, bridge closed",
			"key", op.Key,
			"kind", op.Kind,
			"outcome", res.Outcome)
	}
}

// send performs the request, converting a panic into a failed operation.
func (s *Scheduler) send(op *Operation) (res SyncResult) {
	defer func() {
		if r := recover(); r != nil {
			res = s.handlePanic(op, r)
		}
	}()
	resp, err := s.transport.Send(s.ctx, op.Request)
	return newSyncResult(op, resp, err, time.Now())
}

func (s *Scheduler) handlePanic(op *Operation, recovered any) SyncResult {
	s.log.Error("knk: panic in operation",
		"key", op.Key,
		"kind", op.Kind,
		"panic", recovered,
		"stack", string(debug.Stack()))
	return SyncResult{
		Key:     op.Key,
		Kind:    op.Kind,
		Outcome: TransportFailure,
		Err:     fmt.Errorf("knk: panic in %s %s: %v: %w", op.Kind, op.Key, recovered, ErrTransient),
	}
}
