package knk

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Bridge hands completions from worker goroutines to the main thread.
//
// Producers are scheduler workers and timers. The only consumer is the main
// thread, which calls Drain once per tick and whenever Notify fires.
// Continuations posted by one goroutine run in the order they were posted.
type Bridge struct {
	queue    chan func()
	notif    chan struct{}
	closing  chan struct{}
	closed   atomic.Bool
	once     sync.Once
	maxDrain int
	log      *slog.Logger
}

// NewBridge creates a bridge holding at most capacity pending continuations.
// Each call to Drain runs at most maxDrain of them.
func NewBridge(capacity, maxDrain int) *Bridge {
	if capacity < 1 {
		capacity = 1
	}
	if maxDrain < 1 {
		maxDrain = capacity
	}
	return &Bridge{
		queue:    make(chan func(), capacity),
		notif:    make(chan struct{}, 1),
		closing:  make(chan struct{}),
		maxDrain: maxDrain,
		log:      slog.Default(),
	}
}

// Post enqueues fn for the main thread. It blocks while the bridge is full
// and returns false once the bridge is closed.
// Post must never be called from the main thread; use TryPost there.
func (b *Bridge) Post(fn func()) bool {
	return b.PostContext(context.Background(), fn) == nil
}

// PostContext is Post bounded by ctx. It returns ErrClosed once the bridge
// is closed and ctx.Err() if ctx ends while the bridge is full.
func (b *Bridge) PostContext(ctx context.Context, fn func()) error {
	if b.closed.Load() {
		return ErrClosed
	}
	select {
	case b.queue <- fn:
	case <-b.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	b.posted()
	return nil
}

// TryPost enqueues fn without blocking. It returns false when the bridge is
// full or closed. Safe to call from the main thread.
func (b *Bridge) TryPost(fn func()) bool {
	if b.closed.Load() {
		return false
	}
	select {
	case b.queue <- fn:
	default:
		return false
	}
	b.posted()
	return true
}

func (b *Bridge) posted() {
	BridgeDepth.Set(float64(len(b.queue)))
	select {
	case b.notif <- struct{}{}:
	default:
	}
}

// Notify returns a channel that receives a value after continuations are posted.
func (b *Bridge) Notify() <-chan struct{} {
	return b.notif
}

// Drain runs pending continuations on the calling goroutine, which must be
// the main thread. It stops after the per-tick budget and returns the count run.
func (b *Bridge) Drain() int {
	return b.drain(b.maxDrain)
}

// DrainAll runs every pending continuation, including ones posted while draining.
func (b *Bridge) DrainAll() int {
	total := 0
	for {
		n := b.drain(b.maxDrain)
		total += n
		if n == 0 {
			return total
		}
	}
}

// Len returns the number of pending continuations.
func (b *Bridge) Len() int {
	return len(b.queue)
}

// Close stops accepting continuations and unblocks waiting producers.
// Already queued continuations can still be drained.
func (b *Bridge) Close() {
	b.once.Do(func() {
		b.closed.Store(true)
		close(b.closing)
	})
}

// Closed reports whether Close has been called.
func (b *Bridge) Closed() bool {
	return b.closed.Load()
}

func (b *Bridge) drain(limit int) int {
	n := 0
	for n < limit {
		select {
		case fn := <-b.queue:
			b.run(fn)
			n++
		default:
			BridgeDepth.Set(float64(len(b.queue)))
			return n
		}
	}
	BridgeDepth.Set(float64(len(b.queue)))
	return n
}

// run executes a continuation, keeping the main thread alive on panic.
func (b *Bridge) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("knk: continuation panicked",
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}
