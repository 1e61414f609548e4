package knk

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// TickLoop is a Host whose main thread is a dedicated goroutine ticking at a
// fixed rate. Each tick drains the Bridge and runs the registered tick hooks.
// Continuations posted between ticks are run as soon as they arrive.
type TickLoop struct {
	bridge *Bridge
	log    *slog.Logger
	exec   func(fn func())

	hooks   []func(tick uint64)
	hooksMu sync.RWMutex

	// unloads maps an entity to the hooks fired when it leaves the game.
	unloads *xsync.MapOf[EntityKey, []func()]

	// deferred holds unload hooks that found the bridge full; the next tick runs them.
	deferredMu sync.Mutex
	deferred   []func()

	// passMu serializes main-thread passes with Stop; no pass runs once stopped is set.
	passMu  sync.Mutex
	stopped bool

	// Execution state
	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// Tick tracking
	tickRate   time.Duration
	tickNumber atomic.Uint64
}

// TickOption configures a TickLoop.
type TickOption func(*TickLoop)

// WithTickRate sets the tick interval. Default: 50ms (20 TPS).
func WithTickRate(d time.Duration) TickOption {
	return func(t *TickLoop) {
		if d > 0 {
			t.tickRate = d
		}
	}
}

// WithExec wraps every main-thread pass in exec. Hosts with their own
// transaction model (such as a world transaction) use it to run the bridge
// inside that transaction.
func WithExec(exec func(fn func())) TickOption {
	return func(t *TickLoop) {
		t.exec = exec
	}
}

// WithTickLogger sets the logger.
func WithTickLogger(l *slog.Logger) TickOption {
	return func(t *TickLoop) {
		t.log = l
	}
}

// NewTickLoop creates a tick loop consuming b.
func NewTickLoop(b *Bridge, opts ...TickOption) *TickLoop {
	t := &TickLoop{
		bridge:   b,
		log:      slog.Default(),
		exec:     func(fn func()) { fn() },
		unloads:  xsync.NewMapOf[EntityKey, []func()](),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		tickRate: 50 * time.Millisecond, // 20 TPS
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start begins ticking.
func (t *TickLoop) Start() {
	if t.running.Swap(true) {
		return // Already running
	}
	go t.loop()
}

// Stop halts the loop and waits for the current tick to finish.
// After Stop the caller becomes responsible for draining the bridge: passes
// still queued in the exec wrapper are skipped when they eventually run.
func (t *TickLoop) Stop() {
	if !t.running.Swap(false) {
		return // Not running
	}
	close(t.stopCh)
	<-t.doneCh

	t.passMu.Lock()
	t.stopped = true
	t.passMu.Unlock()
}

// RunOnMainThread implements Host. It blocks while the bridge is full, so it
// must not be called from the main thread.
func (t *TickLoop) RunOnMainThread(fn func()) {
	if !t.bridge.Post(fn) {
		t.log.Warn("knk: dropped main thread task, bridge closed")
	}
}

// RunAsync implements Host.
func (t *TickLoop) RunAsync(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				t.log.Error("knk: async task panicked",
					"panic", r,
					"stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}

// OnEntityUnload implements Host.
func (t *TickLoop) OnEntityUnload(key EntityKey, fn func()) {
	t.unloads.Compute(key, func(old []func(), _ bool) ([]func(), bool) {
		return append(old, fn), false
	})
}

// EntityUnloaded reports that the entity behind key left the game.
// Its unload hooks run once, on the main thread. It never blocks, so it is
// safe to call from any goroutine, including the main thread inside a game
// handler: when the bridge is full the hooks run on the next tick instead.
func (t *TickLoop) EntityUnloaded(key EntityKey) {
	hooks, ok := t.unloads.LoadAndDelete(key)
	if !ok {
		return
	}
	fire := func() {
		for _, fn := range hooks {
			fn()
		}
	}
	if t.bridge.TryPost(fire) {
		return
	}
	if t.bridge.Closed() {
		t.log.Warn("knk: dropped unload hooks, bridge closed", "key", key)
		return
	}
	t.deferredMu.Lock()
	t.deferred = append(t.deferred, fire)
	t.deferredMu.Unlock()
}

// OnTick registers fn to run on the main thread every tick.
func (t *TickLoop) OnTick(fn func(tick uint64)) {
	t.hooksMu.Lock()
	t.hooks = append(t.hooks, fn)
	t.hooksMu.Unlock()
}

// TickNumber returns the number of ticks run so far.
func (t *TickLoop) TickNumber() uint64 {
	return t.tickNumber.Load()
}

// loop is the main thread.
func (t *TickLoop) loop() {
	defer close(t.doneCh)

	ticker := time.NewTicker(t.tickRate)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return

		case <-ticker.C:
			t.tick()

		case <-t.bridge.Notify():
			// Run completions between ticks
			t.pass(func() { t.bridge.Drain() })
		}
	}
}

// tick executes one tick.
func (t *TickLoop) tick() {
	n := t.tickNumber.Add(1)

	t.hooksMu.RLock()
	hooks := t.hooks
	t.hooksMu.RUnlock()

	t.pass(func() {
		t.runDeferred()
		t.bridge.Drain()
		for _, fn := range hooks {
			t.runHook(fn, n)
		}
	})
}

// pass runs fn as one main-thread pass through the exec wrapper, unless the
// loop has been stopped by the time the wrapper gets to it.
func (t *TickLoop) pass(fn func()) {
	t.exec(func() {
		t.passMu.Lock()
		defer t.passMu.Unlock()
		if t.stopped {
			return
		}
		fn()
	})
}

func (t *TickLoop) runDeferred() {
	t.deferredMu.Lock()
	deferred := t.deferred
	t.deferred = nil
	t.deferredMu.Unlock()

	for _, fn := range deferred {
		t.bridge.run(fn)
	}
}

func (t *TickLoop) runHook(fn func(uint64), n uint64) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("knk: tick hook panicked",
				"tick", n,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn(n)
}
