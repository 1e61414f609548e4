package knk

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

// Registry holds the active coordinators of a process and the shared
// scheduler and bridge behind them.
//
// A Registry is created by Builder.Init and torn down by Shutdown. Multiple
// registries can coexist for running multiple isolated servers.
type Registry struct {
	cfg       Config
	bridge    *Bridge
	scheduler *Scheduler
	journal   Journal
	log       *slog.Logger

	// coordinators maps namespace -> coordinator
	coordinators *xsync.MapOf[string, *Coordinator]

	hostMu sync.Mutex
	host   Host

	closing atomic.Bool
}

func newRegistry(cfg Config, t Transport, j Journal, log *slog.Logger) *Registry {
	bridge := NewBridge(cfg.BridgeCapacity, cfg.MaxDrainPerTick)
	bridge.log = log
	return &Registry{
		cfg:    cfg,
		bridge: bridge,
		scheduler: NewScheduler(t, bridge,
			WithWorkers(cfg.Workers),
			WithSchedulerLogger(log)),
		journal:      j,
		log:          log,
		coordinators: xsync.NewMapOf[string, *Coordinator](),
	}
}

// Bridge returns the bridge the main thread must drain.
func (r *Registry) Bridge() *Bridge {
	return r.bridge
}

// Scheduler returns the shared scheduler.
func (r *Registry) Scheduler() *Scheduler {
	return r.scheduler
}

// Config returns the configuration the registry was built with.
func (r *Registry) Config() Config {
	return r.cfg
}

// AttachHost wires the host's unload notifications into every coordinator,
// including ones registered later.
func (r *Registry) AttachHost(h Host) {
	r.hostMu.Lock()
	r.host = h
	r.hostMu.Unlock()

	r.coordinators.Range(func(_ string, c *Coordinator) bool {
		c.AttachHost(h)
		return true
	})
}

// Register creates the coordinator for the provider's namespace.
// Options override the registry defaults such as the flush timeout and journal.
func (r *Registry) Register(p Provider, opts ...ProviderOption) (*Coordinator, error) {
	if r.closing.Load() {
		return nil, fmt.Errorf("knk: register %s: %w", p.Name(), ErrClosed)
	}

	defaults := []ProviderOption{
		WithFlushTimeout(r.cfg.FlushTimeout),
		WithMaxConflictReloads(r.cfg.MaxConflictReloads),
		WithLogger(r.log),
	}
	if r.journal != nil {
		defaults = append(defaults, WithJournal(r.journal))
	}
	c := NewCoordinator(p, r.scheduler, r.bridge, append(defaults, opts...)...)

	r.hostMu.Lock()
	if r.host != nil {
		c.AttachHost(r.host)
	}
	r.hostMu.Unlock()

	if _, loaded := r.coordinators.LoadOrStore(p.Namespace(), c); loaded {
		return nil, fmt.Errorf("knk: namespace %q already registered", p.Namespace())
	}
	r.log.Debug("knk: registered provider", "provider", p.Name(), "namespace", p.Namespace())
	return c, nil
}

// Coordinator returns the coordinator of a namespace.
func (r *Registry) Coordinator(namespace string) (*Coordinator, bool) {
	return r.coordinators.Load(namespace)
}

// Coordinators returns every coordinator ordered by namespace.
func (r *Registry) Coordinators() []*Coordinator {
	out := make([]*Coordinator, 0, r.coordinators.Size())
	r.coordinators.Range(func(_ string, c *Coordinator) bool {
		out = append(out, c)
		return true
	})
	slices.SortFunc(out, func(a, b *Coordinator) int {
		return cmp.Compare(a.Namespace(), b.Namespace())
	})
	return out
}

// Start launches the scheduler.
func (r *Registry) Start() {
	r.scheduler.Start()
}

// Snapshot collects the status of every entity through the main thread.
// It is meant for off-thread callers such as the admin endpoint.
func (r *Registry) Snapshot(ctx context.Context) (map[string][]EntityStatus, error) {
	ch := make(chan map[string][]EntityStatus, 1)
	err := r.bridge.PostContext(ctx, func() {
		out := make(map[string][]EntityStatus)
		for _, c := range r.Coordinators() {
			out[c.Namespace()] = c.Snapshot()
		}
		ch <- out
	})
	if err != nil {
		return nil, err
	}

	select {
	case out := <-ch:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown flushes every entity and stops the registry.
//
// The sequence is: refuse new registrations, unload every entity of every
// coordinator, drive the bridge until those unloads settle or ctx ends, stop
// the scheduler, close the bridge.
//
// Shutdown takes over as the main thread. Call it from the main thread or
// after the host has stopped draining the bridge.
func (r *Registry) Shutdown(ctx context.Context) error {
	if r.closing.Swap(true) {
		return ErrClosed
	}

	var futures []*Future[struct{}]
	for _, c := range r.Coordinators() {
		futures = append(futures, c.UnloadAll()...)
	}
	r.log.Info("knk: flushing entities", "count", len(futures))

	var errs []error
	if err := r.await(ctx, futures); err != nil {
		errs = append(errs, err)
	}

	stopped := make(chan error, 1)
	go func() {
		stopped <- r.scheduler.Stop(ctx)
	}()
	if err := r.drive(stopped); err != nil {
		errs = append(errs, err)
	}

	r.bridge.Close()
	r.bridge.DrainAll()

	if err := errors.Join(errs...); err != nil {
		r.log.Error("knk: shutdown incomplete", "error", err)
		return fmt.Errorf("knk: shutdown: %w", err)
	}
	r.log.Info("knk: shutdown complete")
	return nil
}

// await drains the bridge until every future settles or ctx ends.
func (r *Registry) await(ctx context.Context, futures []*Future[struct{}]) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, f := range futures {
		g.Go(func() error {
			if _, err := f.Wait(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()
	if err := r.drive(done); err != nil {
		return err
	}
	return errors.Join(errs...)
}

// drive runs bridge continuations on the calling goroutine until done fires.
func (r *Registry) drive(done <-chan error) error {
	for {
		select {
		case err := <-done:
			r.bridge.DrainAll()
			return err
		case <-r.bridge.Notify():
			r.bridge.DrainAll()
		}
	}
}
