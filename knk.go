// Package knk synchronizes game state with the Knights and Kings backend
// without ever blocking the game's main thread on network I/O.
//
// knk sits between a single-threaded, tick-driven game runtime and an
// asynchronous REST backend that owns player and world data. It provides:
//   - A state cache of versioned records, read synchronously on the main thread
//   - Optimistic write-behind with version tokens and conflict reconciliation
//   - Per-entity FIFO queues executed by a bounded worker pool
//   - A bounded bridge that hands completions back to the main thread
//   - Flush-on-unload with a timeout and a journal for unflushed records
//
// # Quick Start
//
//	cfg, err := knk.LoadConfig()
//	if err != nil {
//	    return err
//	}
//
//	reg, err := knk.NewBuilder(cfg).
//	    Provider(knk.NewRESTProvider("users", "/users")).
//	    Init()
//	if err != nil {
//	    return err
//	}
//
//	tick := knk.NewTickLoop(reg.Bridge())
//	reg.AttachHost(tick)
//	tick.Start()
//
// # Main thread
//
// The cache and the coordinators are owned by the main thread: the goroutine
// draining the Bridge. With a TickLoop that is the loop goroutine, and
// continuations registered with Future.Then run there:
//
//	users, _ := reg.Coordinator("users")
//	users.Load(key).Then(func(rec knk.Record, err error) {
//	    if err != nil {
//	        return
//	    }
//	    _ = users.Mutate(key, func(d knk.Document) (knk.Document, error) {
//	        return d.Set("coins", d.Int("coins")+5)
//	    }, knk.WithConflictResolver(knk.ReplayIntent))
//	})
//
// # Unloading
//
// When an entity leaves the game, Unload evicts it. Clean entities are dropped
// immediately; dirty ones get one final write bounded by the flush timeout.
// A flush that does not finish in time fails with ErrFlushTimeout, keeps the
// record in memory and spills it to the journal so it can be restored on the
// next load.
//
// # Shutdown
//
// Stop the host first, then call Registry.Shutdown. It unloads every entity,
// drives the bridge until the flushes settle, stops the scheduler and closes
// the bridge.
package knk
