package knk

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/tidwall/gjson"
)

// State is the lifecycle state of one entity.
type State uint8

const (
	Unloaded State = iota
	Loading
	Ready
	Saving
	Flushing
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Saving:
		return "saving"
	case Flushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Mutator computes a new document from the current one.
// It must not modify its argument.
type Mutator func(Document) (Document, error)

// ConflictResolver decides what happens to a mutation whose write lost a
// version race. It receives the freshly loaded record and the mutation's
// original function, and returns the document to write instead.
type ConflictResolver func(fresh Record, replay Mutator) (Document, error)

// ReplayIntent resolves conflicts by re-applying the original mutation to the
// fresh record. It suits commutative edits such as "add 5 gold".
func ReplayIntent(fresh Record, replay Mutator) (Document, error) {
	return replay(bytes.Clone(fresh.Payload))
}

// MutateOption configures a single mutation.
type MutateOption func(*mutation)

// WithCompletion registers fn to run on the main thread once the write
// carrying the mutation settles. fn receives nil on success.
func WithCompletion(fn func(error)) MutateOption {
	return func(m *mutation) {
		m.done = fn
	}
}

// WithConflictResolver replays the mutation through r after a version conflict
// instead of dropping it.
func WithConflictResolver(r ConflictResolver) MutateOption {
	return func(m *mutation) {
		m.resolver = r
	}
}

// Submitter accepts operations for off-thread execution.
type Submitter interface {
	Submit(op *Operation) error
}

// EntityStatus is a point-in-time view of one entity.
type EntityStatus struct {
	Key     EntityKey `json:"key"`
	State   State     `json:"state"`
	Version Version   `json:"version"`
	Dirty   bool      `json:"dirty"`
	Pending int       `json:"pending"`
}

// Coordinator owns the lifecycle of every entity of one namespace.
//
// All methods must be called on the main thread. Network work is handed to the
// Submitter and its completions come back through the Bridge, so none of the
// methods block on I/O.
type Coordinator struct {
	provider Provider
	opts     ProviderOptions
	cache    *Cache
	sched    Submitter
	bridge   *Bridge
	host     Host
	log      *slog.Logger
	entities map[EntityKey]*entity
}

// entity is the per-key state machine.
type entity struct {
	key   EntityKey
	state State

	// Loading
	load      *Future[Record]
	abandoned bool

	// Writing
	writing   *writeBatch
	pending   []*mutation
	unsynced  bool
	reloading bool
	conflicts int
	flushers  []*Future[bool]

	// Flushing
	unload   *Future[struct{}]
	timer    *time.Timer
	gen      uint64
	timedOut bool
	spilled  bool
}

type mutation struct {
	apply    Mutator
	delta    Document
	done     func(error)
	resolver ConflictResolver
}

type writeBatch struct {
	muts    []*mutation
	base    Version
	payload Document
}

// NewCoordinator creates a coordinator for the provider's namespace.
func NewCoordinator(p Provider, s Submitter, b *Bridge, opts ...ProviderOption) *Coordinator {
	o := defaultProviderOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Coordinator{
		provider: p,
		opts:     o,
		cache:    NewCache(p.Namespace()),
		sched:    s,
		bridge:   b,
		log:      o.Logger.With("provider", p.Name()),
		entities: make(map[EntityKey]*entity),
	}
}

// Namespace returns the namespace served by the coordinator.
func (c *Coordinator) Namespace() string {
	return c.provider.Namespace()
}

// AttachHost makes every loaded entity unload when the host reports it gone.
func (c *Coordinator) AttachHost(h Host) {
	c.host = h
}

// Get returns the cached record of a loaded entity without blocking.
// It reports false while the entity loads or reloads after a conflict.
func (c *Coordinator) Get(key EntityKey) (Record, bool) {
	e, ok := c.entities[key]
	if !ok || e.state == Loading || e.reloading {
		return Record{}, false
	}
	return c.cache.Get(key)
}

// Load returns the entity's record, fetching it if necessary.
// A cached record resolves immediately; a load already in flight is shared.
func (c *Coordinator) Load(key EntityKey) *Future[Record] {
	if e, ok := c.entities[key]; ok {
		switch e.state {
		case Loading:
			e.abandoned = false
			return e.load
		case Flushing:
			return Resolved(Record{}, fmt.Errorf("knk: load %s: %w", key, ErrUnloading))
		}
		rec, _ := c.cache.Get(key)
		return Resolved(rec, nil)
	}

	e := &entity{key: key, state: Loading, load: newFuture[Record]()}
	c.entities[key] = e
	if c.host != nil {
		c.host.OnEntityUnload(key, func() { c.Unload(key) })
	}
	c.submit(&Operation{
		Key:     key,
		Kind:    OpLoad,
		Request: c.provider.LoadRequest(key),
	}, func(res SyncResult) {
		c.onLoad(e, res)
	})
	return e.load
}

// Mutate applies fn to the cached document as an optimistic local edit and
// schedules a write-behind save. It returns ErrNotReady while the entity is
// not loaded and ErrUnloading while it is being flushed.
func (c *Coordinator) Mutate(key EntityKey, fn Mutator, opts ...MutateOption) error {
	return c.mutate(key, fn, nil, opts)
}

// Patch merges the top-level fields of delta into the cached document.
// Writes made only of patches are sent to the backend as a single merged patch.
func (c *Coordinator) Patch(key EntityKey, delta Document, opts ...MutateOption) error {
	if !delta.Valid() || !gjson.ParseBytes(delta).IsObject() {
		return fmt.Errorf("knk: patch %s: delta must be a JSON object", key)
	}
	delta = bytes.Clone(delta)
	return c.mutate(key, func(d Document) (Document, error) {
		return d.Merge(delta)
	}, delta, opts)
}

func (c *Coordinator) mutate(key EntityKey, fn Mutator, delta Document, opts []MutateOption) error {
	e, ok := c.entities[key]
	switch {
	case !ok, e.state == Loading, e.reloading:
		return fmt.Errorf("knk: mutate %s: %w", key, ErrNotReady)
	case e.state == Flushing:
		return fmt.Errorf("knk: mutate %s: %w", key, ErrUnloading)
	}

	rec, _ := c.cache.Get(key)
	next, err := fn(bytes.Clone(rec.Payload))
	if err != nil {
		return err
	}
	if err := c.cache.Stage(key, next); err != nil {
		return err
	}

	m := &mutation{apply: fn, delta: delta}
	for _, opt := range opts {
		opt(m)
	}
	e.pending = append(e.pending, m)
	c.dispatch(e, false)
	return nil
}

// Flush resolves to true once every local edit of the entity is confirmed.
// It resubmits edits whose previous write failed.
func (c *Coordinator) Flush(key EntityKey) *Future[bool] {
	e, ok := c.entities[key]
	if !ok {
		return Resolved(true, nil)
	}
	if e.state == Loading {
		return Resolved(false, fmt.Errorf("knk: flush %s: %w", key, ErrNotReady))
	}
	if c.clean(e) {
		return Resolved(true, nil)
	}

	f := newFuture[bool]()
	e.flushers = append(e.flushers, f)
	c.dispatch(e, true)
	return f
}

// Unload releases the entity.
//
// A clean entity is evicted immediately without a network call. A pending
// load is abandoned. A dirty entity gets one final write bounded by the flush
// timeout; if it does not complete in time the future fails with
// ErrFlushTimeout and the record is kept in memory and spilled to the journal.
func (c *Coordinator) Unload(key EntityKey) *Future[struct{}] {
	e, ok := c.entities[key]
	if !ok {
		return Resolved(struct{}{}, nil)
	}

	switch {
	case e.state == Loading:
		e.abandoned = true
		return Resolved(struct{}{}, nil)
	case e.state == Flushing:
		return e.unload
	case c.clean(e):
		c.evict(e)
		return Resolved(struct{}{}, nil)
	}

	e.state = Flushing
	e.unload = newFuture[struct{}]()
	e.timedOut = false
	e.gen++
	gen := e.gen
	e.timer = time.AfterFunc(c.opts.FlushTimeout, func() {
		c.bridge.Post(func() { c.onFlushTimeout(e, gen) })
	})
	c.dispatch(e, true)
	return e.unload
}

// UnloadAll unloads every entity and returns the pending unloads.
func (c *Coordinator) UnloadAll() []*Future[struct{}] {
	keys := make([]EntityKey, 0, len(c.entities))
	for k := range c.entities {
		keys = append(keys, k)
	}
	sortKeys(keys)

	futures := make([]*Future[struct{}], 0, len(keys))
	for _, k := range keys {
		futures = append(futures, c.Unload(k))
	}
	return futures
}

// Status returns the lifecycle state of key.
func (c *Coordinator) Status(key EntityKey) State {
	e, ok := c.entities[key]
	if !ok {
		return Unloaded
	}
	if e.reloading && e.state != Flushing {
		return Loading
	}
	return e.state
}

// Snapshot returns the status of every entity, ordered by key.
func (c *Coordinator) Snapshot() []EntityStatus {
	out := make([]EntityStatus, 0, len(c.entities))
	for key, e := range c.entities {
		st := EntityStatus{Key: key, State: c.Status(key), Pending: len(e.pending)}
		if e.writing != nil {
			st.Pending += len(e.writing.muts)
		}
		if rec, ok := c.cache.Get(key); ok {
			st.Version = rec.Version
			st.Dirty = rec.Dirty
		}
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b EntityStatus) int {
		return compareKeys(a.Key, b.Key)
	})
	return out
}

func (c *Coordinator) submit(op *Operation, done func(SyncResult)) {
	op.Done = done
	if err := c.sched.Submit(op); err != nil {
		done(SyncResult{
			Key:     op.Key,
			Kind:    op.Kind,
			Outcome: TransportFailure,
			Err:     fmt.Errorf("knk: submit %s %s: %w", op.Kind, op.Key, err),
		})
	}
}

func (c *Coordinator) onLoad(e *entity, res SyncResult) {
	key := e.key
	if c.entities[key] != e {
		return
	}
	if e.abandoned {
		delete(c.entities, key)
		e.state = Unloaded
		c.log.Debug("knk: discarded abandoned load", "key", key)
		e.load.resolve(Record{}, fmt.Errorf("knk: load %s: %w", key, ErrAbandoned))
		return
	}

	if res.Outcome != Success {
		if errors.Is(res.Err, ErrNotFound) && c.opts.DefaultDocument != nil {
			doc := c.opts.DefaultDocument(key)
			if len(doc) == 0 {
				doc = EmptyDocument()
			}
			c.cache.put(key, Record{Payload: doc, Dirty: true})
			e.unsynced = true
			c.log.Info("knk: created default record", "key", key)
			c.ready(e)
			return
		}
		delete(c.entities, key)
		e.state = Unloaded
		c.log.Warn("knk: load failed", "key", key, "error", res.Err)
		e.load.resolve(Record{}, fmt.Errorf("knk: load %s: %w", key, res.Err))
		return
	}

	rec := res.Record
	if len(rec.Payload) == 0 {
		rec.Payload = EmptyDocument()
	}
	c.cache.Commit(key, rec)
	c.restore(e, rec)
	c.ready(e)
}

func (c *Coordinator) ready(e *entity) {
	e.state = Ready
	rec, _ := c.cache.Get(e.key)
	e.load.resolve(rec, nil)
	c.dispatch(e, true)
}

// restore reapplies a journaled record left behind by a failed flush.
func (c *Coordinator) restore(e *entity, loaded Record) {
	j := c.opts.Journal
	if j == nil {
		return
	}
	spilled, ok, err := j.Load(e.key)
	if err != nil {
		c.log.Warn("knk: journal read failed", "key", e.key, "error", err)
		return
	}
	if !ok {
		return
	}

	if spilled.Version == loaded.Version {
		if err := c.cache.Stage(e.key, spilled.Payload); err == nil {
			e.unsynced = true
			c.log.Info("knk: restored unflushed record", "key", e.key, "version", loaded.Version)
		}
	} else {
		c.log.Warn("knk: discarded stale journal record",
			"key", e.key,
			"journal_version", spilled.Version,
			"server_version", loaded.Version)
	}
	if err := j.Delete(e.key); err != nil {
		c.log.Warn("knk: journal delete failed", "key", e.key, "error", err)
	}
}

// dispatch starts the next write for the entity if none is in flight.
// Edits made while a write is in flight are coalesced into the next one.
// Unsynced edits left by a failed write are only resent when force is set.
func (c *Coordinator) dispatch(e *entity, force bool) {
	if e.writing != nil || e.reloading {
		return
	}
	if len(e.pending) == 0 && !(force && e.unsynced) {
		return
	}
	rec, ok := c.cache.Get(e.key)
	if !ok {
		return
	}

	b := &writeBatch{muts: e.pending, base: rec.Version, payload: rec.Payload}
	op := &Operation{Key: e.key}
	if delta, ok := mergedDelta(b.muts); ok && !e.unsynced {
		op.Kind = OpPatch
		op.Request = c.provider.PatchRequest(e.key, rec.Version, delta)
	} else {
		op.Kind = OpSave
		op.Request = c.provider.SaveRequest(e.key, rec)
	}

	e.pending = nil
	e.unsynced = false
	e.writing = b
	if e.state == Ready {
		e.state = Saving
	}
	c.submit(op, func(res SyncResult) {
		c.onWrite(e, b, res)
	})
}

// mergedDelta folds the deltas of a batch made only of patches.
func mergedDelta(muts []*mutation) (Document, bool) {
	if len(muts) == 0 {
		return nil, false
	}
	merged := EmptyDocument()
	for _, m := range muts {
		if m.delta == nil {
			return nil, false
		}
		var err error
		if merged, err = merged.Merge(m.delta); err != nil {
			return nil, false
		}
	}
	return merged, true
}

func (c *Coordinator) onWrite(e *entity, b *writeBatch, res SyncResult) {
	if c.entities[e.key] != e || e.writing != b {
		return
	}
	e.writing = nil

	switch res.Outcome {
	case Success:
		c.confirm(e, b, res)
		settle(b.muts, nil)
	case Conflict:
		c.conflict(e, b, res)
		return
	default:
		e.unsynced = true
		c.log.Warn("knk: write failed",
			"key", e.key,
			"kind", res.Kind,
			"version", b.base,
			"error", res.Err)
		settle(b.muts, fmt.Errorf("knk: write %s: %w", e.key, res.Err))
	}
	c.afterWrite(e, res.Err)
}

// confirm commits a successful write. Edits made while it was in flight stay dirty.
func (c *Coordinator) confirm(e *entity, b *writeBatch, res SyncResult) {
	e.conflicts = 0
	version := b.base + 1
	if res.HasVersion {
		version = res.Record.Version
	}

	rec := Record{
		Payload:      b.payload,
		Version:      version,
		LastSyncedAt: res.Record.LastSyncedAt,
	}
	if len(e.pending) > 0 || e.unsynced {
		cur, _ := c.cache.Get(e.key)
		rec.Payload = cur.Payload
		rec.Dirty = true
	}
	c.cache.put(e.key, rec)
}

// conflict discards optimistic state and reloads the record before replaying.
// Past MaxConflictReloads consecutive conflicts the record is still reloaded
// but the intents are given up.
func (c *Coordinator) conflict(e *entity, b *writeBatch, res SyncResult) {
	intents := slices.Concat(b.muts, e.pending)
	e.pending = nil
	e.unsynced = false
	e.reloading = true
	e.conflicts++
	replay := e.conflicts <= c.opts.MaxConflictReloads
	if e.state == Saving {
		e.state = Ready
	}

	c.log.Info("knk: version conflict, reloading",
		"key", e.key,
		"local_version", b.base,
		"server_version", res.ServerVersion,
		"attempt", e.conflicts)
	c.submit(&Operation{
		Key:     e.key,
		Kind:    OpLoad,
		Request: c.provider.LoadRequest(e.key),
	}, func(r SyncResult) {
		c.onReload(e, intents, replay, res.Err, r)
	})
}

func (c *Coordinator) onReload(e *entity, intents []*mutation, replay bool, cause error, res SyncResult) {
	key := e.key
	if c.entities[key] != e {
		return
	}
	e.reloading = false
	ns := key.Namespace

	if res.Outcome != Success {
		SyncConflicts.WithLabelValues(ns, "reload_failed").Inc()
		err := fmt.Errorf("knk: reload %s after conflict: %w", key, errors.Join(cause, res.Err))
		c.log.Error("knk: dropped record after failed reload",
			"key", key,
			"intents", len(intents),
			"error", res.Err)

		c.stopTimer(e)
		c.cache.Drop(key)
		delete(c.entities, key)
		e.state = Unloaded
		settle(intents, err)
		c.resolveFlushers(e, false, err)
		if e.unload != nil {
			e.unload.resolve(struct{}{}, err)
		}
		return
	}

	fresh := res.Record
	if len(fresh.Payload) == 0 {
		fresh.Payload = EmptyDocument()
	}
	c.cache.put(key, fresh)

	if !replay {
		SyncConflicts.WithLabelValues(ns, "dropped").Add(float64(len(intents)))
		c.log.Warn("knk: gave up replaying after repeated conflicts",
			"key", key,
			"reloads", e.conflicts,
			"intents", len(intents))
		err := fmt.Errorf("knk: mutate %s: gave up after %d reloads: %w", key, e.conflicts, ErrVersionConflict)
		e.conflicts = 0
		settle(intents, err)
		c.afterWrite(e, nil)
		return
	}

	for _, m := range intents {
		if m.resolver == nil {
			SyncConflicts.WithLabelValues(ns, "dropped").Inc()
			m.settle(fmt.Errorf("knk: mutate %s: %w", key, ErrVersionConflict))
			continue
		}
		cur, _ := c.cache.Get(key)
		next, err := m.resolver(cur, m.apply)
		if err == nil {
			err = c.cache.Stage(key, next)
		}
		if err != nil {
			SyncConflicts.WithLabelValues(ns, "dropped").Inc()
			m.settle(fmt.Errorf("knk: replay %s: %w", key, errors.Join(ErrVersionConflict, err)))
			continue
		}
		SyncConflicts.WithLabelValues(ns, "replayed").Inc()
		e.pending = append(e.pending, m)
	}
	if len(e.pending) == 0 {
		e.conflicts = 0
	}
	c.afterWrite(e, nil)
}

// afterWrite continues the entity's lifecycle once a write or reload settled.
func (c *Coordinator) afterWrite(e *entity, err error) {
	if e.state == Saving {
		e.state = Ready
	}
	c.dispatch(e, false)

	switch {
	case c.clean(e):
		if e.spilled {
			c.forget(e)
		}
		c.resolveFlushers(e, true, nil)
	case err != nil && e.writing == nil:
		c.resolveFlushers(e, false, fmt.Errorf("knk: flush %s: %w", e.key, err))
	}

	if e.state != Flushing {
		return
	}
	switch {
	case c.clean(e):
		c.finishUnload(e)
	case e.writing == nil && !e.reloading:
		c.flushFailed(e, err)
	}
}

func (c *Coordinator) onFlushTimeout(e *entity, gen uint64) {
	if c.entities[e.key] != e || e.state != Flushing || e.gen != gen || e.timedOut {
		return
	}
	e.timedOut = true
	FlushTimeouts.WithLabelValues(e.key.Namespace).Inc()

	rec, _ := c.cache.Get(e.key)
	c.log.Error("knk: flush timed out",
		"key", e.key,
		"version", rec.Version,
		"timeout", c.opts.FlushTimeout,
		"data_loss_risk", true)
	c.spill(e)

	err := fmt.Errorf("knk: unload %s: %w", e.key, ErrFlushTimeout)
	c.resolveFlushers(e, false, err)
	e.unload.resolve(struct{}{}, err)
}

func (c *Coordinator) finishUnload(e *entity) {
	if e.timedOut {
		c.log.Info("knk: late flush succeeded", "key", e.key)
	}
	c.evict(e)
	e.unload.resolve(struct{}{}, nil)
}

// flushFailed keeps the entity loaded after its final write failed.
func (c *Coordinator) flushFailed(e *entity, err error) {
	if err == nil {
		err = ErrDirty
	}
	c.stopTimer(e)
	c.log.Error("knk: final flush failed",
		"key", e.key,
		"error", err,
		"data_loss_risk", true)
	c.spill(e)
	e.state = Ready
	e.unload.resolve(struct{}{}, fmt.Errorf("knk: unload %s: %w", e.key, err))
	e.unload = nil
}

func (c *Coordinator) evict(e *entity) {
	c.stopTimer(e)
	if err := c.cache.Release(e.key); err != nil {
		c.log.Warn("knk: evicting dirty record", "key", e.key, "error", err)
		c.cache.Drop(e.key)
	}
	delete(c.entities, e.key)
	e.state = Unloaded
}

func (c *Coordinator) spill(e *entity) {
	j := c.opts.Journal
	if j == nil {
		return
	}
	rec, ok := c.cache.Get(e.key)
	if !ok {
		return
	}
	if err := j.Save(rec); err != nil {
		c.log.Error("knk: journal write failed", "key", e.key, "error", err, "data_loss_risk", true)
		return
	}
	e.spilled = true
}

// forget removes the journal entry of a record that is clean again.
func (c *Coordinator) forget(e *entity) {
	if err := c.opts.Journal.Delete(e.key); err != nil {
		c.log.Warn("knk: journal delete failed", "key", e.key, "error", err)
		return
	}
	e.spilled = false
}

func (c *Coordinator) stopTimer(e *entity) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (c *Coordinator) clean(e *entity) bool {
	if e.writing != nil || e.reloading || e.unsynced || len(e.pending) > 0 {
		return false
	}
	rec, ok := c.cache.Get(e.key)
	return !ok || !rec.Dirty
}

func (c *Coordinator) resolveFlushers(e *entity, ok bool, err error) {
	flushers := e.flushers
	e.flushers = nil
	for _, f := range flushers {
		f.resolve(ok, err)
	}
}

func (m *mutation) settle(err error) {
	if m.done != nil {
		m.done(err)
	}
}

func settle(muts []*mutation, err error) {
	for _, m := range muts {
		m.settle(err)
	}
}
