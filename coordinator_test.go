package knk

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	t       *testing.T
	backend *fakeBackend
	bridge  *Bridge
	sched   *Scheduler
	coord   *Coordinator
}

func newHarness(t *testing.T, opts ...ProviderOption) *harness {
	t.Helper()
	backend := newFakeBackend()
	h := newHarnessWith(t, backend, opts...)
	h.backend = backend
	return h
}

// newHarnessWith builds a harness around tr. Its backend field is nil.
func newHarnessWith(t *testing.T, tr Transport, opts ...ProviderOption) *harness {
	t.Helper()
	bridge := NewBridge(256, 256)
	sched := NewScheduler(tr, bridge, WithWorkers(4))
	sched.Start()
	t.Cleanup(func() {
		bridge.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sched.Stop(ctx)
	})
	return &harness{
		t:       t,
		bridge:  bridge,
		sched:   sched,
		coord:   NewCoordinator(NewRESTProvider("users", "/users"), sched, bridge, opts...),
	}
}

func (h *harness) load(key EntityKey) Record {
	h.t.Helper()
	f := h.coord.Load(key)
	drive(h.t, h.bridge, settled(f))
	rec, err := f.Result()
	require.NoError(h.t, err)
	return rec
}

func (h *harness) await(cond func() bool) {
	h.t.Helper()
	drive(h.t, h.bridge, cond)
}

func addGold(n int64) Mutator {
	return func(d Document) (Document, error) {
		return d.Set("gold", d.Int("gold")+n)
	}
}

// completion records the result of a mutation.
type completion struct {
	done bool
	err  error
}

func (c *completion) opt() MutateOption {
	return WithCompletion(func(err error) {
		c.done = true
		c.err = err
	})
}

func (c *completion) settled() bool { return c.done }

func TestCoordinatorMutateConfirms(t *testing.T) {
	h := newHarness(t)
	key := NewKey("users", "42")
	h.backend.put("/users/42", `{"gold":10}`, 1)

	rec := h.load(key)
	assert.EqualValues(t, 1, rec.Version)
	assert.EqualValues(t, 10, rec.Payload.Int("gold"))
	assert.Equal(t, Ready, h.coord.Status(key))

	var c completion
	require.NoError(t, h.coord.Mutate(key, addGold(5), c.opt()))

	// The edit is visible immediately, before the backend confirms it.
	rec, ok := h.coord.Get(key)
	require.True(t, ok)
	assert.EqualValues(t, 15, rec.Payload.Int("gold"))
	assert.True(t, rec.Dirty)
	assert.Equal(t, Saving, h.coord.Status(key))

	h.await(c.settled)
	require.NoError(t, c.err)

	rec, _ = h.coord.Get(key)
	assert.EqualValues(t, 2, rec.Version)
	assert.EqualValues(t, 15, rec.Payload.Int("gold"))
	assert.False(t, rec.Dirty)
	assert.Equal(t, Ready, h.coord.Status(key))

	puts := h.backend.requests(http.MethodPut)
	require.Len(t, puts, 1)
	assert.Equal(t, `"1"`, puts[0].Header.Get("If-Match"))

	doc, _ := h.backend.get("/users/42")
	assert.EqualValues(t, 2, doc.version)
	assert.JSONEq(t, `{"gold":15}`, string(doc.body))
}

func TestCoordinatorCoalescesEditsWhileWriting(t *testing.T) {
	h := newHarness(t)
	key := NewKey("users", "42")
	h.backend.put("/users/42", `{"gold":10}`, 1)
	h.load(key)

	release := h.backend.holdRequests(http.MethodPut)

	var first, second, third completion
	require.NoError(t, h.coord.Mutate(key, addGold(1), first.opt()))
	require.NoError(t, h.coord.Mutate(key, addGold(2), second.opt()))
	require.NoError(t, h.coord.Mutate(key, addGold(3), third.opt()))

	status := h.coord.Snapshot()
	require.Len(t, status, 1)
	assert.Equal(t, 3, status[0].Pending)

	release()
	h.await(func() bool { return first.done && second.done && third.done })
	require.NoError(t, first.err)
	require.NoError(t, second.err)
	require.NoError(t, third.err)

	// One write for the first edit, one for the two coalesced ones.
	assert.Equal(t, 2, h.backend.count(http.MethodPut))

	rec, _ := h.coord.Get(key)
	assert.EqualValues(t, 3, rec.Version)
	assert.EqualValues(t, 16, rec.Payload.Int("gold"))
	assert.False(t, rec.Dirty)
}

func TestCoordinatorPatchSendsMergedDelta(t *testing.T) {
	h := newHarness(t)
	key := NewKey("users", "7")
	h.backend.put("/users/7", `{"gold":1,"name":"ana"}`, 4)
	h.load(key)

	var c completion
	require.NoError(t, h.coord.Patch(key, Document(`{"gold":2}`), c.opt()))
	h.await(c.settled)
	require.NoError(t, c.err)

	patches := h.backend.requests(http.MethodPatch)
	require.Len(t, patches, 1)
	assert.JSONEq(t, `{"gold":2}`, string(patches[0].Body))
	assert.Equal(t, `"4"`, patches[0].Header.Get("If-Match"))

	rec, _ := h.coord.Get(key)
	assert.EqualValues(t, 5, rec.Version)
	assert.JSONEq(t, `{"gold":2,"name":"ana"}`, string(rec.Payload))

	assert.Error(t, h.coord.Patch(key, Document(`[1,2]`)))
}

func TestCoordinatorMutateBeforeLoad(t *testing.T) {
	h := newHarness(t)
	key := NewKey("users", "1")

	err := h.coord.Mutate(key, addGold(1))
	assert.ErrorIs(t, err, ErrNotReady)
	assert.True(t, IsRetryable(err))

	release := h.backend.holdRequests(http.MethodGet)
	defer release()
	h.backend.put("/users/1", `{}`, 1)
	h.coord.Load(key)
	assert.Equal(t, Loading, h.coord.Status(key))
	assert.ErrorIs(t, h.coord.Mutate(key, addGold(1)), ErrNotReady)
	_, ok := h.coord.Get(key)
	assert.False(t, ok)
}

func TestCoordinatorLoadIsShared(t *testing.T) {
	h := newHarness(t)
	key := NewKey("users", "5")
	h.backend.put("/users/5", `{"gold":3}`, 2)

	release := h.backend.holdRequests(http.MethodGet)
	a := h.coord.Load(key)
	b := h.coord.Load(key)
	assert.Same(t, a, b)
	release()

	drive(t, h.bridge, settled(a))
	assert.Equal(t, 1, h.backend.count(http.MethodGet))

	// A cached record resolves without a request.
	c := h.coord.Load(key)
	rec, err := c.Result()
	require.NoError(t, err)
	assert.EqualValues(t, 2, rec.Version)
	assert.Equal(t, 1, h.backend.count(http.MethodGet))
}

func TestCoordinatorLoadNotFound(t *testing.T) {
	h := newHarness(t)
	key := NewKey("users", "missing")

	f := h.coord.Load(key)
	drive(t, h.bridge, settled(f))
	_, err := f.Result()
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, Unloaded, h.coord.Status(key))
}

func TestCoordinatorLoadCreatesDefaultRecord(t *testing.T) {
	h := newHarness(t, WithDefaultDocument(func(EntityKey) Document {
		return Document(`{"gold":0}`)
	}))
	key := NewKey("users", "new")

	f := h.coord.Load(key)
	drive(t, h.bridge, settled(f))
	rec, err := f.Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, rec.Version)
	assert.True(t, rec.Dirty)

	h.await(func() bool {
		rec, _ := h.coord.Get(key)
		return !rec.Dirty
	})
	puts := h.backend.requests(http.MethodPut)
	require.Len(t, puts, 1)
	assert.Equal(t, "*", puts[0].Header.Get("If-None-Match"))

	rec, _ = h.coord.Get(key)
	assert.EqualValues(t, 1, rec.Version)
}

func TestCoordinatorCleanUnloadSkipsNetwork(t *testing.T) {
	h := newHarness(t)
	key := NewKey("users", "42")
	h.backend.put("/users/42", `{"gold":10}`, 1)
	h.load(key)

	f := h.coord.Unload(key)
	_, err := f.Result()
	require.NoError(t, err)
	assert.Equal(t, Unloaded, h.coord.Status(key))
	assert.Equal(t, 1, h.backend.count(http.MethodGet))
	assert.Zero(t, h.backend.count(http.MethodPut))
	assert.Zero(t, h.coord.cache.Len())
}

func TestCoordinatorDirtyUnloadFlushesOnce(t *testing.T) {
	h := newHarness(t)
	key := NewKey("users", "42")
	h.backend.put("/users/42", `{"gold":10}`, 1)
	h.load(key)

	release := h.backend.holdRequests(http.MethodPut)
	require.NoError(t, h.coord.Mutate(key, addGold(5)))

	f := h.coord.Unload(key)
	assert.Equal(t, Flushing, h.coord.Status(key))
	assert.ErrorIs(t, h.coord.Mutate(key, addGold(1)), ErrUnloading)
	assert.Same(t, f, h.coord.Unload(key))

	_, err := h.coord.Load(key).Result()
	assert.ErrorIs(t, err, ErrUnloading)

	release()
	drive(t, h.bridge, settled(f))
	_, err = f.Result()
	require.NoError(t, err)

	assert.Equal(t, 1, h.backend.count(http.MethodPut))
	assert.Equal(t, Unloaded, h.coord.Status(key))
	doc, _ := h.backend.get("/users/42")
	assert.JSONEq(t, `{"gold":15}`, string(doc.body))
}

func TestCoordinatorFlushTimeout(t *testing.T) {
	j := newMemJournal()
	h := newHarness(t, WithFlushTimeout(50*time.Millisecond), WithJournal(j))
	key := NewKey("users", "42")
	h.backend.put("/users/42", `{"gold":10}`, 1)
	h.load(key)

	release := h.backend.holdRequests(http.MethodPut)
	require.NoError(t, h.coord.Mutate(key, addGold(5)))

	f := h.coord.Unload(key)
	drive(t, h.bridge, settled(f))
	_, err := f.Result()
	assert.ErrorIs(t, err, ErrFlushTimeout)

	// Still cached and spilled to the journal.
	rec, ok := h.coord.Get(key)
	require.True(t, ok)
	assert.True(t, rec.Dirty)
	assert.EqualValues(t, 15, rec.Payload.Int("gold"))
	spilled, ok, _ := j.Load(key)
	require.True(t, ok)
	assert.EqualValues(t, 15, spilled.Payload.Int("gold"))

	// The write eventually lands; the entity is evicted and the journal cleared.
	release()
	h.await(func() bool { return h.coord.Status(key) == Unloaded })
	_, ok, _ = j.Load(key)
	assert.False(t, ok)
}

func TestCoordinatorConflictReplaysIntent(t *testing.T) {
	h := newHarness(t)
	key := NewKey("users", "42")
	h.backend.put("/users/42", `{"gold":10}`, 1)
	h.load(key)

	// Another server wrote in the meantime.
	h.backend.put("/users/42", `{"gold":100}`, 2)

	var c completion
	require.NoError(t, h.coord.Mutate(key, addGold(5), c.opt(), WithConflictResolver(ReplayIntent)))
	h.await(c.settled)
	require.NoError(t, c.err)

	rec, _ := h.coord.Get(key)
	assert.EqualValues(t, 3, rec.Version)
	assert.EqualValues(t, 105, rec.Payload.Int("gold"))
	assert.False(t, rec.Dirty)
	assert.Equal(t, 2, h.backend.count(http.MethodGet))
}

func TestCoordinatorConflictWithoutResolverDrops(t *testing.T) {
	h := newHarness(t)
	key := NewKey("users", "42")
	h.backend.put("/users/42", `{"gold":10}`, 1)
	h.load(key)
	h.backend.put("/users/42", `{"gold":100}`, 2)

	var c completion
	require.NoError(t, h.coord.Mutate(key, addGold(5), c.opt()))
	h.await(c.settled)
	assert.ErrorIs(t, c.err, ErrVersionConflict)

	h.await(func() bool { return h.coord.Status(key) == Ready })
	rec, _ := h.coord.Get(key)
	assert.EqualValues(t, 2, rec.Version)
	assert.EqualValues(t, 100, rec.Payload.Int("gold"))
	assert.False(t, rec.Dirty)
}

func TestCoordinatorWriteFailureKeepsEdit(t *testing.T) {
	h := newHarness(t)
	key := NewKey("users", "42")
	h.backend.put("/users/42", `{"gold":10}`, 1)
	h.load(key)

	h.backend.failNext(http.MethodPut, 1)
	var c completion
	require.NoError(t, h.coord.Mutate(key, addGold(5), c.opt()))
	h.await(c.settled)
	assert.ErrorIs(t, c.err, ErrTransient)

	rec, _ := h.coord.Get(key)
	assert.True(t, rec.Dirty)
	assert.EqualValues(t, 15, rec.Payload.Int("gold"))
	assert.Equal(t, 1, h.backend.count(http.MethodPut))

	f := h.coord.Flush(key)
	drive(t, h.bridge, settled(f))
	ok, err := f.Result()
	require.NoError(t, err)
	assert.True(t, ok)

	rec, _ = h.coord.Get(key)
	assert.False(t, rec.Dirty)
	assert.EqualValues(t, 2, rec.Version)
}

func TestCoordinatorUnloadAbandonsLoad(t *testing.T) {
	h := newHarness(t)
	key := NewKey("users", "42")
	h.backend.put("/users/42", `{"gold":10}`, 1)

	release := h.backend.holdRequests(http.MethodGet)
	f := h.coord.Load(key)
	_, err := h.coord.Unload(key).Result()
	require.NoError(t, err)

	release()
	drive(t, h.bridge, settled(f))
	_, err = f.Result()
	assert.ErrorIs(t, err, ErrAbandoned)
	assert.Equal(t, Unloaded, h.coord.Status(key))
	assert.Zero(t, h.coord.cache.Len())
}

func TestCoordinatorRestoresJournal(t *testing.T) {
	j := newMemJournal()
	key := NewKey("users", "42")
	require.NoError(t, j.Save(Record{Key: key, Payload: Document(`{"gold":50}`), Version: 1, Dirty: true}))

	h := newHarness(t, WithJournal(j))
	h.backend.put("/users/42", `{"gold":10}`, 1)

	rec := h.load(key)
	assert.EqualValues(t, 50, rec.Payload.Int("gold"))
	assert.True(t, rec.Dirty)

	h.await(func() bool {
		rec, _ := h.coord.Get(key)
		return !rec.Dirty
	})
	doc, _ := h.backend.get("/users/42")
	assert.JSONEq(t, `{"gold":50}`, string(doc.body))
	_, ok, _ := j.Load(key)
	assert.False(t, ok)
}

func TestCoordinatorDiscardsStaleJournal(t *testing.T) {
	j := newMemJournal()
	key := NewKey("users", "42")
	require.NoError(t, j.Save(Record{Key: key, Payload: Document(`{"gold":50}`), Version: 1, Dirty: true}))

	h := newHarness(t, WithJournal(j))
	h.backend.put("/users/42", `{"gold":10}`, 3)

	rec := h.load(key)
	assert.EqualValues(t, 10, rec.Payload.Int("gold"))
	assert.False(t, rec.Dirty)
	_, ok, _ := j.Load(key)
	assert.False(t, ok)
}

func TestCoordinatorMutatorErrorLeavesRecord(t *testing.T) {
	h := newHarness(t)
	key := NewKey("users", "42")
	h.backend.put("/users/42", `{"gold":10}`, 1)
	h.load(key)

	boom := errors.New("boom")
	err := h.coord.Mutate(key, func(Document) (Document, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	rec, _ := h.coord.Get(key)
	assert.False(t, rec.Dirty)
	assert.Zero(t, h.backend.count(http.MethodPut))
}

func TestCoordinatorHostUnload(t *testing.T) {
	h := newHarness(t)
	host := NewTickLoop(h.bridge)
	h.coord.AttachHost(host)

	key := NewKey("users", "42")
	h.backend.put("/users/42", `{"gold":10}`, 1)
	h.load(key)

	host.EntityUnloaded(key)
	h.await(func() bool { return h.coord.Status(key) == Unloaded })
}

func TestCoordinatorGetHidesRecordWhileReloading(t *testing.T) {
	h := newHarness(t)
	key := NewKey("users", "42")
	h.backend.put("/users/42", `{"gold":10}`, 1)
	h.load(key)
	h.backend.put("/users/42", `{"gold":100}`, 2)

	release := h.backend.holdRequests(http.MethodGet)
	defer release()
	var c completion
	require.NoError(t, h.coord.Mutate(key, addGold(5), c.opt(), WithConflictResolver(ReplayIntent)))

	h.await(func() bool { return h.coord.Status(key) == Loading })
	_, ok := h.coord.Get(key)
	assert.False(t, ok, "the optimistic record was discarded")
	assert.ErrorIs(t, h.coord.Mutate(key, addGold(1)), ErrNotReady)

	release()
	h.await(c.settled)
	require.NoError(t, c.err)
	rec, ok := h.coord.Get(key)
	require.True(t, ok)
	assert.EqualValues(t, 105, rec.Payload.Int("gold"))
}

// conflictingTransport serves version 1 of every record and rejects every write.
func conflictingTransport(writes *atomic.Int32) Transport {
	return TransportFunc(func(ctx context.Context, req Request) (Response, error) {
		if req.Method == http.MethodGet {
			return Response{Status: http.StatusOK, Body: []byte(`{"gold":10}`), Version: 1, HasVersion: true}, nil
		}
		writes.Add(1)
		return Response{Status: http.StatusPreconditionFailed}, &BackendError{
			Method:        req.Method,
			Path:          req.Path,
			Status:        http.StatusPreconditionFailed,
			Kind:          ErrVersionConflict,
			ServerVersion: 2,
		}
	})
}

func TestCoordinatorConflictReloadsAreCapped(t *testing.T) {
	var writes atomic.Int32
	h := newHarnessWith(t, conflictingTransport(&writes), WithMaxConflictReloads(3))
	key := NewKey("users", "42")
	h.load(key)

	var c completion
	require.NoError(t, h.coord.Mutate(key, addGold(5), c.opt(), WithConflictResolver(ReplayIntent)))
	h.await(c.settled)
	assert.ErrorIs(t, c.err, ErrVersionConflict)
	assert.ErrorContains(t, c.err, "gave up after 4 reloads")

	// Three replays, then the fourth conflict gives up.
	assert.EqualValues(t, 4, writes.Load())
	h.await(func() bool { return h.coord.Status(key) == Ready })
	rec, ok := h.coord.Get(key)
	require.True(t, ok)
	assert.False(t, rec.Dirty)
	assert.EqualValues(t, 10, rec.Payload.Int("gold"))

	// The counter starts over for the next edit.
	var next completion
	require.NoError(t, h.coord.Mutate(key, addGold(1), next.opt(), WithConflictResolver(ReplayIntent)))
	h.await(next.settled)
	assert.ErrorIs(t, next.err, ErrVersionConflict)
	assert.EqualValues(t, 8, writes.Load())
}

func TestCoordinatorConflictUnloadGivesUp(t *testing.T) {
	var writes atomic.Int32
	h := newHarnessWith(t, conflictingTransport(&writes), WithMaxConflictReloads(0))
	key := NewKey("users", "42")
	h.load(key)

	var c completion
	require.NoError(t, h.coord.Mutate(key, addGold(5), c.opt(), WithConflictResolver(ReplayIntent)))
	f := h.coord.Unload(key)
	drive(t, h.bridge, settled(f))
	_, err := f.Result()
	require.NoError(t, err)

	assert.True(t, c.done)
	assert.ErrorIs(t, c.err, ErrVersionConflict)
	assert.EqualValues(t, 1, writes.Load())
	assert.Equal(t, Unloaded, h.coord.Status(key))
}

func TestCoordinatorLoadWithoutVersionFails(t *testing.T) {
	tr := TransportFunc(func(ctx context.Context, req Request) (Response, error) {
		return Response{Status: http.StatusOK, Body: []byte(`{"gold":10}`)}, nil
	})
	h := newHarnessWith(t, tr)
	key := NewKey("users", "42")

	f := h.coord.Load(key)
	drive(t, h.bridge, settled(f))
	_, err := f.Result()
	assert.ErrorIs(t, err, ErrPermanent)
	assert.ErrorContains(t, err, "missing version token")
	assert.Equal(t, Unloaded, h.coord.Status(key))
	_, ok := h.coord.Get(key)
	assert.False(t, ok)
}

func TestCoordinatorUnloadWriteFailureSpills(t *testing.T) {
	j := newMemJournal()
	h := newHarness(t, WithJournal(j))
	key := NewKey("users", "42")
	h.backend.put("/users/42", `{"gold":10}`, 1)
	h.load(key)

	h.backend.failNext(http.MethodPut, 1)
	var c completion
	require.NoError(t, h.coord.Mutate(key, addGold(5), c.opt()))
	f := h.coord.Unload(key)

	drive(t, h.bridge, settled(f))
	_, err := f.Result()
	assert.ErrorIs(t, err, ErrTransient)
	assert.ErrorIs(t, c.err, ErrTransient)

	// The entity stays loaded and dirty, and a copy is in the journal.
	assert.Equal(t, Ready, h.coord.Status(key))
	rec, ok := h.coord.Get(key)
	require.True(t, ok)
	assert.True(t, rec.Dirty)
	assert.EqualValues(t, 15, rec.Payload.Int("gold"))
	spilled, ok, err := j.Load(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 15, spilled.Payload.Int("gold"))
	assert.True(t, spilled.Dirty)
	assert.Equal(t, 1, h.backend.count(http.MethodPut))
}

func TestCoordinatorConflictDuringUnload(t *testing.T) {
	h := newHarness(t)
	key := NewKey("users", "42")
	h.backend.put("/users/42", `{"gold":10}`, 1)
	h.load(key)
	h.backend.put("/users/42", `{"gold":100}`, 2)

	var c completion
	require.NoError(t, h.coord.Mutate(key, addGold(5), c.opt(), WithConflictResolver(ReplayIntent)))
	f := h.coord.Unload(key)
	assert.Equal(t, Flushing, h.coord.Status(key))

	drive(t, h.bridge, settled(f))
	_, err := f.Result()
	require.NoError(t, err)
	require.True(t, c.done)
	require.NoError(t, c.err)

	assert.Equal(t, Unloaded, h.coord.Status(key))
	doc, _ := h.backend.get("/users/42")
	assert.EqualValues(t, 3, doc.version)
	assert.JSONEq(t, `{"gold":105}`, string(doc.body))
	assert.Equal(t, 2, h.backend.count(http.MethodPut))
}
