package knk

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startScheduler(t *testing.T, tr Transport, workers int) (*Scheduler, *Bridge) {
	t.Helper()
	b := NewBridge(1024, 1024)
	s := NewScheduler(tr, b, WithWorkers(workers))
	s.Start()
	t.Cleanup(func() {
		b.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s, b
}

func TestSchedulerPerKeyFIFO(t *testing.T) {
	var (
		mu       sync.Mutex
		inFlight = map[EntityKey]int{}
		overlap  atomic.Bool
	)
	tr := TransportFunc(func(ctx context.Context, req Request) (Response, error) {
		key := NewKey("users", req.Path)
		mu.Lock()
		inFlight[key]++
		if inFlight[key] > 1 {
			overlap.Store(true)
		}
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		inFlight[key]--
		mu.Unlock()
		return Response{Status: http.StatusOK}, nil
	})
	s, b := startScheduler(t, tr, 8)

	const n = 20
	keys := []EntityKey{NewKey("users", "a"), NewKey("users", "b"), NewKey("users", "c")}
	order := map[EntityKey][]int{}
	total := 0
	for i := 0; i < n; i++ {
		for _, key := range keys {
			require.NoError(t, s.Submit(&Operation{
				Key:     key,
				Kind:    OpSave,
				Request: Request{Method: http.MethodPut, Path: key.ID},
				Done: func(res SyncResult) {
					assert.Equal(t, Success, res.Outcome)
					order[key] = append(order[key], i)
					total++
				},
			}))
		}
	}

	drive(t, b, func() bool { return total == n*len(keys) })
	assert.False(t, overlap.Load(), "two operations of one key ran at once")
	for _, key := range keys {
		require.Len(t, order[key], n)
		for i, got := range order[key] {
			assert.Equal(t, i, got, "key %s out of order", key)
		}
		assert.Zero(t, s.Pending(key))
	}
}

func TestSchedulerKeysRunConcurrently(t *testing.T) {
	started := make(chan struct{})
	tr := TransportFunc(func(ctx context.Context, req Request) (Response, error) {
		switch req.Path {
		case "a":
			// Blocks until b is in flight, which needs a second worker.
			select {
			case <-started:
			case <-ctx.Done():
				return Response{}, ctx.Err()
			}
		case "b":
			close(started)
		}
		return Response{Status: http.StatusOK}, nil
	})
	s, b := startScheduler(t, tr, 2)

	done := 0
	for _, id := range []string{"a", "b"} {
		require.NoError(t, s.Submit(&Operation{
			Key:     NewKey("users", id),
			Request: Request{Method: http.MethodGet, Path: id},
			Done:    func(SyncResult) { done++ },
		}))
	}
	drive(t, b, func() bool { return done == 2 })
}

func TestSchedulerRecoversPanics(t *testing.T) {
	tr := TransportFunc(func(ctx context.Context, req Request) (Response, error) {
		panic("boom")
	})
	s, b := startScheduler(t, tr, 1)

	var res *SyncResult
	require.NoError(t, s.Submit(&Operation{
		Key:  NewKey("users", "a"),
		Kind: OpLoad,
		Done: func(r SyncResult) { res = &r },
	}))
	drive(t, b, func() bool { return res != nil })
	assert.Equal(t, TransportFailure, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrTransient)
}

func TestSchedulerClassifiesOutcomes(t *testing.T) {
	tr := TransportFunc(func(ctx context.Context, req Request) (Response, error) {
		switch req.Path {
		case "conflict":
			return Response{}, &BackendError{Kind: ErrVersionConflict, ServerVersion: 9}
		case "fail":
			return Response{}, &BackendError{Kind: ErrPermanent}
		case "unversioned":
			return Response{Body: []byte(`{"a":1}`)}, nil
		}
		return Response{Body: []byte(`{"a":1}`), Version: 3, HasVersion: true}, nil
	})
	s, b := startScheduler(t, tr, 2)

	results := map[string]SyncResult{}
	for _, id := range []string{"ok", "conflict", "fail", "unversioned"} {
		require.NoError(t, s.Submit(&Operation{
			Key:     NewKey("users", id),
			Request: Request{Path: id},
			Done:    func(r SyncResult) { results[id] = r },
		}))
	}
	drive(t, b, func() bool { return len(results) == 4 })

	assert.Equal(t, Success, results["ok"].Outcome)
	assert.EqualValues(t, 3, results["ok"].Record.Version)
	assert.True(t, results["ok"].HasVersion)
	assert.JSONEq(t, `{"a":1}`, string(results["ok"].Record.Payload))

	assert.Equal(t, Conflict, results["conflict"].Outcome)
	assert.EqualValues(t, 9, results["conflict"].ServerVersion)

	assert.Equal(t, TransportFailure, results["fail"].Outcome)
	assert.ErrorIs(t, results["fail"].Err, ErrPermanent)

	// A load must report the version it read.
	assert.Equal(t, TransportFailure, results["unversioned"].Outcome)
	assert.ErrorIs(t, results["unversioned"].Err, ErrPermanent)
	assert.ErrorContains(t, results["unversioned"].Err, "missing version token")
}

func TestSchedulerStop(t *testing.T) {
	b := NewBridge(16, 16)
	tr := TransportFunc(func(ctx context.Context, req Request) (Response, error) {
		return Response{}, nil
	})

	s := NewScheduler(tr, b, WithWorkers(2))
	assert.ErrorIs(t, s.Submit(&Operation{Key: NewKey("users", "a")}), ErrClosed)

	s.Start()
	ran := false
	require.NoError(t, s.Submit(&Operation{Key: NewKey("users", "a"), Done: func(SyncResult) { ran = true }}))

	require.NoError(t, s.Stop(context.Background()))
	b.DrainAll()
	assert.True(t, ran)
	assert.ErrorIs(t, s.Submit(&Operation{Key: NewKey("users", "a")}), ErrClosed)
}

func TestSchedulerStopTimeoutCancelsInFlight(t *testing.T) {
	b := NewBridge(16, 16)
	tr := TransportFunc(func(ctx context.Context, req Request) (Response, error) {
		<-ctx.Done()
		return Response{}, &BackendError{Kind: ErrTransient, Err: ctx.Err()}
	})
	s := NewScheduler(tr, b, WithWorkers(1))
	s.Start()

	var res *SyncResult
	require.NoError(t, s.Submit(&Operation{Key: NewKey("users", "a"), Done: func(r SyncResult) { res = &r }}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)

	b.DrainAll()
	require.NotNil(t, res)
	assert.ErrorIs(t, res.Err, ErrTransient)
}
