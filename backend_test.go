package knk

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeDoc is one record held by fakeBackend.
type fakeDoc struct {
	body    Document
	version Version
}

// fakeBackend is an in-memory REST backend speaking the RESTProvider protocol.
type fakeBackend struct {
	mu    sync.Mutex
	docs  map[string]fakeDoc
	calls []Request

	// hold blocks every request of holdMethod until it is closed.
	hold       chan struct{}
	holdMethod string

	// fail makes the next n requests of a method fail with a transient error.
	fail map[string]int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		docs: make(map[string]fakeDoc),
		fail: make(map[string]int),
	}
}

// put stores a document as if another server had written it.
func (f *fakeBackend) put(path string, body string, v Version) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[path] = fakeDoc{body: Document(body), version: v}
}

func (f *fakeBackend) get(path string) (fakeDoc, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[path]
	return d, ok
}

// holdRequests blocks requests of method until the returned func is called.
func (f *fakeBackend) holdRequests(method string) (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.hold = ch
	f.holdMethod = method
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (f *fakeBackend) failNext(method string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[method] = n
}

// count returns how many requests of method were received.
func (f *fakeBackend) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.calls {
		if r.Method == method {
			n++
		}
	}
	return n
}

func (f *fakeBackend) requests(method string) []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Request
	for _, r := range f.calls {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeBackend) Send(ctx context.Context, req Request) (Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	hold := f.hold
	if req.Method != f.holdMethod {
		hold = nil
	}
	f.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return Response{}, &BackendError{Method: req.Method, Path: req.Path, Kind: ErrTransient, Err: ctx.Err()}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail[req.Method] > 0 {
		f.fail[req.Method]--
		return Response{Status: http.StatusServiceUnavailable}, &BackendError{
			Method: req.Method, Path: req.Path, Status: http.StatusServiceUnavailable, Kind: ErrTransient,
		}
	}

	cur, exists := f.docs[req.Path]
	switch req.Method {
	case http.MethodGet:
		if !exists {
			return Response{Status: http.StatusNotFound}, &BackendError{
				Method: req.Method, Path: req.Path, Status: http.StatusNotFound, Kind: ErrNotFound,
			}
		}
		return f.ok(cur), nil

	case http.MethodPut, http.MethodPatch:
		if err := f.precondition(req, cur, exists); err != nil {
			return Response{Status: http.StatusPreconditionFailed}, err
		}
		body := Document(req.Body)
		if req.Method == http.MethodPatch {
			merged, err := cur.body.Merge(body)
			if err != nil {
				return Response{Status: http.StatusBadRequest}, &BackendError{
					Method: req.Method, Path: req.Path, Status: http.StatusBadRequest, Kind: ErrPermanent, Err: err,
				}
			}
			body = merged
		}
		next := fakeDoc{body: body, version: cur.version + 1}
		f.docs[req.Path] = next
		return f.ok(next), nil
	}
	return Response{Status: http.StatusMethodNotAllowed}, &BackendError{
		Method: req.Method, Path: req.Path, Status: http.StatusMethodNotAllowed, Kind: ErrPermanent,
	}
}

func (f *fakeBackend) precondition(req Request, cur fakeDoc, exists bool) error {
	conflict := &BackendError{
		Method:        req.Method,
		Path:          req.Path,
		Status:        http.StatusPreconditionFailed,
		Kind:          ErrVersionConflict,
		ServerVersion: cur.version,
	}
	if req.Header.Get("If-None-Match") == "*" {
		if exists {
			return conflict
		}
		return nil
	}
	want := strings.Trim(req.Header.Get("If-Match"), `"`)
	if !exists || want != cur.version.String() {
		return conflict
	}
	return nil
}

func (f *fakeBackend) ok(d fakeDoc) Response {
	return Response{
		Status:     http.StatusOK,
		Body:       append([]byte(nil), d.body...),
		Version:    d.version,
		HasVersion: true,
	}
}

// memJournal is an in-memory Journal.
type memJournal struct {
	mu   sync.Mutex
	recs map[EntityKey]Record
}

func newMemJournal() *memJournal {
	return &memJournal{recs: make(map[EntityKey]Record)}
}

func (j *memJournal) Save(rec Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.recs[rec.Key] = rec
	return nil
}

func (j *memJournal) Delete(key EntityKey) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.recs, key)
	return nil
}

func (j *memJournal) Load(key EntityKey) (Record, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.recs[key]
	return rec, ok, nil
}

// drive runs the bridge on the test goroutine, acting as the main thread,
// until cond holds.
func drive(t *testing.T, b *Bridge, cond func() bool) {
	t.Helper()
	deadline := time.NewTimer(5 * time.Second)
	defer deadline.Stop()
	for {
		b.DrainAll()
		if cond() {
			return
		}
		select {
		case <-b.Notify():
		case <-time.After(10 * time.Millisecond):
		case <-deadline.C:
			t.Fatal("timed out driving the bridge")
		}
	}
}

// settled reports whether a future has completed.
func settled[T any](f *Future[T]) func() bool {
	return func() bool {
		select {
		case <-f.Done():
			return true
		default:
			return false
		}
	}
}
