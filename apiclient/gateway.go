package apiclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/knightsandkings/knk"
)

// FetchPolicy decides where a Gateway reads from and in what order.
type FetchPolicy uint8

const (
	// PolicyDefault uses the gateway's configured default.
	PolicyDefault FetchPolicy = iota

	// CacheOnly never calls the backend.
	CacheOnly

	// CacheFirst reads the cache and falls back to the backend on a miss.
	CacheFirst

	// APIOnly always calls the backend, writing the result through to the cache.
	APIOnly

	// APIThenCache calls the backend and falls back to the cache when it fails.
	APIThenCache

	// StaleOK behaves like CacheFirst but serves an expired copy when the backend fails.
	StaleOK
)

// String returns the policy name.
func (p FetchPolicy) String() string {
	switch p {
	case CacheOnly:
		return "cache_only"
	case CacheFirst:
		return "cache_first"
	case APIOnly:
		return "api_only"
	case APIThenCache:
		return "api_then_cache"
	case StaleOK:
		return "stale_ok"
	default:
		return "default"
	}
}

// FetchStatus describes how a fetch was satisfied.
type FetchStatus uint8

const (
	Hit FetchStatus = iota
	MissFetched
	NotFound
	Error
	StaleServed
)

// String returns the status name.
func (s FetchStatus) String() string {
	switch s {
	case Hit:
		return "hit"
	case MissFetched:
		return "miss_fetched"
	case NotFound:
		return "not_found"
	case Error:
		return "error"
	case StaleServed:
		return "stale_served"
	default:
		return "unknown"
	}
}

// Source is where a fetched value came from.
type Source uint8

const (
	SourceNone Source = iota
	SourceCache
	SourceAPI
)

// FetchResult is the outcome of Gateway.Fetch.
type FetchResult[V any] struct {
	Value  V
	Status FetchStatus
	Source Source
	Stale  bool
	Err    error
}

// Found reports whether the result carries a value.
func (r FetchResult[V]) Found() bool {
	return r.Status == Hit || r.Status == MissFetched || r.Status == StaleServed
}

// Settings configures a Gateway.
type Settings struct {
	// DefaultPolicy replaces PolicyDefault. Default: CacheFirst.
	DefaultPolicy FetchPolicy

	// AllowStale enables StaleOK. When false StaleOK behaves like CacheFirst.
	AllowStale bool

	// TTL is how long a cached value stays fresh.
	TTL time.Duration

	// Size bounds the number of cached values.
	Size int
}

// DefaultSettings returns the default gateway settings.
func DefaultSettings() Settings {
	return Settings{
		DefaultPolicy: CacheFirst,
		AllowStale:    true,
		TTL:           time.Minute,
		Size:          1024,
	}
}

// ResolvePolicy returns the policy actually applied for a requested one.
func (s Settings) ResolvePolicy(p FetchPolicy) FetchPolicy {
	if p == PolicyDefault {
		p = s.DefaultPolicy
	}
	if p == PolicyDefault {
		p = CacheFirst
	}
	if p == StaleOK && !s.AllowStale {
		return CacheFirst
	}
	return p
}

// Fetcher loads a value from the backend. A missing value must be reported
// with an error matching knk.ErrNotFound.
type Fetcher[K comparable, V any] func(ctx context.Context, key K) (V, error)

// Gateway caches backend reads of reference data (towns, users) and applies
// fetch policies to them. It is safe for concurrent use; calls that reach the
// backend block, so they must not run on the main thread.
type Gateway[K comparable, V any] struct {
	name     string
	fetch    Fetcher[K, V]
	settings Settings
	fresh    *expirable.LRU[K, V]
	stale    *lru.Cache[K, V]
	log      *slog.Logger
}

// NewGateway creates a gateway named name (used in logs) around fetch.
func NewGateway[K comparable, V any](name string, fetch Fetcher[K, V], settings Settings) (*Gateway[K, V], error) {
	if settings.Size <= 0 {
		settings.Size = DefaultSettings().Size
	}
	if settings.TTL <= 0 {
		settings.TTL = DefaultSettings().TTL
	}
	stale, err := lru.New[K, V](settings.Size)
	if err != nil {
		return nil, fmt.Errorf("create %s stale cache: %w", name, err)
	}
	return &Gateway[K, V]{
		name:     name,
		fetch:    fetch,
		settings: settings,
		fresh:    expirable.NewLRU[K, V](settings.Size, nil, settings.TTL),
		stale:    stale,
		log:      slog.Default().With("gateway", name),
	}, nil
}

// Fetch reads key according to policy.
func (g *Gateway[K, V]) Fetch(ctx context.Context, key K, policy FetchPolicy) FetchResult[V] {
	switch g.settings.ResolvePolicy(policy) {
	case CacheOnly:
		return g.cacheOnly(key)

	case APIOnly:
		return g.api(ctx, key)

	case APIThenCache:
		res := g.api(ctx, key)
		switch res.Status {
		case NotFound:
			return g.cacheOnly(key)
		case Error:
			if v, ok := g.fresh.Get(key); ok {
				g.log.Info("knk: backend failed, serving cached value", "key", key, "error", res.Err)
				return FetchResult[V]{Value: v, Status: Hit, Source: SourceCache}
			}
		}
		return res

	case StaleOK:
		if v, ok := g.fresh.Get(key); ok {
			return FetchResult[V]{Value: v, Status: Hit, Source: SourceCache}
		}
		res := g.api(ctx, key)
		if res.Status == Error {
			if v, ok := g.stale.Get(key); ok {
				g.log.Info("knk: backend failed, serving stale value", "key", key, "error", res.Err)
				return FetchResult[V]{Value: v, Status: StaleServed, Source: SourceCache, Stale: true}
			}
		}
		return res

	default: // CacheFirst
		if v, ok := g.fresh.Get(key); ok {
			return FetchResult[V]{Value: v, Status: Hit, Source: SourceCache}
		}
		return g.api(ctx, key)
	}
}

// Put stores a value as if it had just been fetched.
func (g *Gateway[K, V]) Put(key K, v V) {
	g.fresh.Add(key, v)
	g.stale.Add(key, v)
}

// Invalidate forgets key, including its stale copy.
func (g *Gateway[K, V]) Invalidate(key K) {
	g.fresh.Remove(key)
	g.stale.Remove(key)
}

// InvalidateAll forgets every value.
func (g *Gateway[K, V]) InvalidateAll() {
	g.fresh.Purge()
	g.stale.Purge()
}

// Len returns the number of fresh values.
func (g *Gateway[K, V]) Len() int {
	return g.fresh.Len()
}

func (g *Gateway[K, V]) cacheOnly(key K) FetchResult[V] {
	if v, ok := g.fresh.Get(key); ok {
		return FetchResult[V]{Value: v, Status: Hit, Source: SourceCache}
	}
	return FetchResult[V]{Status: NotFound}
}

func (g *Gateway[K, V]) api(ctx context.Context, key K) FetchResult[V] {
	v, err := g.fetch(ctx, key)
	switch {
	case err == nil:
		g.Put(key, v)
		return FetchResult[V]{Value: v, Status: MissFetched, Source: SourceAPI}
	case errors.Is(err, knk.ErrNotFound):
		g.Invalidate(key)
		return FetchResult[V]{Status: NotFound, Source: SourceAPI}
	default:
		g.log.Warn("knk: fetch failed", "key", key, "error", err)
		return FetchResult[V]{Status: Error, Source: SourceAPI, Err: err}
	}
}
