package knk

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Provider maps the records of one namespace onto backend requests.
// Providers bridge the coordinator with a concrete backend resource.
type Provider interface {
	// Name returns a unique identifier for this provider (for logging/debugging).
	Name() string

	// Namespace returns the key namespace served by this provider.
	Namespace() string

	// LoadRequest builds the request fetching the record for key.
	LoadRequest(key EntityKey) Request

	// SaveRequest builds the request replacing the record with rec.Payload.
	// rec.Version is the version the write is based on.
	SaveRequest(key EntityKey, rec Record) Request

	// PatchRequest builds the request applying delta on top of version base.
	PatchRequest(key EntityKey, base Version, delta Document) Request
}

// Journal persists dirty records that could not be flushed.
type Journal interface {
	Save(rec Record) error
	Delete(key EntityKey) error
	Load(key EntityKey) (Record, bool, error)
}

// ProviderOptions configures a coordinator.
type ProviderOptions struct {
	// FlushTimeout bounds the final write issued by Unload.
	// Default: 5 seconds.
	FlushTimeout time.Duration

	// MaxConflictReloads bounds consecutive conflict reloads of one key.
	// Once exceeded, pending intents fail with ErrVersionConflict.
	// Default: 3.
	MaxConflictReloads int

	// DefaultDocument, if set, creates a version-zero record when the backend
	// has none for a key. The record is written back on the next flush.
	DefaultDocument func(key EntityKey) Document

	// Journal receives records whose final flush timed out or failed.
	// Default: none.
	Journal Journal

	// Logger is the coordinator's logger.
	// Default: slog.Default().
	Logger *slog.Logger
}

// defaultProviderOptions returns sensible defaults.
func defaultProviderOptions() ProviderOptions {
	return ProviderOptions{
		FlushTimeout:       5 * time.Second,
		MaxConflictReloads: 3,
		Logger:             slog.Default(),
	}
}

// ProviderOption configures a coordinator.
type ProviderOption func(*ProviderOptions)

// WithFlushTimeout sets the flush timeout.
func WithFlushTimeout(d time.Duration) ProviderOption {
	return func(o *ProviderOptions) {
		o.FlushTimeout = d
	}
}

// WithMaxConflictReloads sets how many consecutive conflict reloads a key may
// go through before its pending intents are given up.
func WithMaxConflictReloads(n int) ProviderOption {
	return func(o *ProviderOptions) {
		o.MaxConflictReloads = n
	}
}

// WithDefaultDocument sets the document used for keys the backend does not know.
func WithDefaultDocument(fn func(key EntityKey) Document) ProviderOption {
	return func(o *ProviderOptions) {
		o.DefaultDocument = fn
	}
}

// WithJournal sets the journal receiving unflushed records.
func WithJournal(j Journal) ProviderOption {
	return func(o *ProviderOptions) {
		o.Journal = j
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ProviderOption {
	return func(o *ProviderOptions) {
		o.Logger = l
	}
}

// RESTProvider serves a namespace from a REST collection:
//
//	GET   {base}/{id}
//	PUT   {base}/{id}   If-Match: "<version>"
//	PATCH {base}/{id}   If-Match: "<version>"
//
// A write based on version zero creates the record and is sent with
// If-None-Match: * instead.
type RESTProvider struct {
	namespace string
	base      string
	timeout   time.Duration
}

// NewRESTProvider creates a provider for the collection at basePath.
func NewRESTProvider(namespace, basePath string) *RESTProvider {
	return &RESTProvider{
		namespace: namespace,
		base:      "/" + strings.Trim(basePath, "/"),
	}
}

// WithRequestTimeout overrides the transport's per-attempt deadline for this provider.
func (p *RESTProvider) WithRequestTimeout(d time.Duration) *RESTProvider {
	p.timeout = d
	return p
}

// Name implements Provider.
func (p *RESTProvider) Name() string {
	return "rest:" + p.base
}

// Namespace implements Provider.
func (p *RESTProvider) Namespace() string {
	return p.namespace
}

// LoadRequest implements Provider.
func (p *RESTProvider) LoadRequest(key EntityKey) Request {
	return Request{
		Method:     http.MethodGet,
		Path:       p.path(key),
		Idempotent: true,
		Timeout:    p.timeout,
	}
}

// SaveRequest implements Provider.
func (p *RESTProvider) SaveRequest(key EntityKey, rec Record) Request {
	return Request{
		Method:  http.MethodPut,
		Path:    p.path(key),
		Header:  preconditions(rec.Version),
		Body:    rec.Payload,
		Timeout: p.timeout,
	}
}

// PatchRequest implements Provider.
func (p *RESTProvider) PatchRequest(key EntityKey, base Version, delta Document) Request {
	return Request{
		Method:  http.MethodPatch,
		Path:    p.path(key),
		Header:  preconditions(base),
		Body:    delta,
		Timeout: p.timeout,
	}
}

func (p *RESTProvider) path(key EntityKey) string {
	return p.base + "/" + url.PathEscape(key.ID)
}

func preconditions(base Version) http.Header {
	h := make(http.Header)
	if base == 0 {
		h.Set("If-None-Match", "*")
		return h
	}
	h.Set("If-Match", ifMatch(base))
	return h
}
