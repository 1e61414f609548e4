package knk

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	// maxBodySize bounds how much of a response body is read.
	maxBodySize = 4 << 20

	// maxSnippetLength bounds response bodies copied into errors and logs.
	maxSnippetLength = 1500

	// VersionHeader carries the version token on requests and responses.
	VersionHeader = "X-Entity-Version"
)

// Request is a backend request built by a Provider.
type Request struct {
	// Method is the HTTP method.
	Method string

	// Path is appended to the transport's base URL.
	Path string

	// Header holds extra request headers (e.g. If-Match).
	Header http.Header

	// Body is the serialized document, if any.
	Body []byte

	// Idempotent requests are retried on transient failures.
	Idempotent bool

	// Timeout overrides the transport's per-attempt deadline.
	Timeout time.Duration
}

// Response is a successful or classified backend response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte

	// Version is the version token reported by the backend.
	Version Version

	// HasVersion is false when the response carried no version token.
	HasVersion bool
}

// Transport sends requests to the backend.
// Implementations must be safe for concurrent use by scheduler workers.
type Transport interface {
	Send(ctx context.Context, req Request) (Response, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, req Request) (Response, error)

// Send implements Transport.
func (f TransportFunc) Send(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// HTTPTransport is the Transport used against the real backend.
// It is stateless between calls apart from the underlying connection pool.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
	auth    Authenticator
	log     *slog.Logger
	limiter *rate.Limiter

	timeout      time.Duration
	maxAttempts  uint
	backoffInit  time.Duration
	backoffMult  float64
	backoffMax   time.Duration
	jitter       float64
	versionField string
	debug        bool
	notify       backoff.Notify
}

// TransportOption configures an HTTPTransport.
type TransportOption func(*HTTPTransport)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(c *http.Client) TransportOption {
	return func(t *HTTPTransport) {
		t.client = c
	}
}

// WithAuthenticator sets the credentials added to every request.
func WithAuthenticator(a Authenticator) TransportOption {
	return func(t *HTTPTransport) {
		t.auth = a
	}
}

// WithTransportLogger sets the logger.
func WithTransportLogger(l *slog.Logger) TransportOption {
	return func(t *HTTPTransport) {
		t.log = l
	}
}

// WithVersionField sets the gjson path of the version token in response bodies.
// Headers take precedence. Default: "version".
func WithVersionField(path string) TransportOption {
	return func(t *HTTPTransport) {
		t.versionField = path
	}
}

// WithRetryNotify registers a callback invoked before every retry with the
// failure and the backoff delay that follows it.
func WithRetryNotify(fn func(err error, delay time.Duration)) TransportOption {
	return func(t *HTTPTransport) {
		t.notify = fn
	}
}

// NewHTTPTransport creates a transport for the configured backend.
func NewHTTPTransport(cfg APIConfig, opts ...TransportOption) (*HTTPTransport, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("knk: transport requires a base url")
	}
	auth, err := NewAuthenticator(cfg)
	if err != nil {
		return nil, err
	}

	t := &HTTPTransport{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		client:       &http.Client{},
		auth:         auth,
		log:          slog.Default(),
		timeout:      cfg.RequestTimeout,
		maxAttempts:  cfg.MaxAttempts,
		backoffInit:  cfg.BackoffInitial,
		backoffMult:  cfg.BackoffMultiplier,
		backoffMax:   cfg.BackoffMax,
		jitter:       cfg.BackoffJitter,
		versionField: "version",
		debug:        cfg.DebugLogging,
	}
	if t.timeout <= 0 {
		t.timeout = 5 * time.Second
	}
	if t.maxAttempts == 0 {
		t.maxAttempts = 1
	}
	if cfg.RateLimit > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(1, int(cfg.RateLimit)))
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Send issues the request. Idempotent requests are retried with exponential
// backoff on transient failures; all other requests get exactly one attempt.
func (t *HTTPTransport) Send(ctx context.Context, req Request) (Response, error) {
	if !req.Idempotent || t.maxAttempts <= 1 {
		return t.attempt(ctx, req)
	}

	policy := &backoff.ExponentialBackOff{
		InitialInterval:     t.backoffInit,
		RandomizationFactor: t.jitter,
		Multiplier:          t.backoffMult,
		MaxInterval:         t.backoffMax,
	}

	tries := 0
	resp, err := backoff.Retry(ctx, func() (Response, error) {
		tries++
		if tries > 1 {
			TransportRetries.WithLabelValues(req.Method).Inc()
		}
		resp, err := t.attempt(ctx, req)
		if err != nil && !errors.Is(err, ErrTransient) {
			return resp, backoff.Permanent(err)
		}
		return resp, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(t.maxAttempts),
		backoff.WithNotify(func(err error, delay time.Duration) {
			t.log.Debug("knk: retrying request",
				"method", req.Method,
				"path", req.Path,
				"delay", delay,
				"error", err)
			if t.notify != nil {
				t.notify(err, delay)
			}
		}),
	)
	if err == nil {
		return resp, nil
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	var be *BackendError
	if !errors.As(err, &be) {
		// Context cancellation between attempts.
		err = &BackendError{Method: req.Method, Path: req.Path, Kind: ErrTransient, Err: err}
	}
	return resp, err
}

// attempt performs a single round trip.
func (t *HTTPTransport) attempt(ctx context.Context, req Request) (Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return Response{}, &BackendError{Method: req.Method, Path: req.Path, Kind: ErrTransient, Err: err}
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = t.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, t.baseURL+req.Path, body)
	if err != nil {
		return Response{}, &BackendError{Method: req.Method, Path: req.Path, Kind: ErrPermanent, Err: err}
	}
	hreq.Header.Set("Accept", "application/json")
	if body != nil {
		hreq.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	t.auth.Apply(hreq.Header)

	if t.debug {
		t.log.Info("knk: api request", "method", req.Method, "path", req.Path, "body", snippet(req.Body))
	}

	start := time.Now()
	hresp, err := t.client.Do(hreq)
	latency := time.Since(start)
	TransportDuration.WithLabelValues(req.Method).Observe(latency.Seconds())
	if err != nil {
		TransportRequests.WithLabelValues(req.Method, "transient").Inc()
		return Response{}, &BackendError{Method: req.Method, Path: req.Path, Kind: ErrTransient, Err: err}
	}
	defer hresp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(hresp.Body, maxBodySize))
	if err != nil {
		TransportRequests.WithLabelValues(req.Method, "transient").Inc()
		return Response{}, &BackendError{Method: req.Method, Path: req.Path, Status: hresp.StatusCode, Kind: ErrTransient, Err: err}
	}

	resp := Response{
		Status: hresp.StatusCode,
		Header: hresp.Header,
		Body:   data,
	}
	resp.Version, resp.HasVersion = t.version(hresp.Header, data)

	kind := classifyStatus(hresp.StatusCode)
	if kind != nil {
		TransportRequests.WithLabelValues(req.Method, outcomeLabel(kind)).Inc()
		be := &BackendError{
			Method: req.Method,
			Path:   req.Path,
			Status: hresp.StatusCode,
			Body:   snippet(data),
			Kind:   kind,
		}
		if kind == ErrVersionConflict {
			be.ServerVersion = resp.Version
		}
		t.log.Warn("knk: api error",
			"method", req.Method,
			"path", req.Path,
			"status", hresp.StatusCode,
			"latency", latency,
			"body", be.Body)
		return resp, be
	}

	TransportRequests.WithLabelValues(req.Method, "success").Inc()
	if t.debug {
		t.log.Info("knk: api response",
			"method", req.Method,
			"path", req.Path,
			"status", hresp.StatusCode,
			"latency", latency,
			"body", snippet(data))
	}
	return resp, nil
}

// version reads the version token from the headers, then from the body.
func (t *HTTPTransport) version(h http.Header, body []byte) (Version, bool) {
	for _, name := range []string{VersionHeader, "ETag"} {
		if raw := h.Get(name); raw != "" {
			if v, err := ParseVersion(raw); err == nil {
				return v, true
			}
		}
	}
	if t.versionField == "" || len(body) == 0 || !gjson.ValidBytes(body) {
		return 0, false
	}
	res := gjson.GetBytes(body, t.versionField)
	if !res.Exists() {
		return 0, false
	}
	v, err := ParseVersion(res.String())
	if err != nil {
		return 0, false
	}
	return v, true
}

// classifyStatus maps an HTTP status to an error kind, or nil for success.
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusConflict, status == http.StatusPreconditionFailed:
		return ErrVersionConflict
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return ErrTransient
	default:
		return ErrPermanent
	}
}

func outcomeLabel(kind error) string {
	switch kind {
	case ErrVersionConflict:
		return "conflict"
	case ErrNotFound:
		return "not_found"
	case ErrTransient:
		return "transient"
	default:
		return "permanent"
	}
}

func snippet(body []byte) string {
	if len(body) > maxSnippetLength {
		return string(body[:maxSnippetLength]) + "..."
	}
	return string(body)
}

// ifMatch formats a version for the If-Match header.
func ifMatch(v Version) string {
	return fmt.Sprintf("%q", v.String())
}
