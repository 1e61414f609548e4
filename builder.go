package knk

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// Builder configures a Registry before initialization.
// Use NewBuilder() to create a builder and chain configuration methods.
type Builder struct {
	cfg       Config
	transport Transport
	journal   Journal
	host      Host
	log       *slog.Logger
	metrics   prometheus.Registerer
	providers []providerRegistration
}

type providerRegistration struct {
	provider Provider
	options  []ProviderOption
}

// NewBuilder creates a builder using cfg.
func NewBuilder(cfg Config) *Builder {
	return &Builder{cfg: cfg}
}

// Transport replaces the HTTP transport built from the configuration.
func (b *Builder) Transport(t Transport) *Builder {
	b.transport = t
	return b
}

// Journal sets the journal receiving records whose final flush failed.
func (b *Builder) Journal(j Journal) *Builder {
	b.journal = j
	return b
}

// Host attaches the game runtime's unload notifications.
func (b *Builder) Host(h Host) *Builder {
	b.host = h
	return b
}

// Logger sets the logger shared by every component.
func (b *Builder) Logger(l *slog.Logger) *Builder {
	b.log = l
	return b
}

// Metrics registers the package metrics with reg during Init.
func (b *Builder) Metrics(reg prometheus.Registerer) *Builder {
	b.metrics = reg
	return b
}

// Provider registers a provider and creates its coordinator during Init.
//
// Example:
//
//	builder.Provider(knk.NewRESTProvider("users", "/users"), knk.WithFlushTimeout(3*time.Second))
func (b *Builder) Provider(p Provider, opts ...ProviderOption) *Builder {
	b.providers = append(b.providers, providerRegistration{p, opts})
	return b
}

// Init validates the configuration and returns a started Registry.
func (b *Builder) Init() (*Registry, error) {
	if err := b.cfg.Validate(); err != nil {
		return nil, err
	}

	log := b.log
	if log == nil {
		log = slog.Default()
	}

	t := b.transport
	if t == nil {
		ht, err := NewHTTPTransport(b.cfg.API, WithTransportLogger(log))
		if err != nil {
			return nil, fmt.Errorf("create transport: %w", err)
		}
		t = ht
	}

	if b.metrics != nil {
		if err := RegisterMetrics(b.metrics); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	r := newRegistry(b.cfg, t, b.journal, log)
	if b.host != nil {
		r.AttachHost(b.host)
	}

	for _, reg := range b.providers {
		if _, err := r.Register(reg.provider, reg.options...); err != nil {
			return nil, err
		}
	}

	// Start the scheduler
	r.Start()
	return r, nil
}
