// Package plugin embeds the knk bridge in a Dragonfly server: player profiles
// backed by the users namespace, town regions with entry and exit flags, and
// the lifecycle tying the registry to the world's main thread.
//
// # Usage
//
//	plug, err := plugin.Enable(ctx, plugin.Options{Config: cfg, World: srv.World()})
//	if err != nil {
//	    return err
//	}
//	for p := range srv.Accept() {
//	    p.Handle(plug.Join(p))
//	}
//	plug.Disable(ctx)
//
// Disable must run after the server stopped accepting players and ticking
// handlers, because it takes over the main thread to flush every profile.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/df-mc/dragonfly/server/cmd"
	"github.com/df-mc/dragonfly/server/player"
	"github.com/df-mc/dragonfly/server/world"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/knightsandkings/knk"
	"github.com/knightsandkings/knk/adminhttp"
	"github.com/knightsandkings/knk/apiclient"
	"github.com/knightsandkings/knk/journal"
)

// Options configures Enable.
type Options struct {
	// Config is the bridge configuration, usually from knk.LoadConfig.
	Config knk.Config

	// World is the world whose transactions act as the main thread. When nil
	// the tick loop goroutine is the main thread.
	World *world.World

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics receives the knk metrics and backs /metrics. Default: a new registry.
	Metrics *prometheus.Registry

	// TownRadius is the half-width of town regions. Default: 48 blocks.
	TownRadius float64
}

// Plugin is an enabled bridge.
type Plugin struct {
	log      *slog.Logger
	registry *knk.Registry
	tick     *knk.TickLoop
	journal  *journal.Store
	admin    *adminhttp.Server
	api      *apiclient.Client
	profiles *Profiles
	regions  *knk.RegionSet
	towns    *Towns
}

// Enable builds and starts the bridge. The backend being unreachable is not
// an error: profiles load once it comes back.
func Enable(ctx context.Context, opts Options) (*Plugin, error) {
	cfg := opts.Config
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = prometheus.NewRegistry()
	}
	if opts.TownRadius <= 0 {
		opts.TownRadius = 48
	}

	transport, err := knk.NewHTTPTransport(cfg.API, knk.WithTransportLogger(log))
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	p := &Plugin{
		log:     log,
		api:     apiclient.New(transport),
		regions: knk.NewRegionSet(),
	}
	p.checkHealth(ctx)

	b := knk.NewBuilder(cfg).
		Transport(transport).
		Logger(log).
		Metrics(metrics).
		Provider(knk.NewRESTProvider(UsersNamespace, "/users/uuid"),
			knk.WithDefaultDocument(DefaultProfile))
	if cfg.JournalDir != "" {
		j, err := journal.Open(cfg.JournalDir)
		if err != nil {
			return nil, err
		}
		p.journal = j
		b.Journal(j)
	}

	reg, err := b.Init()
	if err != nil {
		p.closeJournal()
		return nil, fmt.Errorf("init registry: %w", err)
	}
	p.registry = reg

	users, _ := reg.Coordinator(UsersNamespace)
	p.profiles = NewProfiles(users)

	tickOpts := []knk.TickOption{knk.WithTickRate(cfg.TickRate), knk.WithTickLogger(log)}
	if opts.World != nil {
		tickOpts = append(tickOpts, WorldExec(opts.World, log))
	}
	p.tick = knk.NewTickLoop(reg.Bridge(), tickOpts...)
	reg.AttachHost(p.tick)
	p.tick.Start()

	settings := apiclient.DefaultSettings()
	settings.TTL = cfg.CacheTTL
	p.towns, err = NewTowns(p.api, p.regions, settings, opts.TownRadius)
	if err != nil {
		_ = p.Disable(ctx)
		return nil, err
	}
	p.tick.RunAsync(func() {
		rctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		n, err := p.towns.Refresh(rctx)
		if err != nil {
			log.Warn("knk: town regions unavailable", "error", err)
			return
		}
		log.Info("knk: loaded town regions", "towns", n)
	})

	if cfg.AdminAddr != "" {
		p.admin = adminhttp.NewServer(cfg.AdminAddr, adminhttp.NewHandler(reg, metrics), log)
		if _, err := p.admin.Start(); err != nil {
			p.admin = nil
			_ = p.Disable(ctx)
			return nil, fmt.Errorf("start admin endpoint: %w", err)
		}
	}

	for _, c := range Commands() {
		cmd.Register(c)
	}

	log.Info("knk: enabled", "api", cfg.API.BaseURL, "workers", cfg.Workers)
	return p, nil
}

// Join creates the handler of a player who just joined and starts loading
// their profile. Call it from any goroutine.
func (p *Plugin) Join(pl *player.Player) player.Handler {
	id := pl.UUID()
	h := &PlayerHandler{
		id:       id,
		host:     p.tick,
		unloader: p.tick,
		profiles: p.profiles,
		regions:  p.regions,
		towns:    p.towns,
		log:      p.log.With("player", pl.Name()),
	}
	p.tick.RunOnMainThread(func() {
		p.profiles.Load(id).Then(func(rec knk.Record, err error) {
			if err != nil {
				h.log.Warn("knk: profile load failed", "error", err)
				return
			}
			h.log.Debug("knk: profile loaded", "version", rec.Version, "dirty", rec.Dirty)
		})
	})
	return h
}

// Registry returns the underlying registry.
func (p *Plugin) Registry() *knk.Registry {
	return p.registry
}

// Profiles returns the player profile store.
func (p *Plugin) Profiles() *Profiles {
	return p.profiles
}

// Regions returns the region set used for entry and exit checks.
func (p *Plugin) Regions() *knk.RegionSet {
	return p.regions
}

// Towns returns the town index.
func (p *Plugin) Towns() *Towns {
	return p.towns
}

// Disable shuts the bridge down: the admin endpoint stops, the tick loop
// stops so the caller becomes the main thread, every profile is flushed, and
// finally the journal closes.
func (p *Plugin) Disable(ctx context.Context) error {
	var errs []error
	if p.admin != nil {
		if err := p.admin.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop admin endpoint: %w", err))
		}
	}
	if p.tick != nil {
		p.tick.Stop()
	}
	if p.registry != nil {
		if err := p.registry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.closeJournal(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		p.log.Error("knk: disable incomplete", "error", err)
		return err
	}
	p.log.Info("knk: disabled")
	return nil
}

func (p *Plugin) closeJournal() error {
	if p.journal == nil {
		return nil
	}
	err := p.journal.Close()
	p.journal = nil
	if err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	return nil
}

func (p *Plugin) checkHealth(ctx context.Context) {
	h, err := p.api.Health(ctx)
	switch {
	case err != nil:
		p.log.Warn("knk: backend unreachable", "error", err)
	case !h.Healthy():
		p.log.Warn("knk: backend unhealthy", "status", h.Status)
	default:
		p.log.Info("knk: backend healthy", "version", h.Version)
	}
}
