package plugin

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/df-mc/dragonfly/server/block/cube"
	"github.com/df-mc/dragonfly/server/cmd"
	"github.com/df-mc/dragonfly/server/player"
	"github.com/df-mc/dragonfly/server/world"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"

	"github.com/knightsandkings/knk"
	"github.com/knightsandkings/knk/apiclient"
)

// greetTimeout bounds the town lookup behind a greeting.
const greetTimeout = 3 * time.Second

// RegionIndex answers permission queries and lists the regions around a point.
// *knk.RegionSet implements it.
type RegionIndex interface {
	knk.RegionChecker
	Regions(point mgl64.Vec3) []string
}

// Unloader is told when a player leaves the game.
// *knk.TickLoop implements it.
type Unloader interface {
	EntityUnloaded(key knk.EntityKey)
}

// PlayerHandler handles the events of one player.
//
// Dragonfly runs handlers inside world transactions, which is where the tick
// loop drains the bridge as well, so the handler may use coordinators directly.
type PlayerHandler struct {
	player.NopHandler

	id       uuid.UUID
	host     knk.Host
	unloader Unloader
	profiles *Profiles
	regions  RegionIndex
	towns    *Towns
	log      *slog.Logger
}

// Compile-time check that PlayerHandler implements player.Handler.
var _ player.Handler = (*PlayerHandler)(nil)

// Profile returns the player's profile. It reports false until the profile
// has loaded.
func (h *PlayerHandler) Profile() (Profile, bool) {
	return h.profiles.Get(h.id)
}

// Profiles returns the profile store the handler reads from.
func (h *PlayerHandler) Profiles() *Profiles {
	return h.profiles
}

// HandleMove enforces entry and exit flags and greets players entering a town.
func (h *PlayerHandler) HandleMove(ctx *player.Context, newPos mgl64.Vec3, _ cube.Rotation) {
	p := ctx.Val()
	oldPos := p.Position()

	before := h.regions.Regions(oldPos)
	after := h.regions.Regions(newPos)
	entered := difference(after, before)
	left := difference(before, after)
	if len(entered) == 0 && len(left) == 0 {
		return
	}

	if len(entered) > 0 && !h.regions.IsAllowed(newPos, knk.FlagEntry) {
		ctx.Cancel()
		p.Message("You are not allowed to enter this area.")
		return
	}
	if len(left) > 0 && !h.regions.IsAllowed(oldPos, knk.FlagExit) {
		ctx.Cancel()
		p.Message("You are not allowed to leave this area.")
		return
	}

	if h.towns == nil {
		return
	}
	for _, region := range entered {
		if id, ok := h.towns.TownForRegion(region); ok {
			h.greet(p.H(), id)
			break
		}
	}
}

// HandleQuit releases the player's records.
func (h *PlayerHandler) HandleQuit(p *player.Player) {
	h.unloader.EntityUnloaded(knk.PlayerKey(UsersNamespace, p.UUID()))
}

// greet looks the town up off the main thread and messages the player.
func (h *PlayerHandler) greet(handle *world.EntityHandle, townID int) {
	h.host.RunAsync(func() {
		ctx, cancel := context.WithTimeout(context.Background(), greetTimeout)
		defer cancel()

		res := h.towns.Get(ctx, townID, apiclient.StaleOK)
		if !res.Found() {
			h.log.Debug("knk: no greeting, town unavailable", "town", townID, "status", res.Status.String())
			return
		}
		name := res.Value.Name
		handle.ExecWorld(func(tx *world.Tx, e world.Entity) {
			if p, ok := e.(*player.Player); ok {
				p.Messagef("Welcome to %s!", name)
			}
		})
	})
}

// difference returns the IDs in a that are not in b.
func difference(a, b []string) []string {
	var out []string
	for _, id := range a {
		if !slices.Contains(b, id) {
			out = append(out, id)
		}
	}
	return out
}

// handlerOf returns the PlayerHandler of p, if it has one.
func handlerOf(p *player.Player) *PlayerHandler {
	h, ok := p.Handler().(*PlayerHandler)
	if !ok {
		return nil
	}
	return h
}

// Command extracts the player and its handler from a command source.
// Returns (nil, nil) if the source is not a player or is not handled by this plugin.
//
// Commands are executed synchronously with the player, just like handlers, so
// the handler's profile can be read directly.
func Command(src cmd.Source) (*player.Player, *PlayerHandler) {
	p, ok := src.(*player.Player)
	if !ok {
		return nil, nil
	}
	return p, handlerOf(p)
}
