package plugin

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/knightsandkings/knk"
	"github.com/knightsandkings/knk/apiclient"
)

// Town regions span the whole build height around the town's location.
const (
	minY = -64
	maxY = 320
)

// townPriority ranks town regions above the world default.
const townPriority = 10

// TownLister lists every town. *apiclient.Client implements it.
type TownLister interface {
	AllTowns(ctx context.Context) ([]apiclient.Town, error)
	Town(ctx context.Context, id int) (apiclient.Town, error)
}

// Towns keeps the town regions in a RegionSet and caches town lookups.
// It is safe for concurrent use.
type Towns struct {
	api     TownLister
	gateway *apiclient.Gateway[int, apiclient.Town]
	regions *knk.RegionSet
	radius  float64

	mu       sync.RWMutex
	byRegion map[string]int
}

// NewTowns creates a town index. radius is the half-width of a town region.
func NewTowns(api TownLister, regions *knk.RegionSet, settings apiclient.Settings, radius float64) (*Towns, error) {
	gw, err := apiclient.NewGateway("towns", api.Town, settings)
	if err != nil {
		return nil, err
	}
	return &Towns{
		api:      api,
		gateway:  gw,
		regions:  regions,
		radius:   radius,
		byRegion: make(map[string]int),
	}, nil
}

// Refresh reloads every town and rebuilds the town regions. Towns without a
// location get no region.
func (t *Towns) Refresh(ctx context.Context) (int, error) {
	towns, err := t.api.AllTowns(ctx)
	if err != nil {
		return 0, fmt.Errorf("refresh towns: %w", err)
	}

	byRegion := make(map[string]int, len(towns))
	for _, town := range towns {
		t.gateway.Put(town.ID, town)
		if town.Location == nil {
			continue
		}
		region := t.region(town)
		t.regions.Add(region)
		byRegion[region.ID] = town.ID
	}

	t.mu.Lock()
	for id := range t.byRegion {
		if _, ok := byRegion[id]; !ok {
			t.regions.Remove(id)
		}
	}
	t.byRegion = byRegion
	t.mu.Unlock()
	return len(towns), nil
}

// TownForRegion returns the town owning a region.
func (t *Towns) TownForRegion(regionID string) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byRegion[regionID]
	return id, ok
}

// Get returns a town using policy. It blocks on the backend and must not be
// called on the main thread.
func (t *Towns) Get(ctx context.Context, id int, policy apiclient.FetchPolicy) apiclient.FetchResult[apiclient.Town] {
	return t.gateway.Fetch(ctx, id, policy)
}

func (t *Towns) region(town apiclient.Town) knk.Region {
	id := town.RegionID
	if id == "" {
		id = "town-" + strconv.Itoa(town.ID)
	}
	c := town.Location.Vec()
	flags := map[knk.Flag]bool{knk.FlagEntry: town.EntryAllowed()}
	if town.AllowExit != nil {
		flags[knk.FlagExit] = *town.AllowExit
	}
	return knk.Region{
		ID:       id,
		Min:      mgl64.Vec3{c.X() - t.radius, minY, c.Z() - t.radius},
		Max:      mgl64.Vec3{c.X() + t.radius, maxY, c.Z() + t.radius},
		Priority: townPriority,
		Flags:    flags,
	}
}
