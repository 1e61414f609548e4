package knk

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/go-gl/mathgl/mgl64"
)

// Flag is a region permission.
type Flag string

// Common flags.
const (
	FlagEntry    Flag = "entry"
	FlagExit     Flag = "exit"
	FlagBuild    Flag = "build"
	FlagPvP      Flag = "pvp"
	FlagInteract Flag = "interact"
)

// RegionChecker answers synchronous, read-only permission queries.
type RegionChecker interface {
	IsAllowed(point mgl64.Vec3, flag Flag) bool
}

// Region is an axis-aligned box with per-flag permissions.
type Region struct {
	// ID identifies the region (e.g. "town-12").
	ID string

	// Min and Max are opposite corners; both are inclusive.
	Min, Max mgl64.Vec3

	// Priority decides between overlapping regions; higher wins.
	Priority int

	// Flags maps a flag to whether it is allowed. Missing flags defer to
	// lower-priority regions.
	Flags map[Flag]bool
}

// Contains reports whether point lies inside the region.
func (r Region) Contains(point mgl64.Vec3) bool {
	for i := 0; i < 3; i++ {
		lo, hi := r.Min[i], r.Max[i]
		if lo > hi {
			lo, hi = hi, lo
		}
		if point[i] < lo || point[i] > hi {
			return false
		}
	}
	return true
}

// RegionSet is an in-memory RegionChecker. It is safe for concurrent use.
type RegionSet struct {
	mu      sync.RWMutex
	regions []*Region
}

// NewRegionSet creates a set holding the given regions.
func NewRegionSet(regions ...Region) *RegionSet {
	s := &RegionSet{}
	for _, r := range regions {
		s.Add(r)
	}
	return s
}

// Add inserts or replaces a region by ID.
func (s *RegionSet) Add(r Region) {
	flags := make(map[Flag]bool, len(r.Flags))
	for f, v := range r.Flags {
		flags[f] = v
	}
	r.Flags = flags

	s.mu.Lock()
	defer s.mu.Unlock()
	s.regions = slices.DeleteFunc(s.regions, func(x *Region) bool { return x.ID == r.ID })
	s.regions = append(s.regions, &r)
	slices.SortStableFunc(s.regions, func(a, b *Region) int {
		return cmp.Compare(b.Priority, a.Priority)
	})
}

// Remove deletes a region by ID.
func (s *RegionSet) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regions = slices.DeleteFunc(s.regions, func(x *Region) bool { return x.ID == id })
}

// SetFlag changes one flag of a region, e.g. to open or close a gate.
func (s *RegionSet) SetFlag(id string, flag Flag, allowed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.regions {
		if r.ID == id {
			r.Flags[flag] = allowed
			return nil
		}
	}
	return fmt.Errorf("knk: unknown region %q", id)
}

// IsAllowed implements RegionChecker. The highest-priority region containing
// point that sets flag decides; points outside any such region are allowed.
func (s *RegionSet) IsAllowed(point mgl64.Vec3, flag Flag) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.regions {
		if !r.Contains(point) {
			continue
		}
		if allowed, ok := r.Flags[flag]; ok {
			return allowed
		}
	}
	return true
}

// Regions returns the IDs of the regions containing point, highest priority first.
func (s *RegionSet) Regions(point mgl64.Vec3) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for _, r := range s.regions {
		if r.Contains(point) {
			ids = append(ids, r.ID)
		}
	}
	return ids
}
