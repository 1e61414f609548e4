package plugin

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/knightsandkings/knk"
)

// UsersNamespace is the namespace of player profile records.
const UsersNamespace = "users"

// ErrInsufficientCoins is returned when a debit would leave a negative balance.
var ErrInsufficientCoins = errors.New("insufficient coins")

// Profile is a read-only view of a player's record.
type Profile struct {
	ID         uuid.UUID
	Version    knk.Version
	Dirty      bool
	Coins      int64
	Gems       int64
	Experience int64
}

// Profiles exposes player records as profiles. Every method must be called
// on the main thread.
type Profiles struct {
	users *knk.Coordinator
}

// NewProfiles wraps the users coordinator.
func NewProfiles(users *knk.Coordinator) *Profiles {
	return &Profiles{users: users}
}

// DefaultProfile is the document created for players the backend has never seen.
func DefaultProfile(knk.EntityKey) knk.Document {
	return knk.Document(`{"coins":0,"gems":0,"experience":0}`)
}

// Load starts loading the profile of id.
func (p *Profiles) Load(id uuid.UUID) *knk.Future[knk.Record] {
	return p.users.Load(knk.PlayerKey(UsersNamespace, id))
}

// Get returns the cached profile of id. It reports false until the profile
// has finished loading.
func (p *Profiles) Get(id uuid.UUID) (Profile, bool) {
	key := knk.PlayerKey(UsersNamespace, id)
	if p.users.Status(key) == knk.Loading {
		return Profile{}, false
	}
	rec, ok := p.users.Get(key)
	if !ok {
		return Profile{}, false
	}
	return Profile{
		ID:         id,
		Version:    rec.Version,
		Dirty:      rec.Dirty,
		Coins:      rec.Payload.Int("coins"),
		Gems:       rec.Payload.Int("gems"),
		Experience: rec.Payload.Int("experience"),
	}, true
}

// AddCoins adds delta (which may be negative) to the player's balance.
// A change that would leave the balance negative fails with
// ErrInsufficientCoins, both now and when replayed after a version conflict.
// done, if not nil, runs on the main thread once the backend settles the write.
func (p *Profiles) AddCoins(id uuid.UUID, delta int64, done func(error)) error {
	return p.add(id, "coins", delta, done)
}

// AddGems adds delta to the player's gems.
func (p *Profiles) AddGems(id uuid.UUID, delta int64, done func(error)) error {
	return p.add(id, "gems", delta, done)
}

// AddExperience adds delta to the player's experience.
func (p *Profiles) AddExperience(id uuid.UUID, delta int64, done func(error)) error {
	return p.add(id, "experience", delta, done)
}

// Flush writes the profile now instead of waiting for the next write-behind.
func (p *Profiles) Flush(id uuid.UUID) *knk.Future[bool] {
	return p.users.Flush(knk.PlayerKey(UsersNamespace, id))
}

func (p *Profiles) add(id uuid.UUID, field string, delta int64, done func(error)) error {
	opts := []knk.MutateOption{knk.WithConflictResolver(knk.ReplayIntent)}
	if done != nil {
		opts = append(opts, knk.WithCompletion(done))
	}
	return p.users.Mutate(knk.PlayerKey(UsersNamespace, id), func(d knk.Document) (knk.Document, error) {
		next := d.Int(field) + delta
		if next < 0 {
			if field == "coins" {
				return nil, ErrInsufficientCoins
			}
			return nil, fmt.Errorf("%s would become negative", field)
		}
		return d.Set(field, next)
	}, opts...)
}
