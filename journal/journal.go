// Package journal is a local pebble store for records whose final flush did
// not reach the backend. A coordinator spills such records here and restores
// them on the next load of the same key.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/knightsandkings/knk"
)

// prefix namespaces journal keys inside the store.
const prefix = "J"

// entry is the stored form of a record.
type entry struct {
	Namespace    string          `json:"ns"`
	ID           string          `json:"id"`
	Payload      json.RawMessage `json:"payload"`
	Version      uint64          `json:"version"`
	LastSyncedAt time.Time       `json:"lastSyncedAt"`
	SpilledAt    time.Time       `json:"spilledAt"`
}

// Store persists spilled records. It implements knk.Journal and is safe for
// concurrent use.
type Store struct {
	db  *pebble.DB
	now func() time.Time
}

var _ knk.Journal = (*Store)(nil)

// Open opens or creates a journal in dir.
func Open(dir string) (*Store, error) {
	return open(dir, &pebble.Options{})
}

// OpenInMemory opens a journal that lives only as long as the process.
func OpenInMemory() (*Store, error) {
	return open("", &pebble.Options{FS: vfs.NewMem()})
}

func open(dir string, opts *pebble.Options) (*Store, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("journal: open %q: %w", dir, err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Save stores rec, replacing any earlier copy of the same key.
func (s *Store) Save(rec knk.Record) error {
	payload := rec.Payload
	if len(payload) == 0 || !payload.Valid() {
		return fmt.Errorf("journal: save %s: payload is not valid JSON", rec.Key)
	}
	val, err := json.Marshal(entry{
		Namespace:    rec.Key.Namespace,
		ID:           rec.Key.ID,
		Payload:      json.RawMessage(payload),
		Version:      uint64(rec.Version),
		LastSyncedAt: rec.LastSyncedAt,
		SpilledAt:    s.now(),
	})
	if err != nil {
		return fmt.Errorf("journal: encode %s: %w", rec.Key, err)
	}
	if err := s.db.Set(encodeKey(rec.Key), val, pebble.Sync); err != nil {
		return fmt.Errorf("journal: save %s: %w", rec.Key, err)
	}
	return nil
}

// Delete removes the copy of key. Deleting a missing key is not an error.
func (s *Store) Delete(key knk.EntityKey) error {
	if err := s.db.Delete(encodeKey(key), pebble.Sync); err != nil {
		return fmt.Errorf("journal: delete %s: %w", key, err)
	}
	return nil
}

// Load returns the stored copy of key. Restored records are always dirty.
func (s *Store) Load(key knk.EntityKey) (knk.Record, bool, error) {
	val, closer, err := s.db.Get(encodeKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return knk.Record{}, false, nil
	}
	if err != nil {
		return knk.Record{}, false, fmt.Errorf("journal: load %s: %w", key, err)
	}
	defer closer.Close()

	rec, err := decode(val)
	if err != nil {
		return knk.Record{}, false, fmt.Errorf("journal: load %s: %w", key, err)
	}
	return rec, true, nil
}

// All returns every stored record ordered by key.
func (s *Store) All() ([]knk.Record, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: []byte{prefix[0] + 1},
	})
	if err != nil {
		return nil, fmt.Errorf("journal: iterate: %w", err)
	}
	defer it.Close()

	var out []knk.Record
	for it.First(); it.Valid(); it.Next() {
		rec, err := decode(it.Value())
		if err != nil {
			return nil, fmt.Errorf("journal: decode %q: %w", it.Key(), err)
		}
		out = append(out, rec)
	}
	return out, it.Error()
}

// Close closes the underlying store.
func (s *Store) Close() error {
	return s.db.Close()
}

func encodeKey(k knk.EntityKey) []byte {
	return []byte(prefix + k.String())
}

func decode(val []byte) (knk.Record, error) {
	var e entry
	if err := json.Unmarshal(val, &e); err != nil {
		return knk.Record{}, err
	}
	return knk.Record{
		Key:          knk.NewKey(e.Namespace, e.ID),
		Payload:      knk.Document(append([]byte(nil), e.Payload...)),
		Version:      knk.Version(e.Version),
		LastSyncedAt: e.LastSyncedAt,
		Dirty:        true,
	}, nil
}
