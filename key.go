package knk

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// EntityKey uniquely addresses one remotely-backed record.
// Keys are immutable values and can be used directly as map keys.
type EntityKey struct {
	// Namespace groups records served by the same provider (e.g. "users").
	Namespace string

	// ID identifies the record within its namespace.
	ID string
}

// NewKey creates a key from a namespace and an identifier.
func NewKey(namespace, id string) EntityKey {
	return EntityKey{Namespace: namespace, ID: id}
}

// PlayerKey creates a key for a player's record in the given namespace.
func PlayerKey(namespace string, id uuid.UUID) EntityKey {
	return EntityKey{Namespace: namespace, ID: id.String()}
}

// ParseKey parses a key in the "namespace/id" form produced by String.
func ParseKey(s string) (EntityKey, error) {
	ns, id, ok := strings.Cut(s, "/")
	if !ok || ns == "" || id == "" {
		return EntityKey{}, fmt.Errorf("knk: malformed entity key %q", s)
	}
	return EntityKey{Namespace: ns, ID: id}, nil
}

// IsZero returns true if the key has not been set.
func (k EntityKey) IsZero() bool {
	return k.Namespace == "" && k.ID == ""
}

// UUID parses the key ID as a player UUID.
func (k EntityKey) UUID() (uuid.UUID, error) {
	return uuid.Parse(k.ID)
}

// String returns the "namespace/id" form of the key.
func (k EntityKey) String() string {
	return k.Namespace + "/" + k.ID
}

// MarshalText encodes the key in its "namespace/id" form.
func (k EntityKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a key produced by MarshalText.
func (k *EntityKey) UnmarshalText(b []byte) error {
	parsed, err := ParseKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
