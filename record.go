package knk

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Version is the comparable token used to detect stale copies.
// The backend increments it on every accepted write.
type Version uint64

// String returns the decimal form of the version.
func (v Version) String() string {
	return strconv.FormatUint(uint64(v), 10)
}

// ParseVersion parses a version token from a header value or body field.
// Surrounding quotes and a weak validator prefix ("W/") are accepted.
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "W/")
	s = strings.Trim(s, `"`)
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("knk: invalid version token %q: %w", s, err)
	}
	return Version(n), nil
}

// Document is an opaque serialized JSON document owned by the backend.
// Documents are treated as immutable; every edit returns a new slice.
type Document []byte

// EmptyDocument returns an empty JSON object.
func EmptyDocument() Document {
	return Document("{}")
}

// Valid reports whether the document is well-formed JSON.
func (d Document) Valid() bool {
	return gjson.ValidBytes(d)
}

// Get returns the value at a gjson path.
func (d Document) Get(path string) gjson.Result {
	return gjson.GetBytes(d, path)
}

// Int returns the integer at path, or zero if missing.
func (d Document) Int(path string) int64 {
	return gjson.GetBytes(d, path).Int()
}

// String returns the string at path, or "" if missing.
func (d Document) String(path string) string {
	return gjson.GetBytes(d, path).String()
}

// Set returns a copy of the document with path set to value.
func (d Document) Set(path string, value any) (Document, error) {
	if len(d) == 0 {
		d = EmptyDocument()
	}
	out, err := sjson.SetBytes(bytes.Clone(d), path, value)
	if err != nil {
		return nil, fmt.Errorf("knk: set %s: %w", path, err)
	}
	return out, nil
}

// Delete returns a copy of the document with path removed.
func (d Document) Delete(path string) (Document, error) {
	out, err := sjson.DeleteBytes(bytes.Clone(d), path)
	if err != nil {
		return nil, fmt.Errorf("knk: delete %s: %w", path, err)
	}
	return out, nil
}

// Merge returns a copy of the document with every top-level field of patch applied.
// Nested objects in patch replace the existing value rather than merging recursively.
func (d Document) Merge(patch Document) (Document, error) {
	if !patch.Valid() {
		return nil, fmt.Errorf("knk: merge: patch is not valid JSON")
	}
	out := d
	if len(out) == 0 {
		out = EmptyDocument()
	}
	out = bytes.Clone(out)

	var err error
	gjson.ParseBytes(patch).ForEach(func(key, value gjson.Result) bool {
		out, err = sjson.SetRawBytes(out, escapePath(key.String()), []byte(value.Raw))
		return err == nil
	})
	if err != nil {
		return nil, fmt.Errorf("knk: merge: %w", err)
	}
	return out, nil
}

// escapePath escapes gjson/sjson path metacharacters in a literal field name.
func escapePath(field string) string {
	r := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)
	return r.Replace(field)
}

// Record is the versioned, cached copy of one remote document.
type Record struct {
	// Key addresses the record.
	Key EntityKey

	// Payload is the current document, including unconfirmed local edits if Dirty.
	Payload Document

	// Version is the last version confirmed by the backend.
	Version Version

	// LastSyncedAt is when the backend last confirmed this record.
	LastSyncedAt time.Time

	// Dirty is true while local edits exist that the backend has not confirmed.
	Dirty bool
}
