// Package id defines the TypeID-based identifiers used by jobq.
//
// Jobs and workers carry a prefixed, UUIDv7-based identifier in the form
// "prefix_suffix". Identifiers sort by creation time, which the database
// backend relies on as a tiebreaker for oldest-first claiming.
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in an ID.
type Prefix string

const (
	PrefixJob    Prefix = "job"
	PrefixWorker Prefix = "wkr"
)

// ID wraps a TypeID. The zero value is Nil.
//
//nolint:recvcheck // value receivers for reads, pointer receivers for UnmarshalText/Scan.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// JobID identifies a job (prefix "job"). It is never reused.
type JobID = ID

// WorkerID identifies a worker pool instance (prefix "wkr").
type WorkerID = ID

// Nil is the zero-value ID.
var Nil ID

// New generates a new ID with the given prefix. It panics on an invalid
// prefix, which is a programming error.
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}
	return ID{inner: tid, valid: true}
}

// NewJobID generates a job ID.
func NewJobID() JobID { return New(PrefixJob) }

// NewWorkerID generates a worker ID.
func NewWorkerID() WorkerID { return New(PrefixWorker) }

// Parse parses any TypeID string.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix parses s and checks that its prefix is expected.
func ParseWithPrefix(s string, expected Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if parsed.Prefix() != expected {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, parsed.Prefix())
	}
	return parsed, nil
}

// ParseJobID parses a job ID.
func ParseJobID(s string) (JobID, error) { return ParseWithPrefix(s, PrefixJob) }

// ParseWorkerID parses a worker ID.
func ParseWorkerID(s string) (WorkerID, error) { return ParseWithPrefix(s, PrefixWorker) }

// MustParseJobID is like ParseJobID but panics on error.
func MustParseJobID(s string) JobID {
	parsed, err := ParseJobID(s)
	if err != nil {
		panic(fmt.Sprintf("id: must parse job id %q: %v", s, err))
	}
	return parsed
}

// String returns "prefix_suffix", or "" for Nil.
func (i ID) String() string {
	if !i.valid {
		return ""
	}
	return i.inner.String()
}

// Prefix returns the prefix component.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}
	return Prefix(i.inner.Prefix())
}

// IsNil reports whether i is the zero value.
func (i ID) IsNil() bool { return !i.valid }

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	if !i.valid {
		return []byte{}, nil
	}
	return []byte(i.inner.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil
		return nil
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// Value implements driver.Valuer. Nil is stored as NULL.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil //nolint:nilnil // nil is the canonical NULL for driver.Valuer
	}
	return i.inner.String(), nil
}

// Scan implements sql.Scanner.
func (i *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*i = Nil
		return nil
	case string:
		return i.UnmarshalText([]byte(v))
	case []byte:
		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T into ID", src)
	}
}
