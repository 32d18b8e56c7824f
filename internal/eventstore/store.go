// Package eventstore provides append-only record streams with inclusive
// time-range queries, field-equality filters, and versioned whole-document
// updates. Backends: in-memory, PostgreSQL and Redis.
package eventstore

import (
	"context"
	"errors"
	"iter"
	"maps"
	"time"
)

// Stream names a logical partition of records (e.g. "analytics_events").
type Stream string

var (
	// ErrNotFound is returned when a record id does not exist in a stream.
	ErrNotFound = errors.New("record not found")

	// ErrUnavailable marks transient backend failures. Callers may retry.
	ErrUnavailable = errors.New("event store unavailable")

	// ErrConflict is returned when an update loses an optimistic-concurrency race
	// or an append reuses an existing id.
	ErrConflict = errors.New("record version conflict")

	// ErrInvalidRecord is returned for records missing a stream or timestamp.
	ErrInvalidRecord = errors.New("invalid record")
)

// Record is a single stored document.
//
// Fields is the equality-filterable projection of the document; Data holds the
// encoded document itself. Version starts at 1 and is bumped by UpdateWhole.
type Record struct {
	ID        string            `json:"id"`
	Stream    Stream            `json:"stream"`
	Timestamp time.Time         `json:"timestamp"`
	Fields    map[string]string `json:"fields,omitempty"`
	Data      []byte            `json:"data"`
	Version   int64             `json:"version"`
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	c := r
	if r.Fields != nil {
		c.Fields = maps.Clone(r.Fields)
	}
	if r.Data != nil {
		c.Data = append([]byte(nil), r.Data...)
	}
	return c
}

// Filters restricts a query to records whose Fields contain every key/value pair.
type Filters map[string]string

// Match reports whether fields satisfy every filter. An empty filter set matches all.
func (f Filters) Match(fields map[string]string) bool {
	for k, v := range f {
		if got, ok := fields[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// Store is the storage boundary the analytics engines depend on.
type Store interface {
	// Append writes a new record and returns its id. A uuid is assigned when rec.ID is empty.
	Append(ctx context.Context, stream Stream, rec Record) (string, error)

	// QueryRange lazily yields records with start <= Timestamp <= end that match filters,
	// ordered by timestamp then insertion. A zero start or end leaves that side unbounded.
	// Each call starts a fresh scan.
	QueryRange(ctx context.Context, stream Stream, start, end time.Time, filters Filters) iter.Seq2[Record, error]

	// GetByID returns the record or ErrNotFound.
	GetByID(ctx context.Context, stream Stream, id string) (Record, error)

	// UpdateWhole replaces a record. rec.Version must equal the stored version,
	// otherwise ErrConflict is returned.
	UpdateWhole(ctx context.Context, stream Stream, id string, rec Record) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error
}

// InRange reports whether ts falls in the inclusive window [start, end].
// Zero bounds are open.
func InRange(ts, start, end time.Time) bool {
	if !start.IsZero() && ts.Before(start) {
		return false
	}
	if !end.IsZero() && ts.After(end) {
		return false
	}
	return true
}

// Collect drains a query into a slice, stopping at the first error.
func Collect(seq iter.Seq2[Record, error]) ([]Record, error) {
	var out []Record
	for rec, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func validateRecord(stream Stream, rec Record) error {
	if stream == "" {
		return errors.Join(ErrInvalidRecord, errors.New("stream is required"))
	}
	if rec.Timestamp.IsZero() {
		return errors.Join(ErrInvalidRecord, errors.New("timestamp is required"))
	}
	return nil
}
