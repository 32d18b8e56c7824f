package eventstore

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is an in-memory implementation of Store.
// Thread-safe via RWMutex. Intended for development and tests.
type InMemoryStore struct {
	mu      sync.RWMutex
	streams map[Stream][]*Record          // stream -> records in insertion order
	index   map[Stream]map[string]*Record // stream -> id -> record
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		streams: make(map[Stream][]*Record),
		index:   make(map[Stream]map[string]*Record),
	}
}

// Append writes a new record to the stream.
func (s *InMemoryStore) Append(ctx context.Context, stream Stream, rec Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validateRecord(stream, rec); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if s.index[stream] == nil {
		s.index[stream] = make(map[string]*Record)
	}
	if _, exists := s.index[stream][rec.ID]; exists {
		return "", fmt.Errorf("append %s/%s: %w", stream, rec.ID, ErrConflict)
	}

	stored := rec.Clone()
	stored.Stream = stream
	stored.Timestamp = rec.Timestamp.UTC()
	stored.Version = 1

	s.streams[stream] = append(s.streams[stream], &stored)
	s.index[stream][stored.ID] = &stored
	return stored.ID, nil
}

// QueryRange yields matching records ordered by timestamp, ties by insertion order.
// The matching set is snapshotted when iteration starts.
func (s *InMemoryStore) QueryRange(ctx context.Context, stream Stream, start, end time.Time, filters Filters) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(Record{}, err)
			return
		}

		s.mu.RLock()
		matched := make([]Record, 0)
		for _, rec := range s.streams[stream] {
			if InRange(rec.Timestamp, start, end) && filters.Match(rec.Fields) {
				matched = append(matched, rec.Clone())
			}
		}
		s.mu.RUnlock()

		sort.SliceStable(matched, func(i, j int) bool {
			return matched[i].Timestamp.Before(matched[j].Timestamp)
		})

		for _, rec := range matched {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// GetByID returns a copy of the record.
func (s *InMemoryStore) GetByID(ctx context.Context, stream Stream, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.index[stream][id]
	if !ok {
		return Record{}, fmt.Errorf("get %s/%s: %w", stream, id, ErrNotFound)
	}
	return rec.Clone(), nil
}

// UpdateWhole replaces the stored record if versions match.
// The record keeps its position in the insertion order.
func (s *InMemoryStore) UpdateWhole(ctx context.Context, stream Stream, id string, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateRecord(stream, rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.index[stream][id]
	if !ok {
		return fmt.Errorf("update %s/%s: %w", stream, id, ErrNotFound)
	}
	if current.Version != rec.Version {
		return fmt.Errorf("update %s/%s: have version %d, got %d: %w", stream, id, current.Version, rec.Version, ErrConflict)
	}

	next := rec.Clone()
	next.ID = id
	next.Stream = stream
	next.Timestamp = rec.Timestamp.UTC()
	next.Version = current.Version + 1
	*current = next
	return nil
}

// Ping always succeeds for the in-memory store.
func (s *InMemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}
