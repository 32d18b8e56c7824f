package eventstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestInMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return NewInMemoryStore()
	})
}

func TestInMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	id, err := s.Append(ctx, "events", Record{Timestamp: baseTime, Fields: map[string]string{"k": "v"}, Data: []byte("{}")})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	got, err := s.GetByID(ctx, "events", id)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	got.Fields["k"] = "mutated"

	again, err := s.GetByID(ctx, "events", id)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if again.Fields["k"] != "v" {
		t.Errorf("stored record was mutated through a returned copy")
	}
}

func TestInMemoryStore_CanceledContext(t *testing.T) {
	s := NewInMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Append(ctx, "events", Record{Timestamp: baseTime}); !errors.Is(err, context.Canceled) {
		t.Errorf("Append() error = %v, want context.Canceled", err)
	}
	_, err := Collect(s.QueryRange(ctx, "events", time.Time{}, time.Time{}, nil))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("QueryRange() error = %v, want context.Canceled", err)
	}
}

func TestInMemoryStore_ConcurrentAppends(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	const writers = 20
	const perWriter = 50

	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := range perWriter {
				ts := baseTime.Add(time.Duration(w*perWriter+i) * time.Second)
				if _, err := s.Append(ctx, "events", Record{Timestamp: ts, Data: []byte("{}")}); err != nil {
					t.Errorf("Append() error = %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	got, err := Collect(s.QueryRange(ctx, "events", time.Time{}, time.Time{}, nil))
	if err != nil {
		t.Fatalf("QueryRange() error = %v", err)
	}
	if len(got) != writers*perWriter {
		t.Fatalf("got %d records, want %d", len(got), writers*perWriter)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp.Before(got[i-1].Timestamp) {
			t.Fatalf("records out of order at %d", i)
		}
	}
}

func TestInMemoryStore_ConcurrentUpdatesOneWins(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	id, err := s.Append(ctx, "cohorts", Record{Timestamp: baseTime, Data: []byte("{}")})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	current, err := s.GetByID(ctx, "cohorts", id)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}

	const racers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.UpdateWhole(ctx, "cohorts", id, current)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("UpdateWhole() unexpected error = %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("wins = %d, want 1", wins)
	}
	if conflicts != racers-1 {
		t.Errorf("conflicts = %d, want %d", conflicts, racers-1)
	}
}
