package analytics

import (
	"context"
	"errors"
	"fmt"

	"github.com/onnwee/insights/internal/eventstore"
)

var (
	// ErrStoreUnavailable indicates a transient event store failure. Retryable.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvalidDefinition indicates bad input to an experiment or cohort creation call.
	ErrInvalidDefinition = errors.New("invalid definition")

	// ErrExperimentNotActive is returned when an operation requires an active experiment.
	ErrExperimentNotActive = errors.New("experiment not active")

	// ErrNotFound is returned for unknown experiment or cohort ids.
	ErrNotFound = errors.New("not found")

	// ErrRecordFailed is returned when an event could not be written. Callers
	// should log it and carry on.
	ErrRecordFailed = errors.New("record failed")

	// ErrInvalidEvent is returned for events the recorder refuses to store.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrInvalidTransition is returned for illegal experiment status changes.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrUnknownVariant is returned when a variant id is not part of the experiment.
	ErrUnknownVariant = errors.New("unknown variant")

	// ErrInvalidRange is returned when a query window starts after it ends.
	ErrInvalidRange = errors.New("invalid time range")

	// ErrConflict is returned when a concurrent writer updated the same document.
	ErrConflict = errors.New("concurrent modification")
)

// FromStore maps event store errors onto the analytics taxonomy. The original
// error stays in the chain. Context errors pass through unchanged.
func FromStore(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, eventstore.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, eventstore.ErrConflict):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case errors.Is(err, eventstore.ErrInvalidRecord):
		return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	default:
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
}
