package eventstore

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"log/slog"
	"maps"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry defaults: three attempts with exponential backoff starting at 100ms.
const (
	DefaultRetryAttempts       = 3
	DefaultRetryInitialBackoff = 100 * time.Millisecond
	DefaultRetryMaxBackoff     = 2 * time.Second
)

// RetryConfig configures RetryStore.
type RetryConfig struct {
	// MaxAttempts is the total number of tries including the first one.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
	// Metrics is optional.
	Metrics *Metrics
}

// RetryStore wraps a Store and retries calls that fail with ErrUnavailable.
// All other errors are returned immediately.
type RetryStore struct {
	next Store
	cfg  RetryConfig
}

// NewRetryStore wraps next with bounded exponential-backoff retries.
func NewRetryStore(next Store, cfg RetryConfig) *RetryStore {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultRetryAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultRetryInitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = max(DefaultRetryMaxBackoff, cfg.InitialBackoff)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RetryStore{next: next, cfg: cfg}
}

func (s *RetryStore) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.MaxAttempts-1)), ctx)
}

// do runs fn until it succeeds, fails permanently, or attempts run out.
func (s *RetryStore) do(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return err
		}
		if !errors.Is(err, ErrUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, s.policy(ctx), func(err error, wait time.Duration) {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.IncRetries(operation)
		}
		s.cfg.Logger.WarnContext(ctx, "event store call failed, retrying",
			slog.String("operation", operation),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()))
	})
	if err != nil && s.cfg.Metrics != nil {
		s.cfg.Metrics.IncErrors(operation)
	}
	return err
}

// Append retries transient append failures. When the first write landed but
// its acknowledgement was lost, a record with a preset ID conflicts on retry;
// that conflict is reported as success if the stored copy matches rec. A record
// without an ID gets a fresh one per attempt and may be stored twice, so raw
// row counts such as page views can run high after retries.
func (s *RetryStore) Append(ctx context.Context, stream Stream, rec Record) (string, error) {
	var id string
	attempts := 0
	err := s.do(ctx, "append", func() error {
		attempts++
		var err error
		id, err = s.next.Append(ctx, stream, rec)
		return err
	})
	if err != nil && attempts > 1 && rec.ID != "" && errors.Is(err, ErrConflict) && s.landed(ctx, stream, rec) {
		s.cfg.Logger.InfoContext(ctx, "append landed on an earlier attempt",
			slog.String("stream", string(stream)), slog.String("id", rec.ID))
		return rec.ID, nil
	}
	return id, err
}

// landed reports whether the stored record with rec.ID holds rec's content.
func (s *RetryStore) landed(ctx context.Context, stream Stream, rec Record) bool {
	got, err := s.next.GetByID(ctx, stream, rec.ID)
	if err != nil {
		return false
	}
	return bytes.Equal(got.Data, rec.Data) && maps.Equal(got.Fields, rec.Fields)
}

// QueryRange retries only while nothing has been yielded yet, so callers never
// see a record twice. A failure after the first record is returned as-is.
func (s *RetryStore) QueryRange(ctx context.Context, stream Stream, start, end time.Time, filters Filters) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		yielded := false
		stopped := false

		err := s.do(ctx, "query_range", func() error {
			for rec, err := range s.next.QueryRange(ctx, stream, start, end, filters) {
				if err != nil {
					if yielded {
						return backoff.Permanent(err)
					}
					return err
				}
				yielded = true
				if !yield(rec, nil) {
					stopped = true
					return nil
				}
			}
			return nil
		})
		if err != nil && !stopped {
			yield(Record{}, err)
		}
	}
}

// GetByID retries transient lookup failures.
func (s *RetryStore) GetByID(ctx context.Context, stream Stream, id string) (Record, error) {
	var rec Record
	err := s.do(ctx, "get", func() error {
		var err error
		rec, err = s.next.GetByID(ctx, stream, id)
		return err
	})
	return rec, err
}

// UpdateWhole retries transient failures. Conflicts are never retried.
func (s *RetryStore) UpdateWhole(ctx context.Context, stream Stream, id string, rec Record) error {
	return s.do(ctx, "update", func() error {
		return s.next.UpdateWhole(ctx, stream, id, rec)
	})
}

// Ping is not retried; health checks report the current state.
func (s *RetryStore) Ping(ctx context.Context) error {
	return s.next.Ping(ctx)
}
