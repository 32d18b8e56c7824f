package eventstore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/onnwee/insights/internal/tracing"
	"github.com/redis/go-redis/v9"
)

const (
	systemRedis = "redis"

	// DefaultRedisPrefix namespaces every key written by RedisStore.
	DefaultRedisPrefix = "insights"

	// redisPageSize bounds how many members a single ZRANGEBYSCORE fetches.
	redisPageSize = 500
)

// redisEnvelope is the CBOR-encoded value stored per record.
// Member is the sorted-set member ("<seq>:<id>"); zero-padded seq keeps
// same-timestamp records in insertion order.
type redisEnvelope struct {
	ID        string            `cbor:"1,keyasint"`
	Timestamp int64             `cbor:"2,keyasint"` // unix nanoseconds
	Fields    map[string]string `cbor:"3,keyasint,omitempty"`
	Data      []byte            `cbor:"4,keyasint"`
	Version   int64             `cbor:"5,keyasint"`
	Member    string            `cbor:"6,keyasint"`
}

// RedisStore implements Store with one sorted set per stream, scored by
// timestamp in microseconds, plus one CBOR value per record.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// NewRedisStore creates a RedisStore. An empty prefix uses DefaultRedisPrefix.
func NewRedisStore(client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{client: client, prefix: prefix, logger: logger}
}

func (s *RedisStore) streamKey(stream Stream) string {
	return s.prefix + ":stream:" + string(stream)
}

func (s *RedisStore) seqKey(stream Stream) string {
	return s.prefix + ":seq:" + string(stream)
}

func (s *RedisStore) recordKey(stream Stream, id string) string {
	return s.prefix + ":record:" + string(stream) + ":" + id
}

func score(ts time.Time) float64 {
	return float64(ts.UTC().UnixMicro())
}

// Append stores the record and indexes it in the stream's sorted set.
func (s *RedisStore) Append(ctx context.Context, stream Stream, rec Record) (id string, err error) {
	if err := validateRecord(stream, rec); err != nil {
		return "", err
	}
	ctx, endSpan := tracing.StartStoreSpan(ctx, systemRedis, string(stream), tracing.StoreOperationAppend)
	defer func() { endSpan(err) }()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	seq, err := s.client.Incr(ctx, s.seqKey(stream)).Result()
	if err != nil {
		return "", fmt.Errorf("append %s: %w", stream, classifyRedis(err))
	}

	env := redisEnvelope{
		ID:        rec.ID,
		Timestamp: rec.Timestamp.UTC().UnixNano(),
		Fields:    rec.Fields,
		Data:      rec.Data,
		Version:   1,
		Member:    fmt.Sprintf("%020d:%s", seq, rec.ID),
	}
	payload, err := cbor.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode %s/%s: %w", stream, rec.ID, err)
	}

	key := s.recordKey(stream, rec.ID)
	var set *redis.StatusCmd
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			set = pipe.Set(ctx, key, payload, 0)
			pipe.ZAdd(ctx, s.streamKey(stream), redis.Z{Score: score(rec.Timestamp), Member: env.Member})
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return rec.ID, nil
	case errors.Is(err, ErrConflict), errors.Is(err, redis.TxFailedErr):
		return "", fmt.Errorf("append %s/%s: %w", stream, rec.ID, ErrConflict)
	}
	// EXEC does not roll back: a body written without its index entry is removed.
	if set != nil && set.Err() == nil {
		if derr := s.client.Del(context.WithoutCancel(ctx), key).Err(); derr != nil {
			s.logger.Warn("failed to remove unindexed record",
				slog.String("key", key), slog.String("error", derr.Error()))
		}
	}
	return "", fmt.Errorf("append %s/%s: %w", stream, rec.ID, classifyRedis(err))
}

// QueryRange pages through the sorted set and filters records client-side.
func (s *RedisStore) QueryRange(ctx context.Context, stream Stream, start, end time.Time, filters Filters) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		var err error
		ctx, endSpan := tracing.StartStoreSpan(ctx, systemRedis, string(stream), tracing.StoreOperationQuery)
		defer func() { endSpan(err) }()

		bounds := &redis.ZRangeBy{Min: "-inf", Max: "+inf", Count: redisPageSize}
		if !start.IsZero() {
			bounds.Min = strconv.FormatFloat(score(start), 'f', 0, 64)
		}
		if !end.IsZero() {
			bounds.Max = strconv.FormatFloat(score(end), 'f', 0, 64)
		}

		for {
			var members []string
			members, err = s.client.ZRangeByScore(ctx, s.streamKey(stream), bounds).Result()
			if err != nil {
				err = fmt.Errorf("query %s: %w", stream, classifyRedis(err))
				yield(Record{}, err)
				return
			}
			if len(members) == 0 {
				return
			}

			var page []Record
			page, err = s.loadMembers(ctx, stream, members)
			if err != nil {
				yield(Record{}, err)
				return
			}
			for _, rec := range page {
				// Score precision is microseconds; re-check the exact bounds.
				if !InRange(rec.Timestamp, start, end) || !filters.Match(rec.Fields) {
					continue
				}
				if !yield(rec, nil) {
					return
				}
			}

			if len(members) < redisPageSize {
				return
			}
			bounds.Offset += redisPageSize
		}
	}
}

func (s *RedisStore) loadMembers(ctx context.Context, stream Stream, members []string) ([]Record, error) {
	keys := make([]string, len(members))
	for i, member := range members {
		id := member
		if _, rest, ok := strings.Cut(member, ":"); ok {
			id = rest
		}
		keys[i] = s.recordKey(stream, id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", stream, classifyRedis(err))
	}

	out := make([]Record, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Index entry without a body; skip rather than fail the whole scan.
			s.logger.Warn("dangling stream member", slog.String("stream", string(stream)), slog.String("key", keys[i]))
			continue
		}
		rec, err := decodeEnvelope([]byte(raw), stream)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// GetByID loads a single record.
func (s *RedisStore) GetByID(ctx context.Context, stream Stream, id string) (rec Record, err error) {
	ctx, endSpan := tracing.StartStoreSpan(ctx, systemRedis, string(stream), tracing.StoreOperationGet)
	defer func() { endSpan(err) }()

	raw, err := s.client.Get(ctx, s.recordKey(stream, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, fmt.Errorf("get %s/%s: %w", stream, id, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get %s/%s: %w", stream, id, classifyRedis(err))
	}
	return decodeEnvelope(raw, stream)
}

// UpdateWhole uses WATCH/MULTI so a concurrent writer aborts the transaction.
func (s *RedisStore) UpdateWhole(ctx context.Context, stream Stream, id string, rec Record) (err error) {
	if err := validateRecord(stream, rec); err != nil {
		return err
	}
	ctx, endSpan := tracing.StartStoreSpan(ctx, systemRedis, string(stream), tracing.StoreOperationUpdate)
	defer func() { endSpan(err) }()

	key := s.recordKey(stream, id)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("update %s/%s: %w", stream, id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("update %s/%s: %w", stream, id, classifyRedis(err))
		}

		var current redisEnvelope
		if err := cbor.Unmarshal(raw, &current); err != nil {
			return fmt.Errorf("decode %s/%s: %w", stream, id, err)
		}
		if current.Version != rec.Version {
			return fmt.Errorf("update %s/%s: have version %d, got %d: %w", stream, id, current.Version, rec.Version, ErrConflict)
		}

		next := redisEnvelope{
			ID:        id,
			Timestamp: rec.Timestamp.UTC().UnixNano(),
			Fields:    rec.Fields,
			Data:      rec.Data,
			Version:   current.Version + 1,
			Member:    current.Member,
		}
		payload, err := cbor.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode %s/%s: %w", stream, id, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.ZAdd(ctx, s.streamKey(stream), redis.Z{Score: score(rec.Timestamp), Member: next.Member})
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("update %s/%s: concurrent write: %w", stream, id, ErrConflict)
	}
	if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrConflict) {
		return classifyRedis(err)
	}
	return err
}

// Ping sends PING to the server.
func (s *RedisStore) Ping(ctx context.Context) (err error) {
	ctx, endSpan := tracing.StartStoreSpan(ctx, systemRedis, "", tracing.StoreOperationPing)
	defer func() { endSpan(err) }()

	if err = s.client.Ping(ctx).Err(); err != nil {
		return classifyRedis(err)
	}
	return nil
}

func decodeEnvelope(raw []byte, stream Stream) (Record, error) {
	var env redisEnvelope
	if err := cbor.Unmarshal(raw, &env); err != nil {
		return Record{}, fmt.Errorf("decode %s record: %w", stream, err)
	}
	return Record{
		ID:        env.ID,
		Stream:    stream,
		Timestamp: time.Unix(0, env.Timestamp).UTC(),
		Fields:    env.Fields,
		Data:      env.Data,
		Version:   env.Version,
	}, nil
}

// transientReplies are server error prefixes that can succeed on retry.
var transientReplies = []string{"LOADING", "READONLY", "MASTERDOWN", "TRYAGAIN", "CLUSTERDOWN", "BUSY"}

// classifyRedis marks connection failures and transient server replies as an
// outage. Other server replies, such as WRONGTYPE, are returned unwrapped so
// they are not retried.
func classifyRedis(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrUnavailable) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return err
	}
	var reply redis.Error
	if errors.As(err, &reply) {
		msg := reply.Error()
		for _, prefix := range transientReplies {
			if strings.HasPrefix(msg, prefix) {
				return fmt.Errorf("%w: %w", ErrUnavailable, err)
			}
		}
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
