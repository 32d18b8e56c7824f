package eventstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/onnwee/insights/internal/tracing"
)

// Schema creates the single table backing every stream.
const Schema = `
CREATE TABLE IF NOT EXISTS event_records (
	stream      TEXT        NOT NULL,
	id          TEXT        NOT NULL,
	seq         BIGSERIAL,
	occurred_at TIMESTAMPTZ NOT NULL,
	fields      JSONB       NOT NULL DEFAULT '{}'::jsonb,
	data        BYTEA       NOT NULL,
	version     BIGINT      NOT NULL DEFAULT 1,
	PRIMARY KEY (stream, id)
);
CREATE INDEX IF NOT EXISTS event_records_stream_time_idx ON event_records (stream, occurred_at, seq);
CREATE INDEX IF NOT EXISTS event_records_fields_idx ON event_records USING GIN (fields jsonb_path_ops);
`

const systemPostgres = "postgresql"

// PostgresStore implements Store on a single PostgreSQL table.
// Filters are evaluated with JSONB containment on the fields column.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore creates a PostgresStore. Call Migrate before first use.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger}
}

// Migrate creates the table and indexes if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate event_records: %w", classifyPostgres(err))
	}
	return nil
}

// Append inserts a new record.
func (s *PostgresStore) Append(ctx context.Context, stream Stream, rec Record) (id string, err error) {
	if err := validateRecord(stream, rec); err != nil {
		return "", err
	}
	ctx, endSpan := tracing.StartStoreSpan(ctx, systemPostgres, string(stream), tracing.StoreOperationAppend)
	defer func() { endSpan(err) }()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	fields, err := encodeFields(rec.Fields)
	if err != nil {
		return "", err
	}

	const query = `
		INSERT INTO event_records (stream, id, occurred_at, fields, data, version)
		VALUES ($1, $2, $3, $4::jsonb, $5, 1)
	`
	if _, err := s.db.ExecContext(ctx, query, string(stream), rec.ID, rec.Timestamp.UTC(), fields, rec.Data); err != nil {
		return "", fmt.Errorf("append %s/%s: %w", stream, rec.ID, classifyPostgres(err))
	}
	return rec.ID, nil
}

// QueryRange streams matching rows; the result set stays open while the caller iterates.
func (s *PostgresStore) QueryRange(ctx context.Context, stream Stream, start, end time.Time, filters Filters) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		var err error
		ctx, endSpan := tracing.StartStoreSpan(ctx, systemPostgres, string(stream), tracing.StoreOperationQuery)
		defer func() { endSpan(err) }()

		query, args, err := buildRangeQuery(stream, start, end, filters)
		if err != nil {
			yield(Record{}, err)
			return
		}

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			err = fmt.Errorf("query %s: %w", stream, classifyPostgres(err))
			yield(Record{}, err)
			return
		}
		defer func() {
			if cerr := rows.Close(); cerr != nil {
				s.logger.Warn("failed to close rows", slog.String("stream", string(stream)), slog.String("error", cerr.Error()))
			}
		}()

		for rows.Next() {
			var rec Record
			rec, err = scanRecord(rows, stream)
			if err != nil {
				yield(Record{}, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err = rows.Err(); err != nil {
			err = fmt.Errorf("query %s: %w", stream, classifyPostgres(err))
			yield(Record{}, err)
		}
	}
}

// GetByID fetches a single record.
func (s *PostgresStore) GetByID(ctx context.Context, stream Stream, id string) (rec Record, err error) {
	ctx, endSpan := tracing.StartStoreSpan(ctx, systemPostgres, string(stream), tracing.StoreOperationGet)
	defer func() { endSpan(err) }()

	const query = `
		SELECT id, occurred_at, fields, data, version
		FROM event_records
		WHERE stream = $1 AND id = $2
	`
	rec, err = scanRecord(s.db.QueryRowContext(ctx, query, string(stream), id), stream)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("get %s/%s: %w", stream, id, ErrNotFound)
	}
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// UpdateWhole replaces the row when the stored version matches rec.Version.
func (s *PostgresStore) UpdateWhole(ctx context.Context, stream Stream, id string, rec Record) (err error) {
	if err := validateRecord(stream, rec); err != nil {
		return err
	}
	ctx, endSpan := tracing.StartStoreSpan(ctx, systemPostgres, string(stream), tracing.StoreOperationUpdate)
	defer func() { endSpan(err) }()

	fields, err := encodeFields(rec.Fields)
	if err != nil {
		return err
	}

	const query = `
		UPDATE event_records
		SET occurred_at = $3, fields = $4::jsonb, data = $5, version = version + 1
		WHERE stream = $1 AND id = $2 AND version = $6
	`
	result, err := s.db.ExecContext(ctx, query, string(stream), id, rec.Timestamp.UTC(), fields, rec.Data, rec.Version)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", stream, id, classifyPostgres(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", stream, id, classifyPostgres(err))
	}
	if affected == 1 {
		return nil
	}

	// Zero rows: either the id is unknown or the version moved on.
	var exists bool
	err = s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM event_records WHERE stream = $1 AND id = $2)`,
		string(stream), id,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", stream, id, classifyPostgres(err))
	}
	if !exists {
		return fmt.Errorf("update %s/%s: %w", stream, id, ErrNotFound)
	}
	return fmt.Errorf("update %s/%s: version %d is stale: %w", stream, id, rec.Version, ErrConflict)
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) (err error) {
	ctx, endSpan := tracing.StartStoreSpan(ctx, systemPostgres, "", tracing.StoreOperationPing)
	defer func() { endSpan(err) }()

	if err = s.db.PingContext(ctx); err != nil {
		return classifyPostgres(err)
	}
	return nil
}

// buildRangeQuery assembles the range query with only the bounds that are set.
func buildRangeQuery(stream Stream, start, end time.Time, filters Filters) (string, []any, error) {
	var b strings.Builder
	b.WriteString(`SELECT id, occurred_at, fields, data, version FROM event_records WHERE stream = $1`)
	args := []any{string(stream)}

	if !start.IsZero() {
		args = append(args, start.UTC())
		b.WriteString(" AND occurred_at >= $" + strconv.Itoa(len(args)))
	}
	if !end.IsZero() {
		args = append(args, end.UTC())
		b.WriteString(" AND occurred_at <= $" + strconv.Itoa(len(args)))
	}
	if len(filters) > 0 {
		encoded, err := json.Marshal(map[string]string(filters))
		if err != nil {
			return "", nil, fmt.Errorf("encode filters: %w", err)
		}
		args = append(args, string(encoded))
		b.WriteString(" AND fields @> $" + strconv.Itoa(len(args)) + "::jsonb")
	}
	b.WriteString(" ORDER BY occurred_at, seq")
	return b.String(), args, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner, stream Stream) (Record, error) {
	var (
		rec    Record
		fields []byte
	)
	if err := row.Scan(&rec.ID, &rec.Timestamp, &fields, &rec.Data, &rec.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("scan %s: %w", stream, classifyPostgres(err))
	}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &rec.Fields); err != nil {
			return Record{}, fmt.Errorf("decode fields for %s/%s: %w", stream, rec.ID, err)
		}
	}
	rec.Stream = stream
	rec.Timestamp = rec.Timestamp.UTC()
	return rec, nil
}

func encodeFields(fields map[string]string) (string, error) {
	if len(fields) == 0 {
		return "{}", nil
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode fields: %w", err)
	}
	return string(encoded), nil
}

// classifyPostgres tags connection-level failures with ErrUnavailable and
// duplicate keys with ErrConflict. Context errors pass through untouched.
func classifyPostgres(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return fmt.Errorf("%w: %w", ErrConflict, err)
		case pqErr.Code.Class() == "08", // connection exception
			pqErr.Code.Class() == "53", // insufficient resources
			pqErr.Code.Class() == "57": // operator intervention
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return err
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}
