package health

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// DBChecker checks the PostgreSQL connection pool backing the event store.
type DBChecker struct {
	db *sql.DB
}

// NewDBChecker creates a new database health checker.
func NewDBChecker(db *sql.DB) *DBChecker {
	return &DBChecker{db: db}
}

// HealthCheck pings the database and verifies the event table is reachable.
func (d *DBChecker) HealthCheck(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	var one int
	if err := d.db.QueryRowContext(ctx, `SELECT 1 FROM event_records LIMIT 1`).Scan(&one); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("query event_records: %w", err)
	}
	return nil
}
