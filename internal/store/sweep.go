package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SweepTombstones physically removes entity rows that were tombstoned
// before the cutoff. It never touches live rows and never advances the
// revision; running it zero times or many times changes nothing a client
// can observe through the sync protocol. A zero cutoff uses the store's
// retention window.
func (s *Store) SweepTombstones(ctx context.Context, tenant string, cutoff time.Time) (int64, error) {
	tenant, err := normalizeTenant(tenant)
	if err != nil {
		return 0, err
	}
	if s.conn == nil {
		return 0, ErrClosed
	}
	if cutoff.IsZero() {
		cutoff = time.Now().UTC().Add(-s.retention)
	}

	lock := s.tenantLock(tenant)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	removed, err := sweepTx(ctx, tx, tenant, stamp(cutoff))
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit sweep: %w", err)
	}
	return removed, nil
}

// sweepTx deletes expired tombstones across every kind within an existing
// transaction. The deleted_at IS NOT NULL predicate guards live rows; the
// stamp comparison is valid because all timestamps are stored as UTC
// RFC 3339 strings.
func sweepTx(ctx context.Context, tx *sql.Tx, tenant, cutoffStamp string) (int64, error) {
	tables := make([]string, 0, len(kindTables)+1)
	for _, kt := range kindTables {
		tables = append(tables, kt.table)
	}
	tables = append(tables, assignmentsTable)

	var removed int64
	for _, table := range tables {
		query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE app_id = ? AND deleted_at IS NOT NULL AND deleted_at < ?`, table)
		res, err := tx.ExecContext(ctx, query, tenant, cutoffStamp)
		if err != nil {
			return 0, fmt.Errorf("failed to sweep %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to count swept rows in %s: %w", table, err)
		}
		removed += n
	}
	return removed, nil
}
