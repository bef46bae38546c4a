package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mgrattan/permitsync/internal/record"
)

// SnapshotRequest carries full collections for every kind, for the
// full-replace path.
type SnapshotRequest struct {
	ExpectedRevision uint64
	SchemaVersion    int
	SavedAt          time.Time
	UpdatedBy        string
	Data             record.Bundle
}

// Snapshot is the read-side view of a tenant: the current revision plus the
// compatibility mirror.
type Snapshot struct {
	Revision      uint64        `json:"revision"`
	SchemaVersion int           `json:"schema_version"`
	SavedAt       string        `json:"saved_at"`
	UpdatedAt     string        `json:"updated_at"`
	UpdatedBy     string        `json:"updated_by"`
	Mirror        record.Bundle `json:"data"`
}

// SaveSnapshot is the bulk-import variant of ApplyChanges: same revision
// gate, but on success every row of every kind is deleted and re-inserted
// from the supplied collections (no merge, no tombstone preservation) and
// the mirror is replaced wholesale. It shares the revision counter with
// ApplyChanges, so the two paths may be interleaved freely as long as each
// call supplies the revision it observed.
func (s *Store) SaveSnapshot(ctx context.Context, tenant string, req SnapshotRequest) (ApplyResult, error) {
	tenant, err := normalizeTenant(tenant)
	if err != nil {
		return ApplyResult{}, err
	}
	if s.conn == nil {
		return ApplyResult{}, ErrClosed
	}

	lock := s.tenantLock(tenant)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	opStamp := stamp(now)
	savedAt := opStamp
	if !req.SavedAt.IsZero() {
		savedAt = stamp(req.SavedAt)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	state, err := readState(ctx, tx, tenant)
	if err != nil {
		return ApplyResult{}, err
	}
	if state.revision != req.ExpectedRevision {
		return ApplyResult{Applied: false, Conflict: true, Revision: state.revision}, nil
	}

	for _, kt := range kindTables {
		query := fmt.Sprintf(`DELETE FROM %s WHERE app_id = ?`, kt.table)
		if _, err := tx.ExecContext(ctx, query, tenant); err != nil {
			return ApplyResult{}, fmt.Errorf("failed to clear %s: %w", kt.table, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM template_assignments WHERE app_id = ?`, tenant); err != nil {
		return ApplyResult{}, fmt.Errorf("failed to clear template_assignments: %w", err)
	}

	data := req.Data
	data.Clean()

	if err := insertDocKind(ctx, tx, kindTables[0], tenant, data.Contacts, opStamp, req.UpdatedBy); err != nil {
		return ApplyResult{}, err
	}
	if err := insertDocKind(ctx, tx, kindTables[1], tenant, data.Jurisdictions, opStamp, req.UpdatedBy); err != nil {
		return ApplyResult{}, err
	}
	if err := insertDocKind(ctx, tx, kindTables[2], tenant, data.Properties, opStamp, req.UpdatedBy); err != nil {
		return ApplyResult{}, err
	}
	if err := insertDocKind(ctx, tx, kindTables[3], tenant, data.Permits, opStamp, req.UpdatedBy); err != nil {
		return ApplyResult{}, err
	}
	if err := insertDocKind(ctx, tx, kindTables[4], tenant, data.DocumentTemplates, opStamp, req.UpdatedBy); err != nil {
		return ApplyResult{}, err
	}
	for permitType, templateID := range data.ActiveTemplates {
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO template_assignments (app_id, permit_type, template_id, updated_at, updated_by, deleted_at)
		VALUES (?, ?, ?, ?, ?, NULL)`,
			tenant, permitType, templateID, opStamp, req.UpdatedBy,
		); err != nil {
			return ApplyResult{}, fmt.Errorf("failed to insert template assignment %s: %w", permitType, err)
		}
	}

	payload, err := record.MarshalMirror(data)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("failed to marshal mirror payload: %w", err)
	}

	newRevision := req.ExpectedRevision + 1
	if err := writeState(ctx, tx, tenant, newRevision, req.SchemaVersion, savedAt, opStamp, req.UpdatedBy, payload); err != nil {
		return ApplyResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return ApplyResult{}, fmt.Errorf("failed to commit snapshot: %w", err)
	}

	return ApplyResult{Applied: true, Conflict: false, Revision: newRevision}, nil
}

// insertDocKind inserts fresh live rows for one kind. Only used by the
// snapshot path, after the kind's table has been cleared for the tenant.
func insertDocKind[T record.Keyed](ctx context.Context, tx *sql.Tx, kt kindTable, tenant string, items []T, opStamp, updatedBy string) error {
	query := fmt.Sprintf(`
	INSERT INTO %[1]s (app_id, %[2]s, data, updated_at, updated_by, deleted_at)
	VALUES (?, ?, ?, ?, ?, NULL)
	ON CONFLICT(app_id, %[2]s) DO UPDATE SET
		data = excluded.data,
		updated_at = excluded.updated_at,
		updated_by = excluded.updated_by,
		deleted_at = NULL`, kt.table, kt.keyCol)

	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal %s %s: %w", kt.table, item.Key(), err)
		}
		if _, err := tx.ExecContext(ctx, query, tenant, item.Key(), string(data), opStamp, updatedBy); err != nil {
			return fmt.Errorf("failed to insert %s %s: %w", kt.table, item.Key(), err)
		}
	}
	return nil
}

// FetchSnapshot returns the tenant's current revision and mirror. A tenant
// with no state row reads as revision 0 with an empty mirror, matching the
// bootstrap the first apply performs.
func (s *Store) FetchSnapshot(ctx context.Context, tenant string) (Snapshot, error) {
	tenant, err := normalizeTenant(tenant)
	if err != nil {
		return Snapshot{}, err
	}
	if s.conn == nil {
		return Snapshot{}, ErrClosed
	}

	var revision int64
	var schemaVersion int
	var savedAt, updatedAt, updatedBy, payload string
	err = s.conn.QueryRowContext(ctx, `
	SELECT revision, schema_version, saved_at, updated_at, updated_by, payload
	FROM app_state WHERE app_id = ?`, tenant,
	).Scan(&revision, &schemaVersion, &savedAt, &updatedAt, &updatedBy, &payload)
	if err == sql.ErrNoRows {
		return Snapshot{SchemaVersion: SchemaVersion, Mirror: record.NewBundle()}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read state row: %w", err)
	}

	return Snapshot{
		Revision:      uint64(revision),
		SchemaVersion: schemaVersion,
		SavedAt:       savedAt,
		UpdatedAt:     updatedAt,
		UpdatedBy:     updatedBy,
		Mirror:        record.ParseMirror([]byte(payload)),
	}, nil
}

// querier is the query surface shared by *sql.DB and *sql.Tx, so the live
// read helpers work both standalone and inside a transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// FetchLive reads the live (non-tombstoned) entity rows for a tenant
// directly from the entity tables, bypassing the mirror.
func (s *Store) FetchLive(ctx context.Context, tenant string) (record.Bundle, error) {
	tenant, err := normalizeTenant(tenant)
	if err != nil {
		return record.Bundle{}, err
	}
	if s.conn == nil {
		return record.Bundle{}, ErrClosed
	}
	return loadLive(ctx, s.conn, tenant)
}

// FetchLiveState reads the revision and the live rows inside one read
// transaction, so the pair stays consistent under concurrent writes. A
// tenant with no state row reads as revision 0 with empty collections.
func (s *Store) FetchLiveState(ctx context.Context, tenant string) (uint64, record.Bundle, error) {
	tenant, err := normalizeTenant(tenant)
	if err != nil {
		return 0, record.Bundle{}, err
	}
	if s.conn == nil {
		return 0, record.Bundle{}, ErrClosed
	}

	tx, err := s.conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return 0, record.Bundle{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var revision int64
	err = tx.QueryRowContext(ctx,
		`SELECT revision FROM app_state WHERE app_id = ?`, tenant,
	).Scan(&revision)
	if err != nil && err != sql.ErrNoRows {
		return 0, record.Bundle{}, fmt.Errorf("failed to read state row: %w", err)
	}

	bundle, err := loadLive(ctx, tx, tenant)
	if err != nil {
		return 0, record.Bundle{}, err
	}
	return uint64(revision), bundle, nil
}

// loadLive reads every kind's live rows plus the assignment map.
func loadLive(ctx context.Context, q querier, tenant string) (record.Bundle, error) {
	bundle := record.NewBundle()
	var err error

	if bundle.Contacts, err = loadDocKind[record.Contact](ctx, q, kindTables[0], tenant); err != nil {
		return record.Bundle{}, err
	}
	if bundle.Jurisdictions, err = loadDocKind[record.Jurisdiction](ctx, q, kindTables[1], tenant); err != nil {
		return record.Bundle{}, err
	}
	if bundle.Properties, err = loadDocKind[record.Property](ctx, q, kindTables[2], tenant); err != nil {
		return record.Bundle{}, err
	}
	if bundle.Permits, err = loadDocKind[record.Permit](ctx, q, kindTables[3], tenant); err != nil {
		return record.Bundle{}, err
	}
	if bundle.DocumentTemplates, err = loadDocKind[record.DocumentTemplate](ctx, q, kindTables[4], tenant); err != nil {
		return record.Bundle{}, err
	}

	rows, err := q.QueryContext(ctx, `
	SELECT permit_type, template_id FROM template_assignments
	WHERE app_id = ? AND deleted_at IS NULL
	ORDER BY permit_type`, tenant)
	if err != nil {
		return record.Bundle{}, fmt.Errorf("failed to query template_assignments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var permitType, templateID string
		if err := rows.Scan(&permitType, &templateID); err != nil {
			return record.Bundle{}, fmt.Errorf("failed to scan template assignment: %w", err)
		}
		bundle.ActiveTemplates[permitType] = templateID
	}
	if err := rows.Err(); err != nil {
		return record.Bundle{}, fmt.Errorf("failed to iterate template_assignments: %w", err)
	}

	return bundle, nil
}

// loadDocKind reads all live rows of one kind, ordered by natural key.
func loadDocKind[T any](ctx context.Context, q querier, kt kindTable, tenant string) ([]T, error) {
	query := fmt.Sprintf(`
	SELECT data FROM %[1]s
	WHERE app_id = ? AND deleted_at IS NULL
	ORDER BY %[2]s`, kt.table, kt.keyCol)

	rows, err := q.QueryContext(ctx, query, tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", kt.table, err)
	}
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", kt.table, err)
		}
		var item T
		if err := json.Unmarshal([]byte(data), &item); err != nil {
			return nil, fmt.Errorf("failed to decode %s row: %w", kt.table, err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", kt.table, err)
	}
	return out, nil
}
