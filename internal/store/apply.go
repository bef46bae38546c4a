package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mgrattan/permitsync/internal/merge"
	"github.com/mgrattan/permitsync/internal/record"
)

// sweepEvery triggers opportunistic tombstone retention: every Nth revision
// the apply that produced it also sweeps expired tombstones for its tenant.
// There is no scheduler; maintenance rides on write traffic.
const sweepEvery = 25

// ApplyRequest is one client's diff against the revision it last observed.
type ApplyRequest struct {
	ExpectedRevision uint64
	SchemaVersion    int
	SavedAt          time.Time
	UpdatedBy        string
	Changes          record.ChangeSet
}

// ApplyResult reports the outcome of an apply or snapshot call. Exactly one
// of Applied/Conflict is true; Revision is the new revision on success and
// the authoritative current revision on conflict.
type ApplyResult struct {
	Applied  bool   `json:"applied"`
	Conflict bool   `json:"conflict"`
	Revision uint64 `json:"revision"`
}

// ApplyChanges runs the revision-gated apply protocol for one tenant:
//
//  1. Bootstrap the tenant's state row at revision 0 if absent.
//  2. Serialize against other writes to the same tenant.
//  3. If the stored revision differs from ExpectedRevision, abort with no
//     writes and report the stored revision. Conflict is control flow, not
//     an error: the caller re-fetches, re-diffs, and retries.
//  4. Otherwise apply every kind's upserts then deletes, rebuild the mirror
//     incrementally, and advance the revision by exactly one.
//  5. Every sweepEvery-th revision, sweep expired tombstones before
//     committing.
//
// All of this is a single transaction; any failure rolls back entity and
// state writes together.
func (s *Store) ApplyChanges(ctx context.Context, tenant string, req ApplyRequest) (ApplyResult, error) {
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
		// Rolled back by the deferred Rollback; nothing was written.
		return ApplyResult{Applied: false, Conflict: true, Revision: state.revision}, nil
	}

	c := &req.Changes
	if err := applyDocKind(ctx, tx, kindTables[0], tenant, c.ContactUpserts, c.ContactDeletes, opStamp, req.UpdatedBy); err != nil {
		return ApplyResult{}, err
	}
	if err := applyDocKind(ctx, tx, kindTables[1], tenant, c.JurisdictionUpserts, c.JurisdictionDeletes, opStamp, req.UpdatedBy); err != nil {
		return ApplyResult{}, err
	}
	if err := applyDocKind(ctx, tx, kindTables[2], tenant, c.PropertyUpserts, c.PropertyDeletes, opStamp, req.UpdatedBy); err != nil {
		return ApplyResult{}, err
	}
	if err := applyDocKind(ctx, tx, kindTables[3], tenant, c.PermitUpserts, c.PermitDeletes, opStamp, req.UpdatedBy); err != nil {
		return ApplyResult{}, err
	}
	if err := applyDocKind(ctx, tx, kindTables[4], tenant, c.TemplateUpserts, c.TemplateDeletes, opStamp, req.UpdatedBy); err != nil {
		return ApplyResult{}, err
	}
	if err := applyAssignments(ctx, tx, tenant, c.AssignmentUpserts, c.AssignmentDeletes, opStamp, req.UpdatedBy); err != nil {
		return ApplyResult{}, err
	}

	mirror := rebuildMirror(record.ParseMirror(state.payload), c)
	payload, err := record.MarshalMirror(mirror)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("failed to marshal mirror payload: %w", err)
	}

	newRevision := req.ExpectedRevision + 1
	if err := writeState(ctx, tx, tenant, newRevision, req.SchemaVersion, savedAt, opStamp, req.UpdatedBy, payload); err != nil {
		return ApplyResult{}, err
	}

	if newRevision%sweepEvery == 0 {
		cutoff := stamp(now.Add(-s.retention))
		removed, err := sweepTx(ctx, tx, tenant, cutoff)
		if err != nil {
			return ApplyResult{}, err
		}
		if removed > 0 {
			s.logger.Printf("Swept %d expired tombstones for tenant %s (revision %d)", removed, tenant, newRevision)
		}
	}

	if err := tx.Commit(); err != nil {
		return ApplyResult{}, fmt.Errorf("failed to commit apply: %w", err)
	}

	return ApplyResult{Applied: true, Conflict: false, Revision: newRevision}, nil
}

// stateRow is the per-tenant state record as read inside a transaction.
type stateRow struct {
	revision uint64
	payload  []byte
}

// readState bootstraps the tenant's state row if absent and returns the
// current revision and mirror payload.
func readState(ctx context.Context, tx *sql.Tx, tenant string) (stateRow, error) {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO app_state (app_id) VALUES (?) ON CONFLICT(app_id) DO NOTHING`,
		tenant,
	); err != nil {
		return stateRow{}, fmt.Errorf("failed to bootstrap state row: %w", err)
	}

	var revision int64
	var payload string
	err := tx.QueryRowContext(ctx,
		`SELECT revision, payload FROM app_state WHERE app_id = ?`,
		tenant,
	).Scan(&revision, &payload)
	if err != nil {
		return stateRow{}, fmt.Errorf("failed to read state row: %w", err)
	}
	return stateRow{revision: uint64(revision), payload: []byte(payload)}, nil
}

// writeState advances the state row.
func writeState(ctx context.Context, tx *sql.Tx, tenant string, revision uint64, schemaVersion int, savedAt, updatedAt, updatedBy string, payload []byte) error {
	if schemaVersion <= 0 {
		schemaVersion = SchemaVersion
	}
	_, err := tx.ExecContext(ctx, `
	UPDATE app_state SET
		revision = ?,
		schema_version = ?,
		saved_at = ?,
		updated_at = ?,
		updated_by = ?,
		payload = ?
	WHERE app_id = ?`,
		int64(revision), schemaVersion, savedAt, updatedAt, updatedBy, string(payload), tenant,
	)
	if err != nil {
		return fmt.Errorf("failed to update state row: %w", err)
	}
	return nil
}

// applyDocKind applies one kind's change set to its entity table. Upserts
// run first and revive tombstones; deletes run second, so an id in both
// lists ends up tombstoned. Deleting an id that was never seen inserts a
// tombstone placeholder, so the deletion still replicates to clients that
// created the row out of band.
func applyDocKind[T record.Keyed](ctx context.Context, tx *sql.Tx, kt kindTable, tenant string, upserts []T, deletes []string, opStamp, updatedBy string) error {
	upsertQuery := fmt.Sprintf(`
	INSERT INTO %[1]s (app_id, %[2]s, data, updated_at, updated_by, deleted_at)
	VALUES (?, ?, ?, ?, ?, NULL)
	ON CONFLICT(app_id, %[2]s) DO UPDATE SET
		data = excluded.data,
		updated_at = excluded.updated_at,
		updated_by = excluded.updated_by,
		deleted_at = NULL`, kt.table, kt.keyCol)

	for _, item := range merge.CleanUpserts(upserts) {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal %s %s: %w", kt.table, item.Key(), err)
		}
		if _, err := tx.ExecContext(ctx, upsertQuery, tenant, item.Key(), string(data), opStamp, updatedBy); err != nil {
			return fmt.Errorf("failed to upsert %s %s: %w", kt.table, item.Key(), err)
		}
	}

	// Tombstone: existing rows keep their data, only the marker and audit
	// fields change. Placeholder rows carry just the natural key.
	deleteQuery := fmt.Sprintf(`
	INSERT INTO %[1]s (app_id, %[2]s, data, updated_at, updated_by, deleted_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(app_id, %[2]s) DO UPDATE SET
		updated_at = excluded.updated_at,
		updated_by = excluded.updated_by,
		deleted_at = excluded.deleted_at`, kt.table, kt.keyCol)

	for _, id := range merge.CleanDeletes(deletes) {
		placeholder, err := json.Marshal(map[string]string{kt.keyField: id})
		if err != nil {
			return fmt.Errorf("failed to marshal tombstone placeholder: %w", err)
		}
		if _, err := tx.ExecContext(ctx, deleteQuery, tenant, id, string(placeholder), opStamp, updatedBy, opStamp); err != nil {
			return fmt.Errorf("failed to tombstone %s %s: %w", kt.table, id, err)
		}
	}

	return nil
}

// applyAssignments applies the template-assignment change set. A delete
// clears the assigned template id in addition to setting the tombstone.
func applyAssignments(ctx context.Context, tx *sql.Tx, tenant string, upserts []record.TemplateAssignment, deletes []string, opStamp, updatedBy string) error {
	const upsertQuery = `
	INSERT INTO template_assignments (app_id, permit_type, template_id, updated_at, updated_by, deleted_at)
	VALUES (?, ?, ?, ?, ?, NULL)
	ON CONFLICT(app_id, permit_type) DO UPDATE SET
		template_id = excluded.template_id,
		updated_at = excluded.updated_at,
		updated_by = excluded.updated_by,
		deleted_at = NULL`

	for _, a := range merge.CleanUpserts(upserts) {
		if _, err := tx.ExecContext(ctx, upsertQuery, tenant, a.Key(), a.TemplateID, opStamp, updatedBy); err != nil {
			return fmt.Errorf("failed to upsert template assignment %s: %w", a.Key(), err)
		}
	}

	const deleteQuery = `
	INSERT INTO template_assignments (app_id, permit_type, template_id, updated_at, updated_by, deleted_at)
	VALUES (?, ?, '', ?, ?, ?)
	ON CONFLICT(app_id, permit_type) DO UPDATE SET
		template_id = '',
		updated_at = excluded.updated_at,
		updated_by = excluded.updated_by,
		deleted_at = excluded.deleted_at`

	for _, permitType := range merge.CleanDeletes(deletes) {
		if _, err := tx.ExecContext(ctx, deleteQuery, tenant, permitType, opStamp, updatedBy, opStamp); err != nil {
			return fmt.Errorf("failed to tombstone template assignment %s: %w", permitType, err)
		}
	}

	return nil
}

// rebuildMirror applies the change set to the previous mirror bundle,
// kind by kind. Tombstones never appear in the mirror: deleted entries
// simply vanish, because the mirror serves readers with no tombstone
// concept.
func rebuildMirror(prev record.Bundle, c *record.ChangeSet) record.Bundle {
	return record.Bundle{
		Contacts:          merge.Mirror(prev.Contacts, c.ContactUpserts, c.ContactDeletes),
		Jurisdictions:     merge.Mirror(prev.Jurisdictions, c.JurisdictionUpserts, c.JurisdictionDeletes),
		Properties:        merge.Mirror(prev.Properties, c.PropertyUpserts, c.PropertyDeletes),
		Permits:           merge.Mirror(prev.Permits, c.PermitUpserts, c.PermitDeletes),
		DocumentTemplates: merge.Mirror(prev.DocumentTemplates, c.TemplateUpserts, c.TemplateDeletes),
		ActiveTemplates:   merge.AssignmentMirror(prev.ActiveTemplates, c.AssignmentUpserts, c.AssignmentDeletes),
	}
}
