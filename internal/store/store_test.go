package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mgrattan/permitsync/internal/record"
)

const testTenant = "erpermitsys"

// setupTestStore creates a temporary store for testing.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func contactUpsert(id, name string) record.Contact {
	return record.Contact{ContactID: id, Name: name}
}

// applyContacts is a shorthand for an apply call touching only contacts.
func applyContacts(t *testing.T, s *Store, expected uint64, upserts []record.Contact, deletes []string) ApplyResult {
	t.Helper()

	res, err := s.ApplyChanges(context.Background(), testTenant, ApplyRequest{
		ExpectedRevision: expected,
		UpdatedBy:        "test-client",
		Changes: record.ChangeSet{
			ContactUpserts: upserts,
			ContactDeletes: deletes,
		},
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	return res
}

func TestApplyFirstRevisionAndConflict(t *testing.T) {
	s := setupTestStore(t)

	res := applyContacts(t, s, 0, []record.Contact{contactUpsert("c1", "Jane")}, nil)
	if !res.Applied || res.Conflict || res.Revision != 1 {
		t.Fatalf("expected applied at revision 1, got %+v", res)
	}

	live, err := s.FetchLive(context.Background(), testTenant)
	if err != nil {
		t.Fatalf("fetch live failed: %v", err)
	}
	if len(live.Contacts) != 1 || live.Contacts[0].ContactID != "c1" || live.Contacts[0].Name != "Jane" {
		t.Fatalf("expected one live contact c1, got %+v", live.Contacts)
	}

	// Second call with the same stale expected revision must conflict and
	// leave the store untouched.
	res = applyContacts(t, s, 0, []record.Contact{contactUpsert("c2", "Eve")}, nil)
	if res.Applied || !res.Conflict || res.Revision != 1 {
		t.Fatalf("expected conflict at revision 1, got %+v", res)
	}

	live, err = s.FetchLive(context.Background(), testTenant)
	if err != nil {
		t.Fatalf("fetch live failed: %v", err)
	}
	if len(live.Contacts) != 1 {
		t.Fatalf("conflicting apply must not write, got %d contacts", len(live.Contacts))
	}

	snap, err := s.FetchSnapshot(context.Background(), testTenant)
	if err != nil {
		t.Fatalf("fetch snapshot failed: %v", err)
	}
	if snap.Revision != 1 {
		t.Fatalf("expected revision 1, got %d", snap.Revision)
	}
	if len(snap.Mirror.Contacts) != 1 {
		t.Fatalf("expected one mirror contact, got %d", len(snap.Mirror.Contacts))
	}
}

func TestDeleteUnknownIDCreatesTombstoneAndUpsertRevives(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	res := applyContacts(t, s, 0, nil, []string{"ghost"})
	if !res.Applied || res.Revision != 1 {
		t.Fatalf("expected applied, got %+v", res)
	}

	// The tombstone placeholder exists as a row even though the id was
	// never upserted.
	var deletedAt *string
	err := s.conn.QueryRow(
		`SELECT deleted_at FROM contacts WHERE app_id = ? AND contact_id = ?`,
		testTenant, "ghost",
	).Scan(&deletedAt)
	if err != nil {
		t.Fatalf("expected tombstone row for ghost: %v", err)
	}
	if deletedAt == nil {
		t.Fatal("expected deleted_at to be set on tombstone placeholder")
	}

	live, err := s.FetchLive(ctx, testTenant)
	if err != nil {
		t.Fatalf("fetch live failed: %v", err)
	}
	if len(live.Contacts) != 0 {
		t.Fatalf("tombstone must not be live, got %+v", live.Contacts)
	}

	// Upserting the tombstoned id revives it.
	res = applyContacts(t, s, 1, []record.Contact{contactUpsert("ghost", "Back")}, nil)
	if !res.Applied || res.Revision != 2 {
		t.Fatalf("expected applied, got %+v", res)
	}

	err = s.conn.QueryRow(
		`SELECT deleted_at FROM contacts WHERE app_id = ? AND contact_id = ?`,
		testTenant, "ghost",
	).Scan(&deletedAt)
	if err != nil {
		t.Fatalf("failed to read revived row: %v", err)
	}
	if deletedAt != nil {
		t.Fatalf("expected deleted_at cleared after revive, got %q", *deletedAt)
	}
}

func TestDeleteWinsOnSameCallCollision(t *testing.T) {
	s := setupTestStore(t)

	res := applyContacts(t, s, 0,
		[]record.Contact{contactUpsert("X", "A")},
		[]string{"X"},
	)
	if !res.Applied {
		t.Fatalf("expected applied, got %+v", res)
	}

	live, err := s.FetchLive(context.Background(), testTenant)
	if err != nil {
		t.Fatalf("fetch live failed: %v", err)
	}
	if len(live.Contacts) != 0 {
		t.Fatalf("delete must win over same-call upsert, got %+v", live.Contacts)
	}

	snap, err := s.FetchSnapshot(context.Background(), testTenant)
	if err != nil {
		t.Fatalf("fetch snapshot failed: %v", err)
	}
	if len(snap.Mirror.Contacts) != 0 {
		t.Fatalf("mirror must not contain tombstoned id, got %+v", snap.Mirror.Contacts)
	}
}

func TestMirrorExcludesTombstones(t *testing.T) {
	s := setupTestStore(t)

	applyContacts(t, s, 0, []record.Contact{
		contactUpsert("a", "Alice"),
		contactUpsert("b", "Bob"),
	}, nil)
	applyContacts(t, s, 1, nil, []string{"b"})

	snap, err := s.FetchSnapshot(context.Background(), testTenant)
	if err != nil {
		t.Fatalf("fetch snapshot failed: %v", err)
	}
	if len(snap.Mirror.Contacts) != 1 || snap.Mirror.Contacts[0].ContactID != "a" {
		t.Fatalf("expected mirror to contain only a, got %+v", snap.Mirror.Contacts)
	}

	// The entity row still exists as a tombstone.
	var count int
	err = s.conn.QueryRow(
		`SELECT COUNT(*) FROM contacts WHERE app_id = ? AND contact_id = ? AND deleted_at IS NOT NULL`,
		testTenant, "b",
	).Scan(&count)
	if err != nil {
		t.Fatalf("failed to count tombstones: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected tombstone row for b, got %d", count)
	}
}

func TestBlankKeysAreDropped(t *testing.T) {
	s := setupTestStore(t)

	res := applyContacts(t, s, 0,
		[]record.Contact{
			{ContactID: "   ", Name: "Nobody"},
			contactUpsert("ok", "Kept"),
		},
		[]string{"  ", ""},
	)
	if !res.Applied || res.Revision != 1 {
		t.Fatalf("expected batch to apply despite blank entries, got %+v", res)
	}

	live, err := s.FetchLive(context.Background(), testTenant)
	if err != nil {
		t.Fatalf("fetch live failed: %v", err)
	}
	if len(live.Contacts) != 1 || live.Contacts[0].ContactID != "ok" {
		t.Fatalf("expected only the valid upsert, got %+v", live.Contacts)
	}
}

func TestRetentionBoundary(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	applyContacts(t, s, 0, []record.Contact{
		contactUpsert("live", "Alive"),
		contactUpsert("young", "Young"),
		contactUpsert("old", "Old"),
	}, nil)
	applyContacts(t, s, 1, nil, []string{"young", "old"})

	// Backdate one tombstone past the retention window.
	oldStamp := stamp(time.Now().UTC().Add(-60 * 24 * time.Hour))
	if _, err := s.conn.Exec(
		`UPDATE contacts SET deleted_at = ? WHERE app_id = ? AND contact_id = ?`,
		oldStamp, testTenant, "old",
	); err != nil {
		t.Fatalf("failed to backdate tombstone: %v", err)
	}

	removed, err := s.SweepTombstones(ctx, testTenant, time.Time{})
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected exactly the expired tombstone removed, got %d", removed)
	}

	var count int
	if err := s.conn.QueryRow(
		`SELECT COUNT(*) FROM contacts WHERE app_id = ?`, testTenant,
	).Scan(&count); err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	// live + young survive, old is gone.
	if count != 2 {
		t.Fatalf("expected 2 remaining rows, got %d", count)
	}

	live, err := s.FetchLive(ctx, testTenant)
	if err != nil {
		t.Fatalf("fetch live failed: %v", err)
	}
	if len(live.Contacts) != 1 || live.Contacts[0].ContactID != "live" {
		t.Fatalf("sweep must never remove live rows, got %+v", live.Contacts)
	}

	// Sweeping never advances the revision.
	snap, err := s.FetchSnapshot(ctx, testTenant)
	if err != nil {
		t.Fatalf("fetch snapshot failed: %v", err)
	}
	if snap.Revision != 2 {
		t.Fatalf("expected revision 2 after sweep, got %d", snap.Revision)
	}
}

func TestSweepPiggybacksOnApplyTraffic(t *testing.T) {
	s := setupTestStore(t)

	applyContacts(t, s, 0, []record.Contact{contactUpsert("victim", "V")}, nil)
	applyContacts(t, s, 1, nil, []string{"victim"})

	oldStamp := stamp(time.Now().UTC().Add(-60 * 24 * time.Hour))
	if _, err := s.conn.Exec(
		`UPDATE contacts SET deleted_at = ? WHERE app_id = ? AND contact_id = ?`,
		oldStamp, testTenant, "victim",
	); err != nil {
		t.Fatalf("failed to backdate tombstone: %v", err)
	}

	// Drive the revision to the sweep trigger with empty applies.
	for rev := uint64(2); rev < sweepEvery; rev++ {
		res := applyContacts(t, s, rev, nil, nil)
		if !res.Applied {
			t.Fatalf("apply at revision %d failed: %+v", rev, res)
		}
	}

	var count int
	if err := s.conn.QueryRow(
		`SELECT COUNT(*) FROM contacts WHERE app_id = ? AND contact_id = ?`,
		testTenant, "victim",
	).Scan(&count); err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected expired tombstone swept at revision %d", sweepEvery)
	}
}

func TestAssignmentDeleteClearsTemplateID(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	res, err := s.ApplyChanges(ctx, testTenant, ApplyRequest{
		ExpectedRevision: 0,
		UpdatedBy:        "test-client",
		Changes: record.ChangeSet{
			AssignmentUpserts: []record.TemplateAssignment{
				{PermitType: "septic", TemplateID: "tmpl-1"},
			},
		},
	})
	if err != nil || !res.Applied {
		t.Fatalf("apply failed: %v %+v", err, res)
	}

	res, err = s.ApplyChanges(ctx, testTenant, ApplyRequest{
		ExpectedRevision: 1,
		UpdatedBy:        "test-client",
		Changes: record.ChangeSet{
			AssignmentDeletes: []string{"septic"},
		},
	})
	if err != nil || !res.Applied {
		t.Fatalf("apply failed: %v %+v", err, res)
	}

	var templateID string
	var deletedAt *string
	err = s.conn.QueryRow(
		`SELECT template_id, deleted_at FROM template_assignments WHERE app_id = ? AND permit_type = ?`,
		testTenant, "septic",
	).Scan(&templateID, &deletedAt)
	if err != nil {
		t.Fatalf("failed to read assignment row: %v", err)
	}
	if templateID != "" {
		t.Fatalf("delete must clear the assigned template id, got %q", templateID)
	}
	if deletedAt == nil {
		t.Fatal("expected assignment tombstoned")
	}

	snap, err := s.FetchSnapshot(ctx, testTenant)
	if err != nil {
		t.Fatalf("fetch snapshot failed: %v", err)
	}
	if _, ok := snap.Mirror.ActiveTemplates["septic"]; ok {
		t.Fatal("mirror must not contain deleted assignment")
	}
}

func TestSnapshotFullReplace(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	applyContacts(t, s, 0, []record.Contact{
		contactUpsert("keep-me-not", "Old"),
	}, nil)
	applyContacts(t, s, 1, nil, []string{"some-tombstone"})

	bundle := record.NewBundle()
	bundle.Contacts = []record.Contact{contactUpsert("fresh", "New")}
	bundle.ActiveTemplates = map[string]string{"roofing": "tmpl-9"}

	res, err := s.SaveSnapshot(ctx, testTenant, SnapshotRequest{
		ExpectedRevision: 2,
		UpdatedBy:        "importer",
		Data:             bundle,
	})
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if !res.Applied || res.Revision != 3 {
		t.Fatalf("expected snapshot applied at revision 3, got %+v", res)
	}

	// Full replace: old rows and tombstones are physically gone.
	var count int
	if err := s.conn.QueryRow(
		`SELECT COUNT(*) FROM contacts WHERE app_id = ?`, testTenant,
	).Scan(&count); err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly the snapshot rows, got %d", count)
	}

	live, err := s.FetchLive(ctx, testTenant)
	if err != nil {
		t.Fatalf("fetch live failed: %v", err)
	}
	if len(live.Contacts) != 1 || live.Contacts[0].ContactID != "fresh" {
		t.Fatalf("expected snapshot contact, got %+v", live.Contacts)
	}
	if live.ActiveTemplates["roofing"] != "tmpl-9" {
		t.Fatalf("expected snapshot assignment, got %+v", live.ActiveTemplates)
	}

	// Stale snapshot conflicts like a stale apply.
	res, err = s.SaveSnapshot(ctx, testTenant, SnapshotRequest{
		ExpectedRevision: 2,
		UpdatedBy:        "importer",
		Data:             record.NewBundle(),
	})
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if res.Applied || !res.Conflict || res.Revision != 3 {
		t.Fatalf("expected conflict at revision 3, got %+v", res)
	}
}

func TestTenantsAreIndependent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	res, err := s.ApplyChanges(ctx, "alpha", ApplyRequest{
		ExpectedRevision: 0,
		Changes:          record.ChangeSet{ContactUpserts: []record.Contact{contactUpsert("a", "A")}},
	})
	if err != nil || !res.Applied || res.Revision != 1 {
		t.Fatalf("alpha apply failed: %v %+v", err, res)
	}

	// beta starts at revision 0 regardless of alpha's writes.
	res, err = s.ApplyChanges(ctx, "beta", ApplyRequest{
		ExpectedRevision: 0,
		Changes:          record.ChangeSet{ContactUpserts: []record.Contact{contactUpsert("b", "B")}},
	})
	if err != nil || !res.Applied || res.Revision != 1 {
		t.Fatalf("beta apply failed: %v %+v", err, res)
	}

	alpha, err := s.FetchLive(ctx, "alpha")
	if err != nil {
		t.Fatalf("fetch alpha failed: %v", err)
	}
	if len(alpha.Contacts) != 1 || alpha.Contacts[0].ContactID != "a" {
		t.Fatalf("cross-tenant leak: %+v", alpha.Contacts)
	}
}

func TestApplyIsIdempotentAgainstOwnOutput(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	changes := record.ChangeSet{
		ContactUpserts: []record.Contact{contactUpsert("c1", "Jane")},
		ContactDeletes: []string{"gone"},
	}

	res, err := s.ApplyChanges(ctx, testTenant, ApplyRequest{ExpectedRevision: 0, Changes: changes})
	if err != nil || !res.Applied {
		t.Fatalf("apply failed: %v %+v", err, res)
	}
	first, err := s.FetchSnapshot(ctx, testTenant)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	// Re-applying the same change set at the new revision yields the same
	// mirror.
	res, err = s.ApplyChanges(ctx, testTenant, ApplyRequest{ExpectedRevision: 1, Changes: changes})
	if err != nil || !res.Applied {
		t.Fatalf("apply failed: %v %+v", err, res)
	}
	second, err := s.FetchSnapshot(ctx, testTenant)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	if len(first.Mirror.Contacts) != len(second.Mirror.Contacts) {
		t.Fatalf("merge not idempotent: %d vs %d mirror contacts",
			len(first.Mirror.Contacts), len(second.Mirror.Contacts))
	}
}

func TestFetchLiveStateReturnsConsistentPair(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	// An untouched tenant reads as revision 0 with empty collections.
	revision, bundle, err := s.FetchLiveState(ctx, testTenant)
	if err != nil {
		t.Fatalf("fetch live state failed: %v", err)
	}
	if revision != 0 || len(bundle.Contacts) != 0 {
		t.Fatalf("expected empty tenant at revision 0, got rev %d %+v", revision, bundle.Contacts)
	}

	applyContacts(t, s, 0, []record.Contact{contactUpsert("c1", "Jane")}, nil)
	applyContacts(t, s, 1, nil, []string{"c1"})

	revision, bundle, err = s.FetchLiveState(ctx, testTenant)
	if err != nil {
		t.Fatalf("fetch live state failed: %v", err)
	}
	if revision != 2 {
		t.Fatalf("expected revision 2, got %d", revision)
	}
	if len(bundle.Contacts) != 0 {
		t.Fatalf("tombstone must not be live, got %+v", bundle.Contacts)
	}
}
