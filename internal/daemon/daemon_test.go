package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/mgrattan/permitsync/internal/store"
)

const testTenant = "erpermitsys"

func setupTestImporter(t *testing.T) (*Importer, *store.Store, string) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "sync.db"), nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	inbox := filepath.Join(t.TempDir(), "inbox")
	im, err := NewImporter(st, testTenant, inbox, nil)
	if err != nil {
		t.Fatalf("failed to create importer: %v", err)
	}
	return im, st, inbox
}

func dropExport(t *testing.T, inbox, name, content string) string {
	t.Helper()
	if err := os.MkdirAll(inbox, 0755); err != nil {
		t.Fatalf("failed to create inbox: %v", err)
	}
	path := filepath.Join(inbox, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write export: %v", err)
	}
	return path
}

func TestImportFileWritesSnapshot(t *testing.T) {
	im, st, inbox := setupTestImporter(t)
	ctx := context.Background()

	path := dropExport(t, inbox, "export.json", `{
		"app": "erpermitsys",
		"schemaVersion": 3,
		"savedAtUtc": "2026-08-01T10:00:00Z",
		"data": {
			"contacts": [{"contact_id": "c1", "name": "Jane"}],
			"activeDocumentTemplateIds": {"septic": "t1"}
		}
	}`)

	if err := im.ImportFile(ctx, path); err != nil {
		t.Fatalf("import failed: %v", err)
	}

	snap, err := st.FetchSnapshot(ctx, testTenant)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if snap.Revision != 1 {
		t.Fatalf("expected revision 1, got %d", snap.Revision)
	}
	if len(snap.Mirror.Contacts) != 1 || snap.Mirror.Contacts[0].Name != "Jane" {
		t.Fatalf("unexpected mirror contacts: %+v", snap.Mirror.Contacts)
	}
	if snap.Mirror.ActiveTemplates["septic"] != "t1" {
		t.Fatalf("unexpected assignments: %+v", snap.Mirror.ActiveTemplates)
	}
	if snap.UpdatedBy != "import:export.json" {
		t.Fatalf("unexpected updated_by: %q", snap.UpdatedBy)
	}
}

func TestImportRetriesPastCurrentRevision(t *testing.T) {
	im, st, inbox := setupTestImporter(t)
	ctx := context.Background()

	// Advance the tenant a few revisions before the import shows up.
	for i := uint64(0); i < 3; i++ {
		result, err := st.ApplyChanges(ctx, testTenant, store.ApplyRequest{ExpectedRevision: i})
		if err != nil || !result.Applied {
			t.Fatalf("seed apply failed: %v %+v", err, result)
		}
	}

	path := dropExport(t, inbox, "export.json", `{"data": {"permits": [{"permit_id": "p1"}]}}`)
	if err := im.ImportFile(ctx, path); err != nil {
		t.Fatalf("import failed: %v", err)
	}

	snap, err := st.FetchSnapshot(ctx, testTenant)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if snap.Revision != 4 {
		t.Fatalf("expected revision 4, got %d", snap.Revision)
	}
	if len(snap.Mirror.Permits) != 1 {
		t.Fatalf("unexpected permits: %+v", snap.Mirror.Permits)
	}
}

func TestProcessExistingRoutesFiles(t *testing.T) {
	im, st, inbox := setupTestImporter(t)
	ctx := context.Background()

	dropExport(t, inbox, "good.json", `{"data": {"contacts": [{"contact_id": "c1"}]}}`)
	dropExport(t, inbox, "bad.json", `this is not json`)
	dropExport(t, inbox, "ignored.txt", `not an export`)

	for _, sub := range []string{"done", "failed"} {
		if err := os.MkdirAll(filepath.Join(inbox, sub), 0755); err != nil {
			t.Fatalf("failed to create %s: %v", sub, err)
		}
	}

	if err := im.ProcessExisting(ctx); err != nil {
		t.Fatalf("process existing failed: %v", err)
	}

	done, _ := os.ReadDir(filepath.Join(inbox, "done"))
	failed, _ := os.ReadDir(filepath.Join(inbox, "failed"))
	if len(done) != 1 {
		t.Fatalf("expected one file in done/, got %d", len(done))
	}
	if len(failed) != 1 {
		t.Fatalf("expected one file in failed/, got %d", len(failed))
	}
	if _, err := os.Stat(filepath.Join(inbox, "ignored.txt")); err != nil {
		t.Fatalf("non-json file must stay put: %v", err)
	}

	snap, err := st.FetchSnapshot(ctx, testTenant)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if snap.Revision != 1 {
		t.Fatalf("expected revision 1 after one good import, got %d", snap.Revision)
	}
}

func TestStartProcessesBacklogAndStops(t *testing.T) {
	im, st, inbox := setupTestImporter(t)

	dropExport(t, inbox, "backlog.json", `{"data": {"properties": [{"property_id": "p1"}]}}`)

	if err := im.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := im.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	snap, err := st.FetchSnapshot(context.Background(), testTenant)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if snap.Revision != 1 {
		t.Fatalf("expected backlog imported on start, got revision %d", snap.Revision)
	}
}
