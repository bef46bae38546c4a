// Package daemon watches an inbox directory for legacy bundle exports and
// imports each one through the snapshot path. Client machines that cannot
// speak the sync protocol drop their export files here; the daemon turns
// every drop into a full-replace write and files the export under done/ or
// failed/.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mgrattan/permitsync/internal/migrate"
	"github.com/mgrattan/permitsync/internal/store"
)

// maxConflictRetries bounds how often one import re-reads the revision and
// retries after losing a race with a concurrent writer.
const maxConflictRetries = 3

// settleDelay gives the producer time to finish writing before the file is
// read. Exports are small; partial reads fail parsing and land in failed/,
// so this is a courtesy, not a correctness mechanism.
const settleDelay = 200 * time.Millisecond

// Store is the engine surface the importer needs.
type Store interface {
	FetchSnapshot(ctx context.Context, tenant string) (store.Snapshot, error)
	SaveSnapshot(ctx context.Context, tenant string, req store.SnapshotRequest) (store.ApplyResult, error)
}

// Importer watches one inbox directory and imports legacy exports as they
// arrive.
type Importer struct {
	store  Store
	tenant string
	dir    string
	logger *log.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewImporter creates an importer for the given inbox directory. It must be
// started with Start before it processes anything.
func NewImporter(st Store, tenant, dir string, logger *log.Logger) (*Importer, error) {
	if dir == "" {
		return nil, fmt.Errorf("inbox directory is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Importer{
		store:   st,
		tenant:  tenant,
		dir:     dir,
		logger:  logger,
		watcher: watcher,
		done:    make(chan struct{}),
	}, nil
}

// Start creates the inbox layout, drains any files already present, and
// begins watching for new ones.
func (im *Importer) Start() error {
	im.mu.Lock()
	defer im.mu.Unlock()

	if im.running {
		return fmt.Errorf("importer already running")
	}

	for _, sub := range []string{im.dir, filepath.Join(im.dir, "done"), filepath.Join(im.dir, "failed")} {
		if err := os.MkdirAll(sub, 0755); err != nil {
			return fmt.Errorf("failed to create inbox directory %s: %w", sub, err)
		}
	}

	if err := im.watcher.Add(im.dir); err != nil {
		return fmt.Errorf("failed to watch inbox %s: %w", im.dir, err)
	}

	// Files dropped while the daemon was down are still owed an import.
	if err := im.ProcessExisting(context.Background()); err != nil {
		return err
	}

	im.running = true
	im.wg.Add(1)
	go im.watchLoop()

	im.logger.Printf("Import daemon watching %s", im.dir)
	return nil
}

// Stop stops the watcher and waits for in-flight processing to finish.
func (im *Importer) Stop() error {
	im.mu.Lock()
	if !im.running {
		im.mu.Unlock()
		return nil
	}
	im.running = false
	im.mu.Unlock()

	close(im.done)
	if err := im.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	im.wg.Wait()
	return nil
}

// ProcessExisting imports every JSON file currently sitting in the inbox.
func (im *Importer) ProcessExisting(ctx context.Context) error {
	entries, err := os.ReadDir(im.dir)
	if err != nil {
		return fmt.Errorf("failed to read inbox %s: %w", im.dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		im.processFile(ctx, filepath.Join(im.dir, entry.Name()))
	}
	return nil
}

// watchLoop reacts to inbox events until Stop.
func (im *Importer) watchLoop() {
	defer im.wg.Done()

	for {
		select {
		case <-im.done:
			return

		case event, ok := <-im.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			time.Sleep(settleDelay)
			im.processFile(context.Background(), event.Name)

		case err, ok := <-im.watcher.Errors:
			if !ok {
				return
			}
			im.logger.Printf("Inbox watcher error: %v", err)
		}
	}
}

// processFile imports one export and files it under done/ or failed/. A
// file that vanished (already processed after a create+write event pair) is
// skipped silently.
func (im *Importer) processFile(ctx context.Context, path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}

	if err := im.ImportFile(ctx, path); err != nil {
		im.logger.Printf("Import of %s failed: %v", path, err)
		im.moveTo(path, "failed")
		return
	}
	im.moveTo(path, "done")
}

// ImportFile parses a legacy export and writes it as a snapshot at the
// tenant's current revision, retrying a bounded number of times when a
// concurrent writer advances the revision between fetch and save.
func (im *Importer) ImportFile(ctx context.Context, path string) error {
	bundle, meta, err := migrate.ReadBundleFile(path)
	if err != nil {
		return err
	}

	updatedBy := "import:" + filepath.Base(path)
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		snap, err := im.store.FetchSnapshot(ctx, im.tenant)
		if err != nil {
			return err
		}

		result, err := im.store.SaveSnapshot(ctx, im.tenant, store.SnapshotRequest{
			ExpectedRevision: snap.Revision,
			SchemaVersion:    meta.SchemaVersion,
			SavedAt:          meta.SavedAt,
			UpdatedBy:        updatedBy,
			Data:             bundle,
		})
		if err != nil {
			return err
		}
		if result.Applied {
			im.logger.Printf("Imported %s at revision %d", filepath.Base(path), result.Revision)
			return nil
		}
		im.logger.Printf("Import of %s lost revision race (stored %d), retrying", filepath.Base(path), result.Revision)
	}
	return fmt.Errorf("gave up importing %s after %d revision conflicts", path, maxConflictRetries+1)
}

// moveTo relocates a processed file into an inbox subdirectory, prefixing a
// timestamp so repeated drops of the same filename never clobber history.
func (im *Importer) moveTo(path, sub string) {
	name := time.Now().UTC().Format("20060102T150405") + "-" + filepath.Base(path)
	dest := filepath.Join(im.dir, sub, name)
	if err := os.Rename(path, dest); err != nil {
		im.logger.Printf("Failed to move %s to %s: %v", path, sub, err)
	}
}
