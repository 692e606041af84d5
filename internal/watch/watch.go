// Package watch provides the local-edit capture daemon.
//
// The daemon:
//  1. Watches the notes directory for record file changes
//  2. Diffs changed files against the local store
//  3. Feeds every mutation into the outbox with the baseline version
//     observed at edit time
//  4. Handles graceful shutdown
//
// The capture UI only ever writes JSON files; this daemon is the sole
// path from those files into the sync pipeline.
package watch

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cdurbin/inkwell/internal/outbox"
	"github.com/cdurbin/inkwell/internal/schema"
	"github.com/cdurbin/inkwell/internal/store"
)

// Config holds configuration for the daemon.
type Config struct {
	// DebounceInterval is how long to wait before processing file
	// changes. This batches rapid updates together, which is also what
	// lets the outbox coalesce burst edits into one entry.
	DebounceInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger

	// Notify, if set, is called after a mutation is enqueued. The
	// daemon command uses it to request an immediate sync cycle.
	Notify func()
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[watch] ", log.LstdFlags),
	}
}

// Daemon watches the notes directory and feeds local edits into the
// outbox.
type Daemon struct {
	db       *store.DB
	outbox   *outbox.Outbox
	notesDir string
	config   *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // filepath -> timestamp
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Daemon instance.
//
// The daemon requires:
//   - db: the local store holding records and sync state
//   - ob: the outbox receiving detected mutations
//   - notesDir: directory containing per-entity record subdirectories
//
// Use Start() to begin watching.
func New(db *store.DB, ob *outbox.Outbox, notesDir string, config *Config) (*Daemon, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if ob == nil {
		return nil, fmt.Errorf("outbox cannot be nil")
	}
	if notesDir == "" {
		return nil, fmt.Errorf("notesDir cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.DebounceInterval == 0 {
		config.DebounceInterval = 100 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[watch] ", log.LstdFlags)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		db:          db,
		outbox:      ob,
		notesDir:    notesDir,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// The daemon performs an initial scan of all record files (so edits made
// while it was not running are picked up), then watches the per-entity
// subdirectories and processes changes with debouncing.
//
// This blocks until ctx is cancelled or an error occurs.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting watch daemon")

	if err := d.ScanAll(ctx); err != nil {
		return fmt.Errorf("initial scan failed: %w", err)
	}

	for _, t := range schema.EntityTypes() {
		dir := schema.EntityDir(d.notesDir, t)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
		if err := d.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	d.config.Logger.Printf("Watching: %s", d.notesDir)

	d.wg.Add(2)
	go d.watchFileEvents()
	go d.processChangeQueue()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping watch daemon")

	d.cancel()

	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}

	d.wg.Wait()

	d.config.Logger.Println("Watch daemon stopped")
	return nil
}

// ScanAll diffs every record file against the store and enqueues the
// differences. Files removed while the daemon was down become delete
// mutations. Individual file failures are logged but don't stop the scan.
func (d *Daemon) ScanAll(ctx context.Context) error {
	d.config.Logger.Println("Scanning notes directory")

	for _, t := range schema.EntityTypes() {
		records, err := schema.ReadAllRecordFiles(d.notesDir, t)
		if err != nil {
			return fmt.Errorf("failed to read %s records: %w", t, err)
		}

		onDisk := make(map[string]bool, len(records))
		for _, rec := range records {
			onDisk[rec.ID] = true
			if err := d.ingestRecord(ctx, rec); err != nil {
				d.config.Logger.Printf("Warning: failed to ingest %s/%s: %v", t, rec.ID, err)
			}
		}

		// Records in the store but no longer on disk were deleted
		// while the daemon was not running.
		ids, err := d.db.ListRecordIDs(ctx, t)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if onDisk[id] {
				continue
			}
			if err := d.ingestDeletion(ctx, t, id); err != nil {
				d.config.Logger.Printf("Warning: failed to ingest deletion of %s/%s: %v", t, id, err)
			}
		}
	}

	d.config.Logger.Println("Scan complete")
	return nil
}

// watchFileEvents monitors filesystem events and queues changes.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			// Only care about Create, Write, Remove, Rename
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			if filepath.Ext(event.Name) != ".json" {
				continue
			}

			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange adds a file to the change queue with debouncing.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

// processChangeQueue processes queued file changes with debouncing.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges ingests files that have been quiet long enough.
func (d *Daemon) processPendingChanges() {
	d.changeQueueMu.Lock()
	var ready []string
	now := time.Now()
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(d.changeQueue, path)
	}
	d.changeQueueMu.Unlock()

	for _, path := range ready {
		if err := d.ProcessFile(d.ctx, path); err != nil {
			d.config.Logger.Printf("Error processing %s: %v", path, err)
		}
	}
	if len(ready) > 0 && d.config.Notify != nil {
		d.config.Notify()
	}
}

// ProcessFile ingests a single record file change (or removal).
func (d *Daemon) ProcessFile(ctx context.Context, path string) error {
	entityType, id, err := schema.RecordPathInfo(d.notesDir, path)
	if err != nil {
		return err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return d.ingestDeletion(ctx, entityType, id)
	}

	rec, err := schema.ReadRecordFile(path)
	if err != nil {
		return err
	}
	if rec.ID != id {
		return fmt.Errorf("record file %s declares id %q", path, rec.ID)
	}

	return d.ingestRecord(ctx, rec)
}

// ingestRecord diffs a file's record against the store, updates the
// local copy, and enqueues the change set.
func (d *Daemon) ingestRecord(ctx context.Context, rec *schema.Record) error {
	local, err := d.db.GetRecord(ctx, rec.EntityType, rec.ID)
	if err != nil {
		return err
	}

	if local == nil {
		// Brand new record: everything is the payload, baseline 0.
		stored := rec.Clone()
		stored.Version = 0
		if err := d.db.PutRecord(ctx, stored); err != nil {
			return err
		}
		payload := make(schema.Payload, len(rec.Fields))
		for name, f := range rec.Fields {
			payload[name] = f.Clone()
		}
		_, err := d.outbox.Enqueue(ctx, rec.EntityType, rec.ID, outbox.OpCreate, payload, 0)
		if err == nil {
			d.config.Logger.Printf("New record %s/%s", rec.EntityType, rec.ID)
		}
		return err
	}

	changed := rec.ChangedColumns(local)
	payload := make(schema.Payload)
	for _, name := range changed {
		if f, ok := rec.Field(name); ok {
			payload[name] = f.Clone()
		}
	}
	if len(payload) == 0 {
		return nil
	}

	// The baseline is the version the local copy was at before this
	// edit; the outbox preserves the original baseline on coalesce.
	baseVersion := local.Version

	merged := local.Clone()
	merged.ApplyPayload(payload)
	if merged.DeletedAt != nil && rec.DeletedAt == nil {
		merged.DeletedAt = nil
	}
	if err := d.db.PutRecord(ctx, merged); err != nil {
		return err
	}

	op := outbox.OpUpdate
	if local.Deleted() && rec.DeletedAt == nil {
		op = outbox.OpCreate
	}
	_, err = d.outbox.Enqueue(ctx, rec.EntityType, rec.ID, op, payload, baseVersion)
	if err == nil {
		d.config.Logger.Printf("Changed %s/%s: %v", rec.EntityType, rec.ID, changed)
	}
	return err
}

// ingestDeletion records a local file removal as a delete mutation.
// If the record had an in-flight update queued, the outbox supersedes it
// so the stale update can never re-apply.
func (d *Daemon) ingestDeletion(ctx context.Context, entityType schema.EntityType, id string) error {
	local, err := d.db.GetRecord(ctx, entityType, id)
	if err != nil {
		return err
	}
	if local == nil || local.Deleted() {
		return nil
	}

	now := time.Now()
	if err := d.db.DeleteRecord(ctx, entityType, id, now); err != nil {
		return err
	}

	_, err = d.outbox.Enqueue(ctx, entityType, id, outbox.OpDelete, schema.Payload{}, local.Version)
	if err == nil {
		d.config.Logger.Printf("Deleted %s/%s", entityType, id)
	}
	return err
}
