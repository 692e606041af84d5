package watch

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cdurbin/inkwell/internal/outbox"
	"github.com/cdurbin/inkwell/internal/schema"
	"github.com/cdurbin/inkwell/internal/store"
)

var testTime = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	db       *store.DB
	outbox   *outbox.Outbox
	notesDir string
	daemon   *Daemon
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "state", "watch.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}

	quiet := log.New(io.Discard, "", 0)
	ob := outbox.New(db, quiet)
	notesDir := filepath.Join(dir, "notes")

	d, err := New(db, ob, notesDir, &Config{
		DebounceInterval: 10 * time.Millisecond,
		Logger:           quiet,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = d.watcher.Close() })

	return &fixture{db: db, outbox: ob, notesDir: notesDir, daemon: d}
}

func (f *fixture) writeNote(t *testing.T, rec *schema.Record) string {
	t.Helper()
	if err := schema.WriteRecordFile(f.notesDir, rec); err != nil {
		t.Fatalf("WriteRecordFile: %v", err)
	}
	return filepath.Join(schema.EntityDir(f.notesDir, rec.EntityType), rec.Filename())
}

func TestProcessFileNewRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, _ := schema.NewRecord(schema.EntityThought, "rec-1")
	rec.SetField("title", "fresh", testTime)
	path := f.writeNote(t, rec)

	if err := f.daemon.ProcessFile(ctx, path); err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}

	// Stored locally at version 0 (never seen by the server).
	local, err := f.db.GetRecord(ctx, schema.EntityThought, "rec-1")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if local == nil || local.Version != 0 {
		t.Fatalf("local = %+v, want version 0", local)
	}

	entry, err := f.outbox.PendingFor(ctx, schema.EntityThought, "rec-1")
	if err != nil {
		t.Fatalf("PendingFor: %v", err)
	}
	if entry == nil {
		t.Fatal("no mutation queued for the new record")
	}
	if entry.Operation != outbox.OpCreate || entry.BaseVersion != 0 {
		t.Errorf("entry = %+v, want create with base version 0", entry)
	}
	if _, ok := entry.Payload["title"]; !ok {
		t.Error("payload missing the new record's column")
	}
}

func TestProcessFileChangedColumnsOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Local store already holds the synced copy at version 4.
	base, _ := schema.NewRecord(schema.EntityThought, "rec-1")
	base.Version = 4
	base.SetField("title", "old title", testTime)
	base.SetField("body", "unchanged", testTime)
	if err := f.db.PutRecord(ctx, base); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}

	edited := base.Clone()
	edited.SetField("title", "new title", testTime.Add(time.Minute))
	path := f.writeNote(t, edited)

	if err := f.daemon.ProcessFile(ctx, path); err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}

	entry, err := f.outbox.PendingFor(ctx, schema.EntityThought, "rec-1")
	if err != nil {
		t.Fatalf("PendingFor: %v", err)
	}
	if entry == nil {
		t.Fatal("no mutation queued for the edit")
	}
	if entry.BaseVersion != 4 {
		t.Errorf("BaseVersion = %d, want the pre-edit version 4", entry.BaseVersion)
	}
	if _, ok := entry.Payload["title"]; !ok {
		t.Error("payload missing the changed column")
	}
	if _, ok := entry.Payload["body"]; ok {
		t.Error("payload includes an unchanged column")
	}
}

func TestProcessFileUnchangedIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base, _ := schema.NewRecord(schema.EntityThought, "rec-1")
	base.Version = 4
	base.SetField("title", "same", testTime)
	if err := f.db.PutRecord(ctx, base); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}
	path := f.writeNote(t, base)

	if err := f.daemon.ProcessFile(ctx, path); err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}

	entry, err := f.outbox.PendingFor(ctx, schema.EntityThought, "rec-1")
	if err != nil {
		t.Fatalf("PendingFor: %v", err)
	}
	if entry != nil {
		t.Errorf("unchanged file queued a mutation: %+v", entry)
	}
}

func TestProcessFileRemovalQueuesDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base, _ := schema.NewRecord(schema.EntityThought, "rec-1")
	base.Version = 6
	base.SetField("title", "going away", testTime)
	if err := f.db.PutRecord(ctx, base); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}

	// The file never existed on disk (or was already removed).
	missing := filepath.Join(schema.EntityDir(f.notesDir, schema.EntityThought), "rec-1.json")
	if err := os.MkdirAll(filepath.Dir(missing), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	if err := f.daemon.ProcessFile(ctx, missing); err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}

	local, _ := f.db.GetRecord(ctx, schema.EntityThought, "rec-1")
	if local == nil || !local.Deleted() {
		t.Fatal("local record not soft-deleted")
	}

	entry, err := f.outbox.PendingFor(ctx, schema.EntityThought, "rec-1")
	if err != nil {
		t.Fatalf("PendingFor: %v", err)
	}
	if entry == nil || entry.Operation != outbox.OpDelete {
		t.Fatalf("entry = %+v, want a delete mutation", entry)
	}
	if entry.BaseVersion != 6 {
		t.Errorf("BaseVersion = %d, want the deleted record's version", entry.BaseVersion)
	}
}

func TestScanAllPicksUpOfflineChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// One record known to the store and still on disk, edited offline.
	known, _ := schema.NewRecord(schema.EntityThought, "kept")
	known.Version = 2
	known.SetField("title", "before", testTime)
	if err := f.db.PutRecord(ctx, known); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}
	edited := known.Clone()
	edited.SetField("title", "after", testTime.Add(time.Minute))
	f.writeNote(t, edited)

	// One brand-new file the store has never seen.
	fresh, _ := schema.NewRecord(schema.EntityTodo, "new")
	fresh.SetField("title", "created offline", testTime)
	f.writeNote(t, fresh)

	// One record in the store whose file was deleted offline.
	gone, _ := schema.NewRecord(schema.EntityThought, "gone")
	gone.Version = 3
	gone.SetField("title", "deleted offline", testTime)
	if err := f.db.PutRecord(ctx, gone); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}

	if err := f.daemon.ScanAll(ctx); err != nil {
		t.Fatalf("ScanAll: %v", err)
	}

	if e, _ := f.outbox.PendingFor(ctx, schema.EntityThought, "kept"); e == nil || e.Operation != outbox.OpUpdate {
		t.Errorf("offline edit: entry = %+v, want update", e)
	}
	if e, _ := f.outbox.PendingFor(ctx, schema.EntityTodo, "new"); e == nil || e.Operation != outbox.OpCreate {
		t.Errorf("offline create: entry = %+v, want create", e)
	}
	if e, _ := f.outbox.PendingFor(ctx, schema.EntityThought, "gone"); e == nil || e.Operation != outbox.OpDelete {
		t.Errorf("offline delete: entry = %+v, want delete", e)
	}
}

func TestRapidEditsCoalesceThroughDaemon(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, _ := schema.NewRecord(schema.EntityThought, "rec-1")
	rec.SetField("title", "v1", testTime)
	path := f.writeNote(t, rec)
	if err := f.daemon.ProcessFile(ctx, path); err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}

	// Second and third edits before any sync happens.
	rec.SetField("title", "v2", testTime.Add(time.Second))
	f.writeNote(t, rec)
	if err := f.daemon.ProcessFile(ctx, path); err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}
	rec.SetField("body", "added", testTime.Add(2*time.Second))
	f.writeNote(t, rec)
	if err := f.daemon.ProcessFile(ctx, path); err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}

	counts, err := f.outbox.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts[outbox.StatusPending] != 1 {
		t.Fatalf("pending = %d, want rapid edits coalesced into one entry", counts[outbox.StatusPending])
	}

	entry, _ := f.outbox.PendingFor(ctx, schema.EntityThought, "rec-1")
	if entry.Payload["title"].Value != "v2" {
		t.Errorf("title = %q, want the latest edit", entry.Payload["title"].Value)
	}
	if _, ok := entry.Payload["body"]; !ok {
		t.Error("coalesced payload missing the later column")
	}
	if entry.BaseVersion != 0 {
		t.Errorf("BaseVersion = %d, want the original baseline preserved", entry.BaseVersion)
	}
}
