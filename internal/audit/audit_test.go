package audit

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/cdurbin/inkwell/internal/schema"
	"github.com/cdurbin/inkwell/internal/store"
)

var testTime = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func testSink(t *testing.T) Sink {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	return New(db, log.New(io.Discard, "", 0))
}

func testStates(t *testing.T) (server, client, resolved *schema.Record) {
	t.Helper()
	server, _ = schema.NewRecord(schema.EntityThought, "rec-1")
	server.Version = 5
	server.SetField("title", "server", testTime)

	client = server.Clone()
	client.Version = 4
	client.SetField("title", "client", testTime.Add(time.Minute))

	resolved = client.Clone()
	resolved.Version = 6
	return server, client, resolved
}

func TestAppendAndList(t *testing.T) {
	sink := testSink(t)
	ctx := context.Background()

	server, client, resolved := testStates(t)
	entry, err := NewEntry("update_update", "per-column-hybrid", server, client, resolved, testTime)
	if err != nil {
		t.Fatalf("NewEntry: %v", err)
	}
	if entry.ID == "" {
		t.Fatal("NewEntry did not assign an ID")
	}

	if err := sink.Append(ctx, entry); err != nil {
		t.Fatalf("Append: %v", err)
	}

	entries, err := sink.List(ctx, schema.EntityThought, "rec-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("List returned %d entries, want 1", len(entries))
	}

	got := entries[0]
	if got.ID != entry.ID {
		t.Errorf("ID = %q, want %q", got.ID, entry.ID)
	}
	if got.ConflictType != "update_update" || got.ResolutionStrategy != "per-column-hybrid" {
		t.Errorf("entry = %+v", got)
	}
	if !got.ResolvedAt.Equal(testTime) {
		t.Errorf("ResolvedAt = %v, want %v", got.ResolvedAt, testTime)
	}

	// The three record states must be recoverable for later review.
	var serverState schema.Record
	if err := json.Unmarshal(got.ServerData, &serverState); err != nil {
		t.Fatalf("server state: %v", err)
	}
	if serverState.Version != 5 {
		t.Errorf("server state version = %d, want 5", serverState.Version)
	}
	var resolvedState schema.Record
	if err := json.Unmarshal(got.ResolvedData, &resolvedState); err != nil {
		t.Fatalf("resolved state: %v", err)
	}
	if resolvedState.Version != 6 {
		t.Errorf("resolved state version = %d, want 6", resolvedState.Version)
	}
}

func TestNewEntryToleratesMissingServerState(t *testing.T) {
	_, client, resolved := testStates(t)

	entry, err := NewEntry("delete_update", "delete-wins", nil, client, resolved, testTime)
	if err != nil {
		t.Fatalf("NewEntry: %v", err)
	}
	if string(entry.ServerData) != "null" {
		t.Errorf("ServerData = %s, want null for a missing server record", entry.ServerData)
	}
}

func TestListIsScopedToRecord(t *testing.T) {
	sink := testSink(t)
	ctx := context.Background()

	server, client, resolved := testStates(t)
	e1, _ := NewEntry("update_update", "per-column-hybrid", server, client, resolved, testTime)
	if err := sink.Append(ctx, e1); err != nil {
		t.Fatalf("Append: %v", err)
	}

	other := resolved.Clone()
	other.ID = "rec-2"
	e2, _ := NewEntry("delete_update", "delete-wins", nil, other, other, testTime.Add(time.Hour))
	if err := sink.Append(ctx, e2); err != nil {
		t.Fatalf("Append: %v", err)
	}

	entries, err := sink.List(ctx, schema.EntityThought, "rec-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].RecordID != "rec-1" {
		t.Errorf("List = %+v, want only rec-1 entries", entries)
	}

	count, err := sink.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 2 {
		t.Errorf("Count = %d, want 2", count)
	}
}

func TestListOrdersOldestFirst(t *testing.T) {
	sink := testSink(t)
	ctx := context.Background()

	server, client, resolved := testStates(t)
	for i := 0; i < 3; i++ {
		e, _ := NewEntry("update_update", "per-column-hybrid", server, client, resolved,
			testTime.Add(time.Duration(i)*time.Hour))
		if err := sink.Append(ctx, e); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	entries, err := sink.List(ctx, schema.EntityThought, "rec-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("List returned %d entries", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].ResolvedAt.Before(entries[i-1].ResolvedAt) {
			t.Errorf("entries out of order at %d", i)
		}
	}
}
