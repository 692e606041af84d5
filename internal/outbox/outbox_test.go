package outbox

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/cdurbin/inkwell/internal/schema"
	"github.com/cdurbin/inkwell/internal/store"
)

var testTime = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func testOutbox(t *testing.T) *Outbox {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "outbox.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	return New(db, log.New(io.Discard, "", 0))
}

func payload(column, value string, at time.Time) schema.Payload {
	return schema.Payload{column: {Value: value, UpdatedAt: at}}
}

func TestEnqueueAndDrain(t *testing.T) {
	ob := testOutbox(t)
	ctx := context.Background()

	entry, err := ob.Enqueue(ctx, schema.EntityThought, "rec-1", OpCreate,
		payload("title", "hello", testTime), 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if entry.Status != StatusPending || entry.BaseVersion != 0 {
		t.Errorf("entry = %+v, want pending with base version 0", entry)
	}

	drained, err := ob.Drain(ctx, 10)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(drained) != 1 || drained[0].ID != entry.ID {
		t.Fatalf("Drain returned %d entries, want the enqueued one", len(drained))
	}
	if drained[0].Status != StatusInFlight {
		t.Errorf("drained status = %s, want in_flight", drained[0].Status)
	}

	// In-flight entries are invisible to a second drain.
	again, err := ob.Drain(ctx, 10)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second drain returned %d entries, want 0", len(again))
	}
}

func TestDrainOrdersOldestFirst(t *testing.T) {
	ob := testOutbox(t)
	ctx := context.Background()

	clock := testTime
	ob.nowFn = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	for _, id := range []string{"a", "b", "c"} {
		if _, err := ob.Enqueue(ctx, schema.EntityThought, id, OpCreate,
			payload("title", id, testTime), 0); err != nil {
			t.Fatalf("Enqueue %s: %v", id, err)
		}
	}

	drained, err := ob.Drain(ctx, 2)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(drained) != 2 {
		t.Fatalf("Drain returned %d entries, want batch of 2", len(drained))
	}
	if drained[0].RecordID != "a" || drained[1].RecordID != "b" {
		t.Errorf("drain order = [%s %s], want [a b]", drained[0].RecordID, drained[1].RecordID)
	}
}

func TestCoalesceRapidEdits(t *testing.T) {
	ob := testOutbox(t)
	ctx := context.Background()

	first, err := ob.Enqueue(ctx, schema.EntityThought, "rec-1", OpUpdate,
		payload("title", "draft", testTime), 5)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	second, err := ob.Enqueue(ctx, schema.EntityThought, "rec-1", OpUpdate,
		payload("body", "text", testTime.Add(time.Second)), 5)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if second.ID != first.ID {
		t.Fatalf("coalescing created a second entry (%d vs %d)", second.ID, first.ID)
	}
	if _, ok := second.Payload["title"]; !ok {
		t.Error("coalesced payload lost the first edit's column")
	}
	if _, ok := second.Payload["body"]; !ok {
		t.Error("coalesced payload missing the second edit's column")
	}
	if second.BaseVersion != 5 {
		t.Errorf("BaseVersion = %d, want the original baseline 5", second.BaseVersion)
	}

	counts, err := ob.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts[StatusPending] != 1 {
		t.Errorf("pending count = %d, want 1", counts[StatusPending])
	}
}

func TestCoalesceNewerColumnWins(t *testing.T) {
	ob := testOutbox(t)
	ctx := context.Background()

	if _, err := ob.Enqueue(ctx, schema.EntityThought, "rec-1", OpUpdate,
		payload("title", "first", testTime), 3); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	entry, err := ob.Enqueue(ctx, schema.EntityThought, "rec-1", OpUpdate,
		payload("title", "second", testTime.Add(time.Minute)), 3)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if entry.Payload["title"].Value != "second" {
		t.Errorf("title = %q, want the later edit", entry.Payload["title"].Value)
	}
}

func TestDeleteSupersedesInFlightUpdate(t *testing.T) {
	ob := testOutbox(t)
	ctx := context.Background()

	if _, err := ob.Enqueue(ctx, schema.EntityThought, "rec-1", OpUpdate,
		payload("title", "doomed", testTime), 4); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := ob.Drain(ctx, 10); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	entry, err := ob.Enqueue(ctx, schema.EntityThought, "rec-1", OpDelete, schema.Payload{}, 4)
	if err != nil {
		t.Fatalf("Enqueue delete: %v", err)
	}
	if entry.Operation != OpDelete {
		t.Errorf("Operation = %s, want delete", entry.Operation)
	}
	if len(entry.Payload) != 0 {
		t.Errorf("delete entry kept payload %v", entry.Payload)
	}
	if entry.Status != StatusPending {
		t.Errorf("Status = %s, want pending (pulled back from in-flight)", entry.Status)
	}
}

func TestEditAfterQueuedDeleteBecomesCreate(t *testing.T) {
	ob := testOutbox(t)
	ctx := context.Background()

	if _, err := ob.Enqueue(ctx, schema.EntityThought, "rec-1", OpDelete, schema.Payload{}, 4); err != nil {
		t.Fatalf("Enqueue delete: %v", err)
	}
	entry, err := ob.Enqueue(ctx, schema.EntityThought, "rec-1", OpUpdate,
		payload("title", "back again", testTime), 4)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if entry.Operation != OpCreate {
		t.Errorf("Operation = %s, want create (resurrect after delete)", entry.Operation)
	}
}

func TestMarkFailedDefersNextAttempt(t *testing.T) {
	ob := testOutbox(t)
	ctx := context.Background()

	entry, err := ob.Enqueue(ctx, schema.EntityThought, "rec-1", OpUpdate,
		payload("title", "x", testTime), 1)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := ob.Drain(ctx, 10); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	future := time.Now().Add(time.Hour)
	if err := ob.MarkFailed(ctx, entry.ID, future); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	// Not due yet: drain must skip it.
	drained, err := ob.Drain(ctx, 10)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(drained) != 0 {
		t.Errorf("drained a deferred entry before its retry time")
	}

	// Past the retry time it drains again, with the attempt recorded.
	ob.nowFn = func() time.Time { return future.Add(time.Second) }
	drained, err = ob.Drain(ctx, 10)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(drained) != 1 {
		t.Fatalf("drained %d entries after retry time, want 1", len(drained))
	}
	if drained[0].AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", drained[0].AttemptCount)
	}
}

func TestMarkAppliedRemovesEntry(t *testing.T) {
	ob := testOutbox(t)
	ctx := context.Background()

	entry, err := ob.Enqueue(ctx, schema.EntityThought, "rec-1", OpCreate,
		payload("title", "x", testTime), 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := ob.Drain(ctx, 10); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if err := ob.MarkApplied(ctx, entry.ID); err != nil {
		t.Fatalf("MarkApplied: %v", err)
	}
	// Idempotent: removing again is a no-op.
	if err := ob.MarkApplied(ctx, entry.ID); err != nil {
		t.Fatalf("MarkApplied (replay): %v", err)
	}

	counts, err := ob.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if len(counts) != 0 {
		t.Errorf("counts = %v, want empty outbox", counts)
	}
}

func TestDeadLetterLifecycle(t *testing.T) {
	ob := testOutbox(t)
	ctx := context.Background()

	entry, err := ob.Enqueue(ctx, schema.EntityThought, "rec-1", OpUpdate,
		payload("title", "x", testTime), 2)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := ob.Drain(ctx, 10); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if err := ob.MarkDead(ctx, entry.ID, "retry budget exhausted"); err != nil {
		t.Fatalf("MarkDead: %v", err)
	}

	// Dead entries never drain.
	drained, err := ob.Drain(ctx, 10)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(drained) != 0 {
		t.Error("drained a dead-lettered entry")
	}

	dead, err := ob.Dead(ctx)
	if err != nil {
		t.Fatalf("Dead: %v", err)
	}
	if len(dead) != 1 || dead[0].DeadReason != "retry budget exhausted" {
		t.Fatalf("Dead = %+v, want one entry with its reason", dead)
	}

	// A dead record no longer blocks a fresh enqueue for the same record.
	fresh, err := ob.Enqueue(ctx, schema.EntityThought, "rec-1", OpUpdate,
		payload("body", "new attempt", testTime), 2)
	if err != nil {
		t.Fatalf("Enqueue after dead-letter: %v", err)
	}
	if fresh.ID == entry.ID {
		t.Error("new mutation coalesced into a dead entry")
	}
	if err := ob.DiscardDead(ctx, fresh.ID); err == nil {
		t.Error("DiscardDead accepted a non-dead entry")
	}

	// Clear the fresh entry so the retried one can become the record's
	// single active entry again.
	if _, err := ob.Drain(ctx, 10); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if err := ob.MarkApplied(ctx, fresh.ID); err != nil {
		t.Fatalf("MarkApplied: %v", err)
	}

	if err := ob.RetryDead(ctx, entry.ID); err != nil {
		t.Fatalf("RetryDead: %v", err)
	}
	retried, err := ob.PendingFor(ctx, schema.EntityThought, "rec-1")
	if err != nil {
		t.Fatalf("PendingFor: %v", err)
	}
	if retried == nil {
		t.Fatal("retried entry not visible as pending")
	}
}

func TestDiscardDead(t *testing.T) {
	ob := testOutbox(t)
	ctx := context.Background()

	entry, err := ob.Enqueue(ctx, schema.EntityThought, "rec-1", OpUpdate,
		payload("title", "x", testTime), 2)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := ob.Drain(ctx, 10); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if err := ob.MarkDead(ctx, entry.ID, "rejected"); err != nil {
		t.Fatalf("MarkDead: %v", err)
	}
	if err := ob.DiscardDead(ctx, entry.ID); err != nil {
		t.Fatalf("DiscardDead: %v", err)
	}

	dead, err := ob.Dead(ctx)
	if err != nil {
		t.Fatalf("Dead: %v", err)
	}
	if len(dead) != 0 {
		t.Errorf("dead entries remain after discard: %+v", dead)
	}
}

func TestRebasePending(t *testing.T) {
	ob := testOutbox(t)
	ctx := context.Background()

	entry, err := ob.Enqueue(ctx, schema.EntityThought, "rec-1", OpUpdate,
		payload("title", "x", testTime), 3)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := ob.Drain(ctx, 10); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if err := ob.RebasePending(ctx, entry.ID, 9); err != nil {
		t.Fatalf("RebasePending: %v", err)
	}

	got, err := ob.PendingFor(ctx, schema.EntityThought, "rec-1")
	if err != nil {
		t.Fatalf("PendingFor: %v", err)
	}
	if got == nil || got.BaseVersion != 9 || got.Status != StatusPending {
		t.Errorf("rebased entry = %+v, want pending with base version 9", got)
	}
}

func TestPayloadSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "outbox.db")

	db, err := store.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	ob := New(db, log.New(io.Discard, "", 0))

	ctx := context.Background()
	want := schema.Payload{
		"title": {Value: "persistent", UpdatedAt: testTime},
		"tags":  {Set: []string{"a", "b"}, UpdatedAt: testTime},
	}
	if _, err := ob.Enqueue(ctx, schema.EntityTodo, "todo-1", OpCreate, want, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := store.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()
	ob2 := New(db2, log.New(io.Discard, "", 0))

	entry, err := ob2.PendingFor(ctx, schema.EntityTodo, "todo-1")
	if err != nil {
		t.Fatalf("PendingFor: %v", err)
	}
	if entry == nil {
		t.Fatal("entry lost across restart")
	}
	if entry.Payload["title"].Value != "persistent" {
		t.Errorf("title = %q after restart", entry.Payload["title"].Value)
	}
	if len(entry.Payload["tags"].Set) != 2 {
		t.Errorf("tags = %v after restart", entry.Payload["tags"].Set)
	}
}

func TestAckLeavesSupersedingMutationQueued(t *testing.T) {
	ob := testOutbox(t)
	ctx := context.Background()

	entry, err := ob.Enqueue(ctx, schema.EntityThought, "rec-1", OpUpdate,
		payload("title", "x", testTime), 4)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := ob.Drain(ctx, 10); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	// A delete lands while the update is on the wire; the entry is
	// superseded back to pending.
	if _, err := ob.Enqueue(ctx, schema.EntityThought, "rec-1", OpDelete, nil, 4); err != nil {
		t.Fatalf("Enqueue delete: %v", err)
	}

	// The ack for the old payload arrives. It must not touch the
	// superseding mutation.
	if err := ob.MarkApplied(ctx, entry.ID); err != nil {
		t.Fatalf("MarkApplied: %v", err)
	}
	got, err := ob.PendingFor(ctx, schema.EntityThought, "rec-1")
	if err != nil {
		t.Fatalf("PendingFor: %v", err)
	}
	if got == nil {
		t.Fatal("superseding delete erased by the ack for the old payload")
	}
	if got.Operation != OpDelete || got.Status != StatusPending {
		t.Errorf("entry = %+v, want a pending delete", got)
	}

	// Neither a conflict reply nor its resolution may disturb it either.
	claimed, err := ob.MarkConflict(ctx, entry.ID, StatusInFlight)
	if err != nil {
		t.Fatalf("MarkConflict: %v", err)
	}
	if claimed {
		t.Error("MarkConflict claimed a superseded entry")
	}
	if err := ob.MarkResolved(ctx, entry.ID); err != nil {
		t.Fatalf("MarkResolved: %v", err)
	}
	if err := ob.MarkDead(ctx, entry.ID, "rejected"); err != nil {
		t.Fatalf("MarkDead: %v", err)
	}
	got, err = ob.PendingFor(ctx, schema.EntityThought, "rec-1")
	if err != nil {
		t.Fatalf("PendingFor: %v", err)
	}
	if got == nil || got.Status != StatusPending {
		t.Fatalf("entry = %+v, want the delete still pending", got)
	}
}

func TestRecoverInFlightAfterRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "outbox.db")

	db, err := store.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	ob := New(db, log.New(io.Discard, "", 0))

	ctx := context.Background()
	if _, err := ob.Enqueue(ctx, schema.EntityThought, "rec-1", OpUpdate,
		payload("title", "x", testTime), 2); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := ob.Drain(ctx, 10); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	// The process dies between Drain and the ack.
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	db2, err := store.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()
	ob2 := New(db2, log.New(io.Discard, "", 0))

	// Without recovery the entry is invisible forever.
	drained, err := ob2.Drain(ctx, 10)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(drained) != 0 {
		t.Fatalf("drained %d in-flight entries without recovery", len(drained))
	}

	n, err := ob2.RecoverInFlight(ctx)
	if err != nil {
		t.Fatalf("RecoverInFlight: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d entries, want 1", n)
	}
	drained, err = ob2.Drain(ctx, 10)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(drained) != 1 {
		t.Fatalf("drained %d entries after recovery, want 1", len(drained))
	}
}
