// Package outbox implements the durable queue of pending local mutations.
//
// Every local edit lands here before it ever touches the network. Entries
// are ordered by enqueue time, coalesced per record (a second edit to the
// same record before the first syncs merges into the existing entry), and
// carry the base version observed at edit time so the server can detect
// divergence.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cdurbin/inkwell/internal/schema"
	"github.com/cdurbin/inkwell/internal/store"
	"github.com/cdurbin/inkwell/internal/syncerr"
)

// Status is the lifecycle state of an outbox entry.
type Status string

const (
	// StatusPending entries are waiting to be drained and pushed.
	StatusPending Status = "pending"

	// StatusInFlight entries are part of the current push batch.
	StatusInFlight Status = "in_flight"

	// StatusConflicted entries received a conflict reply and are being
	// resolved.
	StatusConflicted Status = "conflicted"

	// StatusDead entries exhausted their retry budget or were rejected
	// by the server. They need manual intervention and are excluded
	// from draining.
	StatusDead Status = "dead"
)

// Operation is the kind of mutation an entry carries.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Entry represents one pending local mutation.
type Entry struct {
	ID            int64
	EntityType    schema.EntityType
	RecordID      string
	Operation     Operation
	Payload       schema.Payload
	BaseVersion   int64
	EnqueuedAt    time.Time
	AttemptCount  int
	LastAttemptAt *time.Time
	NextAttemptAt *time.Time
	Status        Status
	DeadReason    string
}

// Outbox is the durable mutation queue, backed by the store's outbox table.
type Outbox struct {
	db     *sql.DB
	logger *log.Logger
	nowFn  func() time.Time
}

// New creates an Outbox over the given store.
//
// If logger is nil, a default logger writing to stderr is used.
func New(db *store.DB, logger *log.Logger) *Outbox {
	if logger == nil {
		logger = log.New(os.Stderr, "[outbox] ", log.LstdFlags)
	}
	return &Outbox{
		db:     db.RawDB(),
		logger: logger,
		nowFn:  time.Now,
	}
}

// Enqueue inserts a new pending mutation, or coalesces it into the
// existing non-terminal entry for the same record.
//
// Coalescing rules:
//   - The payload union is taken, with the newer edit winning per column.
//   - The original base version and enqueue time are preserved, so the
//     server still compares against the version the first edit observed.
//   - A delete supersedes any earlier operation: the payload is cleared
//     and the entry becomes a delete. If the earlier entry was in flight,
//     it is pulled back to pending so the stale update can never re-apply.
//   - An edit arriving while the earlier entry is in flight also returns
//     the entry to pending; the transport is at-least-once with dedup, so
//     retransmitting the merged payload is safe.
//
// Returns the (possibly merged) entry.
func (o *Outbox) Enqueue(ctx context.Context, entityType schema.EntityType, recordID string, op Operation, payload schema.Payload, baseVersion int64) (*Entry, error) {
	now := o.nowFn()

	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &syncerr.DatabaseError{Op: "enqueue", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := scanEntry(tx.QueryRowContext(ctx, selectEntrySQL+`
		WHERE entity_type = ? AND record_id = ? AND status IN ('pending', 'in_flight', 'conflicted')`,
		string(entityType), recordID))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, &syncerr.DatabaseError{Op: "enqueue", Err: err}
	}

	var entry *Entry
	if existing != nil {
		entry = coalesce(existing, op, payload)
		payloadJSON, merr := marshalPayload(entry.Payload)
		if merr != nil {
			return nil, merr
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE outbox SET operation = ?, payload = ?, status = ?
			WHERE id = ?`,
			string(entry.Operation), payloadJSON, string(entry.Status), entry.ID); err != nil {
			return nil, &syncerr.DatabaseError{Op: "enqueue", Err: err}
		}
		o.logger.Printf("Coalesced %s into entry %d for %s/%s", op, entry.ID, entityType, recordID)
	} else {
		entry = &Entry{
			EntityType:  entityType,
			RecordID:    recordID,
			Operation:   op,
			Payload:     payload.Clone(),
			BaseVersion: baseVersion,
			EnqueuedAt:  now,
			Status:      StatusPending,
		}
		payloadJSON, merr := marshalPayload(entry.Payload)
		if merr != nil {
			return nil, merr
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO outbox (entity_type, record_id, operation, payload, base_version, enqueued_at, status)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			string(entityType), recordID, string(op), payloadJSON, baseVersion,
			encodeTime(now), string(StatusPending))
		if err != nil {
			return nil, &syncerr.DatabaseError{Op: "enqueue", Err: err}
		}
		if entry.ID, err = res.LastInsertId(); err != nil {
			return nil, &syncerr.DatabaseError{Op: "enqueue", Err: err}
		}
		o.logger.Printf("Enqueued %s for %s/%s (base version %d)", op, entityType, recordID, baseVersion)
	}

	if err := tx.Commit(); err != nil {
		return nil, &syncerr.DatabaseError{Op: "enqueue", Err: err}
	}
	return entry, nil
}

// coalesce merges a new mutation into an existing non-terminal entry.
func coalesce(existing *Entry, op Operation, payload schema.Payload) *Entry {
	entry := existing
	switch {
	case op == OpDelete:
		// Delete wins over anything queued before it. Clearing the
		// payload also cancels a stale in-flight update: whatever reply
		// the old batch produces, the record ends up deleted.
		entry.Operation = OpDelete
		entry.Payload = schema.Payload{}
	case existing.Operation == OpDelete:
		// An edit after a queued delete recreates the record.
		entry.Operation = OpCreate
		entry.Payload = payload.Clone()
	default:
		if entry.Payload == nil {
			entry.Payload = schema.Payload{}
		}
		entry.Payload.Merge(payload)
	}
	// Merged content must be (re)transmitted, even if the previous
	// payload is already on the wire.
	entry.Status = StatusPending
	return entry
}

// Drain returns up to batchSize pending entries whose retry time has
// arrived, oldest first, and atomically marks them in-flight. An entry is
// never returned twice concurrently: once in-flight it is invisible to
// subsequent drains until a mark transition returns it to pending.
func (o *Outbox) Drain(ctx context.Context, batchSize int) ([]*Entry, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	now := o.nowFn()

	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &syncerr.DatabaseError{Op: "drain", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, selectEntrySQL+`
		WHERE status = 'pending' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY enqueued_at ASC, id ASC
		LIMIT ?`,
		encodeTime(now), batchSize)
	if err != nil {
		return nil, &syncerr.DatabaseError{Op: "drain", Err: err}
	}

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			_ = rows.Close()
			return nil, &syncerr.DatabaseError{Op: "drain", Err: err}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, &syncerr.DatabaseError{Op: "drain", Err: err}
	}
	_ = rows.Close()

	for _, entry := range entries {
		if _, err := tx.ExecContext(ctx,
			`UPDATE outbox SET status = 'in_flight' WHERE id = ?`, entry.ID); err != nil {
			return nil, &syncerr.DatabaseError{Op: "drain", Err: err}
		}
		entry.Status = StatusInFlight
	}

	if err := tx.Commit(); err != nil {
		return nil, &syncerr.DatabaseError{Op: "drain", Err: err}
	}

	if len(entries) > 0 {
		o.logger.Printf("Drained %d entries", len(entries))
	}
	return entries, nil
}

// MarkApplied removes an acknowledged entry from the queue.
//
// The delete only fires while the entry is still in flight: a mutation
// that coalesced into the entry after Drain returned it to pending, and
// the ack for the superseded payload must leave it there for the next
// push. Removing an entry that no longer exists is a no-op (idempotent).
func (o *Outbox) MarkApplied(ctx context.Context, entryID int64) error {
	_, err := o.db.ExecContext(ctx,
		`DELETE FROM outbox WHERE id = ? AND status = 'in_flight'`, entryID)
	if err != nil {
		return &syncerr.DatabaseError{Op: "mark applied", Err: err}
	}
	return nil
}

// MarkConflict transitions an entry to conflicted while the resolver
// runs, provided it is still in the state the caller observed. Returns
// false when a superseding edit moved the entry in the meantime; the
// caller must then leave it queued so the conflict re-surfaces on the
// next push.
func (o *Outbox) MarkConflict(ctx context.Context, entryID int64, from Status) (bool, error) {
	res, err := o.db.ExecContext(ctx,
		`UPDATE outbox SET status = 'conflicted' WHERE id = ? AND status = ?`,
		entryID, string(from))
	if err != nil {
		return false, &syncerr.DatabaseError{Op: "mark conflict", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &syncerr.DatabaseError{Op: "mark conflict", Err: err}
	}
	return n > 0, nil
}

// MarkResolved removes an entry whose conflict has been resolved.
// Entries superseded back to pending stay queued.
func (o *Outbox) MarkResolved(ctx context.Context, entryID int64) error {
	_, err := o.db.ExecContext(ctx,
		`DELETE FROM outbox WHERE id = ? AND status IN ('in_flight', 'conflicted')`, entryID)
	if err != nil {
		return &syncerr.DatabaseError{Op: "mark resolved", Err: err}
	}
	return nil
}

// MarkFailed returns an entry to pending after a retryable failure,
// recording the attempt and the earliest time the next attempt may run.
// A superseded entry keeps its fresh payload and immediate eligibility.
func (o *Outbox) MarkFailed(ctx context.Context, entryID int64, nextAttempt time.Time) error {
	now := o.nowFn()
	_, err := o.db.ExecContext(ctx, `
		UPDATE outbox
		SET status = 'pending', attempt_count = attempt_count + 1,
		    last_attempt_at = ?, next_attempt_at = ?
		WHERE id = ? AND status = 'in_flight'`,
		encodeTime(now), encodeTime(nextAttempt), entryID)
	if err != nil {
		return &syncerr.DatabaseError{Op: "mark failed", Err: err}
	}
	return nil
}

// MarkDead dead-letters an entry. Dead entries stay queryable for the
// "sync stuck" surface but are excluded from future drains. A mutation
// that superseded the pushed payload is not condemned with it.
func (o *Outbox) MarkDead(ctx context.Context, entryID int64, reason string) error {
	now := o.nowFn()
	res, err := o.db.ExecContext(ctx, `
		UPDATE outbox
		SET status = 'dead', attempt_count = attempt_count + 1,
		    last_attempt_at = ?, next_attempt_at = NULL, dead_reason = ?
		WHERE id = ? AND status IN ('in_flight', 'conflicted')`,
		encodeTime(now), reason, entryID)
	if err != nil {
		return &syncerr.DatabaseError{Op: "mark dead", Err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		o.logger.Printf("Dead-lettered entry %d: %s", entryID, reason)
	}
	return nil
}

// RecoverInFlight returns stranded non-pending entries to pending. A
// crash between Drain and a mark transition leaves entries invisible to
// every future drain; re-pushing them is safe because the transport is
// at-least-once with server-side dedup. Call when no batch is in flight.
func (o *Outbox) RecoverInFlight(ctx context.Context) (int, error) {
	res, err := o.db.ExecContext(ctx,
		`UPDATE outbox SET status = 'pending' WHERE status IN ('in_flight', 'conflicted')`)
	if err != nil {
		return 0, &syncerr.DatabaseError{Op: "recover in-flight", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &syncerr.DatabaseError{Op: "recover in-flight", Err: err}
	}
	if n > 0 {
		o.logger.Printf("Recovered %d stranded entries to pending", n)
	}
	return int(n), nil
}

// RebasePending updates an entry's base version after a disjoint-column
// auto-merge: the local change still applies, but against the server
// version that incorporated the other writer's columns.
func (o *Outbox) RebasePending(ctx context.Context, entryID int64, baseVersion int64) error {
	_, err := o.db.ExecContext(ctx, `
		UPDATE outbox SET status = 'pending', base_version = ? WHERE id = ?`,
		baseVersion, entryID)
	if err != nil {
		return &syncerr.DatabaseError{Op: "rebase", Err: err}
	}
	return nil
}

// Dead returns all dead-lettered entries, oldest first.
func (o *Outbox) Dead(ctx context.Context) ([]*Entry, error) {
	return o.list(ctx, `WHERE status = 'dead' ORDER BY enqueued_at ASC, id ASC`)
}

// PendingFor returns the non-terminal entry for a record, or nil if the
// record has nothing queued. Used by the pull path to detect collisions
// between server-initiated changes and pending local edits.
func (o *Outbox) PendingFor(ctx context.Context, entityType schema.EntityType, recordID string) (*Entry, error) {
	entry, err := scanEntry(o.db.QueryRowContext(ctx, selectEntrySQL+`
		WHERE entity_type = ? AND record_id = ? AND status IN ('pending', 'in_flight', 'conflicted')`,
		string(entityType), recordID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &syncerr.DatabaseError{Op: "pending lookup", Err: err}
	}
	return entry, nil
}

// RetryDead resets a dead entry back to pending with a fresh retry budget.
func (o *Outbox) RetryDead(ctx context.Context, entryID int64) error {
	res, err := o.db.ExecContext(ctx, `
		UPDATE outbox
		SET status = 'pending', attempt_count = 0, next_attempt_at = NULL, dead_reason = NULL
		WHERE id = ? AND status = 'dead'`, entryID)
	if err != nil {
		return &syncerr.DatabaseError{Op: "retry dead", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &syncerr.DatabaseError{Op: "retry dead", Err: err}
	}
	if n == 0 {
		return fmt.Errorf("entry %d is not dead-lettered", entryID)
	}
	o.logger.Printf("Entry %d returned to pending for retry", entryID)
	return nil
}

// DiscardDead permanently removes a dead entry.
func (o *Outbox) DiscardDead(ctx context.Context, entryID int64) error {
	res, err := o.db.ExecContext(ctx,
		`DELETE FROM outbox WHERE id = ? AND status = 'dead'`, entryID)
	if err != nil {
		return &syncerr.DatabaseError{Op: "discard dead", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &syncerr.DatabaseError{Op: "discard dead", Err: err}
	}
	if n == 0 {
		return fmt.Errorf("entry %d is not dead-lettered", entryID)
	}
	return nil
}

// Counts returns the number of entries per status.
func (o *Outbox) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := o.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return nil, &syncerr.DatabaseError{Op: "counts", Err: err}
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, &syncerr.DatabaseError{Op: "counts", Err: err}
		}
		counts[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, &syncerr.DatabaseError{Op: "counts", Err: err}
	}
	return counts, nil
}

func (o *Outbox) list(ctx context.Context, where string, args ...any) ([]*Entry, error) {
	rows, err := o.db.QueryContext(ctx, selectEntrySQL+" "+where, args...)
	if err != nil {
		return nil, &syncerr.DatabaseError{Op: "list", Err: err}
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, &syncerr.DatabaseError{Op: "list", Err: err}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, &syncerr.DatabaseError{Op: "list", Err: err}
	}
	return entries, nil
}
