// Package engine implements the sync orchestrator: it drains the outbox,
// pushes batches through the transport adapter, interprets per-operation
// results, invokes the conflict detector and resolver, records
// resolutions in the audit sink, and reschedules transient failures via
// the retry policy.
//
// The engine runs one cycle at a time:
//
//	Idle -> Draining -> Pushing -> (Applying | Resolving | Retrying |
//	DeadLettering) -> Idle
//
// Durable-state transitions happen in short-lived transactions inside the
// outbox and store; the engine never holds a lock across network I/O.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cdurbin/inkwell/internal/audit"
	"github.com/cdurbin/inkwell/internal/conflict"
	"github.com/cdurbin/inkwell/internal/outbox"
	"github.com/cdurbin/inkwell/internal/retry"
	"github.com/cdurbin/inkwell/internal/schema"
	"github.com/cdurbin/inkwell/internal/store"
	"github.com/cdurbin/inkwell/internal/syncerr"
	"github.com/cdurbin/inkwell/internal/transport"
)

// Config holds engine configuration.
type Config struct {
	// BatchSize is the maximum number of entries drained per cycle
	// (default: 50).
	BatchSize int

	// Interval is how often the background loop runs a sync cycle
	// (default: 1 minute).
	Interval time.Duration

	// ReminderAfter is how long without a successful sync before the
	// long-offline reminder fires (default: 24h).
	ReminderAfter time.Duration

	// ReminderSnooze is how long a dismissal suppresses the reminder
	// before it re-triggers (default: 8h).
	ReminderSnooze time.Duration

	// DeletePolicy decides delete-vs-concurrent-update conflicts
	// (default: delete-wins).
	DeletePolicy conflict.DeletePolicy

	// NotesDir is the record file directory. Resolved, auto-merged, and
	// pulled records are written back to their note files so the watcher
	// never re-ingests a pre-merge value. Empty disables the write-back.
	NotesDir string

	// Logger for engine activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:      50,
		Interval:       time.Minute,
		ReminderAfter:  24 * time.Hour,
		ReminderSnooze: 8 * time.Hour,
		DeletePolicy:   conflict.DeleteWins,
		Logger:         log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Engine is the sync orchestrator. Construct it explicitly at the
// composition root and pass every collaborator in; there is no global
// instance.
type Engine struct {
	db       *store.DB
	outbox   *outbox.Outbox
	audit    audit.Sink
	adapter  transport.Adapter
	policy   *retry.Policy
	policies map[schema.EntityType]conflict.PolicyTable
	config   *Config
	logger   *log.Logger

	// One sync cycle at a time; also guarantees at most one in-flight
	// push batch per device.
	cycleMu sync.Mutex

	stateMu sync.RWMutex
	state   State

	subsMu    sync.RWMutex
	subs      map[int]*subscriber
	nextSubID int

	syncNowCh chan struct{}
	onlineCh  chan struct{}

	nowFn func() time.Time
}

// New creates an Engine from its collaborators.
//
// policies maps each entity type to its column merge policy table; pass
// the result of conflict.LoadPolicyOverrides (or build tables from the
// schema registry).
func New(db *store.DB, ob *outbox.Outbox, sink audit.Sink, adapter transport.Adapter,
	policy *retry.Policy, policies map[schema.EntityType]conflict.PolicyTable, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.ReminderAfter <= 0 {
		config.ReminderAfter = 24 * time.Hour
	}
	if config.ReminderSnooze <= 0 {
		config.ReminderSnooze = 8 * time.Hour
	}
	if config.DeletePolicy == "" {
		config.DeletePolicy = conflict.DeleteWins
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}

	return &Engine{
		db:        db,
		outbox:    ob,
		audit:     sink,
		adapter:   adapter,
		policy:    policy,
		policies:  policies,
		config:    config,
		logger:    config.Logger,
		state:     StateIdle,
		subs:      make(map[int]*subscriber),
		syncNowCh: make(chan struct{}, 1),
		onlineCh:  make(chan struct{}, 1),
		nowFn:     time.Now,
	}
}

// TriggerSync requests an immediate sync cycle from the background loop.
// Safe to call from any goroutine; coalesces with an already-queued
// trigger.
func (e *Engine) TriggerSync() {
	select {
	case e.syncNowCh <- struct{}{}:
	default:
	}
}

// NotifyOnline signals that connectivity was restored, triggering a sync
// cycle from the background loop.
func (e *Engine) NotifyOnline() {
	select {
	case e.onlineCh <- struct{}{}:
	default:
	}
}

// Run executes sync cycles until the context is cancelled: on every
// interval tick, on manual triggers, and when connectivity is restored.
// Cycle errors are logged and absorbed; only context cancellation stops
// the loop.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Printf("Engine running (interval %v, batch size %d)", e.config.Interval, e.config.BatchSize)

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Println("Engine stopped")
			return ctx.Err()

		case <-ticker.C:
		case <-e.syncNowCh:
		case <-e.onlineCh:
		}

		if _, err := e.SyncNow(ctx); err != nil {
			e.logger.Printf("Sync cycle error: %v", err)
		}
		if _, err := e.CheckReminder(ctx); err != nil {
			e.logger.Printf("Reminder check error: %v", err)
		}
	}
}

// SyncNow runs one full sync cycle: drain, push, interpret results, then
// pull server-initiated changes. Returns per-cycle statistics.
//
// Transient failures never escalate out of the cycle: they are handed to
// the retry policy and the affected entries return to pending. Only
// local database failures abort the cycle.
func (e *Engine) SyncNow(ctx context.Context) (*CycleStats, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	defer e.setState(StateIdle)

	stats := &CycleStats{}

	e.setState(StateDraining)

	// Entries stranded mid-flight by a crash would otherwise never drain
	// again. No batch is in flight here, so resetting them is safe.
	if _, err := e.outbox.RecoverInFlight(ctx); err != nil {
		return nil, err
	}

	entries, err := e.outbox.Drain(ctx, e.config.BatchSize)
	if err != nil {
		return nil, err
	}
	stats.Drained = len(entries)

	roundTripped := false
	if len(entries) > 0 {
		e.setState(StatePushing)
		results, pushErr := e.adapter.Push(ctx, toWire(entries))
		if pushErr != nil {
			if err := e.handleBatchFailure(ctx, entries, pushErr, stats); err != nil {
				return stats, err
			}
		} else {
			roundTripped = true
			for i := range results {
				if err := e.handleResult(ctx, entries[i], &results[i], stats); err != nil {
					return stats, err
				}
			}
		}
	}

	// Pull server-initiated changes not covered by a push conflict.
	pulled, pullErr := e.pull(ctx, stats)
	if pullErr != nil {
		if !syncerr.IsRetryable(pullErr) {
			return stats, pullErr
		}
		e.logger.Printf("Pull deferred: %v", pullErr)
	} else if pulled {
		roundTripped = true
	}

	if roundTripped {
		if err := e.db.SetLastSyncSuccess(ctx, e.nowFn()); err != nil {
			return stats, err
		}
	}

	e.publish(Event{Type: EventCycleComplete, Detail: fmt.Sprintf(
		"applied=%d merged=%d resolved=%d retried=%d dead=%d pulled=%d",
		stats.Applied, stats.AutoMerged, stats.Resolved, stats.Retried, stats.Dead, stats.Pulled)})
	return stats, nil
}

// toWire converts drained entries into transport operations, preserving
// order.
func toWire(entries []*outbox.Entry) []transport.PushOperation {
	ops := make([]transport.PushOperation, len(entries))
	for i, entry := range entries {
		ops[i] = transport.PushOperation{
			EntityType:  entry.EntityType,
			RecordID:    entry.RecordID,
			Operation:   string(entry.Operation),
			Payload:     entry.Payload,
			BaseVersion: entry.BaseVersion,
		}
	}
	return ops
}

// handleResult routes one per-operation server verdict.
func (e *Engine) handleResult(ctx context.Context, entry *outbox.Entry, res *transport.PushResult, stats *CycleStats) error {
	switch res.Status {
	case transport.StatusApplied:
		e.setState(StateApplying)
		return e.applyAck(ctx, entry, res, stats)

	case transport.StatusConflict:
		e.setState(StateResolving)
		return e.resolveConflict(ctx, entry, res, stats)

	case transport.StatusRejected:
		e.setState(StateDeadLettering)
		if err := e.outbox.MarkDead(ctx, entry.ID, res.Reason); err != nil {
			return err
		}
		stats.Dead++
		e.publish(Event{Type: EventDeadLettered, EntityType: string(entry.EntityType),
			RecordID: entry.RecordID, Detail: res.Reason})
		return nil

	default:
		return fmt.Errorf("server returned unknown status %q for %s/%s",
			res.Status, entry.EntityType, entry.RecordID)
	}
}

// applyAck finalizes an accepted operation: advance the local record to
// the server's version and remove the outbox entry.
func (e *Engine) applyAck(ctx context.Context, entry *outbox.Entry, res *transport.PushResult, stats *CycleStats) error {
	if err := e.db.SetRecordVersion(ctx, entry.EntityType, entry.RecordID, res.ServerVersion); err != nil {
		return err
	}
	if err := e.outbox.MarkApplied(ctx, entry.ID); err != nil {
		return err
	}
	stats.Applied++
	e.publish(Event{Type: EventApplied, EntityType: string(entry.EntityType), RecordID: entry.RecordID})
	return nil
}

// resolveConflict runs the detector and, when both sides truly diverged,
// the resolver. Disjoint column sets are auto-merged and re-pushed with a
// rebased baseline; true conflicts produce a single resolved record, an
// audit entry, and a bumped version.
func (e *Engine) resolveConflict(ctx context.Context, entry *outbox.Entry, res *transport.PushResult, stats *CycleStats) error {
	local, err := e.db.GetRecord(ctx, entry.EntityType, entry.RecordID)
	if err != nil {
		return err
	}
	if local == nil {
		// Record vanished locally; nothing left to reconcile.
		return e.outbox.MarkResolved(ctx, entry.ID)
	}

	detection := conflict.Detect(local, entry.Payload.Columns(), entry.BaseVersion, res.ServerRecord, res.ServerColumns)

	switch detection.Type {
	case conflict.TypeNone:
		// The server had already caught up; re-push against its version.
		return e.outbox.RebasePending(ctx, entry.ID, serverVersionOf(res))

	case conflict.TypeDisjoint:
		// Both changes apply independently: take the server's columns,
		// keep ours, and re-push against the server's version.
		merged := local.Clone()
		for _, col := range detection.ServerColumns {
			if f, ok := res.ServerRecord.Field(col); ok {
				merged.Fields[col] = f.Clone()
			}
		}
		merged.Version = res.ServerRecord.Version
		if err := e.db.PutRecord(ctx, merged); err != nil {
			return err
		}
		e.writeNoteFile(merged)
		if err := e.outbox.RebasePending(ctx, entry.ID, res.ServerRecord.Version); err != nil {
			return err
		}
		stats.AutoMerged++
		e.publish(Event{Type: EventMerged, EntityType: string(entry.EntityType), RecordID: entry.RecordID})
		return nil

	case conflict.TypeUpdateUpdate:
		claimed, err := e.outbox.MarkConflict(ctx, entry.ID, entry.Status)
		if err != nil {
			return err
		}
		if !claimed {
			// Superseded mid-cycle; the newer mutation re-drives the
			// conflict on the next push.
			return nil
		}
		resolution, err := conflict.Resolve(res.ServerRecord, local, e.tableFor(entry.EntityType))
		if err != nil {
			return err
		}
		return e.finishResolution(ctx, entry, string(detection.Type), resolution, res.ServerRecord, local, stats)

	case conflict.TypeDeleteUpdate:
		claimed, err := e.outbox.MarkConflict(ctx, entry.ID, entry.Status)
		if err != nil {
			return err
		}
		if !claimed {
			return nil
		}
		resolution, err := conflict.ResolveDelete(res.ServerRecord, local, e.config.DeletePolicy)
		if err != nil {
			return err
		}
		return e.finishResolution(ctx, entry, string(detection.Type), resolution, res.ServerRecord, local, stats)

	default:
		return fmt.Errorf("unknown conflict type %q", detection.Type)
	}
}

// finishResolution applies a resolved record locally, appends the audit
// entry, and removes the outbox entry.
func (e *Engine) finishResolution(ctx context.Context, entry *outbox.Entry, conflictType string,
	resolution *conflict.Resolution, server, client *schema.Record, stats *CycleStats) error {
	if err := e.db.PutRecord(ctx, resolution.Record); err != nil {
		return err
	}
	e.writeNoteFile(resolution.Record)

	auditEntry, err := audit.NewEntry(conflictType, resolution.Strategy, server, client, resolution.Record, e.nowFn())
	if err != nil {
		return err
	}
	if err := e.audit.Append(ctx, auditEntry); err != nil {
		return err
	}

	if err := e.outbox.MarkResolved(ctx, entry.ID); err != nil {
		return err
	}

	stats.Resolved++
	e.publish(Event{Type: EventResolved, EntityType: string(entry.EntityType),
		RecordID: entry.RecordID, Detail: resolution.Strategy})
	return nil
}

// handleBatchFailure routes a transport-level failure that affected the
// whole batch. Transient failures consume one attempt per entry and are
// rescheduled by the retry policy; permanent failures dead-letter every
// entry.
func (e *Engine) handleBatchFailure(ctx context.Context, entries []*outbox.Entry, pushErr error, stats *CycleStats) error {
	if syncerr.IsRetryable(pushErr) {
		e.setState(StateRetrying)
		now := e.nowFn()
		for _, entry := range entries {
			attempt := entry.AttemptCount + 1
			if attempt >= e.policy.MaxAttempts {
				if err := e.outbox.MarkDead(ctx, entry.ID,
					fmt.Sprintf("exhausted %d attempts (%s policy): %v", attempt, e.policy.Name, pushErr)); err != nil {
					return err
				}
				stats.Dead++
				e.publish(Event{Type: EventDeadLettered, EntityType: string(entry.EntityType),
					RecordID: entry.RecordID, Detail: (&syncerr.DeadLetterError{EntryID: entry.ID, Attempts: attempt}).Error()})
				continue
			}

			delay, ok := e.policy.Delay(attempt)
			if !ok {
				delay = 0
			}
			if err := e.outbox.MarkFailed(ctx, entry.ID, now.Add(delay)); err != nil {
				return err
			}
			stats.Retried++
			e.publish(Event{Type: EventRetryScheduled, EntityType: string(entry.EntityType),
				RecordID: entry.RecordID, Detail: fmt.Sprintf("attempt %d, retry in %v", attempt, delay)})
		}
		return nil
	}

	// Validation and rejection failures are permanent: no retry slot is
	// consumed, the entries go straight to dead-letter for the user.
	e.setState(StateDeadLettering)
	for _, entry := range entries {
		if err := e.outbox.MarkDead(ctx, entry.ID, pushErr.Error()); err != nil {
			return err
		}
		stats.Dead++
		e.publish(Event{Type: EventDeadLettered, EntityType: string(entry.EntityType),
			RecordID: entry.RecordID, Detail: pushErr.Error()})
	}
	return nil
}

// pull fetches server-initiated changes since the persisted cursor and
// applies them locally, running the same detection path when a pulled
// record collides with a pending outbox entry. Returns whether a
// successful server round-trip happened.
func (e *Engine) pull(ctx context.Context, stats *CycleStats) (bool, error) {
	cursor, err := e.db.PullCursor(ctx)
	if err != nil {
		return false, err
	}

	resp, err := e.adapter.Pull(ctx, cursor)
	if err != nil {
		return false, err
	}

	for _, rec := range resp.Records {
		if err := e.applyPulled(ctx, rec, stats); err != nil {
			return true, err
		}
	}

	if resp.Cursor != "" && resp.Cursor != cursor {
		if err := e.db.SetPullCursor(ctx, resp.Cursor); err != nil {
			return true, err
		}
	}
	return true, nil
}

// applyPulled reconciles one server-side change with local state.
func (e *Engine) applyPulled(ctx context.Context, rec *schema.Record, stats *CycleStats) error {
	pending, err := e.outbox.PendingFor(ctx, rec.EntityType, rec.ID)
	if err != nil {
		return err
	}

	local, err := e.db.GetRecord(ctx, rec.EntityType, rec.ID)
	if err != nil {
		return err
	}

	if pending == nil || local == nil {
		// No local edit in play: take the server state if it is newer.
		if local == nil || rec.Version > local.Version {
			if err := e.db.PutRecord(ctx, rec); err != nil {
				return err
			}
			e.writeNoteFile(rec)
			stats.Pulled++
			e.publish(Event{Type: EventPulled, EntityType: string(rec.EntityType), RecordID: rec.ID})
		}
		return nil
	}

	e.setState(StateResolving)
	res := &transport.PushResult{
		Status:        transport.StatusConflict,
		ServerVersion: rec.Version,
		ServerRecord:  rec,
	}
	return e.resolveConflict(ctx, pending, res, stats)
}

// writeNoteFile mirrors a record to its note file after the store copy
// changed under the engine, so the watcher never diffs a pre-merge file
// against the merged store state and re-enqueues a stale value. A file
// write failure is logged, not fatal: the store stays authoritative and
// the next resolution converges again.
func (e *Engine) writeNoteFile(rec *schema.Record) {
	if e.config.NotesDir == "" {
		return
	}
	if rec.Deleted() {
		path := filepath.Join(schema.EntityDir(e.config.NotesDir, rec.EntityType), rec.Filename())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			e.logger.Printf("Warning: failed to remove note file for %s/%s: %v", rec.EntityType, rec.ID, err)
		}
		return
	}
	if err := schema.WriteRecordFile(e.config.NotesDir, rec); err != nil {
		e.logger.Printf("Warning: failed to write note file for %s/%s: %v", rec.EntityType, rec.ID, err)
	}
}

// tableFor returns the column policy table for an entity type, falling
// back to the registry default.
func (e *Engine) tableFor(t schema.EntityType) conflict.PolicyTable {
	if table, ok := e.policies[t]; ok {
		return table
	}
	table, err := conflict.DefaultPolicyTable(t)
	if err != nil {
		return conflict.PolicyTable{Entity: t}
	}
	return table
}

func serverVersionOf(res *transport.PushResult) int64 {
	if res.ServerRecord != nil {
		return res.ServerRecord.Version
	}
	return res.ServerVersion
}
