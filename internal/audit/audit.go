// Package audit provides the immutable log of conflict resolutions.
//
// Every resolution is recorded with the full server, client, and resolved
// record states so a merge can be reviewed (or manually rolled back) after
// the fact. The log is append-only: no component updates or deletes
// entries, and the sink exposes no API to do so.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/cdurbin/inkwell/internal/schema"
	"github.com/cdurbin/inkwell/internal/store"
	"github.com/cdurbin/inkwell/internal/syncerr"
)

// Entry is one immutable record of a conflict resolution.
type Entry struct {
	ID                 string            `json:"id"`
	EntityType         schema.EntityType `json:"entity_type"`
	RecordID           string            `json:"record_id"`
	ConflictType       string            `json:"conflict_type"`
	ResolutionStrategy string            `json:"resolution_strategy"`
	ServerData         json.RawMessage   `json:"server_data"`
	ClientData         json.RawMessage   `json:"client_data"`
	ResolvedData       json.RawMessage   `json:"resolved_data"`
	ResolvedAt         time.Time         `json:"resolved_at"`
}

// Sink records conflict resolutions. Implementations must be append-only.
type Sink interface {
	// Append stores one resolution entry. If the entry has no ID, one
	// is assigned.
	Append(ctx context.Context, entry *Entry) error

	// List returns the resolutions recorded for one record, oldest
	// first.
	List(ctx context.Context, entityType schema.EntityType, recordID string) ([]*Entry, error)

	// Count returns the total number of recorded resolutions.
	Count(ctx context.Context) (int, error)
}

// sqliteSink implements Sink over the store's audit table.
type sqliteSink struct {
	db     *sql.DB
	logger *log.Logger
}

// New creates a Sink backed by the given store.
//
// If logger is nil, a default logger writing to stderr is used.
func New(db *store.DB, logger *log.Logger) Sink {
	if logger == nil {
		logger = log.New(os.Stderr, "[audit] ", log.LstdFlags)
	}
	return &sqliteSink{db: db.RawDB(), logger: logger}
}

// NewEntry builds an audit entry from the three record states involved in
// a resolution.
func NewEntry(conflictType, strategy string, server, client, resolved *schema.Record, at time.Time) (*Entry, error) {
	serverData, err := marshalRecord(server)
	if err != nil {
		return nil, err
	}
	clientData, err := marshalRecord(client)
	if err != nil {
		return nil, err
	}
	resolvedData, err := marshalRecord(resolved)
	if err != nil {
		return nil, err
	}
	return &Entry{
		ID:                 uuid.NewString(),
		EntityType:         resolved.EntityType,
		RecordID:           resolved.ID,
		ConflictType:       conflictType,
		ResolutionStrategy: strategy,
		ServerData:         serverData,
		ClientData:         clientData,
		ResolvedData:       resolvedData,
		ResolvedAt:         at,
	}, nil
}

// marshalRecord serializes a record state, tolerating nil (a record the
// server no longer has).
func marshalRecord(rec *schema.Record) (json.RawMessage, error) {
	if rec == nil {
		return json.RawMessage("null"), nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit record state: %w", err)
	}
	return data, nil
}

func (s *sqliteSink) Append(ctx context.Context, entry *Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit (id, entity_type, record_id, conflict_type, resolution_strategy,
		                   server_data, client_data, resolved_data, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, string(entry.EntityType), entry.RecordID, entry.ConflictType,
		entry.ResolutionStrategy, string(entry.ServerData), string(entry.ClientData),
		string(entry.ResolvedData), entry.ResolvedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return &syncerr.DatabaseError{Op: "audit append", Err: err}
	}
	s.logger.Printf("Recorded %s resolution (%s) for %s/%s",
		entry.ConflictType, entry.ResolutionStrategy, entry.EntityType, entry.RecordID)
	return nil
}

func (s *sqliteSink) List(ctx context.Context, entityType schema.EntityType, recordID string) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conflict_type, resolution_strategy, server_data, client_data,
		       resolved_data, resolved_at
		FROM audit
		WHERE entity_type = ? AND record_id = ?
		ORDER BY resolved_at ASC, id ASC`,
		string(entityType), recordID)
	if err != nil {
		return nil, &syncerr.DatabaseError{Op: "audit list", Err: err}
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry := &Entry{EntityType: entityType, RecordID: recordID}
		var serverData, clientData, resolvedData, resolvedAt string
		if err := rows.Scan(&entry.ID, &entry.ConflictType, &entry.ResolutionStrategy,
			&serverData, &clientData, &resolvedData, &resolvedAt); err != nil {
			return nil, &syncerr.DatabaseError{Op: "audit list", Err: err}
		}
		entry.ServerData = json.RawMessage(serverData)
		entry.ClientData = json.RawMessage(clientData)
		entry.ResolvedData = json.RawMessage(resolvedData)
		if entry.ResolvedAt, err = time.Parse(time.RFC3339Nano, resolvedAt); err != nil {
			return nil, fmt.Errorf("failed to parse resolved_at for audit entry %s: %w", entry.ID, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, &syncerr.DatabaseError{Op: "audit list", Err: err}
	}
	return entries, nil
}

func (s *sqliteSink) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit`).Scan(&count); err != nil {
		return 0, &syncerr.DatabaseError{Op: "audit count", Err: err}
	}
	return count, nil
}
