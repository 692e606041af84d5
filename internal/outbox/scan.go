package outbox

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cdurbin/inkwell/internal/schema"
	"github.com/cdurbin/inkwell/internal/syncerr"
)

const timeFormat = time.RFC3339Nano

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

const selectEntrySQL = `
	SELECT id, entity_type, record_id, operation, payload, base_version,
	       enqueued_at, attempt_count, last_attempt_at, next_attempt_at,
	       status, dead_reason
	FROM outbox`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		entry         Entry
		entityType    string
		operation     string
		payloadJSON   string
		enqueuedAt    string
		lastAttemptAt sql.NullString
		nextAttemptAt sql.NullString
		status        string
		deadReason    sql.NullString
	)

	err := row.Scan(&entry.ID, &entityType, &entry.RecordID, &operation,
		&payloadJSON, &entry.BaseVersion, &enqueuedAt, &entry.AttemptCount,
		&lastAttemptAt, &nextAttemptAt, &status, &deadReason)
	if err != nil {
		return nil, err
	}

	entry.EntityType = schema.EntityType(entityType)
	entry.Operation = Operation(operation)
	entry.Status = Status(status)
	entry.DeadReason = deadReason.String

	entry.Payload = make(schema.Payload)
	if payloadJSON != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &entry.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload for entry %d: %w", entry.ID, err)
		}
	}

	if entry.EnqueuedAt, err = time.Parse(timeFormat, enqueuedAt); err != nil {
		return nil, fmt.Errorf("failed to parse enqueued_at for entry %d: %w", entry.ID, err)
	}
	if lastAttemptAt.Valid {
		t, err := time.Parse(timeFormat, lastAttemptAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse last_attempt_at for entry %d: %w", entry.ID, err)
		}
		entry.LastAttemptAt = &t
	}
	if nextAttemptAt.Valid {
		t, err := time.Parse(timeFormat, nextAttemptAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse next_attempt_at for entry %d: %w", entry.ID, err)
		}
		entry.NextAttemptAt = &t
	}

	return &entry, nil
}

func marshalPayload(p schema.Payload) (string, error) {
	if p == nil {
		return "{}", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", &syncerr.DatabaseError{Op: "marshal payload", Err: err}
	}
	return string(data), nil
}
