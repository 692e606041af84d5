package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cdurbin/inkwell/internal/schema"
)

// timeFormat is the canonical timestamp encoding for TEXT columns.
const timeFormat = time.RFC3339Nano

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func decodeTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

// GetRecord returns the local copy of a record, or nil if it doesn't exist.
func (db *DB) GetRecord(ctx context.Context, entityType schema.EntityType, id string) (*schema.Record, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT version, schema_version, fields, updated_at, deleted_at
		FROM records WHERE entity_type = ? AND id = ?`,
		string(entityType), id)

	var (
		rec        schema.Record
		fieldsJSON string
		updatedAt  string
		deletedAt  sql.NullString
	)
	err := row.Scan(&rec.Version, &rec.SchemaVersion, &fieldsJSON, &updatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query record %s/%s: %w", entityType, id, err)
	}

	rec.EntityType = entityType
	rec.ID = id
	if err := rec.UnmarshalFields([]byte(fieldsJSON)); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at for %s/%s: %w", entityType, id, err)
	}
	if deletedAt.Valid {
		t, err := decodeTime(deletedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse deleted_at for %s/%s: %w", entityType, id, err)
		}
		rec.DeletedAt = &t
	}

	return &rec, nil
}

// PutRecord inserts or replaces the local copy of a record.
func (db *DB) PutRecord(ctx context.Context, rec *schema.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("cannot store invalid record: %w", err)
	}

	fieldsJSON, err := rec.MarshalFields()
	if err != nil {
		return err
	}

	var deletedAt any
	if rec.DeletedAt != nil {
		deletedAt = encodeTime(*rec.DeletedAt)
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO records (entity_type, id, version, schema_version, fields, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, id) DO UPDATE SET
			version = excluded.version,
			schema_version = excluded.schema_version,
			fields = excluded.fields,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at`,
		string(rec.EntityType), rec.ID, rec.Version, rec.SchemaVersion,
		string(fieldsJSON), encodeTime(rec.UpdatedAt), deletedAt)
	if err != nil {
		return fmt.Errorf("failed to store record %s/%s: %w", rec.EntityType, rec.ID, err)
	}

	return nil
}

// DeleteRecord soft-deletes the local copy of a record. The row stays so
// that the deletion itself can be synchronized and audited.
func (db *DB) DeleteRecord(ctx context.Context, entityType schema.EntityType, id string, at time.Time) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE records SET deleted_at = ?, updated_at = ?
		WHERE entity_type = ? AND id = ? AND deleted_at IS NULL`,
		encodeTime(at), encodeTime(at), string(entityType), id)
	if err != nil {
		return fmt.Errorf("failed to delete record %s/%s: %w", entityType, id, err)
	}
	return nil
}

// SetRecordVersion updates only the version counter of a record, used when
// the server acknowledges an applied operation.
func (db *DB) SetRecordVersion(ctx context.Context, entityType schema.EntityType, id string, version int64) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE records SET version = ? WHERE entity_type = ? AND id = ?`,
		version, string(entityType), id)
	if err != nil {
		return fmt.Errorf("failed to set version for %s/%s: %w", entityType, id, err)
	}
	return nil
}

// ListRecordIDs returns the IDs of all non-deleted records of one
// entity type. Used by the watch daemon's startup scan to notice files
// removed while it was not running.
func (db *DB) ListRecordIDs(ctx context.Context, entityType schema.EntityType) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id FROM records
		WHERE entity_type = ? AND deleted_at IS NULL
		ORDER BY id`, string(entityType))
	if err != nil {
		return nil, fmt.Errorf("failed to list records for %s: %w", entityType, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan record id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list records for %s: %w", entityType, err)
	}
	return ids, nil
}

// RecordCount returns the number of non-deleted records.
func (db *DB) RecordCount(ctx context.Context) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE deleted_at IS NULL`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

// PullCursor returns the persisted pull cursor (empty string if never set).
func (db *DB) PullCursor(ctx context.Context) (string, error) {
	var cursor string
	err := db.conn.QueryRowContext(ctx,
		`SELECT pull_cursor FROM sync_state WHERE id = 1`).Scan(&cursor)
	if err != nil {
		return "", fmt.Errorf("failed to read pull cursor: %w", err)
	}
	return cursor, nil
}

// SetPullCursor persists the pull cursor.
func (db *DB) SetPullCursor(ctx context.Context, cursor string) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE sync_state SET pull_cursor = ? WHERE id = 1`, cursor)
	if err != nil {
		return fmt.Errorf("failed to store pull cursor: %w", err)
	}
	return nil
}

// LastSyncSuccess returns when the last successful sync round-trip
// completed, or the zero time if no sync has ever succeeded.
func (db *DB) LastSyncSuccess(ctx context.Context) (time.Time, error) {
	var raw sql.NullString
	err := db.conn.QueryRowContext(ctx,
		`SELECT last_success_at FROM sync_state WHERE id = 1`).Scan(&raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last sync success: %w", err)
	}
	if !raw.Valid {
		return time.Time{}, nil
	}
	return decodeTime(raw.String)
}

// SetLastSyncSuccess records a successful sync round-trip.
func (db *DB) SetLastSyncSuccess(ctx context.Context, at time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE sync_state SET last_success_at = ? WHERE id = 1`, encodeTime(at))
	if err != nil {
		return fmt.Errorf("failed to store last sync success: %w", err)
	}
	return nil
}

// ReminderDismissedAt returns when the long-offline reminder was last
// dismissed, or the zero time if never.
func (db *DB) ReminderDismissedAt(ctx context.Context) (time.Time, error) {
	var raw sql.NullString
	err := db.conn.QueryRowContext(ctx,
		`SELECT reminder_dismissed_at FROM sync_state WHERE id = 1`).Scan(&raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read reminder dismissal: %w", err)
	}
	if !raw.Valid {
		return time.Time{}, nil
	}
	return decodeTime(raw.String)
}

// DismissReminder records a dismissal of the long-offline reminder.
func (db *DB) DismissReminder(ctx context.Context, at time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE sync_state SET reminder_dismissed_at = ? WHERE id = 1`, encodeTime(at))
	if err != nil {
		return fmt.Errorf("failed to store reminder dismissal: %w", err)
	}
	return nil
}
