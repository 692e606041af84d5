// Package schema defines the domain record model for inkwell notes.
//
// Every note is a Record: a flat set of named columns, each carrying its
// own last-modified timestamp. The per-column timestamps are what make
// column-level merging possible - two writers can touch different columns
// of the same record and both edits survive reconciliation.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// EntityType identifies which kind of note a record is.
type EntityType string

const (
	// EntityCapture is a raw captured note, possibly awaiting transcription.
	EntityCapture EntityType = "capture"

	// EntityThought is a free-form written note.
	EntityThought EntityType = "thought"

	// EntityIdea is a refined note promoted from a capture or thought.
	EntityIdea EntityType = "idea"

	// EntityTodo is an actionable note with scheduling columns.
	EntityTodo EntityType = "todo"
)

// EntityTypes lists all known entity types in stable order.
func EntityTypes() []EntityType {
	return []EntityType{EntityCapture, EntityThought, EntityIdea, EntityTodo}
}

// ValidEntityType reports whether t names a known entity type.
func ValidEntityType(t EntityType) bool {
	switch t {
	case EntityCapture, EntityThought, EntityIdea, EntityTodo:
		return true
	}
	return false
}

// Field holds one column value together with the time it was last modified.
//
// Scalar columns use Value; collection columns (tags and the like) use Set.
// A Field never uses both.
type Field struct {
	Value     string    `json:"value,omitempty"`
	Set       []string  `json:"set,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the field.
func (f Field) Clone() Field {
	out := Field{Value: f.Value, UpdatedAt: f.UpdatedAt}
	if f.Set != nil {
		out.Set = append([]string(nil), f.Set...)
	}
	return out
}

// Payload is the set of columns changed by a single local mutation,
// keyed by column name.
type Payload map[string]Field

// Columns returns the payload's column names in sorted order.
func (p Payload) Columns() []string {
	cols := make([]string, 0, len(p))
	for name := range p {
		cols = append(cols, name)
	}
	sort.Strings(cols)
	return cols
}

// Clone returns a deep copy of the payload.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for name, f := range p {
		out[name] = f.Clone()
	}
	return out
}

// Merge overlays other onto p, column by column. Columns present in both
// take other's value. The receiver is modified in place.
func (p Payload) Merge(other Payload) {
	for name, f := range other {
		p[name] = f.Clone()
	}
}

// Record is one note as stored locally and exchanged with the server.
//
// Version is a monotonic counter owned by the server; the client never
// invents versions, it only records the version it observed (the baseline)
// when queuing an edit. Records are soft-deleted via DeletedAt so that a
// deletion can still be synchronized and audited.
type Record struct {
	EntityType    EntityType       `json:"entity_type"`
	ID            string           `json:"id"`
	Version       int64            `json:"version"`
	SchemaVersion int              `json:"schema_version"`
	Fields        map[string]Field `json:"fields"`
	UpdatedAt     time.Time        `json:"updated_at"`
	DeletedAt     *time.Time       `json:"deleted_at,omitempty"`
}

// NewRecord creates an empty record of the given entity type.
// The schema version is taken from the entity's registered schema.
func NewRecord(entityType EntityType, id string) (*Record, error) {
	es, err := SchemaFor(entityType)
	if err != nil {
		return nil, err
	}
	return &Record{
		EntityType:    entityType,
		ID:            id,
		SchemaVersion: es.SchemaVersion,
		Fields:        make(map[string]Field),
	}, nil
}

// Validate checks that the record is well formed and that every field
// belongs to the entity's registered schema.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	es, err := SchemaFor(r.EntityType)
	if err != nil {
		return err
	}
	for name := range r.Fields {
		if _, ok := es.Columns[name]; !ok {
			return fmt.Errorf("unknown column %q for entity type %q", name, r.EntityType)
		}
	}
	return nil
}

// SetField sets a scalar column value with the given modification time
// and advances the record's UpdatedAt if needed.
func (r *Record) SetField(name, value string, at time.Time) {
	if r.Fields == nil {
		r.Fields = make(map[string]Field)
	}
	r.Fields[name] = Field{Value: value, UpdatedAt: at}
	if at.After(r.UpdatedAt) {
		r.UpdatedAt = at
	}
}

// SetFieldSet sets a collection column value with the given modification
// time and advances the record's UpdatedAt if needed.
func (r *Record) SetFieldSet(name string, values []string, at time.Time) {
	if r.Fields == nil {
		r.Fields = make(map[string]Field)
	}
	sorted := append([]string(nil), values...)
	sort.Strings(sorted)
	r.Fields[name] = Field{Set: sorted, UpdatedAt: at}
	if at.After(r.UpdatedAt) {
		r.UpdatedAt = at
	}
}

// Field returns the named column and whether it is present.
func (r *Record) Field(name string) (Field, bool) {
	f, ok := r.Fields[name]
	return f, ok
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	out := &Record{
		EntityType:    r.EntityType,
		ID:            r.ID,
		Version:       r.Version,
		SchemaVersion: r.SchemaVersion,
		Fields:        make(map[string]Field, len(r.Fields)),
		UpdatedAt:     r.UpdatedAt,
	}
	for name, f := range r.Fields {
		out.Fields[name] = f.Clone()
	}
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		out.DeletedAt = &t
	}
	return out
}

// Deleted reports whether the record carries a soft-delete marker.
func (r *Record) Deleted() bool {
	return r.DeletedAt != nil
}

// ApplyPayload overlays a payload of changed columns onto the record.
func (r *Record) ApplyPayload(p Payload) {
	if r.Fields == nil {
		r.Fields = make(map[string]Field, len(p))
	}
	for name, f := range p {
		r.Fields[name] = f.Clone()
		if f.UpdatedAt.After(r.UpdatedAt) {
			r.UpdatedAt = f.UpdatedAt
		}
	}
}

// ChangedColumns returns the columns whose values or timestamps differ
// from the other record. A column missing on either side counts as changed.
func (r *Record) ChangedColumns(other *Record) []string {
	var cols []string
	seen := make(map[string]bool)
	for name, f := range r.Fields {
		of, ok := other.Fields[name]
		if !ok || !fieldsEqual(f, of) {
			cols = append(cols, name)
		}
		seen[name] = true
	}
	for name := range other.Fields {
		if !seen[name] {
			cols = append(cols, name)
		}
	}
	sort.Strings(cols)
	return cols
}

func fieldsEqual(a, b Field) bool {
	if a.Value != b.Value || !a.UpdatedAt.Equal(b.UpdatedAt) {
		return false
	}
	if len(a.Set) != len(b.Set) {
		return false
	}
	for i := range a.Set {
		if a.Set[i] != b.Set[i] {
			return false
		}
	}
	return true
}

// MarshalFields serializes the record's field map to JSON for storage.
func (r *Record) MarshalFields() ([]byte, error) {
	data, err := json.Marshal(r.Fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fields for %s/%s: %w", r.EntityType, r.ID, err)
	}
	return data, nil
}

// UnmarshalFields replaces the record's field map from stored JSON.
func (r *Record) UnmarshalFields(data []byte) error {
	fields := make(map[string]Field)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &fields); err != nil {
			return fmt.Errorf("failed to unmarshal fields for %s/%s: %w", r.EntityType, r.ID, err)
		}
	}
	r.Fields = fields
	return nil
}
