package schema

import (
	"fmt"
	"sort"
)

// ColumnClass determines how a column is merged when client and server
// have diverged. The class is declared per column in the entity schema,
// not chosen at merge time.
type ColumnClass string

const (
	// ColumnSystem columns are owned by the server pipeline (lifecycle
	// state, processing status). The server value always wins.
	ColumnSystem ColumnClass = "system"

	// ColumnImmutable columns are written once at creation and never
	// overwritten (creation timestamp, owner).
	ColumnImmutable ColumnClass = "immutable"

	// ColumnContent columns carry user content. The side with the later
	// per-column timestamp wins, decided independently for each column.
	ColumnContent ColumnClass = "content"

	// ColumnCollection columns are sets (tags). Both sides' members are
	// kept via set union.
	ColumnCollection ColumnClass = "collection"
)

// ValidClass reports whether c is a known column class.
func ValidClass(c ColumnClass) bool {
	switch c {
	case ColumnSystem, ColumnImmutable, ColumnContent, ColumnCollection:
		return true
	}
	return false
}

// EntitySchema declares the columns of one entity type and their merge
// classes. SchemaVersion is bumped whenever columns are added or
// reclassified, so audit entries can name the schema they were resolved
// under.
type EntitySchema struct {
	Type          EntityType
	SchemaVersion int
	Columns       map[string]ColumnClass
}

// ColumnNames returns the schema's column names in sorted order.
func (es EntitySchema) ColumnNames() []string {
	names := make([]string, 0, len(es.Columns))
	for name := range es.Columns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// baseColumns are shared by every entity type.
func baseColumns() map[string]ColumnClass {
	return map[string]ColumnClass{
		"owner_id":   ColumnImmutable,
		"created_at": ColumnImmutable,
		"title":      ColumnContent,
		"body":       ColumnContent,
		"tags":       ColumnCollection,
	}
}

var registry = buildRegistry()

func buildRegistry() map[EntityType]EntitySchema {
	capture := baseColumns()
	capture["audio_ref"] = ColumnImmutable
	capture["transcript"] = ColumnContent
	capture["transcription_state"] = ColumnSystem

	thought := baseColumns()

	idea := baseColumns()
	idea["source_id"] = ColumnImmutable
	idea["summary"] = ColumnContent

	todo := baseColumns()
	todo["due_at"] = ColumnContent
	todo["priority"] = ColumnContent
	todo["workflow_state"] = ColumnSystem

	return map[EntityType]EntitySchema{
		EntityCapture: {Type: EntityCapture, SchemaVersion: 1, Columns: capture},
		EntityThought: {Type: EntityThought, SchemaVersion: 1, Columns: thought},
		EntityIdea:    {Type: EntityIdea, SchemaVersion: 1, Columns: idea},
		EntityTodo:    {Type: EntityTodo, SchemaVersion: 1, Columns: todo},
	}
}

// SchemaFor returns the registered schema for the given entity type.
func SchemaFor(t EntityType) (EntitySchema, error) {
	es, ok := registry[t]
	if !ok {
		return EntitySchema{}, fmt.Errorf("unknown entity type %q", t)
	}
	return es, nil
}

// ClassOf returns the merge class of a column for the given entity type.
// Unknown columns default to ColumnContent so that a schema mismatch
// degrades to per-column latest-wins rather than data loss.
func ClassOf(t EntityType, column string) ColumnClass {
	es, ok := registry[t]
	if !ok {
		return ColumnContent
	}
	class, ok := es.Columns[column]
	if !ok {
		return ColumnContent
	}
	return class
}
