package conflict

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cdurbin/inkwell/internal/schema"
)

// PolicyTable declares the merge class of every column of one entity
// type. Tables are derived from the schema registry and optionally
// overridden from a YAML file, then shared read-only.
type PolicyTable struct {
	Entity  schema.EntityType
	Columns map[string]schema.ColumnClass
}

// ClassOf returns the merge class for a column. Columns absent from the
// table default to content-class (per-column latest-wins), the safest
// degradation for a schema mismatch.
func (t PolicyTable) ClassOf(column string) schema.ColumnClass {
	if class, ok := t.Columns[column]; ok {
		return class
	}
	return schema.ColumnContent
}

// DefaultPolicyTable builds the policy table for an entity type from the
// schema registry.
func DefaultPolicyTable(entity schema.EntityType) (PolicyTable, error) {
	es, err := schema.SchemaFor(entity)
	if err != nil {
		return PolicyTable{}, err
	}
	columns := make(map[string]schema.ColumnClass, len(es.Columns))
	for name, class := range es.Columns {
		columns[name] = class
	}
	return PolicyTable{Entity: entity, Columns: columns}, nil
}

// overridesFile is the YAML shape of a policy override file:
//
//	todo:
//	  priority: system
//	capture:
//	  transcript: content
type overridesFile map[string]map[string]string

// LoadPolicyOverrides reads a YAML file of per-entity column class
// overrides and returns the resulting policy tables for all entity
// types. Unknown entity types, columns, or classes are rejected rather
// than silently ignored.
func LoadPolicyOverrides(path string) (map[schema.EntityType]PolicyTable, error) {
	tables := make(map[schema.EntityType]PolicyTable)
	for _, t := range schema.EntityTypes() {
		table, err := DefaultPolicyTable(t)
		if err != nil {
			return nil, err
		}
		tables[t] = table
	}

	if path == "" {
		return tables, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return tables, nil
		}
		return nil, fmt.Errorf("failed to read policy overrides %s: %w", path, err)
	}

	var overrides overridesFile
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse policy overrides %s: %w", path, err)
	}

	for entity, columns := range overrides {
		table, ok := tables[schema.EntityType(entity)]
		if !ok {
			return nil, fmt.Errorf("policy overrides: unknown entity type %q", entity)
		}
		for column, class := range columns {
			if _, ok := table.Columns[column]; !ok {
				return nil, fmt.Errorf("policy overrides: unknown column %q for entity %q", column, entity)
			}
			cc := schema.ColumnClass(class)
			if !schema.ValidClass(cc) {
				return nil, fmt.Errorf("policy overrides: unknown column class %q for %s.%s", class, entity, column)
			}
			table.Columns[column] = cc
		}
	}

	return tables, nil
}
