package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Records are kept on disk as one JSON file per record, grouped into one
// subdirectory per entity type:
//
//	notes/capture/<id>.json
//	notes/thought/<id>.json
//	notes/idea/<id>.json
//	notes/todo/<id>.json
//
// The capture UI writes these files; the watch daemon reads them and feeds
// the outbox.

// Filename returns the canonical filename for this record: {id}.json
func (r *Record) Filename() string {
	return fmt.Sprintf("%s.json", r.ID)
}

// EntityDir returns the subdirectory for an entity type under notesDir.
func EntityDir(notesDir string, t EntityType) string {
	return filepath.Join(notesDir, string(t))
}

// ReadRecordFile reads and parses a record JSON file from the given path.
// Returns the parsed Record or an error if reading/parsing fails.
func ReadRecordFile(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read record file %s: %w", path, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse record file %s: %w", path, err)
	}

	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid record file %s: %w", path, err)
	}

	return &rec, nil
}

// WriteRecordFile writes a Record to disk as pretty-printed JSON under the
// entity's subdirectory of notesDir.
func WriteRecordFile(notesDir string, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("cannot write invalid record: %w", err)
	}

	dir := EntityDir(notesDir, rec.EntityType)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create records directory: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", rec.ID, err)
	}

	path := filepath.Join(dir, rec.Filename())
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write record file %s: %w", path, err)
	}

	return nil
}

// ReadAllRecordFiles reads all record files for one entity type.
// Invalid files are skipped with a warning to stderr so that a single
// corrupt note cannot wedge the sync pipeline.
func ReadAllRecordFiles(notesDir string, t EntityType) ([]*Record, error) {
	dir := EntityDir(notesDir, t)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Record{}, nil // Missing directory is valid
		}
		return nil, fmt.Errorf("failed to read records directory: %w", err)
	}

	var records []*Record
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		rec, err := ReadRecordFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping invalid record file %s: %v\n", entry.Name(), err)
			continue
		}
		if rec.EntityType != t {
			fmt.Fprintf(os.Stderr, "Warning: record %s declares entity type %q but lives under %q, skipping\n",
				entry.Name(), rec.EntityType, t)
			continue
		}

		records = append(records, rec)
	}

	return records, nil
}

// RecordPathInfo extracts the entity type and record ID from a file path
// under notesDir. Returns an error if the path is not a record file.
func RecordPathInfo(notesDir, path string) (EntityType, string, error) {
	rel, err := filepath.Rel(notesDir, path)
	if err != nil {
		return "", "", fmt.Errorf("path %s is not under notes directory: %w", path, err)
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 2 || !strings.HasSuffix(parts[1], ".json") {
		return "", "", fmt.Errorf("path %s is not a record file", path)
	}

	t := EntityType(parts[0])
	if _, err := SchemaFor(t); err != nil {
		return "", "", err
	}

	id := strings.TrimSuffix(parts[1], ".json")
	if id == "" {
		return "", "", fmt.Errorf("path %s has empty record id", path)
	}

	return t, id, nil
}
