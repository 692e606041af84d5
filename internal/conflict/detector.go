// Package conflict implements divergence detection and deterministic
// per-column-hybrid merging for records edited by two writers (device
// and server).
package conflict

import (
	"sort"

	"github.com/cdurbin/inkwell/internal/schema"
)

// Type classifies the outcome of divergence detection.
type Type string

const (
	// TypeNone means the server has not moved past the client's
	// baseline; there is nothing to merge.
	TypeNone Type = "none"

	// TypeDisjoint means both sides changed the record but touched
	// different columns. Both changes apply independently; the resolver
	// is not invoked and no audit entry is written.
	TypeDisjoint Type = "disjoint"

	// TypeUpdateUpdate means both sides changed at least one common
	// column. The resolver must produce a merged record.
	TypeUpdateUpdate Type = "update_update"

	// TypeDeleteUpdate means the record no longer exists (or is
	// tombstoned) on the server while a local update is pending. This
	// requires explicit resolution per the configured delete policy,
	// never a silent auto-merge.
	TypeDeleteUpdate Type = "delete_update"
)

// Detection is the result of comparing a pending local mutation against
// the server's current state of the same record.
type Detection struct {
	Type Type

	// ServerColumns is the set of columns the server modified since the
	// client's baseline version.
	ServerColumns []string

	// Overlap is the intersection of ServerColumns and the locally
	// changed column set. Non-empty only for TypeUpdateUpdate.
	Overlap []string
}

// Detect determines whether a pending local change and the server's
// current record have truly diverged.
//
// The rule: the server version must strictly exceed the client's baseline
// AND the server's modified column set must intersect the locally changed
// column set. Disjoint column sets auto-merge without the resolver. A
// missing or tombstoned server record while a local update is pending is
// a delete-vs-update conflict requiring explicit resolution.
//
// serverColumns is the server-reported set of columns it modified since
// baseVersion. If the server did not report one, it is derived from
// per-column timestamps: a column counts as server-modified when the
// server's copy is strictly newer than the client's.
func Detect(client *schema.Record, localColumns []string, baseVersion int64, server *schema.Record, serverColumns []string) Detection {
	if server == nil || server.Deleted() {
		return Detection{Type: TypeDeleteUpdate}
	}

	if server.Version <= baseVersion {
		return Detection{Type: TypeNone}
	}

	if serverColumns == nil {
		serverColumns = inferServerColumns(client, server)
	}

	overlap := intersect(serverColumns, localColumns)
	if len(overlap) == 0 {
		return Detection{Type: TypeDisjoint, ServerColumns: serverColumns}
	}
	return Detection{Type: TypeUpdateUpdate, ServerColumns: serverColumns, Overlap: overlap}
}

// inferServerColumns falls back to per-column timestamps when the server
// did not report its modified column set.
func inferServerColumns(client, server *schema.Record) []string {
	var cols []string
	for name, sf := range server.Fields {
		cf, ok := client.Fields[name]
		if !ok || sf.UpdatedAt.After(cf.UpdatedAt) {
			cols = append(cols, name)
		}
	}
	sort.Strings(cols)
	return cols
}

func intersect(a, b []string) []string {
	inA := make(map[string]bool, len(a))
	for _, s := range a {
		inA[s] = true
	}
	var out []string
	for _, s := range b {
		if inA[s] {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
