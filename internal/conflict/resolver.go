package conflict

import (
	"fmt"
	"sort"
	"time"

	"github.com/cdurbin/inkwell/internal/schema"
)

// Resolution strategies recorded in the audit log.
const (
	// StrategyPerColumnHybrid is the column-level merge applied to
	// update/update conflicts.
	StrategyPerColumnHybrid = "per-column-hybrid"

	// StrategyDeleteWins records that a server-side deletion overrode a
	// pending local update.
	StrategyDeleteWins = "delete-wins"

	// StrategyUpdateWins records that a pending local update resurrected
	// a server-side deleted record.
	StrategyUpdateWins = "update-wins"
)

// DeletePolicy decides delete-vs-concurrent-update conflicts. This is an
// explicit configuration knob, not a hidden default.
type DeletePolicy string

const (
	DeleteWins DeletePolicy = "delete-wins"
	UpdateWins DeletePolicy = "update-wins"
)

// ValidDeletePolicy reports whether p is a known delete policy.
func ValidDeletePolicy(p DeletePolicy) bool {
	return p == DeleteWins || p == UpdateWins
}

// Resolution is the outcome of a merge: the single resolved record plus
// the strategy name for the audit trail.
type Resolution struct {
	Record   *schema.Record
	Strategy string
}

// Resolve merges a diverged server/client record pair into a single
// deterministic result.
//
// Resolve is a pure function of its inputs: calling it twice with
// identical arguments yields an identical resolved record, which keeps
// resolution idempotent if any step of the sync cycle is replayed. In
// particular the resolved record's timestamps are derived from the
// inputs, never from the wall clock.
//
// Each column is merged independently according to its declared class:
//
//	system     -> server value unconditionally
//	immutable  -> the original (earlier-written) value, never overwritten
//	content    -> later per-column timestamp wins; exact ties go to the
//	              server so replays cannot flip the outcome
//	collection -> set union of both sides
//
// The resolved record's version is bumped strictly beyond both inputs so
// the next sync cycle cannot re-detect the same conflict.
func Resolve(server, client *schema.Record, table PolicyTable) (*Resolution, error) {
	if server == nil || client == nil {
		return nil, fmt.Errorf("resolve requires both server and client records")
	}
	if server.EntityType != client.EntityType || server.ID != client.ID {
		return nil, fmt.Errorf("cannot resolve mismatched records %s/%s vs %s/%s",
			server.EntityType, server.ID, client.EntityType, client.ID)
	}

	resolved := &schema.Record{
		EntityType:    server.EntityType,
		ID:            server.ID,
		Version:       maxInt64(server.Version, client.Version) + 1,
		SchemaVersion: maxInt(server.SchemaVersion, client.SchemaVersion),
		Fields:        make(map[string]schema.Field),
		UpdatedAt:     laterTime(server.UpdatedAt, client.UpdatedAt),
	}

	for _, name := range unionColumns(server, client) {
		sf, sok := server.Fields[name]
		cf, cok := client.Fields[name]

		switch {
		case sok && !cok:
			resolved.Fields[name] = sf.Clone()
			continue
		case cok && !sok:
			resolved.Fields[name] = cf.Clone()
			continue
		}

		switch table.ClassOf(name) {
		case schema.ColumnSystem:
			resolved.Fields[name] = sf.Clone()
		case schema.ColumnImmutable:
			// Keep whichever value was written first.
			if cf.UpdatedAt.Before(sf.UpdatedAt) {
				resolved.Fields[name] = cf.Clone()
			} else {
				resolved.Fields[name] = sf.Clone()
			}
		case schema.ColumnCollection:
			resolved.Fields[name] = unionField(sf, cf)
		default: // content: latest-updatedAt-wins per column, ties to server
			if cf.UpdatedAt.After(sf.UpdatedAt) {
				resolved.Fields[name] = cf.Clone()
			} else {
				resolved.Fields[name] = sf.Clone()
			}
		}
	}

	return &Resolution{Record: resolved, Strategy: StrategyPerColumnHybrid}, nil
}

// ResolveDelete decides a delete-vs-update conflict according to the
// configured policy. server may be nil (record already gone server-side)
// or a tombstoned record; client is the local record carrying the pending
// update.
//
// Like Resolve, this is deterministic: deletedAt for the delete-wins case
// comes from the server tombstone when available, otherwise from the
// client record's own last-modified time.
func ResolveDelete(server, client *schema.Record, policy DeletePolicy) (*Resolution, error) {
	if client == nil {
		return nil, fmt.Errorf("resolve delete requires the client record")
	}

	serverVersion := int64(0)
	if server != nil {
		serverVersion = server.Version
	}
	version := maxInt64(serverVersion, client.Version) + 1

	switch policy {
	case UpdateWins:
		resolved := client.Clone()
		resolved.Version = version
		resolved.DeletedAt = nil
		return &Resolution{Record: resolved, Strategy: StrategyUpdateWins}, nil
	case DeleteWins, "":
		resolved := client.Clone()
		resolved.Version = version
		var deletedAt time.Time
		if server != nil && server.DeletedAt != nil {
			deletedAt = *server.DeletedAt
		} else {
			deletedAt = resolved.UpdatedAt
		}
		resolved.DeletedAt = &deletedAt
		return &Resolution{Record: resolved, Strategy: StrategyDeleteWins}, nil
	default:
		return nil, fmt.Errorf("unknown delete policy %q", policy)
	}
}

func unionColumns(a, b *schema.Record) []string {
	seen := make(map[string]bool, len(a.Fields)+len(b.Fields))
	var cols []string
	for name := range a.Fields {
		if !seen[name] {
			seen[name] = true
			cols = append(cols, name)
		}
	}
	for name := range b.Fields {
		if !seen[name] {
			seen[name] = true
			cols = append(cols, name)
		}
	}
	sort.Strings(cols)
	return cols
}

// unionField merges two collection fields via sorted set union.
func unionField(a, b schema.Field) schema.Field {
	seen := make(map[string]bool, len(a.Set)+len(b.Set))
	var members []string
	for _, s := range a.Set {
		if !seen[s] {
			seen[s] = true
			members = append(members, s)
		}
	}
	for _, s := range b.Set {
		if !seen[s] {
			seen[s] = true
			members = append(members, s)
		}
	}
	sort.Strings(members)
	return schema.Field{Set: members, UpdatedAt: laterTime(a.UpdatedAt, b.UpdatedAt)}
}

func laterTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
