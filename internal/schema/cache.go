// Package schema tracks the column layout announced for each relation id by
// the source's pgoutput stream, and classifies how a re-announcement differs
// from what was cached before.
package schema

import (
	"sync"

	"github.com/dbmazz/dbmazz/internal/errs"
	"github.com/dbmazz/dbmazz/internal/pgoutput"
)

// Delta describes how a relation's column set changed between two
// Relation announcements for the same RelationID.
type Delta struct {
	RelationID uint32
	Added      []pgoutput.Column
}

// Cache maps a relation id to the most recently announced Relation. pgoutput
// re-announces a Relation whenever a table's column set changes mid-stream,
// so every read takes a fresh snapshot under lock rather than caching a
// pointer across calls.
type Cache struct {
	mu        sync.RWMutex
	relations map[uint32]pgoutput.Relation
}

// NewCache returns an empty schema cache.
func NewCache() *Cache {
	return &Cache{relations: make(map[uint32]pgoutput.Relation)}
}

// Get returns the cached Relation for id, if one has been announced.
func (c *Cache) Get(id uint32) (pgoutput.Relation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rel, ok := c.relations[id]
	return rel, ok
}

// Apply records a freshly decoded Relation announcement. On first sight of a
// relation id it is simply cached. On a re-announcement it is compared
// against the previous column set:
//
//   - columns added at the end (or anywhere, by name) with no removal or
//     retype of an existing column yield a non-nil *Delta the caller should
//     propagate to the sink as an ADD COLUMN.
//   - a column removed, renamed, or changed in type OID is rejected with a
//     KindSchemaIncompatible error; the engine has no safe way to reconcile
//     already-flushed rows against a narrower or retyped schema.
//
// Apply copies the Relation's Columns slice (and, transitively, each
// Column's string fields, already independent of the decoder's input
// buffer) so the cached entry outlives the WAL frame it was decoded from.
func (c *Cache) Apply(rel pgoutput.Relation) (*Delta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp := copyRelation(rel)

	prev, ok := c.relations[rel.RelationID]
	if !ok {
		c.relations[rel.RelationID] = cp
		return nil, nil
	}

	prevByName := make(map[string]pgoutput.Column, len(prev.Columns))
	for _, col := range prev.Columns {
		prevByName[col.Name] = col
	}

	var added []pgoutput.Column
	seen := make(map[string]bool, len(cp.Columns))
	for _, col := range cp.Columns {
		seen[col.Name] = true
		old, existed := prevByName[col.Name]
		if !existed {
			added = append(added, col)
			continue
		}
		if old.TypeOID != col.TypeOID {
			return nil, errs.New(errs.KindSchemaIncompatible,
				"column type changed").WithTable(rel.Name).WithColumn(col.Name)
		}
	}

	for name := range prevByName {
		if !seen[name] {
			return nil, errs.New(errs.KindSchemaIncompatible,
				"column removed").WithTable(rel.Name).WithColumn(name)
		}
	}

	c.relations[rel.RelationID] = cp

	if len(added) == 0 {
		return nil, nil
	}
	return &Delta{RelationID: rel.RelationID, Added: added}, nil
}

func copyRelation(rel pgoutput.Relation) pgoutput.Relation {
	cols := make([]pgoutput.Column, len(rel.Columns))
	copy(cols, rel.Columns)
	rel.Columns = cols
	return rel
}
