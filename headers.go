package edgehost

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

// HeaderID identifies a header name registered with a HeaderTable. IDs are
// allocated during startup and stay valid for the process lifetime.
type HeaderID int

// HeaderTable is the process-wide registry of HTTP header names used by
// rewriters and services. It is built through a HeaderTableBuilder during
// startup and frozen before the first connection is accepted; after the
// freeze it is read-only and safe to share without locking.
type HeaderTable struct {
	names  []string
	byName map[string]HeaderID
	frozen atomic.Bool
}

// Name returns the canonical header name for id.
func (t *HeaderTable) Name(id HeaderID) string {
	return t.names[id]
}

// Frozen reports whether the table has been frozen.
func (t *HeaderTable) Frozen() bool {
	return t.frozen.Load()
}

// HeaderTableBuilder allocates header IDs during startup. All rewriters and
// services register their headers through the builder; Build freezes the
// table exactly once, after which Add panics.
type HeaderTableBuilder struct {
	table *HeaderTable
}

// NewHeaderTableBuilder returns a builder with an empty table.
func NewHeaderTableBuilder() *HeaderTableBuilder {
	return &HeaderTableBuilder{table: &HeaderTable{byName: make(map[string]HeaderID)}}
}

// Add registers name and returns its ID. Names are deduplicated by their
// canonical form. Panics if the table is already frozen: every header must
// be registered before any request is processed.
func (b *HeaderTableBuilder) Add(name string) HeaderID {
	t := b.table
	if t.frozen.Load() {
		panic(fmt.Sprintf("header table is frozen; cannot add %q", name))
	}
	canonical := http.CanonicalHeaderKey(name)
	if id, ok := t.byName[canonical]; ok {
		return id
	}
	id := HeaderID(len(t.names))
	t.names = append(t.names, canonical)
	t.byName[canonical] = id
	return id
}

// FutureTable returns the table this builder is filling. The returned table
// is only safe to use for lookups after Build has been called; holding the
// pointer earlier lets construction-time code keep a reference that becomes
// valid at freeze, the same way the rewriters and the disk service do.
func (b *HeaderTableBuilder) FutureTable() *HeaderTable {
	return b.table
}

// Build freezes the table and returns it. Calling Build twice panics.
func (b *HeaderTableBuilder) Build() *HeaderTable {
	if !b.table.frozen.CompareAndSwap(false, true) {
		panic("header table already frozen")
	}
	return b.table
}
