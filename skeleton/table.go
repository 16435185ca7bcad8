package skeleton

import (
	"dirmi/info"
	"dirmi/wire"
)

// DispatchEntry is the precomputed dispatch state for one remote method:
// its identifier, async flag, dense ordinal, and the parameter and return
// descriptors the invocation thunk decodes and encodes with.
type DispatchEntry struct {
	ID      wire.Identifier
	Async   bool
	Ordinal int

	method info.RemoteMethod
}

// MethodTable maps method identifiers to dispatch entries. Lookup is by the
// identifier's 32-bit hash with a linear rescan by equality over colliding
// entries. Immutable after construction.
type MethodTable struct {
	// entries is indexed by ordinal, assigned in hash-group iteration
	// order so two constructions from the same RemoteInfo agree.
	entries []DispatchEntry
	// byHash maps each distinct hash to the ordinals sharing it, in
	// definition order.
	byHash map[uint32][]int
}

// NewMethodTable builds the dispatch table for a RemoteInfo.
func NewMethodTable(ri *info.RemoteInfo) *MethodTable {
	// Group methods by hash, preserving definition order within a group
	// and first-appearance order across groups.
	var hashOrder []uint32
	groups := make(map[uint32][]info.RemoteMethod, len(ri.Methods))
	for _, m := range ri.Methods {
		h := m.ID.Hash()
		if _, ok := groups[h]; !ok {
			hashOrder = append(hashOrder, h)
		}
		groups[h] = append(groups[h], m)
	}

	t := &MethodTable{
		entries: make([]DispatchEntry, 0, len(ri.Methods)),
		byHash:  make(map[uint32][]int, len(hashOrder)),
	}
	ordinal := 0
	for _, h := range hashOrder {
		for _, m := range groups[h] {
			t.entries = append(t.entries, DispatchEntry{
				ID:      m.ID,
				Async:   m.Async,
				Ordinal: ordinal,
				method:  m,
			})
			t.byHash[h] = append(t.byHash[h], ordinal)
			ordinal++
		}
	}
	return t
}

// Len returns the number of dispatch entries, equal to the method count of
// the RemoteInfo the table was built from.
func (t *MethodTable) Len() int {
	return len(t.entries)
}

// Lookup resolves an identifier to its dispatch entry. Entries sharing the
// identifier's hash are rescanned linearly; equality is authoritative.
func (t *MethodTable) Lookup(id wire.Identifier) (*DispatchEntry, error) {
	for _, ordinal := range t.byHash[id.Hash()] {
		e := &t.entries[ordinal]
		if e.ID.Equals(id) {
			return e, nil
		}
	}
	return nil, &NoSuchMethodError{ID: id}
}

// Entry returns the dispatch entry at the given ordinal.
func (t *MethodTable) Entry(ordinal int) *DispatchEntry {
	return &t.entries[ordinal]
}
