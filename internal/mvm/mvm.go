// Package mvm implements a multi-versioned map: an in-memory key-value map
// whose mutations are tagged with a log sequence number and can be undone
// back to any earlier LSN, as long as that LSN has not been checkpointed
// away. The ledger core uses one Map per piece of state that needs to
// survive a micro-block rollback (the block index, the UTXO set, the
// running balance, escrow, election results, epoch activity).
package mvm

import "fmt"

// LSN (log sequence number) totally orders every block ever applied.
// Micro-blocks occupy Offset values below the sentinel; a macro-block
// always carries Offset == Sentinel, so it sorts after every micro-block in
// its epoch.
type LSN struct {
	Epoch  uint64
	Offset uint32
}

// Sentinel is the offset reserved for macro-blocks: the largest possible
// uint32, guaranteeing a macro-block's LSN sorts last within its epoch.
const Sentinel uint32 = 0xFFFFFFFF

// Less reports whether a sorts strictly before b.
func (a LSN) Less(b LSN) bool {
	if a.Epoch != b.Epoch {
		return a.Epoch < b.Epoch
	}
	return a.Offset < b.Offset
}

// LessEqual reports whether a sorts at or before b.
func (a LSN) LessEqual(b LSN) bool {
	return a == b || a.Less(b)
}

func (a LSN) String() string {
	return fmt.Sprintf("(%d,%d)", a.Epoch, a.Offset)
}

// undoEntry records how to reverse one mutation at a given LSN.
type undoEntry[K comparable, V any] struct {
	lsn      LSN
	key      K
	hadValue bool
	prior    V
}

// Map is a generic multi-versioned map. The zero value is not usable; build
// one with New.
type Map[K comparable, V any] struct {
	live       map[K]V
	undo       []undoEntry[K, V]
	currentLSN LSN
	checkpoint LSN // lowest LSN still reachable by rollback
	hasEntries bool
}

// New returns an empty Map with current_lsn at the zero LSN.
func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{live: make(map[K]V)}
}

// CurrentLSN returns the highest LSN observed by any Insert/Remove so far.
func (m *Map[K, V]) CurrentLSN() LSN { return m.currentLSN }

// assertMonotonic panics if lsn would move current_lsn backwards. Multiple
// mutations at the same LSN are allowed; anything strictly earlier than an
// already-observed LSN is a programmer error.
func (m *Map[K, V]) assertMonotonic(lsn LSN) {
	if m.hasEntries && lsn.Less(m.currentLSN) {
		panic(fmt.Sprintf("mvm: non-monotonic insert at %s, current_lsn is %s", lsn, m.currentLSN))
	}
}

func (m *Map[K, V]) advance(lsn LSN) {
	if !m.hasEntries || m.currentLSN.Less(lsn) {
		m.currentLSN = lsn
	}
	m.hasEntries = true
}

// Insert records the prior binding of k (if any) in the undo log, binds
// k -> v, and advances current_lsn to max(current_lsn, lsn). Panics if lsn
// is strictly less than current_lsn.
func (m *Map[K, V]) Insert(lsn LSN, k K, v V) {
	m.assertMonotonic(lsn)
	prior, had := m.live[k]
	m.undo = append(m.undo, undoEntry[K, V]{lsn: lsn, key: k, hadValue: had, prior: prior})
	m.live[k] = v
	m.advance(lsn)
}

// Remove records the prior binding of k in the undo log and deletes it.
// Removing a key that is not present is a no-op but still advances
// current_lsn and is still recorded, so rollback restores "absent" exactly.
func (m *Map[K, V]) Remove(lsn LSN, k K) {
	m.assertMonotonic(lsn)
	prior, had := m.live[k]
	m.undo = append(m.undo, undoEntry[K, V]{lsn: lsn, key: k, hadValue: had, prior: prior})
	delete(m.live, k)
	m.advance(lsn)
}

// Get returns the current binding of k, if any.
func (m *Map[K, V]) Get(k K) (V, bool) {
	v, ok := m.live[k]
	return v, ok
}

// Keys returns a snapshot of the currently live keys. Order is unspecified.
func (m *Map[K, V]) Keys() []K {
	keys := make([]K, 0, len(m.live))
	for k := range m.live {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of currently live entries.
func (m *Map[K, V]) Len() int { return len(m.live) }

// Inner returns the live map directly. Callers must not mutate it; it is
// exposed read-only for iteration that a copy would make needlessly costly.
func (m *Map[K, V]) Inner() map[K]V { return m.live }

// Checkpoint discards every undo entry at or before current_lsn, and moves
// the rollback floor there. After this, RollbackToLSN to anything strictly
// before the checkpoint LSN panics; rolling back to the checkpoint LSN itself
// is allowed.
func (m *Map[K, V]) Checkpoint() {
	kept := m.undo[:0]
	for _, e := range m.undo {
		if m.currentLSN.Less(e.lsn) {
			kept = append(kept, e)
		}
	}
	m.undo = kept
	m.checkpoint = m.currentLSN
}

// RollbackToLSN replays undo entries in reverse (last-in-first-out) until
// current_lsn <= target. Panics if target is strictly before the last
// checkpoint, since the entries needed to get there have been discarded.
func (m *Map[K, V]) RollbackToLSN(target LSN) {
	if target.Less(m.checkpoint) {
		panic(fmt.Sprintf("mvm: rollback target %s is before checkpoint %s", target, m.checkpoint))
	}
	for len(m.undo) > 0 && target.Less(m.undo[len(m.undo)-1].lsn) {
		last := m.undo[len(m.undo)-1]
		m.undo = m.undo[:len(m.undo)-1]
		if last.hadValue {
			m.live[last.key] = last.prior
		} else {
			delete(m.live, last.key)
		}
	}
	m.currentLSN = target
	m.hasEntries = true
}

// Clone produces an independent copy sharing no mutable state, used for
// transient rollback lookups that must never affect the live map.
func (m *Map[K, V]) Clone() *Map[K, V] {
	liveCopy := make(map[K]V, len(m.live))
	for k, v := range m.live {
		liveCopy[k] = v
	}
	undoCopy := make([]undoEntry[K, V], len(m.undo))
	copy(undoCopy, m.undo)
	return &Map[K, V]{
		live:       liveCopy,
		undo:       undoCopy,
		currentLSN: m.currentLSN,
		checkpoint: m.checkpoint,
		hasEntries: m.hasEntries,
	}
}
