// Package lockmap implements C3, the loading-page map (spec §4.3): a keyed
// lock table serializing concurrent load/allocate of the same tree slot.
// Exactly one caller holds the lock for a key at a time; every other
// caller for the same key waits on the holder's own waiter queue.
//
// Grounded directly on the teacher's hash-chained HashEntry/LatchSet table
// (latchmgr.go, bufmgr.go's hashTable/PinLatch/UnpinLatch): there, a page
// number hashes into a bucket and the first latch claims ownership while
// others chain behind it. This generalizes that shape from page-pin
// ownership to tree-slot lock ownership, and from a fixed hash-bucket
// array to a plain Go map since slot keys are sparse 64-bit descriptors
// rather than densely packed page numbers.
package lockmap

import "github.com/pkg/errors"

// Key packs a tree-slot descriptor (spec §3: "key (64-bit packed
// descriptor: root|height|pageIndex|slot)").
type Key uint64

// PackKey builds a Key from its four cyclic-tree coordinates the way the
// original packs root|height|pageIndex|slot into one 64-bit word.
func PackKey(root, height, pageIndex, slot uint16) Key {
	return Key(uint64(root)<<48 | uint64(height)<<40 | uint64(pageIndex)<<16 | uint64(slot))
}

// Holder is the caller-supplied lock record. Waiters is the FIFO of
// other Holders blocked on this key; the map itself never inspects it
// beyond appending/draining.
type Holder struct {
	Key     Key
	Locked  bool
	Waiters []*Holder
}

// Map is the loading-page lock table (spec §4.3). Capacity is unbounded in
// this implementation (a Go map), which always satisfies the spec's
// "capacity >= LOCK_MAP_CAPACITY" floor.
type Map struct {
	holders map[Key]*Holder
}

// New constructs an empty Map.
func New() *Map {
	return &Map{holders: make(map[Key]*Holder)}
}

// Put implements spec §4.3's put(key, entry, overwrite=false): if no
// holder exists for entry.Key, entry becomes the holder and Put returns
// nil. Otherwise entry is appended to the existing holder's Waiters and
// Put returns that holder so the caller knows to wait.
func (m *Map) Put(entry *Holder) (previousHolder *Holder) {
	existing, ok := m.holders[entry.Key]
	if !ok {
		entry.Locked = true
		m.holders[entry.Key] = entry
		return nil
	}
	existing.Waiters = append(existing.Waiters, entry)
	return existing
}

// Remove implements spec §4.3's remove(key): returns the current holder,
// which must equal the releaser, and clears the map entry for key. It is
// the caller's responsibility to wake and re-dispatch any Waiters left on
// the removed holder.
func (m *Map) Remove(key Key, releaser *Holder) (*Holder, error) {
	existing, ok := m.holders[key]
	if !ok {
		return nil, errors.Errorf("lockmap: no holder for key %d", key)
	}
	if existing != releaser {
		return nil, errors.Errorf("lockmap: releaser is not the holder for key %d", key)
	}
	delete(m.holders, key)
	existing.Locked = false
	return existing, nil
}

// Len reports the number of distinct keys currently held.
func (m *Map) Len() int {
	return len(m.holders)
}
