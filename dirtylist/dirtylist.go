// Package dirtylist implements C2, the era-windowed dirty-page lists
// (spec §4.2): pages are tagged with a recovery-journal sequence number and
// expire in batches as the current journal period advances past their era.
//
// Grounded on internal/ring (itself grounded on the teacher's PageZero
// free-chain, bufmgr.go) for the per-era bucket membership, generalized
// from a single free chain to an array of era buckets each holding its own
// ring of dirty nodes.
package dirtylist

import (
	"github.com/arboreal-systems/blockmap/internal/ring"
	"github.com/pkg/errors"
)

// Node is the caller-embeddable dirty-list membership record. Callers
// (e.g. treezone's page wrapper) embed Node, and the owning arena index
// addresses it through an Accessor, the same index-not-pointer discipline
// as internal/ring.
type Node struct {
	ring.Node
	lock   uint64
	onList bool
}

// OnList reports whether the node is currently tagged onto some era's ring.
func (n *Node) OnList() bool { return n.onList }

// Lock returns the recovery-journal sequence number the node is tagged
// with, or 0 if it is not on any list.
func (n *Node) Lock() uint64 { return n.lock }

// ExpireFunc is invoked once per advance_period/flush call with every
// index that expired, in era order. The callback must not call back into
// List synchronously from a different goroutine — dirtylist is, like the
// rest of the tree-zone, single-threaded per zone.
type ExpireFunc func(expired []int)

// Accessor reaches into caller storage for the Node embedded at idx.
type Accessor func(idx int) *Node

// List is the era-windowed dirty list. eraLength buckets are addressed
// modulo their own count, windowed at [period, period+eraLength).
type List struct {
	buckets      []ring.Ring
	accessor     Accessor
	ringAccessor ring.Accessor
	eraLength    uint64
	period       uint64
	onExpire     ExpireFunc
}

// New constructs a List with the given era length (number of journal
// sequence numbers covered by one bucket) and the accessor reaching into
// caller storage for the Node embedded at a given arena index.
func New(eraLength uint64, accessor Accessor, onExpire ExpireFunc) (*List, error) {
	if eraLength == 0 {
		return nil, errors.New("dirtylist: eraLength must be positive")
	}
	buckets := make([]ring.Ring, eraLength)
	for i := range buckets {
		buckets[i] = *ring.NewRing()
	}
	l := &List{buckets: buckets, accessor: accessor, eraLength: eraLength, onExpire: onExpire}
	l.ringAccessor = func(idx int) *ring.Node { return &accessor(idx).Node }
	return l, nil
}

// SetCurrentPeriod reinitializes the window at mount (spec §4.2's
// set_current_period(p)).
func (l *List) SetCurrentPeriod(p uint64) {
	l.period = p
}

func (l *List) bucketFor(lock uint64) *ring.Ring {
	idx := lock % l.eraLength
	return &l.buckets[idx]
}

// Add implements spec §4.2's add(node, old_lock, new_lock): insert node
// (addressed by idx) tagged with newLock. If oldLock == 0 the node enters
// fresh; otherwise it is first unlinked from its previous era bucket.
func (l *List) Add(idx int, oldLock, newLock uint64) {
	node := l.accessor(idx)
	if oldLock != 0 && node.onList {
		l.bucketFor(oldLock).Chop(l.ringAccessor, idx)
	}
	node.lock = newLock
	node.onList = true
	l.bucketFor(newLock).PushBack(l.ringAccessor, idx)
}

// AdvancePeriod implements spec §4.2's advance_period(p): collects every
// node whose era has passed the new period and delivers them in one call
// to onExpire, in ascending bucket (era) order.
func (l *List) AdvancePeriod(p uint64) {
	if p <= l.period {
		return
	}
	var expired []int
	for ; l.period < p; l.period++ {
		b := l.bucketFor(l.period)
		var members []int
		b.Each(l.ringAccessor, func(idx int) { members = append(members, idx) })
		for _, idx := range members {
			if l.accessor(idx).lock >= p {
				continue
			}
			b.Chop(l.ringAccessor, idx)
			l.accessor(idx).onList = false
			expired = append(expired, idx)
		}
	}
	if len(expired) > 0 && l.onExpire != nil {
		l.onExpire(expired)
	}
}

// Flush implements spec §4.2's flush(): expire everything immediately,
// regardless of era window, in bucket order starting at the current
// period. Used by drain_zone_trees to force-flush all dirty lists.
func (l *List) Flush() {
	var expired []int
	for i := uint64(0); i < l.eraLength; i++ {
		b := l.bucketFor(l.period + i)
		var members []int
		b.Each(l.ringAccessor, func(idx int) { members = append(members, idx) })
		for _, idx := range members {
			b.Chop(l.ringAccessor, idx)
			l.accessor(idx).onList = false
			expired = append(expired, idx)
		}
	}
	if len(expired) > 0 && l.onExpire != nil {
		l.onExpire(expired)
	}
}
