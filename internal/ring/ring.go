// Package ring implements an arena-indexed doubly-linked ring, replacing the
// intrusive pointer rings of the original tree-page dirty lists (spec §9).
// Every node lives in caller-owned storage addressed by a stable integer
// index (the teacher's PageZero free-chain links pages the same way, by
// on-disk block offset rather than a pointer: see bufmgr.go's NewPage/FreePage).
package ring

// None is the sentinel index meaning "no neighbour."
const None = -1

// Node is the embeddable ring-link pair. Callers embed Node in their own
// element type and index into a slice/array by stable arena index.
type Node struct {
	next int
	prev int
}

// Ring is a header managing a set of Nodes addressed by index through the
// Accessor function supplied at each call. It does not own
// storage; callers pass an accessor so the ring can live alongside other
// per-element fields in a single arena slice.
type Ring struct {
	head int
}

// NewRing returns an empty ring.
func NewRing() *Ring {
	return &Ring{head: None}
}

// Accessor reaches into caller storage for the Node embedded at idx.
type Accessor func(idx int) *Node

// Empty reports whether the ring has no members.
func (r *Ring) Empty() bool {
	return r.head == None
}

// Init resets the node at idx to a self-referential (unlinked) ring member.
func Init(get Accessor, idx int) {
	n := get(idx)
	n.next = idx
	n.prev = idx
}

// PushBack splices idx onto the tail of the ring, becoming the new member
// before head in traversal order. If the ring is empty, idx becomes head.
func (r *Ring) PushBack(get Accessor, idx int) {
	Init(get, idx)
	if r.head == None {
		r.head = idx
		return
	}
	headNode := get(r.head)
	tail := headNode.prev
	tailNode := get(tail)

	tailNode.next = idx
	node := get(idx)
	node.prev = tail
	node.next = r.head
	headNode.prev = idx
}

// Chop removes idx from whichever ring it is a member of (idx must be
// self-consistent: Node.next/.prev refer to other members of the same
// ring, or to itself if it was the sole member). If idx was head, the
// ring's head is advanced to idx's former successor, or None if idx was
// the last member.
func (r *Ring) Chop(get Accessor, idx int) {
	node := get(idx)
	if node.next == idx {
		// Sole member.
		if r.head == idx {
			r.head = None
		}
		node.next = idx
		node.prev = idx
		return
	}

	prevNode := get(node.prev)
	nextNode := get(node.next)
	prevNode.next = node.next
	nextNode.prev = node.prev

	if r.head == idx {
		r.head = node.next
	}
	node.next = idx
	node.prev = idx
}

// Each walks the ring starting at head, calling fn(idx) for every member.
// fn must not mutate ring linkage; collect indices first if splicing during
// the walk is required.
func (r *Ring) Each(get Accessor, fn func(idx int)) {
	if r.head == None {
		return
	}
	idx := r.head
	for {
		fn(idx)
		idx = get(idx).next
		if idx == r.head {
			return
		}
	}
}

// Head returns the current head index, or None if empty.
func (r *Ring) Head() int {
	return r.head
}
