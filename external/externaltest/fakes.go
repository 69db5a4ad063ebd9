// Package externaltest provides in-memory fakes for the external package's
// collaborator interfaces, used by the core packages' own tests. They are
// plain maps guarded by a mutex, not a mocking framework generating code —
// the same "test against a real, if ephemeral, store" taste as the
// teacher's own BufMgr/BLTree tests, which open a throwaway file rather
// than mocking the OS.
package externaltest

import (
	"context"
	"sync"

	"github.com/arboreal-systems/blockmap/external"
	"github.com/arboreal-systems/blockmap/page"
)

// Forest is an in-memory external.Forest backed by a map keyed by
// (root, height, pageIndex).
type Forest struct {
	mu    sync.Mutex
	pages map[[3]int]*page.TreePage
	next  int
}

func NewForest() *Forest {
	return &Forest{pages: make(map[[3]int]*page.TreePage)}
}

func (f *Forest) Page(_ context.Context, root, height, pageIndex int) (*page.TreePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := [3]int{root, height, pageIndex}
	if p, ok := f.pages[key]; ok {
		return p, nil
	}
	p := page.NewTreePage(f.next)
	f.next++
	f.pages[key] = p
	return p, nil
}

// Journal is an in-memory external.RecoveryJournal handing out
// monotonically increasing sequence numbers.
type Journal struct {
	mu       sync.Mutex
	sequence uint64
	Entries  []JournalEntry
	released map[uint64]bool
}

type JournalEntry struct {
	RootIndex int
	PBN       page.PBN
	State     page.MappingState
	Sequence  uint64
}

func NewJournal() *Journal {
	return &Journal{released: make(map[uint64]bool)}
}

func (j *Journal) AddEntry(_ context.Context, rootIndex int, pbn page.PBN, state page.MappingState) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sequence++
	seq := j.sequence
	j.Entries = append(j.Entries, JournalEntry{RootIndex: rootIndex, PBN: pbn, State: state, Sequence: seq})
	return seq, nil
}

func (j *Journal) ReleaseBlockReference(_ context.Context, sequence uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.released[sequence] = true
	return nil
}

// Depot is an in-memory external.SlabDepot over a fixed PBN range.
type Depot struct {
	mu         sync.Mutex
	low, high  page.PBN // [low, high)
	refCounts  map[page.PBN]int
}

func NewDepot(low, high page.PBN) *Depot {
	return &Depot{low: low, high: high, refCounts: make(map[page.PBN]int)}
}

func (d *Depot) Contains(pbn page.PBN) bool {
	return pbn >= d.low && pbn < d.high
}

func (d *Depot) AdjustReferenceCountForRebuild(_ context.Context, pbn page.PBN, increment external.ReferenceIncrement) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refCounts[pbn]++
	return nil
}

func (d *Depot) SetReferenceCount(_ context.Context, pbn page.PBN, increment external.ReferenceIncrement) error {
	return d.AdjustReferenceCountForRebuild(nil, pbn, increment)
}

func (d *Depot) RefCount(pbn page.PBN) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.refCounts[pbn]
}

// Allocator is an in-memory external.Allocator handing out sequential
// PBNs from a bounded pool; once exhausted it reports NO_SPACE (ok=false).
type Allocator struct {
	mu       sync.Mutex
	next     page.PBN
	limit    page.PBN
	released []page.PBN
}

func NewAllocator(start, limit page.PBN) *Allocator {
	return &Allocator{next: start, limit: limit}
}

func (a *Allocator) AllocateDataBlock(context.Context) (page.PBN, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.next >= a.limit {
		return 0, false, nil
	}
	pbn := a.next
	a.next++
	return pbn, true, nil
}

func (a *Allocator) ReleaseAllocationLock(_ context.Context, pbn page.PBN) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.released = append(a.released, pbn)
	return nil
}

// ReadOnlyNotifier is an in-memory external.ReadOnlyNotifier recording
// every transition for assertions.
type ReadOnlyNotifier struct {
	mu      sync.Mutex
	Entered bool
	Cause   error
}

func (r *ReadOnlyNotifier) EnterReadOnlyMode(_ context.Context, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Entered = true
	r.Cause = cause
}

// VIOLauncher is an in-memory external.VIOLauncher backed by a map of PBN
// to page bytes, simulating device storage.
type VIOLauncher struct {
	mu      sync.Mutex
	device  map[page.PBN][]byte
	FailPBN map[page.PBN]bool
}

func NewVIOLauncher() *VIOLauncher {
	return &VIOLauncher{device: make(map[page.PBN][]byte), FailPBN: make(map[page.PBN]bool)}
}

func (v *VIOLauncher) ReadMetadata(_ context.Context, pbn page.PBN, buf []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.FailPBN[pbn] {
		return errIO
	}
	data, ok := v.device[pbn]
	if !ok {
		return nil // zero-filled: simulates never-written block
	}
	copy(buf, data)
	return nil
}

func (v *VIOLauncher) WriteMetadata(_ context.Context, pbn page.PBN, buf []byte, withFlush bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.FailPBN[pbn] {
		return errIO
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	v.device[pbn] = cp
	return nil
}

type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }

const errIO = sentinelErr("externaltest: simulated I/O error")
