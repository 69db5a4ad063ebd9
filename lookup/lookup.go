// Package lookup implements C5, the lookup state machine (spec §4.5): the
// per-request descent through the block-map tree, acquiring page locks
// from lockmap, loading or allocating pages as needed, and integrating
// with the journal and slab-depot collaborators.
//
// The descent shape is grounded on the teacher's LoadPage (bufmgr.go): a
// root-to-leaf drill-down that locks each page before inspecting it and
// releases/hands off locks to waiters as it goes. The four-hop allocation
// callback chain named in spec §4.5 has no teacher analogue — built as an
// explicit state machine per spec §9's "deep callback chains" design note
// and SPEC_FULL §10.3.
package lookup

import (
	"context"

	"github.com/pkg/errors"

	"github.com/arboreal-systems/blockmap/blockmaperr"
	"github.com/arboreal-systems/blockmap/external"
	"github.com/arboreal-systems/blockmap/lockmap"
	"github.com/arboreal-systems/blockmap/page"
	"github.com/arboreal-systems/blockmap/treezone"
)

// Purpose distinguishes the four request kinds named in spec §4.5's
// allocate_block_map_page: pure reads, the read phase of a
// read-modify-write, and trims skip allocation; writes allocate.
type Purpose int

const (
	PurposeRead Purpose = iota
	PurposeReadModifyWriteRead
	PurposeWrite
	PurposeTrim
)

// skipsAllocation implements spec §4.5: "pure reads, the read phase of a
// read-modify-write, and trim operations skip allocation".
func (p Purpose) skipsAllocation() bool {
	return p == PurposeRead || p == PurposeReadModifyWriteRead || p == PurposeTrim
}

func (p Purpose) isRead() bool {
	return p == PurposeRead || p == PurposeReadModifyWriteRead
}

// TreeSlot carries the slot and PBN consulted at one height (spec §3's
// Tree lock entity: "treeSlots[height] each carrying (pageIndex, pbn, slot)").
type TreeSlot struct {
	PageIndex int
	PBN       page.PBN
	Slot      int
}

// Request is one in-flight lookup (spec §3's "Tree lock" entity, minus the
// callback/threadID fields this synchronous implementation doesn't need:
// the caller's goroutine is itself the continuation).
type Request struct {
	RootIndex int
	Height    int // current height; BLOCK_MAP_TREE_HEIGHT at the root
	TreeSlots []TreeSlot
	Purpose   Purpose

	treeHeight int
	forest     external.Forest
}

// Machine runs lookups for one tree zone, wiring C1-C4 (via *treezone.Zone)
// together with the out-of-scope collaborators named in spec §6.
//
// Simplification: the original's page_index arithmetic at each height
// depends on root_count/flat_page_count configuration that spec §6 leaves
// to the forest collaborator; this implementation lets the forest itself
// derive the page index per (root, height) pair (one interior page per
// root per height above the leaf level is the common case this engine
// targets), rather than reimplementing that address math here.
type Machine struct {
	zone      *treezone.Zone
	forest    external.Forest
	journal   external.RecoveryJournal
	depot     external.SlabDepot
	allocator external.Allocator
	vio       external.VIOLauncher
	nonce     uint64

	pageIndex map[[2]int]int // (root, height) -> zone arena index
}

// NewMachine constructs a lookup state machine bound to one zone.
func NewMachine(zone *treezone.Zone, forest external.Forest, journal external.RecoveryJournal, depot external.SlabDepot, allocator external.Allocator, vio external.VIOLauncher, nonce uint64) *Machine {
	return &Machine{
		zone:      zone,
		forest:    forest,
		journal:   journal,
		depot:     depot,
		allocator: allocator,
		vio:       vio,
		nonce:     nonce,
		pageIndex: make(map[[2]int]int),
	}
}

// resolvePage returns the zone arena index for the tree page at
// (req.RootIndex, height), fetching it from the forest and registering it
// with the zone on first use.
func (m *Machine) resolvePage(ctx context.Context, req *Request, height int) (int, error) {
	key := [2]int{req.RootIndex, height}
	if idx, ok := m.pageIndex[key]; ok {
		return idx, nil
	}
	tp, err := m.forest.Page(ctx, req.RootIndex, height, req.TreeSlots[0].PageIndex)
	if err != nil {
		return 0, err
	}
	idx := m.zone.RegisterPage(tp)
	m.pageIndex[key] = idx
	return idx, nil
}

// LookupBlockMapPBN implements spec §4.5's lookup_block_map_pbn: descend
// from the root toward height 1, loading or allocating pages on demand,
// and return the resolved leaf PBN.
func (m *Machine) LookupBlockMapPBN(ctx context.Context, rootIndex, pageIndex0, slot0, treeHeight int, purpose Purpose) (page.PBN, error) {
	if err := m.zone.BeginLookup(); err != nil {
		return 0, err
	}
	defer m.zone.EndLookup()

	req := &Request{
		RootIndex:  rootIndex,
		TreeSlots:  make([]TreeSlot, treeHeight+1),
		Purpose:    purpose,
		treeHeight: treeHeight,
		forest:     m.forest,
	}
	req.TreeSlots[0] = TreeSlot{PageIndex: pageIndex0, Slot: slot0}

	return m.descend(ctx, req)
}

// descend implements spec §4.5 steps 3-5: walk heights from 1 upward,
// stopping at the first already-loaded page, then validate and either
// resolve, allocate, or load deeper.
func (m *Machine) descend(ctx context.Context, req *Request) (page.PBN, error) {
	deepestLoadedHeight := 0
	var deepestPage *page.TreePage

	for h := 1; h <= req.treeHeight; h++ {
		idx, err := m.resolvePage(ctx, req, h)
		if err != nil {
			return 0, m.abortLoad(req, err)
		}
		req.Height = h
		tp := m.zone.Page(idx)
		if tp.PBN != page.ZeroBlock {
			deepestLoadedHeight = h
			deepestPage = tp
			break
		}
	}

	if deepestPage == nil {
		// Nothing loaded at all; height treeHeight is the root, always resident.
		idx, err := m.resolvePage(ctx, req, req.treeHeight)
		if err != nil {
			return 0, m.abortLoad(req, err)
		}
		deepestLoadedHeight = req.treeHeight
		deepestPage = m.zone.Page(idx)
	}

	return m.continueWithPage(ctx, req, deepestLoadedHeight, deepestPage)
}

// continueWithPage implements spec §4.5 step 4-5 / continue_with_loaded_page:
// validate this height's slot entry and either resolve, allocate, or
// descend further by loading the next page.
func (m *Machine) continueWithPage(ctx context.Context, req *Request, height int, tp *page.TreePage) (page.PBN, error) {
	slot := req.TreeSlots[height-1].Slot
	entry := tp.Entries[slot%page.EntriesPerPage]

	isRoot := height == req.treeHeight
	if page.IsInvalidTreeEntry(entry, isRoot, m.depotContains) {
		return 0, m.abortLoad(req, errors.Wrapf(blockmaperr.ErrBadMapping, "height %d slot %d", height, slot))
	}

	if !entry.IsMapped() {
		return m.allocateBlockMapPage(ctx, req, height, tp)
	}

	req.TreeSlots[height-1].PBN = entry.PBN
	if height == 1 {
		return entry.PBN, nil
	}
	return m.loadBlockMapPage(ctx, req, height-1, entry.PBN)
}

func (m *Machine) depotContains(pbn page.PBN) bool {
	if m.depot == nil {
		return true
	}
	return m.depot.Contains(pbn)
}

// loadBlockMapPage implements spec §4.5's load_block_map_page +
// load_page + finish_block_map_page_load, collapsed into one synchronous
// call since this implementation's "zone thread" is the calling
// goroutine itself.
func (m *Machine) loadBlockMapPage(ctx context.Context, req *Request, height int, pbn page.PBN) (page.PBN, error) {
	key := lockmap.PackKey(uint16(req.RootIndex), uint16(height), uint16(req.TreeSlots[height].PageIndex), uint16(req.TreeSlots[height].Slot))
	holder := &lockmap.Holder{Key: key}
	if prev := m.zone.LoadingPages.Put(holder); prev != nil {
		// Another request already holds the loading lock for this slot.
		// This branch does not wait for that holder: it fails the lookup
		// with an assertion error. A caller that drives a zone from a
		// single goroutine does not reach it within one lookup.
		return 0, errors.Wrapf(blockmaperr.ErrAssertion, "reentrant load at key %d", key)
	}

	idx, err := m.resolvePage(ctx, req, height)
	if err != nil {
		_, _ = m.zone.LoadingPages.Remove(key, holder)
		return 0, m.abortLoad(req, err)
	}
	tp := m.zone.Page(idx)

	buf := make([]byte, page.HeaderSize+page.EntrySize*len(tp.Entries))
	if err := m.vio.ReadMetadata(ctx, pbn, buf); err != nil {
		_, _ = m.zone.LoadingPages.Remove(key, holder)
		return 0, m.abortLoad(req, errors.Wrapf(blockmaperr.ErrIO, "reading page at %v: %v", pbn, err))
	}

	// Validate against what was actually persisted at pbn (Scenario S4):
	// a never-written block decodes to pbn=0/nonce=0, which mismatches
	// the expected pbn just like a foreign or stale page would, so it
	// takes the same "format fresh in memory" path — there is no separate
	// "freshly allocated, trust it blindly" shortcut.
	gotPBN, gotNonce := page.DecodeHeader(buf)
	result := page.Validate(m.nonce, gotNonce, pbn, gotPBN)
	if result != page.ValidationValid {
		tp.Format() // never-written or crashed-before-init page: format fresh in memory.
		tp.PBN = pbn
		tp.Nonce = m.nonce
	} else {
		decodeInto(tp, buf)
		tp.Initialized = true
	}

	_, _ = m.zone.LoadingPages.Remove(key, holder)

	return m.continueWithPage(ctx, req, height, tp)
}

// allocateBlockMapPage implements spec §4.5's allocate_block_map_page.
func (m *Machine) allocateBlockMapPage(ctx context.Context, req *Request, height int, parent *page.TreePage) (page.PBN, error) {
	if req.Purpose.skipsAllocation() {
		return 0, nil // finish_lookup(SUCCESS): a missing page just means "zero mapping".
	}

	key := lockmap.PackKey(uint16(req.RootIndex), uint16(height), uint16(req.TreeSlots[height-1].PageIndex), uint16(req.TreeSlots[height-1].Slot))
	holder := &lockmap.Holder{Key: key}
	if prev := m.zone.LoadingPages.Put(holder); prev != nil {
		return 0, errors.Wrapf(blockmaperr.ErrAssertion, "reentrant allocation at key %d", key)
	}

	pbn, ok, err := m.allocator.AllocateDataBlock(ctx)
	if err != nil {
		_, _ = m.zone.LoadingPages.Remove(key, holder)
		return 0, m.abortAllocation(req, err)
	}
	if !ok {
		_, _ = m.zone.LoadingPages.Remove(key, holder)
		return 0, m.abortAllocation(req, blockmaperr.ErrNoSpace)
	}

	result, err := m.runAllocationSteps(ctx, req, height, parent, pbn)
	released, removeErr := m.zone.LoadingPages.Remove(key, holder)
	_ = released
	if removeErr != nil {
		return 0, removeErr
	}
	if err != nil {
		return 0, m.abortAllocation(req, err)
	}
	return result, nil
}

// runAllocationSteps implements spec §4.5's continue_block_map_page_allocation
// through finish_block_map_allocation: stamp the newly allocated pbn into
// the parent's slot, journal the entry, set its reference count, bump or
// enroll the parent on the dirty lists, and recurse into the next height
// down if the allocated entry is itself a child tree page rather than a
// leaf mapping.
func (m *Machine) runAllocationSteps(ctx context.Context, req *Request, height int, parent *page.TreePage, pbn page.PBN) (page.PBN, error) {
	slot := req.TreeSlots[height-1].Slot % page.EntriesPerPage

	sequence, err := m.journal.AddEntry(ctx, req.RootIndex, pbn, page.MappingStateUncompressed)
	if err != nil {
		_ = m.allocator.ReleaseAllocationLock(ctx, pbn)
		return 0, err
	}

	if m.depot != nil {
		if err := m.depot.SetReferenceCount(ctx, pbn, external.BlockMapIncrement); err != nil {
			_ = m.allocator.ReleaseAllocationLock(ctx, pbn)
			return 0, err
		}
	}

	parent.Entries[slot] = page.PackPBN(pbn, page.MappingStateUncompressed)
	req.TreeSlots[height-1].PBN = pbn

	oldLock := parent.RecoveryLock
	newLock := sequence
	if oldLock > newLock {
		newLock = oldLock
	}

	parentIdx, err := m.resolvePage(ctx, req, height)
	if err != nil {
		return 0, err
	}
	if err := m.zone.FinishAllocation(parentIdx, oldLock, newLock); err != nil {
		return 0, err
	}

	if height == 1 {
		return pbn, nil
	}

	childIdx, err := m.resolvePage(ctx, req, height-1)
	if err != nil {
		return 0, err
	}
	child := m.zone.Page(childIdx)
	if !child.Initialized {
		child.Format()
		child.PBN = pbn
		child.Nonce = m.nonce
	}
	return m.allocateBlockMapPage(ctx, req, height-1, child)
}

// abortLoad implements spec §4.5's abort_load -> abort_lookup.
func (m *Machine) abortLoad(req *Request, err error) error {
	return m.abortLookup(req, err)
}

// abortAllocation implements spec §4.5's abort_allocation -> abort_lookup.
func (m *Machine) abortAllocation(req *Request, err error) error {
	return m.abortLookup(req, err)
}

// abortLookup implements spec §4.5's abort_lookup(result, what): non-NoSpace
// errors push the zone read-only; the final translated error depends on
// whether this request is a read or a write.
func (m *Machine) abortLookup(req *Request, err error) error {
	cause := errors.Cause(err)
	if cause != blockmaperr.ErrNoSpace {
		m.zone.EnterReadOnly(err)
	}
	if req.Purpose.isRead() {
		if translated := blockmaperr.TranslateForRead(err); translated == nil {
			return nil
		}
		return err
	}
	return blockmaperr.TranslateForWrite(err)
}

// decodeInto unpacks buf's entries (skipping the leading identity header
// page.HeaderSize already validated by the caller) into tp, and adopts the
// header's own nonce so a later write re-persists the same identity.
func decodeInto(tp *page.TreePage, buf []byte) {
	_, gotNonce := page.DecodeHeader(buf)
	tp.Nonce = gotNonce
	body := buf[page.HeaderSize:]
	for i := range tp.Entries {
		if (i+1)*page.EntrySize > len(body) {
			break
		}
		var raw [page.EntrySize]byte
		copy(raw[:], body[i*page.EntrySize:(i+1)*page.EntrySize])
		tp.Entries[i] = page.UnpackEntry(raw)
	}
}
