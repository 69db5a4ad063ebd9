// Package external declares the narrow interfaces the block-map engine
// consumes from its out-of-scope collaborators (spec §6): the forest, the
// recovery journal, the slab depot, the block allocator, the VIO launcher,
// and the read-only notifier. Each is deliberately small — just the calls
// the core packages make — so an embedder can wire in the real subsystems
// while tests use external/externaltest's in-memory fakes, the way the
// teacher exercises BufMgr/BLTree against a real (if ephemeral) file-backed
// store rather than a mocking framework.
package external

import (
	"context"

	"github.com/arboreal-systems/blockmap/page"
)

// Forest returns in-memory tree pages by coordinate. Pages are owned by
// the forest for the lifetime of the block map (spec §3).
type Forest interface {
	// Page returns the tree page at (root, height, pageIndex), creating
	// an unformatted placeholder entry in the forest if none exists yet.
	Page(ctx context.Context, root, height, pageIndex int) (*page.TreePage, error)
}

// RecoveryJournal is the out-of-scope journal collaborator (spec §6).
type RecoveryJournal interface {
	// AddEntry appends a recovery-journal entry and returns the sequence
	// number (recovery lock) it was assigned.
	AddEntry(ctx context.Context, rootIndex int, pbn page.PBN, state page.MappingState) (sequence uint64, err error)
	// ReleaseBlockReference drops the journal's hold for a previously
	// assigned sequence number.
	ReleaseBlockReference(ctx context.Context, sequence uint64) error
}

// SlabDepot is the out-of-scope reference-counted physical region owner
// (spec §6).
type SlabDepot interface {
	// Contains reports whether pbn lies within the depot's addressable
	// data-block range.
	Contains(pbn page.PBN) bool
	// AdjustReferenceCountForRebuild applies a rebuild-time reference
	// count delta (BLOCK_MAP_INCREMENT or DATA_INCREMENT) to pbn's slab.
	AdjustReferenceCountForRebuild(ctx context.Context, pbn page.PBN, increment ReferenceIncrement) error
	// SetReferenceCount applies a normal (non-rebuild) reference
	// operation during allocation.
	SetReferenceCount(ctx context.Context, pbn page.PBN, increment ReferenceIncrement) error
}

// ReferenceIncrement distinguishes the two rebuild-time reference
// operations named in spec §4.5/§4.6.
type ReferenceIncrement int

const (
	BlockMapIncrement ReferenceIncrement = iota
	DataIncrement
)

// Allocator is the out-of-scope physical block allocator (spec §6).
type Allocator interface {
	// AllocateDataBlock requests one physical block for block-map-page
	// use, returning (0, false, nil) if none is available (NO_SPACE is
	// modeled as a false ok rather than an error, since it is a routine,
	// expected outcome per spec §7).
	AllocateDataBlock(ctx context.Context) (pbn page.PBN, ok bool, err error)
	ReleaseAllocationLock(ctx context.Context, pbn page.PBN) error
}

// ReadOnlyNotifier is the out-of-scope read-only poisoning collaborator
// (spec §6, §4.4).
type ReadOnlyNotifier interface {
	EnterReadOnlyMode(ctx context.Context, cause error)
}

// VIOLauncher is the out-of-scope VIO/completion plumbing (spec §6): it
// performs the actual block read/write against the device. The pool
// entries this engine manages (viopool) are the scratch buffers handed to
// these calls.
type VIOLauncher interface {
	ReadMetadata(ctx context.Context, pbn page.PBN, buf []byte) error
	WriteMetadata(ctx context.Context, pbn page.PBN, buf []byte, withFlush bool) error
}
