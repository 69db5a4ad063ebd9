// Package page defines the block-map tree page format: the fixed-size
// metadata page the tree-zone loads, allocates, and flushes, and the
// packed on-disk mapping entry each tree slot carries.
//
// The packing scheme is grounded on the teacher's PutID/GetID fixed-width
// big-endian byte packing (page.go) — there, a uid is packed into a
// BtId-byte array; here, a PBN plus a mapping state is packed into a
// fixed EntrySize-byte array the same way, rather than via encoding/gob
// or reflection-based serialization.
package page

import (
	"github.com/arboreal-systems/blockmap/internal/genclock"
	"github.com/arboreal-systems/blockmap/internal/ring"
)

// PBN is a physical block number: a device-addressed block.
type PBN uint64

// ZeroBlock is the sentinel PBN meaning "no mapping."
const ZeroBlock PBN = 0

// MappingState tags how a mapped PBN should be interpreted.
type MappingState uint8

const (
	MappingStateUnmapped      MappingState = 0
	MappingStateUncompressed  MappingState = 1
	MappingStateCompressed    MappingState = 2
	mappingStateMax           MappingState = 15
)

// EntrySize is the packed width, in bytes, of one BlockMapEntry: 5 bytes,
// the top byte's upper 4 bits carrying the MappingState and the remaining
// 36 bits carrying the PBN, mirroring the teacher's fixed-width big-endian
// PutID/GetID packing in page.go but sized for this domain's entry shape.
const EntrySize = 5

// EntriesPerPage is the fan-out of one tree page (spec §6, configurable in
// the original; fixed here as the engine's compiled-in constant, matching
// the way the teacher fixes BtId/KeyArray as compile-time constants).
const EntriesPerPage = 812

// BlockMapEntry is one slot's packed mapping: a PBN plus a MappingState.
type BlockMapEntry struct {
	PBN   PBN
	State MappingState
}

// IsMapped reports whether the entry carries a live mapping.
func (e BlockMapEntry) IsMapped() bool {
	return e.State != MappingStateUnmapped
}

// PackEntry serializes e into a fresh EntrySize-byte array, big-endian,
// state in the high nibble of byte 0.
func PackEntry(e BlockMapEntry) [EntrySize]byte {
	var out [EntrySize]byte
	v := uint64(e.PBN) | (uint64(e.State) << 36)
	for i := 0; i < EntrySize; i++ {
		out[EntrySize-i-1] = byte(v >> (8 * i))
	}
	return out
}

// UnpackEntry is the inverse of PackEntry.
func UnpackEntry(raw [EntrySize]byte) BlockMapEntry {
	var v uint64
	for i := 0; i < EntrySize; i++ {
		v <<= 8
		v |= uint64(raw[i])
	}
	return BlockMapEntry{
		PBN:   PBN(v & 0xFFFFFFFFF),
		State: MappingState((v >> 36) & 0xF),
	}
}

// PackPBN builds the entry the allocator stamps on success (spec §6:
// pack_pbn(pbn, state)).
func PackPBN(pbn PBN, state MappingState) BlockMapEntry {
	return BlockMapEntry{PBN: pbn, State: state}
}

// HeaderSize is the width, in bytes, of the identity header every
// persisted tree page carries ahead of its packed entries: the page's own
// PBN and the engine nonce it was written under, both big-endian.
// validate_block_map_page (spec §6) checks both fields against what the
// loader expected before trusting the entries that follow.
const HeaderSize = 16

// EncodeHeader serializes a page's on-disk identity: its own PBN followed
// by the nonce it was formatted/written under.
func EncodeHeader(pbn PBN, nonce uint64) [HeaderSize]byte {
	var out [HeaderSize]byte
	for i := 0; i < 8; i++ {
		out[7-i] = byte(pbn >> (8 * i))
	}
	for i := 0; i < 8; i++ {
		out[15-i] = byte(nonce >> (8 * i))
	}
	return out
}

// DecodeHeader is the inverse of EncodeHeader.
func DecodeHeader(buf []byte) (pbn PBN, nonce uint64) {
	var p, n uint64
	for i := 0; i < 8; i++ {
		p = (p << 8) | uint64(buf[i])
	}
	for i := 8; i < 16; i++ {
		n = (n << 8) | uint64(buf[i])
	}
	return PBN(p), n
}

// EncodePage serializes p's full on-disk record: the identity header
// followed by every packed entry, in the same layout EncodeHeader/PackEntry
// describe. Shared by the tree zone's normal flush path and the rebuild
// sweep's repair-write-back, so both land identical bytes for the same page.
func EncodePage(p *TreePage) []byte {
	buf := make([]byte, HeaderSize+EntrySize*len(p.Entries))
	hdr := EncodeHeader(p.PBN, p.Nonce)
	copy(buf, hdr[:])
	for i, e := range p.Entries {
		packed := PackEntry(e)
		copy(buf[HeaderSize+i*EntrySize:], packed[:])
	}
	return buf
}

// TreePage is one in-memory tree page: an interior or leaf node of the
// block-map forest. Lifetime is owned by the forest; the tree-zone holds
// it by stable arena Index (spec §9's "never pointers" design note) and
// mutates only on its owning zone's single goroutine.
type TreePage struct {
	ring.Node // dirty-list ring membership, by Index

	Index int // stable arena index into the owning forest/zone page table
	PBN   PBN // this page's own physical location, 0 if unallocated
	Nonce uint64

	Initialized bool // false until the first durable write completes
	Writing     bool // true iff a VIO is currently checked out for this page

	Generation        genclock.Generation
	WritingGeneration  genclock.Generation
	RecoveryLock       uint64 // 0 == not on any dirty list
	WritingRecoveryLock uint64

	Entries [EntriesPerPage]BlockMapEntry
}

// NewTreePage returns a freshly formatted, uninitialized page at the given
// arena index. Matches format_block_map_page (spec §6): entries all
// unmapped, generation zero, not on any dirty list.
func NewTreePage(index int) *TreePage {
	p := &TreePage{Index: index}
	ring.Init(func(int) *ring.Node { return &p.Node }, 0)
	return p
}

// Format resets p in place to a fresh, uninitialized page — used both at
// construction and when a loaded page fails nonce validation (spec §4.5
// step "copy_valid_page fails: format the in-memory page as a fresh
// page").
func (p *TreePage) Format() {
	p.Initialized = false
	p.Writing = false
	p.Generation = 0
	p.WritingGeneration = 0
	p.RecoveryLock = 0
	p.WritingRecoveryLock = 0
	for i := range p.Entries {
		p.Entries[i] = BlockMapEntry{}
	}
}

// ValidationResult is the outcome of validating a freshly-read page buffer
// against the nonce and expected PBN (spec §6: validate_block_map_page).
type ValidationResult int

const (
	ValidationValid ValidationResult = iota
	ValidationNonceMismatch
	ValidationBad
)

// Validate checks a decoded page's nonce and PBN against what the loader
// expected. copy_valid_page in the original wraps exactly this check
// before copying a VIO buffer into the in-memory page.
func Validate(nonce uint64, gotNonce uint64, expectedPBN, gotPBN PBN) ValidationResult {
	if gotPBN != expectedPBN {
		return ValidationBad
	}
	if gotNonce != nonce {
		return ValidationNonceMismatch
	}
	return ValidationValid
}

// IsInvalidTreeEntry implements spec §4.5 step 4's validation: a tree
// entry is invalid if it carries a reserved mapping state, or if mapped
// with a zero PBN, or — for non-root heights — a PBN outside the depot's
// data-block range. depotContains is supplied by the caller (the slab
// depot collaborator, out of scope here per §6).
func IsInvalidTreeEntry(e BlockMapEntry, isRootHeight bool, depotContains func(PBN) bool) bool {
	if e.State > mappingStateMax {
		return true
	}
	if !e.IsMapped() {
		return false
	}
	if e.PBN == ZeroBlock {
		return true
	}
	if !isRootHeight && depotContains != nil && !depotContains(e.PBN) {
		return true
	}
	return false
}
