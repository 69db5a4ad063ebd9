package main

import (
	"context"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/arboreal-systems/blockmap/blockmaperr"
	"github.com/arboreal-systems/blockmap/external"
	"github.com/arboreal-systems/blockmap/page"
)

// fileHeaderSize is the leading fixed record this tool writes/reads at the
// front of a block-map image file: tree height, leaf page count, and the
// logical entry count rebuild.Run needs for its last-leaf truncation
// check (spec §4.6).
const fileHeaderSize = 4 + 4 + 8

// pageRecordSize is one tree page's on-disk record: a 1-byte initialized
// flag, an 8-byte little-endian PBN, and the page's packed entries, using
// the same per-entry packing treezone's encodePage uses (page.PackEntry).
const pageRecordSize = 1 + 8 + page.EntriesPerPage*page.EntrySize

// fileForest implements external.Forest by reading single-root tree pages
// from a flat image file laid out as: header, then one record per
// interior height (heights 2..treeHeight, in order), then leafPages leaf
// records (height 1, index 0..leafPages-1) — a deliberately simple
// addressing scheme for this offline tool, since find_block_map_page_pbn's
// real addressing math is an out-of-scope collaborator concern (spec §6).
type fileForest struct {
	f          *os.File
	treeHeight int
	leafPages  int
	pbnIndex   map[page.PBN]int64
}

func openFileForest(path string) (*fileForest, uint64, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "blockmapd: opening device image %s", path)
	}

	var hdr [fileHeaderSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		f.Close()
		return nil, 0, errors.Wrapf(blockmaperr.ErrCorruptComponent, "blockmapd: truncated device image header: %v", err)
	}

	treeHeight := int(binary.LittleEndian.Uint32(hdr[0:4]))
	leafPages := int(binary.LittleEndian.Uint32(hdr[4:8]))
	entryCount := binary.LittleEndian.Uint64(hdr[8:16])

	ff := &fileForest{f: f, treeHeight: treeHeight, leafPages: leafPages}
	index, err := ff.buildPBNIndex()
	if err != nil {
		f.Close()
		return nil, 0, errors.Wrapf(blockmaperr.ErrCorruptComponent, "blockmapd: indexing device image by pbn: %v", err)
	}
	ff.pbnIndex = index

	return ff, entryCount, nil
}

// buildPBNIndex maps a page's own stored PBN to its record offset so
// WriteMetadata/ReadMetadata (keyed by PBN, per external.VIOLauncher) can
// locate a record that this forest's native addressing keys by
// (height, pageIndex) instead.
func (ff *fileForest) buildPBNIndex() (map[page.PBN]int64, error) {
	recordCount := (ff.treeHeight - 1) + ff.leafPages
	index := make(map[page.PBN]int64, recordCount)
	for i := 0; i < recordCount; i++ {
		off := int64(fileHeaderSize + i*pageRecordSize)
		var hdr [9]byte
		if _, err := ff.f.ReadAt(hdr[:], off); err != nil {
			return nil, err
		}
		pbn := page.PBN(binary.LittleEndian.Uint64(hdr[1:9]))
		index[pbn] = off
	}
	return index, nil
}

// ReadMetadata implements external.VIOLauncher. The rebuild CLI never calls
// this directly (forest.Page already returns decoded pages), but rebuild.New
// requires a full VIOLauncher for its repair-write-back path.
func (ff *fileForest) ReadMetadata(ctx context.Context, pbn page.PBN, buf []byte) error {
	off, ok := ff.pbnIndex[pbn]
	if !ok {
		return errors.Wrapf(blockmaperr.ErrBadMapping, "blockmapd: no record for pbn %v", pbn)
	}
	_, err := ff.f.ReadAt(buf, off)
	return err
}

// WriteMetadata implements external.VIOLauncher: buf is a page.EncodePage
// record (identity header + packed entries); this rewrites the entries
// portion of the matching on-disk record in place. The record's own
// initialized flag and stored PBN are left untouched — rebuild repairs only
// ever clear entries, never relocate a page.
func (ff *fileForest) WriteMetadata(ctx context.Context, pbn page.PBN, buf []byte, withFlush bool) error {
	off, ok := ff.pbnIndex[pbn]
	if !ok {
		return errors.Wrapf(blockmaperr.ErrBadMapping, "blockmapd: no record for pbn %v", pbn)
	}
	if len(buf) < page.HeaderSize {
		return errors.Wrapf(blockmaperr.ErrCorruptComponent, "blockmapd: short page record for pbn %v", pbn)
	}
	_, err := ff.f.WriteAt(buf[page.HeaderSize:], off+9)
	return err
}

func (ff *fileForest) recordOffset(height, pageIndex int) int64 {
	var recordIndex int
	if height == 1 {
		recordIndex = (ff.treeHeight - 1) + pageIndex
	} else {
		recordIndex = height - 2
	}
	return int64(fileHeaderSize + recordIndex*pageRecordSize)
}

// Page implements external.Forest.
func (ff *fileForest) Page(ctx context.Context, root, height, pageIndex int) (*page.TreePage, error) {
	buf := make([]byte, pageRecordSize)
	if _, err := ff.f.ReadAt(buf, ff.recordOffset(height, pageIndex)); err != nil {
		return nil, errors.Wrapf(err, "blockmapd: reading page height=%d index=%d", height, pageIndex)
	}

	tp := page.NewTreePage(pageIndex)
	tp.Initialized = buf[0] != 0
	tp.PBN = page.PBN(binary.LittleEndian.Uint64(buf[1:9]))
	for i := 0; i < page.EntriesPerPage; i++ {
		off := 9 + i*page.EntrySize
		var raw [page.EntrySize]byte
		copy(raw[:], buf[off:off+page.EntrySize])
		tp.Entries[i] = page.UnpackEntry(raw)
	}
	return tp, nil
}

func (ff *fileForest) close() error { return ff.f.Close() }

// fileSlabDepot implements external.SlabDepot over a flat array of 1-byte
// reference counts covering PBN range [low, high), the simplest possible
// grounding of "the slab depot tracks one reference count per physical
// block" for an offline tool with no real slab journal.
type fileSlabDepot struct {
	f        *os.File
	low, high page.PBN
}

func openFileSlabDepot(path string, low, high page.PBN) (*fileSlabDepot, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "blockmapd: opening reference-count file %s", path)
	}
	size := int64(high - low)
	if info, err := f.Stat(); err == nil && info.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "blockmapd: sizing reference-count file")
		}
	}
	return &fileSlabDepot{f: f, low: low, high: high}, nil
}

func (d *fileSlabDepot) Contains(pbn page.PBN) bool {
	return pbn >= d.low && pbn < d.high
}

func (d *fileSlabDepot) adjust(pbn page.PBN, delta int) error {
	if !d.Contains(pbn) {
		return errors.Wrapf(blockmaperr.ErrBadMapping, "blockmapd: pbn %v outside depot range [%d,%d)", pbn, d.low, d.high)
	}
	var b [1]byte
	off := int64(pbn - d.low)
	if _, err := d.f.ReadAt(b[:], off); err != nil && err != io.EOF {
		return err
	}
	next := int(b[0]) + delta
	if next < 0 {
		next = 0
	}
	if next > 0xFF {
		next = 0xFF
	}
	b[0] = byte(next)
	_, err := d.f.WriteAt(b[:], off)
	return err
}

// AdjustReferenceCountForRebuild implements external.SlabDepot: both
// rebuild-time operations (BlockMapIncrement, DataIncrement) simply bump
// this block's count by one, since an offline rebuild against a fresh
// reference-count file only ever increments.
func (d *fileSlabDepot) AdjustReferenceCountForRebuild(ctx context.Context, pbn page.PBN, increment external.ReferenceIncrement) error {
	return d.adjust(pbn, 1)
}

// SetReferenceCount implements external.SlabDepot for completeness; the
// rebuild path never calls it (that's the live allocation path's job), but
// inspect/rebuild share this adapter.
func (d *fileSlabDepot) SetReferenceCount(ctx context.Context, pbn page.PBN, increment external.ReferenceIncrement) error {
	return d.adjust(pbn, 1)
}

func (d *fileSlabDepot) close() error { return d.f.Close() }
