// Package rebuild implements C6, the reference-count rebuild that runs
// during crash recovery before a block map's zones resume normal lookups:
// phase A charges every interior tree page's own PBN against the slab
// depot, phase B sweeps every leaf page in bounded-parallel batches,
// reconstructing the depot's reference counts from the leaves' live
// mappings.
//
// Grounded directly on
// _examples/original_source/utils/vdo/base/referenceCountRebuild.c:
// makeRebuildCompletion, rebuildFromLeaves, fetchPage, pageLoaded,
// rebuildReferenceCountsFromPage, and finishIfDone's "launching" guard,
// which this package preserves as a literal boolean field checked inside
// the per-leaf completion handler, per spec §9's instruction that any
// target-language rendition keep it exactly. Any leaf whose entries get
// cleared in place during the sweep is requeued for a durable write before
// the leaf counts as done, matching rebuild_reference_counts_from_page's
// own requeue-for-writing step in the original.
package rebuild

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/arboreal-systems/blockmap/blockmaperr"
	"github.com/arboreal-systems/blockmap/external"
	"github.com/arboreal-systems/blockmap/metrics"
	"github.com/arboreal-systems/blockmap/page"
)

// maxSimultaneousReads bounds the leaf-sweep fan-out the way the original's
// MAXIMUM_SIMULTANEOUS_BLOCK_MAP_RESTORATION_READS does; the original's
// numeric value lives outside the files retrieved for this rebuild, so this
// is a deliberately conservative stand-in rather than a copied constant.
const maxSimultaneousReads = 128

// lastSlot names the final leaf's PBN and the first slot beyond logical
// space, exactly rebuild_completion's lastSlot in the original.
type lastSlot struct {
	slot int
	pbn  page.PBN
}

// Rebuild runs one reference-count rebuild against a single block-map
// root. Grounded on rebuild_completion; simplified to one root per call
// (callers with multiple independent roots invoke Run once per root),
// matching the single-root scoping lookup.Machine already uses.
type Rebuild struct {
	forest external.Forest
	depot  external.SlabDepot
	vio    external.VIOLauncher
	cacheSize int
	logger    *zap.SugaredLogger
	m         *metrics.Zone

	rootIndex int
	leafPages int
	entryCount uint64
	last       lastSlot
	logicalBlocksUsed uint64

	mu          sync.Mutex
	launching   bool
	outstanding int
	pageToFetch int
	aborted     bool
	err         error
}

// New constructs a Rebuild bound to one forest/depot pair. cacheSize feeds
// the pageCount = min(cacheSize/2, maxSimultaneousReads) bound the way
// makeRebuildCompletion derives pageCount from getConfiguredCacheSize. vio
// is the write-queue a repaired leaf is flushed back through: a page whose
// entries rebuildReferenceCountsFromPage cleared in place must be durably
// rewritten before the sweep considers it done, per the original's
// "requeue the page for writing" step inside rebuild_reference_counts in
// referenceCountRebuild.c — without it, a crash before the page naturally
// re-dirties would silently revert the repair.
func New(forest external.Forest, depot external.SlabDepot, vio external.VIOLauncher, cacheSize int, logger *zap.SugaredLogger, m *metrics.Zone) *Rebuild {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if m == nil {
		m = metrics.NewNopZone()
	}
	return &Rebuild{forest: forest, depot: depot, vio: vio, cacheSize: cacheSize, logger: logger, m: m}
}

// Run rebuilds reference counts for one root: phase A charges the interior
// pages at heights [2, treeHeight], phase B sweeps the leafPages leaf pages
// (height 1, indices [0, leafPages)) belonging to this root. Returns the
// recovered logical-blocks-used count.
func (r *Rebuild) Run(ctx context.Context, rootIndex, treeHeight, leafPages int, entryCount uint64) (uint64, error) {
	r.rootIndex = rootIndex
	r.leafPages = leafPages
	r.entryCount = entryCount
	atomic.StoreUint64(&r.logicalBlocksUsed, 0)

	if err := r.traverseInteriorPages(ctx, treeHeight); err != nil {
		return 0, err
	}
	if err := r.rebuildFromLeaves(ctx, leafPages); err != nil {
		return 0, err
	}
	return atomic.LoadUint64(&r.logicalBlocksUsed), nil
}

// traverseInteriorPages implements phase A: traverseForest(processEntry) for
// every interior height of this root.
func (r *Rebuild) traverseInteriorPages(ctx context.Context, treeHeight int) error {
	for h := 2; h <= treeHeight; h++ {
		p, err := r.forest.Page(ctx, r.rootIndex, h, 0)
		if err != nil {
			return err
		}
		if p.PBN == page.ZeroBlock {
			continue
		}
		if err := r.processEntry(ctx, p.PBN); err != nil {
			return err
		}
	}
	return nil
}

// processEntry implements the original's processEntry: validate the
// interior page's own PBN and charge BLOCK_MAP_INCREMENT.
func (r *Rebuild) processEntry(ctx context.Context, pbn page.PBN) error {
	if r.depot == nil {
		return nil
	}
	if !r.depot.Contains(pbn) {
		return errors.Wrapf(blockmaperr.ErrBadMapping, "interior page pbn %v outside depot range", pbn)
	}
	return r.depot.AdjustReferenceCountForRebuild(ctx, pbn, external.BlockMapIncrement)
}

// rebuildFromLeaves implements phase B. pageToFetch/outstanding/launching
// mirror the original's dispatch bookkeeping even though this
// implementation's "cache fetch" (forest.Page) is a direct call rather than
// an async completion: the semaphore still bounds how many leaves are
// processed concurrently. launching is set around the dispatch loop and
// checked by finishIfDoneLocked, whose answer is not acted on: the sweep
// is complete when g.Wait returns.
func (r *Rebuild) rebuildFromLeaves(ctx context.Context, leafPages int) error {
	if leafPages > 0 {
		last, err := r.forest.Page(ctx, r.rootIndex, 1, leafPages-1)
		if err != nil {
			return err
		}
		r.last = lastSlot{slot: int(r.entryCount % uint64(page.EntriesPerPage)), pbn: last.PBN}
	}

	pageCount := r.workerCount(leafPages)
	sem := semaphore.NewWeighted(int64(pageCount))
	g, gctx := errgroup.WithContext(ctx)

	r.mu.Lock()
	r.launching = true
	r.outstanding = leafPages
	r.pageToFetch = 0
	r.mu.Unlock()

	for i := 0; i < leafPages; i++ {
		i := i
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			r.fetchPage(gctx, i)
			return nil
		})
	}

	r.mu.Lock()
	r.launching = false
	r.finishIfDoneLocked()
	r.mu.Unlock()

	if err := g.Wait(); err != nil {
		r.recordError(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// fetchPage is the original's fetchPage + pageLoaded collapsed into one
// step, since this engine's forest read is synchronous from the worker's
// point of view: load leaf idx, validate it, and fold it into the
// reference-count sweep.
func (r *Rebuild) fetchPage(ctx context.Context, idx int) {
	defer func() {
		r.mu.Lock()
		r.outstanding--
		if idx+1 > r.pageToFetch {
			r.pageToFetch = idx + 1
		}
		r.finishIfDoneLocked()
		r.mu.Unlock()
	}()

	leaf, err := r.forest.Page(ctx, r.rootIndex, 1, idx)
	if err != nil {
		r.recordError(err)
		return
	}
	if leaf.PBN == page.ZeroBlock {
		return // no logical mappings for this leaf
	}
	if r.depot != nil && !r.depot.Contains(leaf.PBN) {
		r.recordError(errors.Wrapf(blockmaperr.ErrBadMapping, "leaf %d pbn %v outside depot range", idx, leaf.PBN))
		return
	}
	if err := r.rebuildReferenceCountsFromPage(ctx, leaf); err != nil {
		r.recordError(err)
		return
	}
	r.m.RebuildLeafPages.Inc()
}

// rebuildReferenceCountsFromPage implements the original function of the
// same name: charge every live leaf mapping as DATA_INCREMENT, clearing
// anything invalid, zero, out-of-depot, or past the logical end of the
// address space.
func (r *Rebuild) rebuildReferenceCountsFromPage(ctx context.Context, leaf *page.TreePage) error {
	if !leaf.Initialized {
		return nil
	}

	isLastLeaf := leaf.PBN == r.last.pbn
	repaired := false

	for slot := range leaf.Entries {
		entry := leaf.Entries[slot]

		if isLastLeaf && slot >= r.last.slot && entry.IsMapped() {
			leaf.Entries[slot] = page.BlockMapEntry{}
			repaired = true
			continue
		}
		// Location validity (reserved state, or mapped with a zero PBN)
		// is checked without the depot callback here: an out-of-depot
		// PBN is a *separate*, later check (below) per the original's
		// ordering, so it still counts toward logicalBlocksUsed first.
		if page.IsInvalidTreeEntry(entry, false, nil) {
			leaf.Entries[slot] = page.BlockMapEntry{}
			repaired = true
			continue
		}
		if !entry.IsMapped() {
			continue
		}
		atomic.AddUint64(&r.logicalBlocksUsed, 1)
		if entry.PBN == page.ZeroBlock {
			continue
		}
		if r.depot != nil && !r.depot.Contains(entry.PBN) {
			leaf.Entries[slot] = page.BlockMapEntry{}
			repaired = true
			continue
		}
		if r.depot == nil {
			continue
		}
		if err := r.depot.AdjustReferenceCountForRebuild(ctx, entry.PBN, external.DataIncrement); err != nil {
			r.logger.Warnw("rebuild: clearing mapping after reference-count adjustment failure", "pbn", entry.PBN, "slot", slot, "err", err)
			leaf.Entries[slot] = page.BlockMapEntry{}
			repaired = true
		}
	}

	if repaired && r.vio != nil {
		if err := r.vio.WriteMetadata(ctx, leaf.PBN, page.EncodePage(leaf), false); err != nil {
			return errors.Wrapf(blockmaperr.ErrIO, "writing repaired leaf at %v: %v", leaf.PBN, err)
		}
	}
	return nil
}

// finishIfDoneLocked mirrors finishIfDone's shape for narrative fidelity;
// the actual completion barrier this implementation relies on is
// errgroup.Wait in rebuildFromLeaves. Caller must hold r.mu.
func (r *Rebuild) finishIfDoneLocked() bool {
	if r.launching || r.outstanding > 0 {
		return false
	}
	if r.aborted {
		return true
	}
	return r.pageToFetch >= r.leafPages
}

func (r *Rebuild) recordError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
	}
	r.aborted = true
}

// workerCount implements pageCount = min(cacheSize/2, maxSimultaneousReads),
// clamped to leafPages and to at least 1.
func (r *Rebuild) workerCount(leafPages int) int {
	n := r.cacheSize / 2
	if n > maxSimultaneousReads {
		n = maxSimultaneousReads
	}
	if n < 1 {
		n = 1
	}
	if leafPages > 0 && n > leafPages {
		n = leafPages
	}
	return n
}
