// Package treezone implements C4, the tree-zone core: the generation-clock
// flush protocol, per-page write pipeline, and read-only poisoning that
// every logical zone runs (spec §4.4). It also owns the zone's VIO pool
// (C1), dirty-lists (C2), and loading-page map (C3), since the spec
// describes these as zone-owned resources (spec §3's Tree zone entity).
//
// Grounded on the teacher's BufMgr (bufmgr.go) as the zone's encompassing
// state-holder — one struct owning the pool, the lock table, and the
// generation/flush bookkeeping, mutated only by its own caller, the way
// BufMgr is only ever touched through its own methods. The generation
// clock and flush protocol themselves have no teacher analogue; they are
// built directly from spec §4.4 and the design notes in spec §9.
package treezone

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/arboreal-systems/blockmap/blockmaperr"
	"github.com/arboreal-systems/blockmap/dirtylist"
	"github.com/arboreal-systems/blockmap/external"
	"github.com/arboreal-systems/blockmap/internal/genclock"
	"github.com/arboreal-systems/blockmap/lockmap"
	"github.com/arboreal-systems/blockmap/metrics"
	"github.com/arboreal-systems/blockmap/page"
	"github.com/arboreal-systems/blockmap/viopool"
)

// PageState is the zone-private lifecycle state of a tracked tree page
// (spec §4.4).
type PageState int

const (
	StateIdle PageState = iota
	StateDirtyQueued
	StateWaitingFlush
	StateAcquiringVIO
	StateWriting
)

// zonePage bundles a forest-owned TreePage with the zone-private
// bookkeeping the flush protocol needs: its dirty-list ring membership and
// current PageState. Addressed throughout by stable arena index, never by
// pointer, per spec §9's ring-node design note.
type zonePage struct {
	dirtylist.Node
	tree  *page.TreePage
	state PageState
}

// Config bundles the construction-time parameters named in spec §6.
type Config struct {
	VIOPoolSize int
	BlockSize   int
	EraLength   uint64
	RootIndex   int
}

// Zone is one logical zone's tree-zone core (spec §3's "Tree zone"
// entity). All mutating methods must be called from the single goroutine
// that owns the zone (there is no internal locking beyond that
// discipline, mirroring spec §5's "mutated only on its owning zone
// thread").
type Zone struct {
	mu sync.Mutex // guards only cross-goroutine read of the read-only flag; see IsReadOnly

	cfg Config

	clock            genclock.Clock
	dirtyPageCounts  [genclock.Modulus]int
	flusher          int // zonePage index, or -1
	flushWaiters     []int
	activeLookups    int
	draining         bool
	readOnly         bool

	pages      []*zonePage
	LoadingPages *lockmap.Map
	VIOPool      *viopool.Pool
	DirtyLists   *dirtylist.List

	journal  external.RecoveryJournal
	notifier external.ReadOnlyNotifier
	vio      external.VIOLauncher

	logger *zap.SugaredLogger
	m      *metrics.Zone
}

// New constructs a Zone with its own VIO pool, dirty-lists, and
// loading-page map, wired to the supplied external collaborators.
func New(cfg Config, journal external.RecoveryJournal, notifier external.ReadOnlyNotifier, vio external.VIOLauncher, logger *zap.SugaredLogger, m *metrics.Zone) (*Zone, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if m == nil {
		m = metrics.NewNopZone()
	}
	pool, err := viopool.New(cfg.VIOPoolSize, cfg.BlockSize)
	if err != nil {
		return nil, err
	}
	z := &Zone{
		cfg:      cfg,
		flusher:  -1,
		LoadingPages: lockmap.New(),
		VIOPool:      pool,
		journal:  journal,
		notifier: notifier,
		vio:      vio,
		logger:   logger,
		m:        m,
	}
	dl, err := dirtylist.New(cfg.EraLength, z.dirtyNodeAt, z.dirtyIntake)
	if err != nil {
		return nil, err
	}
	z.DirtyLists = dl
	return z, nil
}

func (z *Zone) dirtyNodeAt(idx int) *dirtylist.Node {
	return &z.pages[idx].Node
}

// RegisterPage appends tp to the zone's tracked page arena and returns its
// arena index (the number of pages registered before it). tp.Index is
// neither read nor set, so the two indices can differ.
func (z *Zone) RegisterPage(tp *page.TreePage) int {
	idx := len(z.pages)
	z.pages = append(z.pages, &zonePage{tree: tp, state: StateIdle})
	z.m.TrackedPages.Set(float64(len(z.pages)))
	return idx
}

// Page exposes the forest-owned TreePage for idx, for callers (e.g.
// lookup) that need to read/mutate tree contents directly.
func (z *Zone) Page(idx int) *page.TreePage {
	return z.pages[idx].tree
}

// AddToDirtyLists implements spec §4.5's add_to_dirty_lists(node, old_lock,
// recovery_lock): stamps the page's RecoveryLock with newLock (the fresh
// journal sequence number) and re-tags it on the dirty-lists, exactly the
// way finish_block_map_allocation enrolls a freshly-allocated parent page.
func (z *Zone) AddToDirtyLists(idx int, oldLock, newLock uint64) {
	z.pages[idx].tree.RecoveryLock = newLock
	z.DirtyLists.Add(idx, oldLock, newLock)
	z.m.DirtyPagesTotal.Add(1)
}

// FinishAllocation implements spec §4.5's finish_block_map_allocation
// bookkeeping for the just-stamped parent page idx: if the page is
// mid-flush and not itself the current flusher, bump its generation
// (decrementing the old bucket) so the in-flight flush picks up the new
// entry on its next pass; otherwise enroll it on the dirty lists the
// normal way.
func (z *Zone) FinishAllocation(idx int, oldLock, newLock uint64) error {
	zp := z.pages[idx]
	if zp.state == StateWaitingFlush && idx != z.flusher {
		if err := z.setGeneration(idx, z.clock.Current, true); err != nil {
			return err
		}
		zp.tree.RecoveryLock = newLock
		return nil
	}
	z.AddToDirtyLists(idx, oldLock, newLock)
	return nil
}

// IsReadOnly reports whether the zone has entered read-only mode. Safe to
// call from any goroutine (e.g. a metrics poller or an admin/drain
// collaborator), unlike the rest of Zone's methods.
func (z *Zone) IsReadOnly() bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.readOnly
}

// BeginLookup implements the active_lookups++ / shutting-down check from
// spec §4.5 step 1.
func (z *Zone) BeginLookup() error {
	if z.draining {
		return blockmaperr.ErrShuttingDown
	}
	z.activeLookups++
	return nil
}

// EndLookup implements finish_lookup's active_lookups-- (spec §4.5).
func (z *Zone) EndLookup() {
	z.activeLookups--
}

// dirtyIntake is dirtylist's ExpireFunc, wired at construction. It
// implements spec §4.4's "Dirty intake": for each expired page, stamp the
// current generation and enqueue it if not already writing.
func (z *Zone) dirtyIntake(expired []int) {
	for _, idx := range expired {
		z.intakeOne(idx)
	}
}

func (z *Zone) intakeOne(idx int) {
	zp := z.pages[idx]
	if zp.state == StateWaitingFlush || zp.state == StateAcquiringVIO {
		z.EnterReadOnly(errorf(blockmaperr.ErrAssertion, "page %d: dirty intake while already waiting", idx))
		return
	}
	if err := z.setGeneration(idx, z.clock.Current, false); err != nil {
		z.EnterReadOnly(err)
		return
	}
	if zp.state != StateWriting {
		z.enqueuePage(idx)
	}
}

// setGeneration stamps page idx with generation g, adjusting
// dirtyPageCounts. When decrementOld is true, the page's previous
// generation bucket is decremented first (spec §4.4 step "finish_block_map_allocation":
// "bump its generation with decrement_old=true").
func (z *Zone) setGeneration(idx int, g genclock.Generation, decrementOld bool) error {
	zp := z.pages[idx]
	if decrementOld {
		z.dirtyPageCounts[zp.tree.Generation]--
		if z.dirtyPageCounts[zp.tree.Generation] < 0 {
			return errorf(blockmaperr.ErrAssertion, "dirty count underflow at generation %d", zp.tree.Generation)
		}
	}
	zp.tree.Generation = g
	z.dirtyPageCounts[g]++
	if z.dirtyPageCounts[g] == 0 {
		return errorf(blockmaperr.ErrAssertion, "dirty count overflow at generation %d", g)
	}
	return nil
}

// enqueuePage implements spec §4.4's enqueue_page(page).
func (z *Zone) enqueuePage(idx int) {
	if z.flusher == -1 && z.clock.AttemptIncrement() {
		z.flusher = idx
		z.pages[idx].state = StateAcquiringVIO
		z.acquireVIO(idx)
		return
	}
	z.pages[idx].state = StateWaitingFlush
	z.flushWaiters = append(z.flushWaiters, idx)
}

// acquireVIO arms writePage for page idx as the pool-acquisition callback (spec §4.4's "acquire_vio(page)").
func (z *Zone) acquireVIO(idx int) {
	z.VIOPool.Acquire(viopool.WaiterFunc(func(e *viopool.Entry) {
		z.writePage(idx, e)
	}))
}

// writePage implements spec §4.4's write_page(page, entry).
func (z *Zone) writePage(idx int, entry *viopool.Entry) {
	zp := z.pages[idx]
	if idx != z.flusher && z.clock.IsNotOlder(zp.tree.Generation, z.clock.Current) {
		z.enqueuePage(idx)
		z.VIOPool.Release(entry)
		return
	}

	zp.state = StateWriting
	zp.tree.Writing = true
	zp.tree.WritingGeneration = zp.tree.Generation
	zp.tree.WritingRecoveryLock = zp.tree.RecoveryLock
	zp.tree.RecoveryLock = 0

	packed := encodePage(zp.tree)
	copy(entry.Buffer, packed)

	withFlush := idx == z.flusher
	ctx := context.Background()
	err := z.vio.WriteMetadata(ctx, zp.tree.PBN, entry.Buffer, withFlush)
	if err != nil {
		z.handleWriteError(idx, entry, err)
		return
	}
	z.m.FlushWrites.Inc()
	z.finishPageWrite(idx, entry)
}

func (z *Zone) handleWriteError(idx int, entry *viopool.Entry, err error) {
	z.VIOPool.Release(entry)
	z.EnterReadOnly(errorf(blockmaperr.ErrIO, "writing page %d: %v", idx, err))
}

// finishPageWrite implements spec §4.4's finish_page_write.
func (z *Zone) finishPageWrite(idx int, entry *viopool.Entry) {
	zp := z.pages[idx]

	if zp.tree.WritingRecoveryLock != 0 && z.journal != nil {
		_ = z.journal.ReleaseBlockReference(context.Background(), zp.tree.WritingRecoveryLock)
	}

	dirty := zp.tree.WritingGeneration != zp.tree.Generation

	z.releaseGeneration(zp.tree.WritingGeneration)
	zp.tree.Writing = false
	zp.tree.Initialized = true

	if idx == z.flusher {
		waiters := z.flushWaiters
		z.flushWaiters = nil
		ctx := flushContext{generation: zp.tree.WritingGeneration}
		for _, w := range waiters {
			z.writePageIfNotDirtied(w, ctx)
		}

		if dirty && z.clock.AttemptIncrement() {
			z.writePage(idx, entry)
			return
		}
		z.flusher = -1
	}

	if dirty {
		zp.state = StateDirtyQueued
		z.enqueuePage(idx)
	} else if z.flusher == -1 && len(z.flushWaiters) > 0 && z.clock.AttemptIncrement() {
		w := z.flushWaiters[0]
		z.flushWaiters = z.flushWaiters[1:]
		z.flusher = w
		z.writePage(w, entry)
	} else {
		zp.state = StateIdle
		z.VIOPool.Release(entry)
		z.m.CheckDrainComplete(z.IsTreeZoneActive())
	}
}

// releaseGeneration decrements the bucket for g and advances Oldest while
// the oldest bucket is empty and not equal to Current (spec §4.4 step 3).
func (z *Zone) releaseGeneration(g genclock.Generation) {
	z.dirtyPageCounts[g]--
	for z.dirtyPageCounts[z.clock.Oldest] == 0 && z.clock.Oldest != z.clock.Current {
		z.clock.Oldest++
	}
}

type flushContext struct {
	generation genclock.Generation
}

// writePageIfNotDirtied implements spec §4.4's write_page_if_not_dirtied.
func (z *Zone) writePageIfNotDirtied(idx int, ctx flushContext) {
	zp := z.pages[idx]
	if zp.tree.Generation == ctx.generation {
		z.acquireVIO(idx)
		return
	}
	z.enqueuePage(idx)
}

// EnterReadOnly implements spec §4.4's enter_zone_read_only_mode.
func (z *Zone) EnterReadOnly(cause error) {
	z.mu.Lock()
	alreadyReadOnly := z.readOnly
	z.readOnly = true
	z.mu.Unlock()
	if alreadyReadOnly {
		return
	}
	z.logger.Errorw("entering read-only mode", "cause", cause)
	z.m.ReadOnlyTransitions.Inc()
	if z.notifier != nil {
		z.notifier.EnterReadOnlyMode(context.Background(), cause)
	}
	waiters := z.flushWaiters
	z.flushWaiters = nil
	for _, idx := range waiters {
		z.pages[idx].state = StateIdle
	}
	z.m.CheckDrainComplete(z.IsTreeZoneActive())
}

// DrainZoneTrees implements spec §4.4's drain_zone_trees.
func (z *Zone) DrainZoneTrees(suspending bool) error {
	if z.activeLookups != 0 {
		return errorf(blockmaperr.ErrAssertion, "drain_zone_trees called with %d active lookups", z.activeLookups)
	}
	z.draining = true
	if !suspending {
		z.DirtyLists.Flush()
	}
	return nil
}

// IsTreeZoneActive implements spec §4.4's is_tree_zone_active.
func (z *Zone) IsTreeZoneActive() bool {
	return z.activeLookups > 0 || len(z.flushWaiters) > 0 || z.VIOPool.IsBusy()
}

// encodePage serializes tp's full on-disk record: the identity header
// (spec §6's validate_block_map_page fields) followed by the packed
// entries, so a later load can detect a stale or foreign-nonce page
// (spec §4.5's nonce-mismatch check, Scenario S4).
func encodePage(tp *page.TreePage) []byte {
	return page.EncodePage(tp)
}

func errorf(sentinel error, format string, args ...interface{}) error {
	return wrapf(sentinel, format, args...)
}
