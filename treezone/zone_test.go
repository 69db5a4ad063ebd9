package treezone

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arboreal-systems/blockmap/external/externaltest"
	"github.com/arboreal-systems/blockmap/page"
)

func newTestZone(t *testing.T, poolSize int) (*Zone, *externaltest.VIOLauncher) {
	vio := externaltest.NewVIOLauncher()
	journal := externaltest.NewJournal()
	notifier := &externaltest.ReadOnlyNotifier{}
	z, err := New(Config{VIOPoolSize: poolSize, BlockSize: 64, EraLength: 8}, journal, notifier, vio, nil, nil)
	require.NoError(t, err)
	return z, vio
}

func registerDirtyPage(t *testing.T, z *Zone, pbn page.PBN) int {
	tp := page.NewTreePage(0)
	tp.PBN = pbn
	idx := z.RegisterPage(tp)
	z.AddToDirtyLists(idx, 0, uint64(idx+1))
	return idx
}

func TestSingleDirtyPageFlushesAndGoesIdle(t *testing.T) {
	z, vio := newTestZone(t, 4)
	idx := registerDirtyPage(t, z, 100)

	z.DirtyLists.AdvancePeriod(10) // past the one-bucket era, triggers dirty intake -> enqueue -> write

	require.EqualValues(t, StateIdle, z.pages[idx].state)
	require.False(t, z.pages[idx].tree.Writing)
	require.True(t, z.pages[idx].tree.Initialized)
	require.Equal(t, -1, z.flusher)
	_ = vio
}

func TestPoolOfOneWritesAllExpiredPagesInTurn(t *testing.T) {
	z, _ := newTestZone(t, 1)
	idx1 := registerDirtyPage(t, z, 1)
	idx2 := registerDirtyPage(t, z, 2)
	idx3 := registerDirtyPage(t, z, 3)

	z.DirtyLists.AdvancePeriod(10)

	// The pool has one entry and this fake VIOLauncher is synchronous, so
	// each expired page's write completes and returns the entry to the
	// pool before the next page acquires it; all three end up written in
	// turn without any page waiting in the pool's queue.
	require.EqualValues(t, StateIdle, z.pages[idx1].state)
	require.EqualValues(t, StateIdle, z.pages[idx2].state)
	require.EqualValues(t, StateIdle, z.pages[idx3].state)
	require.False(t, z.IsTreeZoneActive())
}

func TestWriteErrorEntersReadOnly(t *testing.T) {
	z, vio := newTestZone(t, 4)
	vio.FailPBN[55] = true
	registerDirtyPage(t, z, 55)

	z.DirtyLists.AdvancePeriod(10)

	require.True(t, z.IsReadOnly())
}

func TestDrainZoneTreesRejectsActiveLookups(t *testing.T) {
	z, _ := newTestZone(t, 4)
	require.NoError(t, z.BeginLookup())

	err := z.DrainZoneTrees(false)
	require.Error(t, err)
}

func TestDrainZoneTreesFlushesDirtyLists(t *testing.T) {
	z, _ := newTestZone(t, 4)
	idx := registerDirtyPage(t, z, 7)

	require.NoError(t, z.DrainZoneTrees(false))

	require.EqualValues(t, StateIdle, z.pages[idx].state)
}

func TestIsTreeZoneActive(t *testing.T) {
	z, _ := newTestZone(t, 4)
	require.False(t, z.IsTreeZoneActive())

	require.NoError(t, z.BeginLookup())
	require.True(t, z.IsTreeZoneActive())
	z.EndLookup()
	require.False(t, z.IsTreeZoneActive())
}
