package rebuild

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arboreal-systems/blockmap/external/externaltest"
	"github.com/arboreal-systems/blockmap/page"
)

func TestRunChargesInteriorAndSweepsLeaves(t *testing.T) {
	ctx := context.Background()
	forest := externaltest.NewForest()
	depot := externaltest.NewDepot(100, 1000)

	h2, err := forest.Page(ctx, 0, 2, 0)
	require.NoError(t, err)
	h2.PBN = 100

	h3, err := forest.Page(ctx, 0, 3, 0)
	require.NoError(t, err)
	h3.PBN = 101

	leaf0, err := forest.Page(ctx, 0, 1, 0)
	require.NoError(t, err)
	leaf0.PBN = 200
	leaf0.Initialized = true
	leaf0.Entries[0] = page.PackPBN(300, page.MappingStateUncompressed)    // valid, in depot
	leaf0.Entries[1] = page.PackPBN(5000, page.MappingStateUncompressed)   // mapped but outside depot

	leaf1, err := forest.Page(ctx, 0, 1, 1)
	require.NoError(t, err)
	leaf1.PBN = 201
	leaf1.Initialized = true
	leaf1.Entries[0] = page.PackPBN(310, page.MappingStateUncompressed)  // kept: slot < lastSlot.slot
	leaf1.Entries[10] = page.PackPBN(320, page.MappingStateUncompressed) // cleared: slot >= lastSlot.slot on the last leaf

	vio := externaltest.NewVIOLauncher()
	r := New(forest, depot, vio, 8, nil, nil)
	entryCount := uint64(page.EntriesPerPage) + 5 // leafPages=2, lastSlot.slot == 5

	used, err := r.Run(ctx, 0, 3, 2, entryCount)
	require.NoError(t, err)

	// leaf0.Entries[0] (valid) and leaf0.Entries[1] (mapped but bad pbn,
	// counted before being cleared) and leaf1.Entries[0] all count;
	// leaf1.Entries[10] is past lastSlot and is cleared before counting.
	require.EqualValues(t, 3, used)

	require.EqualValues(t, page.BlockMapEntry{}, leaf0.Entries[1])
	require.EqualValues(t, page.BlockMapEntry{}, leaf1.Entries[10])
	require.EqualValues(t, page.PBN(310), leaf1.Entries[0].PBN)

	require.Equal(t, 1, depot.RefCount(100)) // interior page at height 2
	require.Equal(t, 1, depot.RefCount(101)) // interior page at height 3
	require.Equal(t, 1, depot.RefCount(300)) // leaf0's valid mapping

	// Both leaves were repaired in place (each cleared at least one entry),
	// so both must have been requeued for a durable write reflecting the
	// repaired state, not just the in-memory clear.
	for _, leaf := range []*page.TreePage{leaf0, leaf1} {
		buf := make([]byte, page.HeaderSize+page.EntriesPerPage*page.EntrySize)
		require.NoError(t, vio.ReadMetadata(ctx, leaf.PBN, buf))
		require.Equal(t, page.EncodePage(leaf), buf)
	}
}

func TestRunPropagatesInteriorDepotError(t *testing.T) {
	ctx := context.Background()
	forest := externaltest.NewForest()
	depot := externaltest.NewDepot(100, 1000)

	h2, err := forest.Page(ctx, 0, 2, 0)
	require.NoError(t, err)
	h2.PBN = 5 // outside depot range

	r := New(forest, depot, externaltest.NewVIOLauncher(), 8, nil, nil)
	_, err = r.Run(ctx, 0, 2, 0, 0)
	require.Error(t, err)
}

func TestRunSkipsUnallocatedLeaves(t *testing.T) {
	ctx := context.Background()
	forest := externaltest.NewForest()
	depot := externaltest.NewDepot(100, 1000)

	r := New(forest, depot, externaltest.NewVIOLauncher(), 8, nil, nil)
	used, err := r.Run(ctx, 0, 1, 3, 0)
	require.NoError(t, err)
	require.EqualValues(t, 0, used)
}
