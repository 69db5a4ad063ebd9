package main

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arboreal-systems/blockmap/external"
	"github.com/arboreal-systems/blockmap/page"
)

func writeTestImage(t *testing.T, treeHeight, leafPages int, entryCount uint64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.bin")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	var hdr [fileHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(treeHeight))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(leafPages))
	binary.LittleEndian.PutUint64(hdr[8:16], entryCount)
	_, err = f.Write(hdr[:])
	require.NoError(t, err)

	recordCount := (treeHeight - 1) + leafPages
	for i := 0; i < recordCount; i++ {
		rec := make([]byte, pageRecordSize)
		rec[0] = 1 // initialized
		binary.LittleEndian.PutUint64(rec[1:9], uint64(100+i))
		_, err := f.Write(rec)
		require.NoError(t, err)
	}
	return path
}

func TestFileForestReadsInteriorAndLeafRecords(t *testing.T) {
	path := writeTestImage(t, 3, 2, 10)
	ff, entryCount, err := openFileForest(path)
	require.NoError(t, err)
	defer ff.close()
	require.EqualValues(t, 10, entryCount)

	h2, err := ff.Page(context.Background(), 0, 2, 0)
	require.NoError(t, err)
	require.True(t, h2.Initialized)
	require.EqualValues(t, 100, h2.PBN)

	leaf0, err := ff.Page(context.Background(), 0, 1, 0)
	require.NoError(t, err)
	require.EqualValues(t, 102, leaf0.PBN) // after h2 (idx0) and h3 (idx1)

	leaf1, err := ff.Page(context.Background(), 0, 1, 1)
	require.NoError(t, err)
	require.EqualValues(t, 103, leaf1.PBN)
}

func TestFileSlabDepotRoundTripsReferenceCounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "refcounts.bin")
	d, err := openFileSlabDepot(path, 100, 200)
	require.NoError(t, err)
	defer d.close()

	require.True(t, d.Contains(150))
	require.False(t, d.Contains(50))

	require.NoError(t, d.AdjustReferenceCountForRebuild(context.Background(), 150, external.BlockMapIncrement))
	require.NoError(t, d.AdjustReferenceCountForRebuild(context.Background(), 150, external.DataIncrement))

	var b [1]byte
	_, err = d.f.ReadAt(b[:], 50)
	require.NoError(t, err)
	require.EqualValues(t, 2, b[0])

	err = d.AdjustReferenceCountForRebuild(context.Background(), page.PBN(999), external.DataIncrement)
	require.Error(t, err)
}
