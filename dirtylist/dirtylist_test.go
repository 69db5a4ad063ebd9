package dirtylist

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestList(t *testing.T, eraLength uint64) (*List, []Node) {
	nodes := make([]Node, 16)
	accessor := func(idx int) *Node { return &nodes[idx] }
	l, err := New(eraLength, accessor, nil)
	require.NoError(t, err)
	return l, nodes
}

func TestAddFreshNode(t *testing.T) {
	l, nodes := newTestList(t, 4)
	l.Add(0, 0, 5)
	require.True(t, nodes[0].OnList())
	require.EqualValues(t, 5, nodes[0].Lock())
}

func TestAddRetagsExistingNode(t *testing.T) {
	l, nodes := newTestList(t, 4)
	l.Add(0, 0, 1)
	l.Add(0, 1, 9)
	require.EqualValues(t, 9, nodes[0].Lock())
}

func TestAdvancePeriodExpiresInEraOrder(t *testing.T) {
	var expiredBatches [][]int
	nodes := make([]Node, 8)
	accessor := func(idx int) *Node { return &nodes[idx] }
	l, err := New(4, accessor, func(expired []int) {
		batch := append([]int(nil), expired...)
		expiredBatches = append(expiredBatches, batch)
	})
	require.NoError(t, err)

	l.Add(0, 0, 1)
	l.Add(1, 0, 2)
	l.Add(2, 0, 9) // era far in the future: bucket 9%4=1, shares bucket w/ idx0 (lock 1) but different period

	l.AdvancePeriod(3) // expires buckets for periods 0,1,2 -> locks 1 and 2

	require.Len(t, expiredBatches, 1)
	require.ElementsMatch(t, []int{0, 1}, expiredBatches[0])
	require.False(t, nodes[0].OnList())
	require.False(t, nodes[1].OnList())
	require.True(t, nodes[2].OnList(), "lock 9 has not come due yet")
}

func TestFlushExpiresEverythingImmediately(t *testing.T) {
	var expired []int
	nodes := make([]Node, 8)
	accessor := func(idx int) *Node { return &nodes[idx] }
	l, err := New(4, accessor, func(e []int) { expired = e })
	require.NoError(t, err)

	l.Add(0, 0, 100)
	l.Add(1, 0, 101)

	l.Flush()

	require.ElementsMatch(t, []int{0, 1}, expired)
	require.False(t, nodes[0].OnList())
	require.False(t, nodes[1].OnList())
}

func TestNewRejectsZeroEraLength(t *testing.T) {
	_, err := New(0, func(int) *Node { return nil }, nil)
	require.Error(t, err)
}
