package viopool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseImmediate(t *testing.T) {
	p, err := New(2, 16)
	require.NoError(t, err)
	require.False(t, p.IsBusy())

	var got *Entry
	p.Acquire(WaiterFunc(func(e *Entry) { got = e }))
	require.NotNil(t, got)
	require.True(t, p.IsBusy())

	p.Release(got)
	require.False(t, p.IsBusy())
}

func TestAcquireExhaustionQueuesWaiter(t *testing.T) {
	p, err := New(1, 16)
	require.NoError(t, err)

	var first *Entry
	p.Acquire(WaiterFunc(func(e *Entry) { first = e }))
	require.NotNil(t, first)

	var second *Entry
	p.Acquire(WaiterFunc(func(e *Entry) { second = e }))
	require.Nil(t, second, "pool exhausted: second waiter must not be served yet")
	require.True(t, p.IsBusy())

	p.Release(first)
	require.NotNil(t, second, "releasing should dispatch the queued waiter")
	require.True(t, p.IsBusy(), "the dispatched entry is still checked out")

	p.Release(second)
	require.False(t, p.IsBusy())
}

func TestWaitersServedFIFO(t *testing.T) {
	p, err := New(1, 16)
	require.NoError(t, err)

	var first *Entry
	p.Acquire(WaiterFunc(func(e *Entry) { first = e }))

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		p.Acquire(WaiterFunc(func(e *Entry) { order = append(order, i) }))
	}

	p.Release(first) // should dispatch waiter 0
	p.Release(&p.entries[0])
	p.Release(&p.entries[0])

	require.Equal(t, []int{0, 1, 2}, order)
}

func TestNewRejectsInvalidSizes(t *testing.T) {
	_, err := New(0, 16)
	require.Error(t, err)
	_, err = New(1, 0)
	require.Error(t, err)
}
