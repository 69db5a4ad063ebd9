package genclock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInCyclicRange(t *testing.T) {
	tests := []struct {
		name           string
		low, x, high   Generation
		m              int
		expectedResult bool
	}{
		{"simple middle", 1, 2, 3, Modulus, true},
		{"below range", 1, 0, 3, Modulus, false},
		{"above range", 1, 4, 3, Modulus, false},
		{"wraps forward", 250, 2, 4, Modulus, true},
		{"wraps, out of range", 250, 10, 4, Modulus, false},
		{"single point", 5, 5, 5, Modulus, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expectedResult, InCyclicRange(tt.low, tt.x, tt.high, tt.m))
		})
	}
}

func TestAttemptIncrement(t *testing.T) {
	c := &Clock{Current: 0, Oldest: 0}
	require.True(t, c.AttemptIncrement())
	require.EqualValues(t, 1, c.Current)

	// Drive oldest == current+1 (every one of the 256 generations in flight).
	c2 := &Clock{Current: 5, Oldest: 6}
	require.False(t, c2.AttemptIncrement())
	require.EqualValues(t, 5, c2.Current)
}

func TestAttemptIncrementWrapsAcrossModulus(t *testing.T) {
	c := &Clock{Current: 255, Oldest: 1}
	require.True(t, c.AttemptIncrement())
	require.EqualValues(t, 0, c.Current)
}

func TestIsNotOlder(t *testing.T) {
	current := Generation(10)
	require.True(t, IsNotOlder(8, 5, current))
	require.False(t, IsNotOlder(5, 8, current))
	require.False(t, IsNotOlder(5, 5, current))
}

func TestClockIsNotOlderRequiresBothWithinWindow(t *testing.T) {
	c := &Clock{Oldest: 5, Current: 10}
	require.True(t, c.IsNotOlder(8, 6)) // both tracked, 8 after 6

	// Neither generation below Oldest is still tracked, so the comparison
	// is meaningless and must report false rather than answer using stale
	// arithmetic.
	require.False(t, c.IsNotOlder(3, 6))
	require.False(t, c.IsNotOlder(8, 3))
	require.False(t, c.IsNotOlder(3, 3))
}
