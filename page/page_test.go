package page

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPackUnpackEntryRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		entry BlockMapEntry
	}{
		{"unmapped", BlockMapEntry{PBN: 0, State: MappingStateUnmapped}},
		{"mapped uncompressed", BlockMapEntry{PBN: 123456789, State: MappingStateUncompressed}},
		{"mapped compressed", BlockMapEntry{PBN: 1, State: MappingStateCompressed}},
		{"max pbn", BlockMapEntry{PBN: (1 << 36) - 1, State: MappingStateUncompressed}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			packed := PackEntry(tt.entry)
			got := UnpackEntry(packed)
			require.Equal(t, tt.entry, got)
		})
	}
}

func TestIsMapped(t *testing.T) {
	require.False(t, BlockMapEntry{State: MappingStateUnmapped}.IsMapped())
	require.True(t, BlockMapEntry{State: MappingStateUncompressed}.IsMapped())
}

func TestFormatResetsPage(t *testing.T) {
	p := NewTreePage(3)
	p.Initialized = true
	p.Generation = 7
	p.Entries[0] = BlockMapEntry{PBN: 5, State: MappingStateUncompressed}

	p.Format()

	require.False(t, p.Initialized)
	require.EqualValues(t, 0, p.Generation)
	require.Equal(t, BlockMapEntry{}, p.Entries[0])
}

func TestValidate(t *testing.T) {
	require.Equal(t, ValidationValid, Validate(42, 42, 7, 7))
	require.Equal(t, ValidationBad, Validate(42, 42, 7, 8))
	require.Equal(t, ValidationNonceMismatch, Validate(42, 41, 7, 7))
}

func TestIsInvalidTreeEntry(t *testing.T) {
	depotContains := func(pbn PBN) bool { return pbn < 100 }

	require.False(t, IsInvalidTreeEntry(BlockMapEntry{State: MappingStateUnmapped}, false, depotContains))
	require.True(t, IsInvalidTreeEntry(BlockMapEntry{PBN: 0, State: MappingStateUncompressed}, false, depotContains))
	require.True(t, IsInvalidTreeEntry(BlockMapEntry{PBN: 200, State: MappingStateUncompressed}, false, depotContains))
	require.False(t, IsInvalidTreeEntry(BlockMapEntry{PBN: 50, State: MappingStateUncompressed}, false, depotContains))
	// Root height skips the depot range check.
	require.False(t, IsInvalidTreeEntry(BlockMapEntry{PBN: 200, State: MappingStateUncompressed}, true, depotContains))
}
