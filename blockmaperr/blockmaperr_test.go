package blockmaperr

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestIsReadOnlyCausing(t *testing.T) {
	require.True(t, IsReadOnlyCausing(ErrBadMapping))
	require.True(t, IsReadOnlyCausing(errors.Wrap(ErrIO, "write failed")))
	require.False(t, IsReadOnlyCausing(ErrNoSpace))
	require.False(t, IsReadOnlyCausing(ErrShuttingDown))
}

func TestTranslateForRead(t *testing.T) {
	require.NoError(t, TranslateForRead(ErrNoSpace))
	require.ErrorIs(t, TranslateForRead(ErrBadMapping), ErrBadMapping)
}

func TestTranslateForWrite(t *testing.T) {
	require.NoError(t, TranslateForWrite(nil))
	require.ErrorIs(t, TranslateForWrite(ErrNoSpace), ErrNoSpace)

	got := TranslateForWrite(ErrBadMapping)
	require.ErrorIs(t, got, ErrReadOnly)
}
