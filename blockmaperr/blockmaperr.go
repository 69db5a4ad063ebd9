// Package blockmaperr holds the sentinel error values for the block-map
// engine (spec §7) and the propagation-policy helpers layered on top of
// them. The teacher expresses its one error domain as a single enum,
// BLTErr (blterr.go); this package generalizes that shape into named
// sentinels suited to the richer per-kind propagation table the block-map
// error design requires, wrapped at call sites with github.com/pkg/errors
// so context survives without losing Is/Cause comparability.
package blockmaperr

import "github.com/pkg/errors"

// Sentinel errors, one per row of spec §7's error-kind table.
var (
	// ErrNoSpace is returned by the allocator when no physical block is
	// available. Reads translate this to success (a zero mapping);
	// waiters on a failed allocation see ErrReadOnly instead.
	ErrNoSpace = errors.New("block map: out of space")

	// ErrBadMapping marks a tree entry or rebuild-time leaf slot that
	// fails validation (out-of-range PBN, invalid location encoding).
	ErrBadMapping = errors.New("block map: bad mapping")

	// ErrBadPage marks a page that fails its on-disk validation
	// (nonce/PBN mismatch, corrupt header).
	ErrBadPage = errors.New("block map: bad page")

	// ErrCorruptComponent marks restore-path structural corruption
	// (bad zone count, truncated delta-list record stream).
	ErrCorruptComponent = errors.New("block map: corrupt component")

	// ErrChecksumMismatch marks a super-block whose CRC-32 does not
	// match its encoded content.
	ErrChecksumMismatch = errors.New("block map: checksum mismatch")

	// ErrUnsupportedVersion marks a super-block header that fails
	// identity validation against the fixed template, or whose declared
	// size exceeds the available buffer.
	ErrUnsupportedVersion = errors.New("block map: unsupported version")

	// ErrAssertion marks an internal invariant violation (cyclic-range
	// violation, dirty-count over/underflow, unlocked release). Always
	// routes the owning zone into read-only mode.
	ErrAssertion = errors.New("block map: assertion failure")

	// ErrIO marks a VIO read or write completing with an error.
	ErrIO = errors.New("block map: I/O error")

	// ErrReadOnly is returned to callers once a zone has entered
	// read-only mode and to non-read requests whose allocation failed
	// for a reason other than ErrNoSpace.
	ErrReadOnly = errors.New("block map: zone is read-only")

	// ErrShuttingDown is returned to a lookup that begins after the
	// owning zone started draining.
	ErrShuttingDown = errors.New("block map: zone shutting down")
)

// IsReadOnlyCausing reports whether err should force the owning zone into
// read-only mode per spec §7: every corruption/assertion/IO kind does;
// ErrNoSpace, ErrUnsupportedVersion, and ErrShuttingDown do not.
func IsReadOnlyCausing(err error) bool {
	switch errors.Cause(err) {
	case ErrBadMapping, ErrBadPage, ErrCorruptComponent, ErrChecksumMismatch, ErrAssertion, ErrIO:
		return true
	default:
		return false
	}
}

// TranslateForRead implements the read-path NO_SPACE-to-success conversion
// from spec §7/§4.5: a missing interior page, surfaced as NoSpace during
// allocation, means "zero mapping" for a pure read.
func TranslateForRead(err error) error {
	if errors.Cause(err) == ErrNoSpace {
		return nil
	}
	return err
}

// TranslateForWrite implements the write-path conversion from spec §4.5's
// abort_lookup_for_waiter: any failure other than ErrNoSpace becomes
// ErrReadOnly for a waiter on a failed allocation.
func TranslateForWrite(err error) error {
	if err == nil || errors.Cause(err) == ErrNoSpace {
		return err
	}
	return errors.Wrap(ErrReadOnly, err.Error())
}
