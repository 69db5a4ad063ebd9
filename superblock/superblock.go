// Package superblock implements C7, the super-block codec: a fixed
// 12.0-versioned header, an opaque component payload, and a trailing
// CRC-32, packed so the whole thing fits inside one sector even though the
// persisted unit is a full block — the torn-write safety guarantee spec
// §4.7 names.
//
// Grounded directly on
// _examples/original_source/utils/vdo/superBlockCodec.c: encode_super_block
// writes the header, copies the already-encoded component bytes, then
// computes update_crc32(INITIAL_CHECKSUM, buffer[0:contentLength]) and
// appends it little-endian; decode_super_block decodes and validates the
// header template, restricts decoding to header.size bytes, and recomputes
// the CRC over everything up to the saved checksum to compare. The
// original's encoded-header layout (header.h) wasn't among the files
// retrieved for this task, so HeaderSize/fieldOrder below is this
// package's own fixed-width rendition of the same three fields (id,
// version, size), not a byte-for-byte copy of an unseen format.
package superblock

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"

	"github.com/arboreal-systems/blockmap/blockmaperr"
)

// SectorSize bounds the encoded super-block the way VDO_SECTOR_SIZE does:
// the entire header+payload+checksum must fit in one sector regardless of
// the device's larger block size.
const SectorSize = 512

// HeaderSize is the fixed width of the encoded header: 1 byte id, 1 byte
// major version, 1 byte minor version, 5 reserved/padding bytes, 8 bytes
// size (little-endian uint64).
const HeaderSize = 16

// ChecksumSize is the width of the trailing CRC-32.
const ChecksumSize = 4

// FixedSize is the encoded size of a super block with no component
// payload: SUPER_BLOCK_FIXED_SIZE in the original.
const FixedSize = HeaderSize + ChecksumSize

// MaxComponentDataSize is the largest payload that still fits in one
// sector.
const MaxComponentDataSize = SectorSize - FixedSize

// superBlockID identifies this header as a super block, distinct from the
// other header kinds the original's header.h enumerates (not reproduced
// here since only the super-block codec is in scope).
const superBlockID = 0xAB

const (
	headerMajorVersion = 12
	headerMinorVersion = 0
)

// header is the fixed 12.0 template every encoded/decoded super block must
// match, mirroring SUPER_BLOCK_HEADER_12_0. size counts the payload plus
// the trailing checksum (component bytes + ChecksumSize), not the payload
// alone, per spec §4.7.
type header struct {
	id    byte
	major byte
	minor byte
	size  uint64
}

var superBlockHeader12_0 = header{id: superBlockID, major: headerMajorVersion, minor: headerMinorVersion}

func encodeHeader(h header) [HeaderSize]byte {
	var buf [HeaderSize]byte
	buf[0] = h.id
	buf[1] = h.major
	buf[2] = h.minor
	// bytes [3,8) reserved, left zero
	binary.LittleEndian.PutUint64(buf[8:], h.size)
	return buf
}

func decodeHeader(buf []byte) header {
	return header{
		id:    buf[0],
		major: buf[1],
		minor: buf[2],
		size:  binary.LittleEndian.Uint64(buf[8:16]),
	}
}

// validateHeader implements validate_header's identity check: id and
// version must match the fixed 12.0 template exactly.
func validateHeader(got header) error {
	if got.id != superBlockHeader12_0.id || got.major != superBlockHeader12_0.major || got.minor != superBlockHeader12_0.minor {
		return errors.Wrapf(blockmaperr.ErrUnsupportedVersion, "super block header identity mismatch: got id=%#x version=%d.%d", got.id, got.major, got.minor)
	}
	return nil
}

// Encode implements encode_super_block: payload is the already-encoded
// component data (opaque to this package). Returns a SectorSize buffer,
// zero-padded past the used bytes.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxComponentDataSize {
		return nil, errors.Wrapf(blockmaperr.ErrUnsupportedVersion, "component payload %d bytes exceeds max %d", len(payload), MaxComponentDataSize)
	}

	h := superBlockHeader12_0
	h.size = uint64(len(payload)) + ChecksumSize

	buf := make([]byte, SectorSize)
	encoded := encodeHeader(h)
	copy(buf, encoded[:])
	copy(buf[HeaderSize:], payload)

	contentLength := HeaderSize + len(payload)
	checksum := crc32.ChecksumIEEE(buf[:contentLength])
	binary.LittleEndian.PutUint32(buf[contentLength:], checksum)

	return buf, nil
}

// Decode implements decode_super_block: validates the header template,
// restricts decoding to the header.size bytes (payload plus checksum) that
// follow the header, verifies the CRC-32 computed over everything up to the
// saved checksum, and requires every byte after the checksum within the
// sector to be zero. Returns the component payload on success.
func Decode(buf []byte) ([]byte, error) {
	if len(buf) < HeaderSize {
		return nil, errors.Wrapf(blockmaperr.ErrUnsupportedVersion, "buffer too small for header: %d bytes", len(buf))
	}

	h := decodeHeader(buf)
	if err := validateHeader(h); err != nil {
		return nil, err
	}

	remaining := len(buf) - HeaderSize
	if h.size > uint64(remaining) {
		return nil, errors.Wrapf(blockmaperr.ErrUnsupportedVersion, "super block contents too large: %d", h.size)
	}

	if h.size < ChecksumSize {
		return nil, errors.Wrapf(blockmaperr.ErrUnsupportedVersion, "super block declared size %d too small for checksum", h.size)
	}

	payloadSize := int(h.size) - ChecksumSize
	payload := make([]byte, payloadSize)
	copy(payload, buf[HeaderSize:HeaderSize+payloadSize])

	checksum := crc32.ChecksumIEEE(buf[:HeaderSize+payloadSize])
	savedChecksum := binary.LittleEndian.Uint32(buf[HeaderSize+payloadSize : HeaderSize+int(h.size)])

	if checksum != savedChecksum {
		return nil, errors.Wrapf(blockmaperr.ErrChecksumMismatch, "super block checksum mismatch: got %#x want %#x", checksum, savedChecksum)
	}
	for i := HeaderSize + int(h.size); i < len(buf) && i < SectorSize; i++ {
		if buf[i] != 0 {
			return nil, errors.Wrapf(blockmaperr.ErrChecksumMismatch, "super block has nonzero byte at offset %d past its checksum", i)
		}
	}

	return payload, nil
}

// FixedSuperBlockSize implements get_fixed_super_block_size.
func FixedSuperBlockSize() int {
	return FixedSize
}

// HeaderInfo summarizes a decoded header for offline inspection tools
// (cmd/blockmapd's inspect-superblock), without requiring the caller to
// reach into this package's unexported header type.
type HeaderInfo struct {
	ID         byte
	Major      byte
	Minor      byte
	Size       uint64
	PayloadLen int
}

// Inspect decodes and validates buf the same way Decode does, but returns
// the header identity alongside the payload length instead of the raw
// payload bytes, for a human-facing summary.
func Inspect(buf []byte) (HeaderInfo, error) {
	payload, err := Decode(buf)
	if err != nil {
		return HeaderInfo{}, err
	}
	h := decodeHeader(buf)
	return HeaderInfo{ID: h.id, Major: h.major, Minor: h.minor, Size: h.size, PayloadLen: len(payload)}, nil
}
