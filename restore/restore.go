// Package restore implements C8, the incremental per-zone save/restore
// driver: a four-command (START/CONTINUE/FINISH/ABORT) incremental writer
// protocol for saving, and a reader-driven delta-list replay for
// restoring, one component (here, a block-map zone's interior state)
// across MaxZones zones.
//
// Grounded directly on
// _examples/original_source/utils/uds/masterIndexOps.c: write_master_index
// (the IWC_START/IWC_CONTINUE/IWC_FINISH/IWC_ABORT switch, including
// IWC_FINISH's trailing write_guard_delta_list) and
// restore_master_index/restore_master_index_body (the per-zone
// read_saved_delta_list loop, is_restoring_master_index_done check, and
// abort-on-any-error discipline). The delta_list_save_info record's exact
// field layout wasn't among the files retrieved for this task, so the
// record format below (index + byte count + payload) is this package's own
// rendition of "one delta list's saved bytes", not a byte-for-byte copy of
// an unseen struct.
package restore

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/arboreal-systems/blockmap/blockmaperr"
)

// MaxZones bounds how many zones one restore/save pass may span, mirroring
// the original's MAX_ZONES check in read_master_index ("zone count must not
// exceed MAX_ZONES").
const MaxZones = 16

// DeltaListMaxByteCount bounds one delta list's saved payload, mirroring
// restore_master_index's DELTA_LIST_MAX_BYTE_COUNT scratch buffer.
const DeltaListMaxByteCount = 4096

// Command is one of the four incremental-writer commands (spec §4.8).
type Command int

const (
	CommandStart Command = iota
	CommandContinue
	CommandFinish
	CommandAbort
)

// recordHeaderSize is the on-wire width of one delta-list record's header:
// a 2-byte list index and a 2-byte byte count, both little-endian.
const recordHeaderSize = 4

// guardIndex marks the terminator record write_guard_delta_list appends at
// FINISH. Restore treats it like end of stream: a zone stream that ends at
// a record boundary without a guard record is accepted the same way.
const guardIndex = 0xFFFF

// DeltaListSaveInfo names one saved delta list's placement within the
// component (spec §4.8's delta_list_save_info record).
type DeltaListSaveInfo struct {
	Index     uint16
	ByteCount uint16
}

// ZoneSaver is the component being saved incrementally, one call per zone
// per command (spec §6's out-of-scope collaborator for C8).
type ZoneSaver interface {
	StartSaving(zone int, w io.Writer) error
	IsSavingDone(zone int) bool
	FinishSaving(zone int) error
	AbortSaving(zone int) error
}

// WriteIncremental implements write_master_index's command switch: START
// begins the zone's save (a failure to start marks it complete, matching
// "is_complete = result != UDS_SUCCESS"); CONTINUE polls completion;
// FINISH finalizes and appends the guard record; ABORT always completes.
func WriteIncremental(saver ZoneSaver, zone int, cmd Command, w io.Writer) (completed bool, err error) {
	switch cmd {
	case CommandStart:
		err = saver.StartSaving(zone, w)
		return err != nil, err
	case CommandContinue:
		return saver.IsSavingDone(zone), nil
	case CommandFinish:
		err = saver.FinishSaving(zone)
		if err == nil {
			err = writeGuardDeltaList(w)
		}
		return true, err
	case CommandAbort:
		return true, saver.AbortSaving(zone)
	default:
		return false, errors.Wrapf(blockmaperr.ErrAssertion, "invalid incremental writer command %d", cmd)
	}
}

// writeGuardDeltaList implements write_guard_delta_list: a zero-payload
// record whose index is reserved, marking the end of the zone's stream;
// restore reads it as io.EOF, the same as a plain end of stream.
func writeGuardDeltaList(w io.Writer) error {
	var hdr [recordHeaderSize]byte
	binary.LittleEndian.PutUint16(hdr[0:2], guardIndex)
	binary.LittleEndian.PutUint16(hdr[2:4], 0)
	_, err := w.Write(hdr[:])
	return err
}

// Restorer is the component being restored, replayed one delta list at a
// time (spec §6's out-of-scope collaborator for C8).
type Restorer interface {
	StartRestoring(readers []io.Reader) error
	RestoreDeltaList(info DeltaListSaveInfo, data []byte) error
	IsRestoringDone() bool
	AbortRestoring()
}

// readSavedDeltaList implements read_saved_delta_list: reads one record's
// header and payload, returning io.EOF both on a genuinely empty reader and
// on the guard record written by WriteIncremental's FINISH step, the way
// the original's guard record makes the two indistinguishable to a
// correctly-terminated zone stream.
func readSavedDeltaList(r io.Reader, scratch []byte) (DeltaListSaveInfo, []byte, error) {
	var hdr [recordHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return DeltaListSaveInfo{}, nil, errors.Wrapf(blockmaperr.ErrCorruptComponent, "truncated delta list record header")
		}
		return DeltaListSaveInfo{}, nil, io.EOF
	}

	info := DeltaListSaveInfo{
		Index:     binary.LittleEndian.Uint16(hdr[0:2]),
		ByteCount: binary.LittleEndian.Uint16(hdr[2:4]),
	}
	if info.Index == guardIndex {
		return DeltaListSaveInfo{}, nil, io.EOF
	}
	if int(info.ByteCount) > len(scratch) {
		return DeltaListSaveInfo{}, nil, errors.Wrapf(blockmaperr.ErrCorruptComponent, "delta list %d byte count %d exceeds scratch buffer", info.Index, info.ByteCount)
	}

	payload := scratch[:info.ByteCount]
	if _, err := io.ReadFull(r, payload); err != nil {
		return DeltaListSaveInfo{}, nil, errors.Wrapf(blockmaperr.ErrCorruptComponent, "truncated delta list %d payload: %v", info.Index, err)
	}
	return info, payload, nil
}

// RestoreComponent implements restore_master_index +
// restore_master_index_body: start restoring, replay every zone's delta
// lists in turn, and require IsRestoringDone once every reader is
// exhausted, aborting on any error along the way.
func RestoreComponent(readers []io.Reader, restorer Restorer) error {
	if len(readers) > MaxZones {
		return errors.Wrapf(blockmaperr.ErrCorruptComponent, "zone count %d must not exceed MaxZones", len(readers))
	}

	if err := restorer.StartRestoring(readers); err != nil {
		return err
	}

	scratch := make([]byte, DeltaListMaxByteCount)
	for z, r := range readers {
		for {
			info, data, err := readSavedDeltaList(r, scratch)
			if err == io.EOF {
				break
			}
			if err != nil {
				restorer.AbortRestoring()
				return errors.Wrapf(err, "zone %d", z)
			}
			if err := restorer.RestoreDeltaList(info, data); err != nil {
				restorer.AbortRestoring()
				return err
			}
		}
	}

	if !restorer.IsRestoringDone() {
		restorer.AbortRestoring()
		return errors.Wrapf(blockmaperr.ErrCorruptComponent, "incomplete delta list data")
	}
	return nil
}
