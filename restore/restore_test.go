package restore

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSaver struct {
	started []int
	done    map[int]bool
	failStart bool
}

func newFakeSaver() *fakeSaver {
	return &fakeSaver{done: make(map[int]bool)}
}

func (s *fakeSaver) StartSaving(zone int, w io.Writer) error {
	if s.failStart {
		return errTest
	}
	s.started = append(s.started, zone)
	_, err := w.Write([]byte{byte(zone)})
	return err
}

func (s *fakeSaver) IsSavingDone(zone int) bool { return s.done[zone] }
func (s *fakeSaver) FinishSaving(zone int) error { s.done[zone] = true; return nil }
func (s *fakeSaver) AbortSaving(zone int) error  { return nil }

type errString string

func (e errString) Error() string { return string(e) }

const errTest = errString("fake: start failed")

func TestWriteIncrementalStartThenFinishWritesGuard(t *testing.T) {
	saver := newFakeSaver()
	var buf bytes.Buffer

	completed, err := WriteIncremental(saver, 0, CommandStart, &buf)
	require.NoError(t, err)
	require.False(t, completed)

	completed, err = WriteIncremental(saver, 0, CommandContinue, &buf)
	require.NoError(t, err)
	require.False(t, completed) // IsSavingDone hasn't been set yet

	completed, err = WriteIncremental(saver, 0, CommandFinish, &buf)
	require.NoError(t, err)
	require.True(t, completed)

	// Header byte + guard record.
	require.Equal(t, byte(0), buf.Bytes()[0])
	require.Len(t, buf.Bytes(), 1+recordHeaderSize)
}

func TestWriteIncrementalStartFailureCompletesImmediately(t *testing.T) {
	saver := newFakeSaver()
	saver.failStart = true
	var buf bytes.Buffer

	completed, err := WriteIncremental(saver, 0, CommandStart, &buf)
	require.Error(t, err)
	require.True(t, completed)
}

func TestWriteIncrementalAbortAlwaysCompletes(t *testing.T) {
	saver := newFakeSaver()
	var buf bytes.Buffer
	completed, err := WriteIncremental(saver, 0, CommandAbort, &buf)
	require.NoError(t, err)
	require.True(t, completed)
}

type fakeRestorer struct {
	started     bool
	lists       []DeltaListSaveInfo
	payloads    [][]byte
	done        bool
	aborted     bool
}

func (r *fakeRestorer) StartRestoring(readers []io.Reader) error {
	r.started = true
	return nil
}

func (r *fakeRestorer) RestoreDeltaList(info DeltaListSaveInfo, data []byte) error {
	r.lists = append(r.lists, info)
	cp := make([]byte, len(data))
	copy(cp, data)
	r.payloads = append(r.payloads, cp)
	return nil
}

func (r *fakeRestorer) IsRestoringDone() bool { return r.done }
func (r *fakeRestorer) AbortRestoring()        { r.aborted = true }

func writeRecord(buf *bytes.Buffer, index uint16, payload []byte) {
	var hdr [recordHeaderSize]byte
	hdr[0] = byte(index)
	hdr[1] = byte(index >> 8)
	hdr[2] = byte(len(payload))
	hdr[3] = byte(len(payload) >> 8)
	buf.Write(hdr[:])
	buf.Write(payload)
}

func TestRestoreComponentReplaysDeltaListsAcrossZones(t *testing.T) {
	var zone0, zone1 bytes.Buffer
	writeRecord(&zone0, 1, []byte("list-a"))
	writeRecord(&zone0, 2, []byte("list-b"))
	writeGuardDeltaList(&zone0)

	writeRecord(&zone1, 1, []byte("list-c"))
	writeGuardDeltaList(&zone1)

	r := &fakeRestorer{done: true}
	err := RestoreComponent([]io.Reader{&zone0, &zone1}, r)
	require.NoError(t, err)
	require.True(t, r.started)
	require.False(t, r.aborted)
	require.Len(t, r.lists, 3)
	require.Equal(t, "list-a", string(r.payloads[0]))
	require.Equal(t, "list-c", string(r.payloads[2]))
}

func TestRestoreComponentAbortsOnIncompleteData(t *testing.T) {
	var zone0 bytes.Buffer
	writeGuardDeltaList(&zone0)

	r := &fakeRestorer{done: false}
	err := RestoreComponent([]io.Reader{&zone0}, r)
	require.Error(t, err)
	require.True(t, r.aborted)
}

func TestRestoreComponentRejectsTooManyZones(t *testing.T) {
	readers := make([]io.Reader, MaxZones+1)
	for i := range readers {
		readers[i] = &bytes.Buffer{}
	}
	r := &fakeRestorer{}
	err := RestoreComponent(readers, r)
	require.Error(t, err)
	require.False(t, r.started)
}
