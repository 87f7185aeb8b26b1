package wal

import (
	"os"
	"testing"
)

func TestFileHeaderRoundTrip(t *testing.T) {
	h := FileHeader{Marker: newMarker(), SectorSize: 4096, FormatVer: 1, SectorPacked: true}
	buf := EncodeFileHeader(h)
	if len(buf) != FileHeaderSize {
		t.Fatalf("expected header padded to %d bytes, got %d", FileHeaderSize, len(buf))
	}
	got, err := DecodeFileHeader(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Marker != h.Marker || got.SectorSize != h.SectorSize || got.SectorPacked != h.SectorPacked {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, h)
	}
}

func TestFileHeaderChecksumCatchesCorruption(t *testing.T) {
	h := FileHeader{Marker: newMarker(), SectorSize: 512}
	buf := EncodeFileHeader(h)
	buf[5] ^= 0xFF
	if _, err := DecodeFileHeader(buf); err == nil {
		t.Fatalf("expected checksum mismatch to surface")
	}
}

func TestBlockRoundTrip(t *testing.T) {
	m := newMarker()
	payload := []byte("hello changeset bytes")
	block := encodeBlock(m, payload)

	got, consumed, err := decodeBlock(block, m)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if consumed != len(block) {
		t.Fatalf("expected to consume the whole block, got %d of %d", consumed, len(block))
	}
	if string(got) != string(payload) {
		t.Fatalf("payload mismatch: %q", got)
	}
}

func TestBlockMarkerMismatchIsCorruption(t *testing.T) {
	m := newMarker()
	block := encodeBlock(m, []byte("x"))
	other := newMarker()
	if _, _, err := decodeBlock(block, other); err == nil {
		t.Fatalf("expected marker mismatch to be reported as corruption")
	}
}

func TestLogItemRoundTrip(t *testing.T) {
	globalTerm := [16]byte{}
	copy(globalTerm[:], []byte("0123456789abcdef"))
	item := LogItem{
		AffectedLogGroups: []int{0, 2},
		CommitVersion:     7,
		LocalTerm:         1,
		GlobalTerm:        globalTerm,
		LSN:               3,
		Changeset:         []byte{1, 2, 3, 4},
	}
	buf := encodeLogItem(item.AffectedLogGroups, item.CommitVersion, item.LocalTerm, item.GlobalTerm, item.LSN, item.Changeset)
	got, err := decodeLogItem(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.CommitVersion != item.CommitVersion || got.LSN != item.LSN || len(got.AffectedLogGroups) != 2 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.LocalTerm != item.LocalTerm || got.GlobalTerm != item.GlobalTerm {
		t.Fatalf("term fields mismatch: %+v", got)
	}
	if string(got.Changeset) != string(item.Changeset) {
		t.Fatalf("changeset bytes mismatch: %v", got.Changeset)
	}
}

func TestWriterAppendThenReadBack(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0, 512)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	item := LogItem{AffectedLogGroups: []int{0}, CommitVersion: 1, LSN: 1, Changeset: []byte("changeset-bytes")}
	if err := w.Append(item); err != nil {
		t.Fatalf("append: %v", err)
	}
	activePath := w.active.path
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	_, items, err := ReadFile(activePath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(items) != 1 || items[0].CommitVersion != 1 || string(items[0].Changeset) != "changeset-bytes" {
		t.Fatalf("unexpected items: %+v", items)
	}
}

func TestWriterRotateTruncatesStandby(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0, 512)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	if err := w.Append(LogItem{AffectedLogGroups: []int{0}, CommitVersion: 1, LSN: 1, Changeset: []byte("a")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	oldActive := w.active.path

	if err := w.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if w.active.path == oldActive {
		t.Fatalf("rotate should have swapped in the standby half")
	}

	if err := w.Append(LogItem{AffectedLogGroups: []int{0}, CommitVersion: 2, LSN: 1, Changeset: []byte("b")}); err != nil {
		t.Fatalf("append after rotate: %v", err)
	}
	_, items, err := ReadFile(w.active.path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(items) != 1 || string(items[0].Changeset) != "b" {
		t.Fatalf("expected the rotated-in file to start clean, got %+v", items)
	}
}

func TestSnapshotSemaphoreBlocksNewEntrants(t *testing.T) {
	s := NewSnapshotSemaphore()
	defer s.Close()

	if !s.Enter() {
		t.Fatalf("first enter should succeed")
	}
	done := make(chan struct{})
	go func() {
		s.Block()
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("block must wait for the outstanding enter to exit")
	default:
	}

	s.Exit()
	<-done
	if s.Enter() {
		t.Fatalf("enter must fail while a blocker holds exclusivity")
	}
	s.Unblock()
	if !s.Enter() {
		t.Fatalf("enter should succeed again after unblock")
	}
	s.Exit()
}

func TestGroupFileNamesAreStable(t *testing.T) {
	if logFileName(0, 0) == logFileName(0, 1) {
		t.Fatalf("the two halves of a pair must have distinct names")
	}
	if logFileName(1, 0) == logFileName(0, 0) {
		t.Fatalf("different groups must have distinct names")
	}
}

func TestOpenRejectsSectorSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0, 512)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	path := w.active.path
	w.Close()

	if _, err := openLogFile(path, 4096); err == nil {
		os.Remove(path)
		t.Fatalf("expected a sector-size mismatch to be reported")
	}
}
