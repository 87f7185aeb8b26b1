package wal

import (
	"io"
	"os"
	"path/filepath"

	"github.com/SimonWaldherr/veloxdb/internal/verrors"
)

// ReadFile opens path read-only and decodes its header plus every
// well-formed block, stopping at the first corrupt or partial block
// (spec §6: "partial/corrupt records at the tail are silently ignored,
// crash truncation").
func ReadFile(path string) (FileHeader, []LogItem, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileHeader{}, nil, nil
		}
		return FileHeader{}, nil, verrors.Wrap(verrors.IoError, err)
	}
	defer f.Close()

	buf, err := io.ReadAll(f)
	if err != nil {
		return FileHeader{}, nil, verrors.Wrap(verrors.IoError, err)
	}
	if len(buf) < FileHeaderSize {
		return FileHeader{}, nil, nil
	}
	hdr, err := DecodeFileHeader(buf[:FileHeaderSize])
	if err != nil {
		return FileHeader{}, nil, err
	}

	var items []LogItem
	rest := buf[FileHeaderSize:]
blocks:
	for len(rest) > 0 {
		payload, consumed, err := decodeBlock(rest, hdr.Marker)
		if err != nil {
			// Truncated or corrupt tail — stop, keep what decoded cleanly.
			break
		}
		// A block carries every item the drain goroutine packed into it.
		for len(payload) > 0 {
			item, err := decodeLogItem(payload)
			if err != nil {
				break blocks
			}
			items = append(items, item)
			payload = payload[8+4+16+1+len(item.AffectedLogGroups)+8+4+len(item.Changeset):]
		}
		rest = rest[consumed:]
	}
	return hdr, items, nil
}

// ReadGroup reads both halves of group's file pair under groupDir (the
// layout OpenGroupSet creates one of per log group) and returns the
// items of both, older half first. Rotate truncates only the half it is
// about to make active, so the previous half keeps its items until the
// next rotation. The half whose first item has the lower commit version
// is taken as the older one, in place of the file-mtime comparison spec
// §4.9 describes for ordering the two halves of a pair.
func ReadGroup(groupDir string, group int) ([]LogItem, error) {
	pathA := filepath.Join(groupDir, logFileName(group, 0))
	pathB := filepath.Join(groupDir, logFileName(group, 1))
	_, itemsA, err := ReadFile(pathA)
	if err != nil {
		return nil, err
	}
	_, itemsB, err := ReadFile(pathB)
	if err != nil {
		return nil, err
	}
	if len(itemsA) > 0 && len(itemsB) > 0 && itemsB[0].CommitVersion < itemsA[0].CommitVersion {
		return append(itemsB, itemsA...), nil
	}
	return append(itemsA, itemsB...), nil
}
