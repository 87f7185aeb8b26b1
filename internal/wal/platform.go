package wal

import (
	"os"

	"golang.org/x/sys/unix"
)

// fdatasync flushes f's data (not inode metadata) to stable storage.
// Cheaper than f.Sync() for the append-only hot path, where the file's
// size growth is already implied by the write offsets we track
// ourselves.
func fdatasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}

// defaultSectorSize probes path's containing filesystem for its
// reported block size (spec §6: "the disk's physical sector size"),
// falling back to 4096 when the filesystem doesn't report one usable
// for alignment (e.g. network filesystems during tests).
func defaultSectorSize(dir string) uint32 {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 4096
	}
	bsize := stat.Bsize
	if bsize <= 0 || bsize > 1<<20 {
		return 4096
	}
	return uint32(bsize)
}
