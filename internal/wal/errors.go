package wal

import "github.com/SimonWaldherr/veloxdb/internal/verrors"

func errShort(what string) error {
	return verrors.New(verrors.Corruption, "wal: truncated "+what)
}

func errCorrupt(msg string) error {
	return verrors.New(verrors.Corruption, "wal: "+msg)
}
