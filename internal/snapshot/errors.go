package snapshot

import "github.com/SimonWaldherr/veloxdb/internal/verrors"

func errShort(what string) error {
	return verrors.New(verrors.Corruption, "snapshot: truncated "+what)
}

func errCorrupt(msg string) error {
	return verrors.New(verrors.Corruption, "snapshot: "+msg)
}
