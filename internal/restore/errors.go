package restore

import "github.com/SimonWaldherr/veloxdb/internal/verrors"

func errCorrupt(msg string) error {
	return verrors.New(verrors.Corruption, "restore: "+msg)
}
