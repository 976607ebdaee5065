//go:build !linux && !darwin

package filestore

import "errors"

// cloneFile has no COW clone primitive on platforms outside linux/darwin;
// callers always fall through to the hardlink/copy path.
func cloneFile(src, dest string) error {
	return errors.New("filestore: no copy-on-write clone primitive on this platform")
}
