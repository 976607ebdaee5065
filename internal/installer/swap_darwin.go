//go:build darwin

package installer

import "golang.org/x/sys/unix"

// atomicExchange swaps a and b using APFS's renamex_np(2) RENAME_SWAP
// flag, the macOS equivalent of Linux's renameat2 RENAME_EXCHANGE that
// the design names for this platform.
func atomicExchange(a, b string) error {
	return unix.Renamex_np(a, b, unix.RENAME_SWAP)
}

const supportsAtomicExchange = true
