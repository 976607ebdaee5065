//go:build linux

package installer

import "golang.org/x/sys/unix"

// atomicExchange swaps a and b in a single filesystem operation using the
// Linux renameat2(2) RENAME_EXCHANGE flag, the kernel "rename with swap"
// primitive the design names as the preferred path. Both names must be
// on the same filesystem; the kernel rejects the call otherwise.
func atomicExchange(a, b string) error {
	return unix.Renameat2(unix.AT_FDCWD, a, unix.AT_FDCWD, b, unix.RENAME_EXCHANGE)
}

// supportsAtomicExchange reports whether this platform has a kernel
// rename-with-swap primitive, used to pick between atomicExchange and the
// temp-rename fallback.
const supportsAtomicExchange = true
