//go:build linux || darwin || freebsd

package output

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockFile takes a best-effort advisory lock on the output file so
// flush bursts from separate instrumented processes appending to the
// same path do not interleave. In-process serialization is already
// handled by the writer mutex. Lock failures are ignored.
func lockFile(f *os.File) {
	_ = unix.Flock(int(f.Fd()), unix.LOCK_EX)
}

func unlockFile(f *os.File) {
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
