//go:build !windows

package engine

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// terminateSignal is sent to the engine when its context is cancelled.
func terminateSignal() os.Signal {
	return syscall.SIGTERM
}

// disableCoreDumps sets RLIMIT_CORE to 0 so that decrypted credentials
// in this process or the engine child never reach a core file.
func disableCoreDumps() error {
	return unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0})
}
