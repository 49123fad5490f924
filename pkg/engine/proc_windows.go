//go:build windows

package engine

import "os"

// terminateSignal returns the signal to send for termination.
// On Windows, os.Kill is used as there's no SIGTERM equivalent
func terminateSignal() os.Signal {
	return os.Kill
}

// disableCoreDumps is a no-op on Windows, which uses WER instead of RLIMIT_CORE.
func disableCoreDumps() error {
	return nil
}
