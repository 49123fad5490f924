//go:build !windows

package main

import (
	"os"
	"syscall"
)

// signalsToNotify returns the signals that stop a running workflow
func signalsToNotify() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGHUP}
}
