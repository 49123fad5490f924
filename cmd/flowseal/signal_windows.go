//go:build windows

package main

import "os"

// signalsToNotify returns the signals that stop a running workflow
func signalsToNotify() []os.Signal {
	return []os.Signal{os.Interrupt}
}
