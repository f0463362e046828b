//go:build !windows

package main

import (
	"os"
	"syscall"
)

var (
	shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}
	reopenSignals   = []os.Signal{syscall.SIGHUP}
)
