//go:build !windows

package cmd

import (
	"os"
	"syscall"
)

// shutdownSignals are the signals that trigger a graceful shutdown.
func shutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

// isRunning reports whether proc still exists, using the null signal.
func isRunning(proc *os.Process) bool {
	return proc.Signal(syscall.Signal(0)) == nil
}

// requestShutdown asks proc to drain and exit.
func requestShutdown(proc *os.Process) error {
	return proc.Signal(syscall.SIGTERM)
}
