//go:build windows

package cmd

import (
	"os"

	"golang.org/x/sys/windows"
)

// stillActive is the exit code Windows reports for a live process.
const stillActive = 259

// shutdownSignals are the signals that trigger a graceful shutdown.
// Only os.Interrupt is delivered on Windows.
func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// isRunning reports whether proc still exists by querying its exit code.
func isRunning(proc *os.Process) bool {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(proc.Pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(handle)

	var code uint32
	if err := windows.GetExitCodeProcess(handle, &code); err != nil {
		return false
	}
	return code == stillActive
}

// requestShutdown terminates proc. Windows has no SIGTERM.
func requestShutdown(proc *os.Process) error {
	return proc.Kill()
}
