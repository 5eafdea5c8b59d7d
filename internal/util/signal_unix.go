//go:build !windows

package util

import (
	"os"
	"syscall"
)

// ShutdownSignals returns the signals that stop the service.
func ShutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

// GracefulSignal asks an external tool (ffmpeg, arecord, ffplay) to exit
// cleanly so containers get their trailer written.
func GracefulSignal(p *os.Process) error {
	return p.Signal(syscall.SIGINT)
}
