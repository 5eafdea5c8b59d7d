//go:build windows

package util

import "os"

// ShutdownSignals returns the signals that stop the service.
func ShutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// GracefulSignal terminates p. Windows has no SIGINT for child processes;
// the tools this service runs either produce raw PCM or write no file,
// so killing them loses nothing.
func GracefulSignal(p *os.Process) error {
	return p.Kill()
}
