//go:build !windows

package supervisor

import (
	"os"
	"syscall"
)

func quickExitSignal(p *os.Process) error { return p.Signal(syscall.SIGINT) }

func gracefulExitSignal(p *os.Process) error { return p.Signal(syscall.SIGTERM) }
