//go:build windows

package supervisor

import "os"

func quickExitSignal(p *os.Process) error { return p.Signal(os.Interrupt) }

// gracefulExitSignal has no true cross-process graceful signal on Windows:
// os.Process.Signal only implements os.Kill and os.Interrupt there. A
// worker's own SIGBREAK handling (internal/cliutil) covers console-wide
// Ctrl+Break, but the supervisor cannot target one process with it, so a
// forceful kill is the best available substitute (spec section 4.5's
// Windows caveat).
func gracefulExitSignal(p *os.Process) error { return p.Kill() }
