// Package cliutil holds the small pieces of command-line plumbing shared by
// the zibai binary and its subprocesses: typed configuration/command errors
// and the signal-to-SupervisorSignal translation used by the supervisor and
// worker to implement the signal table without sprinkling syscall constants
// through the rest of the codebase.
package cliutil
