package config

import "sync"

var (
	// global holds the singleton Options instance, set once by the CLI
	// entrypoint and read by the worker process after it forks/execs or
	// inherits the supervisor's file descriptors.
	global *Options

	mu sync.RWMutex
)

// Set stores o as the global configuration instance. Intended for the CLI
// entrypoint to call once after flags are parsed, merged, and validated.
func Set(o *Options) {
	mu.Lock()
	defer mu.Unlock()
	global = o
}

// Get returns the global configuration instance, or nil if Set has not
// been called.
func Get() *Options {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// MustGet returns the global configuration instance. It panics if Set has
// not been called; callers reach this only after the CLI entrypoint's own
// startup sequence, where that is always already true.
func MustGet() *Options {
	o := Get()
	if o == nil {
		panic("config: MustGet called before Set")
	}
	return o
}
