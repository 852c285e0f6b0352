package config

import (
	"os"
	"time"
)

// Default flag values, per the CLI surface's option table.
const (
	DefaultListen              = "127.0.0.1:8000"
	DefaultMaxWorkers          = 10
	DefaultUnixSocketPerms     = "600"
	DefaultGracefulExitTimeout = 10 * time.Second
	DefaultURLScheme           = "http"
)

// Defaults returns a fresh Options populated with every default value.
// ApplyDefaults should be used on a partially-populated Options instead of
// overwriting it wholesale.
func Defaults() *Options {
	return &Options{
		Listen:              []string{DefaultListen},
		MaxWorkers:          DefaultMaxWorkers,
		UnixSocketPerms:     DefaultUnixSocketPerms,
		GracefulExitTimeout: DefaultGracefulExitTimeout,
		URLScheme:           DefaultURLScheme,
		URLPrefix:           os.Getenv("SCRIPT_NAME"),
	}
}

// ApplyDefaults fills every zero-valued field of o with its default. Flags
// explicitly set by the caller (cobra's flag parsing, or a loaded YAML file)
// are left untouched.
func ApplyDefaults(o *Options) {
	if len(o.Listen) == 0 {
		o.Listen = []string{DefaultListen}
	}
	if o.MaxWorkers == 0 {
		o.MaxWorkers = DefaultMaxWorkers
	}
	if o.UnixSocketPerms == "" {
		o.UnixSocketPerms = DefaultUnixSocketPerms
	}
	if o.GracefulExitTimeout == 0 {
		o.GracefulExitTimeout = DefaultGracefulExitTimeout
	}
	if o.URLScheme == "" {
		o.URLScheme = DefaultURLScheme
	}
	if o.URLPrefix == "" {
		o.URLPrefix = os.Getenv("SCRIPT_NAME")
	}
}
