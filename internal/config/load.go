package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a YAML file at path into a fresh Options, applies defaults
// to every field the file left unset. It does not validate the result; flag
// values parsed by the CLI are merged on top of this by the caller before
// the final Validate.
func LoadFile(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	var o Options
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	ApplyDefaults(&o)
	return &o, nil
}

// Merge overlays every non-zero field of override onto base, returning base.
// It is used to let CLI flags win over a loaded YAML file's values.
func Merge(base, override *Options) *Options {
	if override.App != "" {
		base.App = override.App
	}
	if override.Call {
		base.Call = true
	}
	if len(override.Listen) > 0 {
		base.Listen = override.Listen
	}
	if override.Subprocess != 0 {
		base.Subprocess = override.Subprocess
	}
	if override.NoGevent {
		base.NoGevent = true
	}
	if override.MaxWorkers != 0 {
		base.MaxWorkers = override.MaxWorkers
	}
	if len(override.WatchFiles) > 0 {
		base.WatchFiles = override.WatchFiles
	}
	if override.Backlog != 0 {
		base.Backlog = override.Backlog
	}
	if override.DualStackIPv6 {
		base.DualStackIPv6 = true
	}
	if override.UnixSocketPerms != "" {
		base.UnixSocketPerms = override.UnixSocketPerms
	}
	if override.MaxIncompleteEventSize != 0 {
		base.MaxIncompleteEventSize = override.MaxIncompleteEventSize
	}
	if override.MaxRequestPreProcess != 0 {
		base.MaxRequestPreProcess = override.MaxRequestPreProcess
	}
	if override.GracefulExitTimeout != 0 {
		base.GracefulExitTimeout = override.GracefulExitTimeout
	}
	if override.URLScheme != "" {
		base.URLScheme = override.URLScheme
	}
	if override.URLPrefix != "" {
		base.URLPrefix = override.URLPrefix
	}
	if override.BeforeServe != "" {
		base.BeforeServe = override.BeforeServe
	}
	if override.BeforeGracefulExit != "" {
		base.BeforeGracefulExit = override.BeforeGracefulExit
	}
	if override.BeforeDied != "" {
		base.BeforeDied = override.BeforeDied
	}
	if override.NoAccessLog {
		base.NoAccessLog = true
	}
	return base
}
