// Package config defines zibai's runtime Options, its defaults, an optional
// YAML loader, validation, and a process-wide singleton.
//
// # Precedence
//
// Values are assembled in this order, later stages overriding earlier ones:
//
//  1. Defaults (defaults.go)
//  2. A YAML file, if --config was given (LoadFile)
//  3. CLI flag values (Merge)
//  4. Validate
//
// # Singleton
//
//	cfg := config.Defaults()
//	// ... merge flags/file into cfg ...
//	if err := config.Validate(cfg); err != nil {
//	    return err
//	}
//	config.Set(cfg)
//
// Workers and the supervisor read it back with config.Get() or
// config.MustGet() rather than threading it through every call.
package config
