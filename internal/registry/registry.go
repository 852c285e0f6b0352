// Package registry resolves the "module:attr" identifiers used on the CLI
// for the gateway application and lifecycle hooks. Go has no equivalent of
// a dynamic dotted-attribute import, so the "module" half of the identifier
// names a registration done in the host program's own source (typically in
// an init function) rather than a file on disk; the registry is the
// process-local table that connects the two.
package registry

import (
	"fmt"
	"strings"
	"sync"

	"github.com/abersheeran/zibai/internal/gateway"
)

// Hook is a lifecycle callable invoked at before_serve, before_graceful_exit,
// or before_died. It receives no arguments; a non-nil error aborts startup
// when used as before_serve, or is merely logged at the other two points.
type Hook func() error

var (
	mu    sync.RWMutex
	apps  = map[string]gateway.Application{}
	hooks = map[string]Hook{}
)

// RegisterApp binds name, a full "module:attr" identifier, to app so that
// ResolveApp finds it under that same string. Call from an init function in
// the program that embeds zibai.
func RegisterApp(name string, app gateway.Application) {
	mu.Lock()
	defer mu.Unlock()
	apps[name] = app
}

// RegisterHook binds name to fn the same way RegisterApp does for
// applications.
func RegisterHook(name string, fn Hook) {
	mu.Lock()
	defer mu.Unlock()
	hooks[name] = fn
}

// ResolveApp parses "module:attr" and returns the registered application.
// If call is true and a factory was registered for the identifier with
// RegisterAppFactory, it is invoked to obtain the application.
func ResolveApp(identifier string, call bool) (gateway.Application, error) {
	module, attr, err := split(identifier)
	if err != nil {
		return nil, err
	}

	mu.RLock()
	app, ok := apps[module+":"+attr]
	factory, isFactory := appFactories[module+":"+attr]
	mu.RUnlock()

	if call && isFactory {
		return factory()
	}
	if !ok {
		return nil, fmt.Errorf("registry: no application registered for %q", identifier)
	}
	return app, nil
}

// ResolveHook parses "module:attr" and returns the registered hook. An empty
// identifier resolves to a nil Hook and no error, matching the CLI's unset
// default for --before-serve et al.
func ResolveHook(identifier string) (Hook, error) {
	if identifier == "" {
		return nil, nil
	}
	module, attr, err := split(identifier)
	if err != nil {
		return nil, err
	}

	mu.RLock()
	fn, ok := hooks[module+":"+attr]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("registry: no hook registered for %q", identifier)
	}
	return fn, nil
}

var appFactories = map[string]func() (gateway.Application, error){}

// RegisterAppFactory binds name to a factory invoked only when the CLI's
// --call flag is set for this application identifier.
func RegisterAppFactory(name string, factory func() (gateway.Application, error)) {
	mu.Lock()
	defer mu.Unlock()
	appFactories[name] = factory
}

func split(identifier string) (module, attr string, err error) {
	module, attr, ok := strings.Cut(identifier, ":")
	if !ok || module == "" || attr == "" {
		return "", "", fmt.Errorf("registry: identifier %q must be in \"module:attr\" form", identifier)
	}
	return module, attr, nil
}
