// Package listen builds listening sockets from the CLI's --listen specs and
// hands them from the supervisor to its worker processes as inherited file
// descriptors, Go's substitute for fork(2) sharing a bound socket across a
// process tree (spec section 4.5's "fork model").
package listen

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Kind distinguishes the two endpoint variants spec section 3 names.
type Kind int

const (
	// TCP is a "HOST:PORT" endpoint.
	TCP Kind = iota
	// Unix is a "unix:PATH" endpoint.
	Unix
)

// Endpoint is one parsed --listen spec.
type Endpoint struct {
	Kind Kind

	Host          string
	Port          int
	DualStackIPv6 bool

	Path string
}

func (e Endpoint) String() string {
	if e.Kind == Unix {
		return "unix:" + e.Path
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Parse turns one --listen spec ("HOST:PORT" or "unix:PATH") into an
// Endpoint.
func Parse(spec string, dualStackIPv6 bool) (Endpoint, error) {
	if path, ok := strings.CutPrefix(spec, "unix:"); ok {
		if path == "" {
			return Endpoint{}, fmt.Errorf("listen: empty unix socket path in %q", spec)
		}
		return Endpoint{Kind: Unix, Path: path}, nil
	}

	host, portStr, err := net.SplitHostPort(spec)
	if err != nil {
		return Endpoint{}, fmt.Errorf("listen: %q must be \"HOST:PORT\" or \"unix:PATH\": %w", spec, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("listen: invalid port in %q", spec)
	}
	return Endpoint{Kind: TCP, Host: host, Port: port, DualStackIPv6: dualStackIPv6}, nil
}

// ParseAll parses every spec in order, stopping at the first error.
func ParseAll(specs []string, dualStackIPv6 bool) ([]Endpoint, error) {
	out := make([]Endpoint, 0, len(specs))
	for _, s := range specs {
		e, err := Parse(s, dualStackIPv6)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
