package listen

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// Bind opens e as a net.Listener. backlog of 0 defers to the OS default;
// unixSocketPerms (an octal string, e.g. "600") is applied via chmod once
// the socket exists.
func Bind(e Endpoint, backlog int, unixSocketPerms string) (net.Listener, error) {
	if e.Kind == Unix {
		return bindUnix(e.Path, unixSocketPerms, backlog)
	}
	return bindTCP(e, backlog)
}

func bindUnix(path, perms string, backlog int) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("listen: removing stale socket %q: %w", path, err)
	}

	l, err := listenWithBacklog("unix", path, backlog)
	if err != nil {
		return nil, err
	}

	if perms != "" {
		if mode, perr := strconv.ParseUint(perms, 8, 32); perr == nil {
			_ = os.Chmod(path, os.FileMode(mode))
		}
	}
	return l, nil
}

func bindTCP(e Endpoint, backlog int) (net.Listener, error) {
	host := e.Host
	if e.DualStackIPv6 {
		// Go's explicit "tcp6" network always sets IPV6_V6ONLY, which is
		// the opposite of what --dualstack-ipv6 asks for ("bind v4+v6 on
		// one socket"). Binding "tcp" to the wildcard address instead lets
		// the OS open one IPv6 socket with V6ONLY cleared, accepting both
		// v4-mapped and native v6 connections.
		host = ""
	}
	addr := net.JoinHostPort(host, strconv.Itoa(e.Port))
	return listenWithBacklog("tcp", addr, backlog)
}
