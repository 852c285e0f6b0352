//go:build !windows

package listen

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// listenWithBacklog binds network/address with an explicit listen(2)
// backlog. net.Listen always uses the kernel's SOMAXCONN and exposes no way
// to override it, so a non-zero backlog is honored by constructing the
// socket directly and handing the resulting file descriptor to
// net.FileListener — the same fd-wrapping technique the supervisor uses to
// forward listeners to its workers.
func listenWithBacklog(network, address string, backlog int) (net.Listener, error) {
	if backlog <= 0 {
		return net.Listen(network, address)
	}
	if network == "unix" {
		return listenUnixWithBacklog(address, backlog)
	}
	return listenTCPWithBacklog(network, address, backlog)
}

func listenUnixWithBacklog(path string, backlog int) (net.Listener, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("listen: socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: bind %q: %w", path, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: listen %q: %w", path, err)
	}
	f := os.NewFile(uintptr(fd), "unix:"+path)
	defer f.Close()
	return net.FileListener(f)
}

func listenTCPWithBacklog(network, address string, backlog int) (net.Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("listen: resolve %q: %w", address, err)
	}

	// A nil IP (the wildcard host "") binds every local address; prefer an
	// IPv6 socket for it so v4-mapped connections are accepted alongside
	// native v6 ones, matching net.Listen("tcp", ":port")'s own default.
	domain := unix.AF_INET
	if tcpAddr.IP == nil || tcpAddr.IP.To4() == nil {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("listen: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: setsockopt SO_REUSEADDR: %w", err)
	}
	if domain == unix.AF_INET6 {
		// Explicit "tcp6" networks force IPV6_V6ONLY; since this path is
		// only ever reached via network "tcp" now, clear it so the socket
		// stays dual-stack instead of silently becoming v6-only.
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("listen: setsockopt IPV6_V6ONLY: %w", err)
		}
	}

	var sa unix.Sockaddr
	if domain == unix.AF_INET {
		var addr [4]byte
		if tcpAddr.IP != nil {
			copy(addr[:], tcpAddr.IP.To4())
		}
		sa = &unix.SockaddrInet4{Port: tcpAddr.Port, Addr: addr}
	} else {
		var addr [16]byte
		if tcpAddr.IP != nil {
			copy(addr[:], tcpAddr.IP.To16())
		}
		sa = &unix.SockaddrInet6{Port: tcpAddr.Port, Addr: addr}
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: bind %q: %w", address, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: listen %q: %w", address, err)
	}

	f := os.NewFile(uintptr(fd), "tcp:"+address)
	defer f.Close()
	return net.FileListener(f)
}
