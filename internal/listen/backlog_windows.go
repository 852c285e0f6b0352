//go:build windows

package listen

import "net"

// listenWithBacklog ignores backlog on Windows; there is no portable way to
// override the kernel's default from Go without raw socket construction
// mirroring the POSIX path, which Windows' socket API makes impractical
// here.
func listenWithBacklog(network, address string, backlog int) (net.Listener, error) {
	return net.Listen(network, address)
}
