package listen

import (
	"fmt"
	"net"
	"os"
)

// inheritedFDBase is the first file descriptor a worker's inherited
// listeners arrive on; 0-2 are stdin/stdout/stderr.
const inheritedFDBase = 3

// Files returns the *os.File backing each listener, suitable for
// exec.Cmd.ExtraFiles so a forked worker inherits the same bound sockets
// the supervisor created, in order.
func Files(listeners []net.Listener) ([]*os.File, error) {
	type filer interface{ File() (*os.File, error) }

	files := make([]*os.File, 0, len(listeners))
	for i, l := range listeners {
		f, ok := l.(filer)
		if !ok {
			return nil, fmt.Errorf("listen: listener %d of type %T has no backing file", i, l)
		}
		file, err := f.File()
		if err != nil {
			return nil, fmt.Errorf("listen: listener %d: %w", i, err)
		}
		files = append(files, file)
	}
	return files, nil
}

// Inherit reconstructs n listeners from the file descriptors a worker
// process received via ExtraFiles, in the order Files produced them.
func Inherit(n int) ([]net.Listener, error) {
	listeners := make([]net.Listener, 0, n)
	for i := 0; i < n; i++ {
		fd := uintptr(inheritedFDBase + i)
		f := os.NewFile(fd, fmt.Sprintf("inherited-%d", i))
		l, err := net.FileListener(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("listen: inheriting fd %d: %w", fd, err)
		}
		listeners = append(listeners, l)
	}
	return listeners, nil
}
