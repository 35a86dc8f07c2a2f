//go:build linux

package connmgr

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// OpenConn takes ownership of an RFCOMM fd returned by Accept or Connect.
// The fd is switched to non-blocking mode so the returned file is registered
// with the runtime poller: deadlines work and Close unblocks a pending Read.
func OpenConn(fd int) (*os.File, error) {
	if fd < 0 {
		return nil, fmt.Errorf("connmgr: invalid fd %d", fd)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("connmgr: set nonblock: %w", err)
	}
	return os.NewFile(uintptr(fd), "rfcomm"), nil
}
