//go:build linux || android || freebsd || netbsd || openbsd || darwin

package udprecv

import (
	"net"

	"golang.org/x/sys/unix"
)

// readRcvBuf reads back the effective SO_RCVBUF so the caller can tell when
// the kernel capped an enlargement request.  Note that on Linux the value
// returned is double the requested size.
func readRcvBuf(conn *net.UDPConn) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var size int
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		size, sockErr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF)
	})
	if err != nil {
		return 0, err
	}
	return size, sockErr
}
