//go:build !(linux || android || freebsd || netbsd || openbsd || darwin)

package udprecv

import (
	"errors"
	"net"
)

func readRcvBuf(conn *net.UDPConn) (int, error) {
	return 0, errors.New("SO_RCVBUF read-back not supported on this platform")
}
