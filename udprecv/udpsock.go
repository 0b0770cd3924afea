package udprecv

import (
	"log"
	"net"

	"golang.org/x/net/ipv4"
)

// UDPRecver adapts a kernel UDP socket to the Recver interface.  On batch
// capable platforms it also satisfies BatchRecver.  The receiver takes
// ownership of the socket; Close releases it.
type UDPRecver struct {
	conn *net.UDPConn
	pc   *ipv4.PacketConn

	rdMsgs []ipv4.Message // scratch for batched receives
}

// NewUDPRecver wraps conn.  A positive rcvBuf enlarges the kernel receive
// buffer first; failure to enlarge is logged and ignored because the socket
// still works with the default size.
func NewUDPRecver(conn *net.UDPConn, rcvBuf int) *UDPRecver {
	if rcvBuf > 0 {
		if err := conn.SetReadBuffer(rcvBuf); err != nil {
			log.Println("Could not set receive buffer to", rcvBuf, ":", err)
		} else if effective, err := readRcvBuf(conn); err == nil && effective < rcvBuf {
			// The kernel silently caps SO_RCVBUF at net.core.rmem_max.
			log.Println("Receive buffer capped by kernel at", effective, "bytes, wanted", rcvBuf)
		}
	}
	return &UDPRecver{conn: conn, pc: ipv4.NewPacketConn(conn)}
}

// RecvFrom implements Recver.
func (r *UDPRecver) RecvFrom(b []byte) (int, net.Addr, error) {
	return r.conn.ReadFrom(b)
}

// Recv implements Recver.
func (r *UDPRecver) Recv(b []byte) (int, error) {
	return r.conn.Read(b)
}

// Close releases the socket, unblocking any receive in flight.
func (r *UDPRecver) Close() error {
	return r.conn.Close()
}
