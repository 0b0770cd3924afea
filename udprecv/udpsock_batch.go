//go:build linux || android || freebsd || netbsd || openbsd

package udprecv

import "golang.org/x/net/ipv4"

// RecvBatch implements BatchRecver on top of the kernel's recvmmsg through
// x/net's batch API.  ms[i].N and ms[i].Addr are filled for the first count
// slots; the rest are untouched.
func (r *UDPRecver) RecvBatch(ms []Message) (int, error) {
	if len(r.rdMsgs) < len(ms) {
		r.rdMsgs = make([]ipv4.Message, len(ms))
	}
	rd := r.rdMsgs[:len(ms)]
	for i := range ms {
		rd[i].Buffers = [][]byte{ms[i].Buf}
		rd[i].N = 0
		rd[i].Addr = nil
	}

	count, err := r.pc.ReadBatch(rd, 0)
	if err != nil {
		return 0, err
	}
	for i := 0; i < count; i++ {
		ms[i].N = rd[i].N
		ms[i].Addr = rd[i].Addr
	}
	return count, nil
}
