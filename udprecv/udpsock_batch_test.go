//go:build linux || android || freebsd || netbsd || openbsd

package udprecv

import (
	"fmt"
	"testing"
	"time"

	"github.com/m-lab/go/rtx"
)

func TestUDPRecverRecvBatch(t *testing.T) {
	server, client := localUDPPair(t)
	r := NewUDPRecver(server, 0)

	for i := 0; i < 3; i++ {
		_, err := client.Write([]byte(fmt.Sprintf("dgram-%d", i)))
		rtx.Must(err, "Could not send")
	}
	// Give the kernel a moment to queue all three.
	time.Sleep(50 * time.Millisecond)

	ms := make([]Message, 8)
	for i := range ms {
		ms[i].Buf = make([]byte, 64)
	}
	total := 0
	for total < 3 {
		count, err := r.RecvBatch(ms[total:])
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < count; i++ {
			m := &ms[total+i]
			if want := fmt.Sprintf("dgram-%d", total+i); string(m.Buf[:m.N]) != want {
				t.Errorf("slot %d = %q, want %q", total+i, m.Buf[:m.N], want)
			}
			if m.Addr == nil {
				t.Errorf("slot %d has no source address", total+i)
			}
		}
		total += count
	}

	var _ BatchRecver = r
	if !BatchCapable(r) {
		t.Error("kernel socket adapter should be batch capable here")
	}
}
