package udprecv

import (
	"testing"

	"github.com/go-test/deep"

	"github.com/m-lab/udp-limit/stats"
)

func TestConnectedRecvSinglePacket(t *testing.T) {
	fake := &fakeRecver{queue: datagrams(1, 33)}
	c := NewConnectedRecv(fake)

	if c.MaxHdrLen() != 0 {
		t.Errorf("MaxHdrLen() = %d, want 0", c.MaxHdrLen())
	}

	buf := make([]byte, 64)
	hdr, n, err := c.RecvPacket(buf)
	if err != nil {
		t.Fatal(err)
	}
	if hdr != 0 || n != 33 {
		t.Errorf("RecvPacket = (%d, %d), want (0, 33)", hdr, n)
	}
}

func TestConnectedRecvPackets(t *testing.T) {
	fake := &fakeBatchRecver{fakeRecver: fakeRecver{queue: datagrams(3, 21)}}
	c := NewConnectedRecv(fake)

	pkts := make([]Packet, 5)
	for i := range pkts {
		pkts[i].Buf = make([]byte, 64)
		pkts[i].Offset = 7 // stale value from a previous fill
		pkts[i].Length = 9
	}

	count, err := c.RecvPackets(pkts)
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
	for i := 0; i < count; i++ {
		if pkts[i].Offset != 0 || pkts[i].Length != 21 {
			t.Errorf("slot %d = {offset %d, length %d}, want {0, 21}", i, pkts[i].Offset, pkts[i].Length)
		}
		if diff := deep.Equal(pkts[i].Payload(), datagrams(3, 21)[i]); diff != nil {
			t.Error("slot", i, diff)
		}
	}
}

// A connected adapter over a limited receiver propagates pacing as a zero
// count, which the copy loop treats as "poll again".
func TestConnectedRecvOverLimiter(t *testing.T) {
	fake := &fakeBatchRecver{fakeRecver: fakeRecver{queue: datagrams(4, 10)}}
	lr := NewLimitedRecv(fake, 3, 2, 0, stats.NewTrafficStats())
	clk := &fakeClock{}
	clk.install(lr)
	c := NewConnectedRecv(lr)

	pkts := make([]Packet, 4)
	for i := range pkts {
		pkts[i].Buf = make([]byte, 64)
	}

	count, err := c.RecvPackets(pkts)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("first batch = %d, want 2 (packet cap)", count)
	}

	count, err = c.RecvPackets(pkts)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("paced batch = %d, want 0", count)
	}

	count, err = c.RecvPackets(pkts)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("post-pace batch = %d, want 2", count)
	}
}
