package udprecv

import (
	"net"
	"testing"

	"github.com/m-lab/go/rtx"
)

func localUDPPair(t *testing.T) (*net.UDPConn, *net.UDPConn) {
	t.Helper()
	server, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	rtx.Must(err, "Could not listen")
	client, err := net.DialUDP("udp4", nil, server.LocalAddr().(*net.UDPAddr))
	rtx.Must(err, "Could not dial")
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, client
}

func TestUDPRecverRecvFrom(t *testing.T) {
	server, client := localUDPPair(t)
	r := NewUDPRecver(server, 1<<20)

	_, err := client.Write([]byte("hello"))
	rtx.Must(err, "Could not send")

	buf := make([]byte, 64)
	n, addr, err := r.RecvFrom(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "hello" {
		t.Errorf("payload = %q, want hello", buf[:n])
	}
	if addr.(*net.UDPAddr).Port != client.LocalAddr().(*net.UDPAddr).Port {
		t.Errorf("source = %v, want %v", addr, client.LocalAddr())
	}
}

func TestUDPRecverConnected(t *testing.T) {
	server, client := localUDPPair(t)

	// The client socket is connected to the server, so Recv applies.
	r := NewUDPRecver(client, 0)
	_, err := server.WriteTo([]byte("pong"), client.LocalAddr())
	rtx.Must(err, "Could not send from server")

	buf := make([]byte, 16)
	n, err := r.Recv(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "pong" {
		t.Errorf("payload = %q, want pong", buf[:n])
	}
}

func TestUDPRecverCloseUnblocks(t *testing.T) {
	server, _ := localUDPPair(t)
	r := NewUDPRecver(server, 0)

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 16)
		_, _, err := r.RecvFrom(buf)
		done <- err
	}()
	rtx.Must(r.Close(), "Could not close")
	if err := <-done; err == nil {
		t.Error("RecvFrom on a closed socket returned nil error")
	}
}
