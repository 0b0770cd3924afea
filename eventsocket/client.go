package eventsocket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
)

// Watch connects to the unix domain socket at path and calls fn for every
// session event the server publishes, in order, until the context is
// canceled or the server goes away.  Both of those endings are normal and
// return nil; anything else (the socket not existing, a half-written event)
// is returned to the caller to decide about.
//
// Events published before Watch connects are gone; the socket is a live
// feed, not a journal.
func Watch(ctx context.Context, path string, fn func(SessionEvent)) error {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return err
	}
	defer conn.Close()
	go func() {
		// Closing the connection is what unblocks a pending Decode.
		<-ctx.Done()
		conn.Close()
	}()

	dec := json.NewDecoder(conn)
	for {
		var ev SessionEvent
		if err := dec.Decode(&ev); err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		fn(ev)
	}
}
