// Package eventsocket announces relay session lifecycle events over a unix
// domain socket as JSONL, so external tooling can react to sessions coming
// and going without scraping metrics.
//
// The server is a small fan-out: each connected subscriber gets a bounded
// queue and a writer goroutine, and publishing never blocks the relay.  A
// subscriber that cannot keep up loses events rather than slowing the data
// path down.
package eventsocket

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/m-lab/udp-limit/metrics"
)

//go:generate stringer -type=EventType

// EventType refers to the kind of session event that has occurred.
type EventType int

const (
	// Open is sent when a relay session is created.
	Open = EventType(iota)
	// Close is sent when a relay session is torn down.
	Close
)

// SessionEvent is the data that is sent down the socket, one JSON object
// per line.  SessionID, Timestamp, and Event are always filled in; Client
// and Target only appear on Open events.
type SessionEvent struct {
	Event     EventType
	Timestamp time.Time
	SessionID string
	Client    string `json:",omitempty"`
	Target    string `json:",omitempty"`
}

// Server publishes session events to whoever is connected.  Make one with
// New or, to discard events, NullServer.
type Server interface {
	// Serve binds the unix socket and accepts subscribers until the
	// context is canceled.  Run it in a goroutine.
	Serve(ctx context.Context) error
	SessionOpened(timestamp time.Time, id, client, target string)
	SessionClosed(timestamp time.Time, id string)
}

// subscriberBacklog is how many marshaled events a slow subscriber may
// have queued before it starts losing them.
const subscriberBacklog = 64

// writeTimeout caps how long one subscriber write may stall its writer.
const writeTimeout = 5 * time.Second

type server struct {
	filename string

	mu     sync.Mutex
	subs   map[int]chan []byte
	nextID int
}

// New makes a Server that will serve subscribers on the provided unix
// domain socket once Serve is called.
func New(filename string) Server {
	return &server{
		filename: filename,
		subs:     make(map[int]chan []byte),
	}
}

// subscribe registers a queue and returns its id for unsubscribe.
func (s *server) subscribe(ch chan []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	return id
}

func (s *server) unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

// publish marshals the event once and offers it to every subscriber queue.
// Full queues drop the event; the relay never waits on an observer.
func (s *server) publish(ev SessionEvent) {
	line, err := json.Marshal(ev)
	if err != nil {
		log.Printf("WARNING: could not marshal %v: %v", ev, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- line:
		default:
			metrics.ErrorCount.WithLabelValues("event_drop").Inc()
		}
	}
}

// Serve implements Server.  A stale socket file from an unclean shutdown is
// removed before binding; failing to bind is the only error Serve returns.
func (s *server) Serve(ctx context.Context) error {
	os.Remove(s.filename)
	l, err := net.Listen("unix", s.filename)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			// Accept only fails once the listener is closed.
			return nil
		}
		go s.serveSubscriber(ctx, conn)
	}
}

// serveSubscriber drains one subscriber's queue onto its connection until
// the subscriber goes away or the context ends.
func (s *server) serveSubscriber(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	ch := make(chan []byte, subscriberBacklog)
	id := s.subscribe(ch)
	defer s.unsubscribe(id)
	log.Println("Session event subscriber", id, "connected")

	for {
		select {
		case <-ctx.Done():
			return
		case line := <-ch:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := conn.Write(append(line, '\n')); err != nil {
				log.Println("Session event subscriber", id, "gone:", err)
				return
			}
		}
	}
}

// SessionOpened implements Server.
func (s *server) SessionOpened(timestamp time.Time, id, client, target string) {
	s.publish(SessionEvent{
		Event:     Open,
		Timestamp: timestamp,
		SessionID: id,
		Client:    client,
		Target:    target,
	})
	metrics.SessionEventsCounter.WithLabelValues("open").Inc()
}

// SessionClosed implements Server.
func (s *server) SessionClosed(timestamp time.Time, id string) {
	s.publish(SessionEvent{
		Event:     Close,
		Timestamp: timestamp,
		SessionID: id,
	})
	metrics.SessionEventsCounter.WithLabelValues("close").Inc()
}

type nullServer struct{}

func (nullServer) Serve(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
func (nullServer) SessionOpened(time.Time, string, string, string) {}
func (nullServer) SessionClosed(time.Time, string)                 {}

// NullServer returns a Server that discards every event, for callers that
// were not configured with an event socket.
func NullServer() Server {
	return nullServer{}
}
