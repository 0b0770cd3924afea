package eventsocket

import (
	"context"
	"testing"
	"time"
)

func TestWatchDeliversInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	path, srv := startServer(t, ctx)

	got := make(chan SessionEvent, 16)
	watchErr := make(chan error, 1)
	watchCtx, watchCancel := context.WithCancel(ctx)
	go func() {
		watchErr <- Watch(watchCtx, path, func(ev SessionEvent) { got <- ev })
	}()
	waitForSubscribers(t, srv, 1)

	srv.SessionOpened(time.Now(), "sess-42", "10.0.0.1:1234", "10.0.0.2:5678")
	srv.SessionClosed(time.Now(), "sess-42")

	want := []EventType{Open, Close}
	for i, kind := range want {
		select {
		case ev := <-got:
			if ev.Event != kind || ev.SessionID != "sess-42" {
				t.Errorf("event %d = %+v, want %v for sess-42", i, ev, kind)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("event %d never arrived", i)
		}
	}

	// Cancellation is a normal way for a watch to end.
	watchCancel()
	select {
	case err := <-watchErr:
		if err != nil {
			t.Errorf("Watch() = %v, want nil after cancellation", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch never returned after cancellation")
	}
}

func TestWatchEndsWhenServerGoesAway(t *testing.T) {
	srvCtx, srvCancel := context.WithCancel(context.Background())
	path, srv := startServer(t, srvCtx)

	watchErr := make(chan error, 1)
	go func() {
		watchErr <- Watch(context.Background(), path, func(SessionEvent) {})
	}()
	waitForSubscribers(t, srv, 1)

	// Stopping the server closes every subscriber connection, which the
	// watcher must treat as a clean end of the feed.
	srvCancel()
	select {
	case err := <-watchErr:
		if err != nil {
			t.Errorf("Watch() = %v, want nil when the feed ends", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch never noticed the server going away")
	}
}

func TestWatchWithoutServer(t *testing.T) {
	err := Watch(context.Background(), "/nonexistent/events.sock", func(SessionEvent) {})
	if err == nil {
		t.Error("Watch() on a missing socket returned nil")
	}
}
