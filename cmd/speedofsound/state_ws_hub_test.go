package main

import (
	"context"
	"testing"
	"time"
)

// Hub tests use Clients with a nil websocket.Conn; the hub never writes to
// the socket itself and guards Close against nil.

func newTestHub(t *testing.T, sendBuf, broadcastBuf int) *Hub {
	t.Helper()
	return NewHub(testLogger(), HubConfig{SendBuf: sendBuf, BroadcastBuf: broadcastBuf})
}

func runTestHub(t *testing.T, hub *Hub) (cancel func(), done <-chan struct{}) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())
	ch := make(chan struct{})
	go func() {
		defer close(ch)
		hub.Run(ctx)
	}()
	t.Cleanup(cancelFn)
	return cancelFn, ch
}

func newTestClient(hub *Hub, name string, sendBuf int) *Client {
	return &Client{
		hub:        hub,
		send:       make(chan []byte, sendBuf),
		remoteAddr: name,
		logger:     testLogger(),
	}
}

func registerClient(t *testing.T, hub *Hub, c *Client) {
	t.Helper()
	hub.register <- c
	waitUntil(t, 500*time.Millisecond, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		_, ok := hub.clients[c]
		return ok
	}, c.remoteAddr+" not registered in time")
}

func expectFrame(t *testing.T, c *Client, want string) {
	t.Helper()
	select {
	case got := <-c.send:
		if string(got) != want {
			t.Fatalf("%s got %q, want %q", c.remoteAddr, got, want)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timeout waiting for %s to receive broadcast", c.remoteAddr)
	}
}

func TestHub_BroadcastDeliveredToAllClients(t *testing.T) {
	hub := newTestHub(t, 4, 8)
	cancel, done := runTestHub(t, hub)

	c1 := newTestClient(hub, "c1", 4)
	c2 := newTestClient(hub, "c2", 4)
	registerClient(t, hub, c1)
	registerClient(t, hub, c2)

	msg := `{"type":"level_changed","data":{"percent":64}}`

	// BroadcastBytes may drop under scheduling pressure; feed the loop directly.
	hub.broadcast <- []byte(msg)

	expectFrame(t, c1, msg)
	expectFrame(t, c2, msg)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for hub to stop")
	}

	if n := hub.ClientCount(); n != 0 {
		t.Fatalf("clients after shutdown = %d, want 0", n)
	}
	if _, ok := <-c1.send; ok {
		t.Fatalf("c1 send channel still open after shutdown")
	}
}

func TestHub_SlowClientDisconnectedOnFullSendBuffer(t *testing.T) {
	hub := newTestHub(t, 1, 8)
	runTestHub(t, hub)

	slow := newTestClient(hub, "slow", 1)
	fast := newTestClient(hub, "fast", 8)
	registerClient(t, hub, slow)
	registerClient(t, hub, fast)

	// Stuck display: its single slot is already taken.
	slow.send <- []byte(`"already queued"`)

	msg := `{"type":"tracking_changed","data":{"active":true,"reason":"headphone"}}`
	hub.broadcast <- []byte(msg)

	expectFrame(t, fast, msg)

	// Drain the pre-filled frame, then the channel must be closed.
	select {
	case <-slow.send:
	default:
	}
	waitUntil(t, 750*time.Millisecond, func() bool {
		select {
		case _, ok := <-slow.send:
			return !ok
		default:
			return false
		}
	}, "expected slow send channel to be closed")

	if n := hub.ClientCount(); n != 1 {
		t.Fatalf("clients = %d, want 1", n)
	}
}

func TestHub_UnregisterIsIdempotent(t *testing.T) {
	hub := newTestHub(t, 1, 1)
	runTestHub(t, hub)

	c := newTestClient(hub, "c", 1)
	registerClient(t, hub, c)

	hub.unregister <- c
	hub.unregister <- c
	waitUntil(t, 500*time.Millisecond, func() bool { return hub.ClientCount() == 0 }, "client not removed")
}

func TestHub_BroadcastBytesDropsWhenFull(t *testing.T) {
	// Hub not running: the queue fills and further frames are dropped.
	hub := newTestHub(t, 1, 2)
	hub.BroadcastBytes([]byte("a"))
	hub.BroadcastBytes([]byte("b"))
	hub.BroadcastBytes([]byte("c"))

	if n := len(hub.broadcast); n != 2 {
		t.Fatalf("queued = %d, want 2", n)
	}
}
