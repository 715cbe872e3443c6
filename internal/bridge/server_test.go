package bridge

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func socketPath(t *testing.T) string {
	t.Helper()
	// Keep the path short; UNIX socket paths have a ~100 byte limit.
	dir, err := os.MkdirTemp("", "brt")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "g.sock")
}

func TestRequestReply(t *testing.T) {
	path := socketPath(t)

	server := NewServer(path, func(clientID, frameType string, raw json.RawMessage, reply func(interface{})) {
		if frameType != TypeSocketRequest {
			t.Errorf("frameType = %q", frameType)
			return
		}
		var req SocketRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			t.Errorf("unmarshal: %v", err)
			return
		}
		reply(SocketResponse{
			Type:      TypeSocketResponse,
			RequestID: req.RequestID,
			Outgoing:  Outgoing{ChatID: req.ReplyTo.ChatID, Content: "pong: " + req.Message.Text},
		})
	}, ServerHooks{}, nil)
	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer server.Stop()

	got := make(chan SocketResponse, 1)
	client := NewClient(path, ClientHooks{
		OnMessage: func(frameType string, raw json.RawMessage) {
			if frameType == TypeSocketResponse {
				var resp SocketResponse
				json.Unmarshal(raw, &resp)
				got <- resp
			}
		},
	}, nil)
	if err := client.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Disconnect()

	err := client.Send(SocketRequest{
		Type:      TypeSocketRequest,
		RequestID: "r1",
		Message:   Message{ID: "m1", Source: "test", UserID: "u1", Text: "ping"},
		ReplyTo:   ReplyTo{ChatID: "chat-1"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case resp := <-got:
		if resp.RequestID != "r1" || resp.Outgoing.Content != "pong: ping" {
			t.Fatalf("resp = %+v", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no response")
	}
}

func TestStaleSocketRemoved(t *testing.T) {
	path := socketPath(t)

	// Leave the socket file behind the way a crashed process does. A plain
	// Close unlinks it, so bind with unlink-on-close disabled.
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	stale, err := net.ListenUnix("unix", addr)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	stale.SetUnlinkOnClose(false)
	stale.Close()
	if _, err := os.Lstat(path); err != nil {
		t.Fatalf("stale socket file missing: %v", err)
	}

	server := NewServer(path, nil, ServerHooks{}, nil)
	if err := server.Start(); err != nil {
		t.Fatalf("Start over stale socket: %v", err)
	}
	server.Stop()
}

func TestBroadcastReachesAllClients(t *testing.T) {
	path := socketPath(t)

	var connected sync.WaitGroup
	connected.Add(2)
	server := NewServer(path, nil, ServerHooks{
		OnConnect: func(string) { connected.Done() },
	}, nil)
	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer server.Stop()

	received := make(chan string, 2)
	newClient := func() *Client {
		c := NewClient(path, ClientHooks{
			OnMessage: func(frameType string, raw json.RawMessage) {
				var n Notification
				json.Unmarshal(raw, &n)
				received <- n.Text
			},
		}, nil)
		if err := c.Connect(); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		return c
	}
	a, b := newClient(), newClient()
	defer a.Disconnect()
	defer b.Disconnect()
	connected.Wait()

	server.Broadcast(Notification{Type: TypeNotification, ChatID: "c", Text: "hello all"})

	for i := 0; i < 2; i++ {
		select {
		case text := <-received:
			if text != "hello all" {
				t.Fatalf("text = %q", text)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("client %d missed broadcast", i)
		}
	}
}

func TestClientReconnects(t *testing.T) {
	path := socketPath(t)

	server := NewServer(path, nil, ServerHooks{}, nil)
	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	connections := make(chan struct{}, 4)
	client := NewClient(path, ClientHooks{
		OnConnected: func() { connections <- struct{}{} },
	}, nil)
	if err := client.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Disconnect()
	<-connections

	// Restart the server; the client should come back on its own.
	server.Stop()
	server = NewServer(path, nil, ServerHooks{}, nil)
	if err := server.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer server.Stop()

	select {
	case <-connections:
	case <-time.After(10 * time.Second):
		t.Fatal("client did not reconnect")
	}
	if !client.Connected() {
		t.Fatal("client reports disconnected after reconnect")
	}
}

func TestMalformedFrameIgnored(t *testing.T) {
	path := socketPath(t)

	handled := make(chan string, 2)
	server := NewServer(path, func(clientID, frameType string, raw json.RawMessage, reply func(interface{})) {
		handled <- frameType
	}, ServerHooks{}, nil)
	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer server.Stop()

	client := NewClient(path, ClientHooks{}, nil)
	if err := client.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Disconnect()

	// Raw garbage then a valid frame on the same connection.
	client.mu.Lock()
	conn := client.conn
	client.mu.Unlock()
	if _, err := conn.Write([]byte("this is not json\n")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if err := client.Send(Notification{Type: TypeNotification, ChatID: "c", Text: "x"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case frameType := <-handled:
		if frameType != TypeNotification {
			t.Fatalf("frameType = %q", frameType)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame not handled")
	}
}

func TestQueueOverflowDropsNonCritical(t *testing.T) {
	c := &client{id: "x", kick: make(chan struct{}, 1)}
	// No writeLoop running; fill the queue by hand.
	for i := 0; i < maxQueuedFrames; i++ {
		if !c.enqueue(outFrame{data: []byte("{}"), critical: i%2 == 0}) {
			t.Fatalf("enqueue %d failed", i)
		}
	}

	// A critical frame displaces the oldest non-critical one.
	if !c.enqueue(outFrame{data: []byte(`{"critical":true}`), critical: true}) {
		t.Fatal("critical enqueue failed with non-critical frames queued")
	}
	c.mu.Lock()
	length := len(c.queue)
	c.mu.Unlock()
	if length != maxQueuedFrames {
		t.Fatalf("queue length = %d", length)
	}
}

func TestQueueAllCriticalDisconnects(t *testing.T) {
	c := &client{id: "x", kick: make(chan struct{}, 1)}
	for i := 0; i < maxQueuedFrames; i++ {
		c.enqueue(outFrame{data: []byte("{}"), critical: true})
	}

	// Non-critical overflow is silently dropped.
	if !c.enqueue(outFrame{data: []byte("{}"), critical: false}) {
		t.Fatal("non-critical overflow should not disconnect")
	}
	// Critical overflow demands disconnection.
	if c.enqueue(outFrame{data: []byte("{}"), critical: true}) {
		t.Fatal("critical overflow must report failure")
	}
}

func TestIsCommand(t *testing.T) {
	for _, name := range []string{CmdMemoryList, CmdTaskStop, CmdSoulRollback, "auth-status"} {
		if !IsCommand(name) {
			t.Errorf("IsCommand(%q) = false", name)
		}
	}
	for _, name := range []string{TypeSocketRequest, TypeNotification, "authx"} {
		if IsCommand(name) {
			t.Errorf("IsCommand(%q) = true", name)
		}
	}
}
