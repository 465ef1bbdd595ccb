package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lif-app/lifsync/internal/bus"
	"github.com/lif-app/lifsync/internal/session"
	"go.uber.org/zap"
)

type staticCreds string

func (s staticCreds) Token() (string, error) {
	if s == "" {
		return "", session.ErrNoCredential
	}
	return string(s), nil
}

// wsServer is a minimal realtime backend for tests: it records upgrade auth
// headers and inbound frames, and lets tests push frames to the client.
type wsServer struct {
	t *testing.T

	mu       sync.Mutex
	auth     []string
	inbound  []Frame
	conns    []*websocket.Conn
	upgrader websocket.Upgrader
}

func newWSServer(t *testing.T) (*wsServer, *httptest.Server) {
	t.Helper()
	s := &wsServer{t: t}
	srv := httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *wsServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.auth = append(s.auth, r.Header.Get("Authorization"))
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		s.mu.Lock()
		s.inbound = append(s.inbound, f)
		s.mu.Unlock()
	}
}

func (s *wsServer) push(event string, payload any) {
	data, _ := json.Marshal(payload)
	frame, _ := json.Marshal(Frame{Event: event, Data: data})
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		s.t.Errorf("push: %v", err)
	}
}

func (s *wsServer) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
}

func (s *wsServer) framesNamed(event string) []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Frame
	for _, f := range s.inbound {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testManager(t *testing.T, url string, creds session.CredentialProvider) (*Manager, *bus.Bus) {
	t.Helper()
	b := bus.New()
	m := NewManager(url, creds, b, zap.NewNop())
	m.backoffMin = 10 * time.Millisecond
	t.Cleanup(m.Disconnect)
	return m, b
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConnectRequiresCredential(t *testing.T) {
	s, srv := newWSServer(t)
	m, _ := testManager(t, wsURL(srv), staticCreds(""))

	err := m.Connect(context.Background())
	if !errors.Is(err, session.ErrNoCredential) {
		t.Errorf("Connect() error = %v, want ErrNoCredential", err)
	}

	s.mu.Lock()
	dials := len(s.auth)
	s.mu.Unlock()
	if dials != 0 {
		t.Error("no connection attempt may be made without a credential")
	}
}

func TestConnectSendsBearerAndIsIdempotent(t *testing.T) {
	s, srv := newWSServer(t)
	m, b := testManager(t, wsURL(srv), staticCreds("tok-1"))

	ch, unsub := b.Subscribe("channel.", 10)
	defer unsub()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}

	s.mu.Lock()
	auth := append([]string(nil), s.auth...)
	s.mu.Unlock()
	if len(auth) != 1 {
		t.Fatalf("dial count = %d, want 1 (idempotent)", len(auth))
	}
	if auth[0] != "Bearer tok-1" {
		t.Errorf("Authorization = %q", auth[0])
	}

	select {
	case evt := <-ch:
		if evt.Kind != "channel.connected" {
			t.Errorf("event = %q, want channel.connected", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel.connected")
	}
}

func TestConcurrentConnectCollapses(t *testing.T) {
	s, srv := newWSServer(t)
	m, b := testManager(t, wsURL(srv), staticCreds("tok"))

	ch, unsub := b.Subscribe("channel.", 10)
	defer unsub()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Connect(context.Background()); err != nil {
				t.Errorf("Connect() error = %v", err)
			}
		}()
	}
	wg.Wait()

	waitFor(t, m.Connected, "channel not connected")

	s.mu.Lock()
	dials := len(s.auth)
	s.mu.Unlock()
	if dials != 1 {
		t.Errorf("server saw %d upgrades, want 1 (one connection per process)", dials)
	}

	var connects int
	deadline := time.After(200 * time.Millisecond)
	for done := false; !done; {
		select {
		case evt := <-ch:
			if evt.Kind == "channel.connected" {
				connects++
			}
		case <-deadline:
			done = true
		}
	}
	if connects != 1 {
		t.Errorf("channel.connected published %d times, want 1", connects)
	}
}

func TestSubscribeOrderAndDispatch(t *testing.T) {
	s, srv := newWSServer(t)
	m, _ := testManager(t, wsURL(srv), staticCreds("tok"))

	var mu sync.Mutex
	var order []string
	m.Subscribe(EvNewMessage, func(json.RawMessage) {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
	})
	unsub := m.Subscribe(EvNewMessage, func(json.RawMessage) {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.push(EvNewMessage, map[string]string{"_id": "m1"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, "handlers not invoked")

	mu.Lock()
	if order[0] != "first" || order[1] != "second" {
		t.Errorf("order = %v, want [first second]", order)
	}
	mu.Unlock()

	// After unsubscribe only the first handler fires.
	unsub()
	s.push(EvNewMessage, map[string]string{"_id": "m2"})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, "remaining handler not invoked")
	mu.Lock()
	if order[2] != "first" {
		t.Errorf("order[2] = %q, want first", order[2])
	}
	mu.Unlock()
}

func TestEmitWhileDisconnected(t *testing.T) {
	_, srv := newWSServer(t)
	m, _ := testManager(t, wsURL(srv), staticCreds("tok"))

	err := m.Emit(EvReadMessage, map[string]string{"messageId": "m1"})
	if !errors.Is(err, ErrChannelUnavailable) {
		t.Errorf("Emit() error = %v, want ErrChannelUnavailable", err)
	}
}

func TestJoinRoomsReissuedAfterReconnect(t *testing.T) {
	s, srv := newWSServer(t)
	m, b := testManager(t, wsURL(srv), staticCreds("tok"))

	ch, unsub := b.Subscribe("channel.", 10)
	defer unsub()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	drain(ch) // channel.connected

	if err := m.JoinRooms([]string{"c1", "c2"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(s.framesNamed(EvJoinChats)) == 1 }, "join_chats not received")

	// Sever the connection; the manager must reconnect and re-join on its own.
	s.dropConnections()

	var sawDisconnect, sawReconnect bool
	deadline := time.After(3 * time.Second)
	for !(sawDisconnect && sawReconnect) {
		select {
		case evt := <-ch:
			switch evt.Kind {
			case "channel.disconnected":
				sawDisconnect = true
			case "channel.connected":
				sawReconnect = true
			}
		case <-deadline:
			t.Fatalf("reconnect cycle incomplete: disconnect=%v reconnect=%v", sawDisconnect, sawReconnect)
		}
	}

	waitFor(t, func() bool { return len(s.framesNamed(EvJoinChats)) >= 2 }, "join_chats not re-issued after reconnect")

	frames := s.framesNamed(EvJoinChats)
	var rooms []string
	if err := json.Unmarshal(frames[len(frames)-1].Data, &rooms); err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 2 || rooms[0] != "c1" || rooms[1] != "c2" {
		t.Errorf("rejoined rooms = %v, want [c1 c2]", rooms)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	_, srv := newWSServer(t)
	m, _ := testManager(t, wsURL(srv), staticCreds("tok"))

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	m.Disconnect()
	m.Disconnect()
	if m.Connected() {
		t.Error("manager still connected after Disconnect")
	}
}

func drain(ch <-chan bus.Event) {
	for {
		select {
		case <-ch:
		case <-time.After(50 * time.Millisecond):
			return
		}
	}
}
