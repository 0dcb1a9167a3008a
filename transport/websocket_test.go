package transport

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	swarmerr "github.com/codeboltai/agentswarmprotocol-sub005/errors"
	"github.com/codeboltai/agentswarmprotocol-sub005/protocol"
	"github.com/codeboltai/agentswarmprotocol-sub005/registry"
)

// echoHandler records lifecycle events and answers ping with pong.
type echoHandler struct {
	hub *Hub

	mu           sync.Mutex
	connected    []string
	ids          []string
	names        []string
	messages     []*protocol.Message
	decodeErrors []error
	disconnected chan string
	rejectWith   error
}

func newEchoHandler(hub *Hub) *echoHandler {
	return &echoHandler{hub: hub, disconnected: make(chan string, 10)}
}

func (e *echoHandler) HandleConnect(ctx context.Context, connID string, role registry.Role, id, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rejectWith != nil {
		return e.rejectWith
	}
	e.connected = append(e.connected, connID)
	e.ids = append(e.ids, id)
	e.names = append(e.names, name)
	return nil
}

func (e *echoHandler) HandleMessage(ctx context.Context, connID string, msg *protocol.Message, payload protocol.Payload) {
	e.mu.Lock()
	e.messages = append(e.messages, msg)
	e.mu.Unlock()
	if msg.Type == protocol.TypePing {
		reply, _ := protocol.Reply(msg, protocol.TypePong, protocol.Pong{Time: "now"})
		e.hub.Send(connID, reply)
	}
}

func (e *echoHandler) HandleDecodeError(ctx context.Context, connID string, err error) {
	e.mu.Lock()
	e.decodeErrors = append(e.decodeErrors, err)
	e.mu.Unlock()
	e.hub.Send(connID, protocol.ErrorFrom(nil, err))
}

func (e *echoHandler) HandleDisconnect(ctx context.Context, connID string) {
	e.disconnected <- connID
}

func startHub(t *testing.T, role registry.Role, cfg Config) (*Hub, *echoHandler, string) {
	t.Helper()
	hub := NewHub(WithConfig(cfg))
	handler := newEchoHandler(hub)
	server := httptest.NewServer(hub.Endpoint(role, handler))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		hub.Close(ctx)
		server.Close()
	})
	return hub, handler, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readJSON(t *testing.T, ws *websocket.Conn) *protocol.Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.TextMessage {
		t.Fatalf("frame kind = %d, want text", kind)
	}
	msg, err := protocol.JSONCodec{}.Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return msg
}

func writeJSON(t *testing.T, ws *websocket.Conn, msg *protocol.Message) {
	t.Helper()
	data, err := protocol.JSONCodec{}.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxMessageSize != 1024*1024 {
		t.Errorf("MaxMessageSize = %d, want 1MB", cfg.MaxMessageSize)
	}
	if cfg.WriteTimeout != 10*time.Second {
		t.Errorf("WriteTimeout = %v, want 10s", cfg.WriteTimeout)
	}
	if cfg.RateLimit != 0 {
		t.Errorf("RateLimit = %d, want unlimited", cfg.RateLimit)
	}

	hub := NewHub(WithConfig(Config{RateLimit: 5}))
	if hub.config.SendBufferSize != 100 || hub.config.RateWindow != time.Second {
		t.Errorf("zero fields should keep defaults: %+v", hub.config)
	}
	if hub.limiter == nil {
		t.Error("rate limit without limiter should create one")
	}
}

func TestHub_RoundTrip(t *testing.T) {
	hub, handler, url := startHub(t, registry.RoleAgent, DefaultConfig())
	ws := dial(t, url)

	ping := protocol.MustNew(protocol.TypePing, protocol.Ping{})
	writeJSON(t, ws, ping)

	pong := readJSON(t, ws)
	if pong.Type != protocol.TypePong || pong.RequestID != ping.ID {
		t.Errorf("reply = %+v", pong)
	}
	if hub.Len() != 1 {
		t.Errorf("Len() = %d", hub.Len())
	}

	handler.mu.Lock()
	if len(handler.connected) != 1 || len(handler.messages) != 1 {
		t.Errorf("connected=%d messages=%d", len(handler.connected), len(handler.messages))
	}
	connID := handler.connected[0]
	handler.mu.Unlock()

	ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case got := <-handler.disconnected:
		if got != connID {
			t.Errorf("disconnected %q, want %q", got, connID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("HandleDisconnect not called")
	}
	if err := hub.Send(connID, ping); !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("Send after disconnect: %v", err)
	}
}

func TestHub_CBORFrames(t *testing.T) {
	_, _, url := startHub(t, registry.RoleService, DefaultConfig())
	ws := dial(t, url)

	ping := protocol.MustNew(protocol.TypePing, protocol.Ping{})
	data, err := protocol.CBORCodec{}.Marshal(ping)
	if err != nil {
		t.Fatal(err)
	}
	ws.WriteMessage(websocket.BinaryMessage, data)

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, reply, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.BinaryMessage {
		t.Fatalf("reply should be framed like the request, got kind %d", kind)
	}
	msg, err := protocol.CBORCodec{}.Unmarshal(reply)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != protocol.TypePong || msg.RequestID != ping.ID {
		t.Errorf("reply = %+v", msg)
	}
}

func TestHub_DecodeErrors(t *testing.T) {
	_, handler, url := startHub(t, registry.RoleAgent, DefaultConfig())
	ws := dial(t, url)

	ws.WriteMessage(websocket.TextMessage, []byte(`{not json`))
	reply := readJSON(t, ws)
	var c protocol.ErrorContent
	reply.Unmarshal(&c)
	if reply.Type != protocol.TypeError || c.Code != string(swarmerr.ErrCodeDecode) {
		t.Errorf("reply = %+v %+v", reply, c)
	}

	// A valid envelope whose content fails validation.
	writeJSON(t, ws, &protocol.Message{ID: "m-2", Type: protocol.TypeTaskStatus, Content: []byte(`{"taskId":"t1"}`)})
	readJSON(t, ws)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.decodeErrors) != 2 || len(handler.messages) != 0 {
		t.Errorf("decodeErrors=%d messages=%d", len(handler.decodeErrors), len(handler.messages))
	}
	var de *protocol.DecodeError
	if !errors.As(handler.decodeErrors[1], &de) || de.MessageID != "m-2" {
		t.Errorf("second error = %v", handler.decodeErrors[1])
	}
}

func TestHub_ClientIdentity(t *testing.T) {
	_, handler, url := startHub(t, registry.RoleClient, DefaultConfig())
	ws := dial(t, url+"/?id=c-42&name=dashboard")

	writeJSON(t, ws, protocol.MustNew(protocol.TypePing, protocol.Ping{}))
	readJSON(t, ws)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if handler.ids[0] != "c-42" || handler.names[0] != "dashboard" {
		t.Errorf("id=%q name=%q", handler.ids[0], handler.names[0])
	}
}

func TestHub_ConnectRejected(t *testing.T) {
	hub, handler, url := startHub(t, registry.RoleClient, DefaultConfig())
	handler.mu.Lock()
	handler.rejectWith = swarmerr.New(swarmerr.ErrCodeUnavailable, "shutting down")
	handler.mu.Unlock()
	ws := dial(t, url)

	reply := readJSON(t, ws)
	var c protocol.ErrorContent
	reply.Unmarshal(&c)
	if c.Code != string(swarmerr.ErrCodeUnavailable) {
		t.Errorf("code = %q", c.Code)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("connection should be closed")
	}
	if hub.Len() != 0 {
		t.Errorf("Len() = %d", hub.Len())
	}
}

func TestHub_RateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = 2
	cfg.RateWindow = time.Hour
	_, handler, url := startHub(t, registry.RoleAgent, cfg)
	ws := dial(t, url)

	var pings []*protocol.Message
	for i := 0; i < 3; i++ {
		p := protocol.MustNew(protocol.TypePing, protocol.Ping{})
		pings = append(pings, p)
		writeJSON(t, ws, p)
	}

	var pongs, limited int
	for i := 0; i < 3; i++ {
		reply := readJSON(t, ws)
		switch reply.Type {
		case protocol.TypePong:
			pongs++
		case protocol.TypeError:
			var c protocol.ErrorContent
			reply.Unmarshal(&c)
			if c.Code != string(swarmerr.ErrCodeRateLimit) || !c.Retryable || reply.RequestID != pings[2].ID {
				t.Errorf("error = %+v requestId=%q", c, reply.RequestID)
			}
			limited++
		}
	}
	if pongs != 2 || limited != 1 {
		t.Errorf("pongs=%d limited=%d", pongs, limited)
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.messages) != 2 {
		t.Errorf("handler saw %d messages", len(handler.messages))
	}
}

func TestHub_CloseDisconnectsAll(t *testing.T) {
	hub, handler, url := startHub(t, registry.RoleAgent, DefaultConfig())
	a := dial(t, url)
	b := dial(t, url)

	// Make sure both connections are registered.
	for _, ws := range []*websocket.Conn{a, b} {
		writeJSON(t, ws, protocol.MustNew(protocol.TypePing, protocol.Ping{}))
		readJSON(t, ws)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := hub.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-handler.disconnected:
		case <-time.After(time.Second):
			t.Fatal("missing disconnect")
		}
	}
	for _, ws := range []*websocket.Conn{a, b} {
		ws.SetReadDeadline(time.Now().Add(time.Second))
		if _, _, err := ws.ReadMessage(); err == nil {
			t.Error("expected closed connection")
		}
	}

	if err := hub.Send("anything", protocol.MustNew(protocol.TypePing, protocol.Ping{})); !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("Send after Close: %v", err)
	}
}
