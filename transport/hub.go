package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	swarmerr "github.com/codeboltai/agentswarmprotocol-sub005/errors"
	"github.com/codeboltai/agentswarmprotocol-sub005/logging"
	"github.com/codeboltai/agentswarmprotocol-sub005/protocol"
	"github.com/codeboltai/agentswarmprotocol-sub005/ratelimit"
	"github.com/codeboltai/agentswarmprotocol-sub005/registry"
)

// Hub owns every accepted connection and delivers outbound messages by
// connection id. It implements the router's Sender.
type Hub struct {
	config   Config
	logger   *logging.Logger
	limiter  ratelimit.Limiter
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	conns  map[string]*conn
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Hub.
type Option func(*Hub)

// WithConfig replaces DefaultConfig. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(h *Hub) {
		def := DefaultConfig()
		if cfg.SendBufferSize <= 0 {
			cfg.SendBufferSize = def.SendBufferSize
		}
		if cfg.WriteTimeout <= 0 {
			cfg.WriteTimeout = def.WriteTimeout
		}
		if cfg.MaxMessageSize <= 0 {
			cfg.MaxMessageSize = def.MaxMessageSize
		}
		if cfg.RateWindow <= 0 {
			cfg.RateWindow = def.RateWindow
		}
		h.config = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(h *Hub) {
		h.logger = l.WithComponent("transport")
	}
}

// WithLimiter sets the per-connection rate limiter. When Config.RateLimit
// is positive and no limiter is given, an in-memory one is created.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(h *Hub) {
		h.limiter = l
	}
}

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		config: DefaultConfig(),
		logger: logging.Discard(),
		conns:  make(map[string]*conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.limiter == nil && h.config.RateLimit > 0 {
		h.limiter = ratelimit.NewMemoryLimiter()
	}
	return h
}

// Send queues msg for the connection. It returns ErrUnknownConnection when
// the connection is gone and ErrSendTimeout when its queue stays full.
func (h *Hub) Send(connectionID string, msg *protocol.Message) error {
	h.mu.RLock()
	c, ok := h.conns[connectionID]
	h.mu.RUnlock()
	if !ok {
		return ErrUnknownConnection
	}
	return c.enqueue(msg)
}

// Len returns the number of open connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Endpoint returns an HTTP handler that upgrades requests to WebSocket
// connections of the given role and feeds them to handler. Client
// connections may pass ?id= and ?name= to pick their identity.
func (h *Hub) Endpoint(role registry.Role, handler Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.serve(w, r, role, handler)
	})
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, role registry.Role, handler Handler) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := newConn(uuid.NewString(), role, ws, h.config)
	if err := h.add(c); err != nil {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		ws.Close()
		return
	}
	defer h.wg.Done()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	if h.limiter != nil && h.config.RateLimit > 0 {
		h.limiter.SetCapacity(c.id, h.config.RateLimit, h.config.RateWindow)
	}

	ctx := context.WithoutCancel(r.Context())
	var id, name string
	if role == registry.RoleClient {
		id, name = r.URL.Query().Get("id"), r.URL.Query().Get("name")
	}
	h.logger.Debug("connection opened", map[string]interface{}{
		"connection": c.id,
		"role":       string(role),
		"remote":     r.RemoteAddr,
	})

	if err := handler.HandleConnect(ctx, c.id, role, id, name); err != nil {
		c.enqueue(protocol.ErrorFrom(nil, err))
		h.remove(c)
		c.close()
		<-writerDone
		return
	}

	h.readLoop(ctx, c, handler)

	h.remove(c)
	c.close()
	handler.HandleDisconnect(ctx, c.id)
	<-writerDone
	h.logger.Debug("connection closed", map[string]interface{}{"connection": c.id})
}

// readLoop decodes frames and hands them to handler until the connection
// fails or is closed.
func (h *Hub) readLoop(ctx context.Context, c *conn, handler Handler) {
	for {
		data, codec, err := c.read()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-c.done:
				default:
					h.logger.Debug("read failed", map[string]interface{}{
						"connection": c.id,
						"error":      err.Error(),
					})
				}
			}
			return
		}

		if h.limiter != nil && !h.limiter.TryAcquire(c.id) {
			h.logger.MessageDropped(c.id, "", "rate limited")
			rejected := swarmerr.FromCode(swarmerr.ErrCodeRateLimit,
				swarmerr.WithMetadata("limit", fmt.Sprintf("%d per %s", h.config.RateLimit, h.config.RateWindow)))
			var req *protocol.Message
			if msg, err := codec.Unmarshal(data); err == nil {
				req = msg
			}
			c.enqueue(protocol.ErrorFrom(req, rejected))
			continue
		}

		msg, err := codec.Unmarshal(data)
		if err != nil {
			handler.HandleDecodeError(ctx, c.id, err)
			continue
		}
		payload, err := protocol.Decode(msg)
		if err != nil {
			handler.HandleDecodeError(ctx, c.id, err)
			continue
		}
		handler.HandleMessage(ctx, c.id, msg, payload)
	}
}

func (h *Hub) add(c *conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	h.conns[c.id] = c
	h.wg.Add(1)
	return nil
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
	if h.limiter != nil {
		h.limiter.Remove(c.id)
	}
}

// Close stops accepting connections, closes the open ones and waits until
// their disconnects have been handled or ctx ends.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	open := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		open = append(open, c)
	}
	h.mu.Unlock()

	for _, c := range open {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if h.limiter != nil {
		h.limiter.Close()
	}
	return err
}

// Serve accepts connections of one role on ln until ctx is cancelled.
func (h *Hub) Serve(ctx context.Context, ln net.Listener, role registry.Role, handler Handler) error {
	srv := &http.Server{
		Handler:           h.Endpoint(role, handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Shutdown does not wait for hijacked connections; Close does.
		srv.Shutdown(shutdownCtx)
		return nil
	}
}

// ListenAndServe listens on addr and calls Serve.
func (h *Hub) ListenAndServe(ctx context.Context, addr string, role registry.Role, handler Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return h.Serve(ctx, ln, role, handler)
}
