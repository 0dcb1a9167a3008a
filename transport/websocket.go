package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codeboltai/agentswarmprotocol-sub005/protocol"
	"github.com/codeboltai/agentswarmprotocol-sub005/registry"
)

// conn is one accepted WebSocket connection.
type conn struct {
	id     string
	role   registry.Role
	ws     *websocket.Conn
	config Config

	send chan *protocol.Message
	done chan struct{}

	mu     sync.Mutex
	closed bool
	codec  protocol.Codec // framing of the most recent inbound frame
}

func newConn(id string, role registry.Role, ws *websocket.Conn, cfg Config) *conn {
	ws.SetReadLimit(cfg.MaxMessageSize)
	if cfg.ReadTimeout > 0 {
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		})
	}
	return &conn{
		id:     id,
		role:   role,
		ws:     ws,
		config: cfg,
		send:   make(chan *protocol.Message, cfg.SendBufferSize),
		done:   make(chan struct{}),
		codec:  protocol.JSONCodec{},
	}
}

// enqueue queues a message for the write loop, waiting up to WriteTimeout
// for room.
func (c *conn) enqueue(msg *protocol.Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	select {
	case c.send <- msg:
		return nil
	default:
	}

	timer := time.NewTimer(c.config.WriteTimeout)
	defer timer.Stop()
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	case <-timer.C:
		return ErrSendTimeout
	}
}

// close initiates shutdown. The write loop drains queued messages first.
func (c *conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
}

// read returns the next frame and the codec that frames it.
func (c *conn) read() ([]byte, protocol.Codec, error) {
	if c.config.ReadTimeout > 0 {
		c.ws.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	}
	kind, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, nil, err
	}
	var codec protocol.Codec = protocol.JSONCodec{}
	if kind == websocket.BinaryMessage {
		codec = protocol.CBORCodec{}
	}
	c.mu.Lock()
	c.codec = codec
	c.mu.Unlock()
	return data, codec, nil
}

// writeLoop writes queued messages until the connection is closed, then
// drains the queue and sends a close frame.
func (c *conn) writeLoop() {
	ticker := c.pingTicker()
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case <-c.done:
			c.drain()
			c.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				c.close()
			}
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.close()
			}
		}
	}
}

func (c *conn) pingTicker() *time.Ticker {
	if c.config.PingInterval > 0 {
		return time.NewTicker(c.config.PingInterval)
	}
	// Return a ticker that never fires
	ticker := time.NewTicker(time.Hour)
	ticker.Stop()
	return ticker
}

func (c *conn) drain() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

// write frames msg the way the peer last wrote to us.
func (c *conn) write(msg *protocol.Message) error {
	c.mu.Lock()
	codec := c.codec
	c.mu.Unlock()

	data, err := codec.Marshal(msg)
	if err != nil {
		return nil // skip the message, keep the connection
	}
	kind := websocket.TextMessage
	if _, binary := codec.(protocol.CBORCodec); binary {
		kind = websocket.BinaryMessage
	}
	if c.config.WriteTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	return c.ws.WriteMessage(kind, data)
}
