package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/branchtalk/internal/logger"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// bufPool pools bytes.Buffer for JSON encoding in writePump.
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Client represents a single WebSocket connection.
// Lifecycle: NewClient -> Start(ctx, cancel) -> [readPump, writePump] -> Close -> Wait.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan OutgoingMessage
	userID string

	// done is used as a non-blocking guard in sendToClient.
	done chan struct{}
	// cancel cancels the context passed to Start, triggering pump shutdown.
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func NewClient(hub *Hub, conn *websocket.Conn, userID string, sendBufSize int) *Client {
	if sendBufSize <= 0 {
		sendBufSize = 256
	}
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan OutgoingMessage, sendBufSize),
		userID: userID,
		done:   make(chan struct{}),
	}
}

// Start launches the pump goroutines. ctx controls pump lifetime; cancel is
// stored for Close().
func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Wait blocks until both pump goroutines have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close signals the client to stop. Safe to call multiple times from any goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		// Force both pumps to unblock (ReadMessage / WriteMessage will error).
		c.conn.Close()
	})
}

func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("ws set read deadline user=%s: %v", c.userID, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read error user=%s: %v", c.userID, err)
			}
			return
		}

		var msg IncomingMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Errorf("ws unmarshal error user=%s: %v", c.userID, err)
			continue
		}

		c.hub.HandleMessage(ctx, c, msg)
	}
}

func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			if err := c.conn.WriteMessage(websocket.CloseMessage, nil); err != nil {
				logger.Errorf("ws close message user=%s: %v", c.userID, err)
			}
			return
		case msg := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.userID, err)
				return
			}
			buf := bufPool.Get().(*bytes.Buffer)
			buf.Reset()
			if err := json.NewEncoder(buf).Encode(msg); err != nil {
				bufPool.Put(buf)
				logger.Errorf("ws marshal error user=%s: %v", c.userID, err)
				continue
			}
			data := buf.Bytes()
			// json.Encoder appends '\n'; trim it for WebSocket text messages.
			if len(data) > 0 && data[len(data)-1] == '\n' {
				data = data[:len(data)-1]
			}
			writeErr := c.conn.WriteMessage(websocket.TextMessage, data)
			bufPool.Put(buf)
			if writeErr != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.userID, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
