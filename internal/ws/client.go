package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 32
)

// ErrSlowConsumer is returned when a subscriber's queue is full. The client
// is closed so the hub drops it.
var ErrSlowConsumer = errors.New("ws: subscriber too slow")

// Client is a websocket subscriber. Frames are queued and written by a single
// goroutine that also pings the peer.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger
	send chan []byte
	done chan struct{}
	once sync.Once
}

// NewClient starts the writer for conn.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	c := &Client{
		conn: conn,
		log:  logger,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// Send queues a text frame without blocking the caller.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.log.Warn("websocket subscriber dropped", "queued", len(c.send))
		c.Close()
		return ErrSlowConsumer
	}
}

// Wait reads until the peer goes away. Inbound frames are discarded; pongs
// extend the read deadline.
func (c *Client) Wait() {
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Close stops the writer and closes the connection.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case payload := <-c.send:
			if err := c.write(websocket.TextMessage, payload); err != nil {
				c.log.Warn("websocket send failed", "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			for {
				select {
				case payload := <-c.send:
					if c.write(websocket.TextMessage, payload) != nil {
						return
					}
				default:
					_ = c.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(writeWait))
					return
				}
			}
		}
	}
}

func (c *Client) write(kind int, payload []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(kind, payload)
}
