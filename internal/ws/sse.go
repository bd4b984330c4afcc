package ws

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// SSEClient streams Server-Sent Events over an HTTP response writer.
type SSEClient struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher http.Flusher
	log     *slog.Logger
	closed  bool
}

// NewSSEClient builds an SSE client instance.
func NewSSEClient(writer io.Writer, flusher http.Flusher, logger *slog.Logger) *SSEClient {
	return &SSEClient{writer: writer, flusher: flusher, log: logger}
}

// Send emits an unnamed data event.
func (c *SSEClient) Send(payload []byte) error {
	return c.SendEvent("", payload)
}

// SendEvent emits an event with the given name. Multi-line payloads become
// one data field per line.
func (c *SSEClient) SendEvent(name string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	var b strings.Builder
	if name != "" {
		b.WriteString("event: ")
		b.WriteString(name)
		b.WriteByte('\n')
	}
	for _, line := range strings.Split(strings.TrimRight(string(payload), "\n"), "\n") {
		b.WriteString("data: ")
		b.WriteString(strings.TrimRight(line, "\r"))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	if _, err := fmt.Fprint(c.writer, b.String()); err != nil {
		c.closed = true
		c.log.Warn("sse send failed", "error", err)
		return err
	}
	if c.flusher != nil {
		c.flusher.Flush()
	}
	return nil
}

// Close marks the stream as closed.
func (c *SSEClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}
