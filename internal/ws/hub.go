// Package ws fans out live activity to websocket and server-sent-event subscribers.
package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages subscriptions grouped by topic key, such as "activity" or "product:42".
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	count     chan countRequest
	done      chan struct{}
	closeOnce sync.Once
}

type message struct {
	key     string
	payload []byte
}

type subscription struct {
	key    string
	client Subscriber
}

type countRequest struct {
	key   string
	reply chan int
}

// NewHub creates a running Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
		count:     make(chan countRequest),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			h.clients = nil
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.key]; !ok {
				h.clients[sub.key] = make(map[Subscriber]struct{})
			}
			h.clients[sub.key][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.key]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.key)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.key]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.key)
				}
			}
		case req := <-h.count:
			req.reply <- len(h.clients[req.key])
		}
	}
}

// Register adds a client under key.
func (h *Hub) Register(key string, client Subscriber) {
	select {
	case h.register <- subscription{key: key, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client from key.
func (h *Hub) Unregister(key string, client Subscriber) {
	select {
	case h.unreg <- subscription{key: key, client: client}:
	case <-h.done:
	}
}

// Broadcast sends payload to every client under key.
func (h *Hub) Broadcast(key string, payload []byte) {
	select {
	case h.broadcast <- message{key: key, payload: payload}:
	case <-h.done:
	}
}

// Subscribers reports how many clients are registered under key.
func (h *Hub) Subscribers(key string) int {
	reply := make(chan int, 1)
	select {
	case h.count <- countRequest{key: key, reply: reply}:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Close disconnects every subscriber and stops the hub.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}
