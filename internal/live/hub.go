package live

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Hub fans frames out to the observers of named topics, preserving
// publish order per topic. Late joiners receive the topic's snapshot
// first, then live frames; there is no historical replay.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]*topic
}

type topic struct {
	conns map[*Conn]bool
	// snapshot produces the frames a late joiner should see before
	// any live traffic. Nil until the publisher installs one.
	snapshot func() [][]byte
}

func NewHub() *Hub {
	return &Hub{topics: make(map[string]*topic)}
}

func (h *Hub) getOrCreate(name string) *topic {
	t := h.topics[name]
	if t == nil {
		t = &topic{conns: make(map[*Conn]bool)}
		h.topics[name] = t
	}
	return t
}

// SetSnapshot installs the late-join state provider for a topic. The
// function runs under the hub lock on every join, interleaved safely
// with publishes.
func (h *Hub) SetSnapshot(name string, fn func() [][]byte) {
	h.mu.Lock()
	h.getOrCreate(name).snapshot = fn
	h.mu.Unlock()
}

// Attach registers a fresh WebSocket on a topic and starts its pumps.
func (h *Hub) Attach(name string, ws *websocket.Conn) *Conn {
	c := newConn(h, name, ws)
	h.subscribe(name, c)
	go c.writePump()
	go c.readPump()
	return c
}

func (h *Hub) subscribe(name string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.getOrCreate(name)
	if t.snapshot != nil {
		// A fresh connection's buffer is empty; this cannot drop
		// unless the snapshot alone overflows it.
		for _, frame := range t.snapshot() {
			c.trySend(frame)
		}
	}
	t.conns[c] = true
}

// unsubscribe removes the connection and signals its pumps to shut
// the socket down.
func (h *Hub) unsubscribe(c *Conn) {
	h.mu.Lock()
	if t := h.topics[c.topic]; t != nil {
		delete(t.conns, c)
	}
	h.mu.Unlock()
	c.close()
}

// Publish sends one frame to every observer of the topic. It never
// blocks: a client whose buffer is full is dropped on the spot.
func (h *Hub) Publish(name string, frame []byte) {
	h.mu.RLock()
	t := h.topics[name]
	var conns []*Conn
	if t != nil {
		conns = make([]*Conn, 0, len(t.conns))
		for c := range t.conns {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if !c.trySend(frame) {
			h.unsubscribe(c)
		}
	}
}

// PublishJSON encodes the message and publishes it.
func (h *Hub) PublishJSON(name string, v any) {
	h.Publish(name, Encode(v))
}

// Drop forgets a topic entirely; current observers are disconnected.
func (h *Hub) Drop(name string) {
	h.mu.Lock()
	t := h.topics[name]
	delete(h.topics, name)
	var conns []*Conn
	if t != nil {
		for c := range t.conns {
			conns = append(conns, c)
		}
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// ClientCount reports the number of observers on a topic.
func (h *Hub) ClientCount(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if t := h.topics[name]; t != nil {
		return len(t.conns)
	}
	return 0
}
