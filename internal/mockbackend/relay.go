package mockbackend

import (
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pageassist/assist/internal/client"
)

type relayClient struct {
	conn  *websocket.Conn
	relay *Relay
	send  chan []byte
}

// writePump drains send until it is closed. A failed write removes the
// client from the relay.
func (c *relayClient) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.relay.RemoveClient(c)
			return
		}
	}
}

func (c *relayClient) close() {
	close(c.send)
}

// Relay fans stream events out to every connected stream client, the way the
// answering service relays its progress log.
type Relay struct {
	mu      sync.RWMutex
	clients map[*relayClient]bool
	log     *zap.Logger
}

func NewRelay(log *zap.Logger) *Relay {
	return &Relay{
		clients: make(map[*relayClient]bool),
		log:     log,
	}
}

func (r *Relay) AddClient(conn *websocket.Conn) *relayClient {
	c := &relayClient{
		conn:  conn,
		relay: r,
		send:  make(chan []byte, 64),
	}
	r.mu.Lock()
	r.clients[c] = true
	r.mu.Unlock()
	go c.writePump()
	return c
}

func (r *Relay) RemoveClient(c *relayClient) {
	r.mu.Lock()
	if _, ok := r.clients[c]; ok {
		delete(r.clients, c)
		c.close()
	}
	r.mu.Unlock()
}

// Broadcast sends ev to every client. A client whose buffer is full is
// disconnected.
func (r *Relay) Broadcast(ev client.StreamEvent) {
	data, err := client.EncodeEvent(ev)
	if err != nil {
		r.log.Error("relay encode", zap.Error(err))
		return
	}
	r.BroadcastRaw(data)
}

// BroadcastRaw sends an already encoded message. The read lock is held
// across the sends so no client's channel can be closed under them.
func (r *Relay) BroadcastRaw(data []byte) {
	var slow []*relayClient
	r.mu.RLock()
	for c := range r.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range slow {
		r.log.Warn("stream client too slow, disconnecting")
		r.RemoveClient(c)
	}
}

func (r *Relay) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Close disconnects every client.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.clients {
		delete(r.clients, c)
		c.close()
	}
}
