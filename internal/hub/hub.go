// Package hub fans frames received from the controller out to every
// connected TCP client.
package hub

import (
	"fmt"
	"sync"

	"github.com/kstaniek/go-mcp2515/internal/can"
	"github.com/kstaniek/go-mcp2515/internal/logging"
	"github.com/kstaniek/go-mcp2515/internal/metrics"
)

// BackpressurePolicy decides what happens to a client whose queue is full.
type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota // drop the frame for that client
	PolicyKick                           // disconnect the client
)

// ParsePolicy accepts "drop" or "kick".
func ParsePolicy(s string) (BackpressurePolicy, error) {
	switch s {
	case "drop":
		return PolicyDrop, nil
	case "kick":
		return PolicyKick, nil
	}
	return PolicyDrop, fmt.Errorf("invalid hub policy %q", s)
}

const defaultBufSize = 512

type Client struct {
	Out       chan can.Frame
	Closed    chan struct{}
	closeOnce sync.Once
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.Closed) })
}

type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}

	bufSize int
	policy  BackpressurePolicy
}

type Option func(*Hub)

func WithBufSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufSize = n
		}
	}
}

func WithPolicy(p BackpressurePolicy) Option { return func(h *Hub) { h.policy = p } }

func New(opts ...Option) *Hub {
	h := &Hub{clients: make(map[*Client]struct{}), bufSize: defaultBufSize}
	for _, o := range opts {
		o(h)
	}
	return h
}

// NewClient allocates a client with the hub's queue size. It is not
// registered; see Add.
func (h *Hub) NewClient() *Client {
	return &Client{Out: make(chan can.Frame, h.bufSize), Closed: make(chan struct{})}
}

// Add registers a client.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	cur := len(h.clients)
	h.mu.Unlock()
	metrics.SetHubClients(cur)
	if cur == 1 {
		logging.L().Info("clients_first_connected")
	}
}

// Remove unregisters and closes a client; safe to call more than once.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	cur := len(h.clients)
	h.mu.Unlock()
	c.Close()
	metrics.SetHubClients(cur)
	if existed && cur == 0 {
		logging.L().Info("clients_last_disconnected")
	}
}

// Broadcast queues fr for every client without blocking and returns how
// many clients took it.
func (h *Hub) Broadcast(fr can.Frame) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for c := range h.clients {
		select {
		case c.Out <- fr:
			delivered++
		default:
			if h.policy == PolicyKick {
				metrics.IncHubKick()
				c.Close() // the writer exits and the server removes it
			} else {
				metrics.IncHubDrop()
			}
		}
	}
	return delivered
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
