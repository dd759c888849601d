// Package hub fans frames read from the serial link out to every connected
// consumer (TCP clients, the MQTT sink).
package hub

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-serial-link/internal/frame"
	"github.com/kstaniek/go-serial-link/internal/logging"
	"github.com/kstaniek/go-serial-link/internal/metrics"
)

type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

func (p BackpressurePolicy) String() string {
	if p == PolicyKick {
		return "kick"
	}
	return "drop"
}

// ParsePolicy accepts "drop" or "kick" (case-insensitive).
func ParsePolicy(s string) (BackpressurePolicy, error) {
	switch strings.ToLower(s) {
	case "drop", "":
		return PolicyDrop, nil
	case "kick":
		return PolicyKick, nil
	default:
		return PolicyDrop, fmt.Errorf("invalid hub policy %q", s)
	}
}

// DefaultOutBufSize is used by NewClient when the hub has no OutBufSize.
const DefaultOutBufSize = 512

// Client is one consumer. The owner reads Out until Closed is closed.
type Client struct {
	Out       chan frame.Frame
	Closed    chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

// Close marks the client closed; safe to call more than once.
func (c *Client) Close() { c.closeOnce.Do(func() { close(c.Closed) }) }

// Dropped reports frames this client missed under the drop policy.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
}

// New creates a Hub with default settings.
func New() *Hub { return &Hub{clients: make(map[*Client]struct{})} }

// NewClient allocates a client sized by OutBufSize and registers it.
func (h *Hub) NewClient() *Client {
	n := h.OutBufSize
	if n <= 0 {
		n = DefaultOutBufSize
	}
	c := &Client{Out: make(chan frame.Frame, n), Closed: make(chan struct{})}
	h.Add(c)
	return c
}

// Add registers a client with the hub.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	prev := len(h.clients)
	h.clients[c] = struct{}{}
	cur := len(h.clients)
	h.mu.Unlock()
	metrics.SetHubClients(cur)
	if prev == 0 && cur == 1 {
		logging.L().Info("clients_first_connected")
	}
}

// Remove unregisters a client and updates metrics; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	if existed {
		delete(h.clients, c)
	}
	cur := len(h.clients)
	h.mu.Unlock()
	c.Close()
	metrics.SetHubClients(cur)
	if existed && cur == 0 {
		logging.L().Info("clients_last_disconnected")
	}
}

// Broadcast offers fr to every client without blocking. A client with a full
// queue loses the frame (PolicyDrop) or is closed (PolicyKick). All clients
// share one Payload slice, which must be treated as read only.
func (h *Hub) Broadcast(fr frame.Frame) {
	for _, c := range h.Snapshot() {
		select {
		case c.Out <- fr:
			continue
		default:
		}
		if h.Policy == PolicyKick {
			metrics.IncHubKick()
			c.Close()
			continue
		}
		c.dropped.Add(1)
		metrics.IncHubDrop()
	}
}

// Snapshot returns a slice copy of current clients (read-only use).
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	return clients
}

// Count returns the number of active clients.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.clients); h.mu.RUnlock(); return n }
