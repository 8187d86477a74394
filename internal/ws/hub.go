// Package ws serves the live event feed over websockets
package ws

import (
	"encoding/json"
	"log/slog"
	"sync"

	"sentinel/internal/pipeline"
)

const sendBuffer = 32

// Client is one feed subscriber. A nil camera set receives every camera.
type Client struct {
	cameras map[string]bool
	send    chan []byte
	once    sync.Once
}

// NewClient creates a subscriber for the given cameras, or all when empty
func NewClient(cameras ...string) *Client {
	c := &Client{send: make(chan []byte, sendBuffer)}
	if len(cameras) > 0 {
		c.cameras = make(map[string]bool, len(cameras))
		for _, id := range cameras {
			c.cameras[id] = true
		}
	}
	return c
}

// Send returns the client's outgoing message channel. It is closed when the
// hub drops the client.
func (c *Client) Send() <-chan []byte { return c.send }

func (c *Client) wants(cameraIDs []string) bool {
	if c.cameras == nil {
		return true
	}
	for _, id := range cameraIDs {
		if c.cameras[id] {
			return true
		}
	}
	return false
}

func (c *Client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans feed messages out to subscribers. Broadcasting never blocks: a
// client whose buffer is full is dropped.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	dropped uint64
}

// NewHub creates a new hub
func NewHub() *Hub {
	return &Hub{clients: make(map[*Client]bool)}
}

// Register adds a client
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	slog.Debug("ws: client registered", "clients", n)
}

// Unregister removes a client and closes its channel
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many clients were dropped for being too slow
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// BroadcastEvent sends a final event to subscribers of any of its cameras
func (h *Hub) BroadcastEvent(rec *pipeline.EventRecord) {
	cams := rec.CameraIDs
	if len(cams) == 0 {
		cams = []string{rec.CameraID}
	}
	h.broadcast(cams, NewEventMessage(rec))
}

// BroadcastLiveness sends a liveness change
func (h *Hub) BroadcastLiveness(ev pipeline.LivenessEvent) {
	h.broadcast([]string{ev.CameraID}, NewLivenessMessage(ev))
}

// BroadcastState sends an assembler transition. Usable as a
// pipeline.StateHandler.
func (h *Hub) BroadcastState(sc pipeline.StateChange) {
	h.broadcast([]string{sc.CameraID}, NewStateMessage(sc))
}

func (h *Hub) broadcast(cameraIDs []string, msg any) {
	if h.ClientCount() == 0 {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("ws: failed to marshal message", "err", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !c.wants(cameraIDs) {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		slog.Warn("ws: dropping slow client")
		h.mu.Lock()
		if h.clients[c] {
			delete(h.clients, c)
			c.close()
			h.dropped++
		}
		h.mu.Unlock()
	}
}

// Close drops every client
func (h *Hub) Close() {
	h.mu.Lock()
	for c := range h.clients {
		c.close()
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()
}
