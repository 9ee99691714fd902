// Package websocket serves live queries and optimistic mutations to browser
// clients over a JSON protocol.
package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"

	ws "github.com/coder/websocket"

	"github.com/rottym/fambam/internal/livequery"
	"github.com/rottym/fambam/internal/optimistic"
)

// Client operations.
const (
	OpSubscribe   = "subscribe"
	OpLoadMore    = "load_more"
	OpUnsubscribe = "unsubscribe"
	OpMutate      = "mutate"
)

// Server message types.
const (
	TypeSnapshot = "snapshot"
	TypeAck      = "ack"
	TypeError    = "error"
	TypeClosed   = "closed"
	TypeShutdown = "shutdown"
)

// Request is one client message. Collection, Filter and PageSize apply to
// subscribe; Mutation to mutate, whose reply echoes Ref.
type Request struct {
	Op         string               `json:"op"`
	SubID      string               `json:"sub_id,omitempty"`
	Ref        string               `json:"ref,omitempty"`
	Collection string               `json:"collection,omitempty"`
	Filter     map[string]string    `json:"filter,omitempty"`
	PageSize   int                  `json:"page_size,omitempty"`
	Mutation   *optimistic.Mutation `json:"mutation,omitempty"`
}

// SnapshotBody is the payload of a snapshot message.
type SnapshotBody struct {
	Seq       int64                `json:"seq"`
	Resync    bool                 `json:"resync"`
	Docs      []livequery.Document `json:"docs"`
	Exhausted bool                 `json:"exhausted"`
}

// Message is one server message.
type Message struct {
	Type  string `json:"type"`
	SubID string `json:"sub_id,omitempty"`
	Ref   string `json:"ref,omitempty"`
	*SnapshotBody
	Ack   *optimistic.Ack `json:"ack,omitempty"`
	Error string          `json:"error,omitempty"`
}

func snapshotMessage(subID string, snap livequery.Snapshot) Message {
	docs := snap.Docs
	if docs == nil {
		docs = []livequery.Document{}
	}
	return Message{
		Type:  TypeSnapshot,
		SubID: subID,
		SnapshotBody: &SnapshotBody{
			Seq:       snap.Seq,
			Resync:    snap.Resync,
			Docs:      docs,
			Exhausted: snap.Exhausted,
		},
	}
}

// Hub maintains the set of active WebSocket clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *slog.Logger
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Broadcast sends a message to all connected clients. Clients whose buffer
// is full miss it.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

// CloseAll closes every client connection with a going-away status and
// waits for the closing handshakes.
func (h *Hub) CloseAll(reason string) {
	h.mu.RLock()
	conns := make([]*ws.Conn, 0, len(h.clients))
	for c := range h.clients {
		if c.conn != nil {
			conns = append(conns, c.conn)
		}
	}
	h.mu.RUnlock()

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn.Close(ws.StatusGoingAway, reason)
		}()
	}
	wg.Wait()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriptionCount returns the number of open live queries across all
// clients.
func (h *Hub) SubscriptionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients {
		n += c.subscriptionCount()
	}
	return n
}
