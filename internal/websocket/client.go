package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	ws "github.com/coder/websocket"

	"github.com/rottym/fambam/internal/apperr"
	"github.com/rottym/fambam/internal/auth"
	"github.com/rottym/fambam/internal/livequery"
	"github.com/rottym/fambam/internal/optimistic"
)

const (
	sendBufferSize   = 16
	pingInterval     = 30 * time.Second
	defaultPageSize  = 50
	maxSubscriptions = 32
)

// Windows opens paginated live queries.
type Windows interface {
	Window(ctx context.Context, q livequery.Query, pageSize int) (*livequery.Window, error)
}

// Client represents a single WebSocket connection. Every query and mutation
// it issues is scoped to its actor's family.
type Client struct {
	hub     *Hub
	conn    *ws.Conn
	send    chan []byte
	actor   auth.Actor
	windows Windows
	writer  optimistic.Writer
	logger  *slog.Logger

	mu   sync.Mutex
	subs map[string]*livequery.Window
	wg   sync.WaitGroup
}

// NewClient creates a Client tied to the given hub and connection.
func NewClient(hub *Hub, conn *ws.Conn, actor auth.Actor, windows Windows, writer optimistic.Writer, logger *slog.Logger) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		actor:   actor,
		windows: windows,
		writer:  writer,
		logger:  logger.With("member_id", actor.MemberID, "family_id", actor.FamilyID),
		subs:    make(map[string]*livequery.Window),
	}
}

// Run registers the client, starts the write pump, and runs the read pump.
// It blocks until the connection is closed, then closes every subscription
// and unregisters.
func (c *Client) Run(ctx context.Context) {
	c.hub.Register(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		c.writePump(ctx)
		cancel()
	}()
	c.readPump(ctx)

	cancel()
	c.closeAll()
	c.wg.Wait()
	c.hub.Unregister(c)
}

// readPump handles client requests in order until the connection closes.
func (c *Client) readPump(ctx context.Context) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.enqueue(ctx, Message{Type: TypeError, Error: "invalid JSON"})
			continue
		}
		c.handle(ctx, req)
	}
}

// writePump drains the send channel and writes messages to the WebSocket.
// It also sends periodic pings to detect stale connections.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, ws.MessageText, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) handle(ctx context.Context, req Request) {
	var err error
	switch req.Op {
	case OpSubscribe:
		err = c.subscribe(ctx, req)
	case OpLoadMore:
		err = c.loadMore(ctx, req.SubID)
	case OpUnsubscribe:
		err = c.unsubscribe(req.SubID)
	case OpMutate:
		err = c.mutate(ctx, req)
	default:
		err = fmt.Errorf("unknown op %q: %w", req.Op, apperr.ErrInvalidInput)
	}
	if err != nil {
		if apperr.HTTPStatus(err) >= 500 {
			c.logger.Error("websocket request failed", "op", req.Op, "sub_id", req.SubID, "error", err)
		}
		c.enqueue(ctx, Message{Type: TypeError, SubID: req.SubID, Ref: req.Ref, Error: apperr.Message(err)})
	}
}

func (c *Client) subscribe(ctx context.Context, req Request) error {
	if req.SubID == "" {
		return fmt.Errorf("sub_id is required: %w", apperr.ErrInvalidInput)
	}
	pageSize := req.PageSize
	if pageSize == 0 {
		pageSize = defaultPageSize
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[req.SubID]; ok {
		return fmt.Errorf("subscription %q already exists: %w", req.SubID, apperr.ErrInvalidInput)
	}
	if len(c.subs) >= maxSubscriptions {
		return fmt.Errorf("too many subscriptions: %w", apperr.ErrInvalidInput)
	}

	w, err := c.windows.Window(ctx, livequery.Query{
		FamilyID:   c.actor.FamilyID,
		Collection: req.Collection,
		Filter:     req.Filter,
	}, pageSize)
	if err != nil {
		return err
	}
	c.subs[req.SubID] = w

	c.wg.Add(1)
	go c.forward(ctx, req.SubID, w)
	return nil
}

// forward relays a window's snapshots until it ends. A window that ends on
// its own, rather than by unsubscribe or disconnect, is reported to the
// client.
func (c *Client) forward(ctx context.Context, subID string, w *livequery.Window) {
	defer c.wg.Done()
	for snap := range w.Snapshots() {
		c.enqueue(ctx, snapshotMessage(subID, snap))
	}

	c.mu.Lock()
	cur, ok := c.subs[subID]
	if ok && cur == w {
		delete(c.subs, subID)
	}
	c.mu.Unlock()

	err := w.Err()
	if !ok || cur != w || ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return
	}
	c.logger.Warn("live query ended", "sub_id", subID, "error", err)
	c.enqueue(ctx, Message{Type: TypeClosed, SubID: subID, Error: apperr.Message(err)})
}

func (c *Client) window(subID string) (*livequery.Window, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.subs[subID]
	if !ok {
		return nil, fmt.Errorf("subscription %q: %w", subID, apperr.ErrNotFound)
	}
	return w, nil
}

func (c *Client) loadMore(ctx context.Context, subID string) error {
	w, err := c.window(subID)
	if err != nil {
		return err
	}
	if w.Exhausted() {
		return nil
	}
	if err := w.LoadMore(ctx); err != nil && !errors.Is(err, livequery.ErrClosed) {
		return err
	}
	return nil
}

func (c *Client) unsubscribe(subID string) error {
	c.mu.Lock()
	w, ok := c.subs[subID]
	delete(c.subs, subID)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("subscription %q: %w", subID, apperr.ErrNotFound)
	}
	w.Close()
	return nil
}

// mutate writes synchronously, so a client's mutations commit in the order
// it sent them.
func (c *Client) mutate(ctx context.Context, req Request) error {
	if req.Mutation == nil {
		return fmt.Errorf("mutation is required: %w", apperr.ErrInvalidInput)
	}
	m := *req.Mutation
	m.FamilyID = c.actor.FamilyID
	m.ActorID = c.actor.MemberID

	ack, err := c.writer.Write(ctx, m)
	if err != nil {
		return err
	}
	c.enqueue(ctx, Message{Type: TypeAck, Ref: req.Ref, Ack: &ack})
	return nil
}

func (c *Client) closeAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*livequery.Window)
	c.mu.Unlock()
	for _, w := range subs {
		w.Close()
	}
}

func (c *Client) subscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// enqueue hands msg to the write pump. It blocks while the buffer is full,
// which in turn lets the live query coalesce snapshots.
func (c *Client) enqueue(ctx context.Context, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("marshal message", "type", msg.Type, "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-ctx.Done():
	}
}
