// Package wsclient speaks the live query WebSocket protocol from Go. Each
// View projects one subscription through an optimistic engine, so writes
// made through it are visible before the server confirms them.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"

	ws "github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/rottym/fambam/internal/livequery"
	"github.com/rottym/fambam/internal/middleware"
	"github.com/rottym/fambam/internal/optimistic"
	wsproto "github.com/rottym/fambam/internal/websocket"
)

const readLimit = 4 << 20

// ErrClosed is returned for requests on a connection that has ended.
var ErrClosed = errors.New("wsclient: connection closed")

// RemoteError is an error message sent by the server.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "server: " + e.Message
}

type reply struct {
	ack optimistic.Ack
	err error
}

// Client is one connection acting as a family member. It implements
// optimistic.Writer.
type Client struct {
	conn   *ws.Conn
	logger *slog.Logger

	mu       sync.Mutex
	waiting  map[string]chan reply
	views    map[string]*View
	err      error
	shutdown bool

	done chan struct{}
}

// Dial connects to the server's /ws endpoint as memberID of familyID.
func Dial(ctx context.Context, url string, memberID, familyID int64, logger *slog.Logger) (*Client, error) {
	h := http.Header{}
	h.Set(middleware.HeaderMemberID, strconv.FormatInt(memberID, 10))
	h.Set(middleware.HeaderFamilyID, strconv.FormatInt(familyID, 10))

	conn, _, err := ws.Dial(ctx, url, &ws.DialOptions{HTTPHeader: h})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(readLimit)

	c := &Client{
		conn:    conn,
		logger:  logger.With("component", "wsclient", "member_id", memberID),
		waiting: make(map[string]chan reply),
		views:   make(map[string]*View),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close ends the connection and every view on it.
func (c *Client) Close() error {
	err := c.conn.Close(ws.StatusNormalClosure, "")
	<-c.done
	if errors.Is(err, net.ErrClosed) || ws.CloseStatus(err) == ws.StatusNormalClosure {
		return nil
	}
	return err
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// ShuttingDown reports whether the server announced it is going away.
func (c *Client) ShuttingDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdown
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var msg wsproto.Message
		if err := wsjson.Read(context.Background(), c.conn, &msg); err != nil {
			c.fail(fmt.Errorf("%w: %w", ErrClosed, err))
			return
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg wsproto.Message) {
	switch msg.Type {
	case wsproto.TypeAck:
		if msg.Ack == nil {
			c.resolve(msg.Ref, reply{err: &RemoteError{Message: "ack without body"}})
			return
		}
		c.resolve(msg.Ref, reply{ack: *msg.Ack})
	case wsproto.TypeError:
		err := &RemoteError{Message: msg.Error}
		if msg.Ref != "" {
			c.resolve(msg.Ref, reply{err: err})
			return
		}
		if v := c.view(msg.SubID); v != nil {
			v.fail(err)
			return
		}
		c.logger.Warn("server error", "sub_id", msg.SubID, "error", msg.Error)
	case wsproto.TypeSnapshot:
		v := c.view(msg.SubID)
		if v == nil || msg.SnapshotBody == nil {
			return
		}
		if err := v.install(msg.SnapshotBody); err != nil {
			c.logger.Error("install snapshot", "sub_id", msg.SubID, "error", err)
		}
	case wsproto.TypeClosed:
		if v := c.forget(msg.SubID); v != nil {
			v.end(&RemoteError{Message: msg.Error})
		}
	case wsproto.TypeShutdown:
		c.mu.Lock()
		c.shutdown = true
		c.mu.Unlock()
		c.logger.Info("server shutting down")
	}
}

// fail ends every pending write and view with err.
func (c *Client) fail(err error) {
	c.mu.Lock()
	c.err = err
	waiting := c.waiting
	views := c.views
	c.waiting = make(map[string]chan reply)
	c.views = make(map[string]*View)
	c.mu.Unlock()

	for _, ch := range waiting {
		ch <- reply{err: err}
	}
	for _, v := range views {
		v.end(err)
	}
}

func (c *Client) resolve(ref string, r reply) {
	c.mu.Lock()
	ch, ok := c.waiting[ref]
	delete(c.waiting, ref)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("reply for unknown ref", "ref", ref)
		return
	}
	ch <- r
}

func (c *Client) view(subID string) *View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.views[subID]
}

func (c *Client) forget(subID string) *View {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.views[subID]
	delete(c.views, subID)
	return v
}

func (c *Client) send(ctx context.Context, req wsproto.Request) error {
	if err := c.Err(); err != nil {
		return err
	}
	if err := wsjson.Write(ctx, c.conn, req); err != nil {
		return fmt.Errorf("send %s: %w", req.Op, err)
	}
	return nil
}

// Write sends m and waits for the server's acknowledgement. Mutations on
// one connection commit in the order they are sent.
func (c *Client) Write(ctx context.Context, m optimistic.Mutation) (optimistic.Ack, error) {
	ref := uuid.NewString()
	ch := make(chan reply, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return optimistic.Ack{}, err
	}
	c.waiting[ref] = ch
	c.mu.Unlock()

	if err := c.send(ctx, wsproto.Request{Op: wsproto.OpMutate, Ref: ref, Mutation: &m}); err != nil {
		c.mu.Lock()
		delete(c.waiting, ref)
		c.mu.Unlock()
		return optimistic.Ack{}, err
	}

	select {
	case r := <-ch:
		return r.ack, r.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.waiting, ref)
		c.mu.Unlock()
		return optimistic.Ack{}, ctx.Err()
	}
}

// Watch subscribes to a collection and returns once the first snapshot has
// arrived. onChange, if set, runs with the projected documents whenever
// they change; it runs on the connection's read goroutine and must not block
// on the client.
func (c *Client) Watch(ctx context.Context, collection string, filter map[string]string, pageSize int, onChange func([]optimistic.Doc)) (*View, error) {
	v := &View{
		client:     c,
		subID:      uuid.NewString(),
		collection: collection,
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
	}
	v.engine = optimistic.New(c, c.logger.With("collection", collection), optimistic.OnChange(func() {
		if onChange != nil {
			onChange(v.engine.Docs())
		}
	}))

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.views[v.subID] = v
	c.mu.Unlock()

	err := c.send(ctx, wsproto.Request{
		Op:         wsproto.OpSubscribe,
		SubID:      v.subID,
		Collection: collection,
		Filter:     filter,
		PageSize:   pageSize,
	})
	if err != nil {
		c.forget(v.subID)
		return nil, err
	}

	select {
	case <-v.ready:
		return v, nil
	case <-v.done:
		c.forget(v.subID)
		return nil, v.Err()
	case <-ctx.Done():
		_ = v.Close(context.Background())
		return nil, ctx.Err()
	}
}

// View is one live subscription with local writes applied on top.
type View struct {
	client     *Client
	subID      string
	collection string
	engine     *optimistic.Engine

	readyOnce sync.Once
	ready     chan struct{}
	doneOnce  sync.Once
	done      chan struct{}

	mu        sync.Mutex
	exhausted bool
	err       error
}

func (v *View) install(body *wsproto.SnapshotBody) error {
	docs, err := optimistic.DocsFromSnapshot(livequery.Snapshot{Docs: body.Docs, Seq: body.Seq})
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.exhausted = body.Exhausted
	v.mu.Unlock()
	v.engine.Reconcile(docs, body.Seq)
	v.readyOnce.Do(func() { close(v.ready) })
	return nil
}

// fail reports a request error for the subscription. Before the first
// snapshot it ends the view; afterwards the view stays live.
func (v *View) fail(err error) {
	select {
	case <-v.ready:
		v.client.logger.Warn("subscription request failed", "sub_id", v.subID, "error", err)
	default:
		v.client.forget(v.subID)
		v.end(err)
	}
}

func (v *View) end(err error) {
	v.doneOnce.Do(func() {
		v.mu.Lock()
		v.err = err
		v.mu.Unlock()
		close(v.done)
	})
}

// Apply shows m in the view immediately and sends it to the server. The
// mutation's collection is the view's.
func (v *View) Apply(ctx context.Context, m optimistic.Mutation) *optimistic.Pending {
	m.Collection = v.collection
	return v.engine.Apply(ctx, m)
}

// Docs returns the projected documents in collection order.
func (v *View) Docs() []optimistic.Doc {
	return v.engine.Docs()
}

// Seq returns the sequence of the last snapshot received.
func (v *View) Seq() int64 {
	return v.engine.Seq()
}

// Exhausted reports whether every page of the collection is loaded.
func (v *View) Exhausted() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.exhausted
}

// LoadMore asks the server to extend the window by a page. The larger
// window arrives as a later snapshot.
func (v *View) LoadMore(ctx context.Context) error {
	return v.client.send(ctx, wsproto.Request{Op: wsproto.OpLoadMore, SubID: v.subID})
}

// Done is closed when the subscription ends.
func (v *View) Done() <-chan struct{} {
	return v.done
}

// Err returns why the subscription ended. It is nil for a view closed by
// the caller.
func (v *View) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

// Close unsubscribes.
func (v *View) Close(ctx context.Context) error {
	if v.client.forget(v.subID) == nil {
		return nil
	}
	v.end(nil)
	return v.client.send(ctx, wsproto.Request{Op: wsproto.OpUnsubscribe, SubID: v.subID})
}
