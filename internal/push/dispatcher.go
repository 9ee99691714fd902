package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rottym/fambam/internal/changefeed"
	"github.com/rottym/fambam/internal/model"
	"github.com/rottym/fambam/internal/store"
)

// CursorName is the change-log consumer name the dispatcher stores its
// position under.
const CursorName = "push"

const batchSize = 100

// Dispatcher turns committed changes into notifications. It reads the change
// log from a persisted cursor, woken by the change feed and by a fallback
// ticker. Delivery is best effort: the cursor advances whatever the outcome.
type Dispatcher struct {
	changes  *store.ChangeLog
	members  *store.MemberStore
	push     *store.PushStore
	feed     *changefeed.Feed
	sender   Sender
	interval time.Duration
	workers  int
	logger   *slog.Logger

	runMu  sync.Mutex
	mu     sync.RWMutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Dispatcher)

// WithInterval sets the fallback polling interval.
func WithInterval(d time.Duration) Option {
	return func(x *Dispatcher) { x.interval = d }
}

// WithWorkers bounds the number of concurrent deliveries.
func WithWorkers(n int) Option {
	return func(x *Dispatcher) { x.workers = n }
}

func NewDispatcher(changes *store.ChangeLog, members *store.MemberStore, pushStore *store.PushStore, feed *changefeed.Feed, sender Sender, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		changes:  changes,
		members:  members,
		push:     pushStore,
		feed:     feed,
		sender:   sender,
		interval: 30 * time.Second,
		workers:  4,
		logger:   logger.With("component", "push"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Init positions a consumer that has never run at the end of the log, so a
// fresh install does not replay history.
func (d *Dispatcher) Init(ctx context.Context) error {
	_, ok, err := d.changes.Cursor(ctx, CursorName)
	if err != nil || ok {
		return err
	}
	seq, err := d.changes.LatestSeq(ctx)
	if err != nil {
		return err
	}
	return d.changes.SetCursor(ctx, CursorName, seq)
}

// Start begins the dispatch loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.Init(ctx); err != nil {
		return fmt.Errorf("init push cursor: %w", err)
	}

	d.mu.Lock()
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	d.mu.Unlock()

	go func() {
		defer close(d.done)
		d.run(ctx)
	}()
	return nil
}

// Stop stops the loop and waits for in-flight deliveries.
func (d *Dispatcher) Stop() {
	d.mu.RLock()
	cancel := d.cancel
	done := d.done
	d.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	l := d.listen()
	defer func() {
		if l != nil {
			l.Close()
		}
	}()

	d.tick(ctx)
	for {
		var wake <-chan model.Change
		var lost <-chan struct{}
		if l != nil {
			wake, lost = l.C(), l.Done()
		}

		select {
		case <-ctx.Done():
			return
		case <-wake:
			drain(l)
			d.tick(ctx)
		case <-lost:
			d.logger.Warn("change feed listener lost", "error", l.Err())
			l = nil
			d.tick(ctx)
		case <-ticker.C:
			if l == nil {
				l = d.listen()
			}
			d.tick(ctx)
		}
	}
}

// listen returns a live listener on every change, or nil if the feed is
// missing or closed.
func (d *Dispatcher) listen() *changefeed.Listener {
	if d.feed == nil {
		return nil
	}
	l := d.feed.Listen(changefeed.Key{})
	select {
	case <-l.Done():
		return nil
	default:
		return l
	}
}

func drain(l *changefeed.Listener) {
	for {
		select {
		case <-l.C():
		default:
			return
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	if _, err := d.ProcessPending(ctx); err != nil && ctx.Err() == nil {
		d.logger.Error("process change log", "error", err)
	}
}

// ProcessPending dispatches every change after the cursor and returns how
// many changes it consumed.
func (d *Dispatcher) ProcessPending(ctx context.Context) (int, error) {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	if err := d.Init(ctx); err != nil {
		return 0, err
	}
	cursor, _, err := d.changes.Cursor(ctx, CursorName)
	if err != nil {
		return 0, err
	}

	total := 0
	for {
		batch, err := d.changes.Since(ctx, cursor, batchSize)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			return total, nil
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(d.workers)
		for _, c := range batch {
			deliveries, err := deliveriesFor(c)
			if err != nil {
				d.logger.Warn("skip change", "seq", c.Seq, "error", err)
				continue
			}
			for _, dl := range deliveries {
				g.Go(func() error {
					// Failures are logged by Deliver and never stop the batch.
					_ = d.Deliver(gctx, dl.memberID, dl.n)
					return nil
				})
			}
		}
		_ = g.Wait()

		cursor = batch[len(batch)-1].Seq
		if err := d.changes.SetCursor(ctx, CursorName, cursor); err != nil {
			return total, err
		}
		total += len(batch)
		if len(batch) < batchSize {
			return total, nil
		}
	}
}

// Deliver sends n to a member if the member wants it: opted in, holding a
// token and with the notification type enabled. Anything else is skipped
// silently. A rejected token is cleared, unless the member registered a new
// one in the meantime.
func (d *Dispatcher) Deliver(ctx context.Context, memberID int64, n Notification) error {
	m, err := d.members.GetByID(ctx, memberID)
	if err != nil {
		return err
	}
	switch {
	case m == nil:
		d.logger.Debug("skip notification, member gone", "member_id", memberID, "type", n.Type)
		return nil
	case !m.NotifyOptIn:
		d.logger.Debug("skip notification, opted out", "member_id", memberID, "type", n.Type)
		return nil
	case m.Token == nil:
		d.logger.Debug("skip notification, no token", "member_id", memberID, "type", n.Type)
		return nil
	}

	enabled, err := d.push.IsPreferenceEnabled(ctx, memberID, n.Type)
	if err != nil {
		return err
	}
	if !enabled {
		d.logger.Debug("skip notification, type disabled", "member_id", memberID, "type", n.Type)
		return nil
	}

	sendErr := d.sender.Send(ctx, *m.Token, n)
	if sendErr == nil {
		d.logger.Debug("notification sent", "member_id", memberID, "type", n.Type)
		return nil
	}
	if errors.Is(sendErr, context.Canceled) {
		return sendErr
	}

	cleared, err := d.push.ClearToken(ctx, memberID, m.Token.Endpoint)
	if err != nil {
		d.logger.Error("clear rejected token", "member_id", memberID, "error", err)
	}
	d.logger.Warn("notification failed",
		"member_id", memberID, "type", n.Type, "token_cleared", cleared, "error", sendErr)
	return fmt.Errorf("deliver %s to member %d: %w", n.Type, memberID, sendErr)
}
