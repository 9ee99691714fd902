package livequery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/rottym/fambam/internal/apperr"
	"github.com/rottym/fambam/internal/changefeed"
)

// stream is the goroutine shared by continuous subscriptions and windows. It
// registers a feed listener before every full read, so no change committed
// after the read can be missed.
type stream struct {
	m      *Manager
	q      Query
	ctx    context.Context
	cancel context.CancelFunc
	out    chan Snapshot
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger

	refresh  func(ctx context.Context) (Snapshot, error)
	requests chan chan error
	handle   func(ctx context.Context) (Snapshot, error)

	mu  sync.Mutex
	err error
}

func (s *stream) run() {
	defer func() {
		// Nothing buffered may be observed once Close has returned.
		select {
		case <-s.out:
		default:
		}
		close(s.out)
		close(s.done)
	}()

	resync := false
	backoff := s.m.backoff()
	for {
		l := s.m.feed.Listen(s.q.key())
		snap, err := s.initial()
		if err != nil {
			l.Close()
			s.setErr(err)
			return
		}
		snap.Resync = resync
		s.emit(snap)

		broken, progressed := s.follow(l, snap.Seq)
		l.Close()
		if !broken {
			s.setErr(s.ctx.Err())
			return
		}
		s.logger.Warn("live query listener lost, resubscribing", "error", l.Err())
		resync = true

		if progressed {
			backoff = s.m.backoff()
		}
		delay, _ := backoff.Next()
		t := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			t.Stop()
			s.setErr(s.ctx.Err())
			return
		case <-t.C:
		}
	}
}

// initial performs the full read, retrying with backoff until it succeeds or
// the stream is closed. A query the source rejects is not retried.
func (s *stream) initial() (Snapshot, error) {
	var snap Snapshot
	err := retry.Do(s.ctx, s.m.backoff(), func(ctx context.Context) error {
		got, err := s.refresh(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, apperr.ErrInvalidInput) {
				return err
			}
			s.logger.Warn("live query read failed", "error", err)
			return retry.RetryableError(err)
		}
		snap = got
		return nil
	})
	return snap, err
}

// follow re-emits on every relevant change until the listener breaks
// (broken) or the stream is closed. progressed reports whether at least one
// refresh succeeded along the way.
func (s *stream) follow(l *changefeed.Listener, seq int64) (broken, progressed bool) {
	for {
		select {
		case <-s.ctx.Done():
			return false, progressed
		case <-l.Done():
			return s.ctx.Err() == nil, progressed
		case c := <-l.C():
			if c.Seq <= seq {
				continue
			}
			s.drain(l)
			snap, err := s.refresh(s.ctx)
			if err != nil {
				if s.ctx.Err() != nil {
					return false, progressed
				}
				s.logger.Warn("live query refresh failed", "error", err)
				return true, progressed
			}
			progressed = true
			seq = snap.Seq
			s.emit(snap)
		case reply := <-s.requests:
			snap, err := s.handle(s.ctx)
			if err == nil {
				progressed = true
				seq = snap.Seq
				s.emit(snap)
			}
			reply <- err
		}
	}
}

// drain discards queued changes; the next refresh covers them.
func (s *stream) drain(l *changefeed.Listener) {
	for {
		select {
		case <-l.C():
		default:
			return
		}
	}
}

// emit replaces any unread snapshot with snap. Only the stream goroutine
// sends on out, so after the drain the send cannot block.
func (s *stream) emit(snap Snapshot) {
	if s.ctx.Err() != nil {
		return
	}
	select {
	case <-s.out:
	default:
	}
	s.out <- snap
}

func (s *stream) close() {
	s.once.Do(func() {
		s.cancel()
	})
	<-s.done
}

func (s *stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Subscription is a continuous live query.
type Subscription struct {
	*stream
}

// Snapshots returns the channel of ordered snapshots. Only the latest
// unread snapshot is kept. The channel is closed when the stream ends.
func (s *stream) Snapshots() <-chan Snapshot { return s.out }

// Close stops the stream and releases its listener. It is idempotent and
// blocks until no further snapshot can be delivered.
func (s *stream) Close() { s.close() }

// Done is closed once the stream has fully stopped.
func (s *stream) Done() <-chan struct{} { return s.done }

// Err returns the reason the stream ended, if it has.
func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
