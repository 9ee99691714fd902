// Package changefeed fans committed change-log rows out to in-process
// listeners. It is a wake-up signal; the change log table stays the source
// of truth.
package changefeed

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/rottym/fambam/internal/model"
)

const listenerBufferSize = 64

var (
	// ErrSlowConsumer is reported by a listener the feed dropped because its
	// buffer filled up.
	ErrSlowConsumer = errors.New("changefeed: listener dropped, buffer full")
	// ErrFeedClosed is reported by listeners still open when the feed shuts
	// down.
	ErrFeedClosed = errors.New("changefeed: feed closed")
)

// Key selects the changes a listener receives. A zero FamilyID or empty
// Collection matches everything.
type Key struct {
	FamilyID   int64
	Collection string
}

func (k Key) matches(c model.Change) bool {
	if k.FamilyID != 0 && k.FamilyID != c.FamilyID {
		return false
	}
	if k.Collection != "" && k.Collection != c.Collection {
		return false
	}
	return true
}

// Listener receives changes for one Key until it is closed or dropped.
type Listener struct {
	feed *Feed
	key  Key
	ch   chan model.Change
	done chan struct{}
	err  error
}

// C returns the change channel. It is never closed; select on Done too.
func (l *Listener) C() <-chan model.Change { return l.ch }

// Done is closed when the listener stops receiving, either because Close was
// called or because the feed dropped it.
func (l *Listener) Done() <-chan struct{} { return l.done }

// Err reports why the listener stopped. It is nil for a listener closed by
// its owner.
func (l *Listener) Err() error {
	l.feed.mu.RLock()
	defer l.feed.mu.RUnlock()
	return l.err
}

// Close detaches the listener. Safe to call more than once.
func (l *Listener) Close() {
	l.feed.drop(l, nil)
}

// Feed maintains the set of active listeners and broadcasts changes.
type Feed struct {
	mu        sync.RWMutex
	listeners map[*Listener]struct{}
	closed    bool
	logger    *slog.Logger
}

func New(logger *slog.Logger) *Feed {
	return &Feed{
		listeners: make(map[*Listener]struct{}),
		logger:    logger,
	}
}

// Listen registers a listener for key. On a closed feed the returned listener
// is already done.
func (f *Feed) Listen(key Key) *Listener {
	l := &Listener{
		feed: f,
		key:  key,
		ch:   make(chan model.Change, listenerBufferSize),
		done: make(chan struct{}),
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		l.err = ErrFeedClosed
		close(l.done)
		return l
	}
	f.listeners[l] = struct{}{}
	return l
}

// Publish delivers c to every matching listener without blocking. A listener
// whose buffer is full is dropped; its owner sees Done and must resync from
// the store.
func (f *Feed) Publish(c model.Change) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for l := range f.listeners {
		if !l.key.matches(c) {
			continue
		}
		select {
		case l.ch <- c:
		default:
			f.logger.Warn("dropping slow listener", "family_id", l.key.FamilyID, "collection", l.key.Collection)
			f.dropLocked(l, ErrSlowConsumer)
		}
	}
}

// Close drops every listener and rejects new ones.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for l := range f.listeners {
		f.dropLocked(l, ErrFeedClosed)
	}
}

// ListenerCount returns the number of registered listeners.
func (f *Feed) ListenerCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.listeners)
}

func (f *Feed) drop(l *Listener, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropLocked(l, err)
}

func (f *Feed) dropLocked(l *Listener, err error) {
	if _, ok := f.listeners[l]; !ok {
		return
	}
	delete(f.listeners, l)
	l.err = err
	close(l.done)
}
