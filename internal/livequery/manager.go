package livequery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/rottym/fambam/internal/apperr"
)

// ErrClosed is returned by operations on a closed subscription.
var ErrClosed = errors.New("livequery: subscription closed")

const (
	defaultBackoffBase = 50 * time.Millisecond
	defaultBackoffCap  = 5 * time.Second
	maxPageSize        = 500
)

// Manager opens subscriptions against a Source, woken by a Feed.
type Manager struct {
	source      Source
	feed        Feed
	logger      *slog.Logger
	backoffBase time.Duration
	backoffCap  time.Duration
}

type Option func(*Manager)

// WithBackoff sets the base and cap of the exponential backoff used while
// re-establishing a broken subscription.
func WithBackoff(base, max time.Duration) Option {
	return func(m *Manager) {
		m.backoffBase = base
		m.backoffCap = max
	}
}

func NewManager(source Source, feed Feed, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		source:      source,
		feed:        feed,
		logger:      logger,
		backoffBase: defaultBackoffBase,
		backoffCap:  defaultBackoffCap,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe opens a continuous subscription. The first snapshot is emitted
// as soon as the initial read completes.
func (m *Manager) Subscribe(ctx context.Context, q Query) (*Subscription, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	s := m.newStream(ctx, q)
	s.refresh = func(ctx context.Context) (Snapshot, error) {
		res, err := m.source.Fetch(ctx, q, Range{})
		if err != nil {
			return Snapshot{}, err
		}
		return Snapshot{Query: q, Docs: res.Docs, Seq: res.Seq}, nil
	}
	go s.run()
	return &Subscription{stream: s}, nil
}

// Window opens a paginated subscription holding the first pageSize
// documents. LoadMore extends it; every emission covers all loaded pages
// with live changes applied.
func (m *Manager) Window(ctx context.Context, q Query, pageSize int) (*Window, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	if pageSize <= 0 || pageSize > maxPageSize {
		return nil, fmt.Errorf("page size %d: %w", pageSize, apperr.ErrInvalidInput)
	}
	w := &Window{pageSize: pageSize}
	s := m.newStream(ctx, q)
	s.requests = make(chan chan error)
	s.refresh = w.refresh(m.source, q)
	s.handle = w.loadMore(m.source, q)
	w.stream = s
	go s.run()
	return w, nil
}

// Page reads one page after the position encoded in cursor. Concatenating
// pages until NextCursor is empty yields the whole ordered collection for a
// static dataset.
func (m *Manager) Page(ctx context.Context, q Query, cursor string, limit int) (Page, error) {
	if err := q.validate(); err != nil {
		return Page{}, err
	}
	if limit <= 0 || limit > maxPageSize {
		return Page{}, fmt.Errorf("page limit %d: %w", limit, apperr.ErrInvalidInput)
	}
	after, err := DecodeCursor(cursor)
	if err != nil {
		return Page{}, err
	}

	res, err := m.source.Fetch(ctx, q, Range{After: after, Limit: limit})
	if err != nil {
		return Page{}, fmt.Errorf("fetch page: %w", err)
	}
	p := Page{Docs: res.Docs, Seq: res.Seq}
	if p.Docs == nil {
		p.Docs = []Document{}
	}
	if len(res.Docs) == limit {
		p.NextCursor = CursorOf(res.Docs[len(res.Docs)-1]).Encode()
	}
	return p, nil
}

func (m *Manager) newStream(ctx context.Context, q Query) *stream {
	ctx, cancel := context.WithCancel(ctx)
	return &stream{
		m:      m,
		q:      q,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan Snapshot, 1),
		done:   make(chan struct{}),
		logger: m.logger.With("family_id", q.FamilyID, "collection", q.Collection),
	}
}

func (m *Manager) backoff() retry.Backoff {
	b := retry.NewExponential(m.backoffBase)
	return retry.WithCappedDuration(m.backoffCap, b)
}
