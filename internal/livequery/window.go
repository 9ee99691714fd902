package livequery

import (
	"context"
	"fmt"
	"sync"
)

// Window is a paginated live query. Its state is owned by the stream
// goroutine; LoadMore hands work to that goroutine.
type Window struct {
	*stream
	pageSize int

	// guarded by the stream goroutine
	loaded  bool
	through *Cursor

	mu        sync.Mutex
	exhausted bool
}

// LoadMore fetches the next page and emits the enlarged window. It returns
// once the new snapshot has been queued.
func (w *Window) LoadMore(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case w.requests <- reply:
	case <-w.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Exhausted reports whether the last page has been loaded.
func (w *Window) Exhausted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exhausted
}

func (w *Window) setExhausted(v bool) {
	w.mu.Lock()
	w.exhausted = v
	w.mu.Unlock()
}

func (w *Window) refresh(src Source, q Query) func(ctx context.Context) (Snapshot, error) {
	return func(ctx context.Context) (Snapshot, error) {
		if !w.loaded {
			return w.loadMore(src, q)(ctx)
		}
		return w.readLoaded(ctx, src, q)
	}
}

func (w *Window) loadMore(src Source, q Query) func(ctx context.Context) (Snapshot, error) {
	return func(ctx context.Context) (Snapshot, error) {
		page, err := src.Fetch(ctx, q, Range{After: w.through, Limit: w.pageSize})
		if err != nil {
			return Snapshot{}, fmt.Errorf("fetch page: %w", err)
		}
		w.loaded = true
		if n := len(page.Docs); n > 0 {
			c := CursorOf(page.Docs[n-1])
			w.through = &c
		}
		w.setExhausted(len(page.Docs) < w.pageSize)
		return w.readLoaded(ctx, src, q)
	}
}

// readLoaded re-reads everything up to the end of the last loaded page. Once
// exhausted the window is unbounded, so appended documents show up live.
func (w *Window) readLoaded(ctx context.Context, src Source, q Query) (Snapshot, error) {
	exhausted := w.Exhausted()
	r := Range{}
	if !exhausted {
		r.Through = w.through
	}
	res, err := src.Fetch(ctx, q, r)
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetch window: %w", err)
	}
	if exhausted && len(res.Docs) > 0 {
		c := CursorOf(res.Docs[len(res.Docs)-1])
		w.through = &c
	}
	return Snapshot{Query: q, Docs: res.Docs, Seq: res.Seq, Exhausted: exhausted}, nil
}
