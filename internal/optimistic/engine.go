package optimistic

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type overlayState int

const (
	inFlight overlayState = iota
	committed
)

type overlay struct {
	m       Mutation
	localID string
	state   overlayState
	ack     Ack
}

// Engine owns a projected view: the last authoritative snapshot with every
// in-flight or not-yet-observed mutation applied on top. Writes to the same
// document are forwarded in issue order; writes to different documents run
// concurrently.
type Engine struct {
	writer   Writer
	logger   *slog.Logger
	onChange func()

	mu       sync.Mutex
	base     map[string]Doc
	seq      int64
	overlays []*overlay
	aliases  map[string]string
	failed   map[string]bool
	chains   map[string]chan struct{}
}

type Option func(*Engine)

// OnChange registers fn to run, without the engine lock held, whenever the
// projected view changes.
func OnChange(fn func()) Option {
	return func(e *Engine) { e.onChange = fn }
}

func New(w Writer, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		writer:  w,
		logger:  logger,
		base:    make(map[string]Doc),
		aliases: make(map[string]string),
		failed:  make(map[string]bool),
		chains:  make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Pending tracks one applied mutation.
type Pending struct {
	// LocalID is the document id the view uses: the provisional id for a
	// create, the given id otherwise.
	LocalID string

	done chan struct{}
	ack  Ack
	err  error
}

// Wait blocks until the write has committed or been rolled back.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ack returns the store's confirmation. It is only meaningful after Wait
// returned nil.
func (p *Pending) Ack() Ack {
	<-p.done
	return p.ack
}

// Apply shows m in the view at once and forwards it to the writer in the
// background. A failed write is removed from the view in full and reported
// by Wait as a *MutationError.
func (e *Engine) Apply(ctx context.Context, m Mutation) *Pending {
	p := &Pending{done: make(chan struct{})}
	if err := m.validate(); err != nil {
		p.err = &MutationError{Mutation: m, LocalID: m.DocID, Err: err}
		close(p.done)
		return p
	}

	e.mu.Lock()
	if m.Op == OpCreate {
		m.DocID = ProvisionalPrefix + uuid.NewString()
	}
	key := e.resolveLocked(m.DocID)
	p.LocalID = m.DocID

	o := &overlay{m: m, localID: m.DocID}
	e.overlays = append(e.overlays, o)

	prev := e.chains[key]
	done := make(chan struct{})
	e.chains[key] = done
	e.mu.Unlock()

	e.changed()
	go e.forward(ctx, o, p, prev, done)
	return p
}

func (e *Engine) forward(ctx context.Context, o *overlay, p *Pending, prev, done chan struct{}) {
	defer close(p.done)
	defer e.finishChain(done)

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			e.rollback(o, p, ctx.Err())
			return
		}
	}

	m := o.m
	e.mu.Lock()
	if m.Op != OpCreate {
		if e.failed[m.DocID] {
			e.mu.Unlock()
			e.rollback(o, p, fmt.Errorf("document %s was never created", m.DocID))
			return
		}
		m.DocID = e.resolveLocked(m.DocID)
	}
	e.mu.Unlock()
	if m.Op != OpCreate && strings.HasPrefix(m.DocID, ProvisionalPrefix) {
		e.rollback(o, p, fmt.Errorf("document %s has no authoritative id", m.DocID))
		return
	}
	if m.Op == OpCreate {
		m.DocID = ""
	}

	ack, err := e.writer.Write(ctx, m)
	if err != nil {
		if o.m.Op == OpCreate {
			e.mu.Lock()
			e.failed[o.localID] = true
			e.mu.Unlock()
		}
		e.rollback(o, p, err)
		return
	}

	e.mu.Lock()
	o.state = committed
	o.ack = ack
	if o.m.Op == OpCreate {
		e.aliases[o.localID] = ack.ID
		if tail, ok := e.chains[o.localID]; ok {
			if _, taken := e.chains[ack.ID]; !taken {
				e.chains[ack.ID] = tail
			}
		}
	}
	if e.observedLocked(o) {
		e.removeLocked(o)
	}
	e.mu.Unlock()

	p.ack = ack
	e.changed()
}

func (e *Engine) rollback(o *overlay, p *Pending, cause error) {
	e.mu.Lock()
	e.removeLocked(o)
	e.mu.Unlock()

	p.err = &MutationError{Mutation: o.m, LocalID: o.localID, Err: cause}
	e.logger.Warn("mutation rolled back",
		"op", o.m.Op, "collection", o.m.Collection, "doc_id", o.localID, "error", cause)
	e.changed()
}

// finishChain forgets the per-document tail if no later write queued behind
// it.
func (e *Engine) finishChain(done chan struct{}) {
	e.mu.Lock()
	close(done)
	for k, tail := range e.chains {
		if tail == done {
			delete(e.chains, k)
		}
	}
	e.mu.Unlock()
}

func (e *Engine) resolveLocked(id string) string {
	if real, ok := e.aliases[id]; ok {
		return real
	}
	return id
}

func (e *Engine) removeLocked(o *overlay) {
	for i, x := range e.overlays {
		if x == o {
			e.overlays = append(e.overlays[:i], e.overlays[i+1:]...)
			return
		}
	}
}

// observedLocked reports whether the current base already reflects a
// committed overlay.
func (e *Engine) observedLocked(o *overlay) bool {
	if o.state != committed {
		return false
	}
	if e.seq >= o.ack.Seq {
		return true
	}
	if o.m.Op == OpCreate {
		_, ok := e.base[o.ack.ID]
		return ok
	}
	return false
}

// Reconcile installs a new authoritative snapshot. Committed mutations the
// snapshot reflects stop being overlaid. A snapshot older than the current
// one is ignored.
func (e *Engine) Reconcile(docs []Doc, seq int64) {
	e.mu.Lock()
	if seq < e.seq {
		e.mu.Unlock()
		return
	}
	e.base = make(map[string]Doc, len(docs))
	for _, d := range docs {
		e.base[d.ID] = d
	}
	e.seq = seq

	kept := e.overlays[:0]
	for _, o := range e.overlays {
		if !e.observedLocked(o) {
			kept = append(kept, o)
		}
	}
	for i := len(kept); i < len(e.overlays); i++ {
		e.overlays[i] = nil
	}
	e.overlays = kept
	e.mu.Unlock()

	e.changed()
}

// Docs returns the projected view in collection order.
func (e *Engine) Docs() []Doc {
	e.mu.Lock()
	defer e.mu.Unlock()

	view := make(map[string]Doc, len(e.base))
	for id, d := range e.base {
		view[id] = d
	}

	for _, o := range e.overlays {
		switch o.m.Op {
		case OpCreate:
			id := o.localID
			if o.state == committed {
				if _, ok := view[o.ack.ID]; ok {
					continue
				}
			}
			view[id] = Doc{ID: id, SortKey: o.m.SortKey, Fields: copyFields(o.m.Fields), Pending: true}
		case OpUpdate:
			id := e.visibleIDLocked(view, o.m.DocID)
			d, ok := view[id]
			if !ok {
				continue
			}
			d = d.clone()
			for k, v := range o.m.Fields {
				d.Fields[k] = v
			}
			d.Pending = true
			view[id] = d
		case OpDelete:
			delete(view, e.visibleIDLocked(view, o.m.DocID))
		}
	}

	docs := make([]Doc, 0, len(view))
	for _, d := range view {
		docs = append(docs, d)
	}
	sort.Slice(docs, func(i, j int) bool { return lessDoc(docs[i], docs[j]) })
	return docs
}

// Seq returns the sequence of the installed snapshot.
func (e *Engine) Seq() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}

// InFlight returns the number of mutations still overlaid on the view.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.overlays)
}

// visibleIDLocked finds the id under which a document currently appears:
// the provisional id until the authoritative document is in the view.
func (e *Engine) visibleIDLocked(view map[string]Doc, id string) string {
	if _, ok := view[id]; ok {
		return id
	}
	return e.resolveLocked(id)
}

func (e *Engine) changed() {
	if e.onChange != nil {
		e.onChange()
	}
}

func copyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
