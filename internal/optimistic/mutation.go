// Package optimistic applies document mutations to a local view immediately
// and reconciles that view with authoritative snapshots as writes commit.
package optimistic

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rottym/fambam/internal/apperr"
	"github.com/rottym/fambam/internal/livequery"
)

type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// ProvisionalPrefix starts every locally assigned document id.
const ProvisionalPrefix = "tmp-"

// Mutation is one write against a collection. DocID is empty for creates.
// Fields is a partial document: only the keys present are written.
type Mutation struct {
	Op         Op             `json:"op"`
	FamilyID   int64          `json:"family_id"`
	Collection string         `json:"collection"`
	DocID      string         `json:"doc_id,omitempty"`
	SortKey    int64          `json:"sort_key,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	// ActorID is the member issuing the write, set by the server from the
	// connection's identity.
	ActorID int64 `json:"-"`
}

func (m Mutation) validate() error {
	switch m.Op {
	case OpCreate:
	case OpUpdate, OpDelete:
		if m.DocID == "" {
			return fmt.Errorf("%s without doc id: %w", m.Op, apperr.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("mutation op %q: %w", m.Op, apperr.ErrInvalidInput)
	}
	if m.Collection == "" {
		return fmt.Errorf("mutation collection: %w", apperr.ErrInvalidInput)
	}
	return nil
}

// Ack confirms a committed write: the authoritative document id and the
// change-log sequence of the commit.
type Ack struct {
	ID  string `json:"id"`
	Seq int64  `json:"seq"`
}

// Writer forwards mutations to the durable store.
type Writer interface {
	Write(ctx context.Context, m Mutation) (Ack, error)
}

// MutationError reports a mutation whose local effect was rolled back. It
// matches apperr.ErrMutationRolledBack and the underlying cause.
type MutationError struct {
	Mutation Mutation
	LocalID  string
	Err      error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s %s/%s rolled back: %v", e.Mutation.Op, e.Mutation.Collection, e.LocalID, e.Err)
}

func (e *MutationError) Unwrap() []error {
	return []error{apperr.ErrMutationRolledBack, e.Err}
}

// Doc is one document of a projected view.
type Doc struct {
	ID      string         `json:"id"`
	SortKey int64          `json:"sort_key"`
	Fields  map[string]any `json:"fields"`
	// Pending is set while a local mutation of the document is not yet
	// reflected in an authoritative snapshot.
	Pending bool `json:"pending,omitempty"`
}

func (d Doc) clone() Doc {
	fields := make(map[string]any, len(d.Fields))
	for k, v := range d.Fields {
		fields[k] = v
	}
	d.Fields = fields
	return d
}

func lessDoc(a, b Doc) bool {
	if a.SortKey != b.SortKey {
		return a.SortKey < b.SortKey
	}
	ai, aerr := strconv.ParseInt(a.ID, 10, 64)
	bi, berr := strconv.ParseInt(b.ID, 10, 64)
	switch {
	case aerr == nil && berr == nil:
		return ai < bi
	case aerr == nil:
		return true
	case berr == nil:
		return false
	}
	return a.ID < b.ID
}

// DocsFromSnapshot converts a live query snapshot into view documents.
func DocsFromSnapshot(snap livequery.Snapshot) ([]Doc, error) {
	docs := make([]Doc, 0, len(snap.Docs))
	for _, d := range snap.Docs {
		data, err := json.Marshal(d.Data)
		if err != nil {
			return nil, fmt.Errorf("marshal document %d: %w", d.ID, err)
		}
		fields := map[string]any{}
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("decode document %d: %w", d.ID, err)
		}
		docs = append(docs, Doc{ID: strconv.FormatInt(d.ID, 10), SortKey: d.SortKey, Fields: fields})
	}
	return docs, nil
}
