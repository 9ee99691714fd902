// Package livequery keeps ordered views of document collections live. A
// subscription emits the full ordered document list every time the
// underlying set changes, until it is closed.
package livequery

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rottym/fambam/internal/apperr"
	"github.com/rottym/fambam/internal/changefeed"
)

// Query selects the documents of one collection in one family. Filter holds
// equality predicates; which fields are filterable is up to the Source.
type Query struct {
	FamilyID   int64             `json:"family_id"`
	Collection string            `json:"collection"`
	Filter     map[string]string `json:"filter,omitempty"`
}

func (q Query) key() changefeed.Key {
	return changefeed.Key{FamilyID: q.FamilyID, Collection: q.Collection}
}

func (q Query) validate() error {
	if q.FamilyID <= 0 {
		return fmt.Errorf("query family id: %w", apperr.ErrInvalidInput)
	}
	if q.Collection == "" {
		return fmt.Errorf("query collection: %w", apperr.ErrInvalidInput)
	}
	return nil
}

// Document is one entry of a snapshot. Documents are ordered by SortKey,
// then ID.
type Document struct {
	ID      int64 `json:"id"`
	SortKey int64 `json:"sort_key"`
	Data    any   `json:"data"`
}

func less(a, b Document) bool {
	if a.SortKey != b.SortKey {
		return a.SortKey < b.SortKey
	}
	return a.ID < b.ID
}

// Cursor marks a position in a collection's order.
type Cursor struct {
	SortKey int64 `json:"k"`
	ID      int64 `json:"i"`
}

// CursorOf returns the cursor positioned at d.
func CursorOf(d Document) Cursor {
	return Cursor{SortKey: d.SortKey, ID: d.ID}
}

// Encode returns the opaque token form of c.
func (c Cursor) Encode() string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

var errBadCursor = errors.New("malformed cursor")

// DecodeCursor parses a token produced by Encode. The empty token means "from
// the beginning" and decodes to nil.
func DecodeCursor(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrInvalidInput, errBadCursor)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrInvalidInput, errBadCursor)
	}
	return &c, nil
}

// Range bounds a fetch. After is exclusive, Through is inclusive, a zero
// Limit means no limit.
type Range struct {
	After   *Cursor
	Through *Cursor
	Limit   int
}

// Result is what a Source returns: documents in order plus the change-log
// sequence the read reflects. Every change with a sequence at or below Seq
// is visible in Docs.
type Result struct {
	Docs []Document
	Seq  int64
}

// Source reads ordered documents from the store.
type Source interface {
	Fetch(ctx context.Context, q Query, r Range) (Result, error)
}

// Feed delivers change notifications.
type Feed interface {
	Listen(key changefeed.Key) *changefeed.Listener
}

// Snapshot is one emission of a subscription.
type Snapshot struct {
	Query Query      `json:"query"`
	Docs  []Document `json:"docs"`
	Seq   int64      `json:"seq"`
	// Resync is set on the first snapshot after the subscription had to be
	// re-established.
	Resync bool `json:"resync"`
	// Exhausted reports, for windows, that every document has been loaded.
	Exhausted bool `json:"exhausted,omitempty"`
}

// Page is one stateless page of a collection.
type Page struct {
	Docs       []Document `json:"docs"`
	NextCursor string     `json:"next_cursor,omitempty"`
	Seq        int64      `json:"seq"`
}
