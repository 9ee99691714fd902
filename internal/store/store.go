package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/rottym/fambam/internal/model"
)

// Publisher receives change-log rows once their transaction has committed.
type Publisher interface {
	Publish(c model.Change)
}

// ChangeLog writes document changes and their change-log rows in one
// transaction, and publishes the rows after commit.
type ChangeLog struct {
	db   *sql.DB
	feed Publisher
}

// NewChangeLog returns a change log over db. feed may be nil.
func NewChangeLog(db *sql.DB, feed Publisher) *ChangeLog {
	return &ChangeLog{db: db, feed: feed}
}

// recorder appends change rows inside a write transaction.
type recorder struct {
	tx      *sql.Tx
	changes []model.Change
}

func (r *recorder) record(ctx context.Context, familyID int64, collection string, docID int64, op model.ChangeOp, before, after any) error {
	beforeJSON, err := marshalDoc(before)
	if err != nil {
		return fmt.Errorf("marshal before: %w", err)
	}
	afterJSON, err := marshalDoc(after)
	if err != nil {
		return fmt.Errorf("marshal after: %w", err)
	}

	now := time.Now().UTC()
	result, err := r.tx.ExecContext(ctx,
		`INSERT INTO changes (family_id, collection, doc_id, op, before, after, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		familyID, collection, docID, string(op), nullJSON(beforeJSON), nullJSON(afterJSON), now,
	)
	if err != nil {
		return fmt.Errorf("insert change: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}

	r.changes = append(r.changes, model.Change{
		Seq:        seq,
		FamilyID:   familyID,
		Collection: collection,
		DocID:      docID,
		Op:         op,
		Before:     beforeJSON,
		After:      afterJSON,
		CreatedAt:  now,
	})
	return nil
}

// write runs fn in a transaction. It returns the sequence of the last change
// fn recorded, or 0 if it recorded none.
func (l *ChangeLog) write(ctx context.Context, fn func(tx *sql.Tx, rec *recorder) error) (int64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rec := &recorder{tx: tx}
	if err := fn(tx, rec); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	var seq int64
	for _, c := range rec.changes {
		if l.feed != nil {
			l.feed.Publish(c)
		}
		seq = c.Seq
	}
	return seq, nil
}

// LatestSeq returns the sequence of the newest change, or 0 for an empty log.
func (l *ChangeLog) LatestSeq(ctx context.Context) (int64, error) {
	return latestSeq(ctx, l.db)
}

func latestSeq(ctx context.Context, q queryer) (int64, error) {
	var seq int64
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM changes`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("query latest seq: %w", err)
	}
	return seq, nil
}

const changeCols = `seq, family_id, collection, doc_id, op, before, after, created_at`

func scanChange(scanner interface{ Scan(...any) error }) (*model.Change, error) {
	var c model.Change
	var op string
	var before, after sql.NullString
	if err := scanner.Scan(&c.Seq, &c.FamilyID, &c.Collection, &c.DocID, &op, &before, &after, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Op = model.ChangeOp(op)
	if before.Valid {
		c.Before = json.RawMessage(before.String)
	}
	if after.Valid {
		c.After = json.RawMessage(after.String)
	}
	return &c, nil
}

// Since returns up to limit changes with a sequence above afterSeq, oldest
// first.
func (l *ChangeLog) Since(ctx context.Context, afterSeq int64, limit int) ([]model.Change, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+changeCols+` FROM changes WHERE seq > ? ORDER BY seq ASC LIMIT ?`,
		afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	var changes []model.Change
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		changes = append(changes, *c)
	}
	return changes, rows.Err()
}

// Cursor returns the stored position of a named change-log consumer. ok is
// false if the consumer has never stored one.
func (l *ChangeLog) Cursor(ctx context.Context, name string) (seq int64, ok bool, err error) {
	err = l.db.QueryRowContext(ctx, `SELECT seq FROM change_cursors WHERE name = ?`, name).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query cursor: %w", err)
	}
	return seq, true, nil
}

// SetCursor stores the position of a named consumer.
func (l *ChangeLog) SetCursor(ctx context.Context, name string, seq int64) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO change_cursors (name, seq, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET seq = excluded.seq, updated_at = excluded.updated_at`,
		name, seq, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func marshalDoc(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return nil, nil
	}
	return data, nil
}

func nullJSON(data json.RawMessage) sql.NullString {
	if data == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(data), Valid: true}
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// sortKeyNow orders documents by creation time.
func sortKeyNow() int64 {
	return time.Now().UnixMilli()
}

func isBusy(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code() & 0xff
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

func isConstraint(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}
