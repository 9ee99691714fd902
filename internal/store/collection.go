package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rottym/fambam/internal/apperr"
	"github.com/rottym/fambam/internal/livequery"
	"github.com/rottym/fambam/internal/model"
	"github.com/rottym/fambam/internal/optimistic"
)

// collectionSpec describes how one logical collection maps onto its table.
type collectionSpec struct {
	table string
	cols  string
	scan  func(scanner interface{ Scan(...any) error }) (livequery.Document, error)
	// filters maps a filterable field to a predicate with one placeholder.
	filters map[string]string
	// finish post-processes a page of documents, e.g. loading join rows.
	finish func(ctx context.Context, q queryer, docs []livequery.Document) error
}

var collections = map[string]collectionSpec{
	model.CollectionTasks: {
		table: "tasks",
		cols:  taskCols,
		scan: func(s interface{ Scan(...any) error }) (livequery.Document, error) {
			t, err := scanTask(s)
			if err != nil {
				return livequery.Document{}, err
			}
			return livequery.Document{ID: t.ID, SortKey: t.SortKey, Data: t}, nil
		},
		filters: map[string]string{
			"assignee_id": "assignee_id = ?",
			"status":      "status = ?",
			"kind":        "kind = ?",
		},
	},
	model.CollectionEvents: {
		table: "calendar_events",
		cols:  eventCols,
		scan: func(s interface{ Scan(...any) error }) (livequery.Document, error) {
			e, err := scanEvent(s)
			if err != nil {
				return livequery.Document{}, err
			}
			return livequery.Document{ID: e.ID, SortKey: e.SortKey, Data: e}, nil
		},
		filters: map[string]string{
			"assignee_id": "id IN (SELECT event_id FROM event_assignees WHERE member_id = ?)",
		},
		finish: func(ctx context.Context, q queryer, docs []livequery.Document) error {
			events := make([]*model.CalendarEvent, len(docs))
			for i, d := range docs {
				events[i] = d.Data.(*model.CalendarEvent)
			}
			return loadAssignees(ctx, q, events)
		},
	},
	model.CollectionFolders: {
		table: "folders",
		cols:  folderCols,
		scan: func(s interface{ Scan(...any) error }) (livequery.Document, error) {
			f, err := scanFolder(s)
			if err != nil {
				return livequery.Document{}, err
			}
			return livequery.Document{ID: f.ID, SortKey: f.SortKey, Data: f}, nil
		},
		filters: map[string]string{
			"kind": "kind = ?",
		},
	},
	model.CollectionMembers: {
		table: "members",
		cols:  memberCols,
		scan: func(s interface{ Scan(...any) error }) (livequery.Document, error) {
			m, err := scanMember(s)
			if err != nil {
				return livequery.Document{}, err
			}
			return livequery.Document{ID: m.ID, SortKey: m.SortKey, Data: m}, nil
		},
		filters: map[string]string{
			"role": "role = ?",
		},
	},
}

// Collections serves live queries and optimistic mutations over the
// family-scoped collections.
type Collections struct {
	db      *sql.DB
	log     *ChangeLog
	tasks   *TaskStore
	folders *FolderStore
}

func NewCollections(db *sql.DB, log *ChangeLog) *Collections {
	return &Collections{
		db:      db,
		log:     log,
		tasks:   NewTaskStore(db, log),
		folders: NewFolderStore(db, log),
	}
}

// Fetch implements livequery.Source. The sequence is read before the
// documents, so every change up to it is visible in the result.
func (c *Collections) Fetch(ctx context.Context, q livequery.Query, r livequery.Range) (livequery.Result, error) {
	def, ok := collections[q.Collection]
	if !ok {
		return livequery.Result{}, fmt.Errorf("collection %q: %w", q.Collection, apperr.ErrInvalidInput)
	}

	seq, err := latestSeq(ctx, c.db)
	if err != nil {
		return livequery.Result{}, err
	}

	where := []string{"family_id = ?"}
	args := []any{q.FamilyID}

	fields := make([]string, 0, len(q.Filter))
	for f := range q.Filter {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		pred, ok := def.filters[f]
		if !ok {
			return livequery.Result{}, fmt.Errorf("filter on %q: %w", f, apperr.ErrInvalidInput)
		}
		where = append(where, pred)
		args = append(args, q.Filter[f])
	}
	if r.After != nil {
		where = append(where, "(sort_key > ? OR (sort_key = ? AND id > ?))")
		args = append(args, r.After.SortKey, r.After.SortKey, r.After.ID)
	}
	if r.Through != nil {
		where = append(where, "(sort_key < ? OR (sort_key = ? AND id <= ?))")
		args = append(args, r.Through.SortKey, r.Through.SortKey, r.Through.ID)
	}

	query := `SELECT ` + def.cols + ` FROM ` + def.table +
		` WHERE ` + strings.Join(where, " AND ") + ` ORDER BY sort_key, id`
	if r.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, r.Limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return livequery.Result{}, fmt.Errorf("query %s: %w", q.Collection, err)
	}
	defer rows.Close()

	docs := []livequery.Document{}
	for rows.Next() {
		d, err := def.scan(rows)
		if err != nil {
			return livequery.Result{}, fmt.Errorf("scan %s: %w", q.Collection, err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return livequery.Result{}, err
	}
	rows.Close()

	if def.finish != nil {
		if err := def.finish(ctx, c.db, docs); err != nil {
			return livequery.Result{}, err
		}
	}
	return livequery.Result{Docs: docs, Seq: seq}, nil
}

// Write implements optimistic.Writer for the collections clients may edit
// directly: tasks and folders. Lifecycle fields are never writable here.
func (c *Collections) Write(ctx context.Context, m optimistic.Mutation) (optimistic.Ack, error) {
	switch m.Collection {
	case model.CollectionTasks:
		return c.writeTask(ctx, m)
	case model.CollectionFolders:
		return c.writeFolder(ctx, m)
	}
	return optimistic.Ack{}, fmt.Errorf("collection %q is not writable: %w", m.Collection, apperr.ErrInvalidInput)
}

func (c *Collections) writeTask(ctx context.Context, m optimistic.Mutation) (optimistic.Ack, error) {
	if m.Op == optimistic.OpCreate {
		in := model.TaskInput{Kind: model.KindTodo}
		if err := patch(&in, m.Fields); err != nil {
			return optimistic.Ack{}, err
		}
		if in.Title == "" || (in.Kind != model.KindTodo && in.Kind != model.KindChore) {
			return optimistic.Ack{}, fmt.Errorf("task input: %w", apperr.ErrInvalidInput)
		}
		in.CreatorID = nil
		if m.ActorID != 0 {
			actor := m.ActorID
			in.CreatorID = &actor
		}
		t, seq, err := c.tasks.Create(ctx, m.FamilyID, in)
		if err != nil {
			return optimistic.Ack{}, err
		}
		return ack(t.ID, seq), nil
	}

	id, err := parseDocID(m.DocID)
	if err != nil {
		return optimistic.Ack{}, err
	}
	t, err := c.tasks.GetByID(ctx, id)
	if err != nil {
		return optimistic.Ack{}, err
	}
	if t == nil || t.FamilyID != m.FamilyID {
		return optimistic.Ack{}, fmt.Errorf("task %d: %w", id, apperr.ErrNotFound)
	}

	var seq int64
	switch m.Op {
	case optimistic.OpUpdate:
		in := model.TaskInput{
			Kind:        t.Kind,
			Title:       t.Title,
			Description: t.Description,
			AssigneeID:  t.AssigneeID,
			CreatorID:   t.CreatorID,
			PointValue:  t.PointValue,
		}
		if err := patch(&in, m.Fields); err != nil {
			return optimistic.Ack{}, err
		}
		in.CreatorID = t.CreatorID
		_, seq, err = c.tasks.Update(ctx, id, in)
	case optimistic.OpDelete:
		seq, err = c.tasks.Delete(ctx, id)
	}
	if err != nil {
		return optimistic.Ack{}, err
	}
	return ack(id, seq), nil
}

func (c *Collections) writeFolder(ctx context.Context, m optimistic.Mutation) (optimistic.Ack, error) {
	var in struct {
		Kind string `json:"kind"`
		Name string `json:"name"`
	}
	if m.Op == optimistic.OpCreate {
		if err := patch(&in, m.Fields); err != nil {
			return optimistic.Ack{}, err
		}
		if in.Name == "" {
			return optimistic.Ack{}, fmt.Errorf("folder name: %w", apperr.ErrInvalidInput)
		}
		f, seq, err := c.folders.Create(ctx, m.FamilyID, in.Kind, in.Name)
		if err != nil {
			return optimistic.Ack{}, err
		}
		return ack(f.ID, seq), nil
	}

	id, err := parseDocID(m.DocID)
	if err != nil {
		return optimistic.Ack{}, err
	}
	f, err := c.folders.GetByID(ctx, id)
	if err != nil {
		return optimistic.Ack{}, err
	}
	if f == nil || f.FamilyID != m.FamilyID {
		return optimistic.Ack{}, fmt.Errorf("folder %d: %w", id, apperr.ErrNotFound)
	}

	var seq int64
	switch m.Op {
	case optimistic.OpUpdate:
		in.Name = f.Name
		if err := patch(&in, m.Fields); err != nil {
			return optimistic.Ack{}, err
		}
		_, seq, err = c.folders.Rename(ctx, id, in.Name)
	case optimistic.OpDelete:
		seq, err = c.folders.Delete(ctx, id)
	}
	if err != nil {
		return optimistic.Ack{}, err
	}
	return ack(id, seq), nil
}

// patch overwrites the fields of dst named in fields, by their JSON names.
func patch(dst any, fields map[string]any) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode fields: %w: %w", apperr.ErrInvalidInput, err)
	}
	return nil
}

func parseDocID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("document id %q: %w", s, apperr.ErrInvalidInput)
	}
	return id, nil
}

func ack(id, seq int64) optimistic.Ack {
	return optimistic.Ack{ID: strconv.FormatInt(id, 10), Seq: seq}
}
