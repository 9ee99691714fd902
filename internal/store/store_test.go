package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rottym/fambam/internal/database"
	"github.com/rottym/fambam/internal/model"
)

// recordingFeed collects published changes.
type recordingFeed struct {
	mu      sync.Mutex
	changes []model.Change
}

func (f *recordingFeed) Publish(c model.Change) {
	f.mu.Lock()
	f.changes = append(f.changes, c)
	f.mu.Unlock()
}

func (f *recordingFeed) all() []model.Change {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Change(nil), f.changes...)
}

type fixture struct {
	db          *sql.DB
	feed        *recordingFeed
	log         *ChangeLog
	families    *FamilyStore
	members     *MemberStore
	push        *PushStore
	tasks       *TaskStore
	ledger      *LedgerStore
	events      *EventStore
	folders     *FolderStore
	collections *Collections

	familyID int64
	parentID int64
	childID  int64
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	// A file, not :memory:, so every pooled connection sees the same database.
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()
	db := openTestDB(t)
	feed := &recordingFeed{}
	log := NewChangeLog(db, feed)
	f := &fixture{
		db:          db,
		feed:        feed,
		log:         log,
		families:    NewFamilyStore(db),
		members:     NewMemberStore(db, log),
		push:        NewPushStore(db, log),
		tasks:       NewTaskStore(db, log),
		ledger:      NewLedgerStore(db),
		events:      NewEventStore(db, log),
		folders:     NewFolderStore(db, log),
		collections: NewCollections(db, log),
	}

	ctx := context.Background()
	fam, err := f.families.Create(ctx, "Rivera")
	if err != nil {
		t.Fatalf("create family: %v", err)
	}
	f.familyID = fam.ID

	parent, err := f.members.Create(ctx, fam.ID, "Ana", model.RoleParent)
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}
	f.parentID = parent.ID

	child, err := f.members.Create(ctx, fam.ID, "Leo", model.RoleChild)
	if err != nil {
		t.Fatalf("create child: %v", err)
	}
	f.childID = child.ID
	return f
}

func TestChangeLogPublishesAfterCommit(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	before := len(f.feed.all())

	task, seq, err := f.tasks.Create(ctx, f.familyID, model.TaskInput{Kind: model.KindTodo, Title: "Buy milk"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	published := f.feed.all()
	if len(published) != before+1 {
		t.Fatalf("published %d changes, want %d", len(published), before+1)
	}
	c := published[len(published)-1]
	if c.Seq != seq {
		t.Errorf("seq = %d, want %d", c.Seq, seq)
	}
	if c.Collection != model.CollectionTasks || c.DocID != task.ID || c.Op != model.OpCreated {
		t.Errorf("change = %+v", c)
	}
	if c.Before != nil {
		t.Errorf("before = %s, want nil", c.Before)
	}
	if len(c.After) == 0 {
		t.Error("expected after image")
	}

	latest, err := f.log.LatestSeq(ctx)
	if err != nil {
		t.Fatalf("latest seq: %v", err)
	}
	if latest != seq {
		t.Errorf("latest seq = %d, want %d", latest, seq)
	}
}

func TestChangeLogFailedWriteRecordsNothing(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	before, _ := f.log.LatestSeq(ctx)
	published := len(f.feed.all())

	boom := errors.New("boom")
	_, err := f.log.write(ctx, func(tx *sql.Tx, rec *recorder) error {
		if err := rec.record(ctx, f.familyID, model.CollectionTasks, 1, model.OpCreated, nil, map[string]int{"a": 1}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	after, _ := f.log.LatestSeq(ctx)
	if after != before {
		t.Errorf("latest seq = %d, want %d", after, before)
	}
	if got := len(f.feed.all()); got != published {
		t.Errorf("published %d changes, want %d", got, published)
	}
}

func TestChangeLogSince(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	start, _ := f.log.LatestSeq(ctx)

	for _, title := range []string{"a", "b", "c"} {
		if _, _, err := f.tasks.Create(ctx, f.familyID, model.TaskInput{Kind: model.KindTodo, Title: title}); err != nil {
			t.Fatalf("create task: %v", err)
		}
	}

	changes, err := f.log.Since(ctx, start, 2)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("got %d changes, want 2", len(changes))
	}
	if changes[0].Seq != start+1 || changes[1].Seq != start+2 {
		t.Errorf("seqs = %d, %d", changes[0].Seq, changes[1].Seq)
	}

	rest, err := f.log.Since(ctx, changes[1].Seq, 10)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(rest) != 1 {
		t.Errorf("got %d remaining changes, want 1", len(rest))
	}
}

func TestChangeLogCursor(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	_, ok, err := f.log.Cursor(ctx, "push")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if ok {
		t.Fatal("expected no cursor yet")
	}

	if err := f.log.SetCursor(ctx, "push", 7); err != nil {
		t.Fatalf("set cursor: %v", err)
	}
	if err := f.log.SetCursor(ctx, "push", 9); err != nil {
		t.Fatalf("set cursor: %v", err)
	}
	seq, ok, err := f.log.Cursor(ctx, "push")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if !ok || seq != 9 {
		t.Errorf("cursor = %d, %v; want 9, true", seq, ok)
	}
}
