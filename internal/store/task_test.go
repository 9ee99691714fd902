package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rottym/fambam/internal/apperr"
	"github.com/rottym/fambam/internal/model"
)

func createChore(t *testing.T, f *fixture, title string, points int) *model.Task {
	t.Helper()
	task, _, err := f.tasks.Create(context.Background(), f.familyID, model.TaskInput{
		Kind:       model.KindChore,
		Title:      title,
		AssigneeID: &f.childID,
		CreatorID:  &f.parentID,
		PointValue: points,
	})
	if err != nil {
		t.Fatalf("create chore: %v", err)
	}
	return task
}

func submittedChore(t *testing.T, f *fixture, title string, points int) *model.Task {
	t.Helper()
	task := createChore(t, f, title, points)
	task, _, err := f.tasks.Transition(context.Background(), task.ID, model.StatusPending, model.StatusSubmitted)
	if err != nil {
		t.Fatalf("submit chore: %v", err)
	}
	return task
}

func TestTaskCreateAndGet(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	task := createChore(t, f, "Dishes", 10)
	if task.Status != model.StatusPending {
		t.Errorf("status = %q, want pending", task.Status)
	}
	if task.Version != 1 {
		t.Errorf("version = %d, want 1", task.Version)
	}
	if task.AssigneeID == nil || *task.AssigneeID != f.childID {
		t.Errorf("assignee = %v, want %d", task.AssigneeID, f.childID)
	}

	got, err := f.tasks.GetByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Title != "Dishes" || got.PointValue != 10 {
		t.Errorf("got %+v", got)
	}

	missing, err := f.tasks.GetByID(ctx, 9999)
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for missing task")
	}
}

func TestTaskUpdateLastWriteWins(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	task := createChore(t, f, "Dishes", 10)

	in := model.TaskInput{Kind: model.KindChore, Title: "Dishes tonight", AssigneeID: &f.childID, PointValue: 15}
	updated, _, err := f.tasks.Update(ctx, task.ID, in)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	in.Title = "Dishes now"
	updated, _, err = f.tasks.Update(ctx, task.ID, in)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != "Dishes now" || updated.PointValue != 15 {
		t.Errorf("got %+v", updated)
	}
	if updated.Version != 3 {
		t.Errorf("version = %d, want 3", updated.Version)
	}

	in.Kind = model.KindTodo
	if _, _, err := f.tasks.Update(ctx, task.ID, in); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("kind change err = %v, want ErrInvalidInput", err)
	}
	if _, _, err := f.tasks.Update(ctx, 9999, in); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing err = %v, want ErrNotFound", err)
	}
}

func TestTaskTransitions(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	task := createChore(t, f, "Trash", 5)

	submitted, _, err := f.tasks.Transition(ctx, task.ID, model.StatusPending, model.StatusSubmitted)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if submitted.SubmittedAt == nil {
		t.Error("expected submitted_at")
	}

	// Submitting twice is a state error.
	if _, _, err := f.tasks.Transition(ctx, task.ID, model.StatusPending, model.StatusSubmitted); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("resubmit err = %v, want ErrInvalidState", err)
	}

	rejected, _, err := f.tasks.Transition(ctx, task.ID, model.StatusSubmitted, model.StatusRejected)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != model.StatusRejected {
		t.Errorf("status = %q", rejected.Status)
	}

	reopened, _, err := f.tasks.Transition(ctx, task.ID, model.StatusRejected, model.StatusPending)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Status != model.StatusPending || reopened.SubmittedAt != nil {
		t.Errorf("reopened = %+v", reopened)
	}

	todo, _, _ := f.tasks.Create(ctx, f.familyID, model.TaskInput{Kind: model.KindTodo, Title: "Call grandma"})
	if _, _, err := f.tasks.Transition(ctx, todo.ID, model.StatusPending, model.StatusSubmitted); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("todo submit err = %v, want ErrInvalidState", err)
	}
}

func TestTaskSetCompleted(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	todo, _, _ := f.tasks.Create(ctx, f.familyID, model.TaskInput{Kind: model.KindTodo, Title: "Call grandma"})
	done, _, err := f.tasks.SetCompleted(ctx, todo.ID, true)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !done.Completed {
		t.Error("expected completed")
	}

	chore := createChore(t, f, "Dishes", 3)
	if _, _, err := f.tasks.SetCompleted(ctx, chore.ID, true); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("chore complete err = %v, want ErrInvalidState", err)
	}
}

func TestApproveCreditsPoints(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	// 40 points already earned, a 50 point chore brings the total to 90.
	first := submittedChore(t, f, "Mow lawn", 40)
	if _, _, _, err := f.tasks.Approve(ctx, first.ID, f.parentID, DefaultApproveRetries); err != nil {
		t.Fatalf("approve first: %v", err)
	}
	second := submittedChore(t, f, "Clean garage", 50)
	task, entry, seq, err := f.tasks.Approve(ctx, second.ID, f.parentID, DefaultApproveRetries)
	if err != nil {
		t.Fatalf("approve second: %v", err)
	}

	if task.Status != model.StatusApproved {
		t.Errorf("status = %q, want approved", task.Status)
	}
	if task.ApproverID == nil || *task.ApproverID != f.parentID {
		t.Errorf("approver = %v", task.ApproverID)
	}
	if task.ApprovedAt == nil {
		t.Error("expected approved_at")
	}
	if entry.Points != 50 || entry.MemberID != f.childID || entry.TaskID != second.ID {
		t.Errorf("entry = %+v", entry)
	}
	if seq == 0 {
		t.Error("expected a change-log sequence")
	}

	child, _ := f.members.GetByID(ctx, f.childID)
	if child.Points != 90 {
		t.Errorf("points = %d, want 90", child.Points)
	}

	// Task and member changes are published together.
	changes := f.feed.all()
	last := changes[len(changes)-2:]
	if last[0].Collection != model.CollectionTasks || last[1].Collection != model.CollectionMembers {
		t.Errorf("last changes = %+v", last)
	}
}

func TestApproveConcurrentApproversCreditOnce(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	other, err := f.members.Create(ctx, f.familyID, "Sam", model.RoleParent)
	if err != nil {
		t.Fatalf("create second parent: %v", err)
	}
	task := submittedChore(t, f, "Laundry", 25)

	const approvers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  []error
	)
	for i := 0; i < approvers; i++ {
		approver := f.parentID
		if i%2 == 1 {
			approver = other.ID
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _, err := f.tasks.Approve(ctx, task.ID, approver, DefaultApproveRetries)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			failures = append(failures, err)
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("successes = %d, want 1 (failures: %v)", successes, failures)
	}
	for _, err := range failures {
		if !errors.Is(err, apperr.ErrPreconditionFailed) {
			t.Errorf("failure = %v, want ErrPreconditionFailed", err)
		}
	}

	child, _ := f.members.GetByID(ctx, f.childID)
	if child.Points != 25 {
		t.Errorf("points = %d, want 25", child.Points)
	}
	entries, _ := f.ledger.History(ctx, f.childID, 10)
	if len(entries) != 1 {
		t.Errorf("ledger entries = %d, want 1", len(entries))
	}
}

func TestApproveRejectsInvalidCalls(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	pending := createChore(t, f, "Vacuum", 5)
	if _, _, _, err := f.tasks.Approve(ctx, pending.ID, f.parentID, DefaultApproveRetries); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("approve pending err = %v, want ErrInvalidState", err)
	}

	submitted := submittedChore(t, f, "Dust", 5)
	if _, _, _, err := f.tasks.Approve(ctx, submitted.ID, f.childID, DefaultApproveRetries); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("child approver err = %v, want ErrForbidden", err)
	}

	otherFamily, _ := f.families.Create(ctx, "Other")
	stranger, _ := f.members.Create(ctx, otherFamily.ID, "Stranger", model.RoleParent)
	if _, _, _, err := f.tasks.Approve(ctx, submitted.ID, stranger.ID, DefaultApproveRetries); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("foreign approver err = %v, want ErrForbidden", err)
	}

	if _, _, _, err := f.tasks.Approve(ctx, 9999, f.parentID, DefaultApproveRetries); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing task err = %v, want ErrNotFound", err)
	}

	if _, _, _, err := f.tasks.Approve(ctx, submitted.ID, f.parentID, DefaultApproveRetries); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, _, _, err := f.tasks.Approve(ctx, submitted.ID, f.parentID, DefaultApproveRetries); !errors.Is(err, apperr.ErrPreconditionFailed) {
		t.Errorf("second approve err = %v, want ErrPreconditionFailed", err)
	}

	child, _ := f.members.GetByID(ctx, f.childID)
	if child.Points != 5 {
		t.Errorf("points = %d, want 5", child.Points)
	}
}

func TestTaskCreateRejectsForeignMembers(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	other, _ := f.families.Create(ctx, "Other")
	stranger, _ := f.members.Create(ctx, other.ID, "Stranger", model.RoleChild)

	for name, in := range map[string]model.TaskInput{
		"assignee": {Kind: model.KindChore, Title: "Yard", AssigneeID: &stranger.ID, PointValue: 50},
		"creator":  {Kind: model.KindChore, Title: "Yard", CreatorID: &stranger.ID, PointValue: 50},
		"negative": {Kind: model.KindChore, Title: "Yard", PointValue: -5},
	} {
		if _, _, err := f.tasks.Create(ctx, f.familyID, in); !errors.Is(err, apperr.ErrInvalidInput) {
			t.Errorf("%s: err = %v, want ErrInvalidInput", name, err)
		}
	}

	task := createChore(t, f, "Dishes", 5)
	_, _, err := f.tasks.Update(ctx, task.ID, model.TaskInput{
		Kind: model.KindChore, Title: "Dishes", AssigneeID: &stranger.ID, PointValue: 5,
	})
	if !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("update err = %v, want ErrInvalidInput", err)
	}

	todo, _, err := f.tasks.Create(ctx, f.familyID, model.TaskInput{Kind: model.KindTodo, Title: "Call", PointValue: 40})
	if err != nil {
		t.Fatalf("create todo: %v", err)
	}
	if todo.PointValue != 0 {
		t.Errorf("todo point value = %d, want 0", todo.PointValue)
	}
}

func TestApproveRefusesForeignAssignee(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	other, _ := f.families.Create(ctx, "Other")
	stranger, _ := f.members.Create(ctx, other.ID, "Stranger", model.RoleChild)
	task := submittedChore(t, f, "Yard", 50)

	// Rows written before assignees were checked can still point outside
	// the family.
	if _, err := f.db.ExecContext(ctx, `UPDATE tasks SET assignee_id = ? WHERE id = ?`, stranger.ID, task.ID); err != nil {
		t.Fatalf("reassign: %v", err)
	}

	if _, _, _, err := f.tasks.Approve(ctx, task.ID, f.parentID, DefaultApproveRetries); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("approve err = %v, want ErrForbidden", err)
	}
	got, _ := f.members.GetByID(ctx, stranger.ID)
	if got.Points != 0 {
		t.Errorf("stranger points = %d, want 0", got.Points)
	}
	after, _ := f.tasks.GetByID(ctx, task.ID)
	if after.Status != model.StatusSubmitted {
		t.Errorf("status = %q, want submitted", after.Status)
	}
}

func TestApproveAfterRejectIsPreconditionFailure(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	task := submittedChore(t, f, "Dust", 5)
	if _, _, err := f.tasks.Transition(ctx, task.ID, model.StatusSubmitted, model.StatusRejected); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, _, _, err := f.tasks.Approve(ctx, task.ID, f.parentID, DefaultApproveRetries); !errors.Is(err, apperr.ErrPreconditionFailed) {
		t.Errorf("approve rejected err = %v, want ErrPreconditionFailed", err)
	}
	child, _ := f.members.GetByID(ctx, f.childID)
	if child.Points != 0 {
		t.Errorf("points = %d, want 0", child.Points)
	}
}

func TestApprovedChorePointsFrozen(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	task := submittedChore(t, f, "Windows", 30)
	if _, _, _, err := f.tasks.Approve(ctx, task.ID, f.parentID, DefaultApproveRetries); err != nil {
		t.Fatalf("approve: %v", err)
	}

	in := model.TaskInput{Kind: model.KindChore, Title: "Windows", AssigneeID: &f.childID, PointValue: 300}
	if _, _, err := f.tasks.Update(ctx, task.ID, in); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("raise points err = %v, want ErrInvalidState", err)
	}

	// Renaming keeps the credited value.
	in.PointValue = 30
	in.Title = "All windows"
	if _, _, err := f.tasks.Update(ctx, task.ID, in); err != nil {
		t.Errorf("rename approved chore: %v", err)
	}
}

func TestDeleteTaskKeepsLedger(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	task := submittedChore(t, f, "Garden", 12)
	if _, _, _, err := f.tasks.Approve(ctx, task.ID, f.parentID, DefaultApproveRetries); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := f.tasks.Delete(ctx, task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	entry, err := f.ledger.GetByTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get ledger entry: %v", err)
	}
	if entry == nil || entry.Points != 12 {
		t.Errorf("entry = %+v", entry)
	}
	if _, err := f.tasks.Delete(ctx, task.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}
