package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/rottym/fambam/internal/apperr"
	"github.com/rottym/fambam/internal/model"
)

// DefaultApproveRetries bounds how often a conflicting approval is retried.
const DefaultApproveRetries = 5

// errVersionConflict means a guarded write found the row changed since it
// was read inside the same attempt.
var errVersionConflict = errors.New("version conflict")

type TaskStore struct {
	db  *sql.DB
	log *ChangeLog
}

func NewTaskStore(db *sql.DB, log *ChangeLog) *TaskStore {
	return &TaskStore{db: db, log: log}
}

const taskCols = `id, family_id, kind, title, description, assignee_id, creator_id, point_value, status, completed, approver_id, version, submitted_at, approved_at, sort_key, created_at, updated_at`

func scanTask(scanner interface{ Scan(...any) error }) (*model.Task, error) {
	var t model.Task
	var kind, status string
	var completed int
	var assigneeID, creatorID, approverID sql.NullInt64
	var submittedAt, approvedAt sql.NullTime

	err := scanner.Scan(
		&t.ID, &t.FamilyID, &kind, &t.Title, &t.Description, &assigneeID, &creatorID,
		&t.PointValue, &status, &completed, &approverID, &t.Version,
		&submittedAt, &approvedAt, &t.SortKey, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Kind = model.TaskKind(kind)
	t.Status = model.TaskStatus(status)
	t.Completed = completed != 0
	t.AssigneeID = int64Ptr(assigneeID)
	t.CreatorID = int64Ptr(creatorID)
	t.ApproverID = int64Ptr(approverID)
	t.SubmittedAt = timePtr(submittedAt)
	t.ApprovedAt = timePtr(approvedAt)
	return &t, nil
}

func getTask(ctx context.Context, q queryer, id int64) (*model.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *TaskStore) GetByID(ctx context.Context, id int64) (*model.Task, error) {
	return getTask(ctx, s.db, id)
}

// checkMembers rejects an assignee or creator outside the task's family.
func checkMembers(ctx context.Context, q queryer, familyID int64, in model.TaskInput) error {
	for field, id := range map[string]*int64{"assignee": in.AssigneeID, "creator": in.CreatorID} {
		if id == nil {
			continue
		}
		m, err := getMember(ctx, q, *id)
		if err != nil {
			return err
		}
		if m == nil || m.FamilyID != familyID {
			return fmt.Errorf("%s %d is not in family %d: %w", field, *id, familyID, apperr.ErrInvalidInput)
		}
	}
	return nil
}

// Create inserts a task and returns it with the change-log sequence of the
// write. Todos carry no points.
func (s *TaskStore) Create(ctx context.Context, familyID int64, in model.TaskInput) (*model.Task, int64, error) {
	if in.Kind == model.KindTodo {
		in.PointValue = 0
	}
	if in.PointValue < 0 {
		return nil, 0, fmt.Errorf("negative point value: %w", apperr.ErrInvalidInput)
	}
	var t *model.Task
	seq, err := s.log.write(ctx, func(tx *sql.Tx, rec *recorder) error {
		if err := checkMembers(ctx, tx, familyID, in); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx,
			`INSERT INTO tasks (family_id, kind, title, description, assignee_id, creator_id, point_value, sort_key)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			familyID, string(in.Kind), in.Title, in.Description,
			nullInt64(in.AssigneeID), nullInt64(in.CreatorID), in.PointValue, sortKeyNow(),
		)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}
		if t, err = getTask(ctx, tx, id); err != nil {
			return err
		}
		return rec.record(ctx, familyID, model.CollectionTasks, id, model.OpCreated, nil, t)
	})
	if err != nil {
		return nil, 0, err
	}
	return t, seq, nil
}

// Update overwrites the editable fields of a task, last write wins. The
// point value of an approved chore is frozen.
func (s *TaskStore) Update(ctx context.Context, id int64, in model.TaskInput) (*model.Task, int64, error) {
	if in.Kind == model.KindTodo {
		in.PointValue = 0
	}
	if in.PointValue < 0 {
		return nil, 0, fmt.Errorf("negative point value: %w", apperr.ErrInvalidInput)
	}
	var after *model.Task
	seq, err := s.log.write(ctx, func(tx *sql.Tx, rec *recorder) error {
		before, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if before == nil {
			return fmt.Errorf("task %d: %w", id, apperr.ErrNotFound)
		}
		if in.Kind != before.Kind {
			return fmt.Errorf("change task kind: %w", apperr.ErrInvalidInput)
		}
		if before.Status == model.StatusApproved && in.PointValue != before.PointValue {
			return fmt.Errorf("change points of approved chore: %w", apperr.ErrInvalidState)
		}
		if err := checkMembers(ctx, tx, before.FamilyID, model.TaskInput{AssigneeID: in.AssigneeID}); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET title = ?, description = ?, assignee_id = ?, point_value = ?,
			 version = version + 1, updated_at = ? WHERE id = ?`,
			in.Title, in.Description, nullInt64(in.AssigneeID), in.PointValue, time.Now().UTC(), id,
		)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		if after, err = getTask(ctx, tx, id); err != nil {
			return err
		}
		return rec.record(ctx, before.FamilyID, model.CollectionTasks, id, model.OpUpdated, before, after)
	})
	if err != nil {
		return nil, 0, err
	}
	return after, seq, nil
}

// Delete removes a task. Ledger entries for it are kept.
func (s *TaskStore) Delete(ctx context.Context, id int64) (int64, error) {
	return s.log.write(ctx, func(tx *sql.Tx, rec *recorder) error {
		before, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if before == nil {
			return fmt.Errorf("task %d: %w", id, apperr.ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		return rec.record(ctx, before.FamilyID, model.CollectionTasks, id, model.OpDeleted, before, nil)
	})
}

// Transition moves a chore from one status to another. It fails with
// ErrInvalidState if the chore is not currently in from. Approval is not a
// plain transition; use Approve.
func (s *TaskStore) Transition(ctx context.Context, id int64, from, to model.TaskStatus) (*model.Task, int64, error) {
	var after *model.Task
	seq, err := s.log.write(ctx, func(tx *sql.Tx, rec *recorder) error {
		before, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if before == nil {
			return fmt.Errorf("task %d: %w", id, apperr.ErrNotFound)
		}
		if before.Kind != model.KindChore {
			return fmt.Errorf("task %d is a %s: %w", id, before.Kind, apperr.ErrInvalidState)
		}
		if before.Status != from {
			return fmt.Errorf("task %d is %s, not %s: %w", id, before.Status, from, apperr.ErrInvalidState)
		}

		now := time.Now().UTC()
		var submittedAt sql.NullTime
		switch to {
		case model.StatusSubmitted:
			submittedAt = sql.NullTime{Time: now, Valid: true}
		case model.StatusRejected:
			submittedAt = sql.NullTime{Time: derefTime(before.SubmittedAt), Valid: before.SubmittedAt != nil}
		}

		result, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, submitted_at = ?, version = version + 1, updated_at = ?
			 WHERE id = ? AND status = ? AND version = ?`,
			string(to), submittedAt, now, id, string(from), before.Version,
		)
		if err != nil {
			return fmt.Errorf("transition task: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return fmt.Errorf("task %d: %w", id, apperr.ErrConflict)
		}
		if after, err = getTask(ctx, tx, id); err != nil {
			return err
		}
		return rec.record(ctx, before.FamilyID, model.CollectionTasks, id, model.OpUpdated, before, after)
	})
	if err != nil {
		return nil, 0, err
	}
	return after, seq, nil
}

// SetCompleted checks or unchecks a todo.
func (s *TaskStore) SetCompleted(ctx context.Context, id int64, done bool) (*model.Task, int64, error) {
	var after *model.Task
	seq, err := s.log.write(ctx, func(tx *sql.Tx, rec *recorder) error {
		before, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if before == nil {
			return fmt.Errorf("task %d: %w", id, apperr.ErrNotFound)
		}
		if before.Kind != model.KindTodo {
			return fmt.Errorf("task %d is a %s: %w", id, before.Kind, apperr.ErrInvalidState)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET completed = ?, version = version + 1, updated_at = ? WHERE id = ?`,
			boolInt(done), time.Now().UTC(), id,
		)
		if err != nil {
			return fmt.Errorf("set task completed: %w", err)
		}
		if after, err = getTask(ctx, tx, id); err != nil {
			return err
		}
		return rec.record(ctx, before.FamilyID, model.CollectionTasks, id, model.OpUpdated, before, after)
	})
	if err != nil {
		return nil, 0, err
	}
	return after, seq, nil
}

// Approve marks a submitted chore approved and credits its points to the
// assignee, in one transaction. Of any number of concurrent approvals of the
// same chore exactly one succeeds; the others get ErrPreconditionFailed.
// Lock and version conflicts are retried up to retries times, then reported
// as ErrConflict.
func (s *TaskStore) Approve(ctx context.Context, id, approverID int64, retries uint64) (*model.Task, *model.LedgerEntry, int64, error) {
	backoff := retry.NewExponential(10 * time.Millisecond)
	backoff = retry.WithCappedDuration(250*time.Millisecond, backoff)
	backoff = retry.WithJitterPercent(20, backoff)
	backoff = retry.WithMaxRetries(retries, backoff)

	var (
		task  *model.Task
		entry *model.LedgerEntry
		seq   int64
	)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		task, entry, seq, err = s.approveOnce(ctx, id, approverID)
		if err != nil && (isBusy(err) || errors.Is(err, errVersionConflict)) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		if isBusy(err) || errors.Is(err, errVersionConflict) {
			return nil, nil, 0, fmt.Errorf("approve task %d: %w", id, apperr.ErrConflict)
		}
		return nil, nil, 0, err
	}
	return task, entry, seq, nil
}

func (s *TaskStore) approveOnce(ctx context.Context, id, approverID int64) (*model.Task, *model.LedgerEntry, int64, error) {
	var (
		after *model.Task
		entry *model.LedgerEntry
	)
	seq, err := s.log.write(ctx, func(tx *sql.Tx, rec *recorder) error {
		before, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if before == nil {
			return fmt.Errorf("task %d: %w", id, apperr.ErrNotFound)
		}
		if before.Kind != model.KindChore {
			return fmt.Errorf("task %d is a %s: %w", id, before.Kind, apperr.ErrInvalidState)
		}
		// A chore someone else already approved or rejected is a lost race;
		// one that was never submitted is a caller error.
		switch before.Status {
		case model.StatusSubmitted:
		case model.StatusApproved, model.StatusRejected:
			return fmt.Errorf("task %d already %s: %w", id, before.Status, apperr.ErrPreconditionFailed)
		default:
			return fmt.Errorf("task %d is %s: %w", id, before.Status, apperr.ErrInvalidState)
		}

		approver, err := getMember(ctx, tx, approverID)
		if err != nil {
			return err
		}
		if approver == nil || approver.FamilyID != before.FamilyID || approver.Role != model.RoleParent {
			return fmt.Errorf("member %d may not approve task %d: %w", approverID, id, apperr.ErrForbidden)
		}
		if before.AssigneeID == nil {
			return fmt.Errorf("task %d has no assignee: %w", id, apperr.ErrInvalidState)
		}

		now := time.Now().UTC()
		result, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, approver_id = ?, approved_at = ?, version = version + 1, updated_at = ?
			 WHERE id = ? AND status = ? AND version = ?`,
			string(model.StatusApproved), approverID, now, now, id, string(model.StatusSubmitted), before.Version,
		)
		if err != nil {
			return fmt.Errorf("approve task: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return errVersionConflict
		}

		assigneeBefore, err := getMember(ctx, tx, *before.AssigneeID)
		if err != nil {
			return err
		}
		if assigneeBefore == nil {
			return fmt.Errorf("assignee of task %d: %w", id, apperr.ErrNotFound)
		}
		if assigneeBefore.FamilyID != before.FamilyID {
			return fmt.Errorf("assignee %d of task %d is outside its family: %w", assigneeBefore.ID, id, apperr.ErrForbidden)
		}
		result, err = tx.ExecContext(ctx,
			`UPDATE members SET points = ?, updated_at = ? WHERE id = ? AND points = ?`,
			assigneeBefore.Points+before.PointValue, now, assigneeBefore.ID, assigneeBefore.Points,
		)
		if err != nil {
			return fmt.Errorf("credit points: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return errVersionConflict
		}

		result, err = tx.ExecContext(ctx,
			`INSERT INTO ledger_entries (task_id, member_id, approver_id, points, created_at) VALUES (?, ?, ?, ?, ?)`,
			id, assigneeBefore.ID, approverID, before.PointValue, now,
		)
		if err != nil {
			if isConstraint(err) {
				return fmt.Errorf("task %d already credited: %w", id, apperr.ErrPreconditionFailed)
			}
			return fmt.Errorf("insert ledger entry: %w", err)
		}
		entryID, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}
		entry = &model.LedgerEntry{
			ID:         entryID,
			TaskID:     id,
			MemberID:   assigneeBefore.ID,
			ApproverID: approverID,
			Points:     before.PointValue,
			CreatedAt:  now,
		}

		if after, err = getTask(ctx, tx, id); err != nil {
			return err
		}
		assigneeAfter, err := getMember(ctx, tx, assigneeBefore.ID)
		if err != nil {
			return err
		}
		if err := rec.record(ctx, before.FamilyID, model.CollectionTasks, id, model.OpUpdated, before, after); err != nil {
			return err
		}
		return rec.record(ctx, before.FamilyID, model.CollectionMembers, assigneeBefore.ID, model.OpUpdated, assigneeBefore, assigneeAfter)
	})
	if err != nil {
		return nil, nil, 0, err
	}
	return after, entry, seq, nil
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
