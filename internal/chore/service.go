package chore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rottym/fambam/internal/apperr"
	"github.com/rottym/fambam/internal/model"
	"github.com/rottym/fambam/internal/store"
)

// Result is a task after a lifecycle step, with the change-log sequence the
// step committed at.
type Result struct {
	Task *model.Task
	Seq  int64
}

type Service struct {
	tasks   *store.TaskStore
	ledger  *store.LedgerStore
	members *store.MemberStore
	retries uint64
	logger  *slog.Logger
}

func NewService(tasks *store.TaskStore, ledger *store.LedgerStore, members *store.MemberStore, retries uint64, logger *slog.Logger) *Service {
	return &Service{
		tasks:   tasks,
		ledger:  ledger,
		members: members,
		retries: retries,
		logger:  logger.With("component", "chore"),
	}
}

// load reads a task and checks that actor belongs to its family.
func (s *Service) load(ctx context.Context, taskID, actorID int64) (*model.Task, *model.Member, error) {
	t, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	if t == nil {
		return nil, nil, fmt.Errorf("task %d: %w", taskID, apperr.ErrNotFound)
	}
	actor, err := s.members.GetByID(ctx, actorID)
	if err != nil {
		return nil, nil, err
	}
	if actor == nil || actor.FamilyID != t.FamilyID {
		return nil, nil, fmt.Errorf("member %d on task %d: %w", actorID, taskID, apperr.ErrForbidden)
	}
	return t, actor, nil
}

func (s *Service) transition(ctx context.Context, taskID, actorID int64, to model.TaskStatus) (Result, error) {
	t, _, err := s.load(ctx, taskID, actorID)
	if err != nil {
		return Result{}, err
	}
	if err := Check(t, to); err != nil {
		return Result{}, err
	}
	from, _ := source(to)
	after, seq, err := s.tasks.Transition(ctx, taskID, from, to)
	if err != nil {
		return Result{}, err
	}
	s.logger.Info("chore transitioned", "task_id", taskID, "actor_id", actorID, "from", from, "to", to)
	return Result{Task: after, Seq: seq}, nil
}

// Submit marks a pending chore as done and waiting for approval.
func (s *Service) Submit(ctx context.Context, taskID, actorID int64) (Result, error) {
	return s.transition(ctx, taskID, actorID, model.StatusSubmitted)
}

// Reject sends a submitted chore back without credit. Only parents reject.
func (s *Service) Reject(ctx context.Context, taskID, actorID int64) (Result, error) {
	_, actor, err := s.load(ctx, taskID, actorID)
	if err != nil {
		return Result{}, err
	}
	if actor.Role != model.RoleParent {
		return Result{}, fmt.Errorf("member %d is not a parent: %w", actorID, apperr.ErrForbidden)
	}
	return s.transition(ctx, taskID, actorID, model.StatusRejected)
}

// Reopen puts a rejected chore back to pending.
func (s *Service) Reopen(ctx context.Context, taskID, actorID int64) (Result, error) {
	return s.transition(ctx, taskID, actorID, model.StatusPending)
}

// Approve approves a submitted chore and credits its points to the assignee.
// The state check, the credit and the ledger entry commit together; a
// concurrent approver that loses gets ErrPreconditionFailed.
func (s *Service) Approve(ctx context.Context, taskID, approverID int64) (Result, *model.LedgerEntry, error) {
	t, entry, seq, err := s.tasks.Approve(ctx, taskID, approverID, s.retries)
	if err != nil {
		return Result{}, nil, err
	}
	s.logger.Info("chore approved",
		"task_id", taskID, "approver_id", approverID, "member_id", entry.MemberID, "points", entry.Points)
	return Result{Task: t, Seq: seq}, entry, nil
}

// Complete checks or unchecks a todo.
func (s *Service) Complete(ctx context.Context, taskID, actorID int64, done bool) (Result, error) {
	if _, _, err := s.load(ctx, taskID, actorID); err != nil {
		return Result{}, err
	}
	t, seq, err := s.tasks.SetCompleted(ctx, taskID, done)
	if err != nil {
		return Result{}, err
	}
	return Result{Task: t, Seq: seq}, nil
}

func (s *Service) Balance(ctx context.Context, memberID int64) (*model.PointBalance, error) {
	b, err := s.ledger.Balance(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("member %d: %w", memberID, apperr.ErrNotFound)
	}
	return b, nil
}

func (s *Service) Leaderboard(ctx context.Context, familyID int64) ([]model.PointBalance, error) {
	return s.ledger.Leaderboard(ctx, familyID)
}

// History returns the member's most recent credits, newest first.
func (s *Service) History(ctx context.Context, memberID int64, limit int) ([]model.LedgerEntry, error) {
	m, err := s.members.GetByID(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("member %d: %w", memberID, apperr.ErrNotFound)
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.ledger.History(ctx, memberID, limit)
}
