// Package chore implements the task lifecycle: submission, parental approval
// with its point credit, rejection and reopening of chores, and completion
// of todos.
package chore

import (
	"fmt"

	"github.com/rottym/fambam/internal/apperr"
	"github.com/rottym/fambam/internal/model"
)

// transitions lists the statuses a chore may move to from each status.
var transitions = map[model.TaskStatus][]model.TaskStatus{
	model.StatusPending:   {model.StatusSubmitted},
	model.StatusSubmitted: {model.StatusApproved, model.StatusRejected},
	model.StatusRejected:  {model.StatusPending},
}

// CanTransition reports whether a chore in status from may move to to.
func CanTransition(from, to model.TaskStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// source returns the only status a chore can reach to from.
func source(to model.TaskStatus) (model.TaskStatus, bool) {
	for from, next := range transitions {
		for _, s := range next {
			if s == to {
				return from, true
			}
		}
	}
	return "", false
}

// Check classifies an attempted transition. Approving a chore that was
// already approved or rejected is a precondition failure, reported to users
// as already handled; anything else off the graph is an invalid state.
func Check(t *model.Task, to model.TaskStatus) error {
	if t.Kind != model.KindChore {
		return fmt.Errorf("task %d is a %s: %w", t.ID, t.Kind, apperr.ErrInvalidState)
	}
	if CanTransition(t.Status, to) {
		return nil
	}
	if to == model.StatusApproved && (t.Status == model.StatusApproved || t.Status == model.StatusRejected) {
		return fmt.Errorf("task %d already %s: %w", t.ID, t.Status, apperr.ErrPreconditionFailed)
	}
	return fmt.Errorf("task %d cannot go from %s to %s: %w", t.ID, t.Status, to, apperr.ErrInvalidState)
}
