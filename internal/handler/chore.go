package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/rottym/fambam/internal/apperr"
	"github.com/rottym/fambam/internal/auth"
	"github.com/rottym/fambam/internal/chore"
	"github.com/rottym/fambam/internal/model"
	"github.com/rottym/fambam/internal/store"
)

// ChoreHandler serves tasks: plain todos and chores with the approval
// lifecycle.
type ChoreHandler struct {
	tasks   *store.TaskStore
	members *store.MemberStore
	service *chore.Service
	logger  *slog.Logger
}

func NewChoreHandler(ts *store.TaskStore, ms *store.MemberStore, svc *chore.Service, logger *slog.Logger) *ChoreHandler {
	return &ChoreHandler{tasks: ts, members: ms, service: svc, logger: logger}
}

type taskRequest struct {
	Kind        model.TaskKind `json:"kind"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	AssigneeID  *int64         `json:"assignee_id"`
	PointValue  int            `json:"point_value"`
}

// taskResponse carries the change-log sequence of the write so clients can
// match it against live snapshots.
type taskResponse struct {
	Task   *model.Task        `json:"task"`
	Seq    int64              `json:"seq"`
	Ledger *model.LedgerEntry `json:"ledger,omitempty"`
}

// validate normalizes req and checks it against the caller's family. A
// non-empty problem is the client's fault.
func (h *ChoreHandler) validate(r *http.Request, req *taskRequest) (problem string, err error) {
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		return "title is required", nil
	}
	if req.Kind == "" {
		req.Kind = model.KindTodo
	}
	if req.Kind != model.KindTodo && req.Kind != model.KindChore {
		return "kind must be todo or chore", nil
	}
	if req.PointValue < 0 {
		return "point_value must not be negative", nil
	}
	if req.Kind == model.KindTodo {
		req.PointValue = 0
	}
	if req.AssigneeID != nil {
		m, err := h.members.GetByID(r.Context(), *req.AssigneeID)
		if err != nil {
			return "", err
		}
		if m == nil || m.FamilyID != auth.FamilyID(r.Context()) {
			return "assignee not found", nil
		}
	}
	return "", nil
}

func (h *ChoreHandler) valid(w http.ResponseWriter, r *http.Request, req *taskRequest) bool {
	problem, err := h.validate(r, req)
	if err != nil {
		writeError(w, h.logger, err)
		return false
	}
	if problem != "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": problem})
		return false
	}
	return true
}

// Create handles POST /api/families/{id}/tasks.
func (h *ChoreHandler) Create(w http.ResponseWriter, r *http.Request) {
	familyID, ok := familyParam(w, r)
	if !ok {
		return
	}
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if !h.valid(w, r, &req) {
		return
	}

	creator := auth.MemberID(r.Context())
	task, seq, err := h.tasks.Create(r.Context(), familyID, model.TaskInput{
		Kind:        req.Kind,
		Title:       req.Title,
		Description: req.Description,
		AssigneeID:  req.AssigneeID,
		CreatorID:   &creator,
		PointValue:  req.PointValue,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, taskResponse{Task: task, Seq: seq})
}

// Update handles PUT /api/tasks/{id}. The kind of a task never changes.
func (h *ChoreHandler) Update(w http.ResponseWriter, r *http.Request) {
	existing, ok := h.taskParam(w, r)
	if !ok {
		return
	}
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	req.Kind = existing.Kind
	if !h.valid(w, r, &req) {
		return
	}

	task, seq, err := h.tasks.Update(r.Context(), existing.ID, model.TaskInput{
		Kind:        existing.Kind,
		Title:       req.Title,
		Description: req.Description,
		AssigneeID:  req.AssigneeID,
		CreatorID:   existing.CreatorID,
		PointValue:  req.PointValue,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{Task: task, Seq: seq})
}

// Delete handles DELETE /api/tasks/{id}.
func (h *ChoreHandler) Delete(w http.ResponseWriter, r *http.Request) {
	existing, ok := h.taskParam(w, r)
	if !ok {
		return
	}
	seq, err := h.tasks.Delete(r.Context(), existing.ID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"seq": seq})
}

// Submit handles POST /api/tasks/{id}/submit.
func (h *ChoreHandler) Submit(w http.ResponseWriter, r *http.Request) {
	h.step(w, r, h.service.Submit)
}

// Reject handles POST /api/tasks/{id}/reject.
func (h *ChoreHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.step(w, r, h.service.Reject)
}

// Reopen handles POST /api/tasks/{id}/reopen.
func (h *ChoreHandler) Reopen(w http.ResponseWriter, r *http.Request) {
	h.step(w, r, h.service.Reopen)
}

type approveRequest struct {
	PIN string `json:"pin"`
}

// Approve handles POST /api/tasks/{id}/approve. Parents with a PIN must
// send it.
func (h *ChoreHandler) Approve(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	approverID := auth.MemberID(r.Context())
	approver, err := h.members.GetByID(r.Context(), approverID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if approver == nil {
		writeError(w, h.logger, apperr.ErrForbidden)
		return
	}
	if err := verifyPIN(r.Context(), h.members, approver, req.PIN); err != nil {
		if errors.Is(err, apperr.ErrForbidden) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "incorrect PIN"})
			return
		}
		writeError(w, h.logger, err)
		return
	}

	res, entry, err := h.service.Approve(r.Context(), id, approverID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{Task: res.Task, Seq: res.Seq, Ledger: entry})
}

type completeRequest struct {
	Completed *bool `json:"completed"`
}

// Complete handles POST /api/tasks/{id}/complete for todos. The body may
// set completed to false to uncheck; an empty body checks.
func (h *ChoreHandler) Complete(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	done := req.Completed == nil || *req.Completed

	res, err := h.service.Complete(r.Context(), id, auth.MemberID(r.Context()), done)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{Task: res.Task, Seq: res.Seq})
}

func (h *ChoreHandler) step(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, taskID, actorID int64) (chore.Result, error)) {
	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}
	res, err := fn(r.Context(), id, auth.MemberID(r.Context()))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{Task: res.Task, Seq: res.Seq})
}

// taskParam loads the task named by the {id} path value from the caller's
// family.
func (h *ChoreHandler) taskParam(w http.ResponseWriter, r *http.Request) (*model.Task, bool) {
	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return nil, false
	}
	t, err := h.tasks.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return nil, false
	}
	if t == nil || t.FamilyID != auth.FamilyID(r.Context()) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return nil, false
	}
	return t, true
}
