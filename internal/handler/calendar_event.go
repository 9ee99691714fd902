package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rottym/fambam/internal/apperr"
	"github.com/rottym/fambam/internal/auth"
	"github.com/rottym/fambam/internal/calendar"
	"github.com/rottym/fambam/internal/model"
	"github.com/rottym/fambam/internal/store"
)

type CalendarEventHandler struct {
	events     *store.EventStore
	members    *store.MemberStore
	reconciler *calendar.Reconciler
	logger     *slog.Logger
}

// NewCalendarEventHandler returns the event handler. rec may be nil when no
// external calendar is configured.
func NewCalendarEventHandler(es *store.EventStore, ms *store.MemberStore, rec *calendar.Reconciler, logger *slog.Logger) *CalendarEventHandler {
	return &CalendarEventHandler{events: es, members: ms, reconciler: rec, logger: logger}
}

type eventRequest struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Location    string  `json:"location"`
	StartTime   string  `json:"start_time"`
	EndTime     string  `json:"end_time"`
	AllDay      bool    `json:"all_day"`
	Recurrence  string  `json:"recurrence"`
	AssigneeIDs []int64 `json:"assignee_ids"`
}

// eventResponse reports the local write. SyncError is set when the event
// was saved but could not be mirrored to the external calendar.
type eventResponse struct {
	Event     *model.CalendarEvent `json:"event"`
	Seq       int64                `json:"seq,omitempty"`
	SyncError string               `json:"sync_error,omitempty"`
}

func (h *CalendarEventHandler) parseAndValidate(r *http.Request, w http.ResponseWriter) (model.CalendarEventInput, bool) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return model.CalendarEventInput{}, false
	}

	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "title is required"})
		return model.CalendarEventInput{}, false
	}

	startTime, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "start_time must be RFC3339 format"})
		return model.CalendarEventInput{}, false
	}
	endTime, err := time.Parse(time.RFC3339, req.EndTime)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "end_time must be RFC3339 format"})
		return model.CalendarEventInput{}, false
	}
	if !req.AllDay && !startTime.Before(endTime) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "start_time must be before end_time"})
		return model.CalendarEventInput{}, false
	}
	if req.AllDay && endTime.Before(startTime) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "end_time must not be before start_time"})
		return model.CalendarEventInput{}, false
	}

	familyID := auth.FamilyID(r.Context())
	seen := make(map[int64]bool, len(req.AssigneeIDs))
	assignees := make([]int64, 0, len(req.AssigneeIDs))
	for _, id := range req.AssigneeIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		m, err := h.members.GetByID(r.Context(), id)
		if err != nil {
			writeError(w, h.logger, err)
			return model.CalendarEventInput{}, false
		}
		if m == nil || m.FamilyID != familyID {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "assignee not found"})
			return model.CalendarEventInput{}, false
		}
		assignees = append(assignees, id)
	}

	return model.CalendarEventInput{
		Title:       req.Title,
		Description: req.Description,
		Location:    req.Location,
		StartTime:   startTime,
		EndTime:     endTime,
		AllDay:      req.AllDay,
		Recurrence:  strings.TrimSpace(req.Recurrence),
		AssigneeIDs: assignees,
	}, true
}

// mirror pushes the event to the external calendar. A failure is reported in
// the response but never undoes the local write.
func (h *CalendarEventHandler) mirror(r *http.Request, resp *eventResponse) {
	if h.reconciler == nil {
		return
	}
	e, err := h.reconciler.UpsertExternal(r.Context(), resp.Event.ID)
	if err != nil {
		h.logger.Warn("calendar sync failed", "event_id", resp.Event.ID, "error", err)
		resp.SyncError = apperr.Message(err)
		return
	}
	resp.Event = e
}

// Create handles POST /api/families/{id}/events.
func (h *CalendarEventHandler) Create(w http.ResponseWriter, r *http.Request) {
	familyID, ok := familyParam(w, r)
	if !ok {
		return
	}
	in, ok := h.parseAndValidate(r, w)
	if !ok {
		return
	}

	event, seq, err := h.events.Create(r.Context(), familyID, in)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	resp := eventResponse{Event: event, Seq: seq}
	h.mirror(r, &resp)
	writeJSON(w, http.StatusCreated, resp)
}

// Update handles PUT /api/events/{id}.
func (h *CalendarEventHandler) Update(w http.ResponseWriter, r *http.Request) {
	existing, ok := h.eventParam(w, r)
	if !ok {
		return
	}
	in, ok := h.parseAndValidate(r, w)
	if !ok {
		return
	}

	event, seq, err := h.events.Update(r.Context(), existing.ID, in)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	resp := eventResponse{Event: event, Seq: seq}
	h.mirror(r, &resp)
	writeJSON(w, http.StatusOK, resp)
}

// Delete handles DELETE /api/events/{id}. The external copy goes first; if
// that fails the local event is kept so the delete can be retried.
func (h *CalendarEventHandler) Delete(w http.ResponseWriter, r *http.Request) {
	existing, ok := h.eventParam(w, r)
	if !ok {
		return
	}
	if h.reconciler != nil {
		if err := h.reconciler.DeleteExternal(r.Context(), existing.ID); err != nil {
			h.logger.Warn("external calendar delete failed", "event_id", existing.ID, "error", err)
			writeJSON(w, apperr.HTTPStatus(err), map[string]string{"error": "could not remove the event from the external calendar, try again"})
			return
		}
	}

	seq, err := h.events.Delete(r.Context(), existing.ID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"seq": seq})
}

// Sync handles POST /api/events/{id}/sync, retrying the external mirror of
// an event after an earlier failure.
func (h *CalendarEventHandler) Sync(w http.ResponseWriter, r *http.Request) {
	existing, ok := h.eventParam(w, r)
	if !ok {
		return
	}
	if h.reconciler == nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "no external calendar is configured"})
		return
	}
	event, err := h.reconciler.UpsertExternal(r.Context(), existing.ID)
	if err != nil {
		h.logger.Warn("calendar sync failed", "event_id", existing.ID, "error", err)
		writeJSON(w, apperr.HTTPStatus(err), map[string]string{"error": apperr.Message(err)})
		return
	}
	writeJSON(w, http.StatusOK, eventResponse{Event: event})
}

// eventParam loads the event named by the {id} path value from the caller's
// family.
func (h *CalendarEventHandler) eventParam(w http.ResponseWriter, r *http.Request) (*model.CalendarEvent, bool) {
	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return nil, false
	}
	e, err := h.events.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return nil, false
	}
	if e == nil || e.FamilyID != auth.FamilyID(r.Context()) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "event not found"})
		return nil, false
	}
	return e, true
}
