package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/rottym/fambam/internal/apperr"
	"github.com/rottym/fambam/internal/auth"
	"github.com/rottym/fambam/internal/model"
	"github.com/rottym/fambam/internal/store"
	"golang.org/x/crypto/bcrypt"
)

type FamilyMemberHandler struct {
	families *store.FamilyStore
	members  *store.MemberStore
	logger   *slog.Logger
}

func NewFamilyMemberHandler(fs *store.FamilyStore, ms *store.MemberStore, logger *slog.Logger) *FamilyMemberHandler {
	return &FamilyMemberHandler{families: fs, members: ms, logger: logger}
}

type createFamilyRequest struct {
	Name       string `json:"name"`
	ParentName string `json:"parent_name"`
}

type createFamilyResponse struct {
	Family *model.Family `json:"family"`
	Member *model.Member `json:"member"`
}

// CreateFamily handles POST /api/families. It creates the family with its
// first parent, whose id the caller then presents as X-Member-ID.
func (h *FamilyMemberHandler) CreateFamily(w http.ResponseWriter, r *http.Request) {
	var req createFamilyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.ParentName = strings.TrimSpace(req.ParentName)
	if req.Name == "" || req.ParentName == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name and parent_name are required"})
		return
	}

	fam, err := h.families.Create(r.Context(), req.Name)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	parent, err := h.members.Create(r.Context(), fam.ID, req.ParentName, model.RoleParent)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	fam.MemberIDs = []int64{parent.ID}

	h.logger.Info("family created", "family_id", fam.ID, "member_id", parent.ID)
	writeJSON(w, http.StatusCreated, createFamilyResponse{Family: fam, Member: parent})
}

// GetFamily handles GET /api/families/{id}.
func (h *FamilyMemberHandler) GetFamily(w http.ResponseWriter, r *http.Request) {
	id, ok := familyParam(w, r)
	if !ok {
		return
	}
	fam, err := h.families.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if fam == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "family not found"})
		return
	}
	writeJSON(w, http.StatusOK, fam)
}

type calendarRequest struct {
	CalendarID *string `json:"calendar_id"`
}

// SetCalendar handles PUT /api/families/{id}/calendar. A null or empty
// calendar_id unlinks the family's external calendar.
func (h *FamilyMemberHandler) SetCalendar(w http.ResponseWriter, r *http.Request) {
	id, ok := familyParam(w, r)
	if !ok {
		return
	}
	var req calendarRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	fam, err := h.families.SetExternalCalendar(r.Context(), id, req.CalendarID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, fam)
}

type memberRequest struct {
	Name string     `json:"name"`
	Role model.Role `json:"role"`
}

// CreateMember handles POST /api/families/{id}/members.
func (h *FamilyMemberHandler) CreateMember(w http.ResponseWriter, r *http.Request) {
	familyID, ok := familyParam(w, r)
	if !ok {
		return
	}
	var req memberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}
	if req.Role == "" {
		req.Role = model.RoleChild
	}
	if !req.Role.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "role must be parent or child"})
		return
	}

	m, err := h.members.Create(r.Context(), familyID, req.Name, req.Role)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// ListMembers handles GET /api/families/{id}/members.
func (h *FamilyMemberHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	familyID, ok := familyParam(w, r)
	if !ok {
		return
	}
	members, err := h.members.ListByFamily(r.Context(), familyID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if members == nil {
		members = []model.Member{}
	}
	writeJSON(w, http.StatusOK, members)
}

// RenameMember handles PUT /api/members/{id}.
func (h *FamilyMemberHandler) RenameMember(w http.ResponseWriter, r *http.Request) {
	m, ok := memberParam(w, r, h.members, h.logger)
	if !ok {
		return
	}
	var req memberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}
	updated, err := h.members.Rename(r.Context(), m.ID, req.Name)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteMember handles DELETE /api/members/{id}. Parents only.
func (h *FamilyMemberHandler) DeleteMember(w http.ResponseWriter, r *http.Request) {
	m, ok := memberParam(w, r, h.members, h.logger)
	if !ok {
		return
	}
	if !auth.IsParent(r.Context()) {
		writeError(w, h.logger, apperr.ErrForbidden)
		return
	}
	if err := h.members.Delete(r.Context(), m.ID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type optInRequest struct {
	OptIn bool `json:"opt_in"`
}

// SetNotifications handles PUT /api/members/{id}/notifications. Opting out
// also drops the member's push token.
func (h *FamilyMemberHandler) SetNotifications(w http.ResponseWriter, r *http.Request) {
	m, ok := memberParam(w, r, h.members, h.logger)
	if !ok {
		return
	}
	var req optInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	updated, err := h.members.SetOptIn(r.Context(), m.ID, req.OptIn)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type pinRequest struct {
	PIN string `json:"pin"`
}

// SetPIN handles POST /api/members/{id}/pin. PINs are exactly four digits.
func (h *FamilyMemberHandler) SetPIN(w http.ResponseWriter, r *http.Request) {
	m, ok := memberParam(w, r, h.members, h.logger)
	if !ok {
		return
	}
	var req pinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if len(req.PIN) != 4 || !isDigits(req.PIN) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "PIN must be exactly 4 digits"})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.PIN), bcrypt.DefaultCost)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to hash PIN"})
		return
	}
	if err := h.members.SetPIN(r.Context(), m.ID, string(hash)); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "PIN set"})
}

// ClearPIN handles DELETE /api/members/{id}/pin.
func (h *FamilyMemberHandler) ClearPIN(w http.ResponseWriter, r *http.Request) {
	m, ok := memberParam(w, r, h.members, h.logger)
	if !ok {
		return
	}
	if err := h.members.ClearPIN(r.Context(), m.ID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "PIN cleared"})
}

// verifyPIN checks pin against the member's PIN, if one is set.
func verifyPIN(ctx context.Context, members *store.MemberStore, m *model.Member, pin string) error {
	if !m.HasPIN {
		return nil
	}
	hash, err := members.GetPINHash(ctx, m.ID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)); err != nil {
		return fmt.Errorf("incorrect PIN: %w", apperr.ErrForbidden)
	}
	return nil
}

// familyParam parses the {id} path value as a family id and checks that it
// is the caller's family.
func familyParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return 0, false
	}
	if id != auth.FamilyID(r.Context()) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "not allowed"})
		return 0, false
	}
	return id, true
}

// memberParam loads the member named by the {id} path value. Members may act
// on themselves; parents may act on anyone in their family.
func memberParam(w http.ResponseWriter, r *http.Request, members *store.MemberStore, logger *slog.Logger) (*model.Member, bool) {
	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return nil, false
	}
	m, err := members.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, logger, err)
		return nil, false
	}
	if m == nil || m.FamilyID != auth.FamilyID(r.Context()) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "member not found"})
		return nil, false
	}
	if m.ID != auth.MemberID(r.Context()) && !auth.IsParent(r.Context()) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "not allowed"})
		return nil, false
	}
	return m, true
}

func parseIDParam(r *http.Request) (int64, error) {
	idStr := r.PathValue("id")
	return strconv.ParseInt(idStr, 10, 64)
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps a core error onto its status and user-facing message.
// Server-side failures are logged.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": apperr.Message(err)})
}
