package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/rottym/fambam/internal/auth"
	"github.com/rottym/fambam/internal/chore"
	"github.com/rottym/fambam/internal/model"
	"github.com/rottym/fambam/internal/store"
)

// RewardHandler serves the points ledger.
type RewardHandler struct {
	service *chore.Service
	members *store.MemberStore
	logger  *slog.Logger
}

func NewRewardHandler(svc *chore.Service, ms *store.MemberStore, logger *slog.Logger) *RewardHandler {
	return &RewardHandler{service: svc, members: ms, logger: logger}
}

// Points handles GET /api/members/{id}/points.
func (h *RewardHandler) Points(w http.ResponseWriter, r *http.Request) {
	m, ok := h.familyMember(w, r)
	if !ok {
		return
	}
	bal, err := h.service.Balance(r.Context(), m.ID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// Ledger handles GET /api/members/{id}/ledger?limit=N.
func (h *RewardHandler) Ledger(w http.ResponseWriter, r *http.Request) {
	m, ok := h.familyMember(w, r)
	if !ok {
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	entries, err := h.service.History(r.Context(), m.ID, limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Leaderboard handles GET /api/families/{id}/leaderboard.
func (h *RewardHandler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	familyID, ok := familyParam(w, r)
	if !ok {
		return
	}
	board, err := h.service.Leaderboard(r.Context(), familyID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if board == nil {
		board = []model.PointBalance{}
	}
	writeJSON(w, http.StatusOK, board)
}

// familyMember loads the member named by {id}. Any member of the family may
// read another's points.
func (h *RewardHandler) familyMember(w http.ResponseWriter, r *http.Request) (*model.Member, bool) {
	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return nil, false
	}
	m, err := h.members.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return nil, false
	}
	if m == nil || m.FamilyID != auth.FamilyID(r.Context()) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "member not found"})
		return nil, false
	}
	return m, true
}
