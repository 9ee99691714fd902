package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/rottym/fambam/internal/auth"
	"github.com/rottym/fambam/internal/model"
	"github.com/rottym/fambam/internal/optimistic"
)

// FolderHandler writes folders through the same path as WebSocket
// mutations, so both transports get identical validation and acks.
type FolderHandler struct {
	writer optimistic.Writer
	logger *slog.Logger
}

func NewFolderHandler(w optimistic.Writer, logger *slog.Logger) *FolderHandler {
	return &FolderHandler{writer: w, logger: logger}
}

type folderRequest struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

// Create handles POST /api/families/{id}/folders.
func (h *FolderHandler) Create(w http.ResponseWriter, r *http.Request) {
	familyID, ok := familyParam(w, r)
	if !ok {
		return
	}
	var req folderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}

	ack, err := h.writer.Write(r.Context(), optimistic.Mutation{
		Op:         optimistic.OpCreate,
		FamilyID:   familyID,
		Collection: model.CollectionFolders,
		Fields:     map[string]any{"kind": req.Kind, "name": req.Name},
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, ack)
}

// Rename handles PUT /api/folders/{id}.
func (h *FolderHandler) Rename(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}
	var req folderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}

	ack, err := h.writer.Write(r.Context(), optimistic.Mutation{
		Op:         optimistic.OpUpdate,
		FamilyID:   auth.FamilyID(r.Context()),
		Collection: model.CollectionFolders,
		DocID:      strconv.FormatInt(id, 10),
		Fields:     map[string]any{"name": req.Name},
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

// Delete handles DELETE /api/folders/{id}. Items in the folder become
// ungrouped.
func (h *FolderHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}
	ack, err := h.writer.Write(r.Context(), optimistic.Mutation{
		Op:         optimistic.OpDelete,
		FamilyID:   auth.FamilyID(r.Context()),
		Collection: model.CollectionFolders,
		DocID:      strconv.FormatInt(id, 10),
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}
