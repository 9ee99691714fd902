package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/rottym/fambam/internal/livequery"
)

// CollectionHandler serves stateless pages of a family collection, for
// clients that poll instead of holding a WebSocket.
type CollectionHandler struct {
	manager *livequery.Manager
	logger  *slog.Logger
}

func NewCollectionHandler(m *livequery.Manager, logger *slog.Logger) *CollectionHandler {
	return &CollectionHandler{manager: m, logger: logger}
}

const defaultPageLimit = 50

// Page handles GET /api/families/{id}/collections/{collection}. Query
// parameters other than cursor and limit are equality filters.
func (h *CollectionHandler) Page(w http.ResponseWriter, r *http.Request) {
	familyID, ok := familyParam(w, r)
	if !ok {
		return
	}

	params := r.URL.Query()
	limit := defaultPageLimit
	if s := params.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be an integer"})
			return
		}
		limit = n
	}

	filter := map[string]string{}
	for k, v := range params {
		if k == "cursor" || k == "limit" || len(v) == 0 {
			continue
		}
		filter[k] = v[0]
	}

	page, err := h.manager.Page(r.Context(), livequery.Query{
		FamilyID:   familyID,
		Collection: r.PathValue("collection"),
		Filter:     filter,
	}, params.Get("cursor"), limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}
