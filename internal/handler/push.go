package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"

	"github.com/rottym/fambam/internal/model"
	"github.com/rottym/fambam/internal/push"
	"github.com/rottym/fambam/internal/store"
)

// Notifier delivers a notification to one member.
type Notifier interface {
	Deliver(ctx context.Context, memberID int64, n push.Notification) error
}

type PushHandler struct {
	pushStore *store.PushStore
	members   *store.MemberStore
	notifier  Notifier
	publicKey string
	logger    *slog.Logger
}

func NewPushHandler(ps *store.PushStore, ms *store.MemberStore, notifier Notifier, publicKey string, logger *slog.Logger) *PushHandler {
	return &PushHandler{pushStore: ps, members: ms, notifier: notifier, publicKey: publicKey, logger: logger}
}

type tokenRequest struct {
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
}

// SetToken handles PUT /api/members/{id}/push-token. The new subscription
// replaces the member's previous one.
func (h *PushHandler) SetToken(w http.ResponseWriter, r *http.Request) {
	m, ok := memberParam(w, r, h.members, h.logger)
	if !ok {
		return
	}
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.Endpoint == "" || req.P256dh == "" || req.Auth == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "endpoint, p256dh, and auth are required"})
		return
	}
	if !m.NotifyOptIn {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "notifications are turned off for this member"})
		return
	}

	updated, err := h.pushStore.SetToken(r.Context(), m.ID, model.PushToken{
		Endpoint:  req.Endpoint,
		P256dhKey: req.P256dh,
		AuthKey:   req.Auth,
	})
	if err != nil {
		h.logger.Error("set push token", "member_id", m.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to save subscription"})
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// ClearToken handles DELETE /api/members/{id}/push-token.
func (h *PushHandler) ClearToken(w http.ResponseWriter, r *http.Request) {
	m, ok := memberParam(w, r, h.members, h.logger)
	if !ok {
		return
	}
	if _, err := h.pushStore.ClearToken(r.Context(), m.ID, ""); err != nil {
		h.logger.Error("clear push token", "member_id", m.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to delete subscription"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetVAPIDKey handles GET /api/push/vapid-key
func (h *PushHandler) GetVAPIDKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"public_key": h.publicKey})
}

// GetPreferences handles GET /api/members/{id}/preferences
func (h *PushHandler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	m, ok := memberParam(w, r, h.members, h.logger)
	if !ok {
		return
	}
	prefs, err := h.pushStore.GetPreferences(r.Context(), m.ID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to get preferences"})
		return
	}
	if prefs == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

type updatePreferencesRequest struct {
	Preferences []prefItem `json:"preferences"`
}

type prefItem struct {
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
}

// UpdatePreferences handles PUT /api/members/{id}/preferences
func (h *PushHandler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	m, ok := memberParam(w, r, h.members, h.logger)
	if !ok {
		return
	}
	var req updatePreferencesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	for _, p := range req.Preferences {
		if !slices.Contains(model.NotifTypes, p.Type) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown notification type: " + p.Type})
			return
		}
	}

	for _, p := range req.Preferences {
		if err := h.pushStore.SetPreference(r.Context(), m.ID, p.Type, p.Enabled); err != nil {
			h.logger.Error("set push preference", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to update preferences"})
			return
		}
	}

	prefs, err := h.pushStore.GetPreferences(r.Context(), m.ID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to get preferences"})
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// TestNotification handles POST /api/members/{id}/push-test
func (h *PushHandler) TestNotification(w http.ResponseWriter, r *http.Request) {
	m, ok := memberParam(w, r, h.members, h.logger)
	if !ok {
		return
	}
	if !m.HasToken {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "no push subscription registered"})
		return
	}

	err := h.notifier.Deliver(r.Context(), m.ID, push.Notification{
		Title: "Test Notification",
		Body:  "Push notifications are working!",
		URL:   "/settings",
		Tag:   "test",
		Type:  "test",
	})
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "push delivery failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}
