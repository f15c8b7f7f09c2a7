// Package handlers implements the HTTP handlers for the bot core. The
// transport adapter (whatever speaks to the chat platform) posts inbound
// events here and renders the returned replies; the remaining endpoints
// expose read-only views for operators.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/infobot/infobot/internal/dispatch"
	"github.com/infobot/infobot/internal/store"
	"github.com/infobot/infobot/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store      store.Store
	Dispatcher *dispatch.Dispatcher
}

// New creates a Handlers instance.
func New(s store.Store, d *dispatch.Dispatcher) *Handlers {
	return &Handlers{Store: s, Dispatcher: d}
}

// PostEvent accepts one inbound chat event and returns the replies.
func (h *Handlers) PostEvent(w http.ResponseWriter, r *http.Request) {
	var event models.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if event.UserID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	switch event.Kind {
	case models.EventText, models.EventPhoto, models.EventCallback:
	case "":
		event.Kind = models.EventText
	default:
		respondError(w, http.StatusBadRequest, "unknown event kind: "+string(event.Kind))
		return
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	replies := h.Dispatcher.Handle(r.Context(), event)
	respondJSON(w, http.StatusOK, map[string]any{"replies": replies})
}

// ListModels returns the assignable model catalog.
func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	catalog, err := h.Store.ListModels(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if catalog == nil {
		catalog = []models.LLMModel{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"models": catalog})
}

// ListUsers returns a page of user profiles.
func (h *Handlers) ListUsers(w http.ResponseWriter, r *http.Request) {
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 50)

	profiles, err := h.Store.ListProfiles(r.Context(), offset, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := h.Store.CountProfiles(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if profiles == nil {
		profiles = []models.UserProfile{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"users": profiles, "total": total})
}

// GetUserExchanges returns the most recent exchanges of one user.
func (h *Handlers) GetUserExchanges(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit := queryInt(r, "limit", 20)

	if _, err := h.Store.GetProfile(r.Context(), userID); err != nil {
		respondStoreError(w, err)
		return
	}
	exchanges, err := h.Store.ListExchanges(r.Context(), userID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if exchanges == nil {
		exchanges = []models.Exchange{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"exchanges": exchanges})
}

// GetUserQuota returns a user's usage counter.
func (h *Handlers) GetUserQuota(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	quota, err := h.Store.GetQuota(r.Context(), userID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, quota)
}

// ── Helpers ─────────────────────────────────────────────────

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			return i
		}
	}
	return fallback
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondStoreError(w http.ResponseWriter, err error) {
	var notFound *store.ErrNotFound
	if errors.As(err, &notFound) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}
