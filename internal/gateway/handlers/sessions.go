package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"kiosk/internal/agent"
	"kiosk/internal/session"
	"kiosk/internal/storage"
	"kiosk/pkg/logger"
)

// SessionStore is the part of the session store the API reads.
type SessionStore interface {
	Get(ctx context.Context, id string) (*session.Session, error)
	List(ctx context.Context) ([]*session.Session, error)
}

// SessionEnder closes a session on the lane that owns it. The returned
// channel yields the result once the session has been cleared.
type SessionEnder interface {
	End(ctx context.Context, id, reason string) (<-chan error, error)
}

// EndReasonOperator is the lifecycle reason of sessions removed through the API.
const EndReasonOperator = "operator"

// AuditLog lists applied transitions.
type AuditLog interface {
	ListTransitions(ctx context.Context, sessionID string, limit int) ([]storage.TransitionRecord, error)
}

// BreakerSource reports collaborator breakers.
type BreakerSource interface {
	Snapshots() []agent.BreakerSnapshot
}

// SessionSummary is one row of the session list.
type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	KioskID      string    `json:"kiosk_id"`
	State        string    `json:"state"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
	Items        int       `json:"items"`
	CartTotal    float64   `json:"cart_total"`
}

// Summarize builds the list row for s.
func Summarize(s *session.Session) SessionSummary {
	return SessionSummary{
		SessionID:    s.ID,
		KioskID:      s.KioskID,
		State:        string(s.State),
		StartedAt:    s.StartedAt,
		LastActivity: s.LastActivity,
		Items:        len(s.Cart),
		CartTotal:    s.Total(),
	}
}

// SessionsHandler serves /api/v1/sessions.
type SessionsHandler struct {
	store SessionStore
	audit AuditLog
	ender SessionEnder
}

// NewSessionsHandler creates the handler. audit and ender may be nil; without
// an ender sessions cannot be deleted.
func NewSessionsHandler(store SessionStore, audit AuditLog, ender SessionEnder) *SessionsHandler {
	return &SessionsHandler{store: store, audit: audit, ender: ender}
}

// Register mounts the routes on r.
func (h *SessionsHandler) Register(r *mux.Router) {
	r.HandleFunc("/api/v1/sessions", h.List).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/sessions/{id}", h.Get).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/sessions/{id}", h.Delete).Methods(http.MethodDelete)
	r.HandleFunc("/api/v1/sessions/{id}/transitions", h.Transitions).Methods(http.MethodGet)
}

// List returns the live sessions, optionally filtered by ?kiosk=.
func (h *SessionsHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.List(r.Context())
	if err != nil {
		logger.Error().Err(err).Msg("list sessions")
		SendError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	kiosk := r.URL.Query().Get("kiosk")
	out := make([]SessionSummary, 0, len(list))
	for _, s := range list {
		if kiosk != "" && s.KioskID != kiosk {
			continue
		}
		out = append(out, Summarize(s))
	}
	SendJSON(w, http.StatusOK, map[string]any{"sessions": out, "count": len(out)})
}

// Get returns one full session.
func (h *SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, ok := h.load(w, r)
	if !ok {
		return
	}
	SendJSON(w, http.StatusOK, s)
}

// Delete ends a session the way a departing customer would, after any
// event already queued for it. It answers once the session is gone.
func (h *SessionsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if h.ender == nil {
		SendError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "session control not configured")
		return
	}
	id := mux.Vars(r)["id"]
	done, err := h.ender.End(r.Context(), id, EndReasonOperator)
	switch {
	case errors.Is(err, session.ErrNotFound):
		SendError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	case err != nil:
		SendError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, err.Error())
		return
	}

	select {
	case err := <-done:
		if err != nil {
			SendError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
			return
		}
	case <-r.Context().Done():
		return
	}
	logger.Info().Str("session_id", id).Msg("session ended via API")
	w.WriteHeader(http.StatusNoContent)
}

// Transitions returns the audit log of a session. ?limit= bounds the rows.
func (h *SessionsHandler) Transitions(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		SendError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "audit log not configured")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	id := mux.Vars(r)["id"]
	recs, err := h.audit.ListTransitions(r.Context(), id, limit)
	if err != nil {
		SendError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if recs == nil {
		recs = []storage.TransitionRecord{}
	}
	SendJSON(w, http.StatusOK, map[string]any{"session_id": id, "transitions": recs})
}

func (h *SessionsHandler) load(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := mux.Vars(r)["id"]
	s, err := h.store.Get(r.Context(), id)
	switch {
	case errors.Is(err, session.ErrNotFound):
		SendError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return nil, false
	case err != nil:
		SendError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return nil, false
	}
	return s, true
}

// BreakersHandler lists the collaborator breakers.
func BreakersHandler(src BreakerSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		SendJSON(w, http.StatusOK, map[string]any{"breakers": src.Snapshots()})
	}
}
