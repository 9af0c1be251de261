package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"chargehive/internal/http/middleware"
	"chargehive/internal/orchestrator"
)

// SessionsHandler exposes the session lifecycle endpoints.
type SessionsHandler struct {
	orch   *orchestrator.Orchestrator
	logger *zap.Logger
}

// NewSessionsHandler builds handler set.
func NewSessionsHandler(orch *orchestrator.Orchestrator, logger *zap.Logger) *SessionsHandler {
	return &SessionsHandler{
		orch:   orch,
		logger: logger,
	}
}

type openSessionRequest struct {
	Participant string `json:"participant"`
	SpotBooker  string `json:"spot_booker"`
}

type closeSessionRequest struct {
	Quantity int64 `json:"quantity"`
}

// HandleOpen handles POST /v1/sessions.
func (h *SessionsHandler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Participant == "" {
		if caller, ok := middleware.CallerFromContext(r.Context()); ok {
			req.Participant = caller
		}
	}
	if req.Participant == "" {
		writeError(w, http.StatusBadRequest, "participant is required")
		return
	}
	if req.SpotBooker == "" {
		req.SpotBooker = req.Participant
	}

	session, err := h.orch.OpenSession(r.Context(), req.Participant, req.SpotBooker)
	if err != nil {
		h.logger.Warn("open session failed", zap.String("participant", req.Participant), zap.Error(err))
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"session": session})
}

// HandleClose handles POST /v1/sessions/{id}/close.
func (h *SessionsHandler) HandleClose(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "session id is required")
		return
	}
	var req closeSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Quantity < 0 {
		writeError(w, http.StatusBadRequest, "quantity must be non-negative")
		return
	}

	session, err := h.orch.CloseSession(r.Context(), id, req.Quantity)
	if err != nil {
		h.logger.Warn("close session failed", zap.String("session_id", id), zap.Error(err))
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": session})
}

// HandleSettle handles POST /v1/sessions/{id}/settle.
func (h *SessionsHandler) HandleSettle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "session id is required")
		return
	}

	session, err := h.orch.SettleSession(r.Context(), id)
	if err != nil {
		h.logger.Warn("settle session failed", zap.String("session_id", id), zap.Error(err))
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": session})
}

// HandleRecover handles POST /v1/sessions/{id}/recover.
func (h *SessionsHandler) HandleRecover(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "session id is required")
		return
	}

	session, err := h.orch.RecoverSession(r.Context(), id)
	if err != nil {
		h.logger.Warn("recover session failed", zap.String("session_id", id), zap.Error(err))
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": session})
}

// HandleGet handles GET /v1/sessions/{id}.
func (h *SessionsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "session id is required")
		return
	}

	session, err := h.orch.Registry().Get(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": session})
}

// HandleHistory handles GET /v1/sessions/{id}/history.
func (h *SessionsHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "session id is required")
		return
	}

	history, err := h.orch.Registry().History(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": history})
}
