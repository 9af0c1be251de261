package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"chargehive/internal/executor"
	"chargehive/internal/ledger"
	"chargehive/internal/registry"
	"chargehive/internal/resolver"
	"chargehive/internal/reward"
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// respondError maps domain errors onto HTTP statuses.
func respondError(w http.ResponseWriter, err error) {
	var rejection *ledger.RejectionError
	switch {
	case errors.Is(err, registry.ErrSessionNotFound), errors.Is(err, registry.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrStateConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, resolver.ErrUnsatisfiable), errors.Is(err, reward.ErrAmountOverflow):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &rejection):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, executor.ErrExhausted), errors.Is(err, executor.ErrReconcileExhausted):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
