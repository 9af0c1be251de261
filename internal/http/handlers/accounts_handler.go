package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"chargehive/internal/models"
	"chargehive/internal/orchestrator"
)

// AccountsHandler exposes onboarding endpoints.
type AccountsHandler struct {
	orch   *orchestrator.Orchestrator
	logger *zap.Logger
}

// NewAccountsHandler builds handler set.
func NewAccountsHandler(orch *orchestrator.Orchestrator, logger *zap.Logger) *AccountsHandler {
	return &AccountsHandler{
		orch:   orch,
		logger: logger,
	}
}

type onboardRequest struct {
	Address  string `json:"address"`
	Role     string `json:"role"`
	Metadata string `json:"metadata"`
}

type onboardAdapterRequest struct {
	Adapter    string `json:"adapter"`
	UserWallet string `json:"user_wallet"`
	NFTID      string `json:"nft_id"`
}

// HandleOnboard handles POST /v1/accounts/onboard.
func (h *AccountsHandler) HandleOnboard(w http.ResponseWriter, r *http.Request) {
	var req onboardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Address == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	role := models.Role(req.Role)
	switch role {
	case models.RoleOperator, models.RoleAdmin, models.RoleParticipant, models.RoleAdapter:
	case "":
		role = models.RoleParticipant
	default:
		writeError(w, http.StatusBadRequest, "unknown role")
		return
	}

	account, err := h.orch.Onboard(r.Context(), req.Address, role, req.Metadata)
	if err != nil {
		h.logger.Warn("onboard failed", zap.String("address", req.Address), zap.Error(err))
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"account": account})
}

// HandleOnboardAdapter handles POST /v1/adapters/onboard.
func (h *AccountsHandler) HandleOnboardAdapter(w http.ResponseWriter, r *http.Request) {
	var req onboardAdapterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Adapter == "" || req.UserWallet == "" {
		writeError(w, http.StatusBadRequest, "adapter and user_wallet are required")
		return
	}

	account, err := h.orch.OnboardAdapter(r.Context(), req.Adapter, req.UserWallet, req.NFTID)
	if err != nil {
		h.logger.Warn("adapter onboard failed", zap.String("adapter", req.Adapter), zap.Error(err))
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"account": account})
}
