package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kudoshq/backend/internal/services"
)

type AccountHandler struct {
	accounts *services.AccountService
}

func NewAccountHandler(accounts *services.AccountService) *AccountHandler {
	return &AccountHandler{accounts: accounts}
}

// DisableAccount soft-disables an account
// @Summary Disable account
// @Description Soft-disable a user account; privileged callers only. The account, its balance, and its ledger history are kept.
// @Tags accounts
// @Produce json
// @Security BearerAuth
// @Param username path string true "Account username"
// @Success 200 {object} map[string]string
// @Failure 403 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /accounts/{username}/disable [put]
func (h *AccountHandler) DisableAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	caller, err := h.accounts.ResolveAccountByID(r.Context(), userID)
	if err != nil {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	if caller.Disabled {
		services.SendErrorResponse(w, "Account disabled", http.StatusForbidden, nil)
		return
	}

	if !caller.Privileged {
		services.SendErrorResponse(w, "Only privileged accounts may disable users", http.StatusForbidden, nil)
		return
	}

	username := chi.URLParam(r, "username")
	if err := h.accounts.DisableAccount(r.Context(), username); err != nil {
		if errors.Is(err, services.ErrAccountNotFound) {
			services.SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[ACCOUNT] Failed to disable %s: %v", username, err)
		services.SendErrorResponse(w, "Failed to disable account", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Account disabled"})
}
