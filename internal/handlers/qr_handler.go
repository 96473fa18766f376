package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/kudoshq/backend/internal/services"
)

type QRHandler struct {
	service   *services.QRService
	ledger    *services.LedgerService
	validator *services.ValidationHelper
}

func NewQRHandler(service *services.QRService, ledger *services.LedgerService) *QRHandler {
	return &QRHandler{
		service:   service,
		ledger:    ledger,
		validator: services.NewValidationHelper(),
	}
}

// GenerateQR generates a transfer-request QR code
// @Summary Generate transfer QR
// @Description Generate a single-use QR code asking for a point transfer to the authenticated user
// @Tags QR
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{amount=int64} true "Requested amount"
// @Success 200 {object} object{code=string,qrImage=string}
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Router /transfer/qr [post]
func (h *QRHandler) GenerateQR(w http.ResponseWriter, r *http.Request) {
	username, ok := r.Context().Value("username").(string)
	if !ok || username == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		Amount int64 `json:"amount" validate:"required,gt=0"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	code, qrImage, err := h.service.GenerateTransferCode(r.Context(), username, req.Amount)
	if err != nil {
		log.Printf("[QR] Failed to generate transfer code for %s: %v", username, err)
		if errors.Is(err, services.ErrTransferCodesUnavailable) {
			services.SendErrorResponse(w, "Transfer codes temporarily unavailable", http.StatusServiceUnavailable, nil)
			return
		}
		services.SendErrorResponse(w, "Failed to generate transfer code", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"code":    code,
		"qrImage": qrImage,
	})
}

// RedeemQR redeems a scanned transfer-request code
// @Summary Redeem transfer QR
// @Description Consume a scanned code and transfer the requested points from the authenticated user
// @Tags QR
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{code=string} true "Scanned code"
// @Success 201 {object} models.Receipt
// @Failure 400 {object} services.ErrorResponse
// @Failure 403 {object} services.ErrorResponse
// @Router /transfer/qr/redeem [post]
func (h *QRHandler) RedeemQR(w http.ResponseWriter, r *http.Request) {
	username, ok := r.Context().Value("username").(string)
	if !ok || username == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		Code string `json:"code" validate:"required"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	payload, err := h.service.RedeemTransferCode(r.Context(), req.Code)
	if err != nil {
		if errors.Is(err, services.ErrTransferCodesUnavailable) {
			services.SendErrorResponse(w, "Transfer codes temporarily unavailable", http.StatusServiceUnavailable, nil)
			return
		}
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	receipt, err := h.ledger.Transfer(r.Context(), username, payload.To, payload.Amount)
	if err != nil {
		log.Printf("[QR] Redeemed transfer from %s to %s failed: %v", username, payload.To, err)
		switch {
		case errors.Is(err, services.ErrInsufficientFunds):
			h.restoreCode(r.Context(), req.Code, payload)
			services.SendErrorResponse(w, err.Error(), http.StatusForbidden, nil)
		case errors.Is(err, services.ErrAccountDisabled):
			services.SendErrorResponse(w, err.Error(), http.StatusForbidden, nil)
		case errors.Is(err, services.ErrSelfTransfer):
			h.restoreCode(r.Context(), req.Code, payload)
			services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		case errors.Is(err, services.ErrAccountNotFound):
			services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		default:
			services.SendErrorResponse(w, "Failed to process transfer", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"receipt": receipt,
	})
}

// restoreCode puts a consumed code back so the payer can scan again after a
// failure they can correct. Best effort: losing the code on a Redis error
// here is the same outcome as not restoring at all.
func (h *QRHandler) restoreCode(ctx context.Context, code string, payload *services.TransferCode) {
	if err := h.service.RestoreTransferCode(ctx, code, payload); err != nil {
		log.Printf("[QR] Failed to restore transfer code: %v", err)
	}
}
