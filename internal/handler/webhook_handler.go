package handler

import (
	"encoding/json"
	"net/http"

	"p8fs-auth/internal/domain"
	"p8fs-auth/internal/service"
	"p8fs-auth/pkg/response"
)

// WebhookHandler answers the storage gateway's per-request authorization
// callback.
type WebhookHandler struct {
	validator *service.WebhookValidator
}

func NewWebhookHandler(validator *service.WebhookValidator) *WebhookHandler {
	return &WebhookHandler{validator: validator}
}

func (h *WebhookHandler) ValidateS3(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 256<<10)
	var req domain.ValidationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Raw(w, http.StatusBadRequest, domain.ValidationResult{Valid: false})
		return
	}

	result := h.validator.Validate(r.Context(), &req)
	status := http.StatusOK
	if !result.Valid {
		status = http.StatusForbidden
	}
	response.Raw(w, status, result)
}
