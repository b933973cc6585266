package handler

import (
	"net/http"

	"p8fs-auth/internal/middleware"
	"p8fs-auth/internal/service"
	"p8fs-auth/pkg/response"

	"github.com/gorilla/mux"
)

type CredentialHandler struct {
	service *service.CredentialService
}

func NewCredentialHandler(service *service.CredentialService) *CredentialHandler {
	return &CredentialHandler{service: service}
}

func (h *CredentialHandler) GetS3(w http.ResponseWriter, r *http.Request) {
	creds, err := h.service.GetS3Credentials(r.Context(), middleware.GetCaller(r))
	if err != nil {
		writeError(w, "s3 credentials", err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	response.Success(w, creds)
}

func (h *CredentialHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	if sessionID == "" {
		response.BadRequest(w, "Session ID is required")
		return
	}

	if err := h.service.DeleteSession(r.Context(), middleware.GetCaller(r), sessionID); err != nil {
		writeNotFound(w, "delete credential session", err)
		return
	}

	response.Success(w, map[string]string{"message": "Credential session deleted"})
}
