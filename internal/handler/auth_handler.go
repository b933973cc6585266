package handler

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"p8fs-auth/internal/domain"
	"p8fs-auth/internal/middleware"
	"p8fs-auth/internal/service"
	"p8fs-auth/pkg/response"

	"github.com/go-playground/validator/v10"
)

const DevTokenHeader = "X-Dev-Token"

type AuthHandler struct {
	registration *service.RegistrationService
	tokens       *service.TokenService
	devToken     string
	validator    *validator.Validate
}

func NewAuthHandler(registration *service.RegistrationService, tokens *service.TokenService, devToken string) *AuthHandler {
	return &AuthHandler{
		registration: registration,
		tokens:       tokens,
		devToken:     devToken,
		validator:    validator.New(),
	}
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := h.registration.Register(r.Context(), &req)
	if err != nil {
		writeError(w, "register", err)
		return
	}

	response.Accepted(w, resp)
}

func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req domain.VerifyRequest
	if !h.decode(w, r, &req) {
		return
	}

	grant, err := h.registration.Verify(r.Context(), &req)
	if err != nil {
		writeError(w, "verify", err)
		return
	}

	response.Success(w, grant)
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req domain.RefreshTokenRequest
	if !h.decode(w, r, &req) {
		return
	}

	grant, err := h.tokens.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, "refresh", err)
		return
	}

	response.Success(w, grant)
}

// DevRegister skips the emailed code for callers holding the development
// token. It is unreachable when no token is configured.
func (h *AuthHandler) DevRegister(w http.ResponseWriter, r *http.Request) {
	got := r.Header.Get(DevTokenHeader)
	if h.devToken == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.devToken)) != 1 {
		response.NotFound(w, "not_found")
		return
	}

	var req domain.RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}

	grant, err := h.registration.DevRegister(r.Context(), &req)
	if err != nil {
		writeError(w, "dev register", err)
		return
	}

	response.Success(w, grant)
}

func (h *AuthHandler) AddEmail(w http.ResponseWriter, r *http.Request) {
	var req domain.AddEmailRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := h.registration.StartEmailAdd(r.Context(), middleware.GetCaller(r), &req)
	if err != nil {
		writeError(w, "add email", err)
		return
	}

	response.Accepted(w, resp)
}

func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req domain.VerifyEmailRequest
	if !h.decode(w, r, &req) {
		return
	}

	tenant, err := h.registration.VerifyEmailAdd(r.Context(), middleware.GetCaller(r), &req)
	if err != nil {
		writeError(w, "verify email", err)
		return
	}

	response.Success(w, map[string]interface{}{
		"tenant_id": tenant.ID,
		"emails":    tenant.Emails,
	})
}

func (h *AuthHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	var req domain.RotateKeyRequest
	if !h.decode(w, r, &req) {
		return
	}

	device, err := h.registration.RotateKey(r.Context(), middleware.GetCaller(r), &req)
	if err != nil {
		writeError(w, "rotate key", err)
		return
	}

	response.Success(w, device.ToResponse())
}

// JWKS publishes the access-token verification key.
func (h *AuthHandler) JWKS(w http.ResponseWriter, r *http.Request) {
	response.Raw(w, http.StatusOK, map[string]interface{}{
		"keys": []map[string]string{h.tokens.JWK()},
	})
}

func (h *AuthHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		response.BadRequest(w, "Invalid request body")
		return false
	}
	if err := h.validator.Struct(v); err != nil {
		response.BadRequest(w, err.Error())
		return false
	}
	return true
}
