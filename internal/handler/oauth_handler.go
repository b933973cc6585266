package handler

import (
	"net/http"
	"strings"

	"p8fs-auth/internal/domain"
	"p8fs-auth/internal/middleware"
	"p8fs-auth/internal/service"
	"p8fs-auth/pkg/response"

	"github.com/go-playground/validator/v10"
)

const DeviceCodeGrantType = "urn:ietf:params:oauth:grant-type:device_code"

// OAuthHandler serves the device authorization grant. Requests are form
// encoded; responses use the bare OAuth bodies.
type OAuthHandler struct {
	pairing   *service.PairingService
	validator *validator.Validate
}

func NewOAuthHandler(pairing *service.PairingService) *OAuthHandler {
	return &OAuthHandler{
		pairing:   pairing,
		validator: validator.New(),
	}
}

func (h *OAuthHandler) DeviceCode(w http.ResponseWriter, r *http.Request) {
	if !parseForm(w, r) {
		return
	}

	req := domain.DeviceCodeRequest{
		ClientID:   r.PostFormValue("client_id"),
		Scope:      r.PostFormValue("scope"),
		DeviceName: r.PostFormValue("device_name"),
		DeviceType: r.PostFormValue("device_type"),
		Platform:   r.PostFormValue("platform"),
	}
	if err := h.validator.Struct(req); err != nil {
		response.OAuth(w, http.StatusBadRequest, "invalid_request", "client_id is required")
		return
	}

	resp, err := h.pairing.CreateDeviceSession(r.Context(), &req)
	if err != nil {
		writeOAuthError(w, "device code", err)
		return
	}

	response.Raw(w, http.StatusOK, resp)
}

// SessionDetails lets an approving device see what it is about to approve.
func (h *OAuthHandler) SessionDetails(w http.ResponseWriter, r *http.Request) {
	userCode := r.URL.Query().Get("user_code")
	if userCode == "" {
		response.OAuth(w, http.StatusBadRequest, "invalid_request", "user_code is required")
		return
	}

	details, err := h.pairing.GetSessionDetails(r.Context(), userCode, middleware.GetCaller(r))
	if err != nil {
		writeOAuthError(w, "session details", err)
		return
	}

	response.Raw(w, http.StatusOK, details)
}

// Approve accepts either a signed approval from an authenticated device or
// a single-use API key.
func (h *OAuthHandler) Approve(w http.ResponseWriter, r *http.Request) {
	if !parseForm(w, r) {
		return
	}

	userCode := r.PostFormValue("user_code")
	if userCode == "" {
		response.OAuth(w, http.StatusBadRequest, "invalid_request", "user_code is required")
		return
	}

	var err error
	if caller := middleware.GetCaller(r); caller != nil {
		signature := r.PostFormValue("signature")
		if signature == "" {
			response.OAuth(w, http.StatusBadRequest, "invalid_request", "signature is required")
			return
		}
		err = h.pairing.Approve(r.Context(), userCode, signature, r.PostFormValue("encrypted_metadata"), caller)
	} else {
		apiKey := r.PostFormValue("api_key")
		if apiKey == "" {
			response.OAuth(w, http.StatusUnauthorized, "access_denied", "authorization or api_key is required")
			return
		}
		err = h.pairing.ApproveWithAPIKey(r.Context(), userCode, apiKey)
	}
	if err != nil {
		writeOAuthError(w, "approve", err)
		return
	}

	response.Raw(w, http.StatusOK, map[string]string{"status": string(domain.DeviceSessionApproved)})
}

func (h *OAuthHandler) Deny(w http.ResponseWriter, r *http.Request) {
	if !parseForm(w, r) {
		return
	}

	if err := h.pairing.Deny(r.Context(), r.PostFormValue("user_code"), middleware.GetCaller(r)); err != nil {
		writeOAuthError(w, "deny", err)
		return
	}

	response.Raw(w, http.StatusOK, map[string]string{"status": string(domain.DeviceSessionDenied)})
}

func (h *OAuthHandler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	if !parseForm(w, r) {
		return
	}

	key, err := h.pairing.CreateAPIKey(r.Context(), r.PostFormValue("user_code"), middleware.GetCaller(r))
	if err != nil {
		writeOAuthError(w, "api key", err)
		return
	}

	response.Raw(w, http.StatusOK, key)
}

// Token is the device-code token endpoint. A pending session answers
// 400 authorization_pending.
func (h *OAuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	if !parseForm(w, r) {
		return
	}

	if grantType := r.PostFormValue("grant_type"); grantType != DeviceCodeGrantType {
		response.OAuth(w, http.StatusBadRequest, "unsupported_grant_type", "")
		return
	}
	deviceCode := r.PostFormValue("device_code")
	if deviceCode == "" {
		response.OAuth(w, http.StatusBadRequest, "invalid_request", "device_code is required")
		return
	}

	grant, err := h.pairing.PollToken(r.Context(), deviceCode, r.PostFormValue("client_id"))
	if err != nil {
		writeOAuthError(w, "token", err)
		return
	}

	response.Raw(w, http.StatusOK, grant)
}

func parseForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
		response.OAuth(w, http.StatusBadRequest, "invalid_request", "expected application/x-www-form-urlencoded")
		return false
	}
	if err := r.ParseForm(); err != nil {
		response.OAuth(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return false
	}
	return true
}
