package handler

import (
	"errors"
	"log"
	"net/http"

	"p8fs-auth/internal/domain"
	"p8fs-auth/pkg/response"
)

// writeError maps service errors onto the JSON API. Lookup misses and
// failed proofs share one code so responses do not reveal which emails or
// codes exist.
func writeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrExpired),
		errors.Is(err, domain.ErrInvalidSignature),
		errors.Is(err, domain.ErrInvalidCode):
		response.Unauthorized(w, "verification_failed")
	case errors.Is(err, domain.ErrLockedOut), errors.Is(err, domain.ErrRateLimited):
		response.TooManyRequests(w, "too_many_attempts")
	case errors.Is(err, domain.ErrInvalidGrant):
		response.Unauthorized(w, "invalid_grant")
	case errors.Is(err, domain.ErrUnauthorized):
		response.Forbidden(w, "forbidden")
	case errors.Is(err, domain.ErrSessionExpired):
		response.Unauthorized(w, "session_expired")
	case errors.Is(err, domain.ErrDuplicatePending):
		response.ErrorWithMessage(w, http.StatusConflict, "pending", "A code was already sent; wait for it to expire")
	case errors.Is(err, domain.ErrInvalidKey):
		response.BadRequest(w, "invalid_public_key")
	default:
		log.Printf("[Handler] %s failed: %v", op, err)
		response.InternalError(w, "internal_error")
	}
}

// writeNotFound is writeError for resources addressed by id, where a miss
// is an ordinary 404.
func writeNotFound(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		response.NotFound(w, "not_found")
		return
	}
	writeError(w, op, err)
}

// writeOAuthError answers device-grant endpoints with RFC 8628 codes.
func writeOAuthError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrAuthorizationPending):
		response.OAuth(w, http.StatusBadRequest, "authorization_pending", "")
	case errors.Is(err, domain.ErrSlowDown):
		response.OAuth(w, http.StatusBadRequest, "slow_down", "")
	case errors.Is(err, domain.ErrAccessDenied):
		response.OAuth(w, http.StatusBadRequest, "access_denied", "The request was denied")
	case errors.Is(err, domain.ErrExpiredToken):
		response.OAuth(w, http.StatusBadRequest, "expired_token", "The device code has expired")
	case errors.Is(err, domain.ErrInvalidGrant):
		response.OAuth(w, http.StatusBadRequest, "invalid_grant", "")
	case errors.Is(err, domain.ErrInvalidClient):
		response.OAuth(w, http.StatusUnauthorized, "invalid_client", "")
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrExpired):
		response.OAuth(w, http.StatusNotFound, "invalid_user_code", "Unknown or expired user code")
	case errors.Is(err, domain.ErrAlreadyDecided):
		response.OAuth(w, http.StatusConflict, "already_decided", "The request was already approved or denied")
	case errors.Is(err, domain.ErrInvalidSignature), errors.Is(err, domain.ErrUnauthorized):
		response.OAuth(w, http.StatusUnauthorized, "access_denied", "")
	case errors.Is(err, domain.ErrAPIKeyDisabled):
		response.OAuth(w, http.StatusForbidden, "unsupported_approval", "API key approval is disabled")
	default:
		log.Printf("[OAuth] %s failed: %v", op, err)
		response.OAuth(w, http.StatusInternalServerError, "server_error", "")
	}
}
