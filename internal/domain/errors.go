package domain

import "errors"

// Failure taxonomy shared by services and handlers. Handlers decide which of
// these collapse into one client-visible code so that lookups cannot be used
// to enumerate registered identities.
var (
	ErrNotFound             = errors.New("not found")
	ErrExpired              = errors.New("expired")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrInvalidCode          = errors.New("invalid code")
	ErrLockedOut            = errors.New("too many attempts")
	ErrInvalidGrant         = errors.New("invalid grant")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrRateLimited          = errors.New("rate limited")
	ErrAlreadyDecided       = errors.New("session already decided")
	ErrDuplicatePending     = errors.New("registration already pending")
	ErrInvalidKey           = errors.New("invalid public key")
	ErrAuthorizationPending = errors.New("authorization pending")
	ErrSlowDown             = errors.New("slow down")
	ErrAccessDenied         = errors.New("access denied")
	ErrExpiredToken         = errors.New("expired token")
	ErrSessionExpired       = errors.New("credential session expired")
	ErrAPIKeyDisabled       = errors.New("api key approval disabled")
	ErrInvalidClient        = errors.New("invalid client")
	ErrInvalidState         = errors.New("invalid state transition")

	// ErrConflict is returned by repositories when a compare-and-swap loses.
	ErrConflict = errors.New("concurrent modification")
)
