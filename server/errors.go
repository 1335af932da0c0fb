package server

import "errors"

// Protocol errors. Handlers translate these to wire error codes; nothing
// below the HTTP layer formats user-facing messages.
var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrCertificateMismatch = errors.New("certificate mismatch")
	ErrNoSession           = errors.New("no active session")
	ErrUnknownClient       = errors.New("unknown client")
	ErrRedirectMismatch    = errors.New("redirect_uri mismatch")
	ErrScopeNotAllowed     = errors.New("scope not allowed")
	ErrInvalidCode         = errors.New("authorization code invalid")
	ErrClientAuthFailed    = errors.New("client authentication failed")
	ErrTokenExpired        = errors.New("access token expired")
	ErrTokenUnknown        = errors.New("access token unknown")
	ErrRefreshExpired      = errors.New("refresh token expired")
	ErrRefreshUnknown      = errors.New("refresh token unknown")
	ErrRefreshReplayed     = errors.New("refresh token replayed")
	ErrUserExists          = errors.New("user already exists")
)
