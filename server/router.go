package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router for the identity provider.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.Server.CORS))
	r.Use(SecurityHeadersMiddleware)

	r.Get("/health", a.handleHealth)
	r.Get("/.well-known/jwks.json", a.handleJWKS)
	r.Handle("/metrics", a.Metrics.Handler())

	r.Post("/auth/register", a.handleRegister)
	r.Post("/auth/login", a.handleLogin)
	r.Post("/auth/logout", a.handleLogout)
	r.Get("/auth/authorize", a.handleAuthorize)
	r.Post("/auth/token", a.handleToken)
	r.Post("/auth/validate", a.handleValidate)
	r.Post("/auth/revoke", a.handleRevoke)

	return r
}
