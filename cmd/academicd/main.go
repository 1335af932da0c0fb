// academicd is the academic records resource server. It holds no passwords
// and mints no tokens: login rides the identity provider's authorization
// flow, and every API request is checked against the token service through
// the session bridge.
package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"ssod/bridge"
	"ssod/client"
)

type config struct {
	ListenAddr    string `env:"LISTEN_ADDR" envDefault:":5001"`
	PublicURL     string `env:"PUBLIC_URL" envDefault:"https://academic.localhost:5001"`
	AuthServerURL string `env:"AUTH_SERVER_URL" envDefault:"https://localhost:5000"`
	ClientID      string `env:"CLIENT_ID" envDefault:"academic-api"`
	ClientSecret  string `env:"CLIENT_SECRET" envDefault:"academic-secret"`
	CACertFile    string `env:"CA_CERT_PATH"`
	TLSCertFile   string `env:"TLS_CERT_PATH"`
	TLSKeyFile    string `env:"TLS_KEY_PATH"`
	CookieName    string `env:"SESSION_COOKIE" envDefault:"academic_session"`
}

type course struct {
	Code    string `json:"code"`
	Title   string `json:"title"`
	Credits int    `json:"credits"`
}

type grade struct {
	Subject string `json:"subject"`
	Course  string `json:"course"`
	Grade   string `json:"grade"`
}

type app struct {
	logger  *slog.Logger
	courses []course
	grades  []grade
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("parse config: %v", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "academicd")

	tokens, err := client.New(client.Config{
		BaseURL:      cfg.AuthServerURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		CACertFile:   cfg.CACertFile,
	})
	if err != nil {
		log.Fatalf("token client: %v", err)
	}

	sessions, err := bridge.New(bridge.Options{
		SiteName:     "academic",
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.PublicURL + "/session/callback",
		CookieName:   cfg.CookieName,
		Secure:       cfg.TLSCertFile != "",
		Tokens:       tokens,
		Logger:       logger,
	})
	if err != nil {
		log.Fatalf("session bridge: %v", err)
	}

	a := &app{
		logger: logger,
		courses: []course{
			{Code: "CS101", Title: "Introduction to Computer Science", Credits: 6},
			{Code: "MA201", Title: "Linear Algebra", Credits: 5},
			{Code: "CS310", Title: "Distributed Systems", Credits: 7},
		},
		grades: []grade{
			{Subject: "alice", Course: "CS101", Grade: "A"},
			{Subject: "alice", Course: "MA201", Grade: "B+"},
			{Subject: "bob", Course: "CS101", Grade: "B"},
		},
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)
	r.Get("/session/login", sessions.HandleLogin)
	r.Get("/session/callback", sessions.HandleCallback)
	r.Post("/session/logout", sessions.HandleLogout)
	r.Group(func(r chi.Router) {
		r.Use(sessions.RequireIdentity)
		r.Get("/api/courses", a.handleCourses)
		r.Get("/api/grades", a.handleGrades)
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.ListenAddr, "tls", cfg.TLSCertFile != "")
		var err error
		if cfg.TLSCertFile != "" {
			err = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// handleCourses lists the catalog for any authenticated user.
func (a *app) handleCourses(w http.ResponseWriter, r *http.Request) {
	identity, _ := bridge.IdentityFromContext(r.Context())
	writeJSON(w, map[string]any{"subject": identity.Subject, "courses": a.courses})
}

// handleGrades returns the caller's own grades; teachers and admins see the
// whole register.
func (a *app) handleGrades(w http.ResponseWriter, r *http.Request) {
	identity, _ := bridge.IdentityFromContext(r.Context())

	visible := a.grades
	if identity.Role != "teacher" && identity.Role != "admin" {
		visible = nil
		for _, g := range a.grades {
			if g.Subject == identity.Subject {
				visible = append(visible, g)
			}
		}
	}
	writeJSON(w, map[string]any{"subject": identity.Subject, "role": identity.Role, "grades": visible})
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok", "service": "academicd"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
