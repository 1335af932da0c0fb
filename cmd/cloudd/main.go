// cloudd is the cloud drive resource server. Like academicd it delegates
// all authentication to the identity provider through the session bridge;
// writes additionally require the files.write scope on the access token.
package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"ssod/bridge"
	"ssod/client"
)

type config struct {
	ListenAddr    string `env:"LISTEN_ADDR" envDefault:":5002"`
	PublicURL     string `env:"PUBLIC_URL" envDefault:"https://cloud.localhost:5002"`
	AuthServerURL string `env:"AUTH_SERVER_URL" envDefault:"https://localhost:5000"`
	ClientID      string `env:"CLIENT_ID" envDefault:"cloud-api"`
	ClientSecret  string `env:"CLIENT_SECRET" envDefault:"cloud-secret"`
	CACertFile    string `env:"CA_CERT_PATH"`
	TLSCertFile   string `env:"TLS_CERT_PATH"`
	TLSKeyFile    string `env:"TLS_KEY_PATH"`
	CookieName    string `env:"SESSION_COOKIE" envDefault:"cloud_session"`
}

type file struct {
	Name      string    `json:"name"`
	Owner     string    `json:"owner"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// drive is a per-subject in-memory file listing.
type drive struct {
	mu    sync.RWMutex
	files map[string][]file
}

type app struct {
	logger *slog.Logger
	drive  drive
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("parse config: %v", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "cloudd")

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
		SiteName:     "cloud",
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

	a := &app{logger: logger, drive: drive{files: make(map[string][]file)}}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)
	r.Get("/session/login", sessions.HandleLogin)
	r.Get("/session/callback", sessions.HandleCallback)
	r.Post("/session/logout", sessions.HandleLogout)
	r.Group(func(r chi.Router) {
		r.Use(sessions.RequireIdentity)
		r.Get("/api/files", a.handleListFiles)
		r.Post("/api/files", a.handleCreateFile)
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

func (a *app) handleListFiles(w http.ResponseWriter, r *http.Request) {
	identity, _ := bridge.IdentityFromContext(r.Context())

	a.drive.mu.RLock()
	files := append([]file(nil), a.drive.files[identity.Subject]...)
	a.drive.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{"subject": identity.Subject, "files": files})
}

type createFileRequest struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

func (a *app) handleCreateFile(w http.ResponseWriter, r *http.Request) {
	identity, _ := bridge.IdentityFromContext(r.Context())
	if !hasScope(identity.Scope, "files.write") {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "insufficient_scope"})
		return
	}

	var req createFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	f := file{Name: req.Name, Owner: identity.Subject, Size: req.Size, CreatedAt: time.Now().UTC()}
	a.drive.mu.Lock()
	a.drive.files[identity.Subject] = append(a.drive.files[identity.Subject], f)
	a.drive.mu.Unlock()

	a.logger.Info("file created", "subject", identity.Subject, "name", f.Name)
	writeJSON(w, http.StatusCreated, f)
}

func hasScope(scope, want string) bool {
	for _, s := range strings.Fields(scope) {
		if s == want {
			return true
		}
	}
	return false
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "cloudd"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
