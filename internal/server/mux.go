// Package server provides HTTP server construction for authgate.
package server

import (
	"log/slog"
	"net/http"

	"github.com/havenapp/authgate/internal/authstore"
	"github.com/havenapp/authgate/internal/config"
	"github.com/havenapp/authgate/internal/gate"
	"github.com/havenapp/authgate/internal/identity"
	"github.com/havenapp/authgate/internal/resolver"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Gateway     identity.Gateway
	Sessions    *authstore.Store
	Resolver    *resolver.Resolver
	Profiles    gate.ProfileEvaluator
	Policies    *config.PolicyStore
	Routes      gate.Routes
	StatusUsers []config.StatusCredential
	Version     string
	Logger      *slog.Logger
}

// NewMux builds the HTTP mux with the landing endpoints and the
// operator status endpoint. The status endpoint is protected by basic
// auth when credentials are configured, and disabled otherwise.
func NewMux(cfg MuxConfig) *http.ServeMux {
	h := &landingHandler{
		gateway:  cfg.Gateway,
		sessions: cfg.Sessions,
		resolver: cfg.Resolver,
		profiles: cfg.Profiles,
		policies: cfg.Policies,
		routes:   cfg.Routes,
		version:  cfg.Version,
		logger:   cfg.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth/verify", h.handleLanding)
	mux.HandleFunc("GET /auth/onboarding", h.handleLanding)
	mux.HandleFunc("GET /healthz", handleHealth)

	status := BasicAuthMiddleware(cfg.StatusUsers, cfg.Logger)
	mux.Handle("GET /internal/status", status(http.HandlerFunc(h.handleStatus)))

	return mux
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
