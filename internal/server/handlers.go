package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/havenapp/authgate/internal/authstore"
	"github.com/havenapp/authgate/internal/config"
	"github.com/havenapp/authgate/internal/gate"
	"github.com/havenapp/authgate/internal/identity"
	"github.com/havenapp/authgate/internal/resolver"
)

// landingHandler serves the auth landing endpoints. Each request gets
// its own gate controller; the identity gateway, session store, and
// exchange dedup are shared across requests.
type landingHandler struct {
	gateway  identity.Gateway
	sessions *authstore.Store
	resolver *resolver.Resolver
	profiles gate.ProfileEvaluator
	policies *config.PolicyStore
	routes   gate.Routes
	version  string
	logger   *slog.Logger
}

// handleLanding runs the landing flow for one request. The request URI
// carries the auth material (query code, fragment tokens relayed as
// query by the landing script, or OTP token). The controller either
// issues a redirect through the response writer or leaves a terminal
// error for renderError.
func (h *landingHandler) handleLanding(w http.ResponseWriter, r *http.Request) {
	policy := h.policies.Get()

	nav := &redirectNavigator{w: w, r: r}

	ctrl := gate.New(gate.Config{
		Resolver: h.resolver.WithPolicy(resolver.Policy{
			SettleDelay:        policy.SettleDelay,
			SettleRecheckDelay: policy.SettleRecheckDelay,
			MaxAttempts:        policy.RecoveryAttempts,
			BackoffBase:        policy.BackoffBase,
			BackoffCap:         policy.BackoffCap,
		}),
		Profiles:  h.profiles,
		Sessions:  h.gateway,
		Navigator: nav,
		Routes:    h.routes,
		Policy: gate.Policy{
			EstablishTimeout: policy.EstablishTimeout,
			RedirectDelay:    policy.RedirectDelay,
		},
		Logger: h.logger,
	})

	outcome := ctrl.Run(r.Context(), landingLocation(r))

	if r.Context().Err() != nil || nav.wrote {
		return
	}

	if outcome.State == gate.StateError {
		h.renderError(w, outcome.ErrorKind)
	}
}

// landingLocation rebuilds the browser's landing location from the
// request. Browsers never send the URL fragment, so the landing script
// relays window.location.hash in the "fragment" query parameter; it is
// restored here to its original position before extraction.
func landingLocation(r *http.Request) string {
	u := *r.URL

	q := u.Query()
	if frag := q.Get("fragment"); frag != "" {
		q.Del("fragment")
		u.RawQuery = q.Encode()
		u.Fragment = frag
	}

	return u.String()
}

// renderError writes the terminal failure as JSON. Messages are fixed
// per kind; provider error text never reaches the response.
func (h *landingHandler) renderError(w http.ResponseWriter, kind gate.ErrorKind) {
	var (
		status  int
		message string
	)

	switch kind {
	case gate.ErrorVerificationFailed:
		status = http.StatusBadRequest
		message = "The verification link is invalid or has expired. Request a new one and try again."
	case gate.ErrorNoSession:
		status = http.StatusUnauthorized
		message = "We could not establish your session. Please sign in again."
	case gate.ErrorProfileFetchFailed:
		status = http.StatusBadGateway
		message = "We could not load your profile. Please try again."
	default:
		status = http.StatusInternalServerError
		message = "Something went wrong. Please try again."
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":       string(kind),
		"message":     message,
		"sign_in_url": h.routes.SignIn,
	})
}

// handleStatus reports the current policy knobs and session store
// state for operators.
func (h *landingHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	policy := h.policies.Get()

	resp := map[string]any{
		"version":         h.version,
		"session_present": h.sessions.Session() != nil,
		"policy": map[string]any{
			"settle_delay":         policy.SettleDelay.String(),
			"settle_recheck_delay": policy.SettleRecheckDelay.String(),
			"recovery_attempts":    policy.RecoveryAttempts,
			"backoff_base":         policy.BackoffBase.String(),
			"backoff_cap":          policy.BackoffCap.String(),
			"establish_timeout":    policy.EstablishTimeout.String(),
			"redirect_delay":       policy.RedirectDelay.String(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// redirectNavigator performs the navigation as an HTTP 302. The gate
// controller guarantees at most one call.
type redirectNavigator struct {
	w     http.ResponseWriter
	r     *http.Request
	wrote bool
}

func (n *redirectNavigator) Navigate(target string) error {
	n.wrote = true
	http.Redirect(n.w, n.r, target, http.StatusFound)

	return nil
}
