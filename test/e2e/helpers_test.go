package e2e_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/havenapp/authgate/internal/authstore"
	"github.com/havenapp/authgate/internal/config"
	"github.com/havenapp/authgate/internal/gate"
	"github.com/havenapp/authgate/internal/identity"
	"github.com/havenapp/authgate/internal/profile"
	"github.com/havenapp/authgate/internal/resolver"
	"github.com/havenapp/authgate/internal/server"
)

const (
	anonKey      = "e2e-anon-key"
	statusUser   = "ops"
	statusPass   = "e2e-status-password"
	signingKey   = "e2e-signing-key"
	routeSignIn  = "https://app.example.com/sign-in"
	routeOnboard = "https://app.example.com/onboarding"
	routeHome    = "https://app.example.com/app"
)

// identityStub fakes the GoTrue-style identity service. Codes, OTP
// hashes, and refresh tokens are registered before the request under
// test fires, so no locking is needed.
type identityStub struct {
	// Codes maps authorization codes to user IDs.
	Codes map[string]string
	// OTPs maps token hashes to user IDs.
	OTPs map[string]string
	// Refreshes maps refresh tokens to user IDs.
	Refreshes map[string]string
}

func (s *identityStub) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			AuthCode     string `json:"auth_code"`
			RefreshToken string `json:"refresh_token"`
		}
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &req))

		switch r.URL.Query().Get("grant_type") {
		case "pkce":
			s.grant(t, w, s.Codes[req.AuthCode])
		case "refresh_token":
			s.grant(t, w, s.Refreshes[req.RefreshToken])
		default:
			writeIdentityError(w, http.StatusBadRequest, "unsupported grant type")
		}
	})

	mux.HandleFunc("POST /verify", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Token string `json:"token"`
			Type  string `json:"type"`
		}
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &req))

		s.grant(t, w, s.OTPs[req.Token])
	})

	return mux
}

// grant answers with a full token response for the user, or a 400 when
// the presented credential was never registered.
func (s *identityStub) grant(t *testing.T, w http.ResponseWriter, userID string) {
	if userID == "" {
		writeIdentityError(w, http.StatusBadRequest, "invalid grant: code has expired")
		return
	}

	resp := map[string]any{
		"access_token":  signedToken(t, userID, time.Now().Add(time.Hour)),
		"refresh_token": "refresh-" + userID,
		"token_type":    "bearer",
		"expires_in":    3600,
		"user":          map[string]string{"id": userID},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeIdentityError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"msg": msg})
}

// profileStub fakes the profile API: GET /profiles/{id} serves the
// registered raw row or a 404.
type profileStub struct {
	// Rows maps user IDs to raw profile JSON.
	Rows map[string]string
}

func (s *profileStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /profiles/{id}", func(w http.ResponseWriter, r *http.Request) {
		row, ok := s.Rows[r.PathValue("id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(row))
	})

	return mux
}

// harness holds the full e2e stack: a real HTTP server built by
// server.NewMux over the real identity client, resolver, profile gate,
// and bbolt session store, backed by stub upstream services.
type harness struct {
	URL      string
	Client   *http.Client
	Identity *identityStub
	Profiles *profileStub
	Sessions *authstore.Store
}

// fastPolicy keeps the real-clock flows quick while preserving the
// production shape: a settle delay, three ladder attempts, a backoff
// ramp, and an establish timer that dwarfs all of them.
func fastPolicy() config.Policy {
	return config.Policy{
		SettleDelay:        5 * time.Millisecond,
		SettleRecheckDelay: 10 * time.Millisecond,
		RecoveryAttempts:   3,
		BackoffBase:        time.Millisecond,
		BackoffCap:         5 * time.Millisecond,
		EstablishTimeout:   2 * time.Second,
		RedirectDelay:      0,
	}
}

// newHarness wires stub identity and profile upstreams, a temp bbolt
// store, and the full authgate mux, and starts an httptest server. The
// returned client does not follow redirects so tests can assert on the
// 302 itself.
func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	idStub := &identityStub{
		Codes:     map[string]string{},
		OTPs:      map[string]string{},
		Refreshes: map[string]string{},
	}
	idSrv := httptest.NewServer(idStub.handler(t))
	t.Cleanup(idSrv.Close)

	profStub := &profileStub{Rows: map[string]string{}}
	profSrv := httptest.NewServer(profStub.handler())
	t.Cleanup(profSrv.Close)

	store, err := authstore.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	gateway := identity.NewClient(nil, idSrv.URL, anonKey, store, logger)

	policy := fastPolicy()
	res := resolver.New(gateway, store, resolver.Policy{
		SettleDelay:        policy.SettleDelay,
		SettleRecheckDelay: policy.SettleRecheckDelay,
		MaxAttempts:        policy.RecoveryAttempts,
		BackoffBase:        policy.BackoffBase,
		BackoffCap:         policy.BackoffCap,
	}, logger)

	profiles := profile.NewGate(profile.NewHTTPStore(nil, profSrv.URL, anonKey), logger)

	hash, err := bcrypt.GenerateFromPassword([]byte(statusPass), bcrypt.MinCost)
	require.NoError(t, err)

	mux := server.NewMux(server.MuxConfig{
		Gateway:     gateway,
		Sessions:    store,
		Resolver:    res,
		Profiles:    profiles,
		Policies:    config.NewPolicyStore(policy),
		Routes:      gate.Routes{SignIn: routeSignIn, Onboarding: routeOnboard, Home: routeHome},
		StatusUsers: []config.StatusCredential{{Username: statusUser, PasswordHash: string(hash)}},
		Version:     "e2e",
		Logger:      logger,
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &harness{
		URL:      ts.URL,
		Client:   client,
		Identity: idStub,
		Profiles: profStub,
		Sessions: store,
	}
}

// completeProfile registers a profile row with onboarding finished.
func (h *harness) completeProfile(userID string) {
	h.Profiles.Rows[userID] = `{"id":"` + userID + `","full_name":"E2E User","onboarding_completed":true}`
}

// incompleteProfile registers a profile row still mid-onboarding.
func (h *harness) incompleteProfile(userID string) {
	h.Profiles.Rows[userID] = `{"id":"` + userID + `","full_name":"E2E User","onboarding_completed":false}`
}

func (h *harness) doGet(t *testing.T, path string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, h.URL+path, nil)
	require.NoError(t, err)

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// persistSession writes a session blob directly into the store, as if
// an earlier landing had established it. No refresh token is included,
// so the recovery ladder's refresh rung has nothing to work with.
func (h *harness) persistSession(t *testing.T, userID string) {
	t.Helper()

	blob := map[string]any{
		"access_token": signedToken(t, userID, time.Now().Add(time.Hour)),
		"token_type":   "bearer",
		"expires_at":   time.Now().Add(time.Hour).Unix(),
		"user":         map[string]string{"id": userID},
	}

	raw, err := json.Marshal(blob)
	require.NoError(t, err)
	require.NoError(t, h.Sessions.SaveSession(raw))
}

// signedToken mints an HS256 access token with the given subject and
// expiry. The gate never verifies signatures, but the token must be
// structurally real for claim backfill and extraction to accept it.
func signedToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": exp.Unix(),
	})

	signed, err := token.SignedString([]byte(signingKey))
	require.NoError(t, err)

	return signed
}

func decodeError(t *testing.T, resp *http.Response) map[string]string {
	t.Helper()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, json.Unmarshal(body, &out))

	return out
}
