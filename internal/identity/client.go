package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/havenapp/authgate/internal/authstore"
	apperrors "github.com/havenapp/authgate/internal/errors"
)

// Client talks to a GoTrue-style identity service over HTTP and
// persists established sessions through the auth store. It implements
// Gateway.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	store      *authstore.Store
	logger     *slog.Logger
}

// NewClient creates an identity client. If httpClient is nil,
// http.DefaultClient is used.
func NewClient(httpClient *http.Client, baseURL, apiKey string, store *authstore.Store, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		apiKey:     apiKey,
		store:      store,
		logger:     logger,
	}
}

var _ Gateway = (*Client)(nil)

// post sends a JSON POST request and decodes the response into result.
func (c *Client) post(ctx context.Context, endpoint string, body, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.message() != "" {
			return fmt.Errorf("identity %s (%d): %s", endpoint, resp.StatusCode, apiErr.message())
		}

		return fmt.Errorf("identity %s returned status %d", endpoint, resp.StatusCode)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}

// sessionFromTokenResponse builds a Session from a token grant or
// verify response.
func sessionFromTokenResponse(resp tokenResponse) *Session {
	s := &Session{
		UserID:       resp.User.ID,
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		TokenType:    resp.TokenType,
	}

	switch {
	case resp.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(resp.ExpiresAt, 0)
	case resp.ExpiresIn > 0:
		s.ExpiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}

	if s.UserID == "" || s.ExpiresAt.IsZero() {
		fillFromClaims(s)
	}

	return s
}

// persist writes the session through the auth store so subsequent
// CurrentSession reads and storage-level recovery can see it. The
// store fans out the SignedIn notification.
func (c *Client) persist(s *Session) (*Session, error) {
	raw, err := blobFromSession(s)
	if err != nil {
		return nil, fmt.Errorf("encoding session blob: %w", err)
	}

	s.Raw = json.RawMessage(raw)

	if err := c.store.SaveSession(raw); err != nil {
		return nil, err
	}

	return s, nil
}

// ExchangeCode redeems an authorization code for a session.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*Session, error) {
	var resp tokenResponse
	if err := c.post(ctx, "/token?grant_type=pkce", tokenGrantRequest{AuthCode: code}, &resp); err != nil {
		return nil, fmt.Errorf("exchanging code: %w", err)
	}

	if resp.AccessToken == "" {
		return nil, fmt.Errorf("%w: exchange response has no access token", apperrors.ErrAPIResponse)
	}

	return c.persist(sessionFromTokenResponse(resp))
}

// SetSessionFromTokens installs a session from implicit-flow tokens.
func (c *Client) SetSessionFromTokens(ctx context.Context, accessToken, refreshToken, tokenType string, expiresAt time.Time) (*Session, error) {
	if accessToken == "" {
		return nil, fmt.Errorf("access token is required")
	}

	s := &Session{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    tokenType,
		ExpiresAt:    expiresAt,
	}
	fillFromClaims(s)

	if s.UserID == "" {
		return nil, fmt.Errorf("access token carries no subject")
	}

	return c.persist(s)
}

// VerifyOTP redeems a one-time token hash and type pair.
func (c *Client) VerifyOTP(ctx context.Context, tokenHash, otpType string) (*Session, error) {
	var resp tokenResponse
	if err := c.post(ctx, "/verify", verifyRequest{Token: tokenHash, Type: otpType}, &resp); err != nil {
		return nil, fmt.Errorf("verifying token: %w", err)
	}

	if resp.AccessToken == "" {
		return nil, fmt.Errorf("%w: verify response has no access token", apperrors.ErrAPIResponse)
	}

	return c.persist(sessionFromTokenResponse(resp))
}

// CurrentSession returns the persisted session, or nil when none
// exists or the persisted one has expired. Expired sessions are left
// in place for the recovery ladder's refresh rung.
func (c *Client) CurrentSession(ctx context.Context) (*Session, error) {
	raw := c.store.Session()
	if len(raw) == 0 {
		return nil, nil
	}

	s, err := SessionFromBlob(raw)
	if err != nil {
		c.logger.Warn("persisted session blob is unreadable", slog.String("error", err.Error()))
		return nil, nil
	}

	if s.Expired(time.Now()) {
		c.logger.Debug("persisted session is expired",
			slog.Time("expires_at", s.ExpiresAt),
		)

		return nil, nil
	}

	return s, nil
}

// RefreshSession exchanges the persisted refresh token for a new
// session. Returns (nil, nil) when there is no refresh token to use.
func (c *Client) RefreshSession(ctx context.Context) (*Session, error) {
	raw := c.store.Session()
	if len(raw) == 0 {
		return nil, nil
	}

	persisted, err := SessionFromBlob(raw)
	if err != nil || persisted.RefreshToken == "" {
		return nil, nil
	}

	var resp tokenResponse
	if err := c.post(ctx, "/token?grant_type=refresh_token", tokenGrantRequest{RefreshToken: persisted.RefreshToken}, &resp); err != nil {
		return nil, fmt.Errorf("refreshing session: %w", err)
	}

	if resp.AccessToken == "" {
		return nil, fmt.Errorf("%w: refresh response has no access token", apperrors.ErrAPIResponse)
	}

	return c.persist(sessionFromTokenResponse(resp))
}

// OnSessionChange subscribes to store-level session changes. When a
// persisted session already exists, an InitialSession event is
// delivered asynchronously right after subscribing, mirroring the
// provider SDK's behavior on load.
func (c *Client) OnSessionChange(fn func(Event, *Session)) func() {
	unsubscribe := c.store.Subscribe(func(ev authstore.Event, raw []byte) {
		s, err := SessionFromBlob(raw)
		if err != nil {
			c.logger.Warn("ignoring change event with unreadable blob", slog.String("error", err.Error()))
			return
		}

		if ev == authstore.SignedIn {
			fn(SignedIn, s)
		} else {
			fn(InitialSession, s)
		}
	})

	if raw := c.store.Session(); len(raw) > 0 {
		if s, err := SessionFromBlob(raw); err == nil {
			go fn(InitialSession, s)
		}
	}

	return unsubscribe
}
