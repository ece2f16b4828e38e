package identity

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Event identifies why a session-change notification fired.
type Event int

const (
	// InitialSession fires once on subscription when a persisted
	// session already exists. Consumers must not treat it as a fresh
	// sign-in: fresh verification material may still be in flight.
	InitialSession Event = iota

	// SignedIn fires when a new session has been established.
	SignedIn
)

// String returns the event name for logging.
func (e Event) String() string {
	if e == SignedIn {
		return "signed_in"
	}

	return "initial_session"
}

// Session is a resolved identity session. Treated as immutable after
// creation; a refresh produces a new Session rather than mutating the
// old one.
type Session struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time

	// Raw is the provider's serialization of the session, persisted
	// verbatim so recovery can re-read it without shape assumptions.
	Raw json.RawMessage
}

// Expired reports whether the session's access token has expired.
// Sessions without a known expiry are treated as live.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// sessionBlob is the persisted wire shape of a session.
type sessionBlob struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
	User         struct {
		ID string `json:"id"`
	} `json:"user"`
}

// SessionFromBlob parses a persisted session blob into a Session.
func SessionFromBlob(raw []byte) (*Session, error) {
	var blob sessionBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return nil, fmt.Errorf("decoding session blob: %w", err)
	}

	if blob.AccessToken == "" {
		return nil, fmt.Errorf("session blob has no access token")
	}

	s := &Session{
		UserID:       blob.User.ID,
		AccessToken:  blob.AccessToken,
		RefreshToken: blob.RefreshToken,
		TokenType:    blob.TokenType,
		Raw:          json.RawMessage(raw),
	}

	if blob.ExpiresAt > 0 {
		s.ExpiresAt = time.Unix(blob.ExpiresAt, 0)
	}

	if s.UserID == "" || s.ExpiresAt.IsZero() {
		fillFromClaims(s)
	}

	return s, nil
}

// fillFromClaims backfills UserID and ExpiresAt from the access token's
// claims when the blob omitted them. The token is decoded without
// signature verification; verification is the identity service's job.
func fillFromClaims(s *Session) {
	parser := jwt.NewParser()

	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(s.AccessToken, claims); err != nil {
		return
	}

	if s.UserID == "" {
		if sub, err := claims.GetSubject(); err == nil {
			s.UserID = sub
		}
	}

	if s.ExpiresAt.IsZero() {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			s.ExpiresAt = exp.Time
		}
	}
}

// blobFromSession serializes a session into the persisted wire shape.
func blobFromSession(s *Session) ([]byte, error) {
	var blob sessionBlob
	blob.AccessToken = s.AccessToken
	blob.RefreshToken = s.RefreshToken
	blob.TokenType = s.TokenType
	blob.User.ID = s.UserID

	if !s.ExpiresAt.IsZero() {
		blob.ExpiresAt = s.ExpiresAt.Unix()
	}

	return json.Marshal(blob)
}

// tokenGrantRequest is the payload for POST /token.
type tokenGrantRequest struct {
	AuthCode     string `json:"auth_code,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// verifyRequest is the payload for POST /verify.
type verifyRequest struct {
	Token string `json:"token"`
	Type  string `json:"type"`
}

// tokenResponse is returned from POST /token and POST /verify.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	User         struct {
		ID string `json:"id"`
	} `json:"user"`
}

// apiError represents an error response from the identity service.
type apiError struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
	Msg         string `json:"msg"`
}

// message returns the most specific error text available.
func (e apiError) message() string {
	switch {
	case e.Description != "":
		return e.Description
	case e.Msg != "":
		return e.Msg
	default:
		return e.Error
	}
}
