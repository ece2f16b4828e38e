// Package identity is the façade over the external identity service.
// It exposes the session operations the gate needs (exchange, set,
// verify, read, refresh, change notifications) and hides the service's
// wire protocol and the persisted-session plumbing behind them.
package identity

import (
	"context"
	"time"
)

// Gateway is the session-operations boundary of the identity service.
// Every call may fail; CurrentSession and RefreshSession return
// (nil, nil) when no session is available, which is an outcome rather
// than an error.
type Gateway interface {
	// ExchangeCode redeems a single-use authorization code for a
	// session. Codes must never be retried after a failure.
	ExchangeCode(ctx context.Context, code string) (*Session, error)

	// SetSessionFromTokens installs a session from implicit-flow
	// tokens. expiresAt may be zero when the transport did not carry
	// an expiry.
	SetSessionFromTokens(ctx context.Context, accessToken, refreshToken, tokenType string, expiresAt time.Time) (*Session, error)

	// VerifyOTP redeems a single-use token hash and type pair.
	// Failures are terminal; the token cannot be redeemed twice.
	VerifyOTP(ctx context.Context, tokenHash, otpType string) (*Session, error)

	// CurrentSession returns the durably persisted session, or nil.
	CurrentSession(ctx context.Context) (*Session, error)

	// RefreshSession exchanges the persisted refresh token for a new
	// session. Returns nil when there is nothing to refresh.
	RefreshSession(ctx context.Context) (*Session, error)

	// OnSessionChange registers a callback for session changes and
	// returns an unsubscribe function. The callback fires
	// asynchronously, at least once per change. An InitialSession
	// event is delivered shortly after subscribing when a persisted
	// session already exists; only SignedIn marks a fresh sign-in.
	OnSessionChange(fn func(Event, *Session)) func()
}
