package errors

import "errors"

// Transport errors from the identity service. Exchange, set-session, and
// verify failures are terminal for their originating transport; the
// recovery ladder decides what happens next.
var (
	ErrExchange   = errors.New("authorization code exchange failed")
	ErrSetSession = errors.New("setting session from tokens failed")
	ErrVerify     = errors.New("one-time token verification failed")
)

// ErrRecoveryExhausted reports that the recovery ladder ran out of
// attempts without observing a session.
var ErrRecoveryExhausted = errors.New("session recovery exhausted")

// Profile errors. ErrProfileNotFound is an expected outcome (the user has
// no profile row yet), distinct from ErrProfileFetch which is a transient
// read failure and must never be coerced into "needs onboarding".
var (
	ErrProfileNotFound = errors.New("profile not found")
	ErrProfileFetch    = errors.New("profile fetch failed")
)

// ErrNavigationTriggered guards the at-most-once navigation discipline.
// It surfacing anywhere user-visible indicates a logic defect.
var ErrNavigationTriggered = errors.New("navigation already triggered")

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
