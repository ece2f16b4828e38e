// Package gate sequences session resolution, profile evaluation, and
// navigation for a single landing. Each controller lives for exactly
// one landing request: it detects auth material, drives the resolver,
// evaluates the onboarding gate, and performs at most one navigation.
package gate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/havenapp/authgate/internal/errors"
	"github.com/havenapp/authgate/internal/identity"
	"github.com/havenapp/authgate/internal/material"
	"github.com/havenapp/authgate/internal/profile"
)

// State is the controller's position in the landing flow.
type State int

const (
	// StateDetecting extracts auth material from the location.
	StateDetecting State = iota

	// StateExchanging redeems detected material with the identity
	// service.
	StateExchanging

	// StateVerifying confirms a freshly redeemed session is durably
	// readable (the settle double-check).
	StateVerifying

	// StateEstablishing runs the generic recovery ladder, bounded by
	// the overall establish timer.
	StateEstablishing

	// StateResolvingProfile evaluates the onboarding gate for the
	// accepted session.
	StateResolvingProfile

	// StateRedirecting is the terminal success state; the navigation
	// has been decided and will fire once.
	StateRedirecting

	// StateError is the terminal failure state.
	StateError
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateDetecting:
		return "detecting"
	case StateExchanging:
		return "exchanging"
	case StateVerifying:
		return "verifying"
	case StateEstablishing:
		return "establishing"
	case StateResolvingProfile:
		return "resolving_profile"
	case StateRedirecting:
		return "redirecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrorKind names a terminal failure for the UI. Messages are specific
// per kind; raw provider error text is never shown to the user.
type ErrorKind string

const (
	ErrorNone               ErrorKind = ""
	ErrorVerificationFailed ErrorKind = "verification_failed"
	ErrorNoSession          ErrorKind = "no_session"
	ErrorProfileFetchFailed ErrorKind = "profile_fetch_failed"
)

// Routes are the controller's navigation targets. Opaque destinations;
// the controller never inspects them.
type Routes struct {
	SignIn     string
	Onboarding string
	Home       string
}

// Navigator performs the full-page navigation. Called at most once per
// controller lifetime.
type Navigator interface {
	Navigate(target string) error
}

// SessionResolver is the resolver surface the controller drives.
type SessionResolver interface {
	ResolveMaterial(ctx context.Context, m material.Material) (*identity.Session, error)
	Settle(ctx context.Context, candidate *identity.Session) *identity.Session
	Recover(ctx context.Context) (*identity.Session, error)
	RefreshOnce(ctx context.Context) *identity.Session
}

// ProfileEvaluator is the onboarding-gate predicate.
type ProfileEvaluator interface {
	Evaluate(ctx context.Context, userID string) (profile.Completion, error)
}

// Subscriber delivers session-change notifications.
type Subscriber interface {
	OnSessionChange(fn func(identity.Event, *identity.Session)) func()
}

// Policy holds the controller's timing knobs.
type Policy struct {
	// EstablishTimeout bounds how long the whole recovery ladder may
	// run before the controller gives up. Independent of the
	// resolver's per-step settle delays.
	EstablishTimeout time.Duration

	// RedirectDelay is the short user-visible pause before the
	// navigation fires, so a confirmation message can render.
	RedirectDelay time.Duration
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		EstablishTimeout: 5 * time.Second,
		RedirectDelay:    1500 * time.Millisecond,
	}
}

// Outcome is the controller's terminal result.
type Outcome struct {
	State       State
	ErrorKind   ErrorKind
	Destination string
}

// Config holds a controller's collaborators.
type Config struct {
	Resolver  SessionResolver
	Profiles  ProfileEvaluator
	Sessions  Subscriber
	Navigator Navigator
	Routes    Routes
	Policy    Policy
	Logger    *slog.Logger
}

// Controller is the per-landing state machine. Safe for the concurrent
// callbacks that drive it: the polling path and the session-change
// listener race freely, and whichever produces a session first wins.
type Controller struct {
	cfg Config

	mu          sync.Mutex
	state       State
	errKind     ErrorKind
	destination string
	accepted    bool
	navigated   bool

	done     chan struct{}
	doneOnce sync.Once
}

// New creates a controller in the Detecting state.
func New(cfg Config) *Controller {
	return &Controller{
		cfg:   cfg,
		state: StateDetecting,
		done:  make(chan struct{}),
	}
}

// Run drives the landing flow to a terminal state and returns the
// outcome. Cancelling ctx (the landing request went away) releases the
// session-change subscription and all pending timers; no late async
// result can trigger a navigation afterwards.
func (c *Controller) Run(ctx context.Context, location string) Outcome {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	unsubscribe := c.cfg.Sessions.OnSessionChange(func(ev identity.Event, s *identity.Session) {
		// Only a confirmed sign-in may complete the gate. Acting on
		// InitialSession would route on a stale session while fresh
		// verification material is still being processed.
		if ev != identity.SignedIn || s == nil {
			return
		}

		c.complete(ctx, s)
	})
	defer unsubscribe()

	go c.drive(ctx, location)

	select {
	case <-c.done:
	case <-ctx.Done():
	}

	return c.outcome()
}

// drive is the polling path: extract material, redeem it, settle, and
// fall back to generic recovery when needed.
func (c *Controller) drive(ctx context.Context, location string) {
	m := material.Extract(location)
	c.cfg.Logger.Debug("auth material detected", slog.String("kind", m.Kind.String()))

	if m.Kind != material.None {
		if !c.transition(StateExchanging) {
			return
		}

		candidate, err := c.cfg.Resolver.ResolveMaterial(ctx, m)
		if err != nil {
			if errors.Is(err, apperrors.ErrVerify) {
				c.failIfIdle(ErrorVerificationFailed, err)
				return
			}

			// Single-use material must not be retried; fall back to
			// generic recovery instead.
			c.cfg.Logger.Warn("material redemption failed",
				slog.String("kind", m.Kind.String()),
				slog.String("error", err.Error()),
			)
		}

		if candidate != nil {
			if !c.transition(StateVerifying) {
				return
			}

			if confirmed := c.cfg.Resolver.Settle(ctx, candidate); confirmed != nil {
				c.complete(ctx, confirmed)
				return
			}

			c.cfg.Logger.Debug("session not visible after settle, entering recovery")
		}
	}

	c.establish(ctx)
}

// establish runs the recovery ladder under the overall establish
// timer. If the timer fires mid-ladder, one final refresh attempt is
// made before giving up.
func (c *Controller) establish(ctx context.Context) {
	if !c.transition(StateEstablishing) {
		return
	}

	ectx, cancel := context.WithTimeout(ctx, c.cfg.Policy.EstablishTimeout)
	sess, err := c.cfg.Resolver.Recover(ectx)
	cancel()

	if sess == nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		c.cfg.Logger.Debug("establish timer fired, one final attempt")
		sess = c.cfg.Resolver.RefreshOnce(ctx)
	}

	if sess != nil {
		c.complete(ctx, sess)
		return
	}

	if ctx.Err() != nil {
		return
	}

	c.failIfIdle(ErrorNoSession, apperrors.ErrRecoveryExhausted)
}

// complete accepts a session and carries it through the profile gate
// to navigation. First session wins: once a controller has accepted a
// session, every later resolution result is a no-op.
func (c *Controller) complete(ctx context.Context, sess *identity.Session) {
	c.mu.Lock()
	if c.accepted || c.terminalLocked() {
		c.mu.Unlock()
		return
	}
	c.accepted = true
	c.mu.Unlock()

	if !c.transition(StateResolvingProfile) {
		return
	}

	completion, err := c.cfg.Profiles.Evaluate(ctx, sess.UserID)
	if err != nil {
		c.fail(ErrorProfileFetchFailed, err)
		return
	}

	dest := c.cfg.Routes.Onboarding
	if completion.IsComplete {
		dest = c.cfg.Routes.Home
	}

	c.cfg.Logger.Info("onboarding gate decided",
		slog.String("user_id", sess.UserID),
		slog.Bool("exists", completion.Exists),
		slog.Bool("complete", completion.IsComplete),
	)

	c.redirect(ctx, dest)
}

// redirect enters the terminal success state and, after the short
// confirmation delay, performs the navigation. A cancelled context
// during the delay suppresses the navigation entirely.
func (c *Controller) redirect(ctx context.Context, dest string) {
	c.mu.Lock()
	c.destination = dest
	c.mu.Unlock()

	if !c.transition(StateRedirecting) {
		return
	}

	defer c.finish()

	if err := waitFor(ctx, c.cfg.Policy.RedirectDelay); err != nil {
		return
	}

	c.navigateOnce(dest)
}

// navigateOnce performs the navigation exactly once. A second attempt
// indicates a defect in the first-wins discipline and is logged, never
// executed.
func (c *Controller) navigateOnce(dest string) {
	c.mu.Lock()
	if c.navigated {
		c.mu.Unlock()
		c.cfg.Logger.Error("rejected duplicate navigation",
			slog.String("destination", dest),
			slog.String("error", apperrors.ErrNavigationTriggered.Error()),
		)

		return
	}
	c.navigated = true
	c.mu.Unlock()

	if err := c.cfg.Navigator.Navigate(dest); err != nil {
		c.cfg.Logger.Error("navigation failed",
			slog.String("destination", dest),
			slog.String("error", err.Error()),
		)
	}
}

// fail enters the terminal error state unconditionally. Used by the
// accepting goroutine itself (profile fetch failures).
func (c *Controller) fail(kind ErrorKind, err error) {
	c.mu.Lock()
	if c.terminalLocked() {
		c.mu.Unlock()
		return
	}
	from := c.state
	c.state = StateError
	c.errKind = kind
	c.mu.Unlock()

	c.logTransition(from, StateError)
	c.cfg.Logger.Warn("gate failed",
		slog.String("kind", string(kind)),
		slog.String("error", err.Error()),
	)
	c.finish()
}

// failIfIdle enters the error state only when no session has been
// accepted yet. A concurrent completion in flight must not be clobbered
// by a slower path concluding there is no session.
func (c *Controller) failIfIdle(kind ErrorKind, err error) {
	c.mu.Lock()
	if c.accepted || c.terminalLocked() {
		c.mu.Unlock()
		return
	}
	from := c.state
	c.state = StateError
	c.errKind = kind
	c.mu.Unlock()

	c.logTransition(from, StateError)
	c.cfg.Logger.Warn("gate failed",
		slog.String("kind", string(kind)),
		slog.String("error", err.Error()),
	)

	// Recovery exhaustion points the user back to sign-in. The error
	// surface renders the route as the recovery action; no navigation
	// fires.
	if kind == ErrorNoSession {
		c.mu.Lock()
		c.destination = c.cfg.Routes.SignIn
		c.mu.Unlock()
	}

	c.finish()
}

// transition is the single authoritative state-transition function.
// Returns false when the move is not allowed from the current state,
// including any move out of a terminal state.
func (c *Controller) transition(to State) bool {
	c.mu.Lock()
	from := c.state
	if c.terminalLocked() || !allowed(from, to) {
		c.mu.Unlock()
		return false
	}
	c.state = to
	c.mu.Unlock()

	c.logTransition(from, to)

	return true
}

// allowed encodes the legal state-machine edges.
func allowed(from, to State) bool {
	switch to {
	case StateExchanging:
		return from == StateDetecting
	case StateVerifying:
		return from == StateExchanging
	case StateEstablishing:
		return from == StateDetecting || from == StateExchanging || from == StateVerifying
	case StateResolvingProfile:
		// The session-change listener may complete from any
		// non-terminal state.
		return from != StateRedirecting && from != StateError
	case StateRedirecting:
		return from == StateResolvingProfile
	case StateError:
		return from != StateRedirecting && from != StateError
	default:
		return false
	}
}

func (c *Controller) logTransition(from, to State) {
	c.cfg.Logger.Debug("gate transition",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
}

// terminalLocked reports whether the controller is in a terminal
// state. Callers must hold c.mu.
func (c *Controller) terminalLocked() bool {
	return c.state == StateRedirecting || c.state == StateError
}

// finish releases Run. Idempotent.
func (c *Controller) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

// outcome snapshots the terminal result.
func (c *Controller) outcome() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Outcome{
		State:       c.state,
		ErrorKind:   c.errKind,
		Destination: c.destination,
	}
}

// waitFor waits for d or until the context is cancelled.
func waitFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
