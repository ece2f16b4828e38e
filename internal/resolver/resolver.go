// Package resolver turns detected auth material into a confirmed,
// durably persisted session. The identity service's exchange and the
// subsequent read are not linearizable against the same storage, so a
// freshly established session may not be immediately visible; the
// resolver absorbs that window with a settle delay and a bounded
// ladder of increasingly aggressive recovery strategies.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	apperrors "github.com/havenapp/authgate/internal/errors"
	"github.com/havenapp/authgate/internal/identity"
	"github.com/havenapp/authgate/internal/material"
)

// Policy holds the timing knobs for session resolution. The values
// encode a latency/robustness tradeoff against the identity service's
// consistency window and are configurable rather than hard-coded.
type Policy struct {
	// SettleDelay is how long to wait after a successful exchange,
	// set, or verify call before trusting a session read.
	SettleDelay time.Duration

	// SettleRecheckDelay is the longer second wait when the first
	// post-settle read came back empty.
	SettleRecheckDelay time.Duration

	// MaxAttempts bounds the recovery ladder.
	MaxAttempts int

	// BackoffBase and BackoffCap shape the exponential backoff
	// between ladder attempts: base * 2^attempt, capped.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		SettleDelay:        1 * time.Second,
		SettleRecheckDelay: 2 * time.Second,
		MaxAttempts:        3,
		BackoffBase:        500 * time.Millisecond,
		BackoffCap:         5 * time.Second,
	}
}

// SessionStore is the storage-level view the recovery ladder needs:
// a direct read of the persisted blob, bypassing the gateway, and the
// aggressive probe for token material.
type SessionStore interface {
	Session() []byte
	ProbeAccessToken() (string, bool)
}

// Resolver orchestrates the gateway and the persisted store to produce
// a confirmed session from auth material, or recover one believed to
// exist but not yet observable.
type Resolver struct {
	gateway identity.Gateway
	store   SessionStore
	policy  Policy
	logger  *slog.Logger

	// exchanges collapses concurrent resolution attempts for the same
	// single-use code or token into one gateway call. A second caller
	// racing on the same material would otherwise consume the code
	// and hand the first a hard failure. Shared by pointer so policy
	// snapshots keep the process-wide dedup.
	exchanges *singleflight.Group
}

// New creates a resolver.
func New(gateway identity.Gateway, store SessionStore, policy Policy, logger *slog.Logger) *Resolver {
	return &Resolver{
		gateway:   gateway,
		store:     store,
		policy:    policy,
		logger:    logger,
		exchanges: &singleflight.Group{},
	}
}

// WithPolicy returns a copy of the resolver using the given timing
// knobs. The copy shares the exchange dedup group with the original.
func (r *Resolver) WithPolicy(policy Policy) *Resolver {
	clone := *r
	clone.policy = policy

	return &clone
}

// ResolveMaterial redeems the detected material for a session
// candidate. Single-use material is redeemed at most once per
// fingerprint process-wide.
//
// Returns (nil, nil) when there is no material to redeem. Exchange and
// set-session failures return an error the caller should treat as a
// fall-through to generic recovery; the same code is never retried.
// OTP failures are terminal: the token is single-use and retrying
// cannot change the provider's rejection.
func (r *Resolver) ResolveMaterial(ctx context.Context, m material.Material) (*identity.Session, error) {
	if m.Kind == material.None {
		return nil, nil
	}

	v, err, _ := r.exchanges.Do(m.Fingerprint(), func() (any, error) {
		return r.redeem(ctx, m)
	})
	if err != nil {
		return nil, err
	}

	return v.(*identity.Session), nil
}

// redeem performs the single gateway call for the material's transport.
func (r *Resolver) redeem(ctx context.Context, m material.Material) (*identity.Session, error) {
	switch m.Kind {
	case material.AuthorizationCode:
		s, err := r.gateway.ExchangeCode(ctx, m.Code)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", apperrors.ErrExchange, err)
		}

		return s, nil

	case material.FragmentTokens:
		var expiresAt time.Time
		if m.ExpiresInSeconds > 0 {
			expiresAt = time.Now().Add(time.Duration(m.ExpiresInSeconds) * time.Second)
		}

		s, err := r.gateway.SetSessionFromTokens(ctx, m.AccessToken, m.RefreshToken, m.TokenType, expiresAt)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", apperrors.ErrSetSession, err)
		}

		return s, nil

	case material.OtpToken:
		s, err := r.gateway.VerifyOTP(ctx, m.TokenHash, m.OtpType)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", apperrors.ErrVerify, err)
		}

		return s, nil

	default:
		return nil, nil
	}
}

// Settle waits the settle delay and confirms the candidate session is
// durably readable. If the first read comes back empty it waits a
// second, longer interval and checks once more. Returns nil when the
// session is still not observable; the caller treats that as a
// recoverable gap, not a failure.
func (r *Resolver) Settle(ctx context.Context, candidate *identity.Session) *identity.Session {
	if candidate == nil {
		return nil
	}

	delays := []time.Duration{r.policy.SettleDelay, r.policy.SettleRecheckDelay}
	for i, delay := range delays {
		if err := sleep(ctx, delay); err != nil {
			return nil
		}

		s, err := r.gateway.CurrentSession(ctx)
		if err != nil {
			r.logger.Warn("settle read failed",
				slog.Int("check", i+1),
				slog.String("error", err.Error()),
			)

			continue
		}

		if s != nil {
			return s
		}

		r.logger.Debug("session not yet visible after settle",
			slog.Int("check", i+1),
			slog.Duration("delay", delay),
		)
	}

	return nil
}

// recoveryAttempt drives one rung of the ladder. Transient; discarded
// once a session is found or the ladder is exhausted.
type recoveryAttempt struct {
	strategy string
	number   int
	backoff  time.Duration
}

// Recover runs the recovery ladder: up to MaxAttempts strategies, in
// order refresh, storage read, aggressive probe, separated by capped
// exponential backoff. Stops on first success. Exhaustion returns
// (nil, nil) rather than an error; the caller decides the consequence.
func (r *Resolver) Recover(ctx context.Context) (*identity.Session, error) {
	strategies := []struct {
		name string
		run  func(ctx context.Context) *identity.Session
	}{
		{"refresh", r.recoverRefresh},
		{"storage", r.recoverStorage},
		{"aggressive", r.recoverAggressive},
	}

	for i := 0; i < r.policy.MaxAttempts; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		attempt := recoveryAttempt{
			strategy: strategies[i%len(strategies)].name,
			number:   i + 1,
			backoff:  r.backoffFor(i),
		}

		r.logger.Debug("recovery attempt",
			slog.String("strategy", attempt.strategy),
			slog.Int("attempt", attempt.number),
			slog.Int64("backoff_ms", attempt.backoff.Milliseconds()),
		)

		if s := strategies[i%len(strategies)].run(ctx); s != nil {
			r.logger.Info("session recovered",
				slog.String("strategy", attempt.strategy),
				slog.Int("attempt", attempt.number),
			)

			return s, nil
		}

		if i < r.policy.MaxAttempts-1 {
			if err := sleep(ctx, attempt.backoff); err != nil {
				return nil, err
			}
		}
	}

	r.logger.Warn("recovery ladder exhausted",
		slog.Int("attempts", r.policy.MaxAttempts),
	)

	return nil, nil
}

// RefreshOnce makes a single refresh attempt with no backoff. Used as
// the last chance after the overall establish timer fires.
func (r *Resolver) RefreshOnce(ctx context.Context) *identity.Session {
	return r.recoverRefresh(ctx)
}

// recoverRefresh asks the identity service for a refreshed session.
func (r *Resolver) recoverRefresh(ctx context.Context) *identity.Session {
	s, err := r.gateway.RefreshSession(ctx)
	if err != nil {
		r.logger.Debug("refresh recovery failed", slog.String("error", err.Error()))
		return nil
	}

	return s
}

// recoverStorage reads the persisted session directly, bypassing the
// gateway. Catches the case where the session was durably written but
// the service-level read path is lagging.
func (r *Resolver) recoverStorage(ctx context.Context) *identity.Session {
	raw := r.store.Session()
	if len(raw) == 0 {
		return nil
	}

	s, err := identity.SessionFromBlob(raw)
	if err != nil {
		r.logger.Debug("storage recovery found unreadable blob", slog.String("error", err.Error()))
		return nil
	}

	if s.Expired(time.Now()) {
		return nil
	}

	return s
}

// recoverAggressive probes the persisted blob for any access token and,
// if one is present, retries the refresh once more. The presence of a
// token means a session existed recently enough that a refresh is
// likely to succeed.
func (r *Resolver) recoverAggressive(ctx context.Context) *identity.Session {
	if _, ok := r.store.ProbeAccessToken(); !ok {
		return nil
	}

	return r.recoverRefresh(ctx)
}

// backoffFor computes the backoff following attempt i: base * 2^i,
// capped.
func (r *Resolver) backoffFor(i int) time.Duration {
	d := r.policy.BackoffBase << uint(i)
	if d > r.policy.BackoffCap || d <= 0 {
		d = r.policy.BackoffCap
	}

	return d
}

// sleep waits for d or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
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
