// Package profile decides whether an authenticated user has completed
// onboarding. Evaluate is the single source of truth for profile
// completeness; no other package may re-derive it from raw profile
// fields with a different comparison.
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/text/unicode/norm"

	apperrors "github.com/havenapp/authgate/internal/errors"
)

// Store reads profile rows. ProfileByID returns the raw row keyed by
// user ID, or ErrProfileNotFound when no row exists.
type Store interface {
	ProfileByID(ctx context.Context, userID string) ([]byte, error)
}

// Record is the parsed view of a profile row.
type Record struct {
	UserID              string
	DisplayName         string
	OnboardingCompleted bool
}

// Completion is the outcome of a completeness evaluation.
type Completion struct {
	Exists     bool
	IsComplete bool
	Profile    *Record
}

// Gate evaluates profile completeness.
type Gate struct {
	store  Store
	logger *slog.Logger
}

// NewGate creates a profile gate.
func NewGate(store Store, logger *slog.Logger) *Gate {
	return &Gate{store: store, logger: logger}
}

// Evaluate fetches the user's profile row and applies the strict
// completeness rule: IsComplete holds only when onboarding_completed
// is the JSON boolean true. Missing field, false, "true", 1, and null
// all evaluate to incomplete. A missing row is an expected outcome
// ({Exists: false}), not an error; any other fetch failure surfaces as
// ErrProfileFetch so the caller can retry instead of misrouting the
// user into onboarding.
func (g *Gate) Evaluate(ctx context.Context, userID string) (Completion, error) {
	raw, err := g.store.ProfileByID(ctx, userID)
	if errors.Is(err, apperrors.ErrProfileNotFound) {
		return Completion{Exists: false, IsComplete: false, Profile: nil}, nil
	}

	if err != nil {
		return Completion{}, fmt.Errorf("%w: %w", apperrors.ErrProfileFetch, err)
	}

	flag := gjson.GetBytes(raw, "onboarding_completed")
	complete := flag.Type == gjson.True

	// A present but non-boolean flag is a data defect worth surfacing,
	// but the strict rule still applies: such profiles route to
	// onboarding.
	if flag.Exists() && flag.Type != gjson.True && flag.Type != gjson.False {
		g.logger.Warn("onboarding_completed is not a boolean",
			slog.String("user_id", userID),
			slog.String("value", flag.Raw),
		)
	}

	return Completion{
		Exists:     true,
		IsComplete: complete,
		Profile:    parseRecord(userID, raw, complete),
	}, nil
}

// parseRecord extracts the fields the gate cares about from a raw row.
func parseRecord(userID string, raw []byte, complete bool) *Record {
	rec := &Record{
		UserID:              userID,
		OnboardingCompleted: complete,
	}

	if id := gjson.GetBytes(raw, "id"); id.Type == gjson.String && id.Str != "" {
		rec.UserID = id.Str
	}

	rec.DisplayName = normalizeDisplayName(gjson.GetBytes(raw, "full_name").Str)

	return rec
}

// normalizeDisplayName trims and NFC-normalizes a display name so that
// visually identical names compare equal and whitespace-only names
// read as empty.
func normalizeDisplayName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}
