package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	apperrors "github.com/havenapp/authgate/internal/errors"
	"github.com/havenapp/authgate/internal/identity"
	"github.com/havenapp/authgate/internal/material"
)

// fakeStore is an in-memory SessionStore.
type fakeStore struct {
	blob  []byte
	token string
}

func (f *fakeStore) Session() []byte { return f.blob }

func (f *fakeStore) ProbeAccessToken() (string, bool) {
	return f.token, f.token != ""
}

func testSession(userID string) *identity.Session {
	return &identity.Session{
		UserID:      userID,
		AccessToken: "a.b.c",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
}

// fastPolicy keeps real-clock tests snappy; synctest tests use
// DefaultPolicy to exercise the production delays.
func fastPolicy() Policy {
	return Policy{
		SettleDelay:        time.Millisecond,
		SettleRecheckDelay: time.Millisecond,
		MaxAttempts:        3,
		BackoffBase:        time.Millisecond,
		BackoffCap:         4 * time.Millisecond,
	}
}

func newTestResolver(t *testing.T, gw identity.Gateway, store SessionStore, p Policy) *Resolver {
	t.Helper()

	if store == nil {
		store = &fakeStore{}
	}

	return New(gw, store, p, slog.Default())
}

// --- ResolveMaterial ---

func TestResolveMaterial_None(t *testing.T) {
	ctrl := gomock.NewController(t)
	r := newTestResolver(t, identity.NewMockGateway(ctrl), nil, fastPolicy())

	s, err := r.ResolveMaterial(t.Context(), material.Material{Kind: material.None})
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestResolveMaterial_Code(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := identity.NewMockGateway(ctrl)
	gw.EXPECT().ExchangeCode(gomock.Any(), "XYZ").Return(testSession("u1"), nil)

	r := newTestResolver(t, gw, nil, fastPolicy())

	s, err := r.ResolveMaterial(t.Context(), material.Material{Kind: material.AuthorizationCode, Code: "XYZ"})
	require.NoError(t, err)
	assert.Equal(t, "u1", s.UserID)
}

func TestResolveMaterial_CodeFailureWrapsExchange(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := identity.NewMockGateway(ctrl)
	gw.EXPECT().ExchangeCode(gomock.Any(), "bad").Return(nil, fmt.Errorf("provider says no"))

	r := newTestResolver(t, gw, nil, fastPolicy())

	_, err := r.ResolveMaterial(t.Context(), material.Material{Kind: material.AuthorizationCode, Code: "bad"})
	assert.ErrorIs(t, err, apperrors.ErrExchange)
}

func TestResolveMaterial_FragmentTokens(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := identity.NewMockGateway(ctrl)
	gw.EXPECT().
		SetSessionFromTokens(gomock.Any(), "a.b.c", "xyz", "bearer", gomock.Any()).
		Return(testSession("u1"), nil)

	r := newTestResolver(t, gw, nil, fastPolicy())

	s, err := r.ResolveMaterial(t.Context(), material.Material{
		Kind:             material.FragmentTokens,
		AccessToken:      "a.b.c",
		RefreshToken:     "xyz",
		TokenType:        "bearer",
		ExpiresInSeconds: 3600,
	})
	require.NoError(t, err)
	assert.Equal(t, "u1", s.UserID)
}

func TestResolveMaterial_OtpFailureIsTerminal(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := identity.NewMockGateway(ctrl)
	gw.EXPECT().VerifyOTP(gomock.Any(), "abc123", "signup").Return(nil, fmt.Errorf("token expired"))

	r := newTestResolver(t, gw, nil, fastPolicy())

	_, err := r.ResolveMaterial(t.Context(), material.Material{
		Kind:      material.OtpToken,
		TokenHash: "abc123",
		OtpType:   "signup",
	})
	assert.ErrorIs(t, err, apperrors.ErrVerify)
}

func TestResolveMaterial_ConcurrentSameCodeExchangesOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := identity.NewMockGateway(ctrl)

	var calls atomic.Int32

	started := make(chan struct{})
	release := make(chan struct{})
	gw.EXPECT().ExchangeCode(gomock.Any(), "once").
		DoAndReturn(func(ctx context.Context, code string) (*identity.Session, error) {
			calls.Add(1)
			close(started)
			<-release

			return testSession("u1"), nil
		})

	r := newTestResolver(t, gw, nil, fastPolicy())
	m := material.Material{Kind: material.AuthorizationCode, Code: "once"}

	results := make(chan *identity.Session, 2)
	for range 2 {
		go func() {
			s, err := r.ResolveMaterial(t.Context(), m)
			assert.NoError(t, err)
			results <- s
		}()
	}

	<-started
	close(release)

	for range 2 {
		s := <-results
		require.NotNil(t, s)
		assert.Equal(t, "u1", s.UserID)
	}

	assert.Equal(t, int32(1), calls.Load())
}

// --- Settle ---

func TestSettle_VisibleOnFirstCheck(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		gw := identity.NewMockGateway(ctrl)
		gw.EXPECT().CurrentSession(gomock.Any()).Return(testSession("u1"), nil)

		r := newTestResolver(t, gw, nil, DefaultPolicy())

		start := time.Now()
		s := r.Settle(t.Context(), testSession("u1"))

		require.NotNil(t, s)
		assert.Equal(t, time.Second, time.Since(start))
	})
}

func TestSettle_SecondCheckAfterGap(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		gw := identity.NewMockGateway(ctrl)
		gomock.InOrder(
			gw.EXPECT().CurrentSession(gomock.Any()).Return(nil, nil),
			gw.EXPECT().CurrentSession(gomock.Any()).Return(testSession("u1"), nil),
		)

		r := newTestResolver(t, gw, nil, DefaultPolicy())

		start := time.Now()
		s := r.Settle(t.Context(), testSession("u1"))

		require.NotNil(t, s)
		assert.Equal(t, 3*time.Second, time.Since(start))
	})
}

func TestSettle_StillNotVisible(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		gw := identity.NewMockGateway(ctrl)
		gw.EXPECT().CurrentSession(gomock.Any()).Return(nil, nil).Times(2)

		r := newTestResolver(t, gw, nil, DefaultPolicy())

		assert.Nil(t, r.Settle(t.Context(), testSession("u1")))
	})
}

func TestSettle_NilCandidate(t *testing.T) {
	ctrl := gomock.NewController(t)
	r := newTestResolver(t, identity.NewMockGateway(ctrl), nil, fastPolicy())

	assert.Nil(t, r.Settle(t.Context(), nil))
}

func TestSettle_CancelledContext(t *testing.T) {
	ctrl := gomock.NewController(t)
	r := newTestResolver(t, identity.NewMockGateway(ctrl), nil, DefaultPolicy())

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	assert.Nil(t, r.Settle(ctx, testSession("u1")))
}

// --- Recover ---

func TestRecover_ThirdAttemptSucceeds(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		gw := identity.NewMockGateway(ctrl)

		// Attempt 1: refresh fails. Attempt 2: storage is empty.
		// Attempt 3: aggressive probe finds a token and the retried
		// refresh succeeds.
		gomock.InOrder(
			gw.EXPECT().RefreshSession(gomock.Any()).Return(nil, fmt.Errorf("not yet")),
			gw.EXPECT().RefreshSession(gomock.Any()).Return(testSession("u1"), nil),
		)

		r := newTestResolver(t, gw, &fakeStore{token: "a.b.c"}, DefaultPolicy())

		s, err := r.Recover(t.Context())
		require.NoError(t, err)
		require.NotNil(t, s)
		assert.Equal(t, "u1", s.UserID)
	})
}

func TestRecover_ExhaustionReturnsNoSession(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		gw := identity.NewMockGateway(ctrl)
		gw.EXPECT().RefreshSession(gomock.Any()).Return(nil, fmt.Errorf("nope")).AnyTimes()

		r := newTestResolver(t, gw, &fakeStore{}, DefaultPolicy())

		s, err := r.Recover(t.Context())
		require.NoError(t, err)
		assert.Nil(t, s)
	})
}

func TestRecover_StorageRungFindsPersistedSession(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		gw := identity.NewMockGateway(ctrl)
		gw.EXPECT().RefreshSession(gomock.Any()).Return(nil, fmt.Errorf("lagging")).AnyTimes()

		blob := []byte(`{"access_token":"a.b.c","expires_at":` +
			fmt.Sprint(time.Now().Add(time.Hour).Unix()) + `,"user":{"id":"stored-user"}}`)

		r := newTestResolver(t, gw, &fakeStore{blob: blob}, DefaultPolicy())

		s, err := r.Recover(t.Context())
		require.NoError(t, err)
		require.NotNil(t, s)
		assert.Equal(t, "stored-user", s.UserID)
	})
}

func TestRecover_StorageRungSkipsExpiredSession(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		gw := identity.NewMockGateway(ctrl)
		gw.EXPECT().RefreshSession(gomock.Any()).Return(nil, fmt.Errorf("nope")).AnyTimes()

		blob := []byte(`{"access_token":"a.b.c","expires_at":1000,"user":{"id":"stale"}}`)

		r := newTestResolver(t, gw, &fakeStore{blob: blob}, DefaultPolicy())

		s, err := r.Recover(t.Context())
		require.NoError(t, err)
		assert.Nil(t, s)
	})
}

func TestRecover_CancelledBetweenAttempts(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := identity.NewMockGateway(ctrl)

	ctx, cancel := context.WithCancel(t.Context())
	gw.EXPECT().RefreshSession(gomock.Any()).
		DoAndReturn(func(context.Context) (*identity.Session, error) {
			cancel()
			return nil, fmt.Errorf("nope")
		})

	r := newTestResolver(t, gw, &fakeStore{}, fastPolicy())

	_, err := r.Recover(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRecover_BackoffIsCapped(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		gw := identity.NewMockGateway(ctrl)
		gw.EXPECT().RefreshSession(gomock.Any()).Return(nil, fmt.Errorf("nope")).AnyTimes()

		p := DefaultPolicy()
		p.MaxAttempts = 6

		r := newTestResolver(t, gw, &fakeStore{}, p)

		start := time.Now()
		s, err := r.Recover(t.Context())
		require.NoError(t, err)
		assert.Nil(t, s)

		// 500ms + 1s + 2s + 4s + 5s (capped, not 8s) between the six
		// attempts.
		assert.Equal(t, 12500*time.Millisecond, time.Since(start))
	})
}

// --- RefreshOnce ---

func TestRefreshOnce_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := identity.NewMockGateway(ctrl)
	gw.EXPECT().RefreshSession(gomock.Any()).Return(testSession("u1"), nil)

	r := newTestResolver(t, gw, nil, fastPolicy())

	s := r.RefreshOnce(t.Context())
	require.NotNil(t, s)
	assert.Equal(t, "u1", s.UserID)
}

func TestRefreshOnce_Failure(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := identity.NewMockGateway(ctrl)
	gw.EXPECT().RefreshSession(gomock.Any()).Return(nil, fmt.Errorf("nope"))

	r := newTestResolver(t, gw, nil, fastPolicy())

	assert.Nil(t, r.RefreshOnce(t.Context()))
}

// --- WithPolicy ---

func TestWithPolicy_SharesExchangeDedup(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := identity.NewMockGateway(ctrl)
	gw.EXPECT().ExchangeCode(gomock.Any(), "shared").Return(testSession("u1"), nil)

	base := newTestResolver(t, gw, nil, fastPolicy())
	clone := base.WithPolicy(DefaultPolicy())

	m := material.Material{Kind: material.AuthorizationCode, Code: "shared"}

	// Sequential calls through base and clone hit the same dedup
	// group; the second returns the memoized in-flight result only
	// when concurrent, so exercise the shared group pointer directly.
	assert.Same(t, base.exchanges, clone.exchanges)

	s, err := clone.ResolveMaterial(t.Context(), m)
	require.NoError(t, err)
	assert.Equal(t, "u1", s.UserID)
}
