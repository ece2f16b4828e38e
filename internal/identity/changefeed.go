package identity

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/havenapp/authgate/internal/authstore"
)

const (
	reconnectMin = 1 * time.Second
	reconnectMax = 60 * time.Second
)

// wsConn is the subset of the websocket connection used by the feed.
// Narrowed for testability.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Close(code websocket.StatusCode, reason string) error
}

// dialFunc opens a websocket connection to the realtime endpoint.
type dialFunc func(ctx context.Context) (wsConn, error)

// ChangeFeedConfig holds the parameters for a realtime change feed.
type ChangeFeedConfig struct {
	// URL is the provider's realtime websocket endpoint.
	URL string

	// APIKey authenticates the subscription.
	APIKey string

	// Store receives sessions delivered by the feed. Writing through
	// the store is what fans the SignedIn notification out to gate
	// subscribers, so the feed and the polling path share one
	// completion channel.
	Store *authstore.Store
}

// ChangeFeed subscribes to the identity provider's realtime websocket
// and persists session events it delivers. A SIGNED_IN event arriving
// over the feed supersedes whatever the polling path is doing: the
// store notification reaches the controller either way, and the
// controller's first-wins discipline handles the race.
type ChangeFeed struct {
	cfg    ChangeFeedConfig
	logger *slog.Logger
	dial   dialFunc
}

// NewChangeFeed creates a change feed. Listen must be called to start it.
func NewChangeFeed(cfg ChangeFeedConfig, logger *slog.Logger) *ChangeFeed {
	f := &ChangeFeed{
		cfg:    cfg,
		logger: logger,
	}
	f.dial = f.dialRealtime

	return f
}

// dialRealtime opens the realtime websocket.
func (f *ChangeFeed) dialRealtime(ctx context.Context) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, f.cfg.URL+"?apikey="+f.cfg.APIKey, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing realtime endpoint: %w", err)
	}

	return conn, nil
}

// Listen runs the feed with automatic reconnection and capped
// exponential backoff. Returns only on context cancellation.
func (f *ChangeFeed) Listen(ctx context.Context) error {
	backoff := reconnectMin

	for {
		err := f.run(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("change feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		jitter := time.Duration(rand.Int64N(int64(backoff) / 2))
		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = min(backoff*2, reconnectMax)
	}
}

// run opens one connection and reads events until it drops.
func (f *ChangeFeed) run(ctx context.Context) error {
	conn, err := f.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	f.logger.Debug("change feed connected")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading change feed: %w", err)
		}

		f.handleEvent(data)
	}
}

// handleEvent processes one realtime message. Only SIGNED_IN events
// carrying a session are acted on; everything else is provider
// chatter (heartbeats, presence) and is skipped.
func (f *ChangeFeed) handleEvent(data []byte) {
	event := gjson.GetBytes(data, "event").Str
	if event != "SIGNED_IN" {
		return
	}

	session := gjson.GetBytes(data, "session")
	if !session.Exists() || !session.IsObject() {
		f.logger.Warn("SIGNED_IN event without session payload")
		return
	}

	raw := []byte(session.Raw)
	if _, err := SessionFromBlob(raw); err != nil {
		f.logger.Warn("SIGNED_IN event with unreadable session", slog.String("error", err.Error()))
		return
	}

	if err := f.cfg.Store.SaveSession(raw); err != nil {
		f.logger.Warn("persisting change feed session", slog.String("error", err.Error()))
		return
	}

	f.logger.Info("session delivered by change feed")
}
