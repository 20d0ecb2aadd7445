// Package realtime implements the plugin.EventSource interface over the
// backend's WebSocket event stream. Listeners are keyed by backend event
// name and fire in registration order.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/deskforge/plugkit/pkg/plugin"
)

// Compile-time interface guard.
var _ plugin.EventSource = (*Client)(nil)

// envelope is the wire shape of one backend event.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type listenerEntry struct {
	id uint64
	fn func(payload []byte)
}

// Client maintains a WebSocket connection to the real-time event service
// and fans incoming events out to registered listeners.
type Client struct {
	url    string
	logger *zap.Logger

	mu        sync.RWMutex
	listeners map[string][]listenerEntry
	nextID    uint64
}

// NewClient creates a real-time client for the given WebSocket URL.
func NewClient(url string, logger *zap.Logger) *Client {
	return &Client{
		url:       url,
		logger:    logger,
		listeners: make(map[string][]listenerEntry),
	}
}

// AddEventListener registers a listener for a backend event name and
// returns an unsubscribe function. Listeners fire in registration order.
func (c *Client) AddEventListener(event string, fn func(payload []byte)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[event] = append(c.listeners[event], listenerEntry{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		entries := c.listeners[event]
		for i, e := range entries {
			if e.id == id {
				c.listeners[event] = append(entries[:i], entries[i+1:]...)
				return
			}
		}
	}
}

// Run connects to the event service and reads until ctx is canceled,
// reconnecting with capped exponential backoff on transport failures.
func (c *Client) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		err := c.readOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("event stream disconnected, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", backoff),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// readOnce dials the service and pumps messages until the connection or
// context ends.
func (c *Client) readOnce(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	c.logger.Info("event stream connected", zap.String("url", c.url))

	for {
		var env envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return fmt.Errorf("read event: %w", err)
		}
		c.dispatch(env)
	}
}

// dispatch delivers the full message bytes to every listener of the
// event. Listener panics are contained so one bad listener cannot kill
// the read loop.
func (c *Client) dispatch(env envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("re-encode event payload", zap.Error(err))
		return
	}

	c.mu.RLock()
	entries := make([]listenerEntry, len(c.listeners[env.Event]))
	copy(entries, c.listeners[env.Event])
	c.mu.RUnlock()

	for _, e := range entries {
		c.safeCall(env.Event, e.fn, payload)
	}
}

func (c *Client) safeCall(event string, fn func([]byte), payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event listener panicked",
				zap.String("event", event),
				zap.Any("panic", r),
			)
		}
	}()
	fn(payload)
}
