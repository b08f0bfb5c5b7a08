package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"docflow-desktop/internal/resilience"
)

// FeedEvent is one push notification from the backend's change feed.
// Delivery is at-most-once: events may be delayed, arrive reordered relative
// to a concurrent direct read, or be dropped entirely when the channel breaks.
type FeedEvent struct {
	Event string          `json:"event"` // insert, update, delete
	Table string          `json:"table"`
	ID    string          `json:"id"`
	New   json.RawMessage `json:"new,omitempty"`
	Old   json.RawMessage `json:"old,omitempty"`
}

// FeedHandler receives feed events and transport errors.
type FeedHandler interface {
	HandleFeedEvent(ev FeedEvent)
	HandleFeedError(err error)
}

type subscribeMessage struct {
	Action string `json:"action"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// ChangeFeed maintains a websocket subscription keyed by table+filter,
// re-establishing it whenever the transport fails.
type ChangeFeed struct {
	url     string
	table   string
	filter  string
	handler FeedHandler

	readTimeout   time.Duration
	reconnectWait resilience.RetryPolicy
}

// NewChangeFeed creates a feed for one table+filter subscription.
func NewChangeFeed(wsURL, table, filter string, handler FeedHandler) *ChangeFeed {
	return &ChangeFeed{
		url:     wsURL,
		table:   table,
		filter:  filter,
		handler: handler,

		readTimeout: 90 * time.Second,
		reconnectWait: resilience.RetryPolicy{
			InitialDelay:      time.Second,
			MaxDelay:          30 * time.Second,
			BackoffMultiplier: 2,
		},
	}
}

// Run connects and pumps events to the handler until ctx is done. Every
// transport failure is reported via HandleFeedError (so the consumer can do
// an immediate authoritative refresh) and followed by a reconnect with
// exponential backoff, resetting once a connection subscribes successfully.
func (f *ChangeFeed) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		subscribed, err := f.connectAndPump(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			f.handler.HandleFeedError(err)
		}
		if subscribed {
			attempt = 0
		}

		attempt++
		delay := f.reconnectWait.Delay(attempt)
		log.Printf("changefeed %s: connection lost (%v), reconnecting in %v", f.table, err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// connectAndPump reports whether the subscription was established before the
// connection failed, so the caller can reset its reconnect backoff. A healthy
// but idle connection that later times out must not escalate the backoff.
func (f *ChangeFeed) connectAndPump(ctx context.Context) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return false, fmt.Errorf("changefeed dial failed: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(subscribeMessage{Action: "subscribe", Table: f.table, Filter: f.filter}); err != nil {
		return false, fmt.Errorf("changefeed subscribe failed: %w", err)
	}
	log.Printf("changefeed %s: subscribed (filter: %q)", f.table, f.filter)

	// Close the socket when ctx ends so the blocking read unblocks.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(f.readTimeout)); err != nil {
			return true, fmt.Errorf("changefeed deadline: %w", err)
		}

		var ev FeedEvent
		if err := conn.ReadJSON(&ev); err != nil {
			return true, fmt.Errorf("changefeed read failed: %w", err)
		}
		if ev.Table != "" && ev.Table != f.table {
			continue
		}
		f.handler.HandleFeedEvent(ev)
	}
}
