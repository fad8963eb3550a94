package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// StreamConfig configures the delayed live trade stream.
type StreamConfig struct {
	// URL of the provider's stocks WebSocket cluster,
	// e.g. "wss://delayed.polygon.io/stocks".
	URL string

	// APIKey authenticates the stream session.
	APIKey string

	// Symbols to subscribe trade events for.
	Symbols []string

	// ReconnectDelay is the initial delay before reconnection attempts.
	// Defaults to 2 seconds if zero.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration
}

func (c *StreamConfig) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
}

// TradeStream subscribes to per-ticker trade events and invokes OnTrade for
// each print. It keeps the fast cache tier current between ingest cycles;
// losing the stream degrades freshness, never correctness, so failures only
// trigger reconnects.
type TradeStream struct {
	cfg StreamConfig

	// OnTrade receives each trade print. Required.
	OnTrade func(symbol string, price float64, ts time.Time)

	// OnConnect is called once per connection attempt, after the auth and
	// subscribe writes have been accepted. Optional.
	OnConnect func()

	// OnReconnect is called each time a reconnection happens. Optional.
	OnReconnect func()
}

// NewTradeStream creates a TradeStream. Returns an error on a missing key or
// unparseable URL.
func NewTradeStream(cfg StreamConfig) (*TradeStream, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	cfg.defaults()
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("trade stream url: %w", err)
	}
	return &TradeStream{cfg: cfg}, nil
}

// Start connects and streams trades until ctx is cancelled, reconnecting
// with exponential backoff on disconnect.
func (s *TradeStream) Start(ctx context.Context) error {
	delay := s.cfg.ReconnectDelay

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		err := s.runOnce(ctx)
		if err == nil {
			return nil
		}

		log.Printf("[stream] disconnected (%v), reconnecting in %s...", err, delay)
		if s.OnReconnect != nil {
			s.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > s.cfg.MaxReconnectDelay {
			delay = s.cfg.MaxReconnectDelay
		}
	}
}

// streamEvent is the wire shape of one stream message element. The provider
// sends arrays of heterogeneous events; only trades ("T") matter here.
type streamEvent struct {
	Event   string  `json:"ev"`
	Status  string  `json:"status"`
	Message string  `json:"message"`
	Symbol  string  `json:"sym"`
	Price   float64 `json:"p"`
	Size    float64 `json:"s"`
	// Trade time, unix millis on the stream (unlike the nanos on REST).
	Timestamp int64 `json:"t"`
}

// runOnce makes a single connection attempt: auth, subscribe, then read
// until disconnect or ctx cancel. Returns nil only on clean ctx cancel.
func (s *TradeStream) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	log.Printf("[stream] connected to %s", s.cfg.URL)

	// Context watcher, scoped to this attempt: closes the connection on ctx
	// cancel, exits when the attempt ends so reconnects don't accumulate
	// watcher goroutines.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			conn.Close()
		case <-done:
		}
	}()

	auth := fmt.Sprintf(`{"action":"auth","params":"%s"}`, s.cfg.APIKey)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(auth)); err != nil {
		return fmt.Errorf("auth write: %w", err)
	}

	topics := make([]string, len(s.cfg.Symbols))
	for i, sym := range s.cfg.Symbols {
		topics[i] = "T." + sym
	}
	sub := fmt.Sprintf(`{"action":"subscribe","params":"%s"}`, strings.Join(topics, ","))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(sub)); err != nil {
		return fmt.Errorf("subscribe write: %w", err)
	}
	log.Printf("[stream] subscribed to %d trade topics", len(topics))
	if s.OnConnect != nil {
		s.OnConnect()
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		var events []streamEvent
		if err := json.Unmarshal(data, &events); err != nil {
			log.Printf("[stream] parse error: %v", err)
			continue
		}

		for _, ev := range events {
			switch ev.Event {
			case "T":
				if ev.Symbol == "" || ev.Price <= 0 || s.OnTrade == nil {
					continue
				}
				ts := time.Unix(0, ev.Timestamp*int64(time.Millisecond)).UTC()
				s.OnTrade(ev.Symbol, ev.Price, ts)
			case "status":
				if ev.Status == "auth_failed" {
					return fmt.Errorf("stream auth failed: %s", ev.Message)
				}
			}
		}
	}
}
