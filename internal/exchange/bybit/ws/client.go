package ws

import (
	"context"
	"fmt"
	"mmbot/internal/exchange"
	"mmbot/internal/logger"
	"mmbot/internal/models"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/btree"
)

const defaultDepth = 10

// NewPublic builds the market data stream client. Book levels are published
// up to depth per side.
func NewPublic(url string, depth int, events chan<- exchange.Event, log *logger.Logger) *Client {
	c := newClient(url, "", "", exchange.EventTypeConnectMarket, events, log)
	if depth > 0 {
		c.depth = depth
	}
	return c
}

// NewPrivate builds the authenticated order entry stream client.
func NewPrivate(url, apiKey, secret string, events chan<- exchange.Event, log *logger.Logger) *Client {
	return newClient(url, apiKey, secret, exchange.EventTypeConnectOrder, events, log)
}

func newClient(url, apiKey, secret string, link exchange.EventType, events chan<- exchange.Event, log *logger.Logger) *Client {
	return &Client{
		url:          url,
		apiKey:       apiKey,
		secret:       secret,
		link:         link,
		depth:        defaultDepth,
		log:          log,
		events:       events,
		stopCh:       make(chan struct{}),
		reconnectMin: 1 * time.Second,
		reconnectMax: 30 * time.Second,
		pingInterval: 20 * time.Second,
		cumExec:      make(map[string]float64),
		bids:         &btree.Map[float64, float64]{},
		asks:         &btree.Map[float64, float64]{},
	}
}

// Connect dials, subscribes to topics and starts the read and keepalive
// loops. The loops reconnect on their own until Close.
func (w *Client) Connect(ctx context.Context, symbol string, topics []string) error {
	w.symbol = symbol
	w.topics = topics
	w.logEntry().WithField("url", w.url).Info("connecting websocket")

	if err := w.dial(ctx); err != nil {
		return err
	}
	if err := w.subscribe(); err != nil {
		return fmt.Errorf("subscribe %v: %w", topics, err)
	}

	w.logEntry().Info("websocket connected")
	w.setLink(models.Connected)

	go w.readLoop()
	go w.pingLoop()

	return nil
}

func (w *Client) dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}

	w.writeMu.Lock()
	if w.conn != nil {
		_ = w.conn.Close()
	}
	w.conn = conn
	w.writeMu.Unlock()
	conn.SetReadLimit(2 << 20)

	if w.apiKey != "" && w.secret != "" {
		if err := w.authenticate(); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the loops and closes the connection.
func (w *Client) Close() error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.conn == nil {
		return nil
	}
	return w.conn.Close()
}

func (w *Client) writeJSON(v any) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	return w.conn.WriteJSON(v)
}

func (w *Client) pingLoop() {
	ticker := time.NewTicker(w.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := w.writeJSON(map[string]string{"op": "ping"}); err != nil {
				w.logEntry().WithError(err).Debug("ping failed")
			}
		}
	}
}

func (w *Client) emit(ev exchange.Event) {
	select {
	case w.events <- ev:
	case <-w.stopCh:
	}
}

func (w *Client) setLink(state models.Connectivity) {
	w.emit(exchange.Event{Type: w.link, Connectivity: state})
}

func (w *Client) logEntry() *logrus.Entry {
	entry := w.log.WithComponent("bybit_ws").WithField("link", w.link)
	if w.symbol != "" {
		entry = entry.WithField("symbol", w.symbol)
	}
	return entry
}
