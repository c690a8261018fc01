package ws

import (
	"context"
	"encoding/json"
	"mmbot/internal/models"
	"strings"
	"time"
)

func (w *Client) readLoop() {
	w.logEntry().Debug("read loop started")

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			select {
			case <-w.stopCh:
				return
			default:
			}
			w.logEntry().WithError(err).Warn("websocket read failed")
			w.setLink(models.Disconnected)

			if !w.reconnect() {
				return
			}
			continue
		}

		w.handle(data)
	}
}

func (w *Client) handle(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		w.logEntry().WithError(err).Warn("malformed websocket message")
		return
	}

	switch {
	case msg.Op != "":
		if msg.Success != nil && !*msg.Success {
			w.logEntry().WithFields(map[string]interface{}{
				"op":  msg.Op,
				"msg": msg.RetMsg,
			}).Warn("websocket request rejected")
		}
	case msg.Topic == "order" || strings.HasPrefix(msg.Topic, "order."):
		w.handleOrder(msg)
	case msg.Topic == "wallet":
		w.handleWallet(msg)
	case strings.HasPrefix(msg.Topic, "orderbook."):
		w.handleBook(msg)
	}
}

func (w *Client) reconnect() bool {
	backoff := w.reconnectMin

	for {
		select {
		case <-w.stopCh:
			return false
		case <-time.After(backoff):
		}

		w.logEntry().Info("reconnecting websocket")

		if err := w.dial(context.Background()); err != nil {
			w.logEntry().WithError(err).Warn("websocket reconnect failed")
			backoff = w.nextBackoff(backoff)
			continue
		}

		if err := w.subscribe(); err != nil {
			w.logEntry().WithError(err).Warn("websocket resubscribe failed")
			backoff = w.nextBackoff(backoff)
			continue
		}

		w.bids.Clear()
		w.asks.Clear()
		w.setLink(models.Connected)
		w.logEntry().Info("websocket reconnected and resubscribed")
		return true
	}
}

func (w *Client) nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > w.reconnectMax {
		return w.reconnectMax
	}
	return next
}
