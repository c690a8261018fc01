package ws

import (
	"encoding/json"
	"mmbot/internal/exchange"
	"mmbot/internal/models"
	"strconv"
	"time"

	"github.com/tidwall/btree"
)

// MapStatus translates a Bybit order status. Resting states map to Working.
func MapStatus(status string) (models.OrderStatus, bool) {
	switch status {
	case "New", "PartiallyFilled", "Untriggered", "Triggered":
		return models.OrderStatusWorking, true
	case "Filled":
		return models.OrderStatusComplete, true
	case "Cancelled", "PartiallyFilledCanceled", "Rejected", "Deactivated":
		return models.OrderStatusCancelled, true
	default:
		return "", false
	}
}

func MapSide(side string) models.Side {
	if side == "Sell" {
		return models.SideAsk
	}
	return models.SideBid
}

func (w *Client) handleOrder(msg Message) {
	var data []orderData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		w.logEntry().WithError(err).Warn("malformed order message")
		return
	}

	for _, item := range data {
		w.logEntry().WithFields(map[string]interface{}{
			"order_id":      item.OrderLink,
			"exchange_id":   item.OrderID,
			"status":        item.OrderStatus,
			"reject_reason": item.RejectReason,
			"price":         item.Price,
			"qty":           item.Qty,
			"cum_exec_qty":  item.CumExecQty,
		}).Debug("order")

		if patch, ok := w.orderPatch(item); ok {
			w.emit(exchange.Event{Type: exchange.EventTypeOrder, Order: &patch})
		}
	}
}

// orderPatch converts a stream update. The fill size is the growth of the
// cumulative executed quantity since the previous update of the order.
func (w *Client) orderPatch(item orderData) (models.OrderPatch, bool) {
	status, ok := MapStatus(item.OrderStatus)
	if !ok {
		w.logEntry().WithField("status", item.OrderStatus).Warn("unknown order status")
		return models.OrderPatch{}, false
	}

	patch := models.OrderPatch{
		LocalID:    item.OrderLink,
		ExchangeID: models.Ptr(item.OrderID),
		Status:     models.Ptr(status),
		Side:       models.Ptr(MapSide(item.Side)),
	}
	if price, err := strconv.ParseFloat(item.Price, 64); err == nil && price > 0 {
		patch.Price = models.Ptr(price)
	}
	if qty, err := strconv.ParseFloat(item.Qty, 64); err == nil && qty > 0 {
		patch.Quantity = models.Ptr(qty)
	}

	cum, _ := strconv.ParseFloat(item.CumExecQty, 64)
	if last := cum - w.cumExec[item.OrderID]; last > 0 {
		patch.LastQuantity = models.Ptr(last)
		ms, _ := strconv.ParseInt(item.UpdatedTime, 10, 64)
		if ms > 0 {
			patch.Time = models.Ptr(time.UnixMilli(ms))
		}
	}
	if status.Terminal() {
		delete(w.cumExec, item.OrderID)
	} else {
		w.cumExec[item.OrderID] = cum
	}
	return patch, true
}

func (w *Client) handleWallet(msg Message) {
	var data []walletData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		w.logEntry().WithError(err).Warn("malformed wallet message")
		return
	}

	for _, account := range data {
		for _, coin := range account.Coin {
			total, _ := strconv.ParseFloat(coin.WalletBalance, 64)
			locked, _ := strconv.ParseFloat(coin.Locked, 64)
			w.emit(exchange.Event{Type: exchange.EventTypeWallet, Wallet: &models.Wallet{
				Currency: coin.Coin,
				Amount:   total - locked,
				Held:     locked,
			}})
		}
	}
}

// handleBook maintains the local order book from snapshot and delta
// messages and publishes its top levels.
func (w *Client) handleBook(msg Message) {
	var data bookData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		w.logEntry().WithError(err).Warn("malformed orderbook message")
		return
	}

	if msg.Type == "snapshot" {
		w.bids.Clear()
		w.asks.Clear()
	}
	applyLevels(w.bids, data.Bids)
	applyLevels(w.asks, data.Asks)

	levels := w.topLevels()
	w.emit(exchange.Event{Type: exchange.EventTypeLevels, Levels: &levels})
}

func applyLevels(side *btree.Map[float64, float64], updates [][2]string) {
	for _, u := range updates {
		price, err := strconv.ParseFloat(u[0], 64)
		if err != nil {
			continue
		}
		size, err := strconv.ParseFloat(u[1], 64)
		if err != nil {
			continue
		}
		if size == 0 {
			side.Delete(price)
			continue
		}
		side.Set(price, size)
	}
}

// topLevels returns bids best first (descending) and asks best first
// (ascending), each capped at the configured depth.
func (w *Client) topLevels() models.Levels {
	var levels models.Levels
	w.bids.Reverse(func(price, size float64) bool {
		levels.Bids = append(levels.Bids, models.Level{Price: price, Size: size})
		return len(levels.Bids) < w.depth
	})
	w.asks.Scan(func(price, size float64) bool {
		levels.Asks = append(levels.Asks, models.Level{Price: price, Size: size})
		return len(levels.Asks) < w.depth
	})
	return levels
}
