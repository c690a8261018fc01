package rest

import (
	"context"
	"mmbot/internal/exchange"
	"mmbot/internal/models"
	"net/http"
)

// PlaceOrder submits order on the spot market, using its local id as the
// orderLinkId, and returns the exchange order id.
func (c *Client) PlaceOrder(ctx context.Context, symbol string, order models.Order, rules exchange.InstrumentRules) (string, error) {
	body := map[string]any{
		"category":    "spot",
		"symbol":      symbol,
		"side":        sideToBybit(order.Side),
		"orderType":   string(order.Type),
		"qty":         formatWithStep(order.Quantity, rules.LotSize),
		"price":       formatWithStep(order.Price, rules.TickSize),
		"timeInForce": timeInForceToBybit(order),
		"orderLinkId": order.LocalID,
	}

	if order.Type == models.OrderTypeMarket {
		delete(body, "price")
		body["marketUnit"] = "baseCoin"
	}

	var resp bybitResponse[struct {
		OrderID string `json:"orderId"`
	}]

	if err := c.doRequest(ctx, http.MethodPost, "/v5/order/create", nil, body, true, &resp); err != nil {
		return "", err
	}

	c.logEntry().WithFields(map[string]interface{}{
		"order_id":    order.LocalID,
		"exchange_id": resp.Result.OrderID,
	}).Debug("order created")
	return resp.Result.OrderID, nil
}

// CancelOrder cancels by exchange id when known, by orderLinkId otherwise.
func (c *Client) CancelOrder(ctx context.Context, symbol, localID, exchangeID string) error {
	body := map[string]any{
		"category": "spot",
		"symbol":   symbol,
	}
	if exchangeID != "" {
		body["orderId"] = exchangeID
	} else {
		body["orderLinkId"] = localID
	}

	var resp bybitResponse[struct{}]
	return c.doRequest(ctx, http.MethodPost, "/v5/order/cancel", nil, body, true, &resp)
}

func (c *Client) CancelAll(ctx context.Context, symbol string) error {
	body := map[string]any{
		"category": "spot",
		"symbol":   symbol,
	}

	var resp bybitResponse[struct{}]
	return c.doRequest(ctx, http.MethodPost, "/v5/order/cancel-all", nil, body, true, &resp)
}

func sideToBybit(side models.Side) string {
	if side == models.SideAsk {
		return "Sell"
	}
	return "Buy"
}

func timeInForceToBybit(order models.Order) string {
	if order.PreferPostOnly && order.Type == models.OrderTypeLimit {
		return "PostOnly"
	}
	if order.TimeInForce == "" {
		return string(models.TimeInForceGTC)
	}
	return string(order.TimeInForce)
}
