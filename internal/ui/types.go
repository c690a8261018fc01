package ui

import (
	"context"
	"mmbot/internal/engine"
	"mmbot/internal/models"
)

// Engine is the part of the engine the UI reads from and commands.
type Engine interface {
	Trades() []models.Trade
	OpenOrders() []models.Order
	Position() models.Position
	Safety() models.Safety
	TargetBasePosition() models.TargetBasePosition
	ExchangeConnectivity() models.Connectivity
	QuotingState() models.Connectivity
	Levels() models.Levels
	Product() models.Product

	SubmitOrder(ctx context.Context, req engine.OrderRequest) models.Order
	CancelOrder(ctx context.Context, localID string) error
	CancelAll(ctx context.Context) error
	CleanTrade(ctx context.Context, tradeID string) bool
	CleanClosedTrades(ctx context.Context) int
	CleanAllTrades(ctx context.Context) int
	SetAutoStart(state models.Connectivity)

	SetFairValue(ctx context.Context, fv float64)
	SetTargetBias(ctx context.Context, bias float64)
	SetSideBias(ctx context.Context, label string)
	InjectLevels(ctx context.Context, levels models.Levels) error
}

type CancelOrderRequest struct {
	OrderID string `json:"orderId"`
}

type CleanTradeRequest struct {
	TradeID string `json:"tradeId"`
}

type QuotingStateRequest struct {
	State models.Connectivity `json:"state"`
}

// FairValueRequest carries the strategy fair value.
type FairValueRequest struct {
	FairValue float64 `json:"fairValue"`
}

// TargetBiasRequest carries the strategy target bias in [-1, 1] and an
// optional side bias label.
type TargetBiasRequest struct {
	TargetBias *float64 `json:"targetBias"`
	SideBias   *string  `json:"sideBias"`
}

type ConnectivityResponse struct {
	Exchange models.Connectivity `json:"exchange"`
	Quoting  models.Connectivity `json:"quoting"`
}

type CleanResponse struct {
	Removed int `json:"removed"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WSSubscribeRequest narrows the topics a websocket client receives. A
// client that never subscribes receives every topic.
type WSSubscribeRequest struct {
	Op     string   `json:"op"`
	Topics []string `json:"topics"`
}

// Envelope is the websocket frame for one notification.
type Envelope struct {
	Topic string `json:"topic"`
	Data  any    `json:"data,omitempty"`
}
