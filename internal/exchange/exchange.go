package exchange

import (
	"context"
	"mmbot/internal/models"
	"time"
)

type EventType string

const (
	EventTypeOrder         EventType = "Order"
	EventTypeWallet        EventType = "Wallet"
	EventTypeConnectOrder  EventType = "ConnectOrder"
	EventTypeConnectMarket EventType = "ConnectMarket"
	EventTypeLevels        EventType = "Levels"
)

type Event struct {
	Type         EventType
	Order        *models.OrderPatch
	Wallet       *models.Wallet
	Connectivity models.Connectivity
	Levels       *models.Levels
}

type InstrumentRules struct {
	TickSize    float64
	LotSize     float64
	MinQty      float64
	MinNotional float64
	BaseCoin    string
	QuoteCoin   string
}

// Gateway is the exchange adapter. Submission and cancellation are
// acknowledged asynchronously through Events.
type Gateway interface {
	Start(ctx context.Context) error
	Events() <-chan Event
	Close() error

	Exchange() string
	Pair() models.Pair
	MinTick() float64
	MinSize() float64
	SupportsCancelAll() bool
	RequiresExchangeIDForCancel() bool
	GenerateLocalID() string

	SubmitOrder(ctx context.Context, order models.Order) error
	CancelOrder(ctx context.Context, localID, exchangeID string, side models.Side, submitted time.Time) error
	CancelAll(ctx context.Context) error
	RefreshWallets(ctx context.Context) error
}

// BookInjector is implemented by simulated gateways whose book is fed from
// outside instead of a market data stream.
type BookInjector interface {
	SetLevels(ctx context.Context, levels models.Levels) error
}
