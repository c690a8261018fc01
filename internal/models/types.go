package models

import (
	"math"
	"time"
)

type Side string
type OrderType string
type TimeInForce string
type OrderStatus string
type Connectivity string

const (
	SideBid Side = "Bid"
	SideAsk Side = "Ask"

	OrderTypeLimit  OrderType = "Limit"
	OrderTypeMarket OrderType = "Market"

	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"

	OrderStatusNew       OrderStatus = "New"
	OrderStatusWorking   OrderStatus = "Working"
	OrderStatusCancelled OrderStatus = "Cancelled"
	OrderStatusComplete  OrderStatus = "Complete"

	Connected    Connectivity = "Connected"
	Disconnected Connectivity = "Disconnected"
)

// Opposite returns the counter side.
func (s Side) Opposite() Side {
	if s == SideBid {
		return SideAsk
	}
	return SideBid
}

func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCancelled || s == OrderStatusComplete
}

type Pair struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

func (p Pair) Symbol() string {
	return p.Base + p.Quote
}

type Order struct {
	LocalID              string        `json:"orderId"`
	ExchangeID           string        `json:"exchangeId"`
	Exchange             string        `json:"exchange"`
	Pair                 Pair          `json:"pair"`
	Side                 Side          `json:"side"`
	Quantity             float64       `json:"quantity"`
	LastQuantity         float64       `json:"lastQuantity"`
	Price                float64       `json:"price"`
	Type                 OrderType     `json:"type"`
	TimeInForce          TimeInForce   `json:"timeInForce"`
	Status               OrderStatus   `json:"orderStatus"`
	PreferPostOnly       bool          `json:"preferPostOnly"`
	IsPong               bool          `json:"isPong"`
	Time                 time.Time     `json:"time"`
	ComputationalLatency time.Duration `json:"computationalLatency"`
}

// Open reports whether the order may still trade.
func (o Order) Open() bool {
	return o.Status == OrderStatusNew || o.Status == OrderStatusWorking
}

// OrderPatch is a partial order update. Nil fields are absent and leave the
// stored value untouched; a non-nil field always overwrites, zero included.
type OrderPatch struct {
	LocalID              string
	ExchangeID           *string
	Exchange             *string
	Pair                 *Pair
	Side                 *Side
	Quantity             *float64
	LastQuantity         *float64
	Price                *float64
	Type                 *OrderType
	TimeInForce          *TimeInForce
	Status               *OrderStatus
	PreferPostOnly       *bool
	IsPong               *bool
	Time                 *time.Time
	ComputationalLatency *time.Duration
}

// PatchFromOrder carries every field of o.
func PatchFromOrder(o Order) OrderPatch {
	p := OrderPatch{
		LocalID:        o.LocalID,
		ExchangeID:     Ptr(o.ExchangeID),
		Exchange:       Ptr(o.Exchange),
		Pair:           Ptr(o.Pair),
		Side:           Ptr(o.Side),
		Quantity:       Ptr(o.Quantity),
		LastQuantity:   Ptr(o.LastQuantity),
		Price:          Ptr(o.Price),
		Type:           Ptr(o.Type),
		TimeInForce:    Ptr(o.TimeInForce),
		Status:         Ptr(o.Status),
		PreferPostOnly: Ptr(o.PreferPostOnly),
		IsPong:         Ptr(o.IsPong),
	}
	if !o.Time.IsZero() {
		p.Time = Ptr(o.Time)
	}
	if o.ComputationalLatency != 0 {
		p.ComputationalLatency = Ptr(o.ComputationalLatency)
	}
	return p
}

// ApplyTo merges the present fields of p over o.
func (p OrderPatch) ApplyTo(o Order) Order {
	if p.LocalID != "" {
		o.LocalID = p.LocalID
	}
	if p.ExchangeID != nil {
		o.ExchangeID = *p.ExchangeID
	}
	if p.Exchange != nil {
		o.Exchange = *p.Exchange
	}
	if p.Pair != nil {
		o.Pair = *p.Pair
	}
	if p.Side != nil {
		o.Side = *p.Side
	}
	if p.Quantity != nil {
		o.Quantity = *p.Quantity
	}
	if p.LastQuantity != nil {
		o.LastQuantity = *p.LastQuantity
	}
	if p.Price != nil {
		o.Price = *p.Price
	}
	if p.Type != nil {
		o.Type = *p.Type
	}
	if p.TimeInForce != nil {
		o.TimeInForce = *p.TimeInForce
	}
	if p.Status != nil {
		o.Status = *p.Status
	}
	if p.PreferPostOnly != nil {
		o.PreferPostOnly = *p.PreferPostOnly
	}
	if p.IsPong != nil {
		o.IsPong = *p.IsPong
	}
	if p.Time != nil {
		o.Time = *p.Time
	}
	if p.ComputationalLatency != nil {
		o.ComputationalLatency = *p.ComputationalLatency
	}
	return o
}

// Filled returns the fill size carried by the patch, zero when absent.
func (p OrderPatch) Filled() float64 {
	if p.LastQuantity == nil {
		return 0
	}
	return *p.LastQuantity
}

func Ptr[T any](v T) *T {
	return &v
}

type Trade struct {
	TradeID      string    `json:"tradeId"`
	Exchange     string    `json:"exchange"`
	Pair         Pair      `json:"pair"`
	Price        float64   `json:"price"`
	Quantity     float64   `json:"quantity"`
	Side         Side      `json:"side"`
	Time         time.Time `json:"time"`
	Value        float64   `json:"value"`
	MatchedTime  time.Time `json:"matchedTime"`
	MatchedQty   float64   `json:"matchedQty"`
	MatchedPrice float64   `json:"matchedPrice"`
	MatchedValue float64   `json:"matchedValue"`
	MatchedDiff  float64   `json:"matchedDiff"`
	FeeCharged   float64   `json:"feeCharged"`
	LoadedFromDB bool      `json:"loadedFromDB"`
}

// TradeDeleted marks a trade that is about to be erased.
const TradeDeleted = -1

func (t Trade) Unmatched() float64 {
	return t.Quantity - t.MatchedQty
}

func (t Trade) FullyMatched() bool {
	return t.MatchedQty >= t.Quantity
}

func (t Trade) Deleted() bool {
	return t.MatchedQty == TradeDeleted
}

type Position struct {
	BaseAmount      float64 `json:"baseAmount"`
	QuoteAmount     float64 `json:"quoteAmount"`
	BaseHeldAmount  float64 `json:"baseHeldAmount"`
	QuoteHeldAmount float64 `json:"quoteHeldAmount"`
	Value           float64 `json:"value"`
	QuoteValue      float64 `json:"quoteValue"`
	ProfitBase      float64 `json:"profitBase"`
	ProfitQuote     float64 `json:"profitQuote"`
	Pair            Pair    `json:"pair"`
	Exchange        string  `json:"exchange"`
}

func (p Position) Empty() bool {
	return p.Value == 0
}

type Safety struct {
	Buy      float64 `json:"buy"`
	Sell     float64 `json:"sell"`
	Combined float64 `json:"combined"`
	BuyPing  float64 `json:"buyPing"`
	SellPong float64 `json:"sellPong"`
}

type TargetBasePosition struct {
	TargetBasePosition float64 `json:"tbp"`
	SideBias           string  `json:"sideAPR"`
}

type Wallet struct {
	Currency string  `json:"currency"`
	Amount   float64 `json:"amount"`
	Held     float64 `json:"held"`
}

type Level struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

type Levels struct {
	Bids []Level `json:"bids"`
	Asks []Level `json:"asks"`
}

func (l Levels) Empty() bool {
	return len(l.Bids) == 0 && len(l.Asks) == 0
}

// Mid is the midpoint of the top bid and ask, or 0 when a side is missing.
func (l Levels) Mid() float64 {
	if len(l.Bids) == 0 || len(l.Asks) == 0 || l.Bids[0].Price <= 0 || l.Asks[0].Price <= 0 {
		return 0
	}
	return (l.Bids[0].Price + l.Asks[0].Price) / 2
}

type Product struct {
	Exchange string  `json:"exchange"`
	Pair     Pair    `json:"pair"`
	MinTick  float64 `json:"minTick"`
	MinSize  float64 `json:"minSize"`
}

// RoundSide rounds price to tick in the direction favorable to side:
// bids down, asks up.
func RoundSide(price, tick float64, side Side) float64 {
	if tick <= 0 {
		return price
	}
	steps := price / tick
	if side == SideBid {
		steps = math.Floor(steps + 1e-9)
	} else {
		steps = math.Ceil(steps - 1e-9)
	}
	return math.Round(steps*tick*1e10) / 1e10
}
