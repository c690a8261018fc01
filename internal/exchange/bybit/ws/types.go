package ws

import (
	"encoding/json"
	"mmbot/internal/exchange"
	"mmbot/internal/logger"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/btree"
)

// Client is one Bybit v5 stream, either the public market data stream or
// the authenticated private stream.
type Client struct {
	url    string
	apiKey string
	secret string
	link   exchange.EventType
	depth  int
	log    *logger.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	events   chan<- exchange.Event
	stopCh   chan struct{}
	stopOnce sync.Once

	symbol       string
	topics       []string
	reconnectMin time.Duration
	reconnectMax time.Duration
	pingInterval time.Duration

	// owned by the read loop
	cumExec map[string]float64
	bids    *btree.Map[float64, float64]
	asks    *btree.Map[float64, float64]
}

type Message struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	TS    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`

	Op      string `json:"op"`
	Success *bool  `json:"success"`
	RetMsg  string `json:"ret_msg"`
}

type AuthMessage struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

type SubscribeMessage struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

type orderData struct {
	OrderID      string `json:"orderId"`
	OrderLink    string `json:"orderLinkId"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	OrderType    string `json:"orderType"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	CumExecQty   string `json:"cumExecQty"`
	OrderStatus  string `json:"orderStatus"`
	TimeInForce  string `json:"timeInForce"`
	RejectReason string `json:"rejectReason"`
	UpdatedTime  string `json:"updatedTime"`
}

type walletData struct {
	Coin []struct {
		Coin          string `json:"coin"`
		WalletBalance string `json:"walletBalance"`
		Locked        string `json:"locked"`
	} `json:"coin"`
}

type bookData struct {
	Symbol string      `json:"s"`
	Bids   [][2]string `json:"b"`
	Asks   [][2]string `json:"a"`
	Update int64       `json:"u"`
}
