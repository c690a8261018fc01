package ws

import (
	"mmbot/internal/exchange"
	"mmbot/internal/logger"
	"mmbot/internal/models"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Setup & Helpers --------------------------------------------------------

func newTestClient(public bool) (*Client, chan exchange.Event) {
	events := make(chan exchange.Event, 16)
	if public {
		return NewPublic("ws://unused", 2, events, logger.NewNop()), events
	}
	return NewPrivate("ws://unused", "", "", events, logger.NewNop()), events
}

func drain(events chan exchange.Event) []exchange.Event {
	var res []exchange.Event
	for {
		select {
		case ev := <-events:
			res = append(res, ev)
		default:
			return res
		}
	}
}

// --- Tests ------------------------------------------------------------------

func TestMapStatus(t *testing.T) {
	cases := map[string]models.OrderStatus{
		"New":                     models.OrderStatusWorking,
		"PartiallyFilled":         models.OrderStatusWorking,
		"Untriggered":             models.OrderStatusWorking,
		"Filled":                  models.OrderStatusComplete,
		"Cancelled":               models.OrderStatusCancelled,
		"PartiallyFilledCanceled": models.OrderStatusCancelled,
		"Rejected":                models.OrderStatusCancelled,
	}
	for in, want := range cases {
		got, ok := MapStatus(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	_, ok := MapStatus("Bogus")
	assert.False(t, ok)
}

func TestHandleOrder_FillSizesFromCumulativeQuantity(t *testing.T) {
	w, events := newTestClient(false)

	w.handle([]byte(`{"topic":"order","data":[{"orderId":"X1","orderLinkId":"L1","side":"Sell","price":"101","qty":"3","cumExecQty":"0","orderStatus":"New"}]}`))
	w.handle([]byte(`{"topic":"order","data":[{"orderId":"X1","orderLinkId":"L1","side":"Sell","price":"101","qty":"3","cumExecQty":"1.25","orderStatus":"PartiallyFilled","updatedTime":"1700000000000"}]}`))
	w.handle([]byte(`{"topic":"order","data":[{"orderId":"X1","orderLinkId":"L1","side":"Sell","price":"101","qty":"3","cumExecQty":"3","orderStatus":"Filled"}]}`))

	got := drain(events)
	require.Len(t, got, 3)

	ack := got[0].Order
	assert.Equal(t, "L1", ack.LocalID)
	assert.Equal(t, "X1", *ack.ExchangeID)
	assert.Equal(t, models.OrderStatusWorking, *ack.Status)
	assert.Equal(t, models.SideAsk, *ack.Side)
	assert.Nil(t, ack.LastQuantity)

	partial := got[1].Order
	assert.Equal(t, 1.25, *partial.LastQuantity)
	require.NotNil(t, partial.Time)
	assert.Equal(t, int64(1700000000000), partial.Time.UnixMilli())

	done := got[2].Order
	assert.Equal(t, models.OrderStatusComplete, *done.Status)
	assert.Equal(t, 1.75, *done.LastQuantity)
	assert.Empty(t, w.cumExec)
}

func TestHandleWallet(t *testing.T) {
	w, events := newTestClient(false)

	w.handle([]byte(`{"topic":"wallet","data":[{"coin":[{"coin":"USDT","walletBalance":"1000","locked":"250"}]}]}`))

	got := drain(events)
	require.Len(t, got, 1)
	assert.Equal(t, models.Wallet{Currency: "USDT", Amount: 750, Held: 250}, *got[0].Wallet)
}

func TestHandleBook_SnapshotAndDelta(t *testing.T) {
	w, events := newTestClient(true)

	w.handle([]byte(`{"topic":"orderbook.50.BTCUSDT","type":"snapshot","data":{"s":"BTCUSDT","b":[["99","1"],["98","2"],["97","3"]],"a":[["101","1"],["102","2"]]}}`))
	w.handle([]byte(`{"topic":"orderbook.50.BTCUSDT","type":"delta","data":{"s":"BTCUSDT","b":[["99","0"],["100","4"]],"a":[["101","0"]]}}`))

	got := drain(events)
	require.Len(t, got, 2)
	snapshot := *got[0].Levels
	assert.Equal(t, []models.Level{{Price: 99, Size: 1}, {Price: 98, Size: 2}}, snapshot.Bids)
	assert.Equal(t, []models.Level{{Price: 101, Size: 1}, {Price: 102, Size: 2}}, snapshot.Asks)

	delta := *got[1].Levels
	assert.Equal(t, []models.Level{{Price: 100, Size: 4}, {Price: 98, Size: 2}}, delta.Bids)
	assert.Equal(t, []models.Level{{Price: 102, Size: 2}}, delta.Asks)
}

func TestHandle_IgnoresMalformedAndControlMessages(t *testing.T) {
	w, events := newTestClient(false)

	w.handle([]byte(`not json`))
	w.handle([]byte(`{"op":"auth","success":false,"ret_msg":"denied"}`))
	w.handle([]byte(`{"topic":"order","data":[{"orderId":"X1","orderStatus":"Bogus"}]}`))

	assert.Empty(t, drain(events))
}
