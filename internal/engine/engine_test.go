package engine

import (
	"context"
	"mmbot/internal/exchange"
	"mmbot/internal/models"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Tests ------------------------------------------------------------------

func TestEngine_Lifecycle(t *testing.T) {
	cfg := testConfig()
	cfg.Quoting.CancelOrdersAuto = true
	cfg.Runtime.WalletInterval = 5 * time.Millisecond
	cfg.Runtime.CancelAllEvery = 2
	gw := newFakeGateway()
	gw.cancelAll = true
	env := newTestEnv(cfg, gw)
	ctx := context.Background()

	require.NoError(t, env.engine.Start(ctx))

	// 1. Gateway events reach the ledgers through the event loop.
	gw.events <- exchange.Event{Type: exchange.EventTypeConnectOrder, Connectivity: models.Connected}
	gw.events <- exchange.Event{Type: exchange.EventTypeConnectMarket, Connectivity: models.Connected}
	gw.events <- exchange.Event{Type: exchange.EventTypeOrder, Order: &models.OrderPatch{
		LocalID:  "ext-1",
		Status:   models.Ptr(models.OrderStatusNew),
		Side:     models.Ptr(models.SideBid),
		Price:    models.Ptr(10.0),
		Quantity: models.Ptr(1.0),
	}}
	assert.Eventually(t, func() bool {
		_, ok := env.engine.orders.Get("ext-1")
		return ok && env.engine.ExchangeConnectivity() == models.Connected
	}, time.Second, 5*time.Millisecond)

	// 2. The timekeeper refreshes wallets and periodically cancels everything.
	assert.Eventually(t, func() bool {
		cancels, refreshes, _ := gw.counters()
		return cancels >= 1 && refreshes >= 3
	}, time.Second, 5*time.Millisecond)

	// 3. Shutdown cancels open orders before closing the gateway.
	before, _, _ := gw.counters()
	require.NoError(t, env.engine.Shutdown(ctx))
	after, _, closed := gw.counters()
	assert.Greater(t, after, before)
	assert.True(t, closed)
	assert.NoError(t, env.engine.Wait())
}

func TestEngine_WaitBeforeStart(t *testing.T) {
	env := newTestEnv(nil, nil)
	assert.ErrorIs(t, env.engine.Wait(), ErrNotStarted)
}

func TestEngine_FillUpdatesSafety(t *testing.T) {
	env := newTestEnv(nil, nil)
	env.wallets(100, 5, 500)

	env.trade(models.SideAsk, 101, 0.5)
	assert.Equal(t, 0.5, env.engine.Safety().Sell)
}

func TestEngine_IgnoresNonPositiveFairValue(t *testing.T) {
	env := newTestEnv(nil, nil)
	env.engine.SetFairValue(context.Background(), -1)
	assert.Zero(t, env.engine.fair.Get())
}

func TestEngine_Product(t *testing.T) {
	env := newTestEnv(nil, nil)
	assert.Equal(t, models.Product{
		Exchange: "fake",
		Pair:     models.Pair{Base: "BTC", Quote: "USDT"},
		MinTick:  1,
		MinSize:  0.01,
	}, env.engine.Product())
}

func TestEngine_LevelsSeedFairValueWhenEnabled(t *testing.T) {
	cfg := testConfig()
	cfg.Quoting.FairValueFromBook = true
	env := newTestEnv(cfg, nil)
	ctx := context.Background()

	env.engine.dispatch(ctx, exchange.Event{Type: exchange.EventTypeLevels, Levels: &models.Levels{
		Asks: []models.Level{{Price: 101, Size: 1}},
	}})
	assert.Zero(t, env.engine.fair.Get(), "one sided book has no mid")

	env.engine.dispatch(ctx, exchange.Event{Type: exchange.EventTypeLevels, Levels: &models.Levels{
		Bids: []models.Level{{Price: 99, Size: 1}},
		Asks: []models.Level{{Price: 101, Size: 1}},
	}})
	assert.Equal(t, 100.0, env.engine.fair.Get())
}

func TestEngine_LevelsLeaveFairValueWhenDisabled(t *testing.T) {
	env := newTestEnv(nil, nil)
	env.engine.dispatch(context.Background(), exchange.Event{Type: exchange.EventTypeLevels, Levels: &models.Levels{
		Bids: []models.Level{{Price: 99, Size: 1}},
		Asks: []models.Level{{Price: 101, Size: 1}},
	}})
	assert.Zero(t, env.engine.fair.Get())
	assert.Equal(t, 99.0, env.engine.Levels().Bids[0].Price)
}

func TestEngine_InjectLevelsNeedsSimulatedGateway(t *testing.T) {
	env := newTestEnv(nil, nil)
	err := env.engine.InjectLevels(context.Background(), models.Levels{Asks: []models.Level{{Price: 1, Size: 1}}})
	assert.ErrorIs(t, err, ErrLevelsUnsupported)
}
