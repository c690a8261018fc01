package engine

import (
	"context"
	"mmbot/internal/bus"
	"mmbot/internal/exchange"
	"mmbot/internal/models"
	"mmbot/internal/notify"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Tests ------------------------------------------------------------------

func TestConnectivity_Aggregation(t *testing.T) {
	env := newTestEnv(nil, nil)
	exchangeEvents := recordTopic(env.bus, bus.TopicExchangeConnectivity)
	quotingEvents := recordTopic(env.bus, bus.TopicQuotingState)
	c := env.engine.conn

	assert.Equal(t, models.Disconnected, c.Exchange())
	assert.Equal(t, models.Disconnected, c.Quoting())

	c.SetOrderLink(models.Connected)
	assert.Equal(t, models.Disconnected, c.Exchange())
	assert.Empty(t, *exchangeEvents)

	c.SetMarketDataLink(models.Connected)
	assert.Equal(t, models.Connected, c.Exchange())
	assert.Equal(t, models.Disconnected, c.Quoting(), "auto start is off")
	require.Len(t, *exchangeEvents, 1)
	assert.Empty(t, *quotingEvents)

	c.SetAutoStart(models.Connected)
	assert.Equal(t, models.Connected, c.Quoting())
	require.Len(t, *quotingEvents, 1)

	c.SetOrderLink(models.Connected)
	assert.Len(t, *exchangeEvents, 1, "no transition, no event")

	c.SetOrderLink(models.Disconnected)
	assert.Equal(t, models.Disconnected, c.Exchange())
	assert.Equal(t, models.Disconnected, c.Quoting())
	assert.Len(t, *exchangeEvents, 2)
	assert.Len(t, *quotingEvents, 2)
	assert.Equal(t, 2, env.notifier.count(notify.TopicQuotingState))
}

func TestConnectivity_AutoStartFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Runtime.AutoStart = true
	env := newTestEnv(cfg, nil)

	env.engine.conn.SetOrderLink(models.Connected)
	env.engine.conn.SetMarketDataLink(models.Connected)
	assert.Equal(t, models.Connected, env.engine.QuotingState())
}

func TestDispatch_MarketDataLossClearsLevels(t *testing.T) {
	env := newTestEnv(nil, nil)
	ctx := context.Background()
	levels := models.Levels{
		Bids: []models.Level{{Price: 99, Size: 1}},
		Asks: []models.Level{{Price: 101, Size: 2}},
	}

	env.engine.dispatch(ctx, exchange.Event{Type: exchange.EventTypeConnectMarket, Connectivity: models.Connected})
	env.engine.dispatch(ctx, exchange.Event{Type: exchange.EventTypeLevels, Levels: &levels})
	assert.Equal(t, levels, env.engine.Levels())

	env.engine.dispatch(ctx, exchange.Event{Type: exchange.EventTypeConnectMarket, Connectivity: models.Disconnected})
	assert.True(t, env.engine.Levels().Empty())

	sent := env.notifier.payloads(notify.TopicLevels)
	require.Len(t, sent, 2)
	assert.True(t, sent[1].(models.Levels).Empty())
}
