package engine

import (
	"context"
	"fmt"
	"mmbot/internal/bus"
	"mmbot/internal/models"
	"mmbot/internal/notify"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func indexConsistent(l *OrderLedger) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for exchangeID, localID := range l.byExchangeID {
		o, ok := l.byLocalID[localID]
		if !ok || o.ExchangeID != exchangeID {
			return false
		}
	}
	return true
}

func statuses(events []bus.Event) []models.OrderStatus {
	res := make([]models.OrderStatus, 0, len(events))
	for _, ev := range events {
		res = append(res, ev.Order.Status)
	}
	return res
}

// --- Tests ------------------------------------------------------------------

func TestSubmit_ImmediateFullFill(t *testing.T) {
	env := newTestEnv(nil, nil)
	ctx := context.Background()
	orderEvents := recordTopic(env.bus, bus.TopicOrder)
	tradeEvents := recordTopic(env.bus, bus.TopicTrade)

	o := env.engine.SubmitOrder(ctx, OrderRequest{Side: models.SideBid, Price: 100, Quantity: 10})
	assert.Equal(t, 100.0, o.Price)
	assert.Equal(t, models.OrderStatusNew, o.Status)
	require.Len(t, env.gw.submitted, 1)
	assert.Equal(t, o.LocalID, env.gw.submitted[0].LocalID)

	env.clock.Advance(5 * time.Millisecond)
	working, ok := env.engine.orders.ApplyUpdate(ctx, models.OrderPatch{
		LocalID:    o.LocalID,
		ExchangeID: models.Ptr("E1"),
		Status:     models.Ptr(models.OrderStatusWorking),
	})
	require.True(t, ok)
	assert.Equal(t, 5*time.Millisecond, working.ComputationalLatency)
	assert.Equal(t, env.clock.Now(), working.Time)

	env.fill(o.LocalID, 10, models.OrderStatusComplete)

	assert.Equal(t, []models.OrderStatus{
		models.OrderStatusNew, models.OrderStatusWorking, models.OrderStatusComplete,
	}, statuses(*orderEvents))

	trades := env.engine.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, 10.0, trades[0].Quantity)
	assert.Equal(t, 100.0, trades[0].Price)
	assert.Equal(t, 1000.0, trades[0].Value)
	assert.Len(t, *tradeEvents, 1)

	_, live := env.engine.orders.Get(o.LocalID)
	assert.False(t, live, "terminal orders leave the index")
	assert.Empty(t, env.engine.orders.byExchangeID)
	assert.Equal(t, 3, env.notifier.count(notify.TopicOrders))
}

func TestSubmit_RoundsPriceTowardSide(t *testing.T) {
	env := newTestEnv(nil, nil)
	env.gw.tick = 0.5
	ctx := context.Background()

	bid := env.engine.SubmitOrder(ctx, OrderRequest{Side: models.SideBid, Price: 100.7, Quantity: 1})
	ask := env.engine.SubmitOrder(ctx, OrderRequest{Side: models.SideAsk, Price: 100.2, Quantity: 1})

	assert.Equal(t, 100.5, bid.Price)
	assert.Equal(t, 100.5, ask.Price)
	assert.Equal(t, models.OrderTypeLimit, bid.Type)
	assert.Equal(t, models.TimeInForceGTC, bid.TimeInForce)
}

func TestSubmit_RejectedBecomesCancelled(t *testing.T) {
	gw := newFakeGateway()
	gw.submitErr = errRejected
	env := newTestEnv(nil, gw)

	o := env.engine.SubmitOrder(context.Background(), OrderRequest{Side: models.SideAsk, Price: 10, Quantity: 1})

	assert.Equal(t, models.OrderStatusCancelled, o.Status)
	assert.Empty(t, env.engine.orders.Orders())
}

func TestRequestCancel_DeferredUntilExchangeID(t *testing.T) {
	gw := newFakeGateway()
	gw.requireExchangeID = true
	env := newTestEnv(nil, gw)
	ctx := context.Background()

	o := env.engine.SubmitOrder(ctx, OrderRequest{Side: models.SideBid, Price: 100, Quantity: 1})
	orderEvents := recordTopic(env.bus, bus.TopicOrder)

	// 1. Cancel before the exchange acknowledged the order is queued.
	require.NoError(t, env.engine.CancelOrder(ctx, o.LocalID))
	assert.Empty(t, gw.cancelCalls())
	assert.True(t, env.engine.orders.PendingCancel(o.LocalID))

	// 2. The ack carrying the exchange id fires the cancel and is not published.
	_, ok := env.engine.orders.ApplyUpdate(ctx, models.OrderPatch{
		LocalID:    o.LocalID,
		ExchangeID: models.Ptr("E7"),
		Status:     models.Ptr(models.OrderStatusWorking),
	})
	require.True(t, ok)
	assert.Equal(t, []cancelCall{{localID: o.LocalID, exchangeID: "E7", side: models.SideBid}}, gw.cancelCalls())
	assert.False(t, env.engine.orders.PendingCancel(o.LocalID))
	assert.Empty(t, *orderEvents)

	stored, live := env.engine.orders.Get(o.LocalID)
	require.True(t, live)
	assert.Equal(t, "E7", stored.ExchangeID)

	// 3. The cancel confirmation is published and removes the order.
	env.engine.orders.ApplyUpdate(ctx, models.OrderPatch{
		ExchangeID: models.Ptr("E7"),
		Status:     models.Ptr(models.OrderStatusCancelled),
	})
	assert.Equal(t, []models.OrderStatus{models.OrderStatusCancelled}, statuses(*orderEvents))
	assert.Empty(t, env.engine.orders.Orders())
}

func TestRequestCancel_ImmediateWhenLocalIDsSuffice(t *testing.T) {
	env := newTestEnv(nil, nil)
	ctx := context.Background()
	o := env.engine.SubmitOrder(ctx, OrderRequest{Side: models.SideAsk, Price: 100, Quantity: 1})

	require.NoError(t, env.engine.CancelOrder(ctx, o.LocalID))
	assert.Equal(t, []cancelCall{{localID: o.LocalID, side: models.SideAsk}}, env.gw.cancelCalls())
}

func TestRequestCancel_UnknownIDIsNoop(t *testing.T) {
	env := newTestEnv(nil, nil)
	assert.NoError(t, env.engine.CancelOrder(context.Background(), "missing"))
	assert.Empty(t, env.gw.cancelCalls())
}

func TestApplyUpdate_UnknownOrderDropped(t *testing.T) {
	env := newTestEnv(nil, nil)
	orderEvents := recordTopic(env.bus, bus.TopicOrder)

	_, ok := env.engine.orders.ApplyUpdate(context.Background(), models.OrderPatch{
		LocalID:    "nope",
		ExchangeID: models.Ptr("nope"),
		Status:     models.Ptr(models.OrderStatusWorking),
	})
	assert.False(t, ok)
	assert.Empty(t, *orderEvents)
	assert.Empty(t, env.engine.orders.Orders())
}

func TestApplyUpdate_ResolvesByExchangeID(t *testing.T) {
	env := newTestEnv(nil, nil)
	ctx := context.Background()
	o := env.engine.SubmitOrder(ctx, OrderRequest{Side: models.SideBid, Price: 50, Quantity: 2})
	env.engine.orders.ApplyUpdate(ctx, models.OrderPatch{
		LocalID:    o.LocalID,
		ExchangeID: models.Ptr("X1"),
		Status:     models.Ptr(models.OrderStatusWorking),
	})

	updated, ok := env.engine.orders.ApplyUpdate(ctx, models.OrderPatch{
		ExchangeID: models.Ptr("X1"),
		Quantity:   models.Ptr(1.5),
	})
	require.True(t, ok)
	assert.Equal(t, o.LocalID, updated.LocalID)
	assert.Equal(t, 1.5, updated.Quantity)
	assert.Equal(t, 50.0, updated.Price, "absent fields keep stored values")
}

func TestApplyUpdate_ExplicitZeroOverwrites(t *testing.T) {
	env := newTestEnv(nil, nil)
	ctx := context.Background()
	o := env.engine.SubmitOrder(ctx, OrderRequest{Side: models.SideBid, Price: 50, Quantity: 2, PreferPostOnly: true})

	updated, ok := env.engine.orders.ApplyUpdate(ctx, models.OrderPatch{
		LocalID:        o.LocalID,
		Price:          models.Ptr(0.0),
		PreferPostOnly: models.Ptr(false),
	})
	require.True(t, ok)
	assert.Equal(t, 0.0, updated.Price)
	assert.False(t, updated.PreferPostOnly)
}

func TestApplyUpdate_Idempotent(t *testing.T) {
	env := newTestEnv(nil, nil)
	ctx := context.Background()
	o := env.engine.SubmitOrder(ctx, OrderRequest{Side: models.SideAsk, Price: 20, Quantity: 3})
	patch := models.OrderPatch{
		LocalID:    o.LocalID,
		ExchangeID: models.Ptr("E1"),
		Status:     models.Ptr(models.OrderStatusWorking),
		Quantity:   models.Ptr(2.0),
	}

	env.clock.Advance(time.Millisecond)
	once, _ := env.engine.orders.ApplyUpdate(ctx, patch)
	env.clock.Advance(time.Millisecond)
	twice, _ := env.engine.orders.ApplyUpdate(ctx, patch)

	assert.Equal(t, once, twice)
	stored, _ := env.engine.orders.Get(o.LocalID)
	assert.Equal(t, once, stored)
}

func TestApplyUpdate_NewReplacesRecord(t *testing.T) {
	env := newTestEnv(nil, nil)
	ctx := context.Background()
	o := env.engine.SubmitOrder(ctx, OrderRequest{Side: models.SideAsk, Price: 20, Quantity: 3})

	replaced, ok := env.engine.orders.ApplyUpdate(ctx, models.OrderPatch{
		LocalID:  o.LocalID,
		Status:   models.Ptr(models.OrderStatusNew),
		Side:     models.Ptr(models.SideBid),
		Quantity: models.Ptr(1.0),
	})
	require.True(t, ok)
	assert.Equal(t, models.SideBid, replaced.Side)
	assert.Zero(t, replaced.Price, "a New patch starts from an empty record")
}

func TestOrderIndex_StaysConsistent(t *testing.T) {
	env := newTestEnv(nil, nil)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 6; i++ {
		o := env.engine.SubmitOrder(ctx, OrderRequest{Side: models.SideBid, Price: float64(100 + i), Quantity: 1})
		ids = append(ids, o.LocalID)
	}
	steps := []models.OrderPatch{
		{LocalID: ids[0], ExchangeID: models.Ptr("A"), Status: models.Ptr(models.OrderStatusWorking)},
		{LocalID: ids[1], ExchangeID: models.Ptr("B"), Status: models.Ptr(models.OrderStatusWorking)},
		{ExchangeID: models.Ptr("A"), Status: models.Ptr(models.OrderStatusComplete), LastQuantity: models.Ptr(1.0)},
		{LocalID: ids[1], ExchangeID: models.Ptr("B2")},
		{ExchangeID: models.Ptr("A"), Status: models.Ptr(models.OrderStatusCancelled)},
		{LocalID: ids[2], Status: models.Ptr(models.OrderStatusCancelled)},
		{LocalID: ids[3], ExchangeID: models.Ptr("D"), Status: models.Ptr(models.OrderStatusWorking)},
		{LocalID: ids[3], ExchangeID: models.Ptr("D"), Status: models.Ptr(models.OrderStatusWorking)},
	}
	for i, p := range steps {
		env.engine.orders.ApplyUpdate(ctx, p)
		assert.True(t, indexConsistent(env.engine.orders), "step %d", i)
	}

	assert.Len(t, env.engine.orders.Orders(), 4)
	assert.Equal(t, map[string]string{"B2": ids[1], "D": ids[3]}, env.engine.orders.byExchangeID)
	assert.Len(t, env.engine.OpenOrders(), 2, "snapshot lists working orders only")
}

func TestCancelAllOpen(t *testing.T) {
	t.Run("individual cancels", func(t *testing.T) {
		env := newTestEnv(nil, nil)
		ctx := context.Background()
		a := env.engine.SubmitOrder(ctx, OrderRequest{Side: models.SideBid, Price: 1, Quantity: 1})
		b := env.engine.SubmitOrder(ctx, OrderRequest{Side: models.SideAsk, Price: 2, Quantity: 1})

		require.NoError(t, env.engine.CancelAll(ctx))
		calls := env.gw.cancelCalls()
		require.Len(t, calls, 2)
		assert.Equal(t, a.LocalID, calls[0].localID)
		assert.Equal(t, b.LocalID, calls[1].localID)
		assert.Zero(t, env.gw.cancelAllCalls)
	})

	t.Run("bulk cancel", func(t *testing.T) {
		gw := newFakeGateway()
		gw.cancelAll = true
		env := newTestEnv(nil, gw)
		ctx := context.Background()
		env.engine.SubmitOrder(ctx, OrderRequest{Side: models.SideBid, Price: 1, Quantity: 1})

		require.NoError(t, env.engine.CancelAll(ctx))
		assert.Equal(t, 1, gw.cancelAllCalls)
		assert.Empty(t, gw.cancelCalls())
	})
}

func TestApplyUpdate_TerminalAckDuringMergeWins(t *testing.T) {
	env := newTestEnv(nil, nil)
	ctx := context.Background()
	o := env.engine.SubmitOrder(ctx, OrderRequest{Side: models.SideBid, Price: 100, Quantity: 1})

	cancelled := make(chan struct{})
	first := true
	env.engine.orders.now = func() time.Time {
		if first {
			first = false
			go func() {
				env.engine.orders.ApplyUpdate(ctx, models.OrderPatch{
					LocalID: o.LocalID,
					Status:  models.Ptr(models.OrderStatusCancelled),
				})
				close(cancelled)
			}()
			select {
			case <-cancelled:
				t.Error("terminal ack interleaved with a running update")
			case <-time.After(20 * time.Millisecond):
			}
		}
		return env.clock.Now()
	}

	_, ok := env.engine.orders.ApplyUpdate(ctx, models.OrderPatch{
		LocalID:    o.LocalID,
		ExchangeID: models.Ptr("X1"),
		Status:     models.Ptr(models.OrderStatusWorking),
	})
	require.True(t, ok)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("terminal ack never applied")
	}
	_, live := env.engine.orders.Get(o.LocalID)
	assert.False(t, live)
	assert.Empty(t, env.engine.orders.WorkingOrders())
	assert.Empty(t, env.engine.orders.byExchangeID)
}

func TestApplyUpdate_ConcurrentAcksNeverResurrect(t *testing.T) {
	env := newTestEnv(nil, nil)
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		o := env.engine.SubmitOrder(ctx, OrderRequest{Side: models.SideAsk, Price: 100, Quantity: 1})
		exchangeID := fmt.Sprintf("X%d", i)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			env.engine.orders.ApplyUpdate(ctx, models.OrderPatch{
				LocalID:    o.LocalID,
				ExchangeID: models.Ptr(exchangeID),
				Status:     models.Ptr(models.OrderStatusWorking),
			})
		}()
		go func() {
			defer wg.Done()
			env.engine.orders.ApplyUpdate(ctx, models.OrderPatch{
				LocalID: o.LocalID,
				Status:  models.Ptr(models.OrderStatusCancelled),
			})
		}()
		wg.Wait()

		_, live := env.engine.orders.Get(o.LocalID)
		require.False(t, live, "order %s resurrected after its terminal ack", o.LocalID)
	}
	assert.Empty(t, env.engine.orders.Orders())
	assert.Empty(t, env.engine.orders.byExchangeID)
	assert.True(t, indexConsistent(env.engine.orders))
}

func TestStore_RemoveKeepsForeignExchangeIDs(t *testing.T) {
	env := newTestEnv(nil, nil)
	ctx := context.Background()
	a := env.engine.SubmitOrder(ctx, OrderRequest{Side: models.SideBid, Price: 100, Quantity: 1})
	b := env.engine.SubmitOrder(ctx, OrderRequest{Side: models.SideAsk, Price: 110, Quantity: 1})
	for id, exchangeID := range map[string]string{a.LocalID: "EA", b.LocalID: "EB"} {
		env.engine.orders.ApplyUpdate(ctx, models.OrderPatch{
			LocalID:    id,
			ExchangeID: models.Ptr(exchangeID),
			Status:     models.Ptr(models.OrderStatusWorking),
		})
	}

	env.engine.orders.ApplyUpdate(ctx, models.OrderPatch{
		ExchangeID: models.Ptr("EA"),
		Status:     models.Ptr(models.OrderStatusComplete),
	})

	assert.Equal(t, map[string]string{"EB": b.LocalID}, env.engine.orders.byExchangeID)
	assert.True(t, indexConsistent(env.engine.orders))
}

func TestApplyUpdate_DeferredCancelSupersedesFill(t *testing.T) {
	gw := newFakeGateway()
	gw.requireExchangeID = true
	env := newTestEnv(nil, gw)
	ctx := context.Background()

	o := env.engine.SubmitOrder(ctx, OrderRequest{Side: models.SideBid, Price: 100, Quantity: 2})
	require.NoError(t, env.engine.CancelOrder(ctx, o.LocalID))
	orderEvents := recordTopic(env.bus, bus.TopicOrder)

	_, ok := env.engine.orders.ApplyUpdate(ctx, models.OrderPatch{
		LocalID:      o.LocalID,
		ExchangeID:   models.Ptr("E9"),
		Status:       models.Ptr(models.OrderStatusWorking),
		LastQuantity: models.Ptr(0.5),
	})
	require.True(t, ok)

	assert.Len(t, gw.cancelCalls(), 1)
	assert.Empty(t, *orderEvents)
	assert.Empty(t, env.engine.Trades(), "superseded update records no fill")
}
