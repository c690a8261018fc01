package engine

import (
	"context"
	"mmbot/internal/exchange"
	"mmbot/internal/notify"
)

func (e *Engine) handleEvents(ctx context.Context, events <-chan exchange.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				e.logEntry().Warn("gateway event channel closed")
				return nil
			}
			e.dispatch(ctx, event)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, event exchange.Event) {
	switch event.Type {
	case exchange.EventTypeOrder:
		if event.Order != nil {
			e.orders.ApplyUpdate(ctx, *event.Order)
		}
	case exchange.EventTypeWallet:
		if event.Wallet != nil {
			e.position.OnWallet(ctx, *event.Wallet)
		}
	case exchange.EventTypeConnectOrder:
		e.conn.SetOrderLink(event.Connectivity)
	case exchange.EventTypeConnectMarket:
		e.conn.SetMarketDataLink(event.Connectivity)
	case exchange.EventTypeLevels:
		if event.Levels != nil {
			e.levels.Set(*event.Levels)
			e.bus.PublishLevels(*event.Levels)
			e.notifier.Notify(notify.TopicLevels, *event.Levels)
			if e.cfg.Quoting.FairValueFromBook {
				if mid := event.Levels.Mid(); mid > 0 {
					e.SetFairValue(ctx, mid)
				}
			}
		}
	default:
		e.logEntry().WithField("type", event.Type).Debug("unhandled gateway event")
	}
}
