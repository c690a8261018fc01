package engine

import (
	"context"
	"errors"
	"fmt"
	"mmbot/internal/bus"
	"mmbot/internal/config"
	"mmbot/internal/exchange"
	"mmbot/internal/logger"
	"mmbot/internal/models"
	"mmbot/internal/notify"
	"mmbot/internal/store"
	"time"

	"gopkg.in/tomb.v2"
)

const (
	defaultWalletInterval = 15 * time.Second
	defaultCancelAllEvery = 20
)

var (
	ErrNotStarted        = errors.New("engine: not started")
	ErrLevelsUnsupported = errors.New("engine: gateway does not accept injected levels")
)

// Engine wires the order, trade and position ledgers to a gateway and runs
// the gateway event loop and the timekeeper.
type Engine struct {
	cfg      *config.Config
	gw       exchange.Gateway
	store    store.Store
	bus      *bus.Bus
	notifier notify.Notifier
	log      *logger.Logger

	fair     *FairValue
	levels   levelsCache
	orders   *OrderLedger
	trades   *TradeEngine
	position *PositionLedger
	conn     *Connectivity

	t *tomb.Tomb
}

func New(cfg *config.Config, gw exchange.Gateway, st store.Store, b *bus.Bus, n notify.Notifier, log *logger.Logger) *Engine {
	e := &Engine{
		cfg:      cfg,
		gw:       gw,
		store:    st,
		bus:      b,
		notifier: n,
		log:      log,
		fair:     &FairValue{},
	}
	e.orders = NewOrderLedger(gw, b, n, log)
	e.trades = NewTradeEngine(cfg.Quoting, e.Product(), st, b, n, log)
	e.position = NewPositionLedger(cfg.Quoting, gw.Exchange(), gw.Pair(), e.fair, e.orders, st, b, n, log)
	e.conn = NewConnectivity(cfg.Runtime.AutoStart, b, n, log)

	e.orders.OnOrder = e.position.OnOrder
	e.orders.OnFill = func(ctx context.Context, o models.Order) {
		e.trades.RecordFill(ctx, o)
		e.recomputeSafety()
	}
	e.conn.OnMarketDataLost = func() {
		e.levels.Clear()
		e.bus.PublishLevels(models.Levels{})
		e.notifier.Notify(notify.TopicLevels, models.Levels{})
	}
	return e
}

// Start restores persisted state, starts the gateway and launches the
// background workers. It does not block.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.trades.Load(ctx); err != nil {
		return err
	}
	if err := e.position.Load(ctx); err != nil {
		return err
	}
	if err := e.gw.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	t, tctx := tomb.WithContext(ctx)
	e.t = t
	t.Go(func() error {
		return e.handleEvents(tctx, e.gw.Events())
	})
	t.Go(func() error {
		return e.timekeeper(tctx)
	})

	if err := e.withRetryVoid(ctx, func() error { return e.gw.RefreshWallets(ctx) }); err != nil {
		e.logEntry().WithError(err).Warn("initial wallet refresh failed")
	}
	e.logEntry().WithFields(map[string]interface{}{
		"exchange": e.gw.Exchange(),
		"min_tick": e.gw.MinTick(),
		"min_size": e.gw.MinSize(),
	}).Info("engine started")
	return nil
}

// Wait blocks until the background workers stop.
func (e *Engine) Wait() error {
	if e.t == nil {
		return ErrNotStarted
	}
	return e.t.Wait()
}

// Shutdown cancels every open order on a best-effort basis, then stops the
// workers and closes the gateway.
func (e *Engine) Shutdown(ctx context.Context) error {
	if err := e.orders.CancelAllOpen(ctx); err != nil {
		e.logEntry().WithError(err).Warn("cancel all on shutdown failed")
	} else {
		e.logEntry().Info("open orders cancelled on shutdown")
	}
	if e.t != nil {
		e.t.Kill(nil)
		if err := e.t.Wait(); err != nil {
			e.logEntry().WithError(err).Warn("worker stopped with error")
		}
	}
	return e.gw.Close()
}

func (e *Engine) timekeeper(ctx context.Context) error {
	interval := e.cfg.Runtime.WalletInterval
	if interval <= 0 {
		interval = defaultWalletInterval
	}
	every := e.cfg.Runtime.CancelAllEvery
	if every <= 0 {
		every = defaultCancelAllEvery
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			tick++
			if e.cfg.Quoting.CancelOrdersAuto && tick%every == 0 {
				if err := e.orders.CancelAllOpen(ctx); err != nil {
					e.logEntry().WithError(err).Warn("periodic cancel all failed")
				}
			}
			if err := e.gw.RefreshWallets(ctx); err != nil {
				e.logEntry().WithError(err).Warn("wallet refresh failed")
			}
			e.trades.CleanAuto(ctx, now)
			e.recomputeSafety()
		}
	}
}

func (e *Engine) recomputeSafety() {
	e.trades.ComputeSafety(SafetyInputs{
		Position:           e.position.Position(),
		FairValue:          e.fair.Get(),
		TargetBasePosition: e.position.TargetBasePosition().TargetBasePosition,
	})
}

// SetFairValue feeds the strategy fair value. The first usable value also
// revalues the cached wallets.
func (e *Engine) SetFairValue(ctx context.Context, fv float64) {
	if fv <= 0 {
		e.logEntry().WithField("fair_value", fv).Warn("ignoring non positive fair value")
		return
	}
	if e.fair.Set(fv) {
		e.position.Recompute(ctx)
	}
	e.recomputeSafety()
}

func (e *Engine) SetTargetBias(ctx context.Context, bias float64) {
	e.position.SetTargetBias(ctx, bias)
}

func (e *Engine) SetSideBias(ctx context.Context, label string) {
	e.position.SetSideBias(ctx, label)
}

// InjectLevels feeds a book snapshot to gateways that simulate their market.
func (e *Engine) InjectLevels(ctx context.Context, levels models.Levels) error {
	injector, ok := e.gw.(exchange.BookInjector)
	if !ok {
		return ErrLevelsUnsupported
	}
	return injector.SetLevels(ctx, levels)
}

func (e *Engine) SubmitOrder(ctx context.Context, req OrderRequest) models.Order {
	return e.orders.Submit(ctx, req)
}

func (e *Engine) CancelOrder(ctx context.Context, localID string) error {
	return e.orders.RequestCancel(ctx, localID)
}

func (e *Engine) CancelAll(ctx context.Context) error {
	return e.orders.CancelAllOpen(ctx)
}

func (e *Engine) CleanTrade(ctx context.Context, tradeID string) bool {
	return e.trades.CleanTrade(ctx, tradeID)
}

func (e *Engine) CleanClosedTrades(ctx context.Context) int {
	return e.trades.CleanClosed(ctx)
}

func (e *Engine) CleanAllTrades(ctx context.Context) int {
	return e.trades.CleanAll(ctx)
}

func (e *Engine) SetAutoStart(state models.Connectivity) {
	e.conn.SetAutoStart(state)
}

func (e *Engine) Trades() []models.Trade {
	return e.trades.Trades()
}

func (e *Engine) OpenOrders() []models.Order {
	return e.orders.WorkingOrders()
}

func (e *Engine) Position() models.Position {
	return e.position.Position()
}

func (e *Engine) Safety() models.Safety {
	return e.trades.Safety()
}

func (e *Engine) TargetBasePosition() models.TargetBasePosition {
	return e.position.TargetBasePosition()
}

func (e *Engine) ExchangeConnectivity() models.Connectivity {
	return e.conn.Exchange()
}

func (e *Engine) QuotingState() models.Connectivity {
	return e.conn.Quoting()
}

func (e *Engine) Levels() models.Levels {
	return e.levels.Get()
}

func (e *Engine) Product() models.Product {
	return models.Product{
		Exchange: e.gw.Exchange(),
		Pair:     e.gw.Pair(),
		MinTick:  e.gw.MinTick(),
		MinSize:  e.gw.MinSize(),
	}
}
