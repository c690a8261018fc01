// Package paper implements an in-process exchange for dry runs.
//
// Every state change is queued and applied by a single worker, so events
// leave the gateway in the order the calls were made. Submissions are
// acknowledged after AckDelay; market orders fill on acknowledgement and
// limit orders rest until SetLevels crosses them. Fills always execute at
// the order price.
package paper

import (
	"context"
	"errors"
	"fmt"
	"math"
	"mmbot/internal/config"
	"mmbot/internal/exchange"
	"mmbot/internal/logger"
	"mmbot/internal/models"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/tomb.v2"
)

const (
	ExchangeName = "paper"

	eventBuffer = 256
	queueBuffer = 256
	dust        = 1e-12
)

var (
	ErrInvalidOrder         = errors.New("paper: invalid order")
	ErrInsufficientFunds    = errors.New("paper: insufficient funds")
	ErrUnknownOrder         = errors.New("paper: unknown order")
	ErrExchangeIDRequired   = errors.New("paper: exchange id required for cancel")
	ErrCancelAllUnsupported = errors.New("paper: cancel all not supported")
)

type balance struct {
	amount float64
	held   float64
}

type restingOrder struct {
	order     models.Order
	remaining float64
	// funds locked for the remaining quantity, quote for bids, base for asks
	reserved float64
	acked    bool
}

type task struct {
	due time.Time
	run func()
}

type Exchange struct {
	cfg  config.PaperConfig
	pair models.Pair
	log  *logger.Logger

	events chan exchange.Event
	queue  chan task

	mu           sync.Mutex
	orders       map[string]*restingOrder
	byExchangeID map[string]string
	wallets      map[string]*balance
	levels       models.Levels

	t *tomb.Tomb
}

func New(cfg config.PaperConfig, pair models.Pair, log *logger.Logger) *Exchange {
	return &Exchange{
		cfg:          cfg,
		pair:         pair,
		log:          log,
		events:       make(chan exchange.Event, eventBuffer),
		queue:        make(chan task, queueBuffer),
		orders:       make(map[string]*restingOrder),
		byExchangeID: make(map[string]string),
		wallets: map[string]*balance{
			pair.Base:  {amount: cfg.BaseBalance},
			pair.Quote: {amount: cfg.QuoteBalance},
		},
	}
}

func (p *Exchange) logEntry() *logrus.Entry {
	return p.log.WithComponent("paper").WithField("symbol", p.pair.Symbol())
}

// Start launches the worker and reports both links connected along with
// the initial balances.
func (p *Exchange) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.t != nil {
		p.mu.Unlock()
		return nil
	}
	t, _ := tomb.WithContext(ctx)
	p.t = t
	p.mu.Unlock()

	t.Go(func() error { return p.worker(t) })

	p.logEntry().WithFields(logrus.Fields{
		"base":    p.cfg.BaseBalance,
		"quote":   p.cfg.QuoteBalance,
		"ack_ms":  p.cfg.AckDelay.Milliseconds(),
		"need_id": p.cfg.RequireExchangeID,
	}).Info("paper exchange started")

	return p.enqueue(ctx, 0, func() {
		p.emit(exchange.Event{Type: exchange.EventTypeConnectOrder, Connectivity: models.Connected})
		p.emit(exchange.Event{Type: exchange.EventTypeConnectMarket, Connectivity: models.Connected})
		p.emitWallets()
	})
}

func (p *Exchange) Events() <-chan exchange.Event {
	return p.events
}

func (p *Exchange) Close() error {
	p.mu.Lock()
	t := p.t
	p.mu.Unlock()
	if t == nil {
		return nil
	}
	t.Kill(nil)
	return t.Wait()
}

func (p *Exchange) Exchange() string                  { return ExchangeName }
func (p *Exchange) Pair() models.Pair                 { return p.pair }
func (p *Exchange) MinTick() float64                  { return p.cfg.TickSize }
func (p *Exchange) MinSize() float64                  { return p.cfg.MinSize }
func (p *Exchange) SupportsCancelAll() bool           { return p.cfg.SupportsCancelAll }
func (p *Exchange) RequiresExchangeIDForCancel() bool { return p.cfg.RequireExchangeID }

func (p *Exchange) GenerateLocalID() string {
	return uuid.NewString()
}

// SubmitOrder validates the order, locks the funds a limit order needs and
// queues its acknowledgement.
func (p *Exchange) SubmitOrder(ctx context.Context, order models.Order) error {
	if order.Quantity <= 0 || order.Price <= 0 {
		return fmt.Errorf("%w: quantity %v price %v", ErrInvalidOrder, order.Quantity, order.Price)
	}

	currency, need := p.pair.Quote, order.Quantity*order.Price
	if order.Side == models.SideAsk {
		currency, need = p.pair.Base, order.Quantity
	}

	p.mu.Lock()
	if _, ok := p.orders[order.LocalID]; ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: duplicate id %s", ErrInvalidOrder, order.LocalID)
	}
	b := p.wallets[currency]
	if b.amount+dust < need {
		p.mu.Unlock()
		return fmt.Errorf("%w: need %v %s, have %v", ErrInsufficientFunds, need, currency, b.amount)
	}
	r := &restingOrder{order: order, remaining: order.Quantity}
	r.order.ExchangeID = uuid.NewString()
	if order.Type != models.OrderTypeMarket {
		b.amount -= need
		b.held += need
		r.reserved = need
	}
	p.orders[order.LocalID] = r
	p.byExchangeID[r.order.ExchangeID] = order.LocalID
	p.mu.Unlock()

	p.logEntry().WithFields(logrus.Fields{
		"order_id":    order.LocalID,
		"exchange_id": r.order.ExchangeID,
		"side":        order.Side,
		"qty":         order.Quantity,
		"price":       order.Price,
		"type":        order.Type,
	}).Debug("paper order accepted")

	return p.enqueue(ctx, p.cfg.AckDelay, func() { p.ack(order.LocalID) })
}

// CancelOrder queues the cancellation of the order known by localID or
// exchangeID.
func (p *Exchange) CancelOrder(ctx context.Context, localID, exchangeID string, side models.Side, submitted time.Time) error {
	if p.cfg.RequireExchangeID && exchangeID == "" {
		return fmt.Errorf("%w: %s", ErrExchangeIDRequired, localID)
	}

	p.mu.Lock()
	id := localID
	if mapped, ok := p.byExchangeID[exchangeID]; ok {
		id = mapped
	}
	_, ok := p.orders[id]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, localID)
	}

	return p.enqueue(ctx, 0, func() { p.cancel(id) })
}

func (p *Exchange) CancelAll(ctx context.Context) error {
	if !p.cfg.SupportsCancelAll {
		return ErrCancelAllUnsupported
	}
	p.mu.Lock()
	ids := make([]string, 0, len(p.orders))
	for id := range p.orders {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	sort.Strings(ids)

	return p.enqueue(ctx, 0, func() {
		for _, id := range ids {
			p.cancel(id)
		}
	})
}

func (p *Exchange) RefreshWallets(ctx context.Context) error {
	return p.enqueue(ctx, 0, p.emitWallets)
}

// SetLevels publishes a book snapshot and fills the resting orders it
// crosses, limited by the size shown at the top level.
func (p *Exchange) SetLevels(ctx context.Context, levels models.Levels) error {
	return p.enqueue(ctx, 0, func() {
		p.mu.Lock()
		p.levels = levels
		p.mu.Unlock()
		p.emit(exchange.Event{Type: exchange.EventTypeLevels, Levels: &levels})
		p.cross()
	})
}

func (p *Exchange) enqueue(ctx context.Context, delay time.Duration, run func()) error {
	select {
	case p.queue <- task{due: time.Now().Add(delay), run: run}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Exchange) worker(t *tomb.Tomb) error {
	for {
		select {
		case <-t.Dying():
			return nil
		case tk := <-p.queue:
			if wait := time.Until(tk.due); wait > 0 {
				select {
				case <-t.Dying():
					return nil
				case <-time.After(wait):
				}
			}
			tk.run()
		}
	}
}

func (p *Exchange) emit(ev exchange.Event) {
	select {
	case p.events <- ev:
	case <-p.t.Dying():
	}
}

func (p *Exchange) emitWallets() {
	p.mu.Lock()
	base, quote := *p.wallets[p.pair.Base], *p.wallets[p.pair.Quote]
	p.mu.Unlock()

	p.emit(exchange.Event{Type: exchange.EventTypeWallet, Wallet: &models.Wallet{
		Currency: p.pair.Base, Amount: base.amount, Held: base.held,
	}})
	p.emit(exchange.Event{Type: exchange.EventTypeWallet, Wallet: &models.Wallet{
		Currency: p.pair.Quote, Amount: quote.amount, Held: quote.held,
	}})
}

func (p *Exchange) ack(localID string) {
	p.mu.Lock()
	r, ok := p.orders[localID]
	if !ok {
		p.mu.Unlock()
		return
	}
	r.acked = true
	o := r.order
	p.mu.Unlock()

	p.emit(exchange.Event{Type: exchange.EventTypeOrder, Order: &models.OrderPatch{
		LocalID:    o.LocalID,
		ExchangeID: models.Ptr(o.ExchangeID),
		Status:     models.Ptr(models.OrderStatusWorking),
	}})
	p.emitWallets()

	switch {
	case o.Type == models.OrderTypeMarket:
		p.fill(localID, o.Quantity)
	case o.TimeInForce == models.TimeInForceIOC || o.TimeInForce == models.TimeInForceFOK:
		p.cross()
		p.cancel(localID)
	default:
		p.cross()
	}
}

func (p *Exchange) cross() {
	type match struct {
		id  string
		qty float64
	}

	p.mu.Lock()
	var bidAvail, askAvail float64
	var bestBid, bestAsk float64
	if len(p.levels.Bids) > 0 {
		bestBid, bidAvail = p.levels.Bids[0].Price, p.levels.Bids[0].Size
	}
	if len(p.levels.Asks) > 0 {
		bestAsk, askAvail = p.levels.Asks[0].Price, p.levels.Asks[0].Size
	}

	ids := make([]string, 0, len(p.orders))
	for id, r := range p.orders {
		if r.acked {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var matches []match
	for _, id := range ids {
		r := p.orders[id]
		switch {
		case r.order.Side == models.SideBid && askAvail > 0 && r.order.Price >= bestAsk:
			qty := math.Min(r.remaining, askAvail)
			askAvail -= qty
			matches = append(matches, match{id: id, qty: qty})
		case r.order.Side == models.SideAsk && bidAvail > 0 && r.order.Price <= bestBid:
			qty := math.Min(r.remaining, bidAvail)
			bidAvail -= qty
			matches = append(matches, match{id: id, qty: qty})
		}
	}
	p.mu.Unlock()

	for _, m := range matches {
		p.fill(m.id, m.qty)
	}
}

func (p *Exchange) fill(localID string, qty float64) {
	p.mu.Lock()
	r, ok := p.orders[localID]
	if !ok || qty <= 0 {
		p.mu.Unlock()
		return
	}
	qty = math.Min(qty, r.remaining)
	r.remaining -= qty
	price := r.order.Price
	base, quote := p.wallets[p.pair.Base], p.wallets[p.pair.Quote]

	if r.order.Side == models.SideBid {
		cost := qty * price
		release := math.Min(r.reserved, cost)
		r.reserved -= release
		quote.held -= release
		quote.amount -= cost - release
		base.amount += qty
	} else {
		release := math.Min(r.reserved, qty)
		r.reserved -= release
		base.held -= release
		base.amount -= qty - release
		quote.amount += qty * price
	}

	status := models.OrderStatusWorking
	if r.remaining <= dust {
		status = models.OrderStatusComplete
		p.release(r)
		p.forget(r)
	}
	o := r.order
	p.mu.Unlock()

	p.logEntry().WithFields(logrus.Fields{
		"order_id": localID,
		"side":     o.Side,
		"qty":      qty,
		"price":    price,
		"status":   status,
	}).Debug("paper fill")

	p.emit(exchange.Event{Type: exchange.EventTypeOrder, Order: &models.OrderPatch{
		LocalID:      o.LocalID,
		ExchangeID:   models.Ptr(o.ExchangeID),
		Status:       models.Ptr(status),
		LastQuantity: models.Ptr(qty),
	}})
	p.emitWallets()
}

func (p *Exchange) cancel(localID string) {
	p.mu.Lock()
	r, ok := p.orders[localID]
	if !ok {
		p.mu.Unlock()
		return
	}
	p.release(r)
	p.forget(r)
	o := r.order
	p.mu.Unlock()

	p.logEntry().WithField("order_id", localID).Debug("paper cancel")
	p.emit(exchange.Event{Type: exchange.EventTypeOrder, Order: &models.OrderPatch{
		LocalID:    o.LocalID,
		ExchangeID: models.Ptr(o.ExchangeID),
		Status:     models.Ptr(models.OrderStatusCancelled),
	}})
	p.emitWallets()
}

// release returns the funds still locked by r. Callers hold p.mu.
func (p *Exchange) release(r *restingOrder) {
	currency := p.pair.Quote
	if r.order.Side == models.SideAsk {
		currency = p.pair.Base
	}
	b := p.wallets[currency]
	b.held -= r.reserved
	b.amount += r.reserved
	r.reserved = 0
}

func (p *Exchange) forget(r *restingOrder) {
	delete(p.orders, r.order.LocalID)
	delete(p.byExchangeID, r.order.ExchangeID)
}
