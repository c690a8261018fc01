package engine

import (
	"context"
	"mmbot/internal/bus"
	"mmbot/internal/exchange"
	"mmbot/internal/logger"
	"mmbot/internal/models"
	"mmbot/internal/notify"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// OrderRequest describes a new local submission.
type OrderRequest struct {
	Side           models.Side        `json:"side"`
	Price          float64            `json:"price"`
	Quantity       float64            `json:"quantity"`
	Type           models.OrderType   `json:"orderType"`
	TimeInForce    models.TimeInForce `json:"timeInForce"`
	IsPong         bool               `json:"isPong"`
	PreferPostOnly bool               `json:"preferPostOnly"`
}

// OrderLedger owns the local view of live orders. Records are indexed by
// local id and, once the exchange acknowledges them, by exchange id.
type OrderLedger struct {
	mu            sync.Mutex
	byLocalID     map[string]models.Order
	byExchangeID  map[string]string
	pendingCancel map[string]struct{}

	gw       exchange.Gateway
	bus      *bus.Bus
	notifier notify.Notifier
	log      *logger.Logger
	now      func() time.Time

	// OnOrder runs after every published order change.
	OnOrder func(ctx context.Context, o models.Order)
	// OnFill runs for updates carrying a positive fill size.
	OnFill func(ctx context.Context, o models.Order)
}

func NewOrderLedger(gw exchange.Gateway, b *bus.Bus, n notify.Notifier, log *logger.Logger) *OrderLedger {
	return &OrderLedger{
		byLocalID:     make(map[string]models.Order),
		byExchangeID:  make(map[string]string),
		pendingCancel: make(map[string]struct{}),
		gw:            gw,
		bus:           b,
		notifier:      n,
		log:           log,
		now:           time.Now,
	}
}

func (l *OrderLedger) logEntry() *logrus.Entry {
	return l.log.WithComponent("orders").WithField("symbol", l.gw.Pair().Symbol())
}

// Submit creates a New order, stores it and forwards it to the gateway.
// A rejected submission is recorded as Cancelled.
func (l *OrderLedger) Submit(ctx context.Context, req OrderRequest) models.Order {
	if req.Type == "" {
		req.Type = models.OrderTypeLimit
	}
	if req.TimeInForce == "" {
		req.TimeInForce = models.TimeInForceGTC
	}
	order := models.Order{
		LocalID:        l.gw.GenerateLocalID(),
		Exchange:       l.gw.Exchange(),
		Pair:           l.gw.Pair(),
		Side:           req.Side,
		Quantity:       req.Quantity,
		Price:          models.RoundSide(req.Price, l.gw.MinTick(), req.Side),
		Type:           req.Type,
		TimeInForce:    req.TimeInForce,
		Status:         models.OrderStatusNew,
		PreferPostOnly: req.PreferPostOnly,
		IsPong:         req.IsPong,
		Time:           l.now(),
	}
	order, _ = l.ApplyUpdate(ctx, models.PatchFromOrder(order))

	l.logEntry().WithFields(logrus.Fields{
		"order_id": order.LocalID,
		"side":     order.Side,
		"qty":      order.Quantity,
		"price":    order.Price,
		"type":     order.Type,
		"tif":      order.TimeInForce,
	}).Debug("order send")

	if err := l.gw.SubmitOrder(ctx, order); err != nil {
		l.logEntry().WithError(err).WithField("order_id", order.LocalID).Warn("order submission rejected")
		order, _ = l.ApplyUpdate(ctx, models.OrderPatch{
			LocalID: order.LocalID,
			Status:  models.Ptr(models.OrderStatusCancelled),
		})
	}
	return order
}

// RequestCancel cancels localID, deferring the request while the exchange id
// needed for cancellation is still unknown. Unknown ids are ignored.
func (l *OrderLedger) RequestCancel(ctx context.Context, localID string) error {
	l.mu.Lock()
	order, ok := l.byLocalID[localID]
	if !ok {
		l.mu.Unlock()
		l.logEntry().WithField("order_id", localID).Debug("cancel unknown id")
		return nil
	}
	if l.gw.RequiresExchangeIDForCancel() && order.ExchangeID == "" {
		l.pendingCancel[localID] = struct{}{}
		l.mu.Unlock()
		l.logEntry().WithField("order_id", localID).Debug("cancel pending id")
		return nil
	}
	l.mu.Unlock()

	l.logEntry().WithFields(logrus.Fields{
		"order_id":    order.LocalID,
		"exchange_id": order.ExchangeID,
		"side":        order.Side,
	}).Debug("order cancel")
	return l.gw.CancelOrder(ctx, order.LocalID, order.ExchangeID, order.Side, order.Time)
}

// ApplyUpdate merges patch into the ledger and returns the resulting record.
// The boolean is false when the patch did not resolve to a known order.
// Resolution, merge and storage happen under one lock so a terminal ack can
// never be overwritten by a stale merge.
func (l *OrderLedger) ApplyUpdate(ctx context.Context, patch models.OrderPatch) (models.Order, bool) {
	l.mu.Lock()
	order, ok := l.resolve(patch)
	if !ok {
		l.mu.Unlock()
		l.logEntry().WithFields(logrus.Fields{
			"order_id":    patch.LocalID,
			"exchange_id": deref(patch.ExchangeID),
		}).Debug("update for unknown order dropped")
		return models.Order{}, false
	}
	order = l.merge(order, patch)
	cancelReady := l.store(order)
	l.mu.Unlock()

	if cancelReady {
		if err := l.RequestCancel(ctx, order.LocalID); err != nil {
			l.logEntry().WithError(err).WithField("order_id", order.LocalID).Warn("deferred cancel failed")
		}
		if order.Status == models.OrderStatusWorking {
			if filled := patch.Filled(); filled > 0 {
				l.logEntry().WithFields(logrus.Fields{
					"order_id": order.LocalID,
					"filled":   filled,
				}).Warn("fill on superseded update not recorded")
			}
			return order, true
		}
	}

	l.bus.PublishOrder(order)
	l.notifier.Notify(notify.TopicOrders, order)
	if l.OnOrder != nil {
		l.OnOrder(ctx, order)
	}
	if patch.Filled() > 0 && l.OnFill != nil {
		l.OnFill(ctx, order)
	}
	return order, true
}

// resolve finds the record a patch applies to. A New patch starts a fresh
// record regardless of what is stored. Callers hold l.mu.
func (l *OrderLedger) resolve(patch models.OrderPatch) (models.Order, bool) {
	if patch.Status != nil && *patch.Status == models.OrderStatusNew {
		return models.Order{}, true
	}
	if patch.LocalID != "" {
		if o, ok := l.byLocalID[patch.LocalID]; ok {
			return o, true
		}
	}
	if patch.ExchangeID != nil && *patch.ExchangeID != "" {
		if localID, ok := l.byExchangeID[*patch.ExchangeID]; ok {
			return l.byLocalID[localID], true
		}
	}
	return models.Order{}, false
}

// merge applies patch and stamps time and latency. Latency is captured once,
// on the first Working state.
func (l *OrderLedger) merge(order models.Order, patch models.OrderPatch) models.Order {
	now := l.now()
	order = patch.ApplyTo(order)
	if order.Time.IsZero() {
		order.Time = now
	}
	if order.ComputationalLatency == 0 && order.Status == models.OrderStatusWorking {
		order.ComputationalLatency = now.Sub(order.Time)
		if order.ComputationalLatency <= 0 {
			order.ComputationalLatency = time.Nanosecond
		}
		order.Time = now
	}
	return order
}

// store writes order into both indices, or removes it when terminal. It
// reports whether a deferred cancel became ready to fire. Callers hold l.mu.
func (l *OrderLedger) store(order models.Order) bool {
	prev, known := l.byLocalID[order.LocalID]
	if known && prev.ExchangeID != "" && prev.ExchangeID != order.ExchangeID {
		l.unindex(prev.ExchangeID, prev.LocalID)
	}

	if order.Status.Terminal() {
		l.remove(order)
		delete(l.pendingCancel, order.LocalID)
		l.logEntry().WithFields(logrus.Fields{
			"order_id":    order.LocalID,
			"exchange_id": order.ExchangeID,
			"status":      order.Status,
			"live":        len(l.byLocalID),
		}).Debug("order remove")
		return false
	}

	l.byLocalID[order.LocalID] = order
	if order.ExchangeID != "" {
		l.byExchangeID[order.ExchangeID] = order.LocalID
	}
	l.logEntry().WithFields(logrus.Fields{
		"order_id":    order.LocalID,
		"exchange_id": order.ExchangeID,
		"status":      order.Status,
		"qty":         order.Quantity,
		"price":       order.Price,
	}).Debug("order save")

	if order.ExchangeID == "" || !l.gw.RequiresExchangeIDForCancel() {
		return false
	}
	if _, ok := l.pendingCancel[order.LocalID]; !ok {
		return false
	}
	delete(l.pendingCancel, order.LocalID)
	return true
}

// remove drops order from both indices. The exchange index is scanned only
// when the exchange id is unknown.
func (l *OrderLedger) remove(order models.Order) {
	delete(l.byLocalID, order.LocalID)
	if order.ExchangeID != "" {
		l.unindex(order.ExchangeID, order.LocalID)
		return
	}
	for exchangeID, id := range l.byExchangeID {
		if id == order.LocalID {
			delete(l.byExchangeID, exchangeID)
		}
	}
}

func (l *OrderLedger) unindex(exchangeID, localID string) {
	if l.byExchangeID[exchangeID] == localID {
		delete(l.byExchangeID, exchangeID)
	}
}

// CancelAllOpen bulk-cancels through the gateway when supported, otherwise
// cancels every New or Working order one by one.
func (l *OrderLedger) CancelAllOpen(ctx context.Context) error {
	if l.gw.SupportsCancelAll() {
		return l.gw.CancelAll(ctx)
	}
	l.mu.Lock()
	ids := make([]string, 0, len(l.byLocalID))
	for id, o := range l.byLocalID {
		if o.Open() {
			ids = append(ids, id)
		}
	}
	l.mu.Unlock()
	sort.Strings(ids)

	var firstErr error
	for _, id := range ids {
		if err := l.RequestCancel(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WorkingOrders returns the acknowledged orders ordered by local id.
func (l *OrderLedger) WorkingOrders() []models.Order {
	return l.filter(func(o models.Order) bool { return o.Status == models.OrderStatusWorking })
}

// Orders returns every live order.
func (l *OrderLedger) Orders() []models.Order {
	return l.filter(func(models.Order) bool { return true })
}

func (l *OrderLedger) SideOrders(side models.Side) []models.Order {
	return l.filter(func(o models.Order) bool { return o.Side == side })
}

func (l *OrderLedger) Get(localID string) (models.Order, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.byLocalID[localID]
	return o, ok
}

func (l *OrderLedger) PendingCancel(localID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.pendingCancel[localID]
	return ok
}

func (l *OrderLedger) filter(keep func(models.Order) bool) []models.Order {
	l.mu.Lock()
	res := make([]models.Order, 0, len(l.byLocalID))
	for _, o := range l.byLocalID {
		if keep(o) {
			res = append(res, o)
		}
	}
	l.mu.Unlock()
	sort.Slice(res, func(i, j int) bool { return res[i].LocalID < res[j].LocalID })
	return res
}
