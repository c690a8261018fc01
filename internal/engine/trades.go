package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"mmbot/internal/bus"
	"mmbot/internal/config"
	"mmbot/internal/logger"
	"mmbot/internal/models"
	"mmbot/internal/notify"
	"mmbot/internal/store"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/btree"
)

const (
	closedTolerance = 1e-4
	retentionDay    = 24 * time.Hour
)

// ChartPoint is the per-fill payload of the trades chart feed.
type ChartPoint struct {
	Price    float64     `json:"price"`
	Side     models.Side `json:"side"`
	Quantity float64     `json:"quantity"`
	Value    float64     `json:"value"`
	Pong     bool        `json:"pong"`
}

// TradeEngine owns the trade history, pairs new fills against unmatched
// counter-side trades and derives the safety snapshot.
type TradeEngine struct {
	mu      sync.Mutex
	history []*models.Trade
	lastID  int64

	// recent fills per side, keyed by price, feeding the safety ratios
	buys  *btree.BTreeG[bucket]
	sells *btree.BTreeG[bucket]

	safety    models.Safety
	hasSafety bool

	cfg      config.QuotingConfig
	exchange string
	pair     models.Pair
	minSize  float64

	store    store.Store
	bus      *bus.Bus
	notifier notify.Notifier
	log      *logger.Logger
	now      func() time.Time
}

func NewTradeEngine(cfg config.QuotingConfig, product models.Product, st store.Store, b *bus.Bus, n notify.Notifier, log *logger.Logger) *TradeEngine {
	return &TradeEngine{
		buys:     newBuckets(),
		sells:    newBuckets(),
		cfg:      cfg,
		exchange: product.Exchange,
		pair:     product.Pair,
		minSize:  product.MinSize,
		store:    st,
		bus:      b,
		notifier: n,
		log:      log,
		now:      time.Now,
	}
}

func (t *TradeEngine) logEntry() *logrus.Entry {
	return t.log.WithComponent("trades").WithField("symbol", t.pair.Symbol())
}

// Load restores the persisted history.
func (t *TradeEngine) Load(ctx context.Context) error {
	records, err := t.store.Load(ctx, store.TopicTrades)
	if err != nil {
		return fmt.Errorf("load trades: %w", err)
	}
	loaded := make([]*models.Trade, 0, len(records))
	for _, raw := range records {
		var trade models.Trade
		if err := json.Unmarshal(raw, &trade); err != nil {
			t.logEntry().WithError(err).Warn("skipping malformed stored trade")
			continue
		}
		trade.LoadedFromDB = true
		loaded = append(loaded, &trade)
	}

	t.mu.Lock()
	t.history = loaded
	for _, trade := range loaded {
		if id, err := strconv.ParseInt(trade.TradeID, 10, 64); err == nil && id > t.lastID {
			t.lastID = id
		}
	}
	t.mu.Unlock()

	t.logEntry().WithField("count", len(loaded)).Info("loaded historical trades")
	return nil
}

// nextID returns a unique, increasing id derived from the clock. Callers
// hold t.mu.
func (t *TradeEngine) nextID() string {
	id := t.now().UnixNano()
	if id <= t.lastID {
		id = t.lastID + 1
	}
	t.lastID = id
	return strconv.FormatInt(id, 10)
}

// RecordFill turns the last fill of o into a trade and matches it against
// the history when ping matching is enabled.
func (t *TradeEngine) RecordFill(ctx context.Context, o models.Order) models.Trade {
	t.mu.Lock()
	fill := models.Trade{
		TradeID:  t.nextID(),
		Exchange: o.Exchange,
		Pair:     o.Pair,
		Price:    o.Price,
		Quantity: o.LastQuantity,
		Side:     o.Side,
		Time:     o.Time,
		Value:    math.Abs(o.Price * o.LastQuantity),
	}
	t.addBucket(fill)

	var touched []models.Trade
	if t.cfg.MatchPings {
		touched = t.match(fill)
	} else {
		cp := fill
		t.history = append(t.history, &cp)
		touched = []models.Trade{cp}
	}
	t.mu.Unlock()

	t.logEntry().WithFields(logrus.Fields{
		"trade_id": fill.TradeID,
		"side":     fill.Side,
		"qty":      fill.Quantity,
		"price":    fill.Price,
		"value":    fill.Value,
		"pong":     o.IsPong,
	}).Info("trade")

	t.bus.PublishTrade(fill)
	for _, trade := range touched {
		t.save(ctx, trade)
	}
	t.notifier.Notify(notify.TopicTradesChart, ChartPoint{
		Price:    fill.Price,
		Side:     fill.Side,
		Quantity: fill.Quantity,
		Value:    fill.Value,
		Pong:     o.IsPong,
	})
	t.CleanAuto(ctx, fill.Time)
	return fill
}

func (t *TradeEngine) save(ctx context.Context, trade models.Trade) {
	t.notifier.Notify(notify.TopicTrades, trade)
	if err := t.store.Upsert(ctx, store.TopicTrades, trade.TradeID, trade); err != nil {
		t.logEntry().WithError(err).WithField("trade_id", trade.TradeID).Warn("failed to persist trade")
	}
}

func (t *TradeEngine) drop(ctx context.Context, trade models.Trade) {
	trade.MatchedQty = models.TradeDeleted
	t.notifier.Notify(notify.TopicTrades, trade)
	if err := t.store.Delete(ctx, store.TopicTrades, trade.TradeID); err != nil {
		t.logEntry().WithError(err).WithField("trade_id", trade.TradeID).Warn("failed to delete trade")
	}
}

// removeWhere erases every trade matching pred and emits the removal
// notifications after releasing the lock.
func (t *TradeEngine) removeWhere(ctx context.Context, pred func(models.Trade) bool, limit int) int {
	t.mu.Lock()
	var removed []models.Trade
	kept := t.history[:0]
	for _, trade := range t.history {
		if (limit <= 0 || len(removed) < limit) && pred(*trade) {
			removed = append(removed, *trade)
			continue
		}
		kept = append(kept, trade)
	}
	for i := len(kept); i < len(t.history); i++ {
		t.history[i] = nil
	}
	t.history = kept
	t.mu.Unlock()

	for _, trade := range removed {
		t.drop(ctx, trade)
	}
	return len(removed)
}

// CleanAuto applies the cleanPongsAuto retention, measured in days back from
// ref. Negative retention removes old trades whether matched or not.
func (t *TradeEngine) CleanAuto(ctx context.Context, ref time.Time) int {
	days := t.cfg.CleanPongsAuto
	if days == 0 {
		return 0
	}
	cutoff := ref.Add(-time.Duration(math.Abs(days) * float64(retentionDay)))
	return t.removeWhere(ctx, func(trade models.Trade) bool {
		return trade.Time.Before(cutoff) && (days < 0 || trade.FullyMatched())
	}, 0)
}

// CleanClosed removes trades matched within closedTolerance.
func (t *TradeEngine) CleanClosed(ctx context.Context) int {
	return t.removeWhere(ctx, func(trade models.Trade) bool {
		return trade.MatchedQty+closedTolerance >= trade.Quantity
	}, 0)
}

func (t *TradeEngine) CleanAll(ctx context.Context) int {
	return t.removeWhere(ctx, func(models.Trade) bool { return true }, 0)
}

// CleanTrade removes the trade with the given id, reporting whether it existed.
func (t *TradeEngine) CleanTrade(ctx context.Context, tradeID string) bool {
	return t.removeWhere(ctx, func(trade models.Trade) bool {
		return trade.TradeID == tradeID
	}, 1) == 1
}

// Trades returns the history flagged as already delivered.
func (t *TradeEngine) Trades() []models.Trade {
	t.mu.Lock()
	defer t.mu.Unlock()
	res := make([]models.Trade, 0, len(t.history))
	for _, trade := range t.history {
		cp := *trade
		cp.LoadedFromDB = true
		res = append(res, cp)
	}
	return res
}
