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
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	baseTolerance  = 2e-6
	quoteTolerance = 2e-2
	tbpTolerance   = 1e-4
	tbpRecordKey   = "current"
)

type profitSample struct {
	baseValue  float64
	quoteValue float64
	time       time.Time
}

// PositionLedger values the wallets at fair value, tracks rolling profit and
// derives the target base position.
type PositionLedger struct {
	mu       sync.Mutex
	wallets  map[string]models.Wallet
	samples  []profitSample
	position models.Position

	tbp          models.TargetBasePosition
	tbpPublished bool
	tbpLabel     string
	targetBias   float64
	sideBias     string

	cfg      config.QuotingConfig
	exchange string
	pair     models.Pair

	fair     *FairValue
	orders   *OrderLedger
	store    store.Store
	bus      *bus.Bus
	notifier notify.Notifier
	log      *logger.Logger
	now      func() time.Time
}

func NewPositionLedger(cfg config.QuotingConfig, exchange string, pair models.Pair, fair *FairValue, orders *OrderLedger, st store.Store, b *bus.Bus, n notify.Notifier, log *logger.Logger) *PositionLedger {
	return &PositionLedger{
		wallets:  make(map[string]models.Wallet),
		cfg:      cfg,
		exchange: exchange,
		pair:     pair,
		fair:     fair,
		orders:   orders,
		store:    st,
		bus:      b,
		notifier: n,
		log:      log,
		now:      time.Now,
	}
}

func (p *PositionLedger) logEntry() *logrus.Entry {
	return p.log.WithComponent("position").WithField("symbol", p.pair.Symbol())
}

// Load restores the persisted target base position.
func (p *PositionLedger) Load(ctx context.Context) error {
	records, err := p.store.Load(ctx, store.TopicTargetBasePosition)
	if err != nil {
		return fmt.Errorf("load target base position: %w", err)
	}
	if len(records) == 0 {
		return nil
	}
	var tbp models.TargetBasePosition
	if err := json.Unmarshal(records[0], &tbp); err != nil {
		return fmt.Errorf("decode target base position: %w", err)
	}

	p.mu.Lock()
	p.tbp = tbp
	p.sideBias = tbp.SideBias
	p.mu.Unlock()

	p.logEntry().WithField("tbp", formatFloatPlain(tbp.TargetBasePosition)).Info("loaded target base position")
	return nil
}

// OnWallet caches w and revalues the position. A wallet without currency only
// triggers the revaluation.
func (p *PositionLedger) OnWallet(ctx context.Context, w models.Wallet) {
	fair := p.fair.Get()

	p.mu.Lock()
	if w.Currency != "" {
		p.wallets[w.Currency] = w
	}
	base, okBase := p.wallets[p.pair.Base]
	quote, okQuote := p.wallets[p.pair.Quote]
	if fair <= 0 || !okBase || !okQuote {
		p.mu.Unlock()
		return
	}

	baseValue := base.Amount + quote.Amount/fair + base.Held + quote.Held/fair
	quoteValue := base.Amount*fair + quote.Amount + base.Held*fair + quote.Held
	now := p.now()
	window := time.Duration(p.cfg.ProfitHourInterval * float64(time.Hour))
	p.samples = append(p.samples, profitSample{baseValue: baseValue, quoteValue: quoteValue, time: now})
	kept := p.samples[:0]
	for _, s := range p.samples {
		if s.time.Add(window).After(now) {
			kept = append(kept, s)
		}
	}
	p.samples = kept
	oldest := profitSample{baseValue: baseValue, quoteValue: quoteValue}
	if len(p.samples) > 0 {
		oldest = p.samples[0]
	}

	pos := models.Position{
		BaseAmount:      base.Amount,
		QuoteAmount:     quote.Amount,
		BaseHeldAmount:  base.Held,
		QuoteHeldAmount: quote.Held,
		Value:           baseValue,
		QuoteValue:      quoteValue,
		ProfitBase:      percentDelta(baseValue, oldest.baseValue),
		ProfitQuote:     percentDelta(quoteValue, oldest.quoteValue),
		Pair:            p.pair,
		Exchange:        p.exchange,
	}

	prev := p.position
	valueChanged := prev.Empty() || math.Abs(pos.Value-prev.Value) >= baseTolerance
	if !valueChanged && samePosition(pos, prev) {
		p.mu.Unlock()
		return
	}
	p.position = pos
	p.mu.Unlock()

	if valueChanged {
		p.ComputeTargetBasePosition(ctx)
	}
	p.bus.PublishPosition(pos)
	p.notifier.Notify(notify.TopicPosition, pos)
}

// Recompute revalues the position from the cached wallets.
func (p *PositionLedger) Recompute(ctx context.Context) {
	p.OnWallet(ctx, models.Wallet{})
}

func samePosition(a, b models.Position) bool {
	return math.Abs(a.QuoteValue-b.QuoteValue) < quoteTolerance &&
		math.Abs(a.BaseAmount-b.BaseAmount) < baseTolerance &&
		math.Abs(a.QuoteAmount-b.QuoteAmount) < quoteTolerance &&
		math.Abs(a.BaseHeldAmount-b.BaseHeldAmount) < baseTolerance &&
		math.Abs(a.QuoteHeldAmount-b.QuoteHeldAmount) < quoteTolerance &&
		math.Abs(a.ProfitBase-b.ProfitBase) < quoteTolerance &&
		math.Abs(a.ProfitQuote-b.ProfitQuote) < quoteTolerance
}

func percentDelta(current, oldest float64) float64 {
	if current == 0 {
		return 0
	}
	return (current - oldest) / current * 100
}

// OnOrder estimates the balance reserved by the open orders on o's side and
// feeds it through the wallet path until the exchange reports real figures.
func (p *PositionLedger) OnOrder(ctx context.Context, o models.Order) {
	p.mu.Lock()
	pos := p.position
	p.mu.Unlock()
	if pos.Empty() {
		return
	}

	amount := pos.QuoteAmount + pos.QuoteHeldAmount
	currency := p.pair.Quote
	if o.Side == models.SideAsk {
		amount = pos.BaseAmount + pos.BaseHeldAmount
		currency = p.pair.Base
	}

	var held float64
	for _, open := range p.orders.SideOrders(o.Side) {
		need := open.Quantity
		if open.Side == models.SideBid {
			need *= open.Price
		}
		if amount >= need {
			amount -= need
			held += need
		}
	}
	p.OnWallet(ctx, models.Wallet{Currency: currency, Amount: amount, Held: held})
}

// SetTargetBias stores the strategy bias, clamped to [-1, 1], and recomputes
// the target.
func (p *PositionLedger) SetTargetBias(ctx context.Context, bias float64) {
	bias = math.Max(-1, math.Min(1, bias))
	p.mu.Lock()
	p.targetBias = bias
	p.mu.Unlock()
	p.ComputeTargetBasePosition(ctx)
}

func (p *PositionLedger) SetSideBias(ctx context.Context, label string) {
	p.mu.Lock()
	p.sideBias = label
	p.mu.Unlock()
	p.ComputeTargetBasePosition(ctx)
}

// ComputeTargetBasePosition publishes and persists a new target when it moved
// beyond tolerance or its side label changed.
func (p *PositionLedger) ComputeTargetBasePosition(ctx context.Context) (models.TargetBasePosition, bool) {
	p.mu.Lock()
	value := p.position.Value
	if value == 0 {
		p.mu.Unlock()
		p.logEntry().Warn("unable to calculate target base position, missing market data")
		return models.TargetBasePosition{}, false
	}

	var target float64
	switch {
	case p.cfg.AutoPositionMode == models.AutoPositionAuto:
		target = ((1 + p.targetBias) / 2) * value
	case p.cfg.PercentageValues:
		target = p.cfg.TargetBasePositionPercentage * value / 100
	default:
		target = p.cfg.TargetBasePosition
	}

	if p.tbpPublished && p.tbp.TargetBasePosition != 0 &&
		math.Abs(p.tbp.TargetBasePosition-target) < tbpTolerance && p.tbpLabel == p.sideBias {
		tbp := p.tbp
		p.mu.Unlock()
		return tbp, false
	}
	p.tbp = models.TargetBasePosition{TargetBasePosition: target, SideBias: p.sideBias}
	p.tbpLabel = p.sideBias
	p.tbpPublished = true
	tbp := p.tbp
	p.mu.Unlock()

	p.bus.PublishTargetBasePosition(tbp)
	p.notifier.Notify(notify.TopicTargetBasePosition, tbp)
	if err := p.store.Upsert(ctx, store.TopicTargetBasePosition, tbpRecordKey, tbp); err != nil {
		p.logEntry().WithError(err).Warn("failed to persist target base position")
	}
	p.logEntry().WithFields(logrus.Fields{
		"percent": int(target / value * 100),
		"tbp":     formatFloatPlain(target),
		"base":    p.pair.Base,
	}).Info("target base position")
	return tbp, true
}

func (p *PositionLedger) Position() models.Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

func (p *PositionLedger) TargetBasePosition() models.TargetBasePosition {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tbp
}
