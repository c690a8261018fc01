package engine

import (
	"math"
	"mmbot/internal/models"
	"mmbot/internal/notify"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/btree"
)

const (
	safetyCombinedTolerance = 1e-3
	safetyPriceTolerance    = 1e-2
)

// bucket aggregates the recent fills of one side at one price.
type bucket struct {
	price    float64
	quantity float64
	time     time.Time
}

func newBuckets() *btree.BTreeG[bucket] {
	return btree.NewBTreeG(func(a, b bucket) bool {
		return a.price < b.price
	})
}

// SafetyInputs carries the external state a safety computation depends on.
type SafetyInputs struct {
	Position           models.Position
	FairValue          float64
	TargetBasePosition float64
}

type pingAcc struct {
	value float64
	qty   float64
}

func (a pingAcc) price() float64 {
	if a.qty == 0 {
		return 0
	}
	return a.value / a.qty
}

// addBucket records a fill for the safety window. Callers hold t.mu.
func (t *TradeEngine) addBucket(fill models.Trade) {
	tree := t.buys
	if fill.Side == models.SideAsk {
		tree = t.sells
	}
	b, ok := tree.Get(bucket{price: fill.Price})
	if !ok {
		b = bucket{price: fill.Price}
	}
	b.quantity += fill.Quantity
	b.time = fill.Time
	tree.Set(b)
}

// ComputeSafety recomputes the exposure ratios and ping prices. The second
// result reports whether the new snapshot was published.
func (t *TradeEngine) ComputeSafety(in SafetyInputs) (models.Safety, bool) {
	if in.Position.Empty() || in.FairValue <= 0 {
		t.logEntry().Warn("unable to calculate safety, missing position or fair value")
		return t.Safety(), false
	}

	t.mu.Lock()
	next := t.nextSafety(in)
	publish := !t.hasSafety ||
		math.Abs(next.Combined-t.safety.Combined) > safetyCombinedTolerance ||
		math.Abs(next.BuyPing-t.safety.BuyPing) >= safetyPriceTolerance ||
		math.Abs(next.SellPong-t.safety.SellPong) >= safetyPriceTolerance
	if publish {
		t.safety = next
		t.hasSafety = true
	}
	t.mu.Unlock()

	if !publish {
		return next, false
	}
	t.logEntry().WithFields(logrus.Fields{
		"buy":       next.Buy,
		"sell":      next.Sell,
		"combined":  next.Combined,
		"buy_ping":  next.BuyPing,
		"sell_pong": next.SellPong,
	}).Debug("safety")
	t.bus.PublishSafety(next)
	t.notifier.Notify(notify.TopicSafety, next)
	return next, true
}

func (t *TradeEngine) Safety() models.Safety {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.safety
}

// nextSafety derives a snapshot from the history and the recent fill
// buckets. Callers hold t.mu.
func (t *TradeEngine) nextSafety(in SafetyInputs) models.Safety {
	pos := in.Position
	buySize, sellSize := t.cfg.BuySize, t.cfg.SellSize
	if t.cfg.PercentageValues {
		buySize = t.cfg.BuySizePercentage * pos.Value / 100
		sellSize = t.cfg.SellSizePercentage * pos.Value / 100
	}
	totalBase := pos.BaseAmount + pos.BaseHeldAmount
	if t.cfg.AggressivePositionRebalancing != models.APROff {
		if t.cfg.BuySizeMax {
			buySize = math.Max(buySize, in.TargetBasePosition-totalBase)
		}
		if t.cfg.SellSizeMax {
			sellSize = math.Max(sellSize, totalBase-in.TargetBasePosition)
		}
	}

	width := t.cfg.WidthPong
	if t.cfg.WidthPercentage {
		width = t.cfg.WidthPongPercentage * in.FairValue / 100
	}

	buys := btree.NewBTreeG(candidateLess)
	sells := btree.NewBTreeG(candidateLess)
	for i, trade := range t.history {
		c := candidate{price: trade.Price, seq: i, trade: trade}
		if trade.Side == models.SideBid {
			buys.Set(c)
		} else {
			sells.Set(c)
		}
	}

	var buyPing, sellPong pingAcc
	fair := in.FairValue
	switch {
	case t.cfg.PongAt.ShortPing():
		t.matchPing(buys, fair, sellSize, width, true, false, true, &buyPing)
		t.matchPing(sells, fair, buySize, width, true, false, false, &sellPong)
		if buyPing.qty == 0 {
			t.matchPing(buys, fair, sellSize, -width, true, true, true, &buyPing)
		}
		if sellPong.qty == 0 {
			t.matchPing(sells, fair, buySize, -width, true, true, false, &sellPong)
		}
	case t.cfg.PongAt.LongPing():
		t.matchPing(buys, fair, sellSize, width, false, true, false, &buyPing)
		t.matchPing(sells, fair, buySize, width, false, true, true, &sellPong)
	}

	t.expire(t.buys)
	t.expire(t.sells)
	t.skip()
	sumBuys, sumSells := sumBuckets(t.buys), sumBuckets(t.sells)

	return models.Safety{
		Buy:      ratio(sumBuys, buySize),
		Sell:     ratio(sumSells, sellSize),
		Combined: ratio(sumBuys+sumSells, buySize+sellSize),
		BuyPing:  buyPing.price(),
		SellPong: sellPong.price(),
	}
}

// matchPing accumulates into acc the trades eligible as reference pings.
// near requires the trade to sit beyond width from fair value, far requires
// it on the far side of fair value; reverse walks from the highest price and
// mirrors both tests.
func (t *TradeEngine) matchPing(trades *btree.BTreeG[candidate], fair, qtyMax, width float64, near, far, reverse bool, acc *pingAcc) {
	// A zero width walks in the positive direction, same as a positive one.
	dir := 1.0
	if width < 0 {
		dir = -1
	}
	visit := func(c candidate) bool {
		fv, price, w := dir*fair, dir*c.price, width
		if reverse {
			fv, price, w = -fv, -price, -w
		}
		edge := fv + w
		if reverse {
			edge = fv - w
		}
		if acc.qty < qtyMax &&
			(!far || fv > price) &&
			(!near || edge < price) &&
			(!t.cfg.MatchPings || c.trade.MatchedQty < c.trade.Quantity) {
			q := math.Min(qtyMax-acc.qty, c.trade.Quantity)
			acc.value += c.trade.Price * q
			acc.qty += q
		}
		return acc.qty < qtyMax
	}
	if reverse {
		trades.Reverse(visit)
	} else {
		trades.Scan(visit)
	}
}

// expire drops buckets older than the trade rate window.
func (t *TradeEngine) expire(tree *btree.BTreeG[bucket]) {
	window := time.Duration(t.cfg.TradeRateSeconds * float64(time.Second))
	now := t.now()
	var stale []bucket
	tree.Scan(func(b bucket) bool {
		if !b.time.Add(window).After(now) {
			stale = append(stale, b)
		}
		return true
	})
	for _, b := range stale {
		tree.Delete(b)
	}
}

// skip offsets the highest buy against the lowest sell while the sell is not
// below the buy, dropping whichever side falls under the minimum size.
func (t *TradeEngine) skip() {
	for t.buys.Len() > 0 && t.sells.Len() > 0 {
		buy, _ := t.buys.Max()
		sell, _ := t.sells.Min()
		if sell.price < buy.price {
			break
		}
		buyQty := buy.quantity
		buy.quantity -= sell.quantity
		sell.quantity -= buyQty
		if buy.quantity <= 0 || buy.quantity < t.minSize {
			t.buys.Delete(buy)
		} else {
			t.buys.Set(buy)
		}
		if sell.quantity <= 0 || sell.quantity < t.minSize {
			t.sells.Delete(sell)
		} else {
			t.sells.Set(sell)
		}
	}
}

func sumBuckets(tree *btree.BTreeG[bucket]) float64 {
	var sum float64
	tree.Scan(func(b bucket) bool {
		sum += b.quantity
		return true
	})
	return sum
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}
