package engine

import (
	"math"
	"mmbot/internal/models"

	"github.com/tidwall/btree"
)

type candidate struct {
	price float64
	seq   int
	trade *models.Trade
}

func candidateLess(a, b candidate) bool {
	if a.price != b.price {
		return a.price < b.price
	}
	return a.seq < b.seq
}

// matchWidth is the minimum distance a counter trade must keep from price.
func (t *TradeEngine) matchWidth(price float64) float64 {
	if t.cfg.WidthPercentage {
		return t.cfg.WidthPongPercentage * price / 100
	}
	return t.cfg.WidthPong
}

// candidates collects the unmatched opposite-side trades beyond the match
// width of fill, ordered by price and then by age.
func (t *TradeEngine) candidates(fill models.Trade) *btree.BTreeG[candidate] {
	width := t.matchWidth(fill.Price)
	opposite := fill.Side.Opposite()
	tree := btree.NewBTreeG(candidateLess)
	for i, trade := range t.history {
		if trade.Side != opposite || trade.Unmatched() <= 0 {
			continue
		}
		if fill.Side == models.SideBid && trade.Price <= fill.Price+width {
			continue
		}
		if fill.Side == models.SideAsk && trade.Price >= fill.Price-width {
			continue
		}
		tree.Set(candidate{price: trade.Price, seq: i, trade: trade})
	}
	return tree
}

// reverseWalk reports whether candidates are visited from the highest price
// down. Long pings pair a fill with the nearest ping first, short pings with
// the farthest.
func (t *TradeEngine) reverseWalk(side models.Side) bool {
	if t.cfg.PongAt.LongPing() {
		return side == models.SideAsk
	}
	return side == models.SideBid
}

// match pairs fill against the history and stores any residual. It returns
// copies of every trade it touched. Callers hold t.mu.
func (t *TradeEngine) match(fill models.Trade) []models.Trade {
	var touched []models.Trade
	pong := fill

	visit := func(c candidate) bool {
		ping := c.trade
		qty := math.Min(pong.Quantity, ping.Unmatched())
		ping.MatchedTime = pong.Time
		ping.MatchedPrice = (qty*pong.Price + ping.MatchedQty*ping.MatchedPrice) / (ping.MatchedQty + qty)
		if qty == ping.Unmatched() {
			ping.MatchedQty = ping.Quantity
		} else {
			ping.MatchedQty += qty
		}
		ping.MatchedValue = math.Abs(ping.MatchedQty * ping.MatchedPrice)
		if ping.FullyMatched() {
			ping.MatchedDiff = math.Abs(ping.Quantity*ping.Price - ping.MatchedQty*ping.MatchedPrice)
		}
		ping.LoadedFromDB = false
		touched = append(touched, *ping)

		pong.Quantity -= qty
		pong.Value = math.Abs(pong.Price * pong.Quantity)
		return pong.Quantity > 0
	}

	tree := t.candidates(fill)
	if t.reverseWalk(fill.Side) {
		tree.Reverse(visit)
	} else {
		tree.Scan(visit)
	}

	if pong.Quantity <= 0 {
		return touched
	}
	for _, trade := range t.history {
		if trade.Price != pong.Price || trade.Side != pong.Side || trade.FullyMatched() {
			continue
		}
		trade.Time = pong.Time
		trade.Quantity += pong.Quantity
		trade.Value += pong.Value
		trade.LoadedFromDB = false
		return append(touched, *trade)
	}
	residual := pong
	t.history = append(t.history, &residual)
	return append(touched, residual)
}
