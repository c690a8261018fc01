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
	"mmbot/internal/store"
	"sync"
	"time"
)

// --- Setup & Helpers --------------------------------------------------------

var errRejected = errors.New("rejected")

type cancelCall struct {
	localID    string
	exchangeID string
	side       models.Side
}

type fakeGateway struct {
	mu sync.Mutex

	events            chan exchange.Event
	tick              float64
	minSize           float64
	requireExchangeID bool
	cancelAll         bool
	submitErr         error

	seq            int
	submitted      []models.Order
	cancels        []cancelCall
	cancelAllCalls int
	walletRefresh  int
	closed         bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		events:  make(chan exchange.Event, 16),
		tick:    1,
		minSize: 0.01,
	}
}

func (g *fakeGateway) Start(ctx context.Context) error { return nil }
func (g *fakeGateway) Events() <-chan exchange.Event   { return g.events }

func (g *fakeGateway) Close() error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	return nil
}

func (g *fakeGateway) Exchange() string                  { return "fake" }
func (g *fakeGateway) Pair() models.Pair                 { return models.Pair{Base: "BTC", Quote: "USDT"} }
func (g *fakeGateway) MinTick() float64                  { return g.tick }
func (g *fakeGateway) MinSize() float64                  { return g.minSize }
func (g *fakeGateway) SupportsCancelAll() bool           { return g.cancelAll }
func (g *fakeGateway) RequiresExchangeIDForCancel() bool { return g.requireExchangeID }

func (g *fakeGateway) GenerateLocalID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return fmt.Sprintf("L%03d", g.seq)
}

func (g *fakeGateway) SubmitOrder(ctx context.Context, order models.Order) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submitted = append(g.submitted, order)
	return g.submitErr
}

func (g *fakeGateway) CancelOrder(ctx context.Context, localID, exchangeID string, side models.Side, submitted time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels = append(g.cancels, cancelCall{localID: localID, exchangeID: exchangeID, side: side})
	return nil
}

func (g *fakeGateway) CancelAll(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelAllCalls++
	return nil
}

func (g *fakeGateway) RefreshWallets(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.walletRefresh++
	return nil
}

func (g *fakeGateway) cancelCalls() []cancelCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]cancelCall(nil), g.cancels...)
}

func (g *fakeGateway) counters() (cancelAll, walletRefresh int, closed bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancelAllCalls, g.walletRefresh, g.closed
}

type notification struct {
	topic   string
	payload any
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (r *recordingNotifier) Notify(topic string, payload any) {
	r.mu.Lock()
	r.sent = append(r.sent, notification{topic: topic, payload: payload})
	r.mu.Unlock()
}

func (r *recordingNotifier) payloads(topic string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []any
	for _, n := range r.sent {
		if n.topic == topic {
			res = append(res, n.payload)
		}
	}
	return res
}

func (r *recordingNotifier) count(topic string) int {
	return len(r.payloads(topic))
}

// recordTopic subscribes to topic and collects every event.
func recordTopic(b *bus.Bus, topic bus.Topic) *[]bus.Event {
	var events []bus.Event
	if err := b.Subscribe(topic, func(ev bus.Event) { events = append(events, ev) }); err != nil {
		panic(err)
	}
	return &events
}

type testEnv struct {
	engine   *Engine
	gw       *fakeGateway
	store    *store.Memory
	bus      *bus.Bus
	notifier *recordingNotifier
	clock    *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() *config.Config {
	return &config.Config{
		Quoting: config.QuotingConfig{
			PongAt:                        models.PongAtLongPingFair,
			BuySize:                       1,
			SellSize:                      1,
			TradeRateSeconds:              60,
			ProfitHourInterval:            1,
			AutoPositionMode:              models.AutoPositionManual,
			TargetBasePosition:            1,
			AggressivePositionRebalancing: models.APROff,
		},
	}
}

func newTestEnv(cfg *config.Config, gw *fakeGateway) *testEnv {
	if cfg == nil {
		cfg = testConfig()
	}
	if gw == nil {
		gw = newFakeGateway()
	}
	env := &testEnv{
		gw:       gw,
		store:    store.NewMemory(),
		bus:      bus.New(),
		notifier: &recordingNotifier{},
		clock:    &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	}
	env.engine = New(cfg, gw, env.store, env.bus, env.notifier, logger.NewNop())
	env.engine.orders.now = env.clock.Now
	env.engine.trades.now = env.clock.Now
	env.engine.position.now = env.clock.Now
	return env
}

// fill reports a fill of qty for an order already in the ledger.
func (env *testEnv) fill(localID string, qty float64, status models.OrderStatus) models.Order {
	o, _ := env.engine.orders.ApplyUpdate(context.Background(), models.OrderPatch{
		LocalID:      localID,
		Status:       models.Ptr(status),
		LastQuantity: models.Ptr(qty),
	})
	return o
}

// trade submits and fully fills an order, returning the recorded trade.
func (env *testEnv) trade(side models.Side, price, qty float64) {
	ctx := context.Background()
	o := env.engine.SubmitOrder(ctx, OrderRequest{Side: side, Price: price, Quantity: qty})
	env.fill(o.LocalID, qty, models.OrderStatusComplete)
}

// wallets seeds a valued position.
func (env *testEnv) wallets(fair, base, quote float64) {
	ctx := context.Background()
	env.engine.SetFairValue(ctx, fair)
	env.engine.position.OnWallet(ctx, models.Wallet{Currency: "BTC", Amount: base})
	env.engine.position.OnWallet(ctx, models.Wallet{Currency: "USDT", Amount: quote})
}
