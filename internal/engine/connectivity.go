package engine

import (
	"mmbot/internal/bus"
	"mmbot/internal/logger"
	"mmbot/internal/models"
	"mmbot/internal/notify"
	"sync"
)

// Connectivity merges the order entry and market data link states with the
// auto start toggle into the exchange and quoting states.
type Connectivity struct {
	mu        sync.Mutex
	orderLink models.Connectivity
	dataLink  models.Connectivity
	autoStart models.Connectivity
	exchange  models.Connectivity
	quoting   models.Connectivity

	bus      *bus.Bus
	notifier notify.Notifier
	log      *logger.Logger

	// OnMarketDataLost runs whenever the market data link drops.
	OnMarketDataLost func()
}

func NewConnectivity(autoStart bool, b *bus.Bus, n notify.Notifier, log *logger.Logger) *Connectivity {
	c := &Connectivity{
		orderLink: models.Disconnected,
		dataLink:  models.Disconnected,
		autoStart: models.Disconnected,
		exchange:  models.Disconnected,
		quoting:   models.Disconnected,
		bus:       b,
		notifier:  n,
		log:       log,
	}
	if autoStart {
		c.autoStart = models.Connected
	}
	return c
}

func (c *Connectivity) SetOrderLink(state models.Connectivity) {
	c.update(func() { c.orderLink = state })
}

func (c *Connectivity) SetMarketDataLink(state models.Connectivity) {
	c.update(func() { c.dataLink = state })
	if state == models.Disconnected && c.OnMarketDataLost != nil {
		c.OnMarketDataLost()
	}
}

func (c *Connectivity) SetAutoStart(state models.Connectivity) {
	c.update(func() { c.autoStart = state })
}

func (c *Connectivity) update(apply func()) {
	c.mu.Lock()
	apply()
	exchange := models.Disconnected
	if c.orderLink == models.Connected && c.dataLink == models.Connected {
		exchange = models.Connected
	}
	quoting := exchange
	if c.autoStart != models.Connected {
		quoting = models.Disconnected
	}
	exchangeChanged := exchange != c.exchange
	quotingChanged := quoting != c.quoting
	c.exchange, c.quoting = exchange, quoting
	c.mu.Unlock()

	if exchangeChanged {
		c.log.WithComponent("connectivity").WithField("state", exchange).Info("exchange connectivity changed")
		c.bus.PublishConnectivity(bus.TopicExchangeConnectivity, exchange)
		c.notifier.Notify(notify.TopicExchangeConnectivity, exchange)
	}
	if quotingChanged {
		c.log.WithComponent("connectivity").WithField("state", quoting).Info("quoting state changed")
		c.bus.PublishConnectivity(bus.TopicQuotingState, quoting)
		c.notifier.Notify(notify.TopicQuotingState, quoting)
	}
}

func (c *Connectivity) Exchange() models.Connectivity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exchange
}

func (c *Connectivity) Quoting() models.Connectivity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quoting
}

func (c *Connectivity) AutoStart() models.Connectivity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoStart
}
