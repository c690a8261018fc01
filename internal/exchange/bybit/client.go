// Package bybit adapts the Bybit v5 spot API to exchange.Gateway.
package bybit

import (
	"context"
	"fmt"
	"mmbot/internal/config"
	"mmbot/internal/exchange"
	"mmbot/internal/exchange/bybit/rest"
	"mmbot/internal/exchange/bybit/ws"
	"mmbot/internal/logger"
	"mmbot/internal/models"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	ExchangeName = "bybit"
	eventBuffer  = 256
	bookDepth    = 50
)

type Client struct {
	pair  models.Pair
	rules exchange.InstrumentRules

	rest      *rest.Client
	wsPublic  *ws.Client
	wsPrivate *ws.Client
	events    chan exchange.Event

	log *logger.Logger
}

func New(cfg config.ExchangeConfig, log *logger.Logger) *Client {
	events := make(chan exchange.Event, eventBuffer)
	return &Client{
		pair:      models.Pair{Base: cfg.Base, Quote: cfg.Quote},
		rest:      rest.New(cfg.BaseUrl, cfg.ApiKey, cfg.Secret, cfg.AccountType, log),
		wsPublic:  ws.NewPublic(cfg.WSPublicURL, 0, events, log),
		wsPrivate: ws.NewPrivate(cfg.WSPrivateURL, cfg.ApiKey, cfg.Secret, events, log),
		events:    events,
		log:       log,
	}
}

func (c *Client) logEntry() *logrus.Entry {
	return c.log.WithComponent("bybit").WithField("symbol", c.pair.Symbol())
}

// Start loads the instrument filters and opens both streams.
func (c *Client) Start(ctx context.Context) error {
	rules, err := c.rest.GetInstrumentRules(ctx, c.pair.Symbol())
	if err != nil {
		return fmt.Errorf("load instrument rules: %w", err)
	}
	c.rules = rules

	if err := c.wsPrivate.Connect(ctx, c.pair.Symbol(), []string{"order", "wallet"}); err != nil {
		return fmt.Errorf("private stream: %w", err)
	}
	book := fmt.Sprintf("orderbook.%d.%s", bookDepth, c.pair.Symbol())
	if err := c.wsPublic.Connect(ctx, c.pair.Symbol(), []string{book}); err != nil {
		return fmt.Errorf("public stream: %w", err)
	}

	c.logEntry().WithFields(logrus.Fields{
		"tick":     rules.TickSize,
		"lot":      rules.LotSize,
		"min_qty":  rules.MinQty,
		"min_cost": rules.MinNotional,
	}).Info("bybit gateway started")
	return nil
}

func (c *Client) Events() <-chan exchange.Event {
	return c.events
}

func (c *Client) Close() error {
	errPublic := c.wsPublic.Close()
	errPrivate := c.wsPrivate.Close()
	if errPublic != nil {
		return errPublic
	}
	return errPrivate
}

func (c *Client) Exchange() string  { return ExchangeName }
func (c *Client) Pair() models.Pair { return c.pair }
func (c *Client) MinTick() float64  { return c.rules.TickSize }
func (c *Client) MinSize() float64  { return c.rules.MinQty }

// Bybit cancels by orderLinkId, so the exchange id is never needed.
func (c *Client) RequiresExchangeIDForCancel() bool { return false }
func (c *Client) SupportsCancelAll() bool           { return true }

func (c *Client) GenerateLocalID() string {
	return uuid.NewString()
}

// SubmitOrder places the order and reports the exchange id as soon as the
// REST call returns; later state arrives on the private stream.
func (c *Client) SubmitOrder(ctx context.Context, order models.Order) error {
	exchangeID, err := c.rest.PlaceOrder(ctx, c.pair.Symbol(), order, c.rules)
	if err != nil {
		return err
	}
	ack := models.OrderPatch{
		LocalID:    order.LocalID,
		ExchangeID: models.Ptr(exchangeID),
		Status:     models.Ptr(models.OrderStatusWorking),
	}
	select {
	case c.events <- exchange.Event{Type: exchange.EventTypeOrder, Order: &ack}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (c *Client) CancelOrder(ctx context.Context, localID, exchangeID string, side models.Side, submitted time.Time) error {
	return c.rest.CancelOrder(ctx, c.pair.Symbol(), localID, exchangeID)
}

func (c *Client) CancelAll(ctx context.Context) error {
	return c.rest.CancelAll(ctx, c.pair.Symbol())
}

func (c *Client) RefreshWallets(ctx context.Context) error {
	wallets, err := c.rest.GetBalances(ctx, []string{c.pair.Base, c.pair.Quote})
	if err != nil {
		return err
	}
	for i := range wallets {
		w := wallets[i]
		select {
		case c.events <- exchange.Event{Type: exchange.EventTypeWallet, Wallet: &w}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
