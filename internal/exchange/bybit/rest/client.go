package rest

import (
	"mmbot/internal/logger"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

func New(baseURL, apiKey, secret, accountType string, log *logger.Logger) *Client {
	return &Client{
		baseURL:     baseURL,
		accountType: accountType,
		apiKey:      apiKey,
		secret:      secret,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log: log,
	}
}

func (c *Client) logEntry() *logrus.Entry {
	return c.log.WithComponent("bybit_rest")
}
