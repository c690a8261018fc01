package rest

import (
	"context"
	"mmbot/internal/models"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// GetBalances returns one wallet per requested coin. Coins the account does
// not hold are reported with zero balances.
func (c *Client) GetBalances(ctx context.Context, coins []string) ([]models.Wallet, error) {
	params := url.Values{}
	params.Set("accountType", c.accountType)

	if len(coins) > 0 {
		params.Set("coin", strings.Join(coins, ","))
	}

	var resp bybitResponse[walletBalance]
	if err := c.doRequest(ctx, http.MethodGet, "/v5/account/wallet-balance", params, nil, true, &resp); err != nil {
		return nil, err
	}

	found := map[string]models.Wallet{}
	for _, account := range resp.Result.List {
		for _, item := range account.Coin {
			total, _ := parseFloatOrZero(item.WalletBalance)
			locked, _ := parseFloatOrZero(item.Locked)
			found[item.Coin] = models.Wallet{
				Currency: item.Coin,
				Amount:   total - locked,
				Held:     locked,
			}
		}
	}

	for _, coin := range coins {
		if _, ok := found[coin]; !ok {
			found[coin] = models.Wallet{Currency: coin}
		}
	}

	wallets := make([]models.Wallet, 0, len(found))
	for _, w := range found {
		wallets = append(wallets, w)
	}
	sort.Slice(wallets, func(i, j int) bool { return wallets[i].Currency < wallets[j].Currency })
	return wallets, nil
}

func parseFloatOrZero(value string) (float64, error) {
	if value == "" {
		return 0, nil
	}
	return strconv.ParseFloat(value, 64)
}
