package proxy

import (
	"context"
	"net/http"

	"github.com/nulzo/sermon-proxy/pkg/api"
)

// BalanceSnapshot is one immutable preflight reading.
type BalanceSnapshot = api.Balance

// Preflight fetches the caller's current quota, usage and booster balance.
func (c *Client) Preflight(ctx context.Context, token string) (*BalanceSnapshot, error) {
	var out api.Balance
	if _, err := c.transport.RequestJSON(ctx, http.MethodGet, api.PathPreflight, token, nil, nil, &out); err != nil {
		return nil, classify(err, "")
	}
	return &out, nil
}
