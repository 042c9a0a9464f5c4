package proxy

import (
	"context"
	"net/http"

	"github.com/nulzo/sermon-proxy/pkg/api"
)

// Anonymous exchanges a stable per-installation account token for a JWT.
// Callers own generating and persisting appAccountToken; the same token must
// resolve to the same backend identity on every call. No retries.
func (c *Client) Anonymous(ctx context.Context, appAccountToken string) (*api.AnonymousAuthResponse, error) {
	var out api.AnonymousAuthResponse
	body := api.AnonymousAuthRequest{AppAccountToken: appAccountToken}
	if _, err := c.transport.RequestJSON(ctx, http.MethodPost, api.PathAuthAnonymous, "", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
