// Package walletclient is the external-collaborator contract spec.md
// §4.6 names as "optionally provisions a lightning wallet via the
// configured wallet backend" — out of scope per spec.md §1, interacted
// with only through this interface.
package walletclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WalletInfo is whatever the wallet backend hands back for a freshly
// provisioned account. Fields beyond an address are backend-specific and
// passed through opaquely.
type WalletInfo struct {
	Address string         `json:"address"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// Client provisions a wallet for a newly created account.
type Client interface {
	ProvisionWallet(ctx context.Context, username, pubkey string) (WalletInfo, error)
}

// HTTPClient is the minimal net/http-backed implementation SPEC_FULL.md
// calls for: a single POST to the configured backend URL, non-fatal on
// failure from the caller's point of view.
type HTTPClient struct {
	BaseURL string
	HTTP    *http.Client
}

// New builds an HTTPClient against baseURL with a 10s-timeout
// *http.Client. An HTTPClient whose HTTP field is nil falls back to
// http.DefaultClient.
func New(baseURL string) *HTTPClient {
	return &HTTPClient{BaseURL: baseURL, HTTP: &http.Client{Timeout: 10 * time.Second}}
}

type provisionRequest struct {
	Username string `json:"username"`
	Pubkey   string `json:"pubkey"`
}

func (c *HTTPClient) ProvisionWallet(ctx context.Context, username, pubkey string) (WalletInfo, error) {
	body, err := json.Marshal(provisionRequest{Username: username, Pubkey: pubkey})
	if err != nil {
		return WalletInfo{}, fmt.Errorf("walletclient: encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/wallets", bytes.NewReader(body))
	if err != nil {
		return WalletInfo{}, fmt.Errorf("walletclient: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return WalletInfo{}, fmt.Errorf("walletclient: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return WalletInfo{}, fmt.Errorf("walletclient: backend returned status %d", resp.StatusCode)
	}

	var info WalletInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return WalletInfo{}, fmt.Errorf("walletclient: decoding response: %w", err)
	}
	return info, nil
}
