package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// HeadlessClient is a JSON-RPC client for the native network's headless
// wallet daemon. It also serves as the token issuance collaborator: issuing
// sale tokens is a SendPayment of the issued asset.
type HeadlessClient struct {
	endpoint  string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

// NewHeadlessClient constructs a client for the daemon at endpoint.
func NewHeadlessClient(endpoint, authToken string) (*HeadlessClient, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("headless wallet endpoint required")
	}
	return &HeadlessClient{
		endpoint:  trimmed,
		authToken: authToken,
		http:      &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// IsCatchingUp implements Native.
func (c *HeadlessClient) IsCatchingUp(ctx context.Context) (bool, error) {
	var catching bool
	if err := c.call(ctx, "is_catching_up", nil, &catching); err != nil {
		return false, fmt.Errorf("is_catching_up: %w", err)
	}
	return catching, nil
}

// FundedAddresses implements Native.
func (c *HeadlessClient) FundedAddresses(ctx context.Context, limit int) ([]AddressBalance, error) {
	params := map[string]any{"limit": limit}
	var rows []struct {
		Address string `json:"address"`
		Amount  int64  `json:"amount"`
	}
	if err := c.call(ctx, "list_funded_addresses", params, &rows); err != nil {
		return nil, fmt.Errorf("list_funded_addresses: %w", err)
	}
	balances := make([]AddressBalance, 0, len(rows))
	for _, row := range rows {
		balances = append(balances, AddressBalance{Address: row.Address, Amount: row.Amount})
	}
	return balances, nil
}

// SendPayment implements Native.
func (c *HeadlessClient) SendPayment(ctx context.Context, asset string, amount int64, toAddress, deviceAddress string) (string, error) {
	params := map[string]any{
		"amount":  amount,
		"address": toAddress,
	}
	if strings.TrimSpace(asset) != "" {
		params["asset"] = asset
	}
	if strings.TrimSpace(deviceAddress) != "" {
		params["device_address"] = deviceAddress
	}
	var result struct {
		Unit string `json:"unit"`
	}
	if err := c.call(ctx, "send_payment", params, &result); err != nil {
		return "", fmt.Errorf("send_payment: %w", err)
	}
	if result.Unit == "" {
		return "", fmt.Errorf("send_payment returned empty unit")
	}
	return result.Unit, nil
}

// AssetBalance implements Native.
func (c *HeadlessClient) AssetBalance(ctx context.Context, asset string) (int64, error) {
	params := map[string]any{"asset": asset}
	var result struct {
		Amount int64 `json:"amount"`
	}
	if err := c.call(ctx, "asset_balance", params, &result); err != nil {
		return 0, fmt.Errorf("asset_balance: %w", err)
	}
	return result.Amount, nil
}

// Issue sends tokens of the sale asset to the buyer's address, returning the
// unit id of the issuance transfer.
func (c *HeadlessClient) Issue(ctx context.Context, asset string, tokens int64, toAddress, deviceAddress string) (string, error) {
	if strings.TrimSpace(asset) == "" {
		return "", fmt.Errorf("issued asset required")
	}
	return c.SendPayment(ctx, asset, tokens, toAddress, deviceAddress)
}

func (c *HeadlessClient) call(ctx context.Context, method string, params any, out any) error {
	id := c.nextID.Add(1)
	body := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
	}
	if params != nil {
		body["params"] = params
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wallet rpc %s failed: status=%d", method, resp.StatusCode)
	}
	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("wallet rpc error: %s", rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("wallet rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
