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

	"github.com/btcsuite/btcutil"
)

// BitcoindClient is a lightweight JSON-RPC client for a bitcoind wallet.
type BitcoindClient struct {
	endpoint string
	user     string
	password string
	http     *http.Client
	nextID   atomic.Int64
}

// NewBitcoindClient constructs a client for the node at endpoint.
func NewBitcoindClient(endpoint, user, password string) (*BitcoindClient, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("bitcoind endpoint required")
	}
	return &BitcoindClient{
		endpoint: trimmed,
		user:     user,
		password: password,
		http:     &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Balance implements Bitcoin.
func (c *BitcoindClient) Balance(ctx context.Context, minConf int64) (btcutil.Amount, error) {
	var balance float64
	if err := c.call(ctx, "getbalance", []any{"*", minConf}, &balance); err != nil {
		return 0, fmt.Errorf("getbalance: %w", err)
	}
	amount, err := btcutil.NewAmount(balance)
	if err != nil {
		return 0, fmt.Errorf("parse balance %v: %w", balance, err)
	}
	return amount, nil
}

// SendToAddress implements Bitcoin.
func (c *BitcoindClient) SendToAddress(ctx context.Context, address string, amount btcutil.Amount) (string, error) {
	var txid string
	if err := c.call(ctx, "sendtoaddress", []any{address, amount.ToBTC()}, &txid); err != nil {
		return "", fmt.Errorf("sendtoaddress: %w", err)
	}
	return txid, nil
}

func (c *BitcoindClient) call(ctx context.Context, method string, params []any, out any) error {
	id := c.nextID.Add(1)
	body := map[string]any{
		"jsonrpc": "1.0",
		"id":      id,
		"method":  method,
		"params":  params,
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
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
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
		return fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
