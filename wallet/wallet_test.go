package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/btcsuite/btcutil"
)

type rpcRequest struct {
	ID     any             `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func rpcServer(t *testing.T, handle func(req rpcRequest) (any, *string)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc request: %v", err)
		}
		result, rpcErr := handle(req)
		resp := map[string]any{"id": req.ID, "result": result}
		if rpcErr != nil {
			resp["result"] = nil
			resp["error"] = map[string]any{"code": -1, "message": *rpcErr}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("encode rpc response: %v", err)
		}
	}))
}

func TestBitcoindBalance(t *testing.T) {
	ts := rpcServer(t, func(req rpcRequest) (any, *string) {
		if req.Method != "getbalance" {
			t.Errorf("method = %q", req.Method)
		}
		var params []any
		if err := json.Unmarshal(req.Params, &params); err != nil {
			t.Errorf("params: %v", err)
		}
		if len(params) != 2 || params[0] != "*" || params[1] != float64(3) {
			t.Errorf("params = %v", params)
		}
		return 0.75, nil
	})
	defer ts.Close()

	client, err := NewBitcoindClient(ts.URL, "user", "pass")
	if err != nil {
		t.Fatalf("NewBitcoindClient: %v", err)
	}
	balance, err := client.Balance(context.Background(), 3)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != btcutil.Amount(75_000_000) {
		t.Fatalf("balance = %d, want 0.75 BTC in satoshi", balance)
	}
}

func TestBitcoindSendToAddress(t *testing.T) {
	ts := rpcServer(t, func(req rpcRequest) (any, *string) {
		if req.Method != "sendtoaddress" {
			t.Errorf("method = %q", req.Method)
		}
		var params []any
		if err := json.Unmarshal(req.Params, &params); err != nil {
			t.Errorf("params: %v", err)
		}
		if len(params) != 2 || params[0] != "1Treasury" || params[1] != 0.5 {
			t.Errorf("params = %v", params)
		}
		return "txid123", nil
	})
	defer ts.Close()

	client, err := NewBitcoindClient(ts.URL, "", "")
	if err != nil {
		t.Fatalf("NewBitcoindClient: %v", err)
	}
	txid, err := client.SendToAddress(context.Background(), "1Treasury", btcutil.Amount(50_000_000))
	if err != nil {
		t.Fatalf("SendToAddress: %v", err)
	}
	if txid != "txid123" {
		t.Fatalf("txid = %q", txid)
	}
}

func TestBitcoindSurfacesRPCError(t *testing.T) {
	msg := "Insufficient funds"
	ts := rpcServer(t, func(rpcRequest) (any, *string) { return nil, &msg })
	defer ts.Close()

	client, err := NewBitcoindClient(ts.URL, "", "")
	if err != nil {
		t.Fatalf("NewBitcoindClient: %v", err)
	}
	if _, err := client.SendToAddress(context.Background(), "1T", btcutil.Amount(1)); err == nil {
		t.Fatal("SendToAddress succeeded, want rpc error")
	}
}

func TestHeadlessClientCalls(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer hush" {
			t.Errorf("authorization = %q", got)
		}
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc request: %v", err)
		}
		result, rpcErr := headlessHandler(req)
		resp := map[string]any{"id": req.ID, "result": result}
		if rpcErr != nil {
			resp["result"] = nil
			resp["error"] = map[string]any{"code": -1, "message": *rpcErr}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("encode rpc response: %v", err)
		}
	}))
	defer ts.Close()

	client, err := NewHeadlessClient(ts.URL, "hush")
	if err != nil {
		t.Fatalf("NewHeadlessClient: %v", err)
	}
	ctx := context.Background()

	catching, err := client.IsCatchingUp(ctx)
	if err != nil || catching {
		t.Fatalf("IsCatchingUp = %v, %v", catching, err)
	}
	rows, err := client.FundedAddresses(ctx, 16)
	if err != nil {
		t.Fatalf("FundedAddresses: %v", err)
	}
	if len(rows) != 2 || rows[0].Address != "ADDR1" || rows[0].Amount != 60000 {
		t.Fatalf("rows = %+v", rows)
	}
	unit, err := client.SendPayment(ctx, "", 10_000, "TREASURY", "")
	if err != nil || unit != "unit-xyz" {
		t.Fatalf("SendPayment = %q, %v", unit, err)
	}
	balance, err := client.AssetBalance(ctx, "asset")
	if err != nil || balance != 123456 {
		t.Fatalf("AssetBalance = %d, %v", balance, err)
	}
	issued, err := client.Issue(ctx, "asset", 500, "BUYER", "0DEV")
	if err != nil || issued != "unit-xyz" {
		t.Fatalf("Issue = %q, %v", issued, err)
	}
}

func headlessHandler(req rpcRequest) (any, *string) {
	switch req.Method {
	case "is_catching_up":
		return false, nil
	case "list_funded_addresses":
		var params struct {
			Limit int `json:"limit"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Limit != 16 {
			e := fmt.Sprintf("bad params: %s", req.Params)
			return nil, &e
		}
		return []map[string]any{
			{"address": "ADDR1", "amount": 60000},
			{"address": "ADDR2", "amount": 40000},
		}, nil
	case "send_payment":
		return map[string]string{"unit": "unit-xyz"}, nil
	case "asset_balance":
		return map[string]int64{"amount": 123456}, nil
	}
	e := "unknown method " + req.Method
	return nil, &e
}
