package wallet

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// GethWallet adapts a geth-compatible node to the Ethereum interface. Account
// management (eth_accounts, personal_unlockAccount, eth_sendTransaction) goes
// through the raw RPC client; balance and gas queries use ethclient.
type GethWallet struct {
	rpc *gethrpc.Client
	eth *ethclient.Client
}

// DialEthereum connects to the node at endpoint.
func DialEthereum(ctx context.Context, endpoint string) (*GethWallet, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("ethereum endpoint required")
	}
	client, err := gethrpc.DialContext(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum node: %w", err)
	}
	return &GethWallet{rpc: client, eth: ethclient.NewClient(client)}, nil
}

// Close releases the underlying connection.
func (w *GethWallet) Close() {
	if w != nil && w.rpc != nil {
		w.rpc.Close()
	}
}

// Accounts implements Ethereum.
func (w *GethWallet) Accounts(ctx context.Context) ([]common.Address, error) {
	var accounts []common.Address
	if err := w.rpc.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}

// Balance implements Ethereum, returning the latest balance in wei.
func (w *GethWallet) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	balance, err := w.eth.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("balance of %s: %w", account.Hex(), err)
	}
	return balance, nil
}

// GasPrice implements Ethereum.
func (w *GethWallet) GasPrice(ctx context.Context) (*big.Int, error) {
	price, err := w.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	return price, nil
}

// Unlock implements Ethereum via the personal API.
func (w *GethWallet) Unlock(ctx context.Context, account common.Address, password string) error {
	var unlocked bool
	if err := w.rpc.CallContext(ctx, &unlocked, "personal_unlockAccount", account, password, uint64(60)); err != nil {
		return fmt.Errorf("unlock %s: %w", account.Hex(), err)
	}
	if !unlocked {
		return fmt.Errorf("account %s not unlocked", account.Hex())
	}
	return nil
}

// Send implements Ethereum, submitting a node-signed transfer.
func (w *GethWallet) Send(ctx context.Context, from, to common.Address, value *big.Int, gasLimit uint64) (string, error) {
	if value == nil || value.Sign() <= 0 {
		return "", fmt.Errorf("transfer value must be positive")
	}
	args := map[string]any{
		"from":  from,
		"to":    to,
		"value": (*hexutil.Big)(value),
		"gas":   hexutil.Uint64(gasLimit),
	}
	var txHash common.Hash
	if err := w.rpc.CallContext(ctx, &txHash, "eth_sendTransaction", args); err != nil {
		return "", fmt.Errorf("send from %s: %w", from.Hex(), err)
	}
	return txHash.Hex(), nil
}
