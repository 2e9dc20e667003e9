// Package wallet defines the uniform capability interfaces for the three
// funding networks, plus RPC adapters for the node daemons behind them. The
// sweepers and the reconciliation monitor depend only on the interfaces.
package wallet

import (
	"context"
	"math/big"

	"github.com/btcsuite/btcutil"
	"github.com/ethereum/go-ethereum/common"
)

// AddressBalance pairs a funding address with its confirmed balance in the
// network's smallest unit.
type AddressBalance struct {
	Address string
	Amount  int64
}

// Native is the capability surface of the native-network wallet daemon.
type Native interface {
	// IsCatchingUp reports whether the underlying ledger is still syncing.
	// Accumulation must not run while it is.
	IsCatchingUp(ctx context.Context) (bool, error)
	// FundedAddresses lists up to limit funding addresses holding stable,
	// unspent base-asset outputs, ordered by descending balance.
	FundedAddresses(ctx context.Context, limit int) ([]AddressBalance, error)
	// SendPayment issues a transfer of the asset (empty for the base
	// asset) and returns the unit id. deviceAddress, when set, lets the
	// wallet notify the recipient's device of the transfer.
	SendPayment(ctx context.Context, asset string, amount int64, toAddress, deviceAddress string) (string, error)
	// AssetBalance returns the unspent balance of the asset still
	// controlled by the wallet.
	AssetBalance(ctx context.Context, asset string) (int64, error)
}

// Bitcoin is the capability surface of the first-gen chain node.
type Bitcoin interface {
	// Balance returns the wallet balance with at least minConf
	// confirmations.
	Balance(ctx context.Context, minConf int64) (btcutil.Amount, error)
	// SendToAddress transfers amount to the address and returns the txid.
	SendToAddress(ctx context.Context, address string, amount btcutil.Amount) (string, error)
}

// Ethereum is the capability surface of the account-chain node.
type Ethereum interface {
	Accounts(ctx context.Context) ([]common.Address, error)
	Balance(ctx context.Context, account common.Address) (*big.Int, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	Unlock(ctx context.Context, account common.Address, password string) error
	Send(ctx context.Context, from, to common.Address, value *big.Int, gasLimit uint64) (string, error)
}
