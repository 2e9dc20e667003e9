package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/olaccursed/ico-bot/observability"
	"github.com/olaccursed/ico-bot/observability/logging"
	"github.com/olaccursed/ico-bot/wallet"
)

const networkEthereum = "ETH"

// EthereumConfig tunes the account-chain sweep.
type EthereumConfig struct {
	TreasuryAddress common.Address
	// Password unlocks funding accounts before sending.
	Password string
	// GasLimit of a plain value transfer.
	GasLimit uint64
}

// Ethereum drains every funding account above the gas reserve into the
// treasury. Accounts are independent, one failure never blocks the rest.
type Ethereum struct {
	cfg     EthereumConfig
	client  wallet.Ethereum
	metrics *observability.SweepMetrics
	logger  *slog.Logger
}

// NewEthereum constructs the sweeper.
func NewEthereum(cfg EthereumConfig, client wallet.Ethereum, logger *slog.Logger) (*Ethereum, error) {
	if client == nil {
		return nil, fmt.Errorf("ethereum client required")
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 21000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ethereum{cfg: cfg, client: client, metrics: observability.Sweep(), logger: logger}, nil
}

// Run performs one sweep across all funding accounts. Idempotent.
func (e *Ethereum) Run(ctx context.Context) error {
	if (e.cfg.TreasuryAddress == common.Address{}) {
		e.logger.Info("no accumulation settings", "network", networkEthereum)
		return nil
	}
	accounts, err := e.client.Accounts(ctx)
	if err != nil {
		e.metrics.RecordError(networkEthereum)
		return fmt.Errorf("list accounts: %w", err)
	}
	gasPrice, err := e.client.GasPrice(ctx)
	if err != nil {
		e.metrics.RecordError(networkEthereum)
		return fmt.Errorf("gas price: %w", err)
	}
	if gasPrice == nil || gasPrice.Sign() == 0 {
		// A zero quote would make the reserve vanish.
		gasPrice = big.NewInt(1)
	}
	reserve := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(e.cfg.GasLimit))

	swept := 0
	for _, account := range accounts {
		if account == e.cfg.TreasuryAddress {
			continue
		}
		sent, err := e.sweepAccount(ctx, account, reserve)
		if err != nil {
			e.logger.Error("account sweep failed", "network", networkEthereum, logging.MaskField("account", account.Hex()), "error", err)
			e.metrics.RecordError(networkEthereum)
			continue
		}
		if sent {
			swept++
		}
	}
	if swept > 0 {
		e.metrics.RecordRun(networkEthereum, "swept")
	} else {
		e.metrics.RecordRun(networkEthereum, "skipped")
	}
	return nil
}

func (e *Ethereum) sweepAccount(ctx context.Context, account common.Address, reserve *big.Int) (bool, error) {
	balance, err := e.client.Balance(ctx, account)
	if err != nil {
		return false, fmt.Errorf("balance: %w", err)
	}
	if balance == nil || balance.Sign() <= 0 {
		return false, nil
	}
	value := new(big.Int).Sub(balance, reserve)
	if value.Sign() <= 0 {
		return false, nil
	}
	if err := e.client.Unlock(ctx, account, e.cfg.Password); err != nil {
		return false, fmt.Errorf("unlock: %w", err)
	}
	txid, err := e.client.Send(ctx, account, e.cfg.TreasuryAddress, value, e.cfg.GasLimit)
	if err != nil {
		return false, fmt.Errorf("send: %w", err)
	}
	e.logger.Info("account swept", "network", networkEthereum, logging.MaskField("account", account.Hex()), "txid", txid)
	e.metrics.RecordTransfer(networkEthereum)
	return true, nil
}
