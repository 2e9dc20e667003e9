package ledger

import (
	"math/big"
	"strings"
	"time"
)

// Currency identifies one of the value-transfer networks the sale accepts.
type Currency string

const (
	// CurrencyGBYTE is the native DAG asset. Payments on it arrive already
	// stable, there is no pending stage and no reorg.
	CurrencyGBYTE Currency = "GBYTE"
	// CurrencyBTC is the proof-of-work chain.
	CurrencyBTC Currency = "BTC"
	// CurrencyETH is the account-based smart-contract chain.
	CurrencyETH Currency = "ETH"
)

// Reorgable reports whether recently observed transactions on the currency's
// network may still be replaced before reaching final confirmation. Replace
// semantics in the ledger apply only to these currencies.
func (c Currency) Reorgable() bool {
	return c == CurrencyBTC || c == CurrencyETH
}

// Platform returns the user_addresses platform key for the currency.
func (c Currency) Platform() string {
	switch c {
	case CurrencyETH:
		return "ETHEREUM"
	case CurrencyBTC:
		return "BITCOIN"
	case CurrencyGBYTE:
		return "BYTEBALL"
	}
	return ""
}

// ParseCurrency normalises a currency symbol.
func ParseCurrency(raw string) (Currency, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "GBYTE", "GB":
		return CurrencyGBYTE, true
	case "BTC":
		return CurrencyBTC, true
	case "ETH", "ETHER":
		return CurrencyETH, true
	}
	return "", false
}

// Payment is the payload of a "new payment" or "payment stable" notification
// emitted by a chain watcher.
type Payment struct {
	TxID             string
	Currency         Currency
	ReceivingAddress string
	ByteballAddress  string
	DeviceAddress    string
	Amount           *big.Rat
	BlockNumber      int64
}

// Transaction is a ledger row. Rows are never deleted, they are the
// permanent audit trail of the sale.
type Transaction struct {
	ID               int64
	TxID             string
	Currency         Currency
	ReceivingAddress string
	ByteballAddress  string
	DeviceAddress    string
	Amount           *big.Rat
	Tokens           *int64
	Stable           bool
	PaidOut          bool
	PaidAt           *time.Time
	PayoutUnit       string
	BlockNumber      int64
	CreatedAt        time.Time
}

// TokenAmount returns the computed token quantity, zero when unset.
func (t Transaction) TokenAmount() int64 {
	if t.Tokens == nil {
		return 0
	}
	return *t.Tokens
}

// LockKey returns the key serialising all processing for this payment.
func (t Transaction) LockKey() string {
	return LockKey(t.TxID)
}

// LockKey builds the keyed-lock key for a network transaction id.
func LockKey(txid string) string {
	return "tx-" + txid
}
