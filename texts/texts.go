// Package texts holds the buyer-facing message strings. Wording matches what
// buyers see in the chat channel; internal errors never leak here.
package texts

import (
	"fmt"
	"math/big"
	"strings"
)

// PaymentReceived acknowledges a pending inbound payment.
func PaymentReceived(amount *big.Rat, currency string) string {
	return fmt.Sprintf("Received your payment of %s %s, waiting for confirmation.", formatAmount(amount), currency)
}

// PaymentConfirmed tells the buyer the payment reached finality.
func PaymentConfirmed() string {
	return "Your payment is confirmed."
}

// AmountTooSmall tells the buyer the payment converts to zero tokens.
func AmountTooSmall() string {
	return "The amount is too small to issue even 1 token, payment ignored"
}

// TokensSent confirms the issuance transfer to the buyer.
func TokensSent(tokens int64, tokenName string) string {
	return fmt.Sprintf("Sent you %d %s, thank you for participating.", tokens, tokenName)
}

// SendAddressForRefund asks the buyer for a refund address on the platform.
func SendAddressForRefund(platform string) string {
	name := platformName(platform)
	return fmt.Sprintf("In case a refund becomes necessary, please send your %s address.", name)
}

// SaleNotStarted and SaleOver bound the sale window.
func SaleNotStarted() string {
	return "The sale has not begun yet."
}

// SaleOver is shown after the configured end date.
func SaleOver() string {
	return "The sale is already over."
}

func platformName(platform string) string {
	switch strings.ToUpper(strings.TrimSpace(platform)) {
	case "ETHEREUM":
		return "Ethereum"
	case "BITCOIN":
		return "Bitcoin"
	case "BYTEBALL":
		return "Byteball"
	}
	return platform
}

func formatAmount(amount *big.Rat) string {
	if amount == nil {
		return "0"
	}
	if amount.IsInt() {
		return amount.Num().String()
	}
	return strings.TrimRight(strings.TrimRight(amount.FloatString(9), "0"), ".")
}
