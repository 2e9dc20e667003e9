package monitor

import (
	"context"
	"testing"

	"github.com/olaccursed/ico-bot/wallet"
)

type fakeLedger struct{ paid int64 }

func (f *fakeLedger) SumPaidTokens(context.Context) (int64, error) { return f.paid, nil }

type fakeTokenWallet struct{ balance int64 }

func (f *fakeTokenWallet) IsCatchingUp(context.Context) (bool, error) { return false, nil }

func (f *fakeTokenWallet) FundedAddresses(context.Context, int) ([]wallet.AddressBalance, error) {
	return nil, nil
}

func (f *fakeTokenWallet) SendPayment(context.Context, string, int64, string, string) (string, error) {
	return "", nil
}

func (f *fakeTokenWallet) AssetBalance(context.Context, string) (int64, error) {
	return f.balance, nil
}

type recordingAlerter struct {
	subjects []string
}

func (r *recordingAlerter) Alert(_ context.Context, subject, _ string) error {
	r.subjects = append(r.subjects, subject)
	return nil
}

func TestCheckBalancedSupply(t *testing.T) {
	alerter := &recordingAlerter{}
	m, err := New(Config{Asset: "base", TotalTokens: 1_000_000},
		&fakeLedger{paid: 400_000}, &fakeTokenWallet{balance: 600_000}, alerter, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	diff, err := m.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if diff != 0 {
		t.Fatalf("difference = %d, want 0", diff)
	}
	if len(alerter.subjects) != 0 {
		t.Fatalf("alerts = %v, want none when supply balances", alerter.subjects)
	}
}

func TestCheckAlertsOnMismatch(t *testing.T) {
	alerter := &recordingAlerter{}
	m, err := New(Config{Asset: "base", TotalTokens: 1_000_000},
		&fakeLedger{paid: 400_000}, &fakeTokenWallet{balance: 500_000}, alerter, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	diff, err := m.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if diff != -100_000 {
		t.Fatalf("difference = %d, want -100000", diff)
	}
	if len(alerter.subjects) != 1 || alerter.subjects[0] != "token balance mismatch" {
		t.Fatalf("alerts = %v, want single mismatch alert", alerter.subjects)
	}
}
