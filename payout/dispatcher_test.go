package payout

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/olaccursed/ico-bot/keylock"
	"github.com/olaccursed/ico-bot/ledger"
	"github.com/olaccursed/ico-bot/messaging"
	"github.com/olaccursed/ico-bot/rates"
)

type countingIssuer struct {
	mu     sync.Mutex
	calls  int
	tokens []int64
	err    error
	errFor map[string]error
}

func (c *countingIssuer) Issue(_ context.Context, _ string, tokens int64, toAddress, _ string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	if err := c.errFor[toAddress]; err != nil {
		return "", err
	}
	c.calls++
	c.tokens = append(c.tokens, tokens)
	return uuid.NewString(), nil
}

func (c *countingIssuer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type countingAlerter struct {
	mu       sync.Mutex
	subjects []string
}

func (c *countingAlerter) Alert(_ context.Context, subject, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subjects = append(c.subjects, subject)
	return nil
}

type fakeGate struct{ catchingUp bool }

func (f fakeGate) IsCatchingUp(context.Context) (bool, error) { return f.catchingUp, nil }

func newStore(t *testing.T) *ledger.Store {
	t.Helper()
	dsn, err := ledger.FileDSN(filepath.Join(t.TempDir(), "ico.db"))
	if err != nil {
		t.Fatalf("FileDSN: %v", err)
	}
	store, err := ledger.Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newOracle(t *testing.T) *rates.Oracle {
	t.Helper()
	src, err := rates.NewFixedSource("fixed", map[string]string{"GBYTE": "100", "BTC": "10000", "ETH": "500"})
	if err != nil {
		t.Fatalf("NewFixedSource: %v", err)
	}
	oracle, err := rates.New([]rates.Source{src}, []string{"GBYTE", "BTC", "ETH"}, big.NewRat(1, 1), time.Minute)
	if err != nil {
		t.Fatalf("rates.New: %v", err)
	}
	if err := oracle.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	return oracle
}

func newDispatcher(t *testing.T, store *ledger.Store, issuer Issuer, alerter *countingAlerter, opts ...Option) *Dispatcher {
	t.Helper()
	cfg := Config{Asset: "asset", TokenName: "WCG", Sampling: rates.SampleAtObservation}
	var a messaging.Alerter
	if alerter != nil {
		a = alerter
	}
	d, err := New(cfg, store, keylock.New(), issuer, newOracle(t), nil, a, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func stableRow(t *testing.T, store *ledger.Store, txid string, tokens *int64) ledger.Transaction {
	t.Helper()
	p := ledger.Payment{
		TxID:             txid,
		Currency:         ledger.CurrencyETH,
		ReceivingAddress: "0xrecv",
		ByteballAddress:  "BUYER-" + txid,
		DeviceAddress:    "0DEV",
		Amount:           big.NewRat(2, 1),
	}
	outcome, tx, err := store.RecordStable(context.Background(), p, tokens)
	if err != nil {
		t.Fatalf("RecordStable: %v", err)
	}
	if outcome != ledger.StableRecorded {
		t.Fatalf("outcome = %v", outcome)
	}
	return *tx
}

func TestDispatchIssuesExactlyOnceUnderConcurrency(t *testing.T) {
	store := newStore(t)
	issuer := &countingIssuer{}
	d := newDispatcher(t, store, issuer, nil)

	tokens := int64(1000)
	tx := stableRow(t, store, "0xconcurrent", &tokens)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.Dispatch(context.Background(), tx); err != nil {
				t.Errorf("Dispatch: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := issuer.count(); got != 1 {
		t.Fatalf("issuer calls = %d, want exactly 1", got)
	}
	paid, err := store.GetByID(context.Background(), tx.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if !paid.PaidOut || paid.PayoutUnit == "" {
		t.Fatalf("row = %+v, want paid with unit", paid)
	}
}

func TestDispatchSkipsUnstableRow(t *testing.T) {
	store := newStore(t)
	issuer := &countingIssuer{}
	d := newDispatcher(t, store, issuer, nil)

	p := ledger.Payment{TxID: "0xpending", Currency: ledger.CurrencyETH, ReceivingAddress: "0xrecv", Amount: big.NewRat(1, 1)}
	if _, err := store.RecordNew(context.Background(), p); err != nil {
		t.Fatalf("RecordNew: %v", err)
	}
	tx, err := store.GetByKey(context.Background(), "0xpending", ledger.CurrencyETH)
	if err != nil {
		t.Fatalf("GetByKey: %v", err)
	}
	if err := d.Dispatch(context.Background(), *tx); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if issuer.count() != 0 {
		t.Fatal("issued tokens for an unstable row")
	}
}

func TestDispatchDeferredConversion(t *testing.T) {
	store := newStore(t)
	issuer := &countingIssuer{}
	d := newDispatcher(t, store, issuer, nil)

	// 2 ETH at 500 USD against a 1 USD token: 1000 tokens at payout time.
	tx := stableRow(t, store, "0xdeferred", nil)
	if err := d.Dispatch(context.Background(), tx); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if issuer.count() != 1 || issuer.tokens[0] != 1000 {
		t.Fatalf("issued = %v, want one payout of 1000", issuer.tokens)
	}
	paid, err := store.GetByID(context.Background(), tx.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if paid.TokenAmount() != 1000 {
		t.Fatalf("tokens = %d, want frozen at 1000", paid.TokenAmount())
	}
}

func TestDispatchFreezesZeroConversion(t *testing.T) {
	store := newStore(t)
	issuer := &countingIssuer{}
	d := newDispatcher(t, store, issuer, nil)

	p := ledger.Payment{
		TxID:     "0xdust",
		Currency: ledger.CurrencyETH,
		Amount:   big.NewRat(1, 1_000_000), // converts below one token
	}
	outcome, tx, err := store.RecordStable(context.Background(), p, nil)
	if err != nil || outcome != ledger.StableRecorded {
		t.Fatalf("RecordStable: %v %v", outcome, err)
	}
	if err := d.Dispatch(context.Background(), *tx); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if issuer.count() != 0 {
		t.Fatal("issued tokens for a zero conversion")
	}
	frozen, err := store.GetByID(context.Background(), tx.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if frozen.Tokens == nil || *frozen.Tokens != 0 {
		t.Fatalf("tokens = %v, want frozen zero", frozen.Tokens)
	}
	// The zero row left the unpaid queue for good.
	pending, err := store.UnpaidStable(context.Background())
	if err != nil {
		t.Fatalf("UnpaidStable: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("unpaid = %d, want 0", len(pending))
	}
}

func TestDispatchIssuanceFailureLeavesRowUnpaid(t *testing.T) {
	store := newStore(t)
	issuer := &countingIssuer{err: errors.New("wallet offline")}
	alerter := &countingAlerter{}
	d := newDispatcher(t, store, issuer, alerter)

	tokens := int64(100)
	tx := stableRow(t, store, "0xfail", &tokens)
	if err := d.Dispatch(context.Background(), tx); err == nil {
		t.Fatal("Dispatch succeeded, want issuance error")
	}
	row, err := store.GetByID(context.Background(), tx.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if row.PaidOut {
		t.Fatal("row marked paid despite issuance failure")
	}
	if len(alerter.subjects) != 1 || alerter.subjects[0] != "token payout failed" {
		t.Fatalf("alerts = %v", alerter.subjects)
	}

	// The row stays eligible for the catch-up sweep.
	issuer.err = nil
	paid, err := d.PayUnpaid(context.Background())
	if err != nil {
		t.Fatalf("PayUnpaid: %v", err)
	}
	if paid != 1 {
		t.Fatalf("paid = %d, want 1", paid)
	}
}

func TestPayUnpaidContinuesPastFailures(t *testing.T) {
	store := newStore(t)
	issuer := &countingIssuer{errFor: map[string]error{"BUYER-0xa": errors.New("rejected")}}
	d := newDispatcher(t, store, issuer, &countingAlerter{})

	tokens := int64(100)
	stableRow(t, store, "0xa", &tokens)
	stableRow(t, store, "0xb", &tokens)

	paid, err := d.PayUnpaid(context.Background())
	if err != nil {
		t.Fatalf("PayUnpaid: %v", err)
	}
	if paid != 1 {
		t.Fatalf("paid = %d, want the healthy row only", paid)
	}
}

func TestPayUnpaidDefersWhileCatchingUp(t *testing.T) {
	store := newStore(t)
	issuer := &countingIssuer{}
	d := newDispatcher(t, store, issuer, nil, WithSyncGate(fakeGate{catchingUp: true}))

	tokens := int64(100)
	stableRow(t, store, "0xwait", &tokens)

	paid, err := d.PayUnpaid(context.Background())
	if err != nil {
		t.Fatalf("PayUnpaid: %v", err)
	}
	if paid != 0 || issuer.count() != 0 {
		t.Fatalf("paid = %d, issued = %d, want nothing while syncing", paid, issuer.count())
	}
}

func TestPauseBlocksDispatch(t *testing.T) {
	store := newStore(t)
	issuer := &countingIssuer{}
	d := newDispatcher(t, store, issuer, nil)

	tokens := int64(100)
	tx := stableRow(t, store, "0xpaused", &tokens)

	d.Pause()
	if err := d.Dispatch(context.Background(), tx); !errors.Is(err, ErrPaused) {
		t.Fatalf("Dispatch error = %v, want ErrPaused", err)
	}
	d.Resume()
	if err := d.Dispatch(context.Background(), tx); err != nil {
		t.Fatalf("Dispatch after resume: %v", err)
	}
	if issuer.count() != 1 {
		t.Fatalf("issuer calls = %d", issuer.count())
	}
}
