package ledger

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn, err := FileDSN(filepath.Join(t.TempDir(), "ico.db"))
	require.NoError(t, err)
	store, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func ethPayment(txid string, amount *big.Rat) Payment {
	return Payment{
		TxID:             txid,
		Currency:         CurrencyETH,
		ReceivingAddress: "0xreceiving",
		ByteballAddress:  "BUYERBB",
		DeviceAddress:    "0DEVICE",
		Amount:           amount,
		BlockNumber:      123,
	}
}

func TestFileDSNRequiresPath(t *testing.T) {
	_, err := FileDSN("  ")
	require.ErrorIs(t, err, ErrPathRequired)
}

func TestRecordNewAndLookup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	written, err := store.RecordNew(ctx, ethPayment("0xabc", big.NewRat(3, 2)))
	require.NoError(t, err)
	require.True(t, written)

	tx, err := store.GetByKey(ctx, "0xabc", CurrencyETH)
	require.NoError(t, err)
	require.False(t, tx.Stable)
	require.False(t, tx.PaidOut)
	require.Nil(t, tx.Tokens)
	require.Equal(t, 0, tx.Amount.Cmp(big.NewRat(3, 2)))
	require.Equal(t, int64(123), tx.BlockNumber)
}

func TestRecordNewReplacesUnstableReorgableRow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.RecordNew(ctx, ethPayment("0xabc", big.NewRat(1, 1)))
	require.NoError(t, err)

	// The chain's view changed before stabilisation: same key, new amount.
	written, err := store.RecordNew(ctx, ethPayment("0xabc", big.NewRat(2, 1)))
	require.NoError(t, err)
	require.True(t, written)

	tx, err := store.GetByKey(ctx, "0xabc", CurrencyETH)
	require.NoError(t, err)
	require.Equal(t, 0, tx.Amount.Cmp(big.NewRat(2, 1)))
}

func TestRecordNewNativeDuplicateIsIgnored(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := Payment{TxID: "unit1", Currency: CurrencyGBYTE, ReceivingAddress: "RECV", Amount: big.NewRat(1, 1)}
	written, err := store.RecordNew(ctx, p)
	require.NoError(t, err)
	require.True(t, written)

	p.Amount = big.NewRat(9, 1)
	written, err = store.RecordNew(ctx, p)
	require.NoError(t, err)
	require.False(t, written)

	tx, err := store.GetByKey(ctx, "unit1", CurrencyGBYTE)
	require.NoError(t, err)
	require.Equal(t, 0, tx.Amount.Cmp(big.NewRat(1, 1)))
}

func TestRecordStableOutcomes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	tokens := int64(150)

	outcome, tx, err := store.RecordStable(ctx, ethPayment("0xabc", big.NewRat(3, 2)), &tokens)
	require.NoError(t, err)
	require.Equal(t, StableRecorded, outcome)
	require.True(t, tx.Stable)
	require.Equal(t, int64(150), tx.TokenAmount())

	// Duplicate confirmation is a pure no-op, even with a different amount.
	outcome, dup, err := store.RecordStable(ctx, ethPayment("0xabc", big.NewRat(99, 1)), &tokens)
	require.NoError(t, err)
	require.Equal(t, StableAlreadyRecorded, outcome)
	require.Equal(t, tx.ID, dup.ID)
	require.Equal(t, 0, dup.Amount.Cmp(big.NewRat(3, 2)))
}

func TestRecordStableReplacesUnstableRow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.RecordNew(ctx, ethPayment("0xabc", big.NewRat(1, 1)))
	require.NoError(t, err)

	tokens := int64(200)
	outcome, tx, err := store.RecordStable(ctx, ethPayment("0xabc", big.NewRat(2, 1)), &tokens)
	require.NoError(t, err)
	require.Equal(t, StableRecorded, outcome)
	require.Equal(t, 0, tx.Amount.Cmp(big.NewRat(2, 1)))

	// Exactly one row for the key.
	_, err = store.GetByKey(ctx, "0xabc", CurrencyETH)
	require.NoError(t, err)
}

func TestRecordStableRefusesToReplacePaidRow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	tokens := int64(100)

	_, tx, err := store.RecordStable(ctx, ethPayment("0xabc", big.NewRat(1, 1)), &tokens)
	require.NoError(t, err)
	updated, err := store.MarkPaid(ctx, tx.ID, "payout-unit-1", tokens)
	require.NoError(t, err)
	require.True(t, updated)

	// Already stable and paid: the duplicate path wins before any replace
	// could be considered, and the payout record is untouched.
	outcome, kept, err := store.RecordStable(ctx, ethPayment("0xabc", big.NewRat(5, 1)), &tokens)
	require.NoError(t, err)
	require.Equal(t, StableAlreadyRecorded, outcome)
	require.True(t, kept.PaidOut)
	require.Equal(t, "payout-unit-1", kept.PayoutUnit)
}

func TestRecordStableNativeNeverReplaces(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := Payment{TxID: "unit1", Currency: CurrencyGBYTE, ReceivingAddress: "RECV", Amount: big.NewRat(1, 1)}
	_, err := store.RecordNew(ctx, p)
	require.NoError(t, err)

	tokens := int64(100)
	outcome, _, err := store.RecordStable(ctx, p, &tokens)
	require.NoError(t, err)
	require.Equal(t, StableConflict, outcome)
}

func TestMarkPaidTransitionsExactlyOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	outcome, tx, err := store.RecordStable(ctx, ethPayment("0xabc", big.NewRat(1, 1)), nil)
	require.NoError(t, err)
	require.Equal(t, StableRecorded, outcome)
	require.Nil(t, tx.Tokens)

	updated, err := store.MarkPaid(ctx, tx.ID, "unit-a", 500)
	require.NoError(t, err)
	require.True(t, updated)

	// Second attempt loses the conditional write and changes nothing.
	updated, err = store.MarkPaid(ctx, tx.ID, "unit-b", 999)
	require.NoError(t, err)
	require.False(t, updated)

	paid, err := store.GetByID(ctx, tx.ID)
	require.NoError(t, err)
	require.True(t, paid.PaidOut)
	require.NotNil(t, paid.PaidAt)
	require.Equal(t, "unit-a", paid.PayoutUnit)
	require.Equal(t, int64(500), paid.TokenAmount())
}

func TestSetTokensFreezesOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, tx, err := store.RecordStable(ctx, ethPayment("0xabc", big.NewRat(1, 1)), nil)
	require.NoError(t, err)

	set, err := store.SetTokens(ctx, tx.ID, 0)
	require.NoError(t, err)
	require.True(t, set)

	set, err = store.SetTokens(ctx, tx.ID, 42)
	require.NoError(t, err)
	require.False(t, set)

	frozen, err := store.GetByID(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), frozen.TokenAmount())
}

func TestUnpaidStableSelection(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Unstable row: excluded.
	_, err := store.RecordNew(ctx, ethPayment("0xpending", big.NewRat(1, 1)))
	require.NoError(t, err)

	// Stable with tokens: included.
	tokens := int64(100)
	_, withTokens, err := store.RecordStable(ctx, ethPayment("0xq1", big.NewRat(1, 1)), &tokens)
	require.NoError(t, err)

	// Stable, deferred conversion: included.
	_, deferred, err := store.RecordStable(ctx, ethPayment("0xq2", big.NewRat(1, 1)), nil)
	require.NoError(t, err)

	// Stable but converted to zero: never eligible.
	zero := int64(0)
	_, _, err = store.RecordStable(ctx, ethPayment("0xdust", big.NewRat(1, 1_000_000)), &zero)
	require.NoError(t, err)

	// Paid row: excluded.
	_, paid, err := store.RecordStable(ctx, ethPayment("0xpaid", big.NewRat(1, 1)), &tokens)
	require.NoError(t, err)
	_, err = store.MarkPaid(ctx, paid.ID, "unit-x", tokens)
	require.NoError(t, err)

	pending, err := store.UnpaidStable(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, withTokens.ID, pending[0].ID)
	require.Equal(t, deferred.ID, pending[1].ID)
}

func TestSumPaidTokens(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	tokens := int64(100)

	for _, txid := range []string{"0xa", "0xb"} {
		_, tx, err := store.RecordStable(ctx, ethPayment(txid, big.NewRat(1, 1)), &tokens)
		require.NoError(t, err)
		_, err = store.MarkPaid(ctx, tx.ID, "unit-"+txid, tokens)
		require.NoError(t, err)
	}
	// An unpaid stable row does not count.
	_, _, err := store.RecordStable(ctx, ethPayment("0xc", big.NewRat(1, 1)), &tokens)
	require.NoError(t, err)

	total, err := store.SumPaidTokens(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(200), total)
}

func TestGetByKeyNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetByKey(context.Background(), "missing", CurrencyBTC)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUserAddressLastWriteWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveUserAddress(ctx, "0DEVICE", "bitcoin", "1First"))
	require.NoError(t, store.SaveUserAddress(ctx, "0DEVICE", "BITCOIN", "1Second"))

	addr, ok, err := store.UserAddress(ctx, "0DEVICE", "BITCOIN")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1Second", addr)

	_, ok, err = store.UserAddress(ctx, "0DEVICE", "ETHEREUM")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestParseCurrency(t *testing.T) {
	cases := map[string]Currency{
		"gbyte": CurrencyGBYTE,
		"GB":    CurrencyGBYTE,
		" btc ": CurrencyBTC,
		"Ether": CurrencyETH,
	}
	for raw, want := range cases {
		got, ok := ParseCurrency(raw)
		require.True(t, ok, raw)
		require.Equal(t, want, got)
	}
	_, ok := ParseCurrency("DOGE")
	require.False(t, ok)
}
