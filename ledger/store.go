package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"
)

var (
	// ErrPathRequired is returned when the backing store path is missing.
	ErrPathRequired = errors.New("ledger storage path must be configured")

	// ErrNotFound is returned when a ledger row does not exist.
	ErrNotFound = errors.New("transaction not found")

	// ErrNonUnique indicates more than one row for a (txid, currency) key.
	// This is a corruption bug; callers must abort rather than pick one.
	ErrNonUnique = errors.New("non unique transaction record")
)

// StableOutcome describes what RecordStable did with the notification.
type StableOutcome int

const (
	// StableRecorded means a stable row was written (inserted or, for
	// reorg-capable currencies, replaced).
	StableRecorded StableOutcome = iota
	// StableAlreadyRecorded means the key was already stable and the call
	// was a pure no-op.
	StableAlreadyRecorded
	// StableConflict means an existing row could not be replaced (native
	// currency duplicate, or the row was already paid out).
	StableConflict
)

const defaultFilePragmas = "mode=rwc&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"

// FileDSN converts a filesystem path into an on-disk SQLite DSN with sensible
// defaults. Callers must ensure the path is non-empty.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve storage path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, defaultFilePragmas), nil
}

// Store is the persistent transaction ledger plus the per-platform user
// address book.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetClock overrides the timestamp source. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// RecordNew inserts a pending (unstable) row for an observed payment. For
// reorg-capable currencies an existing unstable, unpaid row for the same
// (txid, currency) key is replaced, since the chain's view of the payment may
// legitimately change before it stabilises. For the native currency a
// conflicting insert is ignored. Returns true when a row was written.
func (s *Store) RecordNew(ctx context.Context, p Payment) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("storage not configured")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	existing, err := lookupTx(ctx, tx, p.TxID, p.Currency)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if existing != nil {
		if !p.Currency.Reorgable() || existing.Stable || existing.PaidOut {
			return false, nil
		}
		if _, err := tx.ExecContext(ctx, `
        DELETE FROM transactions WHERE transaction_id = ?
    `, existing.ID); err != nil {
			return false, fmt.Errorf("replace pending row: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO transactions (txid, currency, receiving_address, byteball_address, device_address, currency_amount, tokens, stable, block_number, created_at)
        VALUES(?, ?, ?, ?, ?, ?, NULL, 0, ?, ?)
    `, p.TxID, string(p.Currency), p.ReceivingAddress, p.ByteballAddress, p.DeviceAddress, ratText(p.Amount), p.BlockNumber, s.now().UTC()); err != nil {
		return false, fmt.Errorf("insert pending row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// RecordStable promotes a payment to stable. Duplicate confirmations for an
// already-stable key are pure no-ops. tokens carries the converted quantity,
// or nil under the distribution-time rate policy where conversion is deferred
// to payout. The returned transaction reflects the stored row when the
// outcome is StableRecorded or StableAlreadyRecorded.
func (s *Store) RecordStable(ctx context.Context, p Payment, tokens *int64) (StableOutcome, *Transaction, error) {
	if s == nil {
		return StableConflict, nil, fmt.Errorf("storage not configured")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return StableConflict, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	existing, err := lookupTx(ctx, tx, p.TxID, p.Currency)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return StableConflict, nil, err
	}
	if existing != nil {
		if existing.Stable {
			return StableAlreadyRecorded, existing, nil
		}
		if !p.Currency.Reorgable() || existing.PaidOut {
			return StableConflict, existing, nil
		}
		if _, err := tx.ExecContext(ctx, `
        DELETE FROM transactions WHERE transaction_id = ?
    `, existing.ID); err != nil {
			return StableConflict, nil, fmt.Errorf("replace unstable row: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, `
        INSERT INTO transactions (txid, currency, receiving_address, byteball_address, device_address, currency_amount, tokens, stable, block_number, created_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
    `, p.TxID, string(p.Currency), p.ReceivingAddress, p.ByteballAddress, p.DeviceAddress, ratText(p.Amount), nullInt(tokens), p.BlockNumber, s.now().UTC())
	if err != nil {
		return StableConflict, nil, fmt.Errorf("insert stable row: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return StableConflict, nil, fmt.Errorf("last insert id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return StableConflict, nil, fmt.Errorf("commit: %w", err)
	}
	stored, err := s.GetByID(ctx, id)
	if err != nil {
		return StableConflict, nil, err
	}
	return StableRecorded, stored, nil
}

// GetByID loads a single ledger row.
func (s *Store) GetByID(ctx context.Context, id int64) (*Transaction, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT `+txColumns+`
        FROM transactions
        WHERE transaction_id = ?
    `, id)
	rec, err := scanTx(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query transaction: %w", err)
	}
	return rec, nil
}

// GetByKey loads the row for a (txid, currency) key, surfacing ErrNonUnique
// when the key matches more than one row.
func (s *Store) GetByKey(ctx context.Context, txid string, currency Currency) (*Transaction, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	return lookupTx(ctx, s.db, txid, currency)
}

// MarkPaid flips paid_out 0 to 1 for the row, recording the issuance unit and
// freezing the token quantity when it was deferred. The update is conditioned
// on paid_out still being 0 so a racing payout attempt settles to exactly one
// transition. Returns false when another attempt already won.
func (s *Store) MarkPaid(ctx context.Context, id int64, unit string, tokens int64) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("storage not configured")
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE transactions
        SET paid_out = 1, paid_date = ?, payout_unit = ?, tokens = COALESCE(tokens, ?)
        WHERE transaction_id = ? AND paid_out = 0
    `, s.now().UTC(), unit, tokens, id)
	if err != nil {
		return false, fmt.Errorf("mark paid: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// SetTokens freezes a deferred token quantity. The update is conditioned on
// tokens still being unset, the quantity is written at most once and never
// recomputed.
func (s *Store) SetTokens(ctx context.Context, id int64, tokens int64) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("storage not configured")
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE transactions SET tokens = ? WHERE transaction_id = ? AND tokens IS NULL
    `, tokens, id)
	if err != nil {
		return false, fmt.Errorf("set tokens: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// UnpaidStable lists stable rows still awaiting payout. Rows whose token
// quantity converted to zero are excluded, they are never eligible. Rows with
// deferred conversion (tokens NULL) are included.
func (s *Store) UnpaidStable(ctx context.Context) ([]Transaction, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+txColumns+`
        FROM transactions
        WHERE paid_out = 0 AND stable = 1 AND (tokens IS NULL OR tokens > 0)
        ORDER BY transaction_id ASC
    `)
	if err != nil {
		return nil, fmt.Errorf("query unpaid: %w", err)
	}
	defer rows.Close()
	var records []Transaction
	for rows.Next() {
		rec, err := scanTx(rows)
		if err != nil {
			return nil, fmt.Errorf("scan unpaid: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unpaid: %w", err)
	}
	return records, nil
}

// SumPaidTokens totals the issued token quantity across all paid rows.
func (s *Store) SumPaidTokens(ctx context.Context) (int64, error) {
	if s == nil {
		return 0, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT COALESCE(SUM(tokens), 0) FROM transactions WHERE paid_out = 1
    `)
	var total int64
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("sum paid tokens: %w", err)
	}
	return total, nil
}

// SaveUserAddress upserts the buyer's address for the platform. Last write
// wins, one active mapping per (device_address, platform).
func (s *Store) SaveUserAddress(ctx context.Context, deviceAddress, platform, address string) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	deviceAddress = strings.TrimSpace(deviceAddress)
	platform = strings.ToUpper(strings.TrimSpace(platform))
	address = strings.TrimSpace(address)
	if deviceAddress == "" || platform == "" || address == "" {
		return fmt.Errorf("user address record incomplete")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO user_addresses(device_address, platform, address, updated_at)
        VALUES(?, ?, ?, ?)
        ON CONFLICT(device_address, platform) DO UPDATE SET
            address=excluded.address,
            updated_at=excluded.updated_at
    `, deviceAddress, platform, address, s.now().UTC())
	if err != nil {
		return fmt.Errorf("save user address: %w", err)
	}
	return nil
}

// UserAddress returns the stored address for the platform, if any.
func (s *Store) UserAddress(ctx context.Context, deviceAddress, platform string) (string, bool, error) {
	if s == nil {
		return "", false, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT address FROM user_addresses WHERE device_address = ? AND platform = ?
    `, strings.TrimSpace(deviceAddress), strings.ToUpper(strings.TrimSpace(platform)))
	var address string
	if err := row.Scan(&address); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("query user address: %w", err)
	}
	return address, true, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func lookupTx(ctx context.Context, q queryer, txid string, currency Currency) (*Transaction, error) {
	rows, err := q.QueryContext(ctx, `
        SELECT `+txColumns+`
        FROM transactions
        WHERE txid = ? AND currency = ?
    `, txid, string(currency))
	if err != nil {
		return nil, fmt.Errorf("query transaction: %w", err)
	}
	defer rows.Close()
	var found *Transaction
	for rows.Next() {
		if found != nil {
			return nil, ErrNonUnique
		}
		rec, err := scanTx(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		found = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

const txColumns = `transaction_id, txid, currency, receiving_address, byteball_address, device_address, currency_amount, tokens, stable, paid_out, paid_date, payout_unit, block_number, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTx(row rowScanner) (*Transaction, error) {
	var (
		rec        Transaction
		currency   string
		amount     string
		tokens     sql.NullInt64
		stable     int
		paidOut    int
		paidDate   sql.NullTime
		payoutUnit sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.TxID, &currency, &rec.ReceivingAddress, &rec.ByteballAddress, &rec.DeviceAddress,
		&amount, &tokens, &stable, &paidOut, &paidDate, &payoutUnit, &rec.BlockNumber, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.Currency = Currency(currency)
	if rat, ok := new(big.Rat).SetString(amount); ok {
		rec.Amount = rat
	}
	if tokens.Valid {
		value := tokens.Int64
		rec.Tokens = &value
	}
	rec.Stable = stable != 0
	rec.PaidOut = paidOut != 0
	if paidDate.Valid {
		when := paidDate.Time
		rec.PaidAt = &when
	}
	if payoutUnit.Valid {
		rec.PayoutUnit = payoutUnit.String
	}
	return &rec, nil
}

func ratText(r *big.Rat) string {
	if r == nil {
		return "0"
	}
	if r.IsInt() {
		return r.Num().String()
	}
	return strings.TrimRight(strings.TrimRight(r.FloatString(18), "0"), ".")
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
    transaction_id INTEGER PRIMARY KEY AUTOINCREMENT,
    txid TEXT NOT NULL,
    currency TEXT NOT NULL,
    receiving_address TEXT NOT NULL,
    byteball_address TEXT NOT NULL DEFAULT '',
    device_address TEXT NOT NULL DEFAULT '',
    currency_amount TEXT NOT NULL,
    tokens INTEGER,
    stable INTEGER NOT NULL DEFAULT 0,
    paid_out INTEGER NOT NULL DEFAULT 0,
    paid_date TIMESTAMP,
    payout_unit TEXT,
    block_number INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_key ON transactions(txid, currency);
CREATE INDEX IF NOT EXISTS idx_transactions_unpaid ON transactions(paid_out, stable);

CREATE TABLE IF NOT EXISTS user_addresses (
    device_address TEXT NOT NULL,
    platform TEXT NOT NULL,
    address TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (device_address, platform)
);
`
