// Package store is a thin abstraction over a PostgreSQL pool: row-locked
// transactions, a bounded-retry wrapper for transient serialization
// failures, and the primitive queries the ledger engine composes into its
// top_up/reserve/commit/cancel/load_balance operations. It owns no
// business rules; see internal/ledger for those.
package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned by lookups that find no row; callers translate
// it into the appropriate ledger-layer business result.
var ErrNotFound = errors.New("store: not found")

// ErrRetriesExhausted is returned by WithTx when every attempt hit a
// transient (serialization/deadlock) error; callers map it to a Transient
// business result rather than an internal one.
var ErrRetriesExhausted = errors.New("store: retries exhausted")

// maxRetries bounds the WithTx retry loop, matching spec.md §4.3's
// "retry policy for transient serialization failures... ≤ 3 attempts".
const maxRetries = 3

// retryablePgCodes are the Postgres SQLSTATE codes treated as transient:
// serialization_failure and deadlock_detected.
var retryablePgCodes = map[string]bool{
	"40001": true,
	"40P01": true,
}

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// WithTx runs fn inside a transaction at the given isolation level,
// committing on success and rolling back otherwise. Serialization failures
// and deadlocks are retried, for at most maxRetries attempts in total, with
// bounded exponential backoff (25ms * 2^n plus jitter) between attempts
// before being surfaced to the caller.
func (s *Store) WithTx(ctx context.Context, iso pgx.TxIsoLevel, fn func(ctx context.Context, tx pgx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(25*(1<<attempt)) * time.Millisecond
			backoff += time.Duration(rand.Int63n(int64(10 * time.Millisecond)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := s.runOnce(ctx, iso, fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return err
		}
	}
	return fmt.Errorf("%w after %d attempts: %s", ErrRetriesExhausted, maxRetries, lastErr)
}

func (s *Store) runOnce(ctx context.Context, iso pgx.TxIsoLevel, fn func(ctx context.Context, tx pgx.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: iso, AccessMode: pgx.ReadWrite})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()

	err = fn(ctx, tx)
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return retryablePgCodes[pgErr.Code]
	}
	return false
}

// EnsureBalance upserts a zero Balance row for userID if one doesn't exist
// yet, fixing its native currency. Runs outside any caller transaction (the
// teacher's and the original's mutate helpers do the same) since it is
// itself conflict-free and idempotent.
func (s *Store) EnsureBalance(ctx context.Context, userID, currency string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO balance (user_id, currency, current_value) VALUES ($1,$2,0) ON CONFLICT (user_id) DO NOTHING`,
		userID, currency,
	)
	if err != nil {
		return fmt.Errorf("ensure balance: %w", err)
	}
	return nil
}

// LockBalance performs SELECT ... FOR UPDATE on the Balance row, the sole
// per-user serialization point (spec.md §5).
func (s *Store) LockBalance(ctx context.Context, tx pgx.Tx, userID string) (currency string, value decimal.Decimal, err error) {
	row := tx.QueryRow(ctx, `SELECT currency, current_value FROM balance WHERE user_id = $1 FOR UPDATE`, userID)
	if err = row.Scan(&currency, &value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", decimal.Zero, ErrNotFound
		}
		return "", decimal.Zero, fmt.Errorf("lock balance: %w", err)
	}
	return currency, value, nil
}

// LoadBalance reads a Balance row without locking, for read-only lookups.
func (s *Store) LoadBalance(ctx context.Context, userID string) (currency string, value decimal.Decimal, err error) {
	row := s.pool.QueryRow(ctx, `SELECT currency, current_value FROM balance WHERE user_id = $1`, userID)
	if err = row.Scan(&currency, &value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", decimal.Zero, ErrNotFound
		}
		return "", decimal.Zero, fmt.Errorf("load balance: %w", err)
	}
	return currency, value, nil
}

func (s *Store) UpdateBalance(ctx context.Context, tx pgx.Tx, userID string, newValue decimal.Decimal) error {
	_, err := tx.Exec(ctx, `UPDATE balance SET current_value = $2 WHERE user_id = $1`, userID, newValue)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	return nil
}

// TransactionIDByIdempotencyKey returns the id of a previously inserted
// Transaction with the given key, or (0, false) if none exists.
func (s *Store) TransactionIDByIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) (int64, bool, error) {
	var id int64
	err := tx.QueryRow(ctx, `SELECT id FROM transaction WHERE idempotency_key = $1`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	return id, true, nil
}

// TransactionIDByOrderID returns the id of the Transaction that settled
// order_id, if any.
func (s *Store) TransactionIDByOrderID(ctx context.Context, tx pgx.Tx, orderID string) (int64, bool, error) {
	var id int64
	err := tx.QueryRow(ctx, `SELECT id FROM transaction WHERE order_data ->> 'order_id' = $1`, orderID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("order tx lookup: %w", err)
	}
	return id, true, nil
}

// TransactionByOrderID is TransactionIDByOrderID plus the settling
// transaction's sender_id, for callers that need to know who it belongs to
// without a reservation row to read it from (the replay path of commit).
func (s *Store) TransactionByOrderID(ctx context.Context, tx pgx.Tx, orderID string) (id int64, senderID string, found bool, err error) {
	row := tx.QueryRow(ctx, `SELECT id, COALESCE(sender_id, '') FROM transaction WHERE order_data ->> 'order_id' = $1`, orderID)
	if scanErr := row.Scan(&id, &senderID); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return 0, "", false, nil
		}
		return 0, "", false, fmt.Errorf("order tx lookup: %w", scanErr)
	}
	return id, senderID, true, nil
}

// CountTransactionsByOrderID reports how many Transaction rows settled
// order_id (0 or 1 in practice; used by Cancel to distinguish "never
// reserved" from "already settled").
func (s *Store) CountTransactionsByOrderID(ctx context.Context, tx pgx.Tx, orderID string) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM transaction WHERE order_data ->> 'order_id' = $1`, orderID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count order tx: %w", err)
	}
	return n, nil
}

// SumReserved sums user_currency_value across every active BalanceReserve
// row for userID.
func (s *Store) SumReserved(ctx context.Context, tx pgx.Tx, userID string) (decimal.Decimal, error) {
	var sum decimal.NullDecimal
	err := tx.QueryRow(ctx, `SELECT SUM(user_currency_value) FROM balance_reserve WHERE user_id = $1`, userID).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum reserved: %w", err)
	}
	if !sum.Valid {
		return decimal.Zero, nil
	}
	return sum.Decimal, nil
}

// ReserveExists reports whether a BalanceReserve row already exists for
// orderID.
func (s *Store) ReserveExists(ctx context.Context, tx pgx.Tx, orderID string) (bool, error) {
	var n int
	err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM balance_reserve WHERE order_id = $1`, orderID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("reserve lookup: %w", err)
	}
	return n > 0, nil
}

// ReserveOwner returns the user_id owning the BalanceReserve for orderID.
func (s *Store) ReserveOwner(ctx context.Context, tx pgx.Tx, orderID string) (string, bool, error) {
	var userID string
	err := tx.QueryRow(ctx, `SELECT user_id FROM balance_reserve WHERE order_id = $1`, orderID).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reserve owner lookup: %w", err)
	}
	return userID, true, nil
}

// InsertReserve creates a BalanceReserve row.
func (s *Store) InsertReserve(ctx context.Context, tx pgx.Tx, orderID, userID, itemID, currency string, value, userCurrencyValue decimal.Decimal) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO balance_reserve (order_id, user_id, item_id, currency, value, user_currency_value)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		orderID, userID, itemID, currency, value, userCurrencyValue,
	)
	if err != nil {
		return fmt.Errorf("insert reserve: %w", err)
	}
	return nil
}

// DeleteReserve removes the BalanceReserve row for orderID and reports
// whether one existed.
func (s *Store) DeleteReserve(ctx context.Context, tx pgx.Tx, orderID string) (existed bool, err error) {
	tag, err := tx.Exec(ctx, `DELETE FROM balance_reserve WHERE order_id = $1`, orderID)
	if err != nil {
		return false, fmt.Errorf("delete reserve: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// TopUpRecord is the shape of a recipient-side Transaction row.
type TopUpRecord struct {
	ID                     int64
	TransactionCurrency    string
	TransactionValue       decimal.Decimal
	RecipientID            string
	RecipientCurrency      string
	RecipientValue         decimal.Decimal
	RecipientBalanceBefore decimal.Decimal
	RecipientBalanceAfter  decimal.Decimal
	MerchantData           []byte
	IdempotencyKey         string
}

func (s *Store) InsertTopUpTransaction(ctx context.Context, tx pgx.Tx, r TopUpRecord) error {
	var merchantData any
	if len(r.MerchantData) > 0 {
		merchantData = r.MerchantData
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO transaction (
			id, transaction_currency, transaction_value,
			recipient_id, recipient_currency, recipient_value,
			recipient_balance_before, recipient_balance_after,
			merchant_data, idempotency_key
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::jsonb,$10)`,
		r.ID, r.TransactionCurrency, r.TransactionValue,
		r.RecipientID, r.RecipientCurrency, r.RecipientValue,
		r.RecipientBalanceBefore, r.RecipientBalanceAfter,
		merchantData, r.IdempotencyKey,
	)
	if err != nil {
		return fmt.Errorf("insert top-up transaction: %w", err)
	}
	return nil
}

// SettlementRecord is the shape of a sender-side (commit) Transaction row.
type SettlementRecord struct {
	ID                  int64
	TransactionCurrency string
	TransactionValue    decimal.Decimal
	SenderID            string
	SenderCurrency      string
	SenderValue         decimal.Decimal
	SenderBalanceBefore decimal.Decimal
	SenderBalanceAfter  decimal.Decimal
	OrderData           []byte
}

func (s *Store) InsertSettlementTransaction(ctx context.Context, tx pgx.Tx, r SettlementRecord) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO transaction (
			id, transaction_currency, transaction_value,
			sender_id, sender_currency, sender_value,
			sender_balance_before, sender_balance_after, order_data
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::jsonb)`,
		r.ID, r.TransactionCurrency, r.TransactionValue,
		r.SenderID, r.SenderCurrency, r.SenderValue,
		r.SenderBalanceBefore, r.SenderBalanceAfter, r.OrderData,
	)
	if err != nil {
		return fmt.Errorf("insert settlement transaction: %w", err)
	}
	return nil
}
