package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"walletledger/internal/currency"
	"walletledger/internal/eventlog"
	"walletledger/internal/store"
)

// IDGenerator is the minimal surface LedgerEngine needs from IdGen,
// accepted as a handle rather than a package-level global (spec.md §9:
// "access via a handle passed through the engine rather than implicit
// globals").
type IDGenerator interface {
	Next() int64
}

// defaultSurcharge is the FX-drift protection multiplier applied at
// reserve time when the request currency differs from the user's native
// currency. Configurable per spec.md §9 open question 3.
var defaultSurcharge = decimal.RequireFromString("1.06")

// Engine is the ledger core composing Store, CurrencyConverter, and IdGen.
type Engine struct {
	Store       *store.Store
	Converter   *currency.Converter
	IDs         IDGenerator
	Events      *eventlog.Appender
	FXSurcharge decimal.Decimal
}

// New builds an Engine with the default 1.06 FX surcharge.
func New(st *store.Store, conv *currency.Converter, ids IDGenerator, events *eventlog.Appender) *Engine {
	return &Engine{Store: st, Converter: conv, IDs: ids, Events: events, FXSurcharge: defaultSurcharge}
}

func (e *Engine) surcharge() decimal.Decimal {
	if e.FXSurcharge.IsZero() {
		return defaultSurcharge
	}
	return e.FXSurcharge
}

func parsePositiveDecimal(s string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(s)
	if err != nil || d.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, false
	}
	return d, true
}

// TopUp implements spec.md §4.4.1.
func (e *Engine) TopUp(ctx context.Context, idempotencyKey, userID, reqCurrency, reqValue, merchantData string) (txID int64, err error) {
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	userID = strings.TrimSpace(userID)
	if idempotencyKey == "" {
		return 0, badParameter("idempotencyKey")
	}
	if userID == "" {
		return 0, badParameter("userId")
	}
	if !e.Converter.IsValid(reqCurrency) {
		return 0, badParameter("currency")
	}
	value, ok := parsePositiveDecimal(reqValue)
	if !ok {
		return 0, badParameter("value")
	}
	if merchantData != "" && !json.Valid([]byte(merchantData)) {
		return 0, badParameter("merchantData")
	}

	if err := e.Store.EnsureBalance(ctx, userID, reqCurrency); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInternal, err)
	}

	err = e.Store.WithTx(ctx, pgx.ReadCommitted, func(ctx context.Context, tx pgx.Tx) error {
		balCurrency, balValue, lockErr := e.Store.LockBalance(ctx, tx, userID)
		if lockErr != nil {
			return fmt.Errorf("top-up: balance vanished after ensure: %w", lockErr)
		}

		if existingID, found, lookupErr := e.Store.TransactionIDByIdempotencyKey(ctx, tx, idempotencyKey); lookupErr != nil {
			return lookupErr
		} else if found {
			txID = existingID
			return nil
		}

		delta, convErr := e.Converter.Convert(reqCurrency, value, balCurrency)
		if convErr != nil {
			return fmt.Errorf("top-up: convert: %w", convErr)
		}
		newValue := balValue.Add(delta)

		id := e.IDs.Next()
		var merchantBytes []byte
		if merchantData != "" {
			merchantBytes = []byte(merchantData)
		}
		if insErr := e.Store.InsertTopUpTransaction(ctx, tx, store.TopUpRecord{
			ID:                     id,
			TransactionCurrency:    reqCurrency,
			TransactionValue:       value,
			RecipientID:            userID,
			RecipientCurrency:      balCurrency,
			RecipientValue:         delta,
			RecipientBalanceBefore: balValue,
			RecipientBalanceAfter:  newValue,
			MerchantData:           merchantBytes,
			IdempotencyKey:         idempotencyKey,
		}); insErr != nil {
			return insErr
		}
		if updErr := e.Store.UpdateBalance(ctx, tx, userID, newValue); updErr != nil {
			return updErr
		}

		if evErr := e.Events.Append(ctx, tx, "BALANCE_TOPPED_UP", "BALANCE", userID, idempotencyKey, topUpEventPayload{
			TransactionID: id,
			UserID:        userID,
			Currency:      reqCurrency,
			Value:         value.String(),
			NewValue:      newValue.String(),
		}); evErr != nil {
			return evErr
		}

		txID = id
		return nil
	})
	if err != nil {
		return 0, classifyTxErr(err)
	}
	return txID, nil
}

type topUpEventPayload struct {
	TransactionID int64  `json:"transactionId"`
	UserID        string `json:"userId"`
	Currency      string `json:"currency"`
	Value         string `json:"value"`
	NewValue      string `json:"newValue"`
}

// Reserve implements spec.md §4.4.2.
func (e *Engine) Reserve(ctx context.Context, userID, reqCurrency, reqValue, orderID, itemID string) error {
	userID = strings.TrimSpace(userID)
	orderID = strings.TrimSpace(orderID)
	if userID == "" {
		return badParameter("userId")
	}
	if !e.Converter.IsValid(reqCurrency) {
		return badParameter("currency")
	}
	value, ok := parsePositiveDecimal(reqValue)
	if !ok {
		return badParameter("value")
	}
	if orderID == "" {
		return badParameter("orderId")
	}

	err := e.Store.WithTx(ctx, pgx.ReadCommitted, func(ctx context.Context, tx pgx.Tx) error {
		balCurrency, balValue, lockErr := e.Store.LockBalance(ctx, tx, userID)
		if lockErr != nil {
			if errors.Is(lockErr, store.ErrNotFound) {
				return ErrUserNotFound
			}
			return lockErr
		}

		alreadyReserved, sumErr := e.Store.SumReserved(ctx, tx, userID)
		if sumErr != nil {
			return sumErr
		}

		if exists, existsErr := e.Store.ReserveExists(ctx, tx, orderID); existsErr != nil {
			return existsErr
		} else if exists {
			return nil // idempotent replay
		}

		if _, settled, settledErr := e.Store.TransactionIDByOrderID(ctx, tx, orderID); settledErr != nil {
			return settledErr
		} else if settled {
			return ErrInvalidState
		}

		var reserveNative decimal.Decimal
		if reqCurrency == balCurrency {
			reserveNative = value
		} else {
			converted, convErr := e.Converter.Convert(reqCurrency, value.Mul(e.surcharge()), balCurrency)
			if convErr != nil {
				return fmt.Errorf("reserve: convert: %w", convErr)
			}
			reserveNative = converted
		}

		spendable := balValue.Sub(alreadyReserved)
		if reserveNative.GreaterThan(spendable) {
			return ErrNotEnoughMoney
		}

		if insErr := e.Store.InsertReserve(ctx, tx, orderID, userID, itemID, reqCurrency, value, reserveNative); insErr != nil {
			return insErr
		}

		return e.Events.Append(ctx, tx, "BALANCE_RESERVED", "RESERVE", orderID, orderID, reserveEventPayload{
			OrderID:           orderID,
			UserID:            userID,
			Currency:          reqCurrency,
			Value:             value.String(),
			UserCurrencyValue: reserveNative.String(),
		})
	})
	return classifyTxErr(err)
}

type reserveEventPayload struct {
	OrderID           string `json:"orderId"`
	UserID            string `json:"userId"`
	Currency          string `json:"currency"`
	Value             string `json:"value"`
	UserCurrencyValue string `json:"userCurrencyValue"`
}

// CommitResult carries both the settling Transaction id and the user it
// belongs to, so a caller can render a post-op UserBalanceData without a
// second round trip through the reservation (already deleted by then).
type CommitResult struct {
	TransactionID int64
	UserID        string
}

// Commit implements spec.md §4.4.3, resolved per SPEC_FULL.md §4.4 against
// original_source/src/database/mutations.rs::CommitReservation.
func (e *Engine) Commit(ctx context.Context, orderID string) (result CommitResult, err error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return CommitResult{}, badParameter("orderId")
	}

	err = e.Store.WithTx(ctx, pgx.ReadCommitted, func(ctx context.Context, tx pgx.Tx) error {
		userID, hasReserve, ownerErr := e.Store.ReserveOwner(ctx, tx, orderID)
		if ownerErr != nil {
			return ownerErr
		}
		var reserve ledgerReserveDetails
		if hasReserve {
			details, detErr := e.loadReserveDetails(ctx, tx, orderID)
			if detErr != nil {
				return detErr
			}
			reserve = details
			userID = details.UserID
		}

		if !hasReserve {
			if existingID, senderID, found, lookupErr := e.Store.TransactionByOrderID(ctx, tx, orderID); lookupErr != nil {
				return lookupErr
			} else if found {
				result = CommitResult{TransactionID: existingID, UserID: senderID}
				return nil
			}
			return ErrInvalidState
		}

		balCurrency, balValue, lockErr := e.Store.LockBalance(ctx, tx, userID)
		if lockErr != nil {
			return lockErr
		}

		if existingID, _, found, lookupErr := e.Store.TransactionByOrderID(ctx, tx, orderID); lookupErr != nil {
			return lookupErr
		} else if found {
			result = CommitResult{TransactionID: existingID, UserID: userID}
			return nil
		}

		previouslyReserved, delErr := e.Store.DeleteReserve(ctx, tx, orderID)
		if delErr != nil {
			return delErr
		}

		var settleNative decimal.Decimal
		if reserve.Currency == balCurrency {
			settleNative = reserve.Value
		} else {
			converted, convErr := e.Converter.Convert(reserve.Currency, reserve.Value, balCurrency)
			if convErr != nil {
				return fmt.Errorf("commit: convert: %w", convErr)
			}
			settleNative = converted
		}

		newValue := balValue.Sub(settleNative)

		if newValue.IsNegative() && (reserve.Currency == balCurrency || !previouslyReserved) {
			return ErrNotEnoughMoney
		}

		id := e.IDs.Next()
		orderData, marshalErr := json.Marshal(struct {
			OrderID string `json:"order_id"`
			ItemID  string `json:"item_id,omitempty"`
		}{orderID, reserve.ItemID})
		if marshalErr != nil {
			return marshalErr
		}

		if insErr := e.Store.InsertSettlementTransaction(ctx, tx, store.SettlementRecord{
			ID:                  id,
			TransactionCurrency: reserve.Currency,
			TransactionValue:    reserve.Value,
			SenderID:            userID,
			SenderCurrency:      balCurrency,
			SenderValue:         settleNative,
			SenderBalanceBefore: balValue,
			SenderBalanceAfter:  newValue,
			OrderData:           orderData,
		}); insErr != nil {
			return insErr
		}
		if updErr := e.Store.UpdateBalance(ctx, tx, userID, newValue); updErr != nil {
			return updErr
		}

		if evErr := e.Events.Append(ctx, tx, "RESERVE_SETTLED", "BALANCE", userID, orderID, commitEventPayload{
			TransactionID: id,
			OrderID:       orderID,
			UserID:        userID,
			SettledValue:  settleNative.String(),
			NewValue:      newValue.String(),
		}); evErr != nil {
			return evErr
		}

		result = CommitResult{TransactionID: id, UserID: userID}
		return nil
	})
	if err != nil {
		return CommitResult{}, classifyTxErr(err)
	}
	return result, nil
}

type commitEventPayload struct {
	TransactionID int64  `json:"transactionId"`
	OrderID       string `json:"orderId"`
	UserID        string `json:"userId"`
	SettledValue  string `json:"settledValue"`
	NewValue      string `json:"newValue"`
}

type ledgerReserveDetails struct {
	UserID   string
	ItemID   string
	Currency string
	Value    decimal.Decimal
}

func (e *Engine) loadReserveDetails(ctx context.Context, tx pgx.Tx, orderID string) (ledgerReserveDetails, error) {
	var d ledgerReserveDetails
	row := tx.QueryRow(ctx, `SELECT user_id, item_id, currency, value FROM balance_reserve WHERE order_id = $1`, orderID)
	if err := row.Scan(&d.UserID, &d.ItemID, &d.Currency, &d.Value); err != nil {
		return ledgerReserveDetails{}, fmt.Errorf("commit: load reserve: %w", err)
	}
	return d, nil
}

// Cancel is an addition over spec.md's named operations (SPEC_FULL.md §4.4
// / §9 open question 4), grounded verbatim on
// original_source/src/database/mutations.rs::CancelReservation.
func (e *Engine) Cancel(ctx context.Context, orderID, userID string) error {
	orderID = strings.TrimSpace(orderID)
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return badParameter("userId")
	}
	if orderID == "" {
		return badParameter("orderId")
	}

	err := e.Store.WithTx(ctx, pgx.ReadCommitted, func(ctx context.Context, tx pgx.Tx) error {
		if _, _, lockErr := e.Store.LockBalance(ctx, tx, userID); lockErr != nil {
			if errors.Is(lockErr, store.ErrNotFound) {
				return ErrUserNotFound
			}
			return lockErr
		}

		owner, hasReserve, ownerErr := e.Store.ReserveOwner(ctx, tx, orderID)
		if ownerErr != nil {
			return ownerErr
		}
		if !hasReserve {
			settledCount, countErr := e.Store.CountTransactionsByOrderID(ctx, tx, orderID)
			if countErr != nil {
				return countErr
			}
			if settledCount == 0 {
				return nil // never reserved (or already cancelled) - idempotent no-op
			}
			return ErrInvalidState
		}
		if owner != userID {
			return badParameter("userId")
		}

		_, delErr := e.Store.DeleteReserve(ctx, tx, orderID)
		if delErr != nil {
			return delErr
		}

		return e.Events.Append(ctx, tx, "RESERVE_CANCELLED", "RESERVE", orderID, orderID, cancelEventPayload{
			OrderID: orderID,
			UserID:  userID,
		})
	})
	return classifyTxErr(err)
}

type cancelEventPayload struct {
	OrderID string `json:"orderId"`
	UserID  string `json:"userId"`
}

// LoadBalance implements spec.md §4.4.4.
func (e *Engine) LoadBalance(ctx context.Context, userID string) (UserBalance, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return UserBalance{}, badParameter("userId")
	}

	currencyCode, value, err := e.Store.LoadBalance(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return UserBalance{}, ErrUserNotFound
		}
		return UserBalance{}, fmt.Errorf("%w: %s", ErrInternal, err)
	}

	reserved, err := e.sumReservedNoTx(ctx, userID)
	if err != nil {
		return UserBalance{}, fmt.Errorf("%w: %s", ErrInternal, err)
	}

	spendable := value.Sub(reserved)
	return UserBalance{
		UserID:      userID,
		Currency:    currencyCode,
		Value:       spendable,
		Reserved:    reserved,
		IsOverdraft: spendable.IsNegative(),
	}, nil
}

func (e *Engine) sumReservedNoTx(ctx context.Context, userID string) (decimal.Decimal, error) {
	row := e.Store.Pool().QueryRow(ctx, `SELECT COALESCE(SUM(user_currency_value), 0) FROM balance_reserve WHERE user_id = $1`, userID)
	var sum decimal.Decimal
	if err := row.Scan(&sum); err != nil {
		return decimal.Zero, err
	}
	return sum, nil
}

// classifyTxErr maps a raw store/business error into the engine taxonomy.
// Business sentinels and BadParameterError pass through unchanged; an
// unknown-currency conversion error becomes BadParameter{currency}; a
// retries-exhausted store error becomes Transient; anything else becomes
// Internal, never leaking the underlying driver error text to callers.
func classifyTxErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrUserNotFound),
		errors.Is(err, ErrNotEnoughMoney),
		errors.Is(err, ErrInvalidState):
		return err
	}
	if _, ok := AsBadParameter(err); ok {
		return err
	}
	if errors.Is(err, currency.ErrUnknownCurrency) {
		return badParameter("currency")
	}
	if errors.Is(err, store.ErrRetriesExhausted) {
		return fmt.Errorf("%w: %s", ErrTransient, err)
	}
	return fmt.Errorf("%w: %s", ErrInternal, err)
}
