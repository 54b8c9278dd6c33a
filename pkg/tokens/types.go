package tokens

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// CreditAmount is a strictly positive number of generation credits.
type CreditAmount int64

// ProfileID identifies the account that owns a ledger.
type ProfileID struct {
	value string
}

// LedgerID identifies one generation-token ledger row.
type LedgerID struct {
	value string
}

// OrderID is the billing provider's order identifier. It is the
// idempotency key for top-up application.
type OrderID struct {
	value string
}

// ProductID identifies a purchasable credit pack at the billing provider.
type ProductID struct {
	value string
}

// RawPayloadJSON stores the verified webhook payload for audit.
type RawPayloadJSON struct {
	value string
}

// TransactionKind enumerates ledger transaction kinds.
type TransactionKind string

const (
	TransactionDebit  TransactionKind = "debit"
	TransactionRefund TransactionKind = "refund"
)

// String returns the kind as stored.
func (kind TransactionKind) String() string {
	return string(kind)
}

// ParseTransactionKind validates a stored transaction kind.
func ParseTransactionKind(raw string) (TransactionKind, error) {
	switch TransactionKind(raw) {
	case TransactionDebit, TransactionRefund:
		return TransactionKind(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionKind, raw)
}

// Ledger is the persisted credit balance for one profile.
type Ledger struct {
	LedgerID           LedgerID
	ProfileID          ProfileID
	InitialTokenAmount int64
	AvailableTokens    int64
	CreatedUnixUTC     int64
}

// Transaction is one immutable debit or refund line.
type Transaction struct {
	TransactionID  string
	LedgerID       LedgerID
	Kind           TransactionKind
	Amount         CreditAmount
	CreatedUnixUTC int64
}

// Topup is one applied order-paid credit grant.
type Topup struct {
	TopupID        string
	LedgerID       LedgerID
	ProfileID      ProfileID
	Amount         CreditAmount
	OrderID        OrderID
	CreatedUnixUTC int64
}

// TopupEvent is a verified order-paid notification from the billing provider.
type TopupEvent struct {
	OrderID        OrderID
	ProfileID      ProfileID
	ProductID      ProductID
	Status         string
	CreatedUnixUTC int64
	RawPayload     RawPayloadJSON
}

// TransactionInput describes one transaction line to append.
type TransactionInput struct {
	ledgerID       LedgerID
	kind           TransactionKind
	amount         CreditAmount
	createdUnixUTC int64
}

// TopupInput describes one top-up row to append.
type TopupInput struct {
	ledgerID       LedgerID
	profileID      ProfileID
	amount         CreditAmount
	orderID        OrderID
	rawPayload     RawPayloadJSON
	createdUnixUTC int64
}

// NewProfileID validates and normalizes a profile id.
func NewProfileID(raw string) (ProfileID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ProfileID{}, fmt.Errorf("%w: empty value", ErrInvalidProfileID)
	}
	return ProfileID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ProfileID) String() string {
	return id.value
}

// NewLedgerID validates and normalizes a ledger id.
func NewLedgerID(raw string) (LedgerID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return LedgerID{}, fmt.Errorf("%w: empty value", ErrInvalidLedgerID)
	}
	return LedgerID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id LedgerID) String() string {
	return id.value
}

// NewOrderID validates and normalizes an order id.
func NewOrderID(raw string) (OrderID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return OrderID{}, fmt.Errorf("%w: empty value", ErrInvalidOrderID)
	}
	return OrderID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id OrderID) String() string {
	return id.value
}

// NewProductID validates and normalizes a product id.
func NewProductID(raw string) (ProductID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ProductID{}, fmt.Errorf("%w: empty value", ErrInvalidProductID)
	}
	return ProductID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ProductID) String() string {
	return id.value
}

// NewRawPayloadJSON validates a payload blob (defaulting to "{}" when empty).
func NewRawPayloadJSON(raw string) (RawPayloadJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return RawPayloadJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidRawPayload)
	}
	return RawPayloadJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (payload RawPayloadJSON) String() string {
	return payload.value
}

// NewCreditAmount validates an amount and ensures it is strictly positive.
func NewCreditAmount(raw int64) (CreditAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCreditAmount)
	}
	return CreditAmount(raw), nil
}

// Int64 returns the amount as a plain integer.
func (amount CreditAmount) Int64() int64 {
	return int64(amount)
}

// NewTransactionInput validates the fields of a transaction line.
func NewTransactionInput(ledgerID LedgerID, kind TransactionKind, amount CreditAmount, createdUnixUTC int64) (TransactionInput, error) {
	if ledgerID.value == "" {
		return TransactionInput{}, fmt.Errorf("%w: empty ledger id", ErrInvalidLedgerID)
	}
	if _, err := ParseTransactionKind(kind.String()); err != nil {
		return TransactionInput{}, err
	}
	if amount <= 0 {
		return TransactionInput{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidCreditAmount)
	}
	return TransactionInput{
		ledgerID:       ledgerID,
		kind:           kind,
		amount:         amount,
		createdUnixUTC: createdUnixUTC,
	}, nil
}

// LedgerID returns the owning ledger.
func (input TransactionInput) LedgerID() LedgerID { return input.ledgerID }

// Kind returns the transaction kind.
func (input TransactionInput) Kind() TransactionKind { return input.kind }

// Amount returns the positive magnitude.
func (input TransactionInput) Amount() CreditAmount { return input.amount }

// CreatedUnixUTC returns the creation timestamp.
func (input TransactionInput) CreatedUnixUTC() int64 { return input.createdUnixUTC }

// NewTopupInput validates the fields of a top-up row.
func NewTopupInput(ledgerID LedgerID, profileID ProfileID, amount CreditAmount, orderID OrderID, rawPayload RawPayloadJSON, createdUnixUTC int64) (TopupInput, error) {
	if ledgerID.value == "" {
		return TopupInput{}, fmt.Errorf("%w: empty ledger id", ErrInvalidLedgerID)
	}
	if profileID.value == "" {
		return TopupInput{}, fmt.Errorf("%w: empty profile id", ErrInvalidProfileID)
	}
	if orderID.value == "" {
		return TopupInput{}, fmt.Errorf("%w: empty order id", ErrInvalidOrderID)
	}
	if amount <= 0 {
		return TopupInput{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidCreditAmount)
	}
	if rawPayload.value == "" {
		rawPayload.value = "{}"
	}
	return TopupInput{
		ledgerID:       ledgerID,
		profileID:      profileID,
		amount:         amount,
		orderID:        orderID,
		rawPayload:     rawPayload,
		createdUnixUTC: createdUnixUTC,
	}, nil
}

// LedgerID returns the owning ledger.
func (input TopupInput) LedgerID() LedgerID { return input.ledgerID }

// ProfileID returns the owning profile.
func (input TopupInput) ProfileID() ProfileID { return input.profileID }

// Amount returns the granted credit amount.
func (input TopupInput) Amount() CreditAmount { return input.amount }

// OrderID returns the provider order id.
func (input TopupInput) OrderID() OrderID { return input.orderID }

// RawPayload returns the stored webhook payload.
func (input TopupInput) RawPayload() RawPayloadJSON { return input.rawPayload }

// CreatedUnixUTC returns the creation timestamp.
func (input TopupInput) CreatedUnixUTC() int64 { return input.createdUnixUTC }

// Store is the persistence contract used by Service.
// (gormstore and pgstore implement this.)
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateLedger(ctx context.Context, profileID ProfileID, startingGrant CreditAmount, nowUnixUTC int64) (Ledger, error)
	GetLedger(ctx context.Context, profileID ProfileID) (Ledger, error)
	DebitOne(ctx context.Context, profileID ProfileID) (Ledger, error)
	RefundOne(ctx context.Context, ledgerID LedgerID) error
	AddCredits(ctx context.Context, ledgerID LedgerID, amount CreditAmount) error
	InsertTransaction(ctx context.Context, input TransactionInput) error
	InsertTopup(ctx context.Context, input TopupInput) error
	ListTransactions(ctx context.Context, ledgerID LedgerID, limit int) ([]Transaction, error)
}
