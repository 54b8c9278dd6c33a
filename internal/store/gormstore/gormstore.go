package gormstore

import (
	"context"
	"errors"
	"strings"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/video0-dev/tokenledger/pkg/tokens"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	constraintLedgerProfile = "uniq_generation_tokens_profile"
	constraintTopupOrder    = "uniq_generation_token_topups_order"
	defaultRawPayloadJSON   = "{}"
	pgUniqueViolationCode   = "23505"

	// sqlite reports unique-index failures with the extended code
	// SQLITE_CONSTRAINT_UNIQUE and names the columns in the message.
	sqliteUniqueViolationCode = 2067
	sqliteTargetLedgerProfile = "generation_tokens.profile_id"
	sqliteTargetTopupOrder    = "generation_token_topups.polar_order_id"
	errorOperationStore     = "store"
	errorSubjectLedger      = "ledger"
	errorSubjectTransaction = "transaction"
	errorSubjectTopup       = "topup"
	errorCodeCreate         = "create"
	errorCodeDebit          = "debit"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeRefund         = "refund"
	errorCodeTopup          = "topup"
)

// Store implements tokens.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore tokens.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// GetOrCreateLedger returns the ledger for a profile, inserting a row seeded
// with the starting grant when none exists. A losing racer on the profile
// unique index re-reads the winner's row.
func (store *Store) GetOrCreateLedger(ctx context.Context, profileID tokens.ProfileID, startingGrant tokens.CreditAmount, nowUnixUTC int64) (tokens.Ledger, error) {
	var model GenerationToken
	err := store.db.WithContext(ctx).
		Where("profile_id = ?", profileID.String()).
		Take(&model).Error
	if err == nil {
		return mapLedger(model)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return tokens.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeLookup, err)
	}

	model = GenerationToken{
		ProfileID:          profileID.String(),
		InitialTokenAmount: startingGrant.Int64(),
		AvailableTokens:    startingGrant.Int64(),
		CreatedAt:          time.Unix(nowUnixUTC, 0).UTC(),
	}
	createErr := store.db.WithContext(ctx).Create(&model).Error
	if createErr == nil {
		return mapLedger(model)
	}
	if !isUniqueViolation(createErr, constraintLedgerProfile, sqliteTargetLedgerProfile) {
		return tokens.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeCreate, createErr)
	}
	// Lost the provisioning race; the winner's grant stands.
	var winner GenerationToken
	if err := store.db.WithContext(ctx).Where("profile_id = ?", profileID.String()).Take(&winner).Error; err != nil {
		return tokens.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeLookup, err)
	}
	return mapLedger(winner)
}

// GetLedger returns the ledger for a profile without provisioning.
func (store *Store) GetLedger(ctx context.Context, profileID tokens.ProfileID) (tokens.Ledger, error) {
	var model GenerationToken
	err := store.db.WithContext(ctx).
		Where("profile_id = ?", profileID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tokens.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeGet, tokens.ErrLedgerNotFound)
		}
		return tokens.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeGet, err)
	}
	return mapLedger(model)
}

// DebitOne decrements available_tokens by one with a non-negativity guard.
// The conditional update serializes concurrent debits per profile: at most
// available_tokens of them can ever succeed.
func (store *Store) DebitOne(ctx context.Context, profileID tokens.ProfileID) (tokens.Ledger, error) {
	result := store.db.WithContext(ctx).
		Model(&GenerationToken{}).
		Where("profile_id = ? AND available_tokens > 0", profileID.String()).
		UpdateColumn("available_tokens", gorm.Expr("available_tokens - 1"))
	if result.Error != nil {
		return tokens.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeDebit, result.Error)
	}
	if result.RowsAffected == 0 {
		var model GenerationToken
		err := store.db.WithContext(ctx).Where("profile_id = ?", profileID.String()).Take(&model).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tokens.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeDebit, tokens.ErrLedgerNotFound)
		}
		if err != nil {
			return tokens.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeDebit, err)
		}
		return tokens.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeDebit, tokens.ErrInsufficientCredits)
	}
	var model GenerationToken
	if err := store.db.WithContext(ctx).Where("profile_id = ?", profileID.String()).Take(&model).Error; err != nil {
		return tokens.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeDebit, err)
	}
	return mapLedger(model)
}

// RefundOne restores one previously debited credit.
func (store *Store) RefundOne(ctx context.Context, ledgerID tokens.LedgerID) error {
	result := store.db.WithContext(ctx).
		Model(&GenerationToken{}).
		Where("id = ?", ledgerID.String()).
		UpdateColumn("available_tokens", gorm.Expr("available_tokens + 1"))
	if result.Error != nil {
		return wrapStoreError(errorSubjectLedger, errorCodeRefund, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectLedger, errorCodeRefund, tokens.ErrLedgerNotFound)
	}
	return nil
}

// AddCredits applies a top-up grant to both balance columns.
func (store *Store) AddCredits(ctx context.Context, ledgerID tokens.LedgerID, amount tokens.CreditAmount) error {
	result := store.db.WithContext(ctx).
		Model(&GenerationToken{}).
		Where("id = ?", ledgerID.String()).
		UpdateColumns(map[string]interface{}{
			"available_tokens":     gorm.Expr("available_tokens + ?", amount.Int64()),
			"initial_token_amount": gorm.Expr("initial_token_amount + ?", amount.Int64()),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectLedger, errorCodeTopup, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectLedger, errorCodeTopup, tokens.ErrLedgerNotFound)
	}
	return nil
}

// InsertTransaction appends one immutable transaction line.
func (store *Store) InsertTransaction(ctx context.Context, input tokens.TransactionInput) error {
	createdAt := time.Unix(input.CreatedUnixUTC(), 0).UTC()
	if input.CreatedUnixUTC() == 0 {
		createdAt = time.Now().UTC()
	}
	entry := GenerationTransaction{
		GenerationTokenID: input.LedgerID().String(),
		Kind:              input.Kind().String(),
		Amount:            input.Amount().Int64(),
		CreatedAt:         createdAt,
	}
	if err := store.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

// InsertTopup appends one top-up row, rejecting replays by order id.
func (store *Store) InsertTopup(ctx context.Context, input tokens.TopupInput) error {
	topup := GenerationTokenTopup{
		GenerationTokenID: input.LedgerID().String(),
		Amount:            input.Amount().Int64(),
		ProfileID:         input.ProfileID().String(),
		PolarOrderID:      input.OrderID().String(),
		RawPayload:        datatypesJSON(input.RawPayload().String()),
		CreatedAt:         time.Unix(input.CreatedUnixUTC(), 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&topup).Error
	if isUniqueViolation(err, constraintTopupOrder, sqliteTargetTopupOrder) {
		return wrapStoreError(errorSubjectTopup, errorCodeDuplicate, tokens.ErrDuplicateTopupEvent)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTopup, errorCodeInsert, err)
	}
	return nil
}

// ListTransactions returns the most recent transaction lines for a ledger.
func (store *Store) ListTransactions(ctx context.Context, ledgerID tokens.LedgerID, limit int) ([]tokens.Transaction, error) {
	var rows []GenerationTransaction
	err := store.db.WithContext(ctx).
		Where("generation_token_id = ?", ledgerID.String()).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}

	transactions := make([]tokens.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return tokens.WrapError(errorOperationStore, subject, code, err)
}

func mapLedger(model GenerationToken) (tokens.Ledger, error) {
	ledgerID, err := tokens.NewLedgerID(model.ID)
	if err != nil {
		return tokens.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeInvalid, err)
	}
	profileID, err := tokens.NewProfileID(model.ProfileID)
	if err != nil {
		return tokens.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeInvalid, err)
	}
	return tokens.Ledger{
		LedgerID:           ledgerID,
		ProfileID:          profileID,
		InitialTokenAmount: model.InitialTokenAmount,
		AvailableTokens:    model.AvailableTokens,
		CreatedUnixUTC:     model.CreatedAt.Unix(),
	}, nil
}

func mapTransaction(row GenerationTransaction) (tokens.Transaction, error) {
	ledgerID, err := tokens.NewLedgerID(row.GenerationTokenID)
	if err != nil {
		return tokens.Transaction{}, err
	}
	kind, err := tokens.ParseTransactionKind(row.Kind)
	if err != nil {
		return tokens.Transaction{}, err
	}
	amount, err := tokens.NewCreditAmount(row.Amount)
	if err != nil {
		return tokens.Transaction{}, err
	}
	return tokens.Transaction{
		TransactionID:  row.ID,
		LedgerID:       ledgerID,
		Kind:           kind,
		Amount:         amount,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultRawPayloadJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error, constraint string, sqliteTarget string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqliteUniqueViolationCode && strings.Contains(sqliteErr.Error(), sqliteTarget)
	}
	return false
}
