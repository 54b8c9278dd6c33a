package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/video0-dev/tokenledger/pkg/tokens"
)

const (
	constraintLedgerProfile = "uniq_generation_tokens_profile"
	constraintTopupOrder    = "uniq_generation_token_topups_order"
	pgUniqueViolationCode   = "23505"
	errorOperationStore     = "store"
	errorSubjectLedger      = "ledger"
	errorSubjectTopup       = "topup"
	errorSubjectTransaction = "transaction"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
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

	sqlSelectLedgerByProfile = `
		select id::text, profile_id, initial_token_amount, available_tokens, extract(epoch from created_at)::bigint
		from generation_tokens
		where profile_id = $1
	`

	sqlInsertLedger = `
		insert into generation_tokens(id, profile_id, initial_token_amount, available_tokens, created_at)
		values (gen_random_uuid(), $1, $2, $2, to_timestamp($3))
		returning id::text, profile_id, initial_token_amount, available_tokens, extract(epoch from created_at)::bigint
	`

	sqlDebitOne = `
		update generation_tokens
		set available_tokens = available_tokens - 1
		where profile_id = $1 and available_tokens > 0
		returning id::text, profile_id, initial_token_amount, available_tokens, extract(epoch from created_at)::bigint
	`

	sqlRefundOne = `
		update generation_tokens
		set available_tokens = available_tokens + 1
		where id = $1
	`

	sqlAddCredits = `
		update generation_tokens
		set available_tokens = available_tokens + $2,
		    initial_token_amount = initial_token_amount + $2
		where id = $1
	`

	sqlInsertTransaction = `
		insert into generation_transactions(id, generation_token_id, kind, amount, created_at)
		values (gen_random_uuid(), $1, $2, $3, to_timestamp($4))
	`

	sqlInsertTopup = `
		insert into generation_token_topups(
			id, generation_token_id, amount, profile_id, polar_order_id, raw_payload, created_at
		)
		values (
			gen_random_uuid(), $1, $2, $3, $4,
			coalesce(nullif($5,''),'{}')::jsonb,
			to_timestamp($6)
		)
	`

	sqlListTransactions = `
		select id::text, generation_token_id::text, kind, amount, extract(epoch from created_at)::bigint
		from generation_transactions
		where generation_token_id = $1
		order by created_at desc
		limit $2
	`
)

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements tokens.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
}

// TxStore implements tokens.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore tokens.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetOrCreateLedger(ctx context.Context, profileID tokens.ProfileID, startingGrant tokens.CreditAmount, nowUnixUTC int64) (tokens.Ledger, error) {
	return getOrCreateLedger(ctx, store.pool, profileID, startingGrant, nowUnixUTC)
}

func (store *Store) GetLedger(ctx context.Context, profileID tokens.ProfileID) (tokens.Ledger, error) {
	return getLedger(ctx, store.pool, profileID)
}

func (store *Store) DebitOne(ctx context.Context, profileID tokens.ProfileID) (tokens.Ledger, error) {
	return debitOne(ctx, store.pool, profileID)
}

func (store *Store) RefundOne(ctx context.Context, ledgerID tokens.LedgerID) error {
	return refundOne(ctx, store.pool, ledgerID)
}

func (store *Store) AddCredits(ctx context.Context, ledgerID tokens.LedgerID, amount tokens.CreditAmount) error {
	return addCredits(ctx, store.pool, ledgerID, amount)
}

func (store *Store) InsertTransaction(ctx context.Context, input tokens.TransactionInput) error {
	return insertTransaction(ctx, store.pool, input)
}

func (store *Store) InsertTopup(ctx context.Context, input tokens.TopupInput) error {
	return insertTopup(ctx, store.pool, input)
}

func (store *Store) ListTransactions(ctx context.Context, ledgerID tokens.LedgerID, limit int) ([]tokens.Transaction, error) {
	return listTransactions(ctx, store.pool, ledgerID, limit)
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore tokens.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) GetOrCreateLedger(ctx context.Context, profileID tokens.ProfileID, startingGrant tokens.CreditAmount, nowUnixUTC int64) (tokens.Ledger, error) {
	return getOrCreateLedger(ctx, store.tx, profileID, startingGrant, nowUnixUTC)
}

func (store *TxStore) GetLedger(ctx context.Context, profileID tokens.ProfileID) (tokens.Ledger, error) {
	return getLedger(ctx, store.tx, profileID)
}

func (store *TxStore) DebitOne(ctx context.Context, profileID tokens.ProfileID) (tokens.Ledger, error) {
	return debitOne(ctx, store.tx, profileID)
}

func (store *TxStore) RefundOne(ctx context.Context, ledgerID tokens.LedgerID) error {
	return refundOne(ctx, store.tx, ledgerID)
}

func (store *TxStore) AddCredits(ctx context.Context, ledgerID tokens.LedgerID, amount tokens.CreditAmount) error {
	return addCredits(ctx, store.tx, ledgerID, amount)
}

func (store *TxStore) InsertTransaction(ctx context.Context, input tokens.TransactionInput) error {
	return insertTransaction(ctx, store.tx, input)
}

func (store *TxStore) InsertTopup(ctx context.Context, input tokens.TopupInput) error {
	return insertTopup(ctx, store.tx, input)
}

func (store *TxStore) ListTransactions(ctx context.Context, ledgerID tokens.LedgerID, limit int) ([]tokens.Transaction, error) {
	return listTransactions(ctx, store.tx, ledgerID, limit)
}

func getOrCreateLedger(ctx context.Context, runner querier, profileID tokens.ProfileID, startingGrant tokens.CreditAmount, nowUnixUTC int64) (tokens.Ledger, error) {
	ledger, err := scanLedger(runner.QueryRow(ctx, sqlSelectLedgerByProfile, profileID.String()))
	if err == nil {
		return ledger, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return tokens.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeLookup, err)
	}
	created, createErr := scanLedger(runner.QueryRow(ctx, sqlInsertLedger, profileID.String(), startingGrant.Int64(), nowUnixUTC))
	if createErr == nil {
		return created, nil
	}
	if !isUniqueViolation(createErr, constraintLedgerProfile) {
		return tokens.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeCreate, createErr)
	}
	// Lost the provisioning race; the winner's grant stands.
	winner, rereadErr := scanLedger(runner.QueryRow(ctx, sqlSelectLedgerByProfile, profileID.String()))
	if rereadErr != nil {
		return tokens.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeLookup, rereadErr)
	}
	return winner, nil
}

func getLedger(ctx context.Context, runner querier, profileID tokens.ProfileID) (tokens.Ledger, error) {
	ledger, err := scanLedger(runner.QueryRow(ctx, sqlSelectLedgerByProfile, profileID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tokens.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeGet, tokens.ErrLedgerNotFound)
		}
		return tokens.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeGet, err)
	}
	return ledger, nil
}

func debitOne(ctx context.Context, runner querier, profileID tokens.ProfileID) (tokens.Ledger, error) {
	ledger, err := scanLedger(runner.QueryRow(ctx, sqlDebitOne, profileID.String()))
	if err == nil {
		return ledger, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return tokens.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeDebit, err)
	}
	// No row matched the guard: missing ledger or exhausted balance.
	_, existsErr := scanLedger(runner.QueryRow(ctx, sqlSelectLedgerByProfile, profileID.String()))
	if errors.Is(existsErr, pgx.ErrNoRows) {
		return tokens.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeDebit, tokens.ErrLedgerNotFound)
	}
	if existsErr != nil {
		return tokens.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeDebit, existsErr)
	}
	return tokens.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeDebit, tokens.ErrInsufficientCredits)
}

func refundOne(ctx context.Context, runner querier, ledgerID tokens.LedgerID) error {
	tag, err := runner.Exec(ctx, sqlRefundOne, ledgerID.String())
	if err != nil {
		return wrapStoreError(errorSubjectLedger, errorCodeRefund, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectLedger, errorCodeRefund, tokens.ErrLedgerNotFound)
	}
	return nil
}

func addCredits(ctx context.Context, runner querier, ledgerID tokens.LedgerID, amount tokens.CreditAmount) error {
	tag, err := runner.Exec(ctx, sqlAddCredits, ledgerID.String(), amount.Int64())
	if err != nil {
		return wrapStoreError(errorSubjectLedger, errorCodeTopup, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectLedger, errorCodeTopup, tokens.ErrLedgerNotFound)
	}
	return nil
}

func insertTransaction(ctx context.Context, runner querier, input tokens.TransactionInput) error {
	_, err := runner.Exec(ctx, sqlInsertTransaction,
		input.LedgerID().String(),
		input.Kind().String(),
		input.Amount().Int64(),
		input.CreatedUnixUTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func insertTopup(ctx context.Context, runner querier, input tokens.TopupInput) error {
	_, err := runner.Exec(ctx, sqlInsertTopup,
		input.LedgerID().String(),
		input.Amount().Int64(),
		input.ProfileID().String(),
		input.OrderID().String(),
		input.RawPayload().String(),
		input.CreatedUnixUTC(),
	)
	if isUniqueViolation(err, constraintTopupOrder) {
		return wrapStoreError(errorSubjectTopup, errorCodeDuplicate, tokens.ErrDuplicateTopupEvent)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTopup, errorCodeInsert, err)
	}
	return nil
}

func listTransactions(ctx context.Context, runner querier, ledgerID tokens.LedgerID, limit int) ([]tokens.Transaction, error) {
	rows, err := runner.Query(ctx, sqlListTransactions, ledgerID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions, err := scanTransactions(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transactions, nil
}

func scanLedger(row pgx.Row) (tokens.Ledger, error) {
	var (
		ledgerIDValue      string
		profileIDValue     string
		initialTokenAmount int64
		availableTokens    int64
		createdUnixUTC     int64
	)
	if err := row.Scan(&ledgerIDValue, &profileIDValue, &initialTokenAmount, &availableTokens, &createdUnixUTC); err != nil {
		return tokens.Ledger{}, err
	}
	ledgerID, err := tokens.NewLedgerID(ledgerIDValue)
	if err != nil {
		return tokens.Ledger{}, err
	}
	profileID, err := tokens.NewProfileID(profileIDValue)
	if err != nil {
		return tokens.Ledger{}, err
	}
	return tokens.Ledger{
		LedgerID:           ledgerID,
		ProfileID:          profileID,
		InitialTokenAmount: initialTokenAmount,
		AvailableTokens:    availableTokens,
		CreatedUnixUTC:     createdUnixUTC,
	}, nil
}

func scanTransactions(rows pgx.Rows) ([]tokens.Transaction, error) {
	transactions := make([]tokens.Transaction, 0, 32)
	for rows.Next() {
		var (
			transactionIDValue string
			ledgerIDValue      string
			kindValue          string
			amountValue        int64
			createdUnixUTC     int64
		)
		if err := rows.Scan(&transactionIDValue, &ledgerIDValue, &kindValue, &amountValue, &createdUnixUTC); err != nil {
			return nil, err
		}
		ledgerID, err := tokens.NewLedgerID(ledgerIDValue)
		if err != nil {
			return nil, err
		}
		kind, err := tokens.ParseTransactionKind(kindValue)
		if err != nil {
			return nil, err
		}
		amount, err := tokens.NewCreditAmount(amountValue)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tokens.Transaction{
			TransactionID:  transactionIDValue,
			LedgerID:       ledgerID,
			Kind:           kind,
			Amount:         amount,
			CreatedUnixUTC: createdUnixUTC,
		})
	}
	return transactions, rows.Err()
}

func wrapStoreError(subject string, code string, err error) error {
	return tokens.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	return false
}
