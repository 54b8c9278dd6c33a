package gormstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/video0-dev/tokenledger/pkg/tokens"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(test *testing.T) *Store {
	test.Helper()
	database, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	sqlDatabase, err := database.DB()
	if err != nil {
		test.Fatalf("unwrap sql.DB: %v", err)
	}
	// In-memory sqlite databases are per connection.
	sqlDatabase.SetMaxOpenConns(1)
	if err := database.AutoMigrate(&GenerationToken{}, &GenerationTransaction{}, &GenerationTokenTopup{}); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return New(database)
}

func mustProfileID(test *testing.T, value string) tokens.ProfileID {
	test.Helper()
	profileID, err := tokens.NewProfileID(value)
	if err != nil {
		test.Fatalf("profile id %q: %v", value, err)
	}
	return profileID
}

func mustAmount(test *testing.T, value int64) tokens.CreditAmount {
	test.Helper()
	amount, err := tokens.NewCreditAmount(value)
	if err != nil {
		test.Fatalf("amount %d: %v", value, err)
	}
	return amount
}

func mustProvision(test *testing.T, store *Store, profileID tokens.ProfileID, grant int64) tokens.Ledger {
	test.Helper()
	ledger, err := store.GetOrCreateLedger(context.Background(), profileID, mustAmount(test, grant), 1700000000)
	if err != nil {
		test.Fatalf("provision ledger: %v", err)
	}
	return ledger
}

func TestGetOrCreateLedgerProvisionsOnce(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	profileID := mustProfileID(test, "profile-provision")

	first := mustProvision(test, store, profileID, 2)
	if first.AvailableTokens != 2 || first.InitialTokenAmount != 2 {
		test.Fatalf("unexpected fresh ledger: %+v", first)
	}

	second, err := store.GetOrCreateLedger(context.Background(), profileID, mustAmount(test, 10), 1700000100)
	if err != nil {
		test.Fatalf("second provision: %v", err)
	}
	if second.LedgerID != first.LedgerID {
		test.Fatalf("expected the same ledger, got %q and %q", first.LedgerID.String(), second.LedgerID.String())
	}
	if second.AvailableTokens != 2 {
		test.Fatalf("second provision regranted credits: %+v", second)
	}
}

func TestGetLedgerUnknownProfile(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)

	_, err := store.GetLedger(context.Background(), mustProfileID(test, "profile-missing"))
	if !errors.Is(err, tokens.ErrLedgerNotFound) {
		test.Fatalf("expected ErrLedgerNotFound, got %v", err)
	}
}

func TestDebitOneExhaustsBalance(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	profileID := mustProfileID(test, "profile-debit")
	mustProvision(test, store, profileID, 2)

	for expected := int64(1); expected >= 0; expected-- {
		ledger, err := store.DebitOne(context.Background(), profileID)
		if err != nil {
			test.Fatalf("debit at balance %d: %v", expected+1, err)
		}
		if ledger.AvailableTokens != expected {
			test.Fatalf("expected balance %d after debit, got %d", expected, ledger.AvailableTokens)
		}
		if ledger.InitialTokenAmount != 2 {
			test.Fatalf("debit touched initial_token_amount: %+v", ledger)
		}
	}

	_, err := store.DebitOne(context.Background(), profileID)
	if !errors.Is(err, tokens.ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits at zero balance, got %v", err)
	}

	ledger, err := store.GetLedger(context.Background(), profileID)
	if err != nil {
		test.Fatalf("reload ledger: %v", err)
	}
	if ledger.AvailableTokens != 0 {
		test.Fatalf("failed debit changed balance to %d", ledger.AvailableTokens)
	}
}

func TestDebitOneUnknownProfile(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)

	_, err := store.DebitOne(context.Background(), mustProfileID(test, "profile-unknown"))
	if !errors.Is(err, tokens.ErrLedgerNotFound) {
		test.Fatalf("expected ErrLedgerNotFound, got %v", err)
	}
}

func TestRefundOneRestoresCredit(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	profileID := mustProfileID(test, "profile-refund")
	ledger := mustProvision(test, store, profileID, 1)

	if _, err := store.DebitOne(context.Background(), profileID); err != nil {
		test.Fatalf("debit: %v", err)
	}
	if err := store.RefundOne(context.Background(), ledger.LedgerID); err != nil {
		test.Fatalf("refund: %v", err)
	}

	reloaded, err := store.GetLedger(context.Background(), profileID)
	if err != nil {
		test.Fatalf("reload ledger: %v", err)
	}
	if reloaded.AvailableTokens != 1 {
		test.Fatalf("expected balance 1 after refund, got %d", reloaded.AvailableTokens)
	}
}

func TestAddCreditsIncrementsBothColumns(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	profileID := mustProfileID(test, "profile-topup")
	ledger := mustProvision(test, store, profileID, 2)

	if err := store.AddCredits(context.Background(), ledger.LedgerID, mustAmount(test, 5)); err != nil {
		test.Fatalf("add credits: %v", err)
	}

	reloaded, err := store.GetLedger(context.Background(), profileID)
	if err != nil {
		test.Fatalf("reload ledger: %v", err)
	}
	if reloaded.AvailableTokens != 7 {
		test.Fatalf("expected available 7, got %d", reloaded.AvailableTokens)
	}
	if reloaded.InitialTokenAmount != 7 {
		test.Fatalf("expected initial 7, got %d", reloaded.InitialTokenAmount)
	}
}

func TestInsertTopupRejectsDuplicateOrder(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	profileID := mustProfileID(test, "profile-idempotent")
	ledger := mustProvision(test, store, profileID, 2)

	orderID, err := tokens.NewOrderID("order-123")
	if err != nil {
		test.Fatalf("order id: %v", err)
	}
	rawPayload, err := tokens.NewRawPayloadJSON(`{"type":"order.paid"}`)
	if err != nil {
		test.Fatalf("payload: %v", err)
	}
	input, err := tokens.NewTopupInput(ledger.LedgerID, profileID, mustAmount(test, 5), orderID, rawPayload, 1700000200)
	if err != nil {
		test.Fatalf("topup input: %v", err)
	}

	if err := store.InsertTopup(context.Background(), input); err != nil {
		test.Fatalf("first insert: %v", err)
	}
	err = store.InsertTopup(context.Background(), input)
	if !errors.Is(err, tokens.ErrDuplicateTopupEvent) {
		test.Fatalf("expected ErrDuplicateTopupEvent, got %v", err)
	}
}

func TestListTransactionsNewestFirst(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	profileID := mustProfileID(test, "profile-history")
	ledger := mustProvision(test, store, profileID, 2)

	timestamps := []int64{1700000000, 1700000060, 1700000120}
	for _, createdUnixUTC := range timestamps {
		input, err := tokens.NewTransactionInput(ledger.LedgerID, tokens.TransactionDebit, mustAmount(test, 1), createdUnixUTC)
		if err != nil {
			test.Fatalf("transaction input: %v", err)
		}
		if err := store.InsertTransaction(context.Background(), input); err != nil {
			test.Fatalf("insert transaction: %v", err)
		}
	}

	transactions, err := store.ListTransactions(context.Background(), ledger.LedgerID, 2)
	if err != nil {
		test.Fatalf("list transactions: %v", err)
	}
	if len(transactions) != 2 {
		test.Fatalf("expected 2 transactions, got %d", len(transactions))
	}
	if transactions[0].CreatedUnixUTC != 1700000120 || transactions[1].CreatedUnixUTC != 1700000060 {
		test.Fatalf("unexpected ordering: %d then %d", transactions[0].CreatedUnixUTC, transactions[1].CreatedUnixUTC)
	}
}

func TestDebitOneConcurrentAttemptsNeverOversell(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	profileID := mustProfileID(test, "profile-concurrent-debit")
	mustProvision(test, store, profileID, 3)

	const attempts = 12
	var successCount int64
	debitErrors := make(chan error, attempts)
	var waitGroup sync.WaitGroup
	for attempt := 0; attempt < attempts; attempt++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			if _, err := store.DebitOne(context.Background(), profileID); err != nil {
				debitErrors <- err
				return
			}
			atomic.AddInt64(&successCount, 1)
		}()
	}
	waitGroup.Wait()
	close(debitErrors)

	for err := range debitErrors {
		if !errors.Is(err, tokens.ErrInsufficientCredits) {
			test.Fatalf("unexpected debit error: %v", err)
		}
	}
	if successCount != 3 {
		test.Fatalf("expected exactly 3 successful debits, got %d", successCount)
	}

	ledger, err := store.GetLedger(context.Background(), profileID)
	if err != nil {
		test.Fatalf("reload ledger: %v", err)
	}
	if ledger.AvailableTokens != 0 {
		test.Fatalf("expected exhausted balance, got %d", ledger.AvailableTokens)
	}
}

func TestGetOrCreateLedgerConcurrentFirstReads(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	profileID := mustProfileID(test, "profile-concurrent-provision")

	const readers = 8
	grant := mustAmount(test, 2)
	ledgers := make(chan tokens.Ledger, readers)
	provisionErrors := make(chan error, readers)
	var waitGroup sync.WaitGroup
	for reader := 0; reader < readers; reader++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			ledger, err := store.GetOrCreateLedger(context.Background(), profileID, grant, 1700000000)
			if err != nil {
				provisionErrors <- err
				return
			}
			ledgers <- ledger
		}()
	}
	waitGroup.Wait()
	close(ledgers)
	close(provisionErrors)

	for err := range provisionErrors {
		test.Fatalf("concurrent provision failed: %v", err)
	}
	var winnerID tokens.LedgerID
	for ledger := range ledgers {
		if winnerID == (tokens.LedgerID{}) {
			winnerID = ledger.LedgerID
		}
		if ledger.LedgerID != winnerID {
			test.Fatalf("readers saw different ledgers: %q and %q", winnerID.String(), ledger.LedgerID.String())
		}
		if ledger.AvailableTokens != 2 {
			test.Fatalf("concurrent provisioning regranted credits: %+v", ledger)
		}
	}

	var rowCount int64
	if err := store.db.Model(&GenerationToken{}).Where("profile_id = ?", profileID.String()).Count(&rowCount).Error; err != nil {
		test.Fatalf("count ledgers: %v", err)
	}
	if rowCount != 1 {
		test.Fatalf("expected a single ledger row, got %d", rowCount)
	}
}

func TestIsUniqueViolationDistinguishesConstraints(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	profileID := mustProfileID(test, "profile-constraints")
	ledger := mustProvision(test, store, profileID, 2)

	first := GenerationTokenTopup{
		ID:                "topup-fixed",
		GenerationTokenID: ledger.LedgerID.String(),
		Amount:            5,
		ProfileID:         profileID.String(),
		PolarOrderID:      "order-a",
		RawPayload:        datatypesJSON("{}"),
		CreatedAt:         time.Unix(1700000000, 0).UTC(),
	}
	if err := store.db.Create(&first).Error; err != nil {
		test.Fatalf("seed topup: %v", err)
	}

	// A primary-key clash is a constraint failure, but not an order replay.
	pkClash := first
	pkClash.PolarOrderID = "order-b"
	err := store.db.Create(&pkClash).Error
	if err == nil {
		test.Fatalf("expected primary key violation")
	}
	if isUniqueViolation(err, constraintTopupOrder, sqliteTargetTopupOrder) {
		test.Fatalf("primary key clash misread as duplicate order: %v", err)
	}

	orderClash := GenerationTokenTopup{
		GenerationTokenID: ledger.LedgerID.String(),
		Amount:            5,
		ProfileID:         profileID.String(),
		PolarOrderID:      "order-a",
		RawPayload:        datatypesJSON("{}"),
		CreatedAt:         time.Unix(1700000060, 0).UTC(),
	}
	err = store.db.Create(&orderClash).Error
	if err == nil {
		test.Fatalf("expected unique order violation")
	}
	if !isUniqueViolation(err, constraintTopupOrder, sqliteTargetTopupOrder) {
		test.Fatalf("duplicate order not recognized: %v", err)
	}
}

func TestWithTxRollsBackOnError(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	profileID := mustProfileID(test, "profile-rollback")
	mustProvision(test, store, profileID, 2)

	sentinel := errors.New("abort")
	err := store.WithTx(context.Background(), func(ctx context.Context, txStore tokens.Store) error {
		if _, debitErr := txStore.DebitOne(ctx, profileID); debitErr != nil {
			return debitErr
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		test.Fatalf("expected sentinel error, got %v", err)
	}

	ledger, err := store.GetLedger(context.Background(), profileID)
	if err != nil {
		test.Fatalf("reload ledger: %v", err)
	}
	if ledger.AvailableTokens != 2 {
		test.Fatalf("rollback did not restore balance, got %d", ledger.AvailableTokens)
	}
}
