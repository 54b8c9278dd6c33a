package tokens

import (
	"context"
	"fmt"
	"testing"
)

type stubStore struct {
	ledgers      map[string]Ledger
	transactions []TransactionInput
	topups       map[string]TopupInput
	nextLedgerID int

	debitError       error
	refundError      error
	topupInsertError error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		ledgers: map[string]Ledger{},
		topups:  map[string]TopupInput{},
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) GetOrCreateLedger(_ context.Context, profileID ProfileID, startingGrant CreditAmount, nowUnixUTC int64) (Ledger, error) {
	if ledger, exists := store.ledgers[profileID.String()]; exists {
		return ledger, nil
	}
	store.nextLedgerID++
	ledgerID, err := NewLedgerID(fmt.Sprintf("ledger-%d", store.nextLedgerID))
	if err != nil {
		return Ledger{}, err
	}
	ledger := Ledger{
		LedgerID:           ledgerID,
		ProfileID:          profileID,
		InitialTokenAmount: startingGrant.Int64(),
		AvailableTokens:    startingGrant.Int64(),
		CreatedUnixUTC:     nowUnixUTC,
	}
	store.ledgers[profileID.String()] = ledger
	return ledger, nil
}

func (store *stubStore) GetLedger(_ context.Context, profileID ProfileID) (Ledger, error) {
	ledger, exists := store.ledgers[profileID.String()]
	if !exists {
		return Ledger{}, ErrLedgerNotFound
	}
	return ledger, nil
}

func (store *stubStore) DebitOne(_ context.Context, profileID ProfileID) (Ledger, error) {
	if store.debitError != nil {
		return Ledger{}, store.debitError
	}
	ledger, exists := store.ledgers[profileID.String()]
	if !exists {
		return Ledger{}, ErrLedgerNotFound
	}
	if ledger.AvailableTokens <= 0 {
		return Ledger{}, ErrInsufficientCredits
	}
	ledger.AvailableTokens--
	store.ledgers[profileID.String()] = ledger
	return ledger, nil
}

func (store *stubStore) RefundOne(_ context.Context, ledgerID LedgerID) error {
	if store.refundError != nil {
		return store.refundError
	}
	for profileKey, ledger := range store.ledgers {
		if ledger.LedgerID == ledgerID {
			ledger.AvailableTokens++
			store.ledgers[profileKey] = ledger
			return nil
		}
	}
	return ErrLedgerNotFound
}

func (store *stubStore) AddCredits(_ context.Context, ledgerID LedgerID, amount CreditAmount) error {
	for profileKey, ledger := range store.ledgers {
		if ledger.LedgerID == ledgerID {
			ledger.AvailableTokens += amount.Int64()
			ledger.InitialTokenAmount += amount.Int64()
			store.ledgers[profileKey] = ledger
			return nil
		}
	}
	return ErrLedgerNotFound
}

func (store *stubStore) InsertTransaction(_ context.Context, input TransactionInput) error {
	store.transactions = append(store.transactions, input)
	return nil
}

func (store *stubStore) InsertTopup(_ context.Context, input TopupInput) error {
	if store.topupInsertError != nil {
		return store.topupInsertError
	}
	if _, exists := store.topups[input.OrderID().String()]; exists {
		return ErrDuplicateTopupEvent
	}
	store.topups[input.OrderID().String()] = input
	return nil
}

func (store *stubStore) ListTransactions(_ context.Context, ledgerID LedgerID, limit int) ([]Transaction, error) {
	transactions := make([]Transaction, 0, limit)
	for index := len(store.transactions) - 1; index >= 0 && len(transactions) < limit; index-- {
		input := store.transactions[index]
		if input.LedgerID() != ledgerID {
			continue
		}
		transactions = append(transactions, Transaction{
			TransactionID:  fmt.Sprintf("transaction-%d", index),
			LedgerID:       input.LedgerID(),
			Kind:           input.Kind(),
			Amount:         input.Amount(),
			CreatedUnixUTC: input.CreatedUnixUTC(),
		})
	}
	return transactions, nil
}

func (store *stubStore) mustLedger(test *testing.T, profileID ProfileID) Ledger {
	test.Helper()
	ledger, exists := store.ledgers[profileID.String()]
	if !exists {
		test.Fatalf("ledger for profile %q not found", profileID.String())
	}
	return ledger
}

type stubPipeline struct {
	result   GenerationResult
	err      error
	requests []GenerationRequest
}

func (pipeline *stubPipeline) Generate(_ context.Context, request GenerationRequest) (GenerationResult, error) {
	pipeline.requests = append(pipeline.requests, request)
	if pipeline.err != nil {
		return GenerationResult{}, pipeline.err
	}
	return pipeline.result, nil
}

type stubBilling struct {
	lookupCustomer  BillingCustomer
	lookupError     error
	createdCustomer BillingCustomer
	createError     error
	session         CheckoutSession
	checkoutError   error

	lookupCalls   int
	createCalls   int
	checkoutCalls int
	lastCheckout  CheckoutInput
}

func (billing *stubBilling) GetCustomerByExternalID(_ context.Context, externalID string) (BillingCustomer, error) {
	billing.lookupCalls++
	if billing.lookupError != nil {
		return BillingCustomer{}, billing.lookupError
	}
	return billing.lookupCustomer, nil
}

func (billing *stubBilling) CreateCustomer(_ context.Context, email string, externalID string) (BillingCustomer, error) {
	billing.createCalls++
	if billing.createError != nil {
		return BillingCustomer{}, billing.createError
	}
	return billing.createdCustomer, nil
}

func (billing *stubBilling) CreateCheckout(_ context.Context, input CheckoutInput) (CheckoutSession, error) {
	billing.checkoutCalls++
	billing.lastCheckout = input
	if billing.checkoutError != nil {
		return CheckoutSession{}, billing.checkoutError
	}
	return billing.session, nil
}

func mustProfileID(test *testing.T, value string) ProfileID {
	test.Helper()
	profileID, err := NewProfileID(value)
	if err != nil {
		test.Fatalf("profile id %q: %v", value, err)
	}
	return profileID
}

func mustAmount(test *testing.T, value int64) CreditAmount {
	test.Helper()
	amount, err := NewCreditAmount(value)
	if err != nil {
		test.Fatalf("amount %d: %v", value, err)
	}
	return amount
}

func mustOrderID(test *testing.T, value string) OrderID {
	test.Helper()
	orderID, err := NewOrderID(value)
	if err != nil {
		test.Fatalf("order id %q: %v", value, err)
	}
	return orderID
}

func mustProductID(test *testing.T, value string) ProductID {
	test.Helper()
	productID, err := NewProductID(value)
	if err != nil {
		test.Fatalf("product id %q: %v", value, err)
	}
	return productID
}

func mustCatalog(test *testing.T, credits map[string]int64) Catalog {
	test.Helper()
	catalog, err := NewCatalog(credits)
	if err != nil {
		test.Fatalf("catalog: %v", err)
	}
	return catalog
}

func mustNewService(test *testing.T, store Store, pipeline Pipeline, billing BillingClient, options ...ServiceOption) *Service {
	test.Helper()
	catalog := mustCatalog(test, map[string]int64{"product-five": 5})
	service, err := NewService(store, pipeline, billing, catalog, func() int64 { return 1700000000 }, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}
