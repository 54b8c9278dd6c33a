package tokens

import (
	"context"
	"fmt"
)

// ApplyTopup credits a ledger for one paid order. Replayed deliveries of the
// same order id surface ErrDuplicateTopupEvent without mutating anything;
// callers treat that as a no-op.
func (service *Service) ApplyTopup(requestContext context.Context, event TopupEvent) error {
	operationError := service.applyTopup(requestContext, event)
	service.logOperation(requestContext, OperationLog{
		Operation: operationTopup,
		ProfileID: event.ProfileID,
		OrderID:   event.OrderID,
		Error:     operationError,
	})
	return operationError
}

func (service *Service) applyTopup(requestContext context.Context, event TopupEvent) error {
	if event.Status != OrderStatusPaid {
		return fmt.Errorf("%w: order status %q is not paid", ErrInvalidTopupEvent, event.Status)
	}
	grantAmount, known := service.catalog.CreditsFor(event.ProductID)
	if !known {
		return fmt.Errorf("%w: unknown product id %q", ErrInvalidTopupEvent, event.ProductID.String())
	}
	createdUnixUTC := event.CreatedUnixUTC
	if createdUnixUTC == 0 {
		createdUnixUTC = service.nowFn()
	}
	return service.store.WithTx(requestContext, func(ctx context.Context, transactionStore Store) error {
		ledger, err := transactionStore.GetOrCreateLedger(ctx, event.ProfileID, service.startingGrant, createdUnixUTC)
		if err != nil {
			return err
		}
		topupInput, err := NewTopupInput(ledger.LedgerID, event.ProfileID, grantAmount, event.OrderID, event.RawPayload, createdUnixUTC)
		if err != nil {
			return err
		}
		if err := transactionStore.InsertTopup(ctx, topupInput); err != nil {
			return err
		}
		return transactionStore.AddCredits(ctx, ledger.LedgerID, grantAmount)
	})
}

// Checkout opens a hosted checkout session for the configured credit packs.
// The billing customer is looked up by the profile's external id and created
// on the fly when the lookup fails.
func (service *Service) Checkout(requestContext context.Context, profileID ProfileID, email string, successURL string) (CheckoutSession, error) {
	session, operationError := service.openCheckout(requestContext, profileID, email, successURL)
	service.logOperation(requestContext, OperationLog{
		Operation: operationCheckout,
		ProfileID: profileID,
		Error:     operationError,
	})
	return session, operationError
}

func (service *Service) openCheckout(requestContext context.Context, profileID ProfileID, email string, successURL string) (CheckoutSession, error) {
	customer, lookupError := service.billing.GetCustomerByExternalID(requestContext, profileID.String())
	if lookupError != nil {
		created, createError := service.billing.CreateCustomer(requestContext, email, profileID.String())
		if createError != nil {
			return CheckoutSession{}, fmt.Errorf("%w: customer create after failed lookup: %v", ErrCheckoutFailed, createError)
		}
		customer = created
	}
	session, checkoutError := service.billing.CreateCheckout(requestContext, CheckoutInput{
		CustomerID:         customer.CustomerID,
		CustomerExternalID: profileID.String(),
		SuccessURL:         successURL,
		Products:           service.catalog.ProductIDs(),
	})
	if checkoutError != nil {
		return CheckoutSession{}, fmt.Errorf("%w: session create: %v", ErrCheckoutFailed, checkoutError)
	}
	return session, nil
}

// ListTransactions returns the most recent debit and refund lines for a
// profile, provisioning the ledger like Balance does.
func (service *Service) ListTransactions(requestContext context.Context, profileID ProfileID, limit int) ([]Transaction, error) {
	ledger, err := service.store.GetOrCreateLedger(requestContext, profileID, service.startingGrant, service.nowFn())
	if err != nil {
		return nil, err
	}
	return service.store.ListTransactions(requestContext, ledger.LedgerID, limit)
}
