package tokens

import "context"

// BillingCustomer is the provider-side customer record for a profile.
type BillingCustomer struct {
	CustomerID string
	ExternalID string
	Email      string
}

// CheckoutInput describes a hosted checkout session to open.
type CheckoutInput struct {
	CustomerID         string
	CustomerExternalID string
	SuccessURL         string
	Products           []ProductID
}

// CheckoutSession is the provider response the client is redirected to.
type CheckoutSession struct {
	SessionID string
	URL       string
}

// BillingClient is the billing-provider contract used by Service.Checkout.
// (internal/billing/polar implements this.)
type BillingClient interface {
	GetCustomerByExternalID(ctx context.Context, externalID string) (BillingCustomer, error)
	CreateCustomer(ctx context.Context, email string, externalID string) (BillingCustomer, error)
	CreateCheckout(ctx context.Context, input CheckoutInput) (CheckoutSession, error)
}
