package tokens

const (
	operationBalance  = "balance"
	operationGenerate = "generate"
	operationTopup    = "topup"
	operationCheckout = "checkout"

	operationStatusOK       = "ok"
	operationStatusError    = "error"
	operationStatusRefunded = "refunded"

	// OrderStatusPaid is the only order status that credits a ledger.
	OrderStatusPaid = "paid"

	// DefaultStartingGrant is the free credit grant for first-time profiles.
	DefaultStartingGrant CreditAmount = 2

	debitAmount CreditAmount = 1
)
