package tokens

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes one service operation outcome.
type OperationLog struct {
	Operation string
	ProfileID ProfileID
	OrderID   OrderID
	Amount    CreditAmount
	Status    string
	Error     error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithStartingGrant overrides the free starting grant for new ledgers.
func WithStartingGrant(grant CreditAmount) ServiceOption {
	return func(service *Service) {
		if grant > 0 {
			service.startingGrant = grant
		}
	}
}
