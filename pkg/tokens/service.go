package tokens

import (
	"context"
	"fmt"
)

// Service contains the credit-metering logic over a Store.
type Service struct {
	store         Store
	pipeline      Pipeline
	billing       BillingClient
	catalog       Catalog
	startingGrant CreditAmount
	nowFn         func() int64
	logger        OperationLogger
}

// NewService wires a Service.
func NewService(store Store, pipeline Pipeline, billing BillingClient, catalog Catalog, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if pipeline == nil {
		return nil, fmt.Errorf("%w: pipeline dependency is nil", ErrInvalidServiceConfig)
	}
	if billing == nil {
		return nil, fmt.Errorf("%w: billing dependency is nil", ErrInvalidServiceConfig)
	}
	if catalog.Size() == 0 {
		return nil, fmt.Errorf("%w: catalog is empty", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:         store,
		pipeline:      pipeline,
		billing:       billing,
		catalog:       catalog,
		startingGrant: DefaultStartingGrant,
		nowFn:         now,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the ledger for a profile, provisioning it with the free
// starting grant on first read. The read path self-heals and never reports
// a missing ledger.
func (service *Service) Balance(ctx context.Context, profileID ProfileID) (Ledger, error) {
	ledger, operationError := service.store.GetOrCreateLedger(ctx, profileID, service.startingGrant, service.nowFn())
	service.logOperation(ctx, OperationLog{
		Operation: operationBalance,
		ProfileID: profileID,
		Error:     operationError,
	})
	return ledger, operationError
}

// Generate performs one paid generation attempt: a guarded transactional
// debit first, then the downstream pipeline. A missing ledger is provisioned
// with the starting grant inside the debit transaction, so a profile's first
// action can be a generation. A pipeline failure after the debit commits
// triggers a compensating refund, so transient third-party failures do not
// burn credits.
func (service *Service) Generate(ctx context.Context, profileID ProfileID, request GenerationRequest) (GenerationResult, error) {
	var debitedLedger Ledger
	debitError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetOrCreateLedger(ctx, profileID, service.startingGrant, service.nowFn()); err != nil {
			return err
		}
		ledger, err := transactionStore.DebitOne(ctx, profileID)
		if err != nil {
			return err
		}
		debitedLedger = ledger
		entryInput, err := NewTransactionInput(ledger.LedgerID, TransactionDebit, debitAmount, service.nowFn())
		if err != nil {
			return err
		}
		return transactionStore.InsertTransaction(ctx, entryInput)
	})
	if debitError != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationGenerate,
			ProfileID: profileID,
			Amount:    debitAmount,
			Error:     debitError,
		})
		return GenerationResult{}, debitError
	}

	result, pipelineError := service.pipeline.Generate(ctx, request)
	if pipelineError != nil {
		if refundError := service.refundDebit(ctx, debitedLedger.LedgerID); refundError != nil {
			// The credit is lost until the refund is replayed; surface both.
			combined := fmt.Errorf("%w: %v (refund failed: %v)", ErrGenerationFailed, pipelineError, refundError)
			service.logOperation(ctx, OperationLog{
				Operation: operationGenerate,
				ProfileID: profileID,
				Amount:    debitAmount,
				Error:     combined,
			})
			return GenerationResult{}, combined
		}
		wrapped := fmt.Errorf("%w: %v", ErrGenerationFailed, pipelineError)
		service.logOperation(ctx, OperationLog{
			Operation: operationGenerate,
			ProfileID: profileID,
			Amount:    debitAmount,
			Status:    operationStatusRefunded,
			Error:     wrapped,
		})
		return GenerationResult{}, wrapped
	}

	service.logOperation(ctx, OperationLog{
		Operation: operationGenerate,
		ProfileID: profileID,
		Amount:    debitAmount,
	})
	return result, nil
}

func (service *Service) refundDebit(ctx context.Context, ledgerID LedgerID) error {
	return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.RefundOne(ctx, ledgerID); err != nil {
			return err
		}
		entryInput, err := NewTransactionInput(ledgerID, TransactionRefund, debitAmount, service.nowFn())
		if err != nil {
			return err
		}
		return transactionStore.InsertTransaction(ctx, entryInput)
	})
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
