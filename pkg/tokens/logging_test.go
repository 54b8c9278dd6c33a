package tokens

import (
	"context"
	"errors"
	"testing"
)

type recorderLogger struct {
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.entries = append(logger.entries, entry)
}

func TestServiceLogsGenerateOperation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	logger := &recorderLogger{}
	pipeline := &stubPipeline{result: GenerationResult{AssetID: "asset-1"}}
	service := mustNewService(test, store, pipeline, &stubBilling{}, WithOperationLogger(logger))
	profileID := mustProfileID(test, "profile-log")

	if _, err := service.Balance(context.Background(), profileID); err != nil {
		test.Fatalf("provision: %v", err)
	}
	if _, err := service.Generate(context.Background(), profileID, GenerationRequest{ProfileID: profileID, ChatID: "chat-1"}); err != nil {
		test.Fatalf("generate: %v", err)
	}

	if len(logger.entries) != 2 {
		test.Fatalf("expected balance and generate log entries, got %d", len(logger.entries))
	}
	entry := logger.entries[1]
	if entry.Operation != operationGenerate || entry.ProfileID != profileID {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry.Error != nil || entry.Status != operationStatusOK {
		test.Fatalf("expected successful log entry, got %+v", entry)
	}
}

func TestServiceLogsRefundedStatusOnPipelineFailure(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	logger := &recorderLogger{}
	pipeline := &stubPipeline{err: errors.New("render down")}
	service := mustNewService(test, store, pipeline, &stubBilling{}, WithOperationLogger(logger))
	profileID := mustProfileID(test, "profile-log-refund")

	if _, err := service.Balance(context.Background(), profileID); err != nil {
		test.Fatalf("provision: %v", err)
	}
	if _, err := service.Generate(context.Background(), profileID, GenerationRequest{ProfileID: profileID, ChatID: "chat-1"}); err == nil {
		test.Fatalf("expected generation failure")
	}

	entry := logger.entries[len(logger.entries)-1]
	if entry.Status != operationStatusRefunded {
		test.Fatalf("expected refunded status, got %q", entry.Status)
	}
	if entry.Error == nil {
		test.Fatalf("expected error carried in log entry")
	}
}

func TestServiceLogsErrorStatus(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.debitError = errors.New("database down")
	logger := &recorderLogger{}
	service := mustNewService(test, store, &stubPipeline{}, &stubBilling{}, WithOperationLogger(logger))
	profileID := mustProfileID(test, "profile-log-error")

	if _, err := service.Generate(context.Background(), profileID, GenerationRequest{ProfileID: profileID, ChatID: "chat-1"}); err == nil {
		test.Fatalf("expected error")
	}
	entry := logger.entries[len(logger.entries)-1]
	if entry.Status != operationStatusError || entry.Error == nil {
		test.Fatalf("expected error log entry, got %+v", entry)
	}
}

func TestServiceLogsTopupWithOrderID(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	logger := &recorderLogger{}
	service := mustNewService(test, store, &stubPipeline{}, &stubBilling{}, WithOperationLogger(logger))
	event := paidTopupEvent(test, "order-logged", "product-five")

	if err := service.ApplyTopup(context.Background(), event); err != nil {
		test.Fatalf("apply topup: %v", err)
	}
	entry := logger.entries[len(logger.entries)-1]
	if entry.Operation != operationTopup || entry.OrderID != event.OrderID {
		test.Fatalf("unexpected topup log entry: %+v", entry)
	}
}
