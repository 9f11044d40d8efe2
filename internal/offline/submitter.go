package offline

import (
	"context"
	"encoding/json"

	"pharmaledger/m/domain"
	"pharmaledger/m/internal/billing"
	"pharmaledger/m/internal/dispense"
)

// EngineSubmitter replays queued operations directly into the dispensing
// engine and billing store. The operation id becomes the idempotency key on
// submission, which is what makes interrupted drains safe to resume.
type EngineSubmitter struct {
	Engine *dispense.Engine
	Bills  *billing.Store
}

func (s *EngineSubmitter) Submit(ctx context.Context, op domain.OfflineOperation) error {
	switch op.Kind {
	case domain.OpDispense:
		var req domain.DispenseRequest
		if err := json.Unmarshal(op.Payload, &req); err != nil {
			return domain.Validationf("malformed dispense payload: %v", err)
		}
		req.IdempotencyKey = op.ID
		_, err := s.Engine.Dispense(ctx, req)
		return err

	case domain.OpStandaloneBill:
		var req domain.StandaloneBillRequest
		if err := json.Unmarshal(op.Payload, &req); err != nil {
			return domain.Validationf("malformed bill payload: %v", err)
		}
		req.OperationID = op.ID
		_, err := s.Bills.CreateStandaloneBill(ctx, req)
		return err
	}
	return domain.Validationf("unknown operation kind %q", op.Kind)
}
