package domain

import "encoding/json"

// Offline operation kinds.
const (
	OpDispense       = "DISPENSE"
	OpStandaloneBill = "STANDALONE_BILL"
)

// Offline operation statuses.
const (
	OpQueued  = "QUEUED"
	OpSyncing = "SYNCING"
	OpSynced  = "SYNCED"
	OpFailed  = "FAILED"
)

// OfflineOperation is a write captured on a disconnected terminal. ID is
// client-generated and doubles as the idempotency key, so replaying the
// operation any number of times produces at most one server-side effect.
type OfflineOperation struct {
	Seq       int64           `db:"seq" json:"seq"`
	ID        string          `db:"id" json:"id"`
	Kind      string          `db:"kind" json:"kind"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	Status    string          `db:"status" json:"status"`
	Attempts  int64           `db:"attempts" json:"attempts"`
	LastError *string         `db:"last_error" json:"last_error,omitempty"`
	CreatedAt string          `db:"created_at" json:"created_at"`
}

// StandaloneBillRequest is the payload of an OpStandaloneBill operation,
// also usable directly for non-pharmacy charges.
type StandaloneBillRequest struct {
	PatientID    int64      `json:"patient_id"`
	ParentBillID *int64     `json:"parent_bill_id,omitempty"`
	Items        []BillItem `json:"items"`
	Discount     float64    `json:"discount"`
	Tax          float64    `json:"tax"`
	Settlement   string     `json:"settlement"`
	Actor        string     `json:"actor"`
	OperationID  string     `json:"operation_id,omitempty"`
}
