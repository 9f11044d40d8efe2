package domain

// Settlement modes for a dispense request.
const (
	SettlementImmediate = "IMMEDIATE"
	SettlementPending   = "PENDING"
)

// DispenseItem references one prescription item to dispense. Quantity must
// be positive and no greater than the prescribed quantity.
type DispenseItem struct {
	PrescriptionItemID int64 `json:"prescription_item_id"`
	Quantity           int64 `json:"quantity"`
}

// DispenseRequest is the single entry point payload for pharmacy
// dispensing, online or replayed from the offline queue. IdempotencyKey is
// client-generated and globally unique; repeating a request with the same
// key returns the originally recorded result.
type DispenseRequest struct {
	PrescriptionID int64          `json:"prescription_id"`
	Items          []DispenseItem `json:"items"`
	Actor          string         `json:"actor"`
	Settlement     string         `json:"settlement"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// DispensedItem is the per-item confirmation returned by the engine.
type DispensedItem struct {
	PrescriptionItemID int64   `json:"prescription_item_id"`
	MedicineID         int64   `json:"medicine_id"`
	MedicineName       string  `json:"medicine_name"`
	Quantity           int64   `json:"quantity"`
	UnitPrice          float64 `json:"unit_price"`
	LineTotal          float64 `json:"line_total"`
}

// DispenseResult reports the bill, the recomputed prescription status and
// per-item confirmations. Replayed is true when the idempotency key matched
// a previously completed operation and no new state change happened.
type DispenseResult struct {
	Bill               Bill            `json:"bill"`
	PrescriptionStatus string          `json:"prescription_status"`
	Items              []DispensedItem `json:"items"`
	Replayed           bool            `json:"replayed"`
}
