// Package dispense turns a prescription into a stock deduction and a bill
// in one atomic unit. Every dispensing attempt, online or replayed from the
// offline queue, funnels through Engine.Dispense, which is idempotent on
// the request's key.
package dispense

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"pharmaledger/m/domain"
	"pharmaledger/m/internal/billing"
	"pharmaledger/m/internal/ledger"
)

type Engine struct {
	db      *sqlx.DB
	ledger  *ledger.Ledger
	billing *billing.Store
	log     zerolog.Logger
	now     func() time.Time
}

func New(db *sqlx.DB, led *ledger.Ledger, bills *billing.Store, log zerolog.Logger) *Engine {
	return &Engine{
		db:      db,
		ledger:  led,
		billing: bills,
		log:     log.With().Str("component", "dispense").Logger(),
		now:     time.Now,
	}
}

// Dispense validates the request, deducts stock through the ledger, creates
// the bill, marks the prescription items dispensed and records the
// idempotency key — all in a single transaction. Either every one of those
// effects is committed or none is.
func (e *Engine) Dispense(ctx context.Context, req domain.DispenseRequest) (*domain.DispenseResult, error) {
	if req.IdempotencyKey == "" {
		return nil, domain.Validationf("idempotency_key is required")
	}
	if req.Actor == "" {
		return nil, domain.Validationf("actor is required")
	}
	if len(req.Items) == 0 {
		return nil, domain.Validationf("at least one item is required")
	}
	settlement := req.Settlement
	if settlement == "" {
		settlement = domain.SettlementPending
	}
	if settlement != domain.SettlementImmediate && settlement != domain.SettlementPending {
		return nil, domain.Validationf("invalid settlement mode %q", req.Settlement)
	}
	seen := make(map[int64]bool, len(req.Items))
	for _, it := range req.Items {
		if seen[it.PrescriptionItemID] {
			return nil, domain.Validationf("duplicate prescription item %d in request", it.PrescriptionItemID)
		}
		seen[it.PrescriptionItemID] = true
		if it.Quantity <= 0 {
			return nil, domain.Validationf("item %d requires a positive quantity", it.PrescriptionItemID)
		}
	}

	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, domain.Infra("dispense: begin", err)
	}
	defer tx.Rollback()

	// Replay detection first: a completed operation with this key returns
	// its recorded result and changes nothing.
	if res, err := e.replayTx(tx, req.IdempotencyKey); err != nil {
		return nil, err
	} else if res != nil {
		e.log.Info().Str("op_id", req.IdempotencyKey).Int64("bill_id", res.Bill.ID).Msg("dispense replay detected")
		return res, nil
	}

	pres, err := e.prescriptionTx(tx, req.PrescriptionID)
	if err != nil {
		return nil, err
	}
	switch pres.Status {
	case domain.PrescriptionExpired:
		return nil, domain.ErrExpiredPrescription
	case domain.PrescriptionCancelled:
		return nil, domain.ErrCannotDispense
	}
	if expired(pres.ExpiresAt, e.now()) {
		return nil, domain.ErrExpiredPrescription
	}

	itemByID := make(map[int64]domain.PrescriptionItem, len(pres.Items))
	for _, it := range pres.Items {
		itemByID[it.ID] = it
	}
	var alreadyDispensed []int64
	for _, reqItem := range req.Items {
		it, ok := itemByID[reqItem.PrescriptionItemID]
		if !ok {
			return nil, domain.ErrNotFound
		}
		if it.IsDispensed {
			alreadyDispensed = append(alreadyDispensed, it.ID)
			continue
		}
		if reqItem.Quantity > it.Quantity {
			return nil, domain.Validationf("item %d: requested %d exceeds prescribed %d", it.ID, reqItem.Quantity, it.Quantity)
		}
	}
	if len(alreadyDispensed) > 0 {
		return nil, &domain.AlreadyDispensedError{ItemIDs: alreadyDispensed}
	}

	// Deduct every item; the rollback discards partial deductions, so a
	// failure on a later item still surfaces every offending medicine.
	var (
		dispensed    []domain.DispensedItem
		billItems    []domain.BillItem
		insufficient []int64
	)
	for _, reqItem := range req.Items {
		presItem := itemByID[reqItem.PrescriptionItemID]
		med, err := e.medicineTx(tx, presItem.MedicineID)
		if err != nil {
			return nil, err
		}
		if med.UnitPrice <= 0 {
			return nil, domain.Validationf("medicine %d has no positive unit price", med.ID)
		}
		_, err = e.ledger.ReserveAndDeductTx(tx, med.ID, reqItem.Quantity, req.IdempotencyKey, req.Actor)
		if err != nil {
			var stockErr *domain.InsufficientStockError
			if errors.As(err, &stockErr) {
				insufficient = append(insufficient, stockErr.MedicineIDs...)
				continue
			}
			return nil, err
		}
		line := billing.Round2(med.UnitPrice * float64(reqItem.Quantity))
		dispensed = append(dispensed, domain.DispensedItem{
			PrescriptionItemID: presItem.ID,
			MedicineID:         med.ID,
			MedicineName:       med.Name,
			Quantity:           reqItem.Quantity,
			UnitPrice:          med.UnitPrice,
			LineTotal:          line,
		})
		billItems = append(billItems, domain.BillItem{
			ItemType:  domain.BillItemMedicine,
			Name:      med.Name,
			Quantity:  reqItem.Quantity,
			UnitPrice: med.UnitPrice,
		})
	}
	if len(insufficient) > 0 {
		return nil, &domain.InsufficientStockError{MedicineIDs: insufficient}
	}

	bill := &domain.Bill{
		PatientID:     pres.PatientID,
		PaymentStatus: domain.PaymentPending,
		CreatedBy:     req.Actor,
	}
	if err := e.billing.CreateBillTx(tx, bill, billItems); err != nil {
		return nil, err
	}
	if settlement == domain.SettlementImmediate {
		bill.PaymentStatus = domain.PaymentPaid
		bill.PaidAmount = bill.FinalAmount
		if _, err := tx.Exec(`UPDATE bills SET payment_status = ?, paid_amount = ? WHERE id = ?`, domain.PaymentPaid, bill.PaidAmount, bill.ID); err != nil {
			return nil, domain.Infra("dispense: settle bill", err)
		}
	}

	dispensedAt := e.now().UTC().Format(time.RFC3339)
	for _, d := range dispensed {
		res, err := tx.Exec(`UPDATE prescription_items SET is_dispensed = 1, dispensed_at = ?, dispensed_by = ? WHERE id = ? AND is_dispensed = 0`,
			dispensedAt, req.Actor, d.PrescriptionItemID)
		if err != nil {
			return nil, domain.Infra("dispense: mark item", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, domain.Infra("dispense: mark item", err)
		}
		if affected != 1 {
			return nil, &domain.AlreadyDispensedError{ItemIDs: []int64{d.PrescriptionItemID}}
		}
	}

	var remaining int64
	if err := tx.Get(&remaining, `SELECT COUNT(*) FROM prescription_items WHERE prescription_id = ? AND is_dispensed = 0`, pres.ID); err != nil {
		return nil, domain.Infra("dispense: count remaining items", err)
	}
	status := domain.PrescriptionPartiallyDispensed
	if remaining == 0 {
		status = domain.PrescriptionDispensed
	}
	if _, err := tx.Exec(`UPDATE prescriptions SET status = ? WHERE id = ?`, status, pres.ID); err != nil {
		return nil, domain.Infra("dispense: update prescription status", err)
	}

	recorded, err := json.Marshal(dispensed)
	if err != nil {
		return nil, domain.Infra("dispense: encode result", err)
	}
	if _, err := tx.Exec(`INSERT INTO operations (op_id, kind, bill_id, prescription_id, result) VALUES (?, ?, ?, ?, ?)`,
		req.IdempotencyKey, domain.OpDispense, bill.ID, pres.ID, string(recorded)); err != nil {
		return nil, domain.Infra("dispense: record operation", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, domain.Infra("dispense: commit", err)
	}
	e.log.Info().
		Str("op_id", req.IdempotencyKey).
		Int64("prescription_id", pres.ID).
		Int64("bill_id", bill.ID).
		Int("items", len(dispensed)).
		Float64("final_amount", bill.FinalAmount).
		Str("actor", req.Actor).
		Msg("dispensed")

	return &domain.DispenseResult{
		Bill:               *bill,
		PrescriptionStatus: status,
		Items:              dispensed,
	}, nil
}

// replayTx returns the recorded result for an already-completed operation,
// or nil when the key is new.
func (e *Engine) replayTx(tx *sqlx.Tx, opID string) (*domain.DispenseResult, error) {
	var op struct {
		BillID         int64          `db:"bill_id"`
		PrescriptionID sql.NullInt64  `db:"prescription_id"`
		Result         sql.NullString `db:"result"`
	}
	err := tx.Get(&op, `SELECT bill_id, prescription_id, result FROM operations WHERE op_id = ?`, opID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Infra("dispense: idempotency lookup", err)
	}

	var bill domain.Bill
	if err := tx.Get(&bill, `SELECT id, patient_id, parent_bill_id, total_amount, discount, tax, final_amount, paid_amount, payment_status, created_by, created_at FROM bills WHERE id = ?`, op.BillID); err != nil {
		return nil, domain.Infra("dispense: load recorded bill", err)
	}
	if err := tx.Select(&bill.Items, `SELECT id, bill_id, item_type, name, quantity, unit_price, line_total FROM bill_items WHERE bill_id = ? ORDER BY id`, op.BillID); err != nil {
		return nil, domain.Infra("dispense: load recorded bill items", err)
	}

	var items []domain.DispensedItem
	if op.Result.Valid && op.Result.String != "" {
		if err := json.Unmarshal([]byte(op.Result.String), &items); err != nil {
			return nil, domain.Infra("dispense: decode recorded result", err)
		}
	}

	status := ""
	if op.PrescriptionID.Valid {
		if err := tx.Get(&status, `SELECT status FROM prescriptions WHERE id = ?`, op.PrescriptionID.Int64); err != nil {
			return nil, domain.Infra("dispense: load prescription status", err)
		}
	}

	return &domain.DispenseResult{
		Bill:               bill,
		PrescriptionStatus: status,
		Items:              items,
		Replayed:           true,
	}, nil
}

// Prescription loads a prescription and its items.
func (e *Engine) Prescription(ctx context.Context, id int64) (*domain.Prescription, error) {
	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, domain.Infra("dispense: begin load prescription", err)
	}
	defer tx.Rollback()
	return e.prescriptionTx(tx, id)
}

func (e *Engine) prescriptionTx(tx *sqlx.Tx, id int64) (*domain.Prescription, error) {
	var pres domain.Prescription
	err := tx.Get(&pres, `SELECT id, patient_id, doctor_id, status, expires_at, created_at FROM prescriptions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, domain.Infra("dispense: load prescription", err)
	}
	if err := tx.Select(&pres.Items, `SELECT id, prescription_id, medicine_id, quantity, dosage, frequency, is_dispensed, dispensed_at, dispensed_by FROM prescription_items WHERE prescription_id = ? ORDER BY id`, id); err != nil {
		return nil, domain.Infra("dispense: load prescription items", err)
	}
	return &pres, nil
}

func (e *Engine) medicineTx(tx *sqlx.Tx, id int64) (*domain.Medicine, error) {
	var med domain.Medicine
	err := tx.Get(&med, `SELECT id, name, batch_no, unit_price, stock, min_stock, expiry_date, created_at FROM medicines WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, domain.Infra("dispense: load medicine", err)
	}
	return &med, nil
}

// expired reports whether a stored expiry date lies in the past. Dates are
// either plain days or RFC3339 timestamps.
func expired(expiresAt *string, now time.Time) bool {
	if expiresAt == nil || *expiresAt == "" {
		return false
	}
	if t, err := time.Parse("2006-01-02", *expiresAt); err == nil {
		return t.Before(now.Truncate(24 * time.Hour))
	}
	if t, err := time.Parse(time.RFC3339, *expiresAt); err == nil {
		return t.Before(now)
	}
	return false
}
