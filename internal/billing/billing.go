// Package billing owns bill and bill-item records. During dispensing it
// writes inside the engine's transaction; it also serves standalone
// non-pharmacy charges.
package billing

import (
	"context"
	"database/sql"
	"errors"
	"math"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"pharmaledger/m/domain"
)

type Store struct {
	db  *sqlx.DB
	log zerolog.Logger
}

func New(db *sqlx.DB, log zerolog.Logger) *Store {
	return &Store{db: db, log: log.With().Str("component", "billing").Logger()}
}

// Round2 rounds a money amount to two decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// CreateBillTx inserts a bill and its items within the caller's
// transaction. Line totals and the final amount are recomputed here so the
// stored invariant final = total - discount + tax cannot drift.
func (s *Store) CreateBillTx(tx *sqlx.Tx, bill *domain.Bill, items []domain.BillItem) error {
	if len(items) == 0 {
		return domain.Validationf("bill requires at least one item")
	}

	var total float64
	for i := range items {
		items[i].LineTotal = Round2(items[i].UnitPrice * float64(items[i].Quantity))
		total += items[i].LineTotal
	}
	bill.TotalAmount = Round2(total)
	bill.FinalAmount = Round2(bill.TotalAmount - bill.Discount + bill.Tax)

	res, err := tx.Exec(`INSERT INTO bills (patient_id, parent_bill_id, total_amount, discount, tax, final_amount, paid_amount, payment_status, created_by)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		bill.PatientID, bill.ParentBillID, bill.TotalAmount, bill.Discount, bill.Tax, bill.FinalAmount, bill.PaidAmount, bill.PaymentStatus, bill.CreatedBy)
	if err != nil {
		return domain.Infra("billing: insert bill", err)
	}
	billID, err := res.LastInsertId()
	if err != nil {
		return domain.Infra("billing: insert bill", err)
	}
	bill.ID = billID

	for i := range items {
		items[i].BillID = billID
		res, err := tx.Exec(`INSERT INTO bill_items (bill_id, item_type, name, quantity, unit_price, line_total) VALUES (?, ?, ?, ?, ?, ?)`,
			billID, items[i].ItemType, items[i].Name, items[i].Quantity, items[i].UnitPrice, items[i].LineTotal)
		if err != nil {
			return domain.Infra("billing: insert bill item", err)
		}
		if items[i].ID, err = res.LastInsertId(); err != nil {
			return domain.Infra("billing: insert bill item", err)
		}
	}
	bill.Items = items
	return nil
}

// CreateStandaloneBill records a non-pharmacy charge. When req.OperationID
// is set the call is idempotent: a repeat with the same id returns the
// originally created bill without writing anything.
func (s *Store) CreateStandaloneBill(ctx context.Context, req domain.StandaloneBillRequest) (*domain.Bill, error) {
	if req.PatientID <= 0 {
		return nil, domain.Validationf("patient_id is required")
	}
	if len(req.Items) == 0 {
		return nil, domain.Validationf("at least one bill item is required")
	}
	for _, it := range req.Items {
		if it.Quantity <= 0 || it.UnitPrice <= 0 {
			return nil, domain.Validationf("bill item %q requires positive quantity and unit price", it.Name)
		}
	}
	settlement := req.Settlement
	if settlement == "" {
		settlement = domain.SettlementPending
	}
	if settlement != domain.SettlementImmediate && settlement != domain.SettlementPending {
		return nil, domain.Validationf("invalid settlement mode %q", settlement)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, domain.Infra("billing: begin standalone bill", err)
	}
	defer tx.Rollback()

	if req.OperationID != "" {
		var billID int64
		err := tx.Get(&billID, `SELECT bill_id FROM operations WHERE op_id = ?`, req.OperationID)
		if err == nil {
			s.log.Info().Str("op_id", req.OperationID).Int64("bill_id", billID).Msg("standalone bill replay detected")
			return s.billTx(tx, billID)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, domain.Infra("billing: idempotency lookup", err)
		}
	}

	bill := &domain.Bill{
		PatientID:     req.PatientID,
		ParentBillID:  req.ParentBillID,
		Discount:      req.Discount,
		Tax:           req.Tax,
		PaymentStatus: domain.PaymentPending,
		CreatedBy:     req.Actor,
	}
	items := req.Items
	if err := s.CreateBillTx(tx, bill, items); err != nil {
		return nil, err
	}
	if settlement == domain.SettlementImmediate {
		bill.PaymentStatus = domain.PaymentPaid
		bill.PaidAmount = bill.FinalAmount
		if _, err := tx.Exec(`UPDATE bills SET payment_status = ?, paid_amount = ? WHERE id = ?`, domain.PaymentPaid, bill.PaidAmount, bill.ID); err != nil {
			return nil, domain.Infra("billing: settle bill", err)
		}
	}

	if req.OperationID != "" {
		if _, err := tx.Exec(`INSERT INTO operations (op_id, kind, bill_id) VALUES (?, ?, ?)`, req.OperationID, domain.OpStandaloneBill, bill.ID); err != nil {
			return nil, domain.Infra("billing: record operation", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, domain.Infra("billing: commit standalone bill", err)
	}
	s.log.Info().Int64("bill_id", bill.ID).Int64("patient_id", bill.PatientID).Float64("final_amount", bill.FinalAmount).Msg("standalone bill created")
	return bill, nil
}

// GetBill loads a bill with its items.
func (s *Store) GetBill(ctx context.Context, billID int64) (*domain.Bill, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, domain.Infra("billing: begin load bill", err)
	}
	defer tx.Rollback()
	return s.billTx(tx, billID)
}

func (s *Store) billTx(tx *sqlx.Tx, billID int64) (*domain.Bill, error) {
	var bill domain.Bill
	err := tx.Get(&bill, `SELECT id, patient_id, parent_bill_id, total_amount, discount, tax, final_amount, paid_amount, payment_status, created_by, created_at FROM bills WHERE id = ?`, billID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, domain.Infra("billing: load bill", err)
	}
	if err := tx.Select(&bill.Items, `SELECT id, bill_id, item_type, name, quantity, unit_price, line_total FROM bill_items WHERE bill_id = ? ORDER BY id`, billID); err != nil {
		return nil, domain.Infra("billing: load bill items", err)
	}
	return &bill, nil
}

// BillsForPatient lists a patient's bills, newest first, without items.
func (s *Store) BillsForPatient(ctx context.Context, patientID int64) ([]domain.Bill, error) {
	var bills []domain.Bill
	err := s.db.SelectContext(ctx, &bills, `SELECT id, patient_id, parent_bill_id, total_amount, discount, tax, final_amount, paid_amount, payment_status, created_by, created_at FROM bills WHERE patient_id = ? ORDER BY id DESC`, patientID)
	if err != nil {
		return nil, domain.Infra("billing: list bills", err)
	}
	return bills, nil
}

// RecordPayment applies a payment against a bill, moving it to PARTIAL or
// PAID once the paid amount covers the final amount.
func (s *Store) RecordPayment(ctx context.Context, billID int64, amount float64) (*domain.Bill, error) {
	if amount <= 0 {
		return nil, domain.Validationf("payment amount must be positive")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, domain.Infra("billing: begin payment", err)
	}
	defer tx.Rollback()

	bill, err := s.billTx(tx, billID)
	if err != nil {
		return nil, err
	}
	if bill.PaymentStatus == domain.PaymentRefunded {
		return nil, domain.Validationf("bill %d has been refunded", billID)
	}
	if bill.PaymentStatus == domain.PaymentPaid {
		return nil, domain.Validationf("bill %d is already settled", billID)
	}

	bill.PaidAmount = Round2(bill.PaidAmount + amount)
	if bill.PaidAmount >= bill.FinalAmount {
		bill.PaymentStatus = domain.PaymentPaid
	} else {
		bill.PaymentStatus = domain.PaymentPartial
	}
	if _, err := tx.Exec(`UPDATE bills SET paid_amount = ?, payment_status = ? WHERE id = ?`, bill.PaidAmount, bill.PaymentStatus, billID); err != nil {
		return nil, domain.Infra("billing: record payment", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, domain.Infra("billing: commit payment", err)
	}
	s.log.Info().Int64("bill_id", billID).Float64("amount", amount).Str("status", bill.PaymentStatus).Msg("payment recorded")
	return bill, nil
}

// MarkRefunded flags a bill as refunded. The stock side of a reversal goes
// through the ledger's RETURN adjustment, outside this store.
func (s *Store) MarkRefunded(ctx context.Context, billID int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE bills SET payment_status = ? WHERE id = ?`, domain.PaymentRefunded, billID)
	if err != nil {
		return domain.Infra("billing: mark refunded", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Infra("billing: mark refunded", err)
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
