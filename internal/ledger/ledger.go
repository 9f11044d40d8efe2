// Package ledger owns per-medicine stock counts and the append-only
// transaction log. It is the single enforcement point for the
// non-negative-stock invariant: no other code path decrements stock.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"pharmaledger/m/domain"
)

type Ledger struct {
	db  *sqlx.DB
	log zerolog.Logger
}

func New(db *sqlx.DB, log zerolog.Logger) *Ledger {
	return &Ledger{db: db, log: log.With().Str("component", "ledger").Logger()}
}

// ReserveAndDeductTx atomically checks that the medicine has at least qty
// units, decrements the stock and appends a SALE transaction, all within
// the caller's transaction. The conditional UPDATE closes the
// check-then-act race: two concurrent deductions can never both succeed
// when only one should.
func (l *Ledger) ReserveAndDeductTx(tx *sqlx.Tx, medicineID, qty int64, reference, actor string) (*domain.StockTransaction, error) {
	if qty <= 0 {
		return nil, domain.Validationf("deduct quantity must be positive, got %d", qty)
	}

	var med struct {
		UnitPrice float64 `db:"unit_price"`
		Stock     int64   `db:"stock"`
	}
	err := tx.Get(&med, `SELECT unit_price, stock FROM medicines WHERE id = ?`, medicineID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, domain.Infra("ledger: load medicine", err)
	}

	res, err := tx.Exec(`UPDATE medicines SET stock = stock - ? WHERE id = ? AND stock >= ?`, qty, medicineID, qty)
	if err != nil {
		return nil, domain.Infra("ledger: deduct stock", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, domain.Infra("ledger: deduct stock", err)
	}
	if affected == 0 {
		l.log.Warn().Int64("medicine_id", medicineID).Int64("requested", qty).Int64("stock", med.Stock).Msg("insufficient stock")
		return nil, &domain.InsufficientStockError{MedicineIDs: []int64{medicineID}}
	}

	return l.appendTx(tx, medicineID, domain.TxnSale, -qty, med.UnitPrice, reference, actor)
}

// Adjust applies a signed correction for receipts, returns and manual
// adjustments. A delta that would take the stock negative is rejected, not
// floored. SALE entries only ever come from ReserveAndDeductTx.
func (l *Ledger) Adjust(ctx context.Context, medicineID, delta int64, kind, reference, actor string) (*domain.StockTransaction, error) {
	if delta == 0 {
		return nil, domain.Validationf("adjustment delta must be non-zero")
	}
	if !domain.ValidTxnKind(kind) || kind == domain.TxnSale {
		return nil, domain.Validationf("invalid adjustment kind %q", kind)
	}

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, domain.Infra("ledger: begin adjust", err)
	}
	defer tx.Rollback()

	var med struct {
		UnitPrice float64 `db:"unit_price"`
		Stock     int64   `db:"stock"`
	}
	err = tx.Get(&med, `SELECT unit_price, stock FROM medicines WHERE id = ?`, medicineID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, domain.Infra("ledger: load medicine", err)
	}

	res, err := tx.Exec(`UPDATE medicines SET stock = stock + ? WHERE id = ? AND stock + ? >= 0`, delta, medicineID, delta)
	if err != nil {
		return nil, domain.Infra("ledger: adjust stock", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, domain.Infra("ledger: adjust stock", err)
	}
	if affected == 0 {
		return nil, &domain.InsufficientStockError{MedicineIDs: []int64{medicineID}}
	}

	txn, err := l.appendTx(tx, medicineID, kind, delta, med.UnitPrice, reference, actor)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, domain.Infra("ledger: commit adjust", err)
	}
	l.log.Info().Int64("medicine_id", medicineID).Str("kind", kind).Int64("delta", delta).Str("reference", reference).Msg("stock adjusted")
	return txn, nil
}

func (l *Ledger) appendTx(tx *sqlx.Tx, medicineID int64, kind string, delta int64, unitPrice float64, reference, actor string) (*domain.StockTransaction, error) {
	res, err := tx.Exec(`INSERT INTO stock_transactions (medicine_id, kind, delta, unit_price, reference, actor) VALUES (?, ?, ?, ?, ?, ?)`,
		medicineID, kind, delta, unitPrice, reference, actor)
	if err != nil {
		return nil, domain.Infra("ledger: append transaction", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, domain.Infra("ledger: append transaction", err)
	}
	return &domain.StockTransaction{
		ID:         id,
		MedicineID: medicineID,
		Kind:       kind,
		Delta:      delta,
		UnitPrice:  unitPrice,
		Reference:  reference,
		Actor:      actor,
	}, nil
}

// Balance returns the current stock for a medicine. It always equals the
// running sum of that medicine's transactions.
func (l *Ledger) Balance(ctx context.Context, medicineID int64) (int64, error) {
	var stock int64
	err := l.db.GetContext(ctx, &stock, `SELECT stock FROM medicines WHERE id = ?`, medicineID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, domain.Infra("ledger: balance", err)
	}
	return stock, nil
}

// TransactionSum is the reconciliation counterpart of Balance: the sum of
// all recorded deltas for the medicine, on top of its opening stock of
// zero. Receipts seed stock through Adjust, so the two must always agree.
func (l *Ledger) TransactionSum(ctx context.Context, medicineID int64) (int64, error) {
	var sum int64
	err := l.db.GetContext(ctx, &sum, `SELECT COALESCE(SUM(delta), 0) FROM stock_transactions WHERE medicine_id = ?`, medicineID)
	if err != nil {
		return 0, domain.Infra("ledger: transaction sum", err)
	}
	return sum, nil
}

// Transactions lists the append-only log for a medicine, oldest first.
func (l *Ledger) Transactions(ctx context.Context, medicineID int64) ([]domain.StockTransaction, error) {
	var txns []domain.StockTransaction
	err := l.db.SelectContext(ctx, &txns, `SELECT id, medicine_id, kind, delta, unit_price, reference, actor, created_at FROM stock_transactions WHERE medicine_id = ? ORDER BY id`, medicineID)
	if err != nil {
		return nil, domain.Infra("ledger: list transactions", err)
	}
	return txns, nil
}

// Medicine loads a catalog row by id.
func (l *Ledger) Medicine(ctx context.Context, medicineID int64) (*domain.Medicine, error) {
	var med domain.Medicine
	err := l.db.GetContext(ctx, &med, `SELECT id, name, batch_no, unit_price, stock, min_stock, expiry_date, created_at FROM medicines WHERE id = ?`, medicineID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, domain.Infra("ledger: load medicine", err)
	}
	return &med, nil
}

// LowStock lists medicines at or below their minimum-stock threshold.
func (l *Ledger) LowStock(ctx context.Context) ([]domain.Medicine, error) {
	var meds []domain.Medicine
	err := l.db.SelectContext(ctx, &meds, `SELECT id, name, batch_no, unit_price, stock, min_stock, expiry_date, created_at FROM medicines WHERE min_stock > 0 AND stock <= min_stock ORDER BY stock`)
	if err != nil {
		return nil, domain.Infra("ledger: low stock", err)
	}
	return meds, nil
}

// ExpiringSoon lists medicines with remaining stock that expire within the
// given number of days.
func (l *Ledger) ExpiringSoon(ctx context.Context, days int) ([]domain.Medicine, error) {
	if days <= 0 {
		days = 30
	}
	var meds []domain.Medicine
	err := l.db.SelectContext(ctx, &meds, `SELECT id, name, batch_no, unit_price, stock, min_stock, expiry_date, created_at
        FROM medicines
        WHERE stock > 0 AND expiry_date IS NOT NULL AND expiry_date <= date('now', ?)
        ORDER BY expiry_date`, fmt.Sprintf("+%d days", days))
	if err != nil {
		return nil, domain.Infra("ledger: expiry alerts", err)
	}
	return meds, nil
}
