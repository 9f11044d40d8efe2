package domain

// Medicine is a catalog row with its authoritative stock count. Stock is
// only ever decremented through the ledger package.
type Medicine struct {
	ID         int64   `db:"id" json:"id"`
	Name       string  `db:"name" json:"name"`
	BatchNo    string  `db:"batch_no" json:"batch_no"`
	UnitPrice  float64 `db:"unit_price" json:"unit_price"`
	Stock      int64   `db:"stock" json:"stock"`
	MinStock   int64   `db:"min_stock" json:"min_stock"`
	ExpiryDate *string `db:"expiry_date" json:"expiry_date,omitempty"`
	CreatedAt  string  `db:"created_at" json:"created_at,omitempty"`
}

// Stock transaction kinds.
const (
	TxnReceipt    = "RECEIPT"
	TxnSale       = "SALE"
	TxnAdjustment = "ADJUSTMENT"
	TxnReturn     = "RETURN"
)

// StockTransaction is one entry in the append-only stock log. Delta is
// signed: negative for sales, positive for receipts and returns.
type StockTransaction struct {
	ID         int64   `db:"id" json:"id"`
	MedicineID int64   `db:"medicine_id" json:"medicine_id"`
	Kind       string  `db:"kind" json:"kind"`
	Delta      int64   `db:"delta" json:"delta"`
	UnitPrice  float64 `db:"unit_price" json:"unit_price"`
	Reference  string  `db:"reference" json:"reference,omitempty"`
	Actor      string  `db:"actor" json:"actor"`
	CreatedAt  string  `db:"created_at" json:"created_at"`
}

// ValidTxnKind reports whether kind is one of the four transaction kinds.
func ValidTxnKind(kind string) bool {
	switch kind {
	case TxnReceipt, TxnSale, TxnAdjustment, TxnReturn:
		return true
	}
	return false
}
