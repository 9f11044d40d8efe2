package domain

// Bill payment statuses.
const (
	PaymentPending  = "PENDING"
	PaymentPaid     = "PAID"
	PaymentPartial  = "PARTIAL"
	PaymentRefunded = "REFUNDED"
)

// Bill item types.
const (
	BillItemMedicine = "medicine"
	BillItemService  = "service"
	BillItemOther    = "other"
)

// Bill is a charge record. FinalAmount is always
// TotalAmount - Discount + Tax.
type Bill struct {
	ID            int64   `db:"id" json:"id"`
	PatientID     int64   `db:"patient_id" json:"patient_id"`
	ParentBillID  *int64  `db:"parent_bill_id" json:"parent_bill_id,omitempty"`
	TotalAmount   float64 `db:"total_amount" json:"total_amount"`
	Discount      float64 `db:"discount" json:"discount"`
	Tax           float64 `db:"tax" json:"tax"`
	FinalAmount   float64 `db:"final_amount" json:"final_amount"`
	PaidAmount    float64 `db:"paid_amount" json:"paid_amount"`
	PaymentStatus string  `db:"payment_status" json:"payment_status"`
	CreatedBy     string  `db:"created_by" json:"created_by"`
	CreatedAt     string  `db:"created_at" json:"created_at"`

	Items []BillItem `db:"-" json:"items,omitempty"`
}

type BillItem struct {
	ID        int64   `db:"id" json:"id"`
	BillID    int64   `db:"bill_id" json:"bill_id"`
	ItemType  string  `db:"item_type" json:"item_type"`
	Name      string  `db:"name" json:"name"`
	Quantity  int64   `db:"quantity" json:"quantity"`
	UnitPrice float64 `db:"unit_price" json:"unit_price"`
	LineTotal float64 `db:"line_total" json:"line_total"`
}
