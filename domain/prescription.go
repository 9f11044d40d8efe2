package domain

// Prescription statuses.
const (
	PrescriptionPending            = "PENDING"
	PrescriptionPartiallyDispensed = "PARTIALLY_DISPENSED"
	PrescriptionDispensed          = "DISPENSED"
	PrescriptionExpired            = "EXPIRED"
	PrescriptionCancelled          = "CANCELLED"
)

type Prescription struct {
	ID        int64   `db:"id" json:"id"`
	PatientID int64   `db:"patient_id" json:"patient_id"`
	DoctorID  int64   `db:"doctor_id" json:"doctor_id"`
	Status    string  `db:"status" json:"status"`
	ExpiresAt *string `db:"expires_at" json:"expires_at,omitempty"`
	CreatedAt string  `db:"created_at" json:"created_at"`

	Items []PrescriptionItem `db:"-" json:"items,omitempty"`
}

// PrescriptionItem is one prescribed medicine line. IsDispensed moves
// false -> true exactly once; the engine never reverses it.
type PrescriptionItem struct {
	ID             int64   `db:"id" json:"id"`
	PrescriptionID int64   `db:"prescription_id" json:"prescription_id"`
	MedicineID     int64   `db:"medicine_id" json:"medicine_id"`
	Quantity       int64   `db:"quantity" json:"quantity"`
	Dosage         string  `db:"dosage" json:"dosage,omitempty"`
	Frequency      string  `db:"frequency" json:"frequency,omitempty"`
	IsDispensed    bool    `db:"is_dispensed" json:"is_dispensed"`
	DispensedAt    *string `db:"dispensed_at" json:"dispensed_at,omitempty"`
	DispensedBy    *string `db:"dispensed_by" json:"dispensed_by,omitempty"`
}
