package seed

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

// LoadMedicines ingests the CSV catalog into the medicines table, ignoring
// duplicates. Rows are seeded with zero stock: receipts arrive through the
// ledger so the transaction log stays reconcilable.
func LoadMedicines(db *sqlx.DB, csvPath string, log zerolog.Logger) {
	file, err := os.Open(csvPath)
	if err != nil {
		log.Warn().Err(err).Str("path", csvPath).Msg("unable to load medicine catalog")
		return
	}
	defer file.Close()

	reader := csv.NewReader(file)
	// Skip header
	if _, err := reader.Read(); err != nil {
		log.Warn().Err(err).Msg("unable to read medicine header")
		return
	}

	tx, err := db.Beginx()
	if err != nil {
		log.Warn().Err(err).Msg("unable to start medicine transaction")
		return
	}
	stmt, err := tx.Preparex(`INSERT OR IGNORE INTO medicines (name, batch_no, unit_price, min_stock, expiry_date) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		log.Warn().Err(err).Msg("unable to prepare medicine insert")
		_ = tx.Rollback()
		return
	}
	defer stmt.Close()

	rows := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warn().Err(err).Msg("unable to read medicine row")
			continue
		}
		if len(record) < 5 {
			continue
		}
		name := strings.TrimSpace(record[0])
		batchNo := strings.TrimSpace(record[1])
		price, _ := strconv.ParseFloat(strings.TrimSpace(record[2]), 64)
		minStock, _ := strconv.ParseInt(strings.TrimSpace(record[3]), 10, 64)
		expiry := strings.TrimSpace(record[4])

		if name == "" || price <= 0 {
			continue
		}

		var expiryVal *string
		if expiry != "" {
			expiryVal = &expiry
		}
		if _, err := stmt.Exec(name, batchNo, price, minStock, expiryVal); err != nil {
			log.Warn().Err(err).Str("medicine", name).Msg("unable to insert medicine")
		} else {
			rows++
		}
	}

	if err := tx.Commit(); err != nil {
		log.Warn().Err(err).Msg("unable to commit medicine seed")
	} else {
		log.Info().Int("rows", rows).Msg("seeded medicine catalog")
	}
}
