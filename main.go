package main

import (
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"pharmaledger/m/internal/api"
	"pharmaledger/m/internal/billing"
	"pharmaledger/m/internal/config"
	"pharmaledger/m/internal/database"
	"pharmaledger/m/internal/dispense"
	"pharmaledger/m/internal/ledger"
	"pharmaledger/m/internal/migrations"
	"pharmaledger/m/internal/offline"
	"pharmaledger/m/internal/seed"
)

func main() {
	_ = godotenv.Load()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg := config.Load()

	db, err := database.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	if err := migrations.Run(db); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
	seed.LoadMedicines(db, "assets/medicine.csv", log)

	offlineDB, err := database.Connect(cfg.OfflineDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open offline queue store")
	}
	defer offlineDB.Close()
	if err := migrations.RunOffline(offlineDB); err != nil {
		log.Fatal().Err(err).Msg("offline queue migration failed")
	}

	stocks := ledger.New(db, log)
	bills := billing.New(db, log)
	engine := dispense.New(db, stocks, bills, log)
	queue := offline.New(offlineDB, &offline.EngineSubmitter{Engine: engine, Bills: bills}, log)

	handler := api.New(db, cfg.Secret, engine, stocks, bills, queue, log)

	log.Info().Str("port", cfg.HTTPPort).Msg("PharmaLedger server starting")
	if err := http.ListenAndServe(":"+cfg.HTTPPort, handler.Router()); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}
