package offline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"pharmaledger/m/domain"
	"pharmaledger/m/internal/billing"
	"pharmaledger/m/internal/database"
	"pharmaledger/m/internal/dispense"
	"pharmaledger/m/internal/ledger"
	"pharmaledger/m/internal/migrations"
)

type serverFixture struct {
	db     *sqlx.DB
	stocks *ledger.Ledger
	bills  *billing.Store
	engine *dispense.Engine
}

func newServer(t *testing.T) *serverFixture {
	t.Helper()
	db, err := database.Connect(":memory:")
	if err != nil {
		t.Fatalf("connect server db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := migrations.Run(db); err != nil {
		t.Fatalf("migrate server db: %v", err)
	}
	stocks := ledger.New(db, zerolog.Nop())
	bills := billing.New(db, zerolog.Nop())
	return &serverFixture{db: db, stocks: stocks, bills: bills, engine: dispense.New(db, stocks, bills, zerolog.Nop())}
}

func newQueueDB(t *testing.T, dsn string) *sqlx.DB {
	t.Helper()
	db, err := database.Connect(dsn)
	if err != nil {
		t.Fatalf("connect queue db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := migrations.RunOffline(db); err != nil {
		t.Fatalf("migrate queue db: %v", err)
	}
	return db
}

func (s *serverFixture) addMedicine(t *testing.T, name string, price float64, stock int64) int64 {
	t.Helper()
	res, err := s.db.Exec(`INSERT INTO medicines (name, batch_no, unit_price, stock) VALUES (?, 'B-1', ?, 0)`, name, price)
	if err != nil {
		t.Fatalf("insert medicine: %v", err)
	}
	id, _ := res.LastInsertId()
	if stock > 0 {
		if _, err := s.stocks.Adjust(context.Background(), id, stock, domain.TxnReceipt, "seed", "storekeeper"); err != nil {
			t.Fatalf("stock up: %v", err)
		}
	}
	return id
}

func (s *serverFixture) addPrescriptionWithItem(t *testing.T, medID, qty int64) (presID, itemID int64) {
	t.Helper()
	res, err := s.db.Exec(`INSERT INTO prescriptions (patient_id, doctor_id, status) VALUES (7, 3, 'PENDING')`)
	if err != nil {
		t.Fatalf("insert prescription: %v", err)
	}
	presID, _ = res.LastInsertId()
	res, err = s.db.Exec(`INSERT INTO prescription_items (prescription_id, medicine_id, quantity) VALUES (?, ?, ?)`, presID, medID, qty)
	if err != nil {
		t.Fatalf("insert prescription item: %v", err)
	}
	itemID, _ = res.LastInsertId()
	return presID, itemID
}

func dispensePayload(presID, itemID, qty int64) domain.DispenseRequest {
	return domain.DispenseRequest{
		PrescriptionID: presID,
		Items:          []domain.DispenseItem{{PrescriptionItemID: itemID, Quantity: qty}},
		Actor:          "terminal-1",
		Settlement:     domain.SettlementPending,
	}
}

func TestEnqueueAndDrain(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t)
	qdb := newQueueDB(t, ":memory:")
	q := New(qdb, &EngineSubmitter{Engine: srv.engine, Bills: srv.bills}, zerolog.Nop())

	med := srv.addMedicine(t, "Paracetamol", 2.00, 10)
	pres, item := srv.addPrescriptionWithItem(t, med, 4)

	op, err := q.Enqueue(ctx, domain.OpDispense, dispensePayload(pres, item, 4))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if op.Status != domain.OpQueued || op.ID == "" {
		t.Fatalf("unexpected queued op: %+v", op)
	}

	report, err := q.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if report.Synced != 1 || report.Failed != 0 || report.Deferred != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}

	got, err := q.Operation(ctx, op.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.OpSynced || got.Attempts != 1 {
		t.Fatalf("expected SYNCED after 1 attempt, got %+v", got)
	}
	stock, _ := srv.stocks.Balance(ctx, med)
	if stock != 6 {
		t.Fatalf("expected stock 6 after replay, got %d", stock)
	}
}

func TestDrainOrdering(t *testing.T) {
	ctx := context.Background()
	_ = newServer(t)
	qdb := newQueueDB(t, ":memory:")

	var order []string
	recorder := submitterFunc(func(ctx context.Context, op domain.OfflineOperation) error {
		order = append(order, op.ID)
		return nil
	})
	q := New(qdb, recorder, zerolog.Nop())

	var ids []string
	for i := 0; i < 3; i++ {
		op, err := q.Enqueue(ctx, domain.OpDispense, dispensePayload(1, 1, 1))
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, op.ID)
	}
	if _, err := q.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(order) != 3 {
		t.Fatalf("expected 3 submissions, got %d", len(order))
	}
	for i := range ids {
		if order[i] != ids[i] {
			t.Fatalf("replay out of order: enqueued %v, submitted %v", ids, order)
		}
	}
}

type submitterFunc func(ctx context.Context, op domain.OfflineOperation) error

func (f submitterFunc) Submit(ctx context.Context, op domain.OfflineOperation) error {
	return f(ctx, op)
}

func TestDrainBusinessFailure(t *testing.T) {
	// Stock is adjusted down between enqueue and drain; the replay must
	// fail, be marked FAILED with the reason and cause no phantom change.
	ctx := context.Background()
	srv := newServer(t)
	qdb := newQueueDB(t, ":memory:")
	q := New(qdb, &EngineSubmitter{Engine: srv.engine, Bills: srv.bills}, zerolog.Nop())

	med := srv.addMedicine(t, "Insulin", 30.00, 10)
	pres, item := srv.addPrescriptionWithItem(t, med, 8)

	op, err := q.Enqueue(ctx, domain.OpDispense, dispensePayload(pres, item, 8))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Another terminal consumes the stock first.
	if _, err := srv.stocks.Adjust(ctx, med, -7, domain.TxnAdjustment, "audit", "auditor"); err != nil {
		t.Fatalf("adjust: %v", err)
	}

	report, err := q.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if report.Failed != 1 || report.Synced != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	got, err := q.Operation(ctx, op.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.OpFailed || got.LastError == nil {
		t.Fatalf("expected FAILED with reason, got %+v", got)
	}
	stock, _ := srv.stocks.Balance(ctx, med)
	if stock != 3 {
		t.Fatalf("phantom stock change: %d", stock)
	}

	t.Run("failed_needs_manual_retry", func(t *testing.T) {
		// A second drain must not pick the FAILED op up again.
		report, err := q.Drain(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if report.Failed != 0 || report.Synced != 0 {
			t.Fatalf("drain retried a FAILED op: %+v", report)
		}
		// Restock, then the operator requeues it.
		if _, err := srv.stocks.Adjust(ctx, med, 20, domain.TxnReceipt, "PO-9", "storekeeper"); err != nil {
			t.Fatal(err)
		}
		if err := q.Retry(ctx, op.ID); err != nil {
			t.Fatalf("retry: %v", err)
		}
		report, err = q.Drain(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if report.Synced != 1 {
			t.Fatalf("expected retried op to sync: %+v", report)
		}
	})
}

func TestDrainConnectivityFailure(t *testing.T) {
	ctx := context.Background()
	qdb := newQueueDB(t, ":memory:")

	calls := 0
	flaky := submitterFunc(func(ctx context.Context, op domain.OfflineOperation) error {
		calls++
		return domain.Infra("submit", errors.New("connection refused"))
	})
	q := New(qdb, flaky, zerolog.Nop())

	op1, _ := q.Enqueue(ctx, domain.OpDispense, dispensePayload(1, 1, 1))
	op2, _ := q.Enqueue(ctx, domain.OpDispense, dispensePayload(1, 2, 1))

	report, err := q.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if report.Deferred != 2 || report.Synced != 0 || report.Failed != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if calls != 1 {
		t.Fatalf("drain should stop on the first transport failure, submitted %d", calls)
	}
	for _, id := range []string{op1.ID, op2.ID} {
		got, err := q.Operation(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != domain.OpQueued {
			t.Fatalf("transport failure must leave op QUEUED, got %s", got.Status)
		}
	}
}

func TestDrainResumesAfterCrash(t *testing.T) {
	// The app crashed after the server committed but before the client
	// marked SYNCED: the op sits in SYNCING, and the next drain replays it
	// with the same id, receiving the recorded result instead of a second
	// deduction.
	ctx := context.Background()
	srv := newServer(t)
	qdb := newQueueDB(t, ":memory:")
	q := New(qdb, &EngineSubmitter{Engine: srv.engine, Bills: srv.bills}, zerolog.Nop())

	med := srv.addMedicine(t, "Paracetamol", 2.00, 10)
	pres, item := srv.addPrescriptionWithItem(t, med, 4)

	op, err := q.Enqueue(ctx, domain.OpDispense, dispensePayload(pres, item, 4))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Simulate the crashed pass: the server committed under the op id...
	payload := dispensePayload(pres, item, 4)
	payload.IdempotencyKey = op.ID
	if _, err := srv.engine.Dispense(ctx, payload); err != nil {
		t.Fatalf("server-side commit: %v", err)
	}
	// ...but the client only got as far as SYNCING.
	if _, err := qdb.Exec(`UPDATE offline_operations SET status = ?, attempts = 1 WHERE id = ?`, domain.OpSyncing, op.ID); err != nil {
		t.Fatal(err)
	}

	report, err := q.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if report.Synced != 1 {
		t.Fatalf("expected resumed op to sync: %+v", report)
	}
	stock, _ := srv.stocks.Balance(ctx, med)
	if stock != 6 {
		t.Fatalf("resume deducted twice: stock %d", stock)
	}
	var bills int
	if err := srv.db.Get(&bills, `SELECT COUNT(*) FROM bills`); err != nil {
		t.Fatal(err)
	}
	if bills != 1 {
		t.Fatalf("resume duplicated the bill: %d", bills)
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	qdb := newQueueDB(t, ":memory:")
	q := New(qdb, submitterFunc(func(context.Context, domain.OfflineOperation) error { return nil }), zerolog.Nop())

	op, err := q.Enqueue(ctx, domain.OpDispense, dispensePayload(1, 1, 1))
	if err != nil {
		t.Fatal(err)
	}

	t.Run("queued_op_is_cancellable", func(t *testing.T) {
		if err := q.Cancel(ctx, op.ID); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if _, err := q.Operation(ctx, op.ID); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("cancelled op still present: %v", err)
		}
	})

	t.Run("synced_op_is_not", func(t *testing.T) {
		op, err := q.Enqueue(ctx, domain.OpDispense, dispensePayload(1, 2, 1))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := q.Drain(ctx); err != nil {
			t.Fatal(err)
		}
		err = q.Cancel(ctx, op.ID)
		var validation *domain.ValidationError
		if !errors.As(err, &validation) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
	})

	t.Run("unknown_op", func(t *testing.T) {
		if err := q.Cancel(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestCountsAndPurge(t *testing.T) {
	ctx := context.Background()
	qdb := newQueueDB(t, ":memory:")

	reject := submitterFunc(func(ctx context.Context, op domain.OfflineOperation) error {
		if op.Seq == 1 {
			return domain.ErrCannotDispense
		}
		return nil
	})
	q := New(qdb, reject, zerolog.Nop())

	if _, err := q.Enqueue(ctx, domain.OpDispense, dispensePayload(1, 1, 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, domain.OpDispense, dispensePayload(1, 2, 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, domain.OpStandaloneBill, domain.StandaloneBillRequest{PatientID: 1}); err != nil {
		t.Fatal(err)
	}

	n, err := q.PendingCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("expected 3 pending, got %d", n)
	}

	if _, err := q.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	pending, attention, err := q.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if pending != 0 || attention != 1 {
		t.Fatalf("expected 0 pending / 1 needing attention, got %d / %d", pending, attention)
	}

	purged, err := q.Purge(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if purged != 2 {
		t.Fatalf("expected 2 synced ops purged, got %d", purged)
	}
	ops, err := q.Operations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 1 || ops[0].Status != domain.OpFailed {
		t.Fatalf("purge removed the wrong ops: %+v", ops)
	}
}

func TestQueueSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "queue.db")

	db, err := database.Connect(dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := migrations.RunOffline(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	q := New(db, submitterFunc(func(context.Context, domain.OfflineOperation) error { return nil }), zerolog.Nop())
	op, err := q.Enqueue(ctx, domain.OpDispense, dispensePayload(1, 1, 1))
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	// "Restart" the terminal.
	db2 := newQueueDB(t, dsn)
	q2 := New(db2, submitterFunc(func(context.Context, domain.OfflineOperation) error { return nil }), zerolog.Nop())
	got, err := q2.Operation(ctx, op.ID)
	if err != nil {
		t.Fatalf("operation lost across restart: %v", err)
	}
	if got.Status != domain.OpQueued {
		t.Fatalf("expected QUEUED after restart, got %s", got.Status)
	}
	report, err := q2.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Synced != 1 {
		t.Fatalf("expected restored op to drain: %+v", report)
	}
}
