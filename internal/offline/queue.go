// Package offline buffers dispensing and billing requests on the terminal
// while it has no connectivity, then replays them in order against the
// server once it returns. The operation id doubles as the idempotency key,
// so an interrupted replay is always safe to resume.
package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"pharmaledger/m/domain"
)

// Submitter delivers a captured operation to the server side. The engine
// adapter implements it in-process; a remote terminal would implement it
// over HTTP.
type Submitter interface {
	Submit(ctx context.Context, op domain.OfflineOperation) error
}

type Queue struct {
	db        *sqlx.DB
	submitter Submitter
	log       zerolog.Logger
}

func New(db *sqlx.DB, submitter Submitter, log zerolog.Logger) *Queue {
	return &Queue{db: db, submitter: submitter, log: log.With().Str("component", "offline").Logger()}
}

// Enqueue captures a request for later replay. The operation is durable the
// moment this returns: it survives process restarts.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload any) (*domain.OfflineOperation, error) {
	if kind != domain.OpDispense && kind != domain.OpStandaloneBill {
		return nil, domain.Validationf("unknown operation kind %q", kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, domain.Validationf("unencodable payload: %v", err)
	}

	id := uuid.NewString()
	if _, err := q.db.ExecContext(ctx, `INSERT INTO offline_operations (id, kind, payload, status) VALUES (?, ?, ?, ?)`,
		id, kind, raw, domain.OpQueued); err != nil {
		return nil, domain.Infra("offline: enqueue", err)
	}
	q.log.Info().Str("op_id", id).Str("kind", kind).Msg("operation queued")
	return q.Operation(ctx, id)
}

// DrainReport summarizes one Drain pass.
type DrainReport struct {
	Synced   int `json:"synced"`
	Failed   int `json:"failed"`
	Deferred int `json:"deferred"`
}

// Drain replays operations in enqueue order, one at a time. A business
// rejection marks the operation FAILED for operator attention and moves on;
// a transport or storage failure leaves it QUEUED and stops the pass, since
// later operations may depend on earlier ones having reached the server.
// Operations stuck in SYNCING from a crashed pass are retried: the server
// side is idempotent on the operation id.
func (q *Queue) Drain(ctx context.Context) (DrainReport, error) {
	var report DrainReport
	var ops []domain.OfflineOperation
	err := q.db.SelectContext(ctx, &ops, `SELECT seq, id, kind, payload, status, attempts, last_error, created_at
        FROM offline_operations WHERE status IN (?, ?) ORDER BY seq`, domain.OpQueued, domain.OpSyncing)
	if err != nil {
		return report, domain.Infra("offline: list queued", err)
	}

	for i, op := range ops {
		if _, err := q.db.ExecContext(ctx, `UPDATE offline_operations SET status = ?, attempts = attempts + 1 WHERE id = ?`,
			domain.OpSyncing, op.ID); err != nil {
			return report, domain.Infra("offline: mark syncing", err)
		}

		submitErr := q.submitter.Submit(ctx, op)
		switch {
		case submitErr == nil:
			if _, err := q.db.ExecContext(ctx, `UPDATE offline_operations SET status = ?, last_error = NULL WHERE id = ?`,
				domain.OpSynced, op.ID); err != nil {
				return report, domain.Infra("offline: mark synced", err)
			}
			report.Synced++
			q.log.Info().Str("op_id", op.ID).Msg("operation synced")

		case domain.IsRetryable(submitErr):
			if _, err := q.db.ExecContext(ctx, `UPDATE offline_operations SET status = ?, last_error = ? WHERE id = ?`,
				domain.OpQueued, submitErr.Error(), op.ID); err != nil {
				return report, domain.Infra("offline: requeue", err)
			}
			report.Deferred = len(ops) - i
			q.log.Warn().Str("op_id", op.ID).Err(submitErr).Msg("sync deferred, will retry on next drain")
			return report, nil

		default:
			if _, err := q.db.ExecContext(ctx, `UPDATE offline_operations SET status = ?, last_error = ? WHERE id = ?`,
				domain.OpFailed, submitErr.Error(), op.ID); err != nil {
				return report, domain.Infra("offline: mark failed", err)
			}
			report.Failed++
			q.log.Warn().Str("op_id", op.ID).Err(submitErr).Msg("operation rejected, needs operator attention")
		}
	}
	return report, nil
}

// PendingCount is the number of operations still waiting on a sync or a
// human decision.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM offline_operations WHERE status IN (?, ?, ?)`,
		domain.OpQueued, domain.OpSyncing, domain.OpFailed)
	if err != nil {
		return 0, domain.Infra("offline: pending count", err)
	}
	return n, nil
}

// Counts splits "will sync automatically" from "needs a human decision".
func (q *Queue) Counts(ctx context.Context) (pending, needsAttention int64, err error) {
	if err = q.db.GetContext(ctx, &pending, `SELECT COUNT(*) FROM offline_operations WHERE status IN (?, ?)`,
		domain.OpQueued, domain.OpSyncing); err != nil {
		return 0, 0, domain.Infra("offline: counts", err)
	}
	if err = q.db.GetContext(ctx, &needsAttention, `SELECT COUNT(*) FROM offline_operations WHERE status = ?`,
		domain.OpFailed); err != nil {
		return 0, 0, domain.Infra("offline: counts", err)
	}
	return pending, needsAttention, nil
}

// Cancel withdraws an operation that has not started syncing yet. Once a
// replay is in flight the operation must run to completion and be reversed
// through a compensating adjustment instead.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM offline_operations WHERE id = ? AND status = ?`, id, domain.OpQueued)
	if err != nil {
		return domain.Infra("offline: cancel", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Infra("offline: cancel", err)
	}
	if affected == 1 {
		q.log.Info().Str("op_id", id).Msg("operation cancelled")
		return nil
	}
	if _, err := q.Operation(ctx, id); err != nil {
		return err
	}
	return domain.Validationf("operation %s is no longer cancellable", id)
}

// Retry flips a FAILED operation back to QUEUED after an operator decision.
// Drain never does this on its own: retrying a business rejection without a
// human in the loop would not change the outcome.
func (q *Queue) Retry(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `UPDATE offline_operations SET status = ?, last_error = NULL WHERE id = ? AND status = ?`,
		domain.OpQueued, id, domain.OpFailed)
	if err != nil {
		return domain.Infra("offline: retry", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Infra("offline: retry", err)
	}
	if affected == 1 {
		return nil
	}
	if _, err := q.Operation(ctx, id); err != nil {
		return err
	}
	return domain.Validationf("operation %s is not in a failed state", id)
}

// Purge removes synced operations from local storage.
func (q *Queue) Purge(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM offline_operations WHERE status = ?`, domain.OpSynced)
	if err != nil {
		return 0, domain.Infra("offline: purge", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, domain.Infra("offline: purge", err)
	}
	if n > 0 {
		q.log.Info().Int64("purged", n).Msg("synced operations purged")
	}
	return n, nil
}

// Operation loads a single operation by id.
func (q *Queue) Operation(ctx context.Context, id string) (*domain.OfflineOperation, error) {
	var op domain.OfflineOperation
	err := q.db.GetContext(ctx, &op, `SELECT seq, id, kind, payload, status, attempts, last_error, created_at FROM offline_operations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, domain.Infra("offline: load operation", err)
	}
	return &op, nil
}

// Operations lists every stored operation in enqueue order.
func (q *Queue) Operations(ctx context.Context) ([]domain.OfflineOperation, error) {
	var ops []domain.OfflineOperation
	err := q.db.SelectContext(ctx, &ops, `SELECT seq, id, kind, payload, status, attempts, last_error, created_at FROM offline_operations ORDER BY seq`)
	if err != nil {
		return nil, domain.Infra("offline: list operations", err)
	}
	return ops, nil
}
