package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inkwell-press/inkwell/internal/store"
	"github.com/inkwell-press/inkwell/internal/types"
)

// CreateReport inserts a queued report. The whole admission runs in one
// transaction under a per-owner advisory lock, so the idempotency lookup, the
// active-report count and the insert cannot interleave with a concurrent
// create for the same owner. The partial unique index on
// (manuscript_id, pipeline_spec_id) over non-terminal rows is the backstop
// for the idempotency guarantee.
func (db *DB) CreateReport(ctx context.Context, manuscriptID uuid.UUID, specID string, ownerID uuid.UUID, maxActive int) (uuid.UUID, bool, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to begin report create: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, ownerID,
	); err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to lock owner admission: %w", err)
	}

	// Resubmit of a live report lands on the existing row.
	var id uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT id FROM reports
		 WHERE manuscript_id = $1 AND pipeline_spec_id = $2 AND status IN ('queued', 'running')`,
		manuscriptID, specID,
	).Scan(&id)
	if err == nil {
		return id, false, tx.Commit(ctx)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, fmt.Errorf("failed to resolve existing report: %w", err)
	}

	if maxActive > 0 {
		var active int
		err = tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM reports WHERE owner_id = $1 AND status IN ('queued', 'running')`,
			ownerID,
		).Scan(&active)
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("failed to count active reports: %w", err)
		}
		if active >= maxActive {
			return uuid.Nil, false, &store.ErrActiveLimit{OwnerID: ownerID, Active: active, Max: maxActive}
		}
	}

	id = uuid.New()
	if _, err := tx.Exec(ctx,
		`INSERT INTO reports (id, manuscript_id, owner_id, pipeline_spec_id, status)
		 VALUES ($1, $2, $3, $4, 'queued')`,
		id, manuscriptID, ownerID, specID,
	); err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to create report: %w", err)
	}
	return id, true, tx.Commit(ctx)
}

// GetReport rehydrates a report with all agent results. Returns (nil, nil)
// when missing.
func (db *DB) GetReport(ctx context.Context, id uuid.UUID) (*types.Report, error) {
	var r types.Report
	var errsJSON []byte
	err := db.pool.QueryRow(ctx,
		`SELECT id, manuscript_id, owner_id, pipeline_spec_id, status,
		        started_at, completed_at, total_cost_usd, errors
		 FROM reports WHERE id = $1`,
		id,
	).Scan(&r.ID, &r.ManuscriptID, &r.OwnerID, &r.PipelineSpecID, &r.Status,
		&r.StartedAt, &r.CompletedAt, &r.TotalCostUSD, &errsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	if len(errsJSON) > 0 {
		if err := json.Unmarshal(errsJSON, &r.Errors); err != nil {
			return nil, fmt.Errorf("failed to decode report errors: %w", err)
		}
	}

	rows, err := db.pool.Query(ctx,
		`SELECT agent_kind, status, payload_ref, error, cost_usd, duration_ns, call_ids
		 FROM agent_results WHERE report_id = $1`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get agent results: %w", err)
	}
	defer rows.Close()

	r.Results = make(map[types.AgentKind]types.AgentResult)
	for rows.Next() {
		res := types.AgentResult{ReportID: r.ID, ManuscriptID: r.ManuscriptID}
		var errJSON []byte
		var durationNS int64
		if err := rows.Scan(&res.Kind, &res.Status, &res.PayloadRef, &errJSON, &res.CostUSD, &durationNS, &res.CallIDs); err != nil {
			return nil, fmt.Errorf("failed to scan agent result: %w", err)
		}
		res.Duration = time.Duration(durationNS)
		if len(errJSON) > 0 {
			if err := json.Unmarshal(errJSON, &res.Error); err != nil {
				return nil, fmt.Errorf("failed to decode agent result error: %w", err)
			}
		}
		r.Results[res.Kind] = res
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read agent results: %w", err)
	}
	return &r, nil
}

// Transition moves a report from -> to with a compare-and-set on the status
// column.
func (db *DB) Transition(ctx context.Context, id uuid.UUID, from, to types.ReportStatus) error {
	if !types.CanTransition(from, to) {
		return &store.ErrInvalidTransition{ReportID: id, From: from, To: to}
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE reports SET status = $1,
		        completed_at = CASE WHEN $1 IN ('complete', 'partial', 'failed') THEN NOW() ELSE completed_at END
		 WHERE id = $2 AND status = $3`,
		to, id, from,
	)
	if err != nil {
		return fmt.Errorf("failed to transition report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.transitionConflict(ctx, id, to)
	}
	return nil
}

// Complete atomically lands a report in a terminal state with its total cost
// and surfaced errors.
func (db *DB) Complete(ctx context.Context, id uuid.UUID, to types.ReportStatus, totalCostUSD float64, errs []types.ReportError) error {
	if !to.Terminal() {
		return &store.ErrInvalidTransition{ReportID: id, To: to}
	}
	errsJSON, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("failed to encode report errors: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE reports
		 SET status = $1, completed_at = NOW(), total_cost_usd = $2, errors = $3
		 WHERE id = $4 AND status IN ('queued', 'running')
		   AND NOT (status = 'queued' AND $1 <> 'failed')`,
		to, totalCostUSD, errsJSON, id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.transitionConflict(ctx, id, to)
	}
	return nil
}

// PutAgentResult upserts one agent's result. The status guard in the
// subquery refuses writes against terminal reports.
func (db *DB) PutAgentResult(ctx context.Context, reportID uuid.UUID, result *types.AgentResult) error {
	var errJSON []byte
	if result.Error != nil {
		var err error
		errJSON, err = json.Marshal(result.Error)
		if err != nil {
			return fmt.Errorf("failed to encode agent result error: %w", err)
		}
	}
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO agent_results (report_id, agent_kind, status, payload_ref, error, cost_usd, duration_ns, call_ids)
		 SELECT r.id, $2, $3, $4, $5, $6, $7, $8
		 FROM reports r WHERE r.id = $1 AND r.status IN ('queued', 'running')
		 ON CONFLICT (report_id, agent_kind)
		 DO UPDATE SET status = $3, payload_ref = $4, error = $5, cost_usd = $6, duration_ns = $7, call_ids = $8`,
		reportID, result.Kind, result.Status, result.PayloadRef, errJSON,
		result.CostUSD, result.Duration.Nanoseconds(), result.CallIDs,
	)
	if err != nil {
		return fmt.Errorf("failed to put agent result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.transitionConflict(ctx, reportID, "")
	}
	return nil
}

// CountActive returns the owner's queued or running reports.
func (db *DB) CountActive(ctx context.Context, ownerID uuid.UUID) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM reports WHERE owner_id = $1 AND status IN ('queued', 'running')`,
		ownerID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active reports: %w", err)
	}
	return n, nil
}

// ListStuckRunning returns running reports started before the cutoff.
func (db *DB) ListStuckRunning(ctx context.Context, cutoff time.Time) ([]types.Report, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, manuscript_id, owner_id, pipeline_spec_id, status, started_at, total_cost_usd
		 FROM reports WHERE status = 'running' AND started_at < $1
		 ORDER BY started_at`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck reports: %w", err)
	}
	defer rows.Close()

	var out []types.Report
	for rows.Next() {
		var r types.Report
		if err := rows.Scan(&r.ID, &r.ManuscriptID, &r.OwnerID, &r.PipelineSpecID, &r.Status, &r.StartedAt, &r.TotalCostUSD); err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// transitionConflict resolves a zero-row update to the precise error.
func (db *DB) transitionConflict(ctx context.Context, id uuid.UUID, to types.ReportStatus) error {
	var current types.ReportStatus
	err := db.pool.QueryRow(ctx, `SELECT status FROM reports WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return &store.ErrNotFound{Kind: "report", ID: id}
	}
	if err != nil {
		return fmt.Errorf("failed to read report status: %w", err)
	}
	if to == "" {
		to = current
	}
	return &store.ErrInvalidTransition{ReportID: id, From: current, To: to}
}
