package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/inkwell-press/inkwell/internal/types"
)

// Append inserts one immutable ledger row. Fills ID, CreatedAt and Kind
// when unset.
func (db *DB) Append(ctx context.Context, call *types.AgentCall) error {
	if call.ID == uuid.Nil {
		call.ID = uuid.New()
	}
	if call.Kind == "" {
		call.Kind = types.LedgerCall
	}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO agent_calls (id, owner_id, report_id, agent_kind, prompt_version, chunk_ordinal,
		                          input_hash, model, tokens_in, tokens_out, price_usd, status, wall_ns, attempt, kind)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 RETURNING created_at`,
		call.ID, call.OwnerID, call.ReportID, call.Agent, call.PromptVersion, call.ChunkOrdinal,
		call.InputHash, call.Model, call.TokensIn, call.TokensOut, call.PriceUSD, call.Status,
		call.WallTime.Nanoseconds(), call.Attempt, call.Kind,
	).Scan(&call.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append ledger row: %w", err)
	}
	return nil
}

// ListForReport returns every ledger row of a report in insertion order.
func (db *DB) ListForReport(ctx context.Context, reportID uuid.UUID) ([]types.AgentCall, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, owner_id, report_id, agent_kind, prompt_version, chunk_ordinal,
		        input_hash, model, tokens_in, tokens_out, price_usd, status, wall_ns, attempt, kind, created_at
		 FROM agent_calls WHERE report_id = $1
		 ORDER BY created_at, id`,
		reportID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger rows: %w", err)
	}
	defer rows.Close()

	var out []types.AgentCall
	for rows.Next() {
		var c types.AgentCall
		var wallNS int64
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.ReportID, &c.Agent, &c.PromptVersion, &c.ChunkOrdinal,
			&c.InputHash, &c.Model, &c.TokensIn, &c.TokensOut, &c.PriceUSD, &c.Status, &wallNS, &c.Attempt, &c.Kind, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger row: %w", err)
		}
		c.WallTime = time.Duration(wallNS)
		out = append(out, c)
	}
	return out, rows.Err()
}

// SumForReport totals price across every call row of a report.
func (db *DB) SumForReport(ctx context.Context, reportID uuid.UUID) (float64, error) {
	var sum float64
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(price_usd), 0) FROM agent_calls WHERE report_id = $1`,
		reportID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum report spend: %w", err)
	}
	return sum, nil
}

// SumForOwner totals an owner's spend since the given time.
func (db *DB) SumForOwner(ctx context.Context, ownerID uuid.UUID, since time.Time) (float64, error) {
	var sum float64
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(price_usd), 0) FROM agent_calls WHERE owner_id = $1 AND created_at >= $2`,
		ownerID, since,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum owner spend: %w", err)
	}
	return sum, nil
}
