package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inkwell-press/inkwell/internal/store"
	"github.com/inkwell-press/inkwell/internal/types"
)

// GetQuota returns the owner's plan quota, falling back to the default when
// no row exists.
func (db *DB) GetQuota(ctx context.Context, ownerID uuid.UUID) (*types.Quota, error) {
	var q types.Quota
	err := db.pool.QueryRow(ctx,
		`SELECT owner_id, max_active_reports, max_monthly_cost_usd, max_calls_per_minute
		 FROM owner_quotas WHERE owner_id = $1`,
		ownerID,
	).Scan(&q.OwnerID, &q.MaxActiveReports, &q.MaxMonthlyCostUSD, &q.MaxCallsPerMinute)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.DefaultQuota(ownerID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quota: %w", err)
	}
	return &q, nil
}

// SetQuota upserts an owner's plan quota.
func (db *DB) SetQuota(ctx context.Context, q *types.Quota) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO owner_quotas (owner_id, max_active_reports, max_monthly_cost_usd, max_calls_per_minute)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (owner_id)
		 DO UPDATE SET max_active_reports = $2, max_monthly_cost_usd = $3, max_calls_per_minute = $4`,
		q.OwnerID, q.MaxActiveReports, q.MaxMonthlyCostUSD, q.MaxCallsPerMinute,
	)
	if err != nil {
		return fmt.Errorf("failed to set quota: %w", err)
	}
	return nil
}
