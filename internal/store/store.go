// Package store defines the persistence contracts for manuscripts, reports,
// the append-only call ledger, quotas and blob payloads. The pgx-backed
// implementation lives in internal/db; internal/store/memstore provides the
// in-memory implementation used by tests and local CLI runs.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/inkwell-press/inkwell/internal/types"
)

// Manuscripts stores manuscript metadata rows. The text body lives in Blobs.
type Manuscripts interface {
	CreateManuscript(ctx context.Context, m *types.Manuscript) error
	// GetManuscript returns (nil, nil) when the manuscript does not exist.
	GetManuscript(ctx context.Context, id uuid.UUID) (*types.Manuscript, error)
}

// Reports stores report rows and their per-agent results.
type Reports interface {
	// CreateReport inserts a queued report. If a non-terminal report already
	// exists for (manuscriptID, specID), the existing id is returned with
	// created=false; at most one non-terminal report per pair exists at any
	// time. When maxActive > 0 and the owner already has that many
	// non-terminal reports, the insert is refused with *ErrActiveLimit; the
	// count and the insert are atomic with respect to concurrent creates for
	// the same owner.
	CreateReport(ctx context.Context, manuscriptID uuid.UUID, specID string, ownerID uuid.UUID, maxActive int) (id uuid.UUID, created bool, err error)

	// GetReport rehydrates the report including all agent results.
	// Returns (nil, nil) when missing.
	GetReport(ctx context.Context, id uuid.UUID) (*types.Report, error)

	// Transition moves a report from -> to; *ErrInvalidTransition otherwise.
	// The check and the write are atomic.
	Transition(ctx context.Context, id uuid.UUID, from, to types.ReportStatus) error

	// Complete atomically transitions a running report to a terminal state
	// and records completion time, total cost and surfaced errors.
	Complete(ctx context.Context, id uuid.UUID, to types.ReportStatus, totalCostUSD float64, errs []types.ReportError) error

	// PutAgentResult upserts the result for (reportID, result.Kind). Writing
	// against a terminal report fails with *ErrInvalidTransition.
	PutAgentResult(ctx context.Context, reportID uuid.UUID, result *types.AgentResult) error

	// CountActive returns the owner's reports currently queued or running.
	CountActive(ctx context.Context, ownerID uuid.UUID) (int, error)

	// ListStuckRunning returns running reports started before the cutoff,
	// for supervisor sweeps.
	ListStuckRunning(ctx context.Context, cutoff time.Time) ([]types.Report, error)
}

// Ledger is the append-only record of every provider call's measured price.
type Ledger interface {
	Append(ctx context.Context, call *types.AgentCall) error
	ListForReport(ctx context.Context, reportID uuid.UUID) ([]types.AgentCall, error)
	// SumForReport totals price across every call row of a report.
	SumForReport(ctx context.Context, reportID uuid.UUID) (float64, error)
	// SumForOwner totals price for an owner since the given instant
	// (typically the start of the billing period).
	SumForOwner(ctx context.Context, ownerID uuid.UUID, since time.Time) (float64, error)
}

// Quotas reads the plan-derived resource envelope per owner.
type Quotas interface {
	// GetQuota returns the owner's quota, or the platform default when the
	// owner has no explicit row.
	GetQuota(ctx context.Context, ownerID uuid.UUID) (*types.Quota, error)
}

// Blobs is a keyed byte store for large payload bodies: agent outputs under
// "{reportID}/{agentKind}.json" and raw manuscript text under
// "{manuscriptID}/source".
type Blobs interface {
	PutBlob(ctx context.Context, key string, data []byte) error
	// GetBlob returns (nil, nil) when the key does not exist.
	GetBlob(ctx context.Context, key string) ([]byte, error)
}

// DefaultQuota is applied to owners without an explicit plan row.
func DefaultQuota(ownerID uuid.UUID) *types.Quota {
	return &types.Quota{
		OwnerID:           ownerID,
		MaxActiveReports:  2,
		MaxMonthlyCostUSD: 25,
		MaxCallsPerMinute: 60,
	}
}

// MonthStart returns the start of the billing period containing t: the first
// instant of t's calendar month in UTC.
func MonthStart(t time.Time) time.Time {
	y, m, _ := t.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

// PayloadKey is the blob key for an agent's payload body.
func PayloadKey(reportID uuid.UUID, kind types.AgentKind) string {
	return reportID.String() + "/" + string(kind) + ".json"
}

// SourceKey is the blob key for a manuscript's raw text.
func SourceKey(manuscriptID uuid.UUID) string {
	return manuscriptID.String() + "/source"
}
