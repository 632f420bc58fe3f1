package dispatch

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotOwner indicates the manuscript belongs to a different owner.
var ErrNotOwner = errors.New("manuscript does not belong to this owner")

// ErrSourceMissing indicates the manuscript text was never uploaded.
var ErrSourceMissing = errors.New("manuscript source not found in blob storage")

// ErrAlreadyRunning indicates a live report already exists for the
// manuscript and pipeline. Admission is idempotent: the existing report is
// the one to watch.
type ErrAlreadyRunning struct {
	ReportID uuid.UUID
}

func (e *ErrAlreadyRunning) Error() string {
	return fmt.Sprintf("a report is already in progress: %s", e.ReportID)
}

// ErrQuotaExhausted indicates the owner is at their active-report limit.
type ErrQuotaExhausted struct {
	Active int
	Max    int
}

func (e *ErrQuotaExhausted) Error() string {
	return fmt.Sprintf("active report limit reached (%d of %d)", e.Active, e.Max)
}

// ErrSpendCeiling indicates the owner's monthly spend allowance is used up.
type ErrSpendCeiling struct {
	SpentUSD   float64
	CeilingUSD float64
}

func (e *ErrSpendCeiling) Error() string {
	return fmt.Sprintf("monthly spend ceiling reached ($%.2f of $%.2f)", e.SpentUSD, e.CeilingUSD)
}
