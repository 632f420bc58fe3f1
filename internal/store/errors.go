package store

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/inkwell-press/inkwell/internal/types"
)

// ErrNotFound indicates a missing row of the named kind.
type ErrNotFound struct {
	Kind string
	ID   uuid.UUID
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// ErrInvalidTransition indicates a disallowed report state change, including
// any write attempted against a terminal report.
type ErrInvalidTransition struct {
	ReportID uuid.UUID
	From     types.ReportStatus
	To       types.ReportStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition for report %s: %s -> %s", e.ReportID, e.From, e.To)
}

// ErrActiveLimit indicates the owner is already at their non-terminal report
// cap, so the insert was refused.
type ErrActiveLimit struct {
	OwnerID uuid.UUID
	Active  int
	Max     int
}

func (e *ErrActiveLimit) Error() string {
	return fmt.Sprintf("owner %s has %d of %d active reports", e.OwnerID, e.Active, e.Max)
}
