package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ReportStatus is the lifecycle state of a report.
// Allowed progression: queued -> running -> (complete | partial | failed).
type ReportStatus string

// Report lifecycle states.
const (
	ReportQueued   ReportStatus = "queued"
	ReportRunning  ReportStatus = "running"
	ReportComplete ReportStatus = "complete"
	ReportPartial  ReportStatus = "partial"
	ReportFailed   ReportStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s ReportStatus) Terminal() bool {
	switch s {
	case ReportComplete, ReportPartial, ReportFailed:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an allowed state change.
func CanTransition(from, to ReportStatus) bool {
	switch from {
	case ReportQueued:
		return to == ReportRunning || to == ReportFailed
	case ReportRunning:
		return to.Terminal()
	}
	return false
}

// ResultStatus is the consolidated outcome of one agent under one report.
type ResultStatus string

// Agent result states.
const (
	ResultComplete ResultStatus = "complete"
	ResultPartial  ResultStatus = "partial"
	ResultFailed   ResultStatus = "failed"
	ResultSkipped  ResultStatus = "skipped"
)

// Failure and skip reasons recorded on results and reports.
const (
	ReasonDependencyFailed  = "dependency_failed"
	ReasonBudgetExhausted   = "budget_exhausted"
	ReasonCancelled         = "cancelled"
	ReasonSupervisorTimeout = "supervisor_timeout"
	ReasonParseError        = "parse_error"
)

// ErrorDescriptor is the serializable failure detail carried on a result or
// surfaced in a report's errors list.
type ErrorDescriptor struct {
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

// AgentResult is the outcome of running one agent end-to-end for one
// manuscript under one report, spanning possibly many calls.
type AgentResult struct {
	ReportID     uuid.UUID        `json:"report_id"`
	ManuscriptID uuid.UUID        `json:"manuscript_id"`
	Kind         AgentKind        `json:"agent_kind"`
	Status       ResultStatus     `json:"status"`
	Payload      json.RawMessage  `json:"payload,omitempty"`
	PayloadRef   string           `json:"payload_ref,omitempty"`
	Error        *ErrorDescriptor `json:"error,omitempty"`
	CostUSD      float64          `json:"cost_usd"`
	Duration     time.Duration    `json:"duration_ns"`
	CallIDs      []uuid.UUID      `json:"call_ids,omitempty"`
}

// ReportError is one surfaced failure on a report, attributed to an agent.
type ReportError struct {
	Agent   AgentKind `json:"agent_kind"`
	Reason  string    `json:"reason"`
	Message string    `json:"message,omitempty"`
}

// Report is the top-level persisted unit representing one full pipeline
// execution for one manuscript. Terminal reports are immutable.
type Report struct {
	ID             uuid.UUID                 `json:"id"`
	ManuscriptID   uuid.UUID                 `json:"manuscript_id"`
	OwnerID        uuid.UUID                 `json:"owner_id"`
	PipelineSpecID string                    `json:"pipeline_spec_id"`
	Status         ReportStatus              `json:"status"`
	StartedAt      time.Time                 `json:"started_at"`
	CompletedAt    *time.Time                `json:"completed_at,omitempty"`
	TotalCostUSD   float64                   `json:"total_cost_usd"`
	Results        map[AgentKind]AgentResult `json:"results,omitempty"`
	Errors         []ReportError             `json:"errors,omitempty"`
}
