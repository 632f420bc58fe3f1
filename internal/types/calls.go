package types

import (
	"time"

	"github.com/google/uuid"
)

// CallStatus is the outcome of a single provider invocation attempt.
type CallStatus string

// Call attempt outcomes.
const (
	CallOK             CallStatus = "ok"
	CallRetryableError CallStatus = "retryable_error"
	CallPermanentError CallStatus = "permanent_error"
	CallParseError     CallStatus = "parse_error"
)

// LedgerKind distinguishes normal call rows from compensating corrections.
type LedgerKind string

// Ledger entry kinds.
const (
	LedgerCall       LedgerKind = "call"
	LedgerCorrection LedgerKind = "correction"
)

// AgentCall is one provider invocation attempt with its measured cost and
// outcome. Rows are append-only and immutable once written.
type AgentCall struct {
	ID            uuid.UUID     `json:"id"`
	OwnerID       uuid.UUID     `json:"owner_id"`
	ReportID      uuid.UUID     `json:"report_id"`
	Agent         AgentKind     `json:"agent_kind"`
	PromptVersion int           `json:"prompt_version"`
	ChunkOrdinal  *int          `json:"chunk_ordinal,omitempty"`
	InputHash     string        `json:"input_hash"`
	Model         string        `json:"model"`
	TokensIn      int           `json:"tokens_in"`
	TokensOut     int           `json:"tokens_out"`
	PriceUSD      float64       `json:"price_usd"`
	Status        CallStatus    `json:"status"`
	WallTime      time.Duration `json:"wall_ns"`
	Attempt       int           `json:"attempt"`
	Kind          LedgerKind    `json:"kind"`
	CreatedAt     time.Time     `json:"created_at"`
}
