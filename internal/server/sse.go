package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/inkwell-press/inkwell/internal/types"
)

// SSEWriter streams report progress as Server-Sent Events.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSE writer
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// statusEvent is the payload of an SSE "status" event.
type statusEvent struct {
	ReportID     string  `json:"report_id"`
	Status       string  `json:"status"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// resultEvent is the payload of an SSE "result" event, sent once per agent
// when its result first appears.
type resultEvent struct {
	ReportID string  `json:"report_id"`
	Agent    string  `json:"agent_kind"`
	Status   string  `json:"status"`
	CostUSD  float64 `json:"cost_usd"`
}

// WriteEvent sends an SSE event
func (s *SSEWriter) WriteEvent(event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", jsonData); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteStatus sends a "status" event for the report's current state.
func (s *SSEWriter) WriteStatus(report *types.Report) {
	s.WriteEvent("status", statusEvent{ //nolint:errcheck
		ReportID:     report.ID.String(),
		Status:       string(report.Status),
		TotalCostUSD: report.TotalCostUSD,
	})
}

// WriteResult sends a "result" event for one settled agent.
func (s *SSEWriter) WriteResult(report *types.Report, res types.AgentResult) {
	s.WriteEvent("result", resultEvent{ //nolint:errcheck
		ReportID: report.ID.String(),
		Agent:    string(res.Kind),
		Status:   string(res.Status),
		CostUSD:  res.CostUSD,
	})
}

// WriteError sends an error event
func (s *SSEWriter) WriteError(message string) {
	s.WriteEvent("error", map[string]string{"error": message}) //nolint:errcheck
}

// WriteComplete sends a completion event when a report reaches a terminal state
func (s *SSEWriter) WriteComplete(reportID, status string) {
	s.WriteEvent("complete", map[string]string{ //nolint:errcheck
		"report_id": reportID,
		"status":    status,
	})
}
