package server

import (
	"net/http"
	"time"

	"github.com/inkwell-press/inkwell/internal/types"
)

// handleReportEvents streams report progress via SSE. The store is polled;
// each status change and newly arrived agent result becomes an event, and
// the stream ends with a "complete" event once the report is terminal.
func (s *Server) handleReportEvents(w http.ResponseWriter, r *http.Request) {
	report, ok := s.loadOwnedReport(w, r)
	if !ok {
		return
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	lastStatus := types.ReportStatus("")
	seen := make(map[types.AgentKind]bool)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if report.Status != lastStatus {
			lastStatus = report.Status
			sse.WriteStatus(report)
		}

		for kind, res := range report.Results {
			if seen[kind] {
				continue
			}
			seen[kind] = true
			sse.WriteResult(report, res)
		}

		if report.Status.Terminal() {
			sse.WriteComplete(report.ID.String(), string(report.Status))
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		report, err = s.store.GetReport(r.Context(), report.ID)
		if err != nil || report == nil {
			sse.WriteError("report no longer available")
			return
		}
	}
}
