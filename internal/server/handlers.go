package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/inkwell-press/inkwell/internal/dispatch"
	"github.com/inkwell-press/inkwell/internal/store"
	"github.com/inkwell-press/inkwell/internal/types"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// CreateManuscriptRequest is the request body for POST /manuscripts
type CreateManuscriptRequest struct {
	Title string `json:"title" validate:"required,max=300"`
	Genre string `json:"genre" validate:"required,max=100"`
	Text  string `json:"text" validate:"required"`
}

// CreateManuscriptResponse is the response for POST /manuscripts
type CreateManuscriptResponse struct {
	ManuscriptID string `json:"manuscript_id"`
	WordCount    int    `json:"word_count"`
}

// CreateReportRequest is the request body for POST /manuscripts/{id}/reports
type CreateReportRequest struct {
	PipelineSpecID string `json:"pipeline_spec_id,omitempty"`
}

// CreateReportResponse is the response for POST /manuscripts/{id}/reports
type CreateReportResponse struct {
	ReportID string `json:"report_id"`
	Status   string `json:"status"`
}

// handleCreateManuscript registers a manuscript and stores its text body.
func (s *Server) handleCreateManuscript(w http.ResponseWriter, r *http.Request) {
	var req CreateManuscriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		s.errorFromErr(w, &ErrValidation{Field: validationField(err), Message: err.Error()})
		return
	}

	man := &types.Manuscript{
		OwnerID:   ownerFrom(r.Context()),
		Title:     req.Title,
		Genre:     req.Genre,
		WordCount: len(strings.Fields(req.Text)),
	}
	if err := s.store.CreateManuscript(r.Context(), man); err != nil {
		s.errorFromErr(w, err)
		return
	}
	if err := s.blobs.PutBlob(r.Context(), store.SourceKey(man.ID), []byte(req.Text)); err != nil {
		s.errorFromErr(w, err)
		return
	}

	s.jsonResponse(w, http.StatusCreated, CreateManuscriptResponse{
		ManuscriptID: man.ID.String(),
		WordCount:    man.WordCount,
	})
}

// handleGetManuscript returns manuscript metadata
func (s *Server) handleGetManuscript(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid manuscript ID format")
		return
	}

	man, err := s.store.GetManuscript(r.Context(), id)
	if err != nil {
		s.errorFromErr(w, err)
		return
	}
	if man == nil {
		s.errorFromErr(w, &store.ErrNotFound{Kind: "manuscript", ID: id})
		return
	}
	if man.OwnerID != ownerFrom(r.Context()) {
		s.errorFromErr(w, dispatch.ErrNotOwner)
		return
	}

	s.jsonResponse(w, http.StatusOK, man)
}

// handleCreateReport admits a new analysis run for a manuscript.
func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	manuscriptID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid manuscript ID format")
		return
	}

	var req CreateReportRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
			return
		}
	}

	reportID, err := s.dispatcher.Admit(r.Context(), dispatch.AdmitRequest{
		OwnerID:        ownerFrom(r.Context()),
		ManuscriptID:   manuscriptID,
		PipelineSpecID: req.PipelineSpecID,
	})
	if err != nil {
		s.errorFromErr(w, err)
		return
	}

	s.jsonResponse(w, http.StatusCreated, CreateReportResponse{
		ReportID: reportID.String(),
		Status:   string(types.ReportQueued),
	})
}

// handleGetReport returns the report with all agent results.
func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	report, ok := s.loadOwnedReport(w, r)
	if !ok {
		return
	}
	s.jsonResponse(w, http.StatusOK, report)
}

// handleGetAgentResult returns a single agent's result with its payload
// rehydrated from blob storage.
func (s *Server) handleGetAgentResult(w http.ResponseWriter, r *http.Request) {
	report, ok := s.loadOwnedReport(w, r)
	if !ok {
		return
	}

	kind, err := types.ParseAgentKind(r.PathValue("agent"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	result, ok := report.Results[kind]
	if !ok || result.Status == types.ResultSkipped {
		s.errorResponse(w, http.StatusNotFound, "No result for agent "+string(kind))
		return
	}

	if len(result.Payload) == 0 && result.PayloadRef != "" {
		data, err := s.blobs.GetBlob(r.Context(), result.PayloadRef)
		if err != nil {
			s.errorFromErr(w, err)
			return
		}
		result.Payload = data
	}

	s.jsonResponse(w, http.StatusOK, result)
}

// handleListCalls returns the report's provider-call ledger rows.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	report, ok := s.loadOwnedReport(w, r)
	if !ok {
		return
	}

	calls, err := s.store.ListForReport(r.Context(), report.ID)
	if err != nil {
		s.errorFromErr(w, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, map[string]any{
		"report_id": report.ID.String(),
		"calls":     calls,
	})
}

// handleCancelReport requests cancellation of a queued or running report.
func (s *Server) handleCancelReport(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid report ID format")
		return
	}

	if err := s.dispatcher.Cancel(r.Context(), id, ownerFrom(r.Context())); err != nil {
		s.errorFromErr(w, err)
		return
	}

	s.jsonResponse(w, http.StatusAccepted, map[string]string{
		"report_id": id.String(),
		"status":    "cancelling",
	})
}

// loadOwnedReport parses {id}, loads the report and enforces ownership.
// It writes the error response itself and reports success via ok.
func (s *Server) loadOwnedReport(w http.ResponseWriter, r *http.Request) (*types.Report, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid report ID format")
		return nil, false
	}

	report, err := s.store.GetReport(r.Context(), id)
	if err != nil {
		s.errorFromErr(w, err)
		return nil, false
	}
	if report == nil {
		s.errorFromErr(w, &store.ErrNotFound{Kind: "report", ID: id})
		return nil, false
	}
	if report.OwnerID != ownerFrom(r.Context()) {
		s.errorFromErr(w, dispatch.ErrNotOwner)
		return nil, false
	}
	return report, true
}

// validationField extracts the first failing field name for the error envelope.
func validationField(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return verrs[0].Field()
	}
	return ""
}
