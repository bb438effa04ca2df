// Package api provides HTTP handlers for the assessment engine endpoints.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/OutcomeKit/OutcomePipe/internal/models"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("ok", nil))
}

func (s *Server) participantsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.participantsHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.participantsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req models.RegisterParticipantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.participantsHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	p, err := s.eng.Register(req)
	if err != nil {
		slog.Warn("Server.participantsHandler: registration failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Participant registered", p))
}

// participantSubresourceHandler routes /participants/{id} and
// /participants/{id}/{action}.
func (s *Server) participantSubresourceHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	rest := strings.TrimPrefix(r.URL.Path, "/participants/")
	segments := strings.Split(strings.Trim(rest, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Participant ID is required"))
		return
	}
	participantID := segments[0]

	if len(segments) == 1 {
		s.getParticipantHandler(w, r, participantID)
		return
	}
	if len(segments) != 2 {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown participant resource"))
		return
	}

	switch segments[1] {
	case "enroll":
		s.enrollHandler(w, r, participantID)
	case "status":
		s.statusTransitionHandler(w, r, participantID)
	case "schedule":
		s.scheduleHandler(w, r, participantID)
	case "advance":
		s.advanceHandler(w, r, participantID)
	default:
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown participant resource"))
	}
}

func (s *Server) getParticipantHandler(w http.ResponseWriter, r *http.Request, participantID string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p, err := s.st.GetParticipant(participantID)
	if err != nil {
		slog.Error("Server.getParticipantHandler: lookup failed", "participantID", participantID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load participant"))
		return
	}
	if p == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Participant not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(p))
}

// enrollRequest is the optional enroll payload; an empty body enrolls now.
type enrollRequest struct {
	EnrolledAt string `json:"enrolled_at,omitempty"`
}

func (s *Server) enrollHandler(w http.ResponseWriter, r *http.Request, participantID string) {
	slog.Debug("Server.enrollHandler: processing enroll request", "participantID", participantID)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req enrollRequest
	if r.Body != nil {
		// Enrollment accepts an empty body; only malformed JSON is rejected.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			slog.Warn("Server.enrollHandler: failed to decode JSON", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
	}
	var at *time.Time
	if req.EnrolledAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.EnrolledAt)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("enrolled_at must be RFC 3339"))
			return
		}
		at = &parsed
	}
	p, err := s.eng.Enroll(participantID, at)
	if err != nil {
		slog.Warn("Server.enrollHandler: enrollment failed", "participantID", participantID, "error", err)
		writeJSONResponse(w, statusForEngineError(err), models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Participant enrolled", p))
}

func (s *Server) statusTransitionHandler(w http.ResponseWriter, r *http.Request, participantID string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req models.StatusTransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.statusTransitionHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	p, err := s.eng.TransitionStatus(participantID, req.ToStatus, req.Reason)
	if err != nil {
		slog.Warn("Server.statusTransitionHandler: transition rejected",
			"participantID", participantID, "to", req.ToStatus, "error", err)
		writeJSONResponse(w, statusForEngineError(err), models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Status updated", p))
}

func (s *Server) scheduleHandler(w http.ResponseWriter, r *http.Request, participantID string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	timepoints, err := s.eng.Schedule(participantID)
	if err != nil {
		slog.Warn("Server.scheduleHandler: schedule computation failed", "participantID", participantID, "error", err)
		writeJSONResponse(w, statusForEngineError(err), models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(timepoints))
}

func (s *Server) advanceHandler(w http.ResponseWriter, r *http.Request, participantID string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req models.AdvanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.advanceHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	result := s.eng.AdvanceWeek(participantID, req.ToWeek)
	if !result.Success {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(result.Error))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func (s *Server) submissionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.submissionsHandler: processing submission", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req models.SubmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.submissionsHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	result := s.eng.ProcessSubmission(req)
	if !result.Success {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(result.Error))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func (s *Server) labsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req models.LabResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.labsHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	lab, alerts, err := s.eng.IngestLabResult(req)
	if err != nil {
		slog.Warn("Server.labsHandler: lab ingestion failed", "participantID", req.ParticipantID, "error", err)
		writeJSONResponse(w, statusForEngineError(err), models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"lab_result": lab,
		"alerts":     alerts,
	}))
}

func (s *Server) remindersRunHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	result := s.reminders.RunBatch(r.Context())
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func (s *Server) alertsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	participantID := r.URL.Query().Get("participant")
	alerts, err := s.st.GetAlerts(participantID)
	if err != nil {
		slog.Error("Server.alertsHandler: alert query failed", "participantID", participantID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load alerts"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(alerts))
}

// statusForEngineError maps engine errors to HTTP status codes: not-found
// text becomes 404, everything else a client-rejectable 400.
func statusForEngineError(err error) int {
	if strings.Contains(err.Error(), "not found") {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}
