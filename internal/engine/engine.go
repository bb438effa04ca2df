// Package engine orchestrates the assessment pipeline: participant
// lifecycle, submission processing, lab ingestion, and the time-advance
// driver used by operator tooling.
package engine

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/OutcomeKit/OutcomePipe/internal/models"
	"github.com/OutcomeKit/OutcomePipe/internal/safety"
	"github.com/OutcomeKit/OutcomePipe/internal/schedule"
	"github.com/OutcomeKit/OutcomePipe/internal/scoring"
	"github.com/OutcomeKit/OutcomePipe/internal/store"
)

// Engine wires the pure calculators to the storage contract.
type Engine struct {
	st  store.Store
	now func() time.Time
}

// Option defines a configuration option for the engine.
type Option func(*Engine)

// WithClock overrides the engine's wall clock (for tests and drivers).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine backed by the given store.
func New(st store.Store, opts ...Option) *Engine {
	e := &Engine{st: st, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func newID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Register creates a new participant in the registered lifecycle status.
func (e *Engine) Register(req models.RegisterParticipantRequest) (*models.Participant, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := e.now()
	p := models.Participant{
		ID:        newID("part"),
		StudyID:   req.StudyID,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Phone:     req.Phone,
		Email:     req.Email,
		Status:    models.ParticipantStatusRegistered,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.st.SaveParticipant(p); err != nil {
		return nil, fmt.Errorf("failed to register participant: %w", err)
	}
	slog.Info("Engine.Register: participant registered", "participantID", p.ID, "studyID", p.StudyID)
	return &p, nil
}

// TransitionStatus moves a participant through the lifecycle state machine.
func (e *Engine) TransitionStatus(participantID string, to models.ParticipantStatus, reason string) (*models.Participant, error) {
	if !models.IsValidParticipantStatus(to) {
		return nil, fmt.Errorf("invalid participant status %q", to)
	}
	p, err := e.st.GetParticipant(participantID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("participant %s not found", participantID)
	}
	if !models.CanTransitionStatus(p.Status, to) {
		return nil, fmt.Errorf("cannot transition participant from %s to %s", p.Status, to)
	}
	p.Status = to
	p.UpdatedAt = e.now()
	if err := e.st.SaveParticipant(*p); err != nil {
		return nil, fmt.Errorf("failed to save status transition: %w", err)
	}
	slog.Info("Engine.TransitionStatus: participant transitioned",
		"participantID", participantID, "to", to, "reason", reason)
	return p, nil
}

// Enroll anchors the participant's schedule at the given enrollment time and
// activates them. The participant must be in the consented status.
func (e *Engine) Enroll(participantID string, at *time.Time) (*models.Participant, error) {
	p, err := e.st.GetParticipant(participantID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("participant %s not found", participantID)
	}
	if !models.CanTransitionStatus(p.Status, models.ParticipantStatusActive) {
		return nil, fmt.Errorf("cannot enroll participant in status %s", p.Status)
	}
	enrolledAt := e.now()
	if at != nil {
		enrolledAt = *at
	}
	p.EnrolledAt = &enrolledAt
	p.Status = models.ParticipantStatusActive
	p.UpdatedAt = e.now()
	if err := e.st.SaveParticipant(*p); err != nil {
		return nil, fmt.Errorf("failed to save enrollment: %w", err)
	}
	slog.Info("Engine.Enroll: participant enrolled", "participantID", participantID, "enrolledAt", enrolledAt)
	return p, nil
}

// Schedule computes the participant's derived timepoint list at their
// effective "now". Pre-enrollment participants get an empty schedule.
func (e *Engine) Schedule(participantID string) ([]schedule.Timepoint, error) {
	p, err := e.st.GetParticipant(participantID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("participant %s not found", participantID)
	}
	proto, err := e.st.GetProtocol(p.StudyID)
	if err != nil {
		return nil, err
	}
	if proto == nil {
		return nil, fmt.Errorf("no protocol found for study %s", p.StudyID)
	}
	subs, err := e.st.GetSubmissions(participantID)
	if err != nil {
		return nil, err
	}
	labs, err := e.st.GetLabResults(participantID)
	if err != nil {
		return nil, err
	}
	return schedule.Calculate(p.EnrolledAt, proto.Schedule, subs, labs, p.EffectiveNow(e.now())), nil
}

// ProcessSubmission runs the full submission pipeline: validate, score,
// persist, evaluate safety rules, persist alerts. The sequence is strictly
// ordered and a later step's failure never undoes an earlier write; alert
// persistence failures in particular are logged and swallowed so the
// already-persisted submission still reports success.
func (e *Engine) ProcessSubmission(req models.SubmissionRequest) models.SubmissionResult {
	if err := req.Validate(); err != nil {
		return models.SubmissionResult{Error: err.Error()}
	}

	p, err := e.st.GetParticipant(req.ParticipantID)
	if err != nil {
		return models.SubmissionResult{Error: fmt.Sprintf("failed to load participant: %v", err)}
	}
	if p == nil {
		return models.SubmissionResult{Error: fmt.Sprintf("participant %s not found", req.ParticipantID)}
	}
	proto, err := e.st.GetProtocol(p.StudyID)
	if err != nil {
		return models.SubmissionResult{Error: fmt.Sprintf("failed to load protocol: %v", err)}
	}
	if proto == nil {
		return models.SubmissionResult{Error: fmt.Sprintf("no protocol found for study %s", p.StudyID)}
	}

	// An instrument missing from the catalog degrades to minimal validation
	// rather than rejecting: follow-up instruments can be administered
	// before a protocol revision lands.
	instr := proto.Instrument(req.InstrumentID)
	if err := scoring.Validate(instr, req.Responses); err != nil {
		slog.Warn("Engine.ProcessSubmission: validation failed",
			"participantID", req.ParticipantID, "instrumentID", req.InstrumentID, "error", err)
		return models.SubmissionResult{Error: err.Error()}
	}

	scores := scoring.Score(instr, req.Responses)
	answers := make(map[string]float64, len(req.Responses))
	for _, a := range req.Responses {
		answers[a.QuestionID] = a.Value
	}

	sub := models.Submission{
		ID:              newID("sub"),
		ParticipantID:   req.ParticipantID,
		Timepoint:       req.Timepoint,
		InstrumentID:    req.InstrumentID,
		Answers:         answers,
		Scores:          scores,
		DurationSeconds: req.DurationSeconds,
		SubmittedAt:     e.now(),
	}
	if err := e.st.UpsertSubmission(sub); err != nil {
		slog.Error("Engine.ProcessSubmission: submission write failed",
			"participantID", req.ParticipantID, "instrumentID", req.InstrumentID, "error", err)
		return models.SubmissionResult{Error: fmt.Sprintf("failed to persist submission: %v", err)}
	}

	safetyResult := safety.EvaluatePRO(req.ParticipantID, req.InstrumentID, scores, answers, proto.RulesFor(req.InstrumentID))
	e.persistAlerts(safetyResult.Alerts)

	slog.Info("Engine.ProcessSubmission: submission processed",
		"participantID", req.ParticipantID, "timepoint", req.Timepoint,
		"instrumentID", req.InstrumentID, "total", scores["total"], "alerts", len(safetyResult.Alerts))
	return models.SubmissionResult{
		Success:      true,
		SubmissionID: sub.ID,
		Scores:       scores,
		Safety:       &safetyResult,
	}
}

// persistAlerts inserts alerts as a secondary effect. Errors are logged and
// swallowed; an alert insert failure must never fail the originating
// submission or lab ingestion.
func (e *Engine) persistAlerts(alerts []models.Alert) {
	for i := range alerts {
		alerts[i].ID = newID("alrt")
		alerts[i].CreatedAt = e.now()
		if err := e.st.AddAlert(alerts[i]); err != nil {
			slog.Error("Engine.persistAlerts: alert insert failed (continuing)",
				"participantID", alerts[i].ParticipantID, "type", alerts[i].Type, "error", err)
		}
	}
}

// IngestLabResult persists a lab value and evaluates the protocol's lab
// thresholds against it. The returned alerts have already been persisted
// (best effort).
func (e *Engine) IngestLabResult(req models.LabResultRequest) (*models.LabResult, []models.Alert, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}
	p, err := e.st.GetParticipant(req.ParticipantID)
	if err != nil {
		return nil, nil, err
	}
	if p == nil {
		return nil, nil, fmt.Errorf("participant %s not found", req.ParticipantID)
	}

	lab := models.LabResult{
		ID:             newID("lab"),
		ParticipantID:  req.ParticipantID,
		Timepoint:      req.Timepoint,
		Marker:         req.Marker,
		Value:          req.Value,
		Unit:           req.Unit,
		ReferenceRange: req.ReferenceRange,
		AbnormalFlag:   deriveAbnormalFlag(req.Value, req.ReferenceRange),
		CollectedAt:    e.now(),
	}
	if err := e.st.AddLabResult(lab); err != nil {
		return nil, nil, err
	}

	var alerts []models.Alert
	proto, err := e.st.GetProtocol(p.StudyID)
	if err != nil || proto == nil {
		// The lab value is already persisted; threshold evaluation without
		// a protocol is skipped, not failed.
		slog.Warn("Engine.IngestLabResult: protocol unavailable, skipping threshold evaluation",
			"participantID", req.ParticipantID, "studyID", p.StudyID, "error", err)
	} else {
		alerts = safety.EvaluateLab(req.ParticipantID, req.Marker, req.Value, proto.Safety.LabThresholds)
		e.persistAlerts(alerts)
	}

	slog.Info("Engine.IngestLabResult: lab result recorded",
		"participantID", req.ParticipantID, "marker", req.Marker, "value", req.Value,
		"abnormalFlag", lab.AbnormalFlag, "alerts", len(alerts))
	return &lab, alerts, nil
}

// deriveAbnormalFlag compares a value against a "min-max" reference range
// and returns "L", "H", or empty. Unparseable ranges yield no flag.
func deriveAbnormalFlag(value float64, referenceRange string) string {
	parts := strings.SplitN(referenceRange, "-", 2)
	if len(parts) != 2 {
		return ""
	}
	min, errMin := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	max, errMax := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if errMin != nil || errMax != nil {
		return ""
	}
	switch {
	case value < min:
		return "L"
	case value > max:
		return "H"
	default:
		return ""
	}
}
