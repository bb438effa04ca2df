// Package models defines the core data structures for OutcomePipe.
//
// It includes participant, submission, lab result, alert, and message record
// types, which are shared across modules.
package models

import (
	"errors"
	"time"
)

// ParticipantStatus represents the lifecycle status of a study participant.
type ParticipantStatus string

const (
	// ParticipantStatusRegistered indicates the participant has an account but no screening yet.
	ParticipantStatusRegistered ParticipantStatus = "registered"
	// ParticipantStatusScreening indicates eligibility screening is in progress.
	ParticipantStatusScreening ParticipantStatus = "screening"
	// ParticipantStatusConsented indicates consent is recorded but enrollment is pending.
	ParticipantStatusConsented ParticipantStatus = "consented"
	// ParticipantStatusActive indicates the participant is enrolled and actively on schedule.
	ParticipantStatusActive ParticipantStatus = "active"
	// ParticipantStatusCompleted indicates the participant finished the study schedule.
	ParticipantStatusCompleted ParticipantStatus = "completed"
	// ParticipantStatusWithdrawn indicates the participant has withdrawn.
	ParticipantStatusWithdrawn ParticipantStatus = "withdrawn"
	// ParticipantStatusIneligible indicates screening determined the participant is ineligible.
	ParticipantStatusIneligible ParticipantStatus = "ineligible"
)

// IsValidParticipantStatus checks if the given participant status is supported.
func IsValidParticipantStatus(status ParticipantStatus) bool {
	switch status {
	case ParticipantStatusRegistered, ParticipantStatusScreening, ParticipantStatusConsented,
		ParticipantStatusActive, ParticipantStatusCompleted, ParticipantStatusWithdrawn,
		ParticipantStatusIneligible:
		return true
	default:
		return false
	}
}

// statusTransitions lists the allowed lifecycle transitions per status.
// Terminal statuses (completed, withdrawn, ineligible) have no outgoing
// transitions.
var statusTransitions = map[ParticipantStatus][]ParticipantStatus{
	ParticipantStatusRegistered: {ParticipantStatusScreening, ParticipantStatusWithdrawn},
	ParticipantStatusScreening:  {ParticipantStatusConsented, ParticipantStatusIneligible, ParticipantStatusWithdrawn},
	ParticipantStatusConsented:  {ParticipantStatusActive, ParticipantStatusWithdrawn},
	ParticipantStatusActive:     {ParticipantStatusCompleted, ParticipantStatusWithdrawn},
}

// CanTransitionStatus reports whether a participant may move from one
// lifecycle status to another.
func CanTransitionStatus(from, to ParticipantStatus) bool {
	for _, allowed := range statusTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Participant represents a person enrolled in a longitudinal study.
//
// EnrolledAt is nil until enrollment; the schedule calculator treats a nil
// enrollment as "no schedule". CurrentWeek is a simulated week counter used
// by the time-advance driver; 0 means wall-clock time.
type Participant struct {
	ID          string            `json:"id"`
	StudyID     string            `json:"study_id"`
	FirstName   string            `json:"first_name"`
	LastName    string            `json:"last_name,omitempty"`
	Phone       string            `json:"phone,omitempty"`
	Email       string            `json:"email,omitempty"`
	Status      ParticipantStatus `json:"status"`
	EnrolledAt  *time.Time        `json:"enrolled_at,omitempty"`
	CurrentWeek int               `json:"current_week"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// EffectiveNow returns the point in time schedule and reminder decisions are
// made at for this participant. Participants advanced by the time-advance
// driver are evaluated at enrollment + CurrentWeek weeks; everyone else at
// the supplied wall-clock time.
func (p *Participant) EffectiveNow(wallClock time.Time) time.Time {
	if p.CurrentWeek > 0 && p.EnrolledAt != nil {
		return p.EnrolledAt.AddDate(0, 0, p.CurrentWeek*7)
	}
	return wallClock
}

// Submission represents one validated, scored instrument response.
// Keyed by (participant, timepoint, instrument); resubmission overwrites.
type Submission struct {
	ID              string             `json:"id"`
	ParticipantID   string             `json:"participant_id"`
	Timepoint       string             `json:"timepoint"`
	InstrumentID    string             `json:"instrument_id"`
	Answers         map[string]float64 `json:"answers"`
	Scores          map[string]float64 `json:"scores"`
	DurationSeconds int                `json:"duration_seconds,omitempty"`
	SubmittedAt     time.Time          `json:"submitted_at"`
}

// LabResult represents one lab marker value for a participant at a timepoint.
// Immutable once created.
type LabResult struct {
	ID             string    `json:"id"`
	ParticipantID  string    `json:"participant_id"`
	Timepoint      string    `json:"timepoint"`
	Marker         string    `json:"marker"`
	Value          float64   `json:"value"`
	Unit           string    `json:"unit,omitempty"`
	ReferenceRange string    `json:"reference_range,omitempty"` // "min-max"
	AbnormalFlag   string    `json:"abnormal_flag,omitempty"`   // "L", "H", or empty
	CollectedAt    time.Time `json:"collected_at"`
}

// AlertType classifies a safety or operational alert.
type AlertType string

const (
	// AlertTypeTriggerInstrument requests a follow-up instrument for the participant.
	AlertTypeTriggerInstrument AlertType = "trigger_instrument"
	// AlertTypeCoordinator asks the study coordinator to review within the urgency window.
	AlertTypeCoordinator AlertType = "coordinator_alert"
	// AlertTypeUrgent requires clinical contact within the urgency window.
	AlertTypeUrgent AlertType = "urgent_alert"
	// AlertTypeCrisisResources indicates crisis resources must be shown to the participant.
	AlertTypeCrisisResources AlertType = "crisis_resources"
	// AlertTypeLabThreshold indicates a lab value crossed a protocol threshold.
	AlertTypeLabThreshold AlertType = "lab_threshold"
)

// AlertStatus represents the review status of an alert.
type AlertStatus string

const (
	// AlertStatusOpen indicates the alert is awaiting review.
	AlertStatusOpen AlertStatus = "open"
	// AlertStatusClosed indicates the alert has been resolved.
	AlertStatusClosed AlertStatus = "closed"
)

// Alert represents a generated safety signal. Append-only; the engine only
// ever inserts.
type Alert struct {
	ID            string      `json:"id"`
	ParticipantID string      `json:"participant_id"`
	Type          AlertType   `json:"type"`
	Source        string      `json:"source"` // instrument id or lab marker
	Value         float64     `json:"value"`
	Condition     string      `json:"condition"` // condition or threshold text that fired
	Message       string      `json:"message"`
	Urgency       string      `json:"urgency,omitempty"` // e.g. "1h", "4h", "24h"
	Target        string      `json:"target,omitempty"`  // follow-up instrument id for trigger_instrument
	Status        AlertStatus `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
}

// MessageChannel identifies the delivery channel for a reminder message.
type MessageChannel string

const (
	// ChannelSMS delivers via SMS.
	ChannelSMS MessageChannel = "sms"
	// ChannelEmail delivers via email.
	ChannelEmail MessageChannel = "email"
)

// MessageStatus represents the delivery status of a message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was handed to the transport.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusFailed indicates the transport reported a failure.
	MessageStatusFailed MessageStatus = "failed"
)

// Message represents one reminder delivery attempt. The message log is the
// sole source of truth for reminder dedup; there is no separate dedup table.
type Message struct {
	ID            string         `json:"id"`
	ParticipantID string         `json:"participant_id"`
	Channel       MessageChannel `json:"channel"`
	TemplateID    string         `json:"template_id"` // "{stage}_{timepoint}"
	Body          string         `json:"body"`
	Status        MessageStatus  `json:"status"`
	Error         string         `json:"error,omitempty"`
	SentAt        time.Time      `json:"sent_at"`
}

// Error variables for request validation.
var (
	ErrMissingStudyID       = errors.New("study_id is required")
	ErrMissingFirstName     = errors.New("first_name is required")
	ErrMissingContact       = errors.New("at least one of phone or email is required")
	ErrMissingParticipantID = errors.New("participant_id is required")
	ErrMissingTimepoint     = errors.New("timepoint is required")
	ErrMissingInstrumentID  = errors.New("instrument_id is required")
	ErrEmptyResponses       = errors.New("responses cannot be empty")
	ErrMissingMarker        = errors.New("marker is required")
)

// RegisterParticipantRequest represents the payload for registering a participant.
type RegisterParticipantRequest struct {
	StudyID   string `json:"study_id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Email     string `json:"email,omitempty"`
}

// Validate checks the registration payload.
func (r *RegisterParticipantRequest) Validate() error {
	if r.StudyID == "" {
		return ErrMissingStudyID
	}
	if r.FirstName == "" {
		return ErrMissingFirstName
	}
	if r.Phone == "" && r.Email == "" {
		return ErrMissingContact
	}
	return nil
}

// AnswerInput is one (question, value) pair in a submission request.
type AnswerInput struct {
	QuestionID string  `json:"questionId"`
	Value      float64 `json:"value"`
}

// SubmissionRequest represents an inbound instrument submission.
type SubmissionRequest struct {
	ParticipantID   string        `json:"participantId"`
	Timepoint       string        `json:"timepoint"`
	InstrumentID    string        `json:"instrumentId"`
	Responses       []AnswerInput `json:"responses"`
	DurationSeconds int           `json:"durationSeconds,omitempty"`
}

// Validate checks the submission payload shape. Schema validation against
// the instrument definition happens in the scoring module.
func (r *SubmissionRequest) Validate() error {
	if r.ParticipantID == "" {
		return ErrMissingParticipantID
	}
	if r.Timepoint == "" {
		return ErrMissingTimepoint
	}
	if r.InstrumentID == "" {
		return ErrMissingInstrumentID
	}
	if len(r.Responses) == 0 {
		return ErrEmptyResponses
	}
	return nil
}

// SafetyResult carries the outcome of safety rule evaluation for a submission.
type SafetyResult struct {
	Alerts              []Alert `json:"alerts"`
	ShowCrisisResources bool    `json:"showCrisisResources"`
	TriggerFollowUp     string  `json:"triggerFollowUp,omitempty"` // instrument id
}

// SubmissionResult is the outcome of processing one submission request.
type SubmissionResult struct {
	Success      bool               `json:"success"`
	SubmissionID string             `json:"submissionId,omitempty"`
	Scores       map[string]float64 `json:"scores,omitempty"`
	Safety       *SafetyResult      `json:"safety,omitempty"`
	Error        string             `json:"error,omitempty"`
}

// AdvanceRequest represents the time-advance driver payload.
type AdvanceRequest struct {
	ToWeek int `json:"toWeek"`
}

// AdvanceResult is the outcome of a time-advance operation.
type AdvanceResult struct {
	Success      bool        `json:"success"`
	PreviousWeek int         `json:"previousWeek"`
	CurrentWeek  int         `json:"currentWeek"`
	Schedule     interface{} `json:"schedule,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// LabResultRequest represents an inbound lab result for ingestion.
type LabResultRequest struct {
	ParticipantID  string  `json:"participantId"`
	Timepoint      string  `json:"timepoint"`
	Marker         string  `json:"marker"`
	Value          float64 `json:"value"`
	Unit           string  `json:"unit,omitempty"`
	ReferenceRange string  `json:"referenceRange,omitempty"`
}

// Validate checks the lab ingestion payload.
func (r *LabResultRequest) Validate() error {
	if r.ParticipantID == "" {
		return ErrMissingParticipantID
	}
	if r.Timepoint == "" {
		return ErrMissingTimepoint
	}
	if r.Marker == "" {
		return ErrMissingMarker
	}
	return nil
}

// StatusTransitionRequest represents a participant lifecycle transition.
type StatusTransitionRequest struct {
	ToStatus ParticipantStatus `json:"to_status"`
	Reason   string            `json:"reason,omitempty"`
}

// ReminderResult records the outcome for one participant/timepoint in a
// reminder batch run.
type ReminderResult struct {
	ParticipantID string         `json:"participant_id"`
	Timepoint     string         `json:"timepoint"`
	Stage         string         `json:"stage,omitempty"`
	Channel       MessageChannel `json:"channel,omitempty"`
	Status        string         `json:"status"` // "sent", "skipped", or "error"
	Detail        string         `json:"detail,omitempty"`
}

// ReminderBatchResult aggregates a reminder batch run. Per-item failures are
// counted and recorded here; they never abort the batch.
type ReminderBatchResult struct {
	Processed int              `json:"processed"`
	Sent      int              `json:"sent"`
	Skipped   int              `json:"skipped"`
	Errors    int              `json:"errors"`
	Results   []ReminderResult `json:"results"`
}
