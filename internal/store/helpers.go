package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/OutcomeKit/OutcomePipe/internal/models"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalValueMap serializes an answer or score map to a JSON column value.
func marshalValueMap(m map[string]float64) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal value map: %w", err)
	}
	return string(b), nil
}

// unmarshalValueMap deserializes a JSON column value to a value map.
func unmarshalValueMap(s string) (map[string]float64, error) {
	m := make(map[string]float64)
	if s == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal value map: %w", err)
	}
	return m, nil
}

// scanParticipant scans a participant row.
func scanParticipant(row rowScanner) (models.Participant, error) {
	var p models.Participant
	var lastName, phone, email sql.NullString
	var enrolledAt sql.NullTime
	err := row.Scan(
		&p.ID, &p.StudyID, &p.FirstName, &lastName, &phone, &email,
		&p.Status, &enrolledAt, &p.CurrentWeek, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return p, err
	}
	p.LastName = lastName.String
	p.Phone = phone.String
	p.Email = email.String
	if enrolledAt.Valid {
		t := enrolledAt.Time
		p.EnrolledAt = &t
	}
	return p, nil
}

// scanSubmission scans a submission row, decoding the answer and score maps.
func scanSubmission(row rowScanner) (models.Submission, error) {
	var sub models.Submission
	var answersJSON, scoresJSON string
	err := row.Scan(
		&sub.ID, &sub.ParticipantID, &sub.Timepoint, &sub.InstrumentID,
		&answersJSON, &scoresJSON, &sub.DurationSeconds, &sub.SubmittedAt,
	)
	if err != nil {
		return sub, fmt.Errorf("scan submission failed: %w", err)
	}
	if sub.Answers, err = unmarshalValueMap(answersJSON); err != nil {
		return sub, err
	}
	if sub.Scores, err = unmarshalValueMap(scoresJSON); err != nil {
		return sub, err
	}
	return sub, nil
}

// scanLabResult scans a lab result row.
func scanLabResult(row rowScanner) (models.LabResult, error) {
	var lab models.LabResult
	var unit, refRange, flag sql.NullString
	err := row.Scan(
		&lab.ID, &lab.ParticipantID, &lab.Timepoint, &lab.Marker,
		&lab.Value, &unit, &refRange, &flag, &lab.CollectedAt,
	)
	if err != nil {
		return lab, fmt.Errorf("scan lab result failed: %w", err)
	}
	lab.Unit = unit.String
	lab.ReferenceRange = refRange.String
	lab.AbnormalFlag = flag.String
	return lab, nil
}

// scanAlert scans an alert row.
func scanAlert(row rowScanner) (models.Alert, error) {
	var a models.Alert
	var condition, message, urgency, target sql.NullString
	err := row.Scan(
		&a.ID, &a.ParticipantID, &a.Type, &a.Source, &a.Value,
		&condition, &message, &urgency, &target, &a.Status, &a.CreatedAt,
	)
	if err != nil {
		return a, fmt.Errorf("scan alert failed: %w", err)
	}
	a.Condition = condition.String
	a.Message = message.String
	a.Urgency = urgency.String
	a.Target = target.String
	return a, nil
}

// scanMessage scans a message row.
func scanMessage(row rowScanner) (models.Message, error) {
	var m models.Message
	var errText sql.NullString
	err := row.Scan(
		&m.ID, &m.ParticipantID, &m.Channel, &m.TemplateID,
		&m.Body, &m.Status, &errText, &m.SentAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan message failed: %w", err)
	}
	m.Error = errText.String
	return m, nil
}
