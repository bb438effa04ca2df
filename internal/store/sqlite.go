// Package store provides storage backends for OutcomePipe.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/OutcomeKit/OutcomePipe/internal/models"
	"github.com/OutcomeKit/OutcomePipe/internal/protocol"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveParticipant(p models.Participant) error {
	query := `
		INSERT OR REPLACE INTO participants
			(id, study_id, first_name, last_name, phone, email, status, enrolled_at, current_week, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	var enrolledAt interface{}
	if p.EnrolledAt != nil {
		enrolledAt = *p.EnrolledAt
	}
	_, err := s.db.Exec(query, p.ID, p.StudyID, p.FirstName, nilIfEmpty(p.LastName),
		nilIfEmpty(p.Phone), nilIfEmpty(p.Email), p.Status, enrolledAt, p.CurrentWeek, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveParticipant failed", "error", err, "participantID", p.ID)
		return fmt.Errorf("failed to save participant %s: %w", p.ID, err)
	}
	slog.Debug("SQLiteStore SaveParticipant succeeded", "participantID", p.ID, "status", p.Status)
	return nil
}

const participantColumns = `id, study_id, first_name, last_name, phone, email, status, enrolled_at, current_week, created_at, updated_at`

func (s *SQLiteStore) GetParticipant(id string) (*models.Participant, error) {
	row := s.db.QueryRow(`SELECT `+participantColumns+` FROM participants WHERE id = ?`, id)
	p, err := scanParticipant(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetParticipant failed", "error", err, "participantID", id)
		return nil, fmt.Errorf("failed to get participant %s: %w", id, err)
	}
	return &p, nil
}

func (s *SQLiteStore) ListParticipantsByStatus(status models.ParticipantStatus) ([]models.Participant, error) {
	rows, err := s.db.Query(`SELECT `+participantColumns+` FROM participants WHERE status = ?`, status)
	if err != nil {
		slog.Error("SQLiteStore ListParticipantsByStatus query failed", "error", err, "status", status)
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer rows.Close()

	var participants []models.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan participant row: %w", err)
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate participant rows: %w", err)
	}
	return participants, nil
}

func (s *SQLiteStore) SaveProtocol(studyID string, doc []byte) error {
	// Validate before persisting so a malformed protocol (including a bad
	// condition string) never reaches the read path.
	if _, err := protocol.Parse(doc); err != nil {
		return fmt.Errorf("failed to save protocol for study %s: %w", studyID, err)
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO protocols (study_id, document, updated_at) VALUES (?, ?, ?)`,
		studyID, string(doc), time.Now().UTC())
	if err != nil {
		slog.Error("SQLiteStore SaveProtocol failed", "error", err, "studyID", studyID)
		return fmt.Errorf("failed to save protocol for study %s: %w", studyID, err)
	}
	slog.Debug("SQLiteStore SaveProtocol succeeded", "studyID", studyID)
	return nil
}

func (s *SQLiteStore) GetProtocol(studyID string) (*protocol.Protocol, error) {
	var doc string
	err := s.db.QueryRow(`SELECT document FROM protocols WHERE study_id = ?`, studyID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetProtocol failed", "error", err, "studyID", studyID)
		return nil, fmt.Errorf("failed to get protocol for study %s: %w", studyID, err)
	}
	parsed, err := protocol.Parse([]byte(doc))
	if err != nil {
		return nil, fmt.Errorf("stored protocol for study %s is invalid: %w", studyID, err)
	}
	parsed.StudyID = studyID
	return parsed, nil
}

func (s *SQLiteStore) UpsertSubmission(sub models.Submission) error {
	answersJSON, err := marshalValueMap(sub.Answers)
	if err != nil {
		return err
	}
	scoresJSON, err := marshalValueMap(sub.Scores)
	if err != nil {
		return err
	}
	query := `
		INSERT OR REPLACE INTO submissions
			(id, participant_id, timepoint, instrument_id, answers, scores, duration_seconds, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.Exec(query, sub.ID, sub.ParticipantID, sub.Timepoint, sub.InstrumentID,
		answersJSON, scoresJSON, sub.DurationSeconds, sub.SubmittedAt)
	if err != nil {
		slog.Error("SQLiteStore UpsertSubmission failed", "error", err,
			"participantID", sub.ParticipantID, "timepoint", sub.Timepoint, "instrumentID", sub.InstrumentID)
		return fmt.Errorf("failed to upsert submission: %w", err)
	}
	slog.Debug("SQLiteStore UpsertSubmission succeeded",
		"participantID", sub.ParticipantID, "timepoint", sub.Timepoint, "instrumentID", sub.InstrumentID)
	return nil
}

const submissionColumns = `id, participant_id, timepoint, instrument_id, answers, scores, duration_seconds, submitted_at`

func (s *SQLiteStore) GetSubmissions(participantID string) ([]models.Submission, error) {
	rows, err := s.db.Query(`SELECT `+submissionColumns+` FROM submissions WHERE participant_id = ?`, participantID)
	if err != nil {
		slog.Error("SQLiteStore GetSubmissions query failed", "error", err, "participantID", participantID)
		return nil, fmt.Errorf("failed to query submissions: %w", err)
	}
	defer rows.Close()

	var submissions []models.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		submissions = append(submissions, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate submission rows: %w", err)
	}
	return submissions, nil
}

func (s *SQLiteStore) AddLabResult(lab models.LabResult) error {
	query := `
		INSERT INTO lab_results
			(id, participant_id, timepoint, marker, value, unit, reference_range, abnormal_flag, collected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.Exec(query, lab.ID, lab.ParticipantID, lab.Timepoint, lab.Marker, lab.Value,
		nilIfEmpty(lab.Unit), nilIfEmpty(lab.ReferenceRange), nilIfEmpty(lab.AbnormalFlag), lab.CollectedAt)
	if err != nil {
		slog.Error("SQLiteStore AddLabResult failed", "error", err,
			"participantID", lab.ParticipantID, "marker", lab.Marker)
		return fmt.Errorf("failed to insert lab result: %w", err)
	}
	slog.Debug("SQLiteStore AddLabResult succeeded", "participantID", lab.ParticipantID, "marker", lab.Marker)
	return nil
}

const labColumns = `id, participant_id, timepoint, marker, value, unit, reference_range, abnormal_flag, collected_at`

func (s *SQLiteStore) GetLabResults(participantID string) ([]models.LabResult, error) {
	rows, err := s.db.Query(`SELECT `+labColumns+` FROM lab_results WHERE participant_id = ?`, participantID)
	if err != nil {
		slog.Error("SQLiteStore GetLabResults query failed", "error", err, "participantID", participantID)
		return nil, fmt.Errorf("failed to query lab results: %w", err)
	}
	defer rows.Close()

	var labs []models.LabResult
	for rows.Next() {
		lab, err := scanLabResult(rows)
		if err != nil {
			return nil, err
		}
		labs = append(labs, lab)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate lab result rows: %w", err)
	}
	return labs, nil
}

func (s *SQLiteStore) AddAlert(a models.Alert) error {
	query := `
		INSERT INTO alerts
			(id, participant_id, type, source, value, condition, message, urgency, target, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.Exec(query, a.ID, a.ParticipantID, a.Type, a.Source, a.Value,
		nilIfEmpty(a.Condition), nilIfEmpty(a.Message), nilIfEmpty(a.Urgency), nilIfEmpty(a.Target),
		a.Status, a.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore AddAlert failed", "error", err, "participantID", a.ParticipantID, "type", a.Type)
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	slog.Debug("SQLiteStore AddAlert succeeded", "participantID", a.ParticipantID, "type", a.Type)
	return nil
}

const alertColumns = `id, participant_id, type, source, value, condition, message, urgency, target, status, created_at`

func (s *SQLiteStore) GetAlerts(participantID string) ([]models.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts`
	args := []interface{}{}
	if participantID != "" {
		query += ` WHERE participant_id = ?`
		args = append(args, participantID)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore GetAlerts query failed", "error", err, "participantID", participantID)
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alert rows: %w", err)
	}
	return alerts, nil
}

func (s *SQLiteStore) AddMessage(m models.Message) error {
	query := `
		INSERT INTO messages (id, participant_id, channel, template_id, body, status, error, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.Exec(query, m.ID, m.ParticipantID, m.Channel, m.TemplateID, m.Body,
		m.Status, nilIfEmpty(m.Error), m.SentAt)
	if err != nil {
		slog.Error("SQLiteStore AddMessage failed", "error", err,
			"participantID", m.ParticipantID, "templateID", m.TemplateID)
		return fmt.Errorf("failed to insert message: %w", err)
	}
	slog.Debug("SQLiteStore AddMessage succeeded", "participantID", m.ParticipantID, "templateID", m.TemplateID)
	return nil
}

const messageColumns = `id, participant_id, channel, template_id, body, status, error, sent_at`

func (s *SQLiteStore) FindMessages(participantID, templateID string, channel models.MessageChannel, from, to time.Time) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE participant_id = ? AND template_id = ? AND channel = ? AND sent_at >= ? AND sent_at < ?`
	rows, err := s.db.Query(query, participantID, templateID, channel, from, to)
	if err != nil {
		slog.Error("SQLiteStore FindMessages query failed", "error", err,
			"participantID", participantID, "templateID", templateID)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return messages, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
