// Package store provides storage backends for OutcomePipe.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/OutcomeKit/OutcomePipe/internal/models"
	"github.com/OutcomeKit/OutcomePipe/internal/protocol"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveParticipant(p models.Participant) error {
	query := `
		INSERT INTO participants
			(id, study_id, first_name, last_name, phone, email, status, enrolled_at, current_week, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			study_id = EXCLUDED.study_id, first_name = EXCLUDED.first_name, last_name = EXCLUDED.last_name,
			phone = EXCLUDED.phone, email = EXCLUDED.email, status = EXCLUDED.status,
			enrolled_at = EXCLUDED.enrolled_at, current_week = EXCLUDED.current_week, updated_at = EXCLUDED.updated_at`
	var enrolledAt interface{}
	if p.EnrolledAt != nil {
		enrolledAt = *p.EnrolledAt
	}
	_, err := s.db.Exec(query, p.ID, p.StudyID, p.FirstName, nilIfEmpty(p.LastName),
		nilIfEmpty(p.Phone), nilIfEmpty(p.Email), p.Status, enrolledAt, p.CurrentWeek, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveParticipant failed", "error", err, "participantID", p.ID)
		return fmt.Errorf("failed to save participant %s: %w", p.ID, err)
	}
	slog.Debug("PostgresStore SaveParticipant succeeded", "participantID", p.ID, "status", p.Status)
	return nil
}

func (s *PostgresStore) GetParticipant(id string) (*models.Participant, error) {
	row := s.db.QueryRow(`SELECT `+participantColumns+` FROM participants WHERE id = $1`, id)
	p, err := scanParticipant(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetParticipant failed", "error", err, "participantID", id)
		return nil, fmt.Errorf("failed to get participant %s: %w", id, err)
	}
	return &p, nil
}

func (s *PostgresStore) ListParticipantsByStatus(status models.ParticipantStatus) ([]models.Participant, error) {
	rows, err := s.db.Query(`SELECT `+participantColumns+` FROM participants WHERE status = $1`, status)
	if err != nil {
		slog.Error("PostgresStore ListParticipantsByStatus query failed", "error", err, "status", status)
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

func (s *PostgresStore) SaveProtocol(studyID string, doc []byte) error {
	if _, err := protocol.Parse(doc); err != nil {
		return fmt.Errorf("failed to save protocol for study %s: %w", studyID, err)
	}
	query := `
		INSERT INTO protocols (study_id, document, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (study_id) DO UPDATE SET document = EXCLUDED.document, updated_at = EXCLUDED.updated_at`
	_, err := s.db.Exec(query, studyID, string(doc), time.Now().UTC())
	if err != nil {
		slog.Error("PostgresStore SaveProtocol failed", "error", err, "studyID", studyID)
		return fmt.Errorf("failed to save protocol for study %s: %w", studyID, err)
	}
	slog.Debug("PostgresStore SaveProtocol succeeded", "studyID", studyID)
	return nil
}

func (s *PostgresStore) GetProtocol(studyID string) (*protocol.Protocol, error) {
	var doc string
	err := s.db.QueryRow(`SELECT document FROM protocols WHERE study_id = $1`, studyID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetProtocol failed", "error", err, "studyID", studyID)
		return nil, fmt.Errorf("failed to get protocol for study %s: %w", studyID, err)
	}
	parsed, err := protocol.Parse([]byte(doc))
	if err != nil {
		return nil, fmt.Errorf("stored protocol for study %s is invalid: %w", studyID, err)
	}
	parsed.StudyID = studyID
	return parsed, nil
}

func (s *PostgresStore) UpsertSubmission(sub models.Submission) error {
	answersJSON, err := marshalValueMap(sub.Answers)
	if err != nil {
		return err
	}
	scoresJSON, err := marshalValueMap(sub.Scores)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO submissions
			(id, participant_id, timepoint, instrument_id, answers, scores, duration_seconds, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (participant_id, timepoint, instrument_id) DO UPDATE SET
			id = EXCLUDED.id, answers = EXCLUDED.answers, scores = EXCLUDED.scores,
			duration_seconds = EXCLUDED.duration_seconds, submitted_at = EXCLUDED.submitted_at`
	_, err = s.db.Exec(query, sub.ID, sub.ParticipantID, sub.Timepoint, sub.InstrumentID,
		answersJSON, scoresJSON, sub.DurationSeconds, sub.SubmittedAt)
	if err != nil {
		slog.Error("PostgresStore UpsertSubmission failed", "error", err,
			"participantID", sub.ParticipantID, "timepoint", sub.Timepoint, "instrumentID", sub.InstrumentID)
		return fmt.Errorf("failed to upsert submission: %w", err)
	}
	slog.Debug("PostgresStore UpsertSubmission succeeded",
		"participantID", sub.ParticipantID, "timepoint", sub.Timepoint, "instrumentID", sub.InstrumentID)
	return nil
}

func (s *PostgresStore) GetSubmissions(participantID string) ([]models.Submission, error) {
	rows, err := s.db.Query(`SELECT `+submissionColumns+` FROM submissions WHERE participant_id = $1`, participantID)
	if err != nil {
		slog.Error("PostgresStore GetSubmissions query failed", "error", err, "participantID", participantID)
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

func (s *PostgresStore) AddLabResult(lab models.LabResult) error {
	query := `
		INSERT INTO lab_results
			(id, participant_id, timepoint, marker, value, unit, reference_range, abnormal_flag, collected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.db.Exec(query, lab.ID, lab.ParticipantID, lab.Timepoint, lab.Marker, lab.Value,
		nilIfEmpty(lab.Unit), nilIfEmpty(lab.ReferenceRange), nilIfEmpty(lab.AbnormalFlag), lab.CollectedAt)
	if err != nil {
		slog.Error("PostgresStore AddLabResult failed", "error", err,
			"participantID", lab.ParticipantID, "marker", lab.Marker)
		return fmt.Errorf("failed to insert lab result: %w", err)
	}
	slog.Debug("PostgresStore AddLabResult succeeded", "participantID", lab.ParticipantID, "marker", lab.Marker)
	return nil
}

func (s *PostgresStore) GetLabResults(participantID string) ([]models.LabResult, error) {
	rows, err := s.db.Query(`SELECT `+labColumns+` FROM lab_results WHERE participant_id = $1`, participantID)
	if err != nil {
		slog.Error("PostgresStore GetLabResults query failed", "error", err, "participantID", participantID)
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

func (s *PostgresStore) AddAlert(a models.Alert) error {
	query := `
		INSERT INTO alerts
			(id, participant_id, type, source, value, condition, message, urgency, target, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := s.db.Exec(query, a.ID, a.ParticipantID, a.Type, a.Source, a.Value,
		nilIfEmpty(a.Condition), nilIfEmpty(a.Message), nilIfEmpty(a.Urgency), nilIfEmpty(a.Target),
		a.Status, a.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore AddAlert failed", "error", err, "participantID", a.ParticipantID, "type", a.Type)
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	slog.Debug("PostgresStore AddAlert succeeded", "participantID", a.ParticipantID, "type", a.Type)
	return nil
}

func (s *PostgresStore) GetAlerts(participantID string) ([]models.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts`
	args := []interface{}{}
	if participantID != "" {
		query += ` WHERE participant_id = $1`
		args = append(args, participantID)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore GetAlerts query failed", "error", err, "participantID", participantID)
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

func (s *PostgresStore) AddMessage(m models.Message) error {
	query := `
		INSERT INTO messages (id, participant_id, channel, template_id, body, status, error, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.db.Exec(query, m.ID, m.ParticipantID, m.Channel, m.TemplateID, m.Body,
		m.Status, nilIfEmpty(m.Error), m.SentAt)
	if err != nil {
		slog.Error("PostgresStore AddMessage failed", "error", err,
			"participantID", m.ParticipantID, "templateID", m.TemplateID)
		return fmt.Errorf("failed to insert message: %w", err)
	}
	slog.Debug("PostgresStore AddMessage succeeded", "participantID", m.ParticipantID, "templateID", m.TemplateID)
	return nil
}

func (s *PostgresStore) FindMessages(participantID, templateID string, channel models.MessageChannel, from, to time.Time) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE participant_id = $1 AND template_id = $2 AND channel = $3 AND sent_at >= $4 AND sent_at < $5`
	rows, err := s.db.Query(query, participantID, templateID, channel, from, to)
	if err != nil {
		slog.Error("PostgresStore FindMessages query failed", "error", err,
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

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
