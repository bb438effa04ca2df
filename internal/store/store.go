// Package store provides storage backends for OutcomePipe.
//
// It includes an in-memory store for tests and development, plus SQLite and
// PostgreSQL backed stores keyed exactly as the engine's record model:
// submissions by (participant, timepoint, instrument), lab results by
// (participant, timepoint, marker), alerts append-only, and the message log
// queried for reminder dedup.
package store

import (
	"strings"
	"time"

	"github.com/OutcomeKit/OutcomePipe/internal/models"
	"github.com/OutcomeKit/OutcomePipe/internal/protocol"
)

// Store is the storage contract the engine and reminder batch depend on.
// Lookup methods return (nil, nil) when a record does not exist.
type Store interface {
	// SaveParticipant inserts or updates a participant by id.
	SaveParticipant(p models.Participant) error
	GetParticipant(id string) (*models.Participant, error)
	// ListParticipantsByStatus returns all participants in one lifecycle status.
	ListParticipantsByStatus(status models.ParticipantStatus) ([]models.Participant, error)

	// SaveProtocol validates and stores a protocol document for a study.
	SaveProtocol(studyID string, doc []byte) error
	// GetProtocol returns the parsed, canonical protocol for a study.
	GetProtocol(studyID string) (*protocol.Protocol, error)

	// UpsertSubmission writes a submission, last-write-wins per
	// (participant, timepoint, instrument).
	UpsertSubmission(sub models.Submission) error
	GetSubmissions(participantID string) ([]models.Submission, error)

	AddLabResult(lab models.LabResult) error
	GetLabResults(participantID string) ([]models.LabResult, error)

	AddAlert(alert models.Alert) error
	GetAlerts(participantID string) ([]models.Alert, error)

	AddMessage(msg models.Message) error
	// FindMessages returns messages for one participant, template, and
	// channel sent within [from, to). Used for reminder dedup.
	FindMessages(participantID, templateID string, channel models.MessageChannel, from, to time.Time) ([]models.Message, error)

	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType classifies a DSN string as "postgres" or "sqlite".
// PostgreSQL DSNs use a URL scheme or key=value form; anything else is
// treated as a SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}
