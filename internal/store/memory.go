package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/OutcomeKit/OutcomePipe/internal/models"
	"github.com/OutcomeKit/OutcomePipe/internal/protocol"
)

// InMemoryStore is a mutex-guarded in-memory Store, used for tests and for
// running without a database DSN.
type InMemoryStore struct {
	mu           sync.RWMutex
	participants map[string]models.Participant
	protocols    map[string]*protocol.Protocol
	submissions  map[string]models.Submission // key: participant|timepoint|instrument
	labResults   map[string]models.LabResult  // key: participant|timepoint|marker
	alerts       []models.Alert
	messages     []models.Message
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		participants: make(map[string]models.Participant),
		protocols:    make(map[string]*protocol.Protocol),
		submissions:  make(map[string]models.Submission),
		labResults:   make(map[string]models.LabResult),
	}
}

func submissionKey(participantID, timepoint, instrumentID string) string {
	return participantID + "|" + timepoint + "|" + instrumentID
}

func labKey(participantID, timepoint, marker string) string {
	return participantID + "|" + timepoint + "|" + marker
}

func (s *InMemoryStore) SaveParticipant(p models.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants[p.ID] = p
	return nil
}

func (s *InMemoryStore) GetParticipant(id string) (*models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *InMemoryStore) ListParticipantsByStatus(status models.ParticipantStatus) ([]models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Participant
	for _, p := range s.participants {
		if p.Status == status {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *InMemoryStore) SaveProtocol(studyID string, doc []byte) error {
	parsed, err := protocol.Parse(doc)
	if err != nil {
		return fmt.Errorf("failed to save protocol for study %s: %w", studyID, err)
	}
	parsed.StudyID = studyID
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protocols[studyID] = parsed
	return nil
}

func (s *InMemoryStore) GetProtocol(studyID string) (*protocol.Protocol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.protocols[studyID], nil
}

func (s *InMemoryStore) UpsertSubmission(sub models.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submissions[submissionKey(sub.ParticipantID, sub.Timepoint, sub.InstrumentID)] = sub
	return nil
}

func (s *InMemoryStore) GetSubmissions(participantID string) ([]models.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Submission
	for _, sub := range s.submissions {
		if sub.ParticipantID == participantID {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *InMemoryStore) AddLabResult(lab models.LabResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := labKey(lab.ParticipantID, lab.Timepoint, lab.Marker)
	if _, exists := s.labResults[key]; exists {
		return fmt.Errorf("lab result already recorded for %s/%s/%s", lab.ParticipantID, lab.Timepoint, lab.Marker)
	}
	s.labResults[key] = lab
	return nil
}

func (s *InMemoryStore) GetLabResults(participantID string) ([]models.LabResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.LabResult
	for _, lab := range s.labResults {
		if lab.ParticipantID == participantID {
			out = append(out, lab)
		}
	}
	return out, nil
}

func (s *InMemoryStore) AddAlert(alert models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
	return nil
}

func (s *InMemoryStore) GetAlerts(participantID string) ([]models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Alert
	for _, a := range s.alerts {
		if participantID == "" || a.ParticipantID == participantID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *InMemoryStore) AddMessage(msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *InMemoryStore) FindMessages(participantID, templateID string, channel models.MessageChannel, from, to time.Time) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Message
	for _, m := range s.messages {
		if m.ParticipantID != participantID || m.TemplateID != templateID || m.Channel != channel {
			continue
		}
		if m.SentAt.Before(from) || !m.SentAt.Before(to) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
