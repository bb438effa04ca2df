package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/OutcomeKit/OutcomePipe/internal/models"
)

// MockSender is a test double that records sends and can be told to fail.
type MockSender struct {
	mu       sync.Mutex
	channel  models.MessageChannel
	sent     []MockSend
	FailWith error
}

// MockSend records one Send call.
type MockSend struct {
	To      string
	Subject string
	Body    string
}

// NewMockSender creates a mock sender for the given channel.
func NewMockSender(channel models.MessageChannel) *MockSender {
	return &MockSender{channel: channel}
}

// Channel returns the configured channel.
func (s *MockSender) Channel() models.MessageChannel {
	return s.channel
}

// ValidateAndCanonicalizeRecipient accepts any non-empty recipient.
func (s *MockSender) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	return recipient, nil
}

// Send records the call and returns the configured error, if any.
func (s *MockSender) Send(ctx context.Context, to, subject, body string) (SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return SendResult{}, s.FailWith
	}
	s.sent = append(s.sent, MockSend{To: to, Subject: subject, Body: body})
	return SendResult{ID: fmt.Sprintf("mock_%d", len(s.sent))}, nil
}

// Sent returns a copy of the recorded sends.
func (s *MockSender) Sent() []MockSend {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MockSend, len(s.sent))
	copy(out, s.sent)
	return out
}
