// Package messaging provides pluggable message delivery for OutcomePipe.
//
// Each Sender covers one delivery channel. The reminder engine picks the
// sender by channel, records the outcome in the message log, and never
// depends on a concrete transport.
package messaging

import (
	"context"
	"errors"
	"regexp"
	"sync"

	"github.com/OutcomeKit/OutcomePipe/internal/models"
)

// ErrNoSenderForChannel indicates no sender is registered for a channel.
var ErrNoSenderForChannel = errors.New("no sender registered for channel")

// phoneNumberRegex matches everything that is not a digit, for recipient
// canonicalization.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// SendResult carries the transport's identifier for a delivered message,
// when the transport provides one.
type SendResult struct {
	ID string
}

// Sender delivers messages on one channel.
type Sender interface {
	// Channel returns the delivery channel this sender covers.
	Channel() models.MessageChannel

	// ValidateAndCanonicalizeRecipient validates and canonicalizes a
	// recipient identifier. Each sender implements its own rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// Send delivers one message. The subject is ignored by channels that
	// have no subject concept (SMS).
	Send(ctx context.Context, to, subject, body string) (SendResult, error)
}

// Registry maps channels to their configured senders.
type Registry struct {
	mu      sync.RWMutex
	senders map[models.MessageChannel]Sender
}

// NewRegistry creates a registry with the given senders.
func NewRegistry(senders ...Sender) *Registry {
	r := &Registry{senders: make(map[models.MessageChannel]Sender, len(senders))}
	for _, s := range senders {
		r.senders[s.Channel()] = s
	}
	return r
}

// Register adds or replaces the sender for a channel.
func (r *Registry) Register(s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[s.Channel()] = s
}

// Sender returns the sender for a channel.
func (r *Registry) Sender(channel models.MessageChannel) (Sender, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[channel]
	if !ok {
		return nil, ErrNoSenderForChannel
	}
	return s, nil
}
