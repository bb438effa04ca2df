package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/OutcomeKit/OutcomePipe/internal/models"
)

// LogOnlySender records sends in the log without calling any transport.
// It backs the sandbox/demo mode: the reminder pipeline (dedup, templates,
// message records) runs exactly as in production, only delivery is elided.
// It is selected explicitly by configuration, never assumed.
type LogOnlySender struct {
	channel models.MessageChannel
}

// NewLogOnlySender creates a log-only sender for the given channel.
func NewLogOnlySender(channel models.MessageChannel) *LogOnlySender {
	return &LogOnlySender{channel: channel}
}

// Channel returns the configured channel.
func (s *LogOnlySender) Channel() models.MessageChannel {
	return s.channel
}

// ValidateAndCanonicalizeRecipient applies the channel's canonicalization
// rules so sandbox runs surface the same recipient errors production would.
func (s *LogOnlySender) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if s.channel == models.ChannelSMS {
		return canonicalizePhone(recipient)
	}
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	return recipient, nil
}

// Send logs the message and reports success.
func (s *LogOnlySender) Send(ctx context.Context, to, subject, body string) (SendResult, error) {
	id := "logonly_" + uuid.NewString()
	slog.Info("LogOnlySender.Send: delivery elided (sandbox mode)",
		"channel", s.channel, "to", to, "subject", subject, "body_length", len(body), "id", id)
	return SendResult{ID: id}, nil
}
