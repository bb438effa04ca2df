package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"os"
	"strconv"

	"gopkg.in/gomail.v2"

	"github.com/OutcomeKit/OutcomePipe/internal/models"
)

// DefaultSMTPPort is used when no SMTP port is configured.
const DefaultSMTPPort = 587

// EmailOpts holds configuration options for the SMTP email sender.
type EmailOpts struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailOption defines a configuration option for the SMTP email sender.
type EmailOption func(*EmailOpts)

// WithSMTPHost sets the SMTP server host.
func WithSMTPHost(host string) EmailOption {
	return func(o *EmailOpts) { o.Host = host }
}

// WithSMTPPort sets the SMTP server port.
func WithSMTPPort(port int) EmailOption {
	return func(o *EmailOpts) { o.Port = port }
}

// WithSMTPCredentials sets the SMTP username and password.
func WithSMTPCredentials(username, password string) EmailOption {
	return func(o *EmailOpts) { o.Username = username; o.Password = password }
}

// WithFromAddress sets the sending email address.
func WithFromAddress(from string) EmailOption {
	return func(o *EmailOpts) { o.From = from }
}

// EmailSender delivers email reminders over SMTP.
type EmailSender struct {
	dialer *gomail.Dialer
	from   string
}

// NewEmailSender creates an SMTP-backed email sender. Options fall back to
// the SMTP_HOST, SMTP_PORT, SMTP_USERNAME, SMTP_PASSWORD, and SMTP_FROM
// environment variables.
func NewEmailSender(opts ...EmailOption) (*EmailSender, error) {
	var cfg EmailOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Host == "" {
		cfg.Host = os.Getenv("SMTP_HOST")
	}
	if cfg.Port == 0 {
		if portStr := os.Getenv("SMTP_PORT"); portStr != "" {
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return nil, fmt.Errorf("invalid SMTP_PORT %q: %w", portStr, err)
			}
			cfg.Port = port
		} else {
			cfg.Port = DefaultSMTPPort
		}
	}
	if cfg.Username == "" {
		cfg.Username = os.Getenv("SMTP_USERNAME")
	}
	if cfg.Password == "" {
		cfg.Password = os.Getenv("SMTP_PASSWORD")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("SMTP_FROM")
	}
	slog.Debug("Email sender config loaded",
		"host_set", cfg.Host != "", "port", cfg.Port, "from_set", cfg.From != "")

	if cfg.Host == "" {
		return nil, fmt.Errorf("SMTP host must be provided")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("from address must be provided")
	}

	return &EmailSender{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}, nil
}

// Channel returns the email channel.
func (s *EmailSender) Channel() models.MessageChannel {
	return models.ChannelEmail
}

// ValidateAndCanonicalizeRecipient validates an email address and returns
// its canonical address form.
func (s *EmailSender) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	addr, err := mail.ParseAddress(recipient)
	if err != nil {
		return "", fmt.Errorf("invalid email address %q: %w", recipient, err)
	}
	return addr.Address, nil
}

// Send delivers one email.
func (s *EmailSender) Send(ctx context.Context, to, subject, body string) (SendResult, error) {
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("EmailSender.Send: recipient validation failed", "error", err, "to", to)
		return SendResult{}, err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", canonicalTo)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	if err := s.dialer.DialAndSend(m); err != nil {
		slog.Error("EmailSender.Send: SMTP delivery failed", "error", err, "to", canonicalTo)
		return SendResult{}, fmt.Errorf("failed to send email: %w", err)
	}
	slog.Debug("EmailSender.Send: email sent", "to", canonicalTo, "subject", subject)
	return SendResult{}, nil
}
