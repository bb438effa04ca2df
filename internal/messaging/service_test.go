package messaging

import (
	"context"
	"testing"

	"github.com/OutcomeKit/OutcomePipe/internal/models"
)

func TestRegistryLookup(t *testing.T) {
	sms := NewMockSender(models.ChannelSMS)
	registry := NewRegistry(sms)

	got, err := registry.Sender(models.ChannelSMS)
	if err != nil || got != Sender(sms) {
		t.Errorf("Sender(sms) = (%v, %v), want the registered mock", got, err)
	}
	if _, err := registry.Sender(models.ChannelEmail); err != ErrNoSenderForChannel {
		t.Errorf("Sender(email) error = %v, want ErrNoSenderForChannel", err)
	}

	email := NewMockSender(models.ChannelEmail)
	registry.Register(email)
	if _, err := registry.Sender(models.ChannelEmail); err != nil {
		t.Errorf("Sender(email) after Register = %v", err)
	}
}

func TestCanonicalizePhone(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"plain digits", "15550100", "15550100", false},
		{"formatted", "+1 (555) 010-0123", "15550100123", false},
		{"empty", "", "", true},
		{"no digits", "not-a-number", "", true},
		{"too short", "12345", "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := canonicalizePhone(tc.in)
			if (err != nil) != tc.wantErr {
				t.Fatalf("canonicalizePhone(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
			}
			if !tc.wantErr && got != tc.want {
				t.Errorf("canonicalizePhone(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestLogOnlySenderValidatesLikeProduction(t *testing.T) {
	sms := NewLogOnlySender(models.ChannelSMS)
	if _, err := sms.ValidateAndCanonicalizeRecipient("abc"); err == nil {
		t.Error("log-only SMS sender accepted a recipient with no digits")
	}
	canonical, err := sms.ValidateAndCanonicalizeRecipient("+1 555 010 0123")
	if err != nil || canonical != "15550100123" {
		t.Errorf("canonicalized = (%q, %v)", canonical, err)
	}

	result, err := sms.Send(context.Background(), canonical, "", "reminder body")
	if err != nil || result.ID == "" {
		t.Errorf("Send = (%+v, %v), want synthetic id and no error", result, err)
	}
}

func TestMockSenderFailureInjection(t *testing.T) {
	sms := NewMockSender(models.ChannelSMS)
	if _, err := sms.Send(context.Background(), "15550100", "", "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sms.FailWith = context.DeadlineExceeded
	if _, err := sms.Send(context.Background(), "15550100", "", "again"); err == nil {
		t.Error("Send did not surface injected failure")
	}
	if len(sms.Sent()) != 1 {
		t.Errorf("recorded sends = %d, want 1", len(sms.Sent()))
	}
}
