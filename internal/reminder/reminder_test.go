package reminder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/OutcomeKit/OutcomePipe/internal/messaging"
	"github.com/OutcomeKit/OutcomePipe/internal/models"
	"github.com/OutcomeKit/OutcomePipe/internal/store"
	"github.com/OutcomeKit/OutcomePipe/internal/testutil"
)

const reminderProtocolDoc = `{
	"studyName": "CardioWell",
	"instruments": {
		"phq-9": {"questions": [{"id": "q1", "type": "free_numeric"}], "scoring": {"method": "sum"}}
	},
	"schedule": [{"timepoint": "baseline", "label": "Baseline", "week": 0, "instruments": ["phq-9"]}]
}`

func newTestSetup(t *testing.T, now time.Time) (*store.InMemoryStore, *messaging.MockSender, *messaging.MockSender, *Engine) {
	t.Helper()
	st := store.NewInMemoryStore()
	if err := st.SaveProtocol("cardio", []byte(reminderProtocolDoc)); err != nil {
		t.Fatalf("SaveProtocol: %v", err)
	}
	sms := messaging.NewMockSender(models.ChannelSMS)
	email := messaging.NewMockSender(models.ChannelEmail)
	eng := NewEngine(st, messaging.NewRegistry(sms, email), WithClock(testutil.FixedClock(now)))
	return st, sms, email, eng
}

func TestRunBatchEscalationOffsets(t *testing.T) {
	enrolled := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		day     int
		stage   string
		channel models.MessageChannel
		owed    bool
	}{
		{0, StageInitial, models.ChannelSMS, true},
		{1, StageInitial, models.ChannelEmail, true},
		{2, StageFollowUp, models.ChannelSMS, true},
		{3, "", "", false},
		{4, StageFollowUp, models.ChannelEmail, true},
		{5, "", "", false},
		{6, StageFinal, models.ChannelSMS, true},
		{7, StageFinal, models.ChannelEmail, true},
		{8, "", "", false},
	}
	for _, tc := range tests {
		now := enrolled.AddDate(0, 0, tc.day).Add(10 * time.Hour)
		st, sms, email, eng := newTestSetup(t, now)
		testutil.SeedActiveParticipant(t, st, "p1", "cardio", enrolled)

		batch := eng.RunBatch(context.Background())

		if !tc.owed {
			if batch.Sent != 0 || batch.Processed != 0 {
				t.Errorf("day %d: expected nothing owed, got %+v", tc.day, batch)
			}
			continue
		}
		if batch.Sent != 1 || batch.Errors != 0 {
			t.Fatalf("day %d: batch = %+v, want exactly one send", tc.day, batch)
		}
		r := batch.Results[0]
		if r.Stage != tc.stage || r.Channel != tc.channel {
			t.Errorf("day %d: reminder = (%s, %s), want (%s, %s)", tc.day, r.Stage, r.Channel, tc.stage, tc.channel)
		}
		sent := sms.Sent()
		if tc.channel == models.ChannelEmail {
			sent = email.Sent()
		}
		if len(sent) != 1 {
			t.Errorf("day %d: sender recorded %d sends, want 1", tc.day, len(sent))
		}
	}
}

func TestRunBatchSameDayDedup(t *testing.T) {
	enrolled := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	now := enrolled.Add(9 * time.Hour)
	st, sms, _, eng := newTestSetup(t, now)
	testutil.SeedActiveParticipant(t, st, "p1", "cardio", enrolled)

	first := eng.RunBatch(context.Background())
	if first.Sent != 1 {
		t.Fatalf("first run: %+v, want one send", first)
	}
	second := eng.RunBatch(context.Background())
	if second.Sent != 0 || second.Skipped != 1 {
		t.Errorf("second run: %+v, want one skip and no sends", second)
	}
	if len(sms.Sent()) != 1 {
		t.Errorf("sender called %d times across both runs, want 1", len(sms.Sent()))
	}
}

func TestRunBatchSkipsCompletedTimepoints(t *testing.T) {
	enrolled := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	st, _, _, eng := newTestSetup(t, enrolled.Add(9*time.Hour))
	testutil.SeedActiveParticipant(t, st, "p1", "cardio", enrolled)

	sub := models.Submission{ID: "s1", ParticipantID: "p1", Timepoint: "baseline", InstrumentID: "phq-9", SubmittedAt: enrolled}
	if err := st.UpsertSubmission(sub); err != nil {
		t.Fatalf("UpsertSubmission: %v", err)
	}

	batch := eng.RunBatch(context.Background())
	if batch.Processed != 0 {
		t.Errorf("completed timepoint still produced reminders: %+v", batch)
	}
}

func TestRunBatchDeliveryFailureIsIsolated(t *testing.T) {
	enrolled := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	st, sms, _, eng := newTestSetup(t, enrolled.Add(9*time.Hour))
	sms.FailWith = errors.New("carrier unavailable")

	testutil.SeedActiveParticipant(t, st, "p1", "cardio", enrolled)
	p2 := testutil.SeedActiveParticipant(t, st, "p2", "cardio", enrolled)

	batch := eng.RunBatch(context.Background())
	if batch.Errors != 2 || batch.Sent != 0 {
		t.Fatalf("batch = %+v, want two isolated errors", batch)
	}

	// Failed deliveries are still recorded in the message log.
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	msgs, err := st.FindMessages(p2.ID, "initial_baseline", models.ChannelSMS, day, day.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("FindMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Status != models.MessageStatusFailed {
		t.Errorf("failed message not logged: %+v", msgs)
	}
}

func TestRunBatchMissingSenderIsError(t *testing.T) {
	enrolled := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	st := store.NewInMemoryStore()
	if err := st.SaveProtocol("cardio", []byte(reminderProtocolDoc)); err != nil {
		t.Fatalf("SaveProtocol: %v", err)
	}
	// SMS only; the day-1 email reminder has no registered sender.
	registry := messaging.NewRegistry(messaging.NewMockSender(models.ChannelSMS))
	eng := NewEngine(st, registry, WithClock(testutil.FixedClock(enrolled.AddDate(0, 0, 1).Add(9*time.Hour))))
	testutil.SeedActiveParticipant(t, st, "p1", "cardio", enrolled)

	batch := eng.RunBatch(context.Background())
	if batch.Errors != 1 {
		t.Fatalf("batch = %+v, want one error for missing email sender", batch)
	}
}

func TestRunBatchIgnoresInactiveParticipants(t *testing.T) {
	enrolled := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	st, _, _, eng := newTestSetup(t, enrolled.Add(9*time.Hour))

	p := testutil.SeedActiveParticipant(t, st, "p1", "cardio", enrolled)
	p.Status = models.ParticipantStatusWithdrawn
	if err := st.SaveParticipant(p); err != nil {
		t.Fatalf("SaveParticipant: %v", err)
	}

	batch := eng.RunBatch(context.Background())
	if batch.Processed != 0 {
		t.Errorf("withdrawn participant still processed: %+v", batch)
	}
}

func TestRunBatchUsesSimulatedClock(t *testing.T) {
	enrolled := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	// Wall clock is still enrollment day, but the participant has been
	// advanced one week; the week-1 timepoint is not in this protocol, so
	// the baseline reminder is owed at effective day 7 (final, email).
	st, _, email, eng := newTestSetup(t, enrolled.Add(9*time.Hour))
	p := testutil.SeedActiveParticipant(t, st, "p1", "cardio", enrolled)
	p.CurrentWeek = 1
	if err := st.SaveParticipant(p); err != nil {
		t.Fatalf("SaveParticipant: %v", err)
	}

	batch := eng.RunBatch(context.Background())
	if batch.Sent != 1 {
		t.Fatalf("batch = %+v, want one send at effective day 7", batch)
	}
	if batch.Results[0].Stage != StageFinal || batch.Results[0].Channel != models.ChannelEmail {
		t.Errorf("reminder = (%s, %s), want (final, email)", batch.Results[0].Stage, batch.Results[0].Channel)
	}
	if len(email.Sent()) != 1 {
		t.Errorf("email sender recorded %d sends, want 1", len(email.Sent()))
	}
}
