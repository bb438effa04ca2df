// Package reminder walks active participants' schedules and sends
// escalating reminders for timepoints that are due but not completed.
package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/OutcomeKit/OutcomePipe/internal/messaging"
	"github.com/OutcomeKit/OutcomePipe/internal/models"
	"github.com/OutcomeKit/OutcomePipe/internal/schedule"
	"github.com/OutcomeKit/OutcomePipe/internal/store"
)

// Escalation stages, in order of increasing insistence.
const (
	StageInitial  = "initial"
	StageFollowUp = "followUp"
	StageFinal    = "final"
)

// escalationStep names what one day-since-due offset owes.
type escalationStep struct {
	Stage   string
	Channel models.MessageChannel
}

// escalationSteps maps whole days since the due date to the reminder owed
// that day. Days absent from the table owe nothing, including days 3, 5,
// and anything past 7.
var escalationSteps = map[int]escalationStep{
	0: {StageInitial, models.ChannelSMS},
	1: {StageInitial, models.ChannelEmail},
	2: {StageFollowUp, models.ChannelSMS},
	4: {StageFollowUp, models.ChannelEmail},
	6: {StageFinal, models.ChannelSMS},
	7: {StageFinal, models.ChannelEmail},
}

// Opts holds configuration options for the reminder engine.
type Opts struct {
	BaseURL string
	Now     func() time.Time
}

// Option defines a configuration option for the reminder engine.
type Option func(*Opts)

// WithBaseURL sets the base URL used to build assessment deep links.
func WithBaseURL(baseURL string) Option {
	return func(o *Opts) { o.BaseURL = baseURL }
}

// WithClock overrides the engine's wall clock.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Engine drives the reminder escalation batch.
type Engine struct {
	st       store.Store
	registry *messaging.Registry
	baseURL  string
	now      func() time.Time
}

// NewEngine creates a reminder engine over the given store and sender
// registry.
func NewEngine(st store.Store, registry *messaging.Registry, opts ...Option) *Engine {
	cfg := Opts{BaseURL: "https://study.example.org", Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{st: st, registry: registry, baseURL: cfg.BaseURL, now: cfg.Now}
}

// RunBatch processes every active participant once. Per-participant and
// per-timepoint failures are recorded in the batch result and never abort
// the run, so one bad record cannot starve the rest of the cohort.
func (e *Engine) RunBatch(ctx context.Context) models.ReminderBatchResult {
	batch := models.ReminderBatchResult{Results: []models.ReminderResult{}}

	participants, err := e.st.ListParticipantsByStatus(models.ParticipantStatusActive)
	if err != nil {
		slog.Error("ReminderEngine.RunBatch: failed to list active participants", "error", err)
		batch.Errors++
		batch.Results = append(batch.Results, models.ReminderResult{
			Status: "error",
			Detail: fmt.Sprintf("failed to list active participants: %v", err),
		})
		return batch
	}

	for _, p := range participants {
		results := e.processParticipant(ctx, p)
		for _, r := range results {
			batch.Processed++
			switch r.Status {
			case "sent":
				batch.Sent++
			case "skipped":
				batch.Skipped++
			default:
				batch.Errors++
			}
		}
		batch.Results = append(batch.Results, results...)
	}

	slog.Info("ReminderEngine.RunBatch: batch complete",
		"participants", len(participants), "processed", batch.Processed,
		"sent", batch.Sent, "skipped", batch.Skipped, "errors", batch.Errors)
	return batch
}

// processParticipant evaluates one participant's schedule against the
// escalation table.
func (e *Engine) processParticipant(ctx context.Context, p models.Participant) []models.ReminderResult {
	proto, err := e.st.GetProtocol(p.StudyID)
	if err != nil || proto == nil {
		detail := fmt.Sprintf("no protocol for study %s", p.StudyID)
		if err != nil {
			detail = fmt.Sprintf("failed to load protocol for study %s: %v", p.StudyID, err)
		}
		slog.Warn("ReminderEngine.processParticipant: skipping participant", "participantID", p.ID, "detail", detail)
		return []models.ReminderResult{{ParticipantID: p.ID, Status: "error", Detail: detail}}
	}

	subs, err := e.st.GetSubmissions(p.ID)
	if err != nil {
		return []models.ReminderResult{{ParticipantID: p.ID, Status: "error", Detail: fmt.Sprintf("failed to load submissions: %v", err)}}
	}
	labs, err := e.st.GetLabResults(p.ID)
	if err != nil {
		return []models.ReminderResult{{ParticipantID: p.ID, Status: "error", Detail: fmt.Sprintf("failed to load lab results: %v", err)}}
	}

	effNow := p.EffectiveNow(e.now())
	timepoints := schedule.Calculate(p.EnrolledAt, proto.Schedule, subs, labs, effNow)

	var results []models.ReminderResult
	for i := range timepoints {
		tp := &timepoints[i]
		if tp.Status == schedule.StatusCompleted {
			continue
		}
		step, owed := escalationSteps[tp.DaysSinceDue]
		if !owed {
			continue
		}
		results = append(results, e.sendReminder(ctx, p, proto.StudyName, tp, step, effNow))
	}
	return results
}

// sendReminder delivers one owed reminder, deduplicating against the
// message log by (participant, template, channel, local calendar day) so
// repeated batch runs inside one day are no-ops.
func (e *Engine) sendReminder(ctx context.Context, p models.Participant, studyName string, tp *schedule.Timepoint, step escalationStep, effNow time.Time) models.ReminderResult {
	templateID := step.Stage + "_" + tp.Timepoint
	result := models.ReminderResult{
		ParticipantID: p.ID,
		Timepoint:     tp.Timepoint,
		Stage:         step.Stage,
		Channel:       step.Channel,
	}

	dayStart := time.Date(effNow.Year(), effNow.Month(), effNow.Day(), 0, 0, 0, 0, effNow.Location())
	prior, err := e.st.FindMessages(p.ID, templateID, step.Channel, dayStart, dayStart.AddDate(0, 0, 1))
	if err != nil {
		result.Status = "error"
		result.Detail = fmt.Sprintf("failed to check message log: %v", err)
		return result
	}
	if len(prior) > 0 {
		result.Status = "skipped"
		result.Detail = "already sent today"
		return result
	}

	sender, err := e.registry.Sender(step.Channel)
	if err != nil {
		result.Status = "error"
		result.Detail = fmt.Sprintf("%v: %s", err, step.Channel)
		return result
	}

	recipient := p.Phone
	if step.Channel == models.ChannelEmail {
		recipient = p.Email
	}
	to, err := sender.ValidateAndCanonicalizeRecipient(recipient)
	if err != nil {
		result.Status = "error"
		result.Detail = fmt.Sprintf("invalid %s recipient: %v", step.Channel, err)
		return result
	}

	subject, body := e.renderTemplate(p, studyName, tp, step, effNow)

	msg := models.Message{
		ID:            "msg_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		ParticipantID: p.ID,
		Channel:       step.Channel,
		TemplateID:    templateID,
		Body:          body,
		SentAt:        effNow,
	}
	if _, err := sender.Send(ctx, to, subject, body); err != nil {
		msg.Status = models.MessageStatusFailed
		msg.Error = err.Error()
		result.Status = "error"
		result.Detail = fmt.Sprintf("delivery failed: %v", err)
	} else {
		msg.Status = models.MessageStatusSent
		result.Status = "sent"
	}
	if err := e.st.AddMessage(msg); err != nil {
		slog.Error("ReminderEngine.sendReminder: message log write failed",
			"participantID", p.ID, "templateID", templateID, "error", err)
		if result.Status == "sent" {
			result.Detail = fmt.Sprintf("sent, but message log write failed: %v", err)
		}
	}
	slog.Info("ReminderEngine.sendReminder: reminder processed",
		"participantID", p.ID, "timepoint", tp.Timepoint, "stage", step.Stage,
		"channel", step.Channel, "status", result.Status)
	return result
}

// renderTemplate builds the subject and body for one reminder stage.
func (e *Engine) renderTemplate(p models.Participant, studyName string, tp *schedule.Timepoint, step escalationStep, effNow time.Time) (string, string) {
	label := tp.Label
	if label == "" {
		label = tp.Timepoint
	}
	link := fmt.Sprintf("%s/assessments/%s/%s", e.baseURL, p.ID, tp.Timepoint)
	daysLeft := tp.DaysRemaining(effNow)

	var subject, body string
	switch step.Stage {
	case StageInitial:
		subject = fmt.Sprintf("%s: your %s check-in is ready", studyName, label)
		body = fmt.Sprintf("Hi %s, your %s assessment for %s is now open. Complete it here: %s",
			p.FirstName, label, studyName, link)
	case StageFollowUp:
		subject = fmt.Sprintf("%s: reminder for your %s check-in", studyName, label)
		body = fmt.Sprintf("Hi %s, just a reminder that your %s assessment for %s is still waiting. It takes only a few minutes: %s",
			p.FirstName, label, studyName, link)
	default:
		subject = fmt.Sprintf("%s: last chance for your %s check-in", studyName, label)
		body = fmt.Sprintf("Hi %s, your %s assessment window for %s closes soon. Please complete it today: %s",
			p.FirstName, label, studyName, link)
	}
	if daysLeft >= 0 {
		body += fmt.Sprintf(" (%d day(s) remaining)", daysLeft)
	}
	return subject, body
}
