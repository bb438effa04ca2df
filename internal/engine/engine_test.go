package engine

import (
	"strings"
	"testing"
	"time"

	"github.com/OutcomeKit/OutcomePipe/internal/models"
	"github.com/OutcomeKit/OutcomePipe/internal/schedule"
	"github.com/OutcomeKit/OutcomePipe/internal/store"
	"github.com/OutcomeKit/OutcomePipe/internal/testutil"
)

const engineProtocolDoc = `{
	"studyName": "CardioWell",
	"instruments": {
		"phq-2": {
			"questions": [
				{"id": "q1", "required": true, "type": "single_choice", "options": [{"value": 0}, {"value": 1}, {"value": 2}, {"value": 3}]},
				{"id": "q2", "required": true, "type": "single_choice", "options": [{"value": 0}, {"value": 1}, {"value": 2}, {"value": 3}]}
			],
			"scoring": {"method": "sum"}
		},
		"phq-9": {
			"questions": [
				{"id": "q9", "required": false, "type": "single_choice", "options": [{"value": 0}, {"value": 1}, {"value": 2}, {"value": 3}]}
			],
			"scoring": {"method": "sum"}
		}
	},
	"schedule": [
		{"timepoint": "baseline", "week": 0, "instruments": ["phq-2"]},
		{"timepoint": "week4", "week": 4, "instruments": ["phq-9"], "labs": ["hematocrit"]}
	],
	"safetyMonitoring": {
		"labThresholds": [
			{"marker": "hematocrit", "threshold": "hematocrit >= 54", "action": "hold dosing"}
		]
	}
}`

func newTestEngine(t *testing.T, now time.Time) (*store.InMemoryStore, *Engine) {
	t.Helper()
	st := store.NewInMemoryStore()
	if err := st.SaveProtocol("cardio", []byte(engineProtocolDoc)); err != nil {
		t.Fatalf("SaveProtocol: %v", err)
	}
	return st, New(st, WithClock(testutil.FixedClock(now)))
}

func TestRegisterAndEnroll(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	_, eng := newTestEngine(t, now)

	p, err := eng.Register(models.RegisterParticipantRequest{
		StudyID:   "cardio",
		FirstName: "Jamie",
		Phone:     "+15550100",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if p.Status != models.ParticipantStatusRegistered || !strings.HasPrefix(p.ID, "part_") {
		t.Errorf("registered participant = %+v", p)
	}

	// Enrollment requires the consented status.
	if _, err := eng.Enroll(p.ID, nil); err == nil {
		t.Error("Enroll succeeded from registered status")
	}

	for _, status := range []models.ParticipantStatus{models.ParticipantStatusScreening, models.ParticipantStatusConsented} {
		if _, err := eng.TransitionStatus(p.ID, status, "test"); err != nil {
			t.Fatalf("TransitionStatus(%s): %v", status, err)
		}
	}

	enrolled, err := eng.Enroll(p.ID, nil)
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if enrolled.Status != models.ParticipantStatusActive || enrolled.EnrolledAt == nil || !enrolled.EnrolledAt.Equal(now) {
		t.Errorf("enrolled participant = %+v", enrolled)
	}
}

func TestRegisterValidation(t *testing.T) {
	_, eng := newTestEngine(t, time.Now())
	if _, err := eng.Register(models.RegisterParticipantRequest{FirstName: "Jamie", Phone: "+15550100"}); err != models.ErrMissingStudyID {
		t.Errorf("Register without study = %v, want ErrMissingStudyID", err)
	}
	if _, err := eng.Register(models.RegisterParticipantRequest{StudyID: "cardio", FirstName: "Jamie"}); err != models.ErrMissingContact {
		t.Errorf("Register without contact = %v, want ErrMissingContact", err)
	}
}

func TestTransitionStatusRejectsInvalidEdges(t *testing.T) {
	now := time.Now()
	st, eng := newTestEngine(t, now)
	testutil.SeedActiveParticipant(t, st, "p1", "cardio", now)

	if _, err := eng.TransitionStatus("p1", models.ParticipantStatusRegistered, ""); err == nil {
		t.Error("active -> registered transition allowed")
	}
	if _, err := eng.TransitionStatus("p1", "bogus", ""); err == nil {
		t.Error("unknown status accepted")
	}
	if _, err := eng.TransitionStatus("p1", models.ParticipantStatusCompleted, "finished"); err != nil {
		t.Errorf("active -> completed rejected: %v", err)
	}
}

func TestProcessSubmissionPipeline(t *testing.T) {
	enrolled := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	st, eng := newTestEngine(t, enrolled)
	testutil.SeedActiveParticipant(t, st, "p1", "cardio", enrolled)

	result := eng.ProcessSubmission(models.SubmissionRequest{
		ParticipantID: "p1",
		Timepoint:     "baseline",
		InstrumentID:  "phq-2",
		Responses: []models.AnswerInput{
			{QuestionID: "q1", Value: 2},
			{QuestionID: "q2", Value: 2},
		},
	})
	if !result.Success {
		t.Fatalf("ProcessSubmission failed: %s", result.Error)
	}
	if result.Scores["total"] != 4 {
		t.Errorf("total = %g, want 4", result.Scores["total"])
	}
	if result.Safety == nil || result.Safety.TriggerFollowUp != "phq-9" {
		t.Errorf("positive PHQ-2 screen did not trigger phq-9: %+v", result.Safety)
	}

	// The trigger alert was persisted as a secondary effect.
	testutil.AssertAlertCount(t, st, "p1", 1, "after positive screen")

	subs, _ := st.GetSubmissions("p1")
	if len(subs) != 1 || subs[0].ID != result.SubmissionID {
		t.Errorf("submission not persisted: %+v", subs)
	}
}

func TestProcessSubmissionValidationFailureWritesNothing(t *testing.T) {
	enrolled := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	st, eng := newTestEngine(t, enrolled)
	testutil.SeedActiveParticipant(t, st, "p1", "cardio", enrolled)

	result := eng.ProcessSubmission(models.SubmissionRequest{
		ParticipantID: "p1",
		Timepoint:     "baseline",
		InstrumentID:  "phq-2",
		Responses:     []models.AnswerInput{{QuestionID: "q1", Value: 2}}, // q2 missing
	})
	if result.Success {
		t.Fatal("incomplete submission accepted")
	}
	if !strings.Contains(result.Error, "q2") {
		t.Errorf("error = %q, want mention of q2", result.Error)
	}
	if subs, _ := st.GetSubmissions("p1"); len(subs) != 0 {
		t.Errorf("rejected submission was persisted: %+v", subs)
	}
}

func TestProcessSubmissionUnknownParticipant(t *testing.T) {
	_, eng := newTestEngine(t, time.Now())
	result := eng.ProcessSubmission(models.SubmissionRequest{
		ParticipantID: "ghost",
		Timepoint:     "baseline",
		InstrumentID:  "phq-2",
		Responses:     []models.AnswerInput{{QuestionID: "q1", Value: 1}},
	})
	if result.Success || !strings.Contains(result.Error, "not found") {
		t.Errorf("result = %+v, want not-found failure", result)
	}
}

func TestProcessSubmissionResubmitLastWriteWins(t *testing.T) {
	enrolled := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	st, eng := newTestEngine(t, enrolled)
	testutil.SeedActiveParticipant(t, st, "p1", "cardio", enrolled)

	submit := func(v float64) models.SubmissionResult {
		return eng.ProcessSubmission(models.SubmissionRequest{
			ParticipantID: "p1",
			Timepoint:     "baseline",
			InstrumentID:  "phq-2",
			Responses: []models.AnswerInput{
				{QuestionID: "q1", Value: v},
				{QuestionID: "q2", Value: 0},
			},
		})
	}
	if r := submit(0); !r.Success {
		t.Fatalf("first submission failed: %s", r.Error)
	}
	if r := submit(1); !r.Success {
		t.Fatalf("resubmission failed: %s", r.Error)
	}

	subs, _ := st.GetSubmissions("p1")
	if len(subs) != 1 {
		t.Fatalf("resubmission duplicated: %d rows", len(subs))
	}
	if subs[0].Scores["total"] != 1 {
		t.Errorf("stored total = %g, want latest value 1", subs[0].Scores["total"])
	}
}

func TestIngestLabResultThreshold(t *testing.T) {
	enrolled := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	st, eng := newTestEngine(t, enrolled)
	testutil.SeedActiveParticipant(t, st, "p1", "cardio", enrolled)

	// Lab results are immutable per (participant, timepoint, marker), so
	// each case uses its own timepoint.
	tests := []struct {
		name       string
		timepoint  string
		value      float64
		wantAlerts int
		wantFlag   string
	}{
		{"below threshold", "week4", 53, 0, "H"},
		{"at threshold", "week8", 54, 1, "H"},
		{"normal", "week12", 44, 0, ""},
		{"low", "week16", 30, 0, "L"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			lab, alerts, err := eng.IngestLabResult(models.LabResultRequest{
				ParticipantID:  "p1",
				Timepoint:      tc.timepoint,
				Marker:         "hematocrit",
				Value:          tc.value,
				Unit:           "%",
				ReferenceRange: "38-52",
			})
			if err != nil {
				t.Fatalf("IngestLabResult: %v", err)
			}
			if lab.AbnormalFlag != tc.wantFlag {
				t.Errorf("abnormal flag = %q, want %q", lab.AbnormalFlag, tc.wantFlag)
			}
			if len(alerts) != tc.wantAlerts {
				t.Errorf("alerts = %d, want %d", len(alerts), tc.wantAlerts)
			}
		})
	}

	// A duplicate draw for an existing (participant, timepoint, marker) is
	// rejected by the store.
	if _, _, err := eng.IngestLabResult(models.LabResultRequest{
		ParticipantID: "p1", Timepoint: "week4", Marker: "hematocrit", Value: 50,
	}); err == nil {
		t.Error("duplicate lab result accepted")
	}
}

func TestAdvanceWeekRejectsBackwardJump(t *testing.T) {
	enrolled := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	st, eng := newTestEngine(t, enrolled)
	p := testutil.SeedActiveParticipant(t, st, "p1", "cardio", enrolled)
	p.CurrentWeek = 4
	if err := st.SaveParticipant(p); err != nil {
		t.Fatalf("SaveParticipant: %v", err)
	}

	for _, toWeek := range []int{4, 2, 0, -1} {
		result := eng.AdvanceWeek("p1", toWeek)
		if result.Success {
			t.Errorf("AdvanceWeek(%d) from week 4 succeeded", toWeek)
		}
		stored, _ := st.GetParticipant("p1")
		if stored.CurrentWeek != 4 {
			t.Errorf("AdvanceWeek(%d) mutated week to %d", toWeek, stored.CurrentWeek)
		}
	}
}

func TestAdvanceWeekSimulatesLabsAndReturnsSchedule(t *testing.T) {
	enrolled := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	st, eng := newTestEngine(t, enrolled)
	testutil.SeedActiveParticipant(t, st, "p1", "cardio", enrolled)

	result := eng.AdvanceWeek("p1", 4)
	if !result.Success {
		t.Fatalf("AdvanceWeek failed: %s", result.Error)
	}
	if result.PreviousWeek != 0 || result.CurrentWeek != 4 {
		t.Errorf("weeks = (%d, %d), want (0, 4)", result.PreviousWeek, result.CurrentWeek)
	}

	// The week4 entry declares a hematocrit draw; crossing it synthesizes
	// the result.
	labs, _ := st.GetLabResults("p1")
	if len(labs) != 1 || labs[0].Marker != "hematocrit" || labs[0].Timepoint != "week4" {
		t.Fatalf("simulated labs = %+v", labs)
	}

	tps, ok := result.Schedule.([]schedule.Timepoint)
	if !ok {
		t.Fatalf("result schedule has unexpected type %T", result.Schedule)
	}
	if len(tps) != 2 {
		t.Fatalf("schedule has %d timepoints, want 2", len(tps))
	}
	// At effective week 4, the baseline window has long closed.
	if tps[0].Status != schedule.StatusMissed {
		t.Errorf("baseline status = %s, want missed", tps[0].Status)
	}
	if tps[1].Status != schedule.StatusDue {
		t.Errorf("week4 status = %s, want due", tps[1].Status)
	}
}

func TestAdvanceWeekRequiresEnrollment(t *testing.T) {
	_, eng := newTestEngine(t, time.Now())
	p, err := eng.Register(models.RegisterParticipantRequest{StudyID: "cardio", FirstName: "Jamie", Phone: "+15550100"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if result := eng.AdvanceWeek(p.ID, 2); result.Success {
		t.Error("AdvanceWeek succeeded for unenrolled participant")
	}
}

func TestScheduleUnknownParticipant(t *testing.T) {
	_, eng := newTestEngine(t, time.Now())
	if _, err := eng.Schedule("ghost"); err == nil {
		t.Error("Schedule for unknown participant returned nil error")
	}
}

func TestDeriveAbnormalFlag(t *testing.T) {
	tests := []struct {
		value float64
		rng   string
		want  string
	}{
		{44, "38-52", ""},
		{38, "38-52", ""},
		{52, "38-52", ""},
		{37.9, "38-52", "L"},
		{52.1, "38-52", "H"},
		{100, "", ""},
		{100, "not-a-range", ""},
	}
	for _, tc := range tests {
		if got := deriveAbnormalFlag(tc.value, tc.rng); got != tc.want {
			t.Errorf("deriveAbnormalFlag(%g, %q) = %q, want %q", tc.value, tc.rng, got, tc.want)
		}
	}
}
