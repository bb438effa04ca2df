package schedule

import (
	"testing"
	"time"

	"github.com/OutcomeKit/OutcomePipe/internal/models"
	"github.com/OutcomeKit/OutcomePipe/internal/protocol"
)

var testEntries = []protocol.ScheduleEntry{
	{Timepoint: "baseline", Label: "Baseline", Week: 0, Instruments: []string{"phq-2"}, WindowDays: 7},
	{Timepoint: "week4", Label: "Week 4", Week: 4, Instruments: []string{"phq-9", "gad-7"}, Labs: []string{"hematocrit"}, WindowDays: 7},
	{Timepoint: "week8", Label: "Week 8", Week: 8, Instruments: []string{"phq-9"}, WindowDays: 4},
}

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("bad test time %q: %v", value, err)
	}
	return parsed
}

func TestCalculateNilEnrollment(t *testing.T) {
	if got := Calculate(nil, testEntries, nil, nil, time.Now()); got != nil {
		t.Errorf("expected nil schedule for unenrolled participant, got %d timepoints", len(got))
	}
}

func TestCalculateWindowMath(t *testing.T) {
	enrolled := mustTime(t, "2026-01-05T10:00:00Z")
	tps := Calculate(&enrolled, testEntries, nil, nil, enrolled)

	if len(tps) != 3 {
		t.Fatalf("expected 3 timepoints, got %d", len(tps))
	}

	// Week 4, 7-day window: floor(7/2)=3 before, ceil(7/2)=4 after.
	week4 := tps[1]
	wantDue := enrolled.AddDate(0, 0, 28)
	if !week4.DueDate.Equal(wantDue) {
		t.Errorf("week4 due = %v, want %v", week4.DueDate, wantDue)
	}
	if !week4.WindowStart.Equal(wantDue.AddDate(0, 0, -3)) {
		t.Errorf("week4 window start = %v, want due-3d", week4.WindowStart)
	}
	if !week4.WindowEnd.Equal(wantDue.AddDate(0, 0, 4)) {
		t.Errorf("week4 window end = %v, want due+4d", week4.WindowEnd)
	}

	// Week 8, 4-day window: 2 before, 2 after.
	week8 := tps[2]
	wantDue = enrolled.AddDate(0, 0, 56)
	if !week8.WindowStart.Equal(wantDue.AddDate(0, 0, -2)) || !week8.WindowEnd.Equal(wantDue.AddDate(0, 0, 2)) {
		t.Errorf("week8 window = [%v, %v], want due±2d", week8.WindowStart, week8.WindowEnd)
	}
}

func TestCalculateStatus(t *testing.T) {
	enrolled := mustTime(t, "2026-01-05T10:00:00Z")

	tests := []struct {
		name string
		now  time.Time
		want map[string]Status
	}{
		{
			"at enrollment",
			enrolled,
			map[string]Status{"baseline": StatusDue, "week4": StatusUpcoming, "week8": StatusUpcoming},
		},
		{
			"inside week4 window",
			enrolled.AddDate(0, 0, 27),
			map[string]Status{"baseline": StatusMissed, "week4": StatusDue, "week8": StatusUpcoming},
		},
		{
			"after week4 window",
			enrolled.AddDate(0, 0, 40),
			map[string]Status{"baseline": StatusMissed, "week4": StatusMissed, "week8": StatusUpcoming},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tps := Calculate(&enrolled, testEntries, nil, nil, tc.now)
			for _, tp := range tps {
				if want := tc.want[tp.Timepoint]; tp.Status != want {
					t.Errorf("%s status = %s, want %s", tp.Timepoint, tp.Status, want)
				}
			}
		})
	}
}

func TestCalculateCompletedBeatsWindow(t *testing.T) {
	enrolled := mustTime(t, "2026-01-05T10:00:00Z")
	subs := []models.Submission{
		{ParticipantID: "p1", Timepoint: "baseline", InstrumentID: "phq-2"},
	}
	// Far past the baseline window: a completed timepoint must never regress
	// to missed.
	tps := Calculate(&enrolled, testEntries, subs, nil, enrolled.AddDate(0, 0, 100))
	if tps[0].Status != StatusCompleted {
		t.Errorf("baseline status = %s, want completed", tps[0].Status)
	}
	if len(tps[0].MissingInstruments) != 0 {
		t.Errorf("baseline missing instruments = %v, want none", tps[0].MissingInstruments)
	}
}

func TestCalculatePartialSubmissionIsNotCompleted(t *testing.T) {
	enrolled := mustTime(t, "2026-01-05T10:00:00Z")
	subs := []models.Submission{
		{ParticipantID: "p1", Timepoint: "week4", InstrumentID: "phq-9"},
	}
	tps := Calculate(&enrolled, testEntries, subs, nil, enrolled.AddDate(0, 0, 28))
	week4 := tps[1]
	if week4.Status != StatusDue {
		t.Errorf("week4 status = %s, want due while gad-7 is outstanding", week4.Status)
	}
	if len(week4.MissingInstruments) != 1 || week4.MissingInstruments[0] != "gad-7" {
		t.Errorf("week4 missing = %v, want [gad-7]", week4.MissingInstruments)
	}
}

func TestCalculateMissingLabs(t *testing.T) {
	enrolled := mustTime(t, "2026-01-05T10:00:00Z")
	tps := Calculate(&enrolled, testEntries, nil, nil, enrolled)
	if len(tps[1].MissingLabs) != 1 || tps[1].MissingLabs[0] != "hematocrit" {
		t.Errorf("week4 missing labs = %v, want [hematocrit]", tps[1].MissingLabs)
	}

	labs := []models.LabResult{{ParticipantID: "p1", Timepoint: "week4", Marker: "hematocrit", Value: 44}}
	tps = Calculate(&enrolled, testEntries, nil, labs, enrolled)
	if len(tps[1].MissingLabs) != 0 {
		t.Errorf("week4 missing labs = %v, want none after result", tps[1].MissingLabs)
	}
}

func TestCalculateIsPure(t *testing.T) {
	enrolled := mustTime(t, "2026-01-05T10:00:00Z")
	first := Calculate(&enrolled, testEntries, nil, nil, enrolled.AddDate(0, 0, 10))
	second := Calculate(&enrolled, testEntries, nil, nil, enrolled.AddDate(0, 0, 10))
	if len(first) != len(second) {
		t.Fatalf("repeated calls disagree on length: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Status != second[i].Status || !first[i].DueDate.Equal(second[i].DueDate) {
			t.Errorf("timepoint %s differs across identical calls", first[i].Timepoint)
		}
	}
}

func TestDaysRemaining(t *testing.T) {
	enrolled := mustTime(t, "2026-01-05T10:00:00Z")
	tps := Calculate(&enrolled, testEntries, nil, nil, enrolled)
	baseline := tps[0]
	if got := baseline.DaysRemaining(enrolled); got != 4 {
		t.Errorf("DaysRemaining at due date = %d, want 4", got)
	}
	if got := baseline.DaysRemaining(baseline.WindowEnd.AddDate(0, 0, 1)); got >= 0 {
		t.Errorf("DaysRemaining past window = %d, want negative", got)
	}
}
