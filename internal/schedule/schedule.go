// Package schedule computes per-timepoint due windows and completion status
// for a participant's assessment schedule.
//
// The calculator is a pure function of (enrollment, protocol schedule,
// submissions, lab results, now). Its output is derived on every call and
// never persisted, so status can never diverge from the underlying records.
package schedule

import (
	"math"
	"time"

	"github.com/OutcomeKit/OutcomePipe/internal/models"
	"github.com/OutcomeKit/OutcomePipe/internal/protocol"
)

// Status is the state of one schedule timepoint relative to "now".
type Status string

const (
	// StatusUpcoming means the admission window has not opened yet.
	StatusUpcoming Status = "upcoming"
	// StatusDue means now lies inside the admission window.
	StatusDue Status = "due"
	// StatusMissed means the window closed without all required submissions.
	StatusMissed Status = "missed"
	// StatusCompleted means every required instrument has a submission,
	// regardless of the window.
	StatusCompleted Status = "completed"
)

// Timepoint is the derived view of one schedule entry for one participant.
type Timepoint struct {
	Timepoint          string    `json:"timepoint"`
	Label              string    `json:"label,omitempty"`
	Week               int       `json:"week"`
	Instruments        []string  `json:"instruments"`
	Labs               []string  `json:"labs,omitempty"`
	DueDate            time.Time `json:"due_date"`
	WindowStart        time.Time `json:"window_start"`
	WindowEnd          time.Time `json:"window_end"`
	Status             Status    `json:"status"`
	MissingInstruments []string  `json:"missing_instruments,omitempty"`
	MissingLabs        []string  `json:"missing_labs,omitempty"`
	DaysSinceDue       int       `json:"days_since_due"`
}

// DaysRemaining returns how many whole days are left in the admission
// window at the given time; negative once the window has closed.
func (t *Timepoint) DaysRemaining(now time.Time) int {
	return int(math.Floor(t.WindowEnd.Sub(now).Hours() / 24))
}

// Calculate derives the ordered timepoint list for one participant.
// A nil enrollment yields an empty schedule ("no schedule") rather than an
// error; callers must treat such a participant as pre-enrollment.
func Calculate(enrolledAt *time.Time, entries []protocol.ScheduleEntry, submissions []models.Submission, labs []models.LabResult, now time.Time) []Timepoint {
	if enrolledAt == nil {
		return nil
	}

	submitted := make(map[string]map[string]bool) // timepoint -> instrument -> present
	for _, sub := range submissions {
		if submitted[sub.Timepoint] == nil {
			submitted[sub.Timepoint] = make(map[string]bool)
		}
		submitted[sub.Timepoint][sub.InstrumentID] = true
	}
	labSeen := make(map[string]map[string]bool) // timepoint -> marker -> present
	for _, lab := range labs {
		if labSeen[lab.Timepoint] == nil {
			labSeen[lab.Timepoint] = make(map[string]bool)
		}
		labSeen[lab.Timepoint][lab.Marker] = true
	}

	timepoints := make([]Timepoint, 0, len(entries))
	for _, entry := range entries {
		windowDays := entry.WindowDays
		if windowDays <= 0 {
			windowDays = protocol.DefaultWindowDays
		}
		due := enrolledAt.AddDate(0, 0, entry.Week*7)
		half := windowDays / 2

		tp := Timepoint{
			Timepoint:    entry.Timepoint,
			Label:        entry.Label,
			Week:         entry.Week,
			Instruments:  entry.Instruments,
			Labs:         entry.Labs,
			DueDate:      due,
			WindowStart:  due.AddDate(0, 0, -half),
			WindowEnd:    due.AddDate(0, 0, windowDays-half),
			DaysSinceDue: int(math.Floor(now.Sub(due).Hours() / 24)),
		}

		for _, id := range entry.Instruments {
			if !submitted[entry.Timepoint][id] {
				tp.MissingInstruments = append(tp.MissingInstruments, id)
			}
		}
		for _, marker := range entry.Labs {
			if !labSeen[entry.Timepoint][marker] {
				tp.MissingLabs = append(tp.MissingLabs, marker)
			}
		}

		// Status priority: completed beats the window, missed beats due.
		switch {
		case len(tp.MissingInstruments) == 0:
			tp.Status = StatusCompleted
		case now.After(tp.WindowEnd):
			tp.Status = StatusMissed
		case !now.Before(tp.WindowStart):
			tp.Status = StatusDue
		default:
			tp.Status = StatusUpcoming
		}

		timepoints = append(timepoints, tp)
	}
	return timepoints
}
