// Package protocol parses and validates study protocol documents.
//
// A protocol document describes the instrument catalog (questions, scoring
// method, alert rules) and the assessment schedule. Documents are normalized
// and validated once at ingestion; downstream components only ever see the
// canonical representation and never re-derive JSON shape ambiguities.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/OutcomeKit/OutcomePipe/internal/safety"
)

// QuestionType identifies how a question's value is validated.
type QuestionType string

const (
	// QuestionSingleChoice restricts the value to one of the declared options.
	QuestionSingleChoice QuestionType = "single_choice"
	// QuestionNumericScale restricts the value to the declared [min, max] range.
	QuestionNumericScale QuestionType = "numeric_scale"
	// QuestionFreeNumeric accepts any numeric value.
	QuestionFreeNumeric QuestionType = "free_numeric"
)

// ScoringMethod identifies how an instrument's total score is computed.
type ScoringMethod string

const (
	// ScoringSum sums all provided answer values.
	ScoringSum ScoringMethod = "sum"
	// ScoringAverage averages all provided answer values (0 when empty).
	ScoringAverage ScoringMethod = "average"
	// ScoringCustom delegates to a registered scoring strategy.
	ScoringCustom ScoringMethod = "custom"
)

// Option is one selectable value for a single_choice question.
type Option struct {
	Value float64 `json:"value"`
	Label string  `json:"label,omitempty"`
}

// Scale bounds a numeric_scale question.
type Scale struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Question is one item in an instrument.
type Question struct {
	ID       string       `json:"id"`
	Text     string       `json:"text,omitempty"`
	Required bool         `json:"required"`
	Type     QuestionType `json:"type"`
	Options  []Option     `json:"options,omitempty"`
	Scale    *Scale       `json:"scale,omitempty"`
}

// Scoring declares an instrument's scoring method.
type Scoring struct {
	Method ScoringMethod `json:"method"`
}

// Instrument is a named questionnaire with its schema, scoring method, and
// declared alert rules.
type Instrument struct {
	ID        string        `json:"id"`
	Name      string        `json:"name,omitempty"`
	Questions []Question    `json:"questions"`
	Scoring   Scoring       `json:"scoring"`
	Alerts    []safety.Rule `json:"alerts,omitempty"`
}

// ScheduleEntry is one timepoint in the study schedule.
type ScheduleEntry struct {
	Timepoint   string   `json:"timepoint"`
	Label       string   `json:"label,omitempty"`
	Week        int      `json:"week"`
	Instruments []string `json:"instruments"`
	Labs        []string `json:"labs,omitempty"`
	WindowDays  int      `json:"windowDays,omitempty"`
}

// SafetyMonitoring holds the protocol-level safety declarations. PROAlerts
// apply to every instrument in addition to the instrument's own rules.
type SafetyMonitoring struct {
	LabThresholds []safety.LabThreshold `json:"labThresholds,omitempty"`
	PROAlerts     []safety.Rule         `json:"proAlerts,omitempty"`
}

// Protocol is the validated, canonical protocol document. The engine treats
// it as immutable once a study is active.
type Protocol struct {
	StudyID     string                `json:"study_id,omitempty"`
	StudyName   string                `json:"studyName,omitempty"`
	Instruments map[string]Instrument `json:"instruments"`
	Schedule    []ScheduleEntry       `json:"schedule"`
	Safety      SafetyMonitoring      `json:"safetyMonitoring"`
}

// DefaultWindowDays is the admission window applied when a schedule entry
// does not declare one.
const DefaultWindowDays = 7

// Error variables for protocol validation failures.
var (
	ErrNoInstruments       = errors.New("protocol declares no instruments")
	ErrNoSchedule          = errors.New("protocol declares no schedule")
	ErrNegativeWeek        = errors.New("schedule entry week must be >= 0")
	ErrEmptyInstrumentList = errors.New("schedule entry requires at least one instrument")
)

// rawProtocol defers the instruments field so it can be normalized from
// either a map keyed by id or an array of instruments carrying their own id.
type rawProtocol struct {
	StudyName   string           `json:"studyName"`
	Instruments json.RawMessage  `json:"instruments"`
	Schedule    []ScheduleEntry  `json:"schedule"`
	Safety      SafetyMonitoring `json:"safetyMonitoring"`
}

// Parse parses and validates a protocol document. Every alert and lab
// threshold condition is compiled eagerly; a malformed condition rejects the
// whole protocol, so rule evaluation can never hit a grammar error at
// submission time.
func Parse(doc []byte) (*Protocol, error) {
	var raw rawProtocol
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse protocol document: %w", err)
	}

	instruments, err := normalizeInstruments(raw.Instruments)
	if err != nil {
		return nil, err
	}

	p := &Protocol{
		StudyName:   raw.StudyName,
		Instruments: instruments,
		Schedule:    raw.Schedule,
		Safety:      raw.Safety,
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	if err := p.compileConditions(); err != nil {
		return nil, err
	}
	slog.Debug("protocol.Parse: protocol parsed",
		"study_name", p.StudyName, "instruments", len(p.Instruments), "timepoints", len(p.Schedule))
	return p, nil
}

// normalizeInstruments accepts the instrument catalog either as a map keyed
// by instrument id or as an array of instruments with an "id" field, and
// produces the canonical map-by-id form.
func normalizeInstruments(raw json.RawMessage) (map[string]Instrument, error) {
	if len(raw) == 0 {
		return nil, ErrNoInstruments
	}

	var byID map[string]Instrument
	if err := json.Unmarshal(raw, &byID); err == nil {
		for id, instr := range byID {
			instr.ID = id
			byID[id] = instr
		}
		return byID, nil
	}

	var list []Instrument
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("instruments must be a map keyed by id or an array of instruments: %w", err)
	}
	byID = make(map[string]Instrument, len(list))
	for _, instr := range list {
		if instr.ID == "" {
			return nil, errors.New("instrument in array form is missing an id")
		}
		byID[instr.ID] = instr
	}
	return byID, nil
}

// validate checks structural invariants and applies schedule defaults.
func (p *Protocol) validate() error {
	if len(p.Instruments) == 0 {
		return ErrNoInstruments
	}
	if len(p.Schedule) == 0 {
		return ErrNoSchedule
	}
	seen := make(map[string]bool, len(p.Schedule))
	for i := range p.Schedule {
		entry := &p.Schedule[i]
		if entry.Timepoint == "" {
			return fmt.Errorf("schedule entry %d is missing a timepoint id", i)
		}
		if seen[entry.Timepoint] {
			return fmt.Errorf("duplicate schedule timepoint %q", entry.Timepoint)
		}
		seen[entry.Timepoint] = true
		if entry.Week < 0 {
			return fmt.Errorf("schedule timepoint %q: %w", entry.Timepoint, ErrNegativeWeek)
		}
		if len(entry.Instruments) == 0 {
			return fmt.Errorf("schedule timepoint %q: %w", entry.Timepoint, ErrEmptyInstrumentList)
		}
		for _, id := range entry.Instruments {
			if _, ok := p.Instruments[id]; !ok {
				return fmt.Errorf("schedule timepoint %q references unknown instrument %q", entry.Timepoint, id)
			}
		}
		if entry.WindowDays <= 0 {
			entry.WindowDays = DefaultWindowDays
		}
	}
	return nil
}

// compileConditions parses every declared condition string into its AST form.
func (p *Protocol) compileConditions() error {
	for id, instr := range p.Instruments {
		for i := range instr.Alerts {
			c, err := safety.ParseCondition(instr.Alerts[i].Condition)
			if err != nil {
				return fmt.Errorf("instrument %q alert %d: %w", id, i, err)
			}
			instr.Alerts[i].Compiled = c
		}
		p.Instruments[id] = instr
	}
	for i := range p.Safety.PROAlerts {
		c, err := safety.ParseCondition(p.Safety.PROAlerts[i].Condition)
		if err != nil {
			return fmt.Errorf("safetyMonitoring proAlerts %d: %w", i, err)
		}
		p.Safety.PROAlerts[i].Compiled = c
	}
	for i := range p.Safety.LabThresholds {
		th := &p.Safety.LabThresholds[i]
		if th.Marker == "" {
			return fmt.Errorf("safetyMonitoring labThresholds %d: missing marker", i)
		}
		c, err := safety.ParseCondition(th.Threshold)
		if err != nil {
			return fmt.Errorf("safetyMonitoring labThresholds %d (%s): %w", i, th.Marker, err)
		}
		th.Compiled = c
	}
	return nil
}

// Instrument returns the instrument with the given id, or nil if the
// protocol does not declare it.
func (p *Protocol) Instrument(id string) *Instrument {
	if instr, ok := p.Instruments[id]; ok {
		return &instr
	}
	return nil
}

// RulesFor returns the alert rules that apply to one instrument: the
// instrument's own rules followed by the protocol-level PRO alerts.
func (p *Protocol) RulesFor(instrumentID string) []safety.Rule {
	var rules []safety.Rule
	if instr, ok := p.Instruments[instrumentID]; ok {
		rules = append(rules, instr.Alerts...)
	}
	rules = append(rules, p.Safety.PROAlerts...)
	return rules
}

// Entry returns the schedule entry with the given timepoint id, or nil.
func (p *Protocol) Entry(timepoint string) *ScheduleEntry {
	for i := range p.Schedule {
		if p.Schedule[i].Timepoint == timepoint {
			return &p.Schedule[i]
		}
	}
	return nil
}
