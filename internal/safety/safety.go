package safety

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/OutcomeKit/OutcomePipe/internal/models"
)

// Instrument ids with fixed clinical rules. These run unconditionally,
// before any protocol-declared rules.
const (
	InstrumentPHQ2 = "phq-2"
	InstrumentPHQ9 = "phq-9"
)

// PHQ score cutoffs and alert urgencies for the fixed clinical rules.
const (
	phq2TriggerCutoff    = 3
	phq9UrgentCutoff     = 15
	phq9ModerateCutoff   = 10
	urgencySuicidality   = "1h"
	urgencySevere        = "4h"
	urgencyModerate      = "24h"
	crisisResourcesText  = "Crisis resources should be shown to the participant immediately."
	suicidalIdeationText = "PHQ-9 item 9 indicates suicidal ideation. Clinical contact required within 1 hour."
)

// Rule is a protocol-declared PRO alert rule with its compiled condition.
type Rule struct {
	Condition string           `json:"condition"`
	Type      models.AlertType `json:"type"`
	Target    string           `json:"target,omitempty"`
	Message   string           `json:"message,omitempty"`
	Urgency   string           `json:"urgency,omitempty"`
	Compiled  Comparison       `json:"-"`
}

// LabThreshold is a protocol-declared lab safety threshold with its compiled
// condition. Unlike the PRO path there are no fixed lab rules.
type LabThreshold struct {
	Marker    string     `json:"marker"`
	Threshold string     `json:"threshold"`
	Action    string     `json:"action,omitempty"`
	Compiled  Comparison `json:"-"`
}

// EvaluatePRO inspects one scored submission against the fixed clinical
// rules and the protocol's declared rules, in that order. Alerts are
// returned without IDs or timestamps; persisting them is the caller's
// responsibility and must never fail the originating submission.
func EvaluatePRO(participantID, instrumentID string, scores, answers map[string]float64, rules []Rule) models.SafetyResult {
	var result models.SafetyResult

	evaluateFixedRules(participantID, instrumentID, scores, answers, &result)

	for _, rule := range rules {
		value, ok := rule.Compiled.ResolveIdentifier(scores, answers)
		if !ok {
			// Unresolvable identifier: fail open. The rule grammar was
			// validated at protocol load, but the submission may simply not
			// carry the key this rule inspects.
			slog.Warn("safety.EvaluatePRO: rule identifier unresolved, skipping",
				"participantID", participantID, "instrumentID", instrumentID,
				"condition", rule.Condition, "identifier", rule.Compiled.Identifier)
			continue
		}
		if !rule.Compiled.Holds(value) {
			continue
		}
		alert := models.Alert{
			ParticipantID: participantID,
			Type:          rule.Type,
			Source:        instrumentID,
			Value:         value,
			Condition:     rule.Condition,
			Message:       rule.Message,
			Urgency:       rule.Urgency,
			Target:        rule.Target,
			Status:        models.AlertStatusOpen,
		}
		if alert.Message == "" {
			alert.Message = fmt.Sprintf("Rule fired for %s: %s (value %g)", instrumentID, rule.Condition, value)
		}
		result.Alerts = append(result.Alerts, alert)

		switch rule.Type {
		case models.AlertTypeTriggerInstrument:
			if rule.Target != "" {
				result.TriggerFollowUp = rule.Target
			}
		case models.AlertTypeCrisisResources:
			result.ShowCrisisResources = true
		}
		slog.Info("safety.EvaluatePRO: declared rule fired",
			"participantID", participantID, "instrumentID", instrumentID,
			"condition", rule.Condition, "type", rule.Type, "value", value)
	}

	return result
}

// evaluateFixedRules applies the hardcoded PHQ cascade. The PHQ-9 item 9
// check and the total-score check are independent; both can fire on the
// same submission.
func evaluateFixedRules(participantID, instrumentID string, scores, answers map[string]float64, result *models.SafetyResult) {
	total := scores["total"]

	switch instrumentID {
	case InstrumentPHQ2:
		if total >= phq2TriggerCutoff {
			result.Alerts = append(result.Alerts, models.Alert{
				ParticipantID: participantID,
				Type:          models.AlertTypeTriggerInstrument,
				Source:        instrumentID,
				Value:         total,
				Condition:     fmt.Sprintf("total >= %d", phq2TriggerCutoff),
				Message:       "PHQ-2 positive screen. Administer PHQ-9.",
				Target:        InstrumentPHQ9,
				Status:        models.AlertStatusOpen,
			})
			result.TriggerFollowUp = InstrumentPHQ9
			slog.Info("safety: PHQ-2 positive screen", "participantID", participantID, "total", total)
		}

	case InstrumentPHQ9:
		if q9, ok := lookupQuestion9(answers); ok && q9 > 0 {
			result.Alerts = append(result.Alerts,
				models.Alert{
					ParticipantID: participantID,
					Type:          models.AlertTypeUrgent,
					Source:        instrumentID,
					Value:         q9,
					Condition:     "q9 > 0",
					Message:       suicidalIdeationText,
					Urgency:       urgencySuicidality,
					Status:        models.AlertStatusOpen,
				},
				models.Alert{
					ParticipantID: participantID,
					Type:          models.AlertTypeCrisisResources,
					Source:        instrumentID,
					Value:         q9,
					Condition:     "q9 > 0",
					Message:       crisisResourcesText,
					Status:        models.AlertStatusOpen,
				})
			result.ShowCrisisResources = true
			slog.Warn("safety: PHQ-9 suicidal ideation flagged", "participantID", participantID, "q9", q9)
		}

		if total >= phq9UrgentCutoff {
			result.Alerts = append(result.Alerts, models.Alert{
				ParticipantID: participantID,
				Type:          models.AlertTypeUrgent,
				Source:        instrumentID,
				Value:         total,
				Condition:     fmt.Sprintf("total >= %d", phq9UrgentCutoff),
				Message:       "PHQ-9 score indicates severe depression. Clinical contact required within 4 hours.",
				Urgency:       urgencySevere,
				Status:        models.AlertStatusOpen,
			})
			slog.Info("safety: PHQ-9 severe score", "participantID", participantID, "total", total)
		} else if total >= phq9ModerateCutoff {
			result.Alerts = append(result.Alerts, models.Alert{
				ParticipantID: participantID,
				Type:          models.AlertTypeCoordinator,
				Source:        instrumentID,
				Value:         total,
				Condition:     fmt.Sprintf("total >= %d", phq9ModerateCutoff),
				Message:       "PHQ-9 score indicates moderate depression. Coordinator review within 24 hours.",
				Urgency:       urgencyModerate,
				Status:        models.AlertStatusOpen,
			})
			slog.Info("safety: PHQ-9 moderate score", "participantID", participantID, "total", total)
		}
	}
}

// lookupQuestion9 finds the PHQ-9 suicidal ideation item in the raw answer
// map, accepting either a bare "q9" key or an instrument-prefixed "*_q9".
func lookupQuestion9(answers map[string]float64) (float64, bool) {
	if v, ok := answers["q9"]; ok {
		return v, true
	}
	for k, v := range answers {
		if strings.HasSuffix(k, "_q9") {
			return v, true
		}
	}
	return 0, false
}

// EvaluateLab scans the protocol's declared lab thresholds for the given
// marker and emits one lab_threshold alert per matching condition.
func EvaluateLab(participantID, marker string, value float64, thresholds []LabThreshold) []models.Alert {
	var alerts []models.Alert
	for _, th := range thresholds {
		if th.Marker != marker {
			continue
		}
		if !th.Compiled.Holds(value) {
			continue
		}
		message := th.Action
		if message == "" {
			message = fmt.Sprintf("Lab threshold crossed for %s: %s (value %g)", marker, th.Threshold, value)
		}
		alerts = append(alerts, models.Alert{
			ParticipantID: participantID,
			Type:          models.AlertTypeLabThreshold,
			Source:        marker,
			Value:         value,
			Condition:     th.Threshold,
			Message:       message,
			Status:        models.AlertStatusOpen,
		})
		slog.Info("safety.EvaluateLab: lab threshold fired",
			"participantID", participantID, "marker", marker, "threshold", th.Threshold, "value", value)
	}
	return alerts
}
