package engine

import (
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/OutcomeKit/OutcomePipe/internal/models"
	"github.com/OutcomeKit/OutcomePipe/internal/protocol"
	"github.com/OutcomeKit/OutcomePipe/internal/safety"
)

// markerRange is the simulated reference interval for one lab marker.
type markerRange struct {
	Unit string
	Min  float64
	Max  float64
}

// simulatedMarkers covers the markers used by the bundled demo protocols.
// Unknown markers fall back to a generic 0-100 range.
var simulatedMarkers = map[string]markerRange{
	"hematocrit": {Unit: "%", Min: 38, Max: 52},
	"hemoglobin": {Unit: "g/dL", Min: 12, Max: 17},
	"wbc":        {Unit: "10^3/uL", Min: 4, Max: 11},
	"platelets":  {Unit: "10^3/uL", Min: 150, Max: 400},
	"glucose":    {Unit: "mg/dL", Min: 70, Max: 110},
	"creatinine": {Unit: "mg/dL", Min: 0.6, Max: 1.3},
}

// AdvanceWeek moves a simulated participant's study clock forward to the
// given week. The target must be strictly greater than the current week;
// rejected requests leave the participant untouched. Lab draws owed by the
// schedule entries crossed during the jump are synthesized so downstream
// threshold evaluation and schedule completion behave as if real results
// had arrived.
func (e *Engine) AdvanceWeek(participantID string, toWeek int) models.AdvanceResult {
	p, err := e.st.GetParticipant(participantID)
	if err != nil {
		return models.AdvanceResult{Error: fmt.Sprintf("failed to load participant: %v", err)}
	}
	if p == nil {
		return models.AdvanceResult{Error: fmt.Sprintf("participant %s not found", participantID)}
	}
	if p.EnrolledAt == nil {
		return models.AdvanceResult{Error: "participant is not enrolled"}
	}
	if toWeek < 0 || toWeek <= p.CurrentWeek {
		return models.AdvanceResult{
			PreviousWeek: p.CurrentWeek,
			CurrentWeek:  p.CurrentWeek,
			Error:        fmt.Sprintf("target week %d must be greater than current week %d", toWeek, p.CurrentWeek),
		}
	}

	proto, err := e.st.GetProtocol(p.StudyID)
	if err != nil {
		return models.AdvanceResult{Error: fmt.Sprintf("failed to load protocol: %v", err)}
	}
	if proto == nil {
		return models.AdvanceResult{Error: fmt.Sprintf("no protocol found for study %s", p.StudyID)}
	}

	previousWeek := p.CurrentWeek
	p.CurrentWeek = toWeek
	p.UpdatedAt = e.now()
	if err := e.st.SaveParticipant(*p); err != nil {
		return models.AdvanceResult{
			PreviousWeek: previousWeek,
			CurrentWeek:  previousWeek,
			Error:        fmt.Sprintf("failed to save participant: %v", err),
		}
	}

	for _, entry := range proto.Schedule {
		if entry.Week <= previousWeek || entry.Week > toWeek || len(entry.Labs) == 0 {
			continue
		}
		e.simulateLabDraws(p, proto, entry)
	}

	timepoints, err := e.Schedule(participantID)
	if err != nil {
		return models.AdvanceResult{
			Success:      true,
			PreviousWeek: previousWeek,
			CurrentWeek:  toWeek,
			Error:        fmt.Sprintf("advanced, but schedule recomputation failed: %v", err),
		}
	}

	slog.Info("Engine.AdvanceWeek: participant advanced",
		"participantID", participantID, "fromWeek", previousWeek, "toWeek", toWeek)
	return models.AdvanceResult{
		Success:      true,
		PreviousWeek: previousWeek,
		CurrentWeek:  toWeek,
		Schedule:     timepoints,
	}
}

// simulateLabDraws manufactures one result per lab marker owed at the entry
// and runs it through the same persistence and threshold path as a real
// draw. Failures are logged and skipped; the advance itself has already
// been committed.
func (e *Engine) simulateLabDraws(p *models.Participant, proto *protocol.Protocol, entry protocol.ScheduleEntry) {
	for _, marker := range entry.Labs {
		rng, ok := simulatedMarkers[marker]
		if !ok {
			rng = markerRange{Min: 0, Max: 100}
		}
		// Sample slightly beyond the reference interval so simulated runs
		// occasionally exercise abnormal flags and safety thresholds.
		spread := (rng.Max - rng.Min) * 0.1
		value := rng.Min - spread + rand.Float64()*(rng.Max-rng.Min+2*spread)

		lab := models.LabResult{
			ID:             newID("lab"),
			ParticipantID:  p.ID,
			Timepoint:      entry.Timepoint,
			Marker:         marker,
			Value:          value,
			Unit:           rng.Unit,
			ReferenceRange: fmt.Sprintf("%g-%g", rng.Min, rng.Max),
			AbnormalFlag:   deriveAbnormalFlag(value, fmt.Sprintf("%g-%g", rng.Min, rng.Max)),
			CollectedAt:    p.EffectiveNow(e.now()),
		}
		if err := e.st.AddLabResult(lab); err != nil {
			slog.Warn("Engine.simulateLabDraws: lab insert skipped",
				"participantID", p.ID, "timepoint", entry.Timepoint, "marker", marker, "error", err)
			continue
		}
		alerts := safety.EvaluateLab(p.ID, marker, value, proto.Safety.LabThresholds)
		e.persistAlerts(alerts)
	}
}
