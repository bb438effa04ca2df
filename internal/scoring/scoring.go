// Package scoring validates instrument submissions against their schema and
// computes score maps.
package scoring

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/OutcomeKit/OutcomePipe/internal/models"
	"github.com/OutcomeKit/OutcomePipe/internal/protocol"
)

// ErrEmptyAnswers rejects a submission with no answers. This is the only
// check that still applies when no instrument schema is available.
var ErrEmptyAnswers = errors.New("submission contains no answers")

// Scorer computes an instrument total from the provided answer values.
// Custom scoring methods are registered under their method name.
type Scorer func(values []float64) float64

var (
	scorerMu sync.RWMutex
	scorers  = map[protocol.ScoringMethod]Scorer{}
)

// RegisterMethod registers a scoring strategy for a method name. Built-in
// methods (sum, average) cannot be overridden.
func RegisterMethod(method protocol.ScoringMethod, fn Scorer) error {
	if method == protocol.ScoringSum || method == protocol.ScoringAverage {
		return fmt.Errorf("scoring method %q is built in and cannot be overridden", method)
	}
	if fn == nil {
		return fmt.Errorf("scoring method %q: nil scorer", method)
	}
	scorerMu.Lock()
	defer scorerMu.Unlock()
	scorers[method] = fn
	return nil
}

// Validate checks a batch of answers against one instrument's schema.
// The whole batch is rejected on the first violation; there is no partial
// save. A nil instrument degrades to minimal validation: reject only an
// empty answer list. Unknown question ids are ignored, not rejected.
func Validate(instr *protocol.Instrument, answers []models.AnswerInput) error {
	if len(answers) == 0 {
		return ErrEmptyAnswers
	}
	if instr == nil {
		slog.Debug("scoring.Validate: no instrument schema available, minimal validation only")
		return nil
	}

	byQuestion := make(map[string]float64, len(answers))
	for _, a := range answers {
		byQuestion[a.QuestionID] = a.Value
	}

	for _, q := range instr.Questions {
		value, answered := byQuestion[q.ID]
		if !answered {
			if q.Required {
				return fmt.Errorf("required question %q not answered", q.ID)
			}
			continue
		}
		switch q.Type {
		case protocol.QuestionSingleChoice:
			if !optionValue(q.Options, value) {
				return fmt.Errorf("question %q: value %g is not one of the declared options", q.ID, value)
			}
		case protocol.QuestionNumericScale:
			if q.Scale != nil && (value < q.Scale.Min || value > q.Scale.Max) {
				return fmt.Errorf("question %q: value %g is outside scale [%g, %g]", q.ID, value, q.Scale.Min, q.Scale.Max)
			}
		}
	}
	return nil
}

func optionValue(options []protocol.Option, value float64) bool {
	for _, opt := range options {
		if opt.Value == value {
			return true
		}
	}
	return false
}

// Score computes the score map for a validated batch. The map always
// contains "total" plus one entry per answered question echoing its raw
// value, so downstream rule evaluation can resolve either kind of key.
func Score(instr *protocol.Instrument, answers []models.AnswerInput) map[string]float64 {
	scores := make(map[string]float64, len(answers)+1)
	values := make([]float64, 0, len(answers))
	for _, a := range answers {
		scores[a.QuestionID] = a.Value
		values = append(values, a.Value)
	}

	method := protocol.ScoringSum
	if instr != nil && instr.Scoring.Method != "" {
		method = instr.Scoring.Method
	}
	scores["total"] = total(method, values)
	return scores
}

func total(method protocol.ScoringMethod, values []float64) float64 {
	switch method {
	case protocol.ScoringSum:
		return sum(values)
	case protocol.ScoringAverage:
		if len(values) == 0 {
			return 0
		}
		return sum(values) / float64(len(values))
	default:
		scorerMu.RLock()
		fn, ok := scorers[method]
		scorerMu.RUnlock()
		if ok {
			return fn(values)
		}
		// Unregistered custom methods fall back to sum. This mirrors the
		// current protocol corpus, where "custom" is declared but no formula
		// is specified.
		slog.Warn("scoring: no scorer registered for method, falling back to sum", "method", method)
		return sum(values)
	}
}

func sum(values []float64) float64 {
	var s float64
	for _, v := range values {
		s += v
	}
	return s
}
