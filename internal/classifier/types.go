package classifier

import (
	"fmt"

	"github.com/chewxy/math32"
)

// Prediction is one (label, confidence) pair produced by a scorer.
type Prediction struct {
	Label      string  `json:"label"`
	Confidence float32 `json:"confidence"`
}

// RankedPredictionSet is everything a single inference produced. Order carries no meaning
// except as the tie-break in Best.
type RankedPredictionSet []Prediction

// Validate checks that every confidence is finite and within [0, 1].
func (s RankedPredictionSet) Validate() error {
	for i, p := range s {
		if math32.IsNaN(p.Confidence) || math32.IsInf(p.Confidence, 0) {
			return fmt.Errorf("prediction %d (%q): confidence is not finite", i, p.Label)
		}
		if p.Confidence < 0 || p.Confidence > 1 {
			return fmt.Errorf("prediction %d (%q): confidence %v outside [0,1]", i, p.Label, p.Confidence)
		}
	}
	return nil
}

// Best returns the prediction with the highest confidence. When several entries share the
// maximum, the earliest one in the set wins. ok is false for an empty set.
func (s RankedPredictionSet) Best() (best Prediction, ok bool) {
	if len(s) == 0 {
		return Prediction{}, false
	}
	best = s[0]
	for _, p := range s[1:] {
		if p.Confidence > best.Confidence {
			best = p
		}
	}
	return best, true
}

// Failure tags why a classification produced no prediction.
type Failure int

const (
	FailureNone Failure = iota
	FailureConversion
	FailureScorer
	FailureInvalidScores
	FailureNoPredictions
)

func (f Failure) String() string {
	switch f {
	case FailureNone:
		return "none"
	case FailureConversion:
		return "conversion"
	case FailureScorer:
		return "scorer"
	case FailureInvalidScores:
		return "invalid_scores"
	case FailureNoPredictions:
		return "no_predictions"
	}
	return fmt.Sprintf("failure(%d)", int(f))
}

// Outcome is the single result delivered for one Classify call: either a prediction, or a
// Failure with an optional cause.
type Outcome struct {
	prediction Prediction
	ok         bool

	Failure Failure
	Err     error
}

// Succeeded builds the Outcome for a selected prediction.
func Succeeded(p Prediction) Outcome {
	return Outcome{prediction: p, ok: true}
}

// Failed builds an Outcome carrying no prediction.
func Failed(f Failure, err error) Outcome {
	return Outcome{Failure: f, Err: err}
}

// OK reports whether the outcome carries a prediction.
func (o Outcome) OK() bool { return o.ok }

// Label returns the predicted label, if any.
func (o Outcome) Label() (string, bool) { return o.prediction.Label, o.ok }

// Confidence returns the predicted confidence, if any.
func (o Outcome) Confidence() (float32, bool) { return o.prediction.Confidence, o.ok }

// Prediction returns the selected prediction, if any.
func (o Outcome) Prediction() (Prediction, bool) { return o.prediction, o.ok }
