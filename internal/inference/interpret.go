package inference

import (
	"errors"
	"fmt"
)

// Prediction labels.
const (
	LabelFracture    = "Fracture"
	LabelNonFracture = "Non-Fracture"
)

// ErrOutputShape is returned when a network head produces output the
// interpreter cannot map to a binary outcome.
var ErrOutputShape = errors.New("inference: unexpected model output shape")

// warnLowConfidence is appended when confidence falls below the configured
// threshold.
const warnLowConfidence = "⚠ The model confidence is low. The prediction may be unreliable."

// Outcome is the interpreted prediction.
type Outcome struct {
	Label string

	// Confidence is max(p, 1-p), always in [0.5, 1].
	Confidence float64

	// Probability is the fracture probability in [0, 1].
	Probability float64

	Warnings []string
}

// Interpret maps raw head output to a binary outcome. Output conventions
// vary across trained checkpoints:
//
//   - width 1: the value is the non-fracture probability, inverted here
//   - width 2: index 1 is the fracture probability
//   - wider: the maximum class score stands in for the fracture probability
//
// The output must be a single rank-2 row. lowThreshold controls the
// low-confidence warning.
func Interpret(rows [][]float32, lowThreshold float64) (Outcome, error) {
	if len(rows) != 1 || len(rows[0]) == 0 {
		return Outcome{}, fmt.Errorf("%w: %d rows", ErrOutputShape, len(rows))
	}
	row := rows[0]

	var p float64
	switch len(row) {
	case 1:
		p = 1 - float64(row[0])
	case 2:
		p = float64(row[1])
	default:
		p = float64(row[0])
		for _, v := range row[1:] {
			if float64(v) > p {
				p = float64(v)
			}
		}
	}
	p = clamp01(p)

	label := LabelNonFracture
	if p >= 0.5 {
		label = LabelFracture
	}
	confidence := p
	if 1-p > confidence {
		confidence = 1 - p
	}

	out := Outcome{Label: label, Confidence: confidence, Probability: p}
	if confidence < lowThreshold {
		out.Warnings = append(out.Warnings, warnLowConfidence)
	}
	return out, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
