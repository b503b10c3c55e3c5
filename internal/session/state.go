package session

import (
	"fmt"
	"image"

	"github.com/Brownie44l1/fer-session/internal/classifier"
)

// UnknownEmotion is shown when a classification produced no label.
const UnknownEmotion = "Unknown"

// State is what the presentation layer renders. Empty strings and a nil Image mean absent.
//
// A failed classification and a genuine 0% prediction render identically; Failure keeps
// them apart.
type State struct {
	Image        image.Image
	Emotion      string
	AccuracyText string

	Confidence float32
	Failure    classifier.Failure
}

// Empty reports whether the state holds no image and no result.
func (s State) Empty() bool {
	return s.Image == nil && s.Emotion == "" && s.AccuracyText == ""
}

// FormatAccuracy renders a confidence in [0,1] as a percentage with two decimals.
// An absent confidence renders as "0.00%".
func FormatAccuracy(confidence float32, ok bool) string {
	if !ok {
		confidence = 0
	}
	return fmt.Sprintf("%.2f%%", float64(confidence)*100)
}
