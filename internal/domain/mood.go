package domain

var moodLabels = [10]string{
	"Very Low",
	"Low",
	"Somewhat Low",
	"Below Average",
	"Neutral",
	"Somewhat Good",
	"Good",
	"Very Good",
	"Excellent",
	"Outstanding",
}

// NewMood builds a MoodLevel for a value on the 1-10 scale.
func NewMood(value int) (MoodLevel, error) {
	if value < 1 || value > len(moodLabels) {
		return MoodLevel{}, NewError(InvalidSessionInput, "mood must be between 1 and 10, got %d", value)
	}
	return MoodLevel{Value: value, Label: moodLabels[value-1]}, nil
}

// MoodScale lists every mood level in ascending order.
func MoodScale() []MoodLevel {
	out := make([]MoodLevel, 0, len(moodLabels))
	for i, l := range moodLabels {
		out = append(out, MoodLevel{Value: i + 1, Label: l})
	}
	return out
}
