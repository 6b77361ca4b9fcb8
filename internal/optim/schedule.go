package optim

import "math"

// Schedule is a linear warmup to Peak followed by cosine decay over
// DecaySteps. MinFactor bounds the decayed rate from below as a fraction of
// Peak.
type Schedule struct {
	Peak        float64
	WarmupSteps int
	DecaySteps  int
	MinFactor   float64
}

// At returns the learning rate for a 1-based step.
func (s Schedule) At(step int) float64 {
	if step <= 0 {
		return 0
	}

	if s.WarmupSteps > 0 && step < s.WarmupSteps {
		return s.Peak * float64(step) / float64(s.WarmupSteps)
	}

	if s.DecaySteps <= 0 {
		return s.Peak
	}

	x := float64(step-s.WarmupSteps) / float64(s.DecaySteps)
	x = min(max(x, 0), 1)

	scale := 0.5 * (1 + math.Cos(math.Pi*x))

	return s.Peak * (s.MinFactor + (1-s.MinFactor)*scale)
}
