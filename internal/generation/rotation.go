package generation

import (
	"errors"
	"sort"
	"time"
)

// Policy is a retention policy. Max and MaxAge of zero disable that limit.
type Policy struct {
	Min    int           `yaml:"min"`
	Max    int           `yaml:"max"`
	MaxAge time.Duration `yaml:"maxAge"`
}

// Validate rejects negative limits and a Max below Min.
func (p Policy) Validate() error {
	switch {
	case p.Min < 0 || p.Max < 0 || p.MaxAge < 0:
		return errors.New("retention limits must not be negative")
	case p.Max > 0 && p.Max < p.Min:
		return errors.New("max must not be lower than min")
	}
	return nil
}

// Rotatable is a generation subject to a retention policy.
type Rotatable interface {
	GenerationDate() time.Time
	IsCurrent() bool
}

// SelectForRotation returns the generations of history that p wants
// deleted, oldest first.
//
// History is walked from the oldest generation. The current generation is
// never selected. A generation is selected while more than Min remain and
// either more than Max remain or it is older than MaxAge. The remaining
// count is the original history length minus the number already selected.
func SelectForRotation[T Rotatable](history []T, p Policy, now time.Time) []T {
	count := len(history)
	if count <= p.Min {
		return nil
	}

	sorted := make([]T, count)
	copy(sorted, history)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].GenerationDate().Before(sorted[j].GenerationDate())
	})

	var out []T
	for _, g := range sorted {
		if g.IsCurrent() {
			continue
		}
		remaining := count - len(out)
		if remaining <= p.Min {
			break
		}
		tooMany := p.Max > 0 && remaining > p.Max
		tooOld := p.MaxAge > 0 && now.Sub(g.GenerationDate()) > p.MaxAge
		if tooMany || tooOld {
			out = append(out, g)
		}
	}
	return out
}
