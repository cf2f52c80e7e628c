// Package defense holds per-site difficulty configuration: an ordered
// set of visitor-threshold/difficulty levels, and the optional traffic
// pattern shorthand that derives such a set from three traffic figures.
package defense

import (
	"errors"
	"fmt"
	"sort"
)

// ErrConfig is the base error for malformed level configuration. It is
// returned (wrapped) at construction time only; lookups never validate.
var ErrConfig = errors.New("invalid captcha configuration")

// Level maps a visitor threshold to the difficulty applied while the
// current visitor count is at or below that threshold.
type Level struct {
	VisitorThreshold uint32 `json:"visitor_threshold"`
	DifficultyFactor uint32 `json:"difficulty_factor"`
}

// Defense is an immutable, validated level set. The last level acts as a
// ceiling for visitor counts beyond every threshold.
type Defense struct {
	levels []Level
}

func New(levels []Level) (*Defense, error) {
	if len(levels) == 0 {
		return nil, fmt.Errorf("%w: level set must contain at least one level", ErrConfig)
	}

	sorted := make([]Level, len(levels))
	copy(sorted, levels)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].VisitorThreshold < sorted[j].VisitorThreshold
	})

	for i := range sorted {
		if sorted[i].DifficultyFactor < 1 {
			return nil, fmt.Errorf("%w: difficulty factor must be at least 1", ErrConfig)
		}
		if i == 0 {
			continue
		}
		if sorted[i].VisitorThreshold == sorted[i-1].VisitorThreshold {
			return nil, fmt.Errorf("%w: duplicate visitor threshold %d", ErrConfig, sorted[i].VisitorThreshold)
		}
		if sorted[i].DifficultyFactor < sorted[i-1].DifficultyFactor {
			return nil, fmt.Errorf("%w: difficulty must not decrease with threshold (level %d)", ErrConfig, i)
		}
	}

	return &Defense{levels: sorted}, nil
}

// SelectLevel returns the difficulty of the smallest threshold covering
// the visitor count. Monotonic: more visitors never yields an easier
// challenge.
func (d *Defense) SelectLevel(visitors uint32) uint32 {
	idx := sort.Search(len(d.levels), func(i int) bool {
		return d.levels[i].VisitorThreshold >= visitors
	})
	if idx == len(d.levels) {
		idx = len(d.levels) - 1
	}
	return d.levels[idx].DifficultyFactor
}

// Levels returns a copy of the validated level set.
func (d *Defense) Levels() []Level {
	out := make([]Level, len(d.levels))
	copy(out, d.levels)
	return out
}

// TrafficPattern is the "easy mode" site description: instead of hand
// tuning levels, operators supply three traffic figures and difficulty
// comes from the server-wide strategy.
type TrafficPattern struct {
	AvgTraffic             uint32 `json:"avg_traffic"`
	PeakSustainableTraffic uint32 `json:"peak_sustainable_traffic"`
	BrokeMySiteTraffic     uint32 `json:"broke_my_site_traffic"`
}

// Strategy maps the three traffic tiers to difficulty factors. The
// optional per-tier solve-time hints must be configured all together or
// not at all.
//
// TODO: confirm with product whether partially-set time hints should
// instead fall back to defaults; the all-or-none rule is inherited.
type Strategy struct {
	AvgTrafficDifficulty             uint32
	AvgTrafficTime                   *uint32
	PeakSustainableTrafficDifficulty uint32
	PeakSustainableTrafficTime       *uint32
	BrokeMySiteTrafficDifficulty     uint32
	BrokeMySiteTrafficTime           *uint32
	Duration                         uint32
}

func (s *Strategy) validate() error {
	set := 0
	for _, t := range []*uint32{s.AvgTrafficTime, s.PeakSustainableTrafficTime, s.BrokeMySiteTrafficTime} {
		if t != nil {
			set++
		}
	}
	if set != 0 && set != 3 {
		return fmt.Errorf("%w: traffic time hints must be set for all tiers or none", ErrConfig)
	}
	return nil
}

// LevelsFromPattern derives a three-level set from a traffic pattern
// using the strategy's difficulty mapping.
func LevelsFromPattern(p TrafficPattern, s Strategy) (*Defense, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	if !(p.AvgTraffic < p.PeakSustainableTraffic && p.PeakSustainableTraffic < p.BrokeMySiteTraffic) {
		return nil, fmt.Errorf("%w: traffic pattern must be strictly increasing (avg < peak < broke-my-site)", ErrConfig)
	}
	return New([]Level{
		{VisitorThreshold: p.AvgTraffic, DifficultyFactor: s.AvgTrafficDifficulty},
		{VisitorThreshold: p.PeakSustainableTraffic, DifficultyFactor: s.PeakSustainableTrafficDifficulty},
		{VisitorThreshold: p.BrokeMySiteTraffic, DifficultyFactor: s.BrokeMySiteTrafficDifficulty},
	})
}
