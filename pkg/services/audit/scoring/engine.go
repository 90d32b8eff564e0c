package scoring

import (
	"fmt"
	"math"
	"sync"

	"github.com/de-tools/health-audit/pkg/models/domain"
)

// Scale is the upper bound of the overall score.
const Scale = 5.0

const weightTolerance = 1e-6

// RiskThresholds are inclusive lower bounds: score >= Low is low risk, >= Medium is medium,
// >= High is high, anything below is critical.
type RiskThresholds struct {
	Low    float64 `mapstructure:"low"`
	Medium float64 `mapstructure:"medium"`
	High   float64 `mapstructure:"high"`
}

func (t RiskThresholds) Validate() error {
	if !(t.Low > t.Medium && t.Medium > t.High && t.High >= 0 && t.Low <= Scale) {
		return fmt.Errorf("risk thresholds must satisfy %.1f >= low > medium > high >= 0, got %+v", Scale, t)
	}
	return nil
}

type Settings struct {
	Weights    map[domain.Dimension]float64
	Thresholds RiskThresholds
}

func DefaultSettings() Settings {
	return Settings{
		Weights: map[domain.Dimension]float64{
			domain.DimensionSecurity:      0.35,
			domain.DimensionDataIntegrity: 0.25,
			domain.DimensionCompliance:    0.25,
			domain.DimensionPerformance:   0.15,
		},
		Thresholds: RiskThresholds{Low: 4.0, Medium: 3.0, High: 1.5},
	}
}

func (s Settings) Validate() error {
	if len(s.Weights) == 0 {
		return fmt.Errorf("at least one dimension weight is required")
	}
	total := 0.0
	for dim, w := range s.Weights {
		if w <= 0 {
			return fmt.Errorf("weight for %s must be positive, got %v", dim, w)
		}
		total += w
	}
	if math.Abs(total-1.0) > weightTolerance {
		return fmt.Errorf("dimension weights must sum to 1.0, got %v", total)
	}
	return s.Thresholds.Validate()
}

// Aggregate is the outcome of scoring one run.
type Aggregate struct {
	OverallScore float64
	RiskLevel    domain.RiskLevel
	Counts       domain.SeverityCounts
	// Weights are the renormalized weights actually applied to this run.
	Weights map[domain.Dimension]float64
	// Excluded lists dimensions that had a score but no configured weight.
	Excluded []domain.Dimension
}

// Engine turns dimension scores into an overall score and risk level. It performs no I/O.
type Engine struct {
	mu       sync.RWMutex
	settings Settings
}

func NewEngine(settings Settings) (*Engine, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &Engine{settings: settings}, nil
}

// SetThresholds swaps the risk cut points.
func (e *Engine) SetThresholds(t RiskThresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settings.Thresholds = t
	return nil
}

func (e *Engine) Thresholds() RiskThresholds {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settings.Thresholds
}

// Classify maps an overall score to a risk level. It is monotonic: a higher score never
// yields a worse level.
func (e *Engine) Classify(score float64) domain.RiskLevel {
	t := e.Thresholds()
	switch {
	case score >= t.Low:
		return domain.RiskLow
	case score >= t.Medium:
		return domain.RiskMedium
	case score >= t.High:
		return domain.RiskHigh
	default:
		return domain.RiskCritical
	}
}

// Aggregate combines dimension scores. Dimensions absent from scores do not count as zero:
// the remaining weights are rescaled to sum to 1.0.
func (e *Engine) Aggregate(scores []domain.DimensionScore) (Aggregate, error) {
	e.mu.RLock()
	weights := e.settings.Weights
	e.mu.RUnlock()

	agg := Aggregate{Weights: make(map[domain.Dimension]float64, len(scores))}

	seen := make(map[domain.Dimension]struct{}, len(scores))
	present := 0.0
	for _, s := range scores {
		if _, dup := seen[s.Dimension]; dup {
			return Aggregate{}, fmt.Errorf("duplicate score for dimension %s", s.Dimension)
		}
		seen[s.Dimension] = struct{}{}
		if !finite(s.Score) || !finite(s.MaxScore) || s.MaxScore <= 0 || s.Score < 0 || s.Score > s.MaxScore {
			return Aggregate{}, fmt.Errorf("dimension %s score %v outside [0, %v]", s.Dimension, s.Score, s.MaxScore)
		}

		agg.Counts = agg.Counts.Add(s.Counts)

		w, ok := weights[s.Dimension]
		if !ok {
			agg.Excluded = append(agg.Excluded, s.Dimension)
			continue
		}
		present += w
	}

	if present == 0 {
		return Aggregate{}, fmt.Errorf("no weighted dimension scores to aggregate")
	}

	overall := 0.0
	for _, s := range scores {
		w, ok := weights[s.Dimension]
		if !ok {
			continue
		}
		effective := w / present
		agg.Weights[s.Dimension] = effective
		overall += effective * s.Normalized(Scale)
	}

	agg.OverallScore = clamp(round(overall, 2), 0, Scale)
	agg.RiskLevel = e.Classify(agg.OverallScore)
	return agg, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
