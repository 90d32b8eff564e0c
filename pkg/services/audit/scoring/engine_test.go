package scoring

import (
	"math"
	"math/rand"
	"testing"

	"github.com/de-tools/health-audit/pkg/models/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(DefaultSettings())
	require.NoError(t, err)
	return e
}

func score(dim domain.Dimension, s float64, counts domain.SeverityCounts) domain.DimensionScore {
	return domain.DimensionScore{Dimension: dim, Score: s, MaxScore: 5, Counts: counts}
}

func TestEngine_Aggregate(t *testing.T) {
	tests := []struct {
		name        string
		scores      []domain.DimensionScore
		wantOverall float64
		wantRisk    domain.RiskLevel
		wantCounts  domain.SeverityCounts
	}{
		{
			name: "all dimensions present",
			scores: []domain.DimensionScore{
				score(domain.DimensionSecurity, 4.6, domain.SeverityCounts{Minor: 1}),
				score(domain.DimensionDataIntegrity, 4.0, domain.SeverityCounts{}),
				score(domain.DimensionCompliance, 4.0, domain.SeverityCounts{Major: 1}),
				score(domain.DimensionPerformance, 4.0, domain.SeverityCounts{}),
			},
			// 0.35*4.6 + 0.65*4.0
			wantOverall: 4.21,
			wantRisk:    domain.RiskLow,
			wantCounts:  domain.SeverityCounts{Major: 1, Minor: 1},
		},
		{
			name: "missing dimension renormalizes the remaining weights",
			scores: []domain.DimensionScore{
				score(domain.DimensionSecurity, 3.0, domain.SeverityCounts{Critical: 2}),
				score(domain.DimensionPerformance, 5.0, domain.SeverityCounts{}),
			},
			// (0.35*3 + 0.15*5) / 0.5
			wantOverall: 3.6,
			wantRisk:    domain.RiskMedium,
			wantCounts:  domain.SeverityCounts{Critical: 2},
		},
		{
			name: "everything failing",
			scores: []domain.DimensionScore{
				score(domain.DimensionSecurity, 0, domain.SeverityCounts{Critical: 3}),
				score(domain.DimensionDataIntegrity, 1.0, domain.SeverityCounts{}),
			},
			wantOverall: 0.42,
			wantRisk:    domain.RiskCritical,
			wantCounts:  domain.SeverityCounts{Critical: 3},
		},
		{
			name: "different max score is normalized",
			scores: []domain.DimensionScore{
				{Dimension: domain.DimensionSecurity, Score: 8, MaxScore: 10},
			},
			wantOverall: 4.0,
			wantRisk:    domain.RiskLow,
		},
	}

	e := newEngine(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg, err := e.Aggregate(tt.scores)
			require.NoError(t, err)
			assert.InDelta(t, tt.wantOverall, agg.OverallScore, 1e-9)
			assert.Equal(t, tt.wantRisk, agg.RiskLevel)
			assert.Equal(t, tt.wantCounts, agg.Counts)

			total := 0.0
			for _, w := range agg.Weights {
				total += w
			}
			assert.InDelta(t, 1.0, total, 1e-9)
		})
	}
}

func TestEngine_Aggregate_Errors(t *testing.T) {
	e := newEngine(t)
	tests := []struct {
		name   string
		scores []domain.DimensionScore
	}{
		{name: "no scores"},
		{
			name: "duplicate dimension",
			scores: []domain.DimensionScore{
				score(domain.DimensionSecurity, 4, domain.SeverityCounts{}),
				score(domain.DimensionSecurity, 3, domain.SeverityCounts{}),
			},
		},
		{
			name:   "score above max",
			scores: []domain.DimensionScore{score(domain.DimensionSecurity, 5.5, domain.SeverityCounts{})},
		},
		{
			name:   "negative score",
			scores: []domain.DimensionScore{score(domain.DimensionSecurity, -1, domain.SeverityCounts{})},
		},
		{
			name:   "NaN score",
			scores: []domain.DimensionScore{score(domain.DimensionSecurity, math.NaN(), domain.SeverityCounts{})},
		},
		{
			name: "NaN alongside a valid score",
			scores: []domain.DimensionScore{
				score(domain.DimensionSecurity, math.NaN(), domain.SeverityCounts{}),
				score(domain.DimensionCompliance, 4, domain.SeverityCounts{}),
			},
		},
		{
			name:   "infinite max score",
			scores: []domain.DimensionScore{{Dimension: domain.DimensionSecurity, Score: 4, MaxScore: math.Inf(1)}},
		},
		{
			name:   "only unweighted dimensions",
			scores: []domain.DimensionScore{score("availability", 4, domain.SeverityCounts{})},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Aggregate(tt.scores)
			assert.Error(t, err)
		})
	}
}

func TestEngine_Aggregate_UnweightedDimensionIsExcluded(t *testing.T) {
	e := newEngine(t)
	agg, err := e.Aggregate([]domain.DimensionScore{
		score(domain.DimensionSecurity, 4, domain.SeverityCounts{}),
		score("availability", 0, domain.SeverityCounts{Major: 1}),
	})
	require.NoError(t, err)
	assert.InDelta(t, 4.0, agg.OverallScore, 1e-9)
	assert.Equal(t, []domain.Dimension{"availability"}, agg.Excluded)
	assert.Equal(t, domain.SeverityCounts{Major: 1}, agg.Counts)
}

func TestEngine_Aggregate_StaysInRange(t *testing.T) {
	e := newEngine(t)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 500; i++ {
		var scores []domain.DimensionScore
		for _, dim := range domain.Dimensions {
			if rng.Intn(4) == 0 {
				continue
			}
			scores = append(scores, score(dim, rng.Float64()*5, domain.SeverityCounts{}))
		}
		if len(scores) == 0 {
			continue
		}
		agg, err := e.Aggregate(scores)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, agg.OverallScore, 0.0)
		assert.LessOrEqual(t, agg.OverallScore, Scale)
	}
}

func TestEngine_Aggregate_DroppingDimensionKeepsWeightRatios(t *testing.T) {
	e := newEngine(t)
	rng := rand.New(rand.NewSource(11))

	all := make([]domain.DimensionScore, 0, len(domain.Dimensions))
	for _, dim := range domain.Dimensions {
		all = append(all, score(dim, rng.Float64()*5, domain.SeverityCounts{}))
	}
	full, err := e.Aggregate(all)
	require.NoError(t, err)

	for i, dropped := range domain.Dimensions {
		t.Run(string(dropped), func(t *testing.T) {
			rest := append(append([]domain.DimensionScore{}, all[:i]...), all[i+1:]...)
			agg, err := e.Aggregate(rest)
			require.NoError(t, err)

			assert.NotContains(t, agg.Weights, dropped)
			total := 0.0
			for _, a := range rest {
				total += agg.Weights[a.Dimension]
				for _, b := range rest {
					assert.InDelta(t,
						full.Weights[a.Dimension]/full.Weights[b.Dimension],
						agg.Weights[a.Dimension]/agg.Weights[b.Dimension],
						1e-9, "%s/%s", a.Dimension, b.Dimension)
				}
			}
			assert.InDelta(t, 1.0, total, 1e-9)
		})
	}
}

func TestEngine_Classify(t *testing.T) {
	e := newEngine(t)

	tests := []struct {
		score float64
		want  domain.RiskLevel
	}{
		{score: 5.0, want: domain.RiskLow},
		{score: 4.2, want: domain.RiskLow},
		{score: 4.0, want: domain.RiskLow},
		{score: 3.99, want: domain.RiskMedium},
		{score: 3.3, want: domain.RiskMedium},
		{score: 3.0, want: domain.RiskMedium},
		{score: 2.0, want: domain.RiskHigh},
		{score: 1.5, want: domain.RiskHigh},
		{score: 1.49, want: domain.RiskCritical},
		{score: 0, want: domain.RiskCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.Classify(tt.score), "score %v", tt.score)
	}

	// a higher score never maps to a worse level
	prev := e.Classify(0)
	for s := 0.0; s <= Scale; s += 0.01 {
		level := e.Classify(s)
		assert.LessOrEqual(t, level.Rank(), prev.Rank(), "score %v", s)
		prev = level
	}
}

func TestEngine_SetThresholds(t *testing.T) {
	e := newEngine(t)

	assert.Error(t, e.SetThresholds(RiskThresholds{Low: 3, Medium: 3.5, High: 1}))
	assert.Equal(t, DefaultSettings().Thresholds, e.Thresholds())

	require.NoError(t, e.SetThresholds(RiskThresholds{Low: 4.5, Medium: 3.5, High: 2}))
	assert.Equal(t, domain.RiskMedium, e.Classify(4.2))
}

func TestSettings_Validate(t *testing.T) {
	tests := []struct {
		name    string
		weights map[domain.Dimension]float64
		wantErr bool
	}{
		{name: "defaults", weights: DefaultSettings().Weights},
		{name: "empty", weights: map[domain.Dimension]float64{}, wantErr: true},
		{name: "zero weight", weights: map[domain.Dimension]float64{domain.DimensionSecurity: 1, domain.DimensionCompliance: 0}, wantErr: true},
		{name: "do not sum to one", weights: map[domain.Dimension]float64{domain.DimensionSecurity: 0.5, domain.DimensionCompliance: 0.4}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			s.Weights = tt.weights
			err := s.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}
