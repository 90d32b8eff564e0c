package trend

import (
	"context"
	"fmt"
	"iter"
	"math"
	"slices"
	"time"

	"github.com/de-tools/health-audit/pkg/models/domain"
	"github.com/de-tools/health-audit/pkg/store/duckdb/audit"
	"github.com/rs/zerolog"
)

const (
	DefaultWindowDays = 30
	DefaultRunWindow  = 10
)

// Series is the time-ordered score history of one dimension. Runs that did not score the
// dimension are absent; nothing is interpolated.
type Series struct {
	Dimension domain.Dimension
	Since     time.Time
	points    []domain.TrendPoint
}

// NewSeries orders points oldest first.
func NewSeries(dimension domain.Dimension, since time.Time, points []domain.TrendPoint) Series {
	sorted := slices.Clone(points)
	slices.SortStableFunc(sorted, func(x, y domain.TrendPoint) int {
		return x.Timestamp.Compare(y.Timestamp)
	})
	return Series{Dimension: dimension, Since: since, points: sorted}
}

// Points yields (index, point) pairs oldest first. The sequence can be ranged over any
// number of times.
func (s Series) Points() iter.Seq2[int, domain.TrendPoint] {
	return func(yield func(int, domain.TrendPoint) bool) {
		for i, p := range s.points {
			if !yield(i, p) {
				return
			}
		}
	}
}

func (s Series) Len() int {
	return len(s.points)
}

// Delta is the change from the oldest to the newest point.
func (s Series) Delta() float64 {
	if len(s.points) < 2 {
		return 0
	}
	return round(s.points[len(s.points)-1].Score-s.points[0].Score, 2)
}

type Option func(*Analyzer)

func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

type Analyzer struct {
	store audit.Store
	now   func() time.Time
}

func NewAnalyzer(store audit.Store, opts ...Option) (*Analyzer, error) {
	if store == nil {
		return nil, fmt.Errorf("audit store is nil")
	}
	a := &Analyzer{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Trend returns the dimension's scores for the last days days.
func (a *Analyzer) Trend(ctx context.Context, tenant string, dimension domain.Dimension, days int) (Series, error) {
	if _, err := domain.ParseDimension(string(dimension)); err != nil {
		return Series{}, err
	}
	if days <= 0 {
		days = DefaultWindowDays
	}

	since := a.now().AddDate(0, 0, -days)
	points, err := a.store.ListByDimension(ctx, tenant, dimension, since)
	if err != nil {
		return Series{}, fmt.Errorf("load %s trend: %w", dimension, err)
	}
	return NewSeries(dimension, since, points), nil
}

// Regressions inspects the window most recent runs in chronological order and reports every
// pair of consecutive observations of a dimension where previous - current > threshold.
// Comparison is strictly pairwise, so a slow decline spread over many runs never alerts;
// tune threshold to the run frequency.
func (a *Analyzer) Regressions(ctx context.Context, tenant string, threshold float64, window int) ([]domain.RegressionAlert, error) {
	if threshold < 0 {
		return nil, fmt.Errorf("regression threshold must be non-negative, got %v", threshold)
	}
	if window <= 1 {
		window = DefaultRunWindow
	}

	runs, err := a.store.ListRecent(ctx, tenant, window)
	if err != nil {
		return nil, fmt.Errorf("load recent runs: %w", err)
	}
	alerts := make([]domain.RegressionAlert, 0)
	if len(runs) < 2 {
		return alerts, nil
	}
	slices.Reverse(runs)

	ids := make([]string, 0, len(runs))
	for _, r := range runs {
		ids = append(ids, r.ID)
	}
	scores, err := a.store.ListScores(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load run scores: %w", err)
	}

	type observation struct {
		run   domain.AuditRun
		score domain.DimensionScore
	}
	series := make(map[domain.Dimension][]observation)
	for _, r := range runs {
		for _, s := range scores[r.ID] {
			series[s.Dimension] = append(series[s.Dimension], observation{run: r, score: s})
		}
	}

	detectedAt := a.now()
	for _, dim := range domain.Dimensions {
		obs := series[dim]
		for i := 1; i < len(obs); i++ {
			prev, cur := obs[i-1], obs[i]
			// Compare the delta as it is reported.
			drop := round(prev.score.Score-cur.score.Score, 2)
			if drop <= threshold {
				continue
			}
			alerts = append(alerts, domain.RegressionAlert{
				Dimension:          dim,
				PreviousRunID:      prev.run.ID,
				CurrentRunID:       cur.run.ID,
				PreviousScore:      prev.score.Score,
				CurrentScore:       cur.score.Score,
				Delta:              drop,
				DetectedAt:         detectedAt,
				MethodologyChanged: prev.score.ScoringVersion != cur.score.ScoringVersion,
			})
		}
	}

	if len(alerts) > 0 {
		zerolog.Ctx(ctx).Info().
			Str("tenant", tenant).
			Int("alerts", len(alerts)).
			Float64("threshold", threshold).
			Msg("score regressions detected")
	}
	return alerts, nil
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
