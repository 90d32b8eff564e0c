package domain

import "time"

// TrendPoint is one dimension score observation.
type TrendPoint struct {
	RunID          string
	Timestamp      time.Time
	Score          float64
	MaxScore       float64
	ScoringVersion string
	Confidence     Confidence
}

// RegressionAlert flags a score drop between two consecutive observations of a dimension.
type RegressionAlert struct {
	Dimension          Dimension
	PreviousRunID      string
	CurrentRunID       string
	PreviousScore      float64
	CurrentScore       float64
	Delta              float64
	DetectedAt         time.Time
	MethodologyChanged bool
}

type Presence string

const (
	PresenceBoth           Presence = "both"
	PresenceBaseOnly       Presence = "base_only"
	PresenceComparisonOnly Presence = "comparison_only"
)

// DimensionDelta compares one dimension between two runs. When Presence is not
// PresenceBoth, the missing side is an implicit 0 and Delta is not a real change.
type DimensionDelta struct {
	Dimension       Dimension
	BaseScore       float64
	ComparisonScore float64
	Delta           float64
	Presence        Presence
}

type RunDiff struct {
	BaseRunID        string
	ComparisonRunID  string
	ScoreDelta       float64
	BaseRisk         RiskLevel
	ComparisonRisk   RiskLevel
	Dimensions       []DimensionDelta
	NewFindings      []string
	ResolvedFindings []string
}
