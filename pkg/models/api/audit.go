package api

import "time"

type SeverityCounts struct {
	Critical int `json:"critical"`
	Major    int `json:"major"`
	Minor    int `json:"minor"`
	Total    int `json:"total"`
}

type RunSummary struct {
	RunID                string         `json:"run_id"`
	OverallScore         float64        `json:"overall_score"`
	RiskLevel            string         `json:"risk_level"`
	Counts               SeverityCounts `json:"counts"`
	ExecutionTimeSeconds float64        `json:"execution_time_seconds"`
}

type AuditRun struct {
	ID                   string         `json:"id"`
	TenantID             string         `json:"tenant_id"`
	TriggeredBy          string         `json:"triggered_by"`
	Environment          string         `json:"environment,omitempty"`
	Revision             string         `json:"revision,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	OverallScore         float64        `json:"overall_score"`
	RiskLevel            string         `json:"risk_level"`
	Counts               SeverityCounts `json:"counts"`
	ExecutionTimeSeconds float64        `json:"execution_time_seconds"`
}

type DimensionScore struct {
	ID             string         `json:"id"`
	Dimension      string         `json:"dimension"`
	Score          float64        `json:"score"`
	MaxScore       float64        `json:"max_score"`
	Counts         SeverityCounts `json:"counts"`
	RawSignals     map[string]any `json:"raw_signals,omitempty"`
	ScoringVersion string         `json:"scoring_version"`
	Confidence     string         `json:"confidence"`
}

type Acknowledgment struct {
	By   string    `json:"by"`
	At   time.Time `json:"at"`
	Note string    `json:"note,omitempty"`
}

type Finding struct {
	ID             string          `json:"id"`
	RunID          string          `json:"run_id"`
	Dimension      string          `json:"dimension"`
	Severity       string          `json:"severity"`
	Title          string          `json:"title"`
	Description    string          `json:"description,omitempty"`
	Recommendation string          `json:"recommendation,omitempty"`
	FilePath       string          `json:"file_path,omitempty"`
	LineNumber     int             `json:"line_number,omitempty"`
	Revision       string          `json:"revision,omitempty"`
	Status         string          `json:"status"`
	Acknowledgment *Acknowledgment `json:"acknowledgment,omitempty"`
}

type RunDetail struct {
	Run      AuditRun         `json:"run"`
	Scores   []DimensionScore `json:"scores"`
	Findings []Finding        `json:"findings"`
}

type TrendPoint struct {
	RunID          string    `json:"run_id"`
	Timestamp      time.Time `json:"timestamp"`
	Score          float64   `json:"score"`
	MaxScore       float64   `json:"max_score"`
	ScoringVersion string    `json:"scoring_version"`
	Confidence     string    `json:"confidence"`
}

type Trend struct {
	Dimension string       `json:"dimension"`
	Since     time.Time    `json:"since"`
	Delta     float64      `json:"delta"`
	Points    []TrendPoint `json:"points"`
}

type RegressionAlert struct {
	Dimension          string    `json:"dimension"`
	PreviousRunID      string    `json:"previous_run_id"`
	CurrentRunID       string    `json:"current_run_id"`
	PreviousScore      float64   `json:"previous_score"`
	CurrentScore       float64   `json:"current_score"`
	Delta              float64   `json:"delta"`
	DetectedAt         time.Time `json:"detected_at"`
	MethodologyChanged bool      `json:"methodology_changed"`
}

type DimensionDelta struct {
	Dimension       string  `json:"dimension"`
	BaseScore       float64 `json:"base_score"`
	ComparisonScore float64 `json:"comparison_score"`
	Delta           float64 `json:"delta"`
	Presence        string  `json:"presence"`
}

type RunDiff struct {
	BaseRunID        string           `json:"base_run_id"`
	ComparisonRunID  string           `json:"comparison_run_id"`
	ScoreDelta       float64          `json:"score_delta"`
	BaseRisk         string           `json:"base_risk"`
	ComparisonRisk   string           `json:"comparison_risk"`
	Dimensions       []DimensionDelta `json:"dimensions"`
	NewFindings      []string         `json:"new_findings"`
	ResolvedFindings []string         `json:"resolved_findings"`
}

type AcknowledgeRequest struct {
	Note string `json:"note"`
}

type RunState struct {
	Tenant string `json:"tenant"`
	State  string `json:"state"`
	Active bool   `json:"active"`
}

type Error struct {
	Error string `json:"error"`
}
