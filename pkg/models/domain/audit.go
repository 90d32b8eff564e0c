package domain

import (
	"fmt"
	"time"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
)

func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityCritical, SeverityMajor, SeverityMinor:
		return Severity(s), nil
	default:
		return "", fmt.Errorf("unknown severity %q", s)
	}
}

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders risk levels from best (0) to worst (3).
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	default:
		return 3
	}
}

type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

type FindingStatus string

const (
	FindingOpen         FindingStatus = "open"
	FindingAcknowledged FindingStatus = "acknowledged"
	FindingResolved     FindingStatus = "resolved"
)

type Dimension string

const (
	DimensionSecurity      Dimension = "security"
	DimensionDataIntegrity Dimension = "data_integrity"
	DimensionCompliance    Dimension = "compliance"
	DimensionPerformance   Dimension = "performance"
)

// Dimensions is the enumerated set of audited dimensions.
var Dimensions = []Dimension{
	DimensionSecurity,
	DimensionDataIntegrity,
	DimensionCompliance,
	DimensionPerformance,
}

func ParseDimension(s string) (Dimension, error) {
	for _, d := range Dimensions {
		if string(d) == s {
			return d, nil
		}
	}
	return "", fmt.Errorf("unknown dimension %q", s)
}

// SeverityCounts holds per-severity finding totals.
type SeverityCounts struct {
	Critical int
	Major    int
	Minor    int
}

func (c SeverityCounts) Total() int {
	return c.Critical + c.Major + c.Minor
}

func (c SeverityCounts) Add(o SeverityCounts) SeverityCounts {
	return SeverityCounts{
		Critical: c.Critical + o.Critical,
		Major:    c.Major + o.Major,
		Minor:    c.Minor + o.Minor,
	}
}

// CountFindings tallies findings by severity.
func CountFindings(findings []Finding) SeverityCounts {
	var c SeverityCounts
	for _, f := range findings {
		switch f.Severity {
		case SeverityCritical:
			c.Critical++
		case SeverityMajor:
			c.Major++
		case SeverityMinor:
			c.Minor++
		}
	}
	return c
}

// AuditRun is one completed audit execution. It is created once, at the end of a run.
type AuditRun struct {
	ID                   string
	TenantID             string
	TriggeredBy          string
	Environment          string
	Revision             string
	CreatedAt            time.Time
	OverallScore         float64
	RiskLevel            RiskLevel
	Counts               SeverityCounts
	ExecutionTimeSeconds float64
}

type DimensionScore struct {
	ID             string
	RunID          string
	Dimension      Dimension
	Score          float64
	MaxScore       float64
	Counts         SeverityCounts
	RawSignals     map[string]any
	ScoringVersion string
	Confidence     Confidence
}

// Normalized returns the score scaled onto [0, scale].
func (s DimensionScore) Normalized(scale float64) float64 {
	if s.MaxScore <= 0 {
		return 0
	}
	return s.Score / s.MaxScore * scale
}

type Acknowledgment struct {
	By   string
	At   time.Time
	Note string
}

type Finding struct {
	ID             string
	RunID          string
	Dimension      Dimension
	Severity       Severity
	Title          string
	Description    string
	Recommendation string
	FilePath       string
	LineNumber     int
	Revision       string
	Status         FindingStatus
	Acknowledgment *Acknowledgment
}

// RunDetail is a run with everything persisted alongside it.
type RunDetail struct {
	Run      AuditRun
	Scores   []DimensionScore
	Findings []Finding
}

// RunSummary is what a trigger returns to its caller.
type RunSummary struct {
	RunID         string
	OverallScore  float64
	RiskLevel     RiskLevel
	Counts        SeverityCounts
	ExecutionTime time.Duration
}
