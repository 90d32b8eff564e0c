package scanner

import (
	"fmt"
	"os"

	"github.com/de-tools/health-audit/pkg/models/domain"
	"gopkg.in/yaml.v3"
)

// Check is one declarative SQL check. Query must return a single count of violating rows.
type Check struct {
	Title          string `yaml:"title"`
	Severity       string `yaml:"severity"`
	Description    string `yaml:"description"`
	Recommendation string `yaml:"recommendation"`
	Query          string `yaml:"query"`
	File           string `yaml:"file"`
	Line           int    `yaml:"line"`
}

// Penalties is the score deduction applied per failing check of each severity.
type Penalties struct {
	Critical float64 `yaml:"critical"`
	Major    float64 `yaml:"major"`
	Minor    float64 `yaml:"minor"`
}

func (p Penalties) For(s domain.Severity) float64 {
	switch s {
	case domain.SeverityCritical:
		return p.Critical
	case domain.SeverityMajor:
		return p.Major
	default:
		return p.Minor
	}
}

type Catalogue struct {
	ScoringVersion string             `yaml:"scoring_version"`
	MaxScore       float64            `yaml:"max_score"`
	Penalties      Penalties          `yaml:"penalties"`
	Dimensions     map[string][]Check `yaml:"dimensions"`
}

// DefaultCatalogue has no checks; only the scoring parameters are set.
func DefaultCatalogue() *Catalogue {
	return &Catalogue{
		ScoringVersion: "v1",
		MaxScore:       5.0,
		Penalties: Penalties{
			Critical: 2.0,
			Major:    1.0,
			Minor:    0.25,
		},
		Dimensions: map[string][]Check{},
	}
}

// LoadCatalogue reads a YAML check catalogue. Missing file returns defaults.
func LoadCatalogue(path string) (*Catalogue, error) {
	if path == "" {
		return DefaultCatalogue(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultCatalogue(), nil
		}
		return nil, fmt.Errorf("failed to read check catalogue: %w", err)
	}

	cat := DefaultCatalogue()
	if err := yaml.Unmarshal(data, cat); err != nil {
		return nil, fmt.Errorf("failed to parse check catalogue: %w", err)
	}
	if err := cat.Validate(); err != nil {
		return nil, err
	}
	return cat, nil
}

func (c *Catalogue) Validate() error {
	if c.MaxScore <= 0 {
		return fmt.Errorf("max_score must be positive")
	}
	for name, checks := range c.Dimensions {
		if _, err := domain.ParseDimension(name); err != nil {
			return err
		}
		seen := make(map[string]struct{}, len(checks))
		for _, ch := range checks {
			if ch.Title == "" || ch.Query == "" {
				return fmt.Errorf("dimension %s: every check needs a title and a query", name)
			}
			if _, dup := seen[ch.Title]; dup {
				return fmt.Errorf("dimension %s: duplicate check title %q", name, ch.Title)
			}
			seen[ch.Title] = struct{}{}
			if _, err := domain.ParseSeverity(ch.Severity); err != nil {
				return fmt.Errorf("dimension %s check %q: %w", name, ch.Title, err)
			}
		}
	}
	return nil
}

// Scanners builds one QueryScanner per dimension that has checks.
func (c *Catalogue) Scanners() []Scanner {
	var out []Scanner
	for _, dim := range domain.Dimensions {
		checks := c.Dimensions[string(dim)]
		if len(checks) == 0 {
			continue
		}
		out = append(out, NewQueryScanner(dim, checks, QuerySettings{
			MaxScore:       c.MaxScore,
			Penalties:      c.Penalties,
			ScoringVersion: c.ScoringVersion,
		}))
	}
	return out
}
