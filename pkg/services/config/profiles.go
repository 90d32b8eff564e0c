package config

import (
	"context"
	"fmt"
	"sort"

	"github.com/de-tools/health-audit/pkg/models/domain"
	"gopkg.in/ini.v1"
)

// DataSourceProfile describes how a dimension scanner reaches its data. Either DSN is set, or
// the driver-specific keys the DSN is built from.
type DataSourceProfile struct {
	Name   string
	Driver string
	DSN    string

	// databricks
	Host     string
	Token    string
	HTTPPath string

	// snowflake
	Account   string
	User      string
	Password  string
	Database  string
	Warehouse string
	Role      string

	MaxOpenConns int
}

type Registry interface {
	GetProfiles(ctx context.Context) ([]string, error)
	GetProfile(ctx context.Context, name string) (*DataSourceProfile, error)
}

type iniRegistry struct {
	cfg *ini.File
}

// NewRegistry loads an INI file with one section per dimension:
//
//	[security]
//	driver = sqlite
//	dsn    = file:/var/lib/app/business.db?mode=ro
func NewRegistry(path string) (Registry, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, err
	}
	return &iniRegistry{cfg: cfg}, nil
}

func (r *iniRegistry) GetProfiles(_ context.Context) ([]string, error) {
	var profiles []string
	for _, section := range r.cfg.Sections() {
		if len(section.Keys()) > 0 {
			profiles = append(profiles, section.Name())
		}
	}
	sort.Strings(profiles)
	return profiles, nil
}

func (r *iniRegistry) GetProfile(_ context.Context, name string) (*DataSourceProfile, error) {
	section, err := r.cfg.GetSection(name)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", name, domain.ErrNotFound)
	}

	driver := section.Key("driver").String()
	if driver == "" {
		return nil, fmt.Errorf("profile %s: driver is required", name)
	}

	return &DataSourceProfile{
		Name:         name,
		Driver:       driver,
		DSN:          section.Key("dsn").String(),
		Host:         section.Key("host").String(),
		Token:        section.Key("token").String(),
		HTTPPath:     section.Key("http_path").String(),
		Account:      section.Key("account").String(),
		User:         section.Key("user").String(),
		Password:     section.Key("password").String(),
		Database:     section.Key("database").String(),
		Warehouse:    section.Key("warehouse").String(),
		Role:         section.Key("role").String(),
		MaxOpenConns: section.Key("max_open_conns").MustInt(2),
	}, nil
}
