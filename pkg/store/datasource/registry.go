package datasource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/de-tools/health-audit/pkg/models/domain"
	"github.com/de-tools/health-audit/pkg/services/audit/scanner"
	"github.com/de-tools/health-audit/pkg/services/config"
	"github.com/rs/zerolog"
	sf "github.com/snowflakedb/gosnowflake"

	_ "github.com/databricks/databricks-sql-go"
	_ "github.com/marcboeker/go-duckdb/v2"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite     = "sqlite"
	DriverDuckDB     = "duckdb"
	DriverDatabricks = "databricks"
	DriverSnowflake  = "snowflake"
)

// Opener opens a database handle for a driver name and DSN.
type Opener func(driverName, dsn string) (*sql.DB, error)

type Option func(*Registry)

func WithOpener(open Opener) Option {
	return func(r *Registry) {
		r.open = open
	}
}

// Registry resolves each dimension to the data source named after it in the profile file.
// Handles are opened on first use and kept until Close.
type Registry struct {
	profiles config.Registry
	open     Opener

	mu  sync.Mutex
	dbs map[domain.Dimension]*sql.DB
}

func NewRegistry(profiles config.Registry, opts ...Option) *Registry {
	r := &Registry{
		profiles: profiles,
		open:     sql.Open,
		dbs:      make(map[domain.Dimension]*sql.DB),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Source returns the dimension's handle. A missing or unusable profile is reported as
// scanner.ErrUnavailable so the dimension degrades instead of failing the run.
func (r *Registry) Source(ctx context.Context, dimension domain.Dimension) (scanner.Querier, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if db, ok := r.dbs[dimension]; ok {
		return db, nil
	}
	if r.profiles == nil {
		return nil, scanner.Unavailable(fmt.Errorf("no data source profiles configured"))
	}

	profile, err := r.profiles.GetProfile(ctx, string(dimension))
	if err != nil {
		return nil, scanner.Unavailable(err)
	}
	driverName, dsn, err := BuildDSN(profile)
	if err != nil {
		return nil, scanner.Unavailable(err)
	}
	db, err := r.open(driverName, dsn)
	if err != nil {
		return nil, scanner.Unavailable(fmt.Errorf("open %s source for %s: %w", driverName, dimension, err))
	}
	if profile.MaxOpenConns > 0 {
		db.SetMaxOpenConns(profile.MaxOpenConns)
	}

	zerolog.Ctx(ctx).Debug().
		Str("dimension", string(dimension)).
		Str("driver", driverName).
		Msg("opened data source")
	r.dbs[dimension] = db
	return db, nil
}

// Close releases every opened handle.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for dim, db := range r.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s source: %w", dim, err))
		}
		delete(r.dbs, dim)
	}
	return errors.Join(errs...)
}

// BuildDSN returns the database/sql driver name and DSN for a profile. An explicit dsn key
// always wins.
func BuildDSN(p *config.DataSourceProfile) (string, string, error) {
	switch p.Driver {
	case DriverSQLite, DriverDuckDB:
		if p.DSN == "" {
			return "", "", fmt.Errorf("profile %s: %s requires a dsn", p.Name, p.Driver)
		}
		return p.Driver, p.DSN, nil
	case DriverDatabricks:
		if p.DSN != "" {
			return p.Driver, p.DSN, nil
		}
		if p.Host == "" || p.Token == "" || p.HTTPPath == "" {
			return "", "", fmt.Errorf("profile %s: databricks requires host, token and http_path", p.Name)
		}
		return p.Driver, fmt.Sprintf("token:%s@%s%s", p.Token, p.Host, p.HTTPPath), nil
	case DriverSnowflake:
		if p.DSN != "" {
			return p.Driver, p.DSN, nil
		}
		dsn, err := sf.DSN(&sf.Config{
			Account:   p.Account,
			User:      p.User,
			Password:  p.Password,
			Database:  p.Database,
			Warehouse: p.Warehouse,
			Role:      p.Role,
		})
		if err != nil {
			return "", "", fmt.Errorf("profile %s: %w", p.Name, err)
		}
		return p.Driver, dsn, nil
	default:
		return "", "", fmt.Errorf("profile %s: unsupported driver %q", p.Name, p.Driver)
	}
}
