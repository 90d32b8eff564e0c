package scanner

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/de-tools/health-audit/pkg/models/domain"
)

// ErrUnavailable marks a scan whose data source could not be reached. It degrades the
// dimension's confidence instead of failing the run.
var ErrUnavailable = errors.New("data source unavailable")

// Unavailable wraps err as a data-unavailable condition.
func Unavailable(err error) error {
	if err == nil {
		return ErrUnavailable
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// IsUnavailable reports whether err means the data source was unreachable rather than
// the scanner misbehaving.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Querier is the read-only view of a dimension's data source.
type Querier interface {
	PingContext(ctx context.Context) error
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SourceProvider resolves the data source for a dimension.
type SourceProvider interface {
	Source(ctx context.Context, dimension domain.Dimension) (Querier, error)
}

// Result is the output of one dimension scan. Score.RunID, Score.ID and the finding ids are
// assigned by the coordinator.
type Result struct {
	Score    domain.DimensionScore
	Findings []domain.Finding
}

// Scanner evaluates a single dimension. Implementations must be stateless between calls and
// must not depend on other scanners.
type Scanner interface {
	Dimension() domain.Dimension
	Scan(ctx context.Context, src Querier) (Result, error)
}

type funcScanner struct {
	dimension domain.Dimension
	fn        func(ctx context.Context, src Querier) (Result, error)
}

// Func adapts a function into a Scanner.
func Func(dimension domain.Dimension, fn func(ctx context.Context, src Querier) (Result, error)) Scanner {
	return &funcScanner{dimension: dimension, fn: fn}
}

func (f *funcScanner) Dimension() domain.Dimension {
	return f.dimension
}

func (f *funcScanner) Scan(ctx context.Context, src Querier) (Result, error) {
	return f.fn(ctx, src)
}
