package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/de-tools/health-audit/pkg/models/domain"
	"github.com/de-tools/health-audit/pkg/services/audit/scanner"
	"github.com/de-tools/health-audit/pkg/services/audit/scoring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Save(ctx context.Context, run domain.AuditRun, scores []domain.DimensionScore, findings []domain.Finding) error {
	args := m.Called(ctx, run, scores, findings)
	return args.Error(0)
}

func (m *mockStore) Get(ctx context.Context, tenant, runID string) (*domain.RunDetail, error) {
	args := m.Called(ctx, tenant, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.RunDetail), args.Error(1)
}

func (m *mockStore) ListRecent(ctx context.Context, tenant string, limit int) ([]domain.AuditRun, error) {
	args := m.Called(ctx, tenant, limit)
	return args.Get(0).([]domain.AuditRun), args.Error(1)
}

func (m *mockStore) ListByDimension(ctx context.Context, tenant string, dimension domain.Dimension, since time.Time) ([]domain.TrendPoint, error) {
	args := m.Called(ctx, tenant, dimension, since)
	return args.Get(0).([]domain.TrendPoint), args.Error(1)
}

func (m *mockStore) ListScores(ctx context.Context, runIDs []string) (map[string][]domain.DimensionScore, error) {
	args := m.Called(ctx, runIDs)
	return args.Get(0).(map[string][]domain.DimensionScore), args.Error(1)
}

func (m *mockStore) Acknowledge(ctx context.Context, tenant, findingID string, ack domain.Acknowledgment) (*domain.Finding, error) {
	args := m.Called(ctx, tenant, findingID, ack)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Finding), args.Error(1)
}

func (m *mockStore) PruneOlderThan(ctx context.Context, retentionDays int) ([]string, error) {
	args := m.Called(ctx, retentionDays)
	return args.Get(0).([]string), args.Error(1)
}

type staticSources struct{}

func (staticSources) Source(context.Context, domain.Dimension) (scanner.Querier, error) {
	return nil, nil
}

type recordingArchiver struct {
	mu      sync.Mutex
	written []domain.RunDetail
	err     error
}

func (a *recordingArchiver) Write(_ context.Context, detail domain.RunDetail) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.written = append(a.written, detail)
	return a.err
}

func fixed(dim domain.Dimension, score float64, findings ...domain.Finding) scanner.Scanner {
	return scanner.Func(dim, func(context.Context, scanner.Querier) (scanner.Result, error) {
		return scanner.Result{
			Score: domain.DimensionScore{
				Score:          score,
				MaxScore:       5,
				ScoringVersion: "v1",
				Confidence:     domain.ConfidenceHigh,
			},
			Findings: findings,
		}, nil
	})
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%03d", n)
	}
}

func newCoordinator(t *testing.T, store *mockStore, settings Settings, scanners ...scanner.Scanner) *Coordinator {
	t.Helper()
	registry, err := scanner.NewRegistry(scanners...)
	require.NoError(t, err)
	engine, err := scoring.NewEngine(scoring.DefaultSettings())
	require.NoError(t, err)

	now := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	c, err := New(registry, staticSources{}, engine, store, settings,
		WithClock(func() time.Time { return now }),
		WithIDGenerator(sequentialIDs()),
	)
	require.NoError(t, err)
	return c
}

func scoreFor(scores []domain.DimensionScore, dim domain.Dimension) domain.DimensionScore {
	for _, s := range scores {
		if s.Dimension == dim {
			return s
		}
	}
	return domain.DimensionScore{}
}

func TestCoordinator_Run(t *testing.T) {
	store := new(mockStore)
	archiver := &recordingArchiver{}

	var saved []domain.DimensionScore
	var savedFindings []domain.Finding
	store.On("Save", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			saved = args.Get(2).([]domain.DimensionScore)
			savedFindings = args.Get(3).([]domain.Finding)
		}).
		Return(nil)

	c := newCoordinator(t, store, DefaultSettings(),
		fixed(domain.DimensionSecurity, 3.0,
			domain.Finding{Title: "Plaintext secret", Severity: domain.SeverityCritical},
			domain.Finding{Title: "Weak cipher", Severity: domain.SeverityMajor},
		),
		fixed(domain.DimensionDataIntegrity, 4.0,
			domain.Finding{Title: "Orphan rows", Severity: domain.SeverityMinor},
		),
		fixed(domain.DimensionCompliance, 4.0),
		fixed(domain.DimensionPerformance, 5.0),
	)
	c.archive = archiver

	summary, err := c.Run(context.Background(), "tenant-a", "admin")
	require.NoError(t, err)

	// 0.35*3 + 0.25*4 + 0.25*4 + 0.15*5 = 3.8
	assert.InDelta(t, 3.8, summary.OverallScore, 1e-9)
	assert.Equal(t, domain.RiskMedium, summary.RiskLevel)
	assert.Equal(t, domain.SeverityCounts{Critical: 1, Major: 1, Minor: 1}, summary.Counts)
	assert.NotEmpty(t, summary.RunID)

	require.Len(t, saved, 4)
	assert.Equal(t, domain.SeverityCounts{Critical: 1, Major: 1}, scoreFor(saved, domain.DimensionSecurity).Counts)
	require.Len(t, savedFindings, 3)
	for _, f := range savedFindings {
		assert.Equal(t, summary.RunID, f.RunID)
		assert.Equal(t, domain.FindingOpen, f.Status)
		assert.NotEmpty(t, f.ID)
	}

	state, ok := c.State("tenant-a")
	assert.True(t, ok)
	assert.Equal(t, StateArchived, state)

	require.Len(t, archiver.written, 1)
	assert.Equal(t, summary.RunID, archiver.written[0].Run.ID)
	store.AssertExpectations(t)
}

func TestCoordinator_Run_DegradedScanners(t *testing.T) {
	tests := []struct {
		name           string
		scanner        scanner.Scanner
		wantScore      float64
		wantConfidence domain.Confidence
		wantFinding    string
	}{
		{
			name: "unavailable data source scores neutral",
			scanner: scanner.Func(domain.DimensionSecurity, func(context.Context, scanner.Querier) (scanner.Result, error) {
				return scanner.Result{}, scanner.Unavailable(errors.New("connection refused"))
			}),
			wantScore:      2.5,
			wantConfidence: domain.ConfidenceLow,
		},
		{
			name: "scanner error scores zero with a finding",
			scanner: scanner.Func(domain.DimensionSecurity, func(context.Context, scanner.Querier) (scanner.Result, error) {
				return scanner.Result{}, errors.New("bad query")
			}),
			wantScore:      0,
			wantConfidence: domain.ConfidenceLow,
			wantFinding:    "Scanner error: security",
		},
		{
			name:           "NaN score is a scanner error",
			scanner:        fixed(domain.DimensionSecurity, math.NaN()),
			wantScore:      0,
			wantConfidence: domain.ConfidenceLow,
			wantFinding:    "Scanner error: security",
		},
		{
			name:           "infinite score is a scanner error",
			scanner:        fixed(domain.DimensionSecurity, math.Inf(1)),
			wantScore:      0,
			wantConfidence: domain.ConfidenceLow,
			wantFinding:    "Scanner error: security",
		},
		{
			name: "scanner panic is contained",
			scanner: scanner.Func(domain.DimensionSecurity, func(context.Context, scanner.Querier) (scanner.Result, error) {
				panic("nil map")
			}),
			wantScore:      0,
			wantConfidence: domain.ConfidenceLow,
			wantFinding:    "Scanner error: security",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := new(mockStore)
			var saved []domain.DimensionScore
			var savedFindings []domain.Finding
			store.On("Save", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
				Run(func(args mock.Arguments) {
					saved = args.Get(2).([]domain.DimensionScore)
					savedFindings = args.Get(3).([]domain.Finding)
				}).
				Return(nil)

			c := newCoordinator(t, store, DefaultSettings(),
				tt.scanner,
				fixed(domain.DimensionPerformance, 5.0),
			)

			summary, err := c.Run(context.Background(), "tenant-a", "admin")
			require.NoError(t, err)
			assert.False(t, math.IsNaN(summary.OverallScore))

			sec := scoreFor(saved, domain.DimensionSecurity)
			assert.InDelta(t, tt.wantScore, sec.Score, 1e-9)
			assert.Equal(t, tt.wantConfidence, sec.Confidence)
			assert.NotEmpty(t, sec.RawSignals)

			if tt.wantFinding == "" {
				assert.Empty(t, savedFindings)
				assert.Equal(t, 0, summary.Counts.Total())
				return
			}
			require.Len(t, savedFindings, 1)
			assert.Equal(t, tt.wantFinding, savedFindings[0].Title)
			assert.Equal(t, domain.SeverityMajor, savedFindings[0].Severity)
			assert.Equal(t, domain.SeverityCounts{Major: 1}, sec.Counts)
			assert.Equal(t, domain.SeverityCounts{Major: 1}, summary.Counts)
		})
	}
}

func TestCoordinator_Run_SingleFlight(t *testing.T) {
	store := new(mockStore)
	store.On("Save", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	started := make(chan struct{})
	unblock := make(chan struct{})
	slow := scanner.Func(domain.DimensionSecurity, func(ctx context.Context, _ scanner.Querier) (scanner.Result, error) {
		close(started)
		<-unblock
		return scanner.Result{Score: domain.DimensionScore{Score: 4, MaxScore: 5}}, nil
	})
	c := newCoordinator(t, store, DefaultSettings(), slow)

	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Run(context.Background(), "tenant-a", "admin")
		firstErr <- err
	}()
	<-started

	_, err := c.Run(context.Background(), "tenant-a", "admin")
	assert.ErrorIs(t, err, domain.ErrRunInProgress)

	state, _ := c.State("tenant-a")
	assert.Equal(t, StateScanning, state)

	close(unblock)
	require.NoError(t, <-firstErr)
	store.AssertNumberOfCalls(t, "Save", 1)
}

func TestCoordinator_Run_DeadlineExceeded(t *testing.T) {
	store := new(mockStore)
	hang := make(chan struct{})
	defer close(hang)

	settings := DefaultSettings()
	settings.RunTimeout = 50 * time.Millisecond
	settings.ScannerTimeout = time.Minute

	c := newCoordinator(t, store, settings,
		scanner.Func(domain.DimensionSecurity, func(context.Context, scanner.Querier) (scanner.Result, error) {
			<-hang
			return scanner.Result{}, nil
		}),
		fixed(domain.DimensionPerformance, 5.0),
	)

	_, err := c.Run(context.Background(), "tenant-a", "admin")
	assert.ErrorIs(t, err, domain.ErrRunDeadlineExceeded)

	state, _ := c.State("tenant-a")
	assert.Equal(t, StateFailed, state)
	store.AssertNotCalled(t, "Save", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCoordinator_Run_PersistenceFailure(t *testing.T) {
	store := new(mockStore)
	store.On("Save", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("disk full"))
	archiver := &recordingArchiver{}

	c := newCoordinator(t, store, DefaultSettings(), fixed(domain.DimensionSecurity, 4.0))
	c.archive = archiver

	_, err := c.Run(context.Background(), "tenant-a", "admin")
	assert.ErrorIs(t, err, domain.ErrPersistence)

	state, _ := c.State("tenant-a")
	assert.Equal(t, StateFailed, state)
	assert.Empty(t, archiver.written)

	// the lock is released after a failed run
	_, err = c.Run(context.Background(), "tenant-a", "admin")
	assert.ErrorIs(t, err, domain.ErrPersistence)
}

func TestCoordinator_Run_ArchiveFailureIsNotFatal(t *testing.T) {
	store := new(mockStore)
	store.On("Save", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	c := newCoordinator(t, store, DefaultSettings(), fixed(domain.DimensionSecurity, 4.0))
	c.archive = &recordingArchiver{err: errors.New("read-only filesystem")}

	_, err := c.Run(context.Background(), "tenant-a", "admin")
	require.NoError(t, err)

	state, _ := c.State("tenant-a")
	assert.Equal(t, StateArchived, state)
}

func TestNew_RejectsNeutralDefault(t *testing.T) {
	registry, err := scanner.NewRegistry(fixed(domain.DimensionSecurity, 5))
	require.NoError(t, err)
	engine, err := scoring.NewEngine(scoring.DefaultSettings())
	require.NoError(t, err)

	for _, neutral := range []float64{-0.1, 1, 1.5} {
		settings := DefaultSettings()
		settings.NeutralDefault = neutral
		_, err := New(registry, staticSources{}, engine, new(mockStore), settings)
		assert.Error(t, err, "neutral default %v", neutral)
	}
}

func TestMemoryLocker(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	release, err := l.TryAcquire(ctx, "tenant-a")
	require.NoError(t, err)

	_, err = l.TryAcquire(ctx, "tenant-a")
	assert.ErrorIs(t, err, domain.ErrRunInProgress)

	releaseB, err := l.TryAcquire(ctx, "tenant-b")
	require.NoError(t, err)
	releaseB()

	release()
	release()

	again, err := l.TryAcquire(ctx, "tenant-a")
	require.NoError(t, err)
	again()
}
