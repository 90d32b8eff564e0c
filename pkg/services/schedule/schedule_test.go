package schedule

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/de-tools/health-audit/pkg/models/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) RunAudit(ctx context.Context, tenant, triggeredBy string) (domain.RunSummary, error) {
	args := m.Called(ctx, tenant, triggeredBy)
	return args.Get(0).(domain.RunSummary), args.Error(1)
}

func (m *mockRunner) LastRun(ctx context.Context, tenant string) (*domain.AuditRun, error) {
	args := m.Called(ctx, tenant)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.AuditRun), args.Error(1)
}

func (m *mockRunner) Prune(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		want    time.Duration
		wantErr bool
	}{
		{name: "hourly", expr: "@hourly", want: time.Hour},
		{name: "daily", expr: "@daily", want: 24 * time.Hour},
		{name: "midnight", expr: "@midnight", want: 24 * time.Hour},
		{name: "weekly", expr: "@weekly", want: 7 * 24 * time.Hour},
		{name: "every", expr: "@every 6h", want: 6 * time.Hour},
		{name: "bare duration", expr: "90m", want: 90 * time.Minute},
		{name: "empty defaults to daily", expr: "", want: 24 * time.Hour},
		{name: "garbage", expr: "@sometimes", wantErr: true},
		{name: "zero", expr: "0s", wantErr: true},
		{name: "negative", expr: "@every -1h", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParseInterval(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Interval)
		})
	}
}

func TestIntervalPolicy_Due(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	p := IntervalPolicy{Interval: time.Hour}

	assert.True(t, p.Due(time.Time{}, now), "never run")
	assert.True(t, p.Due(now.Add(-time.Hour), now), "exactly one interval ago")
	assert.True(t, p.Due(now.Add(-2*time.Hour), now))
	assert.False(t, p.Due(now.Add(-59*time.Minute), now))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, IntervalPolicy{Interval: time.Hour}, nil, 0)
	assert.Error(t, err)

	_, err = New(&mockRunner{}, nil, nil, 0)
	assert.Error(t, err)

	s, err := New(&mockRunner{}, IntervalPolicy{Interval: time.Hour}, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultTick, s.tick)
}

func TestScheduler_Tick(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	runner := &mockRunner{}
	// acme never ran, globex ran ten minutes ago, initech is busy, umbrella fails.
	runner.On("LastRun", mock.Anything, "acme").Return(nil, nil)
	runner.On("LastRun", mock.Anything, "globex").Return(&domain.AuditRun{CreatedAt: now.Add(-10 * time.Minute)}, nil)
	runner.On("LastRun", mock.Anything, "initech").Return(&domain.AuditRun{CreatedAt: now.Add(-2 * time.Hour)}, nil)
	runner.On("LastRun", mock.Anything, "umbrella").Return(nil, errors.New("db down"))

	runner.On("RunAudit", mock.Anything, "acme", TriggeredBy).Return(domain.RunSummary{RunID: "r1"}, nil)
	runner.On("RunAudit", mock.Anything, "initech", TriggeredBy).Return(domain.RunSummary{}, domain.ErrRunInProgress)
	runner.On("Prune", mock.Anything).Return([]string{"old"}, nil).Once()

	s, err := New(runner, IntervalPolicy{Interval: time.Hour},
		[]string{"acme", "globex", "initech", "umbrella"}, time.Minute,
		WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	completed := s.Tick(ctx)
	sort.Strings(completed)
	assert.Equal(t, []string{"acme"}, completed)

	runner.AssertNotCalled(t, "RunAudit", mock.Anything, "globex", mock.Anything)
	runner.AssertNotCalled(t, "RunAudit", mock.Anything, "umbrella", mock.Anything)
	runner.AssertExpectations(t)
}

func TestScheduler_PrunesOncePerDay(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := now

	runner := &mockRunner{}
	runner.On("Prune", mock.Anything).Return(nil, nil)

	s, err := New(runner, IntervalPolicy{Interval: time.Hour}, nil, time.Minute,
		WithClock(func() time.Time { return clock }))
	require.NoError(t, err)

	s.Tick(context.Background())
	clock = now.Add(time.Hour)
	s.Tick(context.Background())
	runner.AssertNumberOfCalls(t, "Prune", 1)

	clock = now.Add(PruneEvery)
	s.Tick(context.Background())
	runner.AssertNumberOfCalls(t, "Prune", 2)
}

func TestScheduler_SetPolicy(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	runner := &mockRunner{}
	runner.On("LastRun", mock.Anything, "acme").Return(&domain.AuditRun{CreatedAt: now.Add(-2 * time.Hour)}, nil)
	runner.On("RunAudit", mock.Anything, "acme", TriggeredBy).Return(domain.RunSummary{RunID: "r2"}, nil)
	runner.On("Prune", mock.Anything).Return(nil, nil)

	s, err := New(runner, IntervalPolicy{Interval: 24 * time.Hour}, []string{"acme"}, time.Minute,
		WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	assert.Empty(t, s.Tick(context.Background()))

	s.SetPolicy(IntervalPolicy{Interval: time.Hour})
	assert.Equal(t, []string{"acme"}, s.Tick(context.Background()))

	s.SetPolicy(nil)
	assert.Equal(t, IntervalPolicy{Interval: time.Hour}, s.currentPolicy())
}

func TestScheduler_SetInterval(t *testing.T) {
	s, err := New(&mockRunner{}, IntervalPolicy{Interval: 24 * time.Hour}, []string{"acme"}, time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.SetInterval("6h"))
	assert.Equal(t, IntervalPolicy{Interval: 6 * time.Hour}, s.currentPolicy())

	assert.Error(t, s.SetInterval("sometimes"))
	assert.Equal(t, IntervalPolicy{Interval: 6 * time.Hour}, s.currentPolicy())
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Prune", mock.Anything).Return(nil, nil)

	s, err := New(runner, IntervalPolicy{Interval: time.Hour}, nil, 10*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	runner.AssertCalled(t, "Prune", mock.Anything)
}
