package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/de-tools/health-audit/pkg/models/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockMirror struct {
	mock.Mock
}

func (m *mockMirror) Put(ctx context.Context, name string, data []byte, contentType string) error {
	return m.Called(ctx, name, data, contentType).Error(0)
}

func (m *mockMirror) Delete(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func sampleDetail() domain.RunDetail {
	created := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	ackAt := created.Add(time.Hour)
	return domain.RunDetail{
		Run: domain.AuditRun{
			ID:                   "run-1",
			TenantID:             "tenant-a",
			TriggeredBy:          "admin",
			Environment:          "production",
			Revision:             "abc123",
			CreatedAt:            created,
			OverallScore:         3.8,
			RiskLevel:            domain.RiskMedium,
			Counts:               domain.SeverityCounts{Critical: 1, Major: 1},
			ExecutionTimeSeconds: 2.5,
		},
		Scores: []domain.DimensionScore{{
			ID:             "score-1",
			RunID:          "run-1",
			Dimension:      domain.DimensionSecurity,
			Score:          3.0,
			MaxScore:       5.0,
			Counts:         domain.SeverityCounts{Critical: 1, Major: 1},
			RawSignals:     map[string]any{"Plaintext secret": float64(4)},
			ScoringVersion: "v1",
			Confidence:     domain.ConfidenceHigh,
		}},
		Findings: []domain.Finding{
			{
				ID:             "f-1",
				RunID:          "run-1",
				Dimension:      domain.DimensionSecurity,
				Severity:       domain.SeverityCritical,
				Title:          "Plaintext secret",
				Description:    "4 rows store secrets unencrypted",
				Recommendation: "Encrypt the column",
				FilePath:       "settings.py",
				LineNumber:     12,
				Status:         domain.FindingAcknowledged,
				Acknowledgment: &domain.Acknowledgment{By: "alice", At: ackAt, Note: "rotating"},
			},
			{
				ID:        "f-2",
				RunID:     "run-1",
				Dimension: domain.DimensionSecurity,
				Severity:  domain.SeverityMajor,
				Title:     "Weak cipher",
				Status:    domain.FindingOpen,
			},
		},
	}
}

func TestArchive_WriteAndLoad(t *testing.T) {
	dir := t.TempDir()
	a, err := New(dir)
	require.NoError(t, err)

	detail := sampleDetail()
	require.NoError(t, a.Write(context.Background(), detail))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"audit_report_run-1.json", "audit_report_run-1.md"}, names)

	loaded, err := a.Load("run-1")
	require.NoError(t, err)
	assert.Equal(t, &detail, loaded)

	md, err := os.ReadFile(filepath.Join(dir, "audit_report_run-1.md"))
	require.NoError(t, err)
	assert.Contains(t, string(md), "# Audit report run-1")
	assert.Contains(t, string(md), "- Overall score: 3.80 / 5.00")
	assert.Contains(t, string(md), "### [critical] Plaintext secret")
	assert.Contains(t, string(md), "- Location: settings.py:12")
	assert.Contains(t, string(md), "| security | 3.00 / 5.00 | high | v1 | 1 | 1 | 0 |")
}

func TestArchive_WriteOverwrites(t *testing.T) {
	a, err := New(t.TempDir())
	require.NoError(t, err)

	detail := sampleDetail()
	require.NoError(t, a.Write(context.Background(), detail))
	detail.Run.OverallScore = 4.1
	require.NoError(t, a.Write(context.Background(), detail))

	loaded, err := a.Load("run-1")
	require.NoError(t, err)
	assert.InDelta(t, 4.1, loaded.Run.OverallScore, 1e-9)
}

func TestArchive_Load(t *testing.T) {
	a, err := New(t.TempDir())
	require.NoError(t, err)

	tests := []struct {
		name     string
		runID    string
		notFound bool
	}{
		{name: "missing artifact", runID: "unknown", notFound: true},
		{name: "path traversal", runID: "../etc"},
		{name: "empty id", runID: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Load(tt.runID)
			require.Error(t, err)
			assert.Equal(t, tt.notFound, errors.Is(err, domain.ErrNotFound))
		})
	}
}

func TestArchive_Mirror(t *testing.T) {
	mirror := new(mockMirror)
	mirror.On("Put", mock.Anything, "audit_report_run-1.json", mock.Anything, "application/json").
		Return(errors.New("access denied"))
	mirror.On("Put", mock.Anything, "audit_report_run-1.md", mock.Anything, "text/markdown").Return(nil)
	mirror.On("Delete", mock.Anything, mock.Anything).Return(nil)

	dir := t.TempDir()
	a, err := New(dir, WithMirror(mirror))
	require.NoError(t, err)

	require.NoError(t, a.Write(context.Background(), sampleDetail()), "mirror failures are not fatal")
	require.NoError(t, a.Remove(context.Background(), "run-1", "never-archived"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	mirror.AssertNumberOfCalls(t, "Put", 2)
	mirror.AssertNumberOfCalls(t, "Delete", 4)
}

type fakeS3 struct {
	puts    []*s3.PutObjectInput
	deletes []*s3.DeleteObjectInput
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.deletes = append(f.deletes, in)
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Mirror(t *testing.T) {
	client := &fakeS3{}
	m := &S3Mirror{client: client, bucket: "audit-reports", prefix: "tenant-a/reports"}

	require.NoError(t, m.Put(context.Background(), "audit_report_run-1.json", []byte("{}"), "application/json"))
	require.NoError(t, m.Delete(context.Background(), "audit_report_run-1.json"))

	require.Len(t, client.puts, 1)
	assert.Equal(t, "audit-reports", aws.ToString(client.puts[0].Bucket))
	assert.Equal(t, "tenant-a/reports/audit_report_run-1.json", aws.ToString(client.puts[0].Key))
	assert.Equal(t, "application/json", aws.ToString(client.puts[0].ContentType))
	require.Len(t, client.deletes, 1)
	assert.Equal(t, "tenant-a/reports/audit_report_run-1.json", aws.ToString(client.deletes[0].Key))
}

func TestNewS3Mirror_RequiresBucket(t *testing.T) {
	_, err := NewS3Mirror(context.Background(), S3Settings{})
	assert.Error(t, err)
}
