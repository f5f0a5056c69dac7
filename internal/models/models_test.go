package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategoryScore(t *testing.T) {
	t.Parallel()

	score := func(v float64) *float64 { return &v }

	assert.Equal(t, 0.0, CategoryScore(nil))
	raw := 0.873
	assert.Equal(t, raw*100, CategoryScore(score(raw)))
	assert.InDelta(t, 87.3, CategoryScore(score(raw)), 1e-9)
	assert.Equal(t, 100.0, CategoryScore(score(1)))
	assert.Equal(t, 0.0, CategoryScore(score(0)))
}

func TestIssueList(t *testing.T) {
	t.Parallel()

	t.Run("absent", func(t *testing.T) {
		l := NoIssues()
		assert.True(t, l.Absent())
		assert.Nil(t, l.Issues())

		data, err := json.Marshal(l)
		require.NoError(t, err)
		assert.JSONEq(t, `null`, string(data))
	})

	t.Run("empty input is absent", func(t *testing.T) {
		assert.True(t, IssuesOf().Absent())
		assert.True(t, IssuesOf([]string{}...).Absent())
	})

	t.Run("present", func(t *testing.T) {
		l := IssuesOf("a", "b")
		assert.False(t, l.Absent())
		assert.Equal(t, 2, l.Len())
		assert.Equal(t, []string{"a", "b"}, l.Issues())

		data, err := json.Marshal(l)
		require.NoError(t, err)
		assert.JSONEq(t, `["a","b"]`, string(data))
	})

	t.Run("issues are copied", func(t *testing.T) {
		in := []string{"a"}
		l := IssuesOf(in...)
		in[0] = "changed"
		out := l.Issues()
		out[0] = "changed again"
		assert.Equal(t, []string{"a"}, l.Issues())
	})
}

func TestAuditReportJSON(t *testing.T) {
	t.Parallel()

	report := AuditReport{
		URL:             "https://example.com",
		FirstLoadTimeMs: 12.5,
		OutlineIssues: OutlineIssues{
			HeadingIssues: IssuesOf("Document has no h1 tag."),
			ImageIssues:   NoIssues(),
		},
		DesktopScoring: ScoringResult{
			PerformanceScore: 91,
			Performance: PerformanceMetrics{
				TimeToInteractive: TimingMetric{DisplayValue: "1.2 s", NumericValue: 1200},
			},
		},
		DesktopScreenshot: "aGVsbG8=",
	}

	data, err := json.Marshal(report)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{
		"url", "firstLoadTimeMs", "secondLoadTimeMs", "outlineIssues",
		"desktopScoring", "mobileScoring", "desktopScreenshot", "mobileScreenshot",
	} {
		assert.Contains(t, raw, key)
	}

	outline := raw["outlineIssues"].(map[string]any)
	assert.Nil(t, outline["imageIssues"])
	assert.Equal(t, []any{"Document has no h1 tag."}, outline["headingIssues"])

	var decoded AuditReport
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, report, decoded)
}
