package manifest

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"claudemem/internal/config"
	"claudemem/internal/router"
	"claudemem/internal/types"
	"github.com/stretchr/testify/assert"
)

func testManifestCfg() config.ManifestConfig {
	return config.ManifestConfig{TokenBudget: 3500, CharsPerToken: 4, FullDetailCount: 5, CompactCount: 45, SummaryCount: 10, FullDetailBudgetPct: 0.6}
}

func sampleResult(id int64, title string, importance float64, ageDays float64, deonticType types.DeonticType) router.Result {
	epoch := time.Now().Add(-time.Duration(ageDays*24) * time.Hour).UnixMilli()
	return router.Result{Observation: types.Observation{
		ID: id, Type: types.TypeDecision, Title: title, Narrative: "narrative text describing the change",
		CreatedAtEpoch: epoch, OCMetadata: types.OCMetadata{ImportanceScore: importance, DeonticType: deonticType},
	}}
}

func TestBuild_ReturnsEmptyWhenInjectionDisabled(t *testing.T) {
	out := Build(testManifestCfg(), false, []router.Result{sampleResult(1, "x", 80, 1, "")}, nil, "prompt", "proj")
	assert.Empty(t, out)
}

func TestBuild_IncludesDeonticPrecedenceHeader(t *testing.T) {
	out := Build(testManifestCfg(), true, []router.Result{sampleResult(1, "rate limiting rule", 80, 1, "")}, nil, "prompt", "proj")
	assert.Contains(t, out, "DEONTIC PRECEDENCE")
	assert.Contains(t, out, "root > user > memory")
}

func TestBuild_ExcludesArchivedObservations(t *testing.T) {
	archivedAt := time.Now().UnixMilli()
	archived := sampleResult(1, "archived note", 90, 1, "")
	archived.Observation.OCMetadata.ArchivedAt = &archivedAt
	live := sampleResult(2, "live note", 90, 1, "")

	out := Build(testManifestCfg(), true, []router.Result{archived, live}, nil, "prompt", "proj")
	assert.NotContains(t, out, "archived note")
	assert.Contains(t, out, "live note")
}

func TestBuild_TopFiveGetFullDetailRestGetCompactTable(t *testing.T) {
	var results []router.Result
	for i := int64(1); i <= 8; i++ {
		results = append(results, sampleResult(i, fmt.Sprintf("observation %d", i), 90, 1, ""))
	}
	out := Build(testManifestCfg(), true, results, nil, "prompt", "proj")
	assert.Contains(t, out, "| id | type | title | score |")
}

func TestBuild_AppendsSessionSummaries(t *testing.T) {
	out := Build(testManifestCfg(), true, []router.Result{sampleResult(1, "x", 80, 1, "")}, []string{"did a thing"}, "prompt", "proj")
	assert.Contains(t, out, "did a thing")
}

func TestBuild_RespectsTokenBudgetFooter(t *testing.T) {
	out := Build(testManifestCfg(), true, []router.Result{sampleResult(1, "x", 80, 1, "")}, nil, "prompt", "proj")
	assert.True(t, strings.Contains(out, "tokens used"))
}

func TestBuild_TinyBudgetTruncatesWithoutPanicking(t *testing.T) {
	cfg := testManifestCfg()
	cfg.TokenBudget = 10
	var results []router.Result
	for i := int64(1); i <= 20; i++ {
		results = append(results, sampleResult(i, fmt.Sprintf("observation %d", i), 90, 1, ""))
	}
	out := Build(cfg, true, results, []string{"a summary"}, "prompt", "proj")
	assert.NotEmpty(t, out)
}

func TestRecencyMultiplier_Tiers(t *testing.T) {
	assert.Equal(t, 1.0, recencyMultiplier(1))
	assert.Equal(t, 0.8, recencyMultiplier(10))
	assert.Equal(t, 0.5, recencyMultiplier(60))
	assert.Equal(t, 0.2, recencyMultiplier(200))
}

func TestSemanticOverlap_CountsLongTokenMatches(t *testing.T) {
	overlap := semanticOverlap("investigate outbox drain race", "outbox drain fix", "serialized the race with singleflight")
	assert.Greater(t, overlap, 0.0)
}

func TestScore_BoostsRuleAndConstraintDeonticTypes(t *testing.T) {
	now := time.Now()
	rule := types.Observation{Title: "x", Narrative: "y", CreatedAtEpoch: now.UnixMilli(), OCMetadata: types.OCMetadata{ImportanceScore: 10, DeonticType: types.DeonticRule}}
	plain := types.Observation{Title: "x", Narrative: "y", CreatedAtEpoch: now.UnixMilli(), OCMetadata: types.OCMetadata{ImportanceScore: 10}}
	assert.Greater(t, score(rule, now, ""), score(plain, now, ""))
}

func TestScore_DemotesStaleLowImportance(t *testing.T) {
	now := time.Now()
	stale := types.Observation{Title: "x", Narrative: "y", CreatedAtEpoch: now.Add(-200 * 24 * time.Hour).UnixMilli(), OCMetadata: types.OCMetadata{ImportanceScore: 50}}
	fresh := types.Observation{Title: "x", Narrative: "y", CreatedAtEpoch: now.UnixMilli(), OCMetadata: types.OCMetadata{ImportanceScore: 50}}
	assert.Less(t, score(stale, now, ""), score(fresh, now, ""))
}
