package hybrid

import (
	"path/filepath"
	"testing"
	"time"

	"claudemem/internal/config"
	"claudemem/internal/store"
	"claudemem/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHybridCfg() config.HybridConfig {
	return config.HybridConfig{MinRelevance: 0.3, MinImportance: 0.4, ExpansionNeighbors: 3, MinConfidence: 0.5, MaxExpansionResults: 100}
}

func TestRank_FiltersBelowThresholds(t *testing.T) {
	candidates := []Candidate{
		{ObservationID: 1, Similarity: 0.9, Metadata: types.OCMetadata{ImportanceScore: 80}},
		{ObservationID: 2, Similarity: 0.1, Metadata: types.OCMetadata{ImportanceScore: 80}}, // below min_relevance
		{ObservationID: 3, Similarity: 0.9, Metadata: types.OCMetadata{ImportanceScore: 10}}, // below min_importance
	}
	got := Rank(candidates, testHybridCfg(), 10)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].Candidate.ObservationID)
}

func TestRank_CombinedScoreFormula(t *testing.T) {
	candidates := []Candidate{
		{ObservationID: 1, Similarity: 1.0, Metadata: types.OCMetadata{ImportanceScore: 100}},
	}
	got := Rank(candidates, testHybridCfg(), 10)
	require.Len(t, got, 1)
	assert.InDelta(t, 1.0, got[0].Score, 0.001)
}

func TestRank_DefaultsImportanceWhenZero(t *testing.T) {
	candidates := []Candidate{
		{ObservationID: 1, Similarity: 0.9, Metadata: types.OCMetadata{}}, // importance_score absent -> default 50
	}
	got := Rank(candidates, testHybridCfg(), 10)
	require.Len(t, got, 1)
	assert.InDelta(t, 0.7*0.9+0.3*0.5, got[0].Score, 0.001)
}

func TestRank_SortsDescending(t *testing.T) {
	candidates := []Candidate{
		{ObservationID: 1, Similarity: 0.5, Metadata: types.OCMetadata{ImportanceScore: 50}},
		{ObservationID: 2, Similarity: 0.95, Metadata: types.OCMetadata{ImportanceScore: 90}},
	}
	got := Rank(candidates, testHybridCfg(), 10)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].Candidate.ObservationID)
}

func TestPassthrough_UsesRawSimilarityNoFilter(t *testing.T) {
	candidates := []Candidate{
		{ObservationID: 1, Similarity: 0.05},
	}
	got := Passthrough(candidates, 10)
	require.Len(t, got, 1)
	assert.Equal(t, 0.05, got[0].Score)
}

func TestExpand_AppendsNeighborsAboveConfidence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "global.db")
	g, err := store.OpenGlobal(path)
	require.NoError(t, err)
	defer g.Close()

	require.NoError(t, g.UpsertProject("uuid-1", "/home/dev/proj", "proj"))
	seed := sampleObs("seed observation", 60)
	require.NoError(t, g.UpsertObservation("uuid-1:1", "uuid-1", seed))
	neighbor := sampleObs("neighbor observation", 80)
	require.NoError(t, g.UpsertObservation("uuid-1:2", "uuid-1", neighbor))

	_, err = g.InsertRelationship(types.Relationship{SourceID: 1, TargetID: 2, Type: types.RelExtends, Confidence: 0.8, CreatedAtEpoch: time.Now().UnixMilli()})
	require.NoError(t, err)

	ranked := []Scored{{Candidate: Candidate{ObservationID: 1, Title: "seed"}, Score: 0.9}}
	expanded := Expand(g, ranked, testHybridCfg(), DirBoth, 10)

	var found bool
	for _, s := range expanded {
		if s.Candidate.ObservationID == 2 {
			found = true
		}
	}
	assert.True(t, found, "neighbor above min_confidence should be appended")
}

func sampleObs(title string, importance float64) types.Observation {
	return types.Observation{
		Type: types.TypeDecision, Title: title, Narrative: "narrative text long enough to pass validation",
		CreatedAt: "2026-07-30T00:00:00Z", OCMetadata: types.OCMetadata{ImportanceScore: importance},
	}
}

func TestExpand_NonFatalOnStoreError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "global.db")
	g, err := store.OpenGlobal(path)
	require.NoError(t, err)
	defer g.Close()

	ranked := []Scored{{Candidate: Candidate{ObservationID: 999}, Score: 0.5}}
	expanded := Expand(g, ranked, testHybridCfg(), DirBoth, 10)
	assert.Equal(t, ranked, expanded, "expansion over a nonexistent observation id must return the pre-expansion ranking unchanged")
}
