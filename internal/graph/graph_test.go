package graph

import (
	"path/filepath"
	"testing"
	"time"

	"claudemem/internal/store"
	"claudemem/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGlobalStore(t *testing.T) *store.GlobalStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "global.db")
	g, err := store.OpenGlobal(path)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g
}

func seedObservation(t *testing.T, g *store.GlobalStore, externalID, title string) {
	t.Helper()
	require.NoError(t, g.UpsertObservation(externalID, "uuid-1", types.Observation{
		Type: types.TypeDecision, Title: title, Narrative: "narrative long enough to pass validation",
		CreatedAt: "2026-07-30T00:00:00Z", OCMetadata: types.OCMetadata{ImportanceScore: 60},
	}))
}

// seedChain builds observations 1->2->3->4 with "extends" edges at
// confidence 0.9, and a dangling node 5 with no edges.
func seedChain(t *testing.T) *store.GlobalStore {
	t.Helper()
	g := newTestGlobalStore(t)
	require.NoError(t, g.UpsertProject("uuid-1", "/home/dev/proj", "proj"))
	seedObservation(t, g, "e1", "node 1")
	seedObservation(t, g, "e2", "node 2")
	seedObservation(t, g, "e3", "node 3")
	seedObservation(t, g, "e4", "node 4")
	seedObservation(t, g, "e5", "node 5 (isolated)")

	now := time.Now().UnixMilli()
	_, err := g.InsertRelationship(types.Relationship{SourceID: 1, TargetID: 2, Type: types.RelExtends, Confidence: 0.9, CreatedAtEpoch: now})
	require.NoError(t, err)
	_, err = g.InsertRelationship(types.Relationship{SourceID: 2, TargetID: 3, Type: types.RelExtends, Confidence: 0.9, CreatedAtEpoch: now})
	require.NoError(t, err)
	_, err = g.InsertRelationship(types.Relationship{SourceID: 3, TargetID: 4, Type: types.RelExtends, Confidence: 0.9, CreatedAtEpoch: now})
	require.NoError(t, err)
	return g
}

func TestGetRelated_ReturnsDirectNeighborsOnly(t *testing.T) {
	g := seedChain(t)
	rels, err := GetRelated(g, 2, 0.4, 10, "both")
	require.NoError(t, err)
	require.Len(t, rels, 2) // 1->2 incoming, 2->3 outgoing
}

func TestGetRelated_RespectsDirection(t *testing.T) {
	g := seedChain(t)
	rels, err := GetRelated(g, 2, 0.4, 10, "outgoing")
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, int64(3), rels[0].TargetID)
}

func TestGetRelationshipGraph_ExpandsToMaxDepth(t *testing.T) {
	g := seedChain(t)
	graph, err := GetRelationshipGraph(g, 1, 2, 0.4)
	require.NoError(t, err)

	ids := make(map[int64]bool)
	for _, n := range graph.Nodes {
		ids[n.ObservationID] = true
	}
	assert.True(t, ids[1])
	assert.True(t, ids[2])
	assert.True(t, ids[3], "depth-2 expansion from 1 should reach node 3")
	assert.False(t, ids[4], "node 4 is 3 hops away and should not appear at max_depth=2")
}

func TestGetRelationshipGraph_IsolatedNodeHasNoEdges(t *testing.T) {
	g := seedChain(t)
	graph, err := GetRelationshipGraph(g, 5, 2, 0.4)
	require.NoError(t, err)
	assert.Len(t, graph.Nodes, 1)
	assert.Empty(t, graph.Edges)
}

func TestFindPath_FindsShortestPath(t *testing.T) {
	g := seedChain(t)
	result, err := FindPath(g, 1, 4, 5, 0.4)
	require.NoError(t, err)
	require.True(t, result.Found)
	assert.Equal(t, 3, result.Distance)
	assert.Equal(t, []int64{1, 2, 3, 4}, result.Path)
	assert.Len(t, result.Edges, 3)
}

func TestFindPath_SameSourceAndTarget(t *testing.T) {
	g := seedChain(t)
	result, err := FindPath(g, 1, 1, 5, 0.4)
	require.NoError(t, err)
	assert.True(t, result.Found)
	assert.Equal(t, 0, result.Distance)
	assert.Equal(t, []int64{1}, result.Path)
}

func TestFindPath_NotFoundBeyondMaxDepth(t *testing.T) {
	g := seedChain(t)
	result, err := FindPath(g, 1, 4, 2, 0.4)
	require.NoError(t, err)
	assert.False(t, result.Found)
	assert.Equal(t, -1, result.Distance)
}

func TestFindPath_NoPathToIsolatedNode(t *testing.T) {
	g := seedChain(t)
	result, err := FindPath(g, 1, 5, 5, 0.4)
	require.NoError(t, err)
	assert.False(t, result.Found)
}
