// Package graph implements the 1-hop and multi-hop relationship queries
// from spec §4.10: get_related, get_relationship_graph (BFS), and
// find_path (BFS with parent-tracking).
package graph

import (
	"claudemem/internal/store"
	"claudemem/internal/types"
)

// Node is one observation reached during graph traversal, annotated with
// the path of relationship ids taken to reach it.
type Node struct {
	ObservationID int64
	Path          []int64
}

// RelationshipGraph is the BFS result from get_relationship_graph.
type RelationshipGraph struct {
	Nodes []Node
	Edges []types.Relationship
}

// PathResult is the BFS-with-parent-tracking result from find_path.
type PathResult struct {
	Found    bool
	Distance int
	Path     []int64
	Edges    []types.Relationship
}

// GetRelated returns 1-hop neighbors of sourceID (spec §4.10).
func GetRelated(global *store.GlobalStore, sourceID int64, minConfidence float64, limit int, direction string) ([]types.Relationship, error) {
	if minConfidence <= 0 {
		minConfidence = 0.4
	}
	if limit <= 0 {
		limit = 10
	}
	switch direction {
	case "outgoing":
		return global.RelationshipsFrom(sourceID, minConfidence, limit)
	case "incoming":
		return global.RelationshipsTo(sourceID, minConfidence, limit)
	default:
		out, err := global.RelationshipsFrom(sourceID, minConfidence, limit)
		if err != nil {
			return nil, err
		}
		in, err := global.RelationshipsTo(sourceID, minConfidence, limit)
		if err != nil {
			return nil, err
		}
		return append(out, in...), nil
	}
}

// GetRelationshipGraph performs a breadth-first expansion from source up to
// maxDepth hops, following edges with confidence >= minConfidence (spec §4.10).
func GetRelationshipGraph(global *store.GlobalStore, source int64, maxDepth int, minConfidence float64) (RelationshipGraph, error) {
	if maxDepth <= 0 {
		maxDepth = 2
	}
	if minConfidence <= 0 {
		minConfidence = 0.4
	}

	visited := map[int64]bool{source: true}
	queue := []Node{{ObservationID: source, Path: nil}}
	var result RelationshipGraph
	result.Nodes = append(result.Nodes, queue[0])

	depth := 0
	for depth < maxDepth && len(queue) > 0 {
		var next []Node
		for _, n := range queue {
			rels, err := GetRelated(global, n.ObservationID, minConfidence, 100, "both")
			if err != nil {
				return result, err
			}
			for _, r := range rels {
				neighbor := r.TargetID
				if neighbor == n.ObservationID {
					neighbor = r.SourceID
				}
				result.Edges = append(result.Edges, r)
				if visited[neighbor] {
					continue
				}
				visited[neighbor] = true
				childPath := append(append([]int64{}, n.Path...), r.ID)
				child := Node{ObservationID: neighbor, Path: childPath}
				result.Nodes = append(result.Nodes, child)
				next = append(next, child)
			}
		}
		queue = next
		depth++
	}
	return result, nil
}

// FindPath performs BFS with parent-tracking from source to target,
// reconstructing the path on hit (spec §4.10).
func FindPath(global *store.GlobalStore, source, target int64, maxDepth int, minConfidence float64) (PathResult, error) {
	if maxDepth <= 0 {
		maxDepth = 5
	}
	if minConfidence <= 0 {
		minConfidence = 0.4
	}
	if source == target {
		return PathResult{Found: true, Distance: 0, Path: []int64{source}}, nil
	}

	parents := map[int64]parentInfo{source: {}}
	visited := map[int64]bool{source: true}
	queue := []int64{source}

	for depth := 0; depth < maxDepth && len(queue) > 0; depth++ {
		var next []int64
		for _, cur := range queue {
			rels, err := GetRelated(global, cur, minConfidence, 100, "both")
			if err != nil {
				return PathResult{Found: false, Distance: -1}, err
			}
			for _, r := range rels {
				neighbor := r.TargetID
				if neighbor == cur {
					neighbor = r.SourceID
				}
				if visited[neighbor] {
					continue
				}
				visited[neighbor] = true
				parents[neighbor] = parentInfo{node: cur, edge: r}
				if neighbor == target {
					return reconstructPath(parents, source, target, depth+1), nil
				}
				next = append(next, neighbor)
			}
		}
		queue = next
	}
	return PathResult{Found: false, Distance: -1}, nil
}

// parentInfo records the BFS predecessor and the edge used to reach a node,
// for path reconstruction in FindPath.
type parentInfo struct {
	node int64
	edge types.Relationship
}

func reconstructPath(parents map[int64]parentInfo, source, target int64, distance int) PathResult {
	var path []int64
	var edges []types.Relationship
	cur := target
	for cur != source {
		p := parents[cur]
		path = append([]int64{cur}, path...)
		edges = append([]types.Relationship{p.edge}, edges...)
		cur = p.node
	}
	path = append([]int64{source}, path...)
	return PathResult{Found: true, Distance: distance, Path: path, Edges: edges}
}
