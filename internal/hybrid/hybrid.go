// Package hybrid implements combined semantic/importance scoring and
// opt-in relationship expansion over Query Router results (spec §4.9).
package hybrid

import (
	"sort"

	"claudemem/internal/config"
	"claudemem/internal/logging"
	"claudemem/internal/store"
	"claudemem/internal/types"
)

// Candidate is one semantic search hit prior to hybrid re-scoring.
type Candidate struct {
	ObservationID int64
	Title         string
	Narrative     string
	Similarity    float64 // already normalized to [0,1]
	Metadata      types.OCMetadata
}

// Scored is a Candidate with its combined score attached.
type Scored struct {
	Candidate Candidate
	Score     float64
}

// Direction controls which edges relationship expansion follows.
type Direction string

const (
	DirOutgoing Direction = "outgoing"
	DirIncoming Direction = "incoming"
	DirBoth     Direction = "both"
)

// Rank computes the 0.7*similarity + 0.3*importance combined score for
// each candidate, filters by the configured thresholds, and returns the
// top limit sorted descending (spec §4.9 steps 1-4).
func Rank(candidates []Candidate, cfg config.HybridConfig, limit int) []Scored {
	minRelevance := cfg.MinRelevance
	if minRelevance <= 0 {
		minRelevance = 0.3
	}
	minImportance := cfg.MinImportance
	if minImportance <= 0 {
		minImportance = 0.4
	}

	var out []Scored
	for _, c := range candidates {
		importance := c.Metadata.ImportanceScore
		if importance == 0 {
			importance = 50
		}
		importanceNorm := importance / 100
		if c.Similarity < minRelevance || importanceNorm < minImportance {
			continue
		}
		score := 0.7*c.Similarity + 0.3*importanceNorm
		out = append(out, Scored{Candidate: c, Score: score})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Passthrough implements the use_hybrid_scoring=false backward-compat mode:
// score=similarity, no re-rank or filtering beyond limit (spec §4.9).
func Passthrough(candidates []Candidate, limit int) []Scored {
	out := make([]Scored, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, Scored{Candidate: c, Score: c.Similarity})
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Expand performs opt-in relationship expansion over the top K/2 of
// ranked, appending scored neighbors and re-ranking (spec §4.9). Errors
// from the global store are non-fatal: they are logged and the
// pre-expansion ranking is returned unchanged.
func Expand(global *store.GlobalStore, ranked []Scored, cfg config.HybridConfig, direction Direction, limit int) []Scored {
	log := logging.Get(logging.CategoryHybrid)

	neighbors := cfg.ExpansionNeighbors
	if neighbors <= 0 {
		neighbors = 3
	}
	minConfidence := cfg.MinConfidence
	if minConfidence <= 0 {
		minConfidence = 0.5
	}
	maxExpansion := cfg.MaxExpansionResults
	if maxExpansion <= 0 {
		maxExpansion = 100
	}

	seedCount := len(ranked) / 2
	if seedCount == 0 {
		seedCount = len(ranked)
	}

	seen := make(map[int64]bool, len(ranked))
	for _, s := range ranked {
		seen[s.Candidate.ObservationID] = true
	}

	appended := []Scored{}
	for _, seed := range ranked[:seedCount] {
		rels, err := fetchRelationships(global, seed.Candidate.ObservationID, direction, minConfidence, neighbors)
		if err != nil {
			log.Warn("relationship expansion failed for %d: %v", seed.Candidate.ObservationID, err)
			return ranked
		}
		for _, rel := range rels {
			neighborID := rel.TargetID
			if neighborID == seed.Candidate.ObservationID {
				neighborID = rel.SourceID
			}
			if seen[neighborID] {
				continue
			}
			seen[neighborID] = true

			obs, err := global.GetObservationByID(neighborID)
			if err != nil {
				log.Warn("fetch neighbor %d failed: %v", neighborID, err)
				continue
			}
			importanceNorm := obs.OCMetadata.ImportanceScore / 100
			if importanceNorm == 0 {
				importanceNorm = 0.5
			}
			score := 0.3 * rel.Confidence * importanceNorm
			appended = append(appended, Scored{
				Candidate: Candidate{ObservationID: neighborID, Title: obs.Title, Narrative: obs.Narrative, Metadata: obs.OCMetadata},
				Score:     score,
			})
			if len(appended) >= maxExpansion {
				break
			}
		}
		if len(appended) >= maxExpansion {
			break
		}
	}

	all := append(append([]Scored{}, ranked...), appended...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].Score > all[j].Score })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

func fetchRelationships(global *store.GlobalStore, observationID int64, direction Direction, minConfidence float64, limit int) ([]types.Relationship, error) {
	switch direction {
	case DirOutgoing:
		return global.RelationshipsFrom(observationID, minConfidence, limit)
	case DirIncoming:
		return global.RelationshipsTo(observationID, minConfidence, limit)
	default:
		out, err := global.RelationshipsFrom(observationID, minConfidence, limit)
		if err != nil {
			return nil, err
		}
		incoming, err := global.RelationshipsTo(observationID, minConfidence, limit)
		if err != nil {
			return nil, err
		}
		return append(out, incoming...), nil
	}
}
