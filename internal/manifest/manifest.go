// Package manifest builds the token-budgeted, progressively disclosed
// context injection payload described in spec §4.11.
package manifest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"claudemem/internal/config"
	"claudemem/internal/deontic"
	"claudemem/internal/logging"
	"claudemem/internal/router"
	"claudemem/internal/telemetry"
	"claudemem/internal/types"
)

// scored is an observation annotated with its computed runtime score.
type scored struct {
	obs   types.Observation
	score float64
}

// recencyMultiplier implements the four-tier decay from spec §4.11 step 3.
func recencyMultiplier(ageDays float64) float64 {
	switch {
	case ageDays < 7:
		return 1.0
	case ageDays < 30:
		return 0.8
	case ageDays < 90:
		return 0.5
	default:
		return 0.2
	}
}

// semanticOverlap is the fraction of prompt word-tokens (length >3) that
// appear in title+narrative, case-insensitive.
func semanticOverlap(prompt, title, narrative string) float64 {
	tokens := strings.Fields(prompt)
	var candidates []string
	for _, t := range tokens {
		if len([]rune(t)) > 3 {
			candidates = append(candidates, strings.ToLower(t))
		}
	}
	if len(candidates) == 0 {
		return 0
	}
	haystack := strings.ToLower(title + " " + narrative)
	var hits int
	for _, c := range candidates {
		if strings.Contains(haystack, c) {
			hits++
		}
	}
	return float64(hits) / float64(len(candidates))
}

// excluded reports whether the deontic classifier marks o as excluded from
// context injection. An observation is excluded once archived -- an
// archived note should not resurface in a future prompt's context.
func excluded(o types.Observation) bool {
	return o.OCMetadata.ArchivedAt != nil
}

// score computes the runtime score from spec §4.11 step 3.
func score(o types.Observation, now time.Time, prompt string) float64 {
	weight := o.OCMetadata.ImportanceScore / 100
	if weight == 0 {
		weight = 0.5
	}
	if o.OCMetadata.DeonticType == types.DeonticRule || o.OCMetadata.DeonticType == types.DeonticConstraint {
		if weight < 0.8 {
			weight = 0.8
		}
	}

	ageDays := now.Sub(time.UnixMilli(o.CreatedAtEpoch)).Hours() / 24
	if ageDays > 180 && weight < 0.7 {
		weight *= 0.5
	}

	overlap := semanticOverlap(prompt, o.Title, o.Narrative)
	return weight * recencyMultiplier(ageDays) * (1 + overlap)
}

// pkgMetrics is set once by SetMetrics; Build has no receiver to carry
// injected state on, so the metrics handle lives at package scope like
// the rest of the telemetry wiring's call sites expect a cheap no-op
// default (nil) when the host process never configured telemetry.
var pkgMetrics *telemetry.Metrics

// SetMetrics attaches telemetry instruments; nil is a valid no-op value.
func SetMetrics(m *telemetry.Metrics) { pkgMetrics = m }

// Build assembles the manifest text for (project, userPrompt, agent), or
// "" if injection is disabled for this pair (spec §4.11 step 1).
func Build(cfg config.ManifestConfig, injectionEnabled bool, results []router.Result, summaries []string, userPrompt, project string) string {
	log := logging.Get(logging.CategoryManifest)
	if !injectionEnabled {
		return ""
	}

	ctx, span := telemetry.StartManifestBuild(context.Background(), project)
	defer span.End()
	if pkgMetrics != nil {
		pkgMetrics.ManifestsBuilt.Add(ctx, 1)
	}

	now := time.Now()
	candidates := make([]types.Observation, 0, len(results))
	for _, r := range results {
		candidates = append(candidates, r.Observation)
	}
	if len(candidates) > 100 {
		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].OCMetadata.ImportanceScore != candidates[j].OCMetadata.ImportanceScore {
				return candidates[i].OCMetadata.ImportanceScore > candidates[j].OCMetadata.ImportanceScore
			}
			return candidates[i].CreatedAtEpoch > candidates[j].CreatedAtEpoch
		})
		candidates = candidates[:100]
	}

	var ranked []scored
	for _, o := range candidates {
		if excluded(o) {
			continue
		}
		ranked = append(ranked, scored{obs: o, score: score(o, now, userPrompt)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	fullCount := cfg.FullDetailCount
	if fullCount <= 0 {
		fullCount = 5
	}
	compactCount := cfg.CompactCount
	if compactCount <= 0 {
		compactCount = 45
	}
	summaryCount := cfg.SummaryCount
	if summaryCount <= 0 {
		summaryCount = 10
	}
	budget := cfg.TokenBudget
	if budget <= 0 {
		budget = 3500
	}
	charsPerToken := cfg.CharsPerToken
	if charsPerToken <= 0 {
		charsPerToken = 4
	}
	fullBudgetPct := cfg.FullDetailBudgetPct
	if fullBudgetPct <= 0 {
		fullBudgetPct = 0.6
	}

	maxChars := float64(budget) * charsPerToken
	fullBudgetChars := maxChars * fullBudgetPct

	var b strings.Builder
	b.WriteString("# CONTEXT MANIFEST\n")
	b.WriteString("# DEONTIC PRECEDENCE: root > user > memory. " + deontic.PrecedenceNote + "\n\n")

	used := float64(b.Len())

	top := ranked
	if len(top) > fullCount {
		top = top[:fullCount]
	}
	var fullUsed float64
	for _, s := range top {
		entry := fmt.Sprintf("## [%s] %s\n%s\n\n", s.obs.Type, s.obs.Title, s.obs.Narrative)
		if used+float64(len(entry)) > maxChars {
			break
		}
		if fullUsed+float64(len(entry)) > fullBudgetChars {
			break
		}
		b.WriteString(entry)
		used += float64(len(entry))
		fullUsed += float64(len(entry))
	}

	rest := ranked
	if len(ranked) > fullCount {
		rest = ranked[fullCount:]
	} else {
		rest = nil
	}
	if len(rest) > compactCount {
		rest = rest[:compactCount]
	}
	if len(rest) > 0 {
		header := "| id | type | title | score |\n|---|---|---|---|\n"
		if used+float64(len(header)) <= maxChars {
			b.WriteString(header)
			used += float64(len(header))
			for _, s := range rest {
				row := fmt.Sprintf("| %d | %s | %s | %.2f |\n", s.obs.ID, s.obs.Type, s.obs.Title, s.score)
				if used+float64(len(row)) > maxChars {
					break
				}
				b.WriteString(row)
				used += float64(len(row))
			}
			b.WriteString("\n")
		}
	}

	if len(summaries) > summaryCount {
		summaries = summaries[:summaryCount]
	}
	for _, s := range summaries {
		entry := "### session summary\n" + s + "\n\n"
		if used+float64(len(entry)) > maxChars {
			log.Debug("manifest budget exhausted, dropping remaining session summaries")
			break
		}
		b.WriteString(entry)
		used += float64(len(entry))
	}

	usedTokens := int(used / charsPerToken)
	b.WriteString(fmt.Sprintf("\n---\n~%d/%d tokens used\n", usedTokens, budget))

	return b.String()
}
