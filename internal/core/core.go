// Package core wires the memory substrate's components together into one
// explicit value, replacing the ambient-singleton style the teacher's own
// internal/core package grew into: one Core carries Config, Outbox,
// Router, and Worker so call sites take dependencies as arguments instead
// of reaching for globals.
package core

import (
	"context"
	"fmt"
	"path/filepath"

	"claudemem/internal/config"
	"claudemem/internal/extractor"
	"claudemem/internal/hybrid"
	"claudemem/internal/ids"
	"claudemem/internal/logging"
	"claudemem/internal/outbox"
	"claudemem/internal/router"
	"claudemem/internal/store"
	"claudemem/internal/types"
	"claudemem/internal/worker"
)

// Core bundles the components a single project-scoped session needs: the
// durable write path (Outbox), the read path (Router + Hybrid), the
// worker lifecycle manager, and the resolved Config they all share.
type Core struct {
	Config      *config.Config
	ProjectRoot string
	ProjectUUID string

	Outbox    *outbox.Outbox
	Router    *router.Router
	Worker    *worker.Manager
	Extractor *extractor.Client
}

// Dependencies are the external collaborators Open needs beyond Config;
// HostSession and a pre-built genai client are both optional.
type Dependencies struct {
	HostSession extractor.HostSession
}

// Open resolves the project UUID, opens the project-scoped Router and
// Outbox against cfg.Home, and constructs a Worker manager pointed at the
// per-project lockfile path (spec §6 layout).
func Open(cfg *config.Config, projectRoot string, deps Dependencies) (*Core, error) {
	log := logging.Get(logging.CategoryBoot)

	canonical, err := ids.CanonicalizePath(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("canonicalize project root: %w", err)
	}
	salt, err := ids.LoadOrCreateSalt(cfg.Home)
	if err != nil {
		return nil, err
	}
	projectUUID := ids.ProjectUUID(salt, canonical)

	outboxDir := filepath.Join(cfg.Home, "outbox")
	projectDBPath := filepath.Join(canonical, ".oc", "memory.db")
	globalDBPath := filepath.Join(cfg.Home, "index.db")

	ob, err := outbox.New(outboxDir, cfg.Outbox, projectDBPath, cfg.Worker.BaseURL)
	if err != nil {
		return nil, err
	}

	r, err := router.Open(cfg.Router, projectDBPath, globalDBPath)
	if err != nil {
		ob.Close()
		return nil, err
	}

	lockPath := filepath.Join(cfg.Home, "outbox", "index.lock")
	wm := worker.New(cfg.Worker, lockPath)

	extractorClient := extractor.New(cfg.Extractor, deps.HostSession, nil)

	log.Info("core opened for project %s (uuid=%s)", canonical, projectUUID)

	return &Core{
		Config:      cfg,
		ProjectRoot: canonical,
		ProjectUUID: projectUUID,
		Outbox:      ob,
		Router:      r,
		Worker:      wm,
		Extractor:   extractorClient,
	}, nil
}

// Close releases all owned resources.
func (c *Core) Close() error {
	var firstErr error
	if err := c.Router.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.Outbox.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Record scrubs and extracts an observation from a tool execution, then
// pushes it through the durable outbox (spec §4.1 -> §4.12 -> §4.5).
func (c *Core) Record(ctx context.Context, sessionID, source, tool string, args map[string]any, output string) bool {
	extracted := c.Extractor.Extract(ctx, tool, args, output)

	rec := types.OutboxRecord{
		ID:        ids.NewRequestID(),
		SessionID: sessionID,
		Project:   c.ProjectRoot,
		Source:    source,
		Tool:      tool,
		Type:      extracted.Type,
		Title:     extracted.Title,
		Narrative: extracted.Narrative,
		Concepts:  extracted.Concepts,
		Facts:     extracted.Facts,
	}
	return c.Outbox.Push(rec)
}

// Search runs a query through the Router, then re-ranks with Hybrid
// scoring unless useHybrid is false, in which case it falls back to the
// passthrough (raw-similarity) ranking for backward compatibility
// (spec §4.9).
func (c *Core) Search(query string, opt router.Options, hybridCfg config.HybridConfig, useHybrid bool, limit int) ([]hybrid.Scored, error) {
	results, err := c.Router.Query(query, opt)
	if err != nil {
		return nil, err
	}

	candidates := make([]hybrid.Candidate, 0, len(results))
	for _, r := range results {
		// bm25 rank is negative-is-better in SQLite FTS5; fold it into a
		// coarse [0,1] similarity so Rank's thresholds stay meaningful.
		similarity := 1 / (1 + (-r.Rank))
		if similarity < 0 {
			similarity = 0
		}
		if similarity > 1 {
			similarity = 1
		}
		candidates = append(candidates, hybrid.Candidate{
			ObservationID: r.Observation.ID,
			Title:         r.Observation.Title,
			Narrative:     r.Observation.Narrative,
			Similarity:    similarity,
			Metadata:      r.Observation.OCMetadata,
		})
	}

	if !useHybrid {
		return hybrid.Passthrough(candidates, limit), nil
	}
	return hybrid.Rank(candidates, hybridCfg, limit), nil
}

// OpenGlobalStore opens the materialized global index for graph and
// manifest queries that need direct store access beyond Router's
// read-only FTS path.
func (c *Core) OpenGlobalStore() (*store.GlobalStore, error) {
	return store.OpenGlobal(filepath.Join(c.Config.Home, "index.db"))
}
