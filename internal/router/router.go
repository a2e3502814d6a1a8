// Package router implements the read-only Query Router from spec §4.8:
// scope-dispatched FTS queries over per-project and global stores, with an
// in-memory result cache.
package router

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"claudemem/internal/config"
	"claudemem/internal/logging"
	"claudemem/internal/telemetry"
	"claudemem/internal/types"

	"github.com/dgraph-io/ristretto/v2"
	_ "github.com/mattn/go-sqlite3"
)

// Scope selects which store(s) a query targets.
type Scope string

const (
	ScopeBranch  Scope = "branch"
	ScopeProject Scope = "project"
	ScopeGlobal  Scope = "global"
)

// Options narrows a query per spec §4.8.
type Options struct {
	Scope      Scope
	Types      []types.ObservationType
	Limit      int
	Since      string
	Importance string
	Branch     string
}

// Result is one row returned by a query, carrying the raw bm25 rank for
// callers (e.g. hybrid) that want to re-derive a similarity score.
type Result struct {
	Observation types.Observation
	Rank        float64
}

// Router holds read-only connections, opened and owned by the router and
// closed on Close().
type Router struct {
	cfg          config.RouterConfig
	projectDB    *sql.DB
	globalDB     *sql.DB
	globalExists bool
	cache        *ristretto.Cache[string, []Result]
	metrics      *telemetry.Metrics
}

// SetMetrics attaches telemetry instruments; nil is a valid no-op value.
func (r *Router) SetMetrics(m *telemetry.Metrics) { r.metrics = m }

// Open opens read-only connections to the project and (if present) global
// databases. globalPath may point to a nonexistent file, in which case
// scope=global transparently degrades to scope=project (spec §4.8).
func Open(cfg config.RouterConfig, projectDBPath, globalDBPath string) (*Router, error) {
	projectDB, err := sql.Open("sqlite3", "file:"+projectDBPath+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open project db read-only: %w", err)
	}

	r := &Router{cfg: cfg, projectDB: projectDB}

	globalDB, err := sql.Open("sqlite3", "file:"+globalDBPath+"?mode=ro&_busy_timeout=5000")
	if err == nil && globalDB.Ping() == nil {
		r.globalDB = globalDB
		r.globalExists = true
	} else if globalDB != nil {
		globalDB.Close()
	}

	capacity := int64(cfg.CacheEntries)
	if capacity <= 0 {
		capacity = 1024
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, []Result]{
		NumCounters: capacity * 10,
		MaxCost:     capacity,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("init router cache: %w", err)
	}
	r.cache = cache

	return r, nil
}

// Close closes owned connections (spec §4.8: "connections are owned by the
// router and closed on close()").
func (r *Router) Close() error {
	if r.globalDB != nil {
		r.globalDB.Close()
	}
	if r.cache != nil {
		r.cache.Close()
	}
	return r.projectDB.Close()
}

func clampLimit(limit, defaultLimit, maxLimit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func cacheKey(query string, opt Options) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%s|%d|%s|%s|%s", query, opt.Scope, opt.Branch, opt.Limit, opt.Since, opt.Importance, opt.Types)
	return b.String()
}

// Query dispatches to the scope-appropriate SQL per spec §4.8.
func (r *Router) Query(query string, opt Options) ([]Result, error) {
	log := logging.Get(logging.CategoryRouter)

	ctx, span := telemetry.StartRouterQuery(context.Background(), string(opt.Scope), query)
	defer span.End()
	if r.metrics != nil {
		r.metrics.RouterQueries.Add(ctx, 1)
	}

	defaultLimit := r.cfg.DefaultLimit
	if defaultLimit <= 0 {
		defaultLimit = 50
	}
	maxLimit := r.cfg.MaxLimit
	if maxLimit <= 0 {
		maxLimit = 150
	}
	opt.Limit = clampLimit(opt.Limit, defaultLimit, maxLimit)

	key := cacheKey(query, opt)
	if cached, ok := r.cache.Get(key); ok {
		log.Debug("cache hit for query %q scope=%s", query, opt.Scope)
		return cached, nil
	}

	scope := opt.Scope
	if scope == ScopeGlobal && !r.globalExists {
		log.Debug("global index absent, degrading to project scope")
		scope = ScopeProject
	}

	var results []Result
	var err error
	switch scope {
	case ScopeBranch:
		results, err = r.queryProject(query, opt, true)
	case ScopeProject:
		results, err = r.queryProject(query, opt, false)
	case ScopeGlobal:
		results, err = r.queryGlobal(query, opt)
	default:
		results, err = r.queryProject(query, opt, false)
	}
	if err != nil {
		return nil, err
	}

	r.cache.SetWithTTL(key, results, 1, 30*time.Second)
	return results, nil
}

// Recent returns the project's most recent observations ordered by
// created_at, bypassing FTS MATCH entirely. This backs the worker's
// GET /api/context/recent endpoint (spec §6), which has no query term.
func (r *Router) Recent(limit int) ([]Result, error) {
	defaultLimit := r.cfg.DefaultLimit
	if defaultLimit <= 0 {
		defaultLimit = 50
	}
	maxLimit := r.cfg.MaxLimit
	if maxLimit <= 0 {
		maxLimit = 150
	}
	limit = clampLimit(limit, defaultLimit, maxLimit)

	rows, err := r.projectDB.Query(`SELECT o.id, o.memory_session_id, o.project, o.type, o.title, o.subtitle, o.narrative, o.text,
		o.facts, o.concepts, o.files_read, o.files_modified, o.prompt_number, o.created_at, o.created_at_epoch,
		o.oc_metadata, o.source_tool, 0.0 AS rank
		FROM observations o
		WHERE o.meta_archived_at IS NULL
		ORDER BY o.created_at_epoch DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanResults(rows)
}

func (r *Router) queryProject(query string, opt Options, branchFilter bool) ([]Result, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT o.id, o.memory_session_id, o.project, o.type, o.title, o.subtitle, o.narrative, o.text,
		o.facts, o.concepts, o.files_read, o.files_modified, o.prompt_number, o.created_at, o.created_at_epoch,
		o.oc_metadata, o.source_tool, bm25(observations_fts) AS rank
		FROM observations o JOIN observations_fts ON observations_fts.rowid = o.id
		WHERE observations_fts MATCH ?`)
	args := []any{query}

	if branchFilter && opt.Branch != "" {
		sb.WriteString(` AND o.meta_branch = ?`)
		args = append(args, opt.Branch)
	}
	if !branchFilter {
		sb.WriteString(` AND o.meta_archived_at IS NULL`)
	}
	if len(opt.Types) > 0 {
		placeholders := make([]string, len(opt.Types))
		for i, t := range opt.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		sb.WriteString(` AND o.type IN (` + strings.Join(placeholders, ",") + `)`)
	}
	if opt.Importance != "" {
		sb.WriteString(` AND o.meta_importance = ?`)
		args = append(args, opt.Importance)
	}
	if opt.Since != "" {
		sb.WriteString(` AND o.created_at >= ?`)
		args = append(args, opt.Since)
	}
	sb.WriteString(` ORDER BY rank LIMIT ?`)
	args = append(args, opt.Limit)

	rows, err := r.projectDB.Query(sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanResults(rows)
}

func (r *Router) queryGlobal(query string, opt Options) ([]Result, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT o.id, '', p.display_name, o.type, o.title, '', o.narrative, '',
		'[]', '[]', '[]', '[]', 0, o.created_at, 0, o.oc_metadata, '', bm25(observations_fts) AS rank
		FROM observations o
		JOIN observations_fts ON observations_fts.rowid = o.id
		LEFT JOIN projects p ON p.project_uuid = o.project_uuid
		WHERE observations_fts MATCH ?`)
	args := []any{query}

	if len(opt.Types) > 0 {
		placeholders := make([]string, len(opt.Types))
		for i, t := range opt.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		sb.WriteString(` AND o.type IN (` + strings.Join(placeholders, ",") + `)`)
	}
	if opt.Importance != "" {
		sb.WriteString(` AND json_extract(o.oc_metadata, '$.importance_tier') = ?`)
		args = append(args, opt.Importance)
	}
	if opt.Since != "" {
		sb.WriteString(` AND o.created_at >= ?`)
		args = append(args, opt.Since)
	}
	sb.WriteString(` ORDER BY rank LIMIT ?`)
	args = append(args, opt.Limit)

	rows, err := r.globalDB.Query(sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanResults(rows)
}

func scanResults(rows *sql.Rows) ([]Result, error) {
	log := logging.Get(logging.CategoryRouter)
	var out []Result
	for rows.Next() {
		var o types.Observation
		var subtitle, text sql.NullString
		var facts, concepts, filesRead, filesModified, meta, sourceTool string
		var rank float64
		if err := rows.Scan(&o.ID, &o.SessionID, &o.Project, &o.Type, &o.Title, &subtitle, &o.Narrative, &text,
			&facts, &concepts, &filesRead, &filesModified, &o.PromptNumber, &o.CreatedAt, &o.CreatedAtEpoch,
			&meta, &sourceTool, &rank); err != nil {
			log.Warn("skipping unreadable search row: %v", err)
			continue
		}
		o.Subtitle = subtitle.String
		o.Text = text.String
		o.Source = sourceTool
		out = append(out, Result{Observation: o, Rank: rank})
	}
	return out, rows.Err()
}
