// Package store provides the per-project and global-index SQLite stores
// (spec §6), grounded on the teacher's internal/store/local.go RWMutex-
// guarded *sql.DB wrapper and its migrations.go versioned-ALTER pattern.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"claudemem/internal/logging"
	"claudemem/internal/ocerrors"
	"claudemem/internal/types"

	_ "github.com/mattn/go-sqlite3"
)

// ProjectStore wraps one project's observations.db.
type ProjectStore struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
}

// OpenProject opens (creating if absent) the SQLite database at path,
// applies pragmas, and runs migrations.
func OpenProject(path string) (*ProjectStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "OpenProject")
	defer timer.Stop()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, ocerrors.NewFatal("create project store dir", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, ocerrors.NewFatal("open project store", err)
	}

	s := &ProjectStore{db: db, path: path}
	if err := migrateProjectSchema(db); err != nil {
		db.Close()
		return nil, ocerrors.NewFatal("migrate project schema", err)
	}
	logging.Get(logging.CategoryStore).Info("project store ready at %s", path)
	return s, nil
}

// Close closes the underlying connection.
func (s *ProjectStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying *sql.DB for packages that need raw SQL (router,
// hybrid, graph) without duplicating connection management.
func (s *ProjectStore) DB() *sql.DB { return s.db }

func marshalList(xs []string) string {
	if len(xs) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(xs)
	return string(b)
}

func unmarshalList(s string) []string {
	if s == "" {
		return nil
	}
	var xs []string
	_ = json.Unmarshal([]byte(s), &xs)
	return xs
}

// MarshalMetadataForIngest exposes marshalMetadata to internal/ingest,
// which writes observations within its own transaction (sharing one
// BEGIN IMMEDIATE boundary across a whole event group) rather than through
// ProjectStore.Insert.
func MarshalMetadataForIngest(m types.OCMetadata) (string, error) {
	return marshalMetadata(m)
}

func marshalMetadata(m types.OCMetadata) (string, error) {
	base := map[string]any{}
	if m.Extra != nil {
		for k, v := range m.Extra {
			base[k] = v
		}
	}
	base["importance_score"] = m.ImportanceScore
	if m.ImportanceTier != "" {
		base["importance_tier"] = m.ImportanceTier
	}
	if m.Branch != "" {
		base["branch"] = m.Branch
	}
	if m.Scope != "" {
		base["scope"] = m.Scope
	}
	if m.DeonticType != "" {
		base["deontic_type"] = m.DeonticType
	}
	if m.ExecutionTimeMs != 0 {
		base["execution_time_ms"] = m.ExecutionTimeMs
	}
	if m.Success != nil {
		base["success"] = *m.Success
	}
	if m.ErrorMessage != "" {
		base["error_message"] = m.ErrorMessage
	}
	if m.ArchivedAt != nil {
		base["archived_at"] = *m.ArchivedAt
	}
	if m.PromotedAt != nil {
		base["promoted_at"] = *m.PromotedAt
	}
	b, err := json.Marshal(base)
	return string(b), err
}

func unmarshalMetadata(s string) types.OCMetadata {
	var raw map[string]any
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return types.OCMetadata{}
	}
	m := types.OCMetadata{Extra: map[string]any{}}
	for k, v := range raw {
		switch k {
		case "importance_score":
			if f, ok := v.(float64); ok {
				m.ImportanceScore = f
			}
		case "importance_tier":
			if s, ok := v.(string); ok {
				m.ImportanceTier = types.ImportanceTier(s)
			}
		case "branch":
			if s, ok := v.(string); ok {
				m.Branch = s
			}
		case "scope":
			if s, ok := v.(string); ok {
				m.Scope = s
			}
		case "deontic_type":
			if s, ok := v.(string); ok {
				m.DeonticType = types.DeonticType(s)
			}
		case "execution_time_ms":
			if f, ok := v.(float64); ok {
				m.ExecutionTimeMs = int64(f)
			}
		case "success":
			if b, ok := v.(bool); ok {
				m.Success = &b
			}
		case "error_message":
			if s, ok := v.(string); ok {
				m.ErrorMessage = s
			}
		case "archived_at":
			if f, ok := v.(float64); ok {
				n := int64(f)
				m.ArchivedAt = &n
			}
		case "promoted_at":
			if f, ok := v.(float64); ok {
				n := int64(f)
				m.PromotedAt = &n
			}
		default:
			m.Extra[k] = v
		}
	}
	return m
}

// defaultMetadataOnInvalid is applied when oc_metadata fails validation
// (spec §5: "invalid -> warn and use defaults with scope='branch',
// importance='medium'").
func defaultMetadataOnInvalid() types.OCMetadata {
	return types.OCMetadata{ImportanceTier: types.TierMedium, Scope: "branch"}
}

// Insert writes one observation to the project store, returning its
// assigned row id. Never updates rows in place except via UpdateMetadata
// (spec §3: "never updated in place except for oc_metadata").
func (s *ProjectStore) Insert(o types.Observation) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := marshalMetadata(o.OCMetadata)
	if err != nil {
		logging.Get(logging.CategoryStore).Warn("invalid oc_metadata for insert, using defaults: %v", err)
		meta, _ = marshalMetadata(defaultMetadataOnInvalid())
	}

	res, err := s.db.Exec(`INSERT INTO observations
		(memory_session_id, project, type, title, subtitle, narrative, text, facts, concepts,
		 files_read, files_modified, prompt_number, created_at, created_at_epoch, oc_metadata, source_tool)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.SessionID, o.Project, string(o.Type), o.Title, nullIfEmpty(o.Subtitle), o.Narrative, o.Text,
		marshalList(o.Facts), marshalList(o.Concepts), marshalList(o.FilesRead), marshalList(o.FilesModified),
		o.PromptNumber, o.CreatedAt, o.CreatedAtEpoch, meta, o.Source)
	if err != nil {
		return 0, fmt.Errorf("insert observation: %w", err)
	}
	return res.LastInsertId()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// UpdateMetadata rewrites only the oc_metadata column of an existing row
// (importance backfill, enrichment -- spec §3's sole in-place mutation).
func (s *ProjectStore) UpdateMetadata(id int64, meta types.OCMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := marshalMetadata(meta)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE observations SET oc_metadata = ? WHERE id = ?`, m, id)
	return err
}

func scanObservation(row interface{ Scan(...any) error }) (types.Observation, error) {
	var o types.Observation
	var subtitle, text sql.NullString
	var facts, concepts, filesRead, filesModified, meta string
	err := row.Scan(&o.ID, &o.SessionID, &o.Project, &o.Type, &o.Title, &subtitle, &o.Narrative, &text,
		&facts, &concepts, &filesRead, &filesModified, &o.PromptNumber, &o.CreatedAt, &o.CreatedAtEpoch,
		&meta, &o.Source)
	if err != nil {
		return o, err
	}
	o.Subtitle = subtitle.String
	o.Text = text.String
	o.Facts = unmarshalList(facts)
	o.Concepts = unmarshalList(concepts)
	o.FilesRead = unmarshalList(filesRead)
	o.FilesModified = unmarshalList(filesModified)
	o.OCMetadata = unmarshalMetadata(meta)
	return o, nil
}

const observationColumns = `id, memory_session_id, project, type, title, subtitle, narrative, text,
	facts, concepts, files_read, files_modified, prompt_number, created_at, created_at_epoch, oc_metadata, source_tool`

// GetByID fetches a single observation by its project-local row id.
func (s *ProjectStore) GetByID(id int64) (types.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(`SELECT `+observationColumns+` FROM observations WHERE id = ?`, id)
	return scanObservation(row)
}

// RecentByBranch returns up to limit observations for branch scope, ordered
// newest-first. Query/FTS matching lives in the router package; this is the
// plain (non-FTS) path used for manifest assembly and scope fallback.
func (s *ProjectStore) RecentByBranch(branch string, limit int) ([]types.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT `+observationColumns+` FROM observations
		WHERE meta_branch = ? ORDER BY created_at DESC LIMIT ?`, branch, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectObservations(rows)
}

func collectObservations(rows *sql.Rows) ([]types.Observation, error) {
	var out []types.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			// Defensive per-row handling: skip a corrupt row, don't abort the
			// whole query (teacher pattern in local.go's fact-loading loops).
			logging.Get(logging.CategoryStore).Warn("skipping unreadable row: %v", err)
			continue
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Recent returns up to limit observations across the whole project store.
func (s *ProjectStore) Recent(limit int) ([]types.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT `+observationColumns+` FROM observations ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectObservations(rows)
}

// Count returns the total number of observations stored.
func (s *ProjectStore) Count() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM observations`).Scan(&n)
	return n, err
}

// Path returns the on-disk path of the database file.
func (s *ProjectStore) Path() string { return s.path }

// nowISO and nowEpoch are small helpers kept here (rather than in a
// separate clock package) since every caller that timestamps an
// observation already imports store.
func nowISO() string   { return time.Now().UTC().Format(time.RFC3339) }
func nowEpoch() int64  { return time.Now().UnixMilli() }
