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
)

// GlobalStore wraps the materialized global index database shared across
// all projects (spec §6).
type GlobalStore struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
}

// OpenGlobal opens (creating if absent) the global index at path.
func OpenGlobal(path string) (*GlobalStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "OpenGlobal")
	defer timer.Stop()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, ocerrors.NewFatal("create global index dir", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, ocerrors.NewFatal("open global index", err)
	}
	s := &GlobalStore{db: db, path: path}
	if err := migrateGlobalSchema(db); err != nil {
		db.Close()
		return nil, ocerrors.NewFatal("migrate global schema", err)
	}
	logging.Get(logging.CategoryStore).Info("global index ready at %s", path)
	return s, nil
}

func (s *GlobalStore) Close() error { return s.db.Close() }
func (s *GlobalStore) DB() *sql.DB  { return s.db }
func (s *GlobalStore) Path() string { return s.path }

// UpsertProject inserts or refreshes a project registry row. If
// absolutePath already exists under a *different* project_uuid, this is the
// "project UUID migration" case (spec §5 item 6): delete the old rows and
// atomically register the new UUID within one BEGIN IMMEDIATE transaction.
func (s *GlobalStore) UpsertProject(projectUUID, absolutePath, displayName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return ocerrors.NewLockContention("begin project upsert", err)
	}
	defer tx.Rollback()

	var existingUUID string
	err = tx.QueryRow(`SELECT project_uuid FROM projects WHERE absolute_path = ?`, absolutePath).Scan(&existingUUID)
	switch {
	case err == sql.ErrNoRows:
		// fresh project, fall through to insert below
	case err != nil:
		return err
	case existingUUID != projectUUID:
		logging.Get(logging.CategoryStore).Warn(
			"project uuid migration for %s: %s -> %s", absolutePath, existingUUID, projectUUID)
		if _, err := tx.Exec(`DELETE FROM observations WHERE project_uuid = ?`, existingUUID); err != nil {
			return fmt.Errorf("migrate project uuid (delete observations): %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM projects WHERE project_uuid = ?`, existingUUID); err != nil {
			return fmt.Errorf("migrate project uuid (delete project): %w", err)
		}
	}

	now := nowISO()
	_, err = tx.Exec(`INSERT INTO projects(project_uuid, absolute_path, display_name, last_sync_at, observation_count, created_at, updated_at)
		VALUES (?,?,?,?,0,?,?)
		ON CONFLICT(project_uuid) DO UPDATE SET
			absolute_path=excluded.absolute_path,
			display_name=excluded.display_name,
			last_sync_at=excluded.last_sync_at,
			updated_at=excluded.updated_at`,
		projectUUID, absolutePath, displayName, now, now, now)
	if err != nil {
		return fmt.Errorf("upsert project: %w", err)
	}
	return tx.Commit()
}

// TouchSync bumps last_sync_at and observation_count for a project.
func (s *GlobalStore) TouchSync(projectUUID string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE projects SET last_sync_at = ?, observation_count = observation_count + ?, updated_at = ?
		WHERE project_uuid = ?`, nowISO(), delta, nowISO(), projectUUID)
	return err
}

// UpsertObservation writes a denormalized summary row, keyed by external_id
// (spec §5: "INSERT OR REPLACE keyed by external_id" -- the idempotent-
// ingestion invariant from spec §8).
func (s *GlobalStore) UpsertObservation(externalID, projectUUID string, o types.Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := marshalMetadata(o.OCMetadata)
	if err != nil {
		meta, _ = marshalMetadata(defaultMetadataOnInvalid())
	}
	_, err = s.db.Exec(`INSERT INTO observations(external_id, project_uuid, type, title, narrative, importance, branch, created_at, oc_metadata)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(external_id) DO UPDATE SET
			type=excluded.type, title=excluded.title, narrative=excluded.narrative,
			importance=excluded.importance, branch=excluded.branch, created_at=excluded.created_at,
			oc_metadata=excluded.oc_metadata`,
		externalID, projectUUID, string(o.Type), o.Title, o.Narrative, o.OCMetadata.ImportanceScore,
		o.OCMetadata.Branch, o.CreatedAt, meta)
	return err
}

// Project looks up a registry entry by UUID.
func (s *GlobalStore) Project(projectUUID string) (types.ProjectEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var p types.ProjectEntry
	var lastSync string
	err := s.db.QueryRow(`SELECT project_uuid, absolute_path, display_name, last_sync_at, observation_count
		FROM projects WHERE project_uuid = ?`, projectUUID).
		Scan(&p.ProjectUUID, &p.AbsolutePath, &p.DisplayName, &lastSync, &p.ObservationCount)
	if err != nil {
		return p, err
	}
	if t, perr := time.Parse(time.RFC3339, lastSync); perr == nil {
		p.LastSyncAt = t
	}
	return p, nil
}

// ProjectByPath resolves a project registry entry by its absolute path,
// used by the ingestor to decide whether a UUID migration is needed.
func (s *GlobalStore) ProjectByPath(absolutePath string) (types.ProjectEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var p types.ProjectEntry
	var lastSync string
	err := s.db.QueryRow(`SELECT project_uuid, absolute_path, display_name, last_sync_at, observation_count
		FROM projects WHERE absolute_path = ?`, absolutePath).
		Scan(&p.ProjectUUID, &p.AbsolutePath, &p.DisplayName, &lastSync, &p.ObservationCount)
	if err == sql.ErrNoRows {
		return p, false, nil
	}
	if err != nil {
		return p, false, err
	}
	if t, perr := time.Parse(time.RFC3339, lastSync); perr == nil {
		p.LastSyncAt = t
	}
	return p, true, nil
}

// InsertRelationship adds a directed, confidence-weighted edge. Invalid
// relationship types are rejected before hitting the CHECK constraint so
// the caller gets a typed validation error.
func (s *GlobalStore) InsertRelationship(r types.Relationship) (int64, error) {
	if !types.ValidRelationshipTypes[r.Type] {
		return 0, ocerrors.NewValidationError("invalid relationship type", []string{string(r.Type)})
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return 0, ocerrors.NewValidationError("confidence out of range", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var metaJSON string
	if r.Metadata != nil {
		b, _ := json.Marshal(r.Metadata)
		metaJSON = string(b)
	}
	res, err := s.db.Exec(`INSERT INTO observation_relationships
		(source_id, target_id, relationship_type, confidence, metadata, created_at_epoch)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(source_id, target_id, relationship_type) DO UPDATE SET confidence=excluded.confidence, metadata=excluded.metadata`,
		r.SourceID, r.TargetID, string(r.Type), r.Confidence, nullIfEmpty(metaJSON), r.CreatedAtEpoch)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RelationshipsFrom returns outgoing edges from sourceID with confidence >=
// minConfidence, ordered by confidence descending, capped at limit.
func (s *GlobalStore) RelationshipsFrom(sourceID int64, minConfidence float64, limit int) ([]types.Relationship, error) {
	return s.relationshipsByDirection(`source_id = ?`, sourceID, minConfidence, limit)
}

// RelationshipsTo returns incoming edges into targetID.
func (s *GlobalStore) RelationshipsTo(targetID int64, minConfidence float64, limit int) ([]types.Relationship, error) {
	return s.relationshipsByDirection(`target_id = ?`, targetID, minConfidence, limit)
}

func (s *GlobalStore) relationshipsByDirection(where string, id int64, minConfidence float64, limit int) ([]types.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := fmt.Sprintf(`SELECT id, source_id, target_id, relationship_type, confidence, metadata, created_at_epoch
		FROM observation_relationships WHERE %s AND confidence >= ? ORDER BY confidence DESC LIMIT ?`, where)
	rows, err := s.db.Query(query, id, minConfidence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Relationship
	for rows.Next() {
		var r types.Relationship
		var meta sql.NullString
		if err := rows.Scan(&r.ID, &r.SourceID, &r.TargetID, &r.Type, &r.Confidence, &meta, &r.CreatedAtEpoch); err != nil {
			logging.Get(logging.CategoryStore).Warn("skipping unreadable relationship row: %v", err)
			continue
		}
		if meta.Valid {
			_ = json.Unmarshal([]byte(meta.String), &r.Metadata)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetObservationByID fetches a global-index observation summary row by its
// internal id (used by graph expansion to resolve neighbor metadata).
func (s *GlobalStore) GetObservationByID(id int64) (types.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var o types.Observation
	var meta string
	err := s.db.QueryRow(`SELECT id, external_id, type, title, narrative, importance, branch, created_at, oc_metadata
		FROM observations WHERE id = ?`, id).
		Scan(&o.ID, &o.ExternalID, &o.Type, &o.Title, &o.Narrative, &o.OCMetadata.ImportanceScore, &o.OCMetadata.Branch, &o.CreatedAt, &meta)
	if err != nil {
		return o, err
	}
	o.OCMetadata = unmarshalMetadata(meta)
	return o, nil
}
