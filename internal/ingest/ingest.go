// Package ingest implements the single-writer ingestor daemon from spec
// §4.7: polling the outbox directory, grouping events by project, and
// promoting them into per-project stores and the materialized global
// index, under the Ingestor's exclusive index lock.
package ingest

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"claudemem/internal/config"
	"claudemem/internal/ids"
	"claudemem/internal/lockfile"
	"claudemem/internal/logging"
	"claudemem/internal/ocerrors"
	"claudemem/internal/scrub"
	"claudemem/internal/store"
	"claudemem/internal/telemetry"
	"claudemem/internal/types"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
)

// event is the on-disk JSONL shape written by outbox.Push, widened with
// the project_path field the ingestor groups on.
type event struct {
	types.OutboxRecord
	ProjectPath string `json:"project_path"`
}

// Daemon owns the index lock, global store, and per-project store cache.
type Daemon struct {
	cfg        config.IngestConfig
	outboxDir  string
	globalPath string
	homeDir    string
	salt       []byte

	global   *store.GlobalStore
	lock     *lockfile.Lock
	storesMu sync.Mutex
	stores   map[string]*store.ProjectStore
	metrics  *telemetry.Metrics
}

// SetMetrics attaches telemetry instruments; nil is a valid no-op value
// (the default when the host process has telemetry disabled).
func (d *Daemon) SetMetrics(m *telemetry.Metrics) { d.metrics = m }

// New constructs a Daemon. homeDir is ~/.oc; globalPath is the global
// index's database file.
func New(cfg config.IngestConfig, homeDir, outboxDir, globalPath string) (*Daemon, error) {
	salt, err := ids.LoadOrCreateSalt(homeDir)
	if err != nil {
		return nil, err
	}
	return &Daemon{
		cfg:        cfg,
		outboxDir:  outboxDir,
		globalPath: globalPath,
		homeDir:    homeDir,
		salt:       salt,
		stores:     make(map[string]*store.ProjectStore),
	}, nil
}

// Start acquires the index lock, opens the global index, and ensures the
// processed/ subdirectory exists (spec §4.7 startup sequence).
func (d *Daemon) Start() error {
	log := logging.Get(logging.CategoryIngest)

	if err := os.MkdirAll(filepath.Join(d.outboxDir, "processed"), 0755); err != nil {
		return ocerrors.NewFatal("create processed dir", err)
	}

	staleAfter := time.Duration(d.cfg.IndexLockStaleSec) * time.Second
	if staleAfter <= 0 {
		staleAfter = 15 * time.Second
	}
	heartbeat := time.Duration(d.cfg.HeartbeatSec) * time.Second
	if heartbeat <= 0 {
		heartbeat = 5 * time.Second
	}
	d.lock = lockfile.New(filepath.Join(d.homeDir, "index.lock"), staleAfter, heartbeat)
	ok, err := d.lock.TryAcquire("ingestor")
	if err != nil {
		return err
	}
	if !ok {
		return ocerrors.NewLockContention("index lock held by another ingestor", nil)
	}

	global, err := store.OpenGlobal(d.globalPath)
	if err != nil {
		d.lock.Release()
		return err
	}
	d.global = global

	log.Info("ingestor started, watching %s", d.outboxDir)
	return nil
}

// Stop releases the index lock and closes open stores (graceful shutdown
// on SIGINT/SIGTERM, spec §4.7).
func (d *Daemon) Stop() {
	log := logging.Get(logging.CategoryIngest)
	for path, s := range d.stores {
		if err := s.Close(); err != nil {
			log.Warn("close project store %s: %v", path, err)
		}
	}
	if d.global != nil {
		d.global.Close()
	}
	if d.lock != nil {
		d.lock.Release()
	}
	log.Info("ingestor stopped")
}

// Run blocks, polling every PollIntervalMs until ctx is cancelled. When
// WatchEnabled, an fsnotify watch on the outbox directory supplements the
// poll with a fast path (spec §4.7 "polls ... every 1s (configurable)").
func (d *Daemon) Run(ctx context.Context) error {
	interval := time.Duration(d.cfg.PollIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var watchEvents <-chan fsnotify.Event
	if d.cfg.WatchEnabled {
		if w, err := fsnotify.NewWatcher(); err == nil {
			defer w.Close()
			if err := w.Add(d.outboxDir); err == nil {
				watchEvents = w.Events
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.tick(ctx)
		case <-watchEvents:
			d.tick(ctx)
		}
	}
}

// Tick runs a single poll-and-promote pass without blocking on the
// ticker, for cron-style invocation (e.g. `claudemem ingest run --once`).
// Start must have been called first to acquire the index lock.
func (d *Daemon) Tick(ctx context.Context) {
	d.tick(ctx)
}

func (d *Daemon) tick(ctx context.Context) {
	log := logging.Get(logging.CategoryIngest)
	entries, err := os.ReadDir(d.outboxDir)
	if err != nil {
		log.Error("read outbox dir: %v", err)
		return
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		files = append(files, e.Name())
	}

	_, span := telemetry.StartIngestTick(ctx, len(files))
	defer span.End()
	if d.metrics != nil {
		d.metrics.IngestTicks.Add(ctx, 1)
		d.metrics.IngestFiles.Add(ctx, int64(len(files)))
	}

	for _, name := range files {
		d.processFile(filepath.Join(d.outboxDir, name))
	}
}

// processFile implements the per-file ingest loop from spec §4.7: parse,
// group by project, ingest each group in its own transaction, and move
// the file to processed/ only if at least one group succeeded.
func (d *Daemon) processFile(path string) {
	log := logging.Get(logging.CategoryIngest)

	events, malformed := parseJSONL(path)
	if malformed > 0 {
		log.Warn("%d malformed lines skipped in %s", malformed, path)
	}
	if len(events) == 0 {
		return
	}

	groups := groupByProject(events)

	// Each project group lands in its own ProjectStore and transaction, so
	// distinct projects within one poll tick are ingested concurrently; an
	// errgroup fans them out and an anySucceeded flag (guarded, since
	// goroutines write it) decides whether the file can be retired.
	var g errgroup.Group
	var mu sync.Mutex
	anySucceeded := false
	for projectPath, group := range groups {
		projectPath, group := projectPath, group
		g.Go(func() error {
			if err := d.ingestToProject(projectPath, group); err != nil {
				log.Warn("ingest_to_project failed for %s: %v", projectPath, err)
				return nil
			}
			mu.Lock()
			anySucceeded = true
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if anySucceeded {
		d.moveToProcessed(path)
	}
	// If all groups failed, leave the file in place for the next tick
	// (never poison-pill, per spec §4.7).
}

func parseJSONL(path string) ([]event, int) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0
	}
	defer f.Close()

	var events []event
	malformed := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			malformed++
			continue
		}
		events = append(events, e)
	}
	return events, malformed
}

func groupByProject(events []event) map[string][]event {
	groups := make(map[string][]event)
	for _, e := range events {
		key := e.ProjectPath
		if key == "" {
			key = e.Project
		}
		groups[key] = append(groups[key], e)
	}
	return groups
}

func (d *Daemon) moveToProcessed(path string) {
	log := logging.Get(logging.CategoryIngest)
	dest := filepath.Join(d.outboxDir, "processed", fmt.Sprintf("%d-%s", time.Now().Unix(), filepath.Base(path)))
	if err := os.Rename(path, dest); err != nil {
		log.Error("move %s to processed: %v", path, err)
	}
}

// allowedRoots lists the path prefixes ingest_to_project will accept
// (spec §4.7).
func allowedRoots() []string {
	home, _ := os.UserHomeDir()
	if runtime.GOOS == "windows" {
		return []string{home, `C:\`, `D:\`}
	}
	return []string{home, "/Users", "/home", "/var/folders"}
}

// hardenPath canonicalizes projectPath and rejects anything outside the
// allow-listed roots or containing ".." after canonicalization.
func hardenPath(projectPath string) (string, error) {
	canonical, err := ids.CanonicalizePath(projectPath)
	if err != nil {
		return "", ocerrors.NewValidationError("canonicalize project path", []string{err.Error()})
	}
	if strings.Contains(canonical, "..") {
		return "", ocerrors.NewValidationError("project path contains '..' after canonicalization", nil)
	}
	for _, root := range allowedRoots() {
		if root != "" && strings.HasPrefix(canonical, root) {
			return canonical, nil
		}
	}
	return "", ocerrors.NewValidationError("project path outside allow-listed roots", []string{canonical})
}

// ingestToProject opens/creates the project's store and writes every event
// in group within a single transaction boundary at the ProjectStore level,
// then updates the global index.
func (d *Daemon) ingestToProject(projectPath string, group []event) error {
	log := logging.Get(logging.CategoryIngest)

	canonical, err := hardenPath(projectPath)
	if err != nil {
		return err
	}

	ps, err := d.projectStore(canonical)
	if err != nil {
		return err
	}

	tx, err := ps.DB().Begin()
	if err != nil {
		return ocerrors.NewLockContention("begin project ingest tx", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	type summary struct {
		projectObsID int64
		obs          types.Observation
	}
	var summaries []summary

	for _, e := range group {
		obs := toObservation(e)
		obs.Narrative = scrub.String(obs.Narrative)
		obs.Title = scrub.String(obs.Title)
		obs.Text = scrub.String(obs.Text)
		obs.Project = scrub.ToProjectRelative(obs.Project, canonical)

		if !validMetadata(obs.OCMetadata) {
			log.Warn("invalid oc_metadata for event in %s, using defaults", projectPath)
			obs.OCMetadata.ImportanceTier = types.TierMedium
			obs.OCMetadata.Scope = "branch"
		}

		id, err := insertWithinTx(tx, obs)
		if err != nil {
			return fmt.Errorf("insert observation within project tx: %w", err)
		}
		summaries = append(summaries, summary{projectObsID: id, obs: obs})
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit project ingest tx: %w", err)
	}
	committed = true

	projectUUID := ids.ProjectUUID(d.salt, canonical)
	if err := d.global.UpsertProject(projectUUID, canonical, filepath.Base(canonical)); err != nil {
		log.Warn("upsert project in global index: %v", err)
	}
	for _, s := range summaries {
		externalID := ids.ExternalID(projectUUID, s.projectObsID)
		s.obs.ExternalID = externalID
		if err := d.global.UpsertObservation(externalID, projectUUID, s.obs); err != nil {
			log.Warn("upsert global observation %s: %v", externalID, err)
		}
	}
	if err := d.global.TouchSync(projectUUID, int64(len(summaries))); err != nil {
		log.Warn("touch sync for %s: %v", projectUUID, err)
	}
	return nil
}

func validMetadata(m types.OCMetadata) bool {
	return m.ImportanceScore >= 0 && m.ImportanceScore <= 100
}

func toObservation(e event) types.Observation {
	return types.Observation{
		SessionID:      e.SessionID,
		Project:        e.Project,
		Source:         e.Source,
		Tool:           e.Tool,
		Type:           types.ObservationType(e.Type),
		Title:          e.Title,
		Narrative:      e.Narrative,
		Text:           e.Content,
		Facts:          e.Facts,
		Concepts:       e.Concepts,
		CreatedAt:      e.Timestamp.UTC().Format(time.RFC3339),
		CreatedAtEpoch: e.Timestamp.UnixMilli(),
		OCMetadata: types.OCMetadata{
			ImportanceTier: types.TierMedium,
			Scope:          "branch",
		},
	}
}

// insertWithinTx duplicates ProjectStore.Insert's column list but runs
// inside the caller's transaction, since ingestToProject needs all events
// in a group to share one BEGIN IMMEDIATE boundary (spec §4.7: "on any row
// error: roll back the project transaction").
func insertWithinTx(tx *sql.Tx, obs types.Observation) (int64, error) {
	meta, err := store.MarshalMetadataForIngest(obs.OCMetadata)
	if err != nil {
		return 0, err
	}
	res, err := tx.Exec(`INSERT INTO observations
		(memory_session_id, project, type, title, subtitle, narrative, text, facts, concepts,
		 files_read, files_modified, prompt_number, created_at, created_at_epoch, oc_metadata, source_tool)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		obs.SessionID, obs.Project, string(obs.Type), obs.Title, nullString(obs.Subtitle), obs.Narrative, obs.Text,
		marshalListJSON(obs.Facts), marshalListJSON(obs.Concepts), marshalListJSON(obs.FilesRead), marshalListJSON(obs.FilesModified),
		obs.PromptNumber, obs.CreatedAt, obs.CreatedAtEpoch, meta, obs.Source)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalListJSON(xs []string) string {
	if len(xs) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(xs)
	return string(b)
}

func (d *Daemon) projectStore(canonical string) (*store.ProjectStore, error) {
	d.storesMu.Lock()
	defer d.storesMu.Unlock()
	if ps, ok := d.stores[canonical]; ok {
		return ps, nil
	}
	dbPath := filepath.Join(canonical, ".oc", "memory.db")
	ps, err := store.OpenProject(dbPath)
	if err != nil {
		return nil, err
	}
	d.stores[canonical] = ps
	return ps, nil
}
