// Package outbox implements the dual-path, crash-safe durable queue from
// spec §4.5: a JSONL append log guarded by a per-file lockfile, plus an
// optional SQLite mirror drained to the worker's /api/import endpoint.
package outbox

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"claudemem/internal/config"
	"claudemem/internal/lockfile"
	"claudemem/internal/logging"
	"claudemem/internal/ocerrors"
	"claudemem/internal/scrub"
	"claudemem/internal/telemetry"
	"claudemem/internal/types"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sync/singleflight"
)

// Outbox owns the JSONL append path and, when db is non-nil, the SQLite
// pending_observations mirror and drain-to-worker pipeline.
type Outbox struct {
	dir        string
	cfg        config.OutboxConfig
	db         *sql.DB
	workerBase string
	httpClient *http.Client
	drainGroup singleflight.Group
	metrics    *telemetry.Metrics
}

// SetMetrics attaches telemetry instruments; nil is a valid no-op value.
func (o *Outbox) SetMetrics(m *telemetry.Metrics) { o.metrics = m }

const pendingObservationsTable = `
CREATE TABLE IF NOT EXISTS pending_observations (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	source TEXT,
	project TEXT,
	cwd TEXT,
	tool TEXT,
	title TEXT,
	type TEXT,
	narrative TEXT NOT NULL,
	concepts TEXT,
	facts TEXT,
	content TEXT,
	timestamp TEXT NOT NULL,
	attempts INTEGER DEFAULT 0,
	next_attempt_at TEXT,
	last_error TEXT,
	status TEXT DEFAULT 'pending'
);
CREATE INDEX IF NOT EXISTS idx_pending_status ON pending_observations(status);
CREATE INDEX IF NOT EXISTS idx_pending_next_attempt ON pending_observations(next_attempt_at);
`

// New constructs an Outbox rooted at dir (typically ~/.oc/outbox). dbPath
// may be empty to run JSONL-only (the "no local SQLite available" case);
// when non-empty, the SQLite mirror is opened and migrated.
func New(dir string, cfg config.OutboxConfig, dbPath, workerBase string) (*Outbox, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, ocerrors.NewFatal("create outbox dir", err)
	}

	o := &Outbox{
		dir:        dir,
		cfg:        cfg,
		workerBase: workerBase,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}

	if dbPath != "" {
		db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
		if err != nil {
			return nil, ocerrors.NewFatal("open outbox mirror db", err)
		}
		if _, err := db.Exec(pendingObservationsTable); err != nil {
			db.Close()
			return nil, ocerrors.NewFatal("migrate outbox mirror db", err)
		}
		o.db = db
	}
	return o, nil
}

// Close releases the SQLite mirror connection, if any.
func (o *Outbox) Close() error {
	if o.db != nil {
		return o.db.Close()
	}
	return nil
}

func stubNarrative(tool string) string {
	if tool == "" {
		tool = "unknown tool"
	}
	return fmt.Sprintf("(no narrative supplied for %s)", tool)
}

// Push writes obs through both paths, best-effort, never blocking the
// caller beyond the lock-wait budget and never returning an error the
// caller is expected to act on -- per spec §4.5 "never throws; failures
// are logged". Callers that genuinely need to know whether anything
// durable happened should inspect the returned bool.
func (o *Outbox) Push(obs types.OutboxRecord) bool {
	log := logging.Get(logging.CategoryOutbox)

	if len([]rune(obs.Narrative)) < types.NarrativeMinLen {
		obs.Narrative = stubNarrative(obs.Tool)
	}
	obs.Narrative = scrub.String(obs.Narrative)
	obs.Title = scrub.String(obs.Title)
	obs.Content = scrub.String(obs.Content)

	jsonlOK := o.appendJSONL(obs)
	sqliteOK := true
	if o.db != nil {
		sqliteOK = o.insertPending(obs)
	}
	if !jsonlOK && !sqliteOK {
		log.Error("push failed on both paths for observation %s", obs.ID)
		return false
	}

	if o.db != nil {
		go o.Drain(context.Background())
	}
	return true
}

// Import appends a record the worker received over POST /api/import into
// the same JSONL outbox the Ingestor polls, so the HTTP-fronted drain path
// (spec §4.5) and the file-polling ingest path (spec §4.7) converge on one
// on-disk format instead of duplicating promotion logic in the worker.
func (o *Outbox) Import(projectPath string, obs types.OutboxRecord) bool {
	obs.Project = projectPath
	obs.Narrative = scrub.String(obs.Narrative)
	obs.Title = scrub.String(obs.Title)
	obs.Content = scrub.String(obs.Content)
	return o.appendJSONL(obs)
}

// appendJSONL appends one JSON line to today's observations file, guarded
// by a per-file lockfile with jittered busy-wait (spec §4.5).
func (o *Outbox) appendJSONL(obs types.OutboxRecord) bool {
	log := logging.Get(logging.CategoryOutbox)

	date := time.Now().UTC().Format("2006-01-02")
	path := filepath.Join(o.dir, fmt.Sprintf("observations-%s.jsonl", date))
	lockPath := path + ".lock"

	staleAfter := time.Duration(o.cfg.LockStaleSeconds) * time.Second
	if staleAfter <= 0 {
		staleAfter = 30 * time.Second
	}
	lk := lockfile.New(lockPath, staleAfter, 0)

	deadline := time.Now().Add(time.Duration(o.cfg.LockBusyWaitCapMs) * time.Millisecond)
	if o.cfg.LockBusyWaitCapMs <= 0 {
		deadline = time.Now().Add(2 * time.Second)
	}

	acquired := false
	for time.Now().Before(deadline) {
		ok, err := lk.TryAcquire("outbox")
		if err != nil {
			log.Warn("lock acquire error for %s: %v", lockPath, err)
			return false
		}
		if ok {
			acquired = true
			break
		}
		lo, hi := o.cfg.LockBusyWaitMinMs, o.cfg.LockBusyWaitMaxMs
		if lo <= 0 || hi <= lo {
			lo, hi = 25, 50
		}
		jitter := lo + rand.Intn(hi-lo+1)
		time.Sleep(time.Duration(jitter) * time.Millisecond)
	}
	if !acquired {
		log.Warn("could not acquire outbox lock for %s within budget", path)
		return false
	}
	defer lk.Release()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Error("open outbox file %s: %v", path, err)
		return false
	}
	defer f.Close()

	line, err := json.Marshal(struct {
		types.OutboxRecord
		ProjectPath string `json:"project_path"`
	}{OutboxRecord: obs, ProjectPath: obs.Project})
	if err != nil {
		log.Error("marshal observation for jsonl: %v", err)
		return false
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		log.Error("write outbox line: %v", err)
		return false
	}
	return true
}

func (o *Outbox) insertPending(obs types.OutboxRecord) bool {
	log := logging.Get(logging.CategoryOutbox)
	concepts, _ := json.Marshal(obs.Concepts)
	facts, _ := json.Marshal(obs.Facts)

	tx, err := o.db.Begin()
	if err != nil {
		log.Error("begin pending insert tx: %v", err)
		return false
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT OR IGNORE INTO pending_observations
		(id, session_id, source, project, cwd, tool, title, type, narrative, concepts, facts, content, timestamp, attempts, status)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,0,'pending')`,
		obs.ID, obs.SessionID, obs.Source, obs.Project, obs.Cwd, obs.Tool, obs.Title, obs.Type,
		obs.Narrative, string(concepts), string(facts), obs.Content, obs.Timestamp.UTC().Format(time.RFC3339))
	if err != nil {
		log.Error("insert pending observation: %v", err)
		return false
	}
	if err := tx.Commit(); err != nil {
		log.Error("commit pending insert: %v", err)
		return false
	}
	return true
}

// importSessionPayload and importObservationPayload are the two phases of
// the /api/import POST body (spec §4.5: "sessions first, then
// observations with required fields").
type importSessionPayload struct {
	SessionID string `json:"session_id"`
	Source    string `json:"source"`
	Project   string `json:"project"`
}

type importObservationPayload struct {
	ID        string   `json:"id"`
	SessionID string   `json:"session_id"`
	Source    string   `json:"source"`
	Project   string   `json:"project"`
	Cwd       string   `json:"cwd"`
	Tool      string   `json:"tool"`
	Title     string   `json:"title"`
	Type      string   `json:"type"`
	Narrative string   `json:"narrative"`
	Concepts  []string `json:"concepts"`
	Facts     []string `json:"facts"`
	Content   string   `json:"content"`
	Timestamp string   `json:"timestamp"`
}

// Drain posts up to DrainBatchSize pending rows to the worker, deduplicated
// by an in-flight guard (singleflight) so concurrent triggers collapse into
// one HTTP round trip.
func (o *Outbox) Drain(ctx context.Context) {
	if o.db == nil {
		return
	}
	_, _, _ = o.drainGroup.Do("drain", func() (interface{}, error) {
		o.drainOnce(ctx)
		return nil, nil
	})
}

func (o *Outbox) drainOnce(ctx context.Context) {
	ctx, span := telemetry.StartOutboxDrain(ctx)
	defer span.End()
	if o.metrics != nil {
		o.metrics.OutboxDrains.Add(ctx, 1)
	}

	log := logging.Get(logging.CategoryOutbox)
	batchSize := o.cfg.DrainBatchSize
	if batchSize <= 0 {
		batchSize = 10
	}

	rows, err := o.db.Query(`SELECT id, session_id, source, project, cwd, tool, title, type, narrative, concepts, facts, content, timestamp, attempts
		FROM pending_observations
		WHERE status = 'pending' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY timestamp ASC LIMIT ?`, time.Now().UTC().Format(time.RFC3339), batchSize)
	if err != nil {
		log.Error("drain query: %v", err)
		return
	}

	var batch []importObservationPayload
	var attempts []int
	var ids []string
	for rows.Next() {
		var p importObservationPayload
		var concepts, facts string
		var attemptCount int
		if err := rows.Scan(&p.ID, &p.SessionID, &p.Source, &p.Project, &p.Cwd, &p.Tool, &p.Title, &p.Type,
			&p.Narrative, &concepts, &facts, &p.Content, &p.Timestamp, &attemptCount); err != nil {
			log.Warn("skipping unreadable pending row: %v", err)
			continue
		}
		_ = json.Unmarshal([]byte(concepts), &p.Concepts)
		_ = json.Unmarshal([]byte(facts), &p.Facts)
		batch = append(batch, p)
		attempts = append(attempts, attemptCount)
		ids = append(ids, p.ID)
	}
	rows.Close()

	if len(batch) == 0 {
		return
	}

	sessions := dedupeSessions(batch)
	if err := o.postImport(ctx, "sessions", sessions); err != nil {
		o.recordFailures(ids, attempts, err)
		if o.metrics != nil {
			o.metrics.OutboxRowsFailed.Add(ctx, int64(len(ids)))
		}
		return
	}
	if err := o.postImport(ctx, "observations", batch); err != nil {
		o.recordFailures(ids, attempts, err)
		if o.metrics != nil {
			o.metrics.OutboxRowsFailed.Add(ctx, int64(len(ids)))
		}
		return
	}

	if _, err := o.db.Exec(fmt.Sprintf(`DELETE FROM pending_observations WHERE id IN (%s)`, placeholders(len(ids))), toArgs(ids)...); err != nil {
		log.Error("delete drained rows: %v", err)
	}
	if o.metrics != nil {
		o.metrics.OutboxRowsSent.Add(ctx, int64(len(ids)))
	}
}

func dedupeSessions(batch []importObservationPayload) []importSessionPayload {
	seen := map[string]bool{}
	var out []importSessionPayload
	for _, p := range batch {
		if seen[p.SessionID] {
			continue
		}
		seen[p.SessionID] = true
		out = append(out, importSessionPayload{SessionID: p.SessionID, Source: p.Source, Project: p.Project})
	}
	return out
}

func (o *Outbox) postImport(ctx context.Context, phase string, payload interface{}) error {
	body, err := json.Marshal(map[string]interface{}{"phase": phase, "items": payload})
	if err != nil {
		return ocerrors.NewValidationError("marshal import payload", nil)
	}

	url := o.workerBase + "/api/import"
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return ocerrors.NewUnavailable("build import request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return ocerrors.NewUnavailable("post import", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if ocerrors.IsPermanent(resp.StatusCode) {
		return ocerrors.NewAPIError(resp.StatusCode, "IMPORT_REJECTED", fmt.Sprintf("worker rejected %s import", phase), nil)
	}
	return ocerrors.NewUnavailable(fmt.Sprintf("worker import %s failed with status %d", phase, resp.StatusCode), nil)
}

// recordFailures applies the retry/backoff schedule from spec §4.5 to each
// row in the failed batch.
func (o *Outbox) recordFailures(ids []string, attempts []int, cause error) {
	log := logging.Get(logging.CategoryOutbox)
	maxAttempts := o.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	baseMs := o.cfg.BackoffBaseMs
	if baseMs <= 0 {
		baseMs = 5000
	}
	capMs := o.cfg.BackoffCapMs
	if capMs <= 0 {
		capMs = 30 * 60 * 1000
	}

	permanent := false
	if apiErr, ok := cause.(*ocerrors.Error); ok && apiErr.Category == ocerrors.APIError {
		permanent = true
	}

	lastErr := cause.Error()
	if len(lastErr) > 500 {
		lastErr = lastErr[:500]
	}

	for i, id := range ids {
		newAttempts := attempts[i] + 1
		if permanent || newAttempts >= maxAttempts {
			if _, err := o.db.Exec(`UPDATE pending_observations SET attempts=?, status='dead', last_error=? WHERE id=?`,
				newAttempts, lastErr, id); err != nil {
				log.Error("mark dead for %s: %v", id, err)
			}
			continue
		}
		delayMs := math.Min(math.Pow(2, float64(newAttempts))*float64(baseMs), float64(capMs))
		nextAttempt := time.Now().Add(time.Duration(delayMs) * time.Millisecond).UTC().Format(time.RFC3339)
		if _, err := o.db.Exec(`UPDATE pending_observations SET attempts=?, next_attempt_at=?, last_error=? WHERE id=?`,
			newAttempts, nextAttempt, lastErr, id); err != nil {
			log.Error("reschedule %s: %v", id, err)
		}
	}
}

func placeholders(n int) string {
	var b bytes.Buffer
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("?")
	}
	return b.String()
}

func toArgs(ids []string) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// DrainOnceSync synchronously drains (used by the CLI's `outbox drain`
// subcommand and tests, where the async fire-and-forget triggered by Push
// would otherwise race the caller's assertions).
func (o *Outbox) DrainOnceSync(ctx context.Context) {
	o.drainOnce(ctx)
}
