package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"claudemem/internal/ids"
	"claudemem/internal/logging"
	"claudemem/internal/ocerrors"
	"claudemem/internal/router"
	"claudemem/internal/types"
)

const maxRequestBodySize = 1 << 20 // 1 MB, matches the pack's readJSON guard

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeAPIError renders the normalized {code, message, details?} envelope
// spec §9 calls for: implementers should normalize any upstream error
// shape to this one rather than propagate the worker's raw body.
func writeAPIError(w http.ResponseWriter, status int, code, message string, details []string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
		"details": details,
	})
}

func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body", []string{err.Error()})
		return v, false
	}
	return v, true
}

// handleHealth serves GET /api/health (spec §6).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      string(types.HealthOK),
		"build":       BuildVersion,
		"initialized": true,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}

// importSession mirrors one element of the import request's sessions[].
type importSession struct {
	SessionID string `json:"session_id"`
	Source    string `json:"source"`
	Project   string `json:"project"`
}

// importObservation mirrors one element of the import request's
// observations[] -- the same shape the Outbox's SQLite-mirror drain path
// posts (spec §4.5).
type importObservation struct {
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

type importRequest struct {
	Sessions     []importSession     `json:"sessions,omitempty"`
	Observations []importObservation `json:"observations,omitempty"`
}

// handleImport serves POST /api/import (spec §4.5, §6): sessions are
// accepted for bookkeeping only (sessions are created on first
// observation per spec §3); observations are appended into the same
// outbox JSONL directory the Ingestor polls, converging the HTTP-fronted
// drain path and the file-polling ingest path on one promotion pipeline.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	log := logging.Get(logging.CategoryHTTP)
	req, ok := readJSON[importRequest](w, r)
	if !ok {
		return
	}

	var rejected []string
	for _, obs := range req.Observations {
		if obs.Project == "" {
			rejected = append(rejected, fmt.Sprintf("observation %s missing project", obs.ID))
			continue
		}
		canonical, err := ids.CanonicalizePath(obs.Project)
		if err != nil {
			rejected = append(rejected, fmt.Sprintf("observation %s: %v", obs.ID, err))
			continue
		}
		ts, err := time.Parse(time.RFC3339, obs.Timestamp)
		if err != nil {
			ts = time.Now().UTC()
		}
		rec := types.OutboxRecord{
			ID:        obs.ID,
			SessionID: obs.SessionID,
			Source:    obs.Source,
			Project:   canonical,
			Cwd:       obs.Cwd,
			Tool:      obs.Tool,
			Title:     obs.Title,
			Type:      obs.Type,
			Narrative: obs.Narrative,
			Concepts:  obs.Concepts,
			Facts:     obs.Facts,
			Content:   obs.Content,
			Timestamp: ts,
		}
		if !s.ob.Import(canonical, rec) {
			rejected = append(rejected, fmt.Sprintf("observation %s: append failed", obs.ID))
		}
	}

	if len(rejected) > 0 && len(rejected) == len(req.Observations) && len(req.Observations) > 0 {
		log.Error("import rejected all %d observations", len(rejected))
		writeAPIError(w, http.StatusBadRequest, "IMPORT_REJECTED", "all observations rejected", rejected)
		return
	}
	if len(rejected) > 0 {
		log.Warn("import partially rejected: %v", rejected)
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": len(req.Observations) - len(rejected), "rejected": rejected})
}

// contentEnvelope is the {content:[{type,text}]} shape every read
// endpoint returns (spec §6).
type contentEnvelope struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func renderResults(results []router.Result) contentEnvelope {
	var b strings.Builder
	for _, res := range results {
		o := res.Observation
		fmt.Fprintf(&b, "## [%s] %s\n%s\n\n", o.Type, o.Title, o.Narrative)
	}
	return contentEnvelope{Content: []contentBlock{{Type: "text", Text: b.String()}}}
}

func parseLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

// resolveProject canonicalizes and validates the ?project= query param,
// rejecting anything that fails the same allow-listed-root check the
// Ingestor applies (spec §4.7).
func resolveProject(r *http.Request) (string, *ocerrors.Error) {
	project := r.URL.Query().Get("project")
	if project == "" {
		return "", ocerrors.NewValidationError("project query parameter is required", nil)
	}
	canonical, err := ids.CanonicalizePath(project)
	if err != nil {
		return "", ocerrors.NewValidationError("canonicalize project path", []string{err.Error()})
	}
	return canonical, nil
}

// handleContextRecent serves GET /api/context/recent?project=&limit= (spec §6).
func (s *Server) handleContextRecent(w http.ResponseWriter, r *http.Request) {
	project, verr := resolveProject(r)
	if verr != nil {
		writeAPIError(w, http.StatusBadRequest, "VALIDATION_ERROR", verr.Message, verr.Details)
		return
	}
	rt, err := s.routerFor(project)
	if err != nil {
		writeAPIError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "open project store", []string{err.Error()})
		return
	}
	results, err := rt.Recent(parseLimit(r))
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "QUERY_FAILED", "recent query failed", []string{err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, renderResults(results))
}

// handleSearch serves GET /api/search?query=&limit= over the project
// scope (spec §6).
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	project, verr := resolveProject(r)
	if verr != nil {
		writeAPIError(w, http.StatusBadRequest, "VALIDATION_ERROR", verr.Message, verr.Details)
		return
	}
	query := r.URL.Query().Get("query")
	if query == "" {
		writeAPIError(w, http.StatusBadRequest, "VALIDATION_ERROR", "query parameter is required", nil)
		return
	}
	rt, err := s.routerFor(project)
	if err != nil {
		writeAPIError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "open project store", []string{err.Error()})
		return
	}
	results, err := rt.Query(query, router.Options{Scope: router.ScopeProject, Limit: parseLimit(r)})
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "QUERY_FAILED", "search query failed", []string{err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, renderResults(results))
}

// handleSearchObservations serves GET
// /api/search/observations?query=&project=&limit=&types=t1,t2 (spec §6).
func (s *Server) handleSearchObservations(w http.ResponseWriter, r *http.Request) {
	project, verr := resolveProject(r)
	if verr != nil {
		writeAPIError(w, http.StatusBadRequest, "VALIDATION_ERROR", verr.Message, verr.Details)
		return
	}
	query := r.URL.Query().Get("query")
	if query == "" {
		writeAPIError(w, http.StatusBadRequest, "VALIDATION_ERROR", "query parameter is required", nil)
		return
	}
	var obsTypes []types.ObservationType
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			obsTypes = append(obsTypes, types.ObservationType(strings.TrimSpace(t)))
		}
	}
	rt, err := s.routerFor(project)
	if err != nil {
		writeAPIError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "open project store", []string{err.Error()})
		return
	}
	results, err := rt.Query(query, router.Options{Scope: router.ScopeProject, Limit: parseLimit(r), Types: obsTypes})
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "QUERY_FAILED", "search query failed", []string{err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, renderResults(results))
}

// handleShutdown serves POST /api/shutdown, the probe worker.Manager's
// shutdown() issues before a forced restart (spec §4.6). It acknowledges
// immediately, then signals Serve's select loop to begin a graceful
// net/http shutdown once the response has flushed, so a subsequent
// EnsureRunning spawn does not race the old process for the listen port.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "shutting_down"})
	go s.requestShutdown()
}
