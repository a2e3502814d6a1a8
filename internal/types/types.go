// Package types provides the shared data model for the memory substrate:
// Observation, Session, Project Registry Entry, Relationship, and Session
// Summary. It exists to break import cycles between store, ingest, router,
// hybrid, graph, and manifest.
package types

import "time"

// ObservationType tags what kind of tool-execution record an Observation
// represents.
type ObservationType string

const (
	TypeDecision  ObservationType = "decision"
	TypeBugfix    ObservationType = "bugfix"
	TypeFeature   ObservationType = "feature"
	TypeRefactor  ObservationType = "refactor"
	TypeDiscovery ObservationType = "discovery"
	TypeChange    ObservationType = "change"
	TypeSummary   ObservationType = "summary"
)

// AlwaysRecordTypes are recorded regardless of narrative length.
var AlwaysRecordTypes = map[ObservationType]bool{
	TypeDecision: true,
	TypeBugfix:   true,
	TypeFeature:  true,
}

// AlwaysRecordTools bypasses the narrative-length gate regardless of type.
var AlwaysRecordTools = map[string]bool{
	"user_prompt":     true,
	"command":         true,
	"session_summary": true,
}

// ImportanceTier is the coarse bucket derived from a 0-100 importance score.
type ImportanceTier string

const (
	TierCritical ImportanceTier = "critical"
	TierHigh     ImportanceTier = "high"
	TierMedium   ImportanceTier = "medium"
	TierLow      ImportanceTier = "low"
)

// TierForScore maps a 0-100 score to its tier per spec §4.2.
func TierForScore(score float64) ImportanceTier {
	switch {
	case score >= 90:
		return TierCritical
	case score >= 70:
		return TierHigh
	case score >= 40:
		return TierMedium
	default:
		return TierLow
	}
}

// RelationshipType enumerates the directed edge kinds in the knowledge graph.
type RelationshipType string

const (
	RelReferences   RelationshipType = "references"
	RelExtends      RelationshipType = "extends"
	RelConflictsWith RelationshipType = "conflicts_with"
	RelDependsOn    RelationshipType = "depends_on"
	RelFollows      RelationshipType = "follows"
	RelModifies     RelationshipType = "modifies"
)

// ValidRelationshipTypes supports the CHECK(...) constraint mirrored in Go
// for pre-insert validation.
var ValidRelationshipTypes = map[RelationshipType]bool{
	RelReferences: true, RelExtends: true, RelConflictsWith: true,
	RelDependsOn: true, RelFollows: true, RelModifies: true,
}

// DeonticSource is the authority a directive was classified under.
type DeonticSource string

const (
	SourceRoot      DeonticSource = "root"
	SourceUser      DeonticSource = "user"
	SourceMemory    DeonticSource = "memory"
	SourceAssistant DeonticSource = "assistant"
)

// Precedence returns the ladder rank (lower wins). Root(1) > User(2) >
// Memory(3); assistant is treated at memory's rank since it carries no
// elevated authority.
func (s DeonticSource) Precedence() int {
	switch s {
	case SourceRoot:
		return 1
	case SourceUser:
		return 2
	default:
		return 3
	}
}

// DeonticType classifies the normative force of a directive, or
// "informational"/"" when none was detected.
type DeonticType string

const (
	DeonticMust          DeonticType = "must"
	DeonticNever         DeonticType = "never"
	DeonticShould        DeonticType = "should"
	DeonticMay           DeonticType = "may"
	DeonticRule          DeonticType = "rule"
	DeonticConstraint    DeonticType = "constraint"
	DeonticInformational DeonticType = "informational"
)

// HealthStatus is the worker's self-reported liveness state.
type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// OCMetadata is the extensible bag attached to every Observation. Unknown
// keys are preserved verbatim on read and re-emitted on write (see
// internal/store's JSON round-trip helpers); the fields below are the
// declared core schema consumed directly by the memory subsystem.
type OCMetadata struct {
	ImportanceScore float64        `json:"importance_score"`
	ImportanceTier  ImportanceTier `json:"importance_tier"`
	Branch          string         `json:"branch,omitempty"`
	Scope           string         `json:"scope,omitempty"`
	DeonticType     DeonticType    `json:"deontic_type,omitempty"`
	ExecutionTimeMs int64          `json:"execution_time_ms,omitempty"`
	Success         *bool          `json:"success,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	ArchivedAt      *int64         `json:"archived_at,omitempty"`
	PromotedAt      *int64         `json:"promoted_at,omitempty"`

	// Extra holds any keys beyond the declared schema, preserved verbatim.
	Extra map[string]any `json:"-"`
}

// Observation is the central atom of the memory substrate (spec §3).
type Observation struct {
	ID              int64           `json:"id,omitempty"`
	ExternalID      string          `json:"external_id,omitempty"`
	SessionID       string          `json:"session_id"`
	Project         string          `json:"project"`
	Source          string          `json:"source"`
	Tool            string          `json:"tool"`
	Type            ObservationType `json:"type"`
	Title           string          `json:"title"`
	Subtitle        string          `json:"subtitle,omitempty"`
	Narrative       string          `json:"narrative"`
	Text            string          `json:"text,omitempty"`
	Facts           []string        `json:"facts,omitempty"`
	Concepts        []string        `json:"concepts,omitempty"`
	FilesRead       []string        `json:"files_read,omitempty"`
	FilesModified   []string        `json:"files_modified,omitempty"`
	PromptNumber    int             `json:"prompt_number,omitempty"`
	CreatedAt       string          `json:"created_at"`
	CreatedAtEpoch  int64           `json:"created_at_epoch"`
	OCMetadata      OCMetadata      `json:"oc_metadata"`
}

// NarrativeMinLen is the minimum length for a recorded narrative (spec §8).
const NarrativeMinLen = 10

// TitleMaxLen is the maximum title length (spec §3).
const TitleMaxLen = 80

// ShouldRecordObservation implements the boundary rule from spec §8: a
// narrative shorter than NarrativeMinLen is dropped unless the type is
// always-record or the tool bypasses the gate.
func ShouldRecordObservation(o Observation) bool {
	if len([]rune(o.Narrative)) >= NarrativeMinLen {
		return true
	}
	if AlwaysRecordTypes[o.Type] {
		return true
	}
	if AlwaysRecordTools[o.Tool] {
		return true
	}
	return false
}

// Session groups observations by time and source (spec §3).
type Session struct {
	SessionID    string     `json:"session_id"`
	Project      string     `json:"project"`
	Source       string     `json:"source"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Status       string     `json:"status"`
	PromptNumber int        `json:"prompt_number"`
}

// ProjectEntry is a row in the global project registry (spec §3).
type ProjectEntry struct {
	ProjectUUID       string    `json:"project_uuid"`
	AbsolutePath      string    `json:"absolute_path"`
	DisplayName       string    `json:"display_name"`
	LastSyncAt        time.Time `json:"last_sync_at"`
	ObservationCount  int64     `json:"observation_count"`
}

// Relationship is a directed, confidence-weighted graph edge (spec §3).
type Relationship struct {
	ID              int64             `json:"id,omitempty"`
	SourceID        int64             `json:"source_id"`
	TargetID        int64             `json:"target_id"`
	Type            RelationshipType  `json:"type"`
	Confidence      float64           `json:"confidence"`
	Metadata        map[string]any    `json:"metadata,omitempty"`
	CreatedAtEpoch  int64             `json:"created_at_epoch"`
}

// SessionSummary is the six-field end-of-session digest (spec §3). It is
// stored both as an Observation of type=summary and as a first-class row;
// TokenInvestment is vestigial per spec §9 (open question) and is only
// populated when the caller supplies it -- absence means "unknown", not
// zero.
type SessionSummary struct {
	SessionID       string `json:"session_id"`
	Request         string `json:"request"`
	Investigated    string `json:"investigated"`
	Learned         string `json:"learned"`
	Completed       string `json:"completed"`
	NextSteps       string `json:"next_steps"`
	Notes           string `json:"notes"`
	TokenInvestment *int64 `json:"token_investment,omitempty"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
	CreatedAtEpoch  int64  `json:"created_at_epoch"`
}

// OutboxRecord is a pending observation awaiting drain (spec §3, §4.5).
type OutboxRecord struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	Source        string    `json:"source"`
	Project       string    `json:"project"`
	Cwd           string    `json:"cwd"`
	Tool          string    `json:"tool"`
	Title         string    `json:"title"`
	Type          string    `json:"type"`
	Narrative     string    `json:"narrative"`
	Concepts      []string  `json:"concepts"`
	Facts         []string  `json:"facts"`
	Content       string    `json:"content"`
	Timestamp     time.Time `json:"timestamp"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	Status        string    `json:"status"` // pending | dead
}
