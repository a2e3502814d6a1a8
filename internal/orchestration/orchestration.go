// Package orchestration implements the task-level state machine from
// spec §4.13: legal transitions, optimistic-lock persistence to
// .oc/orchestration-<task_id>.json, and confined error-recovery rollback.
package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"claudemem/internal/logging"
	"claudemem/internal/ocerrors"
)

// State is one node in the orchestration state machine.
type State string

const (
	StateIdle               State = "idle"
	StateContextAssembly    State = "context-assembly"
	StatePlanning           State = "planning"
	StateExecution          State = "execution"
	StateGuardrailValidation State = "guardrail-validation"
	StateVerification       State = "verification"
	StateReview             State = "review"
	StateCompletion         State = "completion"
	StateError              State = "error"
)

// transitions is the legal-move table from spec §4.13. Every state may
// additionally transition to StateError (checked separately in CanTransition).
var transitions = map[State]map[State]bool{
	StateIdle:               {StateContextAssembly: true},
	StateContextAssembly:    {StatePlanning: true},
	StatePlanning:           {StateExecution: true},
	StateExecution:          {StateGuardrailValidation: true, StateVerification: true, StateCompletion: true},
	StateGuardrailValidation: {StateVerification: true, StateReview: true},
	StateVerification:       {StateReview: true, StateCompletion: true},
	StateReview:             {StateCompletion: true},
	StateCompletion:         {StateIdle: true},
	StateError:              {StateIdle: true, StateContextAssembly: true},
}

// CanTransition reports whether from->to is legal per spec §4.13. Any
// state may transition to StateError.
func CanTransition(from, to State) bool {
	if to == StateError {
		return true
	}
	return transitions[from][to]
}

// Record is the persisted orchestration document for one task.
type Record struct {
	TaskID    string         `json:"task_id"`
	State     State          `json:"state"`
	Version   int64          `json:"version"`
	Artifacts map[string]any `json:"artifacts"`
	FailedPhase State        `json:"failed_phase,omitempty"`
	LastError string         `json:"last_error,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Machine guards one task's Record with a persistence path and a mutex,
// matching the teacher's mutex-guarded orchestrator struct pattern.
type Machine struct {
	mu          sync.Mutex
	path        string
	projectRoot string
	record      Record
}

// Open loads the persisted record for taskID under projectRoot/.oc, or
// initializes a fresh idle record if none exists.
func Open(projectRoot, taskID string) (*Machine, error) {
	path := filepath.Join(projectRoot, ".oc", fmt.Sprintf("orchestration-%s.json", taskID))
	m := &Machine{path: path, projectRoot: projectRoot}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			m.record = Record{TaskID: taskID, State: StateIdle, Version: 0, Artifacts: map[string]any{}}
			return m, nil
		}
		return nil, ocerrors.NewFatal("read orchestration record", err)
	}
	if err := json.Unmarshal(data, &m.record); err != nil {
		return nil, ocerrors.NewCorruption("parse orchestration record", err)
	}
	return m, nil
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record.State
}

// Transition validates legality, bumps the monotonic version, merges
// artifacts, and persists under an optimistic-lock check (spec §4.13).
func (m *Machine) Transition(to State, artifacts map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !CanTransition(m.record.State, to) {
		return ocerrors.NewValidationError(
			fmt.Sprintf("illegal transition %s -> %s", m.record.State, to), nil)
	}

	next := m.record
	next.State = to
	next.Version = m.record.Version + 1
	next.UpdatedAt = time.Now()
	if next.Artifacts == nil {
		next.Artifacts = map[string]any{}
	}
	for k, v := range artifacts {
		next.Artifacts[k] = v
	}

	if err := m.persist(next); err != nil {
		return err
	}
	m.record = next
	return nil
}

// persist implements the optimistic-lock check from spec §4.13: reject a
// write whose on-disk version is already >= the new version.
func (m *Machine) persist(next Record) error {
	if data, err := os.ReadFile(m.path); err == nil {
		var onDisk Record
		if json.Unmarshal(data, &onDisk) == nil && onDisk.Version >= next.Version {
			return ocerrors.NewLockContention(
				fmt.Sprintf("on-disk version %d >= new version %d", onDisk.Version, next.Version), nil)
		}
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return ocerrors.NewFatal("mkdir orchestration dir", err)
	}
	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

// HandleError records the failed phase, persists an Error transition, and
// when rollback is requested executes a project-root-confined
// `git reset --hard HEAD && git clean -fd`, but only if there are tracked
// or untracked changes (spec §4.13).
func (m *Machine) HandleError(ctx context.Context, cause error, rollback bool) error {
	log := logging.Get(logging.CategoryOrchestration)

	m.mu.Lock()
	failedPhase := m.record.State
	if !CanTransition(failedPhase, StateError) {
		m.mu.Unlock()
		return ocerrors.NewValidationError(
			fmt.Sprintf("illegal transition %s -> %s", failedPhase, StateError), nil)
	}

	next := m.record
	next.State = StateError
	next.Version = m.record.Version + 1
	next.UpdatedAt = time.Now()
	next.FailedPhase = failedPhase
	next.LastError = cause.Error()
	if next.Artifacts == nil {
		next.Artifacts = map[string]any{}
	}

	if err := m.persist(next); err != nil {
		m.mu.Unlock()
		return err
	}
	m.record = next
	m.mu.Unlock()

	if !rollback {
		return nil
	}

	dirty, err := hasChanges(ctx, m.projectRoot)
	if err != nil {
		log.Warn("could not determine git status for rollback: %v", err)
		return nil
	}
	if !dirty {
		log.Debug("no tracked or untracked changes, skipping rollback")
		return nil
	}

	log.Warn("rolling back %s after error in phase %s: %v", m.projectRoot, failedPhase, cause)
	if err := runGit(ctx, m.projectRoot, "reset", "--hard", "HEAD"); err != nil {
		return ocerrors.NewFatal("git reset --hard HEAD", err)
	}
	if err := runGit(ctx, m.projectRoot, "clean", "-fd"); err != nil {
		return ocerrors.NewFatal("git clean -fd", err)
	}
	return nil
}

func hasChanges(ctx context.Context, root string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
	cmd.Dir = root
	out, err := cmd.Output()
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(out)) != "", nil
}

func runGit(ctx context.Context, root string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = root
	return cmd.Run()
}
