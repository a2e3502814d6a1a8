// Package lockfile implements the two advisory, file-based, heartbeat-
// refreshed cross-process locks from spec §4.4: the worker startup lock
// and the ingestor's index lock. Both share the same on-disk schema and
// staleness discipline; only the default stale threshold differs.
package lockfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"claudemem/internal/logging"
	"claudemem/internal/ocerrors"
)

// Payload is the JSON body written into a lock file.
type Payload struct {
	PID       int    `json:"pid"`
	Hostname  string `json:"hostname"`
	Source    string `json:"source"`
	Timestamp int64  `json:"timestamp"` // unix millis
}

// Lock is a held or held-attempt handle on a single lock file.
type Lock struct {
	path          string
	staleAfter    time.Duration
	heartbeatEvery time.Duration

	mu       sync.Mutex
	held     bool
	stopHB   chan struct{}
	hbDone   chan struct{}
}

// New constructs a Lock bound to path. staleAfter is the liveness
// threshold (30s for the worker lock, 15s for the index lock, per
// spec §4.4); heartbeatEvery governs the refresh cadence while held (the
// index lock refreshes every 5s).
func New(path string, staleAfter, heartbeatEvery time.Duration) *Lock {
	return &Lock{path: path, staleAfter: staleAfter, heartbeatEvery: heartbeatEvery}
}

// hostname is overridable in tests.
var hostname = func() string {
	h, _ := os.Hostname()
	return h
}

// pidAlive reports whether pid is a live process on this host, using the
// "signal 0" liveness probe (spec §4.4), gated to same-host checks by the
// caller (it never inspects Hostname itself -- see isStale).
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}

func (l *Lock) readPayload() (*Payload, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, ocerrors.NewCorruption("lockfile payload unparseable", err)
	}
	return &p, nil
}

// isStale reports whether the existing lock should be treated as
// abandoned: either its recorded process is not alive on this host, or
// its heartbeat is older than staleAfter. A corrupted lockfile is treated
// as stale too ("take the lock", spec §7).
func (l *Lock) isStale(p *Payload, corruptErr error) bool {
	if corruptErr != nil {
		return true
	}
	if p.Hostname == hostname() && !pidAlive(p.PID) {
		return true
	}
	age := time.Since(time.UnixMilli(p.Timestamp))
	return age > l.staleAfter
}

// TryAcquire attempts a single check-and-unlink-if-stale-then-exclusive-
// create pass. It does not retry; the caller owns retry/backoff policy
// (spec §4.4: "retry on collision is the caller's responsibility").
func (l *Lock) TryAcquire(source string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, err := l.readPayload(); err == nil {
		if l.isStale(existing, nil) {
			logging.Get(logging.CategoryLock).Warn("removing stale lock %s (pid=%d host=%s)", l.path, existing.PID, existing.Hostname)
			_ = os.Remove(l.path)
		}
	} else if !os.IsNotExist(err) {
		// Corrupted lockfile: take the lock.
		logging.Get(logging.CategoryLock).Warn("corrupt lockfile %s, taking it: %v", l.path, err)
		_ = os.Remove(l.path)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return false, ocerrors.NewFatal("create lock dir", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, ocerrors.NewLockContention("create lockfile", err)
	}
	defer f.Close()

	payload := Payload{PID: os.Getpid(), Hostname: hostname(), Source: source, Timestamp: time.Now().UnixMilli()}
	data, _ := json.Marshal(payload)
	if _, err := f.Write(data); err != nil {
		_ = os.Remove(l.path)
		return false, ocerrors.NewLockContention("write lockfile", err)
	}

	l.held = true
	if l.heartbeatEvery > 0 {
		l.startHeartbeat()
	}
	return true, nil
}

func (l *Lock) startHeartbeat() {
	l.stopHB = make(chan struct{})
	l.hbDone = make(chan struct{})
	go func() {
		defer close(l.hbDone)
		ticker := time.NewTicker(l.heartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-l.stopHB:
				return
			case <-ticker.C:
				if err := l.refresh(); err != nil {
					logging.Get(logging.CategoryLock).Error("heartbeat failed for %s: %v -- releasing and terminating", l.path, err)
					l.selfTerminate()
					return
				}
			}
		}
	}()
}

func (l *Lock) refresh() error {
	payload := Payload{PID: os.Getpid(), Hostname: hostname(), Timestamp: time.Now().UnixMilli()}
	if existing, err := l.readPayload(); err == nil {
		payload.Source = existing.Source
	}
	data, _ := json.Marshal(payload)
	return os.WriteFile(l.path, data, 0600)
}

// selfTerminate is invoked from inside the heartbeat goroutine itself when a
// refresh fails. Unlike releaseLocked (used by Release, called from other
// goroutines), it must not wait on hbDone -- that channel is only closed by
// this very goroutine's own deferred close, and waiting on it here would
// deadlock.
func (l *Lock) selfTerminate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return
	}
	l.held = false
	l.stopHB = nil
	l.hbDone = nil
	if p, err := l.readPayload(); err == nil && p.PID != os.Getpid() {
		return
	}
	_ = os.Remove(l.path)
}

// Release releases the lock: stops the heartbeat and removes the file,
// but only if this process's PID still owns it (spec §5: "the Ingestor
// validates its own PID before releasing a lock").
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.releaseLocked()
}

func (l *Lock) releaseLocked() error {
	if !l.held {
		return nil
	}
	if l.stopHB != nil {
		close(l.stopHB)
		<-l.hbDone
		l.stopHB = nil
		l.hbDone = nil
	}
	l.held = false

	if p, err := l.readPayload(); err == nil {
		if p.PID != os.Getpid() {
			return nil // not ours anymore, don't touch it
		}
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock %s: %w", l.path, err)
	}
	return nil
}

// Held reports whether this handle currently holds the lock.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// IsLive reports whether the lock at path is currently held by a live
// holder (used for read-only liveness checks, e.g. health-poll fallback).
func IsLive(path string, staleAfter time.Duration) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return false
	}
	l := &Lock{staleAfter: staleAfter}
	return !l.isStale(&p, nil)
}
