package lockfile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestTryAcquire_SecondAttemptFailsWhileHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.lock")
	l1 := New(path, 30*time.Second, 0)
	ok, err := l1.TryAcquire("worker")
	require.NoError(t, err)
	assert.True(t, ok)

	l2 := New(path, 30*time.Second, 0)
	ok2, err := l2.TryAcquire("worker")
	require.NoError(t, err)
	assert.False(t, ok2)

	require.NoError(t, l1.Release())
}

func TestTryAcquire_StaleLockByHeartbeatIsTaken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.lock")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))

	stale := Payload{PID: os.Getpid(), Hostname: hostname(), Source: "ingestor", Timestamp: time.Now().Add(-1 * time.Hour).UnixMilli()}
	data, _ := json.Marshal(stale)
	require.NoError(t, os.WriteFile(path, data, 0600))

	l := New(path, 15*time.Second, 0)
	ok, err := l.TryAcquire("ingestor")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, l.Release())
}

func TestTryAcquire_StaleLockByDeadPIDIsTaken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.lock")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))

	// A PID astronomically unlikely to be alive.
	dead := Payload{PID: 999999, Hostname: hostname(), Source: "worker", Timestamp: time.Now().UnixMilli()}
	data, _ := json.Marshal(dead)
	require.NoError(t, os.WriteFile(path, data, 0600))

	l := New(path, 30*time.Second, 0)
	ok, err := l.TryAcquire("worker")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, l.Release())
}

func TestTryAcquire_CorruptLockfileIsTaken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.lock")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	l := New(path, 15*time.Second, 0)
	ok, err := l.TryAcquire("ingestor")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, l.Release())
}

func TestRelease_OnlyRemovesOwnLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.lock")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))

	other := Payload{PID: os.Getpid() + 1, Hostname: "some-other-host", Source: "worker", Timestamp: time.Now().UnixMilli()}
	data, _ := json.Marshal(other)
	require.NoError(t, os.WriteFile(path, data, 0600))

	l := &Lock{path: path, held: true}
	require.NoError(t, l.Release())

	_, err := os.Stat(path)
	assert.NoError(t, err, "lock file owned by a different pid/host must survive Release")
}

func TestIsLive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.lock")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))

	l := New(path, 30*time.Second, 0)
	ok, err := l.TryAcquire("worker")
	require.NoError(t, err)
	require.True(t, ok)

	assert.True(t, IsLive(path, 30*time.Second))
	require.NoError(t, l.Release())
	assert.False(t, IsLive(path, 30*time.Second))
}

func TestHeartbeat_RefreshesTimestamp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.lock")
	l := New(path, 15*time.Second, 20*time.Millisecond)
	ok, err := l.TryAcquire("ingestor")
	require.NoError(t, err)
	require.True(t, ok)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var before Payload
	require.NoError(t, json.Unmarshal(data, &before))

	time.Sleep(60 * time.Millisecond)

	data, err = os.ReadFile(path)
	require.NoError(t, err)
	var after Payload
	require.NoError(t, json.Unmarshal(data, &after))

	assert.Greater(t, after.Timestamp, before.Timestamp)
	require.NoError(t, l.Release())
}
