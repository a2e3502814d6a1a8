package ingest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"claudemem/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testIngestCfg() config.IngestConfig {
	return config.IngestConfig{
		PollIntervalMs:    50,
		BatchSize:         100,
		IndexLockStaleSec: 15,
		HeartbeatSec:      5,
		WatchEnabled:      false,
	}
}

func writeJSONLEvent(t *testing.T, path string, e event) {
	t.Helper()
	line, err := json.Marshal(e)
	require.NoError(t, err)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	require.NoError(t, err)
}

func newDaemon(t *testing.T) (*Daemon, string) {
	t.Helper()
	home := t.TempDir()
	outbox := filepath.Join(home, "outbox")
	require.NoError(t, os.MkdirAll(outbox, 0755))

	// ingest_to_project only accepts allow-listed roots (spec §4.7), so the
	// sample project must live under the real home directory rather than
	// t.TempDir()'s (often /tmp-rooted) location.
	realHome, err := os.UserHomeDir()
	require.NoError(t, err)
	projectDir := filepath.Join(realHome, ".claudemem-ingest-test-"+t.Name())
	require.NoError(t, os.MkdirAll(projectDir, 0755))
	t.Cleanup(func() { os.RemoveAll(projectDir) })

	d, err := New(testIngestCfg(), home, outbox, filepath.Join(home, "global.db"))
	require.NoError(t, err)
	require.NoError(t, d.Start())
	t.Cleanup(d.Stop)
	return d, projectDir
}

func TestProcessFile_MovesFileOnSuccessAndPopulatesStore(t *testing.T) {
	d, projectDir := newDaemon(t)

	path := filepath.Join(d.outboxDir, "observations-2026-07-31.jsonl")

	e := event{ProjectPath: projectDir}
	e.ID = "evt-1"
	e.SessionID = "sess-1"
	e.Source = "opencode"
	e.Project = projectDir
	e.Cwd = projectDir
	e.Tool = "edit"
	e.Title = "fixed bug"
	e.Type = "bugfix"
	e.Narrative = "Fixed an off-by-one in the batch drain loop."
	e.Timestamp = time.Now()
	writeJSONLEvent(t, path, e)

	d.tick(context.Background())

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "source file should have moved to processed/")

	processedDir := filepath.Join(d.outboxDir, "processed")
	entries, err := os.ReadDir(processedDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	ps, err := d.projectStore(mustCanonical(t, projectDir))
	require.NoError(t, err)
	n, err := ps.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func mustCanonical(t *testing.T, path string) string {
	t.Helper()
	c, err := hardenPath(path)
	require.NoError(t, err)
	return c
}

func TestProcessFile_MalformedLinesSkippedNotFatal(t *testing.T) {
	d, projectDir := newDaemon(t)
	path := filepath.Join(d.outboxDir, "observations-2026-07-31.jsonl")

	f, err := os.Create(path)
	require.NoError(t, err)
	_, _ = f.WriteString("{not json}\n")
	e := event{ProjectPath: projectDir}
	e.SessionID = "sess-2"
	e.Narrative = "A valid line following a malformed one."
	e.Timestamp = time.Now()
	line, _ := json.Marshal(e)
	_, _ = f.Write(append(line, '\n'))
	f.Close()

	d.tick(context.Background())

	processedDir := filepath.Join(d.outboxDir, "processed")
	entries, err := os.ReadDir(processedDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "file with one valid event should still be processed")
}

func TestProcessFile_MultipleProjectsBothIngested(t *testing.T) {
	d, projectDir := newDaemon(t)

	realHome, err := os.UserHomeDir()
	require.NoError(t, err)
	projectDir2 := filepath.Join(realHome, ".claudemem-ingest-test-"+t.Name()+"-2")
	require.NoError(t, os.MkdirAll(projectDir2, 0755))
	t.Cleanup(func() { os.RemoveAll(projectDir2) })

	path := filepath.Join(d.outboxDir, "observations-2026-07-31.jsonl")
	for i, dir := range []string{projectDir, projectDir2} {
		e := event{ProjectPath: dir}
		e.ID = "evt-multi-" + dir
		e.SessionID = "sess-multi"
		e.Project = dir
		e.Narrative = "Observation in project group " + string(rune('a'+i))
		e.Timestamp = time.Now()
		writeJSONLEvent(t, path, e)
	}

	d.tick(context.Background())

	for _, dir := range []string{projectDir, projectDir2} {
		ps, err := d.projectStore(mustCanonical(t, dir))
		require.NoError(t, err)
		n, err := ps.Count()
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, "project %s should have received its own group's observation", dir)
	}
}

func TestHardenPath_RejectsDotDot(t *testing.T) {
	home, _ := os.UserHomeDir()
	_, err := hardenPath(home + "/../../etc")
	assert.Error(t, err)
}

func TestHardenPath_RejectsOutsideAllowlist(t *testing.T) {
	_, err := hardenPath("/opt/weird-location")
	assert.Error(t, err)
}

func TestDaemon_RunStopsOnContextCancel(t *testing.T) {
	d, _ := newDaemon(t)
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	err := d.Run(ctx)
	assert.NoError(t, err)
}
