package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetGlobals(t *testing.T) {
	t.Cleanup(func() {
		CloseAll()
		logsDir = ""
		cfg = Config{}
	})
}

func TestInitialize_ProductionModeIsNoOp(t *testing.T) {
	resetGlobals(t)
	dir := t.TempDir()

	require.NoError(t, Initialize(dir, Config{DebugMode: false}))

	_, err := os.Stat(filepath.Join(dir, "logs"))
	assert.True(t, os.IsNotExist(err), "logs dir should not be created in production mode")
}

func TestInitialize_DebugModeCreatesLogFile(t *testing.T) {
	resetGlobals(t)
	dir := t.TempDir()

	require.NoError(t, Initialize(dir, Config{DebugMode: true, Level: "debug"}))
	Get(CategoryOutbox).Info("hello %s", "world")

	entries, err := os.ReadDir(filepath.Join(dir, "logs"))
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestIsCategoryEnabled_PerCategoryToggle(t *testing.T) {
	resetGlobals(t)
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, Config{
		DebugMode:  true,
		Categories: map[string]bool{string(CategoryOutbox): false},
	}))

	assert.False(t, IsCategoryEnabled(CategoryOutbox))
	assert.True(t, IsCategoryEnabled(CategoryIngest), "unlisted categories default to enabled")
}

func TestErrorAlwaysLogsRegardlessOfLevel(t *testing.T) {
	resetGlobals(t)
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, Config{DebugMode: true, Level: "error"}))

	l := Get(CategoryWorker)
	l.Debug("should not appear")
	l.Error("should appear")

	data, err := os.ReadFile(l.file.Name())
	require.NoError(t, err)
	assert.Contains(t, string(data), "should appear")
	assert.NotContains(t, string(data), "should not appear")
}

func TestTimerStopWithThreshold(t *testing.T) {
	resetGlobals(t)
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, Config{DebugMode: true, Level: "debug"}))

	timer := StartTimer(CategoryIngest, "poll-tick")
	elapsed := timer.StopWithThreshold(0)
	assert.GreaterOrEqual(t, elapsed.Nanoseconds(), int64(0))
}
