package lifecycle

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTarget struct{ n int }

func (c *countingTarget) CollectGarbage() { c.n++ }

func TestGCTickerFiresOnEventThreshold(t *testing.T) {
	target := &countingTarget{}
	gc := NewGCTicker(target)
	gc.lastRun = time.Now() // wall-clock trigger not due yet

	for i := 0; i < gcEventThreshold; i++ {
		gc.NoteEvent()
	}
	gc.tick()

	assert.Equal(t, 1, target.n)
	assert.Equal(t, 0, gc.eventCount, "both triggers reset together")
}

func TestGCTickerDoesNotFireBelowThreshold(t *testing.T) {
	target := &countingTarget{}
	gc := NewGCTicker(target)
	gc.lastRun = time.Now()

	gc.NoteEvent()
	gc.tick()

	assert.Equal(t, 0, target.n)
}

func TestGCTickerFiresOnWallClockDeadline(t *testing.T) {
	target := &countingTarget{}
	gc := NewGCTicker(target)
	gc.lastRun = time.Now().Add(-2 * gcWallClockDeadline)

	gc.tick()
	assert.Equal(t, 1, target.n)
}

func TestWorkingDirCreatedWithRestrictedMode(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "workdir")
	sup := New(Config{WorkingDir: dir})

	require.NoError(t, sup.ensureWorkingDir())

	fi, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
	assert.Equal(t, os.FileMode(0700), fi.Mode().Perm())
}

func TestStalePIDFileIsRemoved(t *testing.T) {
	dir := t.TempDir()
	sup := New(Config{WorkingDir: dir})

	// A PID that's astronomically unlikely to be alive.
	require.NoError(t, os.WriteFile(sup.pidFilePath(), []byte("999999999"), 0600))

	stale, err := sup.checkStaleInstance()
	require.NoError(t, err)
	assert.True(t, stale)

	_, statErr := os.Stat(sup.pidFilePath())
	assert.True(t, os.IsNotExist(statErr))
}

func TestCorruptPIDFileTreatedAsStale(t *testing.T) {
	dir := t.TempDir()
	sup := New(Config{WorkingDir: dir})

	require.NoError(t, os.WriteFile(sup.pidFilePath(), []byte("not-a-pid"), 0600))

	stale, err := sup.checkStaleInstance()
	require.NoError(t, err)
	assert.True(t, stale)
}

func TestRunningInstanceRefusesStart(t *testing.T) {
	dir := t.TempDir()
	sup := New(Config{WorkingDir: dir})

	require.NoError(t, os.WriteFile(sup.pidFilePath(), []byte(strconv.Itoa(os.Getpid())), 0600))

	_, err := sup.checkStaleInstance()
	assert.Error(t, err)
}

func TestRecoverFromCrashQuarantinesAllStatePaths(t *testing.T) {
	dir := t.TempDir()
	sup := New(Config{WorkingDir: dir})

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "namedb"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "namedb", "CURRENT"), []byte("x"), 0600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "zonefiles"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "zonefiles", "blob"), []byte("y"), 0600))

	require.NoError(t, sup.recoverFromCrash())

	_, err := os.Stat(filepath.Join(dir, "namedb"))
	assert.True(t, os.IsNotExist(err), "namedb must be quarantined, not left in place")
	_, err = os.Stat(filepath.Join(dir, "zonefiles"))
	assert.True(t, os.IsNotExist(err), "zonefiles must be quarantined, not left in place")

	matches, err := filepath.Glob(filepath.Join(dir, "crash.*"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	_, err = os.Stat(filepath.Join(matches[0], "namedb", "CURRENT"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(matches[0], "zonefiles", "blob"))
	assert.NoError(t, err)
}

func TestRecoverFromCrashRestoresLastBackup(t *testing.T) {
	dir := t.TempDir()
	sup := New(Config{WorkingDir: dir})

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "backup", "namedb"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "backup", "namedb", "CURRENT"), []byte("good"), 0600))

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "namedb"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "namedb", "CURRENT"), []byte("crashed"), 0600))

	require.NoError(t, sup.recoverFromCrash())

	data, err := os.ReadFile(filepath.Join(dir, "namedb", "CURRENT"))
	require.NoError(t, err)
	assert.Equal(t, "good", string(data))
}

func TestCreateBackupThenRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sup := New(Config{WorkingDir: dir})

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "namedb"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "namedb", "CURRENT"), []byte("v1"), 0600))

	require.NoError(t, sup.createBackup())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "namedb", "CURRENT"), []byte("v2-crashed"), 0600))
	require.NoError(t, sup.recoverFromCrash())

	data, err := os.ReadFile(filepath.Join(dir, "namedb", "CURRENT"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
}

func TestInstanceIDPersistsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	sup := New(Config{WorkingDir: dir})

	id1, err := sup.ensureInstanceID()
	require.NoError(t, err)
	assert.NotEmpty(t, id1)

	sup2 := New(Config{WorkingDir: dir})
	id2, err := sup2.ensureInstanceID()
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestIndexingFlagRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sup := New(Config{WorkingDir: dir})

	require.NoError(t, sup.MarkIndexingStarted())
	_, err := os.Stat(filepath.Join(dir, indexingFlagFile))
	require.NoError(t, err)

	require.NoError(t, sup.MarkIndexingStopped())
	_, err = os.Stat(filepath.Join(dir, indexingFlagFile))
	assert.True(t, os.IsNotExist(err))
}
