package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthive/orchestrator/common/faults"
)

type testLogger struct {
	t *testing.T
}

func (l *testLogger) Info(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[INFO] %s %v", msg, keysAndValues)
}

func (l *testLogger) Error(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[ERROR] %s %v", msg, keysAndValues)
}

func (l *testLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[WARN] %s %v", msg, keysAndValues)
}

func (l *testLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[DEBUG] %s %v", msg, keysAndValues)
}

func newTestManager(t *testing.T) *Manager {
	base := t.TempDir()
	return NewManager(filepath.Join(base, "workspaces"), filepath.Join(base, "memory"), 7, &testLogger{t})
}

func TestJobDirLayout(t *testing.T) {
	m := newTestManager(t)

	dir, err := m.JobDir("acme", "job-1")
	require.NoError(t, err)
	assert.DirExists(t, dir)
	assert.Equal(t, filepath.Join(m.root, "acme", "job-1"), dir)

	// idempotent
	again, err := m.JobDir("acme", "job-1")
	require.NoError(t, err)
	assert.Equal(t, dir, again)
}

func TestMemoryDirLayout(t *testing.T) {
	m := newTestManager(t)

	dir, err := m.MemoryDir("acme")
	require.NoError(t, err)
	assert.DirExists(t, dir)
	assert.Equal(t, filepath.Join(m.memoryRoot, "acme"), dir)
}

func TestArtifactPrefix(t *testing.T) {
	m := newTestManager(t)

	prefix, err := m.ArtifactPrefix("acme", "job-1")
	require.NoError(t, err)
	assert.Equal(t, "acme/jobs/job-1", prefix)
}

func TestUnvalidatedIdentifiersAreSecurityFaults(t *testing.T) {
	m := newTestManager(t)

	_, err := m.JobDir("../evil", "job-1")
	assert.Equal(t, faults.KindSecurity, faults.KindOf(err))

	_, err = m.JobDir("acme", "job/../../escape")
	assert.Equal(t, faults.KindSecurity, faults.KindOf(err))

	_, err = m.MemoryDir("tenant;rm")
	assert.Equal(t, faults.KindSecurity, faults.KindOf(err))

	_, err = m.ArtifactPrefix("acme", "job`id`")
	assert.Equal(t, faults.KindSecurity, faults.KindOf(err))
}

func TestCleanupRemovesOnlyExpiredJobDirs(t *testing.T) {
	m := newTestManager(t)

	oldDir, err := m.JobDir("acme", "job-old")
	require.NoError(t, err)
	freshDir, err := m.JobDir("acme", "job-fresh")
	require.NoError(t, err)
	memDir, err := m.MemoryDir("acme")
	require.NoError(t, err)

	stale := time.Now().AddDate(0, 0, -30)
	require.NoError(t, os.Chtimes(oldDir, stale, stale))

	removed, err := m.Cleanup(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.NoDirExists(t, oldDir)
	assert.DirExists(t, freshDir)
	assert.DirExists(t, memDir)
}

func TestCleanupOnMissingRoot(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "nowhere"), t.TempDir(), 7, &testLogger{t})

	removed, err := m.Cleanup(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, removed)
}
