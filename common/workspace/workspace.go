package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/anthive/orchestrator/common/validation"
)

// Manager lays out tenant-scoped filesystem state:
//
//	<root>/<tenant_id>/<job_id>/    per-job scratch space
//	<memoryRoot>/<tenant_id>/       cross-job agent memory
//
// Artifact paths live in the blob store under the prefix returned by
// ArtifactPrefix. Every path join asserts its identifiers, so an
// unvalidated id can never become a directory component.
type Manager struct {
	root       string
	memoryRoot string
	retainDays int
	log        Logger
}

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// NewManager creates a workspace manager rooted at root and memoryRoot
func NewManager(root, memoryRoot string, retainDays int, log Logger) *Manager {
	if retainDays <= 0 {
		retainDays = 7
	}
	return &Manager{
		root:       root,
		memoryRoot: memoryRoot,
		retainDays: retainDays,
		log:        log,
	}
}

// JobDir creates (if needed) and returns the scratch directory for a
// job
func (m *Manager) JobDir(tenantID, jobID string) (string, error) {
	if err := validation.Assert(tenantID, validation.KindTenant); err != nil {
		return "", err
	}
	if err := validation.Assert(jobID, validation.KindJob); err != nil {
		return "", err
	}

	dir := filepath.Join(m.root, tenantID, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create job workspace: %w", err)
	}
	return dir, nil
}

// TenantDir returns the directory holding a tenant's job workspaces.
// It does not create anything; absent tenants simply have no dir yet.
func (m *Manager) TenantDir(tenantID string) (string, error) {
	if err := validation.Assert(tenantID, validation.KindTenant); err != nil {
		return "", err
	}
	return filepath.Join(m.root, tenantID), nil
}

// MemoryDir creates (if needed) and returns the tenant's cross-job
// memory directory
func (m *Manager) MemoryDir(tenantID string) (string, error) {
	if err := validation.Assert(tenantID, validation.KindTenant); err != nil {
		return "", err
	}

	dir := filepath.Join(m.memoryRoot, tenantID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create memory dir: %w", err)
	}
	return dir, nil
}

// ArtifactPrefix returns the blob-store key prefix for a job's
// artifacts
func (m *Manager) ArtifactPrefix(tenantID, jobID string) (string, error) {
	if err := validation.Assert(tenantID, validation.KindTenant); err != nil {
		return "", err
	}
	if err := validation.Assert(jobID, validation.KindJob); err != nil {
		return "", err
	}
	return tenantID + "/jobs/" + jobID, nil
}

// Cleanup removes job directories not modified within the retention
// window. It walks tenant directories shallowly; agent memory is never
// touched. Returns the number of directories removed.
func (m *Manager) Cleanup(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.AddDate(0, 0, -m.retainDays)

	tenants, err := os.ReadDir(m.root)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to scan workspace root: %w", err)
	}

	removed := 0
	for _, tenant := range tenants {
		if !tenant.IsDir() {
			continue
		}
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}

		tenantDir := filepath.Join(m.root, tenant.Name())
		jobs, err := os.ReadDir(tenantDir)
		if err != nil {
			m.log.Warn("skipping unreadable tenant dir", "dir", tenantDir, "error", err)
			continue
		}

		for _, job := range jobs {
			if !job.IsDir() {
				continue
			}
			info, err := job.Info()
			if err != nil {
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}
			jobDir := filepath.Join(tenantDir, job.Name())
			if err := os.RemoveAll(jobDir); err != nil {
				m.log.Error("failed to remove expired workspace", "dir", jobDir, "error", err)
				continue
			}
			removed++
		}
	}

	if removed > 0 {
		m.log.Info("workspace cleanup complete", "removed", removed, "retain_days", m.retainDays)
	}
	return removed, nil
}
