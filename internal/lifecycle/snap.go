package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lobsterd/lobsterd/internal/config"
	"github.com/lobsterd/lobsterd/internal/errs"
)

// Snap archives a tenant's overlay file into ./snaps/<ts>-<name>.tar.gz,
// copying it sparse-preserving into a temp dir first so the tar step
// never reads a file still being written by the VM.
func (m *Manager) Snap(ctx context.Context, host config.HostConfig, name string) (string, error) {
	release, err := m.Hold(ctx, host, name)
	if err != nil {
		return "", err
	}
	defer release()

	reg, err := m.Store.LoadRegistry()
	if err != nil {
		return "", err
	}
	tenant := reg.Find(name)
	if tenant == nil {
		return "", errs.New(errs.CodeTenantNotFound, "tenant "+name+" not found")
	}

	tmpDir, err := os.MkdirTemp("", "lobster-snap-"+name)
	if err != nil {
		return "", errs.Wrap(errs.CodeSnapshotFailed, "creating temp dir", err)
	}
	defer os.RemoveAll(tmpDir)

	tmpOverlay := filepath.Join(tmpDir, name+".ext4")
	if err := m.sparseCopy(ctx, tenant.OverlayPath, tmpOverlay); err != nil {
		return "", errs.Wrap(errs.CodeSnapshotFailed, "copying overlay", err)
	}

	if err := os.MkdirAll("./snaps", 0o755); err != nil {
		return "", errs.Wrap(errs.CodeSnapshotFailed, "creating snaps dir", err)
	}
	archiveName := fmt.Sprintf("%d-%s.tar.gz", time.Now().Unix(), name)
	archivePath := filepath.Join("./snaps", archiveName)

	if _, err := m.Runner.Run(ctx, 300*time.Second, "tar", "--sparse", "-czf", archivePath, "-C", tmpDir, name+".ext4"); err != nil {
		return "", errs.Wrap(errs.CodeSnapshotFailed, "archiving overlay", err)
	}

	return archivePath, nil
}
