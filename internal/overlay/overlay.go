// Package overlay is the overlay driver: creates and deletes a per-tenant
// sparse ext4 disk image. Uses the execw wrapper for the two external
// tools it shells out to, matching the run()-helper idiom used across
// lobsterd's host drivers.
package overlay

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/lobsterd/lobsterd/internal/errs"
	"github.com/lobsterd/lobsterd/internal/execw"
)

const mkfsTimeout = 120 * time.Second

// Driver creates and deletes overlay images.
type Driver struct {
	runner *execw.Runner
}

// New returns a Driver.
func New() *Driver { return &Driver{runner: execw.New()} }

// Create truncates path to sizeMiB MiB and formats it ext4.
func (d *Driver) Create(ctx context.Context, path string, sizeMiB int) error {
	if _, err := d.runner.Run(ctx, mkfsTimeout, "truncate", "-s", fmt.Sprintf("%dM", sizeMiB), path); err != nil {
		return errs.Wrap(errs.CodeOverlayCreateFailed, "truncating "+path, err)
	}
	if _, err := d.runner.Run(ctx, mkfsTimeout, "mkfs.ext4", "-F", "-q", path); err != nil {
		return errs.Wrap(errs.CodeOverlayCreateFailed, "formatting "+path, err)
	}
	return nil
}

// Delete removes the overlay file; a missing file is success.
func (d *Driver) Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.CodeOverlayCreateFailed, "deleting "+path, err)
	}
	return nil
}
