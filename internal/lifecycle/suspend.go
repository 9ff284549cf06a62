package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/lobsterd/lobsterd/internal/agentclient"
	"github.com/lobsterd/lobsterd/internal/config"
	"github.com/lobsterd/lobsterd/internal/errs"
	"github.com/lobsterd/lobsterd/internal/events"
	"github.com/lobsterd/lobsterd/internal/jailer"
)

// Suspend pauses, snapshots, and powers off an active tenant, moving its
// snapshot out of the chroot for later resume.
func (m *Manager) Suspend(ctx context.Context, host config.HostConfig, name string) error {
	reg, err := m.Store.LoadRegistry()
	if err != nil {
		return err
	}
	tenant := reg.Find(name)
	if tenant == nil {
		return errs.New(errs.CodeTenantNotFound, "tenant "+name+" not found")
	}
	if tenant.Status != config.StatusActive {
		return errs.New(errs.CodeValidationFailed, "tenant "+name+" is not active")
	}

	ac := agentclient.New(tenant.GuestIP, host.AgentPort, tenant.AgentToken)
	schedules, _ := ac.GetCronSchedules(ctx) // soft-fail: empty on error

	var earliestFuture int64 = -1
	for _, s := range schedules {
		if earliestFuture == -1 || s.NextRunAtMs < earliestFuture {
			earliestFuture = s.NextRunAtMs
		}
	}

	nowMs := time.Now().UnixMilli()
	if earliestFuture != -1 && earliestFuture-host.Watchdog.CronWakeAheadMs <= nowMs {
		return errs.New(errs.CodeSuspendSkipped, "tenant "+name+" has a job due too soon to suspend")
	}

	paths := jailer.Paths{ChrootBase: host.ChrootBase, VMID: tenant.VMID}
	vc := vmmClientFor(tenant)
	if err := vc.Pause(ctx); err != nil {
		return errs.Wrap(errs.CodeSuspendFailed, "pausing vm", err)
	}

	snapshotInChroot := filepath.Join(paths.ChrootRoot(), "snapshot_file")
	memInChroot := filepath.Join(paths.ChrootRoot(), "mem_file")
	if err := vc.SnapshotCreate(ctx, "/snapshot_file", "/mem_file"); err != nil {
		return errs.Wrap(errs.CodeSnapshotFailed, "creating snapshot", err)
	}

	snapshotDir := filepath.Join(host.ChrootBase, "snapshots", name)
	if err := os.MkdirAll(snapshotDir, 0o700); err != nil {
		return errs.Wrap(errs.CodeSnapshotFailed, "creating snapshot dir", err)
	}
	outSnapshot := filepath.Join(snapshotDir, "snapshot_file")
	outMem := filepath.Join(snapshotDir, "mem_file")
	if err := m.sparseCopy(ctx, snapshotInChroot, outSnapshot); err != nil {
		return errs.Wrap(errs.CodeSnapshotFailed, "copying snapshot out of chroot", err)
	}
	if err := m.sparseCopy(ctx, memInChroot, outMem); err != nil {
		return errs.Wrap(errs.CodeSnapshotFailed, "copying mem file out of chroot", err)
	}

	_ = jailer.Kill(tenant.VMPID, syscall.SIGKILL)
	_ = jailer.CleanupChroot(paths)

	rxAfter := m.trafficRxBytes(ctx, tenant.TapDev)

	var nextWake *int64
	if earliestFuture != -1 {
		w := earliestFuture - host.Watchdog.CronWakeAheadMs
		nextWake = &w
	}

	return m.Store.WithRegistry(func(r *config.Registry) error {
		t := r.Find(name)
		if t == nil {
			return errs.New(errs.CodeTenantNotFound, "tenant "+name+" not found")
		}
		t.Status = config.StatusSuspended
		t.VMPID = 0
		t.SuspendInfo = &config.SuspendInfo{
			SuspendedAt:   time.Now(),
			SnapshotDir:   snapshotDir,
			CronSchedules: schedules,
			NextWakeAtMs:  nextWake,
			LastRxBytes:   rxAfter,
		}
		m.Emitter.Publish(events.Event{Kind: events.KindSuspended, Tenant: name})
		return nil
	})
}

// trafficRxBytes reads the rx byte counter for a tap device, best-effort.
func (m *Manager) trafficRxBytes(ctx context.Context, tap string) int64 {
	out, err := m.Runner.Output(ctx, 5*time.Second, "cat", "/sys/class/net/"+tap+"/statistics/rx_bytes")
	if err != nil {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
