package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/lobsterd/lobsterd/internal/agentclient"
	"github.com/lobsterd/lobsterd/internal/config"
	"github.com/lobsterd/lobsterd/internal/errs"
	"github.com/lobsterd/lobsterd/internal/events"
	"github.com/lobsterd/lobsterd/internal/jailer"
	"github.com/lobsterd/lobsterd/internal/vmm"
)

// Resume rebuilds a suspended tenant's jailed VM from its persisted
// snapshot and brings it back to active.
func (m *Manager) Resume(ctx context.Context, host config.HostConfig, name string) error {
	reg, err := m.Store.LoadRegistry()
	if err != nil {
		return err
	}
	tenant := reg.Find(name)
	if tenant == nil {
		return errs.New(errs.CodeTenantNotFound, "tenant "+name+" not found")
	}
	if tenant.Status != config.StatusSuspended || tenant.SuspendInfo == nil {
		return errs.New(errs.CodeValidationFailed, "tenant "+name+" is not suspended")
	}

	paths := jailer.Paths{ChrootBase: host.ChrootBase, VMID: tenant.VMID}
	_ = jailer.CleanupChroot(paths)

	cgroupVersion, err := jailer.DetectCgroupVersion()
	if err != nil {
		return errs.Wrap(errs.CodeJailerSetupFailed, "detecting cgroup version", err)
	}
	limits := jailer.ResourceLimits{VCPUCount: host.DefaultVCPUs, MemSizeMiB: host.DefaultMemMiB}
	args := jailer.BuildArgs(host.VMMBinary, tenant.VMID, tenant.JailUID, host.ChrootBase, cgroupVersion, limits)

	spawner := jailer.NewSpawner(m.Runner)
	pid, err := spawner.Spawn(ctx, host.JailerBinary, args)
	if err != nil {
		return errs.Wrap(errs.CodeResumeFailed, "spawning jailer", err)
	}

	if err := jailer.LinkChrootFiles(paths.ChrootRoot(), host.KernelImage, host.RootfsImage, tenant.OverlayPath, tenant.JailUID); err != nil {
		return errs.Wrap(errs.CodeResumeFailed, "linking chroot files", err)
	}

	snapshotIn := filepath.Join(tenant.SuspendInfo.SnapshotDir, "snapshot_file")
	memIn := filepath.Join(tenant.SuspendInfo.SnapshotDir, "mem_file")
	snapshotInChroot := filepath.Join(paths.ChrootRoot(), "snapshot_file")
	memInChroot := filepath.Join(paths.ChrootRoot(), "mem_file")
	if err := m.sparseCopy(ctx, snapshotIn, snapshotInChroot); err != nil {
		return errs.Wrap(errs.CodeResumeFailed, "copying snapshot into chroot", err)
	}
	if err := m.sparseCopy(ctx, memIn, memInChroot); err != nil {
		return errs.Wrap(errs.CodeResumeFailed, "copying mem file into chroot", err)
	}
	if _, err := m.Runner.Run(ctx, 30*time.Second, "chown", itoaPair(tenant.JailUID), snapshotInChroot); err != nil {
		return errs.Wrap(errs.CodeResumeFailed, "chowning snapshot file", err)
	}
	if _, err := m.Runner.Run(ctx, 30*time.Second, "chown", itoaPair(tenant.JailUID), memInChroot); err != nil {
		return errs.Wrap(errs.CodeResumeFailed, "chowning mem file", err)
	}

	if err := vmm.WaitForSocket(ctx, paths.APISocketPath(), 30*time.Second, func() bool { return jailer.Alive(pid) }); err != nil {
		return errs.Wrap(errs.CodeResumeFailed, "waiting for vmm socket", err)
	}

	vc := vmm.New(paths.APISocketPath())
	if err := vc.SnapshotLoad(ctx, "/snapshot_file", "/mem_file"); err != nil {
		return errs.Wrap(errs.CodeResumeFailed, "loading snapshot", err)
	}

	ac := agentclient.New(tenant.GuestIP, host.AgentPort, tenant.AgentToken)
	_ = ac.SetTime(ctx, time.Now().UnixMilli()) // soft-fail: clock stays stale until next sync

	_ = os.RemoveAll(tenant.SuspendInfo.SnapshotDir)

	return m.Store.WithRegistry(func(r *config.Registry) error {
		t := r.Find(name)
		if t == nil {
			return errs.New(errs.CodeTenantNotFound, "tenant "+name+" not found")
		}
		t.Status = config.StatusActive
		t.VMPID = pid
		t.SuspendInfo = nil
		m.Emitter.Publish(events.Event{Kind: events.KindResumed, Tenant: name})
		return nil
	})
}

// itoaPair renders a uid as "uid:uid" for chown.
func itoaPair(uid int) string {
	s := strconv.Itoa(uid)
	return s + ":" + s
}
