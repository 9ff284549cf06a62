package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/lobsterd/lobsterd/internal/config"
	"github.com/lobsterd/lobsterd/internal/errs"
	"github.com/lobsterd/lobsterd/internal/events"
	"github.com/lobsterd/lobsterd/internal/jailer"
	"github.com/lobsterd/lobsterd/internal/sshkey"
)

// Evict tears a tenant down best-effort: every step's failure is logged
// and ignored except the final registry deletion.
func (m *Manager) Evict(ctx context.Context, host config.HostConfig, name string) error {
	reg, err := m.Store.LoadRegistry()
	if err != nil {
		return err
	}
	tenant := reg.Find(name)
	if tenant == nil {
		return errs.New(errs.CodeTenantNotFound, "tenant "+name+" not found")
	}

	tenant.Status = config.StatusRemoving
	if err := m.Store.WithRegistry(func(r *config.Registry) error {
		t := r.Find(name)
		if t == nil {
			return errs.New(errs.CodeTenantNotFound, "tenant "+name+" not found")
		}
		t.Status = config.StatusRemoving
		return nil
	}); err != nil {
		return err
	}

	step := func(label string, fn func() error) {
		if err := fn(); err != nil {
			slog.Warn("evict: step failed, continuing", "tenant", name, "step", label, "error", err)
		}
	}

	step("remove proxy routes", func() error { return m.ProxyCtl.RemoveTenantRoutes(ctx, tenant.Name) })

	if tenant.SuspendInfo != nil {
		step("delete snapshot dir", func() error { return os.RemoveAll(tenant.SuspendInfo.SnapshotDir) })
	}

	if tenant.VMPID != 0 {
		vc := vmmClientFor(tenant)
		step("ctrl-alt-del", func() error { return vc.CtrlAltDel(ctx) })
		if !jailer.WaitForExit(ctx, tenant.VMPID, 500*time.Millisecond, 5*time.Second) {
			step("sigkill", func() error { return jailer.Kill(tenant.VMPID, syscall.SIGKILL) })
		}
	}

	step("remove isolation rules", func() error { return m.Network.RemoveIsolationRules(ctx, tenant.TapDev) })
	if host.API.AgentLockdown {
		step("remove agent-lockdown rules", func() error { return m.Network.RemoveAgentLockdownRules(ctx, tenant.TapDev, tenant.HostIP) })
	}
	step("remove nat", func() error { return m.Network.RemoveNAT(ctx, tenant.TapDev, tenant.HostIP, tenant.GuestIP, tenant.GatewayPort) })
	step("remove tap", func() error { return m.Network.RemoveTap(ctx, tenant.TapDev) })

	paths := jailer.Paths{ChrootBase: host.ChrootBase, VMID: tenant.VMID}
	step("cleanup chroot", func() error { return jailer.CleanupChroot(paths) })
	step("delete overlay", func() error { return m.Overlay.Delete(tenant.OverlayPath) })
	step("remove ssh keypair", func() error { return sshkey.Remove(m.SSHDir, tenant.Name) })

	if err := m.Store.WithRegistry(func(r *config.Registry) error {
		r.Remove(name)
		return nil
	}); err != nil {
		return errs.Wrap(errs.CodeLockFailed, "deleting tenant from registry", err)
	}

	m.Emitter.Publish(events.Event{Kind: events.KindEvicted, Tenant: name})
	return nil
}
