// Package lifecycle implements the transactional tenant commands: spawn,
// evict, suspend, resume, molt, snap, and hold. Spawn's undo-stack shape
// mirrors the teacher's provisioning rollback pattern, generalized here to
// the host-driver sequence this spec requires.
package lifecycle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lobsterd/lobsterd/internal/agentclient"
	"github.com/lobsterd/lobsterd/internal/checks"
	"github.com/lobsterd/lobsterd/internal/config"
	"github.com/lobsterd/lobsterd/internal/errs"
	"github.com/lobsterd/lobsterd/internal/events"
	"github.com/lobsterd/lobsterd/internal/execw"
	"github.com/lobsterd/lobsterd/internal/inflight"
	"github.com/lobsterd/lobsterd/internal/jailer"
	"github.com/lobsterd/lobsterd/internal/network"
	"github.com/lobsterd/lobsterd/internal/overlay"
	"github.com/lobsterd/lobsterd/internal/proxy"
	"github.com/lobsterd/lobsterd/internal/regfile"
	"github.com/lobsterd/lobsterd/internal/repairs"
	"github.com/lobsterd/lobsterd/internal/sshkey"
	"github.com/lobsterd/lobsterd/internal/vmm"
)

// Manager wires every driver the lifecycle commands need and owns the
// shared in-flight set.
type Manager struct {
	Store    *regfile.Store
	Network  *network.Driver
	Overlay  *overlay.Driver
	ProxyCtl *proxy.Driver
	Inflight *inflight.Set
	Emitter  *events.Emitter
	Runner   *execw.Runner
	SSHDir   string
}

// undoAction is one rollback step pushed before its corresponding
// side-effecting step runs.
type undoAction struct {
	name string
	fn   func()
}

// txn accumulates undo actions for one spawn attempt and unwinds them in
// reverse order on failure; each undo is best-effort.
type txn struct {
	actions []undoAction
}

func (tx *txn) push(name string, fn func()) {
	tx.actions = append(tx.actions, undoAction{name: name, fn: fn})
}

func (tx *txn) rollback() []string {
	var log []string
	for i := len(tx.actions) - 1; i >= 0; i-- {
		a := tx.actions[i]
		func() {
			defer func() {
				if r := recover(); r != nil {
					log = append(log, fmt.Sprintf("%s: panic during undo: %v", a.name, r))
				}
			}()
			a.fn()
			log = append(log, a.name+": undone")
		}()
	}
	return log
}

// randomToken returns a hex-encoded random secret of n raw bytes.
func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// RandomToken exposes randomToken to callers outside the package, such as
// the CLI's `buoy` command generating the API bearer token on first run.
func RandomToken(n int) (string, error) {
	return randomToken(n)
}

// identityReservation is the set of allocator identifiers a spawn attempt
// has claimed. Once WithRegistry commits them, they are never handed to
// another tenant even if this spawn subsequently fails: an allocator
// counter is safe to advance only forward, never back, because by the
// time a failure is detected another concurrent spawn may already have
// reserved the identifiers one slot further on. Decrementing would make
// this spawn's abandoned identifiers collide with that one's.
type identityReservation struct {
	cid, subnetIndex, gatewayPort, jailUID int
}

// reserveIdentity claims the next cid/subnet_index/gateway_port/jail_uid
// atomically under the registry Store's in-process mutex and advances the
// counters in the same transaction, before any provisioning side effect
// runs. This is what keeps two concurrent spawns sharing one Store from
// reading identical "next" values; spawns in separate processes are not
// serialised by it. internal/inflight's in-flight set is
// keyed by tenant name, not by allocator identity, so it cannot prevent
// that race on its own.
func (m *Manager) reserveIdentity(name string) (identityReservation, error) {
	var r identityReservation
	err := m.Store.WithRegistry(func(reg *config.Registry) error {
		if reg.Find(name) != nil {
			return errs.New(errs.CodeTenantExists, "tenant "+name+" already exists")
		}
		r = identityReservation{
			cid:         reg.NextCID,
			subnetIndex: reg.NextSubnetIndex,
			gatewayPort: reg.NextGatewayPort,
			jailUID:     reg.NextJailUID,
		}
		reg.NextCID++
		reg.NextSubnetIndex++
		reg.NextGatewayPort++
		reg.NextJailUID++
		return nil
	})
	return r, err
}

// Spawn provisions a brand-new tenant end to end: allocate identity,
// create overlay/tap/nat/isolation/ssh-key, spawn the jailer+VMM, boot the
// guest, wait for the agent, inject secrets, add proxy routes, and persist.
func (m *Manager) Spawn(ctx context.Context, host config.HostConfig, name string) (*config.Tenant, error) {
	if err := config.ValidateName(name); err != nil {
		return nil, errs.Wrap(errs.CodeValidationFailed, "invalid tenant name", err)
	}

	id, err := m.reserveIdentity(name)
	if err != nil {
		return nil, err
	}

	hostIP, guestIP, err := config.Addresses(host.Network.SubnetBase, id.subnetIndex)
	if err != nil {
		return nil, errs.Wrap(errs.CodeValidationFailed, "computing subnet addresses", err)
	}

	agentToken, err := randomToken(32)
	if err != nil {
		return nil, errs.Wrap(errs.CodeUnknown, "generating agent token", err)
	}
	gatewayToken, err := randomToken(32)
	if err != nil {
		return nil, errs.Wrap(errs.CodeUnknown, "generating gateway token", err)
	}

	tenant := &config.Tenant{
		Name:         name,
		VMID:         "vm-" + name,
		CID:          id.cid,
		HostIP:       hostIP,
		GuestIP:      guestIP,
		TapDev:       "tap-" + name,
		GatewayPort:  id.gatewayPort,
		OverlayPath:  filepath.Join(host.OverlayBase, name+".ext4"),
		SocketPath:   jailer.Paths{ChrootBase: host.ChrootBase, VMID: "vm-" + name}.APISocketPath(),
		JailUID:      id.jailUID,
		AgentToken:   agentToken,
		GatewayToken: gatewayToken,
		CreatedAt:    time.Now(),
		Status:       config.StatusActive,
	}

	tx := &txn{}
	vmPID, err := m.runSpawnSteps(ctx, host, tenant, tx)
	if err != nil {
		undone := tx.rollback()
		slog.Warn("spawn failed, rolled back", "tenant", name, "identity", id, "undo", undone, "error", err)
		return nil, err
	}
	tenant.VMPID = vmPID

	if err := m.Store.WithRegistry(func(r *config.Registry) error {
		if r.Find(name) != nil {
			return errs.New(errs.CodeTenantExists, "tenant "+name+" already exists")
		}
		r.Tenants = append(r.Tenants, *tenant)
		return nil
	}); err != nil {
		undone := tx.rollback()
		slog.Warn("spawn persist failed, rolled back", "tenant", name, "identity", id, "undo", undone, "error", err)
		return nil, err
	}

	m.Emitter.Publish(events.Event{Kind: events.KindSpawned, Tenant: name, Data: tenant})
	return tenant, nil
}

// runSpawnSteps executes spawn's ordered side-effecting steps, pushing an
// undo action before each one, and returns the new VM's pid on success.
func (m *Manager) runSpawnSteps(ctx context.Context, host config.HostConfig, t *config.Tenant, tx *txn) (int, error) {
	tx.push("delete overlay", func() { _ = m.Overlay.Delete(t.OverlayPath) })
	if err := m.Overlay.Create(ctx, t.OverlayPath, host.DefaultOverlayMiB); err != nil {
		return 0, err
	}

	tx.push("delete tap", func() { _ = m.Network.RemoveTap(context.Background(), t.TapDev) })
	if err := m.Network.AddTap(ctx, t.TapDev, t.HostIP); err != nil {
		return 0, err
	}

	tx.push("remove nat", func() {
		_ = m.Network.RemoveNAT(context.Background(), t.TapDev, t.HostIP, t.GuestIP, t.GatewayPort)
	})
	if err := m.Network.AddNAT(ctx, t.TapDev, t.HostIP, t.GuestIP, t.GatewayPort); err != nil {
		return 0, err
	}

	tx.push("remove isolation rules", func() { _ = m.Network.RemoveIsolationRules(context.Background(), t.TapDev) })
	if err := m.Network.AddIsolationRules(ctx, t.TapDev); err != nil {
		return 0, err
	}

	if host.API.AgentLockdown {
		tx.push("remove agent-lockdown rules", func() {
			_ = m.Network.RemoveAgentLockdownRules(context.Background(), t.TapDev, t.HostIP)
		})
		if err := m.Network.AddAgentLockdownRules(ctx, t.TapDev, t.HostIP); err != nil {
			return 0, err
		}
	}

	tx.push("remove ssh keypair", func() { _ = sshkey.Remove(m.SSHDir, t.Name) })
	keyPair, err := sshkey.Generate(m.SSHDir, t.Name)
	if err != nil {
		return 0, err
	}

	paths := jailer.Paths{ChrootBase: host.ChrootBase, VMID: t.VMID}
	_ = jailer.CleanupChroot(paths) // stale sockets/chroot from a prior failed attempt

	cgroupVersion, err := jailer.DetectCgroupVersion()
	if err != nil {
		return 0, errs.Wrap(errs.CodeJailerSetupFailed, "detecting cgroup version", err)
	}
	limits := jailer.ResourceLimits{VCPUCount: host.DefaultVCPUs, MemSizeMiB: host.DefaultMemMiB}
	args := jailer.BuildArgs(host.VMMBinary, t.VMID, t.JailUID, host.ChrootBase, cgroupVersion, limits)

	spawner := jailer.NewSpawner(m.Runner)
	pid, err := spawner.Spawn(ctx, host.JailerBinary, args)
	if err != nil {
		return 0, err
	}
	tx.push("kill spawned vmm", func() { _ = jailer.Kill(pid, syscall.SIGKILL) })

	if err := jailer.LinkChrootFiles(paths.ChrootRoot(), host.KernelImage, host.RootfsImage, t.OverlayPath, t.JailUID); err != nil {
		return 0, err
	}
	tx.push("cleanup chroot", func() { _ = jailer.CleanupChroot(paths) })

	if err := vmm.WaitForSocket(ctx, paths.APISocketPath(), execw.DefaultTimeout, func() bool { return jailer.Alive(pid) }); err != nil {
		return 0, err
	}

	vc := vmm.New(paths.APISocketPath())
	if err := vc.Configure(ctx, host.DefaultVCPUs, host.DefaultMemMiB); err != nil {
		return 0, err
	}
	bootArgs := fmt.Sprintf("%s agent_token=%s reboot=k panic=1 pci=off 8250.nr_uarts=0 init=/sbin/overlay-init",
		config.BootIPParam(t.GuestIP, t.HostIP), t.AgentToken)
	if err := vc.SetBootSource(ctx, host.KernelImage, bootArgs); err != nil {
		return 0, err
	}
	if err := vc.AddDrive(ctx, vmm.AddDriveOpts{DriveID: "rootfs", PathOnHost: "/rootfs.ext4", IsRootDevice: true, IsReadOnly: true}); err != nil {
		return 0, err
	}
	if err := vc.AddDrive(ctx, vmm.AddDriveOpts{DriveID: "overlay", PathOnHost: "/overlay.ext4", IsRootDevice: false, IsReadOnly: false}); err != nil {
		return 0, err
	}
	if err := vc.AddNetworkInterface(ctx, vmm.AddNetIfaceOpts{IfaceID: "eth0", HostDevName: t.TapDev}); err != nil {
		return 0, err
	}
	if err := vc.Start(ctx); err != nil {
		return 0, err
	}

	if err := agentclient.WaitForAgent(ctx, t.GuestIP, host.AgentPort, time.Duration(host.AgentConnectTimeoutMs)*time.Millisecond); err != nil {
		return 0, err
	}

	ac := agentclient.New(t.GuestIP, host.AgentPort, t.AgentToken)
	gwConfig := host.DefaultGateway.WithAllowlistAppended(t.Name + "." + host.ProxyDomain)
	if err := ac.InjectSecrets(ctx, agentclient.Secrets{
		OpenclawGatewayToken: t.GatewayToken,
		OpenclawConfig:       gwConfig,
		SSHAuthorizedKey:     keyPair.AuthorizedLine,
	}); err != nil {
		return 0, err
	}

	tx.push("remove proxy routes", func() { _ = m.ProxyCtl.RemoveTenantRoutes(context.Background(), t.Name) })
	if err := m.ProxyCtl.AddTenantRoutes(ctx, t.Name, host.ProxyDomain, t.GuestIP); err != nil {
		return 0, err
	}

	return pid, nil
}

// sparseCopy copies src to dst preserving holes, the way snapshot and mem
// files (which are mostly zero-filled) must be moved without inflating
// them to their logical size.
func (m *Manager) sparseCopy(ctx context.Context, src, dst string) error {
	_, err := m.Runner.Run(ctx, 600*time.Second, "cp", "--sparse=always", src, dst)
	return err
}

// vmmClientFor returns a VMM API client bound to a tenant's jailed socket.
func vmmClientFor(t *config.Tenant) *vmm.Client {
	return vmm.New(t.SocketPath)
}

// checkDepsFor builds a checks.Deps from live drivers, used by Molt.
func (m *Manager) checkDepsFor(host config.HostConfig) checks.Deps {
	return checks.Deps{Runner: m.Runner, ProxyCtl: m.ProxyCtl, AgentPort: host.AgentPort}
}

// CheckDeps exposes checkDepsFor to callers outside the package, such as
// the HTTP API's tenant-list handler, which needs the same Deps Molt uses.
func (m *Manager) CheckDeps(host config.HostConfig) checks.Deps {
	return m.checkDepsFor(host)
}

// RepairDeps exposes repairDepsFor to callers outside the package, such as
// the CLI and daemon wiring a standalone *watchdog.Watchdog.
func (m *Manager) RepairDeps(host config.HostConfig) repairs.Deps {
	return m.repairDepsFor(host)
}

// repairDepsFor builds a repairs.Deps from live drivers, used by Molt.
// Respawn and PersistPID close over host and m so repairVMProcess can
// rebuild a dead VM without repairs importing jailer/vmm itself.
func (m *Manager) repairDepsFor(host config.HostConfig) repairs.Deps {
	return repairs.Deps{
		Host:      host,
		Runner:    m.Runner,
		Network:   m.Network,
		ProxyCtl:  m.ProxyCtl,
		AgentPort: host.AgentPort,
		Respawn: func(ctx context.Context, t *config.Tenant) (int, error) {
			return m.respawnVM(ctx, host, t)
		},
		PersistPID: func(name string, pid int) error {
			return m.Store.WithRegistry(func(r *config.Registry) error {
				tenant := r.Find(name)
				if tenant == nil {
					return errs.New(errs.CodeTenantNotFound, "tenant "+name+" not found")
				}
				tenant.VMPID = pid
				return nil
			})
		},
	}
}

// respawnVM rebuilds the jailer+VMM process for an already-provisioned
// tenant: the overlay, tap, NAT, isolation rules, ssh keypair, and proxy
// routes all still exist, so only the jailed process itself and the
// guest's boot need to happen again.
func (m *Manager) respawnVM(ctx context.Context, host config.HostConfig, t *config.Tenant) (int, error) {
	paths := jailer.Paths{ChrootBase: host.ChrootBase, VMID: t.VMID}
	_ = jailer.CleanupChroot(paths)

	cgroupVersion, err := jailer.DetectCgroupVersion()
	if err != nil {
		return 0, errs.Wrap(errs.CodeJailerSetupFailed, "detecting cgroup version", err)
	}
	limits := jailer.ResourceLimits{VCPUCount: host.DefaultVCPUs, MemSizeMiB: host.DefaultMemMiB}
	args := jailer.BuildArgs(host.VMMBinary, t.VMID, t.JailUID, host.ChrootBase, cgroupVersion, limits)

	spawner := jailer.NewSpawner(m.Runner)
	pid, err := spawner.Spawn(ctx, host.JailerBinary, args)
	if err != nil {
		return 0, err
	}

	if err := jailer.LinkChrootFiles(paths.ChrootRoot(), host.KernelImage, host.RootfsImage, t.OverlayPath, t.JailUID); err != nil {
		_ = jailer.Kill(pid, syscall.SIGKILL)
		return 0, err
	}

	if err := vmm.WaitForSocket(ctx, paths.APISocketPath(), execw.DefaultTimeout, func() bool { return jailer.Alive(pid) }); err != nil {
		return 0, err
	}

	vc := vmm.New(paths.APISocketPath())
	if err := vc.Configure(ctx, host.DefaultVCPUs, host.DefaultMemMiB); err != nil {
		return 0, err
	}
	bootArgs := fmt.Sprintf("%s agent_token=%s reboot=k panic=1 pci=off 8250.nr_uarts=0 init=/sbin/overlay-init",
		config.BootIPParam(t.GuestIP, t.HostIP), t.AgentToken)
	if err := vc.SetBootSource(ctx, host.KernelImage, bootArgs); err != nil {
		return 0, err
	}
	if err := vc.AddDrive(ctx, vmm.AddDriveOpts{DriveID: "rootfs", PathOnHost: "/rootfs.ext4", IsRootDevice: true, IsReadOnly: true}); err != nil {
		return 0, err
	}
	if err := vc.AddDrive(ctx, vmm.AddDriveOpts{DriveID: "overlay", PathOnHost: "/overlay.ext4", IsRootDevice: false, IsReadOnly: false}); err != nil {
		return 0, err
	}
	if err := vc.AddNetworkInterface(ctx, vmm.AddNetIfaceOpts{IfaceID: "eth0", HostDevName: t.TapDev}); err != nil {
		return 0, err
	}
	if err := vc.Start(ctx); err != nil {
		return 0, err
	}

	if err := agentclient.WaitForAgent(ctx, t.GuestIP, host.AgentPort, time.Duration(host.AgentConnectTimeoutMs)*time.Millisecond); err != nil {
		return 0, err
	}

	keyPair, err := sshkey.Load(m.SSHDir, t.Name)
	if err != nil {
		return 0, err
	}
	ac := agentclient.New(t.GuestIP, host.AgentPort, t.AgentToken)
	gwConfig := host.DefaultGateway.WithAllowlistAppended(t.Name + "." + host.ProxyDomain)
	if err := ac.InjectSecrets(ctx, agentclient.Secrets{
		OpenclawGatewayToken: t.GatewayToken,
		OpenclawConfig:       gwConfig,
		SSHAuthorizedKey:     keyPair.AuthorizedLine,
	}); err != nil {
		return 0, err
	}

	return pid, nil
}
