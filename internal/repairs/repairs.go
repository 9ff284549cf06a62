// Package repairs holds the idempotent repair function for each check
// name, looked up from the same kind of dispatch table checks uses. The
// watchdog calls RunDeduped with a tick's failed check names, which runs
// each distinct repair function at most once for the tenant in that pass.
package repairs

import (
	"context"
	"fmt"
	"reflect"
	"syscall"
	"time"

	"github.com/lobsterd/lobsterd/internal/agentclient"
	"github.com/lobsterd/lobsterd/internal/checks"
	"github.com/lobsterd/lobsterd/internal/config"
	"github.com/lobsterd/lobsterd/internal/execw"
	"github.com/lobsterd/lobsterd/internal/jailer"
	"github.com/lobsterd/lobsterd/internal/network"
	"github.com/lobsterd/lobsterd/internal/proxy"
)

// agentWaitBudget bounds how long the vm.process repair waits for the
// re-spawned guest's agent to answer before giving up.
const agentWaitBudget = 30 * time.Second

// Deps bundles the drivers repair functions call into. Respawn performs
// the full jailer+VMM re-spawn sequence (hard-link, configure, boot
// source, drives, net iface, start) and is supplied by the lifecycle
// package, which already implements that sequence for spawn/resume.
type Deps struct {
	Host       config.HostConfig
	Runner     *execw.Runner
	Network    *network.Driver
	ProxyCtl   *proxy.Driver
	AgentPort  int
	Respawn    func(ctx context.Context, t *config.Tenant) (pid int, err error)
	PersistPID func(name string, pid int) error
}

// Func is one repair's signature; it returns the audit result.
type Func func(ctx context.Context, t *config.Tenant, d Deps) config.RepairResult

var table = map[string]Func{
	checks.NameVMProcess:    repairVMProcess,
	checks.NameVMResponsive: repairEnsureGateway,
	checks.NameNetTap:       repairNetTap,
	checks.NameNetGateway:   repairEnsureGateway,
	checks.NameCaddyRoute:   repairCaddyRoute,
}

// Lookup returns the Func registered for checkName, or nil.
func Lookup(checkName string) Func { return table[checkName] }

// RunDeduped runs each distinct repair function registered for the names
// in failedChecks at most once (checks sharing a repair, such as
// vm.responsive and net.gateway, run it once), in the order they appear,
// and returns all results.
func RunDeduped(ctx context.Context, t *config.Tenant, failedChecks []string, d Deps) []config.RepairResult {
	seen := make(map[uintptr]bool, len(failedChecks))
	results := make([]config.RepairResult, 0, len(failedChecks))
	for _, name := range failedChecks {
		fn := table[name]
		if fn == nil {
			continue
		}
		key := reflect.ValueOf(fn).Pointer()
		if seen[key] {
			continue
		}
		seen[key] = true
		results = append(results, fn(ctx, t, d))
	}
	return results
}

// repairVMProcess rebuilds the whole VM from the jailer up: kill anything
// left over, re-spawn detached, reconfigure the VMM, wait for the agent,
// and re-inject secrets (the injection itself happens inside Respawn,
// which shares the spawn lifecycle's boot sequence).
func repairVMProcess(ctx context.Context, t *config.Tenant, d Deps) config.RepairResult {
	var actions []string

	if t.VMPID != 0 {
		_ = jailer.Kill(t.VMPID, syscall.SIGKILL)
		actions = append(actions, fmt.Sprintf("killed recorded pid %d", t.VMPID))
	}

	if d.Runner != nil {
		_ = d.Runner.Unchecked(ctx, execw.DefaultTimeout, "pkill", "-9", "-f", "--id", t.VMID)
		actions = append(actions, "killed orphan vmm processes for "+t.VMID)
	}

	paths := jailer.Paths{ChrootBase: d.Host.ChrootBase, VMID: t.VMID}
	_ = jailer.CleanupChroot(paths)
	actions = append(actions, "cleaned chroot")

	if d.Respawn == nil {
		return config.RepairResult{Repair: checks.NameVMProcess, Fixed: false, Actions: append(actions, "no respawn function configured")}
	}

	pid, err := d.Respawn(ctx, t)
	if err != nil {
		return config.RepairResult{Repair: checks.NameVMProcess, Fixed: false, Actions: append(actions, "respawn failed: "+err.Error())}
	}
	actions = append(actions, fmt.Sprintf("respawned with pid %d", pid))

	if err := agentclient.WaitForAgent(ctx, t.GuestIP, d.AgentPort, agentWaitBudget); err != nil {
		return config.RepairResult{Repair: checks.NameVMProcess, Fixed: false, Actions: append(actions, "agent never came up: "+err.Error())}
	}
	actions = append(actions, "agent responsive")

	if d.PersistPID != nil {
		if err := d.PersistPID(t.Name, pid); err != nil {
			actions = append(actions, "persist pid failed: "+err.Error())
		}
	}

	return config.RepairResult{Repair: checks.NameVMProcess, Fixed: true, Actions: actions}
}

func repairEnsureGateway(ctx context.Context, t *config.Tenant, d Deps) config.RepairResult {
	c := agentclient.New(t.GuestIP, d.AgentPort, t.AgentToken)
	status, err := c.EnsureGateway(ctx)
	if err != nil {
		return config.RepairResult{Repair: checks.NameVMResponsive, Fixed: false, Actions: []string{"ensure-gateway failed: " + err.Error()}}
	}
	return config.RepairResult{
		Repair:  checks.NameVMResponsive,
		Fixed:   true,
		Actions: []string{fmt.Sprintf("gateway status=%s pid=%d", status.Status, status.Pid)},
	}
}

func repairNetTap(ctx context.Context, t *config.Tenant, d Deps) config.RepairResult {
	var actions []string

	if err := d.Network.AddTap(ctx, t.TapDev, t.HostIP); err != nil {
		return config.RepairResult{Repair: checks.NameNetTap, Fixed: false, Actions: []string{"recreate tap failed: " + err.Error()}}
	}
	actions = append(actions, "tap recreated")

	if err := d.Network.AddNAT(ctx, t.TapDev, t.HostIP, t.GuestIP, t.GatewayPort); err != nil {
		return config.RepairResult{Repair: checks.NameNetTap, Fixed: false, Actions: append(actions, "restore nat failed: "+err.Error())}
	}
	actions = append(actions, "nat restored")

	if err := d.Network.AddIsolationRules(ctx, t.TapDev); err != nil {
		return config.RepairResult{Repair: checks.NameNetTap, Fixed: false, Actions: append(actions, "restore isolation failed: "+err.Error())}
	}
	actions = append(actions, "isolation rules restored")

	return config.RepairResult{Repair: checks.NameNetTap, Fixed: true, Actions: actions}
}

func repairCaddyRoute(ctx context.Context, t *config.Tenant, d Deps) config.RepairResult {
	if err := d.ProxyCtl.AddTenantRoutes(ctx, t.Name, d.Host.ProxyDomain, t.GuestIP); err != nil {
		return config.RepairResult{Repair: checks.NameCaddyRoute, Fixed: false, Actions: []string{"re-add routes failed: " + err.Error()}}
	}
	return config.RepairResult{Repair: checks.NameCaddyRoute, Fixed: true, Actions: []string{"routes re-added"}}
}
