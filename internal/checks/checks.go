// Package checks runs the fixed set of per-tenant diagnostic probes the
// watchdog and CLI both rely on. Each check is a plain function looked up
// by name in a dispatch table, the same shape the teacher's health-check
// package used for its probe registry, rather than one type per check.
package checks

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/lobsterd/lobsterd/internal/agentclient"
	"github.com/lobsterd/lobsterd/internal/config"
	"github.com/lobsterd/lobsterd/internal/execw"
	"github.com/lobsterd/lobsterd/internal/proxy"
)

// Names of the five checks, in the order the watchdog runs them.
const (
	NameVMProcess   = "vm.process"
	NameVMResponsive = "vm.responsive"
	NameNetTap      = "net.tap"
	NameNetGateway  = "net.gateway"
	NameCaddyRoute  = "net.caddy-route"
)

// Names lists every check in run order.
var Names = []string{NameVMProcess, NameVMResponsive, NameNetTap, NameNetGateway, NameCaddyRoute}

// Deps bundles the drivers a check function needs. Not every check uses
// every field.
type Deps struct {
	Runner    *execw.Runner
	ProxyCtl  *proxy.Driver
	AgentPort int
}

// Func is one check's signature.
type Func func(ctx context.Context, t *config.Tenant, d Deps) config.HealthCheckResult

// table is the dispatch table keyed by check name.
var table = map[string]Func{
	NameVMProcess:    checkVMProcess,
	NameVMResponsive: checkVMResponsive,
	NameNetTap:       checkNetTap,
	NameNetGateway:   checkNetGateway,
	NameCaddyRoute:   checkCaddyRoute,
}

// Lookup returns the Func registered for name, or nil if name is unknown.
func Lookup(name string) Func { return table[name] }

// RunAll executes every check in Names order. A suspended tenant is
// excluded from the checks entirely; a synthesized ok result carries that
// fact as metadata instead.
func RunAll(ctx context.Context, t *config.Tenant, d Deps) []config.HealthCheckResult {
	if t.Status == config.StatusSuspended {
		results := make([]config.HealthCheckResult, len(Names))
		for i, name := range Names {
			results[i] = config.HealthCheckResult{Check: name, Status: config.CheckOK, Message: "skipped"}
		}
		return results
	}

	results := make([]config.HealthCheckResult, 0, len(Names))
	for _, name := range Names {
		results = append(results, table[name](ctx, t, d))
	}
	return results
}

func checkVMProcess(_ context.Context, t *config.Tenant, _ Deps) config.HealthCheckResult {
	if t.VMPID == 0 {
		return config.HealthCheckResult{Check: NameVMProcess, Status: config.CheckFailed, Message: "no recorded pid"}
	}
	if !processAlive(t.VMPID) {
		return config.HealthCheckResult{Check: NameVMProcess, Status: config.CheckFailed, Message: fmt.Sprintf("pid %d not alive", t.VMPID)}
	}
	return config.HealthCheckResult{Check: NameVMProcess, Status: config.CheckOK, Message: "running"}
}

func checkVMResponsive(ctx context.Context, t *config.Tenant, d Deps) config.HealthCheckResult {
	c := agentclient.New(t.GuestIP, d.AgentPort, t.AgentToken)
	if err := c.HealthPing(ctx); err != nil {
		return config.HealthCheckResult{Check: NameVMResponsive, Status: config.CheckFailed, Message: err.Error()}
	}
	return config.HealthCheckResult{Check: NameVMResponsive, Status: config.CheckOK, Message: "PONG"}
}

func checkNetTap(ctx context.Context, t *config.Tenant, d Deps) config.HealthCheckResult {
	if _, err := d.Runner.Run(ctx, execw.DefaultTimeout, "ip", "link", "show", t.TapDev); err != nil {
		return config.HealthCheckResult{Check: NameNetTap, Status: config.CheckFailed, Message: err.Error()}
	}
	return config.HealthCheckResult{Check: NameNetTap, Status: config.CheckOK, Message: "present"}
}

// checkNetGateway never opens a TCP connection to the guest gateway port:
// doing so would itself count as an active client and suppress idle
// detection. get-stats is a pure agent RPC, not a socket to the gateway.
func checkNetGateway(ctx context.Context, t *config.Tenant, d Deps) config.HealthCheckResult {
	c := agentclient.New(t.GuestIP, d.AgentPort, t.AgentToken)
	stats, err := c.GetStats(ctx)
	if err != nil {
		return config.HealthCheckResult{Check: NameNetGateway, Status: config.CheckFailed, Message: err.Error()}
	}
	if stats.GatewayPid == 0 {
		return config.HealthCheckResult{Check: NameNetGateway, Status: config.CheckFailed, Message: "gateway not running"}
	}
	return config.HealthCheckResult{Check: NameNetGateway, Status: config.CheckOK, Message: fmt.Sprintf("pid %d", stats.GatewayPid)}
}

func checkCaddyRoute(ctx context.Context, t *config.Tenant, d Deps) config.HealthCheckResult {
	ok, err := d.ProxyCtl.HasTenantRoutes(ctx, t.Name)
	if err != nil {
		return config.HealthCheckResult{Check: NameCaddyRoute, Status: config.CheckFailed, Message: err.Error()}
	}
	if !ok {
		return config.HealthCheckResult{Check: NameCaddyRoute, Status: config.CheckFailed, Message: "routes missing"}
	}
	return config.HealthCheckResult{Check: NameCaddyRoute, Status: config.CheckOK, Message: "present"}
}

// processAlive implements the kill(pid, 0) liveness idiom: signal 0 sends
// no signal but still reports ESRCH if the process is gone.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
