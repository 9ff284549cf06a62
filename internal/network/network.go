// Package network is the network driver: TAP create/delete, NAT
// (DNAT/MASQUERADE) add/remove, per-tenant isolation rule set add/remove,
// IP-forwarding enable, and custom-chain ensure/flush. It shells out to
// ip/iptables/sysctl, idempotently, in the idiom of the teacher's network
// setup driver (exist-check-then-add, -C/-D flag pairs, CombinedOutput
// error wrapping) generalised to the tenant isolation rule set this spec
// requires.
package network

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lobsterd/lobsterd/internal/errs"
	"github.com/lobsterd/lobsterd/internal/execw"
)

const (
	// GuestGatewayPort is the fixed in-guest gateway listen port.
	GuestGatewayPort = 9000

	chainInput   = "LOBSTER-INPUT"
	chainForward = "LOBSTER-FORWARD"

	cmdTimeout = 10 * time.Second
)

var privateRanges = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
}

// Driver runs ip/iptables/sysctl on behalf of lifecycle commands.
type Driver struct {
	logger *slog.Logger
	runner *execw.Runner
}

// New returns a Driver.
func New(logger *slog.Logger) *Driver {
	return &Driver{logger: logger, runner: execw.New()}
}

func (d *Driver) run(ctx context.Context, name string, args ...string) error {
	_, err := d.runner.Run(ctx, cmdTimeout, name, args...)
	return err
}

func (d *Driver) runOutput(ctx context.Context, name string, args ...string) (string, error) {
	return d.runner.Output(ctx, cmdTimeout, name, args...)
}

// EnsureChains creates LOBSTER-INPUT and LOBSTER-FORWARD if absent and
// ensures a jump to each sits at position 1 of the built-in INPUT and
// FORWARD chains. Idempotent: calling it N times yields exactly one jump
// in each built-in chain.
func (d *Driver) EnsureChains(ctx context.Context) error {
	for _, chain := range []string{chainInput, chainForward} {
		if err := d.run(ctx, "iptables", "-N", chain); err != nil && !isChainExistsError(err) {
			return errs.Wrap(errs.CodeTapCreateFailed, "creating chain "+chain, err)
		}
	}

	jumps := []struct{ builtin, custom string }{
		{"INPUT", chainInput},
		{"FORWARD", chainForward},
	}
	for _, j := range jumps {
		if err := d.ensureJump(ctx, j.builtin, j.custom); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) ensureJump(ctx context.Context, builtin, custom string) error {
	if err := d.run(ctx, "iptables", "-C", builtin, "-j", custom); err == nil {
		return nil // already present
	}
	if err := d.run(ctx, "iptables", "-I", builtin, "1", "-j", custom); err != nil {
		return errs.Wrapf(errs.CodeTapCreateFailed, err, "jumping %s -> %s", builtin, custom)
	}
	return nil
}

// EnableIPForwarding sets net.ipv4.ip_forward=1 globally.
func (d *Driver) EnableIPForwarding(ctx context.Context) error {
	if err := d.run(ctx, "sysctl", "-w", "net.ipv4.ip_forward=1"); err != nil {
		return errs.Wrap(errs.CodeTapCreateFailed, "enabling ip forwarding", err)
	}
	return nil
}

// AddTap creates the tap device, assigns hostIP/30, brings it up, and
// disables IPv6 on it. The first three steps are treated as one
// all-or-nothing unit: a failure tears down whatever partial state it
// created. A failure to disable IPv6 is only logged.
func (d *Driver) AddTap(ctx context.Context, tap, hostIP string) error {
	if err := d.run(ctx, "ip", "tuntap", "add", "dev", tap, "mode", "tap"); err != nil {
		return errs.Wrap(errs.CodeTapCreateFailed, "creating tap "+tap, err)
	}
	if err := d.run(ctx, "ip", "addr", "add", hostIP+"/30", "dev", tap); err != nil {
		_ = d.run(ctx, "ip", "link", "del", tap)
		return errs.Wrap(errs.CodeTapCreateFailed, "assigning address to "+tap, err)
	}
	if err := d.run(ctx, "ip", "link", "set", tap, "up"); err != nil {
		_ = d.run(ctx, "ip", "link", "del", tap)
		return errs.Wrap(errs.CodeTapCreateFailed, "bringing up "+tap, err)
	}
	if err := d.run(ctx, "sysctl", "-w", fmt.Sprintf("net.ipv6.conf.%s.disable_ipv6=1", tap)); err != nil {
		d.logger.Warn("failed to disable ipv6 on tap", "tap", tap, "error", err)
	}
	return nil
}

// RemoveTap deletes the tap device; a missing device is success.
func (d *Driver) RemoveTap(ctx context.Context, tap string) error {
	if !d.deviceExists(ctx, tap) {
		return nil
	}
	if err := d.run(ctx, "ip", "link", "del", tap); err != nil {
		return errs.Wrap(errs.CodeTapCreateFailed, "deleting tap "+tap, err)
	}
	return nil
}

func (d *Driver) deviceExists(ctx context.Context, name string) bool {
	return d.run(ctx, "ip", "link", "show", name) == nil
}

// AddLoopbackAlias adds guestIP/32 to lo so a wake sentinel can bind it
// before the tap device for a suspended tenant exists. Idempotent.
func (d *Driver) AddLoopbackAlias(ctx context.Context, guestIP string) error {
	if err := d.run(ctx, "ip", "addr", "add", guestIP+"/32", "dev", "lo"); err != nil {
		if strings.Contains(err.Error(), "File exists") {
			return nil
		}
		return errs.Wrap(errs.CodeTapCreateFailed, "adding loopback alias "+guestIP, err)
	}
	return nil
}

// RemoveLoopbackAlias reverses AddLoopbackAlias; a missing alias is success.
func (d *Driver) RemoveLoopbackAlias(ctx context.Context, guestIP string) error {
	if err := d.run(ctx, "ip", "addr", "del", guestIP+"/32", "dev", "lo"); err != nil {
		if strings.Contains(err.Error(), "Cannot assign requested address") {
			return nil
		}
		return errs.Wrap(errs.CodeTapCreateFailed, "removing loopback alias "+guestIP, err)
	}
	return nil
}

// LoopbackAliases lists the IP of every /32 alias currently present on lo.
// Used at scheduler startup to find aliases left behind by a prior
// process that never reached RemoveLoopbackAlias.
func (d *Driver) LoopbackAliases(ctx context.Context) ([]string, error) {
	out, err := d.runOutput(ctx, "ip", "-o", "addr", "show", "dev", "lo")
	if err != nil {
		return nil, errs.Wrap(errs.CodeTapCreateFailed, "listing loopback addresses", err)
	}
	var ips []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		for i, f := range fields {
			if f != "inet" || i+1 >= len(fields) {
				continue
			}
			cidr := fields[i+1]
			if !strings.HasSuffix(cidr, "/32") {
				continue
			}
			ip := strings.TrimSuffix(cidr, "/32")
			if ip != "127.0.0.1" {
				ips = append(ips, ip)
			}
		}
	}
	return ips, nil
}

// AddNAT installs the DNAT (external port -> guest gateway) and the two
// MASQUERADE rules for inbound and outbound traffic on tap.
func (d *Driver) AddNAT(ctx context.Context, tap, hostIP, guestIP string, gatewayPort int) error {
	comment := "lobster:" + tap
	rules := [][]string{
		{"-t", "nat", "-A", "PREROUTING", "-p", "tcp", "--dport", itoa(gatewayPort),
			"!", "-s", "10.0.0.0/8", "-j", "DNAT", "--to-destination", fmt.Sprintf("%s:%d", guestIP, GuestGatewayPort),
			"-m", "comment", "--comment", comment},
		{"-t", "nat", "-A", "POSTROUTING", "-o", tap, "-j", "MASQUERADE",
			"-m", "comment", "--comment", comment},
		{"-t", "nat", "-A", "POSTROUTING", "-s", guestIP + "/32", "!", "-o", tap, "-j", "MASQUERADE",
			"-m", "comment", "--comment", comment},
	}
	for _, args := range rules {
		if err := d.ensureRule(ctx, args); err != nil {
			return errs.Wrap(errs.CodeTapCreateFailed, "adding NAT rule for "+tap, err)
		}
	}
	return nil
}

// RemoveNAT reverses AddNAT, ignoring "rule not found" errors.
func (d *Driver) RemoveNAT(ctx context.Context, tap, hostIP, guestIP string, gatewayPort int) error {
	comment := "lobster:" + tap
	rules := [][]string{
		{"-t", "nat", "-D", "PREROUTING", "-p", "tcp", "--dport", itoa(gatewayPort),
			"!", "-s", "10.0.0.0/8", "-j", "DNAT", "--to-destination", fmt.Sprintf("%s:%d", guestIP, GuestGatewayPort),
			"-m", "comment", "--comment", comment},
		{"-t", "nat", "-D", "POSTROUTING", "-o", tap, "-j", "MASQUERADE",
			"-m", "comment", "--comment", comment},
		{"-t", "nat", "-D", "POSTROUTING", "-s", guestIP + "/32", "!", "-o", tap, "-j", "MASQUERADE",
			"-m", "comment", "--comment", comment},
	}
	var firstErr error
	for _, args := range rules {
		if err := d.run(ctx, "iptables", args...); err != nil && !isRuleMissingError(err) && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return errs.Wrap(errs.CodeTapCreateFailed, "removing NAT rules for "+tap, firstErr)
	}
	return nil
}

// AddIsolationRules installs the per-tenant isolation rule set in
// LOBSTER-INPUT and LOBSTER-FORWARD.
func (d *Driver) AddIsolationRules(ctx context.Context, tap string) error {
	for _, args := range isolationRules("-A", tap) {
		if err := d.run(ctx, "iptables", args...); err != nil {
			return errs.Wrap(errs.CodeTapCreateFailed, "adding isolation rule for "+tap, err)
		}
	}
	return nil
}

// RemoveIsolationRules reverses AddIsolationRules, tolerating missing
// rules.
func (d *Driver) RemoveIsolationRules(ctx context.Context, tap string) error {
	var firstErr error
	for _, args := range isolationRules("-D", tap) {
		if err := d.run(ctx, "iptables", args...); err != nil && !isRuleMissingError(err) && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return errs.Wrap(errs.CodeTapCreateFailed, "removing isolation rules for "+tap, firstErr)
	}
	return nil
}

// AddAgentLockdownRules restricts tap's forwarded traffic to the host
// gateway alone, dropping everything else new-outbound. Installed ahead
// of the generic isolation rule set's accept-outbound rule so it takes
// precedence; only active when the host config's agent_lockdown flag is
// set.
func (d *Driver) AddAgentLockdownRules(ctx context.Context, tap, hostIP string) error {
	for i, args := range agentLockdownRules(tap, hostIP) {
		checkArgs := append([]string{}, args...)
		checkArgs[2] = "-C"
		if d.run(ctx, "iptables", checkArgs...) == nil {
			continue
		}
		// Insert at position i+1 so allow-host stays above deny-rest.
		insertArgs := append([]string{"-t", "filter", "-I", chainForward, itoa(i + 1)}, args[4:]...)
		if err := d.run(ctx, "iptables", insertArgs...); err != nil {
			return errs.Wrap(errs.CodeTapCreateFailed, "adding agent-lockdown rule for "+tap, err)
		}
	}
	return nil
}

// RemoveAgentLockdownRules reverses AddAgentLockdownRules, tolerating
// rules that are already gone.
func (d *Driver) RemoveAgentLockdownRules(ctx context.Context, tap, hostIP string) error {
	var firstErr error
	for _, args := range agentLockdownRules(tap, hostIP) {
		deleteArgs := append([]string{}, args...)
		deleteArgs[2] = "-D"
		if err := d.run(ctx, "iptables", deleteArgs...); err != nil && !isRuleMissingError(err) && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return errs.Wrap(errs.CodeTapCreateFailed, "removing agent-lockdown rules for "+tap, firstErr)
	}
	return nil
}

func agentLockdownRules(tap, hostIP string) [][]string {
	comment := func(suffix string) []string {
		return []string{"-m", "comment", "--comment", fmt.Sprintf("lobster:%s:lockdown:%s", tap, suffix)}
	}
	rules := [][]string{
		append([]string{chainForward, "-A", "-i", tap, "-d", hostIP, "-j", "ACCEPT"}, comment("allow-host")...),
		append([]string{chainForward, "-A", "-i", tap, "-j", "DROP"}, comment("deny-rest")...),
	}
	out := make([][]string, len(rules))
	for i, r := range rules {
		chain := r[0]
		action := r[1]
		out[i] = append([]string{"-t", "filter", action, chain}, r[2:]...)
	}
	return out
}

func isolationRules(action, tap string) [][]string {
	comment := func(suffix string) []string {
		return []string{"-m", "comment", "--comment", fmt.Sprintf("lobster:%s:%s", tap, suffix)}
	}

	rules := [][]string{
		append([]string{chainInput, action, "-i", tap, "-m", "conntrack", "--ctstate", "ESTABLISHED,RELATED", "-j", "ACCEPT"}, comment("return")...),
		append([]string{chainInput, action, "-i", tap, "-j", "DROP"}, comment("block-host")...),
		append([]string{chainForward, action, "-o", tap, "-m", "conntrack", "--ctstate", "ESTABLISHED,RELATED", "-j", "ACCEPT"}, comment("return")...),
		append([]string{chainForward, action, "-o", tap, "-p", "tcp", "--dport", itoa(GuestGatewayPort), "-m", "conntrack", "--ctstate", "NEW", "-j", "ACCEPT"}, comment("gateway")...),
	}
	for _, network := range privateRanges {
		rules = append(rules, append([]string{chainForward, action, "-i", tap, "-d", network, "-j", "DROP"}, comment("drop-private")...))
	}
	rules = append(rules,
		append([]string{chainForward, action, "-i", tap, "-m", "connlimit", "--connlimit-above", "1024", "--connlimit-saddr", "-j", "DROP"}, comment("connlimit")...),
		append([]string{chainForward, action, "-i", tap, "-j", "ACCEPT"}, comment("accept-outbound")...),
	)

	out := make([][]string, len(rules))
	for i, r := range rules {
		chain := r[0]
		rest := r[1:]
		out[i] = append([]string{"-t", "filter", rest[0], chain}, rest[1:]...)
	}
	return out
}

func (d *Driver) ensureRule(ctx context.Context, addArgs []string) error {
	checkArgs := append([]string{}, addArgs...)
	checkArgs[2] = "-C" // swap -A for -C
	if err := d.run(ctx, "iptables", checkArgs...); err == nil {
		return nil
	}
	return d.run(ctx, "iptables", addArgs...)
}

func isRuleMissingError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "No chain/target/match by that name") ||
		strings.Contains(msg, "Bad rule (does a matching rule exist in that chain?)")
}

func isChainExistsError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "Chain already exists")
}

func itoa(n int) string { return fmt.Sprintf("%d", n) }
