// Package config defines the persistent data model lobsterd reconciles
// against on every tick: the tenant registry and the host configuration.
package config

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"time"
)

var nameRe = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// ValidateName reports whether name is a legal tenant name.
func ValidateName(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("tenant name %q must match %s", name, nameRe.String())
	}
	return nil
}

// Status is a tenant's lifecycle status.
type Status string

const (
	StatusActive   Status = "active"
	StatusSuspended Status = "suspended"
	StatusRemoving  Status = "removing"
)

// Tenant is one guest's full identity and mutable runtime state.
type Tenant struct {
	Name string `json:"name"`

	// Immutable identity, assigned once at spawn time.
	VMID         string    `json:"vm_id"`
	CID          int       `json:"cid"`
	HostIP       string    `json:"host_ip"`
	GuestIP      string    `json:"guest_ip"`
	TapDev       string    `json:"tap_dev"`
	GatewayPort  int       `json:"gateway_port"`
	OverlayPath  string    `json:"overlay_path"`
	SocketPath   string    `json:"socket_path"`
	JailUID      int       `json:"jail_uid"`
	AgentToken   string    `json:"agent_token"`
	GatewayToken string    `json:"gateway_token"`
	CreatedAt    time.Time `json:"created_at"`

	// Mutable.
	VMPID       int          `json:"vm_pid,omitempty"`
	Status      Status       `json:"status"`
	SuspendInfo *SuspendInfo `json:"suspend_info,omitempty"`
}

// CronSchedule is one guest-reported scheduled job.
type CronSchedule struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	NextRunAtMs int64  `json:"next_run_at_ms"`
	Schedule   string `json:"schedule"`
}

// SuspendInfo records everything resume needs to bring a tenant back.
type SuspendInfo struct {
	SuspendedAt   time.Time      `json:"suspended_at"`
	SnapshotDir   string         `json:"snapshot_dir"`
	CronSchedules []CronSchedule `json:"cron_schedules"`
	NextWakeAtMs  *int64         `json:"next_wake_at_ms"`
	LastRxBytes   int64          `json:"last_rx_bytes"`
}

// Registry is the single source of truth for every tenant and the
// monotonic allocators that hand out new identifiers.
type Registry struct {
	Tenants []Tenant `json:"tenants"`

	NextCID         int `json:"next_cid"`
	NextSubnetIndex int `json:"next_subnet_index"`
	NextGatewayPort int `json:"next_gateway_port"`
	NextJailUID     int `json:"next_jail_uid"`
}

// Find returns a pointer into r.Tenants for name, or nil.
func (r *Registry) Find(name string) *Tenant {
	for i := range r.Tenants {
		if r.Tenants[i].Name == name {
			return &r.Tenants[i]
		}
	}
	return nil
}

// Remove deletes the tenant named name, if present.
func (r *Registry) Remove(name string) {
	for i := range r.Tenants {
		if r.Tenants[i].Name == name {
			r.Tenants = append(r.Tenants[:i], r.Tenants[i+1:]...)
			return
		}
	}
}

// NetworkConfig is the HostConfig's network section.
type NetworkConfig struct {
	Bridge          string `json:"bridge"`
	SubnetBase      string `json:"subnet_base"`
	SubnetMask      int    `json:"subnet_mask"`
	GatewayPortStart int   `json:"gateway_port_start"`
}

// WatchdogConfig holds the watchdog/scheduler tunings.
type WatchdogConfig struct {
	IntervalMs         int64 `json:"interval_ms"`
	MaxRepairAttempts  int   `json:"max_repair_attempts"`
	RepairCooldownMs   int64 `json:"repair_cooldown_ms"`
	IdleThresholdMs    int64 `json:"idle_threshold_ms"`
	TrafficPollMs      int64 `json:"traffic_poll_ms"`
	CronWakeAheadMs    int64 `json:"cron_wake_ahead_ms"`
}

// APIConfig configures the bearer-authenticated HTTP API.
type APIConfig struct {
	Port           int    `json:"port"`
	Host           string `json:"host"`
	APIToken       string `json:"api_token"`
	AgentLockdown  bool   `json:"agent_lockdown"`
}

// GatewayConfig is the default in-guest gateway configuration, merged
// per-tenant by appending the tenant's public origin to its allowlist.
type GatewayConfig struct {
	Allowlist []string       `json:"allowlist"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// WithAllowlistAppended returns a JSON-encoded copy of g with origin
// appended to the allowlist, ready to inject as OPENCLAW_CONFIG.
func (g GatewayConfig) WithAllowlistAppended(origin string) string {
	merged := GatewayConfig{
		Allowlist: append(append([]string{}, g.Allowlist...), origin),
		Extra:     g.Extra,
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// HostConfig is the operator-facing, host-wide configuration.
type HostConfig struct {
	// Paths.
	VMMBinary      string `json:"vmm_binary"`
	JailerBinary   string `json:"jailer_binary"`
	KernelImage    string `json:"kernel_image"`
	RootfsImage    string `json:"rootfs_image"`
	ChrootBase     string `json:"chroot_base"`
	OverlayBase    string `json:"overlay_base"`
	SocketsDir     string `json:"sockets_dir"`
	KernelsDir     string `json:"kernels_dir"`

	// Defaults.
	DefaultVCPUs         int `json:"default_vcpus"`
	DefaultMemMiB        int `json:"default_mem_mib"`
	DefaultOverlayMiB    int `json:"default_overlay_mib"`
	SnapshotRetention    int `json:"snapshot_retention"`

	Network NetworkConfig `json:"network"`

	ProxyAdminURL string `json:"proxy_admin_url"`
	ProxyDomain   string `json:"proxy_domain"`
	TLSCertPath   string `json:"tls_cert_path,omitempty"`
	TLSKeyPath    string `json:"tls_key_path,omitempty"`

	AgentPort          int           `json:"agent_port"`
	HealthPort         int           `json:"health_port"`
	AgentConnectTimeoutMs int64      `json:"agent_connect_timeout_ms"`

	Watchdog WatchdogConfig `json:"watchdog"`
	API      APIConfig      `json:"api"`

	DefaultGateway GatewayConfig `json:"default_gateway"`
}

// DefaultHostConfig returns the configuration used when no config file
// exists yet (load_config's defaulted-value-on-absence behaviour).
func DefaultHostConfig() HostConfig {
	return HostConfig{
		VMMBinary:    "/usr/bin/firecracker",
		JailerBinary: "/usr/bin/jailer",
		KernelImage:  "/var/lib/lobsterd/kernels/vmlinux",
		RootfsImage:  "/var/lib/lobsterd/rootfs.ext4",
		ChrootBase:   "/var/lib/lobsterd/jailer",
		OverlayBase:  "/var/lib/lobsterd/overlays",
		SocketsDir:   "/var/lib/lobsterd/sockets",
		KernelsDir:   "/var/lib/lobsterd/kernels",

		DefaultVCPUs:      2,
		DefaultMemMiB:     1024,
		DefaultOverlayMiB: 4096,
		SnapshotRetention: 7,

		Network: NetworkConfig{
			Bridge:           "lobster0",
			SubnetBase:       "10.0.0.0",
			SubnetMask:       30,
			GatewayPortStart: 9000,
		},

		ProxyAdminURL: "http://localhost:2019",
		ProxyDomain:   "lobster.local",

		AgentPort:             52,
		HealthPort:            53,
		AgentConnectTimeoutMs: 30_000,

		Watchdog: WatchdogConfig{
			IntervalMs:        10_000,
			MaxRepairAttempts: 3,
			RepairCooldownMs:  30_000,
			IdleThresholdMs:   15 * 60 * 1000,
			TrafficPollMs:     5_000,
			CronWakeAheadMs:   30_000,
		},

		API: APIConfig{
			Port: 7007,
			Host: "127.0.0.1",
		},

		DefaultGateway: GatewayConfig{Allowlist: []string{}},
	}
}

// DefaultRegistry returns the allocator starting points used when no
// registry file exists yet.
func DefaultRegistry() Registry {
	return Registry{
		Tenants:         []Tenant{},
		NextCID:         3,
		NextSubnetIndex: 1,
		NextGatewayPort: 9000,
		NextJailUID:     10000,
	}
}

// GuestGatewayPort is the fixed, non-allocated port the in-guest gateway
// listens on inside every tenant.
const GuestGatewayPort = 9000

// Addresses computes the host and guest IPv4 addresses of the /30 network
// at subnet index k (k >= 1), given subnet base B in dotted-quad form, per
// the address-allocation rule: net = B + 4k, host = net+1, guest = net+2.
// Returns an error instead of wrapping once 4k would overflow the 32-bit
// address space, so an exhausted allocator range surfaces as a validation
// failure rather than silently reusing a low subnet index's addresses.
func Addresses(base string, k int) (hostIP, guestIP string, err error) {
	if k < 1 {
		return "", "", fmt.Errorf("subnet index %d must be >= 1", k)
	}
	ip := net.ParseIP(base).To4()
	if ip == nil {
		return "", "", fmt.Errorf("invalid subnet base %q", base)
	}
	b := uint64(binary.BigEndian.Uint32(ip))
	netAddr := b + uint64(k)*4
	if netAddr+2 > 0xFFFFFFFF {
		return "", "", fmt.Errorf("subnet index %d overflows the configured address range", k)
	}
	host := intToIP(uint32(netAddr + 1))
	guest := intToIP(uint32(netAddr + 2))
	return host.String(), guest.String(), nil
}

func intToIP(v uint32) net.IP {
	b := make(net.IP, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// BootIPParam encodes the kernel IP boot parameter for a tenant exactly as
// the boot-source driver must pass it in boot_args: "ip=<guest>::<host>:
// 255.255.255.252::eth0:off".
func BootIPParam(guestIP, hostIP string) string {
	return fmt.Sprintf("ip=%s::%s:255.255.255.252::eth0:off", guestIP, hostIP)
}

// HealthCheckResult is one probe's outcome.
type HealthCheckResult struct {
	Check   string `json:"check"`
	Status  string `json:"status"` // ok | degraded | failed
	Message string `json:"message"`
}

const (
	CheckOK       = "ok"
	CheckDegraded = "degraded"
	CheckFailed   = "failed"
)

// AllOK reports whether every result in the vector is CheckOK.
func AllOK(results []HealthCheckResult) bool {
	for _, r := range results {
		if r.Status != CheckOK {
			return false
		}
	}
	return true
}

// RepairResult is one repair function's outcome.
type RepairResult struct {
	Repair  string   `json:"repair"`
	Fixed   bool     `json:"fixed"`
	Actions []string `json:"actions"`
}

// WatchState is the watchdog's per-tenant state machine state.
type WatchState string

const (
	WatchUnknown    WatchState = "UNKNOWN"
	WatchHealthy    WatchState = "HEALTHY"
	WatchDegraded   WatchState = "DEGRADED"
	WatchRecovering WatchState = "RECOVERING"
	WatchFailed     WatchState = "FAILED"
	WatchSuspended  WatchState = "SUSPENDED"
)

// TenantWatchState is the in-memory watchdog bookkeeping for one tenant.
// It is never persisted to the registry file; it is reset whenever the
// tenant disappears from disk.
type TenantWatchState struct {
	State          WatchState
	LastCheckTS    time.Time
	LastResults    []HealthCheckResult
	RepairAttempts int
	LastRepairAt   time.Time
}
