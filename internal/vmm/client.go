// Package vmm is the VMM driver: every call is an HTTP request over a Unix
// domain socket to http://localhost/<path>. Bodies are JSON; non-2xx
// responses map to a typed error. The unix-socket HTTP client and its
// caching-by-socket-path idiom are generalised from the pack's Firecracker
// clients (a cached *http.Client per socket path, custom DialContext).
package vmm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/lobsterd/lobsterd/internal/errs"
)

var (
	clientsMu sync.Mutex
	clients   = make(map[string]*http.Client)
)

// httpClientForSocket returns a cached *http.Client dialing socketPath for
// every request, creating one on first use.
func httpClientForSocket(socketPath string) *http.Client {
	clientsMu.Lock()
	defer clientsMu.Unlock()

	if c, ok := clients[socketPath]; ok {
		return c
	}

	c := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				d := net.Dialer{}
				return d.DialContext(ctx, "unix", socketPath)
			},
			MaxIdleConns:        2,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     30 * time.Second,
		},
		Timeout: 30 * time.Second,
	}
	clients[socketPath] = c
	return c
}

// RemoveSocketClient evicts and closes the cached client for socketPath so
// a later New call gets a fresh client rather than a stale cached
// one. No code in this module calls it.
func RemoveSocketClient(socketPath string) {
	clientsMu.Lock()
	defer clientsMu.Unlock()
	if c, ok := clients[socketPath]; ok {
		c.CloseIdleConnections()
		delete(clients, socketPath)
	}
}

// Client talks to one tenant's VMM API socket.
type Client struct {
	socketPath string
	http       *http.Client
}

// New returns a Client bound to socketPath.
func New(socketPath string) *Client {
	return &Client{socketPath: socketPath, http: httpClientForSocket(socketPath)}
}

// RateLimiter mirrors the VMM's bandwidth/ops rate limiter body shape.
type RateLimiter struct {
	Bandwidth *TokenBucket `json:"bandwidth,omitempty"`
	Ops       *TokenBucket `json:"ops,omitempty"`
}

// TokenBucket is one RateLimiter dimension.
type TokenBucket struct {
	Size         int64 `json:"size"`
	RefillTime   int64 `json:"refill_time"`
	OneTimeBurst int64 `json:"one_time_burst,omitempty"`
}

// DefaultRateLimiter builds the resource-budget rate limiter: 10 Mbps
// rx/tx at 1000 ops/s bandwidth, matching the network rate limit, or 50
// MiB/s at 5000 ops/s for disk — callers pass the dimension they need.
func DefaultRateLimiter(bytesPerSec, opsPerSec int64) RateLimiter {
	return RateLimiter{
		Bandwidth: &TokenBucket{Size: bytesPerSec, RefillTime: 1000},
		Ops:       &TokenBucket{Size: opsPerSec, RefillTime: 1000},
	}
}

func (c *Client) call(ctx context.Context, method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errs.Wrap(errs.CodeVMBootFailed, "marshaling request body for "+path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, reader)
	if err != nil {
		return errs.Wrap(errs.CodeVMBootFailed, "building request for "+path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Wrap(errs.CodeVsockConnectFailed, "calling VMM "+method+" "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errs.New(errs.CodeVMBootFailed, fmt.Sprintf("VMM %s %s: status %d: %s", method, path, resp.StatusCode, string(msg)))
	}
	return nil
}

// Configure sets the machine's vCPU count and memory size.
func (c *Client) Configure(ctx context.Context, vcpuCount, memSizeMiB int) error {
	return c.call(ctx, http.MethodPut, "/machine-config", map[string]any{
		"vcpu_count":   vcpuCount,
		"mem_size_mib": memSizeMiB,
	})
}

// SetBootSource configures the kernel image and boot arguments.
func (c *Client) SetBootSource(ctx context.Context, kernelImagePath, bootArgs string) error {
	return c.call(ctx, http.MethodPut, "/boot-source", map[string]any{
		"kernel_image_path": kernelImagePath,
		"boot_args":         bootArgs,
	})
}

// AddDriveOpts configures one block device.
type AddDriveOpts struct {
	DriveID      string
	PathOnHost   string
	IsRootDevice bool
	IsReadOnly   bool
	RateLimiter  *RateLimiter
}

// AddDrive attaches a block device.
func (c *Client) AddDrive(ctx context.Context, o AddDriveOpts) error {
	body := map[string]any{
		"drive_id":        o.DriveID,
		"path_on_host":    o.PathOnHost,
		"is_root_device":  o.IsRootDevice,
		"is_read_only":    o.IsReadOnly,
	}
	if o.RateLimiter != nil {
		body["rate_limiter"] = o.RateLimiter
	}
	return c.call(ctx, http.MethodPut, "/drives/"+o.DriveID, body)
}

// AddNetIfaceOpts configures one network interface.
type AddNetIfaceOpts struct {
	IfaceID     string
	HostDevName string
	RxRateLimiter *RateLimiter
	TxRateLimiter *RateLimiter
}

// AddNetworkInterface attaches a TAP-backed network interface.
func (c *Client) AddNetworkInterface(ctx context.Context, o AddNetIfaceOpts) error {
	body := map[string]any{
		"iface_id":      o.IfaceID,
		"host_dev_name": o.HostDevName,
	}
	if o.RxRateLimiter != nil {
		body["rx_rate_limiter"] = o.RxRateLimiter
	}
	if o.TxRateLimiter != nil {
		body["tx_rate_limiter"] = o.TxRateLimiter
	}
	return c.call(ctx, http.MethodPut, "/network-interfaces/"+o.IfaceID, body)
}

// Start issues InstanceStart.
func (c *Client) Start(ctx context.Context) error {
	return c.call(ctx, http.MethodPut, "/actions", map[string]any{"action_type": "InstanceStart"})
}

// CtrlAltDel issues SendCtrlAltDel, the guest's graceful-shutdown trigger.
func (c *Client) CtrlAltDel(ctx context.Context) error {
	return c.call(ctx, http.MethodPut, "/actions", map[string]any{"action_type": "SendCtrlAltDel"})
}

// Pause transitions the machine to the Paused state.
func (c *Client) Pause(ctx context.Context) error {
	return c.call(ctx, http.MethodPatch, "/vm", map[string]any{"state": "Paused"})
}

// SnapshotCreate creates a full snapshot at snapshotPath/memFilePath.
func (c *Client) SnapshotCreate(ctx context.Context, snapshotPath, memFilePath string) error {
	return c.call(ctx, http.MethodPut, "/snapshot/create", map[string]any{
		"snapshot_type":  "Full",
		"snapshot_path":  snapshotPath,
		"mem_file_path":  memFilePath,
	})
}

// SnapshotLoad loads a snapshot and resumes the VM.
func (c *Client) SnapshotLoad(ctx context.Context, snapshotPath, memFilePath string) error {
	return c.call(ctx, http.MethodPut, "/snapshot/load", map[string]any{
		"snapshot_path": snapshotPath,
		"mem_file_path": memFilePath,
		"resume_vm":     true,
	})
}

// WaitForSocket polls until socketPath is connectable or the deadline
// (relative to now) elapses, checking the process is still alive between
// attempts via the caller-supplied liveness probe.
func WaitForSocket(ctx context.Context, socketPath string, timeout time.Duration, alive func() bool) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.Dial("unix", socketPath)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if alive != nil && !alive() {
			return errs.New(errs.CodeVMBootFailed, "VMM process exited before its API socket became available")
		}
		if time.Now().After(deadline) {
			return errs.Wrap(errs.CodeVMBootFailed, "timed out waiting for VMM socket "+socketPath, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
