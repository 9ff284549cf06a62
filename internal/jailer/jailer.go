// Package jailer builds jailer command lines, manages the per-tenant
// chroot, and builds the --cgroup limit arguments passed to the jailer —
// the host-side half of process
// isolation for each VMM instance. Argument shape and chroot/cgroup
// handling are grounded on the pack's other Firecracker jailer driver
// (CreateJailedVM / GetJailerArgs / setupCgroup); cgroup-version detection
// is generalised to golang.org/x/sys/unix's Statfs, the idiomatic Go way
// to read a filesystem magic number.
package jailer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lobsterd/lobsterd/internal/errs"
	"github.com/lobsterd/lobsterd/internal/execw"
)

// cgroup2Magic is the f_type reported by statfs(2) for a cgroup2 mount.
const cgroup2Magic = 0x63677270

// CgroupVersion is 1 or 2.
type CgroupVersion int

// DetectCgroupVersion inspects /sys/fs/cgroup's filesystem magic number.
func DetectCgroupVersion() (CgroupVersion, error) {
	var st unix.Statfs_t
	if err := unix.Statfs("/sys/fs/cgroup", &st); err != nil {
		return 0, errs.Wrap(errs.CodeJailerSetupFailed, "statfs /sys/fs/cgroup", err)
	}
	if int64(st.Type) == cgroup2Magic {
		return 2, nil
	}
	return 1, nil
}

// ResourceLimits is the per-tenant CPU/memory shape passed to the jailer.
type ResourceLimits struct {
	VCPUCount   int
	MemSizeMiB  int
}

// cgroupKVs returns the cgroup controller key=value pairs for version v,
// applying the memory-floor and CPU-quota rules.
func (r ResourceLimits) cgroupKVs(v CgroupVersion) []string {
	memLimitBytes := int64(r.MemSizeMiB+128) * 1024 * 1024
	cpuQuota := r.VCPUCount * 100_000
	const cpuPeriod = 100_000

	if v == 2 {
		return []string{
			fmt.Sprintf("memory.max=%d", memLimitBytes),
			fmt.Sprintf("cpu.max=%d %d", cpuQuota, cpuPeriod),
		}
	}
	return []string{
		fmt.Sprintf("memory.limit_in_bytes=%d", memLimitBytes),
		fmt.Sprintf("cpu.cfs_quota_us=%d", cpuQuota),
		fmt.Sprintf("cpu.cfs_period_us=%d", cpuPeriod),
	}
}

// Paths holds the directory layout for one tenant's jailed VMM.
type Paths struct {
	ChrootBase string // HostConfig.ChrootBase
	VMID       string
}

// ChrootDir is <base>/firecracker/<vm_id> (the directory cleanup_chroot
// removes wholesale).
func (p Paths) ChrootDir() string {
	return filepath.Join(p.ChrootBase, "firecracker", p.VMID)
}

// ChrootRoot is <base>/firecracker/<vm_id>/root, the jailer's pivot target.
func (p Paths) ChrootRoot() string {
	return filepath.Join(p.ChrootDir(), "root")
}

// APISocketPath is where the VMM's API socket appears once jailed.
func (p Paths) APISocketPath() string {
	return filepath.Join(p.ChrootRoot(), "api.socket")
}

// BuildArgs constructs the jailer argument list per the spec's exact
// format: --id --exec-file --uid --gid --chroot-base-dir [--cgroup-version]
// [--cgroup k=v ...] -- --api-sock api.socket.
func BuildArgs(vmmBinary, vmID string, jailUID int, chrootBase string, cgroupVersion CgroupVersion, limits ResourceLimits) []string {
	args := []string{
		"--id", vmID,
		"--exec-file", vmmBinary,
		"--uid", strconv.Itoa(jailUID),
		"--gid", strconv.Itoa(jailUID),
		"--chroot-base-dir", chrootBase,
	}
	if cgroupVersion == 1 || cgroupVersion == 2 {
		args = append(args, "--cgroup-version", strconv.Itoa(int(cgroupVersion)))
		for _, kv := range limits.cgroupKVs(cgroupVersion) {
			args = append(args, "--cgroup", kv)
		}
	}
	args = append(args, "--", "--api-sock", "api.socket")
	return args
}

// LinkChrootFiles hard-links the shared kernel, shared rootfs, and this
// tenant's overlay into the chroot root as /vmlinux, /rootfs.ext4,
// /overlay.ext4, then chowns the writable overlay to jailUID:jailUID so
// the jailed process can write to it.
func LinkChrootFiles(root, kernelPath, rootfsPath, overlayPath string, jailUID int) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return errs.Wrap(errs.CodeJailerSetupFailed, "creating chroot root", err)
	}

	links := []struct{ src, dst string }{
		{kernelPath, filepath.Join(root, "vmlinux")},
		{rootfsPath, filepath.Join(root, "rootfs.ext4")},
		{overlayPath, filepath.Join(root, "overlay.ext4")},
	}
	for _, l := range links {
		_ = os.Remove(l.dst)
		if err := os.Link(l.src, l.dst); err != nil {
			return errs.Wrapf(errs.CodeJailerSetupFailed, err, "hard-linking %s into chroot", l.src)
		}
	}

	overlayDst := filepath.Join(root, "overlay.ext4")
	if err := os.Chown(overlayDst, jailUID, jailUID); err != nil {
		return errs.Wrap(errs.CodeJailerSetupFailed, "chowning overlay in chroot", err)
	}
	return nil
}

// CleanupChroot removes the tenant's entire chroot directory. A missing
// directory is treated as success.
func CleanupChroot(p Paths) error {
	if err := os.RemoveAll(p.ChrootDir()); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.CodeJailerSetupFailed, "removing chroot "+p.ChrootDir(), err)
	}
	return nil
}

// Spawner launches a jailer+VMM process detached from the parent so it
// survives lobsterd restarts.
type Spawner struct {
	Runner *execw.Runner
}

// NewSpawner returns a Spawner using the given exec Runner (or a default
// one if nil).
func NewSpawner(r *execw.Runner) *Spawner {
	if r == nil {
		r = execw.New()
	}
	return &Spawner{Runner: r}
}

// Spawn execs the jailer binary detached and returns its PID. Detaching
// means: new session (so SIGHUP from a terminal-owning parent does not
// propagate), stdio discarded.
func (s *Spawner) Spawn(ctx context.Context, jailerBinary string, args []string) (int, error) {
	cmd := buildDetachedCmd(jailerBinary, args)
	if err := cmd.Start(); err != nil {
		return 0, errs.Wrap(errs.CodeJailerSetupFailed, "starting jailer process", err)
	}
	go func() { _ = cmd.Wait() }() // reap; caller tracks liveness via PID/kill(pid, 0)
	return cmd.Process.Pid, nil
}

// Alive reports whether pid is still running, via the kill(pid, 0) idiom.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Kill sends sig to pid, tolerating an already-exited process.
func Kill(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := proc.Signal(sig); err != nil && !os.IsNotExist(err) {
		if err.Error() == "os: process already finished" {
			return nil
		}
		return errs.Wrap(errs.CodeExecFailed, "signaling pid", err)
	}
	return nil
}

// WaitForExit polls Alive(pid) every interval until it returns false or
// timeout elapses.
func WaitForExit(ctx context.Context, pid int, interval, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for Alive(pid) {
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
	return true
}
