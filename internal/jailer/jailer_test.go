package jailer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildArgsCgroupV2(t *testing.T) {
	args := BuildArgs("/usr/bin/firecracker", "vm-alpha", 10000, "/var/lib/lobsterd/jailer", 2, ResourceLimits{VCPUCount: 2, MemSizeMiB: 1024})
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"--id vm-alpha",
		"--exec-file /usr/bin/firecracker",
		"--uid 10000",
		"--gid 10000",
		"--chroot-base-dir /var/lib/lobsterd/jailer",
		"--cgroup-version 2",
		"--cgroup memory.max=1207959552",
		"--cgroup cpu.max=200000 100000",
		"-- --api-sock api.socket",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args %q missing %q", joined, want)
		}
	}
}

func TestBuildArgsCgroupV1(t *testing.T) {
	args := BuildArgs("/usr/bin/firecracker", "vm-alpha", 10000, "/base", 1, ResourceLimits{VCPUCount: 1, MemSizeMiB: 512})
	joined := strings.Join(args, " ")
	for _, want := range []string{"cpu.cfs_quota_us=100000", "cpu.cfs_period_us=100000", "memory.limit_in_bytes=671088640"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args %q missing %q", joined, want)
		}
	}
}

func TestPaths(t *testing.T) {
	p := Paths{ChrootBase: "/var/lib/lobsterd/jailer", VMID: "vm-alpha"}
	want := filepath.Join("/var/lib/lobsterd/jailer", "firecracker", "vm-alpha")
	if p.ChrootDir() != want {
		t.Fatalf("ChrootDir() = %s, want %s", p.ChrootDir(), want)
	}
	if p.ChrootRoot() != filepath.Join(want, "root") {
		t.Fatalf("ChrootRoot() = %s", p.ChrootRoot())
	}
}

func TestCleanupChrootMissingIsSuccess(t *testing.T) {
	p := Paths{ChrootBase: t.TempDir(), VMID: "vm-ghost"}
	if err := CleanupChroot(p); err != nil {
		t.Fatalf("CleanupChroot on missing dir: %v", err)
	}
}

func TestLinkChrootFiles(t *testing.T) {
	dir := t.TempDir()
	kernel := filepath.Join(dir, "vmlinux.src")
	rootfs := filepath.Join(dir, "rootfs.src")
	overlay := filepath.Join(dir, "overlay.src")
	for _, f := range []string{kernel, rootfs, overlay} {
		if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	root := filepath.Join(dir, "chroot", "root")
	if err := LinkChrootFiles(root, kernel, rootfs, overlay, os.Getuid()); err != nil {
		t.Fatalf("LinkChrootFiles: %v", err)
	}

	for _, name := range []string{"vmlinux", "rootfs.ext4", "overlay.ext4"} {
		if _, err := os.Stat(filepath.Join(root, name)); err != nil {
			t.Errorf("expected %s to exist: %v", name, err)
		}
	}
}

func TestAliveFalseForBogusPID(t *testing.T) {
	if Alive(-1) {
		t.Fatal("expected Alive(-1) to be false")
	}
}
