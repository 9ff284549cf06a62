// Package capacity reports this host's physical vCPU/RAM capacity next to
// what lobsterd has already committed to active tenants. lobsterd is a
// single-host orchestrator: there's no scheduler to bin-pack across nodes,
// so this is purely advisory — `lobsterd tank` surfaces an overcommit
// warning, it never blocks a spawn.
package capacity

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/lobsterd/lobsterd/internal/config"
)

// reservedVCPUs and reservedMemMiB are held back from Usable for the host
// OS, the reverse proxy, and the jailer/Firecracker processes themselves.
// Tenant commitments are checked against Usable, not Total.
const (
	reservedVCPUs  = 1
	reservedMemMiB = 512
)

// HostCapacity is a vCPU/RAM quantity: physical capacity, the slice
// reserved for the host itself, or what active tenants have committed.
type HostCapacity struct {
	VCPUs    int `json:"vcpus"`
	MemoryMB int `json:"memory_mb"`
}

// Reader reads the physical capacity of the node lobsterd runs on.
type Reader interface {
	Read() (HostCapacity, error)
}

// NewHostReader returns a Reader backed by runtime.NumCPU and
// /proc/meminfo. Linux only, matching the rest of lobsterd's host drivers.
func NewHostReader() Reader {
	return &procReader{}
}

type procReader struct{}

func (r *procReader) Read() (HostCapacity, error) {
	if runtime.GOOS != "linux" {
		return HostCapacity{}, fmt.Errorf("host capacity reporting requires linux, running on %s", runtime.GOOS)
	}
	memMB, err := memTotalMB()
	if err != nil {
		return HostCapacity{}, fmt.Errorf("reading /proc/meminfo: %w", err)
	}
	return HostCapacity{VCPUs: runtime.NumCPU(), MemoryMB: memMB}, nil
}

func memTotalMB() (int, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		// Format: "MemTotal:       16384000 kB"
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, fmt.Errorf("unexpected MemTotal line: %q", line)
		}
		kb, err := strconv.Atoi(fields[1])
		if err != nil {
			return 0, fmt.Errorf("parsing MemTotal value %q: %w", fields[1], err)
		}
		return kb / 1024, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("MemTotal not found in /proc/meminfo")
}

// TankReport is the `lobsterd tank` fleet-overview advisory.
type TankReport struct {
	Total         HostCapacity `json:"total"`
	Reserved      HostCapacity `json:"reserved"`
	Usable        HostCapacity `json:"usable"`
	Committed     HostCapacity `json:"committed"`
	ActiveTenants int          `json:"active_tenants"`
	Overcommitted bool         `json:"overcommitted"`
}

// CommittedByActiveTenants sums the default vCPU/RAM footprint of every
// tenant in status=active. lobsterd doesn't persist per-tenant resource
// overrides today, so every active tenant is assumed to cost the host's
// configured defaults.
func CommittedByActiveTenants(host config.HostConfig, reg config.Registry) (HostCapacity, int) {
	var used HostCapacity
	count := 0
	for _, t := range reg.Tenants {
		if t.Status != config.StatusActive {
			continue
		}
		used.VCPUs += host.DefaultVCPUs
		used.MemoryMB += host.DefaultMemMiB
		count++
	}
	return used, count
}

// Tank builds the fleet-overview report for one host.
func Tank(r Reader, host config.HostConfig, reg config.Registry) (TankReport, error) {
	total, err := r.Read()
	if err != nil {
		return TankReport{}, err
	}
	reserved := HostCapacity{VCPUs: reservedVCPUs, MemoryMB: reservedMemMiB}
	usable := HostCapacity{
		VCPUs:    max(0, total.VCPUs-reserved.VCPUs),
		MemoryMB: max(0, total.MemoryMB-reserved.MemoryMB),
	}
	committed, count := CommittedByActiveTenants(host, reg)
	return TankReport{
		Total:         total,
		Reserved:      reserved,
		Usable:        usable,
		Committed:     committed,
		ActiveTenants: count,
		Overcommitted: committed.VCPUs > usable.VCPUs || committed.MemoryMB > usable.MemoryMB,
	}, nil
}
