package capacity

import (
	"runtime"
	"testing"

	"github.com/lobsterd/lobsterd/internal/config"
)

type fakeReader struct{ cap HostCapacity }

func (f fakeReader) Read() (HostCapacity, error) { return f.cap, nil }

func TestHostReaderReturnsNonZeroOnLinux(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("host capacity reporting only supported on linux")
	}

	r := NewHostReader()
	got, err := r.Read()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.VCPUs <= 0 {
		t.Errorf("expected VCPUs > 0, got %d", got.VCPUs)
	}
	if got.MemoryMB <= 0 {
		t.Errorf("expected MemoryMB > 0, got %d", got.MemoryMB)
	}
}

func TestCommittedByActiveTenantsIgnoresSuspendedAndRemoving(t *testing.T) {
	host := config.DefaultHostConfig()
	reg := config.Registry{Tenants: []config.Tenant{
		{Name: "a", Status: config.StatusActive},
		{Name: "b", Status: config.StatusSuspended},
		{Name: "c", Status: config.StatusRemoving},
		{Name: "d", Status: config.StatusActive},
	}}

	used, count := CommittedByActiveTenants(host, reg)

	if count != 2 {
		t.Fatalf("expected 2 active tenants, got %d", count)
	}
	if used.VCPUs != 2*host.DefaultVCPUs || used.MemoryMB != 2*host.DefaultMemMiB {
		t.Fatalf("unexpected committed capacity: %+v", used)
	}
}

func TestTankSubtractsReservedFromUsable(t *testing.T) {
	host := config.DefaultHostConfig()
	reg := config.Registry{}

	report, err := Tank(fakeReader{cap: HostCapacity{VCPUs: 8, MemoryMB: 16384}}, host, reg)
	if err != nil {
		t.Fatalf("Tank: %v", err)
	}
	if report.Usable.VCPUs != 8-reservedVCPUs || report.Usable.MemoryMB != 16384-reservedMemMiB {
		t.Fatalf("unexpected usable capacity: %+v", report.Usable)
	}
}

func TestTankFlagsOvercommitAgainstUsableNotTotal(t *testing.T) {
	host := config.DefaultHostConfig()
	host.DefaultVCPUs = 4
	reg := config.Registry{Tenants: []config.Tenant{
		{Name: "a", Status: config.StatusActive},
		{Name: "b", Status: config.StatusActive},
	}}

	report, err := Tank(fakeReader{cap: HostCapacity{VCPUs: 4 + reservedVCPUs, MemoryMB: 999999}}, host, reg)
	if err != nil {
		t.Fatalf("Tank: %v", err)
	}
	if !report.Overcommitted {
		t.Fatal("expected overcommitted=true when committed vCPUs exceed usable")
	}
	if report.ActiveTenants != 2 {
		t.Fatalf("expected 2 active tenants, got %d", report.ActiveTenants)
	}
}

func TestTankNotOvercommittedWithHeadroom(t *testing.T) {
	host := config.DefaultHostConfig()
	reg := config.Registry{}

	report, err := Tank(fakeReader{cap: HostCapacity{VCPUs: 64, MemoryMB: 262144}}, host, reg)
	if err != nil {
		t.Fatalf("Tank: %v", err)
	}
	if report.Overcommitted {
		t.Fatal("expected overcommitted=false on an empty registry")
	}
}
