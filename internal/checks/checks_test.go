package checks

import (
	"context"
	"os"
	"testing"

	"github.com/lobsterd/lobsterd/internal/config"
	"github.com/lobsterd/lobsterd/internal/execw"
)

func TestSuspendedTenantSkipsAllChecks(t *testing.T) {
	tenant := &config.Tenant{Name: "alpha", Status: config.StatusSuspended}
	results := RunAll(context.Background(), tenant, Deps{})
	if len(results) != len(Names) {
		t.Fatalf("expected %d results, got %d", len(Names), len(results))
	}
	for _, r := range results {
		if r.Status != config.CheckOK || r.Message != "skipped" {
			t.Fatalf("expected skipped ok result, got %+v", r)
		}
	}
}

func TestVMProcessCheckNoPID(t *testing.T) {
	tenant := &config.Tenant{Name: "alpha", Status: config.StatusActive}
	r := Lookup(NameVMProcess)(context.Background(), tenant, Deps{})
	if r.Status != config.CheckFailed {
		t.Fatalf("expected failed, got %+v", r)
	}
}

func TestVMProcessCheckAliveSelf(t *testing.T) {
	tenant := &config.Tenant{Name: "alpha", Status: config.StatusActive, VMPID: os.Getpid()}
	r := Lookup(NameVMProcess)(context.Background(), tenant, Deps{})
	if r.Status != config.CheckOK {
		t.Fatalf("expected ok for own pid, got %+v", r)
	}
}

func TestVMProcessCheckDeadPID(t *testing.T) {
	tenant := &config.Tenant{Name: "alpha", Status: config.StatusActive, VMPID: 999999}
	r := Lookup(NameVMProcess)(context.Background(), tenant, Deps{})
	if r.Status != config.CheckFailed {
		t.Fatalf("expected failed for unreachable pid, got %+v", r)
	}
}

func TestLookupUnknownReturnsNil(t *testing.T) {
	if Lookup("nonexistent") != nil {
		t.Fatal("expected nil for unknown check name")
	}
}

func TestNamesMatchesTable(t *testing.T) {
	for _, name := range Names {
		if Lookup(name) == nil {
			t.Fatalf("check %s has no dispatch entry", name)
		}
	}
}

func TestDepsCarriesRunner(t *testing.T) {
	d := Deps{Runner: execw.New(), AgentPort: 52}
	if d.Runner == nil {
		t.Fatal("expected runner set")
	}
}
