package repairs

import (
	"context"
	"testing"

	"github.com/lobsterd/lobsterd/internal/checks"
	"github.com/lobsterd/lobsterd/internal/config"
)

func TestLookupKnownChecks(t *testing.T) {
	for _, name := range checks.Names {
		if Lookup(name) == nil {
			t.Fatalf("no repair registered for check %s", name)
		}
	}
}

func TestLookupUnknownReturnsNil(t *testing.T) {
	if Lookup("nonexistent") != nil {
		t.Fatal("expected nil for unknown check name")
	}
}

func TestRunDedupedRunsEachCheckOnce(t *testing.T) {
	var calls int
	table[checks.NameVMResponsive] = func(ctx context.Context, t *config.Tenant, d Deps) config.RepairResult {
		calls++
		return config.RepairResult{Repair: checks.NameVMResponsive, Fixed: true}
	}
	defer func() { table[checks.NameVMResponsive] = repairEnsureGateway }()

	tenant := &config.Tenant{Name: "alpha"}
	failed := []string{checks.NameVMResponsive, checks.NameVMResponsive, checks.NameNetGateway}
	results := RunDeduped(context.Background(), tenant, failed, Deps{})

	if calls != 1 {
		t.Fatalf("expected vm.responsive repair to run once, ran %d times", calls)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 deduped results, got %d", len(results))
	}
}

func TestRepairVMProcessFailsWithoutRespawn(t *testing.T) {
	tenant := &config.Tenant{Name: "alpha", VMID: "vm-alpha"}
	result := repairVMProcess(context.Background(), tenant, Deps{})
	if result.Fixed {
		t.Fatal("expected repair to fail without a configured Respawn func")
	}
}
