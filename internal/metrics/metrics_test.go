package metrics

import (
	"runtime"
	"strings"
	"testing"

	"github.com/lobsterd/lobsterd/internal/capacity"
	"github.com/lobsterd/lobsterd/internal/config"
	"github.com/lobsterd/lobsterd/internal/events"
)

func TestObserveIncrementsCounters(t *testing.T) {
	r := New("test-node")
	r.Observe(events.Event{Kind: events.KindSpawned, Tenant: "alpha"})
	r.Observe(events.Event{Kind: events.KindSuspended, Tenant: "alpha"})
	r.Observe(events.Event{Kind: events.KindSuspended, Tenant: "beta"})
	r.Observe(events.Event{Kind: events.KindCheckComplete, Tenant: "alpha"})

	out := r.Render()
	if !strings.Contains(out, `lobsterd_spawns_total{node="test-node"} 1`) {
		t.Fatalf("expected spawns_total=1, got:\n%s", out)
	}
	if !strings.Contains(out, `lobsterd_suspends_total{node="test-node"} 2`) {
		t.Fatalf("expected suspends_total=2, got:\n%s", out)
	}
}

func TestSetTenantStatesReplacesSnapshot(t *testing.T) {
	r := New("test-node")
	r.SetTenantStates(map[config.WatchState]int{config.WatchHealthy: 3, config.WatchFailed: 1})
	out := r.Render()
	if !strings.Contains(out, `state="HEALTHY"} 3`) || !strings.Contains(out, `state="FAILED"} 1`) {
		t.Fatalf("expected both states present, got:\n%s", out)
	}

	r.SetTenantStates(map[config.WatchState]int{config.WatchHealthy: 1})
	out = r.Render()
	if strings.Contains(out, `state="FAILED"`) {
		t.Fatalf("expected stale FAILED series gone after replacement, got:\n%s", out)
	}
}

func TestSetCapacityOmittedWhenZero(t *testing.T) {
	r := New("test-node")
	out := r.Render()
	if strings.Contains(out, "lobsterd_node_capacity_vcpus") {
		t.Fatal("expected capacity gauges omitted before SetCapacity is called")
	}

	r.SetCapacity(capacity.HostCapacity{VCPUs: 8, MemoryMB: 16384}, capacity.HostCapacity{VCPUs: 4, MemoryMB: 8192})
	out = r.Render()
	if !strings.Contains(out, `lobsterd_node_capacity_vcpus{node="test-node"} 8`) {
		t.Fatalf("expected capacity gauge present, got:\n%s", out)
	}
}

func TestWatchLoopConsumesEvents(t *testing.T) {
	r := New("test-node")
	emitter := events.New()
	unsubscribe := r.WatchLoop(emitter)
	defer unsubscribe()

	emitter.Publish(events.Event{Kind: events.KindResumed, Tenant: "alpha"})

	// Give the consumer goroutine a chance to run; Observe is otherwise
	// synchronous so this is the only place a test needs to yield.
	for i := 0; i < 10000; i++ {
		if strings.Contains(r.Render(), `lobsterd_resumes_total{node="test-node"} 1`) {
			return
		}
		runtime.Gosched()
	}
	t.Fatal("expected resumes_total=1 after publishing a KindResumed event")
}
