// Package metrics implements the hand-rolled Prometheus text exposition
// behind the HTTP API's /metrics route. It intentionally does not depend
// on an external metrics client library: the exposed surface is a
// handful of counters and gauges, rendered the same way the rest of the
// stack's ambient telemetry is (plain text, HELP/TYPE comments, sorted
// label sets for deterministic output).
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/lobsterd/lobsterd/internal/capacity"
	"github.com/lobsterd/lobsterd/internal/config"
	"github.com/lobsterd/lobsterd/internal/events"
)

// Registry holds lobsterd's in-memory counters and gauges. The zero value
// is not usable; construct with New.
type Registry struct {
	node string

	spawnsTotal   uint64
	evictsTotal   uint64
	suspendsTotal uint64
	resumesTotal  uint64
	repairsTotal  uint64

	mu            sync.RWMutex
	tenantsByState map[config.WatchState]int

	capacity capacity.HostCapacity
	used     capacity.HostCapacity
}

// New returns an empty Registry labelled with node.
func New(node string) *Registry {
	return &Registry{node: node, tenantsByState: make(map[config.WatchState]int)}
}

// Observe updates counters from a single published event. Unrecognised
// kinds are ignored.
func (r *Registry) Observe(ev events.Event) {
	switch ev.Kind {
	case events.KindSpawned:
		atomic.AddUint64(&r.spawnsTotal, 1)
	case events.KindEvicted:
		atomic.AddUint64(&r.evictsTotal, 1)
	case events.KindSuspended:
		atomic.AddUint64(&r.suspendsTotal, 1)
	case events.KindResumed:
		atomic.AddUint64(&r.resumesTotal, 1)
	case events.KindRepairComplete:
		atomic.AddUint64(&r.repairsTotal, 1)
	}
}

// WatchLoop subscribes to emitter and calls Observe for every event until
// the channel closes (the emitter is stopped or unsubscribed).
func (r *Registry) WatchLoop(emitter *events.Emitter) func() {
	ch, unsubscribe := emitter.Subscribe(64)
	go func() {
		for ev := range ch {
			r.Observe(ev)
		}
	}()
	return unsubscribe
}

// SetTenantStates replaces the watchdog-state gauge snapshot in one shot,
// so a tenant that disappeared doesn't leave a stale series behind.
func (r *Registry) SetTenantStates(counts map[config.WatchState]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenantsByState = make(map[config.WatchState]int, len(counts))
	for k, v := range counts {
		r.tenantsByState[k] = v
	}
}

// SetCapacity records the host's physical capacity and the capacity
// currently committed to active tenants.
func (r *Registry) SetCapacity(total, used capacity.HostCapacity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capacity = total
	r.used = used
}

// Render produces the full Prometheus text-exposition body.
func (r *Registry) Render() string {
	r.mu.RLock()
	states := make(map[config.WatchState]int, len(r.tenantsByState))
	for k, v := range r.tenantsByState {
		states[k] = v
	}
	cap, used := r.capacity, r.used
	r.mu.RUnlock()

	var b strings.Builder

	writeHelpType(&b, "lobsterd_spawns_total", "Total tenants spawned.", "counter")
	fmt.Fprintf(&b, "lobsterd_spawns_total{node=%q} %d\n", r.node, atomic.LoadUint64(&r.spawnsTotal))

	writeHelpType(&b, "lobsterd_evicts_total", "Total tenants evicted.", "counter")
	fmt.Fprintf(&b, "lobsterd_evicts_total{node=%q} %d\n", r.node, atomic.LoadUint64(&r.evictsTotal))

	writeHelpType(&b, "lobsterd_suspends_total", "Total tenants suspended to disk.", "counter")
	fmt.Fprintf(&b, "lobsterd_suspends_total{node=%q} %d\n", r.node, atomic.LoadUint64(&r.suspendsTotal))

	writeHelpType(&b, "lobsterd_resumes_total", "Total tenants resumed from snapshot.", "counter")
	fmt.Fprintf(&b, "lobsterd_resumes_total{node=%q} %d\n", r.node, atomic.LoadUint64(&r.resumesTotal))

	writeHelpType(&b, "lobsterd_repairs_total", "Total watchdog repair cycles run.", "counter")
	fmt.Fprintf(&b, "lobsterd_repairs_total{node=%q} %d\n", r.node, atomic.LoadUint64(&r.repairsTotal))

	writeHelpType(&b, "lobsterd_tenants_by_watch_state", "Tenant count per watchdog state.", "gauge")
	keys := make([]string, 0, len(states))
	for k := range states {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "lobsterd_tenants_by_watch_state{node=%q,state=%q} %d\n", r.node, k, states[config.WatchState(k)])
	}

	if cap.VCPUs > 0 {
		writeHelpType(&b, "lobsterd_node_capacity_vcpus", "Total vCPU capacity of the node.", "gauge")
		fmt.Fprintf(&b, "lobsterd_node_capacity_vcpus{node=%q} %d\n", r.node, cap.VCPUs)

		writeHelpType(&b, "lobsterd_node_capacity_memory_mb", "Total memory capacity of the node in MB.", "gauge")
		fmt.Fprintf(&b, "lobsterd_node_capacity_memory_mb{node=%q} %d\n", r.node, cap.MemoryMB)

		writeHelpType(&b, "lobsterd_node_committed_vcpus", "vCPUs committed to active tenants.", "gauge")
		fmt.Fprintf(&b, "lobsterd_node_committed_vcpus{node=%q} %d\n", r.node, used.VCPUs)

		writeHelpType(&b, "lobsterd_node_committed_memory_mb", "Memory committed to active tenants in MB.", "gauge")
		fmt.Fprintf(&b, "lobsterd_node_committed_memory_mb{node=%q} %d\n", r.node, used.MemoryMB)
	}

	return b.String()
}

func writeHelpType(b *strings.Builder, metric, help, typ string) {
	fmt.Fprintf(b, "# HELP %s %s\n", metric, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", metric, typ)
}
