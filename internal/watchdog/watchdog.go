// Package watchdog runs the periodic health-check/repair loop and owns
// the per-tenant state machine. Tick supervision uses gopkg.in/tomb.v2,
// the same goroutine-lifecycle package canonical-snapd wires its daemon
// loops with.
package watchdog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/lobsterd/lobsterd/internal/checks"
	"github.com/lobsterd/lobsterd/internal/config"
	"github.com/lobsterd/lobsterd/internal/events"
	"github.com/lobsterd/lobsterd/internal/inflight"
	"github.com/lobsterd/lobsterd/internal/regfile"
	"github.com/lobsterd/lobsterd/internal/repairs"
)

// Transition computes the next watch state and whether a repair is needed,
// from the current state and whether every check passed this tick. This
// is a pure function so the transition table itself is unit-testable
// without driving a whole watchdog.
func Transition(current config.WatchState, allOK bool, attempts, maxAttempts int) (next config.WatchState, needsRepair, resetAttempts bool) {
	switch current {
	case config.WatchUnknown:
		if allOK {
			return config.WatchHealthy, false, true
		}
		return config.WatchDegraded, true, false
	case config.WatchHealthy:
		if allOK {
			return config.WatchHealthy, false, false
		}
		return config.WatchDegraded, true, true
	case config.WatchDegraded:
		if allOK {
			return config.WatchRecovering, false, true
		}
		if attempts >= maxAttempts {
			return config.WatchFailed, false, false
		}
		return config.WatchDegraded, true, false
	case config.WatchRecovering:
		if allOK {
			return config.WatchHealthy, false, true
		}
		return config.WatchDegraded, true, true
	case config.WatchFailed:
		if allOK {
			return config.WatchHealthy, false, true
		}
		return config.WatchFailed, false, false
	case config.WatchSuspended:
		if allOK {
			return config.WatchHealthy, false, true
		}
		return config.WatchDegraded, true, false
	default:
		return config.WatchUnknown, false, false
	}
}

// Watchdog owns per-tenant watch state and drives the tick loop.
type Watchdog struct {
	store     *regfile.Store
	host      config.HostConfig
	inflight  *inflight.Set
	emitter   *events.Emitter
	checkDeps checks.Deps
	repairDeps repairs.Deps

	mu     sync.Mutex
	states map[string]*config.TenantWatchState

	tickMu sync.Mutex // guards against a tick overlapping itself

	t tomb.Tomb
}

// New builds a Watchdog. The caller owns and supplies already-constructed
// driver instances via checkDeps/repairDeps.
func New(store *regfile.Store, host config.HostConfig, inflightSet *inflight.Set, emitter *events.Emitter, checkDeps checks.Deps, repairDeps repairs.Deps) *Watchdog {
	return &Watchdog{
		store:      store,
		host:       host,
		inflight:   inflightSet,
		emitter:    emitter,
		checkDeps:  checkDeps,
		repairDeps: repairDeps,
		states:     make(map[string]*config.TenantWatchState),
	}
}

// Start launches the tick loop under tomb supervision: one immediate tick
// at startup, then one every interval.
func (w *Watchdog) Start(interval time.Duration) {
	w.t.Go(func() error {
		w.tick(context.Background())
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.t.Dying():
				return nil
			case <-ticker.C:
				w.tick(context.Background())
			}
		}
	})
}

// Stop signals the loop to exit and waits for it.
func (w *Watchdog) Stop() error {
	w.t.Kill(nil)
	return w.t.Wait()
}

// State returns a copy of a tenant's current watch state, or the zero
// value if unknown.
func (w *Watchdog) State(name string) config.TenantWatchState {
	w.mu.Lock()
	defer w.mu.Unlock()
	if s, ok := w.states[name]; ok {
		return *s
	}
	return config.TenantWatchState{State: config.WatchUnknown}
}

// Tick runs a single pass synchronously, for one-shot CLI use (`lobsterd
// watch` without --daemon) where no background loop is wanted.
func (w *Watchdog) Tick(ctx context.Context) {
	w.tick(ctx)
}

// tick runs one non-reentrant pass over every tenant in the registry.
func (w *Watchdog) tick(ctx context.Context) {
	if !w.tickMu.TryLock() {
		return
	}
	defer w.tickMu.Unlock()

	reg, err := w.store.LoadRegistry()
	if err != nil {
		slog.Error("watchdog: failed to load registry", "error", err)
		return
	}

	w.pruneRemoved(reg.Tenants)

	for i := range reg.Tenants {
		tenant := &reg.Tenants[i]
		if tenant.Status == config.StatusRemoving || w.inflight.IsInFlight(tenant.Name) {
			continue
		}
		w.tickTenant(ctx, tenant)
	}
}

func (w *Watchdog) pruneRemoved(tenants []config.Tenant) {
	present := make(map[string]bool, len(tenants))
	for _, t := range tenants {
		present[t.Name] = true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for name := range w.states {
		if !present[name] {
			delete(w.states, name)
		}
	}
}

func (w *Watchdog) tickTenant(ctx context.Context, tenant *config.Tenant) {
	st := w.stateFor(tenant.Name)

	if tenant.Status == config.StatusSuspended {
		if st.State != config.WatchSuspended {
			st.State = config.WatchSuspended
			w.emitter.Publish(events.Event{Kind: events.KindStateChange, Tenant: tenant.Name, Data: st.State})
		}
		return
	}

	if w.cooldownActive(st) {
		return
	}

	results := checks.RunAll(ctx, tenant, w.checkDeps)
	allOK := config.AllOK(results)

	prevState := st.State
	next, needsRepair, resetAttempts := Transition(st.State, allOK, st.RepairAttempts, w.host.Watchdog.MaxRepairAttempts)

	st.State = next
	st.LastCheckTS = time.Now()
	st.LastResults = results
	if resetAttempts {
		st.RepairAttempts = 0
	}

	w.emitter.Publish(events.Event{Kind: events.KindCheckComplete, Tenant: tenant.Name, Data: results})
	if next != prevState {
		w.emitter.Publish(events.Event{Kind: events.KindStateChange, Tenant: tenant.Name, Data: next})
	}

	if !needsRepair {
		return
	}

	fresh, err := w.store.LoadRegistry()
	if err != nil {
		slog.Error("watchdog: re-read before repair failed", "tenant", tenant.Name, "error", err)
		return
	}
	current := fresh.Find(tenant.Name)
	if current == nil || current.Status != config.StatusActive {
		slog.Info("watchdog: skipping repair, tenant no longer active on disk", "tenant", tenant.Name)
		return
	}

	var failedNames []string
	for _, r := range results {
		if r.Status != config.CheckOK {
			failedNames = append(failedNames, r.Check)
		}
	}

	repairResults := repairs.RunDeduped(ctx, tenant, failedNames, w.repairDeps)
	st.RepairAttempts++
	st.LastRepairAt = time.Now()
	w.emitter.Publish(events.Event{Kind: events.KindRepairComplete, Tenant: tenant.Name, Data: repairResults})
}

func (w *Watchdog) cooldownActive(st *config.TenantWatchState) bool {
	if st.LastRepairAt.IsZero() {
		return false
	}
	elapsed := time.Since(st.LastRepairAt)
	return elapsed < time.Duration(w.host.Watchdog.RepairCooldownMs)*time.Millisecond
}

func (w *Watchdog) stateFor(name string) *config.TenantWatchState {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.states[name]
	if !ok {
		st = &config.TenantWatchState{State: config.WatchUnknown}
		w.states[name] = st
	}
	return st
}
