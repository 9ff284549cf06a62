package scheduler

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/lobsterd/lobsterd/internal/config"
	"github.com/lobsterd/lobsterd/internal/events"
	"github.com/lobsterd/lobsterd/internal/inflight"
	"github.com/lobsterd/lobsterd/internal/regfile"
)

type fakeLifecycle struct {
	suspended []string
	resumed   []string
	suspendErr error
	resumeErr  error
}

func (f *fakeLifecycle) Suspend(ctx context.Context, host config.HostConfig, name string) error {
	if f.suspendErr != nil {
		return f.suspendErr
	}
	f.suspended = append(f.suspended, name)
	return nil
}

func (f *fakeLifecycle) Resume(ctx context.Context, host config.HostConfig, name string) error {
	if f.resumeErr != nil {
		return f.resumeErr
	}
	f.resumed = append(f.resumed, name)
	return nil
}

type fakeNetwork struct {
	added   []string
	removed []string
	stale   []string
}

func (f *fakeNetwork) AddLoopbackAlias(ctx context.Context, guestIP string) error {
	f.added = append(f.added, guestIP)
	return nil
}

func (f *fakeNetwork) RemoveLoopbackAlias(ctx context.Context, guestIP string) error {
	f.removed = append(f.removed, guestIP)
	return nil
}

func (f *fakeNetwork) LoopbackAliases(ctx context.Context) ([]string, error) {
	return f.stale, nil
}

type fakeWatch struct{ state config.WatchState }

func (f *fakeWatch) State(name string) config.TenantWatchState {
	return config.TenantWatchState{State: f.state}
}

func newTestStore(t *testing.T, reg config.Registry) *regfile.Store {
	t.Helper()
	dir := t.TempDir()
	store := regfile.New(dir+"/config.json", dir+"/registry.json")
	if err := store.SaveRegistry(reg); err != nil {
		t.Fatalf("SaveRegistry: %v", err)
	}
	return store
}

func TestTriggerSuspendCallsLifecycleAndClearsIdle(t *testing.T) {
	lc := &fakeLifecycle{}
	s := &Scheduler{
		lifecycle: lc,
		emitter:   events.New(),
		idleSince: map[string]time.Time{"alpha": time.Now()},
	}
	s.triggerSuspend(context.Background(), "alpha")

	if len(lc.suspended) != 1 || lc.suspended[0] != "alpha" {
		t.Fatalf("expected alpha suspended, got %v", lc.suspended)
	}
	if _, stillIdle := s.idleSince["alpha"]; stillIdle {
		t.Fatal("expected idleSince entry cleared after suspend")
	}
}

func TestTriggerSuspendRecordsNoSuspendOnError(t *testing.T) {
	lc := &fakeLifecycle{suspendErr: errTest}
	s := &Scheduler{
		lifecycle: lc,
		emitter:   events.New(),
		idleSince: map[string]time.Time{"alpha": time.Now()},
	}
	s.triggerSuspend(context.Background(), "alpha")
	if len(lc.suspended) != 0 {
		t.Fatal("expected no suspend recorded on error")
	}
}

func TestWakeResumesAndReleasesInflight(t *testing.T) {
	lc := &fakeLifecycle{}
	inf := inflight.New()
	reg := config.Registry{Tenants: []config.Tenant{{Name: "alpha", GuestIP: "127.0.0.1"}}}
	store := newTestStore(t, reg)

	s := &Scheduler{
		lifecycle: lc,
		emitter:   events.New(),
		inflight:  inf,
		store:     store,
		host:      config.HostConfig{AgentPort: 1},
		sentinels: make(map[string]*sentinel),
		idleSince: make(map[string]time.Time),
	}
	s.wake("alpha", TriggerTraffic)

	if len(lc.resumed) != 1 || lc.resumed[0] != "alpha" {
		t.Fatalf("expected alpha resumed, got %v", lc.resumed)
	}
	if inf.IsInFlight("alpha") {
		t.Fatal("expected in-flight marker released after wake")
	}
}

func TestWakeSkipsWhenAlreadyInFlight(t *testing.T) {
	lc := &fakeLifecycle{}
	inf := inflight.New()
	inf.TryAcquire("alpha", "spawn")

	s := &Scheduler{
		lifecycle: lc,
		emitter:   events.New(),
		inflight:  inf,
		sentinels: make(map[string]*sentinel),
		idleSince: make(map[string]time.Time),
	}
	s.wake("alpha", TriggerTraffic)

	if len(lc.resumed) != 0 {
		t.Fatal("expected no resume while another op holds the tenant")
	}
}

func TestSentinelAcceptTriggersCallback(t *testing.T) {
	fired := make(chan struct{}, 1)
	sn, err := newSentinel("127.0.0.1", 0, func() { fired <- struct{}{} })
	if err != nil {
		t.Fatalf("newSentinel: %v", err)
	}
	defer sn.stop()

	conn, err := net.Dial("tcp", sn.ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("expected onFirstConn to fire")
	}
}

func TestEnsureSentinelAddsAndRemovesLoopbackAlias(t *testing.T) {
	net := &fakeNetwork{}
	s := &Scheduler{
		network:   net,
		sentinels: make(map[string]*sentinel),
	}
	tenant := &config.Tenant{Name: "alpha", GuestIP: "127.0.0.5"}

	s.ensureSentinel(context.Background(), tenant)
	if len(net.added) != 1 || net.added[0] != "127.0.0.5" {
		t.Fatalf("expected alias added for 127.0.0.5, got %v", net.added)
	}

	sn := s.sentinels["alpha"]
	if sn == nil {
		t.Fatal("expected sentinel to be registered")
	}
	s.stopSentinel(context.Background(), "alpha", sn)
	if len(net.removed) != 1 || net.removed[0] != "127.0.0.5" {
		t.Fatalf("expected alias removed for 127.0.0.5, got %v", net.removed)
	}
}

func TestClearStaleAliasesKeepsSuspendedTenants(t *testing.T) {
	net := &fakeNetwork{stale: []string{"10.100.1.2", "10.100.2.2"}}
	reg := config.Registry{Tenants: []config.Tenant{
		{Name: "alpha", GuestIP: "10.100.1.2", Status: config.StatusSuspended},
	}}
	store := newTestStore(t, reg)
	s := &Scheduler{network: net, store: store}

	s.clearStaleAliases(context.Background())

	if len(net.removed) != 1 || net.removed[0] != "10.100.2.2" {
		t.Fatalf("expected only the unclaimed alias removed, got %v", net.removed)
	}
}

var errTest = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
