// Package scheduler runs the idle/wake loop alongside the watchdog: it
// polls active tenants for traffic and auto-suspends idle ones, and it
// keeps a wake sentinel listening for suspended tenants so the first
// inbound connection (or a cron/heartbeat deadline) triggers a resume.
// Goroutine supervision uses gopkg.in/tomb.v2, the same package the
// watchdog's tick loop is built on.
package scheduler

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/lobsterd/lobsterd/internal/agentclient"
	"github.com/lobsterd/lobsterd/internal/config"
	"github.com/lobsterd/lobsterd/internal/events"
	"github.com/lobsterd/lobsterd/internal/inflight"
	"github.com/lobsterd/lobsterd/internal/regfile"
)

// WatchStateReader lets the scheduler ask the watchdog what state a tenant
// is currently in, without importing the watchdog package (which already
// imports this spec's checks/repairs, not the scheduler).
type WatchStateReader interface {
	State(name string) config.TenantWatchState
}

// LifecycleOps is the subset of *lifecycle.Manager the scheduler drives.
type LifecycleOps interface {
	Suspend(ctx context.Context, host config.HostConfig, name string) error
	Resume(ctx context.Context, host config.HostConfig, name string) error
}

// NetworkOps is the subset of *network.Driver the scheduler uses to give a
// suspended tenant's guest IP a loopback alias before a sentinel binds it.
type NetworkOps interface {
	AddLoopbackAlias(ctx context.Context, guestIP string) error
	RemoveLoopbackAlias(ctx context.Context, guestIP string) error
	LoopbackAliases(ctx context.Context) ([]string, error)
}

// Trigger identifies why a wake happened.
type Trigger string

const (
	TriggerTraffic Trigger = "traffic"
	TriggerCron    Trigger = "cron"
	TriggerManual  Trigger = "manual"
)

// Scheduler owns per-tenant idle timers and wake sentinels.
type Scheduler struct {
	store     *regfile.Store
	host      config.HostConfig
	inflight  *inflight.Set
	emitter   *events.Emitter
	watch     WatchStateReader
	lifecycle LifecycleOps
	network   NetworkOps

	mu        sync.Mutex
	idleSince map[string]time.Time
	sentinels map[string]*sentinel

	t tomb.Tomb
}

// New builds a Scheduler.
func New(store *regfile.Store, host config.HostConfig, inflightSet *inflight.Set, emitter *events.Emitter, watch WatchStateReader, lc LifecycleOps, net NetworkOps) *Scheduler {
	return &Scheduler{
		store:     store,
		host:      host,
		inflight:  inflightSet,
		emitter:   emitter,
		watch:     watch,
		lifecycle: lc,
		network:   net,
		idleSince: make(map[string]time.Time),
		sentinels: make(map[string]*sentinel),
	}
}

// Start clears any loopback aliases left behind by a previous process
// (e.g. killed before its sentinel could tear one down) and launches one
// loop under tomb supervision that, every traffic_poll_ms, polls traffic
// and then reconciles sentinels.
func (s *Scheduler) Start() {
	s.clearStaleAliases(context.Background())

	trafficInterval := time.Duration(s.host.Watchdog.TrafficPollMs) * time.Millisecond
	s.t.Go(func() error {
		ticker := time.NewTicker(trafficInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.t.Dying():
				return nil
			case <-ticker.C:
				s.pollTraffic(context.Background())
				s.reconcileSentinels(context.Background())
			}
		}
	})
}

// Stop signals the loop to exit, waits for it, and tears down every
// sentinel.
func (s *Scheduler) Stop() error {
	s.t.Kill(nil)
	err := s.t.Wait()
	ctx := context.Background()
	s.mu.Lock()
	sentinels := s.sentinels
	s.sentinels = make(map[string]*sentinel)
	s.mu.Unlock()
	for name, sn := range sentinels {
		s.stopSentinel(ctx, name, sn)
	}
	return err
}

// clearStaleAliases removes loopback aliases left over from a prior
// process that died before its sentinels could tear them down: anything
// on lo that isn't the guest IP of a currently-suspended tenant.
func (s *Scheduler) clearStaleAliases(ctx context.Context) {
	if s.network == nil {
		return
	}
	aliases, err := s.network.LoopbackAliases(ctx)
	if err != nil {
		slog.Warn("scheduler: listing loopback aliases failed", "error", err)
		return
	}
	if len(aliases) == 0 {
		return
	}
	reg, err := s.store.LoadRegistry()
	if err != nil {
		slog.Warn("scheduler: loading registry for alias cleanup failed", "error", err)
		return
	}
	suspended := make(map[string]bool)
	for i := range reg.Tenants {
		if reg.Tenants[i].Status == config.StatusSuspended {
			suspended[reg.Tenants[i].GuestIP] = true
		}
	}
	for _, ip := range aliases {
		if suspended[ip] {
			continue
		}
		if err := s.network.RemoveLoopbackAlias(ctx, ip); err != nil {
			slog.Warn("scheduler: removing stale loopback alias failed", "ip", ip, "error", err)
		}
	}
}

// stopSentinel tears down the listener and releases its loopback alias.
func (s *Scheduler) stopSentinel(ctx context.Context, name string, sn *sentinel) {
	sn.stop()
	if s.network == nil {
		return
	}
	if err := s.network.RemoveLoopbackAlias(ctx, sn.addr); err != nil {
		slog.Warn("scheduler: removing loopback alias failed", "tenant", name, "error", err)
	}
}

// pollTraffic checks every eligible active tenant's connection counts and
// triggers a suspend once one has been idle for idle_threshold_ms.
func (s *Scheduler) pollTraffic(ctx context.Context) {
	reg, err := s.store.LoadRegistry()
	if err != nil {
		slog.Error("scheduler: failed to load registry", "error", err)
		return
	}

	idleThreshold := time.Duration(s.host.Watchdog.IdleThresholdMs) * time.Millisecond

	for i := range reg.Tenants {
		t := &reg.Tenants[i]
		if t.Status != config.StatusActive || s.inflight.IsInFlight(t.Name) {
			continue
		}
		state := s.watch.State(t.Name).State
		if state != config.WatchHealthy && state != config.WatchUnknown {
			continue
		}

		ac := agentclient.New(t.GuestIP, s.host.AgentPort, t.AgentToken)
		conns, err := ac.GetActiveConnections(ctx)
		if err != nil {
			slog.Warn("scheduler: get-active-connections failed", "tenant", t.Name, "error", err)
			continue
		}

		total := conns.TCP + conns.Cron + conns.Heartbeat
		s.mu.Lock()
		if total > 0 {
			delete(s.idleSince, t.Name)
			s.mu.Unlock()
			continue
		}
		t0, wasIdle := s.idleSince[t.Name]
		if !wasIdle {
			s.idleSince[t.Name] = time.Now()
			s.mu.Unlock()
			continue
		}
		s.mu.Unlock()

		if time.Since(t0) >= idleThreshold {
			s.triggerSuspend(ctx, t.Name)
		}
	}
}

func (s *Scheduler) triggerSuspend(ctx context.Context, name string) {
	s.mu.Lock()
	delete(s.idleSince, name)
	s.mu.Unlock()

	if err := s.lifecycle.Suspend(ctx, s.host, name); err != nil {
		slog.Warn("scheduler: auto-suspend failed", "tenant", name, "error", err)
		return
	}
	s.emitter.Publish(events.Event{Kind: events.KindSuspended, Tenant: name, Data: "idle"})
}

// reconcileSentinels ensures exactly the currently-suspended tenants have
// a running wake sentinel, and schedules any cron wake still pending.
func (s *Scheduler) reconcileSentinels(ctx context.Context) {
	reg, err := s.store.LoadRegistry()
	if err != nil {
		return
	}

	present := make(map[string]bool)
	for i := range reg.Tenants {
		t := &reg.Tenants[i]
		if t.Status != config.StatusSuspended {
			continue
		}
		present[t.Name] = true
		s.ensureSentinel(ctx, t)
		s.scheduleCronWake(t)
	}

	s.mu.Lock()
	stale := make(map[string]*sentinel)
	for name, sn := range s.sentinels {
		if !present[name] {
			stale[name] = sn
			delete(s.sentinels, name)
		}
	}
	s.mu.Unlock()
	for name, sn := range stale {
		s.stopSentinel(ctx, name, sn)
	}
}

// ensureSentinel adds t.GuestIP/32 to lo, then binds a sentinel listener
// there. The alias must exist first: guest_ip is never a real host
// address while the tenant is suspended.
func (s *Scheduler) ensureSentinel(ctx context.Context, t *config.Tenant) {
	s.mu.Lock()
	_, exists := s.sentinels[t.Name]
	s.mu.Unlock()
	if exists {
		return
	}

	if s.network != nil {
		if err := s.network.AddLoopbackAlias(ctx, t.GuestIP); err != nil {
			slog.Warn("scheduler: adding loopback alias failed", "tenant", t.Name, "error", err)
			return
		}
	}

	sn, err := newSentinel(t.GuestIP, config.GuestGatewayPort, func() {
		s.wake(t.Name, TriggerTraffic)
	})
	if err != nil {
		slog.Warn("scheduler: failed to start wake sentinel", "tenant", t.Name, "error", err)
		if s.network != nil {
			_ = s.network.RemoveLoopbackAlias(ctx, t.GuestIP)
		}
		return
	}

	s.mu.Lock()
	if _, ok := s.sentinels[t.Name]; ok {
		s.mu.Unlock()
		sn.stop()
		if s.network != nil {
			_ = s.network.RemoveLoopbackAlias(ctx, t.GuestIP)
		}
		return
	}
	s.sentinels[t.Name] = sn
	s.mu.Unlock()
}

func (s *Scheduler) scheduleCronWake(t *config.Tenant) {
	if t.SuspendInfo == nil || t.SuspendInfo.NextWakeAtMs == nil {
		return
	}
	wakeAt := time.UnixMilli(*t.SuspendInfo.NextWakeAtMs)
	delay := time.Until(wakeAt)
	name := t.Name

	s.mu.Lock()
	defer s.mu.Unlock()
	if sn, ok := s.sentinels[name]; ok && sn.cronTimerSet {
		return
	}
	if delay <= 0 {
		go s.wake(name, TriggerCron)
		return
	}
	timer := time.AfterFunc(delay, func() { s.wake(name, TriggerCron) })
	if sn, ok := s.sentinels[name]; ok {
		sn.cronTimer = timer
		sn.cronTimerSet = true
	}
}

// wake closes the sentinel's listener and releases its alias, runs resume,
// then closes the held first connection, and on a cron trigger pokes
// the guest's cron/heartbeat jobs and sets a negative idle buffer so the
// freshly-resumed VM isn't immediately re-suspended before the job lands.
func (s *Scheduler) wake(name string, trigger Trigger) {
	if !s.inflight.TryAcquire(name, "wake") {
		return
	}
	defer s.inflight.Release(name)

	ctx := context.Background()
	s.mu.Lock()
	sn, ok := s.sentinels[name]
	if ok {
		delete(s.sentinels, name)
	}
	s.mu.Unlock()
	if ok {
		sn.ln.Close() // the held first connection stays open until resume ends
		if sn.cronTimer != nil {
			sn.cronTimer.Stop()
		}
		if s.network != nil {
			_ = s.network.RemoveLoopbackAlias(ctx, sn.addr)
		}
	}

	err := s.lifecycle.Resume(ctx, s.host, name)
	if ok {
		close(sn.done)
	}
	if err != nil {
		slog.Warn("scheduler: resume on wake failed", "tenant", name, "trigger", trigger, "error", err)
		return
	}
	s.emitter.Publish(events.Event{Kind: events.KindResumed, Tenant: name, Data: string(trigger)})

	if trigger == TriggerCron {
		reg, err := s.store.LoadRegistry()
		if err != nil {
			return
		}
		t := reg.Find(name)
		if t == nil {
			return
		}
		ac := agentclient.New(t.GuestIP, s.host.AgentPort, t.AgentToken)
		if _, err := ac.PokeCron(ctx); err != nil {
			slog.Warn("scheduler: poke-cron after wake failed", "tenant", name, "error", err)
		}
		if _, err := ac.PokeHeartbeat(ctx); err != nil {
			slog.Warn("scheduler: poke-heartbeat after wake failed", "tenant", name, "error", err)
		}

		buffer := time.Duration(s.host.Watchdog.CronWakeAheadMs)*time.Millisecond + 5*time.Second
		s.mu.Lock()
		s.idleSince[name] = time.Now().Add(buffer)
		s.mu.Unlock()
	}
}

// sentinel holds a suspended tenant's loopback listener: the host adds
// guest_ip/32 to lo and binds guest_ip:gatewayPort so the reverse proxy's
// retry lands here until the real VM is back.
type sentinel struct {
	ln           net.Listener
	addr         string
	done         chan struct{}
	cronTimer    *time.Timer
	cronTimerSet bool
}

func newSentinel(guestIP string, port int, onFirstConn func()) (*sentinel, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(guestIP, itoa(port)))
	if err != nil {
		return nil, err
	}
	sn := &sentinel{ln: ln, addr: guestIP, done: make(chan struct{})}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		// Hold the connection open; do not reply. The caller closes it
		// once resume completes so the proxy's retry sees a fresh VM.
		go func() {
			<-sn.done
			conn.Close()
		}()
		onFirstConn()
	}()
	return sn, nil
}

func (sn *sentinel) stop() {
	close(sn.done)
	sn.ln.Close()
	if sn.cronTimer != nil {
		sn.cronTimer.Stop()
	}
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
