package main

import (
	"github.com/lobsterd/lobsterd/internal/checks"
	"github.com/lobsterd/lobsterd/internal/config"
	"github.com/lobsterd/lobsterd/internal/events"
	"github.com/lobsterd/lobsterd/internal/execw"
	"github.com/lobsterd/lobsterd/internal/inflight"
	"github.com/lobsterd/lobsterd/internal/lifecycle"
	"github.com/lobsterd/lobsterd/internal/network"
	"github.com/lobsterd/lobsterd/internal/overlay"
	"github.com/lobsterd/lobsterd/internal/proxy"
	"github.com/lobsterd/lobsterd/internal/repairs"
	"github.com/lobsterd/lobsterd/internal/watchdog"
)

// shared bundles the long-lived objects every subcommand builds the same
// way, so one-shot commands and the long-running daemon commands
// (watch --daemon, buoy) construct identical drivers against the same
// on-disk store.
type shared struct {
	host     config.HostConfig
	emitter  *events.Emitter
	inflight *inflight.Set
	manager  *lifecycle.Manager
	network  *network.Driver
}

func loadShared() (*shared, error) {
	host, err := store.LoadConfig()
	if err != nil {
		return nil, err
	}

	emitter := events.New()
	inflightSet := inflight.New()
	runner := execw.New()
	net := network.New(logger)

	mgr := &lifecycle.Manager{
		Store:    store,
		Network:  net,
		Overlay:  overlay.New(),
		ProxyCtl: proxy.New(host.ProxyAdminURL),
		Inflight: inflightSet,
		Emitter:  emitter,
		Runner:   runner,
		SSHDir:   defaultSSHDir,
	}

	return &shared{host: host, emitter: emitter, inflight: inflightSet, manager: mgr, network: net}, nil
}

func (s *shared) checkDeps() checks.Deps {
	return s.manager.CheckDeps(s.host)
}

func (s *shared) repairDeps() repairs.Deps {
	return s.manager.RepairDeps(s.host)
}

func (s *shared) buildWatchdog() *watchdog.Watchdog {
	return watchdog.New(store, s.host, s.inflight, s.emitter, s.checkDeps(), s.repairDeps())
}
