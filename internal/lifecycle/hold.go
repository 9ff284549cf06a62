package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lobsterd/lobsterd/internal/agentclient"
	"github.com/lobsterd/lobsterd/internal/config"
	"github.com/lobsterd/lobsterd/internal/errs"
)

const (
	holdRefreshInterval = 2 * time.Minute
	holdTTL             = 5 * time.Minute
)

// Release clears a hold acquired by Hold.
type Release func()

// Hold is the pre-flight every CLI/API operation on a tenant performs: if
// the tenant is suspended it is auto-resumed, then it is registered in the
// shared in-flight set (excluding it from auto-suspend and watchdog
// repairs) and an agent-side hold token is kept alive in the background
// until Release is called.
func (m *Manager) Hold(ctx context.Context, host config.HostConfig, name string) (Release, error) {
	reg, err := m.Store.LoadRegistry()
	if err != nil {
		return nil, err
	}
	tenant := reg.Find(name)
	if tenant == nil {
		return nil, errs.New(errs.CodeTenantNotFound, "tenant "+name+" not found")
	}

	if tenant.Status == config.StatusSuspended {
		if err := m.Resume(ctx, host, name); err != nil {
			return nil, err
		}
		reg, err = m.Store.LoadRegistry()
		if err != nil {
			return nil, err
		}
		tenant = reg.Find(name)
	}

	if !m.Inflight.TryAcquire(name, "hold") {
		return nil, errs.New(errs.CodeLockFailed, "tenant "+name+" already has an operation in flight")
	}

	holdCtx, cancel := context.WithCancel(context.Background())
	ac := agentclient.New(tenant.GuestIP, host.AgentPort, tenant.AgentToken)

	if err := ac.AcquireHold(ctx, holdTTL.Milliseconds()); err != nil {
		cancel()
		m.Inflight.Release(name)
		return nil, err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(holdRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-holdCtx.Done():
				return
			case <-ticker.C:
				if err := ac.AcquireHold(holdCtx, holdTTL.Milliseconds()); err != nil {
					slog.Warn("hold: refresh failed", "tenant", name, "error", err)
				}
			}
		}
	}()

	var once sync.Once
	release := func() {
		once.Do(func() {
			cancel()
			wg.Wait()
			releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer releaseCancel()
			if err := ac.ReleaseHold(releaseCtx); err != nil {
				slog.Warn("hold: release-hold failed", "tenant", name, "error", err)
			}
			m.Inflight.Release(name)
		})
	}
	return release, nil
}
