package lifecycle

import (
	"context"

	"github.com/lobsterd/lobsterd/internal/checks"
	"github.com/lobsterd/lobsterd/internal/config"
	"github.com/lobsterd/lobsterd/internal/errs"
	"github.com/lobsterd/lobsterd/internal/repairs"
)

// MoltResult is one tenant's full molt report.
type MoltResult struct {
	Tenant  string                      `json:"tenant"`
	Initial []config.HealthCheckResult  `json:"initial_checks"`
	Repairs []config.RepairResult       `json:"repairs"`
	Final   []config.HealthCheckResult  `json:"final_checks"`
	Healthy bool                        `json:"healthy"`
}

// Molt runs a check/repair/check cycle on one tenant, under a hold.
func (m *Manager) Molt(ctx context.Context, host config.HostConfig, name string) (MoltResult, error) {
	release, err := m.Hold(ctx, host, name)
	if err != nil {
		return MoltResult{}, err
	}
	defer release()

	reg, err := m.Store.LoadRegistry()
	if err != nil {
		return MoltResult{}, err
	}
	tenant := reg.Find(name)
	if tenant == nil {
		return MoltResult{}, errs.New(errs.CodeTenantNotFound, "tenant "+name+" not found")
	}

	checkDeps := m.checkDepsFor(host)
	initial := checks.RunAll(ctx, tenant, checkDeps)

	var repairResults []config.RepairResult
	if !config.AllOK(initial) {
		var failedNames []string
		for _, r := range initial {
			if r.Status != config.CheckOK {
				failedNames = append(failedNames, r.Check)
			}
		}
		repairResults = repairs.RunDeduped(ctx, tenant, failedNames, m.repairDepsFor(host))
	}

	final := checks.RunAll(ctx, tenant, checkDeps)

	return MoltResult{
		Tenant:  name,
		Initial: initial,
		Repairs: repairResults,
		Final:   final,
		Healthy: config.AllOK(final),
	}, nil
}

// MoltAll runs Molt over every active tenant in the registry.
func (m *Manager) MoltAll(ctx context.Context, host config.HostConfig) ([]MoltResult, error) {
	reg, err := m.Store.LoadRegistry()
	if err != nil {
		return nil, err
	}
	results := make([]MoltResult, 0, len(reg.Tenants))
	for _, t := range reg.Tenants {
		if t.Status != config.StatusActive {
			continue
		}
		r, err := m.Molt(ctx, host, t.Name)
		if err != nil {
			results = append(results, MoltResult{Tenant: t.Name, Healthy: false})
			continue
		}
		results = append(results, r)
	}
	return results, nil
}
