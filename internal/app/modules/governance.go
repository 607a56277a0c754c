package modules

import (
	"context"

	"github.com/riverqueue/river"

	"gnt-shepherd.io/shepherd/internal/api/handlers"
)

// GovernanceModule subscribes the audit trail to domain events and owns the
// database readiness check.
type GovernanceModule struct {
	infra *Infrastructure
}

func NewGovernanceModule(infra *Infrastructure) *GovernanceModule {
	infra.AuditLogger.Register(infra.Dispatcher)
	return &GovernanceModule{infra: infra}
}

func (m *GovernanceModule) Name() string { return "governance" }

func (m *GovernanceModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	if deps == nil {
		return
	}
	deps.ReadinessChecks["database"] = m.infra.Pool
}

func (m *GovernanceModule) RegisterWorkers(_ *river.Workers) {}

func (m *GovernanceModule) Shutdown(context.Context) error { return nil }
