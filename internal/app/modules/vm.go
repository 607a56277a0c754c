package modules

import (
	"context"
	"fmt"

	"github.com/riverqueue/river"

	"gnt-shepherd.io/shepherd/internal/api/handlers"
	"gnt-shepherd.io/shepherd/internal/backend"
	"gnt-shepherd.io/shepherd/internal/config"
	"gnt-shepherd.io/shepherd/internal/usecase"
)

// VMModule wires the VM state machine to the backend RPC client.
type VMModule struct {
	infra     *Infrastructure
	vmService *usecase.VMService
}

// NewVMModule creates a VM module with explicit constructor wiring.
func NewVMModule(infra *Infrastructure) (*VMModule, error) {
	cfg := infra.Config.Backend
	client, err := NewBackendClient(cfg)
	if err != nil {
		return nil, err
	}

	vmSvc := usecase.NewVMService(infra.Store, infra.Ledger, client, ServiceSettings(cfg)).
		WithAuditLogger(infra.AuditLogger).
		WithDispatcher(infra.Dispatcher)

	return &VMModule{
		infra:     infra,
		vmService: vmSvc,
	}, nil
}

// NewBackendClient creates the RAPI client of the configured cluster.
func NewBackendClient(cfg config.BackendConfig) (*backend.RAPIClient, error) {
	client, err := backend.NewRAPIClient(backend.RAPIConfig{
		URL:                cfg.RAPIURL,
		User:               cfg.RAPIUser,
		Password:           cfg.RAPIPassword,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Timeout:            cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("init backend client: %w", err)
	}
	return client, nil
}

// ServiceSettings maps the backend configuration onto usecase settings.
func ServiceSettings(cfg config.BackendConfig) usecase.Settings {
	return usecase.Settings{
		InstancePrefix: cfg.InstancePrefix,
		Hotplug:        cfg.Hotplug,
		DiskTemplate:   cfg.DiskTemplate,
		OS:             cfg.OS,
	}
}

func (m *VMModule) Name() string { return "vm" }

func (m *VMModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	if deps == nil {
		return
	}
	deps.VMs = m.vmService
}

func (m *VMModule) RegisterWorkers(_ *river.Workers) {}

func (m *VMModule) Shutdown(context.Context) error { return nil }
