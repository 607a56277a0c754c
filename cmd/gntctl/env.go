package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"gopkg.in/yaml.v3"

	"gnt-shepherd.io/shepherd/internal/app/modules"
	"gnt-shepherd.io/shepherd/internal/config"
	"gnt-shepherd.io/shepherd/internal/governance/audit"
	"gnt-shepherd.io/shepherd/internal/infrastructure"
	"gnt-shepherd.io/shepherd/internal/pkg/logger"
	"gnt-shepherd.io/shepherd/internal/quota"
	"gnt-shepherd.io/shepherd/internal/store/pgstore"
	"gnt-shepherd.io/shepherd/internal/usecase"
)

const (
	outputYAML = "yaml"
	outputJSON = "json"
)

func validateOutput(format string) error {
	switch format {
	case outputYAML, outputJSON:
		return nil
	}
	return fmt.Errorf("unsupported output format %q", format)
}

// render writes v to w in the selected format.
func render(w io.Writer, format string, v interface{}) error {
	if format == outputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func parseID(kind, s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s id %q", kind, s)
	}
	return id, nil
}

// env holds the connections a command needs. Only what was asked for is opened.
type env struct {
	cfg    *config.Config
	db     *infrastructure.DatabaseClients
	store  *pgstore.Store
	holder *quota.PGHolder
	ledger *quota.Ledger
	audit  *audit.Logger
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := logger.Init(cfg.Log.Level, "console"); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	dbCfg := cfg.Database
	dbCfg.ConnectRetries = 0
	db, err := infrastructure.NewDatabaseClients(ctx, dbCfg)
	if err != nil {
		return nil, err
	}

	holder := quota.NewPGHolder(db.Pool, cfg.Quota.DefaultLimits)
	return &env{
		cfg:    cfg,
		db:     db,
		store:  pgstore.New(db.Pool),
		holder: holder,
		ledger: quota.NewLedger(holder),
		audit:  audit.NewLogger(db.Pool),
	}, nil
}

// vmService builds the VM service on top of the cluster client.
func (e *env) vmService() (*usecase.VMService, error) {
	if err := e.cfg.ValidateBackend(); err != nil {
		return nil, err
	}
	client, err := modules.NewBackendClient(e.cfg.Backend)
	if err != nil {
		return nil, err
	}
	return usecase.NewVMService(e.store, e.ledger, client, modules.ServiceSettings(e.cfg.Backend)).
		WithAuditLogger(e.audit), nil
}

func (e *env) Close() {
	if e == nil {
		return
	}
	e.db.Close()
	_ = logger.Sync()
}
