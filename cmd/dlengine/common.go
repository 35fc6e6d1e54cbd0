package main

import (
	"context"
	"fmt"

	"github.com/ligustah/dlengine/internal/config"
	"github.com/ligustah/dlengine/internal/httpx"
	"github.com/ligustah/dlengine/internal/manager"
	"github.com/ligustah/dlengine/internal/persistence"
)

// openManager loads configuration (the YAML file, then environment
// variables overlaid on it), opens the persistence store at its configured path, and
// constructs a Manager pre-populated from any prior run's state.
func openManager(ctx context.Context, configPath string) (*manager.Manager, func(), error) {
	cfg := config.Default()
	if configPath != "" {
		fileCfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load config: %w", err)
		}
		cfg = fileCfg
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, nil, fmt.Errorf("load env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	store, err := persistence.Open(ctx, cfg.StorePath, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	client := httpx.NewClient(cfg.HTTPOptions())

	mgrCfg := manager.DefaultConfig()
	mgrCfg.MaxConcurrent = cfg.MaxConcurrent
	mgrCfg.TaskConfig.RequestedSegments = cfg.DefaultSegments
	mgrCfg.TaskConfig.ProgressUpdateInterval = cfg.ProgressUpdateInterval
	mgrCfg.TaskConfig.RebalanceInterval = cfg.RebalanceInterval
	mgrCfg.TaskConfig.PersistenceCheckpointBytes = cfg.PersistenceCheckpointBytes
	mgrCfg.TaskConfig.RetryPolicy = cfg.RetryPolicy()

	m := manager.New(client, store, nil, mgrCfg)
	if err := m.LoadFromStore(ctx); err != nil {
		m.Close()
		store.Close()
		return nil, nil, fmt.Errorf("load persisted tasks: %w", err)
	}

	cleanup := func() {
		m.Close()
		store.Close()
	}
	return m, cleanup, nil
}
