// -----------------------------------------------------------------------
// Last Modified: Friday, 31st July 2026 9:00:00 am
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package app

import (
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/harmony/internal/common"
	"github.com/ternarybob/harmony/internal/interfaces"
	"github.com/ternarybob/harmony/internal/k8s"
	"github.com/ternarybob/harmony/internal/maintenance"
	"github.com/ternarybob/harmony/internal/metrics"
	"github.com/ternarybob/harmony/internal/orchestrator"
	"github.com/ternarybob/harmony/internal/scheduler"
	"github.com/ternarybob/harmony/internal/storage/artifacts"
	"github.com/ternarybob/harmony/internal/storage/sqlite"
)

// App wires together every collaborator of the Work Orchestration Core: the
// persistent store, the artifact catalog store, the fair-queue scheduler,
// the step engine, the background maintenance loops, and (optionally) the
// container orchestrator and metrics sink those loops publish to.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	sqliteManager     *sqlite.Manager
	artifactStore     *artifacts.Store
	k8sClient         *k8s.Client

	Store        interfaces.Store
	Artifacts    interfaces.ArtifactStore
	Metrics      *metrics.Registry
	Scheduler    *scheduler.Scheduler
	Orchestrator *orchestrator.Orchestrator
	Maintenance  *maintenance.Runner
}

// New initializes every component and wires them together in dependency
// order: store -> artifact store -> metrics -> (optional) container
// orchestrator -> scheduler -> orchestrator -> maintenance runner.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	sqliteMgr, err := sqlite.NewManager(logger, &cfg.SQLite)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sqlite store: %w", err)
	}
	app.sqliteManager = sqliteMgr
	app.Store = sqliteMgr.Store()

	artifactStore, err := artifacts.New(logger, &cfg.Artifacts)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize artifact store: %w", err)
	}
	app.artifactStore = artifactStore
	app.Artifacts = artifactStore

	app.Metrics = metrics.New()

	var orch interfaces.ContainerOrchestrator
	if cfg.K8s.Enabled {
		client, err := k8s.New(logger, &cfg.K8s)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize container orchestrator: %w", err)
		}
		app.k8sClient = client
		orch = client
	} else {
		logger.Info().Msg("Container orchestrator disabled (k8s.enabled=false); Prometheus watchdog and memory-usage snapshotter loops are no-ops")
	}

	app.Scheduler = scheduler.New(app.Store, app.Metrics, logger, &cfg.Scheduler)
	app.Orchestrator = orchestrator.New(app.Store, app.Artifacts, app.Metrics, logger, &cfg.Limits)
	app.Maintenance = maintenance.New(app.Store, app.Artifacts, orch, app.Metrics, logger, &cfg.Maintenance, cfg.K8s.Namespace, cfg.Environment)

	if err := app.Maintenance.Start(); err != nil {
		return nil, fmt.Errorf("failed to start maintenance loops: %w", err)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Bool("k8s_enabled", cfg.K8s.Enabled).
		Msg("Application initialization complete")

	return app, nil
}

// Close releases every resource acquired by New, in reverse dependency
// order.
func (a *App) Close() error {
	if a.Maintenance != nil {
		a.Maintenance.Stop()
	}

	common.Stop()

	if a.artifactStore != nil {
		if err := a.artifactStore.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close artifact store")
		}
	}

	if a.sqliteManager != nil {
		if err := a.sqliteManager.Close(); err != nil {
			return fmt.Errorf("failed to close sqlite store: %w", err)
		}
	}

	return nil
}
