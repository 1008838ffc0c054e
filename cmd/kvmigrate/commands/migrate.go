package commands

import (
	"context"
	"fmt"

	"gopkg.in/alecthomas/kingpin.v2"

	appgenerate "github.com/kvmigrate/kvmigrate/internal/app/generate"
	appmigrate "github.com/kvmigrate/kvmigrate/internal/app/migrate"
	"github.com/kvmigrate/kvmigrate/internal/log"
	"github.com/kvmigrate/kvmigrate/internal/workload"
)

type migrateCommand struct {
	planFile    string
	workers     int
	sourceFlags *sourceStoreFlags
	kubeFlags   *kubernetesFlags
}

// NewMigrateCommand returns the migrate command.
func NewMigrateCommand(app *kingpin.Application) Command {
	c := &migrateCommand{}
	cmd := app.Command("migrate", "Runs a migration from the source store into Kubernetes ConfigMaps.")
	cmd.Flag("plan", "Migration plan file path.").Short('p').Required().StringVar(&c.planFile)
	cmd.Flag("workers", "Concurrent ConfigMap writes.").Default("4").IntVar(&c.workers)
	c.sourceFlags = registerSourceStoreFlags(cmd)
	c.kubeFlags = registerKubernetesFlags(cmd)

	return c
}

func (m migrateCommand) Name() string { return "migrate" }
func (m migrateCommand) Run(ctx context.Context, config RootConfig) error {
	logger := config.Logger

	// Load plan.
	plan, err := loadPlanFile(ctx, m.planFile)
	if err != nil {
		return err
	}

	// Source store client.
	sourceCli, err := m.sourceFlags.newSourceStoreClient(ctx, logger)
	if err != nil {
		return err
	}

	// Kubernetes storage.
	repo, kubeCli, err := m.kubeFlags.newKubernetesRepository(logger)
	if err != nil {
		return err
	}

	// Workload restarts only make sense when we are really writing.
	var restarter appmigrate.WorkloadRestarter
	if plan.Target.RestartWorkloads && m.kubeFlags.runMode == runModeDefault {
		r := workload.NewRestarter(kubeCli, logger)
		restarter = r
	}

	generator, err := appgenerate.NewService(appgenerate.ServiceConfig{
		SourceReader: sourceCli,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("could not create generate application service: %w", err)
	}

	migrator, err := appmigrate.NewService(appmigrate.ServiceConfig{
		Generator:  generator,
		Repository: repo,
		Restarter:  restarter,
		Workers:    m.workers,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("could not create migrate application service: %w", err)
	}

	resp, err := migrator.Migrate(ctx, appmigrate.Request{Plan: *plan})
	if err != nil {
		if resp == nil {
			return fmt.Errorf("migration failed: %w", err)
		}

		// Partial failure, report and fail so automations notice.
		printMigrationSummary(config, *resp)
		return fmt.Errorf("migration finished with %d failed entries: %w", resp.Failed, err)
	}

	printMigrationSummary(config, *resp)

	return nil
}

func printMigrationSummary(config RootConfig, resp appmigrate.Response) {
	config.Logger.WithValues(log.Kv{
		"migrated":  resp.Migrated,
		"unchanged": resp.Unchanged,
		"failed":    resp.Failed,
	}).Infof("Migration summary")

	for _, result := range resp.Results {
		if result.Status != appmigrate.EntryStatusFailed {
			continue
		}
		config.Logger.WithValues(log.Kv{"source": result.Source}).Errorf("Entry failed: %s", result.Err)
	}
}
