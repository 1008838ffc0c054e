package commands

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/alecthomas/kingpin.v2"

	appgenerate "github.com/kvmigrate/kvmigrate/internal/app/generate"
	appverify "github.com/kvmigrate/kvmigrate/internal/app/verify"
)

type verifyCommand struct {
	planFile    string
	sourceFlags *sourceStoreFlags
	kubeFlags   *kubernetesFlags
}

// NewVerifyCommand returns the verify command.
func NewVerifyCommand(app *kingpin.Application) Command {
	c := &verifyCommand{}
	cmd := app.Command("verify", "Diffs the source store against the migrated ConfigMaps, fails when there is drift.")
	cmd.Flag("plan", "Migration plan file path.").Short('p').Required().StringVar(&c.planFile)
	c.sourceFlags = registerSourceStoreFlags(cmd)
	c.kubeFlags = registerKubernetesFlags(cmd)

	return c
}

func (v verifyCommand) Name() string { return "verify" }
func (v verifyCommand) Run(ctx context.Context, config RootConfig) error {
	// Load plan.
	plan, err := loadPlanFile(ctx, v.planFile)
	if err != nil {
		return err
	}

	// Source store client.
	sourceCli, err := v.sourceFlags.newSourceStoreClient(ctx, config.Logger)
	if err != nil {
		return err
	}

	// Kubernetes storage (verification only reads, dry-run mode is a no-op here).
	repo, _, err := v.kubeFlags.newKubernetesRepository(config.Logger)
	if err != nil {
		return err
	}

	generator, err := appgenerate.NewService(appgenerate.ServiceConfig{
		SourceReader: sourceCli,
		Logger:       config.Logger,
	})
	if err != nil {
		return fmt.Errorf("could not create generate application service: %w", err)
	}

	verifier, err := appverify.NewService(appverify.ServiceConfig{
		Generator:  generator,
		Repository: repo,
		Logger:     config.Logger,
	})
	if err != nil {
		return fmt.Errorf("could not create verify application service: %w", err)
	}

	report, err := verifier.Verify(ctx, appverify.Request{Plan: *plan})
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}

	printVerifyReport(config, *report)

	if report.HasDrift() {
		return fmt.Errorf("drift detected: %d missing, %d changed, %d unexpected, %d failures",
			len(report.Missing), len(report.Changed), len(report.Unexpected), len(report.Failures))
	}

	fmt.Fprintf(config.Stdout, "OK: %d ConfigMaps in sync\n", report.InSync)

	return nil
}

func printVerifyReport(config RootConfig, report appverify.Report) {
	for _, d := range report.Missing {
		fmt.Fprintf(config.Stdout, "MISSING %s (source %s)\n", d.ConfigMapName, d.Source)
	}
	for _, d := range report.Changed {
		fmt.Fprintf(config.Stdout, "CHANGED %s (source %s): keys %s\n", d.ConfigMapName, d.Source, strings.Join(d.Fields, ", "))
	}
	for _, d := range report.Unexpected {
		fmt.Fprintf(config.Stdout, "UNEXPECTED %s (source %s)\n", d.ConfigMapName, d.Source)
	}
	for _, f := range report.Failures {
		fmt.Fprintf(config.Stdout, "FAILED %s: %s\n", f.Source, f.Err)
	}
}
