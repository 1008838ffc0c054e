package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/alecthomas/kingpin.v2"
	corev1 "k8s.io/api/core/v1"

	appgenerate "github.com/kvmigrate/kvmigrate/internal/app/generate"
	"github.com/kvmigrate/kvmigrate/internal/log"
	storageio "github.com/kvmigrate/kvmigrate/internal/storage/io"
)

type generateCommand struct {
	planFile    string
	out         string
	sourceFlags *sourceStoreFlags
}

// NewGenerateCommand returns the generate command.
func NewGenerateCommand(app *kingpin.Application) Command {
	c := &generateCommand{}
	cmd := app.Command("generate", "Generates the target ConfigMaps as YAML manifests without touching a cluster.")
	cmd.Flag("plan", "Migration plan file path.").Short('p').Required().StringVar(&c.planFile)
	cmd.Flag("out", "Generated manifests output file path. If `-` it will use stdout.").Short('o').Default("-").StringVar(&c.out)
	c.sourceFlags = registerSourceStoreFlags(cmd)

	return c
}

func (g generateCommand) Name() string { return "generate" }
func (g generateCommand) Run(ctx context.Context, config RootConfig) error {
	// Load plan.
	plan, err := loadPlanFile(ctx, g.planFile)
	if err != nil {
		return err
	}

	// Source store client.
	sourceCli, err := g.sourceFlags.newSourceStoreClient(ctx, config.Logger)
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

	resp, err := generator.Generate(ctx, appgenerate.Request{Plan: *plan})
	if err != nil {
		return fmt.Errorf("could not generate ConfigMaps: %w", err)
	}

	// Manifest generation is strict, a single broken entry fails the whole run.
	cms := make([]*corev1.ConfigMap, 0, len(resp.Entries))
	var entryErrs error
	for _, entry := range resp.Entries {
		if entry.Err != nil {
			entryErrs = multierror.Append(entryErrs, fmt.Errorf("%s: %w", entry.Source, entry.Err))
			continue
		}
		cms = append(cms, entry.ConfigMap)
	}
	if entryErrs != nil {
		return fmt.Errorf("could not generate ConfigMaps: %w", entryErrs)
	}

	// Store.
	var out io.Writer = config.Stdout
	if g.out != "-" {
		f, err := os.Create(g.out)
		if err != nil {
			return fmt.Errorf("could not create out file: %w", err)
		}
		defer f.Close()
		out = f
	}

	repo := storageio.NewIOWriterManifestRepo(out, config.Logger)

	ctx = config.Logger.SetValuesOnCtx(ctx, log.Kv{"out": g.out})
	err = repo.StoreConfigMaps(ctx, cms)
	if err != nil {
		return fmt.Errorf("could not store ConfigMap manifests: %w", err)
	}

	return nil
}
