package commands

import (
	"context"
	"fmt"

	"gopkg.in/alecthomas/kingpin.v2"
)

type validateCommand struct {
	planFile string
}

// NewValidateCommand returns the validate command.
func NewValidateCommand(app *kingpin.Application) Command {
	c := &validateCommand{}
	cmd := app.Command("validate", "Validates a migration plan file.")
	cmd.Flag("plan", "Migration plan file path.").Short('p').Required().StringVar(&c.planFile)

	return c
}

func (v validateCommand) Name() string { return "validate" }
func (v validateCommand) Run(ctx context.Context, config RootConfig) error {
	plan, err := loadPlanFile(ctx, v.planFile)
	if err != nil {
		return err
	}

	fmt.Fprintf(config.Stdout, "Plan is valid: %d sources, target namespace %q\n", len(plan.Sources), plan.Target.Namespace)

	return nil
}
