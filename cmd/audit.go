package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conneroisu/liveweave/internal/audit"
	"github.com/conneroisu/liveweave/internal/planner"
)

var (
	auditBindings []string
	auditFormat   string
	auditSource   bool
)

var auditCmd = &cobra.Command{
	Use:   "audit [template...]",
	Short: "Show what the pipeline infers for templates",
	Long: `Report, for each template, the paths read from every context variable,
the serializer compiled for each bound variable and the eager loads planned
for it. Nothing is fetched and no cache is touched.

Variables are bound to schema types with --bind. Variables queried by a
configured view are bound automatically.

Examples:
  liveweave audit                               # Audit every template
  liveweave audit leases.html --bind leases=Lease
  liveweave audit leases.html -b leases=Lease --source
  liveweave audit -f json                       # Output as JSON`,
	RunE: runAudit,
}

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.Flags().StringArrayVarP(&auditBindings, "bind", "b", nil, "bind a variable to a schema type (var=Type)")
	auditCmd.Flags().StringVarP(&auditFormat, "format", "f", "text", "output format (text, json, yaml)")
	auditCmd.Flags().BoolVar(&auditSource, "source", false, "include the generated serializer source")

	AddFlagValidation(auditCmd, "format", func(format string) error {
		return validateFormat(format, audit.Formats)
	})
}

func runAudit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())
	p, err := openProject(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer p.Close()

	explicit, err := parseBindings(auditBindings)
	if err != nil {
		return err
	}

	names := args
	if len(names) == 0 {
		if names, err = p.loader.List(); err != nil {
			return err
		}
	}
	if len(names) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No templates found.")
		return nil
	}

	pl := planner.New(p.registry, planner.WithMaxDepth(cfg.Planner.MaxDepth), planner.WithLogger(logger))
	reports := make([]*audit.Report, 0, len(names))
	for _, name := range names {
		text, err := p.loader.Load(name)
		if err != nil {
			return err
		}
		bindings := p.bindingsFor(name, text)
		for k, v := range explicit {
			bindings[k] = v
		}
		r, err := audit.Build(p.registry, pl, name, text, audit.Options{Bindings: bindings, WithSource: auditSource})
		if err != nil {
			return err
		}
		reports = append(reports, r)
	}
	return audit.WriteAll(cmd.OutOrStdout(), auditFormat, reports)
}
