package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conneroisu/liveweave/internal/config"
	"github.com/conneroisu/liveweave/internal/tmpl"
)

var validateFormatFlag string

// validateCmd represents the validate command.
var validateCmd = &cobra.Command{
	Use:   "validate [template...]",
	Short: "Check the configuration, schema, views and templates",
	Long: `Check everything serve would load, without opening the store:

- Configuration values, with suggestions
- The schema file: every relation targets a declared type
- The views file: every query targets a schema type
- Templates: syntax, and no block tags inside attribute values

Examples:
  liveweave validate                  # Validate everything
  liveweave validate page.html        # Validate one template
  liveweave validate --format json    # Output results as JSON`,
	RunE: runValidateCommand,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVarP(&validateFormatFlag, "format", "f", "text", "output format (text, json)")
	AddFlagValidation(validateCmd, "format", func(format string) error {
		return validateFormat(format, []string{"text", "json"})
	})
}

// TemplateResult is the outcome of checking one template.
type TemplateResult struct {
	Template string `json:"template"`
	Valid    bool   `json:"valid"`
	Error    string `json:"error,omitempty"`
}

// ValidationSummary is the outcome of the validate command.
type ValidationSummary struct {
	Config    *config.ValidationResult `json:"-"`
	Problems  []string                 `json:"problems"`
	Warnings  []string                 `json:"warnings"`
	Templates []TemplateResult         `json:"templates"`
	Valid     bool                     `json:"valid"`
}

func runValidateCommand(cmd *cobra.Command, args []string) error {
	summary, err := validateProject(cmd, args)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if validateFormatFlag == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			return err
		}
	} else {
		if s := summary.Config.String(); s != "" {
			fmt.Fprint(out, s)
		}
		for _, p := range summary.Problems {
			fmt.Fprintf(out, "error: %s\n", p)
		}
		for _, t := range summary.Templates {
			if t.Valid {
				fmt.Fprintf(out, "ok      %s\n", t.Template)
			} else {
				fmt.Fprintf(out, "invalid %s: %s\n", t.Template, t.Error)
			}
		}
	}

	if !summary.Valid {
		return fmt.Errorf("validation failed")
	}
	return nil
}

func validateProject(cmd *cobra.Command, names []string) (*ValidationSummary, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	summary := &ValidationSummary{
		Config:    config.ValidateConfigWithDetails(cfg),
		Problems:  []string{},
		Warnings:  []string{},
		Templates: []TemplateResult{},
	}
	for _, e := range summary.Config.Errors {
		summary.Problems = append(summary.Problems, fmt.Sprintf("%s: %s", e.Field, e.Message))
	}
	for _, w := range summary.Config.Warnings {
		summary.Warnings = append(summary.Warnings, fmt.Sprintf("%s: %s", w.Field, w.Message))
	}

	p, err := openProject(cmd.Context(), cfg, newLogger(cfg, cmd.ErrOrStderr()), false)
	if err != nil {
		summary.Problems = append(summary.Problems, err.Error())
		summary.Valid = false
		return summary, nil
	}
	defer p.Close()

	if len(names) == 0 {
		if names, err = p.loader.List(); err != nil {
			return nil, err
		}
	}
	for _, name := range names {
		res := TemplateResult{Template: name, Valid: true}
		if err := checkTemplate(p, name); err != nil {
			res.Valid, res.Error = false, err.Error()
		}
		summary.Templates = append(summary.Templates, res)
	}

	summary.Valid = len(summary.Problems) == 0
	for _, t := range summary.Templates {
		summary.Valid = summary.Valid && t.Valid
	}
	return summary, nil
}

// checkTemplate parses a template with its includes resolved.
func checkTemplate(p *project, name string) error {
	text, err := p.loader.Load(name)
	if err != nil {
		return err
	}
	if err := tmpl.ValidateAttributes(text); err != nil {
		return err
	}
	_, err = tmpl.Parse(text)
	return err
}
