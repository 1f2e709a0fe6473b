package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var listFormat string

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"l"},
	Short:   "List the configured views",
	Long: `List every view with its template and the variables bound to store queries.
Without a views file every template is a view.

Examples:
  liveweave list              # Table
  liveweave list -f json      # Output as JSON
  liveweave list -f yaml      # Output as YAML`,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringVarP(&listFormat, "format", "f", "table", "output format (table, json, yaml)")
	AddFlagValidation(listCmd, "format", func(format string) error {
		return validateFormat(format, []string{"table", "json", "yaml"})
	})
}

// viewInfo is one row of the listing.
type viewInfo struct {
	Name     string            `json:"name" yaml:"name"`
	Template string            `json:"template" yaml:"template"`
	Queries  map[string]string `json:"queries,omitempty" yaml:"queries,omitempty"`
}

func runList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p, err := openProject(cmd.Context(), cfg, newLogger(cfg, cmd.ErrOrStderr()), false)
	if err != nil {
		return err
	}
	defer p.Close()

	infos := make([]viewInfo, 0, len(p.views.Views))
	for _, name := range p.views.Names() {
		info := viewInfo{Name: name, Template: p.views.Views[name].Template}
		if b := p.views.Bindings(name); len(b) > 0 {
			info.Queries = b
		}
		infos = append(infos, info)
	}

	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(out, "No views found.")
		return nil
	}

	switch listFormat {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	case "yaml":
		enc := yaml.NewEncoder(out)
		defer enc.Close()
		return enc.Encode(infos)
	default:
		return outputTable(out, infos)
	}
}

func outputTable(out io.Writer, infos []viewInfo) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTEMPLATE\tQUERIES")
	fmt.Fprintln(w, "----\t--------\t-------")
	for _, info := range infos {
		queries := make([]string, 0, len(info.Queries))
		for v, typ := range info.Queries {
			queries = append(queries, v+":"+typ)
		}
		sort.Strings(queries)
		fmt.Fprintf(w, "%s\t%s\t%s\n", info.Name, info.Template, strings.Join(queries, ", "))
	}
	fmt.Fprintf(w, "\nTotal: %d views\n", len(infos))
	return w.Flush()
}
