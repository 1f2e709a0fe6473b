package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	renderData string
	renderView string
)

var renderCmd = &cobra.Command{
	Use:   "render [template]",
	Short: "Render a template or a view once",
	Long: `Render a template through the full pipeline and print the HTML.

A template is rendered with the context given by --data. A view is rendered
with its configured context and queries, which needs a schema and a store.

Examples:
  liveweave render page.html --data '{"title": "Hello"}'
  liveweave render page.html --data @context.json
  liveweave render --view dashboard`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRender,
}

func init() {
	rootCmd.AddCommand(renderCmd)

	renderCmd.Flags().StringVarP(&renderData, "data", "d", "", "context as inline JSON or @file.json")
	renderCmd.Flags().StringVar(&renderView, "view", "", "render a configured view instead of a template")
}

func runRender(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	switch {
	case renderView == "" && len(args) == 0:
		return fmt.Errorf("render needs a template or --view")
	case renderView != "" && len(args) > 0:
		return fmt.Errorf("cannot render both a template and --view")
	case renderView != "" && renderData != "":
		return fmt.Errorf("--data cannot be used with --view")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())
	p, err := openProject(ctx, cfg, logger, renderView != "")
	if err != nil {
		return err
	}
	defer p.Close()

	pipe, err := p.pipeline()
	if err != nil {
		return err
	}
	live := p.sessions(pipe)("")

	var (
		text string
		data map[string]interface{}
	)
	if renderView != "" {
		v, err := p.view(renderView)
		if err != nil {
			return err
		}
		text = v.Template()
		if data, err = v.Context(ctx); err != nil {
			return err
		}
	} else {
		if text, err = p.loader.Source(args[0]); err != nil {
			return err
		}
		if data, err = parseData(renderData); err != nil {
			return err
		}
	}

	res, err := live.DiffAndVersion(ctx, text, data)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), res.HTML)
	return nil
}
