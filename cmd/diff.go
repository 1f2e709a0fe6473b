package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/conneroisu/liveweave/internal/errors"
	"github.com/conneroisu/liveweave/internal/protocol"
	"github.com/conneroisu/liveweave/internal/session"
)

var diffTemplate string

var diffCmd = &cobra.Command{
	Use:   "diff OLD NEW",
	Short: "Print the patch message between two renders",
	Long: `Print the patch message a client would receive to go from OLD to NEW.

OLD and NEW are HTML files. With --template they are contexts instead, as
inline JSON or @file.json, and the template is rendered with each.

Examples:
  liveweave diff before.html after.html
  liveweave diff --template list.html @before.json @after.json
  liveweave diff -t counter.html '{"n": 1}' '{"n": 2}'`,
	Args: cobra.ExactArgs(2),
	RunE: runDiff,
}

func init() {
	rootCmd.AddCommand(diffCmd)

	diffCmd.Flags().StringVar(&diffTemplate, "template", "", "render this template with OLD and NEW as contexts")
}

func runDiff(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	var live *session.Live
	var render func(arg string) (*session.Result, error)

	if diffTemplate == "" {
		live = session.New()
		render = func(path string) (*session.Result, error) {
			html, err := os.ReadFile(path)
			if err != nil {
				return nil, errors.WrapIO(err, errors.ErrCodeFileNotFound, "read document").WithContext("path", path)
			}
			return live.Commit(ctx, string(html))
		}
	} else {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		p, err := openProject(ctx, cfg, newLogger(cfg, cmd.ErrOrStderr()), false)
		if err != nil {
			return err
		}
		defer p.Close()
		pipe, err := p.pipeline()
		if err != nil {
			return err
		}
		text, err := p.loader.Source(diffTemplate)
		if err != nil {
			return err
		}
		live = p.sessions(pipe)("")
		render = func(spec string) (*session.Result, error) {
			data, err := parseData(spec)
			if err != nil {
				return nil, err
			}
			return live.DiffAndVersion(ctx, text, data)
		}
	}

	if _, err := render(args[0]); err != nil {
		return fmt.Errorf("old: %w", err)
	}
	res, err := render(args[1])
	if err != nil {
		return fmt.Errorf("new: %w", err)
	}
	out, err := protocol.Marshal(res.Message)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
