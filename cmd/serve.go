package cmd

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/liveweave/internal/config"
	"github.com/conneroisu/liveweave/internal/logging"
	"github.com/conneroisu/liveweave/internal/transport"
	"github.com/conneroisu/liveweave/internal/watcher"
)

// watchDebounce groups the file events of one save.
const watchDebounce = 200 * time.Millisecond

var serveSeed string

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s"},
	Short:   "Serve views and stream their patches",
	Long: `Serve every configured view. A page is rendered at /views/<name> and kept
current over a websocket at /ws/<session>: each message from the client and
each template change re-renders the page and sends only the patches.

Examples:
  liveweave serve                       # Serve on localhost:8090
  liveweave serve -p 9000 --watch       # Re-render open pages on template edits
  liveweave serve --seed fixtures.yml   # Load rows into the store first`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 8090, "port to serve on")
	serveCmd.Flags().String("host", "localhost", "host to bind to")
	serveCmd.Flags().BoolP("watch", "w", false, "watch the template directories")
	serveCmd.Flags().StringVar(&serveSeed, "seed", "", "seed file of rows to insert before serving")

	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("templates.watch", serveCmd.Flags().Lookup("watch"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	srv, p, err := buildServer(ctx, cmd.OutOrStdout(), cfg, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	if cfg.Templates.Watch {
		fw, err := watchTemplates(ctx, p, srv, logger)
		if err != nil {
			return err
		}
		defer fw.Stop()
	}

	addr := transport.Addr(cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintf(cmd.OutOrStdout(), "Serving %d views at http://%s/views\n", len(p.views.Views), addr)
	return srv.ListenAndServe(ctx, addr)
}

// buildServer opens the project, seeds the store when asked and returns
// the server over its views.
func buildServer(ctx context.Context, out io.Writer, cfg *config.Config, logger logging.Logger) (*transport.Server, *project, error) {
	p, err := openProject(ctx, cfg, logger, true)
	if err != nil {
		return nil, nil, err
	}

	if serveSeed != "" {
		if p.db == nil {
			p.Close()
			return nil, nil, fmt.Errorf("--seed needs a schema")
		}
		tables, err := loadSeed(serveSeed)
		if err != nil {
			p.Close()
			return nil, nil, err
		}
		n, err := seed(ctx, p.db, p.registry, tables)
		if err != nil {
			p.Close()
			return nil, nil, err
		}
		fmt.Fprintf(out, "Seeded %d rows\n", n)
	}

	pipe, err := p.pipeline()
	if err != nil {
		p.Close()
		return nil, nil, err
	}

	bound := p.views.Bind(p.db)
	vs := make(map[string]transport.View, len(bound))
	for name, v := range bound {
		vs[name] = v
	}
	srv := transport.FromConfig(cfg, vs,
		transport.WithSessionFactory(p.sessions(pipe)),
		transport.WithLogger(logger))
	return srv, p, nil
}

// watchTemplates re-renders every open page when a template changes.
func watchTemplates(ctx context.Context, p *project, srv *transport.Server, logger logging.Logger) (*watcher.FileWatcher, error) {
	fw, err := watcher.NewFileWatcher(watchDebounce, logger)
	if err != nil {
		return nil, err
	}
	fw.AddFilter(watcher.NoHiddenFilter)
	fw.AddFilter(watcher.TemplateFilter)
	fw.AddHandler(p.loader.Handler(func(paths []string) {
		if err := srv.RefreshAll(ctx); err != nil {
			logger.Warn(ctx, err, "Refresh after template change failed", "files", len(paths))
		}
	}))
	for _, dir := range p.cfg.Templates.Dirs {
		if err := fw.AddRecursive(dir); err != nil {
			return nil, err
		}
	}
	if err := fw.Start(ctx); err != nil {
		return nil, err
	}
	logger.Info(ctx, "Watching templates", "dirs", p.cfg.Templates.Dirs)
	return fw, nil
}
