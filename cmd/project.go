package cmd

import (
	"context"
	"io"

	"github.com/conneroisu/liveweave/internal/blob"
	"github.com/conneroisu/liveweave/internal/config"
	"github.com/conneroisu/liveweave/internal/errors"
	"github.com/conneroisu/liveweave/internal/extract"
	"github.com/conneroisu/liveweave/internal/jit"
	"github.com/conneroisu/liveweave/internal/loader"
	"github.com/conneroisu/liveweave/internal/logging"
	"github.com/conneroisu/liveweave/internal/schema"
	"github.com/conneroisu/liveweave/internal/session"
	"github.com/conneroisu/liveweave/internal/views"
)

// loadConfig reads the configuration assembled by initConfig.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.WrapConfig(err, errors.ErrCodeConfigInvalid, "load configuration")
	}
	return cfg, nil
}

// newLogger writes structured logs to w at the configured level.
func newLogger(cfg *config.Config, w io.Writer) logging.Logger {
	return logging.NewLogger(&logging.LoggerConfig{
		Level:     logging.ParseLevel(cfg.Log.Level),
		Format:    cfg.Log.Format,
		Output:    w,
		Component: "liveweave",
	})
}

// project is what the commands share: templates, schema, store and views.
type project struct {
	cfg      *config.Config
	logger   logging.Logger
	loader   *loader.Loader
	registry *schema.Registry
	// hasSchema is false when no schema file is configured; registry is then
	// empty and views cannot query.
	hasSchema bool
	db        views.Querier
	views     *views.File
	closers   []func() error
}

// openProject loads the templates, schema and views of cfg. The store is
// opened only when withStore is set and a schema is configured.
func openProject(ctx context.Context, cfg *config.Config, logger logging.Logger, withStore bool) (*project, error) {
	p := &project{
		cfg:      cfg,
		logger:   logging.OrNop(logger),
		registry: schema.NewRegistry(),
	}
	p.loader = loader.NewOS(cfg.Templates.Dirs,
		loader.WithMaxDepth(cfg.Templates.MaxIncludeDepth),
		loader.WithLogger(p.logger))

	if cfg.Store.Schema != "" {
		reg, err := schema.LoadFile(cfg.Store.Schema)
		if err != nil {
			return nil, err
		}
		p.registry, p.hasSchema = reg, true
	}

	var err error
	if cfg.Templates.Views != "" {
		p.views, err = views.LoadFile(cfg.Templates.Views)
	} else {
		p.views, err = views.Discover(p.loader)
	}
	if err != nil {
		return nil, err
	}
	reg := p.registry
	if !p.hasSchema {
		reg = nil
	}
	if err := p.views.Validate(reg); err != nil {
		return nil, err
	}

	if withStore && p.hasSchema {
		db, closer, err := openStore(ctx, cfg.Store, p.registry, p.logger)
		if err != nil {
			return nil, err
		}
		p.db = db
		p.closers = append(p.closers, closer)
	}
	return p, nil
}

// pipeline builds the serialization pipeline, resolving file references
// through the configured blob store.
func (p *project) pipeline() (*jit.Pipeline, error) {
	urls, err := blob.FromConfig(p.cfg.Blob, p.logger)
	if err != nil {
		return nil, err
	}
	return jit.FromConfig(p.cfg, p.registry, urls, p.logger, jit.WithLoader(p.loader))
}

// sessions returns a factory for sessions sharing pipe and the loader.
func (p *project) sessions(pipe *jit.Pipeline) func(view string) *session.Live {
	return func(view string) *session.Live {
		return session.New(
			session.WithName(view),
			session.WithPipeline(pipe),
			session.WithLoader(p.loader),
			session.WithLogger(p.logger),
		)
	}
}

// view returns the named view bound to the store.
func (p *project) view(name string) (*views.View, error) {
	v, ok := p.views.Bind(p.db)[name]
	if !ok {
		return nil, errors.NewValidationError(errors.ErrCodeValidationFailed, "unknown view "+name).
			WithContext("views", p.views.Names())
	}
	return v, nil
}

// bindingsFor collects the query bindings of every view rendering the named
// template, keeping only the variables text references.
func (p *project) bindingsFor(name, text string) map[string]string {
	pm := extract.ExtractPaths(text)
	out := map[string]string{}
	for _, view := range p.views.Names() {
		if p.views.Views[view].Template != name {
			continue
		}
		for v, typ := range p.views.Bindings(view) {
			if pm.Has(v) {
				out[v] = typ
			}
		}
	}
	return out
}

func (p *project) Close() error {
	var first error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}
