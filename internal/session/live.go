// Package session runs the render, diff and version cycle of one connected
// view.
//
// A Live holds the tree last sent to the client. Each cycle renders new
// HTML, rebuilds the tree against the previous one, diffs the two and
// wraps the patches in a versioned message. The first cycle only sets the
// baseline and sends no patches.
//
// Cycles of one Live must not overlap: each diff runs against the tree of
// the previous cycle, so the caller runs one render per session at a time.
// A cycle that fails leaves the previous tree and version in place.
package session

import (
	"bytes"
	"context"
	"fmt"

	"github.com/a-h/templ"

	"github.com/conneroisu/liveweave/internal/errors"
	"github.com/conneroisu/liveweave/internal/jit"
	"github.com/conneroisu/liveweave/internal/loader"
	"github.com/conneroisu/liveweave/internal/logging"
	"github.com/conneroisu/liveweave/internal/protocol"
	"github.com/conneroisu/liveweave/internal/tmpl"
	"github.com/conneroisu/liveweave/internal/vdom"
)

// Result is the outcome of one cycle.
type Result struct {
	HTML string
	// Message is nil on the first render of a session.
	Message *protocol.Message
	Version int
}

// Live is the state of one session.
type Live struct {
	renderer *tmpl.Renderer
	pipeline *jit.Pipeline
	loader   *loader.Loader
	logger   logging.Logger
	// name locates template errors; empty leaves them unlocated
	name string

	tree    *vdom.Node
	version int

	// last parsed template, reused while the text stays the same
	source string
	parsed *tmpl.Template
}

// Option configures a Live.
type Option func(*Live)

// WithPipeline serializes the context through p before rendering.
func WithPipeline(p *jit.Pipeline) Option {
	return func(l *Live) { l.pipeline = p }
}

// WithLoader resolves includes before the template is parsed.
func WithLoader(ld *loader.Loader) Option {
	return func(l *Live) { l.loader = ld }
}

// WithRenderer replaces the template renderer, for custom filters.
func WithRenderer(r *tmpl.Renderer) Option {
	return func(l *Live) { l.renderer = r }
}

// WithName names the view the session renders, for error locations.
func WithName(name string) Option {
	return func(l *Live) { l.name = name }
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(l *Live) { l.logger = logging.OrNop(logger).WithComponent("session") }
}

// New returns a session with no rendered tree.
func New(opts ...Option) *Live {
	l := &Live{renderer: tmpl.NewRenderer(), logger: logging.NewNop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Version returns the version of the last successful cycle, 0 before the
// first render.
func (l *Live) Version() int { return l.version }

// Tree returns the tree last sent to the client.
func (l *Live) Tree() *vdom.Node { return l.tree }

// Reset forgets the tree, so the next cycle is a first render. Callers
// reset after a structural error once the client has reloaded.
func (l *Live) Reset() {
	l.tree = nil
	l.version = 0
}

// DiffAndVersion renders templateText with data and diffs the result
// against the previous render.
func (l *Live) DiffAndVersion(ctx context.Context, templateText string, data map[string]interface{}) (*Result, error) {
	html, err := l.render(ctx, templateText, data)
	if err != nil {
		return nil, err
	}
	return l.Commit(ctx, html)
}

// RenderComponent runs the cycle for a templ component.
func (l *Live) RenderComponent(ctx context.Context, c templ.Component) (*Result, error) {
	var buf bytes.Buffer
	if err := c.Render(ctx, &buf); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, errors.ErrCodeRenderFailed, "render component").
			WithComponent("session")
	}
	return l.Commit(ctx, buf.String())
}

// Commit runs the cycle for HTML rendered elsewhere.
func (l *Live) Commit(ctx context.Context, html string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	perf := logging.StartOperation(l.logger, "diff_and_version")

	tree, err := vdom.Rebuild(l.tree, html)
	if err != nil {
		l.logger.Warn(ctx, err, "Rendered HTML cannot be diffed, client must reload", "version", l.version)
		perf.EndWithError(ctx, err)
		return nil, err
	}

	res := &Result{HTML: html}
	if l.tree != nil {
		res.Message = protocol.Encode(vdom.Diff(l.tree, tree), l.version+1)
	}
	l.tree = tree
	l.version++
	res.Version = l.version

	patches := 0
	if res.Message != nil {
		patches = len(res.Message.Patches)
	}
	perf.End(ctx, "version", l.version, "patches", patches, "nodes", tree.Count())
	return res, nil
}

func (l *Live) render(ctx context.Context, templateText string, data map[string]interface{}) (string, error) {
	if l.loader != nil {
		templateText = l.loader.Resolve(templateText)
	}
	if l.parsed == nil || l.source != templateText {
		if err := tmpl.ValidateAttributes(templateText); err != nil {
			return "", l.locate(errors.Wrap(err, errors.ErrorTypeValidation, errors.ErrCodeTagInAttribute, "invalid template").
				WithComponent("session"), err)
		}
		t, err := tmpl.Parse(templateText)
		if err != nil {
			return "", l.locate(errors.Wrap(err, errors.ErrorTypeValidation, errors.ErrCodeTemplateSyntax, "parse template").
				WithComponent("session"), err)
		}
		l.source, l.parsed = templateText, t
	}

	if l.pipeline != nil {
		plain, err := l.pipeline.RenderContext(ctx, data, templateText)
		if err != nil {
			return "", err
		}
		data = plain
	}

	out, err := l.renderer.Render(l.parsed, data)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeInternal, errors.ErrCodeRenderFailed, fmt.Sprintf("render template (version %d)", l.version+1)).
			WithComponent("session")
	}
	return out, nil
}

// locate points le at the line a template error reports.
func (l *Live) locate(le *errors.LiveError, err error) *errors.LiveError {
	if l.name == "" {
		return le
	}
	switch e := err.(type) {
	case *tmpl.SyntaxError:
		return le.WithLocation(l.name, e.Line)
	case *tmpl.AttrTagError:
		return le.WithLocation(l.name, e.Line)
	}
	return le
}
