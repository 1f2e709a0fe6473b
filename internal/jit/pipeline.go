// Package jit turns a raw view context into the plain-data context a
// template renders from, serializing each value with a serializer compiled
// for exactly the paths the template reads.
package jit

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/conneroisu/liveweave/internal/blob"
	"github.com/conneroisu/liveweave/internal/codegen"
	"github.com/conneroisu/liveweave/internal/config"
	"github.com/conneroisu/liveweave/internal/errors"
	"github.com/conneroisu/liveweave/internal/extract"
	"github.com/conneroisu/liveweave/internal/jitcache"
	"github.com/conneroisu/liveweave/internal/loader"
	"github.com/conneroisu/liveweave/internal/logging"
	"github.com/conneroisu/liveweave/internal/planner"
	"github.com/conneroisu/liveweave/internal/schema"
	"github.com/conneroisu/liveweave/internal/serialize"
	"github.com/conneroisu/liveweave/internal/store"
)

// Pipeline owns the caches of one application. It is safe for concurrent
// use by any number of sessions.
type Pipeline struct {
	reg     *schema.Registry
	paths   *extract.Cache
	cache   *jitcache.Cache
	planner *planner.Planner
	deep    *serialize.Serializer
	loader  *loader.Loader
	logger  logging.Logger
	workers int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(p *Pipeline) { p.logger = logging.OrNop(l).WithComponent("jit") }
}

// WithDeep sets the deep serializer used for values without a compiled
// serializer.
func WithDeep(d *serialize.Serializer) Option {
	return func(p *Pipeline) { p.deep = d }
}

// WithPlanner sets the query planner.
func WithPlanner(pl *planner.Planner) Option {
	return func(p *Pipeline) { p.planner = pl }
}

// WithCache sets the serializer cache, for sharing one across pipelines.
func WithCache(c *jitcache.Cache) Option {
	return func(p *Pipeline) { p.cache = c }
}

// WithLoader resolves includes in template text before extraction.
func WithLoader(l *loader.Loader) Option {
	return func(p *Pipeline) { p.loader = l }
}

// WithWorkers bounds how many context values are serialized at once.
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// New returns a pipeline over reg.
func New(reg *schema.Registry, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{reg: reg, logger: logging.NewNop(), workers: 4}
	for _, opt := range opts {
		opt(p)
	}
	if p.deep == nil {
		p.deep = serialize.New(reg, serialize.WithLogger(p.logger))
	}
	if p.planner == nil {
		p.planner = planner.New(reg, planner.WithLogger(p.logger))
	}
	if p.cache == nil {
		c, err := jitcache.New(0)
		if err != nil {
			return nil, err
		}
		p.cache = c
	}
	paths, err := extract.NewCache(0)
	if err != nil {
		return nil, err
	}
	p.paths = paths
	return p, nil
}

// FromConfig builds a pipeline with the serializer, planner and cache
// settings of cfg. urls resolves file references and may be nil.
func FromConfig(cfg *config.Config, reg *schema.Registry, urls blob.Resolver, logger logging.Logger, opts ...Option) (*Pipeline, error) {
	truncate := serialize.Marker
	if !cfg.Serializer.TruncateWithDisplay {
		truncate = serialize.IDOnly
	}
	deep := serialize.New(reg,
		serialize.WithMaxDepth(cfg.Serializer.MaxDepth),
		serialize.WithTruncate(truncate),
		serialize.WithExactDecimals(cfg.Serializer.ExactDecimals),
		serialize.WithURLResolver(urls),
		serialize.WithLogger(logger),
	)
	cache, err := jitcache.New(cfg.Cache.MaxEntries)
	if err != nil {
		return nil, errors.WrapConfig(err, errors.ErrCodeConfigInvalid, "serializer cache")
	}
	base := []Option{
		WithLogger(logger),
		WithDeep(deep),
		WithCache(cache),
		WithPlanner(planner.New(reg, planner.WithMaxDepth(cfg.Planner.MaxDepth), planner.WithLogger(logger))),
	}
	p, err := New(reg, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	if cfg.Cache.PathMapEntries > 0 {
		paths, err := extract.NewCache(cfg.Cache.PathMapEntries)
		if err != nil {
			return nil, errors.WrapConfig(err, errors.ErrCodeConfigInvalid, "path map cache")
		}
		p.paths = paths
	}
	return p, nil
}

// Cache returns the serializer cache.
func (p *Pipeline) Cache() *jitcache.Cache { return p.cache }

// PathCache returns the path map cache.
func (p *Pipeline) PathCache() *extract.Cache { return p.paths }

// Deep returns the deep serializer.
func (p *Pipeline) Deep() *serialize.Serializer { return p.deep }

// Paths returns the path map of templateText, with includes resolved when
// a loader is configured.
func (p *Pipeline) Paths(templateText string) (extract.PathMap, string) {
	if p.loader != nil {
		templateText = p.loader.Resolve(templateText)
	}
	return p.paths.Get(templateText)
}

// RenderContext serializes every value of raw into plain data shaped by
// what templateText reads. Queries are planned and fetched; entities and
// entity lists go through compiled serializers; everything else goes
// through the deep serializer. Optimizer failures fall back to the deep
// serializer. Fetch errors and type mismatches are returned.
func (p *Pipeline) RenderContext(ctx context.Context, raw map[string]interface{}, templateText string) (map[string]interface{}, error) {
	perf := logging.StartOperation(p.logger, "render_context")
	pm, fp := p.Paths(templateText)

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	values := make([]interface{}, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, name := range names {
		g.Go(func() error {
			v, err := p.value(gctx, fp, name, pm.Effective(name), raw[name])
			if err != nil {
				return err
			}
			values[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		perf.EndWithError(ctx, err)
		return nil, err
	}

	out := make(map[string]interface{}, len(names))
	for i, name := range names {
		out[name] = values[i]
	}
	perf.End(ctx, "template", extract.ShortFingerprint(fp), "vars", len(names))
	return out, nil
}

func (p *Pipeline) value(ctx context.Context, fp, name string, paths []string, v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case store.Query:
		q := p.planner.AutoOptimize(x, paths...)
		items, err := q.Fetch(ctx)
		if err != nil {
			return nil, errors.NewIOError(errors.ErrCodeQueryFailed,
				fmt.Sprintf("fetch %s for %q", x.Type(), name), err)
		}
		return p.list(ctx, fp, name, paths, items)
	case schema.Entity:
		if schema.IsNil(x) {
			return nil, nil
		}
		return p.entity(ctx, fp, name, paths, x)
	}
	if items, ok := entities(v); ok {
		return p.list(ctx, fp, name, paths, items)
	}
	return p.deep.Serialize(ctx, v), nil
}

func (p *Pipeline) entity(ctx context.Context, fp, name string, paths []string, e schema.Entity) (interface{}, error) {
	typ, ok := p.reg.TypeOf(e)
	if !ok {
		return p.deep.Serialize(ctx, e), nil
	}
	s, err := p.serializer(fp, name, typ, paths, jitcache.ShapeScalar)
	if err != nil {
		return p.fallback(ctx, name, e, err)
	}
	if !s.Generated {
		return p.deep.Serialize(ctx, e), nil
	}
	out, err := s.Serialize(ctx, e)
	if err != nil {
		return p.fallback(ctx, name, e, err)
	}
	return out, nil
}

func (p *Pipeline) list(ctx context.Context, fp, name string, paths []string, items []schema.Entity) (interface{}, error) {
	if len(items) == 0 {
		return []interface{}{}, nil
	}
	typ, ok := p.reg.TypeOf(items[0])
	if !ok || !sameType(typ, items) {
		return p.deep.Serialize(ctx, items), nil
	}
	s, err := p.serializer(fp, name, typ, paths, jitcache.ShapeList)
	if err != nil {
		return p.fallback(ctx, name, items, err)
	}
	if !s.Generated {
		return p.deep.Serialize(ctx, items), nil
	}
	maps, err := s.SerializeList(ctx, items)
	if err != nil {
		return p.fallback(ctx, name, items, err)
	}
	out := make([]interface{}, len(maps))
	for i, m := range maps {
		out[i] = m
	}
	return out, nil
}

func (p *Pipeline) serializer(fp, name string, typ *schema.EntityType, paths []string, shape jitcache.Shape) (*codegen.Serializer, error) {
	key := jitcache.Key{
		TemplateFingerprint: fp,
		Variable:            name,
		TypeFingerprint:     typ.Fingerprint(),
		Shape:               shape,
	}
	fnName := fmt.Sprintf("serialize_%s_%s_%s", name, shape, extract.ShortFingerprint(fp))
	return p.cache.GetOrCompile(key, func() (*codegen.Serializer, error) {
		return codegen.Compile(p.reg, typ.Name, paths, fnName,
			codegen.WithDeep(p.deep), codegen.WithLogger(p.logger))
	})
}

// fallback deep-serializes v after an advisory failure. Any other error is
// returned unchanged.
func (p *Pipeline) fallback(ctx context.Context, name string, v interface{}, err error) (interface{}, error) {
	if !errors.IsAdvisory(err) {
		return nil, err
	}
	p.logger.Warn(ctx, err, "compiled serializer failed, using deep serializer", "variable", name)
	return p.deep.Serialize(ctx, v), nil
}

func sameType(typ *schema.EntityType, items []schema.Entity) bool {
	for _, e := range items {
		if schema.IsNil(e) || !typ.Accepts(e) {
			return false
		}
	}
	return true
}

var entityType = reflect.TypeOf((*schema.Entity)(nil)).Elem()

// entities converts a slice whose element type implements schema.Entity.
func entities(v interface{}) ([]schema.Entity, bool) {
	if es, ok := v.([]schema.Entity); ok {
		return es, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice || !rv.Type().Elem().Implements(entityType) {
		return nil, false
	}
	out := make([]schema.Entity, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface().(schema.Entity)
	}
	return out, true
}
