// Package planner turns the attribute paths a template reads into eager-load
// directives, so rendering a collection costs one fetch per relation group
// instead of one per row.
package planner

import (
	"context"
	"strings"

	"github.com/conneroisu/liveweave/internal/logging"
	"github.com/conneroisu/liveweave/internal/schema"
	"github.com/conneroisu/liveweave/internal/store"
)

// DefaultMaxDepth bounds the relation hops considered per path.
const DefaultMaxDepth = 3

// collectionMethods may follow a to-many hop in a template path without
// naming a field.
var collectionMethods = map[string]bool{
	"all": true, "count": true, "first": true, "last": true, "exists": true,
}

// QueryPlan lists the relation chains to eager-load, in storage notation
// ("tenant__user").
type QueryPlan struct {
	Type            string
	SelectRelated   []string
	PrefetchRelated []string
}

// Empty reports whether the plan changes nothing.
func (p QueryPlan) Empty() bool {
	return len(p.SelectRelated) == 0 && len(p.PrefetchRelated) == 0
}

// Planner resolves paths against an entity registry.
type Planner struct {
	reg      *schema.Registry
	maxDepth int
	logger   logging.Logger
}

// Option configures a Planner.
type Option func(*Planner)

// WithMaxDepth overrides DefaultMaxDepth.
func WithMaxDepth(n int) Option {
	return func(p *Planner) {
		if n > 0 {
			p.maxDepth = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(p *Planner) { p.logger = logging.OrNop(l).WithComponent("planner") }
}

// New returns a planner over reg.
func New(reg *schema.Registry, opts ...Option) *Planner {
	p := &Planner{reg: reg, maxDepth: DefaultMaxDepth, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan returns the eager loads needed to read paths from typeName without
// per-row fetches. A chain made only of to-one hops is a select; a chain
// with any to-many hop is a prefetch. Paths deeper than the max depth are
// planned up to the limit only.
func (p *Planner) Plan(typeName string, paths []string) QueryPlan {
	plan := QueryPlan{Type: typeName}
	selects := make(map[string]struct{})
	prefetches := make(map[string]struct{})

	for _, path := range paths {
		chain, toMany := p.relationChain(typeName, path)
		if len(chain) == 0 {
			continue
		}
		joined := strings.Join(chain, "__")
		if toMany {
			prefetches[joined] = struct{}{}
		} else {
			selects[joined] = struct{}{}
		}
	}

	// A select chain already walked by a prefetch chain adds nothing.
	for s := range selects {
		for pf := range prefetches {
			if pf == s || strings.HasPrefix(pf, s+"__") {
				delete(selects, s)
				break
			}
		}
	}

	plan.SelectRelated = store.Collapse(selects)
	plan.PrefetchRelated = store.Collapse(prefetches)
	if len(paths) > 0 {
		p.logger.Debug(context.Background(), "Query planned",
			"type", typeName, "paths", len(paths),
			"select_related", plan.SelectRelated, "prefetch_related", plan.PrefetchRelated)
	}
	return plan
}

// relationChain returns the leading relation hops of path, at most maxDepth
// hops, and whether any hop is to-many. Collection segments such as all
// are not hops.
func (p *Planner) relationChain(typeName, path string) ([]string, bool) {
	var chain []string
	toMany := false
	current := typeName
	afterMany := false

	for _, seg := range strings.Split(path, ".") {
		if len(chain) == p.maxDepth {
			break
		}
		if afterMany && collectionMethods[seg] {
			continue
		}
		afterMany = false
		f, kind := p.reg.Resolve(current, seg)
		if !kind.IsRelation() {
			break
		}
		chain = append(chain, seg)
		if kind == schema.KindToMany {
			toMany = true
			afterMany = true
		}
		current = f.Target
	}
	return chain, toMany
}

// Apply returns q with the plan's eager loads added. It never executes q and
// keeps its filters and ordering.
func Apply(q store.Query, plan QueryPlan) store.Query {
	if plan.Empty() {
		return q
	}
	if len(plan.SelectRelated) > 0 {
		q = q.SelectRelated(plan.SelectRelated...)
	}
	if len(plan.PrefetchRelated) > 0 {
		q = q.PrefetchRelated(plan.PrefetchRelated...)
	}
	return q
}

// AutoOptimize plans q for the given dotted field paths and applies the
// plan.
func (p *Planner) AutoOptimize(q store.Query, paths ...string) store.Query {
	return Apply(q, p.Plan(q.Type(), paths))
}
