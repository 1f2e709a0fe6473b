// Package store defines the lazy collection query the planner rewrites and
// an in-memory backend for it.
package store

import (
	"context"
	"sort"
	"strings"

	"github.com/conneroisu/liveweave/internal/schema"
)

// Filter is an equality condition on a column of the queried type.
type Filter struct {
	Column string
	Value  interface{}
}

// Spec is the description of a query. Building a query never executes it.
type Spec struct {
	Type     string
	Filters  []Filter
	Order    []string
	Limit    int
	Select   []string
	Prefetch []string
}

func (s Spec) clone() Spec {
	return Spec{
		Type:     s.Type,
		Filters:  append([]Filter(nil), s.Filters...),
		Order:    append([]string(nil), s.Order...),
		Limit:    s.Limit,
		Select:   append([]string(nil), s.Select...),
		Prefetch: append([]string(nil), s.Prefetch...),
	}
}

// Query is a lazy collection of entities of one type. Every method returns
// a new query; the receiver is unchanged.
type Query interface {
	Type() string
	Filter(column string, value interface{}) Query
	OrderBy(columns ...string) Query
	Limit(n int) Query
	// SelectRelated eager-loads to-one chains such as "tenant__user" in the
	// base fetch.
	SelectRelated(paths ...string) Query
	// PrefetchRelated eager-loads relation chains containing a to-many hop
	// with one batched fetch per hop.
	PrefetchRelated(paths ...string) Query
	Spec() Spec
	// Fetch executes the query.
	Fetch(ctx context.Context) ([]schema.Entity, error)
}

// Executor runs a query spec against a backend.
type Executor interface {
	Execute(ctx context.Context, spec Spec) ([]schema.Entity, error)
}

type query struct {
	spec Spec
	exec Executor
}

// NewQuery returns an unfiltered query over typ executed by exec.
func NewQuery(typ string, exec Executor) Query {
	return &query{spec: Spec{Type: typ}, exec: exec}
}

func (q *query) with(fn func(*Spec)) Query {
	spec := q.spec.clone()
	fn(&spec)
	return &query{spec: spec, exec: q.exec}
}

func (q *query) Type() string { return q.spec.Type }

func (q *query) Filter(column string, value interface{}) Query {
	return q.with(func(s *Spec) { s.Filters = append(s.Filters, Filter{Column: column, Value: value}) })
}

func (q *query) OrderBy(columns ...string) Query {
	return q.with(func(s *Spec) { s.Order = append(s.Order, columns...) })
}

func (q *query) Limit(n int) Query {
	return q.with(func(s *Spec) { s.Limit = n })
}

func (q *query) SelectRelated(paths ...string) Query {
	return q.with(func(s *Spec) { s.Select = mergePaths(s.Select, paths) })
}

func (q *query) PrefetchRelated(paths ...string) Query {
	return q.with(func(s *Spec) { s.Prefetch = mergePaths(s.Prefetch, paths) })
}

func (q *query) Spec() Spec { return q.spec.clone() }

func (q *query) Fetch(ctx context.Context) ([]schema.Entity, error) {
	return q.exec.Execute(ctx, q.spec.clone())
}

// mergePaths adds paths to existing, dropping duplicates and chains covered
// by a longer one, and sorts the result.
func mergePaths(existing, paths []string) []string {
	set := make(map[string]struct{}, len(existing)+len(paths))
	for _, p := range existing {
		set[p] = struct{}{}
	}
	for _, p := range paths {
		if p != "" {
			set[p] = struct{}{}
		}
	}
	return Collapse(set)
}

// Collapse returns the maximal chains of set, sorted: "a" is dropped when
// "a__b" is present.
func Collapse(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for p := range set {
		covered := false
		for other := range set {
			if other != p && strings.HasPrefix(other, p+"__") {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// SplitChain splits "a__b__c" into its hops.
func SplitChain(path string) []string {
	return strings.Split(path, "__")
}

// ChainPrefixes returns every prefix of the chains in paths, shortest
// first, deduplicated. "a__b" yields "a" then "a__b".
func ChainPrefixes(paths []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range paths {
		hops := SplitChain(p)
		for i := range hops {
			prefix := strings.Join(hops[:i+1], "__")
			if !seen[prefix] {
				seen[prefix] = true
				out = append(out, prefix)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		di, dj := strings.Count(out[i], "__"), strings.Count(out[j], "__")
		if di != dj {
			return di < dj
		}
		return out[i] < out[j]
	})
	return out
}
